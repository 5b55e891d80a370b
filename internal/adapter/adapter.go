/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package adapter defines the backend contract every vendor implementation
// satisfies, plus the registry the detector and dispatcher share. Concrete
// adapters live in subpackages (unifi, asus, netgear, pfsense, openwrt,
// tplink) and import this package, never each other.
package adapter

import (
	"context"
	"sort"
	"sync"

	"github.com/nerv-lab/tachikoma/internal/router"
)

// ProbeResult is an adapter's verdict about an address.
type ProbeResult struct {
	Match      bool
	Confidence float64 // 0..1, used to rank ambiguous fingerprints
	Evidence   string  // short human-readable reason, no secrets
}

// Adapter is one vendor backend. Implementations are stateless with
// respect to targets: all per-call state (credentials, address) arrives
// through parameters, so one adapter instance serves any number of
// routers of its kind.
type Adapter interface {
	// Vendor returns the vendor this adapter speaks for.
	Vendor() router.Vendor

	// Transport reports the protocol family used for Execute.
	Transport() router.Transport

	// Probe checks whether the address looks like this adapter's vendor.
	// It must not authenticate and must respect ctx deadlines.
	Probe(ctx context.Context, address string) ProbeResult

	// Execute runs one normalized command. Unsupported kinds return an
	// UnsupportedOperation error; the dispatcher never retries those.
	Execute(ctx context.Context, target router.Target, creds router.Credentials, cmd router.Command) (*router.CommandResult, error)

	// Snapshot captures the router's configuration as an opaque blob.
	Snapshot(ctx context.Context, target router.Target, creds router.Credentials) (*router.ConfigSnapshot, error)

	// Restore applies a snapshot previously taken from the same vendor.
	// Adapters without a restore path return UnsupportedOperation.
	Restore(ctx context.Context, target router.Target, creds router.Credentials, snap *router.ConfigSnapshot) error
}

// OK builds a successful command result with the given payload. The
// dispatcher stamps backend, attempts, and elapsed time afterwards.
func OK(payload map[string]any) *router.CommandResult {
	return &router.CommandResult{OK: true, Payload: payload}
}

// Unsupported is the error adapters return for command kinds their
// backend cannot express. The dispatcher never retries it.
func Unsupported(v router.Vendor, kind router.CommandKind) error {
	return router.Errorf(router.ErrUnsupportedOperation, "%s does not support %s", v, kind)
}

// Registry holds the known adapters in detection priority order.
type Registry struct {
	mu       sync.RWMutex
	byVendor map[router.Vendor]Adapter
	order    []router.Vendor
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byVendor: make(map[router.Vendor]Adapter)}
}

// Register adds an adapter. Registration order is detection order;
// registering the same vendor twice replaces the adapter but keeps its
// position.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := a.Vendor()
	if _, ok := r.byVendor[v]; !ok {
		r.order = append(r.order, v)
	}
	r.byVendor[v] = a
}

// Get returns the adapter for a vendor.
func (r *Registry) Get(v router.Vendor) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byVendor[v]
	return a, ok
}

// All returns adapters in registration (detection) order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.order))
	for _, v := range r.order {
		out = append(out, r.byVendor[v])
	}
	return out
}

// Vendors returns the registered vendor names, sorted, for diagnostics.
func (r *Registry) Vendors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, v := range r.order {
		out = append(out, string(v))
	}
	sort.Strings(out)
	return out
}
