/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package detect resolves network addresses to router vendors by probing
// each adapter's fingerprint in priority order. Results (including
// failures) are cached per address for the process lifetime; concurrent
// probes of one address are coalesced into a single pass.
package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerv-lab/tachikoma/internal/adapter"
	"github.com/nerv-lab/tachikoma/internal/events"
	"github.com/nerv-lab/tachikoma/internal/router"
)

// Options tunes the detector.
type Options struct {
	// ProbeTimeout bounds one adapter's probe of one address.
	ProbeTimeout time.Duration
	// TotalTimeout bounds the whole detection pass.
	TotalTimeout time.Duration
	Logger       *slog.Logger
	Bus          *events.Bus
}

// Detector maps addresses to vendors.
type Detector struct {
	registry     *adapter.Registry
	probeTimeout time.Duration
	totalTimeout time.Duration
	log          *slog.Logger
	bus          *events.Bus

	mu    sync.RWMutex
	cache map[string]router.Vendor

	group singleflight.Group
}

// New builds a detector over the given adapter registry.
func New(registry *adapter.Registry, opts Options) *Detector {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Detector{
		registry:     registry,
		probeTimeout: opts.ProbeTimeout,
		totalTimeout: opts.TotalTimeout,
		log:          opts.Logger,
		bus:          opts.Bus,
		cache:        make(map[string]router.Vendor),
	}
}

// Detect resolves an address to a target. A known hint skips probing
// entirely. force bypasses the cache, including a cached failure.
func (d *Detector) Detect(ctx context.Context, address string, hint router.Vendor, force bool) (router.Target, error) {
	target := router.Target{Address: address}
	if target.Key() == "" {
		return target, router.Errorf(router.ErrTargetUnresolved, "empty address")
	}

	if hint.Known() {
		target.Vendor = hint
		return target, nil
	}

	key := target.Key()
	if !force {
		d.mu.RLock()
		vendor, ok := d.cache[key]
		d.mu.RUnlock()
		if ok {
			if !vendor.Known() {
				return target, router.Errorf(router.ErrDetectionFailed,
					"no adapter recognized %s (cached; re-run with force to probe again)", address)
			}
			target.Vendor = vendor
			return target, nil
		}
	} else {
		d.Invalidate(address)
	}

	// Concurrent callers for the same address share one probe pass.
	v, err, _ := d.group.Do(key, func() (any, error) {
		return d.probe(ctx, address, key)
	})
	if err != nil {
		return target, err
	}
	target.Vendor = v.(router.Vendor)
	return target, nil
}

func (d *Detector) probe(ctx context.Context, address, key string) (router.Vendor, error) {
	ctx, cancel := context.WithTimeout(ctx, d.totalTimeout)
	defer cancel()

	start := time.Now()
	for _, a := range d.registry.All() {
		if ctx.Err() != nil {
			return router.VendorUnknown, router.E(router.ErrCancelled, "detection timed out", ctx.Err())
		}
		probeCtx, cancelProbe := context.WithTimeout(ctx, d.probeTimeout)
		result := a.Probe(probeCtx, address)
		cancelProbe()

		if result.Match {
			d.log.Info("vendor detected",
				"address", address,
				"vendor", string(a.Vendor()),
				"confidence", result.Confidence,
				"evidence", result.Evidence,
				"elapsed", time.Since(start))
			d.store(key, a.Vendor())
			if d.bus != nil {
				d.bus.Publish(events.Event{
					Type:    events.DetectionResolved,
					Target:  address,
					Summary: "detected " + string(a.Vendor()),
					Detail:  result.Evidence,
				})
			}
			return a.Vendor(), nil
		}
	}

	// Negative results are cached too: a fleet scan must not hammer an
	// address that answered nothing.
	d.log.Warn("no vendor matched", "address", address, "elapsed", time.Since(start))
	d.store(key, router.VendorUnknown)
	return router.VendorUnknown, router.Errorf(router.ErrDetectionFailed, "no adapter recognized %s", address)
}

func (d *Detector) store(key string, vendor router.Vendor) {
	d.mu.Lock()
	d.cache[key] = vendor
	d.mu.Unlock()
}

// Invalidate drops the cached result for an address. The dispatcher
// calls this after repeated transport failures so the next command
// re-probes.
func (d *Detector) Invalidate(address string) {
	key := router.Target{Address: address}.Key()
	d.mu.Lock()
	delete(d.cache, key)
	d.mu.Unlock()
}

// Cached returns the cached vendor for an address, if any.
func (d *Detector) Cached(address string) (router.Vendor, bool) {
	key := router.Target{Address: address}.Key()
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.cache[key]
	return v, ok
}
