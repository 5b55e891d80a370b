/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package dispatch executes normalized commands against detected routers.
// The dispatcher owns the cross-cutting policy the adapters must not:
// validation, vendor detection, credential resolution, per-target rate
// limiting and serialization, pre-mutation snapshots, bounded retry, and
// the audit trail. Every dispatched command produces exactly one audit
// entry regardless of outcome.
package dispatch

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerv-lab/tachikoma/internal/adapter"
	"github.com/nerv-lab/tachikoma/internal/audit"
	"github.com/nerv-lab/tachikoma/internal/config"
	"github.com/nerv-lab/tachikoma/internal/credentials"
	"github.com/nerv-lab/tachikoma/internal/detect"
	"github.com/nerv-lab/tachikoma/internal/events"
	"github.com/nerv-lab/tachikoma/internal/metrics"
	"github.com/nerv-lab/tachikoma/internal/ratelimit"
	"github.com/nerv-lab/tachikoma/internal/redact"
	"github.com/nerv-lab/tachikoma/internal/router"
	"github.com/nerv-lab/tachikoma/internal/snapshot"
	"github.com/nerv-lab/tachikoma/internal/telemetry"
)

// consecutive failures on one target before its detection cache entry is
// dropped; the device may have been reflashed or replaced.
const invalidateAfterFailures = 2

// Options wires a dispatcher.
type Options struct {
	Registry    *adapter.Registry
	Detector    *detect.Detector
	Credentials credentials.Provider
	Limiter     *ratelimit.Limiter
	Snapshots   *snapshot.Store
	Audit       audit.Sink
	Retry       config.RetryConfig
	Logger      *slog.Logger
	Bus         *events.Bus
}

// Dispatcher runs commands end to end.
type Dispatcher struct {
	registry  *adapter.Registry
	detector  *detect.Detector
	creds     credentials.Provider
	limiter   *ratelimit.Limiter
	snapshots *snapshot.Store
	audit     audit.Sink
	retry     config.RetryConfig
	log       *slog.Logger
	bus       *events.Bus

	mu       sync.Mutex
	locks    map[string]*sync.Mutex // per-target, mutating commands only
	failures map[string]int         // consecutive transport/auth failures per target
}

// New builds a dispatcher. Registry, Detector, and Credentials are
// required; the rest degrade gracefully (nil audit sink falls back to an
// in-memory log, nil limiter disables rate limiting).
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewLog(0)
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Retry.InitialBackoff <= 0 {
		opts.Retry.InitialBackoff = 500 * time.Millisecond
	}
	if opts.Retry.Multiplier < 1 {
		opts.Retry.Multiplier = 2
	}
	if opts.Retry.MaxBackoff <= 0 {
		opts.Retry.MaxBackoff = 10 * time.Second
	}
	return &Dispatcher{
		registry:  opts.Registry,
		detector:  opts.Detector,
		creds:     opts.Credentials,
		limiter:   opts.Limiter,
		snapshots: opts.Snapshots,
		audit:     opts.Audit,
		retry:     opts.Retry,
		log:       opts.Logger,
		bus:       opts.Bus,
		locks:     make(map[string]*sync.Mutex),
		failures:  make(map[string]int),
	}
}

// Dispatch runs one command against one address. The address may carry
// an explicit port ("host:port") for devices off their default port.
// hint, when known, skips vendor detection. The returned result is never
// nil; failures carry the typed error in result.Err.
func (d *Dispatcher) Dispatch(ctx context.Context, address string, hint router.Vendor, cmd router.Command) *router.CommandResult {
	start := time.Now()
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	ctx, span := telemetry.StartCommandSpan(ctx, string(cmd.Kind), address)
	metrics.InflightCommands.Inc()
	defer metrics.InflightCommands.Dec()

	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type:    events.CommandDispatched,
			Target:  address,
			Summary: string(cmd.Kind) + " accepted",
			Detail:  map[string]any{"command_id": cmd.ID, "actor": cmd.Actor},
		})
	}

	result := d.dispatch(ctx, address, hint, cmd, start)

	status := audit.StatusOK
	if !result.OK {
		switch result.Err.Kind {
		case router.ErrRateLimited, router.ErrValidationFailed:
			status = audit.StatusDenied
		default:
			status = audit.StatusError
		}
	}
	telemetry.EndCommandSpan(span, string(result.Backend), status, result.Attempts)
	metrics.RecordCommand(string(result.Backend), string(cmd.Kind), status, result.Elapsed, result.Attempts)

	d.record(address, cmd, result, status)
	d.publish(address, cmd, result)
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, address string, hint router.Vendor, cmd router.Command, start time.Time) *router.CommandResult {
	if verr := router.Validate(cmd); verr != nil {
		return router.Failure(router.VendorUnknown, 0, time.Since(start), verr)
	}

	host, port := splitAddress(address)
	target, err := d.detector.Detect(ctx, host, hint, false)
	if err != nil {
		return router.Failure(router.VendorUnknown, 0, time.Since(start), router.AsError(err, "detect"))
	}
	target.Port = port

	a, ok := d.registry.Get(target.Vendor)
	if !ok {
		return router.Failure(target.Vendor, 0, time.Since(start),
			router.Errorf(router.ErrUnsupportedOperation, "no adapter registered for %s", target.Vendor))
	}

	creds, err := d.creds.Resolve(target)
	if err != nil {
		return router.Failure(target.Vendor, 0, time.Since(start), router.AsError(err, "credentials"))
	}

	// Fail fast rather than queue: a human retries in seconds, a runaway
	// automation loop retries in microseconds.
	if d.limiter != nil && !d.limiter.Allow(target.Key()) {
		metrics.RecordRateLimited(target.Key())
		return router.Failure(target.Vendor, 0, time.Since(start),
			router.Errorf(router.ErrRateLimited, "too many commands for %s, retry in %.1fs",
				address, d.limiter.Reserve(target.Key())))
	}

	if cmd.Kind.Mutating() {
		unlock := d.lock(target.Key())
		defer unlock()
	}

	var result *router.CommandResult
	var execErr error
	switch cmd.Kind {
	case router.BackupConfig:
		result, execErr = d.backup(ctx, a, target, creds, cmd)
	case router.RestoreConfig:
		result, execErr = d.restore(ctx, a, target, creds, cmd)
	default:
		if cmd.Kind.Mutating() && !cmd.NoBackup {
			if snapErr := d.preMutationSnapshot(ctx, a, target, creds, cmd); snapErr != nil {
				return router.Failure(target.Vendor, 1, time.Since(start), snapErr)
			}
		}
		result, execErr = d.execute(ctx, a, target, creds, cmd)
	}

	attempts := 1
	if result != nil && result.Attempts > 0 {
		attempts = result.Attempts
	}
	if execErr != nil {
		d.noteFailure(target, execErr)
		fail := router.Failure(target.Vendor, attempts, time.Since(start), router.AsError(execErr, string(target.Vendor)+"."+string(cmd.Kind)))
		fail.Err.Target = address
		return fail
	}
	d.clearFailures(target.Key())

	result.Backend = target.Vendor
	result.Elapsed = time.Since(start)
	if result.Attempts == 0 {
		result.Attempts = attempts
	}
	return result
}

// execute runs the adapter with bounded retry. Only transient failures
// retry; an authentication failure gets one credential re-resolve, which
// covers mid-flight rotation.
func (d *Dispatcher) execute(ctx context.Context, a adapter.Adapter, target router.Target, creds router.Credentials, cmd router.Command) (*router.CommandResult, error) {
	backoff := d.retry.InitialBackoff
	refreshed := false

	var lastErr error
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, router.E(router.ErrCancelled, "command cancelled", ctx.Err())
		}

		attemptCtx, span := telemetry.StartAdapterSpan(ctx, string(target.Vendor), string(a.Transport()), attempt)
		result, err := a.Execute(attemptCtx, target, creds, cmd)
		span.End()

		if err == nil {
			result.Attempts = attempt
			return result, nil
		}
		lastErr = err

		kind := router.KindOf(err)
		if kind == router.ErrAuthenticationFailed && !refreshed {
			refreshed = true
			fresh, rerr := d.creds.Resolve(target)
			if rerr == nil && fresh != creds {
				d.log.Info("retrying with refreshed credentials",
					"target", target.Address, "kind", string(cmd.Kind))
				creds = fresh
				continue
			}
		}
		if !router.Retryable(err) || attempt == d.retry.MaxAttempts {
			break
		}

		d.log.Warn("transient failure, backing off",
			"target", target.Address,
			"kind", string(cmd.Kind),
			"attempt", attempt,
			"backoff", backoff,
			"error", redact.Sanitize(err.Error()))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, router.E(router.ErrCancelled, "command cancelled during backoff", ctx.Err())
		}
		backoff = time.Duration(float64(backoff) * d.retry.Multiplier)
		if backoff > d.retry.MaxBackoff {
			backoff = d.retry.MaxBackoff
		}
	}
	return nil, lastErr
}

// backup captures the device configuration and persists it.
func (d *Dispatcher) backup(ctx context.Context, a adapter.Adapter, target router.Target, creds router.Credentials, cmd router.Command) (*router.CommandResult, error) {
	if d.snapshots == nil {
		return nil, router.Errorf(router.ErrBackupFailed, "no snapshot store configured")
	}
	snap, err := d.takeSnapshot(ctx, a, target, creds, cmd.ID, "backup_command")
	if err != nil {
		return nil, err
	}
	return adapter.OK(map[string]any{
		"snapshot_id": snap.ID,
		"format":      snap.Format,
		"taken_at":    snap.TakenAt,
		"bytes":       len(snap.Data),
		"encrypted":   snap.Encrypted,
	}), nil
}

// restore loads a stored snapshot, verifies compatibility, captures a
// safety snapshot of the current state, then applies the restore.
func (d *Dispatcher) restore(ctx context.Context, a adapter.Adapter, target router.Target, creds router.Credentials, cmd router.Command) (*router.CommandResult, error) {
	if d.snapshots == nil {
		return nil, router.Errorf(router.ErrBackupFailed, "no snapshot store configured")
	}
	snap, err := d.snapshots.Load(cmd.String(router.ParamSnapshotID))
	if err != nil {
		return nil, err
	}
	if snap.Vendor != target.Vendor {
		return nil, router.Errorf(router.ErrSnapshotIncompatible,
			"snapshot %s was taken from a %s device, target is %s", snap.ID, snap.Vendor, target.Vendor)
	}

	var safetyID string
	if !cmd.NoBackup {
		safety, err := d.takeSnapshot(ctx, a, target, creds, cmd.ID, "pre_mutation")
		if err != nil {
			return nil, router.E(router.ErrBackupFailed, "safety snapshot before restore failed", err)
		}
		safetyID = safety.ID
	}

	if err := a.Restore(ctx, target, creds, snap); err != nil {
		return nil, err
	}
	payload := map[string]any{"restored": snap.ID}
	if safetyID != "" {
		payload["safety_snapshot_id"] = safetyID
	}
	return adapter.OK(payload), nil
}

// preMutationSnapshot backs up the device before a state-changing command.
// A failed snapshot aborts the mutation: no backup, no change. That holds
// even when the backend has no config export at all; callers that accept
// an uninsured mutation say so with NoBackup.
func (d *Dispatcher) preMutationSnapshot(ctx context.Context, a adapter.Adapter, target router.Target, creds router.Credentials, cmd router.Command) *router.Error {
	if d.snapshots == nil {
		return nil
	}
	if _, err := d.takeSnapshot(ctx, a, target, creds, cmd.ID, "pre_mutation"); err != nil {
		return router.E(router.ErrBackupFailed, "op:pre_mutation_snapshot", "snapshot before mutation failed", err)
	}
	return nil
}

func (d *Dispatcher) takeSnapshot(ctx context.Context, a adapter.Adapter, target router.Target, creds router.Credentials, commandID, trigger string) (*router.ConfigSnapshot, error) {
	ctx, span := telemetry.StartSnapshotSpan(ctx, string(target.Vendor), trigger)
	defer span.End()

	snap, err := a.Snapshot(ctx, target, creds)
	if err != nil {
		return nil, err
	}
	snap.Target = target.Key()
	snap.Vendor = target.Vendor
	snap.CommandID = commandID
	if _, err := d.snapshots.Save(snap); err != nil {
		return nil, err
	}
	metrics.RecordSnapshot(string(target.Vendor), trigger)
	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type:    events.SnapshotCreated,
			Target:  target.Address,
			Summary: "snapshot " + snap.ID,
			Detail:  map[string]any{"trigger": trigger, "format": snap.Format},
		})
	}
	return snap, nil
}

// record writes the command's single audit entry. Sink failures are
// surfaced on the bus and in metrics but never fail the command.
func (d *Dispatcher) record(address string, cmd router.Command, result *router.CommandResult, status string) {
	entry := audit.Entry{
		ID:       cmd.ID,
		Target:   address,
		Vendor:   result.Backend,
		Kind:     cmd.Kind,
		Params:   redact.ParamSummary(cmd.Params),
		Status:   status,
		Attempts: result.Attempts,
		Actor:    cmd.Actor,
	}
	if result.Err != nil {
		entry.ErrKind = string(result.Err.Kind)
	}
	if result.Payload != nil {
		if id, ok := result.Payload["snapshot_id"].(string); ok {
			entry.SnapshotID = id
		}
	}
	if err := d.audit.Record(entry); err != nil {
		metrics.RecordAuditFailure()
		d.log.Error("audit entry not persisted", "command", cmd.ID, "error", err)
		if d.bus != nil {
			d.bus.Publish(events.Event{
				Type:    events.AuditSinkFailure,
				Target:  address,
				Summary: "audit entry lost for command " + cmd.ID,
			})
		}
	}
}

func (d *Dispatcher) publish(address string, cmd router.Command, result *router.CommandResult) {
	if d.bus == nil {
		return
	}
	evt := events.Event{
		Type:    events.CommandCompleted,
		Target:  address,
		Summary: string(cmd.Kind) + " ok",
		Detail:  map[string]any{"attempts": result.Attempts, "elapsed": result.Elapsed.String()},
	}
	if !result.OK {
		evt.Type = events.CommandFailed
		evt.Summary = string(cmd.Kind) + " failed: " + string(result.Err.Kind)
	}
	d.bus.Publish(evt)
}

// lock serializes mutating commands per target key.
func (d *Dispatcher) lock(key string) func() {
	d.mu.Lock()
	m, ok := d.locks[key]
	if !ok {
		m = &sync.Mutex{}
		d.locks[key] = m
	}
	d.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// noteFailure counts consecutive transport-level failures; after enough
// of them the cached detection is dropped so the next command re-probes.
func (d *Dispatcher) noteFailure(target router.Target, err error) {
	switch router.KindOf(err) {
	case router.ErrTransient, router.ErrAuthenticationFailed:
	default:
		return
	}
	d.mu.Lock()
	d.failures[target.Key()]++
	n := d.failures[target.Key()]
	d.mu.Unlock()
	if n >= invalidateAfterFailures {
		d.log.Warn("repeated failures, invalidating cached detection",
			"target", target.Address, "failures", n)
		d.detector.Invalidate(target.Address)
		d.clearFailures(target.Key())
	}
}

func (d *Dispatcher) clearFailures(key string) {
	d.mu.Lock()
	delete(d.failures, key)
	d.mu.Unlock()
}

// splitAddress separates an optional port from the address. Plain hosts
// and IPs pass through with port 0 (adapter default).
func splitAddress(address string) (string, int) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return address, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return address, 0
	}
	return host, port
}
