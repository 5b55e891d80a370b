/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package audit records every dispatched command: who asked for what,
// against which router, and how it ended. Entries carry redacted
// parameter summaries only; credential material never reaches this
// package.
package audit

import (
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerv-lab/tachikoma/internal/router"
)

// Status values for an entry.
const (
	StatusOK     = "ok"
	StatusError  = "error"
	StatusDenied = "denied" // rate limited or validation-rejected
)

// Entry is one audit record.
type Entry struct {
	ID         string             `json:"id"`
	Timestamp  time.Time          `json:"timestamp"`
	Target     string             `json:"target"`
	Vendor     router.Vendor      `json:"vendor,omitempty"`
	Kind       router.CommandKind `json:"kind"`
	Params     string             `json:"params,omitempty"` // redacted k=v summary
	Status     string             `json:"status"`
	ErrKind    string             `json:"err_kind,omitempty"`
	Attempts   int                `json:"attempts"`
	Actor      string             `json:"actor,omitempty"`
	SnapshotID string             `json:"snapshot_id,omitempty"`
}

// Filter narrows a query. Zero values match everything.
type Filter struct {
	Target string
	Kind   router.CommandKind
	Status string
	Actor  string
	Since  time.Time
	Until  time.Time
	Limit  int
}

func (f Filter) matches(e Entry) bool {
	if f.Target != "" && e.Target != f.Target {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Sink is the audit destination the dispatcher writes to. Record errors
// surface to the caller but must never abort the command they describe.
type Sink interface {
	Record(entry Entry) error
	// Query yields matching entries oldest first. The returned sequence
	// is restartable: each range re-runs the query.
	Query(f Filter) iter.Seq[Entry]
	Close() error
}

func enrich(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// Log is the in-memory sink: a bounded ring used in tests and as the
// fallback when the SQLite store cannot open.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	limit   int
}

// NewLog builds an in-memory sink holding at most limit entries.
func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = 10000
	}
	return &Log{limit: limit}
}

// Record implements Sink.
func (l *Log) Record(entry Entry) error {
	enrich(&entry)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.limit {
		l.entries = l.entries[len(l.entries)-l.limit:]
	}
	return nil
}

// Query implements Sink. Entries come back oldest first.
func (l *Log) Query(f Filter) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		l.mu.RLock()
		snapshot := make([]Entry, len(l.entries))
		copy(snapshot, l.entries)
		l.mu.RUnlock()

		count := 0
		for _, e := range snapshot {
			if !f.matches(e) {
				continue
			}
			if f.Limit > 0 && count >= f.Limit {
				return
			}
			if !yield(e) {
				return
			}
			count++
		}
	}
}

// Close implements Sink.
func (l *Log) Close() error { return nil }
