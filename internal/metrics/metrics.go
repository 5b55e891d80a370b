/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the router control layer.
//
// Metric naming follows Prometheus conventions:
//   - tachikoma_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CommandsTotal counts dispatched commands by vendor, kind, and
	// terminal status.
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tachikoma_commands_total",
			Help: "Total dispatched router commands by vendor, kind, and status.",
		},
		[]string{"vendor", "kind", "status"},
	)

	// CommandDurationSeconds is a histogram of end-to-end command latency
	// including retries.
	CommandDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tachikoma_command_duration_seconds",
			Help:    "End-to-end command duration in seconds, retries included.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"vendor", "kind"},
	)

	// RetriesTotal counts retry attempts beyond the first try.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tachikoma_retries_total",
			Help: "Total command retry attempts by vendor and kind.",
		},
		[]string{"vendor", "kind"},
	)

	// RateLimitedTotal counts commands refused by the per-target limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tachikoma_rate_limited_total",
			Help: "Total commands denied by the per-target rate limiter.",
		},
		[]string{"target"},
	)

	// SnapshotsTotal counts configuration snapshots by vendor and trigger
	// (pre_mutation or backup_command).
	SnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tachikoma_snapshots_total",
			Help: "Total configuration snapshots taken, by vendor and trigger.",
		},
		[]string{"vendor", "trigger"},
	)

	// DetectionsTotal counts detection passes by resolved vendor
	// ("unknown" when nothing matched).
	DetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tachikoma_detections_total",
			Help: "Total vendor detection passes by resolved vendor.",
		},
		[]string{"vendor"},
	)

	// AuditFailuresTotal counts audit entries that could not be persisted.
	AuditFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tachikoma_audit_failures_total",
			Help: "Total audit entries that failed to persist.",
		},
	)

	// InflightCommands is the number of commands currently executing.
	InflightCommands = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tachikoma_inflight_commands",
			Help: "Number of router commands currently executing.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CommandsTotal,
		CommandDurationSeconds,
		RetriesTotal,
		RateLimitedTotal,
		SnapshotsTotal,
		DetectionsTotal,
		AuditFailuresTotal,
		InflightCommands,
	)
}

// RecordCommand records metrics for a finished command.
func RecordCommand(vendor, kind, status string, duration time.Duration, attempts int) {
	CommandsTotal.WithLabelValues(vendor, kind, status).Inc()
	CommandDurationSeconds.WithLabelValues(vendor, kind).Observe(duration.Seconds())
	if attempts > 1 {
		RetriesTotal.WithLabelValues(vendor, kind).Add(float64(attempts - 1))
	}
}

// RecordRateLimited records a limiter denial.
func RecordRateLimited(target string) {
	RateLimitedTotal.WithLabelValues(target).Inc()
}

// RecordSnapshot records a taken snapshot.
func RecordSnapshot(vendor, trigger string) {
	SnapshotsTotal.WithLabelValues(vendor, trigger).Inc()
}

// RecordDetection records a detection pass outcome.
func RecordDetection(vendor string) {
	DetectionsTotal.WithLabelValues(vendor).Inc()
}

// RecordAuditFailure records one failed audit persist.
func RecordAuditFailure() {
	AuditFailuresTotal.Inc()
}
