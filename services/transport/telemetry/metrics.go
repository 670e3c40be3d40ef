// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Queue and Reconciliation
// =============================================================================

var (
	// queuePending is the pending-count indicator: Sync Events waiting in the vault.
	queuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lifeline",
		Subsystem: "sync_queue",
		Name:      "pending",
		Help:      "Sync events currently queued in the vault",
	})

	// reconcileRuns counts reconciliation triggers by outcome.
	// Labels: trigger (periodic, connectivity, manual, entity), outcome (completed, busy, empty, offline)
	reconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifeline",
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Reconciliation triggers by outcome",
	}, []string{"trigger", "outcome"})

	// reconcileBatches counts batches by outcome (delivered, abandoned).
	reconcileBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifeline",
		Subsystem: "reconcile",
		Name:      "batches_total",
		Help:      "Batches uploaded by outcome",
	}, []string{"outcome"})

	// reconcileVerdicts counts per-item server verdicts.
	reconcileVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifeline",
		Subsystem: "reconcile",
		Name:      "verdicts_total",
		Help:      "Per-item verdicts returned by the batch endpoint",
	}, []string{"status"})

	// reconcileBackoff observes each backoff delay actually waited.
	reconcileBackoff = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lifeline",
		Subsystem: "reconcile",
		Name:      "backoff_seconds",
		Help:      "Backoff delay between batch attempts",
		Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 30, 60},
	})

	// reconcileDuration observes whole-run latency.
	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lifeline",
		Subsystem: "reconcile",
		Name:      "duration_seconds",
		Help:      "Duration of a reconciliation run",
		Buckets:   prometheus.DefBuckets,
	})

	// syncStatus counts optimistic entity status transitions.
	// Labels: entity, status (synced, pending, stale, conflict)
	syncStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifeline",
		Subsystem: "optimistic",
		Name:      "status_transitions_total",
		Help:      "Optimistic synchronizer status transitions",
	}, []string{"entity", "status"})
)

// SetQueuePending records the current queue depth.
func SetQueuePending(n int) {
	queuePending.Set(float64(n))
}

// RecordReconcileRun counts one reconciliation trigger.
//
// Inputs:
//
//	trigger - What started the run ("periodic", "connectivity", "manual", "entity").
//	outcome - "completed", "busy" or "empty".
func RecordReconcileRun(trigger, outcome string) {
	reconcileRuns.WithLabelValues(trigger, outcome).Inc()
}

// RecordReconcileBatch counts one batch as "delivered" or "abandoned".
func RecordReconcileBatch(outcome string) {
	reconcileBatches.WithLabelValues(outcome).Inc()
}

// RecordVerdict counts one per-item verdict.
func RecordVerdict(status string) {
	reconcileVerdicts.WithLabelValues(status).Inc()
}

// ObserveBackoff records one backoff wait in seconds.
func ObserveBackoff(seconds float64) {
	reconcileBackoff.Observe(seconds)
}

// ObserveReconcileDuration records a finished run in seconds.
func ObserveReconcileDuration(seconds float64) {
	reconcileDuration.Observe(seconds)
}

// RecordSyncStatus counts an entity entering status.
func RecordSyncStatus(entity, status string) {
	syncStatus.WithLabelValues(entity, status).Inc()
}
