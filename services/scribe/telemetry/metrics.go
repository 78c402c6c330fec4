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
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metric names exported by Scribe.
const (
	MetricActionExecutions         = "action_executions_total"
	MetricActionFailures           = "action_failures_total"
	MetricFileEvents               = "file_events_total"
	MetricBoundaryCalls            = "boundary_calls_total"
	MetricBoundaryValidationErrors = "boundary_validation_errors_total"
	MetricDLQRecords               = "dlq_records_total"
	MetricFilesQuarantined         = "files_quarantined_total"
	MetricActionDuration           = "action_duration_seconds"
	MetricFileProcessingDuration   = "file_processing_duration_seconds"
	MetricBoundaryCallDuration     = "boundary_call_duration_seconds"
	MetricActiveWorkers            = "active_workers"
	MetricQueueSize                = "queue_size"
	MetricCircuitBreakerState      = "circuit_breaker_state"
)

// durationBuckets cover sub-millisecond validation through multi-second chains.
var durationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics contains the pre-defined Scribe instruments.
//
// Description:
//
//	Counters, histograms and gauges for action execution, file processing,
//	boundary validation and the worker pool. Instruments created from a
//	no-op meter record nothing.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Action Metrics ---

	// ActionExecutions counts action executions by action_type, rule_id and status.
	ActionExecutions metric.Int64Counter

	// ActionFailures counts failed action executions by action_type and rule_id.
	ActionFailures metric.Int64Counter

	// ActionDuration records action execution time in seconds.
	ActionDuration metric.Float64Histogram

	// --- File Metrics ---

	// FileEvents counts file events accepted into the pipeline by event_type.
	FileEvents metric.Int64Counter

	// FileProcessingDuration records end-to-end file handling time in seconds.
	FileProcessingDuration metric.Float64Histogram

	// FilesQuarantined counts files moved to quarantine by rule_id.
	FilesQuarantined metric.Int64Counter

	// --- Boundary Metrics ---

	// BoundaryCalls counts boundary crossings by direction, protocol and operation.
	BoundaryCalls metric.Int64Counter

	// BoundaryValidationErrors counts rejected payloads by surface.
	BoundaryValidationErrors metric.Int64Counter

	// BoundaryCallDuration records boundary crossing time in seconds.
	BoundaryCallDuration metric.Float64Histogram

	// DLQRecords counts dead-letter records by surface.
	DLQRecords metric.Int64Counter

	// --- Pool Metrics ---

	// ActiveWorkers is the number of workers currently handling an event.
	ActiveWorkers metric.Int64Gauge

	// QueueSize is the number of events waiting on the bus.
	QueueSize metric.Int64Gauge

	// CircuitBreakerState tracks breaker state by rule_id (0=closed, 1=open, 2=half-open).
	CircuitBreakerState metric.Int64Gauge
}

// NewMetrics creates every instrument on meter.
//
// Inputs:
//
//	meter - The OTel meter to register instruments with.
//
// Outputs:
//
//	*Metrics - Initialized instruments.
//	error - Non-nil if any registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ActionExecutions, err = meter.Int64Counter(MetricActionExecutions,
		metric.WithDescription("Total action executions"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricActionExecutions, err)
	}

	if m.ActionFailures, err = meter.Int64Counter(MetricActionFailures,
		metric.WithDescription("Total failed action executions"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricActionFailures, err)
	}

	if m.ActionDuration, err = meter.Float64Histogram(MetricActionDuration,
		metric.WithDescription("Action execution duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricActionDuration, err)
	}

	if m.FileEvents, err = meter.Int64Counter(MetricFileEvents,
		metric.WithDescription("Total file events admitted"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricFileEvents, err)
	}

	if m.FileProcessingDuration, err = meter.Float64Histogram(MetricFileProcessingDuration,
		metric.WithDescription("File processing duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricFileProcessingDuration, err)
	}

	if m.FilesQuarantined, err = meter.Int64Counter(MetricFilesQuarantined,
		metric.WithDescription("Total files quarantined"),
		metric.WithUnit("{file}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricFilesQuarantined, err)
	}

	if m.BoundaryCalls, err = meter.Int64Counter(MetricBoundaryCalls,
		metric.WithDescription("Total boundary crossings"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricBoundaryCalls, err)
	}

	if m.BoundaryValidationErrors, err = meter.Int64Counter(MetricBoundaryValidationErrors,
		metric.WithDescription("Total payloads rejected at a boundary"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricBoundaryValidationErrors, err)
	}

	if m.BoundaryCallDuration, err = meter.Float64Histogram(MetricBoundaryCallDuration,
		metric.WithDescription("Boundary crossing duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricBoundaryCallDuration, err)
	}

	if m.DLQRecords, err = meter.Int64Counter(MetricDLQRecords,
		metric.WithDescription("Total dead-letter records written"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricDLQRecords, err)
	}

	if m.ActiveWorkers, err = meter.Int64Gauge(MetricActiveWorkers,
		metric.WithDescription("Workers currently handling an event"),
		metric.WithUnit("{worker}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricActiveWorkers, err)
	}

	if m.QueueSize, err = meter.Int64Gauge(MetricQueueSize,
		metric.WithDescription("Events waiting on the bus"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricQueueSize, err)
	}

	if m.CircuitBreakerState, err = meter.Int64Gauge(MetricCircuitBreakerState,
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricCircuitBreakerState, err)
	}

	return m, nil
}
