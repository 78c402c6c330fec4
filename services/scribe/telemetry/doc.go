// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry tracing and metrics for Scribe.
//
// Components never reach for the global otel providers. They receive a
// *Provider at construction, which carries the tracer and the pre-built
// metric instruments. NewNoop returns a Provider whose every primitive does
// nothing, and Init returns the no-op Provider whenever no OTLP endpoint is
// configured.
//
// # Span Naming
//
// Boundary spans are named "<direction>_<protocol>_<operation>", for example
// "inbound_file_system_event_validation", and carry interface.type,
// protocol, endpoint and operation attributes.
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP gRPC endpoint. Unset disables telemetry.
//   - OTEL_TRACE_SAMPLING_RATE: trace sampling ratio in [0, 1] (default: 1.0).
//   - SCRIBE_TRACES_EXPORTER: otlp, stdout, or none (default: otlp when an endpoint is set).
//   - SCRIBE_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus when an endpoint is set).
//   - SCRIBE_ENV: environment name (default: development).
//
// # Thread Safety
//
// A Provider is safe for concurrent use.
package telemetry
