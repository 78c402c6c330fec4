// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command scribe runs and inspects the Scribe file processing engine.
//
// Usage:
//
//	scribe run --config scribe.json
//	scribe validate --config scribe.json
//	scribe plugins --config scribe.json
//	scribe dlq --tail 20
//
// Telemetry is configured from the environment:
//
//	OTEL_EXPORTER_OTLP_ENDPOINT=localhost:4317 scribe run
//	SCRIBE_REPORT_DIR=/var/log/scribe scribe dlq
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
