// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is matched by every *CircuitBreakerError.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerError is returned when a rule's breaker denies admission.
type CircuitBreakerError struct {
	RuleID          string
	FailureCount    int
	LastFailureTime time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker open for rule %s (failures=%d, last_failure=%s)",
		e.RuleID, e.FailureCount, e.LastFailureTime.Format(time.RFC3339))
}

// Is lets errors.Is match ErrCircuitOpen.
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

var _ error = (*CircuitBreakerError)(nil)
