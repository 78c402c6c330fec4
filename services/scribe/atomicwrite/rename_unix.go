// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package atomicwrite

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// replaceFile renames src over dst. POSIX rename is atomic within a filesystem.
func replaceFile(src, dst string) error {
	return os.Rename(src, dst)
}

// isRetryable reports transient rename failures.
func isRetryable(err error) bool {
	return errors.Is(err, unix.EBUSY) ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.ETXTBSY) ||
		errors.Is(err, unix.EINTR)
}
