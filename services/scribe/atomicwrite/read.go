// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package atomicwrite

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// LargeFileThreshold is the size above which ReadAuto streams the file.
const LargeFileThreshold int64 = 10 * 1024 * 1024

// readChunk is the buffer size used when streaming large files.
const readChunk = 256 * 1024

// Read returns the file content decoded from encoding into UTF-8.
func Read(path, encoding string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	out, err := decodeText(data, encoding)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ReadJSON decodes the JSON file at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// ReadLarge reads a UTF-8 file through a buffered stream so the read never
// holds more than one chunk in a temporary buffer beyond the result.
func ReadLarge(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var sb strings.Builder
	if info, err := f.Stat(); err == nil {
		sb.Grow(int(info.Size()))
	}
	r := bufio.NewReaderSize(f, readChunk)
	if _, err := io.Copy(&sb, r); err != nil {
		return "", fmt.Errorf("stream %s: %w", path, err)
	}
	return sb.String(), nil
}

// ReadAuto reads path as UTF-8, streaming when the file exceeds threshold.
// A threshold of 0 uses LargeFileThreshold.
//
// # Outputs
//
//   - string: File content.
//   - bool: True if the streaming path was used.
//   - error: Non-nil if the file could not be read.
func ReadAuto(path string, threshold int64) (string, bool, error) {
	if threshold <= 0 {
		threshold = LargeFileThreshold
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", false, err
	}
	if info.Size() > threshold {
		content, err := ReadLarge(path)
		return content, true, err
	}
	content, err := Read(path, "utf-8")
	return content, false, err
}

// CopyFile copies src to dst atomically, preserving the source mode.
func (w *Writer) CopyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := w.WriteFile(dst, data, ModeBinary, ""); err != nil {
		return err
	}
	if info, err := os.Stat(src); err == nil {
		_ = os.Chmod(dst, info.Mode().Perm())
	}
	return nil
}
