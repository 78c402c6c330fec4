// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import "sync"

// fileLocks hands out one mutex per file path. Entries are dropped when
// their last holder unlocks, so the map only holds files in flight.
type fileLocks struct {
	mu    sync.Mutex
	locks map[string]*fileLock
}

type fileLock struct {
	mu   sync.Mutex
	refs int
}

func newFileLocks() *fileLocks {
	return &fileLocks{locks: make(map[string]*fileLock)}
}

// lock blocks until path is free and returns its unlock func.
func (l *fileLocks) lock(path string) func() {
	l.mu.Lock()
	fl, ok := l.locks[path]
	if !ok {
		fl = &fileLock{}
		l.locks[path] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.mu.Lock()
	return func() {
		fl.mu.Unlock()
		l.mu.Lock()
		fl.refs--
		if fl.refs == 0 {
			delete(l.locks, path)
		}
		l.mu.Unlock()
	}
}

// inFlight returns the number of paths currently held or awaited.
func (l *fileLocks) inFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
