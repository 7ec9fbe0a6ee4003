// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync has synchronization primitives not covered by the standard library.
package xsync

import (
	"sync"

	"github.com/gomlx/exceptions"
)

// DynamicWaitGroup waits for a counter to reach zero, like sync.WaitGroup, but the counter can be
// increased while there are waiters.
//
// Device contexts use it to wait for the instructions still running when they are closed.
type DynamicWaitGroup struct {
	mu      sync.Mutex
	zero    *sync.Cond
	pending int64
}

// NewDynamicWaitGroup returns a DynamicWaitGroup with a zero counter.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	wg := &DynamicWaitGroup{}
	wg.zero = sync.NewCond(&wg.mu)
	return wg
}

// Add delta to the counter. It panics if the counter becomes negative.
func (wg *DynamicWaitGroup) Add(delta int) {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	wg.pending += int64(delta)
	switch {
	case wg.pending < 0:
		exceptions.Panicf("xsync.DynamicWaitGroup: counter went negative (%d)", wg.pending)
	case wg.pending == 0:
		wg.zero.Broadcast()
	}
}

// Done decrements the counter.
func (wg *DynamicWaitGroup) Done() { wg.Add(-1) }

// Wait blocks until the counter is zero.
func (wg *DynamicWaitGroup) Wait() {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	for wg.pending > 0 {
		wg.zero.Wait()
	}
}
