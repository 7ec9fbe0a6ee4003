// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	wg.Wait() // Returns immediately on zero.

	var finished atomic.Int32
	wg.Add(1)
	go func() {
		// Work added while someone is waiting.
		wg.Add(1)
		go func() {
			time.Sleep(10 * time.Millisecond)
			finished.Add(1)
			wg.Done()
		}()
		finished.Add(1)
		wg.Done()
	}()
	wg.Wait()
	assert.Equal(t, int32(2), finished.Load())
	assert.Zero(t, wg.pending)

	require.Panics(t, func() { wg.Done() })
}
