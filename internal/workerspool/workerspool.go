// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs tasks on goroutines, limiting how many run at the same time.
//
// The CPU compute streams of a device share one pool, so the kernels of their instructions
// don't oversubscribe the threads configured for the device.
package workerspool

import (
	"runtime"
	"sync/atomic"
)

// Pool limits the number of tasks running in parallel.
type Pool struct {
	// slots holds one token per running task. It is nil if the parallelism is unlimited.
	slots      chan struct{}
	numRunning atomic.Int32
}

// New returns a Pool running at most maxParallelism tasks at a time. If maxParallelism is 0,
// runtime.NumCPU() is used, and if it is negative the parallelism is unlimited.
func New(maxParallelism int) *Pool {
	if maxParallelism == 0 {
		maxParallelism = runtime.NumCPU()
	}
	p := &Pool{}
	if maxParallelism > 0 {
		p.slots = make(chan struct{}, maxParallelism)
	}
	return p
}

// MaxParallelism returns the limit of tasks running at the same time, or -1 if unlimited.
func (p *Pool) MaxParallelism() int {
	if p.slots == nil {
		return -1
	}
	return cap(p.slots)
}

// WaitToStart blocks until a slot is free, and then runs task in a new goroutine.
func (p *Pool) WaitToStart(task func()) {
	if p.slots != nil {
		p.slots <- struct{}{}
	}
	p.run(task)
}

// run must be called with a slot taken.
func (p *Pool) run(task func()) {
	p.numRunning.Add(1)
	go func() {
		defer func() {
			p.numRunning.Add(-1)
			if p.slots != nil {
				<-p.slots
			}
		}()
		task()
	}()
}
