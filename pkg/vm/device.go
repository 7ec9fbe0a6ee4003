// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vm

import (
	"context"
	"sync"

	"github.com/gomlx/taskflow/internal/workerspool"
	"github.com/gomlx/taskflow/pkg/support/xsync"
	"golang.org/x/sync/semaphore"
)

// DeviceCtx executes the instructions of a stream on its device.
type DeviceCtx interface {
	// Launch starts executing the kernel of instr, and calls done exactly once, from any goroutine,
	// when it finishes. It may block while the device is saturated.
	//
	// The device context must only read the message of the instruction.
	Launch(instr *Instruction, done func(err error))

	// MaxInFlight is the number of launched instructions the device context holds before Launch
	// blocks. The dispatch loop doesn't launch more than that.
	MaxInFlight() int

	// Close waits for the launched instructions to finish and releases the device context.
	Close()
}

type launchRequest struct {
	msg  *InstructionMsg
	done func(err error)
}

// InOrderDeviceCtx executes instructions one at a time, in the order they are launched, like a
// device queue.
type InOrderDeviceCtx struct {
	queue       chan launchRequest
	maxInFlight int
	closeOnce   sync.Once
	finished    chan struct{}
}

var _ DeviceCtx = (*InOrderDeviceCtx)(nil)

// NewInOrderDeviceCtx creates an InOrderDeviceCtx and starts its worker goroutine.
func NewInOrderDeviceCtx(maxInFlight int) *InOrderDeviceCtx {
	maxInFlight = max(maxInFlight, 1)
	d := &InOrderDeviceCtx{
		queue:       make(chan launchRequest, maxInFlight),
		maxInFlight: maxInFlight,
		finished:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *InOrderDeviceCtx) run() {
	defer close(d.finished)
	for req := range d.queue {
		req.done(runKernel(req.msg))
	}
}

// Launch implements DeviceCtx.
func (d *InOrderDeviceCtx) Launch(instr *Instruction, done func(err error)) {
	d.queue <- launchRequest{msg: instr.Msg(), done: done}
}

// MaxInFlight implements DeviceCtx.
func (d *InOrderDeviceCtx) MaxInFlight() int { return d.maxInFlight }

// Close implements DeviceCtx.
func (d *InOrderDeviceCtx) Close() {
	d.closeOnce.Do(func() { close(d.queue) })
	<-d.finished
}

// PooledDeviceCtx executes instructions in parallel on a worker pool, possibly shared with other
// device contexts. Instructions submitted to it must be independent.
type PooledDeviceCtx struct {
	pool        *workerspool.Pool
	inFlight    *semaphore.Weighted
	pending     *xsync.DynamicWaitGroup
	maxInFlight int
}

var _ DeviceCtx = (*PooledDeviceCtx)(nil)

// NewPooledDeviceCtx creates a PooledDeviceCtx running on pool.
func NewPooledDeviceCtx(pool *workerspool.Pool, maxInFlight int) *PooledDeviceCtx {
	maxInFlight = max(maxInFlight, 1)
	return &PooledDeviceCtx{
		pool:        pool,
		inFlight:    semaphore.NewWeighted(int64(maxInFlight)),
		pending:     xsync.NewDynamicWaitGroup(),
		maxInFlight: maxInFlight,
	}
}

// Launch implements DeviceCtx.
func (d *PooledDeviceCtx) Launch(instr *Instruction, done func(err error)) {
	// Acquire only fails if the context is done.
	_ = d.inFlight.Acquire(context.Background(), 1)
	d.pending.Add(1)
	msg := instr.Msg()
	d.pool.WaitToStart(func() {
		defer d.pending.Done()
		err := runKernel(msg)
		d.inFlight.Release(1)
		done(err)
	})
}

// MaxInFlight implements DeviceCtx.
func (d *PooledDeviceCtx) MaxInFlight() int { return d.maxInFlight }

// Close implements DeviceCtx.
func (d *PooledDeviceCtx) Close() {
	d.pending.Wait()
}
