// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrClosed is returned when submitting to a closed stream.
var ErrClosed = errors.New("stream closed")

type completion struct {
	id  InstrID
	err error
}

// ThreadCtx runs the dispatch loop of one stream: it allocates instructions for the submitted
// messages, launches them on the device context, and retires them once completed.
//
// Submit and Close are safe for concurrent use. The stream is only accessed by the Loop goroutine.
type ThreadCtx struct {
	stream *Stream
	device DeviceCtx

	mu          sync.RWMutex
	closed      bool
	submissions chan InstructionMsg
	completions chan completion
	stopping    chan struct{}
	loopDone    chan struct{}

	numLaunched, numRetired, numFailed, numRejected atomic.Int64
	capacity                                        atomic.Int64
}

// NewThreadCtx creates the ThreadCtx of the stream. Loop must be called to start dispatching.
func NewThreadCtx(stream *Stream, device DeviceCtx, submissionQueueSize int) *ThreadCtx {
	t := &ThreadCtx{
		stream:      stream,
		device:      device,
		submissions: make(chan InstructionMsg, max(submissionQueueSize, 0)),
		completions: make(chan completion, device.MaxInFlight()),
		stopping:    make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	t.capacity.Store(int64(stream.Capacity()))
	return t
}

// ThrdID of the stream.
func (t *ThreadCtx) ThrdID() int64 { return t.stream.ThrdID() }

// Submit queues msg for execution. It blocks while the submission queue is full.
func (t *ThreadCtx) Submit(ctx context.Context, msg InstructionMsg) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return errors.Wrapf(ErrClosed, "submitting %q to %s", msg.Name, t.stream)
	}
	select {
	case t.submissions <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stopping:
		return errors.Wrapf(ErrClosed, "submitting %q to %s", msg.Name, t.stream)
	}
}

// Close stops accepting submissions. Loop returns once the already submitted instructions are retired.
func (t *ThreadCtx) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.submissions)
	}
}

// Done returns a channel closed when Loop returns.
func (t *ThreadCtx) Done() <-chan struct{} { return t.loopDone }

// Loop dispatches the instructions of the stream until Close is called and all instructions are
// retired. Then it closes the device context.
//
// Once ctx is cancelled, Loop stops launching: queued and later submissions are rejected, their
// OnRetire is called with the context error. Instructions already launched complete normally, and
// once they are retired Loop closes the stream, without waiting for Close, and returns ctx.Err().
func (t *ThreadCtx) Loop(ctx context.Context) error {
	defer close(t.loopDone)
	defer t.device.Close()
	klog.V(2).Infof("%s: dispatch loop started", t.stream)

	submissions := t.submissions
	cancelled := ctx.Done()
	for {
		if (submissions == nil || ctx.Err() != nil) && t.stream.NumRunning() == 0 {
			t.retire()
			t.stop(ctx.Err())
			klog.V(2).Infof("%s: dispatch loop finished, %d instructions retired", t.stream, t.numRetired.Load())
			return ctx.Err()
		}
		accept := submissions
		if t.stream.NumRunning() >= t.device.MaxInFlight() && ctx.Err() == nil {
			accept = nil
		}
		select {
		case <-cancelled:
			cancelled = nil
			t.rejectQueued(ctx.Err())

		case msg, ok := <-accept:
			if !ok {
				submissions = nil
				continue
			}
			if err := ctx.Err(); err != nil {
				t.reject(msg, err)
				continue
			}
			t.launch(msg)

		case c := <-t.completions:
			t.complete(c)
			for more := true; more; {
				select {
				case c = <-t.completions:
					t.complete(c)
				default:
					more = false
				}
			}
			t.retire()
		}
	}
}

// rejectQueued rejects the submissions already in the queue, without waiting for new ones.
func (t *ThreadCtx) rejectQueued(err error) {
	for {
		select {
		case msg, ok := <-t.submissions:
			if !ok {
				return
			}
			t.reject(msg, err)
		default:
			return
		}
	}
}

// stop closes the stream for submissions and rejects whatever was left in the queue.
func (t *ThreadCtx) stop(err error) {
	close(t.stopping)
	t.Close()
	if err == nil {
		err = ErrClosed
	}
	for msg := range t.submissions {
		t.reject(msg, err)
	}
}

func (t *ThreadCtx) launch(msg InstructionMsg) {
	instr := t.stream.NewInstruction(msg)
	t.capacity.Store(int64(t.stream.Capacity()))
	t.stream.MarkLaunched(instr)
	t.numLaunched.Add(1)
	id := instr.ID()
	t.device.Launch(instr, func(err error) {
		t.completions <- completion{id: id, err: err}
	})
}

func (t *ThreadCtx) complete(c completion) {
	instr := t.stream.Instruction(c.id)
	if instr == nil {
		exceptions.Panicf("%s: completion of unknown instruction %s", t.stream, c.id)
	}
	t.stream.MarkDone(instr, c.err)
}

func (t *ThreadCtx) retire() {
	t.stream.MoveFromZombieListToFreeList(func(instr *Instruction) {
		t.numRetired.Add(1)
		if err := instr.Err(); err != nil {
			t.numFailed.Add(1)
			klog.V(1).Infof("%s: %s failed: %v", t.stream, instr, err)
		}
		if onRetire := instr.Msg().OnRetire; onRetire != nil {
			onRetire(instr.Err())
		}
	})
}

func (t *ThreadCtx) reject(msg InstructionMsg, err error) {
	if t.numRejected.Add(1) == 1 {
		klog.Warningf("%s: %v, rejecting new instructions", t.stream, err)
	}
	if msg.OnRetire != nil {
		msg.OnRetire(err)
	}
}

// StreamStats are the counters of a stream.
type StreamStats struct {
	ThrdID      int64
	DeviceType  distributed.DeviceType
	DeviceIndex int
	Role        distributed.StreamRole

	NumLaunched, NumRetired, NumFailed, NumRejected int64

	// Capacity is the number of instruction slots of the stream arena.
	Capacity int
}

// Stats returns the current counters of the stream.
func (t *ThreadCtx) Stats() StreamStats {
	return StreamStats{
		ThrdID:      t.stream.ThrdID(),
		DeviceType:  t.stream.DeviceType(),
		DeviceIndex: t.stream.DeviceIndex(),
		Role:        t.stream.Role(),
		NumLaunched: t.numLaunched.Load(),
		NumRetired:  t.numRetired.Load(),
		NumFailed:   t.numFailed.Load(),
		NumRejected: t.numRejected.Load(),
		Capacity:    int(t.capacity.Load()),
	}
}
