// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/taskflow/internal/workerspool"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/gomlx/taskflow/pkg/core/ops"
	"github.com/gomlx/taskflow/pkg/core/shapes"
	"github.com/gomlx/taskflow/pkg/core/taskgraph"
	"github.com/gomlx/taskflow/pkg/env"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startThread starts the loop of a new ThreadCtx, returning a function that closes it and returns
// the result of the loop.
func startThread(ctx context.Context, t *testing.T, device DeviceCtx, arenaSize int) (*ThreadCtx, func() error) {
	stream := must.M1(NewStream(computeThrdID, arenaSize))
	thread := NewThreadCtx(stream, device, 4)
	loopErr := make(chan error, 1)
	go func() { loopErr <- thread.Loop(ctx) }()
	return thread, func() error {
		thread.Close()
		select {
		case err := <-loopErr:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for the dispatch loop")
			return nil
		}
	}
}

func TestThreadCtxInOrder(t *testing.T) {
	const numInstructions = 20
	const maxInFlight = 2
	thread, closeThread := startThread(context.Background(), t, NewInOrderDeviceCtx(maxInFlight), 0)

	var mu sync.Mutex
	var executed []int
	var retired sync.WaitGroup
	errs := make([]error, numInstructions)
	for ii := range numInstructions {
		retired.Add(1)
		msg := InstructionMsg{
			Name: "op",
			Kernel: func(*InstructionMsg) error {
				mu.Lock()
				executed = append(executed, ii)
				mu.Unlock()
				switch ii {
				case 5:
					return errors.New("failed")
				case 7:
					panic("boom")
				}
				return nil
			},
			OnRetire: func(err error) {
				errs[ii] = err
				retired.Done()
			},
		}
		require.NoError(t, thread.Submit(context.Background(), msg))
	}
	retired.Wait()
	require.NoError(t, closeThread())

	for ii := range numInstructions {
		assert.Equal(t, ii, executed[ii])
		if ii == 5 || ii == 7 {
			assert.Error(t, errs[ii])
		} else {
			assert.NoError(t, errs[ii])
		}
	}
	assert.ErrorContains(t, errs[7], "boom")

	// All instructions were recycled, and the arena never held more than the in-flight limit.
	assert.Equal(t, 0, thread.stream.NumRunning())
	assert.Equal(t, 0, thread.stream.NumZombie())
	assert.LessOrEqual(t, thread.stream.Capacity(), maxInFlight)
	stats := thread.Stats()
	assert.Equal(t, int64(numInstructions), stats.NumLaunched)
	assert.Equal(t, int64(numInstructions), stats.NumRetired)
	assert.Equal(t, int64(2), stats.NumFailed)
	assert.Equal(t, distributed.StreamRoleCompute, stats.Role)

	require.ErrorIs(t, thread.Submit(context.Background(), InstructionMsg{}), ErrClosed)
}

func TestThreadCtxPooled(t *testing.T) {
	const numInstructions = 50
	const maxInFlight = 4
	device := NewPooledDeviceCtx(workerspool.New(8), maxInFlight)
	thread, closeThread := startThread(context.Background(), t, device, 2)

	var running, maxRunning atomic.Int32
	var retired sync.WaitGroup
	for range numInstructions {
		retired.Add(1)
		require.NoError(t, thread.Submit(context.Background(), InstructionMsg{
			Kernel: func(*InstructionMsg) error {
				n := running.Add(1)
				for {
					current := maxRunning.Load()
					if n <= current || maxRunning.CompareAndSwap(current, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				return nil
			},
			OnRetire: func(error) { retired.Done() },
		}))
	}
	retired.Wait()
	require.NoError(t, closeThread())
	assert.LessOrEqual(t, int(maxRunning.Load()), maxInFlight)
	assert.LessOrEqual(t, thread.stream.Capacity(), maxInFlight)
	assert.Equal(t, int64(numInstructions), thread.Stats().NumRetired)
}

func TestThreadCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	thread, closeThread := startThread(ctx, t, NewInOrderDeviceCtx(1), 1)

	// An instruction in flight when the context is cancelled completes normally.
	started, release := make(chan struct{}), make(chan struct{})
	firstErr := make(chan error, 1)
	require.NoError(t, thread.Submit(context.Background(), InstructionMsg{
		Kernel: func(*InstructionMsg) error {
			close(started)
			<-release
			return nil
		},
		OnRetire: func(err error) { firstErr <- err },
	}))
	<-started
	cancel()

	// Instructions submitted after cancellation are rejected.
	rejected := make(chan error, 1)
	require.NoError(t, thread.Submit(context.Background(), InstructionMsg{
		Kernel:   func(*InstructionMsg) error { t.Error("kernel of a rejected instruction executed"); return nil },
		OnRetire: func(err error) { rejected <- err },
	}))
	close(release)
	assert.NoError(t, <-firstErr)
	assert.ErrorIs(t, <-rejected, context.Canceled)
	require.ErrorIs(t, closeThread(), context.Canceled)
	assert.Equal(t, int64(1), thread.Stats().NumRejected)
	assert.Equal(t, int64(1), thread.Stats().NumRetired)
}

func TestThreadCtxCancelWithoutClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream := must.M1(NewStream(computeThrdID, 1))
	thread := NewThreadCtx(stream, NewInOrderDeviceCtx(1), 4)
	loopErr := make(chan error, 1)
	go func() { loopErr <- thread.Loop(ctx) }()

	// The first instruction blocks the only in-flight slot, so the second stays queued.
	started, release := make(chan struct{}), make(chan struct{})
	firstErr := make(chan error, 1)
	require.NoError(t, thread.Submit(context.Background(), InstructionMsg{
		Kernel: func(*InstructionMsg) error {
			close(started)
			<-release
			return nil
		},
		OnRetire: func(err error) { firstErr <- err },
	}))
	<-started
	queuedErr := make(chan error, 1)
	require.NoError(t, thread.Submit(context.Background(), InstructionMsg{
		Kernel:   func(*InstructionMsg) error { t.Error("kernel of a rejected instruction executed"); return nil },
		OnRetire: func(err error) { queuedErr <- err },
	}))
	cancel()

	// The queued instruction is rejected while the launched one is still running.
	select {
	case err := <-queuedErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the queued instruction to be rejected")
	}
	select {
	case <-thread.Done():
		t.Fatal("dispatch loop returned with an instruction in flight")
	default:
	}

	close(release)
	select {
	case <-thread.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the dispatch loop to return after cancellation")
	}
	require.ErrorIs(t, <-loopErr, context.Canceled)
	assert.NoError(t, <-firstErr)
	require.ErrorIs(t, thread.Submit(context.Background(), InstructionMsg{}), ErrClosed)
	stats := thread.Stats()
	assert.Equal(t, int64(1), stats.NumRetired)
	assert.Equal(t, int64(1), stats.NumRejected)

	// Nothing in flight: the loop returns right after cancellation.
	ctx, cancel = context.WithCancel(context.Background())
	idle := NewThreadCtx(must.M1(NewStream(computeThrdID, 0)), NewInOrderDeviceCtx(1), 0)
	go func() { loopErr <- idle.Loop(ctx) }()
	cancel()
	select {
	case <-idle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the idle dispatch loop to return after cancellation")
	}
	require.ErrorIs(t, <-loopErr, context.Canceled)
}

func newTestEnv(t *testing.T) *env.Env {
	cfg := must.M1(env.ParseConfig(`
[resource]
cpu_device_num = 1
num_threads_per_cpu_device = 2

[vm]
instruction_arena_size = 4
max_in_flight_per_stream = 2
submission_queue_size = 8
`))
	e, err := env.New(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestVirtualMachine(t *testing.T) {
	e := newTestEnv(t)
	machine, err := New(e)
	require.NoError(t, err)
	require.Len(t, machine.ThrdIDs(), int(distributed.StreamRoleLast-1))
	require.Contains(t, machine.ThrdIDs(), computeThrdID)
	require.NoError(t, machine.Start(context.Background()))
	require.Error(t, machine.Start(context.Background()))

	// Build the exec sequences of a small task graph.
	logical := shapes.Make(dtypes.Float32, 4, 8)
	g := taskgraph.New(e.IDs())
	input := g.NewTaskNode(taskgraph.TaskTypeNormalForward)
	require.NoError(t, input.InitNormalForward(0, computeThrdID, &ops.OpConf{Name: "x", Input: &ops.InputConf{Shape: logical}}, nil))
	pack := g.NewTaskNode(taskgraph.TaskTypeCollectiveBoxingPack)
	require.NoError(t, pack.InitCollectiveBoxingPack(0, computeThrdID, input.Lbi(), logical,
		distributed.Broadcast(), distributed.Broadcast(), 2))
	g.Connect(input, pack)
	require.NoError(t, g.Build())
	seqs, err := g.ToExecSequences(false)
	require.NoError(t, err)

	var executed []ops.OpKind
	var mu sync.Mutex
	recordKernels := func(kc *ops.KernelConf) (Kernel, error) {
		kind, err := kc.OpConf.Kind()
		if err != nil {
			return nil, err
		}
		return func(msg *InstructionMsg) error {
			mu.Lock()
			defer mu.Unlock()
			executed = append(executed, kind)
			return nil
		}, nil
	}
	ctx := context.Background()
	for _, n := range []*taskgraph.TaskNode{input, pack} {
		require.NoError(t, machine.ExecuteSequence(ctx, n.ThrdID(), seqs[n.ID()], recordKernels))
	}
	assert.Equal(t, []ops.OpKind{ops.OpKindInput, ops.OpKindCollectiveBoxingPack}, executed)

	// Kernel errors are returned.
	failing := func(*ops.KernelConf) (Kernel, error) {
		return func(*InstructionMsg) error { return errors.New("device failure") }, nil
	}
	require.ErrorContains(t, machine.ExecuteSequence(ctx, pack.ThrdID(), seqs[pack.ID()], failing), "device failure")

	_, err = machine.thread(12345)
	require.ErrorIs(t, err, ErrUnknownStream)
	require.ErrorIs(t, machine.ExecuteSequence(ctx, 12345, seqs[pack.ID()], NoOpKernels), ErrUnknownStream)

	require.NoError(t, machine.Shutdown())
	for _, stats := range machine.Stats() {
		assert.Equal(t, stats.NumLaunched, stats.NumRetired)
		if stats.ThrdID == computeThrdID {
			assert.Equal(t, int64(3), stats.NumRetired)
			assert.Equal(t, int64(1), stats.NumFailed)
		}
	}
	require.ErrorIs(t, machine.Submit(ctx, computeThrdID, InstructionMsg{}), ErrClosed)
}

func TestVirtualMachineShutdownWithoutStart(t *testing.T) {
	machine, err := New(newTestEnv(t))
	require.NoError(t, err)
	require.NoError(t, machine.Shutdown())
	require.Error(t, machine.Start(context.Background()))
}
