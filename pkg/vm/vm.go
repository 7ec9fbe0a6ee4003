// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vm executes the instructions generated from the exec sequences of the tasks.
//
// Each device has one Stream per role (compute, host-to-device copies, ...). A Stream owns the
// storage of its instructions, which move from the free list to running when launched, to zombie
// when the device reports completion, and back to free once retired. Each stream is driven by one
// dispatch goroutine (see ThreadCtx), which is the only one touching the stream lists.
package vm

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/gomlx/taskflow/internal/workerspool"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/gomlx/taskflow/pkg/core/execgraph"
	"github.com/gomlx/taskflow/pkg/env"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrUnknownStream is returned when submitting to a thread id without a stream.
var ErrUnknownStream = errors.New("unknown stream")

// VirtualMachine holds the streams of the devices of one machine.
type VirtualMachine struct {
	threads map[int64]*ThreadCtx
	thrdIDs []int64

	started atomic.Bool
	eg      errgroup.Group
}

// New creates the streams of all devices configured in e: one per device and stream role. CPU
// compute streams run independent kernels in parallel on a worker pool per device, all other
// streams execute in order.
func New(e *env.Env) (*VirtualMachine, error) {
	resource := e.Resource()
	cfg := e.Config().VM
	vm := &VirtualMachine{threads: make(map[int64]*ThreadCtx)}
	devices := []struct {
		deviceType distributed.DeviceType
		num        int
	}{
		{distributed.DeviceTypeCPU, resource.CPUDeviceNum},
		{distributed.DeviceTypeCUDA, resource.GPUDeviceNum},
	}
	for _, device := range devices {
		for deviceIndex := range device.num {
			var pool *workerspool.Pool
			if device.deviceType == distributed.DeviceTypeCPU {
				pool = workerspool.New(resource.NumThreadsPerCPUDevice)
			}
			for role := distributed.StreamRoleInvalid + 1; role < distributed.StreamRoleLast; role++ {
				thrdID, err := distributed.EncodeThrdID(device.deviceType, deviceIndex, role)
				if err != nil {
					vm.closeDevices()
					return nil, err
				}
				stream, err := NewStream(thrdID, cfg.InstructionArenaSize)
				if err != nil {
					vm.closeDevices()
					return nil, err
				}
				var deviceCtx DeviceCtx
				if pool != nil && role == distributed.StreamRoleCompute {
					deviceCtx = NewPooledDeviceCtx(pool, cfg.MaxInFlightPerStream)
				} else {
					deviceCtx = NewInOrderDeviceCtx(cfg.MaxInFlightPerStream)
				}
				vm.threads[thrdID] = NewThreadCtx(stream, deviceCtx, cfg.SubmissionQueueSize)
				vm.thrdIDs = append(vm.thrdIDs, thrdID)
			}
		}
	}
	slices.Sort(vm.thrdIDs)
	klog.V(1).Infof("VirtualMachine created with %d streams (%d cpu and %d cuda devices)",
		len(vm.thrdIDs), resource.CPUDeviceNum, resource.GPUDeviceNum)
	return vm, nil
}

// closeDevices releases the device contexts of streams whose loop never started.
func (vm *VirtualMachine) closeDevices() {
	for _, t := range vm.threads {
		t.device.Close()
	}
}

// ThrdIDs returns the sorted thread ids of the streams.
func (vm *VirtualMachine) ThrdIDs() []int64 { return slices.Clone(vm.thrdIDs) }

func (vm *VirtualMachine) thread(thrdID int64) (*ThreadCtx, error) {
	t, found := vm.threads[thrdID]
	if !found {
		return nil, errors.Wrapf(ErrUnknownStream, "thread id %d", thrdID)
	}
	return t, nil
}

// Start the dispatch loops of all streams. See ThreadCtx.Loop for the effects of cancelling ctx.
func (vm *VirtualMachine) Start(ctx context.Context) error {
	if !vm.started.CompareAndSwap(false, true) {
		return errors.New("VirtualMachine already started")
	}
	for _, thrdID := range vm.thrdIDs {
		t := vm.threads[thrdID]
		vm.eg.Go(func() error { return t.Loop(ctx) })
	}
	return nil
}

// Submit queues the instruction on the stream thrdID.
func (vm *VirtualMachine) Submit(ctx context.Context, thrdID int64, msg InstructionMsg) error {
	t, err := vm.thread(thrdID)
	if err != nil {
		return err
	}
	return t.Submit(ctx, msg)
}

// ExecuteSequence executes the exec sequence of a task on the stream thrdID, one instruction after
// the other, using the kernels created by kernels. It returns the first error.
func (vm *VirtualMachine) ExecuteSequence(ctx context.Context, thrdID int64, seq *execgraph.ExecSequence, kernels KernelFactory) error {
	t, err := vm.thread(thrdID)
	if err != nil {
		return err
	}
	for ii, node := range seq.ExecNodes {
		kernel, err := kernels(node.KernelConf)
		if err != nil {
			return errors.WithMessagef(err, "creating the kernel of exec node #%d", ii)
		}
		msg := NewInstructionMsg(node, kernel)
		retired := make(chan error, 1)
		msg.OnRetire = func(err error) { retired <- err }
		if err := t.Submit(ctx, msg); err != nil {
			return err
		}
		select {
		case err := <-retired:
			if err != nil {
				return errors.WithMessagef(err, "executing exec node #%d (%q) on %s", ii, msg.Name, t.stream)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stats returns the counters of all streams, sorted by thread id.
func (vm *VirtualMachine) Stats() []StreamStats {
	stats := make([]StreamStats, 0, len(vm.thrdIDs))
	for _, thrdID := range vm.thrdIDs {
		stats = append(stats, vm.threads[thrdID].Stats())
	}
	return stats
}

// Shutdown closes all streams and waits for their instructions to be retired. It returns the
// first error of the dispatch loops.
func (vm *VirtualMachine) Shutdown() error {
	for _, t := range vm.threads {
		t.Close()
	}
	if !vm.started.CompareAndSwap(false, true) {
		return vm.eg.Wait()
	}
	// Never started: no loop will close the device contexts.
	vm.closeDevices()
	return nil
}
