// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"

	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/gomlx/taskflow/pkg/core/execgraph"
	"github.com/gomlx/taskflow/pkg/core/ops"
	"github.com/gomlx/taskflow/pkg/core/taskgraph"
	"github.com/gomlx/taskflow/pkg/core/taskpb"
	"github.com/gomlx/taskflow/pkg/env"
	"github.com/gomlx/taskflow/pkg/vm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// progress reports the number of instructions executed.
type progress interface {
	Add(n int)
	Finish()
}

// scenarioResult holds what is reported at the end.
type scenarioResult struct {
	opts            boxingOptions
	tasks           []*taskgraph.TaskNode
	seqs            map[int64]*execgraph.ExecSequence
	transportBytes  int
	numInstructions int
	stats           []vm.StreamStats
}

// buildBoxingGraph creates the task graph input -> pack -> unpack of one participant: the input
// task produces the part of the blob held by the participant under the source partitioning.
func buildBoxingGraph(e *env.Env, opts boxingOptions) (*taskgraph.TaskGraph, error) {
	computeThrdID, err := distributed.EncodeThrdID(distributed.DeviceTypeCPU, 0, distributed.StreamRoleCompute)
	if err != nil {
		return nil, err
	}
	transportThrdID, err := distributed.EncodeThrdID(distributed.DeviceTypeCPU, 0, distributed.StreamRoleTransport)
	if err != nil {
		return nil, err
	}
	srcShape, err := distributed.PhysicalShape1D(opts.logicalShape, opts.src, opts.parallelCtx.ParallelNum, opts.parallelCtx.ParallelID)
	if err != nil {
		return nil, err
	}

	g := taskgraph.New(e.IDs())
	input := g.NewTaskNode(taskgraph.TaskTypeNormalForward)
	err = input.InitNormalForward(e.MachineID(), computeThrdID, &ops.OpConf{
		Name:  "x",
		Input: &ops.InputConf{Shape: srcShape},
	}, &opts.parallelCtx)
	if err != nil {
		return nil, err
	}
	pack := g.NewTaskNode(taskgraph.TaskTypeCollectiveBoxingPack)
	err = pack.InitCollectiveBoxingPack(e.MachineID(), transportThrdID, input.Lbi(), opts.logicalShape,
		opts.src, opts.dst, opts.parallelCtx.ParallelNum)
	if err != nil {
		return nil, err
	}
	unpack := g.NewTaskNode(taskgraph.TaskTypeCollectiveBoxingUnpack)
	err = unpack.InitCollectiveBoxingUnpack(e.MachineID(), transportThrdID, input.Lbi(), opts.logicalShape,
		opts.src, opts.dst, opts.parallelCtx)
	if err != nil {
		return nil, err
	}
	g.Connect(input, pack)
	g.Connect(pack, unpack)
	return g, nil
}

// canonicalExecSequence encodes the sequence without the names of the operators, which are unique
// per process for system operators.
func canonicalExecSequence(seq *execgraph.ExecSequence) ([]byte, error) {
	clone, err := taskpb.UnmarshalExecSequence(taskpb.MarshalExecSequence(seq))
	if err != nil {
		return nil, err
	}
	for _, node := range clone.ExecNodes {
		node.KernelConf.OpConf.Name = ""
	}
	return taskpb.MarshalExecSequence(clone), nil
}

// checkSameExecSequences returns an error if the sequences of any task differ.
func checkSameExecSequences(want, got map[int64]*execgraph.ExecSequence) error {
	if len(want) != len(got) {
		return errors.Errorf("%d execution sequences, expected %d", len(got), len(want))
	}
	for taskID, wantSeq := range want {
		gotSeq, found := got[taskID]
		if !found {
			return errors.Errorf("missing execution sequence of task %d", taskID)
		}
		wantBytes, err := canonicalExecSequence(wantSeq)
		if err != nil {
			return err
		}
		gotBytes, err := canonicalExecSequence(gotSeq)
		if err != nil {
			return err
		}
		if !bytes.Equal(wantBytes, gotBytes) {
			return errors.Errorf("execution sequences of task %d differ", taskID)
		}
	}
	return nil
}

// runScenario builds the boxing graph, rebuilds it from its serialized form, and executes the
// rebuilt execution sequences repeat times.
func runScenario(ctx context.Context, e *env.Env, opts boxingOptions, repeat int, newProgress func(total int) progress) (
	*scenarioResult, error) {
	g, err := buildBoxingGraph(e, opts)
	if err != nil {
		return nil, err
	}
	if err := g.Build(); err != nil {
		return nil, err
	}
	proto, err := g.ToTransport()
	if err != nil {
		return nil, err
	}
	data := proto.Marshal()
	klog.V(1).Infof("Task graph serialized in %d bytes", len(data))

	decoded, err := taskpb.UnmarshalTaskGraph(data)
	if err != nil {
		return nil, err
	}
	rebuilt, err := taskgraph.Rebuild(e.IDs(), decoded)
	if err != nil {
		return nil, err
	}
	if err := rebuilt.Build(); err != nil {
		return nil, errors.WithMessage(err, "while building the rebuilt task graph")
	}
	want, err := g.ToExecSequences(true)
	if err != nil {
		return nil, err
	}
	seqs, err := rebuilt.ToExecSequences(true)
	if err != nil {
		return nil, err
	}
	if err := checkSameExecSequences(want, seqs); err != nil {
		return nil, err
	}

	result := &scenarioResult{opts: opts, seqs: seqs, transportBytes: len(data)}
	err = rebuilt.TopoForEachNode(func(n *taskgraph.TaskNode) error {
		result.tasks = append(result.tasks, n)
		result.numInstructions += len(seqs[n.ID()].ExecNodes)
		return nil
	})
	if err != nil {
		return nil, err
	}

	machine, err := vm.New(e)
	if err != nil {
		return nil, err
	}
	if err := machine.Start(ctx); err != nil {
		return nil, err
	}
	bar := newProgress(repeat * result.numInstructions)
	err = func() error {
		for range repeat {
			for _, n := range result.tasks {
				seq := seqs[n.ID()]
				if err := machine.ExecuteSequence(ctx, n.ThrdID(), seq, vm.NoOpKernels); err != nil {
					return errors.WithMessagef(err, "executing %s", n)
				}
				bar.Add(len(seq.ExecNodes))
			}
		}
		return nil
	}()
	bar.Finish()
	if shutdownErr := machine.Shutdown(); err == nil {
		err = shutdownErr
	}
	if err != nil {
		return nil, err
	}
	result.stats = machine.Stats()
	return result, nil
}
