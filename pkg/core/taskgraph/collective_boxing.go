// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskgraph

import (
	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/gomlx/taskflow/pkg/core/ops"
	"github.com/gomlx/taskflow/pkg/core/shapes"
	"github.com/gomlx/taskflow/pkg/core/taskpb"
	"github.com/pkg/errors"
)

// Collective boxing tasks surround the redistribution of a blob among participants: the pack task
// flattens the local part of the blob into a transport buffer, and the unpack task reshapes the
// received buffer into the local part of the blob under the destination partitioning.

const (
	packOpNamePrefix   = "System-Collective-Boxing-Pack-"
	unpackOpNamePrefix = "System-Collective-Boxing-Unpack-"
)

func init() {
	behaviors[TaskTypeCollectiveBoxingPack] = &taskBehavior{
		produceAllRegstsAndBindEdges:    produceOutAndBindEdges(1, 1),
		consumeAllRegsts:                consumeSoleInRegst,
		buildExecGraphAndRegsts:         buildCollectiveBoxing(packOpNamePrefix, ops.OpKindCollectiveBoxingPack),
		inferProducedDataRegstTimeShape: (*TaskNode).NaiveInferProducedDataRegstTimeShape,
		toTransport: func(n *TaskNode, task *taskpb.TaskProto) {
			task.CollectiveBoxingPack = n.boxing.Clone()
		},
		fromTransport: func(n *TaskNode, task *taskpb.TaskProto) (func(), error) {
			return collectiveBoxingFromTransport(n, task.CollectiveBoxingPack, nil)
		},
	}
	behaviors[TaskTypeCollectiveBoxingUnpack] = &taskBehavior{
		produceAllRegstsAndBindEdges:    produceOutAndBindEdges(1, 1),
		consumeAllRegsts:                consumeSoleInRegst,
		buildExecGraphAndRegsts:         buildCollectiveBoxing(unpackOpNamePrefix, ops.OpKindCollectiveBoxingUnpack),
		inferProducedDataRegstTimeShape: (*TaskNode).NaiveInferProducedDataRegstTimeShape,
		toTransport: func(n *TaskNode, task *taskpb.TaskProto) {
			task.CollectiveBoxingUnpack = n.boxing.Clone()
		},
		fromTransport: func(n *TaskNode, task *taskpb.TaskProto) (func(), error) {
			if task.ParallelCtx == nil {
				return nil, errors.Wrapf(ErrFormat, "%s: collective boxing unpack task without parallel context", n)
			}
			return collectiveBoxingFromTransport(n, task.CollectiveBoxingUnpack, task.ParallelCtx)
		},
	}
}

// validateCollectiveBoxing checks the logical shape and partitioning of a collective boxing: both
// partitionings must be valid for the logical shape, and the elements held by all participants must
// fit an int.
func validateCollectiveBoxing(lbi blob.LogicalBlobID, logicalShape shapes.Shape, src, dst distributed.SbpParallel, parallelNum int) error {
	if lbi.IsZero() {
		return errors.New("collective boxing without a logical blob")
	}
	if parallelNum < 1 || parallelNum > distributed.MaxParallelNum {
		return errors.Errorf("collective boxing of %s among %d participants", lbi, parallelNum)
	}
	if !logicalShape.Ok() {
		return errors.Errorf("collective boxing of %s with an invalid logical shape", lbi)
	}
	for _, sbp := range []distributed.SbpParallel{src, dst} {
		if _, err := distributed.TotalPhysicalElements(logicalShape, sbp, parallelNum); err != nil {
			return errors.WithMessagef(err, "collective boxing of %s %s", lbi, logicalShape)
		}
	}
	return nil
}

// InitCollectiveBoxingPack initializes a task that flattens its sole input blob lbi, whose logical
// shape is partitioned from src to dst among parallelNum participants.
//
// It fails, leaving the task unchanged, if the task is not a pack task, was already initialized,
// or if the shape and partitioning are not consistent.
func (n *TaskNode) InitCollectiveBoxingPack(machineID, thrdID int64, lbi blob.LogicalBlobID, logicalShape shapes.Shape,
	src, dst distributed.SbpParallel, parallelNum int) error {
	if err := n.checkInit(TaskTypeCollectiveBoxingPack, machineID, thrdID); err != nil {
		return err
	}
	if err := validateCollectiveBoxing(lbi, logicalShape, src, dst, parallelNum); err != nil {
		return errors.Wrapf(ErrConstruction, "%s: %v", n, err)
	}
	n.machineID, n.thrdID, n.lbi = machineID, thrdID, lbi
	n.boxing = &ops.CollectiveBoxingConf{
		Lbi:          lbi,
		LogicalShape: logicalShape.Clone(),
		SrcSbp:       src,
		DstSbp:       dst,
		NumRanks:     parallelNum,
	}
	n.initialized = true
	return nil
}

// InitCollectiveBoxingUnpack initializes a task that reshapes the received transport buffer into
// the part of blob lbi held by the participant parallelCtx under the dst partitioning.
func (n *TaskNode) InitCollectiveBoxingUnpack(machineID, thrdID int64, lbi blob.LogicalBlobID, logicalShape shapes.Shape,
	src, dst distributed.SbpParallel, parallelCtx distributed.ParallelContext) error {
	if err := n.checkInit(TaskTypeCollectiveBoxingUnpack, machineID, thrdID); err != nil {
		return err
	}
	if err := parallelCtx.Validate(); err != nil {
		return errors.Wrapf(ErrConstruction, "%s: %v", n, err)
	}
	if err := validateCollectiveBoxing(lbi, logicalShape, src, dst, parallelCtx.ParallelNum); err != nil {
		return errors.Wrapf(ErrConstruction, "%s: %v", n, err)
	}
	n.machineID, n.thrdID, n.lbi = machineID, thrdID, lbi
	n.boxing = &ops.CollectiveBoxingConf{
		Lbi:          lbi,
		LogicalShape: logicalShape.Clone(),
		SrcSbp:       src,
		DstSbp:       dst,
		NumRanks:     parallelCtx.ParallelNum,
	}
	n.parallelCtx = &parallelCtx
	n.initialized = true
	return nil
}

// consumeSoleInRegst consumes the register of the only incoming edge as "in".
func consumeSoleInRegst(n *TaskNode) error {
	e, err := n.SoleInEdge()
	if err != nil {
		return err
	}
	r, err := e.GetSoleRegst()
	if err != nil {
		return err
	}
	n.ConsumeRegst("in", r)
	return nil
}

// buildCollectiveBoxing returns the step that builds the sole exec node of a collective boxing task,
// running a system operator of the given kind.
func buildCollectiveBoxing(opNamePrefix string, kind ops.OpKind) func(n *TaskNode) error {
	return func(n *TaskNode) error {
		opConf := &ops.OpConf{
			Name:      n.graph.ids.NewUniqueName(opNamePrefix),
			DeviceTag: n.DeviceTag(),
		}
		if kind == ops.OpKindCollectiveBoxingPack {
			opConf.CollectiveBoxingPack = n.boxing.Clone()
		} else {
			opConf.CollectiveBoxingUnpack = n.boxing.Clone()
		}
		op, err := ops.Construct(opConf)
		if err != nil {
			return err
		}
		node := n.execGraph.NewNode(op)
		in, err := n.GetSoleConsumedRegst("in")
		if err != nil {
			return err
		}
		if err := node.BindBnsWithRegst(ops.Operator.InputBns, in); err != nil {
			return err
		}
		if err := node.AddBnToRegstAndBindIt(ops.Operator.OutputBns, n.producedRegsts["out"]); err != nil {
			return err
		}
		return node.InferBlobDescs(nil, n.parallelCtx)
	}
}

func collectiveBoxingFromTransport(n *TaskNode, conf *ops.CollectiveBoxingConf, parallelCtx *distributed.ParallelContext) (func(), error) {
	numRanks := conf.NumRanks
	if parallelCtx != nil && parallelCtx.ParallelNum != numRanks {
		return nil, errors.Wrapf(ErrFormat, "%s: parallel context of %d participants for a collective boxing among %d",
			n, parallelCtx.ParallelNum, numRanks)
	}
	if err := validateCollectiveBoxing(conf.Lbi, conf.LogicalShape, conf.SrcSbp, conf.DstSbp, numRanks); err != nil {
		return nil, errors.Wrapf(ErrFormat, "%s: %v", n, err)
	}
	boxing := conf.Clone()
	return func() {
		n.lbi = boxing.Lbi
		n.boxing = boxing
	}, nil
}
