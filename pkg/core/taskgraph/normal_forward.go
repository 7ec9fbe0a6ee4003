// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskgraph

import (
	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/gomlx/taskflow/pkg/core/ops"
	"github.com/gomlx/taskflow/pkg/core/taskpb"
	"github.com/pkg/errors"
)

func init() {
	behaviors[TaskTypeNormalForward] = &taskBehavior{
		produceAllRegstsAndBindEdges:    produceOutAndBindEdges(1, 2),
		consumeAllRegsts:                consumeNormalForwardRegsts,
		buildExecGraphAndRegsts:         buildNormalForward,
		inferProducedDataRegstTimeShape: (*TaskNode).NaiveInferProducedDataRegstTimeShape,
		toTransport: func(n *TaskNode, task *taskpb.TaskProto) {
			task.NormalForward = n.opConf.Clone()
		},
		fromTransport: normalForwardFromTransport,
	}
}

// InitNormalForward initializes a task that runs one operator. The output of the operator must be
// unique, and the inputs are resolved among the registers of the incoming edges.
//
// parallelCtx may be nil if the operator doesn't depend on the participant.
func (n *TaskNode) InitNormalForward(machineID, thrdID int64, opConf *ops.OpConf, parallelCtx *distributed.ParallelContext) error {
	if err := n.checkInit(TaskTypeNormalForward, machineID, thrdID); err != nil {
		return err
	}
	lbi, err := normalForwardLbi(opConf)
	if err != nil {
		return errors.Wrapf(ErrConstruction, "%s: %v", n, err)
	}
	if parallelCtx != nil {
		if err := parallelCtx.Validate(); err != nil {
			return errors.Wrapf(ErrConstruction, "%s: %v", n, err)
		}
		pc := *parallelCtx
		n.parallelCtx = &pc
	}
	n.machineID, n.thrdID, n.lbi = machineID, thrdID, lbi
	n.opConf = opConf.Clone()
	n.initialized = true
	return nil
}

// normalForwardLbi validates the operator conf and returns its output blob.
func normalForwardLbi(opConf *ops.OpConf) (lbi blob.LogicalBlobID, err error) {
	op, err := ops.Construct(opConf)
	if err != nil {
		return
	}
	obn, err := ops.SoleObn(op)
	if err != nil {
		return
	}
	return op.BnInOp2Lbi(obn), nil
}

// produceOutAndBindEdges returns the step that produces the register "out" and adds it to every
// outgoing edge.
func produceOutAndBindEdges(minRegisterNum, maxRegisterNum int) func(n *TaskNode) error {
	return func(n *TaskNode) error {
		if _, err := n.ProduceRegst("out", minRegisterNum, maxRegisterNum); err != nil {
			return err
		}
		for _, e := range n.outEdges {
			if err := n.BindEdgeWithProducedRegst(e, "out"); err != nil {
				return err
			}
		}
		return nil
	}
}

func consumeNormalForwardRegsts(n *TaskNode) error {
	for _, e := range n.inEdges {
		r, err := e.GetSoleRegst()
		if err != nil {
			return err
		}
		n.ConsumeRegst("in", r)
	}
	return nil
}

func buildNormalForward(n *TaskNode) error {
	op, err := ops.Construct(n.opConf)
	if err != nil {
		return err
	}
	node := n.execGraph.NewNode(op)
	candidates := n.consumedRegsts["in"]
	for _, ibn := range op.InputBns() {
		if err := node.BindBnWithOneOfTheRegsts(ibn, candidates); err != nil {
			return err
		}
	}
	if err := node.AddBnToRegstAndBindIt(ops.Operator.OutputBns, n.producedRegsts["out"]); err != nil {
		return err
	}
	return node.InferBlobDescs(nil, n.parallelCtx)
}

func normalForwardFromTransport(n *TaskNode, task *taskpb.TaskProto) (func(), error) {
	lbi, err := normalForwardLbi(task.NormalForward)
	if err != nil {
		return nil, errors.Wrapf(ErrFormat, "%s: %v", n, err)
	}
	opConf := task.NormalForward.Clone()
	return func() {
		n.lbi = lbi
		n.opConf = opConf
	}, nil
}
