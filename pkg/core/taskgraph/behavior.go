// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskgraph

import "github.com/gomlx/taskflow/pkg/core/taskpb"

// taskBehavior holds the type-specific steps of a task. Tasks dispatch on their TaskType through
// the behaviors table.
type taskBehavior struct {
	produceAllRegstsAndBindEdges    func(n *TaskNode) error
	consumeAllRegsts                func(n *TaskNode) error
	buildExecGraphAndRegsts         func(n *TaskNode) error
	inferProducedDataRegstTimeShape func(n *TaskNode) error

	// toTransport sets the type-specific payload of task.
	toTransport func(n *TaskNode, task *taskpb.TaskProto)

	// fromTransport validates the payload of task, and returns the function that applies it to n.
	// Nothing is changed in n if an error is returned.
	fromTransport func(n *TaskNode, task *taskpb.TaskProto) (apply func(), err error)
}

// behaviors is filled by init() functions, to avoid an initialization cycle with the TaskNode
// methods.
var behaviors = make(map[TaskType]*taskBehavior)
