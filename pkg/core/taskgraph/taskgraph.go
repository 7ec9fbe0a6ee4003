// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package taskgraph implements the graph of tasks of one machine: each TaskNode is a unit of distributed
// work (a computation, or a "boxing" that changes the partitioning of a blob) that produces registers,
// consumes the registers of its predecessors and builds the execgraph.Graph of operators it executes.
//
// Task graphs can be serialized (see ToTransport) and rebuilt on another process (see Rebuild). Two
// processes rebuilding the same serialized graph derive the same shapes and partitioning.
package taskgraph

import (
	"context"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/taskflow/pkg/core/execgraph"
	"github.com/gomlx/taskflow/pkg/core/taskpb"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	// ErrConstruction is returned when the task graph can't be built: tasks initialized twice or with
	// invalid values, inputs that can't be resolved, etc.
	ErrConstruction = errors.New("task graph construction failed")

	// ErrFormat is returned for invalid transport messages, or messages of the wrong kind of task.
	ErrFormat = taskpb.ErrFormat
)

// TaskType is the kind of task.
type TaskType = taskpb.TaskType

const (
	TaskTypeNormalForward          = taskpb.TaskTypeNormalForward
	TaskTypeCollectiveBoxingPack   = taskpb.TaskTypeCollectiveBoxingPack
	TaskTypeCollectiveBoxingUnpack = taskpb.TaskTypeCollectiveBoxingUnpack
)

// IDGenerator generates the ids of tasks and registers, and unique names for system operators.
// env.IDManager implements it.
type IDGenerator interface {
	NewTaskID() int64
	NewRegstDescID() int64
	NewUniqueName(prefix string) string
}

// TaskGraph owns the task nodes of one machine and the edges between them.
//
// A TaskGraph is built by a single goroutine. Different graphs can be built concurrently, see BuildAll.
type TaskGraph struct {
	ids      IDGenerator
	nodes    []*TaskNode
	nodeByID map[int64]*TaskNode
	edges    []*TaskEdge

	// rebuilt graphs have their produced registers restored from the transport messages.
	rebuilt bool
	built   bool
}

// New creates an empty TaskGraph.
func New(ids IDGenerator) *TaskGraph {
	return &TaskGraph{ids: ids, nodeByID: make(map[int64]*TaskNode)}
}

// NewTaskNode creates an uninitialized task of the given type: it must be initialized with the
// Init* method of its type.
func (g *TaskGraph) NewTaskNode(taskType TaskType) *TaskNode {
	n, err := g.newTaskNode(taskType, g.ids.NewTaskID())
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return n
}

func (g *TaskGraph) newTaskNode(taskType TaskType, id int64) (*TaskNode, error) {
	behavior, found := behaviors[taskType]
	if !found {
		return nil, errors.Wrapf(ErrConstruction, "invalid task type %s (%d)", taskType, int32(taskType))
	}
	if _, found := g.nodeByID[id]; found {
		return nil, errors.Wrapf(ErrConstruction, "task id %d used twice", id)
	}
	n := newTaskNode(g, id, taskType, behavior)
	g.nodes = append(g.nodes, n)
	g.nodeByID[id] = n
	return n, nil
}

// removeLastNode undoes newTaskNode of a task not yet connected.
func (g *TaskGraph) removeLastNode(n *TaskNode) {
	if len(g.nodes) == 0 || g.nodes[len(g.nodes)-1] != n {
		exceptions.Panicf("taskgraph: %s is not the last task created", n)
	}
	g.nodes = g.nodes[:len(g.nodes)-1]
	delete(g.nodeByID, n.id)
}

// Connect creates an edge src -> dst.
func (g *TaskGraph) Connect(src, dst *TaskNode) *TaskEdge {
	if src.graph != g || dst.graph != g {
		exceptions.Panicf("taskgraph.Connect(%s, %s): nodes belong to a different graph", src, dst)
	}
	e := newTaskEdge(src, dst)
	src.outEdges = append(src.outEdges, e)
	dst.inEdges = append(dst.inEdges, e)
	g.edges = append(g.edges, e)
	return e
}

// NumNodes returns the number of tasks.
func (g *TaskGraph) NumNodes() int { return len(g.nodes) }

// Node returns the task with the given id, or nil.
func (g *TaskGraph) Node(id int64) *TaskNode { return g.nodeByID[id] }

// ForEachNode calls fn for every task, in order of creation, stopping at the first error.
func (g *TaskGraph) ForEachNode(fn func(n *TaskNode) error) error {
	for _, n := range g.nodes {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

// TopoForEachNode calls fn for every task in topological order, ties broken by task id.
// It stops at the first error, and fails if the graph has a cycle.
func (g *TaskGraph) TopoForEachNode(fn func(n *TaskNode) error) error {
	numPending := make(map[*TaskNode]int, len(g.nodes))
	byID := func(a, b *TaskNode) int { return compareInt64(a.id, b.id) }
	var ready []*TaskNode
	for _, n := range g.nodes {
		numPending[n] = len(n.inEdges)
		if numPending[n] == 0 {
			ready = append(ready, n)
		}
	}
	slices.SortFunc(ready, byID)
	visited := 0
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		if err := fn(n); err != nil {
			return err
		}
		visited++
		for _, e := range n.outEdges {
			numPending[e.dst]--
			if numPending[e.dst] == 0 {
				pos, _ := slices.BinarySearchFunc(ready, e.dst, byID)
				ready = slices.Insert(ready, pos, e.dst)
			}
		}
	}
	if visited != len(g.nodes) {
		return errors.Wrapf(ErrConstruction, "task graph has a cycle: only %d of %d tasks could be sorted", visited, len(g.nodes))
	}
	return nil
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Build all tasks: produce the registers, consume the registers of the predecessors, build the exec
// graphs and infer the time shapes of the registers. Empty data registers are then pruned and all
// registers frozen. It stops at the first error.
func (g *TaskGraph) Build() error {
	if g.built {
		return errors.Wrap(ErrConstruction, "task graph already built")
	}
	for _, n := range g.nodes {
		if !n.initialized {
			return errors.Wrapf(ErrConstruction, "%s was not initialized", n)
		}
	}
	if !g.rebuilt {
		if err := g.ForEachNode((*TaskNode).ProduceAllRegstsAndBindEdges); err != nil {
			return err
		}
	}
	if err := g.ForEachNode((*TaskNode).ConsumeAllRegsts); err != nil {
		return err
	}
	if g.rebuilt {
		if err := g.ForEachNode((*TaskNode).checkRestoredConsumedRegsts); err != nil {
			return err
		}
	}
	if err := g.TopoForEachNode((*TaskNode).BuildExecGraphAndRegsts); err != nil {
		return err
	}
	if err := g.TopoForEachNode((*TaskNode).InferProducedDataRegstTimeShape); err != nil {
		return err
	}
	for _, n := range g.nodes {
		n.EraseEmptyProducedRegsts()
		n.UnbindBnWithEmptyRegst()
	}
	for _, n := range g.nodes {
		for _, r := range n.producedRegsts {
			r.Freeze()
		}
	}
	g.built = true
	klog.V(1).Infof("Built task graph with %d tasks and %d edges", len(g.nodes), len(g.edges))
	return nil
}

// IsBuilt returns whether Build succeeded.
func (g *TaskGraph) IsBuilt() bool { return g.built }

// BuildAll builds the graphs concurrently, typically one per machine. It returns the first error,
// and the remaining graphs are not built if ctx is cancelled.
func BuildAll(ctx context.Context, graphs ...*TaskGraph) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, g := range graphs {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return g.Build()
		})
	}
	return eg.Wait()
}

// ToExecSequences returns the execution sequence of each task, indexed by task id.
func (g *TaskGraph) ToExecSequences(needOpAttr bool) (map[int64]*execgraph.ExecSequence, error) {
	if !g.built {
		return nil, errors.Wrap(ErrConstruction, "task graph not built")
	}
	seqs := make(map[int64]*execgraph.ExecSequence, len(g.nodes))
	for _, n := range g.nodes {
		seq, err := n.execGraph.ToExecSequence(n.parallelCtx, needOpAttr)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s", n)
		}
		seqs[n.id] = seq
	}
	return seqs, nil
}
