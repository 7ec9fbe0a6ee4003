// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package execgraph implements the graph of operators of one task: each Node binds an operator to
// the registers (regst.Desc) holding its inputs and outputs, infers their physical blob descriptors,
// and is serialized to an ExecSequence entry for the executor.
package execgraph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/gomlx/taskflow/pkg/core/ops"
	"github.com/gomlx/taskflow/pkg/core/regst"
	"github.com/pkg/errors"
)

var (
	// ErrDuplicateBinding is returned when binding a bn that is already bound.
	ErrDuplicateBinding = errors.New("duplicate bn binding")

	// ErrBinding is returned when a bn can't be bound, or is used without being bound.
	ErrBinding = errors.New("bn binding failed")

	// ErrInference is returned when the shape or in-place inference of an operator fails, or when the
	// inferred physical shapes don't match the partitioning of the logical ones.
	ErrInference = errors.New("blob desc inference failed")
)

// Graph of ExecNodes of one task. It is built by a single goroutine.
type Graph struct {
	nodes []*Node
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{}
}

// NewNode creates a node for the operator.
func (g *Graph) NewNode(op ops.Operator) *Node {
	if op == nil {
		exceptions.Panicf("execgraph.NewNode() with a nil operator")
	}
	node := &Node{
		graph:        g,
		id:           len(g.nodes),
		op:           op,
		bnInOp2Regst: make(map[string]*regst.Desc),
	}
	g.nodes = append(g.nodes, node)
	return node
}

// Connect adds an edge src -> dst: src must run before dst.
func (g *Graph) Connect(src, dst *Node) {
	if src.graph != g || dst.graph != g {
		exceptions.Panicf("execgraph.Connect(%s, %s): nodes belong to a different graph", src, dst)
	}
	src.outputs = append(src.outputs, dst)
	dst.inputs = append(dst.inputs, src)
}

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Nodes returns the nodes in order of creation.
func (g *Graph) Nodes() []*Node { return slices.Clone(g.nodes) }

// SoleNode returns the only node of the graph, or an error if it doesn't have exactly one.
func (g *Graph) SoleNode() (*Node, error) {
	if len(g.nodes) != 1 {
		return nil, errors.Errorf("exec graph has %d nodes, expected exactly one", len(g.nodes))
	}
	return g.nodes[0], nil
}

// TopoForEachNode calls fn for every node in topological order; ties are broken by order of creation.
// It stops at the first error returned by fn, and fails if the graph has a cycle.
func (g *Graph) TopoForEachNode(fn func(node *Node) error) error {
	numPending := make([]int, len(g.nodes))
	var ready []*Node
	for _, node := range g.nodes {
		numPending[node.id] = len(node.inputs)
		if numPending[node.id] == 0 {
			ready = append(ready, node)
		}
	}
	visited := 0
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		if err := fn(node); err != nil {
			return err
		}
		visited++
		for _, output := range node.outputs {
			numPending[output.id]--
			if numPending[output.id] == 0 {
				ready = append(ready, output)
			}
		}
	}
	if visited != len(g.nodes) {
		return errors.Errorf("exec graph has a cycle: only %d of %d nodes could be sorted", visited, len(g.nodes))
	}
	return nil
}

// ExecSequence is the ordered list of kernels to execute for one task.
type ExecSequence struct {
	ExecNodes []*ExecNodeProto
}

// ToExecSequence converts the graph, in topological order, to the sequence of kernels to execute.
// The operator attributes (blob descriptors and in-place maps) are only included if needOpAttr is set.
func (g *Graph) ToExecSequence(parallelCtx *distributed.ParallelContext, needOpAttr bool) (*ExecSequence, error) {
	seq := &ExecSequence{}
	err := g.TopoForEachNode(func(node *Node) error {
		proto, err := node.ToProto(parallelCtx, needOpAttr)
		if err != nil {
			return err
		}
		seq.ExecNodes = append(seq.ExecNodes, proto)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seq, nil
}
