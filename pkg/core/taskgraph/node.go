// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskgraph

import (
	"fmt"
	"slices"

	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/gomlx/taskflow/pkg/core/execgraph"
	"github.com/gomlx/taskflow/pkg/core/ops"
	"github.com/gomlx/taskflow/pkg/core/regst"
	"github.com/gomlx/taskflow/pkg/core/shapes"
	"github.com/gomlx/taskflow/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TaskNode is one unit of distributed work. Its TaskType is fixed at creation, and the type-specific
// state is set once by the matching Init* method (or restored by InitFromTransportTask).
//
// After initialization the machine id, thread id and logical blob are immutable.
type TaskNode struct {
	graph    *TaskGraph
	id       int64
	taskType TaskType
	behavior *taskBehavior

	initialized bool
	machineID   int64
	thrdID      int64
	lbi         blob.LogicalBlobID

	// parallelCtx is set for tasks whose work depends on their participant index.
	parallelCtx *distributed.ParallelContext

	// opConf is the operator of a NormalForward task.
	opConf *ops.OpConf

	// boxing holds the logical shape, partitioning and number of participants of the collective
	// boxing tasks.
	boxing *ops.CollectiveBoxingConf

	producedNames  []string
	producedRegsts map[string]*regst.Desc
	consumedRegsts map[string][]*regst.Desc

	// restoredConsumedIDs are the consumed register ids of a task restored from its transport
	// message, checked against the ones derived from the edges.
	restoredConsumedIDs map[string][]int64

	inEdges, outEdges []*TaskEdge

	execGraph *execgraph.Graph
}

func newTaskNode(g *TaskGraph, id int64, taskType TaskType, behavior *taskBehavior) *TaskNode {
	return &TaskNode{
		graph:          g,
		id:             id,
		taskType:       taskType,
		behavior:       behavior,
		producedRegsts: make(map[string]*regst.Desc),
		consumedRegsts: make(map[string][]*regst.Desc),
		execGraph:      execgraph.New(),
	}
}

func newTaskEdge(src, dst *TaskNode) *TaskEdge {
	return &TaskEdge{src: src, dst: dst, regsts: make(map[string]*regst.Desc)}
}

// ID of the task, unique within the job.
func (n *TaskNode) ID() int64 { return n.id }

// TaskType is the kind of task.
func (n *TaskNode) TaskType() TaskType { return n.taskType }

// IsInitialized returns whether the task was initialized.
func (n *TaskNode) IsInitialized() bool { return n.initialized }

// MachineID where the task runs.
func (n *TaskNode) MachineID() int64 { return n.machineID }

// ThrdID is the encoded device stream the task runs on, see distributed.EncodeThrdID.
func (n *TaskNode) ThrdID() int64 { return n.thrdID }

// Lbi is the logical blob the task works on: the output of a NormalForward operator, or the blob
// being redistributed by a collective boxing.
func (n *TaskNode) Lbi() blob.LogicalBlobID { return n.lbi }

// ParallelCtx returns a copy of the participant of the task, or nil.
func (n *TaskNode) ParallelCtx() *distributed.ParallelContext {
	if n.parallelCtx == nil {
		return nil
	}
	pc := *n.parallelCtx
	return &pc
}

// OpConf returns a copy of the operator conf of a NormalForward task, or nil.
func (n *TaskNode) OpConf() *ops.OpConf {
	if n.opConf == nil {
		return nil
	}
	return n.opConf.Clone()
}

// CollectiveBoxingConf returns a copy of the conf of collective boxing tasks, or nil.
func (n *TaskNode) CollectiveBoxingConf() *ops.CollectiveBoxingConf { return n.boxing.Clone() }

// ExecGraph returns the operators the task executes. It is empty until the graph is built.
func (n *TaskNode) ExecGraph() *execgraph.Graph { return n.execGraph }

// InEdges returns the edges from the producers of the task.
func (n *TaskNode) InEdges() []*TaskEdge { return slices.Clone(n.inEdges) }

// OutEdges returns the edges to the consumers of the task.
func (n *TaskNode) OutEdges() []*TaskEdge { return slices.Clone(n.outEdges) }

// String implements fmt.Stringer.
func (n *TaskNode) String() string {
	return fmt.Sprintf("%s#%d", n.taskType, n.id)
}

// checkInit returns an error if the node can't be initialized as a task of the given type.
func (n *TaskNode) checkInit(taskType TaskType, machineID, thrdID int64) error {
	if n.taskType != taskType {
		return errors.Wrapf(ErrConstruction, "%s can't be initialized as a %s task", n, taskType)
	}
	if n.initialized {
		return errors.Wrapf(ErrConstruction, "%s initialized twice", n)
	}
	if machineID < 0 {
		return errors.Wrapf(ErrConstruction, "%s: invalid machine id %d", n, machineID)
	}
	if _, _, _, err := distributed.DecodeThrdID(thrdID); err != nil {
		return errors.Wrapf(ErrConstruction, "%s: %v", n, err)
	}
	return nil
}

// DeviceTag of the thread the task runs on: "cpu" or "cuda".
func (n *TaskNode) DeviceTag() string {
	deviceType, _, _, err := distributed.DecodeThrdID(n.thrdID)
	if err != nil {
		return distributed.DeviceTypeInvalid.String()
	}
	return deviceType.String()
}

// ProduceRegst creates a data register owned by this task.
func (n *TaskNode) ProduceRegst(name string, minRegisterNum, maxRegisterNum int) (*regst.Desc, error) {
	if _, found := n.producedRegsts[name]; found {
		return nil, errors.Wrapf(ErrConstruction, "%s already produces a register %q", n, name)
	}
	r, err := regst.New(n.graph.ids.NewRegstDescID(), name, n.id, regst.KindData, minRegisterNum, maxRegisterNum)
	if err != nil {
		return nil, errors.Wrapf(ErrConstruction, "%s: %v", n, err)
	}
	n.addProducedRegst(r)
	return r, nil
}

func (n *TaskNode) addProducedRegst(r *regst.Desc) {
	n.producedNames = append(n.producedNames, r.Name())
	n.producedRegsts[r.Name()] = r
}

// ProducedRegst returns the produced register with the given name, or nil.
func (n *TaskNode) ProducedRegst(name string) *regst.Desc { return n.producedRegsts[name] }

// ProducedRegsts returns the produced registers, in order of creation.
func (n *TaskNode) ProducedRegsts() []*regst.Desc {
	regsts := make([]*regst.Desc, 0, len(n.producedNames))
	for _, name := range n.producedNames {
		regsts = append(regsts, n.producedRegsts[name])
	}
	return regsts
}

// ConsumeRegst records r as consumed under the given name, and this task as a consumer of r.
func (n *TaskNode) ConsumeRegst(name string, r *regst.Desc) {
	n.consumedRegsts[name] = append(n.consumedRegsts[name], r)
	r.AddConsumer(n.id)
}

// ConsumedRegsts returns the registers consumed under the given name.
func (n *TaskNode) ConsumedRegsts(name string) []*regst.Desc {
	return slices.Clone(n.consumedRegsts[name])
}

// GetSoleConsumedRegst returns the only register consumed under the given name.
func (n *TaskNode) GetSoleConsumedRegst(name string) (*regst.Desc, error) {
	regsts := n.consumedRegsts[name]
	if len(regsts) != 1 {
		return nil, errors.Wrapf(ErrConstruction, "%s consumes %d registers named %q, expected exactly one", n, len(regsts), name)
	}
	return regsts[0], nil
}

// BindEdgeWithProducedRegst adds the produced register of the given name to the edge.
func (n *TaskNode) BindEdgeWithProducedRegst(e *TaskEdge, name string) error {
	r := n.producedRegsts[name]
	if r == nil {
		return errors.Wrapf(ErrConstruction, "%s doesn't produce a register %q", n, name)
	}
	return e.AddRegst(name, r)
}

// SoleInEdge returns the only edge into the task.
func (n *TaskNode) SoleInEdge() (*TaskEdge, error) {
	if len(n.inEdges) != 1 {
		return nil, errors.Wrapf(ErrConstruction, "%s has %d input edges, expected exactly one", n, len(n.inEdges))
	}
	return n.inEdges[0], nil
}

// ProduceAllRegstsAndBindEdges creates the registers produced by the task and adds them to the
// outgoing edges.
func (n *TaskNode) ProduceAllRegstsAndBindEdges() error {
	return n.behavior.produceAllRegstsAndBindEdges(n)
}

// ConsumeAllRegsts resolves the registers of the incoming edges.
func (n *TaskNode) ConsumeAllRegsts() error {
	return n.behavior.consumeAllRegsts(n)
}

// BuildExecGraphAndRegsts creates the operators executed by the task, binds them to the registers
// and infers the descriptors of the produced blobs. The producers must have been built before.
func (n *TaskNode) BuildExecGraphAndRegsts() error {
	if err := n.behavior.buildExecGraphAndRegsts(n); err != nil {
		return errors.WithMessagef(err, "while building %s", n)
	}
	return nil
}

// InferProducedDataRegstTimeShape sets the time shape of the produced data registers.
func (n *TaskNode) InferProducedDataRegstTimeShape() error {
	return n.behavior.inferProducedDataRegstTimeShape(n)
}

// NaiveInferProducedDataRegstTimeShape sets the time shape of the produced data registers to the
// one of the consumed data registers, which must all agree. Tasks without inputs use the time
// shape [1, 1].
func (n *TaskNode) NaiveInferProducedDataRegstTimeShape() error {
	timeShape := shapes.Dims(1, 1)
	var from *regst.Desc
	for _, name := range sets.SortedKeys(n.consumedRegsts) {
		for _, r := range n.consumedRegsts[name] {
			if !r.IsData() {
				continue
			}
			consumedTimeShape := r.TimeShape()
			if !consumedTimeShape.Ok() {
				return errors.Wrapf(ErrConstruction, "%s: consumed %s has no time shape", n, r)
			}
			if from == nil {
				from, timeShape = r, consumedTimeShape
			} else if !timeShape.Equal(consumedTimeShape) {
				return errors.Wrapf(ErrConstruction, "%s: consumed registers have different time shapes %s (%s) and %s (%s)",
					n, timeShape, from, consumedTimeShape, r)
			}
		}
	}
	for _, r := range n.producedRegsts {
		if r.IsData() {
			r.SetTimeShape(timeShape)
		}
	}
	return nil
}

// EraseEmptyProducedRegsts removes the produced data registers that hold no blob, along with their
// references in the outgoing edges and in the consumers.
func (n *TaskNode) EraseEmptyProducedRegsts() {
	n.producedNames = slices.DeleteFunc(n.producedNames, func(name string) bool {
		r := n.producedRegsts[name]
		if !r.IsEmptyData() {
			return false
		}
		klog.V(2).Infof("%s: erasing empty produced %s", n, r)
		delete(n.producedRegsts, name)
		for _, e := range n.outEdges {
			e.removeRegst(r.ID())
			e.dst.eraseConsumedRegst(r)
		}
		return true
	})
}

func (n *TaskNode) eraseConsumedRegst(r *regst.Desc) {
	for name, regsts := range n.consumedRegsts {
		regsts = slices.DeleteFunc(regsts, func(consumed *regst.Desc) bool { return consumed == r })
		if len(regsts) == 0 {
			delete(n.consumedRegsts, name)
		} else {
			n.consumedRegsts[name] = regsts
		}
	}
}

// UnbindBnWithEmptyRegst removes from the exec graph the bindings to empty data registers.
func (n *TaskNode) UnbindBnWithEmptyRegst() {
	for _, node := range n.execGraph.Nodes() {
		node.UnbindBnWithEmptyRegst()
	}
}
