// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskgraph

import (
	"slices"

	"github.com/gomlx/taskflow/pkg/core/regst"
	"github.com/gomlx/taskflow/pkg/core/taskpb"
	"github.com/gomlx/taskflow/pkg/support/sets"
	"github.com/pkg/errors"
)

// RebuildContext resolves the tasks and registers referenced by id while rebuilding a task graph
// from its transport messages.
type RebuildContext struct {
	taskByID  map[int64]*TaskNode
	regstByID map[int64]*regst.Desc
}

// NewRebuildContext creates an empty RebuildContext.
func NewRebuildContext() *RebuildContext {
	return &RebuildContext{
		taskByID:  make(map[int64]*TaskNode),
		regstByID: make(map[int64]*regst.Desc),
	}
}

// TaskNode returns the task with the given id.
func (ctx *RebuildContext) TaskNode(id int64) (*TaskNode, error) {
	n, found := ctx.taskByID[id]
	if !found {
		return nil, errors.Wrapf(ErrFormat, "unknown task id %d", id)
	}
	return n, nil
}

// RegstDesc returns the register with the given id.
func (ctx *RebuildContext) RegstDesc(id int64) (*regst.Desc, error) {
	r, found := ctx.regstByID[id]
	if !found {
		return nil, errors.Wrapf(ErrFormat, "unknown register id %d", id)
	}
	return r, nil
}

// ToTransportTask serializes the task: its identity, produced registers, consumed register ids and
// the type-specific payload.
func (n *TaskNode) ToTransportTask() (*taskpb.TransportTask, error) {
	if !n.initialized {
		return nil, errors.Wrapf(ErrConstruction, "%s: serializing a task that was not initialized", n)
	}
	task := &taskpb.TaskProto{
		TaskType:             n.taskType,
		TaskID:               n.id,
		MachineID:            n.machineID,
		ThrdID:               n.thrdID,
		ParallelCtx:          n.ParallelCtx(),
		ConsumedRegstDescIDs: make(map[string][]int64, len(n.consumedRegsts)),
	}
	for _, r := range n.ProducedRegsts() {
		task.ProducedRegstDescs = append(task.ProducedRegstDescs, regstToProto(r))
	}
	for name, regsts := range n.consumedRegsts {
		ids := make([]int64, 0, len(regsts))
		for _, r := range regsts {
			ids = append(ids, r.ID())
		}
		task.ConsumedRegstDescIDs[name] = ids
	}
	n.behavior.toTransport(n, task)
	return &taskpb.TransportTask{Version: taskpb.Version, Task: task}, nil
}

func regstToProto(r *regst.Desc) *taskpb.RegstDescProto {
	proto := &taskpb.RegstDescProto{
		RegstDescID:     r.ID(),
		Name:            r.Name(),
		ProducerTaskID:  r.ProducerTaskID(),
		Kind:            int32(r.Kind()),
		MinRegisterNum:  r.MinRegisterNum(),
		MaxRegisterNum:  r.MaxRegisterNum(),
		Lbis:            r.Lbis(),
		ConsumerTaskIDs: r.ConsumerTaskIDs(),
		TimeShape:       r.TimeShape(),
	}
	for _, lbi := range proto.Lbis {
		proto.BlobDescs = append(proto.BlobDescs, r.GetBlobDesc(lbi).Clone())
	}
	return proto
}

func regstFromProto(proto *taskpb.RegstDescProto) (*regst.Desc, error) {
	r, err := regst.New(proto.RegstDescID, proto.Name, proto.ProducerTaskID, regst.Kind(proto.Kind),
		proto.MinRegisterNum, proto.MaxRegisterNum)
	if err != nil {
		return nil, errors.Wrapf(ErrFormat, "%v", err)
	}
	if len(proto.Lbis) != len(proto.BlobDescs) {
		return nil, errors.Wrapf(ErrFormat, "register %d has %d blobs and %d blob descriptors",
			proto.RegstDescID, len(proto.Lbis), len(proto.BlobDescs))
	}
	if len(proto.Lbis) > 0 && !r.IsData() {
		return nil, errors.Wrapf(ErrFormat, "register %d of kind %s holds blobs", proto.RegstDescID, r.Kind())
	}
	for ii, lbi := range proto.Lbis {
		r.AddLbi(lbi)
		r.MutBlobDesc(lbi).CopyFrom(proto.BlobDescs[ii])
	}
	if proto.TimeShape.Ok() {
		r.SetTimeShape(proto.TimeShape)
	}
	return r, nil
}

// InitFromTransportTask initializes the task from its serialized form, which must be of the same
// TaskType and task id. The produced registers are restored and added to ctx. The edges are restored
// separately (see Rebuild), and the consumed registers are derived from them by Build, which checks
// they match the serialized consumed register ids.
//
// Tasks created by NewTaskNode get a new id, so the task is usually created with the serialized id
// by TaskGraph.RestoreTaskNode, which calls this method.
//
// It fails with ErrFormat, leaving the task unchanged, if the message is of another kind of task
// or is inconsistent.
func (n *TaskNode) InitFromTransportTask(t *taskpb.TransportTask, ctx *RebuildContext) error {
	if ctx == nil {
		ctx = NewRebuildContext()
	}
	if t == nil || t.Task == nil {
		return errors.Wrapf(ErrFormat, "%s: empty transport task", n)
	}
	if t.Version != taskpb.Version {
		return errors.Wrapf(ErrFormat, "%s: transport version %d, expected %d", n, t.Version, taskpb.Version)
	}
	task := t.Task
	if task.TaskType != n.taskType {
		return errors.Wrapf(ErrFormat, "%s: can't be restored from a serialized %s task", n, task.TaskType)
	}
	if err := task.Validate(); err != nil {
		return err
	}
	if task.TaskID != n.id {
		return errors.Wrapf(ErrFormat, "%s: can't be restored from serialized task id %d", n, task.TaskID)
	}
	if n.initialized {
		return errors.Wrapf(ErrConstruction, "%s initialized twice", n)
	}
	if err := n.checkInit(n.taskType, task.MachineID, task.ThrdID); err != nil {
		return errors.Wrapf(ErrFormat, "%v", err)
	}
	if task.ParallelCtx != nil {
		if err := task.ParallelCtx.Validate(); err != nil {
			return errors.Wrapf(ErrFormat, "%s: %v", n, err)
		}
	}
	apply, err := n.behavior.fromTransport(n, task)
	if err != nil {
		return err
	}

	produced := make([]*regst.Desc, 0, len(task.ProducedRegstDescs))
	names := sets.Make[string]()
	regstIDs := sets.Make[int64]()
	for _, proto := range task.ProducedRegstDescs {
		if proto.ProducerTaskID != n.id {
			return errors.Wrapf(ErrFormat, "%s: produced register %d has producer %d", n, proto.RegstDescID, proto.ProducerTaskID)
		}
		if names.Has(proto.Name) {
			return errors.Wrapf(ErrFormat, "%s: produced register %q defined twice", n, proto.Name)
		}
		if _, found := ctx.regstByID[proto.RegstDescID]; found || regstIDs.Has(proto.RegstDescID) {
			return errors.Wrapf(ErrFormat, "%s: register id %d defined twice", n, proto.RegstDescID)
		}
		names.Insert(proto.Name)
		regstIDs.Insert(proto.RegstDescID)
		r, err := regstFromProto(proto)
		if err != nil {
			return errors.WithMessagef(err, "%s", n)
		}
		produced = append(produced, r)
	}

	n.machineID, n.thrdID = task.MachineID, task.ThrdID
	n.restoredConsumedIDs = make(map[string][]int64, len(task.ConsumedRegstDescIDs))
	for name, ids := range task.ConsumedRegstDescIDs {
		n.restoredConsumedIDs[name] = slices.Sorted(slices.Values(ids))
	}
	if task.ParallelCtx != nil {
		pc := *task.ParallelCtx
		n.parallelCtx = &pc
	}
	apply()
	for _, r := range produced {
		n.addProducedRegst(r)
		ctx.regstByID[r.ID()] = r
	}
	n.initialized = true
	return nil
}

// checkRestoredConsumedRegsts compares the consumed registers derived from the edges with the
// serialized ones. Tasks serialized before their graph was built have no consumed registers, and
// are not checked.
func (n *TaskNode) checkRestoredConsumedRegsts() error {
	if len(n.restoredConsumedIDs) == 0 {
		return nil
	}
	derived := make(map[string][]int64, len(n.consumedRegsts))
	for name, regsts := range n.consumedRegsts {
		ids := make([]int64, 0, len(regsts))
		for _, r := range regsts {
			ids = append(ids, r.ID())
		}
		slices.Sort(ids)
		derived[name] = ids
	}
	for _, name := range sets.SortedKeys(n.restoredConsumedIDs) {
		if !slices.Equal(n.restoredConsumedIDs[name], derived[name]) {
			return errors.Wrapf(ErrFormat, "%s: serialized consumed registers %q=%v, but its edges carry %v",
				n, name, n.restoredConsumedIDs[name], derived[name])
		}
	}
	for _, name := range sets.SortedKeys(derived) {
		if _, found := n.restoredConsumedIDs[name]; !found {
			return errors.Wrapf(ErrFormat, "%s: consumed registers %q=%v are not in its serialized form",
				n, name, derived[name])
		}
	}
	return nil
}

// RestoreTaskNode creates a task with the id, type and contents of its serialized form, see
// InitFromTransportTask. On error the graph is left unchanged.
func (g *TaskGraph) RestoreTaskNode(t *taskpb.TransportTask, ctx *RebuildContext) (*TaskNode, error) {
	if t == nil || t.Task == nil {
		return nil, errors.Wrap(ErrFormat, "empty transport task")
	}
	if ctx == nil {
		ctx = NewRebuildContext()
	}
	if _, found := ctx.taskByID[t.Task.TaskID]; found {
		return nil, errors.Wrapf(ErrFormat, "task id %d defined twice", t.Task.TaskID)
	}
	n, err := g.newTaskNode(t.Task.TaskType, t.Task.TaskID)
	if err != nil {
		return nil, errors.Wrapf(ErrFormat, "%v", err)
	}
	if err := n.InitFromTransportTask(t, ctx); err != nil {
		g.removeLastNode(n)
		return nil, err
	}
	ctx.taskByID[n.id] = n
	return n, nil
}

// ToTransport serializes the task graph: all tasks in order of id, and the edges with the ids of
// the registers they carry.
func (g *TaskGraph) ToTransport() (*taskpb.TaskGraphProto, error) {
	proto := &taskpb.TaskGraphProto{Version: taskpb.Version}
	nodes := slices.Clone(g.nodes)
	slices.SortFunc(nodes, func(a, b *TaskNode) int { return compareInt64(a.id, b.id) })
	for _, n := range nodes {
		t, err := n.ToTransportTask()
		if err != nil {
			return nil, err
		}
		proto.Tasks = append(proto.Tasks, t.Task)
	}
	for _, e := range g.edges {
		edgeProto := &taskpb.TaskEdgeProto{
			SrcTaskID:    e.src.id,
			DstTaskID:    e.dst.id,
			RegstDescIDs: make(map[string]int64, len(e.names)),
		}
		for _, name := range e.names {
			edgeProto.RegstDescIDs[name] = e.regsts[name].ID()
		}
		proto.Edges = append(proto.Edges, edgeProto)
	}
	return proto, nil
}

// Rebuild restores a serialized task graph. The restored tasks keep their produced registers, and
// Build then consumes them, rebuilds the exec graphs and infers the same shapes as the original graph.
//
// ids is used for the names of system operators created during Build.
func Rebuild(ids IDGenerator, proto *taskpb.TaskGraphProto) (*TaskGraph, error) {
	if proto.Version != taskpb.Version {
		return nil, errors.Wrapf(ErrFormat, "task graph version %d, expected %d", proto.Version, taskpb.Version)
	}
	g := New(ids)
	g.rebuilt = true
	ctx := NewRebuildContext()
	for _, task := range proto.Tasks {
		if _, err := g.RestoreTaskNode(&taskpb.TransportTask{Version: proto.Version, Task: task}, ctx); err != nil {
			return nil, err
		}
	}
	for _, edgeProto := range proto.Edges {
		src, err := ctx.TaskNode(edgeProto.SrcTaskID)
		if err != nil {
			return nil, err
		}
		dst, err := ctx.TaskNode(edgeProto.DstTaskID)
		if err != nil {
			return nil, err
		}
		e := g.Connect(src, dst)
		for _, name := range sets.SortedKeys(edgeProto.RegstDescIDs) {
			r, err := ctx.RegstDesc(edgeProto.RegstDescIDs[name])
			if err != nil {
				return nil, err
			}
			if r.ProducerTaskID() != src.id {
				return nil, errors.Wrapf(ErrFormat, "%s carries register %d produced by task %d", e, r.ID(), r.ProducerTaskID())
			}
			if err := e.AddRegst(name, r); err != nil {
				return nil, errors.Wrapf(ErrFormat, "%v", err)
			}
		}
	}
	return g, nil
}
