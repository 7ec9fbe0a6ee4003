// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package taskpb defines the transport messages used to ship task graphs between processes, and
// their encoding in the protocol buffers wire format.
//
// The encoding is deterministic: the same message always yields the same bytes, so two processes
// decoding the same bytes derive identical task nodes.
package taskpb

import (
	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/gomlx/taskflow/pkg/core/ops"
	"github.com/gomlx/taskflow/pkg/core/shapes"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Version of the transport format written by Marshal. Messages of other versions are rejected.
const Version = 1

// ErrFormat is returned (wrapped) when decoding malformed messages or messages of an unexpected kind.
var ErrFormat = errors.New("invalid transport message")

// TaskType is the variant tag of a task, used both in memory and on the wire.
type TaskType int32

const (
	TaskTypeInvalid TaskType = iota
	TaskTypeNormalForward
	TaskTypeCollectiveBoxingPack
	TaskTypeCollectiveBoxingUnpack

	// TaskTypeLast is not a valid task type, it's used for iteration.
	TaskTypeLast
)

// String implements fmt.Stringer.
func (t TaskType) String() string {
	switch t {
	case TaskTypeNormalForward:
		return "NormalForward"
	case TaskTypeCollectiveBoxingPack:
		return "CollectiveBoxingPack"
	case TaskTypeCollectiveBoxingUnpack:
		return "CollectiveBoxingUnpack"
	default:
		return "Invalid"
	}
}

// RegstDescProto describes a register produced by a task.
type RegstDescProto struct {
	RegstDescID    int64
	Name           string
	ProducerTaskID int64

	// Kind is the regst.Kind.
	Kind int32

	MinRegisterNum, MaxRegisterNum int

	// Lbis and BlobDescs are parallel slices, in the order the blobs were added to the register.
	Lbis      []blob.LogicalBlobID
	BlobDescs []*blob.Desc

	ConsumerTaskIDs []int64
	TimeShape       shapes.Shape
}

// TaskProto holds a task and its kind-specific payload. Exactly one payload matching TaskType is set.
type TaskProto struct {
	TaskType  TaskType
	TaskID    int64
	MachineID int64
	ThrdID    int64

	// ParallelCtx of the task, nil for tasks that don't depend on the participant.
	ParallelCtx *distributed.ParallelContext

	ProducedRegstDescs []*RegstDescProto

	// ConsumedRegstDescIDs maps a consumed register name ("in") to the ids of the registers.
	ConsumedRegstDescIDs map[string][]int64

	NormalForward          *ops.OpConf
	CollectiveBoxingPack   *ops.CollectiveBoxingConf
	CollectiveBoxingUnpack *ops.CollectiveBoxingConf
}

// TransportTask is the versioned envelope of one task.
type TransportTask struct {
	Version int
	Task    *TaskProto
}

// TaskEdgeProto connects two tasks, carrying the named registers produced by the source.
type TaskEdgeProto struct {
	SrcTaskID, DstTaskID int64

	// RegstDescIDs maps register names to their ids.
	RegstDescIDs map[string]int64
}

// TaskGraphProto holds all the tasks of one machine and the edges between them.
type TaskGraphProto struct {
	Version int
	Tasks   []*TaskProto
	Edges   []*TaskEdgeProto
}

// RegstDescProto: 1 regst_desc_id, 2 name, 3 producer_task_id, 4 kind, 5 min_register_num,
// 6 max_register_num, 7 lbi2blob_desc {1 lbi, 2 blob_desc}, 8 consumer_task_id, 9 time_shape.
func appendRegstDesc(b []byte, r *RegstDescProto) []byte {
	b = appendInt64(b, 1, r.RegstDescID)
	b = appendString(b, 2, r.Name)
	b = appendInt64(b, 3, r.ProducerTaskID)
	b = appendInt64(b, 4, int64(r.Kind))
	b = appendInt64(b, 5, int64(r.MinRegisterNum))
	b = appendInt64(b, 6, int64(r.MaxRegisterNum))
	for ii, lbi := range r.Lbis {
		b = appendMessage(b, 7, func(b []byte) []byte {
			b = appendMessage(b, 1, func(b []byte) []byte { return appendLbi(b, lbi) })
			return appendMessage(b, 2, func(b []byte) []byte { return appendBlobDesc(b, r.BlobDescs[ii]) })
		})
	}
	b = appendPackedInt64(b, 8, r.ConsumerTaskIDs)
	if r.TimeShape.Ok() {
		b = appendMessage(b, 9, func(b []byte) []byte { return appendShape(b, r.TimeShape) })
	}
	return b
}

func decodeRegstDesc(b []byte) (*RegstDescProto, error) {
	r := &RegstDescProto{TimeShape: shapes.Invalid()}
	err := forEachField("RegstDescProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt64(typ, b, &r.RegstDescID)
		case 2:
			return consumeString(typ, b, &r.Name)
		case 3:
			return consumeInt64(typ, b, &r.ProducerTaskID)
		case 4:
			return consumeInt32(typ, b, &r.Kind)
		case 5:
			return consumeInt(typ, b, &r.MinRegisterNum)
		case 6:
			return consumeInt(typ, b, &r.MaxRegisterNum)
		case 7:
			return consumeMessage(typ, b, func(b []byte) error {
				var lbi blob.LogicalBlobID
				var desc *blob.Desc
				err := forEachField("Lbi2BlobDesc", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeMessage(typ, b, func(b []byte) (err error) {
							lbi, err = decodeLbi(b)
							return
						})
					case 2:
						return consumeMessage(typ, b, func(b []byte) (err error) {
							desc, err = decodeBlobDesc(b)
							return
						})
					default:
						return skipField(num, typ, b)
					}
				})
				if err != nil {
					return err
				}
				if lbi.IsZero() || desc == nil {
					return formatErrorf("Lbi2BlobDesc requires lbi and blob_desc")
				}
				r.Lbis = append(r.Lbis, lbi)
				r.BlobDescs = append(r.BlobDescs, desc)
				return nil
			})
		case 8:
			return consumeRepeatedInt64(typ, b, &r.ConsumerTaskIDs)
		case 9:
			return consumeMessage(typ, b, func(b []byte) (err error) {
				r.TimeShape, err = decodeShape(b)
				return
			})
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// TaskProto: 1 task_type, 2 task_id, 3 machine_id, 4 thrd_id, 5 produced_regst_desc,
// 6 consumed_regst_desc_id {1 name, 2 regst_desc_id}, 7 parallel_ctx, and the payload (oneof): 10 normal_forward_conf,
// 11 collective_boxing_pack_conf, 12 collective_boxing_unpack_conf.
func appendTask(b []byte, task *TaskProto) []byte {
	b = appendInt64(b, 1, int64(task.TaskType))
	b = appendInt64(b, 2, task.TaskID)
	b = appendInt64(b, 3, task.MachineID)
	b = appendInt64(b, 4, task.ThrdID)
	for _, r := range task.ProducedRegstDescs {
		b = appendMessage(b, 5, func(b []byte) []byte { return appendRegstDesc(b, r) })
	}
	for _, name := range sortedKeys(task.ConsumedRegstDescIDs) {
		b = appendMessage(b, 6, func(b []byte) []byte {
			b = appendString(b, 1, name)
			return appendPackedInt64(b, 2, task.ConsumedRegstDescIDs[name])
		})
	}
	if task.ParallelCtx != nil {
		b = appendMessage(b, 7, func(b []byte) []byte { return appendParallelCtx(b, task.ParallelCtx) })
	}
	if task.NormalForward != nil {
		b = appendMessage(b, 10, func(b []byte) []byte { return appendOpConf(b, task.NormalForward) })
	}
	if task.CollectiveBoxingPack != nil {
		b = appendMessage(b, 11, func(b []byte) []byte { return appendCollectiveBoxingConf(b, task.CollectiveBoxingPack) })
	}
	if task.CollectiveBoxingUnpack != nil {
		b = appendMessage(b, 12, func(b []byte) []byte { return appendCollectiveBoxingConf(b, task.CollectiveBoxingUnpack) })
	}
	return b
}

func decodeTask(b []byte) (*TaskProto, error) {
	task := &TaskProto{ConsumedRegstDescIDs: make(map[string][]int64)}
	err := forEachField("TaskProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var taskType int32
			n, err := consumeInt32(typ, b, &taskType)
			task.TaskType = TaskType(taskType)
			return n, err
		case 2:
			return consumeInt64(typ, b, &task.TaskID)
		case 3:
			return consumeInt64(typ, b, &task.MachineID)
		case 4:
			return consumeInt64(typ, b, &task.ThrdID)
		case 5:
			return consumeMessage(typ, b, func(b []byte) error {
				r, err := decodeRegstDesc(b)
				if err == nil {
					task.ProducedRegstDescs = append(task.ProducedRegstDescs, r)
				}
				return err
			})
		case 6:
			return consumeMessage(typ, b, func(b []byte) error {
				var name string
				var ids []int64
				err := forEachField("ConsumedRegstDescIDs", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeString(typ, b, &name)
					case 2:
						return consumeRepeatedInt64(typ, b, &ids)
					default:
						return skipField(num, typ, b)
					}
				})
				if err != nil {
					return err
				}
				task.ConsumedRegstDescIDs[name] = append(task.ConsumedRegstDescIDs[name], ids...)
				return nil
			})
		case 7:
			return consumeMessage(typ, b, func(b []byte) (err error) {
				task.ParallelCtx, err = decodeParallelCtx(b)
				return
			})
		case 10:
			return consumeMessage(typ, b, func(b []byte) (err error) {
				task.NormalForward, err = decodeOpConf(b)
				return
			})
		case 11:
			return consumeMessage(typ, b, func(b []byte) (err error) {
				task.CollectiveBoxingPack, err = decodeCollectiveBoxingConf(b)
				return
			})
		case 12:
			return consumeMessage(typ, b, func(b []byte) (err error) {
				task.CollectiveBoxingUnpack, err = decodeCollectiveBoxingConf(b)
				return
			})
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return task, nil
}

// Validate checks that the payload set matches the task type.
func (task *TaskProto) Validate() error {
	var has [TaskTypeLast]bool
	has[TaskTypeNormalForward] = task.NormalForward != nil
	has[TaskTypeCollectiveBoxingPack] = task.CollectiveBoxingPack != nil
	has[TaskTypeCollectiveBoxingUnpack] = task.CollectiveBoxingUnpack != nil
	if task.TaskType <= TaskTypeInvalid || task.TaskType >= TaskTypeLast {
		return formatErrorf("task %d has an invalid task type %d", task.TaskID, int32(task.TaskType))
	}
	for taskType := TaskTypeInvalid + 1; taskType < TaskTypeLast; taskType++ {
		if has[taskType] != (taskType == task.TaskType) {
			return formatErrorf("task %d of type %s: payload of %s set=%v", task.TaskID, task.TaskType, taskType, has[taskType])
		}
	}
	return nil
}

// TaskEdgeProto: 1 src_task_id, 2 dst_task_id, 3 regst {1 name, 2 regst_desc_id}.
func appendTaskEdge(b []byte, edge *TaskEdgeProto) []byte {
	b = appendInt64(b, 1, edge.SrcTaskID)
	b = appendInt64(b, 2, edge.DstTaskID)
	for _, name := range sortedKeys(edge.RegstDescIDs) {
		b = appendMessage(b, 3, func(b []byte) []byte {
			b = appendString(b, 1, name)
			return appendInt64(b, 2, edge.RegstDescIDs[name])
		})
	}
	return b
}

func decodeTaskEdge(b []byte) (*TaskEdgeProto, error) {
	edge := &TaskEdgeProto{RegstDescIDs: make(map[string]int64)}
	err := forEachField("TaskEdgeProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt64(typ, b, &edge.SrcTaskID)
		case 2:
			return consumeInt64(typ, b, &edge.DstTaskID)
		case 3:
			return consumeMessage(typ, b, func(b []byte) error {
				var name string
				var id int64
				err := forEachField("TaskEdgeRegst", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeString(typ, b, &name)
					case 2:
						return consumeInt64(typ, b, &id)
					default:
						return skipField(num, typ, b)
					}
				})
				edge.RegstDescIDs[name] = id
				return err
			})
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// TransportTask: 1 version, 2 task.

// Marshal encodes the transport task. Version is always set to the current Version.
func (t *TransportTask) Marshal() []byte {
	b := appendInt64(nil, 1, Version)
	if t.Task != nil {
		b = appendMessage(b, 2, func(b []byte) []byte { return appendTask(b, t.Task) })
	}
	return b
}

// UnmarshalTransportTask decodes a transport task encoded by TransportTask.Marshal.
// Errors wrap ErrFormat.
func UnmarshalTransportTask(b []byte) (*TransportTask, error) {
	t := &TransportTask{}
	err := forEachField("TransportTask", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(typ, b, &t.Version)
		case 2:
			return consumeMessage(typ, b, func(b []byte) (err error) {
				t.Task, err = decodeTask(b)
				return
			})
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return nil, err
	}
	if t.Version != Version {
		return nil, formatErrorf("TransportTask version %d, only version %d is supported", t.Version, Version)
	}
	if t.Task == nil {
		return nil, formatErrorf("TransportTask without a task")
	}
	return t, nil
}

// TaskGraphProto: 1 version, 2 task, 3 edge.

// Marshal encodes the task graph. Version is always set to the current Version.
func (g *TaskGraphProto) Marshal() []byte {
	b := appendInt64(nil, 1, Version)
	for _, task := range g.Tasks {
		b = appendMessage(b, 2, func(b []byte) []byte { return appendTask(b, task) })
	}
	for _, edge := range g.Edges {
		b = appendMessage(b, 3, func(b []byte) []byte { return appendTaskEdge(b, edge) })
	}
	return b
}

// UnmarshalTaskGraph decodes a task graph encoded by TaskGraphProto.Marshal. Errors wrap ErrFormat.
func UnmarshalTaskGraph(b []byte) (*TaskGraphProto, error) {
	g := &TaskGraphProto{}
	err := forEachField("TaskGraphProto", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(typ, b, &g.Version)
		case 2:
			return consumeMessage(typ, b, func(b []byte) error {
				task, err := decodeTask(b)
				if err == nil {
					g.Tasks = append(g.Tasks, task)
				}
				return err
			})
		case 3:
			return consumeMessage(typ, b, func(b []byte) error {
				edge, err := decodeTaskEdge(b)
				if err == nil {
					g.Edges = append(g.Edges, edge)
				}
				return err
			})
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return nil, err
	}
	if g.Version != Version {
		return nil, formatErrorf("TaskGraphProto version %d, only version %d is supported", g.Version, Version)
	}
	return g, nil
}
