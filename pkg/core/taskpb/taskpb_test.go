// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskpb

import (
	"bytes"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/gomlx/taskflow/pkg/core/execgraph"
	"github.com/gomlx/taskflow/pkg/core/ops"
	"github.com/gomlx/taskflow/pkg/core/shapes"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func packTask() *TaskProto {
	lbi := blob.NewLogicalBlobID("matmul", "out")
	return &TaskProto{
		TaskType:  TaskTypeCollectiveBoxingPack,
		TaskID:    7,
		MachineID: 1,
		ThrdID:    0x01_0002_04,
		ProducedRegstDescs: []*RegstDescProto{{
			RegstDescID:     3,
			Name:            "out",
			ProducerTaskID:  7,
			Kind:            1,
			MinRegisterNum:  1,
			MaxRegisterNum:  1,
			Lbis:            []blob.LogicalBlobID{lbi},
			BlobDescs:       []*blob.Desc{blob.NewDesc(shapes.Make(dtypes.Float32, 32))},
			ConsumerTaskIDs: []int64{8, 9},
			TimeShape:       shapes.Dims(1, 1),
		}},
		ConsumedRegstDescIDs: map[string][]int64{"in": {2}},
		CollectiveBoxingPack: &ops.CollectiveBoxingConf{
			Lbi:          lbi,
			LogicalShape: shapes.Make(dtypes.Float32, 4, 8),
			SrcSbp:       distributed.Split(0),
			DstSbp:       distributed.Broadcast(),
			NumRanks:     2,
		},
	}
}

var cmpOpts = []cmp.Option{cmpopts.EquateEmpty()}

func TestTransportTaskRoundTrip(t *testing.T) {
	for _, sbps := range [][2]distributed.SbpParallel{
		{distributed.Split(0), distributed.Broadcast()},
		{distributed.Broadcast(), distributed.Broadcast()},
		{distributed.PartialSum(), distributed.Split(1)},
	} {
		task := packTask()
		task.CollectiveBoxingPack.SrcSbp, task.CollectiveBoxingPack.DstSbp = sbps[0], sbps[1]
		encoded := (&TransportTask{Task: task}).Marshal()
		decoded, err := UnmarshalTransportTask(encoded)
		require.NoError(t, err)
		assert.Equal(t, Version, decoded.Version)
		if diff := cmp.Diff(task, decoded.Task, cmpOpts...); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
		// Encoding is deterministic.
		assert.True(t, bytes.Equal(encoded, (&TransportTask{Task: decoded.Task}).Marshal()))
	}
}

func TestTransportTaskNormalForward(t *testing.T) {
	task := &TaskProto{
		TaskType: TaskTypeNormalForward,
		TaskID:   1,
		NormalForward: &ops.OpConf{
			Name:      "add",
			DeviceTag: "cpu",
			TransposedBinary: &ops.TransposedBinaryConf{
				Lhs:     blob.NewLogicalBlobID("a", "out"),
				Rhs:     blob.NewLogicalBlobID("b", "out"),
				OutName: "y_0",
				Inplace: true,
			},
		},
		ConsumedRegstDescIDs: map[string][]int64{"in": {5, 4}, "ctrl": {9}},
		ParallelCtx:          &distributed.ParallelContext{ParallelID: 2, ParallelNum: 4},
	}
	decoded, err := UnmarshalTransportTask((&TransportTask{Task: task}).Marshal())
	require.NoError(t, err)
	if diff := cmp.Diff(task, decoded.Task, cmpOpts...); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	task = &TaskProto{
		TaskType: TaskTypeNormalForward,
		TaskID:   2,
		NormalForward: &ops.OpConf{
			Name:  "x",
			Input: &ops.InputConf{Shape: shapes.Make(dtypes.BFloat16, 2, 0, 3), IsDynamic: true},
		},
	}
	decoded, err = UnmarshalTransportTask((&TransportTask{Task: task}).Marshal())
	require.NoError(t, err)
	if diff := cmp.Diff(task, decoded.Task, cmpOpts...); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	// Invalid parallel context.
	task.ParallelCtx = &distributed.ParallelContext{ParallelID: 4, ParallelNum: 4}
	_, err = UnmarshalTransportTask((&TransportTask{Task: task}).Marshal())
	require.ErrorIs(t, err, ErrFormat)
}

func TestTransportTaskErrors(t *testing.T) {
	encoded := (&TransportTask{Task: packTask()}).Marshal()

	// Truncated messages.
	for _, size := range []int{1, len(encoded) / 2, len(encoded) - 1} {
		_, err := UnmarshalTransportTask(encoded[:size])
		require.ErrorIs(t, err, ErrFormat, "truncated to %d bytes", size)
	}

	// Payload not matching the task type.
	task := packTask()
	task.TaskType = TaskTypeCollectiveBoxingUnpack
	_, err := UnmarshalTransportTask((&TransportTask{Task: task}).Marshal())
	require.ErrorIs(t, err, ErrFormat)

	task = packTask()
	task.CollectiveBoxingPack = nil
	_, err = UnmarshalTransportTask((&TransportTask{Task: task}).Marshal())
	require.ErrorIs(t, err, ErrFormat)

	// Missing task, wrong version.
	_, err = UnmarshalTransportTask((&TransportTask{}).Marshal())
	require.ErrorIs(t, err, ErrFormat)
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 2)
	_, err = UnmarshalTransportTask(b)
	require.ErrorIs(t, err, ErrFormat)

	// Wrong wire type for the version.
	b = protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendString(b, "1")
	_, err = UnmarshalTransportTask(b)
	require.ErrorIs(t, err, ErrFormat)

	// Unknown fields are skipped.
	b = protowire.AppendTag(encoded, 100, protowire.BytesType)
	b = protowire.AppendString(b, "ignored")
	decoded, err := UnmarshalTransportTask(b)
	require.NoError(t, err)
	assert.Equal(t, int64(7), decoded.Task.TaskID)
}

func TestTaskGraphRoundTrip(t *testing.T) {
	g := &TaskGraphProto{
		Tasks: []*TaskProto{packTask()},
		Edges: []*TaskEdgeProto{
			{SrcTaskID: 2, DstTaskID: 7, RegstDescIDs: map[string]int64{"out": 2}},
			{SrcTaskID: 7, DstTaskID: 8, RegstDescIDs: map[string]int64{"out": 3}},
		},
	}
	encoded := g.Marshal()
	decoded, err := UnmarshalTaskGraph(encoded)
	require.NoError(t, err)
	g.Version = Version
	if diff := cmp.Diff(g, decoded, cmpOpts...); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, bytes.Equal(encoded, decoded.Marshal()))
}

func TestExecSequenceRoundTrip(t *testing.T) {
	seq := &execgraph.ExecSequence{
		ExecNodes: []*execgraph.ExecNodeProto{
			{
				KernelConf: &ops.KernelConf{
					OpConf: &ops.OpConf{
						Name:                 "pack",
						CollectiveBoxingPack: packTask().CollectiveBoxingPack,
					},
					DType: dtypes.Float32,
				},
				BnInOp2RegstDescID: map[string]int64{"in": 2, "out": 3},
			},
			{
				KernelConf: &ops.KernelConf{
					OpConf: &ops.OpConf{
						Name:     "id",
						Identity: &ops.IdentityConf{In: blob.NewLogicalBlobID("pack", "out")},
					},
					DType:       dtypes.Int8,
					ParallelCtx: &distributed.ParallelContext{ParallelID: 0, ParallelNum: 2},
					OpAttribute: &ops.OpAttribute{
						InputBns:  []string{"in"},
						OutputBns: []string{"out"},
						BlobDescs: map[string]*blob.Desc{
							"in":  blob.NewDesc(shapes.Make(dtypes.Int8, 3)),
							"out": {Shape: shapes.Make(dtypes.Int8, 3), IsDynamic: true},
						},
						ConInplaceObn2Ibn: map[string]string{"out": "in"},
					},
				},
				BnInOp2RegstDescID: map[string]int64{"in": 3, "out": 4},
			},
		},
	}
	decoded, err := UnmarshalExecSequence(MarshalExecSequence(seq))
	require.NoError(t, err)
	if diff := cmp.Diff(seq, decoded, cmpOpts...); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestTransportTaskOutOfRange(t *testing.T) {
	// Ranks beyond distributed.MaxParallelNum.
	task := packTask()
	task.CollectiveBoxingPack.NumRanks = 1 << 40
	_, err := UnmarshalTransportTask((&TransportTask{Task: task}).Marshal())
	require.ErrorIs(t, err, ErrFormat)

	// Logical shape whose number of elements overflows: built without shapes.Make.
	task = packTask()
	task.CollectiveBoxingPack.LogicalShape = shapes.Shape{DType: dtypes.Float32, Dimensions: []int{1 << 62, 4}}
	_, err = UnmarshalTransportTask((&TransportTask{Task: task}).Marshal())
	require.ErrorIs(t, err, ErrFormat)

	// Task type out of the int32 range must not be truncated into a valid one.
	encodeWithTaskType := func(taskType uint64) []byte {
		encodedTask := appendTask(nil, packTask())
		encodedTask = protowire.AppendTag(encodedTask, 1, protowire.VarintType)
		encodedTask = protowire.AppendVarint(encodedTask, taskType)
		b := appendInt64(nil, 1, Version)
		return appendMessage(b, 2, func(b []byte) []byte { return append(b, encodedTask...) })
	}
	decoded, err := UnmarshalTransportTask(encodeWithTaskType(uint64(TaskTypeCollectiveBoxingPack)))
	require.NoError(t, err)
	assert.Equal(t, TaskTypeCollectiveBoxingPack, decoded.Task.TaskType)
	_, err = UnmarshalTransportTask(encodeWithTaskType(1<<32 | uint64(TaskTypeCollectiveBoxingPack)))
	require.ErrorIs(t, err, ErrFormat)
}
