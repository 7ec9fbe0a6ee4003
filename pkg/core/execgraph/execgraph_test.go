// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package execgraph

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/gomlx/taskflow/pkg/core/ops"
	"github.com/gomlx/taskflow/pkg/core/regst"
	"github.com/gomlx/taskflow/pkg/core/shapes"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func newDataRegst(t *testing.T, id int64, lbis ...blob.LogicalBlobID) *regst.Desc {
	r, err := regst.New(id, "out", 100+id, regst.KindData, 1, 1)
	require.NoError(t, err)
	for _, lbi := range lbis {
		r.AddLbi(lbi)
	}
	return r
}

func identityOp(in blob.LogicalBlobID) ops.Operator {
	return must.M1(ops.Construct(&ops.OpConf{Name: "id", Identity: &ops.IdentityConf{In: in}}))
}

func binaryOp(lhs, rhs blob.LogicalBlobID) ops.Operator {
	return must.M1(ops.Construct(&ops.OpConf{
		Name:             "binary",
		TransposedBinary: &ops.TransposedBinaryConf{Lhs: lhs, Rhs: rhs, Inplace: true},
	}))
}

func TestBindBnWithRegst(t *testing.T) {
	lhs, rhs := blob.NewLogicalBlobID("a", "out"), blob.NewLogicalBlobID("b", "out")
	g := New()
	node := g.NewNode(binaryOp(lhs, rhs))
	r0 := newDataRegst(t, 0, lhs, rhs)
	r1 := newDataRegst(t, 1, lhs)

	// Different bns can be bound to the same register.
	require.NoError(t, node.BindBnWithRegst("lhs", r0))
	require.NoError(t, node.BindBnWithRegst("rhs", r0))

	// A bn can only be bound once, even to the same register.
	require.ErrorIs(t, node.BindBnWithRegst("lhs", r1), ErrDuplicateBinding)
	require.ErrorIs(t, node.BindBnWithRegst("lhs", r0), ErrDuplicateBinding)
	assert.Same(t, r0, node.RegstForBn("lhs"))
	assert.Equal(t, []string{"lhs", "rhs"}, node.BoundBns())

	require.ErrorIs(t, node.BindBnWithRegst("y", nil), ErrBinding)
}

func TestBindBnsWithRegst(t *testing.T) {
	lhs, rhs := blob.NewLogicalBlobID("a", "out"), blob.NewLogicalBlobID("b", "out")
	g := New()
	node := g.NewNode(binaryOp(lhs, rhs))
	in := newDataRegst(t, 0, lhs, rhs)
	out := newDataRegst(t, 1)
	require.NoError(t, node.BindBnsWithRegst(ops.Operator.InputBns, in))
	assert.Same(t, in, node.RegstForBn("lhs"))
	assert.Same(t, in, node.RegstForBn("rhs"))

	require.NoError(t, node.AddBnToRegstAndBindIt(ops.Operator.OutputBns, out))
	assert.Same(t, out, node.RegstForBn("y"))
	assert.True(t, out.HasLbi(blob.NewLogicalBlobID("binary", "y_0")))
	assert.Equal(t, 1, out.NumLbis())

	require.ErrorIs(t, node.BindBnsWithRegst(ops.Operator.InputBns, in), ErrDuplicateBinding)
}

func TestTryBindBnWithOneOfTheRegsts(t *testing.T) {
	in := blob.NewLogicalBlobID("a", "out")
	other := blob.NewLogicalBlobID("other", "out")
	candidates := []*regst.Desc{
		newDataRegst(t, 0, other),
		newDataRegst(t, 1, other, in),
		newDataRegst(t, 2, in),
	}

	t.Run("second matches", func(t *testing.T) {
		node := New().NewNode(identityOp(in))
		found, err := node.TryBindBnWithOneOfTheRegsts("in", candidates)
		require.NoError(t, err)
		require.True(t, found)
		assert.Same(t, candidates[1], node.RegstForBn("in"))
	})

	t.Run("none matches", func(t *testing.T) {
		node := New().NewNode(identityOp(in))
		found, err := node.TryBindBnWithOneOfTheRegsts("in", candidates[:1])
		require.NoError(t, err)
		require.False(t, found)
		assert.Empty(t, node.BoundBns())

		err = node.BindBnWithOneOfTheRegsts("in", candidates[:1])
		require.ErrorIs(t, err, ErrBinding)
		assert.Empty(t, node.BoundBns())

		require.NoError(t, node.BindBnWithOneOfTheRegsts("in", candidates[2:]))
		assert.Same(t, candidates[2], node.RegstForBn("in"))
	})
}

func TestUnbindBnWithEmptyRegst(t *testing.T) {
	lhs, rhs := blob.NewLogicalBlobID("a", "out"), blob.NewLogicalBlobID("b", "out")
	node := New().NewNode(binaryOp(lhs, rhs))
	full := newDataRegst(t, 0, lhs)
	empty := newDataRegst(t, 1)
	ctrl, err := regst.New(2, "ctrl", 7, regst.KindCtrl, 1, 1)
	require.NoError(t, err)

	require.NoError(t, node.BindBnWithRegst("lhs", full))
	require.NoError(t, node.BindBnWithRegst("rhs", empty))
	require.NoError(t, node.BindBnWithRegst("y", ctrl))
	node.UnbindBnWithEmptyRegst()
	assert.Equal(t, []string{"lhs", "y"}, node.BoundBns())
	assert.Nil(t, node.RegstForBn("rhs"))

	// Once the register holds a blob it's kept.
	empty.AddLbi(rhs)
	require.NoError(t, node.BindBnWithRegst("rhs", empty))
	node.UnbindBnWithEmptyRegst()
	assert.Equal(t, []string{"lhs", "rhs", "y"}, node.BoundBns())
}

func TestInferBlobDescs(t *testing.T) {
	lhs, rhs := blob.NewLogicalBlobID("a", "out"), blob.NewLogicalBlobID("b", "out")
	node := New().NewNode(binaryOp(lhs, rhs))
	in := newDataRegst(t, 0, lhs, rhs)
	*in.MutBlobDesc(lhs) = *blob.NewDesc(shapes.Make(dtypes.Float32, 3, 5))
	*in.MutBlobDesc(rhs) = *blob.NewDesc(shapes.Make(dtypes.Float32, 3, 5))
	out := newDataRegst(t, 1)

	require.NoError(t, node.BindBnsWithRegst(ops.Operator.InputBns, in))
	require.ErrorIs(t, node.InferBlobDescs(nil, nil), ErrBinding, "y is not bound")

	require.NoError(t, node.AddBnToRegstAndBindIt(ops.Operator.OutputBns, out))
	require.NoError(t, node.InferBlobDescs(nil, nil))
	y := out.GetBlobDesc(blob.NewLogicalBlobID("binary", "y_0"))
	assert.True(t, y.Shape.Equal(shapes.Make(dtypes.Float32, 3, 5)))
	assert.Equal(t, map[string]string{"y": "lhs"}, node.MutInplaceObn2Ibn())
	assert.Empty(t, node.ConInplaceObn2Ibn())

	// Operator rejecting the shapes.
	*in.MutBlobDesc(rhs) = *blob.NewDesc(shapes.Make(dtypes.Float32, 5, 3))
	require.ErrorIs(t, node.InferBlobDescs(nil, nil), ErrInference)
}

func TestInferBlobDescsPhysicalCheck(t *testing.T) {
	x := blob.NewLogicalBlobID("x", "out")
	placement, err := distributed.NewParallelDesc(distributed.DeviceTypeCPU, map[int64][]int64{0: {0, 1}})
	require.NoError(t, err)
	logical := blob.NewDesc(shapes.Make(dtypes.Float32, 5, 8))
	info := &OpNodeInfo{
		ParallelDesc:     placement,
		LogicalBlobDescs: map[string]*blob.Desc{"in": logical, "out": logical},
		NdSbpSignature: map[string]distributed.NdSbp{
			"in":  {distributed.Split(0)},
			"out": {distributed.Split(0)},
		},
	}

	build := func(physicalIn shapes.Shape) *Node {
		node := New().NewNode(identityOp(x))
		in := newDataRegst(t, 0, x)
		*in.MutBlobDesc(x) = *blob.NewDesc(physicalIn)
		require.NoError(t, node.BindBnsWithRegst(ops.Operator.InputBns, in))
		require.NoError(t, node.AddBnToRegstAndBindIt(ops.Operator.OutputBns, newDataRegst(t, 1)))
		return node
	}

	// Participant 1 of 2 holds 2 of the 5 rows.
	node := build(shapes.Make(dtypes.Float32, 2, 8))
	require.NoError(t, node.InferBlobDescs(info, &distributed.ParallelContext{ParallelID: 1, ParallelNum: 2}))
	assert.Equal(t, map[string]string{"out": "in"}, node.ConInplaceObn2Ibn())
	require.ErrorIs(t, node.InferBlobDescs(info, nil), ErrInference, "parallel context required")

	node = build(shapes.Make(dtypes.Float32, 2, 8))
	require.ErrorIs(t, node.InferBlobDescs(info, &distributed.ParallelContext{ParallelID: 0, ParallelNum: 2}), ErrInference,
		"participant 0 should hold 3 rows")

	// A bn placed elsewhere is not checked.
	other, err := distributed.NewParallelDesc(distributed.DeviceTypeCPU, map[int64][]int64{1: {0, 1}})
	require.NoError(t, err)
	info.BnParallelDescs = map[string]*distributed.ParallelDesc{"in": other}
	node = build(shapes.Make(dtypes.Float32, 3, 8))
	require.ErrorIs(t, node.InferBlobDescs(info, &distributed.ParallelContext{ParallelID: 1, ParallelNum: 2}), ErrInference,
		"out is still checked")
	require.NoError(t, node.InferBlobDescs(info, &distributed.ParallelContext{ParallelID: 0, ParallelNum: 2}))
}

func TestToExecSequence(t *testing.T) {
	a, b := blob.NewLogicalBlobID("a", "out"), blob.NewLogicalBlobID("b", "out")
	g := New()
	in := newDataRegst(t, 10, a, b)
	*in.MutBlobDesc(a) = *blob.NewDesc(shapes.Make(dtypes.Int64, 4))
	*in.MutBlobDesc(b) = *blob.NewDesc(shapes.Make(dtypes.Int64, 4))
	mid := newDataRegst(t, 11)
	out := newDataRegst(t, 12)

	// Created in reverse order, so the topological order differs from the creation order.
	second := g.NewNode(identityOp(blob.NewLogicalBlobID("binary", "y_0")))
	first := g.NewNode(binaryOp(a, b))
	g.Connect(first, second)

	require.NoError(t, first.BindBnsWithRegst(ops.Operator.InputBns, in))
	require.NoError(t, first.AddBnToRegstAndBindIt(ops.Operator.OutputBns, mid))
	require.NoError(t, second.BindBnWithOneOfTheRegsts("in", []*regst.Desc{in, mid}))
	require.NoError(t, second.AddBnToRegstAndBindIt(ops.Operator.OutputBns, out))

	var order []int
	require.NoError(t, g.TopoForEachNode(func(node *Node) error {
		order = append(order, node.ID())
		return node.InferBlobDescs(nil, nil)
	}))
	assert.Equal(t, []int{1, 0}, order)

	seq, err := g.ToExecSequence(nil, false)
	require.NoError(t, err)
	require.Len(t, seq.ExecNodes, 2)
	want := []map[string]int64{
		{"lhs": 10, "rhs": 10, "y": 11},
		{"in": 11, "out": 12},
	}
	for ii, node := range seq.ExecNodes {
		if diff := cmp.Diff(want[ii], node.BnInOp2RegstDescID); diff != "" {
			t.Errorf("exec node #%d bn to regst id mismatch (-want +got):\n%s", ii, diff)
		}
		assert.Equal(t, dtypes.Int64, node.KernelConf.DType)
		assert.Nil(t, node.KernelConf.OpAttribute)
	}
	assert.Equal(t, "binary", seq.ExecNodes[0].KernelConf.OpConf.Name)

	seq, err = g.ToExecSequence(&distributed.ParallelContext{ParallelID: 0, ParallelNum: 1}, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"out": "in"}, seq.ExecNodes[1].KernelConf.OpAttribute.ConInplaceObn2Ibn)

	// The in-place maps are the ones stored by InferBlobDescs, they are not inferred again.
	second.conInplaceObn2Ibn = map[string]string{}
	seq, err = g.ToExecSequence(&distributed.ParallelContext{ParallelID: 0, ParallelNum: 1}, true)
	require.NoError(t, err)
	assert.Empty(t, seq.ExecNodes[1].KernelConf.OpAttribute.ConInplaceObn2Ibn)

	// Cycles are detected.
	g.Connect(second, first)
	require.Error(t, g.TopoForEachNode(func(*Node) error { return nil }))

	node, err := New().SoleNode()
	require.Error(t, err)
	require.Nil(t, node)
}
