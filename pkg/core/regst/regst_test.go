// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package regst

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	_, err := New(1, "out", 7, KindData, 0, 1)
	require.Error(t, err)
	_, err = New(1, "out", 7, KindData, 2, 1)
	require.Error(t, err)
	_, err = New(1, "out", 7, KindInvalid, 1, 1)
	require.Error(t, err)

	r, err := New(1, "out", 7, KindData, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.ID())
	assert.Equal(t, int64(7), r.ProducerTaskID())
	assert.True(t, r.IsData())
	assert.True(t, r.IsEmptyData())
}

func TestBlobs(t *testing.T) {
	r, err := New(1, "out", 7, KindData, 1, 2)
	require.NoError(t, err)
	a := blob.NewLogicalBlobID("op", "a")
	b := blob.NewLogicalBlobID("op", "b")
	r.AddLbi(a)
	r.AddLbi(b)
	r.AddLbi(a)
	require.Equal(t, 2, r.NumLbis())
	require.Equal(t, []blob.LogicalBlobID{a, b}, r.Lbis())
	require.False(t, r.IsEmptyData())
	require.Nil(t, r.GetBlobDesc(blob.NewLogicalBlobID("op", "c")))

	r.MutBlobDesc(a).Shape = shapes.Make(dtypes.Float32, 4, 8)
	r.MutBlobDesc(b).Shape = shapes.Make(dtypes.Int8, 16)
	assert.Equal(t, uintptr(4*8*4+16), r.BytesPerRegister())
	assert.Contains(t, r.String(), "op/a: (Float32)[4 8]")

	r.Freeze()
	require.Panics(t, func() { r.AddLbi(blob.NewLogicalBlobID("op", "c")) })
	require.Panics(t, func() { _ = r.MutBlobDesc(a) })
	// Reading is still fine.
	require.True(t, r.GetBlobDesc(a).Shape.Equal(shapes.Make(dtypes.Float32, 4, 8)))
}

func TestCtrlRegister(t *testing.T) {
	r, err := New(2, "ctrl", 7, KindCtrl, 1, 1)
	require.NoError(t, err)
	require.False(t, r.IsEmptyData())
	require.Panics(t, func() { r.AddLbi(blob.NewLogicalBlobID("op", "a")) })
}

func TestConsumersAndTimeShape(t *testing.T) {
	r, err := New(1, "out", 7, KindData, 1, 1)
	require.NoError(t, err)
	r.AddConsumer(9)
	r.AddConsumer(8)
	r.AddConsumer(9)
	assert.Equal(t, []int64{8, 9}, r.ConsumerTaskIDs())
	assert.False(t, r.TimeShape().Ok())
	r.SetTimeShape(shapes.Dims(1, 1))
	assert.Equal(t, []int{1, 1}, r.TimeShape().Dimensions)
}
