// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blob

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/taskflow/pkg/core/shapes"
	"github.com/stretchr/testify/require"
)

func TestLogicalBlobID(t *testing.T) {
	id := NewLogicalBlobID("matmul_0", "out_0")
	require.Equal(t, "matmul_0/out_0", id.String())
	require.False(t, id.IsZero())
	require.True(t, LogicalBlobID{}.IsZero())
}

func TestDesc(t *testing.T) {
	d := NewDesc(shapes.Make(dtypes.Float32, 4, 8))
	require.Equal(t, uintptr(4*8*4), d.ByteSize())
	c := d.Clone()
	require.True(t, d.Equal(c))
	c.Shape.Dimensions[0] = 1
	require.False(t, d.Equal(c))

	var target Desc
	target.CopyFrom(d)
	require.True(t, target.Equal(d))
	require.Equal(t, "BlobDesc{(Float32)[4 8]}", d.String())
}
