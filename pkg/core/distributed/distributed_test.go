// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/gomlx/taskflow/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSbpParallel(t *testing.T) {
	tests := []struct {
		text string
		want distributed.SbpParallel
	}{
		{"B", distributed.Broadcast()},
		{"P", distributed.PartialSum()},
		{"S(0)", distributed.Split(0)},
		{"S1", distributed.Split(1)},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := distributed.ParseSbpParallel(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			again, err := distributed.ParseSbpParallel(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
	for _, invalid := range []string{"", "X", "S(-1)", "S(a)"} {
		_, err := distributed.ParseSbpParallel(invalid)
		assert.Errorf(t, err, "expected error parsing %q", invalid)
	}

	require.NoError(t, distributed.Split(1).Validate(2))
	require.Error(t, distributed.Split(2).Validate(2))
	require.Error(t, distributed.SbpParallel{}.Validate(2))
	require.Equal(t, "(S(0), B)", distributed.NdSbp{distributed.Split(0), distributed.Broadcast()}.String())
}

func TestBalancedSplitter(t *testing.T) {
	splitter, err := distributed.NewBalancedSplitter(10, 4)
	require.NoError(t, err)
	want := []distributed.Range{{0, 3}, {3, 6}, {6, 8}, {8, 10}}
	for ii, r := range want {
		assert.Equal(t, r, splitter.At(ii), "part #%d", ii)
	}
	_, err = distributed.NewBalancedSplitter(10, 0)
	require.Error(t, err)
}

func TestParallelDesc(t *testing.T) {
	t.Run("Parse", func(t *testing.T) {
		pd, err := distributed.ParseParallelDesc("cuda", []string{"1:0-1", "0:0-1"}, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, 4, pd.ParallelNum())
		assert.Equal(t, []int{2, 2}, pd.Hierarchy())
		assert.Equal(t, []int64{0, 1}, pd.SortedMachineIDs())
		parallelID, err := pd.ParallelID4MachineDeviceID(1, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, parallelID)
		machineID, deviceID, err := pd.MachineDeviceID4ParallelID(3)
		require.NoError(t, err)
		assert.Equal(t, int64(1), machineID)
		assert.Equal(t, int64(1), deviceID)
		assert.Equal(t, []int{1, 0}, pd.HierarchyIndex(2))
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := distributed.ParseParallelDesc("tpu", []string{"0:0"})
		require.Error(t, err)
		_, err = distributed.ParseParallelDesc("cpu", []string{"0:0-3"}, 3)
		require.Error(t, err)
		_, err = distributed.NewParallelDesc(distributed.DeviceTypeCPU, map[int64][]int64{0: {1, 1}})
		require.Error(t, err)
		_, err = distributed.ParseParallelDesc("cpu", []string{"0:3-1"})
		require.Error(t, err)
	})

	t.Run("Equal", func(t *testing.T) {
		a, err := distributed.ParseParallelDesc("cpu", []string{"0:0-1"})
		require.NoError(t, err)
		b, err := distributed.NewParallelDesc(distributed.DeviceTypeCPU, map[int64][]int64{0: {1, 0}})
		require.NoError(t, err)
		c, err := distributed.ParseParallelDesc("cuda", []string{"0:0-1"})
		require.NoError(t, err)
		assert.True(t, a.Equal(b))
		assert.False(t, a.Equal(c))
	})
}

func TestPhysicalShape(t *testing.T) {
	logical := shapes.Make(dtypes.Float32, 5, 8)
	pd, err := distributed.ParseParallelDesc("cuda", []string{"0:0-1", "1:0-1"}, 2, 2)
	require.NoError(t, err)

	// Split axis 0 over the first hierarchy axis, axis 1 over the second.
	ndSbp := distributed.NdSbp{distributed.Split(0), distributed.Split(1)}
	want := [][]int{{3, 4}, {3, 4}, {2, 4}, {2, 4}}
	for parallelID, dims := range want {
		physical, err := distributed.PhysicalShape(logical, ndSbp, pd, distributed.ParallelContext{ParallelID: parallelID, ParallelNum: 4})
		require.NoError(t, err)
		assert.Equal(t, dims, physical.Dimensions, "parallel id %d", parallelID)
	}

	// Both hierarchy axes split the same blob axis.
	ndSbp = distributed.NdSbp{distributed.Split(1), distributed.Split(1)}
	physical, err := distributed.PhysicalShape(logical, ndSbp, pd, distributed.ParallelContext{ParallelID: 3, ParallelNum: 4})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 2}, physical.Dimensions)

	// Broadcast keeps the logical shape.
	ndSbp = distributed.NdSbp{distributed.Broadcast(), distributed.PartialSum()}
	physical, err = distributed.PhysicalShape(logical, ndSbp, pd, distributed.ParallelContext{ParallelID: 1, ParallelNum: 4})
	require.NoError(t, err)
	assert.True(t, physical.Equal(logical))

	// Mismatched NdSbp rank.
	_, err = distributed.PhysicalShape(logical, distributed.NdSbp{distributed.Broadcast()}, pd, distributed.ParallelContext{ParallelID: 0, ParallelNum: 4})
	require.Error(t, err)
}

func TestTotalPhysicalElements(t *testing.T) {
	logical := shapes.Make(dtypes.Float32, 5, 8)
	total, err := distributed.TotalPhysicalElements(logical, distributed.Split(0), 3)
	require.NoError(t, err)
	assert.Equal(t, 40, total)
	total, err = distributed.TotalPhysicalElements(logical, distributed.Broadcast(), 3)
	require.NoError(t, err)
	assert.Equal(t, 120, total)

	// Agrees with the sum of the physical shapes, also with more participants than elements.
	for _, parallelNum := range []int{1, 2, 3, 7} {
		sum := 0
		for parallelID := range parallelNum {
			physical, err := distributed.PhysicalShape1D(shapes.Make(dtypes.Float32, 5), distributed.Split(0), parallelNum, parallelID)
			require.NoError(t, err)
			sum += physical.Size()
		}
		total, err = distributed.TotalPhysicalElements(shapes.Make(dtypes.Float32, 5), distributed.Split(0), parallelNum)
		require.NoError(t, err)
		assert.Equal(t, sum, total, "parallelNum=%d", parallelNum)
	}

	// Number of participants out of range returns immediately.
	_, err = distributed.TotalPhysicalElements(logical, distributed.Split(0), 1<<40)
	require.Error(t, err)
	_, err = distributed.TotalPhysicalElements(logical, distributed.Broadcast(), 0)
	require.Error(t, err)

	// Overflow of the broadcast total.
	_, err = distributed.TotalPhysicalElements(shapes.Make(dtypes.Int8, 1<<50), distributed.Broadcast(), 1<<15)
	require.Error(t, err)
	_, err = distributed.TotalPhysicalElements(logical, distributed.Split(2), 2)
	require.Error(t, err)
}

func TestParallelContextValidate(t *testing.T) {
	require.NoError(t, distributed.ParallelContext{ParallelID: 1, ParallelNum: 2}.Validate())
	require.Error(t, distributed.ParallelContext{ParallelID: 2, ParallelNum: 2}.Validate())
	require.Error(t, distributed.ParallelContext{ParallelID: 0, ParallelNum: distributed.MaxParallelNum + 1}.Validate())
}

func TestThrdID(t *testing.T) {
	for _, role := range []distributed.StreamRole{distributed.StreamRoleCompute, distributed.StreamRoleTransport, distributed.StreamRoleBarrier} {
		id, err := distributed.EncodeThrdID(distributed.DeviceTypeCUDA, 3, role)
		require.NoError(t, err)
		deviceType, deviceIndex, gotRole, err := distributed.DecodeThrdID(id)
		require.NoError(t, err)
		assert.Equal(t, distributed.DeviceTypeCUDA, deviceType)
		assert.Equal(t, 3, deviceIndex)
		assert.Equal(t, role, gotRole)
	}
	_, err := distributed.EncodeThrdID(distributed.DeviceTypeCPU, -1, distributed.StreamRoleCompute)
	require.Error(t, err)
	_, _, _, err = distributed.DecodeThrdID(0)
	require.Error(t, err)
}
