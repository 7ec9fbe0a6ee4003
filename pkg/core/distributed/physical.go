// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"math"

	"github.com/gomlx/taskflow/pkg/core/shapes"
	"github.com/pkg/errors"
)

// PhysicalShape returns the shape of the part of a blob, with the given logical shape and partitioning,
// held by the participant parallelCtx.ParallelID of the placement.
//
// Splits are applied hierarchy axis by hierarchy axis: a split of an already split blob axis splits
// the remaining slice. Broadcast and partial-sum keep the shape.
func PhysicalShape(logical shapes.Shape, ndSbp NdSbp, parallelDesc *ParallelDesc, parallelCtx ParallelContext) (shapes.Shape, error) {
	if len(ndSbp) != len(parallelDesc.hierarchy) {
		return shapes.Invalid(), errors.Errorf("NdSbp %s has %d axes, but the hierarchy %v of the placement has %d",
			ndSbp, len(ndSbp), parallelDesc.hierarchy, len(parallelDesc.hierarchy))
	}
	if err := parallelCtx.Validate(); err != nil {
		return shapes.Invalid(), err
	}
	if parallelCtx.ParallelNum != parallelDesc.parallelNum {
		return shapes.Invalid(), errors.Errorf("ParallelContext has %d participants, but %s has %d",
			parallelCtx.ParallelNum, parallelDesc, parallelDesc.parallelNum)
	}
	if err := ndSbp.Validate(logical.Rank()); err != nil {
		return shapes.Invalid(), err
	}
	physical := logical.Clone()
	index := parallelDesc.HierarchyIndex(parallelCtx.ParallelID)
	for hierarchyAxis, sbp := range ndSbp {
		if !sbp.IsSplit() {
			continue
		}
		splitter, err := NewBalancedSplitter(physical.Dimensions[sbp.Axis], parallelDesc.hierarchy[hierarchyAxis])
		if err != nil {
			return shapes.Invalid(), err
		}
		physical.Dimensions[sbp.Axis] = splitter.At(index[hierarchyAxis]).Size()
	}
	return physical, nil
}

// PhysicalShape1D is PhysicalShape for a 1D hierarchy of parallelNum participants.
func PhysicalShape1D(logical shapes.Shape, sbp SbpParallel, parallelNum, parallelID int) (shapes.Shape, error) {
	if err := sbp.Validate(logical.Rank()); err != nil {
		return shapes.Invalid(), err
	}
	if err := (ParallelContext{ParallelID: parallelID, ParallelNum: parallelNum}).Validate(); err != nil {
		return shapes.Invalid(), err
	}
	physical := logical.Clone()
	if sbp.IsSplit() {
		splitter, err := NewBalancedSplitter(physical.Dimensions[sbp.Axis], parallelNum)
		if err != nil {
			return shapes.Invalid(), err
		}
		physical.Dimensions[sbp.Axis] = splitter.At(parallelID).Size()
	}
	return physical, nil
}

// TotalPhysicalElements is the sum of the number of elements held by all participants, for a 1D
// hierarchy. It equals the logical number of elements for a split, and parallelNum times it for a
// broadcast or partial-sum. It returns an error if the total overflows an int.
func TotalPhysicalElements(logical shapes.Shape, sbp SbpParallel, parallelNum int) (int, error) {
	if err := sbp.Validate(logical.Rank()); err != nil {
		return 0, err
	}
	if parallelNum <= 0 || parallelNum > MaxParallelNum {
		return 0, errors.Errorf("invalid number of participants %d, it must be in [1, %d]", parallelNum, MaxParallelNum)
	}
	size := logical.Size()
	if sbp.IsSplit() || size == 0 {
		return size, nil
	}
	if size > math.MaxInt/parallelNum {
		return 0, errors.Errorf("%d participants holding %s: number of elements overflows", parallelNum, logical)
	}
	return size * parallelNum, nil
}
