// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the description of the dimensions and element type of a tensor (blob)
// as it flows through the task graph.
//
// A Shape is used both for the logical (unpartitioned) view of a blob and for its physical view, the
// part of it that lives on one device after partitioning. See package distributed for the conversion
// from one to the other.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a blob.
//   - Axis: the index of a dimension. We try to refer to a dimension index as "axis" (plural axes),
//     and to its size as its dimension.
//   - DType: the data type of the unit element, defined in github.com/gomlx/gopjrt/dtypes.
//   - Scalar: a shape with no axes, only a single value of the associated DType.
//
// Shapes with an InvalidDType but with dimensions are allowed: they are used for "time shapes", the
// iteration space of a register, which has no element type. Create them with Dims.
package shapes

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape represents the shape of a blob: its element type and dimensions.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// It panics if any of the dimensions is negative, or if the number of elements or bytes overflows
// an int: that is a bug in the caller. Use FromDims to validate dimensions coming from outside the
// process.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	if err := s.checkDimensions(); err != nil {
		exceptions.Panicf("shapes.Make(%s): %v", s, err)
	}
	return s
}

// FromDims is like Make, but returns an error instead of panicking for invalid dimensions.
// Dimensions are given as int64, as they are stored in the transport messages.
func FromDims(dtype dtypes.DType, dimensions []int64) (Shape, error) {
	s := Shape{DType: dtype, Dimensions: make([]int, len(dimensions))}
	for axis, dim := range dimensions {
		if dim < 0 || dim > math.MaxInt {
			return Shape{}, errors.Errorf("invalid dimension %d for axis #%d", dim, axis)
		}
		s.Dimensions[axis] = int(dim)
	}
	if err := s.checkDimensions(); err != nil {
		return Shape{}, err
	}
	return s, nil
}

// checkDimensions returns an error for negative dimensions, or if the number of elements or the
// number of bytes don't fit an int.
func (s Shape) checkDimensions() error {
	for axis, dim := range s.Dimensions {
		if dim < 0 {
			return errors.Errorf("cannot create a shape with an axis with dimension < 0 (axis #%d)", axis)
		}
	}
	if slices.Contains(s.Dimensions, 0) {
		return nil
	}
	size := 1
	for _, dim := range s.Dimensions {
		if size > math.MaxInt/dim {
			return errors.Errorf("number of elements of dimensions %v overflows", s.Dimensions)
		}
		size *= dim
	}
	if s.DType != dtypes.InvalidDType {
		if elementSize := int(s.DType.Memory()); elementSize > 0 && size > math.MaxInt/elementSize {
			return errors.Errorf("number of bytes of %s%v overflows", s.DType, s.Dimensions)
		}
	}
	return nil
}

// Dims returns a shape without a dtype, used for time shapes.
func Dims(dimensions ...int) Shape {
	return Make(dtypes.InvalidDType, dimensions...)
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape: it has a dtype or it is a time shape with at least one axis.
// A "zero" shape, that is just instantiating it with Shape{}, is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType || len(s.Dimensions) > 0 }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.DType == dtypes.InvalidDType {
		return fmt.Sprintf("%v", s.Dimensions)
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
func (s Shape) Memory() uintptr {
	if s.DType == dtypes.InvalidDType {
		return 0
	}
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return s.EqualDimensions(s2)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	if s.Rank() != s2.Rank() {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// Flat returns the 1D shape with the same number of elements and dtype.
func (s Shape) Flat() Shape {
	return Shape{DType: s.DType, Dimensions: []int{s.Size()}}
}

// Int64Dims returns the dimensions as int64, the representation used by transport messages.
func (s Shape) Int64Dims() []int64 {
	dims := make([]int64, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		dims[ii] = int64(dim)
	}
	return dims
}
