// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package blob defines the identity of a blob (a named tensor flowing through the task graph) and its
// buffer-shape descriptor.
package blob

import (
	"fmt"

	"github.com/gomlx/taskflow/pkg/core/shapes"
)

// LogicalBlobID identifies a blob across the whole (logical) job: the operator that produces it and
// the name of the output within that operator.
type LogicalBlobID struct {
	OpName   string
	BlobName string
}

// NewLogicalBlobID returns the LogicalBlobID for the given operator output.
func NewLogicalBlobID(opName, blobName string) LogicalBlobID {
	return LogicalBlobID{OpName: opName, BlobName: blobName}
}

// IsZero returns whether the id was never set.
func (id LogicalBlobID) IsZero() bool {
	return id.OpName == "" && id.BlobName == ""
}

// String implements fmt.Stringer.
func (id LogicalBlobID) String() string {
	return id.OpName + "/" + id.BlobName
}

// Desc describes the buffer of one blob: its shape (which includes the dtype) and whether the
// shape is only an upper bound of the actual (dynamic) shape.
type Desc struct {
	Shape     shapes.Shape
	IsDynamic bool
}

// NewDesc creates a Desc for the given shape.
func NewDesc(shape shapes.Shape) *Desc {
	return &Desc{Shape: shape.Clone()}
}

// Clone returns a deep copy of the descriptor.
func (d *Desc) Clone() *Desc {
	if d == nil {
		return nil
	}
	return &Desc{Shape: d.Shape.Clone(), IsDynamic: d.IsDynamic}
}

// CopyFrom overwrites d with the contents of other, the equivalent of an assignment.
func (d *Desc) CopyFrom(other *Desc) {
	d.Shape = other.Shape.Clone()
	d.IsDynamic = other.IsDynamic
}

// Equal returns whether both descriptors describe the same buffer.
func (d *Desc) Equal(other *Desc) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.IsDynamic == other.IsDynamic && d.Shape.Equal(other.Shape)
}

// ByteSize is the number of bytes needed to hold the blob.
func (d *Desc) ByteSize() uintptr {
	return d.Shape.Memory()
}

// String implements fmt.Stringer.
func (d *Desc) String() string {
	if d == nil {
		return "BlobDesc<nil>"
	}
	if d.IsDynamic {
		return fmt.Sprintf("BlobDesc{%s, dynamic}", d.Shape)
	}
	return fmt.Sprintf("BlobDesc{%s}", d.Shape)
}
