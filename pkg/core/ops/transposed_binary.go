// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/pkg/errors"
)

func init() {
	Register(OpKindTransposedBinary, newTransposedBinaryOp)
}

// transposedBinaryOp is an element-wise binary operator on two blobs of the same dimensions. The
// output takes the dimensions of "lhs" and the widest of both dtypes.
type transposedBinaryOp struct {
	baseOperator
}

func newTransposedBinaryOp(conf *OpConf) (Operator, error) {
	tb := conf.TransposedBinary
	if tb.Lhs.IsZero() || tb.Rhs.IsZero() {
		return nil, errors.Wrapf(ErrInvalidConf, "transposed binary %q requires lhs and rhs", conf.Name)
	}
	outName := tb.OutName
	if outName == "" {
		outName = "y_0"
	}
	op := &transposedBinaryOp{baseOperator: newBaseOperator(conf, OpKindTransposedBinary)}
	op.enrollInputBn("lhs", tb.Lhs)
	op.enrollInputBn("rhs", tb.Rhs)
	op.enrollOutputBn("y", blob.NewLogicalBlobID(conf.Name, outName))
	return op, nil
}

// InferOutBlobDescs implements Operator.
func (op *transposedBinaryOp) InferOutBlobDescs(getBlobDesc BlobDescGetter, _ *distributed.ParallelContext) error {
	lhs, rhs, y := getBlobDesc("lhs"), getBlobDesc("rhs"), getBlobDesc("y")
	if lhs == nil || rhs == nil || y == nil {
		return errors.Errorf("operator %q: blob descriptors of \"lhs\", \"rhs\" and \"y\" must be bound", op.Name())
	}
	if !lhs.Shape.EqualDimensions(rhs.Shape) {
		return errors.Errorf("operator %q: lhs %s and rhs %s must have the same dimensions",
			op.Name(), lhs.Shape, rhs.Shape)
	}
	y.CopyFrom(lhs)
	if rhs.Shape.DType.Memory() > lhs.Shape.DType.Memory() {
		y.Shape.DType = rhs.Shape.DType
	}
	return nil
}

// InferInplaceObn2Ibn implements Operator: with the inplace attribute, "y" overwrites "lhs".
func (op *transposedBinaryOp) InferInplaceObn2Ibn(mutInplace, _ map[string]string, getBlobDesc BlobDescGetter, _ *distributed.ParallelContext) error {
	if !op.conf.TransposedBinary.Inplace {
		return nil
	}
	lhs, y := getBlobDesc("lhs"), getBlobDesc("y")
	if lhs != nil && y != nil && lhs.Shape.DType != y.Shape.DType {
		// The output can't reuse the storage of an input of a narrower dtype.
		return nil
	}
	mutInplace["y"] = "lhs"
	return nil
}
