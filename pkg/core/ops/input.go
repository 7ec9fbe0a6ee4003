// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/pkg/errors"
)

func init() {
	Register(OpKindInput, newInputOp)
}

// inputOp has no inputs: its only output "out" has the shape given in the conf.
type inputOp struct {
	baseOperator
}

func newInputOp(conf *OpConf) (Operator, error) {
	if !conf.Input.Shape.Ok() {
		return nil, errors.Wrapf(ErrInvalidConf, "input %q requires a shape", conf.Name)
	}
	outName := conf.Input.OutName
	if outName == "" {
		outName = "out"
	}
	op := &inputOp{baseOperator: newBaseOperator(conf, OpKindInput)}
	op.enrollOutputBn("out", blob.NewLogicalBlobID(conf.Name, outName))
	return op, nil
}

// InferOutBlobDescs implements Operator.
func (op *inputOp) InferOutBlobDescs(getBlobDesc BlobDescGetter, _ *distributed.ParallelContext) error {
	out := getBlobDesc("out")
	if out == nil {
		return errors.Errorf("operator %q: blob descriptor of \"out\" must be bound", op.Name())
	}
	out.Shape = op.conf.Input.Shape.Clone()
	out.IsDynamic = op.conf.Input.IsDynamic
	return nil
}
