// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/pkg/errors"
)

func init() {
	Register(OpKindIdentity, newIdentityOp)
}

// identityOp forwards its input. The output is a read-only alias of the input.
type identityOp struct {
	baseOperator
}

func newIdentityOp(conf *OpConf) (Operator, error) {
	if conf.Identity.In.IsZero() {
		return nil, errors.Wrapf(ErrInvalidConf, "identity %q requires an input", conf.Name)
	}
	outName := conf.Identity.OutName
	if outName == "" {
		outName = "out"
	}
	op := &identityOp{baseOperator: newBaseOperator(conf, OpKindIdentity)}
	op.enrollInputBn("in", conf.Identity.In)
	op.enrollOutputBn("out", blob.NewLogicalBlobID(conf.Name, outName))
	return op, nil
}

// InferOutBlobDescs implements Operator.
func (op *identityOp) InferOutBlobDescs(getBlobDesc BlobDescGetter, _ *distributed.ParallelContext) error {
	in, out := getBlobDesc("in"), getBlobDesc("out")
	if in == nil || out == nil {
		return errors.Errorf("operator %q: blob descriptors of \"in\" and \"out\" must be bound", op.Name())
	}
	out.CopyFrom(in)
	return nil
}

// InferInplaceObn2Ibn implements Operator.
func (op *identityOp) InferInplaceObn2Ibn(_, conInplace map[string]string, _ BlobDescGetter, _ *distributed.ParallelContext) error {
	conInplace["out"] = "in"
	return nil
}
