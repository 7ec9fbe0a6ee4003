// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/pkg/errors"
)

func init() {
	Register(OpKindCollectiveBoxingPack, newCollectiveBoxingPackOp)
	Register(OpKindCollectiveBoxingUnpack, newCollectiveBoxingUnpackOp)
}

// validateCollectiveBoxingConf checks the fields shared by pack and unpack.
func validateCollectiveBoxingConf(conf *CollectiveBoxingConf) error {
	if conf.Lbi.IsZero() {
		return errors.Wrap(ErrInvalidConf, "collective boxing conf has no lbi")
	}
	if !conf.LogicalShape.Ok() {
		return errors.Wrapf(ErrInvalidConf, "collective boxing of %s has an invalid logical shape", conf.Lbi)
	}
	if conf.NumRanks < 1 || conf.NumRanks > distributed.MaxParallelNum {
		return errors.Wrapf(ErrInvalidConf, "collective boxing of %s has %d ranks, it must be in [1, %d]",
			conf.Lbi, conf.NumRanks, distributed.MaxParallelNum)
	}
	if err := conf.SrcSbp.Validate(conf.LogicalShape.Rank()); err != nil {
		return errors.Wrapf(ErrInvalidConf, "collective boxing of %s, source sbp: %v", conf.Lbi, err)
	}
	if err := conf.DstSbp.Validate(conf.LogicalShape.Rank()); err != nil {
		return errors.Wrapf(ErrInvalidConf, "collective boxing of %s, destination sbp: %v", conf.Lbi, err)
	}
	return nil
}

// collectiveBoxingPackOp flattens the physical blob into the transport buffer used by the collective
// communication. Its single input "in" and output "out" refer to the same logical blob.
type collectiveBoxingPackOp struct {
	baseOperator
}

func newCollectiveBoxingPackOp(conf *OpConf) (Operator, error) {
	if err := validateCollectiveBoxingConf(conf.CollectiveBoxingPack); err != nil {
		return nil, err
	}
	op := &collectiveBoxingPackOp{baseOperator: newBaseOperator(conf, OpKindCollectiveBoxingPack)}
	lbi := conf.CollectiveBoxingPack.Lbi
	op.enrollInputBn("in", lbi)
	op.enrollOutputBn("out", lbi)
	return op, nil
}

// InferOutBlobDescs implements Operator: out is a copy of in with the 1D shape [in.Size()].
func (op *collectiveBoxingPackOp) InferOutBlobDescs(getBlobDesc BlobDescGetter, _ *distributed.ParallelContext) error {
	in, out := getBlobDesc("in"), getBlobDesc("out")
	if in == nil || out == nil {
		return errors.Errorf("operator %q: blob descriptors of \"in\" and \"out\" must be bound", op.Name())
	}
	if !in.Shape.Ok() {
		return errors.Errorf("operator %q: input \"in\" has no shape", op.Name())
	}
	out.CopyFrom(in)
	out.Shape = in.Shape.Flat()
	return nil
}

// collectiveBoxingUnpackOp is the inverse of the pack: it takes the flat transport buffer received by
// the collective and produces the physical blob under the destination partitioning.
type collectiveBoxingUnpackOp struct {
	baseOperator
}

func newCollectiveBoxingUnpackOp(conf *OpConf) (Operator, error) {
	if err := validateCollectiveBoxingConf(conf.CollectiveBoxingUnpack); err != nil {
		return nil, err
	}
	op := &collectiveBoxingUnpackOp{baseOperator: newBaseOperator(conf, OpKindCollectiveBoxingUnpack)}
	lbi := conf.CollectiveBoxingUnpack.Lbi
	op.enrollInputBn("in", lbi)
	op.enrollOutputBn("out", lbi)
	return op, nil
}

// InferOutBlobDescs implements Operator. It requires the parallel context, to know which slice of
// the logical blob this participant holds.
func (op *collectiveBoxingUnpackOp) InferOutBlobDescs(getBlobDesc BlobDescGetter, parallelCtx *distributed.ParallelContext) error {
	in, out := getBlobDesc("in"), getBlobDesc("out")
	if in == nil || out == nil {
		return errors.Errorf("operator %q: blob descriptors of \"in\" and \"out\" must be bound", op.Name())
	}
	if parallelCtx == nil {
		return errors.Errorf("operator %q: unpack requires a parallel context", op.Name())
	}
	conf := op.conf.CollectiveBoxingUnpack
	if parallelCtx.ParallelNum != conf.NumRanks {
		return errors.Errorf("operator %q: parallel context has %d participants, but the boxing has %d ranks",
			op.Name(), parallelCtx.ParallelNum, conf.NumRanks)
	}
	if in.Shape.Rank() != 1 {
		return errors.Errorf("operator %q: input \"in\" must be a flat buffer, got shape %s", op.Name(), in.Shape)
	}
	physical, err := distributed.PhysicalShape1D(conf.LogicalShape, conf.DstSbp, conf.NumRanks, parallelCtx.ParallelID)
	if err != nil {
		return errors.WithMessagef(err, "operator %q", op.Name())
	}
	out.CopyFrom(in)
	out.Shape = physical
	out.Shape.DType = in.Shape.DType
	return nil
}
