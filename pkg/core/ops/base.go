// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/distributed"
)

// baseOperator implements the bookkeeping common to all operators: the conf and the enrolled bns.
// Operators embed it and implement InferOutBlobDescs.
type baseOperator struct {
	conf      *OpConf
	kind      OpKind
	inputBns  []string
	outputBns []string
	bnToLbi   map[string]blob.LogicalBlobID
}

func newBaseOperator(conf *OpConf, kind OpKind) baseOperator {
	return baseOperator{conf: conf, kind: kind, bnToLbi: make(map[string]blob.LogicalBlobID)}
}

func (op *baseOperator) enrollInputBn(bn string, lbi blob.LogicalBlobID) {
	op.inputBns = append(op.inputBns, bn)
	op.bnToLbi[bn] = lbi
}

func (op *baseOperator) enrollOutputBn(bn string, lbi blob.LogicalBlobID) {
	op.outputBns = append(op.outputBns, bn)
	op.bnToLbi[bn] = lbi
}

// Conf implements Operator.
func (op *baseOperator) Conf() *OpConf { return op.conf }

// Name implements Operator.
func (op *baseOperator) Name() string { return op.conf.Name }

// Kind implements Operator.
func (op *baseOperator) Kind() OpKind { return op.kind }

// InputBns implements Operator.
func (op *baseOperator) InputBns() []string { return slices.Clone(op.inputBns) }

// OutputBns implements Operator.
func (op *baseOperator) OutputBns() []string { return slices.Clone(op.outputBns) }

// BnInOp2Lbi implements Operator. It panics for an unknown bn, which is a bug in the caller.
func (op *baseOperator) BnInOp2Lbi(bn string) blob.LogicalBlobID {
	lbi, found := op.bnToLbi[bn]
	if !found {
		exceptions.Panicf("operator %q has no bn %q", op.conf.Name, bn)
	}
	return lbi
}

// InferInplaceObn2Ibn implements Operator: by default there is no in-place reuse.
func (op *baseOperator) InferInplaceObn2Ibn(_, _ map[string]string, _ BlobDescGetter, _ *distributed.ParallelContext) error {
	return nil
}
