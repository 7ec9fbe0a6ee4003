// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"maps"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/pkg/errors"
)

// KernelConf is the configuration handed to the device kernel that executes an operator.
type KernelConf struct {
	OpConf *OpConf

	// DType of the kernel: the dtype of the first output, or of the first input if there are no outputs.
	DType dtypes.DType

	// ParallelCtx is nil for operators that don't depend on the participant.
	ParallelCtx *distributed.ParallelContext

	// OpAttribute is only generated on request, it's not needed by most executors.
	OpAttribute *OpAttribute
}

// OpAttribute holds the result of the inference of an operator: the blob descriptors per bn and the
// in-place reuse maps.
type OpAttribute struct {
	InputBns, OutputBns []string
	BlobDescs           map[string]*blob.Desc
	MutInplaceObn2Ibn   map[string]string
	ConInplaceObn2Ibn   map[string]string
}

// InplaceObn2Ibn holds the in-place reuse maps inferred for an operator, see Operator.InferInplaceObn2Ibn.
type InplaceObn2Ibn struct {
	Mut, Con map[string]string
}

// GenKernelConf generates the kernel configuration of an operator, whose bns are already bound
// to inferred blob descriptors returned by getBlobDesc.
//
// inplace is only used if needOpAttr is set: it holds the maps already inferred for the operator,
// which are copied into the OpAttribute. If nil, they are inferred.
func GenKernelConf(op Operator, getBlobDesc BlobDescGetter, parallelCtx *distributed.ParallelContext, needOpAttr bool, inplace *InplaceObn2Ibn) (*KernelConf, error) {
	kc := &KernelConf{OpConf: op.Conf().Clone(), DType: dtypes.InvalidDType}
	if parallelCtx != nil {
		pc := *parallelCtx
		kc.ParallelCtx = &pc
	}
	for _, bns := range [][]string{op.OutputBns(), op.InputBns()} {
		for _, bn := range bns {
			if desc := getBlobDesc(bn); desc != nil && desc.Shape.DType != dtypes.InvalidDType {
				kc.DType = desc.Shape.DType
				break
			}
		}
		if kc.DType != dtypes.InvalidDType {
			break
		}
	}
	if !needOpAttr {
		return kc, nil
	}

	attr := &OpAttribute{
		InputBns:          op.InputBns(),
		OutputBns:         op.OutputBns(),
		BlobDescs:         make(map[string]*blob.Desc),
		MutInplaceObn2Ibn: make(map[string]string),
		ConInplaceObn2Ibn: make(map[string]string),
	}
	for _, bns := range [][]string{attr.InputBns, attr.OutputBns} {
		for _, bn := range bns {
			desc := getBlobDesc(bn)
			if desc == nil {
				return nil, errors.Errorf("operator %q: bn %q has no blob descriptor", op.Name(), bn)
			}
			attr.BlobDescs[bn] = desc.Clone()
		}
	}
	if inplace != nil {
		maps.Copy(attr.MutInplaceObn2Ibn, inplace.Mut)
		maps.Copy(attr.ConInplaceObn2Ibn, inplace.Con)
	} else if err := op.InferInplaceObn2Ibn(attr.MutInplaceObn2Ibn, attr.ConInplaceObn2Ibn, getBlobDesc, parallelCtx); err != nil {
		return nil, errors.WithMessagef(err, "operator %q: in-place inference", op.Name())
	}
	kc.OpAttribute = attr
	return kc, nil
}
