// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package execgraph

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/gomlx/taskflow/pkg/core/ops"
	"github.com/gomlx/taskflow/pkg/core/regst"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Node binds one operator to the registers holding its inputs and outputs.
//
// Every bn of the operator must be bound before InferBlobDescs, and a bn is bound at most once.
type Node struct {
	graph *Graph
	id    int
	op    ops.Operator

	bnInOp2Regst map[string]*regst.Desc

	mutInplaceObn2Ibn, conInplaceObn2Ibn map[string]string

	inputs, outputs []*Node
}

// ID of the node, its position of creation in the graph.
func (n *Node) ID() int { return n.id }

// Op returns the operator of the node.
func (n *Node) Op() ops.Operator { return n.op }

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("ExecNode#%d(%s %q)", n.id, n.op.Kind(), n.op.Name())
}

// BindBnWithRegst binds the bn to the register. It fails with ErrDuplicateBinding if the bn is already bound.
func (n *Node) BindBnWithRegst(bn string, r *regst.Desc) error {
	if r == nil {
		return errors.Wrapf(ErrBinding, "%s: binding bn %q to a nil register", n, bn)
	}
	if prev, found := n.bnInOp2Regst[bn]; found {
		return errors.Wrapf(ErrDuplicateBinding, "%s: bn %q is already bound to register %d, can't bind it to %d",
			n, bn, prev.ID(), r.ID())
	}
	n.bnInOp2Regst[bn] = r
	return nil
}

// BindBnsWithRegst binds all bns returned by bnsGetter (e.g. ops.Operator.InputBns) to the same register.
// It stops at the first error.
func (n *Node) BindBnsWithRegst(bnsGetter ops.BnsGetter, r *regst.Desc) error {
	for _, bn := range bnsGetter(n.op) {
		if err := n.BindBnWithRegst(bn, r); err != nil {
			return err
		}
	}
	return nil
}

// AddBnToRegstAndBindIt adds the logical blob of each bn returned by bnsGetter to the register, and then
// binds the bns to it.
func (n *Node) AddBnToRegstAndBindIt(bnsGetter ops.BnsGetter, r *regst.Desc) error {
	if r == nil {
		return errors.Wrapf(ErrBinding, "%s: adding bns to a nil register", n)
	}
	for _, bn := range bnsGetter(n.op) {
		r.AddLbi(n.op.BnInOp2Lbi(bn))
	}
	return n.BindBnsWithRegst(bnsGetter, r)
}

// TryBindBnWithOneOfTheRegsts binds bn to the first of the candidate registers that already holds the
// logical blob of bn. It returns false, and binds nothing, if none does.
func (n *Node) TryBindBnWithOneOfTheRegsts(bn string, candidates []*regst.Desc) (bool, error) {
	lbi := n.op.BnInOp2Lbi(bn)
	for _, r := range candidates {
		if r == nil || r.GetBlobDesc(lbi) == nil {
			continue
		}
		if err := n.BindBnWithRegst(bn, r); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// BindBnWithOneOfTheRegsts is like TryBindBnWithOneOfTheRegsts, but not finding a register holding
// the blob is an ErrBinding error.
func (n *Node) BindBnWithOneOfTheRegsts(bn string, candidates []*regst.Desc) error {
	found, err := n.TryBindBnWithOneOfTheRegsts(bn, candidates)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrBinding, "%s: none of the %d candidate registers holds blob %s of bn %q",
			n, len(candidates), n.op.BnInOp2Lbi(bn), bn)
	}
	return nil
}

// UnbindBnWithEmptyRegst removes the bindings to data registers without any blob.
func (n *Node) UnbindBnWithEmptyRegst() {
	maps.DeleteFunc(n.bnInOp2Regst, func(bn string, r *regst.Desc) bool {
		if r.IsEmptyData() {
			klog.V(2).Infof("%s: unbinding bn %q from empty register %d", n, bn, r.ID())
			return true
		}
		return false
	})
}

// RegstForBn returns the register bound to bn, or nil.
func (n *Node) RegstForBn(bn string) *regst.Desc { return n.bnInOp2Regst[bn] }

// BoundBns returns the sorted bound bns.
func (n *Node) BoundBns() []string {
	return slices.Sorted(maps.Keys(n.bnInOp2Regst))
}

// MutInplaceObn2Ibn returns the outputs that overwrite an input, as inferred by InferBlobDescs.
func (n *Node) MutInplaceObn2Ibn() map[string]string { return maps.Clone(n.mutInplaceObn2Ibn) }

// ConInplaceObn2Ibn returns the outputs that are read-only aliases of an input, as inferred by InferBlobDescs.
func (n *Node) ConInplaceObn2Ibn() map[string]string { return maps.Clone(n.conInplaceObn2Ibn) }

// blobDescGetter returns the mutable blob descriptor of a bn, resolved through its bound register.
// Unbound bns return nil.
func (n *Node) blobDescGetter() ops.BlobDescGetter {
	return func(bn string) *blob.Desc {
		r, found := n.bnInOp2Regst[bn]
		if !found {
			return nil
		}
		return r.MutBlobDesc(n.op.BnInOp2Lbi(bn))
	}
}

// OpNodeInfo holds the logical view of an operator, used to check the physical blob descriptors of an
// ExecNode.
type OpNodeInfo struct {
	// ParallelDesc is the placement of the operator.
	ParallelDesc *distributed.ParallelDesc

	// BnParallelDescs holds the placement of bns that are not placed like the operator.
	BnParallelDescs map[string]*distributed.ParallelDesc

	// LogicalBlobDescs per bn.
	LogicalBlobDescs map[string]*blob.Desc

	// NdSbpSignature holds the partitioning of each bn.
	NdSbpSignature map[string]distributed.NdSbp
}

func (info *OpNodeInfo) parallelDescForBn(bn string) *distributed.ParallelDesc {
	if pd, found := info.BnParallelDescs[bn]; found {
		return pd
	}
	return info.ParallelDesc
}

// checkPhysicalBlobDescs verifies that the physical shape of each bound bn placed like the operator is
// the one given by its partitioning of the logical shape.
func (n *Node) checkPhysicalBlobDescs(info *OpNodeInfo, bns []string, parallelCtx *distributed.ParallelContext) error {
	getBlobDesc := n.blobDescGetter()
	for _, bn := range bns {
		physical := getBlobDesc(bn)
		if physical == nil {
			continue
		}
		if !info.parallelDescForBn(bn).Equal(info.ParallelDesc) {
			continue
		}
		logical, found := info.LogicalBlobDescs[bn]
		if !found {
			return errors.Wrapf(ErrInference, "%s: no logical blob descriptor for bn %q", n, bn)
		}
		ndSbp, found := info.NdSbpSignature[bn]
		if !found {
			return errors.Wrapf(ErrInference, "%s: no partitioning for bn %q", n, bn)
		}
		want, err := distributed.PhysicalShape(logical.Shape, ndSbp, info.ParallelDesc, *parallelCtx)
		if err != nil {
			return errors.Wrapf(ErrInference, "%s: bn %q: %v", n, bn, err)
		}
		if !want.EqualDimensions(physical.Shape) {
			return errors.Wrapf(ErrInference, "%s: check physical shape failed for bn %q: got %s, but logical %s under %s gives %s",
				n, bn, physical.Shape, logical.Shape, ndSbp, want)
		}
	}
	return nil
}

// InferBlobDescs infers the blob descriptors of the outputs of the operator, writing them in the bound
// registers, and the in-place reuse opportunities.
//
// If opNode is given, the physical descriptors of the inputs and outputs are checked against their
// logical descriptors and partitioning, which requires parallelCtx. opNode is nil for operators that
// only exist in the physical graph.
func (n *Node) InferBlobDescs(opNode *OpNodeInfo, parallelCtx *distributed.ParallelContext) error {
	for _, bns := range [][]string{n.op.InputBns(), n.op.OutputBns()} {
		for _, bn := range bns {
			if _, found := n.bnInOp2Regst[bn]; !found {
				return errors.Wrapf(ErrBinding, "%s: bn %q is not bound to any register", n, bn)
			}
		}
	}
	if opNode != nil {
		if parallelCtx == nil {
			return errors.Wrapf(ErrInference, "%s: checking physical shapes requires a parallel context", n)
		}
		if opNode.ParallelDesc == nil {
			return errors.Wrapf(ErrInference, "%s: op node has no placement", n)
		}
		if err := n.checkPhysicalBlobDescs(opNode, n.op.InputBns(), parallelCtx); err != nil {
			return err
		}
	}
	getBlobDesc := n.blobDescGetter()
	if err := n.op.InferOutBlobDescs(getBlobDesc, parallelCtx); err != nil {
		return errors.Wrapf(ErrInference, "infer blob descs failed, op name %q: %v", n.op.Name(), err)
	}
	if opNode != nil {
		if err := n.checkPhysicalBlobDescs(opNode, n.op.OutputBns(), parallelCtx); err != nil {
			return err
		}
	}
	mutInplace, conInplace := make(map[string]string), make(map[string]string)
	if err := n.op.InferInplaceObn2Ibn(mutInplace, conInplace, getBlobDesc, parallelCtx); err != nil {
		return errors.Wrapf(ErrInference, "infer inplace obn to ibn failed, op name %q: %v", n.op.Name(), err)
	}
	n.mutInplaceObn2Ibn, n.conInplaceObn2Ibn = mutInplace, conInplace
	if klog.V(2).Enabled() {
		for _, bn := range n.op.OutputBns() {
			klog.Infof("%s: %s -> %s", n, bn, getBlobDesc(bn))
		}
	}
	return nil
}

// ExecNodeProto is one entry of an ExecSequence.
type ExecNodeProto struct {
	KernelConf         *ops.KernelConf
	BnInOp2RegstDescID map[string]int64
}

// ToProto generates the kernel configuration of the node and the map from its bns to register ids.
// The in-place maps of the operator attribute are the ones found by InferBlobDescs, if it was called.
func (n *Node) ToProto(parallelCtx *distributed.ParallelContext, needOpAttr bool) (*ExecNodeProto, error) {
	getBlobDesc := func(bn string) *blob.Desc {
		r, found := n.bnInOp2Regst[bn]
		if !found {
			return nil
		}
		return r.GetBlobDesc(n.op.BnInOp2Lbi(bn))
	}
	var inplace *ops.InplaceObn2Ibn
	if n.mutInplaceObn2Ibn != nil {
		inplace = &ops.InplaceObn2Ibn{Mut: n.mutInplaceObn2Ibn, Con: n.conInplaceObn2Ibn}
	}
	kc, err := ops.GenKernelConf(n.op, getBlobDesc, parallelCtx, needOpAttr, inplace)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", n)
	}
	proto := &ExecNodeProto{KernelConf: kc, BnInOp2RegstDescID: make(map[string]int64, len(n.bnInOp2Regst))}
	for bn, r := range n.bnInOp2Regst {
		proto.BnInOp2RegstDescID[bn] = r.ID()
	}
	return proto, nil
}
