// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops defines the device-operation interface consumed by the exec graph: an Operator declares
// its named inputs and outputs ("bns", blob names in op), maps them to logical blobs, infers output
// blob descriptors from input ones, and declares in-place reuse opportunities.
//
// Operators are constructed from an OpConf by Construct, using the constructors registered for each
// OpKind with Register.
package ops

import (
	"sync"

	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/distributed"
	"github.com/gomlx/taskflow/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ErrInvalidConf is returned (wrapped) when an OpConf cannot be turned into an Operator.
var ErrInvalidConf = errors.New("invalid operator conf")

// OpKind enumerates the operators known by the scheduling core.
type OpKind int

const (
	OpKindInvalid OpKind = iota
	OpKindCollectiveBoxingPack
	OpKindCollectiveBoxingUnpack
	OpKindTransposedBinary
	OpKindIdentity
	OpKindInput

	// OpKindLast is not a valid kind, it's used for iteration.
	OpKindLast
)

// String implements fmt.Stringer.
func (k OpKind) String() string {
	switch k {
	case OpKindCollectiveBoxingPack:
		return "collective_boxing_pack"
	case OpKindCollectiveBoxingUnpack:
		return "collective_boxing_unpack"
	case OpKindTransposedBinary:
		return "transposed_binary"
	case OpKindIdentity:
		return "identity"
	case OpKindInput:
		return "input"
	default:
		return "invalid"
	}
}

// OpConf configures an operator. Exactly one of the kind-specific confs must be set.
type OpConf struct {
	Name      string
	DeviceTag string

	CollectiveBoxingPack   *CollectiveBoxingConf
	CollectiveBoxingUnpack *CollectiveBoxingConf
	TransposedBinary       *TransposedBinaryConf
	Identity               *IdentityConf
	Input                  *InputConf
}

// CollectiveBoxingConf configures the pack and unpack operators that surround a collective boxing
// (data redistribution) of the blob Lbi from SrcSbp to DstSbp among NumRanks participants.
type CollectiveBoxingConf struct {
	Lbi          blob.LogicalBlobID
	LogicalShape shapes.Shape
	SrcSbp       distributed.SbpParallel
	DstSbp       distributed.SbpParallel
	NumRanks     int
}

// Clone returns a deep copy.
func (c *CollectiveBoxingConf) Clone() *CollectiveBoxingConf {
	if c == nil {
		return nil
	}
	clone := *c
	clone.LogicalShape = c.LogicalShape.Clone()
	return &clone
}

// TransposedBinaryConf configures a binary element-wise operator over two blobs of the same
// dimensions, whose output may reuse the storage of the left-hand side.
type TransposedBinaryConf struct {
	Lhs, Rhs blob.LogicalBlobID
	OutName  string
	Inplace  bool
}

// IdentityConf configures the identity operator.
type IdentityConf struct {
	In      blob.LogicalBlobID
	OutName string
}

// InputConf configures an operator without inputs, whose output is fed from outside the graph.
type InputConf struct {
	Shape     shapes.Shape
	IsDynamic bool
	OutName   string
}

// Kind returns the kind of operator configured, or an error if not exactly one conf is set.
func (c *OpConf) Kind() (OpKind, error) {
	kind := OpKindInvalid
	count := 0
	if c.CollectiveBoxingPack != nil {
		kind, count = OpKindCollectiveBoxingPack, count+1
	}
	if c.CollectiveBoxingUnpack != nil {
		kind, count = OpKindCollectiveBoxingUnpack, count+1
	}
	if c.TransposedBinary != nil {
		kind, count = OpKindTransposedBinary, count+1
	}
	if c.Identity != nil {
		kind, count = OpKindIdentity, count+1
	}
	if c.Input != nil {
		kind, count = OpKindInput, count+1
	}
	if count != 1 {
		return OpKindInvalid, errors.Wrapf(ErrInvalidConf, "operator %q must have exactly one kind conf set, got %d", c.Name, count)
	}
	return kind, nil
}

// Clone returns a deep copy of the conf.
func (c *OpConf) Clone() *OpConf {
	clone := &OpConf{
		Name:                   c.Name,
		DeviceTag:              c.DeviceTag,
		CollectiveBoxingPack:   c.CollectiveBoxingPack.Clone(),
		CollectiveBoxingUnpack: c.CollectiveBoxingUnpack.Clone(),
	}
	if c.TransposedBinary != nil {
		tb := *c.TransposedBinary
		clone.TransposedBinary = &tb
	}
	if c.Identity != nil {
		id := *c.Identity
		clone.Identity = &id
	}
	if c.Input != nil {
		input := *c.Input
		input.Shape = c.Input.Shape.Clone()
		clone.Input = &input
	}
	return clone
}

// BlobDescGetter returns the (mutable) blob descriptor bound to a bn, or nil if the bn is not bound.
type BlobDescGetter func(bn string) *blob.Desc

// Operator is a device operation instance.
type Operator interface {
	// Conf returns the conf the operator was constructed from. It must not be modified.
	Conf() *OpConf

	// Name of the operator instance.
	Name() string

	// Kind of the operator.
	Kind() OpKind

	// InputBns returns the names of the inputs, in order.
	InputBns() []string

	// OutputBns returns the names of the outputs, in order.
	OutputBns() []string

	// BnInOp2Lbi returns the logical blob of an input or output.
	BnInOp2Lbi(bn string) blob.LogicalBlobID

	// InferOutBlobDescs fills the descriptors of the outputs from those of the inputs.
	// parallelCtx may be nil for operators that don't depend on it.
	InferOutBlobDescs(getBlobDesc BlobDescGetter, parallelCtx *distributed.ParallelContext) error

	// InferInplaceObn2Ibn declares the outputs that may reuse the storage of an input: mutInplace for
	// outputs that write over the input, conInplace for read-only aliases.
	InferInplaceObn2Ibn(mutInplace, conInplace map[string]string, getBlobDesc BlobDescGetter,
		parallelCtx *distributed.ParallelContext) error
}

// BnsGetter selects a class of bns of an operator, e.g. Operator.InputBns.
type BnsGetter func(op Operator) []string

// Constructor creates an Operator from its conf. The conf is owned by the operator after the call.
type Constructor func(conf *OpConf) (Operator, error)

var (
	muConstructors sync.RWMutex
	constructors   = make(map[OpKind]Constructor)
)

// Register the constructor for the given kind of operator. Usually called from an init() function.
func Register(kind OpKind, constructor Constructor) {
	muConstructors.Lock()
	defer muConstructors.Unlock()
	constructors[kind] = constructor
}

// Construct the operator configured by conf. The conf is cloned.
func Construct(conf *OpConf) (Operator, error) {
	if conf == nil {
		return nil, errors.Wrap(ErrInvalidConf, "nil operator conf")
	}
	if conf.Name == "" {
		return nil, errors.Wrap(ErrInvalidConf, "operator conf has no name")
	}
	kind, err := conf.Kind()
	if err != nil {
		return nil, err
	}
	muConstructors.RLock()
	constructor, found := constructors[kind]
	muConstructors.RUnlock()
	if !found {
		return nil, errors.Wrapf(ErrInvalidConf, "no operator registered for kind %s", kind)
	}
	op, err := constructor(conf.Clone())
	if err != nil {
		return nil, errors.WithMessagef(err, "while constructing operator %q (%s)", conf.Name, kind)
	}
	return op, nil
}

// SoleIbn returns the only input bn of the operator, or an error if it doesn't have exactly one.
func SoleIbn(op Operator) (string, error) {
	bns := op.InputBns()
	if len(bns) != 1 {
		return "", errors.Errorf("operator %q has %d inputs, expected exactly one", op.Name(), len(bns))
	}
	return bns[0], nil
}

// SoleObn returns the only output bn of the operator, or an error if it doesn't have exactly one.
func SoleObn(op Operator) (string, error) {
	bns := op.OutputBns()
	if len(bns) != 1 {
		return "", errors.Errorf("operator %q has %d outputs, expected exactly one", op.Name(), len(bns))
	}
	return bns[0], nil
}
