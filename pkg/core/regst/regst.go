// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package regst defines the register descriptor (Desc): the description of a buffer slot holding one
// or more blobs, produced by one task node and consumed by others.
//
// A Desc is created by exactly one producing task node and shared by pointer with the consumers
// through the graph edges. Its blob set is mutated only while the producer builds its exec graph;
// after Freeze it is read-only and can be shared across goroutines without locking.
package regst

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/taskflow/pkg/core/blob"
	"github.com/gomlx/taskflow/pkg/core/shapes"
	"github.com/gomlx/taskflow/pkg/support/sets"
	"github.com/pkg/errors"
)

// Kind of register: data-carrying or control-only.
type Kind int

const (
	KindInvalid Kind = iota

	// KindData registers carry blobs.
	KindData

	// KindCtrl registers only carry the "ready" signal between tasks, they never hold blobs.
	KindCtrl
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindCtrl:
		return "ctrl"
	default:
		return "invalid"
	}
}

// Desc is a register descriptor.
type Desc struct {
	id             int64
	name           string
	producerTaskID int64
	kind           Kind

	// minRegisterNum and maxRegisterNum bound the number of in-flight buffers of the register.
	minRegisterNum, maxRegisterNum int

	// lbis holds the blobs in insertion order; blobDescs indexes them.
	lbis      []blob.LogicalBlobID
	blobDescs map[blob.LogicalBlobID]*blob.Desc

	consumerTaskIDs sets.Set[int64]

	// timeShape is the iteration space of the register, invalid until inferred.
	timeShape shapes.Shape

	frozen atomic.Bool
}

// New creates a register descriptor. The name is the one used by the producer ("out" for instance).
func New(id int64, name string, producerTaskID int64, kind Kind, minRegisterNum, maxRegisterNum int) (*Desc, error) {
	if kind != KindData && kind != KindCtrl {
		return nil, errors.Errorf("register %q: invalid kind %d", name, int(kind))
	}
	if minRegisterNum < 1 || maxRegisterNum < minRegisterNum {
		return nil, errors.Errorf("register %q: invalid register number range [%d, %d]", name, minRegisterNum, maxRegisterNum)
	}
	return &Desc{
		id:              id,
		name:            name,
		producerTaskID:  producerTaskID,
		kind:            kind,
		minRegisterNum:  minRegisterNum,
		maxRegisterNum:  maxRegisterNum,
		blobDescs:       make(map[blob.LogicalBlobID]*blob.Desc),
		consumerTaskIDs: sets.Make[int64](),
	}, nil
}

// ID of the register descriptor, unique within a job.
func (r *Desc) ID() int64 { return r.id }

// Name given by the producer.
func (r *Desc) Name() string { return r.name }

// ProducerTaskID is the id of the task node that owns the register.
func (r *Desc) ProducerTaskID() int64 { return r.producerTaskID }

// Kind of the register.
func (r *Desc) Kind() Kind { return r.kind }

// IsData returns whether the register carries blobs.
func (r *Desc) IsData() bool { return r.kind == KindData }

// MinRegisterNum is the minimum number of in-flight buffers.
func (r *Desc) MinRegisterNum() int { return r.minRegisterNum }

// MaxRegisterNum is the maximum number of in-flight buffers.
func (r *Desc) MaxRegisterNum() int { return r.maxRegisterNum }

// mustNotBeFrozen panics if the register was already frozen: mutating it afterward is a bug.
func (r *Desc) mustNotBeFrozen(method string) {
	if r.frozen.Load() {
		exceptions.Panicf("regst.Desc.%s(): register %d (%q) is frozen, it can no longer be mutated", method, r.id, r.name)
	}
}

// AddLbi registers the blob in the register with an empty (not yet inferred) blob descriptor.
// Adding a blob that is already present is a no-op.
func (r *Desc) AddLbi(lbi blob.LogicalBlobID) {
	r.mustNotBeFrozen("AddLbi")
	if r.kind != KindData {
		exceptions.Panicf("regst.Desc.AddLbi(%s): register %d (%q) is a %s register", lbi, r.id, r.name, r.kind)
	}
	if _, found := r.blobDescs[lbi]; found {
		return
	}
	r.lbis = append(r.lbis, lbi)
	r.blobDescs[lbi] = &blob.Desc{Shape: shapes.Invalid()}
}

// HasLbi returns whether the blob is held by the register.
func (r *Desc) HasLbi(lbi blob.LogicalBlobID) bool {
	_, found := r.blobDescs[lbi]
	return found
}

// GetBlobDesc returns the descriptor of the blob, or nil if the register doesn't hold it.
// The returned value must not be modified.
func (r *Desc) GetBlobDesc(lbi blob.LogicalBlobID) *blob.Desc {
	return r.blobDescs[lbi]
}

// MutBlobDesc returns the mutable descriptor of the blob, or nil if the register doesn't hold it.
func (r *Desc) MutBlobDesc(lbi blob.LogicalBlobID) *blob.Desc {
	r.mustNotBeFrozen("MutBlobDesc")
	return r.blobDescs[lbi]
}

// NumLbis returns the number of blobs in the register.
func (r *Desc) NumLbis() int { return len(r.lbis) }

// Lbis returns the blobs of the register in the order they were added.
func (r *Desc) Lbis() []blob.LogicalBlobID { return slices.Clone(r.lbis) }

// IsEmptyData returns whether this is a data register with no blobs: a placeholder that never
// received any output.
func (r *Desc) IsEmptyData() bool { return r.kind == KindData && len(r.lbis) == 0 }

// AddConsumer records a task node consuming this register.
func (r *Desc) AddConsumer(taskID int64) {
	r.mustNotBeFrozen("AddConsumer")
	r.consumerTaskIDs.Insert(taskID)
}

// ConsumerTaskIDs returns the sorted ids of the consumers.
func (r *Desc) ConsumerTaskIDs() []int64 { return sets.Sorted(r.consumerTaskIDs) }

// TimeShape returns the iteration space of the register; invalid if not inferred yet.
func (r *Desc) TimeShape() shapes.Shape { return r.timeShape.Clone() }

// SetTimeShape sets the iteration space of the register.
func (r *Desc) SetTimeShape(timeShape shapes.Shape) {
	r.mustNotBeFrozen("SetTimeShape")
	r.timeShape = timeShape.Clone()
}

// Freeze makes the register read-only.
func (r *Desc) Freeze() { r.frozen.Store(true) }

// IsFrozen returns whether Freeze was called.
func (r *Desc) IsFrozen() bool { return r.frozen.Load() }

// BytesPerRegister is the memory needed by one buffer of the register: the sum of its blobs' sizes.
func (r *Desc) BytesPerRegister() uintptr {
	var total uintptr
	for _, lbi := range r.lbis {
		total += r.blobDescs[lbi].ByteSize()
	}
	return total
}

// String implements fmt.Stringer.
func (r *Desc) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Regst#%d(%q, %s, producer=%d, num=[%d,%d]", r.id, r.name, r.kind,
		r.producerTaskID, r.minRegisterNum, r.maxRegisterNum)
	if r.kind == KindData {
		sb.WriteString(", blobs={")
		for ii, lbi := range r.lbis {
			if ii > 0 {
				sb.WriteString(", ")
			}
			_, _ = fmt.Fprintf(&sb, "%s: %s", lbi, r.blobDescs[lbi].Shape)
		}
		_, _ = fmt.Fprintf(&sb, "}, %s", humanize.Bytes(uint64(r.BytesPerRegister())))
	}
	sb.WriteString(")")
	return sb.String()
}
