// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SbpKind enumerates the ways a logical blob can be laid out across the participants of a ParallelDesc
// hierarchy axis.
type SbpKind int

const (
	// SbpInvalid is the zero value, an unset SbpParallel.
	SbpInvalid SbpKind = iota

	// SbpSplit partitions the blob along one of its axes: each participant holds a contiguous
	// (balanced) slice of that axis.
	SbpSplit

	// SbpBroadcast replicates the full blob on every participant.
	SbpBroadcast

	// SbpPartialSum means every participant holds a blob of the full logical shape, and the logical
	// value is the element-wise sum of them all.
	SbpPartialSum
)

// String implements fmt.Stringer.
func (k SbpKind) String() string {
	switch k {
	case SbpSplit:
		return "Split"
	case SbpBroadcast:
		return "Broadcast"
	case SbpPartialSum:
		return "PartialSum"
	default:
		return "Invalid"
	}
}

// SbpParallel (split, broadcast or partial-sum) is the partitioning descriptor of a blob along one axis
// of the devices hierarchy.
//
// It is a closed variant: Axis is only meaningful for SbpSplit.
type SbpParallel struct {
	Kind SbpKind
	Axis int
}

// Split returns the SbpParallel that splits the blob along the given axis.
func Split(axis int) SbpParallel { return SbpParallel{Kind: SbpSplit, Axis: axis} }

// Broadcast returns the SbpParallel that replicates the blob.
func Broadcast() SbpParallel { return SbpParallel{Kind: SbpBroadcast} }

// PartialSum returns the SbpParallel where the blob is the sum of the participants' blobs.
func PartialSum() SbpParallel { return SbpParallel{Kind: SbpPartialSum} }

// IsSplit returns whether s splits the blob.
func (s SbpParallel) IsSplit() bool { return s.Kind == SbpSplit }

// IsBroadcast returns whether s replicates the blob.
func (s SbpParallel) IsBroadcast() bool { return s.Kind == SbpBroadcast }

// IsPartialSum returns whether s is a partial-sum.
func (s SbpParallel) IsPartialSum() bool { return s.Kind == SbpPartialSum }

// Ok returns whether s was set.
func (s SbpParallel) Ok() bool { return s.Kind != SbpInvalid }

// Validate checks that s can be applied to a blob of the given rank.
func (s SbpParallel) Validate(rank int) error {
	switch s.Kind {
	case SbpSplit:
		if s.Axis < 0 || s.Axis >= rank {
			return errors.Errorf("%s: split axis %d out of range for a blob of rank %d", s, s.Axis, rank)
		}
	case SbpBroadcast, SbpPartialSum:
	default:
		return errors.Errorf("invalid SbpParallel kind %d", int(s.Kind))
	}
	return nil
}

// String returns the short notation: "S(axis)", "B" or "P".
func (s SbpParallel) String() string {
	switch s.Kind {
	case SbpSplit:
		return "S(" + strconv.Itoa(s.Axis) + ")"
	case SbpBroadcast:
		return "B"
	case SbpPartialSum:
		return "P"
	default:
		return "Invalid"
	}
}

// ParseSbpParallel parses the notation returned by SbpParallel.String. The split also accepts the
// short form "S0".
func ParseSbpParallel(s string) (SbpParallel, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "B":
		return Broadcast(), nil
	case s == "P":
		return PartialSum(), nil
	case strings.HasPrefix(s, "S"):
		axisStr := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(s, "S"), "("), ")")
		axis, err := strconv.Atoi(axisStr)
		if err != nil || axis < 0 {
			return SbpParallel{}, errors.Errorf("invalid split axis in SbpParallel %q", s)
		}
		return Split(axis), nil
	}
	return SbpParallel{}, errors.Errorf("invalid SbpParallel %q, expected \"S(axis)\", \"B\" or \"P\"", s)
}

// NdSbp is the partitioning descriptor of a blob over a multi-axis devices hierarchy: one SbpParallel
// per hierarchy axis.
type NdSbp []SbpParallel

// Equal returns whether both have the same SbpParallel on every hierarchy axis.
func (nd NdSbp) Equal(other NdSbp) bool {
	if len(nd) != len(other) {
		return false
	}
	for ii := range nd {
		if nd[ii] != other[ii] {
			return false
		}
	}
	return true
}

// Validate checks each of the SbpParallel for a blob of the given rank.
func (nd NdSbp) Validate(rank int) error {
	if len(nd) == 0 {
		return errors.New("empty NdSbp")
	}
	for ii, sbp := range nd {
		if err := sbp.Validate(rank); err != nil {
			return errors.WithMessagef(err, "NdSbp hierarchy axis #%d", ii)
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (nd NdSbp) String() string {
	parts := make([]string, len(nd))
	for ii, sbp := range nd {
		parts[ii] = sbp.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
