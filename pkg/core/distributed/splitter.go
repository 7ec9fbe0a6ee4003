// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import "github.com/pkg/errors"

// Range is a half-open interval [Begin, End).
type Range struct {
	Begin, End int
}

// Size of the range.
func (r Range) Size() int { return r.End - r.Begin }

// BalancedSplitter splits a total number of elements into parts as evenly as possible: the first
// total%parts parts get one extra element.
type BalancedSplitter struct {
	total, parts int
	base, extra  int
}

// NewBalancedSplitter creates a splitter of total elements into parts.
func NewBalancedSplitter(total, parts int) (BalancedSplitter, error) {
	if parts <= 0 {
		return BalancedSplitter{}, errors.Errorf("BalancedSplitter: number of parts must be > 0, got %d", parts)
	}
	if total < 0 {
		return BalancedSplitter{}, errors.Errorf("BalancedSplitter: total must be >= 0, got %d", total)
	}
	return BalancedSplitter{total: total, parts: parts, base: total / parts, extra: total % parts}, nil
}

// At returns the range of the i-th part.
func (b BalancedSplitter) At(i int) Range {
	if i < b.extra {
		begin := i * (b.base + 1)
		return Range{Begin: begin, End: begin + b.base + 1}
	}
	begin := b.extra*(b.base+1) + (i-b.extra)*b.base
	return Range{Begin: begin, End: begin + b.base}
}
