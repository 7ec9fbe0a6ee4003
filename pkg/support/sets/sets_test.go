// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	ids := Make[int64](4)
	assert.Empty(t, ids)
	ids.Insert(7, 3, 7)
	assert.Len(t, ids, 2)
	assert.True(t, ids.Has(3))
	assert.False(t, ids.Has(5))
	assert.Equal(t, []int64{3, 7}, Sorted(ids))
}

func TestSortedKeys(t *testing.T) {
	regsts := map[string]int64{"out": 1, "in": 0, "tmp": 2}
	assert.Equal(t, []string{"in", "out", "tmp"}, SortedKeys(regsts))
	assert.Empty(t, SortedKeys(map[string]int64(nil)))
}
