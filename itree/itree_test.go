/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Feb  7 10:30:46 2018 mstenber
 * Last modified: Tue Mar 13 16:01:22 2018 mstenber
 * Edit time:     42 min
 *
 */

package itree

import (
	"math/rand"
	"testing"

	"github.com/stvp/assert"
)

func TestITreeBasics(t *testing.T) {
	t.Parallel()
	var tree Tree[string]
	assert.True(t, tree.Insert(0x10000, 0x4000, "a"))
	assert.True(t, tree.Insert(0x20000, 0x1000, "b"))
	assert.True(t, tree.Insert(0x8000, 0x1000, "c"))
	assert.Equal(t, tree.Len(), 3)

	v, ok := tree.Find(0x10000)
	assert.True(t, ok)
	assert.Equal(t, v, "a")
	v, ok = tree.Find(0x13fff)
	assert.True(t, ok)
	assert.Equal(t, v, "a")
	_, ok = tree.Find(0x14000)
	assert.True(t, !ok)
	_, ok = tree.Find(0x7fff)
	assert.True(t, !ok)
	v, ok = tree.Find(0x20abc)
	assert.True(t, ok)
	assert.Equal(t, v, "b")

	// Overlaps are refused, zero size too.
	assert.True(t, !tree.Insert(0x13000, 0x1000, "x"))
	assert.True(t, !tree.Insert(0xf000, 0x2000, "x"))
	assert.True(t, !tree.Insert(0x30000, 0, "x"))
	assert.Equal(t, tree.Len(), 3)

	v, ok = tree.Delete(0x10000)
	assert.True(t, ok)
	assert.Equal(t, v, "a")
	_, ok = tree.Find(0x10000)
	assert.True(t, !ok)
	assert.True(t, tree.Insert(0x13000, 0x1000, "x"))
}

func TestITreeChurn(t *testing.T) {
	t.Parallel()
	var tree Tree[uint64]
	rng := rand.New(rand.NewSource(42))
	live := map[uint64]bool{}
	for round := 0; round < 1000; round++ {
		base := uint64(rng.Intn(4096)) << 16
		if live[base] {
			_, ok := tree.Delete(base)
			assert.True(t, ok)
			delete(live, base)
		} else {
			assert.True(t, tree.Insert(base, 1<<16, base))
			live[base] = true
		}
		assert.Equal(t, tree.Len(), len(live))
	}
	for base := range live {
		v, ok := tree.Find(base + 0x8000)
		assert.True(t, ok)
		assert.Equal(t, v, base)
	}
}
