/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Feb 12 11:20:08 2018 mstenber
 * Last modified: Fri Mar 23 14:19:33 2018 mstenber
 * Edit time:     58 min
 *
 */

package pst

import (
	"testing"

	"github.com/stvp/assert"
)

func TestPSTCounts(t *testing.T) {
	t.Parallel()
	table := New("stats-1", 100)
	table.Increase(7, 3)
	table.Increase(7, 2)
	table.Increase(42, 1)
	assert.Equal(t, table.AccessCount(7), uint64(5))
	assert.Equal(t, table.AccessCount(42), uint64(1))
	assert.Equal(t, table.AccessCount(0), uint64(0))
	// All 100 slots share one pte node, so one pmd/pgd entry
	// aggregates everything.
	assert.Equal(t, table.PMDAccessCount(7), uint64(6))
	assert.Equal(t, table.PGDAccessCount(7), uint64(6))
}

func TestPSTDecay(t *testing.T) {
	t.Parallel()
	table := New("stats-2", 16)
	table.Increase(3, 200)
	table.Increase(5, 100)
	// Pushing slot 3 over 0xff halves the whole leaf first.
	table.Increase(3, 100)
	assert.Equal(t, table.AccessCount(3), uint64(200))
	assert.Equal(t, table.AccessCount(5), uint64(50))
	// Relative order survived the decay.
	assert.True(t, table.AccessCount(3) > table.AccessCount(5))
}

func TestPSTColdest(t *testing.T) {
	t.Parallel()
	const total = 64
	table := New("stats-3", total)
	for i := uint64(0); i < total; i++ {
		table.Increase(i, 10)
	}
	// Four slots stay colder than the pack.
	cold := []uint64{9, 17, 33, 60}
	for i := uint64(0); i < total; i++ {
		hot := true
		for _, c := range cold {
			if i == c {
				hot = false
			}
		}
		if hot {
			table.Increase(i, 50)
		}
	}
	var pages []uint64
	n := table.FindColdest(4, &pages)
	assert.Equal(t, n, uint64(4))
	found := map[uint64]bool{}
	for _, page := range pages {
		found[page] = true
	}
	for _, c := range cold {
		assert.True(t, found[c])
	}

	// The reported slots had their counters bumped by one.
	before := table.AccessCount(cold[0])
	assert.Equal(t, before, uint64(11))
}

func TestPSTColdestMultiLevel(t *testing.T) {
	t.Parallel()
	// Three pte nodes; the last one (alone under its pmd node)
	// stays coldest.
	total := uint64(3) << LeafBits
	table := New("stats-4", total)
	for i := uint64(0); i < total; i++ {
		table.Increase(i, 3)
	}
	coldBase := uint64(2) << LeafBits
	// Cool down that node by heating the others.
	for i := uint64(0); i < coldBase; i++ {
		table.Increase(i, 20)
	}
	var pages []uint64
	n := table.FindColdest(8, &pages)
	assert.Equal(t, n, uint64(8))
	for _, page := range pages {
		assert.True(t, page>>LeafBits == coldBase>>LeafBits)
	}
}

func TestPSTCompensation(t *testing.T) {
	t.Parallel()
	// A partial trailing pte node: 2 full nodes plus 8 slots. The
	// tail holds few pages, so its raw aggregate is small; the
	// compensation multiplier keeps it from being picked just for
	// being short.
	total := uint64(2)<<LeafBits + 8
	table := New("stats-5", total)
	tailBase := uint64(2) << LeafBits
	// Tail pages are individually hot.
	for i := tailBase; i < total; i++ {
		table.Increase(i, 200)
	}
	// Full nodes individually lukewarm.
	for i := uint64(0); i < tailBase; i++ {
		table.Increase(i, 2)
	}
	var pages []uint64
	n := table.FindColdest(4, &pages)
	assert.Equal(t, n, uint64(4))
	for _, page := range pages {
		assert.True(t, page < tailBase)
	}
}
