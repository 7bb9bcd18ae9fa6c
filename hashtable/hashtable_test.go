/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Feb  6 15:02:19 2018 mstenber
 * Last modified: Fri Mar  9 12:30:54 2018 mstenber
 * Edit time:     28 min
 *
 */

package hashtable

import (
	"testing"

	"github.com/stvp/assert"
)

type entry struct {
	key  uintptr
	next *entry
}

func newTable(buckets uint64) *Table[entry] {
	return New[entry]("test", buckets,
		func(e *entry) uintptr { return e.key },
		func(e *entry) **entry { return &e.next })
}

func TestHashTableHighLoad(t *testing.T) {
	t.Parallel()
	const buckets = 64
	ht := newTable(buckets)
	assert.Equal(t, ht.Buckets(), uint64(buckets))

	// Twice as many keys as buckets; every chain gets exercised.
	n := uintptr(2 * buckets)
	entries := make([]entry, n)
	for i := uintptr(0); i < n; i++ {
		entries[i].key = 0x1000 + i*4096
		assert.True(t, ht.Insert(&entries[i]))
	}
	assert.Equal(t, ht.Len(), uint64(n))
	for i := uintptr(0); i < n; i++ {
		found := ht.Lookup(0x1000 + i*4096)
		assert.Equal(t, found, &entries[i])
	}

	// Re-insert of an existing key fails.
	dup := &entry{key: 0x1000}
	assert.True(t, !ht.Insert(dup))
	assert.Equal(t, ht.Len(), uint64(n))

	// Removal makes lookup return nothing.
	gone := ht.Remove(0x1000)
	assert.Equal(t, gone, &entries[0])
	assert.True(t, ht.Lookup(0x1000) == nil)
	assert.True(t, ht.Remove(0x1000) == nil)
	assert.Equal(t, ht.Len(), uint64(n-1))

	// The rest are still reachable.
	for i := uintptr(1); i < n; i++ {
		assert.True(t, ht.Lookup(0x1000+i*4096) != nil)
	}
}

func TestHashTableSingleBucket(t *testing.T) {
	t.Parallel()
	ht := newTable(1)
	e1 := &entry{key: 1 << 12}
	e2 := &entry{key: 2 << 12}
	e3 := &entry{key: 3 << 12}
	assert.True(t, ht.Insert(e1))
	assert.True(t, ht.Insert(e2))
	assert.True(t, ht.Insert(e3))
	assert.Equal(t, ht.Lookup(2<<12), e2)
	assert.Equal(t, ht.Remove(2<<12), e2)
	assert.Equal(t, ht.Lookup(1<<12), e1)
	assert.Equal(t, ht.Lookup(3<<12), e3)
	assert.True(t, ht.Lookup(2<<12) == nil)
}
