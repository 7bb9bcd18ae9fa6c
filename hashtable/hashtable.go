/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Feb  6 14:28:33 2018 mstenber
 * Last modified: Fri Mar  9 12:14:26 2018 mstenber
 * Edit time:     54 min
 *
 */

// hashtable provides a bucket-chaining hash table over pointer-sized
// keys (virtual page addresses). The chain link is intrusive: it
// lives inside the entry and is reached through an accessor, so
// inserting or removing never allocates.
package hashtable

import (
	"encoding/binary"

	"github.com/dgryski/go-farm"
	"github.com/fingon/go-hmem/mlog"
)

type Table[T any] struct {
	name    string
	buckets []*T
	objects uint64
	key     func(*T) uintptr
	next    func(*T) **T

	// Stats, mostly of interest when tuning bucket counts.
	deepestCollision uint64
	lookups          uint64
	inserts          uint64
	removes          uint64
	collisions       uint64
	hits             uint64
	misses           uint64
}

// New creates a table of the given bucket count. key returns an
// entry's key, next the location of its chain pointer.
func New[T any](name string, buckets uint64,
	key func(*T) uintptr, next func(*T) **T) *Table[T] {
	if buckets == 0 {
		buckets = 1
	}
	return &Table[T]{
		name:    name,
		buckets: make([]*T, buckets),
		key:     key,
		next:    next,
	}
}

func (self *Table[T]) bucketIndex(key uintptr) uint64 {
	var kb [8]byte
	binary.LittleEndian.PutUint64(kb[:], uint64(key))
	return farm.Hash64(kb[:]) % uint64(len(self.buckets))
}

// Insert adds obj to the table. Returns false when an entry with the
// same key is already present.
func (self *Table[T]) Insert(obj *T) bool {
	self.inserts++
	key := self.key(obj)
	if self.lookup(key) != nil {
		mlog.Printf2("hashtable/hashtable", "ht.Insert %s: key %x already present",
			self.name, key)
		return false
	}
	idx := self.bucketIndex(key)
	*self.next(obj) = self.buckets[idx]
	self.buckets[idx] = obj
	self.objects++
	return true
}

// Lookup returns the entry with the given key, or nil.
func (self *Table[T]) Lookup(key uintptr) *T {
	self.lookups++
	obj := self.lookup(key)
	if obj != nil {
		self.hits++
	} else {
		self.misses++
	}
	return obj
}

func (self *Table[T]) lookup(key uintptr) *T {
	obj := self.buckets[self.bucketIndex(key)]
	depth := uint64(0)
	for obj != nil && self.key(obj) != key {
		self.collisions++
		depth++
		obj = *self.next(obj)
	}
	if depth > self.deepestCollision {
		self.deepestCollision = depth
	}
	return obj
}

// Remove unlinks and returns the entry with the given key, or nil.
func (self *Table[T]) Remove(key uintptr) *T {
	self.removes++
	pos := &self.buckets[self.bucketIndex(key)]
	for *pos != nil && self.key(*pos) != key {
		pos = self.next(*pos)
	}
	obj := *pos
	if obj == nil {
		return nil
	}
	*pos = *self.next(obj)
	*self.next(obj) = nil
	self.objects--
	return obj
}

func (self *Table[T]) Len() uint64 { return self.objects }

func (self *Table[T]) Buckets() uint64 { return uint64(len(self.buckets)) }

func (self *Table[T]) ShowStats() {
	mlog.Printf2("hashtable/hashtable",
		"ht %s: %d buckets, %d objs, inserts=%d lookups=%d removes=%d hits=%d misses=%d deepest=%d collisions=%d",
		self.name, len(self.buckets), self.objects, self.inserts,
		self.lookups, self.removes, self.hits, self.misses,
		self.deepestCollision, self.collisions)
}
