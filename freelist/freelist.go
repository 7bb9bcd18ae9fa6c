/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Feb  6 11:44:29 2018 mstenber
 * Last modified: Thu Mar  8 16:20:12 2018 mstenber
 * Edit time:     41 min
 *
 */

// freelist provides a pre-allocated object pool with LIFO handout.
// The cache layers take their entries from pools like this one, so
// handing out an entry while servicing a fault does not allocate.
package freelist

import (
	"github.com/fingon/go-hmem/mlog"
)

type FreeList[T any] struct {
	name    string
	objects []T
	stack   []*T
	avail   uint64
}

// New creates a pool of total objects. The optional prepare hook runs
// once per object at init; cache layers use it to wire pre-allocated
// payload buffers into the entries.
func New[T any](name string, total uint64, prepare func(i uint64, obj *T)) *FreeList[T] {
	self := &FreeList[T]{
		name:    name,
		objects: make([]T, total),
		stack:   make([]*T, total),
		avail:   total,
	}
	for i := uint64(0); i < total; i++ {
		if prepare != nil {
			prepare(i, &self.objects[i])
		}
		self.stack[i] = &self.objects[i]
	}
	mlog.Printf2("freelist/freelist", "fl.New %s: %d objects", name, total)
	return self
}

// Get hands out an object, or nil when the pool is exhausted.
func (self *FreeList[T]) Get() *T {
	if self.avail == 0 {
		return nil
	}
	self.avail--
	return self.stack[self.avail]
}

// Put returns an object to the pool.
func (self *FreeList[T]) Put(obj *T) {
	self.stack[self.avail] = obj
	self.avail++
}

func (self *FreeList[T]) Avail() uint64 { return self.avail }

func (self *FreeList[T]) Total() uint64 { return uint64(len(self.objects)) }
