/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Feb  6 13:05:50 2018 mstenber
 * Last modified: Wed Feb 28 18:31:09 2018 mstenber
 * Edit time:     36 min
 *
 */

// lru provides an intrusive doubly-linked recency list. The links
// live inside the entries themselves (no allocation on access), and
// the list reaches them through an accessor supplied at construction.
package lru

import "log"

// Links is embedded in every listed entry.
type Links[T any] struct {
	prev, next *T
}

type List[T any] struct {
	head, tail *T
	count      uint64
	links      func(*T) *Links[T]
}

// New creates a list whose entries expose their Links via the given
// accessor.
func New[T any](links func(*T) *Links[T]) *List[T] {
	return &List[T]{links: links}
}

// Link inserts x as the most recent entry.
func (self *List[T]) Link(x *T) {
	l := self.links(x)
	if self.head != nil {
		l.prev = nil
		l.next = self.head
		self.links(self.head).prev = x
		self.head = x
	} else {
		if self.tail != nil {
			log.Panic("lru: head nil but tail set")
		}
		self.head = x
		self.tail = x
		l.prev = nil
		l.next = nil
	}
	self.count++
}

// Unlink removes x from the list.
func (self *List[T]) Unlink(x *T) {
	if self.count == 0 {
		log.Panic("lru: unlink from empty list")
	}
	l := self.links(x)
	prev, next := l.prev, l.next
	switch {
	case prev != nil && next != nil:
		self.links(prev).next = next
		self.links(next).prev = prev
	case prev != nil:
		self.links(prev).next = nil
		self.tail = prev
	case next != nil:
		self.links(next).prev = nil
		self.head = next
	default:
		self.head = nil
		self.tail = nil
	}
	l.prev = nil
	l.next = nil
	self.count--
}

// Update moves x to the most recent end.
func (self *List[T]) Update(x *T) {
	self.Unlink(x)
	self.Link(x)
}

func (self *List[T]) Head() *T { return self.head }

func (self *List[T]) Tail() *T { return self.tail }

// Prev returns the entry one step towards the most recent end from x.
func (self *List[T]) Prev(x *T) *T { return self.links(x).prev }

// Next returns the entry one step towards the least recent end from x.
func (self *List[T]) Next(x *T) *T { return self.links(x).next }

func (self *List[T]) Len() uint64 { return self.count }
