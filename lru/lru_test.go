/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Feb  6 13:40:26 2018 mstenber
 * Last modified: Wed Feb 28 18:44:13 2018 mstenber
 * Edit time:     21 min
 *
 */

package lru

import (
	"testing"

	"github.com/stvp/assert"
)

type entry struct {
	links Links[entry]
	id    int
}

func newList() *List[entry] {
	return New[entry](func(e *entry) *Links[entry] { return &e.links })
}

func ids(l *List[entry]) (r []int) {
	for e := l.Head(); e != nil; e = l.Next(e) {
		r = append(r, e.id)
	}
	return
}

func TestLRUList(t *testing.T) {
	t.Parallel()
	l := newList()
	assert.True(t, l.Head() == nil)
	assert.True(t, l.Tail() == nil)

	e1, e2, e3 := &entry{id: 1}, &entry{id: 2}, &entry{id: 3}
	l.Link(e1)
	l.Link(e2)
	l.Link(e3)
	assert.Equal(t, l.Len(), uint64(3))
	assert.Equal(t, ids(l), []int{3, 2, 1})
	assert.Equal(t, l.Tail(), e1)

	// Touch the oldest; it becomes most recent.
	l.Update(e1)
	assert.Equal(t, ids(l), []int{1, 3, 2})
	assert.Equal(t, l.Tail(), e2)

	l.Unlink(e3)
	assert.Equal(t, ids(l), []int{1, 2})

	l.Unlink(e1)
	l.Unlink(e2)
	assert.Equal(t, l.Len(), uint64(0))
	assert.True(t, l.Head() == nil)
	assert.True(t, l.Tail() == nil)
}

func TestLRUWalkBackwards(t *testing.T) {
	t.Parallel()
	l := newList()
	var es []*entry
	for i := 0; i < 5; i++ {
		e := &entry{id: i}
		es = append(es, e)
		l.Link(e)
	}
	// Tail to head via Prev covers the eviction scan pattern.
	want := 0
	for e := l.Tail(); e != nil; e = l.Prev(e) {
		assert.Equal(t, e.id, want)
		want++
	}
	assert.Equal(t, want, 5)
	_ = es
}
