/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Feb  6 12:10:29 2018 mstenber
 * Last modified: Thu Mar  8 16:32:50 2018 mstenber
 * Edit time:     19 min
 *
 */

package freelist

import (
	"testing"

	"github.com/stvp/assert"
)

type thing struct {
	index uint64
	data  []byte
}

func TestFreeList(t *testing.T) {
	t.Parallel()
	area := make([]byte, 4*16)
	fl := New[thing]("things", 4, func(i uint64, obj *thing) {
		obj.index = i
		obj.data = area[i*16 : (i+1)*16]
	})
	assert.Equal(t, fl.Total(), uint64(4))
	assert.Equal(t, fl.Avail(), uint64(4))

	seen := map[*thing]bool{}
	var objs []*thing
	for i := 0; i < 4; i++ {
		obj := fl.Get()
		assert.True(t, obj != nil)
		assert.True(t, obj.data != nil)
		assert.True(t, !seen[obj])
		seen[obj] = true
		objs = append(objs, obj)
	}
	assert.Equal(t, fl.Avail(), uint64(0))
	assert.True(t, fl.Get() == nil)

	// LIFO: the most recently freed object is handed out first.
	fl.Put(objs[2])
	fl.Put(objs[0])
	assert.Equal(t, fl.Get(), objs[0])
	assert.Equal(t, fl.Get(), objs[2])
	assert.True(t, fl.Get() == nil)
}
