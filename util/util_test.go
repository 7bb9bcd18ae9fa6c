/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Feb  5 10:20:12 2018 mstenber
 * Last modified: Wed Mar 21 10:14:48 2018 mstenber
 * Edit time:     18 min
 *
 */

package util

import (
	"testing"
	"unsafe"

	"github.com/stvp/assert"
)

func TestRoundUp(t *testing.T) {
	t.Parallel()
	assert.Equal(t, RoundUp(0, 4096), uint64(0))
	assert.Equal(t, RoundUp(1, 4096), uint64(4096))
	assert.Equal(t, RoundUp(4096, 4096), uint64(4096))
	assert.Equal(t, RoundUp(4097, 4096), uint64(8192))
}

func TestAlignedBuffer(t *testing.T) {
	t.Parallel()
	for _, size := range []uint64{4096, 12345, 1 << 20} {
		b := AlignedBuffer(size, 4096)
		assert.Equal(t, uint64(len(b)), size)
		assert.Equal(t, uint64(uintptr(unsafe.Pointer(&b[0])))&4095, uint64(0))
	}
}

func TestIMinMax(t *testing.T) {
	t.Parallel()
	assert.Equal(t, IMin(3, 1, 2), 1)
	assert.Equal(t, IMax(3, 1, 7), 7)
	assert.Equal(t, UMin(3, 9), uint64(3))
}

func TestMutexLocked(t *testing.T) {
	t.Parallel()
	var m MutexLocked
	unlock := m.Locked()
	unlock()
	var rw RWMutexLocked
	u1 := rw.RLocked()
	u2 := rw.RLocked()
	u1()
	u2()
	u3 := rw.Locked()
	u3()
}
