/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Feb 16 11:12:40 2018 mstenber
 * Last modified: Tue Mar 27 11:05:28 2018 mstenber
 * Edit time:     73 min
 *
 */

package vrange

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stvp/assert"
)

func TestV2HPacking(t *testing.T) {
	t.Parallel()
	var v V2HMap
	assert.True(t, !v.InPageCache())
	v.SetInPageCache(true)
	v.SetDirtyPageCache(true)
	v.SetFlashSlot(0xabcdef)
	assert.True(t, v.InPageCache())
	assert.True(t, v.DirtyPageCache())
	assert.True(t, !v.InRAMCache())
	assert.True(t, !v.InFlashCache())
	assert.Equal(t, v.FlashSlot(), uint64(0xabcdef))

	// Flags and slot stay independent.
	v.SetFlashSlot(0x000001)
	assert.True(t, v.InPageCache())
	assert.Equal(t, v.FlashSlot(), uint64(1))
	v.SetInPageCache(false)
	v.SetDirtyPageCache(false)
	assert.Equal(t, v.FlashSlot(), uint64(1))
	assert.Equal(t, uint32(v)&0xff, uint32(0))
}

func TestGroupAllocateRelease(t *testing.T) {
	t.Parallel()
	g := NewGroup()
	assert.Equal(t, g.InUse(), uint32(0))

	r1, err := g.Allocate(3 * PageSize)
	assert.Nil(t, err)
	assert.Equal(t, r1.Pages(), uint64(3))
	assert.Equal(t, r1.ID(), uint32(0))
	r2, err := g.Allocate(1)
	assert.Nil(t, err)
	assert.Equal(t, r2.Pages(), uint64(1))
	assert.Equal(t, r2.ID(), uint32(1))
	assert.Equal(t, g.InUse(), uint32(2))

	// Point lookups resolve to the owning range.
	assert.Equal(t, g.Find(r1.Base()), r1)
	assert.Equal(t, g.Find(r1.Base()+uintptr(3*PageSize)-1), r1)
	assert.Equal(t, g.Find(r2.Base()), r2)

	// Release recycles the id.
	assert.Nil(t, g.Release(r1))
	assert.True(t, g.Find(r1.Base()) == nil)
	assert.Equal(t, g.InUse(), uint32(1))
	r3, err := g.Allocate(PageSize)
	assert.Nil(t, err)
	assert.Equal(t, r3.ID(), uint32(0))

	assert.Nil(t, g.Release(r2))
	assert.Nil(t, g.Release(r3))
}

func TestGroupIDExhaustion(t *testing.T) {
	t.Parallel()
	g := NewGroup()
	var ranges []*VRange
	for i := uint32(0); i < InvalidRangeID; i++ {
		r, err := g.Allocate(PageSize)
		assert.Nil(t, err)
		ranges = append(ranges, r)
	}
	_, err := g.Allocate(PageSize)
	assert.True(t, err != nil)
	for _, r := range ranges {
		assert.Nil(t, g.Release(r))
	}
	assert.Equal(t, g.InUse(), uint32(0))
}

func TestFileBackedInit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "backing.dat")
	// Two pages pre-exist; the range covers four.
	assert.Nil(t, os.WriteFile(path, bytes.Repeat([]byte{0xff}, int(2*PageSize)), 0644))

	g := NewGroup()
	r, err := g.AllocateFile(4*PageSize, path, 0)
	assert.Nil(t, err)
	assert.True(t, r.HasBackingFile())
	assert.Equal(t, r.HDDOffset(), uint64(0))

	// The pre-existing prefix is marked on disk, the rest is not.
	assert.True(t, r.V2HAt(0).InHDDFile())
	assert.True(t, r.V2HAt(1).InHDDFile())
	assert.True(t, !r.V2HAt(2).InHDDFile())
	assert.True(t, !r.V2HAt(3).InHDDFile())

	// The file was extended to cover the whole range.
	st, err := os.Stat(path)
	assert.Nil(t, err)
	assert.Equal(t, uint64(st.Size()), 4*PageSize)

	assert.Nil(t, g.Release(r))
}

func TestFileBackedOffsetAndErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "backing.dat")
	assert.Nil(t, os.WriteFile(path, bytes.Repeat([]byte{1}, int(3*PageSize)), 0644))

	g := NewGroup()
	// Offset one page in: only two pre-existing pages remain past it.
	r, err := g.AllocateFile(4*PageSize, path, PageSize)
	assert.Nil(t, err)
	assert.True(t, r.V2HAt(0).InHDDFile())
	assert.True(t, r.V2HAt(1).InHDDFile())
	assert.True(t, !r.V2HAt(2).InHDDFile())
	assert.Nil(t, g.Release(r))

	// Missing file is a config error, not a panic.
	_, err = g.AllocateFile(PageSize, filepath.Join(dir, "nope.dat"), 0)
	assert.True(t, err != nil)

	// Unaligned offset is refused.
	_, err = g.AllocateFile(PageSize, path, 17)
	assert.True(t, err != nil)
	assert.Equal(t, g.InUse(), uint32(0))
}

func TestPageOffsets(t *testing.T) {
	t.Parallel()
	g := NewGroup()
	r, err := g.Allocate(8 * PageSize)
	assert.Nil(t, err)
	assert.Equal(t, r.PageOffset(r.Base()), uint64(0))
	assert.Equal(t, r.PageOffset(r.Base()+uintptr(PageSize)), uint64(1))
	assert.Equal(t, r.PageOffset(r.Base()+uintptr(5*PageSize)+123), uint64(5))
	assert.Equal(t, g.PageOffsetOf(r.ID(), r.Base()+uintptr(7*PageSize)), uint64(7))
	assert.Equal(t, len(r.PageData(3)), int(PageSize))
	assert.Nil(t, g.Release(r))
}
