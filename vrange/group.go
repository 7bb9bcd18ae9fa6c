/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Feb 16 10:02:17 2018 mstenber
 * Last modified: Tue Mar 27 10:31:09 2018 mstenber
 * Edit time:     94 min
 *
 */

package vrange

import (
	"github.com/fingon/go-hmem/bitmap"
	"github.com/fingon/go-hmem/itree"
	"github.com/fingon/go-hmem/mlog"
	"github.com/fingon/go-hmem/util"
	"github.com/pkg/errors"
)

// Group is the registry of ranges: a pre-allocated pool indexed by
// range id plus the interval tree that routes a faulting address to
// its owner. The registry lock is reader-writer; fault servicing
// only ever reads.
type Group struct {
	lock util.RWMutexLocked

	ranges []VRange
	// Bit i+1 set = id i free.
	ids   *bitmap.Bitmap
	tree  itree.Tree[*VRange]
	inuse uint32
}

// NewGroup creates an empty registry with the full usable id space
// (0..254) free.
func NewGroup() *Group {
	self := &Group{
		ranges: make([]VRange, usableRanges),
		ids:    bitmap.New(uint64(usableRanges)),
	}
	for i := range self.ranges {
		self.ranges[i].id = uint32(i)
	}
	self.ids.SetAll()
	return self
}

// Allocate activates an anonymous range of at least size bytes.
func (self *Group) Allocate(size uint64) (*VRange, error) {
	defer self.lock.Locked()()
	r, err := self.grab()
	if err != nil {
		return nil, err
	}
	if err = r.Init(size); err != nil {
		self.ungrab(r)
		return nil, err
	}
	self.register(r)
	return r, nil
}

// AllocateFile activates a range backed by the named file from the
// given byte offset onwards.
func (self *Group) AllocateFile(size uint64, filename string, offset uint64) (*VRange, error) {
	defer self.lock.Locked()()
	r, err := self.grab()
	if err != nil {
		return nil, err
	}
	if err = r.InitFile(size, filename, offset); err != nil {
		self.ungrab(r)
		return nil, err
	}
	self.register(r)
	return r, nil
}

func (self *Group) grab() (*VRange, error) {
	pos := self.ids.FfsToggle()
	if pos == 0 {
		return nil, errors.Errorf("all %d range ids in use", usableRanges)
	}
	return &self.ranges[pos-1], nil
}

func (self *Group) ungrab(r *VRange) {
	self.ids.Set(uint64(r.id) + 1)
}

func (self *Group) register(r *VRange) {
	if !self.tree.Insert(uint64(r.Base()), r.size, r) {
		// Two live mappings cannot overlap; this means the
		// registry is corrupt.
		panic("vrange group: overlapping range registration")
	}
	self.inuse++
	mlog.Printf2("vrange/group", "vg.register id %d base %x size %d, %d active",
		r.id, r.Base(), r.size, self.inuse)
}

// Release deactivates the range and recycles its id.
func (self *Group) Release(r *VRange) error {
	defer self.lock.Locked()()
	if !r.active {
		return errors.Errorf("vrange %d is not active", r.id)
	}
	if _, ok := self.tree.Delete(uint64(r.Base())); !ok {
		return errors.Errorf("vrange %d missing from interval tree", r.id)
	}
	r.Release()
	self.ungrab(r)
	self.inuse--
	mlog.Printf2("vrange/group", "vg.Release id %d, %d active", r.id, self.inuse)
	return nil
}

// Find returns the active range containing addr, or nil.
func (self *Group) Find(addr uintptr) *VRange {
	defer self.lock.RLocked()()
	r, ok := self.tree.Find(uint64(addr))
	if !ok {
		return nil
	}
	return r
}

// FromID returns the range with the given id. The id must be valid.
func (self *Group) FromID(id uint32) *VRange {
	if !IsValidRangeID(id) {
		panic("vrange group: invalid range id")
	}
	return &self.ranges[id]
}

// PageOffsetOf converts a page address to its page offset within the
// identified range.
func (self *Group) PageOffsetOf(id uint32, addr uintptr) uint64 {
	return self.FromID(id).PageOffset(addr)
}

func (self *Group) InUse() uint32 { return self.inuse }

func (self *Group) FreeIDs() uint32 { return uint32(usableRanges) - self.inuse }

// ReleaseAll force-releases any ranges still active.
func (self *Group) ReleaseAll() {
	defer self.lock.Locked()()
	for i := range self.ranges {
		r := &self.ranges[i]
		if r.active {
			self.tree.Delete(uint64(r.Base()))
			r.Release()
			self.ungrab(r)
			self.inuse--
		}
	}
}
