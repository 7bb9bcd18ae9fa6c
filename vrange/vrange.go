/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Feb 15 09:40:33 2018 mstenber
 * Last modified: Tue Mar 27 10:19:44 2018 mstenber
 * Edit time:     176 min
 *
 */

// vrange implements registered virtual-address ranges. A range is a
// contiguous page-aligned anonymous mapping, initially PROT_NONE so
// every first touch faults, with one packed V2HMap record per page
// and optionally a backing hdd file that owns the canonical bytes.
package vrange

import (
	"os"
	"unsafe"

	"github.com/fingon/go-hmem/mlog"
	"github.com/fingon/go-hmem/util"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func unsafePointer(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

type VRange struct {
	id     uint32
	active bool

	// The mapping itself; len(data) == size.
	data  []byte
	size  uint64
	pages uint64

	v2h []V2HMap

	hasHDD      bool
	hddFilename string
	hddFd       int
	hddDirect   bool
	hddOffset   uint64
}

// Init activates the range as an anonymous region of at least size
// bytes (rounded up to pages), protected PROT_NONE.
func (self *VRange) Init(size uint64) error {
	if self.active {
		return errors.Errorf("vrange %d already active", self.id)
	}
	size = RoundUpToPageSize(size)
	if size < PageSize {
		return errors.Errorf("vrange size %d too small", size)
	}
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return errors.Wrapf(err, "mmap of %d bytes", size)
	}
	self.data = data
	self.size = size
	self.pages = size >> PageBits
	self.v2h = make([]V2HMap, self.pages)
	util.TryMlock(util.SliceBytes(self.v2h))
	self.hasHDD = false
	self.hddFd = -1
	self.active = true
	mlog.Printf2("vrange/vrange", "vr.Init %d: base %x, %d pages",
		self.id, self.Base(), self.pages)
	return nil
}

// InitFile activates the range backed by the named file starting at
// the given byte offset. The file must already exist; it is extended
// when offset+size reaches past its end. Pages that lie within the
// file's pre-existing size start out as present on disk.
func (self *VRange) InitFile(size uint64, filename string, offset uint64) error {
	if offset%PageSize != 0 {
		return errors.Errorf("file offset %d not page aligned", offset)
	}
	st, err := os.Stat(filename)
	if err != nil {
		return errors.Wrapf(err, "stat %s", filename)
	}
	if !st.Mode().IsRegular() {
		return errors.Errorf("%s is not a regular file", filename)
	}
	if err = self.Init(size); err != nil {
		return err
	}
	oldSize := uint64(st.Size())
	fd, direct, err := util.OpenDirect(filename, unix.O_RDWR, 0666)
	if err != nil {
		self.Release()
		return errors.Wrapf(err, "open %s", filename)
	}
	if offset+self.size > oldSize {
		if err = unix.Ftruncate(fd, int64(offset+self.size)); err != nil {
			unix.Close(fd)
			self.Release()
			return errors.Wrapf(err, "extend %s to %d", filename, offset+self.size)
		}
		mlog.Printf2("vrange/vrange", "vr %d: extended %s from %d to %d",
			self.id, filename, oldSize, offset+self.size)
	}
	self.hddFd = fd
	self.hddDirect = direct
	self.hddFilename = filename
	self.hddOffset = offset
	self.hasHDD = true
	if oldSize > offset {
		backed := util.UMin((oldSize-offset+PageSize-1)/PageSize, self.pages)
		for i := uint64(0); i < backed; i++ {
			self.v2h[i].SetInHDDFile(true)
		}
		mlog.Printf2("vrange/vrange", "vr %d: first %d pages backed by %s",
			self.id, backed, filename)
	}
	return nil
}

// Release deactivates the range: unmaps the region, unpins and drops
// the metadata, closes the backing file.
func (self *VRange) Release() {
	if !self.active {
		return
	}
	_ = unix.Munmap(self.data)
	self.data = nil
	util.TryMunlock(util.SliceBytes(self.v2h))
	self.v2h = nil
	if self.hasHDD {
		unix.Close(self.hddFd)
		self.hasHDD = false
		self.hddFd = -1
	}
	self.active = false
	mlog.Printf2("vrange/vrange", "vr.Release %d", self.id)
}

func (self *VRange) ID() uint32 { return self.id }

func (self *VRange) Active() bool { return self.active }

func (self *VRange) Base() uintptr {
	return uintptr(unsafePointer(self.data))
}

func (self *VRange) Data() []byte { return self.data }

func (self *VRange) Size() uint64 { return self.size }

func (self *VRange) Pages() uint64 { return self.pages }

func (self *VRange) HasBackingFile() bool { return self.hasHDD }

func (self *VRange) HDDFd() int { return self.hddFd }

func (self *VRange) HDDOffset() uint64 { return self.hddOffset }

func (self *VRange) HDDFilename() string { return self.hddFilename }

// PageOffset converts a virtual address within the range to its page
// offset from the range base.
func (self *VRange) PageOffset(addr uintptr) uint64 {
	return uint64(addr-self.Base()) >> PageBits
}

// PageData returns the page-sized window of the mapping at the given
// page offset.
func (self *VRange) PageData(pageOff uint64) []byte {
	off := pageOff << PageBits
	return self.data[off : off+PageSize]
}

// V2H returns the metadata record for the page at the given byte
// offset from the range base.
func (self *VRange) V2H(addrOffset uint64) *V2HMap {
	return &self.v2h[addrOffset>>PageBits]
}

// V2HAt returns the metadata record for the page at the given page
// offset.
func (self *VRange) V2HAt(pageOff uint64) *V2HMap {
	return &self.v2h[pageOff]
}
