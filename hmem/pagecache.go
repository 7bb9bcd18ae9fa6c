/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Feb 19 09:22:31 2018 mstenber
 * Last modified: Wed Mar 28 11:40:19 2018 mstenber
 * Edit time:     87 min
 *
 */

package hmem

import (
	"log"

	"github.com/fingon/go-hmem/freelist"
	"github.com/fingon/go-hmem/mlog"
	"github.com/fingon/go-hmem/vrange"
	"golang.org/x/sys/unix"
)

// pageCacheItem tracks one materialized page (a virtual page the OS
// currently backs with a physical one).
type pageCacheItem struct {
	// The page window of the owning range's mapping.
	page    []byte
	addr    uintptr
	size    uint32
	rangeID uint32
	v2h     *vrange.V2HMap
}

// pageCache is the first cache layer: a bounded FIFO of materialized
// pages. FIFO rather than LRU; entries turn over at page-fault rate
// and the OS exploits the locality already.
type pageCache struct {
	hmem *Instance
	name string

	items *freelist.FreeList[pageCacheItem]

	// FIFO ring over the pre-allocated items.
	queue []*pageCacheItem
	qhead uint64
	qlen  uint64

	maxPages uint64
}

func (self *pageCache) Init(h *Instance, name string, maxBytes uint64) {
	self.maxPages = vrange.RoundUpToPageSize(maxBytes) >> vrange.PageBits
	if self.maxPages == 0 {
		log.Panicf("page cache %s: zero size", name)
	}
	self.items = freelist.New[pageCacheItem](name+"-items", self.maxPages, nil)
	self.queue = make([]*pageCacheItem, self.maxPages)
	self.hmem = h
	self.name = name
}

// AddPage records a freshly materialized page, evicting older ones
// into the RAM cache when the queue is full.
func (self *pageCache) AddPage(page []byte, addr uintptr, size uint32,
	dirty bool, v2h *vrange.V2HMap, rangeID uint32) {
	item := self.items.Get()
	if item == nil {
		if self.EvictItems() == 0 {
			log.Panicf("page cache %s: nothing to evict", self.name)
		}
		item = self.items.Get()
	}
	item.page = page
	item.addr = addr
	item.size = size
	item.rangeID = rangeID
	item.v2h = v2h
	v2h.SetInPageCache(true)
	v2h.SetDirtyPageCache(dirty)
	self.push(item)
}

// EvictItems demotes a batch from the FIFO head into the RAM cache,
// then tells the OS the physical pages are no longer needed and
// re-arms the fault by removing all access.
func (self *pageCache) EvictItems() uint32 {
	released := uint32(0)
	for self.qlen > 0 && released < pageCacheEvictBatch {
		item := self.pop()
		self.hmem.ramCache.AddPage(item.addr, item.page, uint64(item.size),
			item.v2h.DirtyPageCache(), item.v2h, item.rangeID)
		self.drop(item)
		released++
	}
	mlog.Printf2("hmem/pagecache", "pc.EvictItems %s: %d", self.name, released)
	return released
}

// drop unmaterializes the page and recycles the item.
func (self *pageCache) drop(item *pageCacheItem) {
	item.v2h.SetInPageCache(false)
	item.v2h.SetDirtyPageCache(false)
	if err := unix.Madvise(item.page, unix.MADV_DONTNEED); err != nil {
		log.Panicf("page cache %s: madvise %x: %v", self.name, item.addr, err)
	}
	if err := unix.Mprotect(item.page, unix.PROT_NONE); err != nil {
		log.Panicf("page cache %s: mprotect %x: %v", self.name, item.addr, err)
	}
	item.page = nil
	item.v2h = nil
	self.items.Put(item)
}

// purgeRange writes back and drops every queued page of the given
// range; part of range release.
func (self *pageCache) purgeRange(r *vrange.VRange) {
	kept := uint64(0)
	for i := uint64(0); i < self.qlen; i++ {
		item := self.queue[(self.qhead+i)%self.maxPages]
		if item.rangeID != r.ID() {
			self.queue[(self.qhead+kept)%self.maxPages] = item
			kept++
			continue
		}
		if item.v2h.DirtyPageCache() && r.HasBackingFile() {
			off := int64(uint64(item.addr-r.Base()) + r.HDDOffset())
			pwriteFull(r.HDDFd(), item.page, off, self.name)
			item.v2h.SetInHDDFile(true)
			// Anything below holds older bytes now.
			item.v2h.SetDirtyRAMCache(false)
			item.v2h.SetDirtyFlashCache(false)
		}
		self.drop(item)
	}
	self.qlen = kept
}

func (self *pageCache) push(item *pageCacheItem) {
	self.queue[(self.qhead+self.qlen)%self.maxPages] = item
	self.qlen++
}

func (self *pageCache) pop() *pageCacheItem {
	item := self.queue[self.qhead]
	self.qhead = (self.qhead + 1) % self.maxPages
	self.qlen--
	return item
}

func (self *pageCache) Release() {
	if self.qlen > 0 {
		mlog.Printf2("hmem/pagecache", "pc.Release %s: %d pages still queued",
			self.name, self.qlen)
	}
	self.items = nil
	self.queue = nil
}
