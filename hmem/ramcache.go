/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Feb 20 10:14:26 2018 mstenber
 * Last modified: Wed Mar 28 12:02:51 2018 mstenber
 * Edit time:     132 min
 *
 */

package hmem

import (
	"log"

	"github.com/fingon/go-hmem/freelist"
	"github.com/fingon/go-hmem/hashtable"
	"github.com/fingon/go-hmem/lru"
	"github.com/fingon/go-hmem/mlog"
	"github.com/fingon/go-hmem/util"
	"github.com/fingon/go-hmem/vrange"
)

// ramCacheItem caches one page's bytes in pinned memory after the
// page itself has been unmaterialized. It is threaded through both
// the hash table (by page address) and the recency list; linking and
// unlinking the two always happen together.
type ramCacheItem struct {
	lruLinks lru.Links[ramCacheItem]
	hashNext *ramCacheItem

	// Virtual page address the cached copy belongs to.
	key     uintptr
	v2h     *vrange.V2HMap
	rangeID uint32

	// Pinned, page-aligned copy of the page; aligned so it can go
	// straight to the flash file with direct I/O.
	data []byte
}

// ramCache is the second cache layer: pages evicted from the page
// cache land here, ordered by recency.
type ramCache struct {
	hmem *Instance
	name string

	items   *freelist.FreeList[ramCacheItem]
	table   *hashtable.Table[ramCacheItem]
	lruList *lru.List[ramCacheItem]

	// Backing store for all item buffers.
	dataArea []byte

	hits   uint64
	misses uint64
}

func (self *ramCache) Init(h *Instance, name string, maxBytes uint64) {
	pages := vrange.RoundUpToPageSize(maxBytes) >> vrange.PageBits
	if pages == 0 {
		log.Panicf("ram cache %s: zero size", name)
	}
	self.dataArea = util.AlignedBuffer(pages*vrange.PageSize, vrange.PageSize)
	util.TryMlock(self.dataArea)
	self.items = freelist.New[ramCacheItem](name+"-items", pages,
		func(i uint64, item *ramCacheItem) {
			item.data = self.dataArea[i*vrange.PageSize : (i+1)*vrange.PageSize]
		})
	// Load factor 4/3, as good a compromise as any for chains of
	// pointer-sized keys.
	self.table = hashtable.New[ramCacheItem](name+"-hash", pages*3/4,
		func(item *ramCacheItem) uintptr { return item.key },
		func(item *ramCacheItem) **ramCacheItem { return &item.hashNext })
	self.lruList = lru.New[ramCacheItem](
		func(item *ramCacheItem) *lru.Links[ramCacheItem] { return &item.lruLinks })
	self.hmem = h
	self.name = name
}

// GetItem returns the cached entry for the given page address (and
// freshens it), or nil.
func (self *ramCache) GetItem(pageAddr uintptr) *ramCacheItem {
	if uint64(pageAddr)&(vrange.PageSize-1) != 0 {
		log.Panicf("ram cache %s: unaligned lookup %x", self.name, pageAddr)
	}
	item := self.table.Lookup(pageAddr)
	if item == nil {
		self.misses++
		return nil
	}
	self.hits++
	self.lruList.Update(item)
	return item
}

// AddPage caches the page bytes at pageAddr. For an already cached
// page a dirty add refreshes the bytes; otherwise a free entry is
// taken (evicting from the tail first if need be) and the page is
// linked into hash and recency list.
func (self *ramCache) AddPage(pageAddr uintptr, src []byte, size uint64,
	dirty bool, v2h *vrange.V2HMap, rangeID uint32) {
	if size > vrange.PageSize {
		log.Panicf("ram cache %s: oversized page %d", self.name, size)
	}
	if item := self.table.Lookup(pageAddr); item != nil {
		if item.v2h != v2h {
			log.Panicf("ram cache %s: v2h mismatch for %x", self.name, pageAddr)
		}
		if dirty {
			copy(item.data, src[:size])
			v2h.SetDirtyRAMCache(true)
		}
		self.lruList.Update(item)
		return
	}
	item := self.items.Get()
	for item == nil {
		if self.EvictItems() == 0 {
			log.Panicf("ram cache %s: unable to evict anything", self.name)
		}
		item = self.items.Get()
	}
	copy(item.data, src[:size])
	item.key = pageAddr
	item.rangeID = rangeID
	item.v2h = v2h
	v2h.SetInRAMCache(true)
	v2h.SetDirtyRAMCache(dirty)
	self.table.Insert(item)
	self.lruList.Link(item)
}

// Remove unlinks the entry from both containers and recycles it.
func (self *ramCache) Remove(item *ramCacheItem) {
	self.lruList.Unlink(item)
	self.table.Remove(item.key)
	item.v2h.SetInRAMCache(false)
	item.v2h.SetDirtyRAMCache(false)
	item.v2h = nil
	item.key = 0
	self.items.Put(item)
}

// EvictItems scans from the least recent end for a batch of entries
// whose page is not currently materialized (a page must never be
// demoted while also live in the page cache) and demotes them to the
// flash cache.
func (self *ramCache) EvictItems() uint32 {
	var batch [ramCacheEvictBatch]*ramCacheItem
	found := 0
	for item := self.lruList.Tail(); item != nil && found < ramCacheEvictBatch; item = self.lruList.Prev(item) {
		if !item.v2h.InRAMCache() {
			log.Panicf("ram cache %s: listed item for %x not marked cached",
				self.name, item.key)
		}
		if !item.v2h.InPageCache() {
			batch[found] = item
			found++
		}
	}
	for _, item := range batch[:found] {
		v2h := item.v2h
		if !v2h.InFlashCache() || v2h.DirtyRAMCache() {
			self.hmem.flashCache.AddPage(item.data, vrange.PageSize,
				v2h.DirtyRAMCache(), v2h, item.rangeID, item.key)
		}
		self.Remove(item)
	}
	mlog.Printf2("hmem/ramcache", "rc.EvictItems %s: %d", self.name, found)
	return uint32(found)
}

// purgeRange writes back and drops every cached page of the given
// range; part of range release.
func (self *ramCache) purgeRange(r *vrange.VRange) {
	item := self.lruList.Tail()
	for item != nil {
		prev := self.lruList.Prev(item)
		if item.rangeID == r.ID() {
			if item.v2h.DirtyRAMCache() && r.HasBackingFile() {
				off := int64(uint64(item.key-r.Base()) + r.HDDOffset())
				pwriteFull(r.HDDFd(), item.data, off, self.name)
				item.v2h.SetInHDDFile(true)
				item.v2h.SetDirtyFlashCache(false)
			}
			self.Remove(item)
		}
		item = prev
	}
}

func (self *ramCache) CachedObjects() uint64 {
	return self.items.Total() - self.items.Avail()
}

func (self *ramCache) Release() {
	util.TryMunlock(self.dataArea)
	self.dataArea = nil
	self.items = nil
	self.table = nil
	self.lruList = nil
}
