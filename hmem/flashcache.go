/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Feb 21 09:31:15 2018 mstenber
 * Last modified: Thu Mar 29 15:23:42 2018 mstenber
 * Edit time:     243 min
 *
 */

package hmem

import (
	"log"
	"time"

	"github.com/fingon/go-hmem/aio"
	"github.com/fingon/go-hmem/mlog"
	"github.com/fingon/go-hmem/pat"
	"github.com/fingon/go-hmem/pst"
	"github.com/fingon/go-hmem/util"
	"github.com/fingon/go-hmem/vrange"
	"golang.org/x/sys/unix"
)

// f2vItem reverse-maps one flash slot to the virtual page it holds:
// range id in the low byte, page offset within the range in the
// remaining 24 bits. Range id 0xff marks a free slot.
type f2vItem uint32

func (self f2vItem) rangeID() uint32 { return uint32(self & 0xff) }

func (self f2vItem) pageOff() uint64 { return uint64(self >> 8) }

func makeF2V(rangeID uint32, pageOff uint64) f2vItem {
	if pageOff >= 1<<vrange.FlashSlotBits {
		log.Panicf("f2v: page offset %d over %d bits", pageOff, vrange.FlashSlotBits)
	}
	return f2vItem(rangeID&0xff) | f2vItem(pageOff)<<8
}

var invalidF2V = makeF2V(vrange.InvalidRangeID, 0)

// flashCache is the third cache layer: a direct-I/O file of
// page-sized slots, an allocation trie and an access-frequency trie
// over the slots, and the reverse map back to virtual pages. Dirty
// slots whose range has a backing hdd file migrate there on
// eviction.
type flashCache struct {
	hmem     *Instance
	name     string
	filename string

	fd       int
	directIO bool
	fileSize uint64

	totalPages uint64
	f2v        []f2vItem

	alloc *pat.Table
	stats *pst.Table

	// Page-aligned scratch buffers for flash<->hdd traffic, one
	// chunk's worth, handed out LIFO.
	auxArea    []byte
	auxBuffers [][]byte

	// Eviction scratch, sized once.
	evictPages []uint64
	migrateSet []uint64

	hits              uint64
	overflowPages     uint64
	totalEvict2HDD    uint64
	maxMigrateLatency time.Duration
}

func (self *flashCache) Init(h *Instance, name, filename string, maxBytes uint64) error {
	totalPages := vrange.RoundUpToPageSize(maxBytes) >> vrange.PageBits
	if totalPages == 0 {
		log.Panicf("flash cache %s: zero size", name)
	}
	self.f2v = make([]f2vItem, totalPages)
	util.TryMlock(util.SliceBytes(self.f2v))
	for i := range self.f2v {
		self.f2v[i] = invalidF2V
	}

	auxCount := uint64(1) << vrange.ChunkBits
	self.auxArea = util.AlignedBuffer(auxCount*vrange.PageSize, vrange.PageSize)
	util.TryMlock(self.auxArea)
	self.auxBuffers = make([][]byte, 0, auxCount)
	for i := uint64(0); i < auxCount; i++ {
		self.auxBuffers = append(self.auxBuffers,
			self.auxArea[i*vrange.PageSize:(i+1)*vrange.PageSize])
	}

	self.alloc = pat.New(name+"-pat", totalPages)
	self.stats = pst.New(name+"-pst", totalPages)

	fd, direct, err := util.OpenDirect(filename,
		unix.O_CREAT|unix.O_RDWR|unix.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	self.fileSize = totalPages * vrange.PageSize
	if err = unix.Ftruncate(fd, int64(self.fileSize)); err != nil {
		unix.Close(fd)
		return err
	}
	mlog.Printf2("hmem/flashcache", "fc.Init %s: %s, %d bytes, %d slots, direct=%v",
		name, filename, self.fileSize, totalPages, direct)

	self.evictPages = make([]uint64, 0, flashEvictBatch)
	self.migrateSet = make([]uint64, 0, flashEvictBatch)
	self.hmem = h
	self.name = name
	self.filename = filename
	self.fd = fd
	self.directIO = direct
	self.totalPages = totalPages
	return nil
}

// AddPage saves a page that overflowed from the RAM cache. A page
// already owning a slot reuses it; otherwise one is allocated,
// evicting a batch first when the table is full. The bytes hit the
// flash file only when they are new to this layer or dirty.
func (self *flashCache) AddPage(data []byte, size uint64, dirty bool,
	v2h *vrange.V2HMap, rangeID uint32, pageAddr uintptr) {
	if !vrange.IsValidRangeID(rangeID) {
		log.Panicf("flash cache %s: invalid range id %d", self.name, rangeID)
	}
	if size != vrange.PageSize {
		log.Panicf("flash cache %s: odd page size %d", self.name, size)
	}
	pageOff := vranges.PageOffsetOf(rangeID, pageAddr)

	var slot uint64
	wasCached := v2h.InFlashCache()
	if wasCached {
		slot = v2h.FlashSlot()
		if slot >= self.totalPages {
			log.Panicf("flash cache %s: v2h slot %d >= total %d",
				self.name, slot, self.totalPages)
		}
		if self.f2v[slot].rangeID() != rangeID || self.f2v[slot].pageOff() != pageOff {
			log.Panicf("flash cache %s: slot %d maps (%d,%d), expected (%d,%d)",
				self.name, slot, self.f2v[slot].rangeID(), self.f2v[slot].pageOff(),
				rangeID, pageOff)
		}
	} else {
		var ok bool
		if slot, ok = self.alloc.AllocateOne(); !ok {
			self.EvictItems(flashEvictBatch)
			self.overflowPages += flashEvictBatch
			if slot, ok = self.alloc.AllocateOne(); !ok {
				log.Panicf("flash cache %s: no slot even after evict (page %d of range %d)",
					self.name, pageOff, rangeID)
			}
		}
		if vrange.IsValidRangeID(self.f2v[slot].rangeID()) {
			log.Panicf("flash cache %s: fresh slot %d still mapped to range %d",
				self.name, slot, self.f2v[slot].rangeID())
		}
	}
	if !wasCached || dirty {
		pwriteFull(self.fd, data[:size], int64(slot<<vrange.PageBits), self.name)
	}
	self.f2v[slot] = makeF2V(rangeID, pageOff)
	v2h.SetInFlashCache(true)
	v2h.SetDirtyFlashCache(dirty)
	v2h.SetFlashSlot(slot)
	self.stats.Increase(slot, 1)
}

// LoadPage reads the slot's bytes into dest (the materialized page)
// and counts the access.
func (self *flashCache) LoadPage(dest []byte, slot uint64,
	rangeID uint32, pageOff uint64) {
	if self.f2v[slot].rangeID() != rangeID || self.f2v[slot].pageOff() != pageOff {
		log.Panicf("flash cache %s: slot %d maps (%d,%d), expected (%d,%d)",
			self.name, slot, self.f2v[slot].rangeID(), self.f2v[slot].pageOff(),
			rangeID, pageOff)
	}
	preadFull(self.fd, dest[:vrange.PageSize], int64(slot<<vrange.PageBits), self.name)
	self.hits++
	self.stats.Increase(slot, 1)
}

// LoadFromHDDFile reads the page straight from the range's backing
// file; used when the page has no cached copy anywhere but is known
// to be on disk.
func (self *flashCache) LoadFromHDDFile(r *vrange.VRange, pageAddr uintptr,
	v2h *vrange.V2HMap) {
	dest := r.PageData(r.PageOffset(pageAddr))
	off := int64(uint64(pageAddr-r.Base()) + r.HDDOffset())
	preadFull(r.HDDFd(), dest, off, self.name)
}

// EvictItems frees the coldest slots. Dirty slots whose range has a
// backing file migrate their bytes there first (unless a fresher copy
// lives above this layer); every selected slot is freed regardless.
func (self *flashCache) EvictItems(pagesToEvict uint64) uint32 {
	self.evictPages = self.evictPages[:0]
	evicted := self.stats.FindColdest(pagesToEvict, &self.evictPages)
	if evicted == 0 {
		log.Panicf("flash cache %s: stats table found nothing to evict", self.name)
	}

	self.migrateSet = self.migrateSet[:0]
	for _, slot := range self.evictPages {
		item := self.f2v[slot]
		if !vrange.IsValidRangeID(item.rangeID()) {
			log.Panicf("flash cache %s: evicting slot %d with no owner", self.name, slot)
		}
		r := vranges.FromID(item.rangeID())
		v2h := r.V2HAt(item.pageOff())
		if v2h.DirtyFlashCache() && r.HasBackingFile() {
			self.migrateSet = append(self.migrateSet, slot)
		}
	}
	if len(self.migrateSet) > 0 {
		self.MigrateToHDD(self.migrateSet)
	}

	for _, slot := range self.evictPages {
		if self.alloc.IsFree(slot) {
			log.Panicf("flash cache %s: slot %d already free", self.name, slot)
		}
		item := self.f2v[slot]
		r := vranges.FromID(item.rangeID())
		v2h := r.V2HAt(item.pageOff())
		self.alloc.Free(slot)
		v2h.SetInFlashCache(false)
		v2h.SetDirtyFlashCache(false)
		self.f2v[slot] = invalidF2V
	}
	mlog.Printf2("hmem/flashcache", "fc.EvictItems %s: %d", self.name, evicted)
	return uint32(evicted)
}

// MigrateToHDD moves the given dirty slots' bytes to their ranges'
// backing files. A page whose newest copy is above this layer is
// skipped: dirty in the page cache means the update may be mid-write,
// dirty in the RAM cache means that layer owns the write-back. The
// copies go read-from-flash then write-to-hdd, chained through the
// async engine when it has room, inline otherwise.
func (self *flashCache) MigrateToHDD(slots []uint64) uint32 {
	mgr := self.hmem.aioMgr
	useAsync := self.hmem.asyncEnabled &&
		mgr.NumberFreeRequests() >= 2*uint64(len(slots))
	var reads []*aio.Request
	completions := uint64(0)
	started := time.Now()

	for _, slot := range slots {
		item := self.f2v[slot]
		r := vranges.FromID(item.rangeID())
		pageOff := item.pageOff()
		v2h := r.V2HAt(pageOff)
		hddOff := int64(pageOff<<vrange.PageBits + r.HDDOffset())

		switch {
		case v2h.DirtyPageCache():
			if !v2h.InPageCache() {
				log.Panicf("flash cache %s: dirty-L1 bit without L1 presence (page %d)",
					self.name, pageOff)
			}
			mlog.Printf2("hmem/flashcache",
				"fc %s: slot %d page %d dirty in page cache, not migrated",
				self.name, slot, pageOff)
		case v2h.DirtyRAMCache():
			if self.hmem.ramCache.GetItem(r.Base()+uintptr(pageOff<<vrange.PageBits)) == nil {
				log.Panicf("flash cache %s: dirty-L2 bit without L2 entry (page %d)",
					self.name, pageOff)
			}
			mlog.Printf2("hmem/flashcache",
				"fc %s: slot %d page %d dirty in ram cache, write-back deferred",
				self.name, slot, pageOff)
		case v2h.DirtyFlashCache():
			buf := self.popAux()
			if useAsync {
				req := mgr.GetRequest()
				followup := mgr.GetRequest()
				if req == nil || followup == nil {
					log.Panicf("flash cache %s: async request pool lied about capacity",
						self.name)
				}
				req.Prepare(self.fd, buf, int64(slot<<vrange.PageBits), aio.Read)
				followup.Prepare(r.HDDFd(), buf, hddOff, aio.Write)
				v2hHere := v2h
				bufHere := buf
				req.AddCompletionCallback(func(rq *aio.Request, result int) {
					rq.Manager().Submit(followup)
				})
				followup.AddCompletionCallback(func(rq *aio.Request, result int) {
					if result != rq.Size() {
						log.Panicf("flash cache %s: hdd write returned %d of %d",
							self.name, result, rq.Size())
					}
					v2hHere.SetDirtyFlashCache(false)
					v2hHere.SetInFlashCache(false)
					v2hHere.SetInHDDFile(true)
					self.pushAux(bufHere)
				})
				reads = append(reads, req)
			} else {
				preadFull(self.fd, buf, int64(slot<<vrange.PageBits), self.name)
				pwriteFull(r.HDDFd(), buf, hddOff, self.name)
				self.pushAux(buf)
				v2h.SetDirtyFlashCache(false)
				v2h.SetInFlashCache(false)
				v2h.SetInHDDFile(true)
			}
		}
	}

	if useAsync && len(reads) > 0 {
		if !mgr.SubmitBatch(reads) {
			log.Panicf("flash cache %s: batch submit of %d requests failed",
				self.name, len(reads))
		}
		want := 2 * uint64(len(reads))
		deadline := time.Now().Add(migrateTimeout)
		for completions < want {
			remain := time.Until(deadline)
			if remain <= 0 {
				mlog.Printf2("hmem/flashcache",
					"fc %s: migrate timeout, %d of %d completions",
					self.name, completions, want)
				break
			}
			completions += mgr.Wait(1, remain)
		}
	}

	latency := time.Since(started)
	if latency > self.maxMigrateLatency {
		self.maxMigrateLatency = latency
	}
	self.totalEvict2HDD += uint64(len(slots))
	return uint32(len(slots))
}

// purgeRange flushes and frees every slot of the given range; part
// of range release. Slots whose dirty bit survived the upper layers'
// write-backs go to the backing file synchronously.
func (self *flashCache) purgeRange(r *vrange.VRange) {
	for slot := uint64(0); slot < self.totalPages; slot++ {
		item := self.f2v[slot]
		if item.rangeID() != r.ID() {
			continue
		}
		pageOff := item.pageOff()
		v2h := r.V2HAt(pageOff)
		if v2h.DirtyFlashCache() && r.HasBackingFile() {
			buf := self.popAux()
			preadFull(self.fd, buf, int64(slot<<vrange.PageBits), self.name)
			pwriteFull(r.HDDFd(), buf, int64(pageOff<<vrange.PageBits+r.HDDOffset()),
				self.name)
			self.pushAux(buf)
			v2h.SetInHDDFile(true)
		}
		self.alloc.Free(slot)
		v2h.SetInFlashCache(false)
		v2h.SetDirtyFlashCache(false)
		self.f2v[slot] = invalidF2V
	}
}

func (self *flashCache) popAux() []byte {
	if len(self.auxBuffers) == 0 {
		log.Panicf("flash cache %s: aux buffer pool empty", self.name)
	}
	buf := self.auxBuffers[len(self.auxBuffers)-1]
	self.auxBuffers = self.auxBuffers[:len(self.auxBuffers)-1]
	return buf
}

func (self *flashCache) pushAux(buf []byte) {
	self.auxBuffers = append(self.auxBuffers, buf)
}

func (self *flashCache) UsedPages() uint64 { return self.alloc.UsedPages() }

func (self *flashCache) FreePages() uint64 { return self.alloc.FreePages() }

func (self *flashCache) Release() {
	unix.Close(self.fd)
	util.TryMunlock(util.SliceBytes(self.f2v))
	util.TryMunlock(self.auxArea)
	self.f2v = nil
	self.auxArea = nil
	self.auxBuffers = nil
	self.alloc = nil
	self.stats = nil
	mlog.Printf2("hmem/flashcache",
		"fc.Release %s: evicted %d pages to hdd, max migrate latency %v",
		self.name, self.totalEvict2HDD, self.maxMigrateLatency)
}

// preadFull/pwriteFull: the flash and hdd files are plain fds; a
// short transfer or error means the hybrid memory's contract cannot
// be kept, so both panic with context rather than return.
func preadFull(fd int, buf []byte, off int64, who string) {
	done := 0
	for done < len(buf) {
		n, err := unix.Pread(fd, buf[done:], off+int64(done))
		if err != nil || n == 0 {
			log.Panicf("%s: pread fd %d offset %d size %d: got %d, %v",
				who, fd, off, len(buf), done, err)
		}
		done += n
	}
}

func pwriteFull(fd int, buf []byte, off int64, who string) {
	done := 0
	for done < len(buf) {
		n, err := unix.Pwrite(fd, buf[done:], off+int64(done))
		if err != nil || n == 0 {
			log.Panicf("%s: pwrite fd %d offset %d size %d: got %d, %v",
				who, fd, off, len(buf), done, err)
		}
		done += n
	}
}
