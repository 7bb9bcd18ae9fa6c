/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Feb 22 09:44:50 2018 mstenber
 * Last modified: Thu Mar 29 16:02:11 2018 mstenber
 * Edit time:     66 min
 *
 */

package hmem

import (
	"fmt"
	"path/filepath"

	"github.com/fingon/go-hmem/aio"
	"github.com/fingon/go-hmem/mlog"
	"github.com/fingon/go-hmem/util"
	"github.com/fingon/go-hmem/vrange"
	"github.com/pkg/errors"
)

// Instance is one self-contained shard of the hierarchy: page cache,
// RAM cache, flash cache and async engine behind one coarse lock.
// The lock is held across entire fault servicing; the only other lock
// taken inside an instance is the async engine's own.
type Instance struct {
	lock util.MutexLocked

	id    uint32
	ready bool

	pageCache  pageCache
	ramCache   ramCache
	flashCache flashCache

	aioMgr       *aio.Manager
	asyncEnabled bool
}

func (self *Instance) Init(flashDir, groupName string,
	l1Bytes, l2Bytes, l3Bytes uint64, id uint32) error {
	if self.ready {
		return errors.Errorf("hmem instance %d already initialized", id)
	}
	if l1Bytes == 0 || l2Bytes == 0 {
		return errors.Errorf("hmem instance %d: zero cache budget", id)
	}
	// Flash size aligns down to a megabyte.
	l3Bytes = l3Bytes >> 20 << 20
	if l3Bytes == 0 {
		return errors.Errorf("hmem instance %d: flash share below 1 MiB", id)
	}
	self.id = id
	name := fmt.Sprintf("hmem-%d", id)
	flashFile := filepath.Join(flashDir,
		fmt.Sprintf("flashcache-%s-%d", groupName, id))

	self.pageCache.Init(self, name+"-pagecache", l1Bytes)
	self.ramCache.Init(self, name+"-ramcache", l2Bytes)
	if err := self.flashCache.Init(self, name+"-flashcache", flashFile, l3Bytes); err != nil {
		return errors.Wrapf(err, "flash cache of instance %d", id)
	}
	self.aioMgr = aio.NewManager(maxOutstandingAsyncIO)
	self.asyncEnabled = true
	self.ready = true
	mlog.Printf2("hmem/instance", "hm.Init %d: l1=%d l2=%d l3=%d",
		id, l1Bytes, l2Bytes, l3Bytes)
	return nil
}

func (self *Instance) Lock() { self.lock.Lock() }

func (self *Instance) Unlock() { self.lock.Unlock() }

// purgeRange flushes and forgets every cached copy belonging to the
// range, newest layer first so older copies never clobber newer
// bytes in the backing file.
func (self *Instance) purgeRange(r *vrange.VRange) {
	defer self.lock.Locked()()
	self.pageCache.purgeRange(r)
	self.ramCache.purgeRange(r)
	self.flashCache.purgeRange(r)
}

func (self *Instance) Release() {
	if !self.ready {
		return
	}
	self.aioMgr.Release()
	self.pageCache.Release()
	self.ramCache.Release()
	self.flashCache.Release()
	self.ready = false
}

// group shards the address space over instances round-robin by
// chunk.
type group struct {
	flashDir  string
	name      string
	instances []Instance
}

func (self *group) Init(flashDir, groupName string,
	l1Bytes, l2Bytes, l3Bytes uint64, count uint32) error {
	if count == 0 || count > MaxInstances {
		return errors.Errorf("instance count %d out of range [1,%d]",
			count, MaxInstances)
	}
	self.flashDir = flashDir
	self.name = groupName
	self.instances = make([]Instance, count)
	n := uint64(count)
	for i := range self.instances {
		err := self.instances[i].Init(flashDir, groupName,
			l1Bytes/n, l2Bytes/n, l3Bytes/n, uint32(i))
		if err != nil {
			for j := 0; j < i; j++ {
				self.instances[j].Release()
			}
			return err
		}
	}
	return nil
}

// instanceFor routes a byte offset (from the owning range's base) to
// its instance: consecutive chunks of 2^ChunkBits pages round-robin
// over the instances.
func (self *group) instanceFor(offset uint64) *Instance {
	idx := offset >> vrange.PageBits >> vrange.ChunkBits
	return &self.instances[idx%uint64(len(self.instances))]
}

func (self *group) Release() {
	for i := range self.instances {
		self.instances[i].Release()
	}
	self.instances = nil
}
