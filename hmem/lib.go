/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Feb 26 09:18:02 2018 mstenber
 * Last modified: Fri Mar 30 14:37:25 2018 mstenber
 * Edit time:     121 min
 *
 */

// hmem is a user-space, page-granularity hybrid memory hierarchy.
// Allocate or map a region, touch it like ordinary memory inside
// Access, and cold pages spill transparently through a RAM cache and
// a flash-file cache down to the optional backing file.
package hmem

import (
	"unsafe"

	"github.com/fingon/go-hmem/mlog"
	"github.com/fingon/go-hmem/util"
	"github.com/fingon/go-hmem/vrange"
	"github.com/pkg/errors"
)

// Process-wide state; one group per process, as all goroutines share
// the fault servicing machinery.
var libLock util.MutexLocked
var vranges *vrange.Group
var instances *group

func libActive() bool {
	return instances != nil
}

// Init boots the hierarchy: the range registry and count instances,
// each with its share of the three layer budgets and its own flash
// file flashcache-<groupName>-<index> under flashDir.
func Init(flashDir, groupName string,
	l1Bytes, l2Bytes, l3Bytes uint64, count uint32) error {
	defer libLock.Locked()()
	if libActive() {
		return errors.New("hybrid memory already initialized")
	}
	g := &group{}
	if err := g.Init(flashDir, groupName, l1Bytes, l2Bytes, l3Bytes, count); err != nil {
		return err
	}
	vranges = vrange.NewGroup()
	instances = g
	resetStats()
	mlog.Printf2("hmem/lib", "Init %s/%s: %d instances", flashDir, groupName, count)
	return nil
}

// Release tears the whole group down, flushing every still-active
// range the same way Free would.
func Release() {
	defer libLock.Locked()()
	if !libActive() {
		return
	}
	for id := uint32(0); id < vrange.InvalidRangeID; id++ {
		r := vranges.FromID(id)
		if r.Active() {
			releaseRange(r)
		}
	}
	instances.Release()
	instances = nil
	vranges = nil
	mlog.Printf2("hmem/lib", "Release done")
}

// Alloc creates an anonymous region of at least size bytes. Touch it
// only inside Access (or after Fault); every page starts out
// inaccessible.
func Alloc(size uint64) ([]byte, error) {
	defer libLock.Locked()()
	if !libActive() {
		return nil, errors.New("hybrid memory not initialized")
	}
	r, err := vranges.Allocate(size)
	if err != nil {
		return nil, err
	}
	return r.Data(), nil
}

// Map creates a region backed by the named file from fileOffset
// onwards. The file's pre-existing contents show through reads; the
// file owns the canonical bytes once pages wash out of the caches.
func Map(filename string, size, fileOffset uint64) ([]byte, error) {
	defer libLock.Locked()()
	if !libActive() {
		return nil, errors.New("hybrid memory not initialized")
	}
	r, err := vranges.AllocateFile(size, filename, fileOffset)
	if err != nil {
		return nil, err
	}
	return r.Data(), nil
}

// Free releases the region containing the given buffer. Dirty pages
// of a file-backed region are written back to the backing file
// first, freshest copy winning.
func Free(buf []byte) error {
	defer libLock.Locked()()
	if !libActive() {
		return errors.New("hybrid memory not initialized")
	}
	if len(buf) == 0 {
		return errors.New("empty buffer")
	}
	r := vranges.Find(uintptr(unsafe.Pointer(&buf[0])))
	if r == nil {
		return ErrNotManaged
	}
	return releaseRange(r)
}

func releaseRange(r *vrange.VRange) error {
	for i := range instances.instances {
		instances.instances[i].purgeRange(r)
	}
	return vranges.Release(r)
}

// Stats is a snapshot of the group's counters.
type Stats struct {
	Faults       uint64
	RAMHits      uint64
	FlashHits    uint64
	HDDHits      uint64
	FoundPages   uint64
	UnfoundPages uint64

	FlashUsedPages uint64
	FlashFreePages uint64
}

// GetStats snapshots the counters; flash usage is summed over the
// instances.
func GetStats() Stats {
	s := Stats{
		Faults:       numFaults.Load(),
		RAMHits:      ramHits.Load(),
		FlashHits:    flashHits.Load(),
		HDDHits:      hddHits.Load(),
		FoundPages:   foundPages.Load(),
		UnfoundPages: unfoundPages.Load(),
	}
	defer libLock.Locked()()
	if libActive() {
		for i := range instances.instances {
			h := &instances.instances[i]
			h.lock.Lock()
			s.FlashUsedPages += h.flashCache.UsedPages()
			s.FlashFreePages += h.flashCache.FreePages()
			h.lock.Unlock()
		}
	}
	return s
}

func resetStats() {
	numFaults.Store(0)
	ramHits.Store(0)
	flashHits.Store(0)
	hddHits.Store(0)
	foundPages.Store(0)
	unfoundPages.Store(0)
}
