/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Feb 23 10:08:33 2018 mstenber
 * Last modified: Fri Mar 30 13:12:56 2018 mstenber
 * Edit time:     158 min
 *
 */

package hmem

import (
	"log"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/fingon/go-hmem/mlog"
	"github.com/fingon/go-hmem/vrange"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Fault statistics; atomics bumped by fault servicing, read lock-free
// by GetStats.
var numFaults atomic.Uint64
var foundPages atomic.Uint64
var unfoundPages atomic.Uint64
var ramHits atomic.Uint64
var flashHits atomic.Uint64
var hddHits atomic.Uint64

// ErrNotManaged reports a fault address outside every registered
// range.
var ErrNotManaged = errors.New("address not within any registered range")

// faultAddresser is how the runtime's fault panics expose the
// faulting address (see runtime.Error and debug.SetPanicOnFault).
type faultAddresser interface {
	runtime.Error
	Addr() uintptr
}

// Access runs fn, transparently materializing any hybrid memory
// pages it touches. The first touch of a page surfaces as a fault
// panic carrying the address; Access services the page and re-runs
// fn, so fn must tolerate re-execution from the top (page-granular
// reads and writes trivially do). A write to a page materialized
// read-only faults once more and upgrades it in place.
//
// Panics that are not hybrid memory faults, and faults at addresses
// no registered range covers, propagate unchanged, exactly as a
// fault handler must hand unrelated violations back to the default
// one.
func Access(fn func()) error {
	if !libActive() {
		return errors.New("hybrid memory not initialized")
	}
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	for {
		addr, raw := runGuarded(fn)
		if raw == nil {
			return nil
		}
		if err := Fault(addr); err != nil {
			// Not ours; let the original fault through.
			panic(raw)
		}
	}
}

// runGuarded executes fn, converting a recovered fault panic into
// its faulting address. Any other panic resumes.
func runGuarded(fn func()) (addr uintptr, raw any) {
	defer func() {
		if e := recover(); e != nil {
			fe, ok := e.(faultAddresser)
			if !ok || fe.Addr() == 0 {
				panic(e)
			}
			addr = fe.Addr()
			raw = e
		}
	}()
	fn()
	return
}

// Fault services one faulting address: locate the owning range and
// instance, find the freshest copy of the page, materialize it, and
// queue it in the page cache (which may cascade demotions all the
// way to the backing file).
func Fault(addr uintptr) error {
	numFaults.Add(1)
	g := vranges
	if g == nil {
		return errors.New("hybrid memory not initialized")
	}
	r := g.Find(addr)
	if r == nil {
		mlog.Printf2("hmem/fault", "fault at %x: not managed", addr)
		return ErrNotManaged
	}

	h := instances.instanceFor(uint64(addr - r.Base()))
	defer h.lock.Locked()()

	pageOff := r.PageOffset(addr &^ uintptr(vrange.PageSize-1))
	v2h := r.V2HAt(pageOff)
	page := r.PageData(pageOff)

	if v2h.InPageCache() {
		// The page is already materialized and readable, so
		// this fault is a write to a read-only page (a read
		// here would be the benign race of two threads
		// faulting together): make it writable and remember
		// the dirtiness.
		if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			log.Panicf("fault: mprotect rw %x: %v", addr, err)
		}
		v2h.SetDirtyPageCache(true)
		return nil
	}

	// Materialize: writable first so the population below can fill
	// the zero page the OS hands out.
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		log.Panicf("fault: mprotect rw %x: %v", addr, err)
	}
	if loadData(page, addr, r, h, v2h) {
		foundPages.Add(1)
	} else {
		unfoundPages.Add(1)
	}
	// First touch always ends read-only; an actual write upgrades
	// on its own fault just above.
	if err := unix.Mprotect(page, unix.PROT_READ); err != nil {
		log.Panicf("fault: mprotect ro %x: %v", addr, err)
	}
	h.pageCache.AddPage(page, r.Base()+uintptr(pageOff<<vrange.PageBits),
		uint32(vrange.PageSize), false, v2h, r.ID())
	return nil
}

// loadData fills the just-materialized page from the freshest layer
// that has a copy: RAM cache, then flash, then the backing file.
// With no copy anywhere the OS zero page stands (a brand-new page).
func loadData(page []byte, addr uintptr, r *vrange.VRange,
	h *Instance, v2h *vrange.V2HMap) bool {
	if v2h.InPageCache() {
		log.Panicf("loadData for materialized page %x", addr)
	}
	pageAddr := addr &^ uintptr(vrange.PageSize-1)
	switch {
	case v2h.InRAMCache():
		item := h.ramCache.GetItem(pageAddr)
		if item == nil {
			log.Panicf("v2h says %x in ram cache, lookup found nothing", pageAddr)
		}
		copy(page, item.data)
		ramHits.Add(1)
	case v2h.InFlashCache():
		h.flashCache.LoadPage(page, v2h.FlashSlot(), r.ID(), r.PageOffset(pageAddr))
		flashHits.Add(1)
	case v2h.InHDDFile():
		if r.HDDFd() < 0 {
			log.Panicf("v2h says %x on disk, range %d has no backing file",
				pageAddr, r.ID())
		}
		h.flashCache.LoadFromHDDFile(r, pageAddr, v2h)
		hddHits.Add(1)
	default:
		return false
	}
	return true
}
