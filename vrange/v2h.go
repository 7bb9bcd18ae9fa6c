/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Feb 15 09:22:10 2018 mstenber
 * Last modified: Wed Mar 14 11:36:58 2018 mstenber
 * Edit time:     47 min
 *
 */

package vrange

import "log"

// V2HMap is the virtual-to-hybrid metadata of one virtual page,
// packed to 32 bits: four presence bits (one per layer the page may
// have a copy in), three dirty bits, one reserved bit, and a 24-bit
// flash slot index valid while the page is in the flash cache. Four
// bytes per page keeps the pinned metadata of even a large range
// cheap.
//
// Mutated only under the owning instance's lock.
type V2HMap uint32

const (
	v2hInPageCache V2HMap = 1 << iota
	v2hInRAMCache
	v2hInFlashCache
	v2hInHDDFile
	v2hDirtyPageCache
	v2hDirtyRAMCache
	v2hDirtyFlashCache
	v2hReserved
)

const v2hSlotShift = 8

func (self *V2HMap) get(bit V2HMap) bool { return *self&bit != 0 }

func (self *V2HMap) put(bit V2HMap, value bool) {
	if value {
		*self |= bit
	} else {
		*self &^= bit
	}
}

func (self *V2HMap) InPageCache() bool { return self.get(v2hInPageCache) }

func (self *V2HMap) InRAMCache() bool { return self.get(v2hInRAMCache) }

func (self *V2HMap) InFlashCache() bool { return self.get(v2hInFlashCache) }

func (self *V2HMap) InHDDFile() bool { return self.get(v2hInHDDFile) }

func (self *V2HMap) DirtyPageCache() bool { return self.get(v2hDirtyPageCache) }

func (self *V2HMap) DirtyRAMCache() bool { return self.get(v2hDirtyRAMCache) }

func (self *V2HMap) DirtyFlashCache() bool { return self.get(v2hDirtyFlashCache) }

func (self *V2HMap) SetInPageCache(v bool) { self.put(v2hInPageCache, v) }

func (self *V2HMap) SetInRAMCache(v bool) { self.put(v2hInRAMCache, v) }

func (self *V2HMap) SetInFlashCache(v bool) { self.put(v2hInFlashCache, v) }

func (self *V2HMap) SetInHDDFile(v bool) { self.put(v2hInHDDFile, v) }

func (self *V2HMap) SetDirtyPageCache(v bool) { self.put(v2hDirtyPageCache, v) }

func (self *V2HMap) SetDirtyRAMCache(v bool) { self.put(v2hDirtyRAMCache, v) }

func (self *V2HMap) SetDirtyFlashCache(v bool) { self.put(v2hDirtyFlashCache, v) }

// FlashSlot is meaningful only while InFlashCache holds.
func (self *V2HMap) FlashSlot() uint64 {
	return uint64(*self >> v2hSlotShift)
}

func (self *V2HMap) SetFlashSlot(slot uint64) {
	if slot >= 1<<FlashSlotBits {
		log.Panicf("v2h: flash slot %d over %d bits", slot, FlashSlotBits)
	}
	*self = *self&(1<<v2hSlotShift-1) | V2HMap(slot)<<v2hSlotShift
}
