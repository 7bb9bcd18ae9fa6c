/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Feb  8 10:05:17 2018 mstenber
 * Last modified: Fri Mar 23 13:28:40 2018 mstenber
 * Edit time:     191 min
 *
 */

// pat implements the page allocation table of a flash cache: a 1-,
// 2- or 3-level bit trie over the flash slot array. Leaves are
// bitmaps of 2^LeafBits slots; interior nodes (pgd at the root, pmd
// in the middle) record per child the count of free slots in that
// subtree.
//
// Not thread safe; the owning cache layer serializes access.
package pat

import (
	"log"

	"github.com/fingon/go-hmem/bitmap"
	"github.com/fingon/go-hmem/mlog"
	"github.com/fingon/go-hmem/util"
)

// LeafBits is the width of one leaf bitmap.
const LeafBits = 12

const leafSlots = 1 << LeafBits

// node is one interior node; entries[i] is the number of free slots
// in child i's subtree.
type node struct {
	entries []uint64
	free    uint64
	used    uint64
	total   uint64
}

func (self *node) init(entries []uint64, maxPerEntry, total uint64) {
	if maxPerEntry*uint64(len(entries)-1) >= total ||
		total > maxPerEntry*uint64(len(entries)) {
		log.Panicf("pat node: %d entries of %d cannot hold %d slots",
			len(entries), maxPerEntry, total)
	}
	self.entries = entries
	remain := total
	for i := 0; remain > 0 && i < len(entries); i++ {
		entries[i] = util.UMin(maxPerEntry, remain)
		remain -= entries[i]
	}
	self.free = total
	self.used = 0
	self.total = total
}

// getPages takes want free slots from this node, scattered over as
// few children as possible: one child if any single child suffices,
// left-to-right accumulation otherwise. Child indices and their
// contributions land in idx/cnt.
func (self *node) getPages(want uint64, idx, cnt *[]uint64) bool {
	if want == 0 {
		return true
	}
	if want > self.free {
		return false
	}
	for i := range self.entries {
		if self.entries[i] >= want {
			*idx = append(*idx, uint64(i))
			*cnt = append(*cnt, want)
			self.entries[i] -= want
			self.free -= want
			self.used += want
			return true
		}
	}
	remain := want
	for i := 0; i < len(self.entries) && remain > 0; i++ {
		if self.entries[i] == 0 {
			continue
		}
		take := util.UMin(self.entries[i], remain)
		*idx = append(*idx, uint64(i))
		*cnt = append(*cnt, take)
		self.entries[i] -= take
		remain -= take
	}
	if remain != 0 {
		log.Panicf("pat node: free count %d lied, %d slots short", self.free, remain)
	}
	self.free -= want
	self.used += want
	return true
}

func (self *node) releasePages(child, n uint64) {
	self.entries[child] += n
	self.free += n
	self.used -= n
	if self.free+self.used != self.total {
		log.Panicf("pat node: free %d + used %d != total %d",
			self.free, self.used, self.total)
	}
}

// Table is the page allocation table proper.
type Table struct {
	name string

	levels   int
	pgdBits  uint
	pmdBits  uint
	leafBits uint
	pgdMask  uint64
	pmdMask  uint64
	leafMask uint64

	pgd     node
	pmds    []node
	leaves  []*bitmap.Bitmap
	entries []uint64 // backing array for all interior entries

	total uint64
	used  uint64
	free  uint64

	// scratch for allocation descent, sized at init so Allocate
	// does not touch the allocator.
	pgdIdx, pgdCnt []uint64
	pmdIdx, pmdCnt []uint64
	one            []uint64
}

// New builds a table over total slots, choosing 1, 2 or 3 levels so
// that leaves stay 2^LeafBits wide.
func New(name string, total uint64) *Table {
	if total == 0 {
		log.Panic("pat: zero slots")
	}
	self := &Table{name: name, total: total, free: total}

	totalBits := uint(0)
	for i := total - 1; i > 0; i >>= 1 {
		totalBits++
	}
	switch {
	case totalBits <= LeafBits:
		self.levels = 1
		self.leafBits = totalBits
	case totalBits <= LeafBits+4:
		self.levels = 2
		self.leafBits = LeafBits
		self.pgdBits = totalBits - LeafBits
	default:
		self.levels = 3
		self.leafBits = LeafBits
		self.pgdBits = (totalBits - LeafBits) / 2
		self.pmdBits = totalBits - self.pgdBits - self.leafBits
	}
	self.pgdMask = 1<<self.pgdBits - 1
	self.pmdMask = 1<<self.pmdBits - 1
	self.leafMask = 1<<self.leafBits - 1
	mlog.Printf2("pat/pat", "pat.New %s: %d slots, %d levels (%d-%d-%d)",
		name, total, self.levels, self.pgdBits, self.pmdBits, self.leafBits)

	numLeaves := (total + leafSlots - 1) / leafSlots
	self.leaves = make([]*bitmap.Bitmap, numLeaves)
	for i := range self.leaves {
		self.leaves[i] = bitmap.New(leafSlots)
		self.leaves[i].SetAll()
	}
	// The final leaf may cover slots that do not exist; mask them
	// out so ffs never returns them.
	if tail := total % leafSlots; tail != 0 {
		last := self.leaves[numLeaves-1]
		for pos := tail + 1; pos <= leafSlots; pos++ {
			last.Clear(pos)
		}
	}

	switch self.levels {
	case 1:
		if self.leaves[0].SetBits() != total {
			log.Panicf("pat %s: leaf holds %d free, want %d",
				name, self.leaves[0].SetBits(), total)
		}
	case 2:
		self.entries = make([]uint64, numLeaves)
		self.pgd.init(self.entries, leafSlots, total)
	case 3:
		pmdEntries := uint64(1) << self.pmdBits
		numPmds := (numLeaves + pmdEntries - 1) / pmdEntries
		self.entries = make([]uint64, numPmds+numLeaves)
		self.pgd.init(self.entries[:numPmds], pmdEntries*leafSlots, total)
		self.pmds = make([]node, numPmds)
		pos := self.entries[numPmds:]
		remainLeaves := numLeaves
		remainSlots := total
		for i := range self.pmds {
			n := util.UMin(remainLeaves, pmdEntries)
			slots := util.UMin(remainSlots, pmdEntries*leafSlots)
			self.pmds[i].init(pos[:n], leafSlots, slots)
			pos = pos[n:]
			remainLeaves -= n
			remainSlots -= slots
		}
	}

	self.pgdIdx = make([]uint64, 0, 1<<self.pgdBits)
	self.pgdCnt = make([]uint64, 0, 1<<self.pgdBits)
	self.pmdIdx = make([]uint64, 0, 1<<self.pmdBits)
	self.pmdCnt = make([]uint64, 0, 1<<self.pmdBits)
	self.one = make([]uint64, 0, 1)

	self.SanityCheck()
	return self
}

// Allocate appends want free slot indices to *pages. Returns false
// (leaving the table unchanged) when fewer than want slots are free.
func (self *Table) Allocate(want uint64, pages *[]uint64) bool {
	if self.free < want {
		return false
	}
	switch self.levels {
	case 1:
		for i := uint64(0); i < want; i++ {
			pos := self.leaves[0].FfsToggle()
			if pos == 0 {
				log.Panicf("pat %s: leaf out of slots with free=%d", self.name, self.free)
			}
			*pages = append(*pages, pos-1)
		}
	case 2:
		self.pgdIdx = self.pgdIdx[:0]
		self.pgdCnt = self.pgdCnt[:0]
		if !self.pgd.getPages(want, &self.pgdIdx, &self.pgdCnt) {
			log.Panicf("pat %s: pgd refused %d slots with free=%d", self.name, want, self.free)
		}
		for i, leafIdx := range self.pgdIdx {
			self.takeFromLeaf(leafIdx, self.pgdCnt[i], leafIdx<<self.leafBits, pages)
		}
	case 3:
		self.pgdIdx = self.pgdIdx[:0]
		self.pgdCnt = self.pgdCnt[:0]
		if !self.pgd.getPages(want, &self.pgdIdx, &self.pgdCnt) {
			log.Panicf("pat %s: pgd refused %d slots with free=%d", self.name, want, self.free)
		}
		for i, pmdIdx := range self.pgdIdx {
			self.pmdIdx = self.pmdIdx[:0]
			self.pmdCnt = self.pmdCnt[:0]
			if !self.pmds[pmdIdx].getPages(self.pgdCnt[i], &self.pmdIdx, &self.pmdCnt) {
				log.Panicf("pat %s: pmd %d refused %d slots",
					self.name, pmdIdx, self.pgdCnt[i])
			}
			for j, leafOff := range self.pmdIdx {
				leafIdx := pmdIdx<<self.pmdBits | leafOff
				base := pmdIdx<<(self.pmdBits+self.leafBits) | leafOff<<self.leafBits
				self.takeFromLeaf(leafIdx, self.pmdCnt[j], base, pages)
			}
		}
	}
	self.free -= want
	self.used += want
	return true
}

func (self *Table) takeFromLeaf(leafIdx, n, base uint64, pages *[]uint64) {
	leaf := self.leaves[leafIdx]
	for k := uint64(0); k < n; k++ {
		pos := leaf.FfsToggle()
		if pos == 0 {
			log.Panicf("pat %s: leaf %d promised %d slots, has %d",
				self.name, leafIdx, n, leaf.SetBits())
		}
		*pages = append(*pages, base|(pos-1))
	}
}

// AllocateOne grabs a single free slot.
func (self *Table) AllocateOne() (page uint64, ok bool) {
	if self.free == 0 {
		return 0, false
	}
	self.one = self.one[:0]
	if !self.Allocate(1, &self.one) {
		return 0, false
	}
	return self.one[0], true
}

// Free returns a slot to the table. The slot must be allocated.
func (self *Table) Free(page uint64) {
	if page >= self.total {
		log.Panicf("pat %s: free of slot %d >= total %d", self.name, page, self.total)
	}
	leafIdx := page >> self.leafBits
	pos := page&self.leafMask + 1
	if self.leaves[leafIdx].Get(pos) != 0 {
		log.Panicf("pat %s: slot %d already free (leaf %d pos %d)",
			self.name, page, leafIdx, pos)
	}
	self.leaves[leafIdx].Set(pos)
	switch self.levels {
	case 2:
		self.pgd.releasePages(leafIdx, 1)
	case 3:
		pgdOff := page >> (self.leafBits + self.pmdBits) & self.pgdMask
		pmdOff := page >> self.leafBits & self.pmdMask
		self.pmds[pgdOff].releasePages(pmdOff, 1)
		self.pgd.releasePages(pgdOff, 1)
	}
	self.free++
	self.used--
}

// IsFree tells whether the slot is currently free.
func (self *Table) IsFree(page uint64) bool {
	if page >= self.total {
		log.Panicf("pat %s: IsFree of slot %d >= total %d", self.name, page, self.total)
	}
	return self.leaves[page>>self.leafBits].Get(page&self.leafMask+1) == 1
}

func (self *Table) UsedPages() uint64 { return self.used }

func (self *Table) FreePages() uint64 { return self.free }

func (self *Table) TotalPages() uint64 { return self.total }

// SanityCheck walks the trie and panics unless every interior entry
// equals the popcount of its subtree and the per-level aggregates
// agree. Returns true so tests can assert on it.
func (self *Table) SanityCheck() bool {
	if self.free+self.used != self.total {
		log.Panicf("pat %s: free %d + used %d != total %d",
			self.name, self.free, self.used, self.total)
	}
	switch self.levels {
	case 1:
		if self.leaves[0].SetBits() != self.free {
			log.Panicf("pat %s: leaf free %d != %d",
				self.name, self.leaves[0].SetBits(), self.free)
		}
	case 2:
		sum := uint64(0)
		for i, leaf := range self.leaves {
			if leaf.SetBits() != self.pgd.entries[i] {
				log.Panicf("pat %s: pgd entry %d = %d, leaf has %d",
					self.name, i, self.pgd.entries[i], leaf.SetBits())
			}
			sum += leaf.SetBits()
		}
		if sum != self.pgd.free {
			log.Panicf("pat %s: pgd free %d != leaf sum %d", self.name, self.pgd.free, sum)
		}
	case 3:
		sumFree, sumUsed, sumTotal := uint64(0), uint64(0), uint64(0)
		for i := range self.pmds {
			pmd := &self.pmds[i]
			if self.pgd.entries[i] != pmd.free {
				log.Panicf("pat %s: pgd entry %d = %d, pmd free %d",
					self.name, i, self.pgd.entries[i], pmd.free)
			}
			sumFree += pmd.free
			sumUsed += pmd.used
			sumTotal += pmd.total
			leafSum := uint64(0)
			start := uint64(i) << self.pmdBits
			for j := uint64(0); j < 1<<self.pmdBits; j++ {
				if start+j >= uint64(len(self.leaves)) {
					break
				}
				if self.leaves[start+j].SetBits() != pmd.entries[j] {
					log.Panicf("pat %s: pmd %d entry %d = %d, leaf has %d",
						self.name, i, j, pmd.entries[j], self.leaves[start+j].SetBits())
				}
				leafSum += self.leaves[start+j].SetBits()
			}
			if leafSum != pmd.free {
				log.Panicf("pat %s: pmd %d free %d != leaf sum %d",
					self.name, i, pmd.free, leafSum)
			}
		}
		if sumFree != self.pgd.free || sumUsed != self.pgd.used || sumTotal != self.pgd.total {
			log.Panicf("pat %s: pgd aggregates %d/%d/%d != sums %d/%d/%d",
				self.name, self.pgd.free, self.pgd.used, self.pgd.total,
				sumFree, sumUsed, sumTotal)
		}
	}
	return true
}
