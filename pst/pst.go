/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Feb 12 09:33:40 2018 mstenber
 * Last modified: Fri Mar 23 14:02:19 2018 mstenber
 * Edit time:     164 min
 *
 */

// pst implements the page stats table of a flash cache: access
// frequency counters over the flash slot array, structured as the
// same pgd/pmd/pte trie as the allocation table. Leaves are one byte
// per slot, interior entries two bytes per child. When an increment
// would overflow an entry, every entry of that node is halved first
// (exponential decay keeps relative order in bounded memory), which
// makes the table an approximate LFU.
//
// Not thread safe; the owning cache layer serializes access.
package pst

import (
	"log"
	"sort"

	"github.com/fingon/go-hmem/mlog"
	"github.com/fingon/go-hmem/util"
)

// LeafBits is the width of one pte node.
const LeafBits = 12

const leafSlots = 1 << LeafBits

type counter interface {
	~uint8 | ~uint16
}

type entryPos struct {
	value uint64
	pos   uint64
}

// node is one pgd/pmd/pte node. It does not own its entries; they
// are windows into the table's backing arrays.
type node[T counter] struct {
	entries []T
	limit   uint64

	// The last entry of a node may summarize a partially filled
	// subtree; its counter is scaled up by comp when ranking so
	// the comparison against full subtrees stays fair.
	needsComp bool
	comp      float64
}

func (self *node[T]) init(entries []T) {
	self.entries = entries
	self.limit = uint64(1)<<(8*sizeOf[T]()) - 1
	self.comp = 1.0
}

func sizeOf[T counter]() uint {
	var t T
	switch any(t).(type) {
	case uint8:
		return 1
	default:
		return 2
	}
}

func (self *node[T]) increase(idx, delta uint64) {
	if delta > self.limit {
		log.Panicf("pst node: delta %d over limit %d", delta, self.limit)
	}
	for uint64(self.entries[idx])+delta > self.limit {
		self.shiftRight()
	}
	self.entries[idx] += T(delta)
}

func (self *node[T]) shiftRight() {
	for i := range self.entries {
		self.entries[i] >>= 1
	}
}

func (self *node[T]) value(idx uint64) uint64 {
	return uint64(self.entries[idx])
}

// minEntryIndex returns the in-node position of the smallest entry,
// with the compensation multiplier applied to the last one.
func (self *node[T]) minEntryIndex() uint64 {
	n := uint64(len(self.entries))
	if n == 1 {
		return 0
	}
	minIdx := uint64(0)
	minVal := self.limit
	for i := uint64(0); i < n-1; i++ {
		if v := uint64(self.entries[i]); v < minVal {
			minVal = v
			minIdx = i
		}
	}
	last := uint64(self.entries[n-1])
	if self.needsComp {
		last = util.UMin(self.limit, uint64(self.comp*float64(last)))
	}
	if minVal > last {
		minIdx = n - 1
	}
	return minIdx
}

// smallest appends the in-node positions of the want smallest
// entries, ascending by value, to *out.
func (self *node[T]) smallest(want uint64, scratch []entryPos, out *[]uint64) {
	scratch = scratch[:0]
	for i, e := range self.entries {
		scratch = append(scratch, entryPos{value: uint64(e), pos: uint64(i)})
	}
	sort.Slice(scratch, func(a, b int) bool {
		if scratch[a].value != scratch[b].value {
			return scratch[a].value < scratch[b].value
		}
		return scratch[a].pos < scratch[b].pos
	})
	for i := uint64(0); i < want; i++ {
		*out = append(*out, scratch[i].pos)
	}
}

// Table is the page stats table proper. The trie always has all
// three levels; with few slots the upper nodes are single-entry.
type Table struct {
	name string

	pgdBits uint
	pmdBits uint
	pteBits uint
	pteMask uint64
	pmdMask uint64

	pteEntries []uint8
	interior   []uint16

	pgd  node[uint16]
	pmds []node[uint16]
	ptes []node[uint8]

	total   uint64
	scratch []entryPos
}

// New builds a stats table over total slots, all counters zero.
func New(name string, total uint64) *Table {
	if total == 0 {
		log.Panic("pst: zero slots")
	}
	self := &Table{name: name, total: total}

	totalBits := uint(0)
	for i := total - 1; i > 0; i >>= 1 {
		totalBits++
	}
	self.pteBits = LeafBits
	if totalBits > self.pteBits {
		self.pmdBits = (totalBits - self.pteBits) / 2
		self.pgdBits = totalBits - self.pmdBits - self.pteBits
	}
	self.pteMask = 1<<self.pteBits - 1
	self.pmdMask = 1<<self.pmdBits - 1

	self.pteEntries = make([]uint8, total)
	util.TryMlock(util.SliceBytes(self.pteEntries))

	numPtes := (total + leafSlots - 1) / leafSlots
	self.ptes = make([]node[uint8], numPtes)
	remain := total
	pos := self.pteEntries
	for i := range self.ptes {
		n := util.UMin(remain, leafSlots)
		self.ptes[i].init(pos[:n])
		pos = pos[n:]
		remain -= n
	}

	pmdEntries := uint64(1) << self.pmdBits
	numPmds := (numPtes + pmdEntries - 1) / pmdEntries
	self.pmds = make([]node[uint16], numPmds)
	self.interior = make([]uint16, numPmds+numPtes)
	util.TryMlock(util.SliceBytes(self.interior))

	self.pgd.init(self.interior[:numPmds])
	ipos := self.interior[numPmds:]
	remain = numPtes
	for i := range self.pmds {
		n := util.UMin(remain, pmdEntries)
		self.pmds[i].init(ipos[:n])
		ipos = ipos[n:]
		remain -= n
	}

	// Partially filled tail subtrees rank unfairly low; give the
	// affected last entries a compensation multiplier.
	if tail := total % leafSlots; tail != 0 {
		last := &self.pmds[numPmds-1]
		last.needsComp = true
		last.comp = float64(leafSlots) / float64(tail)
		mlog.Printf2("pst/pst", "pst %s: pmd[%d] last entry compensation %f",
			name, numPmds-1, last.comp)
	}
	perPmd := uint64(1) << (self.pteBits + self.pmdBits)
	if tail := total % perPmd; tail != 0 {
		self.pgd.needsComp = true
		self.pgd.comp = float64(perPmd) / float64(tail)
		mlog.Printf2("pst/pst", "pst %s: pgd last entry compensation %f",
			name, self.pgd.comp)
	}

	self.scratch = make([]entryPos, 0, leafSlots)
	mlog.Printf2("pst/pst", "pst.New %s: %d slots, bits %d-%d-%d",
		name, total, self.pgdBits, self.pmdBits, self.pteBits)
	return self
}

// Increase bumps the access count of the given slot by delta at all
// three levels, decaying any node that would overflow.
func (self *Table) Increase(page, delta uint64) {
	if page >= self.total {
		log.Panicf("pst %s: slot %d >= total %d", self.name, page, self.total)
	}
	pteNode := page >> self.pteBits
	self.ptes[pteNode].increase(page&self.pteMask, delta)
	pmdNode := page >> (self.pteBits + self.pmdBits)
	self.pmds[pmdNode].increase(page>>self.pteBits&self.pmdMask, delta)
	self.pgd.increase(pmdNode, delta)
}

// AccessCount returns the leaf counter of the slot.
func (self *Table) AccessCount(page uint64) uint64 {
	if page >= self.total {
		log.Panicf("pst %s: slot %d >= total %d", self.name, page, self.total)
	}
	return self.ptes[page>>self.pteBits].value(page & self.pteMask)
}

// PMDAccessCount returns the aggregate of the pmd entry enclosing the
// slot.
func (self *Table) PMDAccessCount(page uint64) uint64 {
	pmdNode := page >> (self.pteBits + self.pmdBits)
	return self.pmds[pmdNode].value(page >> self.pteBits & self.pmdMask)
}

// PGDAccessCount returns the aggregate of the pgd entry enclosing the
// slot.
func (self *Table) PGDAccessCount(page uint64) uint64 {
	return self.pgd.value(page >> (self.pteBits + self.pmdBits))
}

// FindColdest appends up to want coldest slot indices to *pages:
// descend to the minimum pgd entry, then the minimum pmd entry, then
// rank that pte node's counters ascending. Reported slots get their
// counters bumped by one so an immediate re-query does not hand the
// same slots out again. Returns how many were reported.
func (self *Table) FindColdest(want uint64, pages *[]uint64) uint64 {
	pmdNode := self.pgd.minEntryIndex()
	rel := self.pmds[pmdNode].minEntryIndex()
	pteNode := pmdNode<<self.pmdBits | rel
	if n := uint64(len(self.ptes[pteNode].entries)); want > n {
		mlog.Printf2("pst/pst", "pst %s: want %d > %d slots in pte %d, clamping",
			self.name, want, n, pteNode)
		want = n
	}
	start := len(*pages)
	self.ptes[pteNode].smallest(want, self.scratch, pages)
	for i := start; i < len(*pages); i++ {
		pos := (*pages)[i]
		(*pages)[i] = pteNode<<self.pteBits | pos
		self.ptes[pteNode].increase(pos, 1)
		self.pmds[pmdNode].increase(rel, 1)
		self.pgd.increase(pmdNode, 1)
	}
	return want
}

func (self *Table) TotalPages() uint64 { return self.total }
