// Package cache implements the Code Cache: a collection of executable
// regions, each holding translated code for one contiguous guest PC range,
// with lookup, allocation, invalidation, and a "current" region cursor.
package cache

import (
	"github.com/msfwaifu/chip8jit/internal/arena"
	"github.com/msfwaifu/chip8jit/internal/encoder"
	"github.com/msfwaifu/chip8jit/internal/yield"
)

// NopByte fills unused buffer interior so execution that overruns translated
// bytes drains harmlessly into the pre-written out-of-code tail instead of
// executing garbage.
const NopByte = 0x90

// tailSize is the exact byte length of the out-of-code tail sequence
// encoder.Yield emits: a MOVABS into RAX, four memory stores (tag, two
// 16-bit params, one 32-bit host-param), and a RET. Computed once here
// rather than measured per-region so Allocate can reserve it up front.
const tailSize = 10 + 3 + 6 + 6 + 8 + 1

// Region is one contiguous guest PC range's translated code.
type Region struct {
	StartPC uint16
	EndPC   uint16
	Invalid bool

	Buf      []byte // host_code: the full mmap'd buffer, including the tail
	Cursor   int    // host_cursor: offset of the next free byte before the tail
	HostBase uintptr

	mem *arena.Region
}

// TailOffset returns the offset of the pre-written out-of-code tail, i.e.
// the first byte beyond the translator's writable window.
func (r *Region) TailOffset() int {
	return len(r.Buf) - tailSize
}

// Cache owns every region and the index of the one currently selected for
// translation.
type Cache struct {
	RegionSize int // bytes reserved per region, including the tail
	regions    []*Region
	selected   int // -1 when none is selected

	recordAddr uintptr // where the out-of-code tail writes the Yield Record
}

// New creates an empty cache. recordAddr is the fixed host address of the
// shared yield.Record cell; every region's out-of-code tail writes through
// it directly, per spec.md's "fixed host-memory cells" discipline.
func New(recordAddr uintptr, regionSize int) *Cache {
	return &Cache{
		RegionSize: regionSize,
		selected:   -1,
		recordAddr: recordAddr,
	}
}

// FindByGuestPC returns the index of a valid region whose [start,end] range
// contains pc. First match wins; valid regions are not expected to overlap.
func (c *Cache) FindByGuestPC(pc uint16) (int, bool) {
	for i, r := range c.regions {
		if !r.Invalid && pc >= r.StartPC && pc <= r.EndPC {
			return i, true
		}
	}
	return 0, false
}

// FindByStartGuestPC requires exact alignment with a region's start,
// guaranteeing the PC lands on a guest-instruction boundary.
func (c *Cache) FindByStartGuestPC(pc uint16) (int, bool) {
	for i, r := range c.regions {
		if !r.Invalid && r.StartPC == pc {
			return i, true
		}
	}
	return 0, false
}

// FindByHostAddr returns the region whose buffer contains addr, used to
// resolve the Resume Pointer back to a region during invalidation sweeps.
func (c *Cache) FindByHostAddr(addr uintptr) (int, bool) {
	for i, r := range c.regions {
		if addr >= r.HostBase && addr < r.HostBase+uintptr(len(r.Buf)) {
			return i, true
		}
	}
	return 0, false
}

// Allocate creates a new region starting at startPC: NOP-filled, with the
// out-of-code tail pre-written at the end, end_pc == start_pc, host_cursor
// == 0, invalid == false. Returns the new region's index.
func (c *Cache) Allocate(startPC uint16) int {
	mem := arena.Allocate(c.RegionSize)
	for i := range mem.Bytes {
		mem.Bytes[i] = NopByte
	}

	r := &Region{
		StartPC:  startPC,
		EndPC:    startPC,
		Buf:      mem.Bytes,
		HostBase: mem.Base,
		mem:      mem,
	}

	tail := encoder.New(r.Buf, r.TailOffset())
	tail.Yield(c.recordAddr, yield.OutOfCode, r.StartPC, 0, r.HostBase)

	c.regions = append(c.regions, r)
	return len(c.regions) - 1
}

// GetWritableByStart looks up a region starting exactly at startPC, or
// allocates a new one. It never invalidates an existing region.
func (c *Cache) GetWritableByStart(startPC uint16) int {
	if i, ok := c.FindByStartGuestPC(startPC); ok {
		return i
	}
	return c.Allocate(startPC)
}

// Select makes region index the current one for the encoder to write into.
func (c *Cache) Select(index int) {
	c.selected = index
}

// Selected returns the currently selected index, or -1 if none.
func (c *Cache) Selected() int {
	return c.selected
}

// Current returns the currently selected region, or nil if none is
// selected.
func (c *Cache) Current() *Region {
	if c.selected < 0 || c.selected >= len(c.regions) {
		return nil
	}
	return c.regions[c.selected]
}

// Region returns the region at index i.
func (c *Cache) Region(i int) *Region {
	return c.regions[i]
}

// Len returns the number of regions, valid or not, currently tracked.
func (c *Cache) Len() int {
	return len(c.regions)
}

// MarkInvalidContaining sets Invalid on every valid region whose range
// contains pc — the self-modifying-code invalidation primitive.
func (c *Cache) MarkInvalidContaining(pc uint16) {
	for _, r := range c.regions {
		if !r.Invalid && pc >= r.StartPC && pc <= r.EndPC {
			r.Invalid = true
		}
	}
}

// SweepInvalid drops every invalid region whose buffer does not contain
// resumePtr, freeing its backing memory and adjusting the selected index.
// It returns the host base address of each freed region so the caller (the
// dispatcher) can clear the jump table's filled flags that pointed to it —
// the cache and the jump table never import one another.
//
// Per spec.md §4.3, this must only be called at yield boundaries.
func (c *Cache) SweepInvalid(resumePtr uintptr) []uintptr {
	origSelected := c.selected
	newSelected := origSelected

	var freedBases []uintptr
	var kept []*Region
	for i, r := range c.regions {
		droppable := r.Invalid && !(resumePtr >= r.HostBase && resumePtr < r.HostBase+uintptr(len(r.Buf)))
		if !droppable {
			kept = append(kept, r)
			continue
		}
		freedBases = append(freedBases, r.HostBase)
		switch {
		case i == origSelected:
			newSelected = -1
		case i < origSelected && newSelected != -1:
			newSelected--
		}
		r.mem.Free()
	}
	c.regions = kept
	c.selected = newSelected
	return freedBases
}
