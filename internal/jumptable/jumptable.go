// Package jumptable implements the Jump Table: permanent entries keyed by
// guest PC that hold the resolved host address of their cache region, and a
// short-lived list of conditional-skip sites awaiting a patch delay.
package jumptable

import (
	"github.com/msfwaifu/chip8jit/internal/cache"
	"github.com/msfwaifu/chip8jit/internal/encoder"
)

// Entry is a Permanent jump-table entry: a guest PC that is a branch target,
// and the host address of its cache region once resolved.
type Entry struct {
	GuestPC    uint16
	HostTarget uintptr
	Filled     bool
}

// Permanent holds every interned branch target. Entries are stored by
// pointer, not by value, because the translator bakes the host address of
// an Entry's HostTarget field directly into emitted machine code (the
// operand of a JmpIndirectMem) the moment it interns a jump target — that
// address must never move again, which a []Entry growing via append cannot
// guarantee but a []*Entry can.
type Permanent struct {
	entries []*Entry
	byPC    map[uint16]int
}

// NewPermanent returns an empty Permanent table.
func NewPermanent() *Permanent {
	return &Permanent{byPC: make(map[uint16]int)}
}

// Intern returns the entry index for pc, creating a new unfilled entry if
// absent.
func (p *Permanent) Intern(pc uint16) int {
	if i, ok := p.byPC[pc]; ok {
		return i
	}
	p.entries = append(p.entries, &Entry{GuestPC: pc})
	i := len(p.entries) - 1
	p.byPC[pc] = i
	return i
}

// Entry returns a pointer to the entry at index i, so callers can read or
// patch HostTarget in place. The pointer is stable for the table's lifetime.
func (p *Permanent) Entry(i int) *Entry {
	return p.entries[i]
}

// Len returns the number of interned entries.
func (p *Permanent) Len() int {
	return len(p.entries)
}

// FillPending resolves every unfilled entry by looking up or allocating a
// cache region starting at its guest PC and recording that region's host
// base. Newly allocated regions are empty and will yield OUT_OF_CODE on
// first entry, which drives their translation — the table itself never
// translates anything.
func (p *Permanent) FillPending(c *cache.Cache) {
	for i := range p.entries {
		e := p.entries[i]
		if e.Filled {
			continue
		}
		ri := c.GetWritableByStart(e.GuestPC)
		e.HostTarget = c.Region(ri).HostBase
		e.Filled = true
	}
}

// ClearFilledFor marks the entry interned for guest PC startPC as unfilled,
// so the next FillPending pass re-resolves it. Entries for other guest PCs
// whose HostTarget points inside the region starting at startPC keep their
// Filled flag.
func (p *Permanent) ClearFilledFor(startPC uint16) {
	for i := range p.entries {
		if p.entries[i].GuestPC == startPC {
			p.entries[i].Filled = false
		}
	}
}

// ClearFilledByHostTarget marks every entry whose HostTarget equals base as
// unfilled. The dispatcher calls this once per base returned by
// cache.Cache.SweepInvalid, since the cache and the jump table do not import
// one another.
func (p *Permanent) ClearFilledByHostTarget(base uintptr) {
	for i := range p.entries {
		if p.entries[i].Filled && p.entries[i].HostTarget == base {
			p.entries[i].Filled = false
		}
	}
}

// ConditionalEntry is a pending skip-branch patch: SitePC/ResumePC are
// guest addresses for bookkeeping only; PatchSlot and SlotOffset locate the
// 32-bit displacement that is written once CyclesRemaining reaches zero.
type ConditionalEntry struct {
	SitePC          uint16
	ResumePC        uint16
	CyclesRemaining int
	PatchSlot       *cache.Region // the region owning the displacement slot
	SlotOffset      int           // byte offset of the 32-bit displacement within PatchSlot.Buf
}

// Conditional holds the short-lived list of skip sites awaiting their patch
// delay.
type Conditional struct {
	pending []ConditionalEntry
}

// NewConditional returns an empty Conditional list.
func NewConditional() *Conditional {
	return &Conditional{}
}

// Record appends a new conditional-skip entry.
func (c *Conditional) Record(sitePC, resumePC uint16, cycles int, slot *cache.Region, slotOffset int) {
	c.pending = append(c.pending, ConditionalEntry{
		SitePC:          sitePC,
		ResumePC:        resumePC,
		CyclesRemaining: cycles,
		PatchSlot:       slot,
		SlotOffset:      slotOffset,
	})
}

// Len returns the number of entries still pending resolution.
func (c *Conditional) Len() int {
	return len(c.pending)
}

// Tick decrements every entry's CyclesRemaining by one; any entry that
// reaches zero is resolved via resolve and removed. resolve must return the
// host address the skip should land on for a given guest resume PC — the
// caller (the translator/dispatcher) is the one with a Permanent table and
// a Cache in scope, so Conditional stays free of both.
func (c *Conditional) Tick(resolve func(resumePC uint16) uintptr) {
	var remaining []ConditionalEntry
	for _, e := range c.pending {
		e.CyclesRemaining--
		if e.CyclesRemaining > 0 {
			remaining = append(remaining, e)
			continue
		}
		target := resolve(e.ResumePC)
		encoder.PatchRel32(e.PatchSlot.Buf, e.SlotOffset, target)
	}
	c.pending = remaining
}
