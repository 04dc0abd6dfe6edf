package jumptable

import (
	"testing"
	"unsafe"

	"github.com/msfwaifu/chip8jit/internal/cache"
)

func newTestCache() *cache.Cache {
	record := make([]byte, 16)
	addr := uintptr(unsafe.Pointer(&record[0]))
	return cache.New(addr, 4096)
}

func TestInternReturnsStableIndexForSamePC(t *testing.T) {
	p := NewPermanent()
	i1 := p.Intern(0x200)
	i2 := p.Intern(0x200)
	i3 := p.Intern(0x202)

	if i1 != i2 {
		t.Errorf("Intern(0x200) twice should return the same index: %d != %d", i1, i2)
	}
	if i3 == i1 {
		t.Errorf("Intern(0x202) must not collide with 0x200's entry")
	}
}

func TestFillPendingResolvesUnfilledEntries(t *testing.T) {
	p := NewPermanent()
	c := newTestCache()
	i := p.Intern(0x200)

	if p.Entry(i).Filled {
		t.Fatal("freshly interned entry must start unfilled")
	}

	p.FillPending(c)

	e := p.Entry(i)
	if !e.Filled {
		t.Fatal("FillPending must fill every pending entry")
	}
	ri, ok := c.FindByStartGuestPC(0x200)
	if !ok {
		t.Fatal("FillPending must allocate a region starting at the entry's PC")
	}
	if e.HostTarget != c.Region(ri).HostBase {
		t.Errorf("HostTarget = %#x, want region base %#x", e.HostTarget, c.Region(ri).HostBase)
	}
}

func TestClearFilledByHostTargetUnfillsMatchingEntries(t *testing.T) {
	p := NewPermanent()
	c := newTestCache()
	i := p.Intern(0x200)
	p.FillPending(c)
	base := p.Entry(i).HostTarget

	p.ClearFilledByHostTarget(base)

	if p.Entry(i).Filled {
		t.Error("entry targeting the freed base must be unfilled")
	}
}

func TestConditionalTickResolvesAfterDelay(t *testing.T) {
	c := NewConditional()

	buf := make([]byte, 16)
	slot := &cache.Region{Buf: buf}
	c.Record(0x200, 0x204, 2, slot, 4)

	resolved := false
	resolve := func(resumePC uint16) uintptr {
		resolved = true
		if resumePC != 0x204 {
			t.Errorf("resolve called with resume PC %#x, want 0x204", resumePC)
		}
		return 0x1000
	}

	c.Tick(resolve)
	if resolved {
		t.Fatal("entry must not resolve before cycles_remaining reaches zero")
	}
	if c.Len() != 1 {
		t.Fatalf("entry should still be pending after first tick, Len()=%d", c.Len())
	}

	c.Tick(resolve)
	if !resolved {
		t.Fatal("entry must resolve once cycles_remaining reaches zero")
	}
	if c.Len() != 0 {
		t.Fatalf("entry should be removed after resolving, Len()=%d", c.Len())
	}
}
