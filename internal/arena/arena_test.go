package arena

import "testing"

func TestAllocateRoundsToPage(t *testing.T) {
	cases := []struct {
		size int
		want int
	}{
		{1, PageSize},
		{PageSize, PageSize},
		{PageSize + 1, 2 * PageSize},
		{0, PageSize},
	}
	for _, c := range cases {
		r := Allocate(c.size)
		defer r.Free()
		if len(r.Bytes) != c.want {
			t.Errorf("Allocate(%d): len=%d, want %d", c.size, len(r.Bytes), c.want)
		}
		if r.Base == 0 {
			t.Errorf("Allocate(%d): Base is zero", c.size)
		}
	}
}

func TestAllocateIsWritable(t *testing.T) {
	r := Allocate(PageSize)
	defer r.Free()

	// A RET-only function (0xC3) is valid machine code on its own; writing
	// it and reading it back exercises the write side of the RWX contract.
	r.Bytes[0] = 0xC3
	if r.Bytes[0] != 0xC3 {
		t.Fatalf("write to mapped region did not stick")
	}
}

func TestFreeIsIdempotentOnZeroValue(t *testing.T) {
	r := &Region{}
	r.Free() // must not panic on an unallocated region
}
