package trampoline

import (
	"testing"

	"github.com/msfwaifu/chip8jit/internal/arena"
)

func TestSetResumeAndResumeRoundTrip(t *testing.T) {
	tr := New(arena.Allocate(arena.PageSize).Bytes)
	tr.SetResume(0xDEADBEEF)
	if got := tr.Resume(); got != 0xDEADBEEF {
		t.Errorf("Resume() = %#x, want 0xdeadbeef", got)
	}
}

func TestResumePtrCellIsStableAndAddressable(t *testing.T) {
	tr := New(arena.Allocate(arena.PageSize).Bytes)
	a := tr.ResumePtrCell()
	b := tr.ResumePtrCell()
	if a != b {
		t.Errorf("ResumePtrCell() not stable across calls: %#x != %#x", a, b)
	}
}

// TestRunIndirectsThroughResumePointer sets the Resume Pointer at a tiny
// RET-only routine allocated in its own executable region and checks Run
// returns control to the caller — the trampoline's entire contract: jump
// through the cell, let the callee RET, come back here.
func TestRunIndirectsThroughResumePointer(t *testing.T) {
	tr := New(arena.Allocate(arena.PageSize).Bytes)

	callee := arena.Allocate(arena.PageSize)
	callee.Bytes[0] = 0xC3 // RET
	tr.SetResume(callee.Base)

	tr.Run() // must return promptly; a hung trampoline would hang the test
}

func TestReturnAddressReportsANonZeroHostAddress(t *testing.T) {
	if addr := ReturnAddress(); addr == 0 {
		t.Error("ReturnAddress() = 0, want a real host address")
	}
}
