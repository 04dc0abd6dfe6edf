package dispatcher

import (
	"testing"

	"github.com/msfwaifu/chip8jit/internal/guest"
	"github.com/msfwaifu/chip8jit/internal/interpreter"
)

func newTestDispatcher(t *testing.T, rom []byte) (*Dispatcher, *guest.State) {
	t.Helper()
	st := guest.New()
	if err := st.LoadROM(rom); err != nil {
		t.Fatalf("LoadROM: %v", err)
	}
	return New(st, interpreter.NopFallback{}), st
}

// Scenario 1 (spec §8.1): 6A05 6B02 8AB4 then an infinite self-jump so the
// block has somewhere to land; executing it end to end must leave V[A]=7,
// V[F]=0.
func TestEndToEndAddRegisters(t *testing.T) {
	d, st := newTestDispatcher(t, []byte{
		0x6A, 0x05, // V[A] = 5
		0x6B, 0x02, // V[B] = 2
		0x8A, 0xB4, // V[A] += V[B]  (no carry)
		0x12, 0x06, // jump to self (0x206), parks execution
	})

	for i := 0; i < 6; i++ {
		d.Step()
	}

	if st.V[0xA] != 7 {
		t.Errorf("V[A] = %d, want 7", st.V[0xA])
	}
	if st.V[0xF] != 0 {
		t.Errorf("V[F] = %d, want 0 (no carry)", st.V[0xF])
	}
}

// Scenario 2 (spec §8.2): 600A F029 -> I = 50 (V[0]*5, the '0xA' glyph's
// offset into the built-in font).
func TestEndToEndFontGlyphAddress(t *testing.T) {
	d, st := newTestDispatcher(t, []byte{
		0x60, 0x0A, // V[0] = 10
		0xF0, 0x29, // I = V[0]*5
		0x12, 0x04, // jump to self
	})

	for i := 0; i < 6; i++ {
		d.Step()
	}

	if st.I != 50 {
		t.Errorf("I = %d, want 50", st.I)
	}
}

// Scenario 3 (spec §8.3): 6064 F033 with I pointed at a scratch address ->
// memory[I..I+2] holds the BCD digits of 100 (1,0,0).
func TestEndToEndBCD(t *testing.T) {
	d, st := newTestDispatcher(t, []byte{
		0x60, 0x64, // V[0] = 100
		0xA3, 0x00, // I = 0x300
		0xF0, 0x33, // BCD(V[0]) -> memory[I..I+2]
		0x12, 0x06, // jump to self
	})

	for i := 0; i < 8; i++ {
		d.Step()
	}

	want := [3]byte{1, 0, 0}
	got := [3]byte{st.Memory[0x300], st.Memory[0x301], st.Memory[0x302]}
	if got != want {
		t.Errorf("BCD digits = %v, want %v", got, want)
	}
}

// Scenario 4 (spec §8.4): V[0] starts at 0, so the skip is not taken and
// V[1] is set on the fall-through path; the opcode reachable only via the
// skip target (V[1]=2) must never execute. st.PC is a translation-time
// cursor, not a live execution pointer once a block is pre-translated ahead
// of running any of it, so these assert on register side effects rather
// than PC.
func TestEndToEndSkipNotTaken(t *testing.T) {
	d, st := newTestDispatcher(t, []byte{
		0x30, 0x05, // 0x200: skip next if V[0]==5 (false, V[0]=0)
		0x61, 0x01, // 0x202: (not skipped) V[1] = 1
		0x12, 0x08, // 0x204: jump to 0x208 (park)
		0x61, 0x02, // 0x206: (skip target, unreachable here) V[1] = 2
		0x12, 0x08, // 0x208: jump to self
	})

	for i := 0; i < 6; i++ {
		d.Step()
	}
	if st.V[1] != 1 {
		t.Errorf("V[1] = %d, want 1 (skip not taken, fall-through executed)", st.V[1])
	}
}

// Scenario 4 variant: V[0]==5 so the skip is taken — the fall-through
// opcode must never execute and the skip-target opcode must.
func TestEndToEndSkipTaken(t *testing.T) {
	d, st := newTestDispatcher(t, []byte{
		0x60, 0x05, // 0x200: V[0] = 5
		0x30, 0x05, // 0x202: skip next if V[0]==5 (true)
		0x61, 0x01, // 0x204: (skipped, unreachable) V[1] = 1
		0x61, 0x02, // 0x206: (skip target) V[1] = 2
		0x12, 0x08, // 0x208: jump to self
	})

	for i := 0; i < 6; i++ {
		d.Step()
	}
	if st.V[1] != 2 {
		t.Errorf("V[1] = %d, want 2 (skip taken, landed past the skipped opcode)", st.V[1])
	}
}

// 2206 (call) at 0x200 into a routine at 0x206 that sets a marker register
// and immediately returns (00EE); control must come back to the
// instruction after the call and continue executing there, and the stack
// must be balanced afterwards.
func TestEndToEndCallAndReturn(t *testing.T) {
	d, st := newTestDispatcher(t, []byte{
		0x22, 0x06, // 0x200: call 0x206
		0x61, 0x01, // 0x202: (after return) V[1] = 1
		0x12, 0x04, // 0x204: jump to self
		0x62, 0x02, // 0x206: (inside the call) V[2] = 2
		0x00, 0xEE, // 0x208: return
	})

	for i := 0; i < 6; i++ {
		d.Step()
	}
	if st.V[2] != 2 {
		t.Errorf("V[2] = %d, want 2 (call body executed)", st.V[2])
	}
	if st.V[1] != 1 {
		t.Errorf("V[1] = %d, want 1 (resumed after the call on return)", st.V[1])
	}
	if st.SP != 0 {
		t.Errorf("SP = %d, want 0 (return popped the frame)", st.SP)
	}
}

// Scenario 6 (spec §8.6 / Open Question 2), reduced to X=0: F055 dumps V[0]
// to memory[I] behind a SELF_MODIFYING_CODE yield, and the store must still
// land after the dispatcher's invalidation pass. No region covers 0x300
// here, so this checks the yield-then-store path, not re-translation of
// overwritten code, and asserts on no cache internals.
func TestEndToEndRegisterDump(t *testing.T) {
	d, st := newTestDispatcher(t, []byte{
		0x60, 0x11, // 0x200: V[0] = 0x11
		0xA3, 0x00, // 0x202: I = 0x300
		0xF0, 0x55, // 0x204: dump V[0] to memory[0x300]
		0x12, 0x06, // 0x206: jump to self
	})

	for i := 0; i < 8; i++ {
		d.Step()
	}
	if st.Memory[0x300] != 0x11 {
		t.Errorf("memory[0x300] = %#02x, want 0x11", st.Memory[0x300])
	}
}

// FX0A parks the guest until a key is pressed, without re-running any
// earlier opcode in the block and without disturbing registers set before
// the wait.
func TestEndToEndWaitForKeypress(t *testing.T) {
	d, st := newTestDispatcher(t, []byte{
		0x60, 0x09, // V[0] = 9 — would be clobbered by a bad retry
		0xFA, 0x0A, // wait for key, store into V[A]
		0x12, 0x04, // jump to self
	})

	// One round executes V[0]=9 and falls straight into the first
	// WAIT_FOR_KEYPRESS poll (nothing yields between the two); with no key
	// down, the dispatcher must retry without advancing past the wait.
	d.Step()
	if st.V[0] != 9 {
		t.Fatalf("V[0] = %d, want 9", st.V[0])
	}
	if st.V[0xA] != 0 {
		t.Fatalf("V[A] = %d, want 0 (must not be set before a key is pressed)", st.V[0xA])
	}

	d.Step() // retry: still no key down
	if st.V[0] != 9 {
		t.Fatalf("V[0] clobbered by a keypress retry: got %d", st.V[0])
	}

	st.Keys[3] = true
	for i := 0; i < 4; i++ {
		d.Step() // poll succeeds, then the V[A] copy and the parking jump run
	}
	if st.V[0xA] != 3 {
		t.Errorf("V[A] = %d, want 3 (the pressed key's index)", st.V[0xA])
	}
	if st.V[0] != 9 {
		t.Errorf("V[0] = %d, want unchanged 9", st.V[0])
	}
}

// UPDATE_TIMERS both performs the register transfer and ticks both timers.
func TestEndToEndUpdateTimers(t *testing.T) {
	d, st := newTestDispatcher(t, []byte{
		0x60, 0x0A, // V[0] = 10
		0xF0, 0x15, // DelayTimer = V[0]
		0x12, 0x04, // jump to self
	})
	d.Step()
	d.Step()
	if st.DelayTimer != 9 {
		t.Errorf("DelayTimer = %d, want 9 (set to 10, then ticked once)", st.DelayTimer)
	}
}
