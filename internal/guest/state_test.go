package guest

import "testing"

func TestNewResidesFontAtZeroAndSetsEntryPoint(t *testing.T) {
	st := New()
	if st.PC != EntryPoint {
		t.Errorf("PC = %#x, want %#x", st.PC, EntryPoint)
	}
	if st.Memory[0] != 0xF0 || st.Memory[1] != 0x90 {
		t.Errorf("font glyph '0' not resident at address 0: got % X", st.Memory[:5])
	}
	// glyph 'A' starts at offset 10*5 = 50, per the 0xFX29 lowering's V[X]*5.
	if st.Memory[50] != 0xF0 || st.Memory[51] != 0x90 {
		t.Errorf("font glyph 'A' not resident at address 50: got % X", st.Memory[50:55])
	}
}

func TestLoadROMCopiesAtEntryPointAndRecordsEnd(t *testing.T) {
	st := New()
	rom := []byte{0x60, 0x01, 0x70, 0x02}
	if err := st.LoadROM(rom); err != nil {
		t.Fatalf("LoadROM: %v", err)
	}
	if st.PC != EntryPoint {
		t.Errorf("PC = %#x, want %#x", st.PC, EntryPoint)
	}
	if st.ROMEnd != EntryPoint+uint16(len(rom)) {
		t.Errorf("ROMEnd = %#x, want %#x", st.ROMEnd, EntryPoint+uint16(len(rom)))
	}
	for i, b := range rom {
		if st.Memory[int(EntryPoint)+i] != b {
			t.Errorf("memory[%#x] = %#x, want %#x", int(EntryPoint)+i, st.Memory[int(EntryPoint)+i], b)
		}
	}
}

func TestLoadROMRejectsOversizeData(t *testing.T) {
	st := New()
	oversize := make([]byte, MemSize-EntryPoint+1)
	if err := st.LoadROM(oversize); err == nil {
		t.Fatal("expected an error for a ROM larger than available memory")
	}
}

func TestPushReturnAndPopReturnRoundTrip(t *testing.T) {
	st := New()
	if ok := st.PushReturn(0x300); !ok {
		t.Fatal("PushReturn should succeed on an empty stack")
	}
	if st.SP != 1 {
		t.Errorf("SP = %d, want 1", st.SP)
	}
	pc, ok := st.PopReturn()
	if !ok || pc != 0x300 {
		t.Errorf("PopReturn = (%#x, %v), want (0x300, true)", pc, ok)
	}
	if st.SP != 0 {
		t.Errorf("SP = %d, want 0", st.SP)
	}
}

func TestPushReturnReportsOverflow(t *testing.T) {
	st := New()
	for i := 0; i < StackDepth; i++ {
		if !st.PushReturn(uint16(0x200 + i)) {
			t.Fatalf("PushReturn %d should have succeeded", i)
		}
	}
	if st.PushReturn(0x999) {
		t.Error("PushReturn should report overflow once StackDepth frames are pushed")
	}
}

func TestPopReturnReportsUnderflow(t *testing.T) {
	st := New()
	if _, ok := st.PopReturn(); ok {
		t.Error("PopReturn on an empty stack should report underflow")
	}
}

func TestTickTimersFloorsAtZero(t *testing.T) {
	st := New()
	st.DelayTimer = 1
	st.SoundTimer = 0
	st.TickTimers()
	if st.DelayTimer != 0 {
		t.Errorf("DelayTimer = %d, want 0", st.DelayTimer)
	}
	if st.SoundTimer != 0 {
		t.Errorf("SoundTimer = %d, want 0 (already floored)", st.SoundTimer)
	}
}
