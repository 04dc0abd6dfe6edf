// Package guest holds the CHIP-8 machine state the translated code and the
// dispatcher both read and write between yields.
package guest

import "fmt"

const (
	// MemSize is the size of the guest's linear address space.
	MemSize = 4096
	// StackDepth is the fixed depth of the guest return-address stack.
	StackDepth = 16
	// NumRegisters is the number of 8-bit data registers, V0..VF.
	NumRegisters = 16
	// NumKeys is the size of the keypad array.
	NumKeys = 16
	// EntryPoint is the guest PC on a freshly loaded ROM.
	EntryPoint = 0x200
)

// builtinFont is the standard 5-byte-per-glyph hex digit font, resident at
// guest address 0 as assumed by the 0xFX29 lowering (V[X]*5).
var builtinFont = [16 * 5]byte{
	0xF0, 0x90, 0x90, 0x90, 0xF0, // 0
	0x20, 0x60, 0x20, 0x20, 0x70, // 1
	0xF0, 0x10, 0xF0, 0x80, 0xF0, // 2
	0xF0, 0x10, 0xF0, 0x10, 0xF0, // 3
	0x90, 0x90, 0xF0, 0x10, 0x10, // 4
	0xF0, 0x80, 0xF0, 0x10, 0xF0, // 5
	0xF0, 0x80, 0xF0, 0x90, 0xF0, // 6
	0xF0, 0x10, 0x20, 0x40, 0x40, // 7
	0xF0, 0x90, 0xF0, 0x90, 0xF0, // 8
	0xF0, 0x90, 0xF0, 0x10, 0xF0, // 9
	0xF0, 0x90, 0xF0, 0x90, 0x90, // A
	0xE0, 0x90, 0xE0, 0x90, 0xE0, // B
	0xF0, 0x80, 0x80, 0x80, 0xF0, // C
	0xE0, 0x90, 0x90, 0x90, 0xE0, // D
	0xF0, 0x80, 0xF0, 0x80, 0xF0, // E
	0xF0, 0x80, 0xF0, 0x80, 0x80, // F
}

// State is the complete CHIP-8 machine: memory, registers, program counter,
// call stack, timers, and keypad. The dispatcher is the sole mutator between
// yields, per the single-threaded cooperative contract.
type State struct {
	Memory [MemSize]byte
	V      [NumRegisters]byte
	I      uint16
	PC     uint16

	Stack [StackDepth]uint16
	SP    int

	DelayTimer byte
	SoundTimer byte

	Keys [NumKeys]bool

	// KeyPressed is the key module's X86_KEY_PRESSED cell: the dispatcher
	// writes the pressed key index here while servicing a WAIT_FOR_KEYPRESS
	// yield, and the translated FX0A lowering copies it into V[X] once
	// execution resumes.
	KeyPressed byte

	// ROMEnd is the address one past the last loaded ROM byte; the
	// translator must not let PC pass it (§4.5 guest-misbehaviour rule).
	ROMEnd uint16
}

// New returns a State with the built-in font resident at address 0 and PC
// set to the standard entry point.
func New() *State {
	st := &State{PC: EntryPoint}
	copy(st.Memory[:], builtinFont[:])
	return st
}

// LoadROM copies data into memory starting at EntryPoint and records the end
// address used to detect the guest running off the end of the program.
func (s *State) LoadROM(data []byte) error {
	if len(data) > MemSize-EntryPoint {
		return fmt.Errorf("guest: ROM of %d bytes exceeds available memory", len(data))
	}
	n := copy(s.Memory[EntryPoint:], data)
	s.PC = EntryPoint
	s.ROMEnd = EntryPoint + uint16(n)
	return nil
}

// PushReturn pushes pc onto the guest call stack. It reports whether the
// stack had room; callers treat a full stack as guest misbehaviour.
func (s *State) PushReturn(pc uint16) bool {
	if s.SP >= StackDepth {
		return false
	}
	s.Stack[s.SP] = pc
	s.SP++
	return true
}

// PopReturn pops the guest call stack. It reports whether a frame was
// available; callers treat an empty stack as guest misbehaviour.
func (s *State) PopReturn() (uint16, bool) {
	if s.SP <= 0 {
		return 0, false
	}
	s.SP--
	return s.Stack[s.SP], true
}

// TickTimers decrements DelayTimer and SoundTimer by one, floored at zero.
// The wall-clock driver that calls this at 60 Hz is an external collaborator;
// UPDATE_TIMERS yields also call it once per dispatch round so the timers
// still count down under guest opcode execution alone.
func (s *State) TickTimers() {
	if s.DelayTimer > 0 {
		s.DelayTimer--
	}
	if s.SoundTimer > 0 {
		s.SoundTimer--
	}
}
