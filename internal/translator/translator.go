// Package translator decodes one guest opcode at a time and emits host
// instructions for it into the code cache's currently selected region.
package translator

import (
	"fmt"
	"unsafe"

	"github.com/msfwaifu/chip8jit/internal/cache"
	"github.com/msfwaifu/chip8jit/internal/encoder"
	"github.com/msfwaifu/chip8jit/internal/guest"
	"github.com/msfwaifu/chip8jit/internal/jumptable"
	"github.com/msfwaifu/chip8jit/internal/yield"
)

// Verbose gates diagnostic logging for the soft-error paths (unknown
// opcode, 0x0NNN RCA calls) — logging/diagnostics policy is an external
// concern, this flag is the only knob the translator exposes for it.
var Verbose bool

// maxOpcodeEmitBytes bounds the worst case a single opcode lowering can
// emit (0xFX55/0xFX65 with X=15 unroll to sixteen indexed moves). The
// translator refuses to start an opcode that might not fit before the
// region's reserved tail, forcing an early block end instead of risking an
// encoder overflow mid-lowering.
const maxOpcodeEmitBytes = 800

// bcdHundred and bcdTen are fixed host-memory divisors for the 0xFX33
// lowering; x86 DIV has no immediate form, so these live as package-level
// cells the same way guest register state does.
var (
	bcdHundred byte = 100
	bcdTen     byte = 10
)

// Outcome reports whether the translator ended the current block.
type Outcome struct {
	BlockFinished bool
}

// TranslateOne decodes the opcode at st.PC, emits host instructions into
// enc (bound to the Code Cache's currently selected region), and advances
// st.PC by 2 unless the opcode ends the block, per spec.md §4.5's
// block-termination policy. It reads and writes st.PC directly: between
// yields nothing is executing, so st.PC doubles as the translator's guest
// PC cursor exactly as spec.md §6.1's PREPARE_FOR_JUMP handler describes
// ("set guest PC to its start_pc, run the translator").
func TranslateOne(st *guest.State, c *cache.Cache, perm *jumptable.Permanent, cond *jumptable.Conditional, cells *jumptable.Cells, enc *encoder.Encoder, recordAddr uintptr) Outcome {
	pc := st.PC
	r := c.Current()

	if pc%2 != 0 {
		// Tolerated per spec.md §3: stop translating without resetting PC.
		return Outcome{BlockFinished: true}
	}
	if pc >= st.ROMEnd || int(pc)+1 >= guest.MemSize {
		st.PC = guest.EntryPoint
		return Outcome{BlockFinished: true}
	}
	if enc.Cursor+maxOpcodeEmitBytes > r.TailOffset() {
		emitJumpTo(enc, perm, r, recordAddr, pc)
		r.EndPC = pc
		r.Cursor = enc.Cursor
		return Outcome{BlockFinished: true}
	}

	opcode := uint16(st.Memory[pc])<<8 | uint16(st.Memory[pc+1])
	x := (opcode >> 8) & 0xF
	y := (opcode >> 4) & 0xF
	nn := byte(opcode & 0xFF)
	nnn := opcode & 0x0FFF

	vx := regAddr(st, x)
	vy := regAddr(st, y)
	vf := regAddr(st, 0xF)
	iAddr := uintptr(unsafe.Pointer(&st.I))
	memBase := uintptr(unsafe.Pointer(&st.Memory[0]))
	keysBase := uintptr(unsafe.Pointer(&st.Keys[0]))
	keyPressedAddr := uintptr(unsafe.Pointer(&st.KeyPressed))

	blockFinished := false

	switch opcode >> 12 {
	case 0x0:
		switch opcode {
		case 0x00E0:
			yieldHere(enc, r, recordAddr, yield.UseInterpreter, opcode, 0)
			st.PC = pc + 2
		case 0x00EE:
			yieldHere(enc, r, recordAddr, yield.PrepareForStackJump, opcode, 0)
			enc.JmpIndirectMem(cells.StackHostAddrToCell())
			blockFinished = true
		default:
			logf("translator: 0x0NNN (RCA) opcode %#04x at %#04x ignored", opcode, pc)
			st.PC = pc + 2
		}

	case 0x1:
		idx := perm.Intern(nnn)
		yieldHere(enc, r, recordAddr, yield.PrepareForJump, nnn, 0)
		enc.JmpIndirectMem(entryTargetAddr(perm, idx))
		blockFinished = true

	case 0x2:
		yieldHere(enc, r, recordAddr, yield.PrepareForStackJump, opcode, pc+2)
		enc.JmpIndirectMem(cells.StackHostAddrToCell())
		blockFinished = true

	case 0x3, 0x4:
		enc.CmpRegImm8(vx, nn)
		cc := encoder.Equal
		if opcode>>12 == 0x4 {
			cc = encoder.NotEqual
		}
		emitSkip(enc, cond, r, cc, pc)
		st.PC = pc + 2

	case 0x5:
		if opcode&0xF != 0 {
			logf("translator: unknown opcode %#04x at %#04x ignored", opcode, pc)
		} else {
			enc.CmpRegReg(vx, vy)
			emitSkip(enc, cond, r, encoder.Equal, pc)
		}
		st.PC = pc + 2

	case 0x6:
		enc.MovMem8Imm8(vx, nn)
		st.PC = pc + 2

	case 0x7:
		enc.AddMem8Imm8(vx, nn)
		st.PC = pc + 2

	case 0x8:
		switch opcode & 0xF {
		case 0x0:
			enc.MovRegMem(vx, vy)
		case 0x1:
			enc.OrRegReg(vx, vy)
		case 0x2:
			enc.AndRegReg(vx, vy)
		case 0x3:
			enc.XorRegReg(vx, vy)
		case 0x4:
			enc.AddRegReg(vx, vy)
			setMemFromCarry(enc, vf)
		case 0x5:
			enc.SubRegReg(vx, vy)
			setMemFromNotCarry(enc, vf)
		case 0x6:
			enc.ShrReg1(vx)
			setMemFromCarry(enc, vf)
		case 0x7:
			enc.MovRegMem(vf, vy)
			enc.SubRegReg(vf, vx)
			enc.MovRegMem(vx, vf)
			setMemFromNotCarry(enc, vf)
		case 0xE:
			enc.ShlReg1(vx)
			setMemFromCarry(enc, vf)
		default:
			logf("translator: unknown opcode %#04x at %#04x ignored", opcode, pc)
		}
		st.PC = pc + 2

	case 0x9:
		if opcode&0xF != 0 {
			logf("translator: unknown opcode %#04x at %#04x ignored", opcode, pc)
		} else {
			enc.CmpRegReg(vx, vy)
			emitSkip(enc, cond, r, encoder.NotEqual, pc)
		}
		st.PC = pc + 2

	case 0xA:
		enc.MovMem16Imm16(iAddr, nnn)
		st.PC = pc + 2

	case 0xB:
		yieldHere(enc, r, recordAddr, yield.PrepareForIndirectJump, opcode, 0)
		enc.JmpIndirectMem(cells.IndirectJumpAddrCell())
		blockFinished = true

	case 0xC:
		enc.Rdtsc(vx)
		enc.AndRegImm8(vx, nn)
		st.PC = pc + 2

	case 0xD:
		yieldHere(enc, r, recordAddr, yield.UseInterpreter, opcode, 0)
		st.PC = pc + 2

	case 0xE:
		switch nn {
		case 0x9E:
			enc.CmpIndexedByteImm8(keysBase, vx, 0)
			emitSkip(enc, cond, r, encoder.NotEqual, pc)
		case 0xA1:
			enc.CmpIndexedByteImm8(keysBase, vx, 0)
			emitSkip(enc, cond, r, encoder.Equal, pc)
		default:
			logf("translator: unknown opcode %#04x at %#04x ignored", opcode, pc)
		}
		st.PC = pc + 2

	case 0xF:
		switch nn {
		case 0x07, 0x15, 0x18:
			yieldHere(enc, r, recordAddr, yield.UpdateTimers, opcode, 0)
			st.PC = pc + 2
		case 0x0A:
			yieldHere(enc, r, recordAddr, yield.WaitForKeypress, opcode, 0)
			enc.MovRegMem(vx, keyPressedAddr)
			st.PC = pc + 2
		case 0x1E:
			enc.AddByteToWord16(iAddr, vx)
			st.PC = pc + 2
		case 0x29:
			enc.LoadByteZeroExtendedToAX(vx)
			enc.MulReg(addrOfByte(&five))
			enc.StoreAXToMem16(iAddr)
			st.PC = pc + 2
		case 0x33:
			yieldHere(enc, r, recordAddr, yield.SelfModifyingCode, opcode, 0)
			enc.LoadByteZeroExtendedToAX(vx)
			enc.DivReg(addrOfByte(&bcdHundred))
			enc.StoreALIndexed(memBase, iAddr, 0)
			// StoreALIndexed reuses RAX for the address, so the tens and
			// ones digits each start again from V[X].
			enc.LoadByteZeroExtendedToAX(vx)
			enc.DivReg(addrOfByte(&bcdHundred))
			enc.MoveAHToALZeroExtended()
			enc.DivReg(addrOfByte(&bcdTen))
			enc.StoreALIndexed(memBase, iAddr, 1)
			enc.LoadByteZeroExtendedToAX(vx)
			enc.DivReg(addrOfByte(&bcdTen))
			enc.MoveAHToALZeroExtended()
			enc.StoreALIndexed(memBase, iAddr, 2)
			st.PC = pc + 2
		case 0x55:
			yieldHere(enc, r, recordAddr, yield.SelfModifyingCode, opcode, 0)
			for i := uint16(0); i <= x; i++ {
				enc.StoreIndexedByte(memBase, iAddr, i, regAddr(st, i))
			}
			st.PC = pc + 2
		case 0x65:
			for i := uint16(0); i <= x; i++ {
				enc.LoadIndexedByte(regAddr(st, i), memBase, iAddr, i)
			}
			st.PC = pc + 2
		default:
			logf("translator: unknown opcode %#04x at %#04x ignored", opcode, pc)
			st.PC = pc + 2
		}

	default:
		logf("translator: unknown opcode %#04x at %#04x ignored", opcode, pc)
		st.PC = pc + 2
	}

	r.EndPC = pc
	r.Cursor = enc.Cursor
	return Outcome{BlockFinished: blockFinished}
}

// five is the 0xFX29 font-glyph stride (5 bytes per glyph); addressable the
// same way the BCD divisors are since MUL has no immediate form either.
var five byte = 5

func regAddr(st *guest.State, index uint16) uintptr {
	return uintptr(unsafe.Pointer(&st.V[index]))
}

func addrOfByte(b *byte) uintptr {
	return uintptr(unsafe.Pointer(b))
}

func entryTargetAddr(perm *jumptable.Permanent, idx int) uintptr {
	e := perm.Entry(idx)
	return uintptr(unsafe.Pointer(&e.HostTarget))
}

// emitSkip emits a long conditional jump with a placeholder displacement
// and records a Conditional Skip Entry for it, per spec.md §4.4/§4.5: the
// resume target is site_pc+4 (skip exactly one opcode). The dispatcher
// ticks the Conditional list once per opcode translated, including the one
// that just called Record, so three ticks — covering the site's own opcode,
// the skipped one, and resume_pc's own — must elapse before resume_pc's
// Permanent entry is guaranteed filled and safe to resolve against.
func emitSkip(enc *encoder.Encoder, cond *jumptable.Conditional, r *cache.Region, cc encoder.Cond, sitePC uint16) {
	dispOffset := enc.Jcc32(cc)
	cond.Record(sitePC, sitePC+4, 3, r, dispOffset)
}

// emitJumpTo emits a forced block exit through a Permanent entry for
// target — used when a region is too close to its reserved tail to safely
// emit another opcode's worth of code.
func emitJumpTo(enc *encoder.Encoder, perm *jumptable.Permanent, r *cache.Region, recordAddr uintptr, target uint16) {
	idx := perm.Intern(target)
	yieldHere(enc, r, recordAddr, yield.PrepareForJump, target, 0)
	enc.JmpIndirectMem(entryTargetAddr(perm, idx))
}

// yieldHere emits a Yield whose HostParam is the host address immediately
// following the Yield's own bytes — the embedded instruction (an indirect
// jump for a block-terminating yield, or the next opcode's lowering for a
// fall-through one) that the dispatcher resumes at once it has serviced the
// yield, per spec.md §6.1's "fall through to the [...] immediately after
// the yield" wording.
func yieldHere(enc *encoder.Encoder, r *cache.Region, recordAddr uintptr, tag yield.Tag, param1, param2 uint16) {
	cont := r.HostBase + uintptr(enc.Cursor) + encoder.YieldSize
	enc.Yield(recordAddr, tag, param1, param2, cont)
}

// setMemFromCarry writes 1 to addr, then corrects it to 0 if the host carry
// flag from the immediately preceding instruction is clear. The encoder
// only exposes a not-carry condition, not carry itself, so the flag value
// is captured speculatively and fixed up rather than tested directly.
func setMemFromCarry(enc *encoder.Encoder, addr uintptr) {
	enc.MovMem8Imm8(addr, 1)
	toClear := enc.Jcc8(encoder.NotCarry)
	overClear := enc.JmpRel8()
	enc.PatchShortJumpHere(toClear)
	enc.MovMem8Imm8(addr, 0)
	enc.PatchShortJumpHere(overClear)
}

// setMemFromNotCarry writes 1 to addr if the host not-carry condition from
// the immediately preceding instruction holds, else 0 — the 8XY5/8XY7
// "no-borrow" flag, which not-carry tests directly.
func setMemFromNotCarry(enc *encoder.Encoder, addr uintptr) {
	enc.MovMem8Imm8(addr, 0)
	toSet := enc.Jcc8(encoder.NotCarry)
	overSet := enc.JmpRel8()
	enc.PatchShortJumpHere(toSet)
	enc.MovMem8Imm8(addr, 1)
	enc.PatchShortJumpHere(overSet)
}

func logf(format string, args ...any) {
	if Verbose {
		fmt.Printf(format+"\n", args...)
	}
}
