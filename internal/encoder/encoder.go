// Package encoder emits real amd64 machine code into a cache region's
// buffer. Guest register state (V, I, PC, stack, timers) lives at fixed host
// addresses rather than host registers, so every emitted sequence loads each
// operand's absolute address into RAX and moves values through a byte
// scratch register (usually BL) between memory operands — the same mem-to-mem-via-scratch-register shape the original dynarec's
// emitter used for its register file.
package encoder

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/msfwaifu/chip8jit/internal/yield"
)

// Cond is a condition-code family the encoder can branch on. Names match the
// mnemonics named in spec.md §4.2 (equal, not-equal, not-carry, not-greater)
// rather than the full x86 condition set, since those are the only four the
// translator ever needs.
type Cond uint8

// YieldSize is the exact byte length of the Yield macro's emitted
// sequence: a MOVABS into RAX, four memory stores (tag, two 16-bit
// params, one 32-bit host-param), and a RET. Callers that need the host
// address immediately following a particular Yield call (every non-block-
// terminating lowering passes this as HostParam so the dispatcher can fall
// through after servicing it) compute it as cursor-before-Yield + YieldSize.
const YieldSize = 10 + 3 + 6 + 6 + 8 + 1

const (
	Equal      Cond = 0x4 // JE / JZ
	NotEqual   Cond = 0x5 // JNE / JNZ
	NotCarry   Cond = 0x3 // JNC / JAE
	NotGreater Cond = 0xE // JNG / JLE
)

// Encoder is a cursor-advancing emitter over a single region's buffer. It is
// re-bound to whichever region the Code Cache has made current; it never
// writes past len(Buf) and the translator is responsible for ending a block
// before the cursor approaches the reserved tail.
type Encoder struct {
	Buf    []byte
	Cursor int
}

// New binds an Encoder to buf starting at the given cursor.
func New(buf []byte, cursor int) *Encoder {
	return &Encoder{Buf: buf, Cursor: cursor}
}

func (e *Encoder) emit(b ...byte) {
	if e.Cursor+len(b) > len(e.Buf) {
		panic(fmt.Sprintf("encoder: write of %d bytes at cursor %d overflows %d-byte buffer", len(b), e.Cursor, len(e.Buf)))
	}
	copy(e.Buf[e.Cursor:], b)
	e.Cursor += len(b)
}

func (e *Encoder) emitU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.emit(b[:]...)
}

func (e *Encoder) emitU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.emit(b[:]...)
}

// movRAXAbs loads the full 64-bit absolute address addr into RAX — i.e.
// MOVABS RAX, addr.
func (e *Encoder) movRAXAbs(addr uintptr) {
	e.emit(0x48, 0xB8) // REX.W + MOV RAX, imm64
	e.emitU64(uint64(addr))
}

// MovRegImm32 emits `mov dword [addr], imm32`: store an immediate into a
// guest-register memory cell.
func (e *Encoder) MovRegImm32(addr uintptr, imm32 uint32) {
	e.movRAXAbs(addr)
	e.emit(0xC7, 0x00) // MOV dword [RAX], imm32
	e.emitU32(imm32)
}

// MovMem8Imm8 emits `mov byte [addr], imm8` — the 0x6XNN "set VX" lowering.
func (e *Encoder) MovMem8Imm8(addr uintptr, imm8 byte) {
	e.movRAXAbs(addr)
	e.emit(0xC6, 0x00, imm8) // MOV byte [RAX], imm8
}

// AddMem8Imm8 emits `add byte [addr], imm8` — the 0x7XNN "add to VX"
// lowering; an 8-bit add wraps modulo 256 for free.
func (e *Encoder) AddMem8Imm8(addr uintptr, imm8 byte) {
	e.movRAXAbs(addr)
	e.emit(0x80, 0x00, imm8) // ADD byte [RAX], imm8
}

// MovMem16Imm16 emits `mov word [addr], imm16` — used to set the 16-bit I
// register (0xANNN) without disturbing the bytes that follow it in guest.State.
func (e *Encoder) MovMem16Imm16(addr uintptr, imm16 uint16) {
	e.movRAXAbs(addr)
	e.emit(0x66, 0xC7, 0x00) // operand-size prefix + MOV word [RAX], imm16
	e.emitU16(imm16)
}

// AddByteToWord16 zero-extends the byte at srcAddr and adds it into the
// 16-bit cell at dstAddr — the 0xFX1E lowering ("I += VX", zero-extended).
func (e *Encoder) AddByteToWord16(dstAddr, srcAddr uintptr) {
	e.movRAXAbs(srcAddr)
	e.emit(0x8A, 0x18)       // MOV BL, [RAX]
	e.emit(0x0F, 0xB6, 0xDB) // MOVZX EBX, BL
	e.movRAXAbs(dstAddr)
	e.emit(0x66, 0x01, 0x18) // ADD word [RAX], BX
}

// LoadIndexedByte loads the byte at memBase+I+disp (I read from iAddr at
// runtime) into the byte cell at dstAddr. Used for 0xFX65-style reads where
// the effective address depends on the guest I register's runtime value.
func (e *Encoder) LoadIndexedByte(dstAddr, memBase, iAddr uintptr, disp uint16) {
	e.loadEffectiveAddress(memBase, iAddr, disp)
	e.emit(0x8A, 0x18) // MOV BL, [RAX]  (RAX now holds memBase+I+disp)
	e.movRAXAbs(dstAddr)
	e.emit(0x88, 0x18) // MOV [RAX], BL
}

// StoreIndexedByte stores the byte at srcAddr into memBase+I+disp. Used for
// 0xFX55-style writes and the BCD (0xFX33) digit stores.
func (e *Encoder) StoreIndexedByte(memBase, iAddr uintptr, disp uint16, srcAddr uintptr) {
	e.movRAXAbs(srcAddr)
	e.emit(0x8A, 0x18) // MOV BL, [RAX]   (read the value before RAX is reused)
	e.loadEffectiveAddress(memBase, iAddr, disp)
	e.emit(0x88, 0x18) // MOV [RAX], BL
}

// loadEffectiveAddress leaves RAX holding memBase + (I read from iAddr,
// zero-extended) + disp, clobbering RAX and RCX.
func (e *Encoder) loadEffectiveAddress(memBase, iAddr uintptr, disp uint16) {
	e.movRAXAbs(iAddr)
	e.emit(0x0F, 0xB7, 0x00) // MOVZX EAX, word [RAX]
	if disp != 0 {
		e.emit(0x05) // ADD EAX, imm32
		e.emitU32(uint32(disp))
	}
	e.emit(0x89, 0xC1) // MOV ECX, EAX
	e.movRAXAbs(memBase)
	e.emit(0x48, 0x01, 0xC8) // ADD RAX, RCX
}

// CmpRegImm8 compares the byte at dst against imm8, setting host flags for a
// following Jcc — the 3XNN/4XNN skip-family comparison.
func (e *Encoder) CmpRegImm8(dst uintptr, imm8 byte) {
	e.movRAXAbs(dst)
	e.emit(0x80, 0x38, imm8) // CMP byte [RAX], imm8
}

// CmpIndexedByteImm8 compares the byte at base+zero_extend(byte at idxAddr)
// against imm8 — the EX9E/EXA1 key-array lookup, indexed by an 8-bit V
// register rather than the 16-bit I register.
func (e *Encoder) CmpIndexedByteImm8(base, idxAddr uintptr, imm8 byte) {
	e.loadEffectiveAddressByByteIndex(base, idxAddr)
	e.emit(0x80, 0x38, imm8) // CMP byte [RAX], imm8
}

// loadEffectiveAddressByByteIndex leaves RAX holding base plus the
// zero-extended byte read from idxAddr, clobbering RAX and RBX.
func (e *Encoder) loadEffectiveAddressByByteIndex(base, idxAddr uintptr) {
	e.movRAXAbs(idxAddr)
	e.emit(0x8A, 0x18)       // MOV BL, [RAX]
	e.emit(0x0F, 0xB6, 0xDB) // MOVZX EBX, BL
	e.movRAXAbs(base)
	e.emit(0x48, 0x01, 0xD8) // ADD RAX, RBX
}

// JmpRel8 emits a short unconditional jump with a placeholder displacement
// and returns its offset for a later PatchShortJumpHere.
func (e *Encoder) JmpRel8() (dispOffset int) {
	e.emit(0xEB)
	dispOffset = e.Cursor
	e.emit(0x00)
	return dispOffset
}

// PatchShortJumpHere patches the one-byte displacement at dispOffset (as
// returned by Jcc8 or JmpRel8) so the jump lands at the encoder's current
// cursor — used for forward jumps entirely within the code just emitted,
// where the target is known immediately rather than needing the jump
// table's delayed patch.
func (e *Encoder) PatchShortJumpHere(dispOffset int) {
	e.Buf[dispOffset] = byte(e.Cursor - (dispOffset + 1))
}

// LoadByteZeroExtendedToAX loads AX = zero-extended byte at src — the
// dividend setup an 8-bit DIV or the multiplicand setup an 8-bit MUL needs.
func (e *Encoder) LoadByteZeroExtendedToAX(src uintptr) {
	e.movRAXAbs(src)
	e.emit(0x8A, 0x00) // MOV AL, [RAX]
	e.emit(0x66, 0x25) // AND AX, imm16
	e.emitU16(0x00FF)
}

// MoveAHToALZeroExtended copies AH into AL and clears AH — reloads the
// remainder left by a previous DIV as the zero-extended dividend for a
// further DIV by a smaller divisor (the BCD tens step), or as the digit to
// store (the BCD ones step).
func (e *Encoder) MoveAHToALZeroExtended() {
	e.emit(0x88, 0xE3)       // MOV BL, AH
	e.emit(0x66, 0x31, 0xC0) // XOR AX, AX
	e.emit(0x88, 0xD8)       // MOV AL, BL
}

// StoreALIndexed stores AL into memBase + zero_extend(I) + disp (I read
// from iAddr at runtime), stashing AL in BL before RAX is reused to compute
// the address.
func (e *Encoder) StoreALIndexed(memBase, iAddr uintptr, disp uint16) {
	e.emit(0x88, 0xC3) // MOV BL, AL
	e.loadEffectiveAddress(memBase, iAddr, disp)
	e.emit(0x88, 0x18) // MOV [RAX], BL
}

// StoreAXToMem16 stores the 16-bit AX register into the word at addr.
func (e *Encoder) StoreAXToMem16(addr uintptr) {
	e.emit(0x66, 0x89, 0xC3) // MOV BX, AX
	e.movRAXAbs(addr)
	e.emit(0x66, 0x89, 0x18) // MOV [RAX], BX
}

// MovRegMem copies the byte at src into the byte at dst (both guest memory
// cells), routed through BL.
func (e *Encoder) MovRegMem(dst, src uintptr) {
	e.movRAXAbs(src)
	e.emit(0x8A, 0x18) // MOV BL, [RAX]   (BL used as an intermediate so RAX can be reloaded)
	e.movRAXAbs(dst)
	e.emit(0x88, 0x18) // MOV [RAX], BL
}

// AddRegReg performs `dst += src` as 8-bit memory operands (CHIP-8 data
// registers are bytes); it does not touch any flags cell — the carry-out is
// left in the host carry flag for the caller's following flag sequence.
func (e *Encoder) AddRegReg(dst, src uintptr) {
	e.movRAXAbs(src)
	e.emit(0x8A, 0x18) // MOV BL, [RAX]
	e.movRAXAbs(dst)
	e.emit(0x00, 0x18) // ADD [RAX], BL
}

// SubRegReg performs `dst -= src`.
func (e *Encoder) SubRegReg(dst, src uintptr) {
	e.movRAXAbs(src)
	e.emit(0x8A, 0x18) // MOV BL, [RAX]
	e.movRAXAbs(dst)
	e.emit(0x28, 0x18) // SUB [RAX], BL
}

// AndRegImm8 performs `dst &= imm8`.
func (e *Encoder) AndRegImm8(dst uintptr, imm8 byte) {
	e.movRAXAbs(dst)
	e.emit(0x80, 0x20, imm8) // AND byte [RAX], imm8
}

// AndRegReg performs `dst &= src`.
func (e *Encoder) AndRegReg(dst, src uintptr) {
	e.movRAXAbs(src)
	e.emit(0x8A, 0x18) // MOV BL, [RAX]
	e.movRAXAbs(dst)
	e.emit(0x20, 0x18) // AND [RAX], BL
}

// OrRegReg performs `dst |= src`.
func (e *Encoder) OrRegReg(dst, src uintptr) {
	e.movRAXAbs(src)
	e.emit(0x8A, 0x18) // MOV BL, [RAX]
	e.movRAXAbs(dst)
	e.emit(0x08, 0x18) // OR [RAX], BL
}

// XorRegReg performs `dst ^= src`.
func (e *Encoder) XorRegReg(dst, src uintptr) {
	e.movRAXAbs(src)
	e.emit(0x8A, 0x18) // MOV BL, [RAX]
	e.movRAXAbs(dst)
	e.emit(0x30, 0x18) // XOR [RAX], BL
}

// ShlReg1 shifts the byte at dst left by one bit, leaving the carry-out in
// the host carry flag for the caller's subsequent Jcc/SETcc sequence.
func (e *Encoder) ShlReg1(dst uintptr) {
	e.movRAXAbs(dst)
	e.emit(0xD0, 0x20) // SHL byte [RAX], 1
}

// ShrReg1 shifts the byte at dst right by one bit.
func (e *Encoder) ShrReg1(dst uintptr) {
	e.movRAXAbs(dst)
	e.emit(0xD0, 0x28) // SHR byte [RAX], 1
}

// MulReg performs an unsigned 8-bit multiply AL*[src], widening into AX; the
// translator uses it for the 0xFX29 glyph address (V[X]*5). src is addressed
// through RCX so AL is left intact.
func (e *Encoder) MulReg(src uintptr) {
	e.emit(0x48, 0xB9) // REX.W + MOV RCX, imm64 (RAX holds the multiplicand)
	e.emitU64(uint64(src))
	e.emit(0xF6, 0x21) // MUL byte [RCX]
}

// DivReg performs an unsigned 8-bit divide AX/[src] (quotient in AL,
// remainder in AH) — used by the BCD (0xFX33) lowering's divide-by-100 and
// divide-by-10 steps. src is addressed through RCX so AX is left intact.
func (e *Encoder) DivReg(src uintptr) {
	e.emit(0x48, 0xB9) // REX.W + MOV RCX, imm64 (RAX holds the dividend)
	e.emitU64(uint64(src))
	e.emit(0xF6, 0x31) // DIV byte [RCX]
}

// CmpRegReg compares the bytes at a and b, setting host flags for a
// following Jcc.
func (e *Encoder) CmpRegReg(a, b uintptr) {
	e.movRAXAbs(b)
	e.emit(0x8A, 0x18) // MOV BL, [RAX]
	e.movRAXAbs(a)
	e.emit(0x38, 0x18) // CMP [RAX], BL
}

// CmpMem32Imm32 compares the dword at addr against imm32.
func (e *Encoder) CmpMem32Imm32(addr uintptr, imm32 uint32) {
	e.movRAXAbs(addr)
	e.emit(0x81, 0x38) // CMP dword [RAX], imm32
	e.emitU32(imm32)
}

// JmpIndirectMem emits `jmp [addr]`: an absolute indirect jump through a
// fixed host-memory cell, the only way control ever crosses between regions
// (spec.md §9, "cross-region control transfer").
func (e *Encoder) JmpIndirectMem(addr uintptr) {
	e.movRAXAbs(addr)
	e.emit(0xFF, 0x20) // JMP [RAX]   (opcode extension /4)
}

// Jcc8 emits a short conditional jump with a placeholder displacement and
// returns the offset of that one-byte displacement for later patching.
func (e *Encoder) Jcc8(cc Cond) (dispOffset int) {
	e.emit(0x70 | byte(cc))
	dispOffset = e.Cursor
	e.emit(0x00)
	return dispOffset
}

// Jcc32 emits a near conditional jump with a placeholder 32-bit displacement
// and returns the offset of that 4-byte displacement for later patching —
// this is the form the 3/4/5/9-family skip lowering patches via the jump
// table's Conditional Skip Entry.
func (e *Encoder) Jcc32(cc Cond) (dispOffset int) {
	e.emit(0x0F, 0x80|byte(cc))
	dispOffset = e.Cursor
	e.emitU32(0)
	return dispOffset
}

// PatchRel32 writes a 32-bit signed displacement computed by the caller
// (target − address-after-slot) into the four bytes at dispOffset.
func (e *Encoder) PatchRel32(dispOffset int, target uintptr) {
	PatchRel32(e.Buf, dispOffset, target)
}

// PatchRel32 writes a 32-bit signed displacement into buf[dispOffset:] so
// that executing a near jump whose immediate starts there lands on target.
// Exported as a free function so the jump table can patch a Conditional
// Skip Entry's slot without needing an Encoder bound to that region.
func PatchRel32(buf []byte, dispOffset int, target uintptr) {
	addrAfterSlot := addrOf(buf, dispOffset+4)
	disp := int32(int64(target) - int64(addrAfterSlot))
	binary.LittleEndian.PutUint32(buf[dispOffset:], uint32(disp))
}

// Rdtsc reads the host timestamp counter into EDX:EAX, then stores the low
// byte into dst — used as the 0xCXNN random-number surrogate, exactly as
// spec.md §4.2 names it ("a timestamp-read for random numbers").
func (e *Encoder) Rdtsc(dst uintptr) {
	e.emit(0x0F, 0x31) // RDTSC
	e.emit(0x89, 0xC2) // MOV EDX, EAX  — keep the low half before RAX is reused
	e.movRAXAbs(dst)
	e.emit(0x88, 0x10) // MOV [RAX], DL  — low byte of the counter
}

// Yield writes the Yield Record fields through recordAddr and returns to the
// trampoline's epilogue (a plain RET, the trampoline having pushed the
// matching call frame). hostParam names the region base for OUT_OF_CODE and,
// for the translator's yields, the address right after the Yield's own bytes
// (see translator.yieldHere), where the dispatcher resumes.
func (e *Encoder) Yield(recordAddr uintptr, tag yield.Tag, param1, param2 uint16, hostParam uintptr) {
	e.movRAXAbs(recordAddr)
	e.emit(0xC6, 0x00, byte(tag)) // MOV byte [RAX], tag
	e.emit(0x66, 0xC7, 0x40, 0x02)
	e.emitU16(param1) // MOV word [RAX+2], param1
	e.emit(0x66, 0xC7, 0x40, 0x04)
	e.emitU16(param2) // MOV word [RAX+4], param2
	e.emit(0x48, 0xC7, 0x40, 0x08)
	e.emitU32(uint32(hostParam)) // MOV qword [RAX+8], hostParam (zero-extended)
	e.emit(0xC3)                 // RET — hands control back to the trampoline
}

func (e *Encoder) emitU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.emit(b[:]...)
}

// addrOf returns the absolute host address of buf[off].
func addrOf(buf []byte, off int) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0])) + uintptr(off)
}
