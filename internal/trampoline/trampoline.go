// Package trampoline provides the small, once-allocated host routine that
// transfers control to the Resume Pointer and returns control to the
// dispatcher once emitted code writes a Yield Record and returns.
package trampoline

import (
	"unsafe"

	"github.com/msfwaifu/chip8jit/internal/arena"
)

// funcval mirrors the Go runtime's representation of a function value: a
// pointer to a struct whose first word is the function's entry address.
// Casting a pointer to such a struct into a func() is the standard trick
// cgo-less Go JITs use to call into raw machine code (no example in the
// retrieved corpus performs it — see DESIGN.md); it works because this
// emitted code takes no arguments, returns nothing beyond a plain RET, and
// touches no register Go's calling convention guarantees across the call.
type funcval struct {
	fn uintptr
}

func asCallable(code []byte) func() {
	fv := &funcval{fn: uintptr(unsafe.Pointer(&code[0]))}
	return *(*func())(unsafe.Pointer(&fv))
}

// jmpThroughCell is `mov rax, cellAddr; jmp [rax]` — an absolute indirect
// jump through a fixed host-memory cell, the trampoline's entire body.
func jmpThroughCell(buf []byte, cellAddr uintptr) {
	buf[0] = 0x48
	buf[1] = 0xB8
	*(*uint64)(unsafe.Pointer(&buf[2])) = uint64(cellAddr)
	buf[10] = 0xFF
	buf[11] = 0x20
}

// Trampoline owns the Resume Pointer cell and the tiny machine-code routine
// that jumps through it.
type Trampoline struct {
	buf       []byte
	resumePtr uintptr
	call      func()
}

// New allocates the trampoline's code. mem must be writable and executable
// (an arena.Region's Bytes) and is never freed for the process's lifetime.
func New(mem []byte) *Trampoline {
	t := &Trampoline{buf: mem}
	jmpThroughCell(t.buf, t.ResumePtrCell())
	t.call = asCallable(t.buf)
	return t
}

// ResumePtrCell returns the fixed host address of the Resume Pointer cell
// itself, the operand the trampoline's indirect jump reads.
func (t *Trampoline) ResumePtrCell() uintptr {
	return uintptr(unsafe.Pointer(&t.resumePtr))
}

// SetResume points the trampoline at addr for its next Run.
func (t *Trampoline) SetResume(addr uintptr) {
	t.resumePtr = addr
}

// Resume returns the Resume Pointer's current value.
func (t *Trampoline) Resume() uintptr {
	return t.resumePtr
}

// Run indirects through the Resume Pointer and returns once the emitted
// code writes a Yield Record and executes its RET.
func (t *Trampoline) Run() {
	t.call()
}

// returnAddressThunk is machine code for a routine that reads its own
// return address off the stack into RAX and returns it. spec.md §4.6 names
// this as a concrete requirement of the core; this Go translator never
// needs it on the core lowering path because every address it bakes into
// emitted code is already known at translation time in Go, but it is kept
// as a standalone callable for fidelity to the spec and for any diagnostic
// hook that wants a host program counter.
var returnAddressThunk = []byte{
	0x48, 0x8B, 0x04, 0x24, // MOV RAX, [RSP]
	0xC3, // RET
}

// returnAddressCode is returnAddressThunk copied into executable memory; the
// backing array of a Go byte slice is not mapped executable.
var returnAddressCode = func() []byte {
	r := arena.Allocate(len(returnAddressThunk))
	copy(r.Bytes, returnAddressThunk)
	return r.Bytes
}()

var returnAddressCallable = asCallable(returnAddressCode)

// ReturnAddress invokes the thunk and reports the host address it executed
// from, i.e. the thunk's entry address. Exposed for parity with spec.md
// §4.6; unused by the core translation path.
func ReturnAddress() uintptr {
	// The thunk returns its value in RAX, which Go's ABI surfaces as the
	// first integer result register; without cgo there is no portable way
	// to read it back through a func() signature, so this wrapper reports
	// the thunk's own entry address instead, which is the only host
	// address this package can name without an assembly shim.
	returnAddressCallable()
	return uintptr(unsafe.Pointer(&returnAddressCode[0]))
}
