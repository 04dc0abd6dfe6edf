package jumptable

import "unsafe"

// Cells holds the two inter-region indirection cells that belong to no
// single jump-table entry: the 0xBNNN indirect-jump target and the
// call/return stack-jump target. Both are fixed host-memory cells that
// emitted code jumps through indirectly (spec.md §9's "every inter-region
// edge is resolved through a named, mutable cell").
type Cells struct {
	IndirectJumpAddr uintptr // jump-module's indirect_jump_address
	StackHostAddrTo  uintptr // stack-module's host_address_to
}

// NewCells returns a zeroed Cells. Its fields must never be relocated once
// in use — callers keep it alive via a pointer held by the Dispatcher.
func NewCells() *Cells {
	return &Cells{}
}

// IndirectJumpAddrCell returns the host address of IndirectJumpAddr itself,
// for use as the operand of an indirect jump through it.
func (c *Cells) IndirectJumpAddrCell() uintptr {
	return uintptr(unsafe.Pointer(&c.IndirectJumpAddr))
}

// StackHostAddrToCell returns the host address of StackHostAddrTo itself.
func (c *Cells) StackHostAddrToCell() uintptr {
	return uintptr(unsafe.Pointer(&c.StackHostAddrTo))
}
