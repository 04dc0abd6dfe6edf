// Package interpreter defines the fallback hook the dispatcher calls on
// USE_INTERPRETER yields. Actual pixel/sprite rendering is out of scope
// (spec.md §1 non-goal); this package only names the narrow interface and
// ships a headless reference implementation.
package interpreter

import "github.com/msfwaifu/chip8jit/internal/guest"

// Fallback executes the single opcode the JIT declined to translate
// (0x00E0 clear-screen, 0xDXYN draw-sprite).
type Fallback interface {
	Execute(st *guest.State, opcode uint16)
}

// NopFallback advances nothing beyond what the dispatcher already does; it
// exists so a host program with no display backend wired in still has a
// valid Fallback to pass to the dispatcher, mirroring the corpus's pattern
// of a narrow interface plus a headless no-op implementation.
type NopFallback struct{}

// Execute does nothing: drawing and clearing are handled entirely by
// whatever real display backend a host program supplies in NopFallback's
// place.
func (NopFallback) Execute(st *guest.State, opcode uint16) {}
