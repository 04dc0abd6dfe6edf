// Package dispatcher drives the emulation loop: run the trampoline, read
// the Yield Record it leaves behind, act on it, and run again. It is the
// only piece of the core that ever mutates the Code Cache, the Jump Table,
// or the Trampoline's Resume Pointer — the translator only ever appends to
// whichever region the cache has made current.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"unsafe"

	"github.com/msfwaifu/chip8jit/internal/arena"
	"github.com/msfwaifu/chip8jit/internal/cache"
	"github.com/msfwaifu/chip8jit/internal/encoder"
	"github.com/msfwaifu/chip8jit/internal/guest"
	"github.com/msfwaifu/chip8jit/internal/interpreter"
	"github.com/msfwaifu/chip8jit/internal/jumptable"
	"github.com/msfwaifu/chip8jit/internal/trampoline"
	"github.com/msfwaifu/chip8jit/internal/translator"
	"github.com/msfwaifu/chip8jit/internal/yield"
)

// Verbose gates the DEBUG yield's diagnostic print — logging policy is an
// external concern, this is the one knob the dispatcher exposes for it.
var Verbose bool

// DefaultRegionSize is the number of bytes reserved per cache region,
// including its pre-written out-of-code tail.
const DefaultRegionSize = 8192

// Dispatcher owns every piece of the core that lives for the process's
// lifetime: the guest machine, the code cache, both jump tables, the
// trampoline, and the fallback interpreter hook.
type Dispatcher struct {
	State      *guest.State
	Cache      *cache.Cache
	Perm       *jumptable.Permanent
	Cond       *jumptable.Conditional
	Cells      *jumptable.Cells
	Trampoline *trampoline.Trampoline
	Fallback   interpreter.Fallback

	record     *yield.Record
	recordAddr uintptr
}

// New builds a Dispatcher around st. fallback services USE_INTERPRETER
// yields; pass interpreter.NopFallback{} when no display backend is wired
// in.
func New(st *guest.State, fallback interpreter.Fallback) *Dispatcher {
	record := &yield.Record{}
	recordAddr := uintptr(unsafe.Pointer(record))

	d := &Dispatcher{
		State:      st,
		Cache:      cache.New(recordAddr, DefaultRegionSize),
		Perm:       jumptable.NewPermanent(),
		Cond:       jumptable.NewConditional(),
		Cells:      jumptable.NewCells(),
		Trampoline: trampoline.New(arena.Allocate(arena.PageSize).Bytes),
		Fallback:   fallback,
		record:     record,
		recordAddr: recordAddr,
	}
	d.enter(st.PC)
	return d
}

// Run repeatedly invokes the trampoline and services whatever Yield Record
// it leaves behind, until ctx is cancelled. Cancellation is only observed
// between dispatch rounds, never mid-region, per spec.md §5's single-
// threaded cooperative contract.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.Trampoline.Run()
		d.handle()
	}
}

// Step runs exactly one dispatch round: one trampoline invocation and the
// yield handling it produces. Exposed for tests and for a host program that
// wants to interleave its own I/O polling between rounds rather than handing
// control entirely to Run.
func (d *Dispatcher) Step() {
	d.Trampoline.Run()
	d.handle()
}

func (d *Dispatcher) handle() {
	r := d.record
	switch r.Tag {
	case yield.PrepareForJump:
		d.handlePrepareForJump(r.Param1)
		d.Trampoline.SetResume(r.HostParam)

	case yield.UseInterpreter:
		d.Fallback.Execute(d.State, r.Param1)
		d.Trampoline.SetResume(r.HostParam)

	case yield.OutOfCode:
		d.handleOutOfCode(r.Param1)
		// handleOutOfCode sets the Resume Pointer itself: it must resume at
		// the tail position the splice was written over, not at HostParam
		// (which names the region's base, unrelated to this continuation).

	case yield.PrepareForIndirectJump:
		d.handlePrepareForIndirectJump(r.Param1)
		d.Trampoline.SetResume(r.HostParam)

	case yield.SelfModifyingCode:
		d.handleSelfModifyingCode(r.Param1)
		d.Trampoline.SetResume(r.HostParam)

	case yield.Debug:
		if Verbose {
			fmt.Fprintf(os.Stderr, "chip8jit: DEBUG opcode=%#04x pc=%#04x\n", r.Param1, r.Param2)
		}
		d.Trampoline.SetResume(r.HostParam)

	case yield.WaitForKeypress:
		d.handleWaitForKeypress(r.HostParam)

	case yield.PrepareForStackJump:
		d.handlePrepareForStackJump(r.Param1, r.Param2)
		d.Trampoline.SetResume(r.HostParam)

	case yield.UpdateTimers:
		d.handleUpdateTimers(r.Param1)
		d.Trampoline.SetResume(r.HostParam)

	default:
		fatal("dispatcher: unrecognised yield tag %d", r.Tag)
	}
}

// handlePrepareForJump resolves a direct (0x1NNN) jump target: sweep
// whatever regions the last round's invalidation freed, fill every pending
// Permanent entry (allocating a region for any that still lack one), and
// translate the target's region if it has never been entered before.
func (d *Dispatcher) handlePrepareForJump(target uint16) {
	d.sweepAndClear()
	idx := d.Perm.Intern(target)
	d.Perm.FillPending(d.Cache)

	e := d.Perm.Entry(idx)
	ri, ok := d.Cache.FindByHostAddr(e.HostTarget)
	if !ok {
		fatal("dispatcher: jump target %#04x resolved to an unknown region", target)
	}
	d.translateIfEmpty(ri, target)
}

// handlePrepareForIndirectJump resolves a 0xBNNN jump: target = NNN + V[0].
func (d *Dispatcher) handlePrepareForIndirectJump(opcode uint16) {
	if opcode>>12 != 0xB {
		fatal("dispatcher: PREPARE_FOR_INDIRECT_JUMP carried non-0xBNNN opcode %#04x", opcode)
	}
	nnn := opcode & 0x0FFF
	target := nnn + uint16(d.State.V[0])

	ri := d.Cache.GetWritableByStart(target)
	d.Cells.IndirectJumpAddr = d.Cache.Region(ri).HostBase
	d.translateIfEmpty(ri, target)
}

// handlePrepareForStackJump resolves either a 0x2NNN call (pushing the
// return address) or a 0x00EE return (popping one), routing through the
// shared stack-jump cell either way.
func (d *Dispatcher) handlePrepareForStackJump(opcode, returnPC uint16) {
	var target uint16
	if opcode>>12 == 0x2 {
		target = opcode & 0x0FFF
		if !d.State.PushReturn(returnPC) {
			fatal("dispatcher: guest call stack overflow at PC %#04x", returnPC)
		}
	} else {
		pc, ok := d.State.PopReturn()
		if !ok {
			fatal("dispatcher: guest call stack underflow (0x00EE with no active call)")
		}
		target = pc
	}

	ri := d.Cache.GetWritableByStart(target)
	d.Cells.StackHostAddrTo = d.Cache.Region(ri).HostBase
	d.translateIfEmpty(ri, target)
}

// handleSelfModifyingCode invalidates every cache region covering the bytes
// an FX33 or FX55 store is about to overwrite, before that store actually
// executes on resume — the ordering spec.md §9's Open Question 2 requires,
// since the yield is emitted strictly before the indexed writes it guards.
func (d *Dispatcher) handleSelfModifyingCode(opcode uint16) {
	switch opcode & 0xF0FF {
	case 0xF033:
		for off := uint16(0); off < 3; off++ {
			d.Cache.MarkInvalidContaining(d.State.I + off)
		}
	case 0xF055:
		x := (opcode >> 8) & 0xF
		for off := uint16(0); off <= x; off++ {
			d.Cache.MarkInvalidContaining(d.State.I + off)
		}
	}
	d.sweepAndClear()
}

// handleWaitForKeypress polls the keypad once. If a key is down it records
// the lowest-indexed one and falls through past the yield into the FX0A
// lowering's V[X] copy; otherwise it re-enters the very same yield next
// round (derived by backing HostParam off by one Yield's length) so the
// guest makes no progress until a key appears, without needing a second
// yield tag to express "retry."
func (d *Dispatcher) handleWaitForKeypress(afterYield uintptr) {
	for i, down := range d.State.Keys {
		if down {
			d.State.KeyPressed = byte(i)
			d.Trampoline.SetResume(afterYield)
			return
		}
	}
	d.Trampoline.SetResume(afterYield - encoder.YieldSize)
}

// handleUpdateTimers applies the register-transfer half of FX07/FX15/FX18
// and ticks both timers once, mirroring the 60 Hz wall-clock driver's decay
// so a guest that never yields control to external timing still observes
// its timers counting down.
func (d *Dispatcher) handleUpdateTimers(opcode uint16) {
	x := (opcode >> 8) & 0xF
	switch opcode & 0xFF {
	case 0x07:
		d.State.V[x] = d.State.DelayTimer
	case 0x15:
		d.State.DelayTimer = d.State.V[x]
	case 0x18:
		d.State.SoundTimer = d.State.V[x]
	}
	d.State.TickTimers()
}

// handleOutOfCode splices a fresh jump from the exhausted region's tail
// position to whatever region covers the next untranslated guest address,
// reusing the ordinary PREPARE_FOR_JUMP machinery for that region rather
// than growing the exhausted one further (spec.md §6.1: "splice the
// fall-through to next region").
func (d *Dispatcher) handleOutOfCode(startPC uint16) {
	ri, ok := d.Cache.FindByStartGuestPC(startPC)
	if !ok {
		fatal("dispatcher: OUT_OF_CODE named an unknown region start %#04x", startPC)
	}
	r := d.Cache.Region(ri)
	resumeAt := r.HostBase + uintptr(r.Cursor)

	continuePC := r.EndPC + 2
	idx := d.Perm.Intern(continuePC)

	enc := encoder.New(r.Buf, r.Cursor)
	yieldStart := enc.Cursor
	cont := r.HostBase + uintptr(yieldStart) + encoder.YieldSize
	enc.Yield(d.recordAddr, yield.PrepareForJump, continuePC, 0, cont)
	enc.JmpIndirectMem(entryTargetAddr(d.Perm.Entry(idx)))
	r.Cursor = enc.Cursor

	d.Trampoline.SetResume(resumeAt)
}

// enter is handlePrepareForJump's logic applied once, at construction time,
// to translate and select the region covering the guest's entry point —
// the trampoline's very first Run needs somewhere to land.
func (d *Dispatcher) enter(pc uint16) {
	ri := d.Cache.GetWritableByStart(pc)
	d.translateIfEmpty(ri, pc)
	d.Trampoline.SetResume(d.Cache.Region(ri).HostBase)
}

// translateIfEmpty selects region ri and, if it has never been translated,
// runs the translator over it starting at startPC until a block ends.
func (d *Dispatcher) translateIfEmpty(ri int, startPC uint16) {
	r := d.Cache.Region(ri)
	d.Cache.Select(ri)
	if !regionEmpty(r) {
		return
	}
	d.State.PC = startPC
	d.translateBlock()
}

// translateBlock runs the translator opcode-by-opcode over the currently
// selected region until it ends a block, maintaining the per-opcode
// Permanent-entry bookkeeping every Conditional Skip Entry's patch needs to
// resolve a resume_pc that lies inside the same in-progress region.
func (d *Dispatcher) translateBlock() {
	r := d.Cache.Current()
	enc := encoder.New(r.Buf, r.Cursor)
	for {
		offsetBefore := enc.Cursor
		pc := d.State.PC
		idx := d.Perm.Intern(pc)

		out := translator.TranslateOne(d.State, d.Cache, d.Perm, d.Cond, d.Cells, enc, d.recordAddr)

		e := d.Perm.Entry(idx)
		e.HostTarget = r.HostBase + uintptr(offsetBefore)
		e.Filled = true

		d.Cond.Tick(func(resumePC uint16) uintptr {
			ri := d.Perm.Intern(resumePC)
			return d.Perm.Entry(ri).HostTarget
		})

		if out.BlockFinished {
			return
		}
	}
}

// sweepAndClear drops every invalidated region not containing the current
// Resume Pointer and clears every Permanent entry whose HostTarget lies
// inside a freed region (translateBlock fills entries with mid-region
// addresses, not only region bases) — the cache and the jump table never
// import each other, so the dispatcher is the one place this forwarding
// happens.
func (d *Dispatcher) sweepAndClear() {
	freed := d.Cache.SweepInvalid(d.Trampoline.Resume())
	span := uintptr((d.Cache.RegionSize + arena.PageSize - 1) &^ (arena.PageSize - 1))
	for _, base := range freed {
		for i := 0; i < d.Perm.Len(); i++ {
			if e := d.Perm.Entry(i); e.Filled && e.HostTarget >= base && e.HostTarget < base+span {
				e.Filled = false
			}
		}
	}
}

func regionEmpty(r *cache.Region) bool {
	return r.Cursor == 0 && r.EndPC == r.StartPC
}

func entryTargetAddr(e *jumptable.Entry) uintptr {
	return uintptr(unsafe.Pointer(&e.HostTarget))
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(2)
}
