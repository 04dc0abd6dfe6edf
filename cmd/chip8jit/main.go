// Command chip8jit loads a CHIP-8 ROM and runs it under the dynamic
// recompiler. It is the thin CLI shell around the core: it never touches
// the cache, encoder, or jump table directly, only the dispatcher and
// guest packages' public API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/msfwaifu/chip8jit/internal/dispatcher"
	"github.com/msfwaifu/chip8jit/internal/guest"
	"github.com/msfwaifu/chip8jit/internal/interpreter"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: chip8jit [-trace] [-cycles N] rom\n")
	flag.PrintDefaults()
}

func main() {
	trace := flag.Bool("trace", false, "log each yield the dispatcher services")
	cycles := flag.Int("cycles", 0, "stop after N dispatch rounds (0 = run until the process is interrupted)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	rom, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "chip8jit: %v\n", err)
		os.Exit(1)
	}

	st := guest.New()
	if err := st.LoadROM(rom); err != nil {
		fmt.Fprintf(os.Stderr, "chip8jit: %v\n", err)
		os.Exit(1)
	}

	dispatcher.Verbose = *trace
	d := dispatcher.New(st, interpreter.NopFallback{})

	if *cycles > 0 {
		for i := 0; i < *cycles; i++ {
			d.Step()
		}
		return
	}

	// Run until canceled; there is no wall-clock 60Hz timer driver wired in
	// here (out of scope, see spec.md §1) so Ctrl-C is the only way out.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	d.Run(ctx)
}
