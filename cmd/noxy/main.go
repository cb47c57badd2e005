package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"noxy/internal/compiler"
	"noxy/internal/gc"
	"noxy/internal/natives"
	"noxy/internal/vm"
)

const version = "v0.1.0"

// sysexits-style exit codes (spec.md §7): a compile error is the caller's
// fault (bad input), a runtime error is the program's fault once it was
// accepted as valid.
const (
	exitOK       = 0
	exitDataErr  = 65
	exitSoftware = 70
)

func main() {
	disasm := flag.Bool("disassemble", false, "print bytecode disassembly before running")
	stress := flag.Bool("gc-stress", false, "collect garbage on every allocation (for testing)")
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "print usage and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: noxy [options] [script]\n\noptions:\n")
		flag.VisitAll(func(f *flag.Flag) {
			fmt.Fprintf(os.Stderr, "  --%s\n\t%s\n", f.Name, f.Usage)
		})
	}
	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(exitOK)
	}
	if *showVersion {
		fmt.Printf("noxy %s\n", version)
		os.Exit(exitOK)
	}

	args := flag.Args()
	if len(args) < 1 {
		runREPL(*disasm, *stress)
		return
	}

	source, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading %s: %s\n", args[0], err)
		os.Exit(exitDataErr)
	}
	os.Exit(runSource(args[0], string(source), *disasm, *stress))
}

// runSource compiles and runs one complete program, returning the process
// exit code for main to pass to os.Exit.
func runSource(name, source string, disasm, stress bool) int {
	mgr := gc.NewManager()
	mgr.SetStressMode(stress)

	c := compiler.New(source, mgr)
	fn, err := c.Compile()
	if err != nil {
		return exitDataErr
	}

	if disasm {
		if chunkPtr, ok := fn.ChunkPtr.(interface{ Disassemble(string) }); ok {
			chunkPtr.Disassemble(name)
		}
	}

	machine := vm.New(mgr, os.Stdout)
	natives.Register(machine, mgr)

	if _, err := machine.Interpret(fn); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSoftware
	}
	return exitOK
}

// runREPL mirrors the teacher's line-at-a-time REPL loop: each line is
// compiled and interpreted on its own against one shared VM, so globals
// defined on earlier lines stay visible; a statement spanning several lines
// does not compile. The banner and prompt are suppressed when stdin isn't a
// terminal.
func runREPL(disasm, stress bool) {
	interactive := isatty.IsTerminal(os.Stdin.Fd())
	if interactive {
		fmt.Printf("noxy %s\n", version)
		fmt.Println("type 'exit' to quit")
	}

	mgr := gc.NewManager()
	mgr.SetStressMode(stress)
	machine := vm.New(mgr, os.Stdout)
	natives.Register(machine, mgr)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Print(">>> ")
		}
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "exit" {
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		c := compiler.New(line, mgr)
		fn, err := c.Compile()
		if err != nil {
			continue
		}
		if disasm {
			if chunkPtr, ok := fn.ChunkPtr.(interface{ Disassemble(string) }); ok {
				chunkPtr.Disassemble("REPL")
			}
		}
		if _, err := machine.Interpret(fn); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}
