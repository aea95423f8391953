// Command rlox is the CLI front end for the bytecode interpreter: run
// a script file, or start an interactive REPL when no file is given.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"

	"rlox/internal/debug"
	"rlox/internal/vm"
)

const (
	exitOK           = 0
	exitUsage        = 64
	exitCompileError = 65
	exitRuntimeError = 70
)

func main() {
	disassemble := flag.Bool("disassemble", false, "print bytecode disassembly before running")
	trace := flag.Bool("trace", false, "log each instruction and the value stack as it executes")
	flag.Parse()

	args := flag.Args()
	switch len(args) {
	case 0:
		runREPL(*disassemble, *trace)
	case 1:
		runFile(args[0], *disassemble, *trace)
	default:
		fmt.Fprintln(os.Stderr, "Usage: rlox [path]")
		os.Exit(exitUsage)
	}
}

func runFile(path string, disassemble, trace bool) {
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading file: %s\n", err)
		os.Exit(exitUsage)
	}

	machine := vm.New(trace)
	result := compileAndRun(machine, string(source), disassemble, path)
	os.Exit(exitCodeFor(result))
}

// runREPL keeps one VM instance alive across lines so globals and
// interned strings persist the way the book's clox REPL keeps its
// process-lifetime VM. Input comes from chzyer/readline when stdin is
// a terminal, and falls back to a plain line scanner when it is
// piped, so scripted input (tests, CI) still works without a tty.
func runREPL(disassemble, trace bool) {
	machine := vm.New(trace)

	if isatty.IsTerminal(os.Stdin.Fd()) {
		runInteractiveREPL(machine, disassemble)
		return
	}
	runPipedREPL(machine, disassemble)
}

func runInteractiveREPL(machine *vm.VM, disassemble bool) {
	rl, err := readline.New("> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting REPL: %s\n", err)
		os.Exit(exitUsage)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		compileAndRun(machine, line, disassemble, "REPL")
	}
}

func runPipedREPL(machine *vm.VM, disassemble bool) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		compileAndRun(machine, scanner.Text(), disassemble, "REPL")
	}
}

// compileAndRun compiles source against machine, optionally printing
// its disassembly, then runs it if the compile succeeded. A failed
// compile prints all collected diagnostics to stderr.
func compileAndRun(machine *vm.VM, source string, disassemble bool, name string) vm.InterpretResult {
	c, ok := machine.Compile(source)
	if !ok {
		for _, e := range machine.CompileErrors {
			fmt.Fprintln(os.Stderr, e.Error())
		}
		return vm.InterpretCompileError
	}

	if disassemble {
		fmt.Print(debug.Disassemble(c, name))
	}

	return machine.Run(c)
}

func exitCodeFor(result vm.InterpretResult) int {
	switch result {
	case vm.InterpretOK:
		return exitOK
	case vm.InterpretCompileError:
		return exitCompileError
	case vm.InterpretRuntimeError, vm.InterpretInternalError:
		return exitRuntimeError
	default:
		return exitOK
	}
}
