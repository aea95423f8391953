// Package vm implements rlox's stack-based bytecode interpreter: a
// flat value stack, an instruction pointer into the current chunk,
// and two open-addressing tables (globals and interned strings) that
// persist across Interpret calls the way a REPL session persists
// state between lines.
package vm

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	easy "github.com/t-tomalak/logrus-easy-formatter"

	"rlox/internal/chunk"
	"rlox/internal/compiler"
	"rlox/internal/debug"
	"rlox/internal/rerror"
	"rlox/internal/table"
	"rlox/internal/value"
)

// InterpretResult classifies how an Interpret call ended.
type InterpretResult int

const (
	InterpretOK InterpretResult = iota
	InterpretCompileError
	InterpretRuntimeError
	// InterpretInternalError marks a failure that should be impossible
	// on any chunk this compiler produces (a malformed instruction
	// stream, an out-of-range stack or constant index). It is
	// recovered from a panic rather than threaded through every
	// dispatch case, since it never occurs on well-formed bytecode.
	InterpretInternalError
)

// VM owns the shared, cross-call state: globals and the string
// interning table survive from one Interpret call to the next, which
// is what lets a REPL session build up global variables across lines.
type VM struct {
	chunk *chunk.Chunk
	ip    int

	stack   []value.Value
	globals table.Table
	strings table.Table

	// CompileErrors holds the diagnostics from the most recent failed
	// compile, for callers that want to render them themselves.
	CompileErrors []*rerror.CompileError

	// Stdout is where OP_PRINT writes; defaults to os.Stdout.
	Stdout io.Writer

	trace      bool
	log        *logrus.Logger
	instanceID string
}

// New constructs a VM with empty globals and string tables. trace
// enables per-instruction logging (the CLI's -trace flag); ordinary
// execution pays nothing extra for it when disabled.
func New(trace bool) *VM {
	vm := &VM{
		Stdout:     os.Stdout,
		trace:      trace,
		instanceID: uuid.NewString(),
	}
	if trace {
		vm.log = logrus.New()
		vm.log.SetFormatter(&easy.Formatter{LogFormat: "%msg%\n"})
	}
	return vm
}

// Intern canonicalizes s against the VM's shared string table so that
// the compiler's string constants and the VM's own runtime-produced
// strings (concatenation) funnel through one interning set, per
// internal/table's documented algorithm.
func (vm *VM) Intern(s string) string {
	h := table.HashString(s)
	if existing, ok := vm.strings.FindString(s, h); ok {
		return existing
	}
	vm.strings.Set(s, value.NewNil())
	return s
}

// Interpret compiles source and, if that succeeds, runs it. Compile
// diagnostics are stashed on CompileErrors for the caller to render;
// on a successful compile the VM's value stack is reset before
// running the new chunk, while globals and interned strings survive.
func (vm *VM) Interpret(source string) InterpretResult {
	c, ok := vm.Compile(source)
	if !ok {
		return InterpretCompileError
	}
	return vm.Run(c)
}

// Compile compiles source against this VM's interning table without
// running it, so a caller (the -disassemble flag) can inspect the
// resulting chunk first. Diagnostics are also stashed on
// CompileErrors.
func (vm *VM) Compile(source string) (*chunk.Chunk, bool) {
	vm.CompileErrors = nil
	c, errs, ok := compiler.Compile(source, vm)
	if !ok {
		vm.CompileErrors = errs
		return nil, false
	}
	return c, true
}

// Run executes a previously compiled chunk. It resets the value stack
// but leaves globals and interned strings untouched, so a REPL can
// call Run once per line while keeping earlier state alive.
func (vm *VM) Run(c *chunk.Chunk) (result InterpretResult) {
	vm.chunk = c
	vm.ip = 0
	vm.stack = vm.stack[:0]

	if vm.trace {
		vm.log.WithField("instance", vm.instanceID).Info("== begin run ==")
	}

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "internal error: %v\n", r)
			vm.stack = vm.stack[:0]
			result = InterpretInternalError
		}
	}()

	return vm.run()
}

func (vm *VM) run() InterpretResult {
	for {
		if vm.trace {
			vm.traceInstruction()
		}

		op := chunk.OpCode(vm.readByte())
		switch op {
		case chunk.OpConstant:
			vm.push(vm.readConstant())

		case chunk.OpNil:
			vm.push(value.NewNil())
		case chunk.OpTrue:
			vm.push(value.NewBool(true))
		case chunk.OpFalse:
			vm.push(value.NewBool(false))

		case chunk.OpPop:
			vm.pop()

		case chunk.OpGetLocal:
			slot := vm.readByte()
			vm.push(vm.stack[slot])
		case chunk.OpSetLocal:
			slot := vm.readByte()
			vm.stack[slot] = vm.peek(0)

		case chunk.OpGetGlobal:
			name := vm.readConstant().AsStr
			v, ok := vm.globals.Get(name)
			if !ok {
				return vm.runtimeError("Undefined variable '%s'.", name)
			}
			vm.push(v)

		case chunk.OpDefineGlobal:
			name := vm.readConstant().AsStr
			vm.globals.Set(name, vm.peek(0))
			vm.pop()

		case chunk.OpSetGlobal:
			name := vm.readConstant().AsStr
			if isNew := vm.globals.Set(name, vm.peek(0)); isNew {
				vm.globals.Delete(name)
				return vm.runtimeError("Undefined variable '%s'.", name)
			}

		case chunk.OpEqual:
			b, a := vm.pop(), vm.pop()
			vm.push(value.NewBool(a.Equals(b)))

		case chunk.OpGreater:
			res, ok := vm.binaryBool(func(a, b float64) bool { return a > b })
			if !ok {
				return InterpretRuntimeError
			}
			vm.push(res)
		case chunk.OpLess:
			res, ok := vm.binaryBool(func(a, b float64) bool { return a < b })
			if !ok {
				return InterpretRuntimeError
			}
			vm.push(res)

		case chunk.OpAdd:
			res, result := vm.add()
			if result != InterpretOK {
				return result
			}
			vm.push(res)
		case chunk.OpSubtract:
			res, ok := vm.binaryNumber(func(a, b float64) float64 { return a - b })
			if !ok {
				return InterpretRuntimeError
			}
			vm.push(res)
		case chunk.OpMultiply:
			res, ok := vm.binaryNumber(func(a, b float64) float64 { return a * b })
			if !ok {
				return InterpretRuntimeError
			}
			vm.push(res)
		case chunk.OpDivide:
			res, ok := vm.binaryNumber(func(a, b float64) float64 { return a / b })
			if !ok {
				return InterpretRuntimeError
			}
			vm.push(res)

		case chunk.OpNot:
			vm.push(value.NewBool(vm.pop().IsFalsey()))

		case chunk.OpNegate:
			if !vm.peek(0).IsNumber() {
				return vm.runtimeError("Operand must be a number.")
			}
			vm.push(value.NewNumber(-vm.pop().AsNum))

		case chunk.OpPrint:
			fmt.Fprintln(vm.Stdout, vm.pop().String())

		case chunk.OpJump:
			offset := vm.readShort()
			vm.ip += int(offset)

		case chunk.OpJumpIfFalse:
			offset := vm.readShort()
			if vm.peek(0).IsFalsey() {
				vm.ip += int(offset)
			}

		case chunk.OpLoop:
			offset := vm.readShort()
			vm.ip -= int(offset)

		case chunk.OpReturn:
			return InterpretOK

		default:
			panic(fmt.Sprintf("unknown opcode %d", byte(op)))
		}
	}
}

/* stack */

func (vm *VM) push(v value.Value) {
	vm.stack = append(vm.stack, v)
}

func (vm *VM) pop() value.Value {
	n := len(vm.stack)
	v := vm.stack[n-1]
	vm.stack = vm.stack[:n-1]
	return v
}

func (vm *VM) peek(distance int) value.Value {
	return vm.stack[len(vm.stack)-1-distance]
}

/* instruction stream */

func (vm *VM) readByte() byte {
	b := vm.chunk.Code[vm.ip]
	vm.ip++
	return b
}

func (vm *VM) readShort() uint16 {
	hi, lo := vm.readByte(), vm.readByte()
	return uint16(hi)<<8 | uint16(lo)
}

func (vm *VM) readConstant() value.Value {
	return vm.chunk.Constants[vm.readByte()]
}

/* arithmetic */

func (vm *VM) binaryNumber(f func(a, b float64) float64) (value.Value, bool) {
	if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
		vm.runtimeError("Operands must be numbers.")
		return value.Value{}, false
	}
	b, a := vm.pop(), vm.pop()
	return value.NewNumber(f(a.AsNum, b.AsNum)), true
}

func (vm *VM) binaryBool(f func(a, b float64) bool) (value.Value, bool) {
	if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
		vm.runtimeError("Operands must be numbers.")
		return value.Value{}, false
	}
	b, a := vm.pop(), vm.pop()
	return value.NewBool(f(a.AsNum, b.AsNum)), true
}

// add implements OP_ADD's dual contract: number+number or
// string+string, rejecting anything else (including mixed operand
// types) with a single combined diagnostic.
func (vm *VM) add() (value.Value, InterpretResult) {
	if vm.peek(0).IsNumber() && vm.peek(1).IsNumber() {
		b, a := vm.pop(), vm.pop()
		return value.NewNumber(a.AsNum + b.AsNum), InterpretOK
	}
	if vm.peek(0).IsString() && vm.peek(1).IsString() {
		b, a := vm.pop(), vm.pop()
		concatenated := vm.Intern(a.AsStr + b.AsStr)
		return value.NewString(concatenated), InterpretOK
	}
	return value.Value{}, vm.runtimeError("Operands must be two numbers or two strings.")
}

/* errors */

func (vm *VM) runtimeError(format string, args ...interface{}) InterpretResult {
	line := 0
	if vm.ip > 0 && vm.ip-1 < len(vm.chunk.Lines) {
		line = vm.chunk.Lines[vm.ip-1]
	}
	err := &rerror.RuntimeError{Line: line, Message: fmt.Sprintf(format, args...)}
	fmt.Fprintln(os.Stderr, err.Error())
	vm.stack = vm.stack[:0]
	return InterpretRuntimeError
}

/* tracing */

func (vm *VM) traceInstruction() {
	var stackStr string
	for _, v := range vm.stack {
		stackStr += fmt.Sprintf("[ %s ]", v.String())
	}
	instr, _ := debug.Instruction(vm.chunk, vm.ip)
	vm.log.Info(stackStr + "  " + instr)
}
