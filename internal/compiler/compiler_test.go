package compiler

import (
	"testing"

	"rlox/internal/chunk"
	"rlox/internal/table"
	"rlox/internal/value"
)

// fakeInterner mimics vm.VM's Intern method without pulling in the vm
// package, keeping this test free of the compiler->vm dependency the
// real binary wires at runtime.
type fakeInterner struct {
	strings table.Table
}

func (f *fakeInterner) Intern(s string) string {
	h := table.HashString(s)
	if existing, ok := f.strings.FindString(s, h); ok {
		return existing
	}
	f.strings.Set(s, value.NewNil())
	return s
}

func newInterner() Interner { return &fakeInterner{} }

func compileOK(t *testing.T, source string) *chunk.Chunk {
	t.Helper()
	c, errs, ok := Compile(source, newInterner())
	if !ok {
		t.Fatalf("Compile(%q) failed: %v", source, errs)
	}
	return c
}

func compileErr(t *testing.T, source string) []string {
	t.Helper()
	_, errs, ok := Compile(source, newInterner())
	if ok {
		t.Fatalf("Compile(%q) succeeded, want error", source)
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return msgs
}

func TestCompileArithmeticExpression(t *testing.T) {
	c := compileOK(t, "print 1 + 2 * 3;")
	ops := opcodesOf(c)
	want := []chunk.OpCode{
		chunk.OpConstant, chunk.OpConstant, chunk.OpConstant,
		chunk.OpMultiply, chunk.OpAdd, chunk.OpPrint, chunk.OpReturn,
	}
	assertOps(t, ops, want)
}

func TestCompileGroupingOverridesPrecedence(t *testing.T) {
	c := compileOK(t, "print (1 + 2) * 3;")
	ops := opcodesOf(c)
	want := []chunk.OpCode{
		chunk.OpConstant, chunk.OpConstant, chunk.OpAdd,
		chunk.OpConstant, chunk.OpMultiply, chunk.OpPrint, chunk.OpReturn,
	}
	assertOps(t, ops, want)
}

func TestCompileComparisonOperatorsDesugar(t *testing.T) {
	cases := map[string][]chunk.OpCode{
		"1 != 2;": {chunk.OpConstant, chunk.OpConstant, chunk.OpEqual, chunk.OpNot, chunk.OpPop, chunk.OpReturn},
		"1 >= 2;": {chunk.OpConstant, chunk.OpConstant, chunk.OpLess, chunk.OpNot, chunk.OpPop, chunk.OpReturn},
		"1 <= 2;": {chunk.OpConstant, chunk.OpConstant, chunk.OpGreater, chunk.OpNot, chunk.OpPop, chunk.OpReturn},
	}
	for src, want := range cases {
		c := compileOK(t, src)
		assertOps(t, opcodesOf(c), want)
	}
}

func TestCompileGlobalVarDeclarationAndUse(t *testing.T) {
	c := compileOK(t, "var a = 1; print a;")
	ops := opcodesOf(c)
	want := []chunk.OpCode{
		chunk.OpConstant, chunk.OpDefineGlobal,
		chunk.OpGetGlobal, chunk.OpPrint, chunk.OpReturn,
	}
	assertOps(t, ops, want)
}

func TestCompileLocalVariableUsesLocalOps(t *testing.T) {
	c := compileOK(t, "{ var a = 1; print a; }")
	ops := opcodesOf(c)
	want := []chunk.OpCode{
		chunk.OpConstant, chunk.OpGetLocal, chunk.OpPrint, chunk.OpPop, chunk.OpReturn,
	}
	assertOps(t, ops, want)
}

func TestCompileAssignmentToUndeclaredLocalFallsBackToGlobal(t *testing.T) {
	c := compileOK(t, "a = 1;")
	ops := opcodesOf(c)
	want := []chunk.OpCode{chunk.OpConstant, chunk.OpSetGlobal, chunk.OpPop, chunk.OpReturn}
	assertOps(t, ops, want)
}

func TestCompileIfElseEmitsJumpPattern(t *testing.T) {
	c := compileOK(t, "if (true) print 1; else print 2;")
	ops := opcodesOf(c)
	want := []chunk.OpCode{
		chunk.OpTrue, chunk.OpJumpIfFalse, chunk.OpPop,
		chunk.OpConstant, chunk.OpPrint, chunk.OpJump, chunk.OpPop,
		chunk.OpConstant, chunk.OpPrint, chunk.OpReturn,
	}
	assertOps(t, ops, want)
}

func TestCompileWhileEmitsLoop(t *testing.T) {
	c := compileOK(t, "while (true) print 1;")
	ops := opcodesOf(c)
	want := []chunk.OpCode{
		chunk.OpTrue, chunk.OpJumpIfFalse, chunk.OpPop,
		chunk.OpConstant, chunk.OpPrint, chunk.OpLoop, chunk.OpPop, chunk.OpReturn,
	}
	assertOps(t, ops, want)
}

func TestCompileForDesugarsToWhile(t *testing.T) {
	c := compileOK(t, "for (var i = 0; i < 1; i = i + 1) print i;")
	ops := opcodesOf(c)
	found := false
	for _, op := range ops {
		if op == chunk.OpLoop {
			found = true
		}
	}
	if !found {
		t.Fatalf("for-loop body should emit OpLoop, got %v", ops)
	}
}

func TestCompileAndOrShortCircuit(t *testing.T) {
	c := compileOK(t, "true and false;")
	want := []chunk.OpCode{chunk.OpTrue, chunk.OpJumpIfFalse, chunk.OpPop, chunk.OpFalse, chunk.OpPop, chunk.OpReturn}
	assertOps(t, opcodesOf(c), want)

	c = compileOK(t, "true or false;")
	want = []chunk.OpCode{chunk.OpTrue, chunk.OpJumpIfFalse, chunk.OpJump, chunk.OpPop, chunk.OpFalse, chunk.OpPop, chunk.OpReturn}
	assertOps(t, opcodesOf(c), want)
}

func TestCompileErrorMissingSemicolon(t *testing.T) {
	msgs := compileErr(t, "print 1")
	if len(msgs) != 1 {
		t.Fatalf("want exactly one diagnostic, got %v", msgs)
	}
	if want := "[line 1] Error at end: Expect ';' after value."; msgs[0] != want {
		t.Fatalf("got %q, want %q", msgs[0], want)
	}
}

func TestCompileErrorCollectsMultipleDiagnostics(t *testing.T) {
	msgs := compileErr(t, "print 1\nprint 2\n")
	if len(msgs) != 2 {
		t.Fatalf("want two diagnostics across the two bad statements, got %v", msgs)
	}
}

func TestCompileErrorInvalidAssignmentTarget(t *testing.T) {
	msgs := compileErr(t, "1 + 2 = 3;")
	found := false
	for _, m := range msgs {
		if m == "[line 1] Error at '=': Invalid assignment target." {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected invalid-assignment-target diagnostic, got %v", msgs)
	}
}

func TestCompileErrorSelfReferentialLocalInitializer(t *testing.T) {
	msgs := compileErr(t, "{ var a = a; }")
	found := false
	for _, m := range msgs {
		if m == "[line 1] Error at 'a': Can't read local variable in its own initializer." {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected self-referential-initializer diagnostic, got %v", msgs)
	}
}

func TestCompileTopLevelSelfReferenceIsGlobalNotError(t *testing.T) {
	// At top level "var a = a;" is legal: it resolves to the global
	// scope and only fails at run time if no such global already exists.
	compileOK(t, "var a = a;")
}

func opcodesOf(c *chunk.Chunk) []chunk.OpCode {
	var ops []chunk.OpCode
	i := 0
	for i < len(c.Code) {
		op := chunk.OpCode(c.Code[i])
		ops = append(ops, op)
		switch op {
		case chunk.OpConstant, chunk.OpGetLocal, chunk.OpSetLocal,
			chunk.OpGetGlobal, chunk.OpDefineGlobal, chunk.OpSetGlobal:
			i += 2
		case chunk.OpJump, chunk.OpJumpIfFalse, chunk.OpLoop:
			i += 3
		default:
			i++
		}
	}
	return ops
}

func assertOps(t *testing.T, got, want []chunk.OpCode) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("opcode count mismatch\ngot:  %v\nwant: %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("opcode[%d] = %s, want %s\nfull got: %v\nfull want: %v", i, got[i], want[i], got, want)
		}
	}
}
