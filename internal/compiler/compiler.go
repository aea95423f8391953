// Package compiler implements rlox's single-pass Pratt compiler: it
// emits bytecode directly into a chunk.Chunk while scanning tokens,
// with no intermediate AST. Local variables are resolved on the fly
// against a compile-time stack of locals; forward jumps are patched
// after their target is known.
package compiler

import (
	"fmt"
	"strconv"

	"rlox/internal/chunk"
	"rlox/internal/rerror"
	"rlox/internal/scanner"
	"rlox/internal/token"
	"rlox/internal/value"
)

// Interner canonicalizes string content the way the VM's string table
// does, so that string constants baked into a chunk and strings
// produced at runtime (concatenation) flow through the same
// interning set. A *vm.VM satisfies this interface.
type Interner interface {
	Intern(s string) string
}

type precedence int

const (
	precNone       precedence = iota
	precAssignment            // =
	precOr                    // or
	precAnd                   // and
	precEquality              // == !=
	precComparison            // < > <= >=
	precTerm                  // + -
	precFactor                // * /
	precUnary                 // ! -
	precCall                  // . ()
	precPrimary
)

type parseFn func(c *compiler, canAssign bool)

type parseRule struct {
	prefix, infix parseFn
	prec          precedence
}

var rules map[token.Type]parseRule

func init() {
	rules = map[token.Type]parseRule{
		token.LeftParen:    {grouping, nil, precNone},
		token.Minus:        {unary, binary, precTerm},
		token.Plus:         {nil, binary, precTerm},
		token.Slash:        {nil, binary, precFactor},
		token.Star:         {nil, binary, precFactor},
		token.Bang:         {unary, nil, precNone},
		token.BangEqual:    {nil, binary, precEquality},
		token.EqualEqual:   {nil, binary, precEquality},
		token.Greater:      {nil, binary, precComparison},
		token.GreaterEqual: {nil, binary, precComparison},
		token.Less:         {nil, binary, precComparison},
		token.LessEqual:    {nil, binary, precComparison},
		token.Identifier:   {variable, nil, precNone},
		token.String:       {str, nil, precNone},
		token.Number:       {number, nil, precNone},
		token.And:          {nil, and_, precAnd},
		token.Or:           {nil, or_, precOr},
		token.False:        {literal, nil, precNone},
		token.Nil:          {literal, nil, precNone},
		token.True:         {literal, nil, precNone},
	}
}

// maxLocals is the local-variable stack cap: slots are addressed by a
// single operand byte.
const maxLocals = 256

// uninitialized marks a local that has been declared but whose
// initializer hasn't finished compiling yet.
const uninitialized = -1

type local struct {
	name  string
	depth int
}

type compiler struct {
	scan     *scanner.Scanner
	chunk    *chunk.Chunk
	interner Interner

	current, previous token.Token
	hadError          bool
	panicMode         bool
	errors            rerror.Errors

	locals     []local
	scopeDepth int
}

// Compile compiles source into a chunk.Chunk in a single pass. On
// failure it returns the collected diagnostics and a nil chunk; the
// caller must not execute a failed compile.
func Compile(source string, interner Interner) (*chunk.Chunk, []*rerror.CompileError, bool) {
	c := &compiler{
		scan:     scanner.New(source),
		chunk:    chunk.New(),
		interner: interner,
	}

	c.advance()
	for !c.match(token.EOF) {
		c.declaration()
	}
	c.emitReturn()

	if c.hadError {
		return nil, c.errors.All(), false
	}
	return c.chunk, nil, true
}

/* token cursor */

func (c *compiler) advance() {
	c.previous = c.current
	for {
		c.current = c.scan.Next()
		if c.current.Type != token.Error {
			break
		}
		c.errorAtCurrent(c.current.Lexeme)
	}
}

func (c *compiler) check(t token.Type) bool { return c.current.Type == t }

func (c *compiler) match(t token.Type) bool {
	if !c.check(t) {
		return false
	}
	c.advance()
	return true
}

func (c *compiler) consume(t token.Type, message string) {
	if c.current.Type == t {
		c.advance()
		return
	}
	c.errorAtCurrent(message)
}

/* declarations and statements */

func (c *compiler) declaration() {
	if c.match(token.Var) {
		c.varDeclaration()
	} else {
		c.statement()
	}
	if c.panicMode {
		c.synchronize()
	}
}

func (c *compiler) varDeclaration() {
	global := c.parseVariable("Expect variable name.")

	if c.match(token.Equal) {
		c.expression()
	} else {
		c.emitByte(byte(chunk.OpNil))
	}
	c.consume(token.Semicolon, "Expect ';' after variable declaration.")

	c.defineVariable(global)
}

func (c *compiler) statement() {
	switch {
	case c.match(token.Print):
		c.printStatement()
	case c.match(token.If):
		c.ifStatement()
	case c.match(token.While):
		c.whileStatement()
	case c.match(token.For):
		c.forStatement()
	case c.match(token.LeftBrace):
		c.beginScope()
		c.block()
		c.endScope()
	default:
		c.expressionStatement()
	}
}

func (c *compiler) printStatement() {
	c.expression()
	c.consume(token.Semicolon, "Expect ';' after value.")
	c.emitByte(byte(chunk.OpPrint))
}

func (c *compiler) expressionStatement() {
	c.expression()
	c.consume(token.Semicolon, "Expect ';' after expression.")
	c.emitByte(byte(chunk.OpPop))
}

func (c *compiler) block() {
	for !c.check(token.RightBrace) && !c.check(token.EOF) {
		c.declaration()
	}
	c.consume(token.RightBrace, "Expect '}' after block.")
}

// ifStatement implements the distillation-supplemented `if` grammar
// (SPEC_FULL.md §4.4): JumpIfFalse over the then-branch, an
// unconditional Jump over the else-branch, with a Pop on each side to
// discard the condition (spec.md §4.5's documented pattern).
func (c *compiler) ifStatement() {
	c.consume(token.LeftParen, "Expect '(' after 'if'.")
	c.expression()
	c.consume(token.RightParen, "Expect ')' after condition.")

	thenJump := c.emitJump(chunk.OpJumpIfFalse)
	c.emitByte(byte(chunk.OpPop))
	c.statement()

	elseJump := c.emitJump(chunk.OpJump)
	c.patchJump(thenJump)
	c.emitByte(byte(chunk.OpPop))

	if c.match(token.Else) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *compiler) whileStatement() {
	loopStart := len(c.chunk.Code)
	c.consume(token.LeftParen, "Expect '(' after 'while'.")
	c.expression()
	c.consume(token.RightParen, "Expect ')' after condition.")

	exitJump := c.emitJump(chunk.OpJumpIfFalse)
	c.emitByte(byte(chunk.OpPop))
	c.statement()
	c.emitLoop(loopStart)

	c.patchJump(exitJump)
	c.emitByte(byte(chunk.OpPop))
}

// forStatement desugars `for (init; cond; incr) body` into init
// followed by an equivalent while loop, exactly as golox's forStmt
// does, introducing no new opcode.
func (c *compiler) forStatement() {
	c.beginScope()
	c.consume(token.LeftParen, "Expect '(' after 'for'.")

	switch {
	case c.match(token.Semicolon):
		// No initializer.
	case c.match(token.Var):
		c.varDeclaration()
	default:
		c.expressionStatement()
	}

	loopStart := len(c.chunk.Code)
	exitJump := -1
	if !c.match(token.Semicolon) {
		c.expression()
		c.consume(token.Semicolon, "Expect ';' after loop condition.")

		exitJump = c.emitJump(chunk.OpJumpIfFalse)
		c.emitByte(byte(chunk.OpPop))
	}

	if !c.check(token.RightParen) {
		bodyJump := c.emitJump(chunk.OpJump)
		incrStart := len(c.chunk.Code)
		c.expression()
		c.emitByte(byte(chunk.OpPop))
		c.consume(token.RightParen, "Expect ')' after for clauses.")

		c.emitLoop(loopStart)
		loopStart = incrStart
		c.patchJump(bodyJump)
	} else {
		c.consume(token.RightParen, "Expect ')' after for clauses.")
	}

	c.statement()
	c.emitLoop(loopStart)

	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emitByte(byte(chunk.OpPop))
	}
	c.endScope()
}

func (c *compiler) beginScope() { c.scopeDepth++ }

func (c *compiler) endScope() {
	c.scopeDepth--
	for len(c.locals) > 0 && c.locals[len(c.locals)-1].depth > c.scopeDepth {
		c.emitByte(byte(chunk.OpPop))
		c.locals = c.locals[:len(c.locals)-1]
	}
}

/* variables */

func (c *compiler) parseVariable(errMessage string) int {
	c.consume(token.Identifier, errMessage)

	c.declareVariable()
	if c.scopeDepth > 0 {
		return uninitialized
	}
	return c.identifierConstant(c.previous)
}

func (c *compiler) identifierConstant(name token.Token) int {
	return c.makeConstant(value.NewString(c.interner.Intern(name.Lexeme)))
}

func (c *compiler) declareVariable() {
	if c.scopeDepth == 0 {
		return
	}
	name := c.previous
	for i := len(c.locals) - 1; i >= 0; i-- {
		l := c.locals[i]
		if l.depth != uninitialized && l.depth < c.scopeDepth {
			break
		}
		if l.name == name.Lexeme {
			c.errorAtPrevious("Already a variable with this name in this scope.")
		}
	}
	c.addLocal(name)
}

func (c *compiler) addLocal(name token.Token) {
	if len(c.locals) >= maxLocals {
		c.errorAtPrevious("Too many local variables in function.")
		return
	}
	c.locals = append(c.locals, local{name: name.Lexeme, depth: uninitialized})
}

func (c *compiler) markInitialized() {
	if c.scopeDepth == 0 {
		return
	}
	c.locals[len(c.locals)-1].depth = c.scopeDepth
}

func (c *compiler) defineVariable(global int) {
	if c.scopeDepth > 0 {
		c.markInitialized()
		return
	}
	c.emitBytes(byte(chunk.OpDefineGlobal), byte(global))
}

func (c *compiler) resolveLocal(name token.Token) int {
	for i := len(c.locals) - 1; i >= 0; i-- {
		l := c.locals[i]
		if l.name == name.Lexeme {
			if l.depth == uninitialized {
				c.errorAtPrevious("Can't read local variable in its own initializer.")
			}
			return i
		}
	}
	return uninitialized
}

func (c *compiler) namedVariable(name token.Token, canAssign bool) {
	var getOp, setOp chunk.OpCode
	arg := c.resolveLocal(name)
	if arg != uninitialized {
		getOp, setOp = chunk.OpGetLocal, chunk.OpSetLocal
	} else {
		arg = c.identifierConstant(name)
		getOp, setOp = chunk.OpGetGlobal, chunk.OpSetGlobal
	}

	if canAssign && c.match(token.Equal) {
		c.expression()
		c.emitBytes(byte(setOp), byte(arg))
	} else {
		c.emitBytes(byte(getOp), byte(arg))
	}
}

/* expressions: Pratt parsing */

func (c *compiler) expression() {
	c.parsePrecedence(precAssignment)
}

// parsePrecedence is the precedence-climbing core: it parses a prefix
// expression, then folds in infix operators whose precedence is at
// least prec. canAssign is threaded explicitly into every rule
// function (rather than re-derived from a peek at the current token),
// so only a prefix rule invoked here with prec <= precAssignment may
// consume a trailing '='.
func (c *compiler) parsePrecedence(prec precedence) {
	c.advance()
	prefixRule := rules[c.previous.Type].prefix
	if prefixRule == nil {
		c.errorAtPrevious("Expect expression.")
		return
	}

	canAssign := prec <= precAssignment
	prefixRule(c, canAssign)

	for prec <= rules[c.current.Type].prec {
		c.advance()
		infixRule := rules[c.previous.Type].infix
		infixRule(c, canAssign)
	}

	if canAssign && c.match(token.Equal) {
		c.errorAtPrevious("Invalid assignment target.")
	}
}

func grouping(c *compiler, _ bool) {
	c.expression()
	c.consume(token.RightParen, "Expect ')' after expression.")
}

func number(c *compiler, _ bool) {
	n, err := strconv.ParseFloat(c.previous.Lexeme, 64)
	if err != nil {
		c.errorAtPrevious("Invalid number literal.")
		return
	}
	c.emitConstant(value.NewNumber(n))
}

func str(c *compiler, _ bool) {
	lexeme := c.previous.Lexeme
	unquoted := lexeme[1 : len(lexeme)-1]
	c.emitConstant(value.NewString(c.interner.Intern(unquoted)))
}

func literal(c *compiler, _ bool) {
	switch c.previous.Type {
	case token.False:
		c.emitByte(byte(chunk.OpFalse))
	case token.Nil:
		c.emitByte(byte(chunk.OpNil))
	case token.True:
		c.emitByte(byte(chunk.OpTrue))
	}
}

func variable(c *compiler, canAssign bool) {
	c.namedVariable(c.previous, canAssign)
}

func unary(c *compiler, _ bool) {
	opType := c.previous.Type
	c.parsePrecedence(precUnary)
	switch opType {
	case token.Bang:
		c.emitByte(byte(chunk.OpNot))
	case token.Minus:
		c.emitByte(byte(chunk.OpNegate))
	}
}

func binary(c *compiler, _ bool) {
	opType := c.previous.Type
	rule := rules[opType]
	c.parsePrecedence(rule.prec + 1)

	switch opType {
	case token.BangEqual:
		c.emitBytes(byte(chunk.OpEqual), byte(chunk.OpNot))
	case token.EqualEqual:
		c.emitByte(byte(chunk.OpEqual))
	case token.Greater:
		c.emitByte(byte(chunk.OpGreater))
	case token.GreaterEqual:
		c.emitBytes(byte(chunk.OpLess), byte(chunk.OpNot))
	case token.Less:
		c.emitByte(byte(chunk.OpLess))
	case token.LessEqual:
		c.emitBytes(byte(chunk.OpGreater), byte(chunk.OpNot))
	case token.Plus:
		c.emitByte(byte(chunk.OpAdd))
	case token.Minus:
		c.emitByte(byte(chunk.OpSubtract))
	case token.Star:
		c.emitByte(byte(chunk.OpMultiply))
	case token.Slash:
		c.emitByte(byte(chunk.OpDivide))
	}
}

// and_ short-circuits: if the LHS is falsey the RHS is never
// evaluated and the LHS (still on the stack) is the result.
func and_(c *compiler, _ bool) {
	endJump := c.emitJump(chunk.OpJumpIfFalse)
	c.emitByte(byte(chunk.OpPop))
	c.parsePrecedence(precAnd)
	c.patchJump(endJump)
}

// or_ short-circuits the opposite way: if the LHS is truthy the RHS is
// skipped.
func or_(c *compiler, _ bool) {
	elseJump := c.emitJump(chunk.OpJumpIfFalse)
	endJump := c.emitJump(chunk.OpJump)
	c.patchJump(elseJump)
	c.emitByte(byte(chunk.OpPop))
	c.parsePrecedence(precOr)
	c.patchJump(endJump)
}

/* bytecode emission */

func (c *compiler) emitByte(b byte) {
	c.chunk.Write(b, c.previous.Line)
}

func (c *compiler) emitBytes(bs ...byte) {
	for _, b := range bs {
		c.emitByte(b)
	}
}

func (c *compiler) emitReturn() {
	c.emitByte(byte(chunk.OpReturn))
}

func (c *compiler) emitConstant(v value.Value) {
	c.emitBytes(byte(chunk.OpConstant), byte(c.makeConstant(v)))
}

func (c *compiler) makeConstant(v value.Value) int {
	idx := c.chunk.AddConstant(v)
	if idx >= chunk.MaxConstants {
		c.errorAtPrevious("Too many constants in one chunk.")
		return 0
	}
	return idx
}

func (c *compiler) emitJump(op chunk.OpCode) int {
	return c.chunk.EmitJump(op, c.previous.Line)
}

func (c *compiler) patchJump(patchSite int) {
	if err := c.chunk.PatchJump(patchSite); err != nil {
		c.errorAtPrevious(err.Error())
	}
}

func (c *compiler) emitLoop(loopStart int) {
	if err := c.chunk.EmitLoop(loopStart, c.previous.Line); err != nil {
		c.errorAtPrevious(err.Error())
	}
}

/* error recovery */

func (c *compiler) synchronize() {
	c.panicMode = false

	for c.current.Type != token.EOF {
		if c.previous.Type == token.Semicolon {
			return
		}
		switch c.current.Type {
		case token.Class, token.Fun, token.Var, token.For, token.If, token.While, token.Print, token.Return:
			return
		}
		c.advance()
	}
}

func (c *compiler) errorAtCurrent(message string) { c.errorAt(c.current, message) }
func (c *compiler) errorAtPrevious(message string) { c.errorAt(c.previous, message) }

func (c *compiler) errorAt(tok token.Token, message string) {
	if c.panicMode {
		return
	}
	c.panicMode = true
	c.hadError = true

	var where string
	switch tok.Type {
	case token.EOF:
		where = "at end"
	case token.Error:
		where = ""
	default:
		where = fmt.Sprintf("at '%s'", tok.Lexeme)
	}
	c.errors.Append(&rerror.CompileError{Line: tok.Line, Where: where, Message: message})
}
