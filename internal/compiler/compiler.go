// Package compiler implements spec.md's single-pass Pratt compiler: it
// lowers a token stream directly into a Chunk, with no separate AST pass.
package compiler

import (
	"fmt"
	"os"
	"strings"

	"noxy/internal/chunk"
	"noxy/internal/gc"
	"noxy/internal/lexer"
	"noxy/internal/token"
	"noxy/internal/value"
)

// Local is one entry of a Scope's lexical-local vector. Depth -1 means
// "declared but not yet initialized" (spec.md §4.5's declare/markInitialized
// split, needed so `let a = a;` is a compile error rather than reading
// garbage).
type Local struct {
	name     string
	depth    int
	captured bool
}

// Upvalue is one entry of a Scope's captured-variable vector: Index is
// either a local slot of the enclosing scope (OwnedAbove=false) or an
// upvalue slot of the enclosing closure (OwnedAbove=true).
type Upvalue struct {
	index      uint8
	ownedAbove bool
}

// Scope is spec.md §3's compile-time lexical scope: one per function being
// compiled (including the implicit top-level script function), linked to
// its enclosing Scope so nested functions can resolve upvalues.
type Scope struct {
	enclosing *Scope
	chunk     *chunk.Chunk
	locals    []Local
	upvalues  []Upvalue
	depth     int
}

type varKind int

const (
	varGlobal varKind = iota
	varLocal
	varUpvalue
)

// Compiler is a single-pass Pratt parser + code generator: it holds exactly
// one token of lookahead (current) and the token just consumed (previous),
// and emits bytecode directly as it recognizes grammar productions.
type Compiler struct {
	lex       *lexer.Lexer
	mgr       *gc.Manager
	current   token.Token
	previous  token.Token
	hadError  bool
	panicMode bool
	scope     *Scope
}

// New prepares a Compiler over source. Compile must be called exactly once.
func New(source string, mgr *gc.Manager) *Compiler {
	c := &Compiler{lex: lexer.New(source), mgr: mgr}
	c.scope = &Scope{chunk: chunk.New()}
	c.scope.locals = append(c.scope.locals, Local{name: "", depth: 0})
	c.advance()
	return c
}

// Compile drives the whole token stream to completion and returns the
// top-level script Function. It returns an error (and a nil Function) if
// any compile error was reported, per spec.md §4.5's hadError gate.
func (c *Compiler) Compile() (*value.Function, error) {
	for !c.check(token.EOF) {
		c.declaration()
	}
	c.emitOp(chunk.OpNihl)
	c.emitOp(chunk.OpReturn)

	if c.hadError {
		return nil, fmt.Errorf("compilation failed")
	}

	fn := c.mgr.NewFunction(nil, 0, c.scope.chunk)
	fn.UpvalueCount = 0
	return fn, nil
}

// --- token plumbing ---

func (c *Compiler) advance() {
	c.previous = c.current
	for {
		c.current = c.lex.NextToken()
		if c.current.Type != token.ERROR {
			break
		}
		c.errorAtCurrent(c.current.Lexeme)
	}
}

func (c *Compiler) check(t token.Type) bool { return c.current.Type == t }

func (c *Compiler) match(t token.Type) bool {
	if !c.check(t) {
		return false
	}
	c.advance()
	return true
}

func (c *Compiler) consume(t token.Type, msg string) {
	if c.current.Type == t {
		c.advance()
		return
	}
	c.errorAtCurrent(msg)
}

func (c *Compiler) errorAt(tok token.Token, msg string) {
	if c.panicMode {
		return
	}
	c.panicMode = true
	c.hadError = true
	switch tok.Type {
	case token.EOF:
		fmt.Fprintf(os.Stderr, "[line %d] Error at end: %s\n", tok.Line, msg)
	case token.ERROR:
		fmt.Fprintf(os.Stderr, "[line %d] Error: %s\n", tok.Line, msg)
	default:
		fmt.Fprintf(os.Stderr, "[line %d] Error at '%s': %s\n", tok.Line, tok.Lexeme, msg)
	}
}

func (c *Compiler) error(msg string)        { c.errorAt(c.previous, msg) }
func (c *Compiler) errorAtCurrent(msg string) { c.errorAt(c.current, msg) }

// synchronize discards tokens until a likely statement boundary, so one
// error does not cascade into dozens (spec.md §4.5/§7).
func (c *Compiler) synchronize() {
	c.panicMode = false
	for c.current.Type != token.EOF {
		if c.previous.Type == token.SEMI {
			return
		}
		switch c.current.Type {
		case token.FN, token.LET, token.IF, token.WHILE, token.FOR, token.RETURN, token.PRINT:
			return
		}
		c.advance()
	}
}

// --- emit helpers ---

func (c *Compiler) emitByte(b byte) {
	c.scope.chunk.Write(b, c.previous.Line)
}

func (c *Compiler) emitOp(op chunk.OpCode) { c.emitByte(byte(op)) }

// emitIndexed picks the short or long opcode depending on whether n fits in
// a byte, matching spec.md §4.1's 8-bit/16-bit-big-endian constant
// addressing (and reused here for local/upvalue slots and array/dict
// counts, which share the same short/long encoding shape).
func (c *Compiler) emitIndexed(short, long chunk.OpCode, n int) {
	if n < 256 {
		c.emitOp(short)
		c.emitByte(byte(n))
	} else {
		c.emitOp(long)
		c.emitByte(byte(n >> 8))
		c.emitByte(byte(n))
	}
}

// emitJump writes op plus a two-byte placeholder operand and returns the
// offset of op's own byte, for a later patchJump.
func (c *Compiler) emitJump(op chunk.OpCode) int {
	pos := len(c.scope.chunk.Code)
	c.emitOp(op)
	c.emitByte(0xff)
	c.emitByte(0xff)
	return pos
}

// patchJump overwrites the placeholder at pos with the distance from pos
// (the jump opcode's own address) to the current end of the chunk —
// spec.md §6's forward-jump encoding.
func (c *Compiler) patchJump(pos int) {
	jump := len(c.scope.chunk.Code) - pos
	if jump > 0xffff {
		c.error("too much code to jump over")
		return
	}
	c.scope.chunk.Code[pos+1] = byte(jump >> 8)
	c.scope.chunk.Code[pos+2] = byte(jump)
}

// emitLoop emits OP_JUMP_BACK with the distance from its own opcode address
// back to loopStart.
func (c *Compiler) emitLoop(loopStart int) {
	pos := len(c.scope.chunk.Code)
	c.emitOp(chunk.OpJumpBack)
	jump := pos - loopStart
	if jump > 0xffff {
		c.error("loop body too large")
		return
	}
	c.emitByte(byte(jump >> 8))
	c.emitByte(byte(jump))
}

func (c *Compiler) identifierConstant(name string) int {
	s := c.mgr.Intern(name)
	return c.scope.chunk.AddConstant(value.NewObj(s))
}

// --- scope / local / upvalue bookkeeping ---

func (c *Compiler) beginScope() { c.scope.depth++ }

// endScope pops this block's locals, emitting OP_CLOSE_UPVALUE for any that
// were captured and OP_POP otherwise (spec.md §4.5's local lifecycle).
func (c *Compiler) endScope() {
	c.scope.depth--
	for len(c.scope.locals) > 0 && c.scope.locals[len(c.scope.locals)-1].depth > c.scope.depth {
		if c.scope.locals[len(c.scope.locals)-1].captured {
			c.emitOp(chunk.OpCloseUpvalue)
		} else {
			c.emitOp(chunk.OpPop)
		}
		c.scope.locals = c.scope.locals[:len(c.scope.locals)-1]
	}
}

func (c *Compiler) declareLocal(name string) {
	if c.scope.depth == 0 {
		return
	}
	for i := len(c.scope.locals) - 1; i >= 0; i-- {
		l := c.scope.locals[i]
		if l.depth != -1 && l.depth < c.scope.depth {
			break
		}
		if l.name == name {
			c.error("already a variable named '" + name + "' in this scope")
		}
	}
	c.scope.locals = append(c.scope.locals, Local{name: name, depth: -1})
}

func (c *Compiler) markInitialized() {
	if c.scope.depth == 0 {
		return
	}
	c.scope.locals[len(c.scope.locals)-1].depth = c.scope.depth
}

// parseVariable consumes an identifier and declares it; it returns the
// constant-pool index of its name for a global, or -1 for a local (whose
// "definition" is just wherever its initializer's value ends up on the
// stack).
func (c *Compiler) parseVariable(errMsg string) int {
	c.consume(token.IDENTIFIER, errMsg)
	name := c.previous.Lexeme
	c.declareLocal(name)
	if c.scope.depth > 0 {
		return -1
	}
	return c.identifierConstant(name)
}

func (c *Compiler) defineVariable(global int) {
	if c.scope.depth > 0 {
		c.markInitialized()
		return
	}
	c.emitIndexed(chunk.OpGlobalDecl, chunk.OpGlobalDeclLong, global)
}

// resolveLocalChecked scans scope's locals from the end for name; it
// reports a compile error (and still returns the slot) if the match is
// mid-initialization (spec.md §4.5, resolution step 1).
func (c *Compiler) resolveLocalChecked(scope *Scope, name string) int {
	for i := len(scope.locals) - 1; i >= 0; i-- {
		l := &scope.locals[i]
		if l.name == name {
			if l.depth == -1 {
				c.error("can't read local variable '" + name + "' in its own initializer")
			}
			return i
		}
	}
	return -1
}

// resolveUpvalue recursively resolves name in scope's enclosing chain,
// marking the enclosing local captured and deduplicating upvalues by
// (index, ownedAbove) — spec.md §4.5, resolution step 2.
func (c *Compiler) resolveUpvalue(scope *Scope, name string) int {
	if scope.enclosing == nil {
		return -1
	}
	if localIdx := c.resolveLocalChecked(scope.enclosing, name); localIdx != -1 {
		if localIdx > 255 {
			c.error("too many closure variables in function")
			return 0
		}
		scope.enclosing.locals[localIdx].captured = true
		return c.addUpvalue(scope, uint8(localIdx), false)
	}
	if upIdx := c.resolveUpvalue(scope.enclosing, name); upIdx != -1 {
		return c.addUpvalue(scope, uint8(upIdx), true)
	}
	return -1
}

func (c *Compiler) addUpvalue(scope *Scope, index uint8, ownedAbove bool) int {
	for i, uv := range scope.upvalues {
		if uv.index == index && uv.ownedAbove == ownedAbove {
			return i
		}
	}
	if len(scope.upvalues) >= 256 {
		c.error("too many closure variables in function")
		return 0
	}
	scope.upvalues = append(scope.upvalues, Upvalue{index: index, ownedAbove: ownedAbove})
	return len(scope.upvalues) - 1
}

func (c *Compiler) resolveVariable(name string) (int, varKind) {
	if idx := c.resolveLocalChecked(c.scope, name); idx != -1 {
		return idx, varLocal
	}
	if idx := c.resolveUpvalue(c.scope, name); idx != -1 {
		return idx, varUpvalue
	}
	return -1, varGlobal
}

// --- statements ---

func (c *Compiler) declaration() {
	switch {
	case c.match(token.FN):
		c.fnDeclaration()
	case c.match(token.LET):
		c.letDeclaration()
	default:
		c.statement()
	}
	if c.panicMode {
		c.synchronize()
	}
}

func (c *Compiler) letDeclaration() {
	global := c.parseVariable("expect variable name")
	if c.match(token.ASSIGN) {
		c.expression()
	} else {
		c.emitOp(chunk.OpNihl)
	}
	c.consume(token.SEMI, "expect ';' after variable declaration")
	c.defineVariable(global)
}

func (c *Compiler) fnDeclaration() {
	c.consume(token.IDENTIFIER, "expect function name")
	name := c.previous.Lexeme
	c.declareLocal(name)
	global := -1
	if c.scope.depth == 0 {
		global = c.identifierConstant(name)
	}
	c.markInitialized()
	c.compileFunction(name)
	if global != -1 {
		c.emitIndexed(chunk.OpGlobalDecl, chunk.OpGlobalDeclLong, global)
	}
}

// compileFunction compiles the parameter list and body into a fresh Scope
// and Chunk, then emits OP_CLOSURE[_LONG] into the *enclosing* chunk
// referencing the finished Function constant, followed by the two-byte
// (ownedAbove, index) pair for every captured upvalue (spec.md §4.5, §6).
func (c *Compiler) compileFunction(name string) {
	enclosing := c.scope
	fnScope := &Scope{enclosing: enclosing, chunk: chunk.New()}
	c.scope = fnScope
	c.beginScope()
	fnScope.locals = append(fnScope.locals, Local{name: "", depth: fnScope.depth})

	c.consume(token.LPAREN, "expect '(' after function name")
	arity := 0
	if !c.check(token.RPAREN) {
		for {
			arity++
			if arity > 255 {
				c.errorAtCurrent("can't have more than 255 parameters")
			}
			c.consume(token.IDENTIFIER, "expect parameter name")
			pname := c.previous.Lexeme
			c.declareLocal(pname)
			c.markInitialized()
			if !c.match(token.COMMA) {
				break
			}
		}
	}
	c.consume(token.RPAREN, "expect ')' after parameters")
	c.consume(token.LBRACE, "expect '{' before function body")
	c.blockBody()

	c.emitOp(chunk.OpNihl)
	c.emitOp(chunk.OpReturn)

	fnChunk := fnScope.chunk
	upvalues := fnScope.upvalues
	c.scope = enclosing

	nameStr := c.mgr.Intern(name)
	fnObj := c.mgr.NewFunction(nameStr, arity, fnChunk)
	fnObj.UpvalueCount = len(upvalues)

	idx := c.scope.chunk.AddConstant(value.NewObj(fnObj))
	c.emitIndexed(chunk.OpClosure, chunk.OpClosureLong, idx)
	for _, uv := range upvalues {
		var flag byte
		if uv.ownedAbove {
			flag = 1
		}
		c.emitByte(flag)
		c.emitByte(uv.index)
	}
}

func (c *Compiler) statement() {
	switch {
	case c.match(token.PRINT):
		c.printStatement()
	case c.match(token.LBRACE):
		c.beginScope()
		c.blockBody()
		c.endScope()
	case c.match(token.IF):
		c.ifStatement()
	case c.match(token.WHILE):
		c.whileStatement()
	case c.match(token.FOR):
		c.forStatement()
	case c.match(token.RETURN):
		c.returnStatement()
	default:
		c.expressionStatement()
	}
}

func (c *Compiler) blockBody() {
	for !c.check(token.RBRACE) && !c.check(token.EOF) {
		c.declaration()
	}
	c.consume(token.RBRACE, "expect '}' after block")
}

func (c *Compiler) printStatement() {
	c.expression()
	c.consume(token.SEMI, "expect ';' after value")
	c.emitOp(chunk.OpPrint)
}

func (c *Compiler) expressionStatement() {
	c.expression()
	c.consume(token.SEMI, "expect ';' after expression")
	c.emitOp(chunk.OpPop)
}

func (c *Compiler) ifStatement() {
	c.consume(token.LPAREN, "expect '(' after 'if'")
	c.expression()
	c.consume(token.RPAREN, "expect ')' after condition")

	thenJump := c.emitJump(chunk.OpJumpIfFalse)
	c.emitOp(chunk.OpPop)
	c.statement()

	elseJump := c.emitJump(chunk.OpJump)
	c.patchJump(thenJump)
	c.emitOp(chunk.OpPop)

	if c.match(token.ELSE) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *Compiler) whileStatement() {
	loopStart := len(c.scope.chunk.Code)
	c.consume(token.LPAREN, "expect '(' after 'while'")
	c.expression()
	c.consume(token.RPAREN, "expect ')' after condition")

	exitJump := c.emitJump(chunk.OpJumpIfFalse)
	c.emitOp(chunk.OpPop)
	c.statement()
	c.emitLoop(loopStart)

	c.patchJump(exitJump)
	c.emitOp(chunk.OpPop)
}

// forStatement desugars the classic C for-loop into the same
// while/jump-back shape, in the teacher's and clox's idiom.
func (c *Compiler) forStatement() {
	c.beginScope()
	c.consume(token.LPAREN, "expect '(' after 'for'")

	switch {
	case c.match(token.SEMI):
		// no initializer
	case c.match(token.LET):
		c.letDeclaration()
	default:
		c.expressionStatement()
	}

	loopStart := len(c.scope.chunk.Code)
	exitJump := -1
	if !c.match(token.SEMI) {
		c.expression()
		c.consume(token.SEMI, "expect ';' after loop condition")
		exitJump = c.emitJump(chunk.OpJumpIfFalse)
		c.emitOp(chunk.OpPop)
	}

	if !c.check(token.RPAREN) {
		bodyJump := c.emitJump(chunk.OpJump)
		incrementStart := len(c.scope.chunk.Code)
		c.expression()
		c.emitOp(chunk.OpPop)
		c.consume(token.RPAREN, "expect ')' after for clauses")

		c.emitLoop(loopStart)
		loopStart = incrementStart
		c.patchJump(bodyJump)
	} else {
		c.consume(token.RPAREN, "expect ')' after for clauses")
	}

	c.statement()
	c.emitLoop(loopStart)

	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emitOp(chunk.OpPop)
	}
	c.endScope()
}

func (c *Compiler) returnStatement() {
	if c.scope.enclosing == nil {
		c.error("can't return from top-level code")
	}
	if c.match(token.SEMI) {
		c.emitOp(chunk.OpNihl)
		c.emitOp(chunk.OpReturn)
		return
	}
	c.expression()
	c.consume(token.SEMI, "expect ';' after return value")
	c.emitOp(chunk.OpReturn)
}

// unescape processes the handful of backslash escapes this grammar's string
// literals support.
func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			default:
				b.WriteByte('\\')
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
