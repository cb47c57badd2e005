package compiler

import (
	"strconv"

	"noxy/internal/chunk"
	"noxy/internal/token"
	"noxy/internal/value"
)

// precedence mirrors spec.md §4.5's climbing order, low to high.
type precedence int

const (
	precNone precedence = iota
	precAssignment
	precOr
	precAnd
	precXor
	precEquality
	precComparison
	precConcat
	precTerm
	precFactor
	precPower
	precUnary
	precCall
	precPrimary
)

type parseFn func(c *Compiler, canAssign bool)

type parseRule struct {
	prefix parseFn
	infix  parseFn
	prec   precedence
}

var rules map[token.Type]parseRule

func init() {
	rules = map[token.Type]parseRule{
		token.LPAREN:   {prefix: groupingExpr, infix: callExpr, prec: precCall},
		token.LBRACKET: {prefix: arrayExpr, infix: indexExpr, prec: precCall},
		token.LBRACE:   {prefix: dictExpr},

		token.MINUS:   {prefix: unaryExpr, infix: binaryExpr, prec: precTerm},
		token.PLUS:    {infix: binaryExpr, prec: precTerm},
		token.SLASH:   {infix: binaryExpr, prec: precFactor},
		token.STAR:    {infix: binaryExpr, prec: precFactor},
		token.PERCENT: {infix: binaryExpr, prec: precFactor},
		token.CARET:   {infix: binaryExpr, prec: precPower},
		token.CONCAT:  {infix: binaryExpr, prec: precConcat},

		token.NOT: {prefix: unaryExpr},

		token.EQ:  {infix: binaryExpr, prec: precEquality},
		token.NEQ: {infix: binaryExpr, prec: precEquality},
		token.GT:  {infix: binaryExpr, prec: precComparison},
		token.GTE: {infix: binaryExpr, prec: precComparison},
		token.LT:  {infix: binaryExpr, prec: precComparison},
		token.LTE: {infix: binaryExpr, prec: precComparison},

		token.AND: {infix: andExpr, prec: precAnd},
		token.OR:  {infix: orExpr, prec: precOr},
		token.XOR: {infix: binaryExpr, prec: precXor},

		token.IDENTIFIER: {prefix: variableExpr},
		token.STRING:      {prefix: stringExpr},
		token.NUMBER:      {prefix: numberExpr},
		token.TRUE:         {prefix: literalExpr},
		token.FALSE:        {prefix: literalExpr},
		token.NIHL:         {prefix: literalExpr},
	}
}

func (c *Compiler) expression() {
	c.parsePrecedence(precAssignment)
}

// parsePrecedence is the Pratt climbing loop: it parses one prefix
// production, then repeatedly folds in infix productions whose precedence
// is at least prec.
func (c *Compiler) parsePrecedence(prec precedence) {
	c.advance()
	rule := rules[c.previous.Type]
	if rule.prefix == nil {
		c.error("expect expression")
		return
	}
	canAssign := prec <= precAssignment
	rule.prefix(c, canAssign)

	for prec <= rules[c.current.Type].prec {
		c.advance()
		infix := rules[c.previous.Type].infix
		infix(c, canAssign)
	}

	if canAssign && c.match(token.ASSIGN) {
		c.error("invalid assignment target")
	}
}

func numberExpr(c *Compiler, canAssign bool) {
	n, err := strconv.ParseFloat(c.previous.Lexeme, 64)
	if err != nil {
		c.error("invalid number literal")
		return
	}
	idx := c.scope.chunk.AddConstant(value.NewNumber(n))
	c.emitIndexed(chunk.OpConstant, chunk.OpConstantLong, idx)
}

func stringExpr(c *Compiler, canAssign bool) {
	s := c.mgr.Intern(unescape(c.previous.Lexeme))
	idx := c.scope.chunk.AddConstant(value.NewObj(s))
	c.emitIndexed(chunk.OpConstant, chunk.OpConstantLong, idx)
}

func literalExpr(c *Compiler, canAssign bool) {
	switch c.previous.Type {
	case token.TRUE:
		c.emitOp(chunk.OpTrue)
	case token.FALSE:
		c.emitOp(chunk.OpFalse)
	case token.NIHL:
		c.emitOp(chunk.OpNihl)
	}
}

func groupingExpr(c *Compiler, canAssign bool) {
	c.expression()
	c.consume(token.RPAREN, "expect ')' after expression")
}

func unaryExpr(c *Compiler, canAssign bool) {
	opType := c.previous.Type
	c.parsePrecedence(precUnary)
	switch opType {
	case token.MINUS:
		c.emitOp(chunk.OpNegate)
	case token.NOT:
		c.emitOp(chunk.OpNot)
	}
}

// binaryExpr parses the right operand at one precedence level higher than
// the operator's own, which gives every binary operator here left
// associativity.
func binaryExpr(c *Compiler, canAssign bool) {
	opType := c.previous.Type
	rule := rules[opType]
	c.parsePrecedence(rule.prec + 1)

	switch opType {
	case token.PLUS:
		c.emitOp(chunk.OpAdd)
	case token.MINUS:
		c.emitOp(chunk.OpSub)
	case token.STAR:
		c.emitOp(chunk.OpMul)
	case token.SLASH:
		c.emitOp(chunk.OpDiv)
	case token.PERCENT:
		c.emitOp(chunk.OpMod)
	case token.CARET:
		c.emitOp(chunk.OpPow)
	case token.CONCAT:
		c.emitOp(chunk.OpConcat)
	case token.EQ:
		c.emitOp(chunk.OpEqual)
	case token.NEQ:
		c.emitOp(chunk.OpNotEqual)
	case token.LT:
		c.emitOp(chunk.OpLess)
	case token.LTE:
		c.emitOp(chunk.OpLessEqual)
	case token.GT:
		c.emitOp(chunk.OpGreater)
	case token.GTE:
		c.emitOp(chunk.OpGreaterEqual)
	case token.XOR:
		c.emitOp(chunk.OpXor)
	}
}

// andExpr short-circuits: if the left operand is false, OP_JUMP_IF_FALSE
// skips straight past the right operand, leaving the false value as the
// expression's result.
func andExpr(c *Compiler, canAssign bool) {
	endJump := c.emitJump(chunk.OpJumpIfFalse)
	c.emitOp(chunk.OpPop)
	c.parsePrecedence(precAnd)
	c.patchJump(endJump)
}

// orExpr short-circuits the other way using OP_JUMP_IF_TRUE.
func orExpr(c *Compiler, canAssign bool) {
	endJump := c.emitJump(chunk.OpJumpIfTrue)
	c.emitOp(chunk.OpPop)
	c.parsePrecedence(precOr)
	c.patchJump(endJump)
}

func variableExpr(c *Compiler, canAssign bool) {
	c.namedVariable(c.previous.Lexeme, canAssign)
}

// namedVariable resolves name (local, then upvalue, then global) and emits
// either its GET or, if canAssign and an '=' follows, its SET opcode.
func (c *Compiler) namedVariable(name string, canAssign bool) {
	idx, kind := c.resolveVariable(name)

	var getShort, getLong, setShort, setLong chunk.OpCode
	switch kind {
	case varLocal:
		getShort, getLong = chunk.OpLocalGet, chunk.OpLocalGetLong
		setShort, setLong = chunk.OpLocalSet, chunk.OpLocalSetLong
	case varUpvalue:
		getShort, getLong = chunk.OpUpvalueGet, chunk.OpUpvalueGetLong
		setShort, setLong = chunk.OpUpvalueSet, chunk.OpUpvalueSetLong
	default:
		idx = c.identifierConstant(name)
		getShort, getLong = chunk.OpGlobalGet, chunk.OpGlobalGetLong
		setShort, setLong = chunk.OpGlobalSet, chunk.OpGlobalSetLong
	}

	if canAssign && c.match(token.ASSIGN) {
		c.expression()
		c.emitIndexed(setShort, setLong, idx)
	} else {
		c.emitIndexed(getShort, getLong, idx)
	}
}

func callExpr(c *Compiler, canAssign bool) {
	argCount := c.argumentList()
	c.emitOp(chunk.OpCall)
	c.emitByte(byte(argCount))
}

func (c *Compiler) argumentList() int {
	count := 0
	if !c.check(token.RPAREN) {
		for {
			c.expression()
			count++
			if count > 255 {
				c.error("can't have more than 255 arguments")
			}
			if !c.match(token.COMMA) {
				break
			}
		}
	}
	c.consume(token.RPAREN, "expect ')' after arguments")
	return count
}

func indexExpr(c *Compiler, canAssign bool) {
	c.expression()
	c.consume(token.RBRACKET, "expect ']' after index")
	if canAssign && c.match(token.ASSIGN) {
		c.expression()
		c.emitOp(chunk.OpIndexSet)
	} else {
		c.emitOp(chunk.OpIndexGet)
	}
}

func arrayExpr(c *Compiler, canAssign bool) {
	count := 0
	if !c.check(token.RBRACKET) {
		for {
			c.expression()
			count++
			if !c.match(token.COMMA) {
				break
			}
		}
	}
	c.consume(token.RBRACKET, "expect ']' after array elements")
	c.emitIndexed(chunk.OpArray, chunk.OpArrayLong, count)
}

// dictExpr parses `{ key: value, ... }`. Keys are arbitrary expressions,
// not just identifiers, since Dict is value-keyed rather than name-keyed.
func dictExpr(c *Compiler, canAssign bool) {
	count := 0
	if !c.check(token.RBRACE) {
		for {
			c.expression()
			c.consume(token.COLON, "expect ':' after dict key")
			c.expression()
			count++
			if !c.match(token.COMMA) {
				break
			}
		}
	}
	c.consume(token.RBRACE, "expect '}' after dict entries")
	c.emitIndexed(chunk.OpDict, chunk.OpDictLong, count)
}
