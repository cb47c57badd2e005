// Package chunk implements spec.md's Chunk: a byte-code array, a constant
// pool, and a run-length-encoded line table.
package chunk

import (
	"fmt"

	"noxy/internal/value"
)

type OpCode byte

const (
	OpConstant OpCode = iota
	OpConstantLong
	OpNihl
	OpTrue
	OpFalse
	OpPop

	OpNegate
	OpAdd
	OpSub
	OpMul
	OpPow
	OpDiv
	OpMod
	OpNot
	OpEqual
	OpNotEqual
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
	OpConcat
	OpXor

	OpGlobalDecl
	OpGlobalDeclLong
	OpGlobalGet
	OpGlobalGetLong
	OpGlobalSet
	OpGlobalSetLong

	OpLocalGet
	OpLocalGetLong
	OpLocalSet
	OpLocalSetLong

	OpUpvalueGet
	OpUpvalueGetLong
	OpUpvalueSet
	OpUpvalueSetLong
	OpCloseUpvalue

	OpJumpIfFalse
	OpJumpIfTrue
	OpJump
	OpJumpBack

	OpCall

	OpArray
	OpArrayLong
	OpDict
	OpDictLong
	OpIndexGet
	OpIndexSet

	OpClosure
	OpClosureLong

	OpReturn
	OpPrint
)

var opNames = map[OpCode]string{
	OpConstant: "OP_CONSTANT", OpConstantLong: "OP_CONSTANT_LONG",
	OpNihl: "OP_NIHL", OpTrue: "OP_TRUE", OpFalse: "OP_FALSE", OpPop: "OP_POP",
	OpNegate: "OP_NEGATE", OpAdd: "OP_ADD", OpSub: "OP_SUB", OpMul: "OP_MUL",
	OpPow: "OP_POW", OpDiv: "OP_DIV", OpMod: "OP_MOD", OpNot: "OP_NOT",
	OpEqual: "OP_EQUAL", OpNotEqual: "OP_NOT_EQUAL", OpLess: "OP_LESS",
	OpLessEqual: "OP_LESS_EQUAL", OpGreater: "OP_GREATER", OpGreaterEqual: "OP_GREATER_EQUAL",
	OpConcat: "OP_CONCAT", OpXor: "OP_XOR",
	OpGlobalDecl: "OP_GLOBAL_DECL", OpGlobalDeclLong: "OP_GLOBAL_DECL_LONG",
	OpGlobalGet: "OP_GLOBAL_GET", OpGlobalGetLong: "OP_GLOBAL_GET_LONG",
	OpGlobalSet: "OP_GLOBAL_SET", OpGlobalSetLong: "OP_GLOBAL_SET_LONG",
	OpLocalGet: "OP_LOCAL_GET", OpLocalGetLong: "OP_LOCAL_GET_LONG",
	OpLocalSet: "OP_LOCAL_SET", OpLocalSetLong: "OP_LOCAL_SET_LONG",
	OpUpvalueGet: "OP_UPVALUE_GET", OpUpvalueGetLong: "OP_UPVALUE_GET_LONG",
	OpUpvalueSet: "OP_UPVALUE_SET", OpUpvalueSetLong: "OP_UPVALUE_SET_LONG",
	OpCloseUpvalue: "OP_CLOSE_UPVALUE",
	OpJumpIfFalse:  "OP_JUMP_IF_FALSE", OpJumpIfTrue: "OP_JUMP_IF_TRUE",
	OpJump: "OP_JUMP", OpJumpBack: "OP_JUMP_BACK",
	OpCall:  "OP_CALL",
	OpArray: "OP_ARRAY", OpArrayLong: "OP_ARRAY_LONG",
	OpDict: "OP_DICT", OpDictLong: "OP_DICT_LONG",
	OpIndexGet: "OP_INDEXING_GET", OpIndexSet: "OP_INDEXING_SET",
	OpClosure: "OP_CLOSURE", OpClosureLong: "OP_CLOSURE_LONG",
	OpReturn: "OP_RET", OpPrint: "OP_PRINT",
}

func (op OpCode) String() string {
	if n, ok := opNames[op]; ok {
		return n
	}
	return fmt.Sprintf("OP_%d", byte(op))
}

// lineRun is one (line, count) pair of the run-length-encoded line table.
type lineRun struct {
	line  int
	count int
}

// Chunk is a bundle of bytecode, a constant pool, and a line table.
type Chunk struct {
	Code      []byte
	Constants []value.Value
	lines     []lineRun
}

func New() *Chunk {
	return &Chunk{}
}

// Write appends one byte of bytecode, recording line in the RLE line table.
func (c *Chunk) Write(b byte, line int) {
	c.Code = append(c.Code, b)
	if n := len(c.lines); n > 0 && c.lines[n-1].line == line {
		c.lines[n-1].count++
	} else {
		c.lines = append(c.lines, lineRun{line: line, count: 1})
	}
}

// AddConstant appends v to the constant pool (no deduplication) and returns
// its index.
func (c *Chunk) AddConstant(v value.Value) int {
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

// ReadConstant returns the constant at index i.
func (c *Chunk) ReadConstant(i int) value.Value {
	return c.Constants[i]
}

// LineAt walks the RLE line table accumulating counts until offset i falls
// within a run, and returns that run's line.
func (c *Chunk) LineAt(offset int) int {
	remaining := offset
	for _, run := range c.lines {
		if remaining < run.count {
			return run.line
		}
		remaining -= run.count
	}
	if len(c.lines) > 0 {
		return c.lines[len(c.lines)-1].line
	}
	return 0
}
