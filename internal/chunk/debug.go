package chunk

import (
	"fmt"

	"noxy/internal/value"
)

// Disassemble prints a human-readable listing of the chunk, grounded on the
// teacher's chunk disassembler. It is a developer convenience behind the
// CLI's --disassemble flag, not exercised by the compiler or VM themselves.
func (c *Chunk) Disassemble(name string) {
	fmt.Printf("== %s ==\n", name)
	for offset := 0; offset < len(c.Code); {
		offset = c.disassembleInstruction(offset)
	}
}

func (c *Chunk) disassembleInstruction(offset int) int {
	fmt.Printf("%04d %4d ", offset, c.LineAt(offset))

	op := OpCode(c.Code[offset])
	switch op {
	case OpConstant, OpGlobalDecl, OpGlobalGet, OpGlobalSet:
		return c.constantInstr(op, offset)
	case OpConstantLong, OpGlobalDeclLong, OpGlobalGetLong, OpGlobalSetLong:
		return c.constantLongInstr(op, offset)
	case OpLocalGet, OpLocalSet, OpUpvalueGet, OpUpvalueSet, OpCall, OpArray, OpDict:
		return c.byteInstr(op, offset)
	case OpLocalGetLong, OpLocalSetLong, OpUpvalueGetLong, OpUpvalueSetLong,
		OpArrayLong, OpDictLong:
		return c.shortInstr(op, offset)
	case OpJumpIfFalse, OpJumpIfTrue, OpJump, OpJumpBack:
		return c.shortInstr(op, offset)
	case OpClosure, OpClosureLong:
		return c.closureInstr(op, offset)
	default:
		fmt.Println(op)
		return offset + 1
	}
}

func (c *Chunk) constantInstr(op OpCode, offset int) int {
	idx := c.Code[offset+1]
	fmt.Printf("%-20s %4d '%s'\n", op, idx, c.Constants[idx])
	return offset + 2
}

func (c *Chunk) constantLongInstr(op OpCode, offset int) int {
	idx := uint16(c.Code[offset+1])<<8 | uint16(c.Code[offset+2])
	fmt.Printf("%-20s %4d '%s'\n", op, idx, c.Constants[idx])
	return offset + 3
}

func (c *Chunk) byteInstr(op OpCode, offset int) int {
	fmt.Printf("%-20s %4d\n", op, c.Code[offset+1])
	return offset + 2
}

func (c *Chunk) shortInstr(op OpCode, offset int) int {
	v := uint16(c.Code[offset+1])<<8 | uint16(c.Code[offset+2])
	fmt.Printf("%-20s %4d\n", op, v)
	return offset + 3
}

func (c *Chunk) closureInstr(op OpCode, offset int) int {
	var idx int
	if op == OpClosureLong {
		idx = int(uint16(c.Code[offset+1])<<8 | uint16(c.Code[offset+2]))
		offset += 3
	} else {
		idx = int(c.Code[offset+1])
		offset += 2
	}
	fmt.Printf("%-20s %4d '%s'\n", op, idx, c.Constants[idx])

	if fn, ok := c.Constants[idx].Obj.(*value.Function); ok {
		for i := 0; i < fn.UpvalueCount; i++ {
			ownedAbove := c.Code[offset]
			index := c.Code[offset+1]
			offset += 2
			kind := "local"
			if ownedAbove != 0 {
				kind = "upvalue"
			}
			fmt.Printf("%04d      |                     %s %d\n", offset-2, kind, index)
		}
	}
	return offset
}
