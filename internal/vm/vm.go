// Package vm implements spec.md's stack-based virtual machine: a fixed
// operand stack, a fixed stack of call frames, and a dispatch loop over the
// full opcode table emitted by internal/compiler.
package vm

import (
	"fmt"
	"io"

	"noxy/internal/chunk"
	"noxy/internal/gc"
	"noxy/internal/hashmap"
	"noxy/internal/value"
)

// FramesMax bounds recursion depth; StackMax follows it the way clox's
// STACK_MAX = FRAMES_MAX * UINT8_COUNT does, since a frame can in principle
// fill the operand stack with up to 256 locals before calling again.
const (
	FramesMax = 64
	StackMax  = FramesMax * 256
)

// CallFrame is one active function invocation: its closure, its own
// instruction pointer into that closure's chunk, and the stack index of
// its slot 0 (the closure itself, by convention — see compiler.compileFunction).
type CallFrame struct {
	closure *value.Closure
	ip      int
	base    int
}

// VM is spec.md's runtime: fixed arrays for the operand stack and call
// frames (so local addresses and frame pointers never move underneath a
// running program), the globals table, the open-upvalue list, and a handle
// on the memory manager that owns every heap allocation the VM makes.
type VM struct {
	stack        [StackMax]value.Value
	sp           int
	frames       [FramesMax]CallFrame
	frameCount   int
	globals      *hashmap.Map
	openUpvalues *value.Upvalue
	mgr          *gc.Manager
	out          io.Writer
}

// New builds a VM and registers it as mgr's GC root source.
func New(mgr *gc.Manager, out io.Writer) *VM {
	vm := &VM{globals: gc.NewGlobalsMap(), mgr: mgr, out: out}
	mgr.SetRoots(vm)
	return vm
}

// DefineNative installs a native function as a global, for internal/natives
// to call during VM setup.
func (vm *VM) DefineNative(name string, arity int, fn value.NativeFunc) {
	n := vm.mgr.NewNative(name, arity, fn)
	nameStr := vm.mgr.Intern(name)
	vm.globals.Put(value.NewObj(nameStr), value.NewObj(n))
}

// MarkRoots implements gc.Roots: the live stack slots, every active frame's
// closure, every open upvalue, and the globals table.
func (vm *VM) MarkRoots(m *gc.Manager) {
	for i := 0; i < vm.sp; i++ {
		m.MarkValue(vm.stack[i])
	}
	for i := 0; i < vm.frameCount; i++ {
		m.MarkObject(vm.frames[i].closure)
	}
	for uv := vm.openUpvalues; uv != nil; uv = uv.Next {
		m.MarkObject(uv)
	}
	m.MarkMap(vm.globals)
}

// Interpret runs fn (the top-level script Function produced by the
// compiler) to completion and returns its implicit result.
func (vm *VM) Interpret(fn *value.Function) (value.Value, error) {
	// Push fn before allocating its closure so it stays rooted even if the
	// allocation below triggers a collection (clox's main()/interpret()
	// idiom, carried over verbatim).
	vm.push(value.NewObj(fn))
	closure := vm.mgr.NewClosure(fn, nil)
	vm.pop()
	vm.push(value.NewObj(closure))

	frame := &vm.frames[vm.frameCount]
	frame.closure = closure
	frame.ip = 0
	frame.base = 0
	vm.frameCount++

	result, err := vm.run()
	if err != nil {
		vm.resetStack()
	}
	return result, err
}

func (vm *VM) push(v value.Value) {
	vm.stack[vm.sp] = v
	vm.sp++
}

func (vm *VM) pop() value.Value {
	vm.sp--
	return vm.stack[vm.sp]
}

func (vm *VM) peek(distance int) value.Value {
	return vm.stack[vm.sp-1-distance]
}

func (vm *VM) chunkOf(frame *CallFrame) *chunk.Chunk {
	return frame.closure.Fn.ChunkPtr.(*chunk.Chunk)
}

func (vm *VM) readByte(frame *CallFrame) byte {
	b := vm.chunkOf(frame).Code[frame.ip]
	frame.ip++
	return b
}

func (vm *VM) readShort(frame *CallFrame) uint16 {
	c := vm.chunkOf(frame)
	hi := c.Code[frame.ip]
	lo := c.Code[frame.ip+1]
	frame.ip += 2
	return uint16(hi)<<8 | uint16(lo)
}

func (vm *VM) runtimeErr(c *chunk.Chunk, offset int, msg string) error {
	return &RuntimeError{Line: c.LineAt(offset), Msg: msg}
}

// resetStack clears the operand stack, the call-frame stack, and the
// open-upvalue list, leaving the VM in a clean, reusable state after a
// runtime error (spec.md §4.6, §8's "arity" property, clox's resetStack).
func (vm *VM) resetStack() {
	vm.sp = 0
	vm.frameCount = 0
	vm.openUpvalues = nil
}

// run is the dispatch loop: it fetches one opcode per iteration, starting
// each iteration by recording instrStart (the opcode's own byte offset),
// used both for relative-jump arithmetic and for line-table lookups on a
// runtime error.
func (vm *VM) run() (value.Value, error) {
	frame := &vm.frames[vm.frameCount-1]

	for {
		c := vm.chunkOf(frame)
		instrStart := frame.ip
		op := chunk.OpCode(c.Code[frame.ip])
		frame.ip++

		switch op {
		case chunk.OpConstant:
			vm.push(c.Constants[int(vm.readByte(frame))])
		case chunk.OpConstantLong:
			vm.push(c.Constants[int(vm.readShort(frame))])
		case chunk.OpNihl:
			vm.push(value.Nihl())
		case chunk.OpTrue:
			vm.push(value.NewBool(true))
		case chunk.OpFalse:
			vm.push(value.NewBool(false))
		case chunk.OpPop:
			vm.pop()

		case chunk.OpNegate:
			v := vm.pop()
			if v.Kind != value.KNumber {
				return value.Nihl(), vm.runtimeErr(c, instrStart, "operand must be a number")
			}
			vm.push(value.NewNumber(-v.Num))
		case chunk.OpNot:
			vm.push(value.NewBool(!vm.pop().IsTruthy()))

		case chunk.OpAdd, chunk.OpSub, chunk.OpMul, chunk.OpDiv, chunk.OpMod, chunk.OpPow:
			res, err := vm.arith(op, c, instrStart)
			if err != nil {
				return value.Nihl(), err
			}
			vm.push(res)

		case chunk.OpEqual:
			b, a := vm.pop(), vm.pop()
			vm.push(value.NewBool(value.Equal(a, b)))
		case chunk.OpNotEqual:
			b, a := vm.pop(), vm.pop()
			vm.push(value.NewBool(!value.Equal(a, b)))
		case chunk.OpLess, chunk.OpLessEqual, chunk.OpGreater, chunk.OpGreaterEqual:
			res, err := vm.compare(op, c, instrStart)
			if err != nil {
				return value.Nihl(), err
			}
			vm.push(res)

		case chunk.OpConcat:
			b, a := vm.pop(), vm.pop()
			vm.push(value.NewObj(vm.mgr.Intern(a.String() + b.String())))
		case chunk.OpXor:
			b, a := vm.pop(), vm.pop()
			vm.push(value.NewBool(a.IsTruthy() != b.IsTruthy()))

		case chunk.OpGlobalDecl:
			vm.defineGlobal(c, int(vm.readByte(frame)))
		case chunk.OpGlobalDeclLong:
			vm.defineGlobal(c, int(vm.readShort(frame)))
		case chunk.OpGlobalGet:
			if err := vm.getGlobal(c, int(vm.readByte(frame)), instrStart); err != nil {
				return value.Nihl(), err
			}
		case chunk.OpGlobalGetLong:
			if err := vm.getGlobal(c, int(vm.readShort(frame)), instrStart); err != nil {
				return value.Nihl(), err
			}
		case chunk.OpGlobalSet:
			if err := vm.setGlobal(c, int(vm.readByte(frame)), instrStart); err != nil {
				return value.Nihl(), err
			}
		case chunk.OpGlobalSetLong:
			if err := vm.setGlobal(c, int(vm.readShort(frame)), instrStart); err != nil {
				return value.Nihl(), err
			}

		case chunk.OpLocalGet:
			vm.push(vm.stack[frame.base+int(vm.readByte(frame))])
		case chunk.OpLocalGetLong:
			vm.push(vm.stack[frame.base+int(vm.readShort(frame))])
		case chunk.OpLocalSet:
			vm.stack[frame.base+int(vm.readByte(frame))] = vm.peek(0)
		case chunk.OpLocalSetLong:
			vm.stack[frame.base+int(vm.readShort(frame))] = vm.peek(0)

		case chunk.OpUpvalueGet:
			vm.push(*frame.closure.Upvalues[int(vm.readByte(frame))].Location)
		case chunk.OpUpvalueGetLong:
			vm.push(*frame.closure.Upvalues[int(vm.readShort(frame))].Location)
		case chunk.OpUpvalueSet:
			*frame.closure.Upvalues[int(vm.readByte(frame))].Location = vm.peek(0)
		case chunk.OpUpvalueSetLong:
			*frame.closure.Upvalues[int(vm.readShort(frame))].Location = vm.peek(0)
		case chunk.OpCloseUpvalue:
			vm.closeUpvalues(vm.sp - 1)
			vm.pop()

		case chunk.OpJumpIfFalse:
			off := int(vm.readShort(frame))
			if !vm.peek(0).IsTruthy() {
				frame.ip = instrStart + off
			}
		case chunk.OpJumpIfTrue:
			off := int(vm.readShort(frame))
			if vm.peek(0).IsTruthy() {
				frame.ip = instrStart + off
			}
		case chunk.OpJump:
			frame.ip = instrStart + int(vm.readShort(frame))
		case chunk.OpJumpBack:
			frame.ip = instrStart - int(vm.readShort(frame))

		case chunk.OpCall:
			argCount := int(vm.readByte(frame))
			callee := vm.peek(argCount)
			if err := vm.callValue(c, instrStart, callee, argCount); err != nil {
				return value.Nihl(), err
			}
			frame = &vm.frames[vm.frameCount-1]

		case chunk.OpArray:
			vm.buildArray(int(vm.readByte(frame)))
		case chunk.OpArrayLong:
			vm.buildArray(int(vm.readShort(frame)))
		case chunk.OpDict:
			vm.buildDict(int(vm.readByte(frame)))
		case chunk.OpDictLong:
			vm.buildDict(int(vm.readShort(frame)))
		case chunk.OpIndexGet:
			if err := vm.indexGet(c, instrStart); err != nil {
				return value.Nihl(), err
			}
		case chunk.OpIndexSet:
			if err := vm.indexSet(c, instrStart); err != nil {
				return value.Nihl(), err
			}

		case chunk.OpClosure, chunk.OpClosureLong:
			vm.makeClosure(frame, op)

		case chunk.OpReturn:
			result := vm.pop()
			vm.closeUpvalues(frame.base)
			vm.frameCount--
			if vm.frameCount == 0 {
				vm.pop()
				return result, nil
			}
			vm.sp = frame.base
			vm.push(result)
			frame = &vm.frames[vm.frameCount-1]

		case chunk.OpPrint:
			fmt.Fprintln(vm.out, vm.pop().String())

		default:
			return value.Nihl(), vm.runtimeErr(c, instrStart, fmt.Sprintf("unknown opcode %d", byte(op)))
		}
	}
}

func (vm *VM) defineGlobal(c *chunk.Chunk, idx int) {
	name := c.Constants[idx]
	vm.globals.Put(name, vm.peek(0))
	vm.pop()
}

func (vm *VM) getGlobal(c *chunk.Chunk, idx, instrStart int) error {
	name := c.Constants[idx]
	v, ok := vm.globals.Get(name)
	if !ok {
		return vm.runtimeErr(c, instrStart, "undefined variable '"+name.String()+"'")
	}
	vm.push(v)
	return nil
}

// setGlobal leaves the assigned value on the stack (assignment is an
// expression) and, per spec.md's globals-independence requirement, never
// creates the global as a side effect of a failed assignment.
func (vm *VM) setGlobal(c *chunk.Chunk, idx, instrStart int) error {
	name := c.Constants[idx]
	if _, ok := vm.globals.Get(name); !ok {
		return vm.runtimeErr(c, instrStart, "undefined variable '"+name.String()+"'")
	}
	vm.globals.Put(name, vm.peek(0))
	return nil
}
