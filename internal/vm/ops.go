package vm

import (
	"fmt"
	"math"

	"noxy/internal/chunk"
	"noxy/internal/value"
)

func (vm *VM) arith(op chunk.OpCode, c *chunk.Chunk, instrStart int) (value.Value, error) {
	b, a := vm.pop(), vm.pop()
	if a.Kind != value.KNumber || b.Kind != value.KNumber {
		return value.Nihl(), vm.runtimeErr(c, instrStart, "operands must be numbers")
	}
	switch op {
	case chunk.OpAdd:
		return value.NewNumber(a.Num + b.Num), nil
	case chunk.OpSub:
		return value.NewNumber(a.Num - b.Num), nil
	case chunk.OpMul:
		return value.NewNumber(a.Num * b.Num), nil
	case chunk.OpDiv:
		if b.Num == 0 {
			return value.Nihl(), vm.runtimeErr(c, instrStart, "divide by zero")
		}
		return value.NewNumber(a.Num / b.Num), nil
	case chunk.OpMod:
		if !a.IsInteger() || !b.IsInteger() {
			return value.Nihl(), vm.runtimeErr(c, instrStart, "operands must be integers")
		}
		bi := int64(b.Num)
		if bi == 0 {
			return value.Nihl(), vm.runtimeErr(c, instrStart, "divide by zero")
		}
		return value.NewNumber(float64(int64(a.Num) % bi)), nil
	case chunk.OpPow:
		return value.NewNumber(math.Pow(a.Num, b.Num)), nil
	}
	return value.Nihl(), nil
}

func (vm *VM) compare(op chunk.OpCode, c *chunk.Chunk, instrStart int) (value.Value, error) {
	b, a := vm.pop(), vm.pop()
	if a.Kind != value.KNumber || b.Kind != value.KNumber {
		return value.Nihl(), vm.runtimeErr(c, instrStart, "operands must be numbers")
	}
	switch op {
	case chunk.OpLess:
		return value.NewBool(a.Num < b.Num), nil
	case chunk.OpLessEqual:
		return value.NewBool(a.Num <= b.Num), nil
	case chunk.OpGreater:
		return value.NewBool(a.Num > b.Num), nil
	case chunk.OpGreaterEqual:
		return value.NewBool(a.Num >= b.Num), nil
	}
	return value.Nihl(), nil
}

// buildArray and buildDict read their operands via the still-live stack
// slots (sp unchanged) and only shrink sp after the manager's allocator has
// returned, so a collection triggered mid-allocation still sees every
// element as reachable through the operand stack (spec.md §5).

func (vm *VM) buildArray(n int) {
	items := make([]value.Value, n)
	copy(items, vm.stack[vm.sp-n:vm.sp])
	arr := vm.mgr.NewArray(items)
	vm.sp -= n
	vm.push(value.NewObj(arr))
}

func (vm *VM) buildDict(n int) {
	pairs := make([]value.Value, 2*n)
	copy(pairs, vm.stack[vm.sp-2*n:vm.sp])
	d := vm.mgr.NewDict(pairs)
	vm.sp -= 2 * n
	vm.push(value.NewObj(d))
}

// indexGet treats an out-of-range array index or a missing dict key as a
// recoverable domain outcome (an ErrorObj value, or nihl for a dict miss)
// rather than aborting the program; indexing a non-container is a hard
// runtime error.
func (vm *VM) indexGet(c *chunk.Chunk, instrStart int) error {
	idx, container := vm.pop(), vm.pop()
	if container.Kind != value.KObj {
		return vm.runtimeErr(c, instrStart, "can't index a "+container.String())
	}
	switch obj := container.Obj.(type) {
	case *value.Array:
		if idx.Kind != value.KNumber || !idx.IsInteger() {
			return vm.runtimeErr(c, instrStart, "array index must be an integer")
		}
		i := int(idx.Num)
		if i < 0 || i >= len(obj.Items) {
			vm.push(vm.mgr.NewError("index out of range"))
			return nil
		}
		vm.push(obj.Items[i])
	case *value.Dict:
		v, ok := obj.Map.Get(idx)
		if !ok {
			vm.push(value.Nihl())
			return nil
		}
		vm.push(v)
	case *value.String:
		if idx.Kind != value.KNumber || !idx.IsInteger() {
			return vm.runtimeErr(c, instrStart, "string index must be an integer")
		}
		i := int(idx.Num)
		if i < 0 || i >= len(obj.Chars) {
			vm.push(vm.mgr.NewError("index out of range"))
			return nil
		}
		vm.push(value.NewObj(vm.mgr.Intern(string(obj.Chars[i]))))
	default:
		return vm.runtimeErr(c, instrStart, "can't index a "+container.String())
	}
	return nil
}

// indexSet mutates in place and pushes the assigned value back, so
// `a[i] = v` itself evaluates to v. An out-of-range array write is a hard
// runtime error: unlike a read miss there is no sensible value to produce.
func (vm *VM) indexSet(c *chunk.Chunk, instrStart int) error {
	val, idx, container := vm.pop(), vm.pop(), vm.pop()
	if container.Kind != value.KObj {
		return vm.runtimeErr(c, instrStart, "can't index a "+container.String())
	}
	switch obj := container.Obj.(type) {
	case *value.Array:
		if idx.Kind != value.KNumber || !idx.IsInteger() {
			return vm.runtimeErr(c, instrStart, "array index must be an integer")
		}
		i := int(idx.Num)
		if i < 0 || i >= len(obj.Items) {
			return vm.runtimeErr(c, instrStart, "index out of range")
		}
		obj.Items[i] = val
	case *value.Dict:
		obj.Map.Put(idx, val)
	default:
		return vm.runtimeErr(c, instrStart, "can't index a "+container.String())
	}
	vm.push(val)
	return nil
}

func (vm *VM) makeClosure(frame *CallFrame, op chunk.OpCode) {
	c := vm.chunkOf(frame)
	var idx int
	if op == chunk.OpClosureLong {
		idx = int(vm.readShort(frame))
	} else {
		idx = int(vm.readByte(frame))
	}
	fnObj := c.Constants[idx].Obj.(*value.Function)
	upvalues := make([]*value.Upvalue, fnObj.UpvalueCount)
	for i := 0; i < fnObj.UpvalueCount; i++ {
		ownedAbove := vm.readByte(frame) != 0
		index := int(vm.readByte(frame))
		if ownedAbove {
			upvalues[i] = frame.closure.Upvalues[index]
		} else {
			upvalues[i] = vm.captureUpvalue(&vm.stack[frame.base+index])
		}
	}
	cl := vm.mgr.NewClosure(fnObj, upvalues)
	vm.push(value.NewObj(cl))
}

func (vm *VM) callValue(c *chunk.Chunk, instrStart int, callee value.Value, argCount int) error {
	if callee.Kind == value.KObj {
		switch obj := callee.Obj.(type) {
		case *value.Closure:
			return vm.call(obj, argCount, instrStart, c)
		case *value.Native:
			if argCount != obj.Arity {
				return vm.runtimeErr(c, instrStart, fmt.Sprintf("expected %d arguments but got %d", obj.Arity, argCount))
			}
			args := make([]value.Value, argCount)
			copy(args, vm.stack[vm.sp-argCount:vm.sp])
			result := obj.Fn(args)
			vm.sp -= argCount + 1
			vm.push(result)
			return nil
		}
	}
	return vm.runtimeErr(c, instrStart, "can only call functions")
}

func (vm *VM) call(cl *value.Closure, argCount, instrStart int, c *chunk.Chunk) error {
	if argCount != cl.Fn.Arity {
		return vm.runtimeErr(c, instrStart, fmt.Sprintf("expected %d arguments but got %d", cl.Fn.Arity, argCount))
	}
	if vm.frameCount == FramesMax {
		return vm.runtimeErr(c, instrStart, "stack overflow")
	}
	frame := &vm.frames[vm.frameCount]
	frame.closure = cl
	frame.ip = 0
	frame.base = vm.sp - argCount - 1
	vm.frameCount++
	return nil
}
