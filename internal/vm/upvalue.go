package vm

import (
	"unsafe"

	"noxy/internal/value"
)

// stackIndexOf recovers the index of a stack-slot pointer. Go forbids
// ordering comparisons (<, >) on pointers directly, which clox's open-upvalue
// list relies on to stay sorted by stack depth; converting through uintptr
// is the standard escape hatch for this one piece of interior-pointer
// arithmetic.
func (vm *VM) stackIndexOf(p *value.Value) int {
	base := uintptr(unsafe.Pointer(&vm.stack[0]))
	off := uintptr(unsafe.Pointer(p)) - base
	return int(off / unsafe.Sizeof(vm.stack[0]))
}

// captureUpvalue returns the existing open upvalue for location if one is
// already on the list, or links in a freshly allocated one. The list stays
// sorted by descending stack index so closeUpvalues can stop early.
func (vm *VM) captureUpvalue(location *value.Value) *value.Upvalue {
	localIdx := vm.stackIndexOf(location)

	var prev *value.Upvalue
	curr := vm.openUpvalues
	for curr != nil && vm.stackIndexOf(curr.Location) > localIdx {
		prev = curr
		curr = curr.Next
	}
	if curr != nil && curr.Location == location {
		return curr
	}

	created := vm.mgr.NewOpenUpvalue(location)
	created.Next = curr
	if prev == nil {
		vm.openUpvalues = created
	} else {
		prev.Next = created
	}
	return created
}

// closeUpvalues closes every open upvalue at or above stack index fromIdx:
// it copies the stack slot's current value into the upvalue's own Closed
// field and repoints Location there, so the captured variable survives the
// frame (or block) that owned the slot going away.
func (vm *VM) closeUpvalues(fromIdx int) {
	for vm.openUpvalues != nil && vm.stackIndexOf(vm.openUpvalues.Location) >= fromIdx {
		uv := vm.openUpvalues
		uv.Closed = *uv.Location
		uv.Location = &uv.Closed
		vm.openUpvalues = uv.Next
		uv.Next = nil
	}
}
