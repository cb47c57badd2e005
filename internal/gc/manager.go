// Package gc implements spec.md's memory manager: allocation accounting, the
// object list, string interning, and a stop-the-world mark-and-sweep
// collector with an explicit grey worklist.
//
// Go's own runtime already manages the memory behind every *value.String /
// *value.Closure / ... — nothing here frees raw bytes. What Manager tracks
// is the language's *own* notion of liveness: which heap objects the
// running program can still reach, which drives interning identity
// (spec.md's "pointer equality implies content equality" invariant) and,
// in a systems-language port, would drive real deallocation (spec.md §9's
// design notes).
package gc

import (
	"noxy/internal/chunk"
	"noxy/internal/hashmap"
	"noxy/internal/value"
)

// GCThresholdFactor is the multiplier spec.md §4.3 recommends (~2) applied
// to allocatedBytes after each collection to pick the next threshold.
const GCThresholdFactor = 2

// Roots lets the VM hand the manager its live set (operand stack, globals,
// call frames, open-upvalue list) without gc importing vm (which would
// cycle back: vm already imports gc).
type Roots interface {
	MarkRoots(m *Manager)
}

// Manager owns the object list, the interned-string table, and the
// allocation threshold. It is not safe for concurrent use — per spec.md §5
// the whole runtime is single-threaded.
type Manager struct {
	objects   value.Object
	strings   *hashmap.Map
	allocated int64
	threshold int64
	grey      []value.Object
	stress    bool
	roots     Roots
}

func NewManager() *Manager {
	return &Manager{
		strings:   hashmap.New(),
		threshold: 1 << 20,
	}
}

// SetRoots installs the VM (or any Roots implementation) as the source of
// GC roots. Until it is called, allocations never trigger a collection:
// with no root source every object would look unreachable.
func (m *Manager) SetRoots(r Roots) { m.roots = r }

// SetStressMode forces a collection on every allocation that grows total
// usage, used by the "GC safety" testable property in spec.md §8.
func (m *Manager) SetStressMode(on bool) { m.stress = on }

func (m *Manager) Allocated() int64 { return m.allocated }

// reallocate is spec.md §4.3's reallocate(ptr, oldSize, newSize) contract,
// specialized to Go: there is no ptr to resize, only the accounting and the
// collection trigger. Every allocator below calls this before constructing
// the new object, so any collection it triggers runs against the state of
// the world *before* the new object exists — callers that need the new
// object's future children protected across this call must keep them
// reachable from an existing root (typically the VM operand stack) until
// this returns.
func (m *Manager) reallocate(oldSize, newSize int) {
	m.allocated += int64(newSize - oldSize)
	if m.roots != nil && newSize > oldSize && (m.stress || m.allocated >= m.threshold) {
		m.Collect()
	}
}

func (m *Manager) link(o value.Object) {
	h := o.HeaderPtr()
	h.Next = m.objects
	m.objects = o
}

// --- allocators ---

const (
	sizeHeader   = 24
	sizeFunction = 48
	sizeClosure  = 40
	sizeUpvalue  = 32
	sizeNative   = 40
	sizeArrayHdr = 32
	sizeDictHdr  = 24
	sizeErrorObj = 16
)

// Intern returns the canonical *value.String for chars, allocating and
// registering it in the intern table on a miss. This is spec.md's
// copyString: the caller does not already own chars.
func (m *Manager) Intern(chars string) *value.String {
	hash := hashmap.HashString(chars)
	if s, ok := m.strings.FindInterned(hash, chars); ok {
		return s
	}
	return m.allocateInternedString(chars, hash)
}

// TakeString is copyString's sibling in spec.md §4.3 ("adopts ownership of
// chars and frees it on a hit"). Go strings are immutable and already
// garbage-collected by the runtime, so there is no buffer to free — TakeString
// and Intern are therefore identical here; both are kept so call sites can
// still say which contract they mean.
func (m *Manager) TakeString(chars string) *value.String {
	return m.Intern(chars)
}

func (m *Manager) allocateInternedString(chars string, hash uint32) *value.String {
	size := sizeHeader + len(chars)
	m.reallocate(0, size)
	s := &value.String{
		Header: value.Header{Kind: value.OString, Hash: hash, Size: size},
		Chars:  chars,
	}
	m.link(s)
	m.strings.Put(value.NewObj(s), value.NewObj(s))
	return s
}

func (m *Manager) NewFunction(name *value.String, arity int, c *chunk.Chunk) *value.Function {
	m.reallocate(0, sizeFunction)
	fn := &value.Function{
		Header:   value.Header{Kind: value.OFunction, Hash: hashmap.NextIdentityHash(), Size: sizeFunction},
		Name:     name,
		Arity:    arity,
		ChunkPtr: c,
	}
	m.link(fn)
	return fn
}

// NewClosure allocates a closure over fn with upvalues already resolved by
// the VM's OP_CLOSURE handler (each either taken from the enclosing closure,
// which its call frame keeps rooted, or found or created on the open-upvalue
// list, which is itself a root, so no extra protection is needed here).
func (m *Manager) NewClosure(fn *value.Function, upvalues []*value.Upvalue) *value.Closure {
	size := sizeClosure + 8*len(upvalues)
	m.reallocate(0, size)
	cl := &value.Closure{
		Header:   value.Header{Kind: value.OClosure, Hash: hashmap.NextIdentityHash(), Size: size},
		Fn:       fn,
		Upvalues: upvalues,
	}
	m.link(cl)
	return cl
}

// NewOpenUpvalue allocates an upvalue pointing at a live stack slot. The
// caller is responsible for linking it into the VM's open-upvalue list
// immediately, which is what makes it a GC root from this point on.
func (m *Manager) NewOpenUpvalue(location *value.Value) *value.Upvalue {
	m.reallocate(0, sizeUpvalue)
	uv := &value.Upvalue{
		Header:   value.Header{Kind: value.OUpvalue, Hash: hashmap.NextIdentityHash(), Size: sizeUpvalue},
		Location: location,
	}
	m.link(uv)
	return uv
}

func (m *Manager) NewNative(name string, arity int, fn value.NativeFunc) *value.Native {
	m.reallocate(0, sizeNative)
	n := &value.Native{
		Header: value.Header{Kind: value.ONative, Hash: hashmap.NextIdentityHash(), Size: sizeNative},
		Name:   name,
		Arity:  arity,
		Fn:     fn,
	}
	m.link(n)
	return n
}

// NewArray builds an array from items, which the caller must keep reachable
// from an existing root (typically still resident on the VM operand stack,
// read via peek rather than pop) until this call returns — see spec.md §5's
// root-safety discipline.
func (m *Manager) NewArray(items []value.Value) *value.Array {
	size := sizeArrayHdr + 16*len(items)
	m.reallocate(0, size)
	arr := &value.Array{
		Header: value.Header{Kind: value.OArray, Hash: hashmap.NextIdentityHash(), Size: size},
		Items:  items,
	}
	m.link(arr)
	return arr
}

// NewDict builds a dict from (key, value) pairs supplied as a flat slice
// [k0, v0, k1, v1, ...], which the caller must keep reachable from an
// existing root until this call returns, the same rule as for NewArray.
func (m *Manager) NewDict(pairs []value.Value) *value.Dict {
	size := sizeDictHdr + 32*(len(pairs)/2)
	m.reallocate(0, size)
	hm := hashmap.New()
	for i := 0; i+1 < len(pairs); i += 2 {
		hm.Put(pairs[i], pairs[i+1])
	}
	d := &value.Dict{
		Header: value.Header{Kind: value.ODict, Hash: hashmap.NextIdentityHash(), Size: size},
		Map:    hm,
	}
	m.link(d)
	return d
}

func (m *Manager) NewError(msg string) value.Value {
	s := m.Intern(msg)
	m.reallocate(0, sizeErrorObj)
	e := &value.ErrorObj{
		Header:  value.Header{Kind: value.OError, Hash: hashmap.NextIdentityHash(), Size: sizeErrorObj},
		Message: s,
	}
	m.link(e)
	return value.NewObj(e)
}

// NewGlobalsMap returns a fresh hashmap.Map for the VM to use for its globals
// table — the same Map type the manager reuses for string interning
// (spec.md §2).
func NewGlobalsMap() *hashmap.Map {
	return hashmap.New()
}
