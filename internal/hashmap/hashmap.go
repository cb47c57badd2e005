// Package hashmap implements spec.md's HashMap component: an open-addressed
// Value-to-Value map, used both for VM globals and — reused, per spec.md
// §2's table — for the memory manager's interned-string table.
package hashmap

import (
	"math"
	"math/bits"

	"noxy/internal/value"
)

const maxLoad = 0.75

type entry struct {
	key      value.Value
	val      value.Value
	present  bool // false for both empty slots and tombstones
	tombstone bool // distinguishes a deleted slot from a never-used one
}

// Map is an open-addressed hash table keyed by value.Value, with linear
// probing and tombstone deletion, in the shape of the classic clox
// table.c, translated into Go.
type Map struct {
	entries []entry
	count   int // live entries, not counting tombstones
	tombs   int // tombstones, which still occupy probe sequences
}

func New() *Map {
	return &Map{}
}

func (m *Map) Len() int { return m.count }

// Put inserts or overwrites key->val. It returns true if this created a new
// entry (as opposed to overwriting an existing one).
func (m *Map) Put(key, val value.Value) bool {
	if float64(len(m.entries))*maxLoad <= float64(m.count+m.tombs+1) {
		m.grow()
	}
	e := m.findEntry(m.entries, key)
	isNew := !e.present
	if isNew {
		m.count++
		if e.tombstone {
			m.tombs--
		}
	}
	e.key = key
	e.val = val
	e.present = true
	e.tombstone = false
	return isNew
}

func (m *Map) Get(key value.Value) (value.Value, bool) {
	if len(m.entries) == 0 {
		return value.Value{}, false
	}
	e := m.findEntry(m.entries, key)
	if !e.present {
		return value.Value{}, false
	}
	return e.val, true
}

// Delete removes key, leaving a tombstone behind so later probes still find
// entries that hashed past it.
func (m *Map) Delete(key value.Value) bool {
	if len(m.entries) == 0 {
		return false
	}
	e := m.findEntry(m.entries, key)
	if !e.present {
		return false
	}
	e.present = false
	e.tombstone = true
	e.key = value.Value{}
	e.val = value.Value{}
	m.count--
	m.tombs++
	return true
}

// Each calls fn for every live entry; iteration stops early if fn returns
// false. Order is unspecified.
func (m *Map) Each(fn func(key, val value.Value) bool) {
	for i := range m.entries {
		e := &m.entries[i]
		if e.present {
			if !fn(e.key, e.val) {
				return
			}
		}
	}
}

// SweepUnmarked removes every entry whose key is an unmarked heap object.
// Used only during GC, before the object-sweep phase frees objects, so that
// freed strings leave no dangling map keys (spec.md §4.3, step 3).
func (m *Map) SweepUnmarked() {
	for i := range m.entries {
		e := &m.entries[i]
		if !e.present || e.key.Kind != value.KObj || e.key.Obj == nil {
			continue
		}
		if !e.key.Obj.HeaderPtr().Marked {
			e.present = false
			e.tombstone = true
			e.key = value.Value{}
			e.val = value.Value{}
			m.count--
			m.tombs++
		}
	}
}

// MarkKeys calls mark on every live entry's key and value object, used by
// the memory manager when this Map is itself a GC root (e.g. globals).
func (m *Map) MarkKeys(mark func(value.Value)) {
	for i := range m.entries {
		e := &m.entries[i]
		if e.present {
			mark(e.key)
			mark(e.val)
		}
	}
}

// FindInterned probes for a String entry with the given content hash and
// characters, without needing a canonical *value.String in hand already —
// this is what lets this same Map type double as the memory manager's
// interned-string table (spec.md §4.2/§4.3): the manager hashes the raw
// bytes, looks here first, and only allocates a new String on a miss.
func (m *Map) FindInterned(hash uint32, chars string) (*value.String, bool) {
	if len(m.entries) == 0 {
		return nil, false
	}
	idx := int(hash) % len(m.entries)
	for {
		e := &m.entries[idx]
		if !e.present {
			if !e.tombstone {
				return nil, false
			}
		} else if s, ok := e.key.Obj.(*value.String); ok {
			if s.Hash == hash && s.Chars == chars {
				return s, true
			}
		}
		idx = (idx + 1) % len(m.entries)
	}
}

func (m *Map) grow() {
	newCap := 8
	if len(m.entries) > 0 {
		newCap = len(m.entries) * 2
	}
	newEntries := make([]entry, newCap)
	m.count = 0
	m.tombs = 0
	for _, e := range m.entries {
		if !e.present {
			continue
		}
		dst := m.findEntry(newEntries, e.key)
		dst.key = e.key
		dst.val = e.val
		dst.present = true
		m.count++
	}
	m.entries = newEntries
}

// findEntry probes entries starting at hash(key) % len(entries), returning
// either the slot holding key or the first empty/tombstone slot available
// for it — the standard clox linear-probe-with-tombstone-reuse scheme.
func (m *Map) findEntry(entries []entry, key value.Value) *entry {
	idx := int(hashValue(key)) % len(entries)
	var tombstone *entry
	for {
		e := &entries[idx]
		if !e.present {
			if !e.tombstone {
				if tombstone != nil {
					return tombstone
				}
				return e
			}
			if tombstone == nil {
				tombstone = e
			}
		} else if valuesIdentical(e.key, key) {
			return e
		}
		idx = (idx + 1) % len(entries)
	}
}

func valuesIdentical(a, b value.Value) bool {
	return value.Equal(a, b)
}

// hashValue computes the 32-bit hash used for map keying. Object kinds use
// their precomputed Header.Hash; numbers hash the full 64-bit IEEE-754
// representation (spec.md §9's "strict improvement" over truncating to
// single precision); bool/nihl hash via a small integer avalanche.
func hashValue(v value.Value) uint32 {
	switch v.Kind {
	case value.KNihl:
		return avalanche32(0)
	case value.KBool:
		if v.Bool {
			return avalanche32(1)
		}
		return avalanche32(2)
	case value.KNumber:
		bits64 := math.Float64bits(v.Num)
		return avalanche32(uint32(bits64 ^ (bits64 >> 32)))
	case value.KObj:
		if v.Obj == nil {
			return 0
		}
		return v.Obj.HeaderPtr().Hash
	default:
		return 0
	}
}

// avalanche32 is a Murmur3-style 32-bit finalizer, used to mix small
// integer keys (bools, nihl, and the folded bits of a number) so adjacent
// values don't cluster in the table.
func avalanche32(x uint32) uint32 {
	x ^= x >> 16
	x *= 0x85ebca6b
	x ^= x >> 13
	x *= 0xc2b2ae35
	x ^= x >> 16
	return x
}

// HashString computes the FNV-1a hash of s, used by the memory manager to
// fill in a new String's Header.Hash at allocation time.
func HashString(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// NextIdentityHash returns a fresh, well-mixed hash for non-string heap
// objects (functions, closures, arrays, dicts, ...), which have no natural
// content hash and so are keyed by allocation order instead.
var identityCounter uint32

func NextIdentityHash() uint32 {
	identityCounter++
	return bits.RotateLeft32(avalanche32(identityCounter), 7)
}
