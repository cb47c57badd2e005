package gc

import (
	"noxy/internal/chunk"
	"noxy/internal/hashmap"
	"noxy/internal/value"
)

// MarkValue marks v's object, if it carries one, and enqueues it onto the
// grey worklist.
func (m *Manager) MarkValue(v value.Value) {
	if v.Kind == value.KObj && v.Obj != nil {
		m.MarkObject(v.Obj)
	}
}

// MarkObject marks obj black-pending (grey) unless already marked.
// Marking an object inserts it into the worklist — spec.md §4.3, step 2.
func (m *Manager) MarkObject(obj value.Object) {
	if obj == nil {
		return
	}
	h := obj.HeaderPtr()
	if h.Marked {
		return
	}
	h.Marked = true
	m.grey = append(m.grey, obj)
}

// MarkMap marks every key and value of hm — used for the VM's globals map
// and for any Dict reached while blackening.
func (m *Manager) MarkMap(hm *hashmap.Map) {
	hm.MarkKeys(m.MarkValue)
}

// Collect runs one full stop-the-world mark-and-sweep cycle.
func (m *Manager) Collect() {
	m.grey = m.grey[:0]
	if m.roots != nil {
		m.roots.MarkRoots(m)
	}

	for len(m.grey) > 0 {
		obj := m.grey[len(m.grey)-1]
		m.grey = m.grey[:len(m.grey)-1]
		m.blacken(obj)
	}

	// Interned-string sweep must precede object sweep so freed strings
	// leave no dangling map keys (spec.md §4.3, step 3).
	m.strings.SweepUnmarked()

	m.sweep()

	m.threshold = m.allocated * GCThresholdFactor
	if m.threshold == 0 {
		m.threshold = 1 << 20
	}
}

// blacken iterates obj's children, marking each — spec.md §4.3, step 2.
func (m *Manager) blacken(obj value.Object) {
	switch o := obj.(type) {
	case *value.String, *value.Native:
		// no children
	case *value.Closure:
		m.MarkObject(o.Fn)
		for _, uv := range o.Upvalues {
			m.MarkObject(uv)
		}
	case *value.Upvalue:
		// Open upvalues need not blacken their stack slot: it is already
		// a root. Closed's zero value is Nihl while open, so marking it
		// unconditionally is a harmless no-op until the upvalue closes.
		m.MarkValue(o.Closed)
	case *value.Function:
		if o.Name != nil {
			m.MarkObject(o.Name)
		}
		if c, ok := o.ChunkPtr.(*chunk.Chunk); ok {
			for _, v := range c.Constants {
				m.MarkValue(v)
			}
		}
	case *value.Array:
		for _, v := range o.Items {
			m.MarkValue(v)
		}
	case *value.Dict:
		o.Map.Each(func(k, v value.Value) bool {
			m.MarkValue(k)
			m.MarkValue(v)
			return true
		})
	case *value.ErrorObj:
		m.MarkObject(o.Message)
	}
}

// sweep walks the object list, unmarking black objects and unlinking (and,
// in a manual-memory port, freeing) white ones — spec.md §4.3, step 4. Each
// freed object's charged Size is subtracted from allocatedBytes, keeping it
// the net of every claim and release (spec.md §3).
func (m *Manager) sweep() {
	var prev value.Object
	curr := m.objects
	for curr != nil {
		h := curr.HeaderPtr()
		next := h.Next
		if h.Marked {
			h.Marked = false // flip back to white for the next cycle
			prev = curr
		} else {
			if prev == nil {
				m.objects = next
			} else {
				prev.HeaderPtr().Next = next
			}
			m.allocated -= int64(h.Size)
		}
		curr = next
	}
}
