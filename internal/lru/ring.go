// Package lru provides an index-based circular list for O(1) most-recently-used
// bookkeeping.
//
// Nodes live in an arena and refer to each other by slot index. Slot 0 is a
// sentinel whose links point at itself when the ring is empty; the node after
// the sentinel is the head (most recent) and the node before it is the tail.
package lru

import "iter"

// Handle identifies a slot in a Ring's arena. The zero Handle is never issued.
type Handle int32

const sentinel Handle = 0

type node[T any] struct {
	prev, next Handle
	linked     bool
	used       bool
	value      T
}

// Ring is a circular doubly-linked list over an arena of slots.
// A Ring is not safe for concurrent use.
type Ring[T any] struct {
	nodes []node[T]
	free  []Handle
	count int
}

// New returns an empty ring.
func New[T any]() *Ring[T] {
	r := &Ring[T]{nodes: make([]node[T], 1)}
	r.nodes[sentinel].prev = sentinel
	r.nodes[sentinel].next = sentinel
	r.nodes[sentinel].used = true
	return r
}

// Alloc reserves a slot holding v. The slot starts unlinked.
func (r *Ring[T]) Alloc(v T) Handle {
	var h Handle
	if n := len(r.free); n > 0 {
		h = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.nodes = append(r.nodes, node[T]{})
		h = Handle(len(r.nodes) - 1) //nolint:gosec // arena never exceeds int32
	}
	r.nodes[h] = node[T]{prev: h, next: h, used: true, value: v}
	return h
}

// Free unlinks h and returns its slot to the arena.
func (r *Ring[T]) Free(h Handle) {
	if !r.valid(h) {
		return
	}
	r.Unlink(h)
	r.nodes[h] = node[T]{}
	r.free = append(r.free, h)
}

func (r *Ring[T]) valid(h Handle) bool {
	return h > sentinel && int(h) < len(r.nodes) && r.nodes[h].used
}

// Value returns the value stored in slot h.
func (r *Ring[T]) Value(h Handle) T {
	return r.nodes[h].value
}

// Linked reports whether h is currently in the ring.
func (r *Ring[T]) Linked(h Handle) bool {
	return r.valid(h) && r.nodes[h].linked
}

// Link inserts h at the head. Linking an already linked node is a no-op.
func (r *Ring[T]) Link(h Handle) {
	if !r.valid(h) || r.nodes[h].linked {
		return
	}
	first := r.nodes[sentinel].next
	r.nodes[h].prev = sentinel
	r.nodes[h].next = first
	r.nodes[first].prev = h
	r.nodes[sentinel].next = h
	r.nodes[h].linked = true
	r.count++
}

// Unlink removes h from the ring. Unlinking an unlinked node is a no-op.
func (r *Ring[T]) Unlink(h Handle) {
	if !r.valid(h) || !r.nodes[h].linked {
		return
	}
	prev, next := r.nodes[h].prev, r.nodes[h].next
	r.nodes[prev].next = next
	r.nodes[next].prev = prev
	r.nodes[h].prev = h
	r.nodes[h].next = h
	r.nodes[h].linked = false
	r.count--
}

// Relink moves h to the head, linking it if needed.
func (r *Ring[T]) Relink(h Handle) {
	if r.nodes[sentinel].next == h {
		return
	}
	r.Unlink(h)
	r.Link(h)
}

// Len returns the number of linked nodes.
func (r *Ring[T]) Len() int { return r.count }

// Head returns the most recently linked node.
func (r *Ring[T]) Head() (Handle, bool) {
	h := r.nodes[sentinel].next
	return h, h != sentinel
}

// Tail returns the least recently linked node.
func (r *Ring[T]) Tail() (Handle, bool) {
	h := r.nodes[sentinel].prev
	return h, h != sentinel
}

// Backward iterates from tail to head. The current node may be unlinked
// during iteration.
func (r *Ring[T]) Backward() iter.Seq2[Handle, T] {
	return func(yield func(Handle, T) bool) {
		h := r.nodes[sentinel].prev
		for h != sentinel {
			prev := r.nodes[h].prev
			if !yield(h, r.nodes[h].value) {
				return
			}
			h = prev
		}
	}
}

// Forward iterates from head to tail.
func (r *Ring[T]) Forward() iter.Seq2[Handle, T] {
	return func(yield func(Handle, T) bool) {
		h := r.nodes[sentinel].next
		for h != sentinel {
			next := r.nodes[h].next
			if !yield(h, r.nodes[h].value) {
				return
			}
			h = next
		}
	}
}
