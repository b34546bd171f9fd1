// Package book implements the price-level order book: a doubly linked
// list of resting orders per side, held in a growable arena addressed by
// integer slot, with ladder matching against the opposite side.
package book

import "dex_go/internal/domain"

// nilIdx terminates lists and the free chain.
const nilIdx int32 = -1

// node is one arena slot. Removed slots go on the free chain and are
// recycled before the arena grows.
type node struct {
	ord  domain.Order
	prev int32
	next int32
}

type arena struct {
	nodes []node
	free  int32
}

func newArena(capHint int) *arena {
	return &arena{
		nodes: make([]node, 0, capHint),
		free:  nilIdx,
	}
}

// alloc returns a slot for ord, reusing freed slots first.
func (a *arena) alloc(ord domain.Order) int32 {
	if a.free != nilIdx {
		idx := a.free
		n := &a.nodes[idx]
		a.free = n.next
		n.ord = ord
		n.prev = nilIdx
		n.next = nilIdx
		return idx
	}
	a.nodes = append(a.nodes, node{ord: ord, prev: nilIdx, next: nilIdx})
	return int32(len(a.nodes) - 1)
}

// release puts a slot back on the free chain. The caller must already
// have unlinked it.
func (a *arena) release(idx int32) {
	n := &a.nodes[idx]
	n.ord = domain.Order{}
	n.prev = nilIdx
	n.next = a.free
	a.free = idx
}

func (a *arena) at(idx int32) *node {
	return &a.nodes[idx]
}

func (a *arena) clone() *arena {
	return &arena{
		nodes: append([]node(nil), a.nodes...),
		free:  a.free,
	}
}
