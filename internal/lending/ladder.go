// Package lending implements the dual-level lending book: an outer
// ladder of interest-rate levels kept in ascending order, each holding a
// circular list of resting offers in arrival order. A sorted rate index
// gives O(log P) level positioning; list splices stay O(1).
package lending

import (
	"sort"

	"dex_go/pkg/quant"
)

const nilIdx int32 = -1

// orderNode is one resting offer slot. prev/next are circular within the
// node's rate level.
type orderNode struct {
	off   Offer
	level int32
	prev  int32
	next  int32
}

type orderArena struct {
	nodes []orderNode
	free  int32
}

func newOrderArena() *orderArena {
	return &orderArena{free: nilIdx}
}

func (a *orderArena) alloc(off Offer) int32 {
	if a.free != nilIdx {
		idx := a.free
		n := &a.nodes[idx]
		a.free = n.next
		*n = orderNode{off: off, level: nilIdx, prev: nilIdx, next: nilIdx}
		return idx
	}
	a.nodes = append(a.nodes, orderNode{off: off, level: nilIdx, prev: nilIdx, next: nilIdx})
	return int32(len(a.nodes) - 1)
}

func (a *orderArena) release(idx int32) {
	n := &a.nodes[idx]
	*n = orderNode{level: nilIdx, prev: nilIdx, next: a.free}
	a.free = idx
}

func (a *orderArena) at(idx int32) *orderNode { return &a.nodes[idx] }

func (a *orderArena) clone() *orderArena {
	return &orderArena{
		nodes: append([]orderNode(nil), a.nodes...),
		free:  a.free,
	}
}

// rateLevel is one outer node: all offers resting at one rate.
type rateLevel struct {
	rate quant.Bps
	head int32 // first offer in arrival order
	prev int32
	next int32
}

// ladder is one side of the lending book. Levels are linked in ascending
// rate order; rates mirrors them sorted for binary search.
type ladder struct {
	levels    []rateLevel
	freeLevel int32
	head      int32
	tail      int32
	byRate    map[quant.Bps]int32
	rates     []quant.Bps
}

func newLadder() *ladder {
	return &ladder{
		freeLevel: nilIdx,
		head:      nilIdx,
		tail:      nilIdx,
		byRate:    make(map[quant.Bps]int32),
	}
}

func (l *ladder) level(idx int32) *rateLevel { return &l.levels[idx] }

// levelFor finds or creates the level for a rate. New levels splice in
// next to the closest known rate found by binary search.
func (l *ladder) levelFor(rate quant.Bps) int32 {
	if idx, ok := l.byRate[rate]; ok {
		return idx
	}

	var idx int32
	if l.freeLevel != nilIdx {
		idx = l.freeLevel
		l.freeLevel = l.levels[idx].next
		l.levels[idx] = rateLevel{rate: rate, head: nilIdx, prev: nilIdx, next: nilIdx}
	} else {
		l.levels = append(l.levels, rateLevel{rate: rate, head: nilIdx, prev: nilIdx, next: nilIdx})
		idx = int32(len(l.levels) - 1)
	}

	pos := sort.Search(len(l.rates), func(i int) bool { return l.rates[i] >= rate })

	// Splice before the successor level, or at the tail.
	var succ int32 = nilIdx
	if pos < len(l.rates) {
		succ = l.byRate[l.rates[pos]]
	}
	lv := l.level(idx)
	if succ == nilIdx {
		lv.prev = l.tail
		if l.tail == nilIdx {
			l.head = idx
		} else {
			l.level(l.tail).next = idx
		}
		l.tail = idx
	} else {
		s := l.level(succ)
		lv.prev = s.prev
		lv.next = succ
		if s.prev == nilIdx {
			l.head = idx
		} else {
			l.level(s.prev).next = idx
		}
		s.prev = idx
	}

	l.rates = append(l.rates, 0)
	copy(l.rates[pos+1:], l.rates[pos:])
	l.rates[pos] = rate
	l.byRate[rate] = idx
	return idx
}

// dropLevel unlinks an empty level and recycles it.
func (l *ladder) dropLevel(idx int32) {
	lv := l.level(idx)
	if lv.head != nilIdx {
		panic("CORE_LENDING_DROP_NONEMPTY_LEVEL")
	}
	if lv.prev == nilIdx {
		l.head = lv.next
	} else {
		l.level(lv.prev).next = lv.next
	}
	if lv.next == nilIdx {
		l.tail = lv.prev
	} else {
		l.level(lv.next).prev = lv.prev
	}

	pos := sort.Search(len(l.rates), func(i int) bool { return l.rates[i] >= lv.rate })
	if pos == len(l.rates) || l.rates[pos] != lv.rate {
		panic("CORE_LENDING_RATE_INDEX_CORRUPT")
	}
	l.rates = append(l.rates[:pos], l.rates[pos+1:]...)
	delete(l.byRate, lv.rate)

	lv.next = l.freeLevel
	l.freeLevel = idx
}

// push appends the order node at the tail of its level's circular list.
func (l *ladder) push(a *orderArena, levelIdx, orderIdx int32) {
	lv := l.level(levelIdx)
	n := a.at(orderIdx)
	n.level = levelIdx
	if lv.head == nilIdx {
		lv.head = orderIdx
		n.prev = orderIdx
		n.next = orderIdx
		return
	}
	head := a.at(lv.head)
	tail := head.prev
	n.prev = tail
	n.next = lv.head
	a.at(tail).next = orderIdx
	head.prev = orderIdx
}

// remove unlinks the order node from its level, dropping the level when
// it empties.
func (l *ladder) remove(a *orderArena, orderIdx int32) {
	n := a.at(orderIdx)
	lv := l.level(n.level)
	if n.next == orderIdx {
		lv.head = nilIdx
	} else {
		a.at(n.prev).next = n.next
		a.at(n.next).prev = n.prev
		if lv.head == orderIdx {
			lv.head = n.next
		}
	}
	if lv.head == nilIdx {
		l.dropLevel(n.level)
	}
	a.release(orderIdx)
}

func (l *ladder) clone() *ladder {
	out := &ladder{
		levels:    append([]rateLevel(nil), l.levels...),
		freeLevel: l.freeLevel,
		head:      l.head,
		tail:      l.tail,
		byRate:    make(map[quant.Bps]int32, len(l.byRate)),
		rates:     append([]quant.Bps(nil), l.rates...),
	}
	for r, idx := range l.byRate {
		out.byRate[r] = idx
	}
	return out
}
