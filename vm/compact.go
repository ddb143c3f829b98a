package vm

import (
	"math"
	"sort"
)

// ---------------------------------------------------------------------------
// Major (mark/compact) collection and heap growth
// ---------------------------------------------------------------------------

// relocation maps the old address of a live cell to its compacted address.
type relocation struct {
	from, to, size int
}

// markBits is one bit per old-generation word; a set bit marks a live
// cell header.
type markBits []uint64

func (m markBits) set(i int) bool {
	w, b := i/64, uint(i%64)
	if m[w]&(1<<b) != 0 {
		return false
	}
	m[w] |= 1 << b
	return true
}

func (m markBits) get(i int) bool {
	return m[i/64]&(1<<uint(i%64)) != 0
}

// major marks every cell reachable from the roots, slides live cells down
// over dead space and rewrites every reference through the relocation
// table. It runs right after a minor collection, so the creation space is
// empty.
func (h *Heap) major() {
	if h.young.top != 0 {
		faultf("major collection with non-empty creation space")
	}
	h.stats.Major++
	before := h.old.top

	marks := make(markBits, (h.old.top+63)/64)
	liveForeign := make([]bool, len(h.foreign.values))
	h.mark(marks, liveForeign)

	table := h.buildRelocations(marks)
	h.slide(table)
	h.rewrite(table)

	freed := h.foreign.sweep(liveForeign)
	h.stats.ForeignFreed += uint64(freed)

	h.stats.ReclaimedWords += uint64(before - h.old.top)
	heapLog.Debugf("major collection: %d -> %d words, %d foreign released", before, h.old.top, freed)
}

// mark sets the mark bit of every reachable old cell using an explicit
// stack. List tails and variable chains are followed in place instead of
// being pushed, which keeps long lists from growing the stack.
func (h *Heap) mark(marks markBits, liveForeign []bool) {
	var stack []Ref
	push := func(r Ref) {
		if r == NoRef {
			return
		}
		if r.IsYoung() {
			faultf("young reference %v during major collection", r)
		}
		if marks.set(r.index()) {
			stack = append(stack, r)
		}
	}
	h.visitRoots(func(slot *Ref) { push(*slot) })

	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
	again:
		idx := r.index()
		hdr := h.old.words[idx]
		switch headerTag(hdr) {
		case TagPair:
			push(Ref(h.old.words[idx+1]))
			tail := Ref(h.old.words[idx+2])
			if tail != NoRef && marks.set(tail.index()) {
				r = tail
				goto again
			}
			continue
		case TagVar:
			next := Ref(h.old.words[idx+1])
			if next != r && next != NoRef && marks.set(next.index()) {
				r = next
				goto again
			}
			continue
		case TagForeign:
			id := int(h.old.words[idx+1])
			if id < len(liveForeign) {
				liveForeign[id] = true
			}
			continue
		}
		h.scanCell(h.old.words, idx, func(w *uint64) { push(Ref(*w)) })
	}
}

// buildRelocations walks the old generation in address order and assigns
// each marked cell its compacted address.
func (h *Heap) buildRelocations(marks markBits) []relocation {
	var table []relocation
	to := oldBase
	for pos := oldBase; pos < h.old.top; {
		size := cellWords(headerLength(h.old.words[pos]))
		if marks.get(pos) {
			table = append(table, relocation{from: pos, to: to, size: size})
			to += size
		}
		pos += size
	}
	return table
}

// slide moves live cells to their compacted addresses. Destinations never
// exceed sources, so moving in address order is safe.
func (h *Heap) slide(table []relocation) {
	h.cards.resetCrossing()
	top := oldBase
	for _, rel := range table {
		if rel.from != rel.to {
			copy(h.old.words[rel.to:rel.to+rel.size], h.old.words[rel.from:rel.from+rel.size])
		}
		h.cards.noteCell(rel.to, rel.size)
		top = rel.to + rel.size
	}
	clear(h.old.words[top:h.old.top])
	h.old.top = top
}

// translate maps a pre-compaction reference to its new address. Addresses
// absent from the table are returned unchanged.
func translate(table []relocation, r Ref) Ref {
	if r == NoRef || r.IsYoung() {
		return r
	}
	idx := r.index()
	i := sort.Search(len(table), func(i int) bool { return table[i].from >= idx })
	if i < len(table) && table[i].from == idx {
		return oldRef(table[i].to)
	}
	return r
}

// rewrite updates every reference in live cells and in the root set.
func (h *Heap) rewrite(table []relocation) {
	for _, rel := range table {
		h.scanCell(h.old.words, rel.to, func(w *uint64) {
			*w = uint64(translate(table, Ref(*w)))
		})
	}
	// A slot may be registered twice (an explicit root that a scanner also
	// reports); translating it twice would be wrong.
	seen := make(map[*Ref]struct{})
	h.visitRoots(func(slot *Ref) {
		if _, ok := seen[slot]; ok {
			return
		}
		seen[slot] = struct{}{}
		*slot = translate(table, *slot)
	})
	h.cards.clearDirty()
}

// ---------------------------------------------------------------------------
// Growth
// ---------------------------------------------------------------------------

// grownSize returns the new size of an arena of size cur that must gain at
// least need free words on top of used.
func (h *Heap) grownSize(cur, used, need int) int {
	n := int(math.Ceil(float64(cur) * h.cfg.GrowthFactor))
	for n-used < need {
		n = int(math.Ceil(float64(n) * h.cfg.GrowthFactor))
	}
	return n
}

func (h *Heap) checkLimit(young, old int) {
	if h.cfg.MaxWords > 0 && young+old > h.cfg.MaxWords {
		panic(&FatalError{Kind: FatalHeap, Err: ErrHeapExhausted})
	}
}

// growOld enlarges the old generation so at least need words are free.
// Handles are arena-relative, so existing references stay valid.
func (h *Heap) growOld(need int) {
	size := h.grownSize(len(h.old.words), h.old.top, need)
	h.checkLimit(len(h.young.words), size)
	words := make([]uint64, size)
	copy(words, h.old.words[:h.old.top])
	h.old.words = words
	h.cards.resize(size)
	h.stats.Grows++
	heapLog.Infof("old generation grown to %d words", size)
}

// growYoung enlarges the creation space. It is only called right after a
// minor collection, when the creation space is empty.
func (h *Heap) growYoung(need int) {
	if h.young.top != 0 {
		faultf("creation space grown while in use")
	}
	size := h.grownSize(len(h.young.words), 0, need)
	h.checkLimit(size, len(h.old.words))
	h.young.words = make([]uint64, size)
	h.stats.Grows++
	heapLog.Infof("creation space grown to %d words", size)
}
