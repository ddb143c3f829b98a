package vm

import "math/bits"

// ---------------------------------------------------------------------------
// Card table: old-to-young write barrier
// ---------------------------------------------------------------------------

// cardTable keeps one dirty bit per card of the old generation and, per
// card, the start of the cell covering the card's first word so a dirty
// card can be scanned from a cell boundary.
type cardTable struct {
	shift    uint
	dirty    []uint64
	crossing []int32
}

func (c *cardTable) init(cardWords, oldWords int) {
	c.shift = uint(bits.Len(uint(cardWords - 1)))
	c.resize(oldWords)
	for i := range c.crossing {
		c.crossing[i] = -1
	}
}

func (c *cardTable) cards(oldWords int) int {
	return (oldWords + (1 << c.shift) - 1) >> c.shift
}

func (c *cardTable) resize(oldWords int) {
	n := c.cards(oldWords)
	if n <= len(c.crossing) {
		return
	}
	crossing := make([]int32, n)
	copy(crossing, c.crossing)
	for i := len(c.crossing); i < n; i++ {
		crossing[i] = -1
	}
	c.crossing = crossing
	dirty := make([]uint64, (n+63)/64)
	copy(dirty, c.dirty)
	c.dirty = dirty
}

func (c *cardTable) mark(wordIdx int) {
	card := wordIdx >> c.shift
	c.dirty[card/64] |= 1 << (card % 64)
}

func (c *cardTable) isDirty(card int) bool {
	return c.dirty[card/64]&(1<<(card%64)) != 0
}

// noteCell records a cell placed at [start, start+size) in the old
// generation. Cells are placed in address order.
func (c *cardTable) noteCell(start, size int) {
	first := (start + (1 << c.shift) - 1) >> c.shift
	for card := first; card<<c.shift < start+size; card++ {
		c.crossing[card] = int32(start)
	}
}

// forEachDirty calls fn for every dirty card in ascending order.
func (c *cardTable) forEachDirty(fn func(card int)) {
	for w, word := range c.dirty {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			fn(w*64 + b)
			word &^= 1 << b
		}
	}
}

func (c *cardTable) clearDirty() {
	clear(c.dirty)
}

func (c *cardTable) resetCrossing() {
	for i := range c.crossing {
		c.crossing[i] = -1
	}
}

// dirtyCount returns the number of dirty cards.
func (c *cardTable) dirtyCount() int {
	n := 0
	for _, w := range c.dirty {
		n += bits.OnesCount64(w)
	}
	return n
}

// ---------------------------------------------------------------------------
// Mutation
// ---------------------------------------------------------------------------

// Set stores v into reference slot i of cell r (payload index; for a
// constructor slot 0 is the functor). Every mutation of a reference field
// must go through Set so the card of an old cell receiving a young
// reference is marked.
func (h *Heap) Set(r Ref, i int, v Ref) {
	words, idx := h.locate(r)
	hdr := words[idx]
	payload := words[idx+1 : idx+1+max(headerLength(hdr), 1)]
	a0, a1, b0, b1 := refSpans(headerTag(hdr), payload)
	if !(i >= a0 && i < a1) && !(i >= b0 && i < b1) {
		faultf("cell %v: slot %d of %v is not a reference", r, i, headerTag(hdr))
	}
	slot := idx + 1 + i
	words[slot] = uint64(v)
	if !r.IsYoung() && v.IsYoung() {
		h.cards.mark(slot)
		h.stats.BarrierMarks++
	}
}

// SetField stores v into logical field i of a tuple or constructor.
func (h *Heap) SetField(r Ref, i int, v Ref) {
	h.Set(r, h.fieldSlot(r, i), v)
}

// SetPair replaces the head or tail of a pair.
func (h *Heap) SetPair(r Ref, tail bool, v Ref) {
	if h.Tag(r) != TagPair {
		faultf("cell %v: want pair, got %v", r, h.Tag(r))
	}
	if tail {
		h.Set(r, 1, v)
	} else {
		h.Set(r, 0, v)
	}
}

// Bind binds an unbound variable to v. It returns false if r is not an
// unbound variable.
func (h *Heap) Bind(r, v Ref) bool {
	if !h.IsUnbound(r) {
		return false
	}
	h.Set(r, 0, v)
	return true
}
