package vm

import (
	"math"
	"unicode/utf8"

	"github.com/tliron/commonlog"
)

var heapLog = commonlog.GetLogger("ember.heap")

// ---------------------------------------------------------------------------
// Heap: two word arenas, bump allocation, explicit roots
// ---------------------------------------------------------------------------

// arena is a flat region of words filled from the bottom.
type arena struct {
	words []uint64
	top   int
}

func (a *arena) free() int { return len(a.words) - a.top }

// RootScanner is implemented by components that hold references outside
// the heap. ScanRoots must call visit once per reference slot; visit may
// rewrite the slot.
type RootScanner interface {
	ScanRoots(visit func(*Ref))
}

// Heap owns the old generation and the creation space. Cells are allocated
// in the creation space and promoted to the old generation by a minor
// collection; the old generation is compacted by a major collection.
type Heap struct {
	old   arena
	young arena
	cards cardTable

	roots    []*Ref
	scanners []RootScanner
	foreign  foreignTable

	cfg        Config
	stats      GCStats
	collecting bool
}

// NewHeap creates a heap sized by cfg.
func NewHeap(cfg Config) *Heap {
	cfg = cfg.normalize()
	h := &Heap{cfg: cfg}
	h.old.words = make([]uint64, cfg.OldWords)
	h.old.top = 2 // word 0 is never a cell header so Ref(0) stays absent
	h.young.words = make([]uint64, cfg.YoungWords)
	h.cards.init(cfg.CardWords, cfg.OldWords)
	return h
}

// locate returns the arena holding r and the index of its header.
func (h *Heap) locate(r Ref) ([]uint64, int) {
	if r == NoRef {
		faultf("dereference of absent reference")
	}
	idx := r.index()
	if r.IsYoung() {
		if idx >= h.young.top {
			faultf("reference %v beyond creation space top %d", r, h.young.top)
		}
		return h.young.words, idx
	}
	if idx >= h.old.top {
		faultf("reference %v beyond old generation top %d", r, h.old.top)
	}
	return h.old.words, idx
}

// AddScanner registers a root scanner. Scanners are visited on every
// collection in registration order.
func (h *Heap) AddScanner(s RootScanner) {
	h.scanners = append(h.scanners, s)
}

// PushRoot registers the variable at p as a root. Roots are strictly
// nested: every PushRoot is paired with a PopRoot of the same address.
func (h *Heap) PushRoot(p *Ref) {
	h.roots = append(h.roots, p)
}

// PopRoot unregisters the most recently pushed root, which must be p.
func (h *Heap) PopRoot(p *Ref) {
	n := len(h.roots)
	if n == 0 || h.roots[n-1] != p {
		faultf("root stack discipline violated")
	}
	h.roots[n-1] = nil
	h.roots = h.roots[:n-1]
}

// RootDepth returns the number of registered explicit roots.
func (h *Heap) RootDepth() int { return len(h.roots) }

func (h *Heap) visitRoots(visit func(*Ref)) {
	for _, p := range h.roots {
		visit(p)
	}
	for _, s := range h.scanners {
		s.ScanRoots(visit)
	}
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Reserve guarantees that n words can be allocated without a collection.
// It collects, and grows the heap if collection is not enough. Running out
// of memory beyond MaxWords is fatal.
func (h *Heap) Reserve(n int) {
	if h.young.free() >= n {
		return
	}
	if h.collecting {
		faultf("allocation during collection")
	}
	h.collect(n, false)
}

// Alloc returns a zeroed cell with the given payload length and tag in the
// creation space. It never searches for holes.
func (h *Heap) Alloc(length int, tag Tag) Ref {
	if length < 0 {
		faultf("negative cell length %d", length)
	}
	if fixed := fixedLength(tag); fixed >= 0 && length != fixed {
		faultf("%v cell with length %d", tag, length)
	}
	size := cellWords(length)
	h.Reserve(size)
	idx := h.young.top
	h.young.top += size
	w := h.young.words[idx : idx+size]
	clear(w)
	w[0] = makeHeader(tag, length)
	h.stats.AllocatedWords += uint64(size)
	return youngRef(idx)
}

// setRaw writes a non-reference payload word of a freshly allocated cell.
func (h *Heap) setRaw(r Ref, i int, w uint64) {
	words, idx := h.locate(r)
	words[idx+1+i] = w
}

// NewInt allocates an integer cell.
func (h *Heap) NewInt(v int64) Ref {
	r := h.Alloc(1, TagInt)
	h.setRaw(r, 0, uint64(v))
	return r
}

// NewFloat allocates a float cell.
func (h *Heap) NewFloat(v float64) Ref {
	r := h.Alloc(1, TagFloat)
	h.setRaw(r, 0, math.Float64bits(v))
	return r
}

// NewChar allocates a character cell.
func (h *Heap) NewChar(c rune) Ref {
	if !utf8.ValidRune(c) {
		c = utf8.RuneError
	}
	r := h.Alloc(1, TagChar)
	h.setRaw(r, 0, uint64(c))
	return r
}

// newSymbolCell allocates a symbol cell; interning goes through the
// SymbolTable so equal names share one cell.
func (h *Heap) newSymbolCell(id uint32) Ref {
	r := h.Alloc(1, TagSymbol)
	h.setRaw(r, 0, uint64(id))
	return r
}

// NewString allocates a string cell holding s.
func (h *Heap) NewString(s string) Ref {
	n := len(s)
	r := h.Alloc(StringPayload(n), TagString)
	words, idx := h.locate(r)
	p := words[idx+1:]
	p[0] = uint64(n)
	for i := 0; i < n; i++ {
		p[1+i/8] |= uint64(s[i]) << (8 * (i % 8))
	}
	return r
}

// NewVar allocates an unbound variable.
func (h *Heap) NewVar() Ref {
	r := h.Alloc(1, TagVar)
	h.setRaw(r, 0, uint64(r))
	return r
}

// NewPair allocates a list pair. head and tail are read after allocation,
// so they must be rooted by the caller if they may be young.
func (h *Heap) NewPair(head, tail Ref) Ref {
	h.PushRoot(&head)
	h.PushRoot(&tail)
	r := h.Alloc(2, TagPair)
	h.PopRoot(&tail)
	h.PopRoot(&head)
	h.Set(r, 0, head)
	h.Set(r, 1, tail)
	return r
}

// NewTuple allocates a tuple with the given fields.
func (h *Heap) NewTuple(fields ...Ref) Ref {
	for i := range fields {
		h.PushRoot(&fields[i])
	}
	r := h.Alloc(len(fields), TagTuple)
	for i := len(fields) - 1; i >= 0; i-- {
		h.PopRoot(&fields[i])
	}
	for i, f := range fields {
		h.Set(r, i, f)
	}
	return r
}

// NewCons allocates a constructor with the given functor and fields.
func (h *Heap) NewCons(functor Ref, fields ...Ref) Ref {
	h.PushRoot(&functor)
	for i := range fields {
		h.PushRoot(&fields[i])
	}
	r := h.Alloc(1+len(fields), TagCons)
	for i := len(fields) - 1; i >= 0; i-- {
		h.PopRoot(&fields[i])
	}
	h.PopRoot(&functor)
	h.Set(r, 0, functor)
	for i, f := range fields {
		h.Set(r, 1+i, f)
	}
	return r
}

// NewAny allocates a tagged union of a type and a value.
func (h *Heap) NewAny(typ, value Ref) Ref {
	h.PushRoot(&typ)
	h.PushRoot(&value)
	r := h.Alloc(2, TagAny)
	h.PopRoot(&value)
	h.PopRoot(&typ)
	h.Set(r, 0, typ)
	h.Set(r, 1, value)
	return r
}

// newHandle allocates a process handle cell.
func (h *Heap) newHandle(pid uint64) Ref {
	r := h.Alloc(2, TagProcess)
	h.setRaw(r, 0, pid)
	h.setRaw(r, 1, 1)
	return r
}

// unbindHandle marks a handle as naming a terminated process.
func (h *Heap) unbindHandle(r Ref) {
	h.payload(r, TagProcess)[1] = 0
}

// NewForeign wraps an opaque Go value in a cell. The value is released once
// a major collection finds no live cell referring to it.
func (h *Heap) NewForeign(v any) Ref {
	// The cell comes first: a major collection inside Alloc would release
	// a registry slot that no cell refers to yet.
	r := h.Alloc(1, TagForeign)
	id := h.foreign.put(v)
	h.setRaw(r, 0, uint64(id))
	return r
}

// ---------------------------------------------------------------------------
// Foreign registry
// ---------------------------------------------------------------------------

type foreignTable struct {
	values []any
	free   []int
}

func (t *foreignTable) put(v any) int {
	if n := len(t.free); n > 0 {
		id := t.free[n-1]
		t.free = t.free[:n-1]
		t.values[id] = v
		return id
	}
	t.values = append(t.values, v)
	return len(t.values) - 1
}

func (t *foreignTable) get(id int) any {
	if id < 0 || id >= len(t.values) {
		faultf("foreign index %d out of range", id)
	}
	return t.values[id]
}

// sweep releases every entry not marked live.
func (t *foreignTable) sweep(live []bool) int {
	n := 0
	for id, v := range t.values {
		if v != nil && (id >= len(live) || !live[id]) {
			t.values[id] = nil
			t.free = append(t.free, id)
			n++
		}
	}
	return n
}

// Live returns the number of foreign values currently held.
func (t *foreignTable) live() int {
	return len(t.values) - len(t.free)
}

// ---------------------------------------------------------------------------
// Usage
// ---------------------------------------------------------------------------

// Usage describes current heap occupancy in words.
type Usage struct {
	YoungUsed, YoungCap int
	OldUsed, OldCap     int
	Roots               int
	Foreign             int
}

// Usage returns current occupancy.
func (h *Heap) Usage() Usage {
	return Usage{
		YoungUsed: h.young.top,
		YoungCap:  len(h.young.words),
		OldUsed:   h.old.top,
		OldCap:    len(h.old.words),
		Roots:     len(h.roots),
		Foreign:   h.foreign.live(),
	}
}
