package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Cells: tagged, variable-length heap records
// ---------------------------------------------------------------------------

// Tag identifies the kind of a heap cell. The tag alone determines the size
// and field layout of a cell.
type Tag uint8

const (
	TagVar     Tag = iota // unbound variable; one ref field, self-referencing while unbound
	TagInt                // one raw word, int64
	TagFloat              // one raw word, float64 bits
	TagChar               // one raw word, rune
	TagSymbol             // one raw word, symbol id
	TagString             // byte length + packed bytes
	TagPair               // head, tail
	TagCons               // functor, fields...
	TagTuple              // fields...
	TagAny                // type, value
	TagCode               // compiled code block
	TagProcess            // two raw words, process id and bound flag
	TagForeign            // one raw word, foreign registry index
	TagForward            // collector only: one word, new location

	numTags
)

var tagNames = [numTags]string{
	TagVar:     "var",
	TagInt:     "integer",
	TagFloat:   "float",
	TagChar:    "char",
	TagSymbol:  "symbol",
	TagString:  "string",
	TagPair:    "pair",
	TagCons:    "constructor",
	TagTuple:   "tuple",
	TagAny:     "any",
	TagCode:    "code",
	TagProcess: "process",
	TagForeign: "foreign",
	TagForward: "forward",
}

func (t Tag) String() string {
	if t < numTags {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Ref is the handle of a cell: an index into one of the two heap arenas.
// A collection may renumber a cell, so a Ref held across an allocation is
// only valid if it is reachable from a root.
type Ref uint64

// NoRef is the absent reference. Ref fields are zeroed to NoRef on
// allocation.
const NoRef Ref = 0

const (
	youngBit  Ref = 1 << 62
	indexMask Ref = youngBit - 1
)

func oldRef(idx int) Ref   { return Ref(idx) }
func youngRef(idx int) Ref { return youngBit | Ref(idx) }

// IsYoung reports whether r points into the creation space.
func (r Ref) IsYoung() bool { return r&youngBit != 0 }

func (r Ref) index() int { return int(r & indexMask) }

func (r Ref) String() string {
	switch {
	case r == NoRef:
		return "#none"
	case r.IsYoung():
		return fmt.Sprintf("#y%d", r.index())
	default:
		return fmt.Sprintf("#o%d", r.index())
	}
}

// ---------------------------------------------------------------------------
// Header layout
// ---------------------------------------------------------------------------

const (
	tagBits    = 8
	tagMaskHdr = 1<<tagBits - 1
)

func makeHeader(tag Tag, length int) uint64 {
	return uint64(tag) | uint64(length)<<tagBits
}

func headerTag(h uint64) Tag    { return Tag(h & tagMaskHdr) }
func headerLength(h uint64) int { return int(h >> tagBits) }

// cellWords returns the total footprint of a cell with the given payload
// length. Every cell has at least one payload word so it can be overwritten
// by a forwarding cell.
func cellWords(length int) int {
	return 1 + max(length, 1)
}

// CellWords is the heap footprint, header included, of a cell whose
// payload is length words. Callers use it to size a Reserve.
func CellWords(length int) int { return cellWords(length) }

// StringPayload is the payload length of a string cell of n bytes.
func StringPayload(n int) int { return 1 + (n+7)/8 }

// CodePayload is the payload length of a code cell.
func CodePayload(instrs, lits int) int { return codeFixed + instrs + lits }

// Code cell payload layout.
const (
	codeInstrCount = 0
	codeLitCount   = 1
	codeMeta       = 2
	codeSignature  = 3
	codeFixed      = 4
)

// refSpans returns up to two half-open payload ranges holding references
// for a cell with the given tag and payload.
func refSpans(tag Tag, payload []uint64) (a0, a1, b0, b1 int) {
	switch tag {
	case TagVar:
		return 0, 1, 0, 0
	case TagPair, TagAny:
		return 0, 2, 0, 0
	case TagCons, TagTuple:
		return 0, len(payload), 0, 0
	case TagCode:
		ic := int(payload[codeInstrCount])
		return codeSignature, codeFixed, codeFixed + ic, len(payload)
	}
	return 0, 0, 0, 0
}

// fixedLength is the payload length of fixed-size tags, or -1.
func fixedLength(tag Tag) int {
	switch tag {
	case TagVar, TagInt, TagFloat, TagChar, TagSymbol, TagForeign, TagForward:
		return 1
	case TagPair, TagAny, TagProcess:
		return 2
	}
	return -1
}

// ---------------------------------------------------------------------------
// Typed accessors
// ---------------------------------------------------------------------------

// Tag returns the tag of the cell r points at.
func (h *Heap) Tag(r Ref) Tag {
	words, idx := h.locate(r)
	return headerTag(words[idx])
}

// Length returns the payload length recorded in the header of r. For
// tuples this is the field count; for constructors it includes the functor.
func (h *Heap) Length(r Ref) int {
	words, idx := h.locate(r)
	return headerLength(words[idx])
}

// payload returns the payload words of r after asserting its tag.
func (h *Heap) payload(r Ref, want Tag) []uint64 {
	words, idx := h.locate(r)
	hdr := words[idx]
	if got := headerTag(hdr); got != want {
		faultf("cell %v: want %v, got %v", r, want, got)
	}
	n := max(headerLength(hdr), 1)
	return words[idx+1 : idx+1+n]
}

// IntValue returns the integer held by an integer cell.
func (h *Heap) IntValue(r Ref) int64 {
	return int64(h.payload(r, TagInt)[0])
}

// FloatValue returns the float held by a float cell.
func (h *Heap) FloatValue(r Ref) float64 {
	return math.Float64frombits(h.payload(r, TagFloat)[0])
}

// CharValue returns the rune held by a character cell.
func (h *Heap) CharValue(r Ref) rune {
	return rune(h.payload(r, TagChar)[0])
}

// SymbolID returns the symbol table id of a symbol cell.
func (h *Heap) SymbolID(r Ref) uint32 {
	return uint32(h.payload(r, TagSymbol)[0])
}

// StringValue returns the bytes of a string cell as a Go string.
func (h *Heap) StringValue(r Ref) string {
	p := h.payload(r, TagString)
	n := int(p[0])
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = byte(p[1+i/8] >> (8 * (i % 8)))
	}
	return string(buf)
}

// PairHead returns the head of a list pair.
func (h *Heap) PairHead(r Ref) Ref { return Ref(h.payload(r, TagPair)[0]) }

// PairTail returns the tail of a list pair.
func (h *Heap) PairTail(r Ref) Ref { return Ref(h.payload(r, TagPair)[1]) }

// Functor returns the functor of a constructor cell.
func (h *Heap) Functor(r Ref) Ref { return Ref(h.payload(r, TagCons)[0]) }

// Arity returns the number of fields of a tuple or constructor, not
// counting a constructor's functor.
func (h *Heap) Arity(r Ref) int {
	switch t := h.Tag(r); t {
	case TagTuple:
		return h.Length(r)
	case TagCons:
		return h.Length(r) - 1
	default:
		faultf("cell %v: %v has no fields", r, t)
		return 0
	}
}

// Field returns field i of a tuple or constructor (functor excluded).
func (h *Heap) Field(r Ref, i int) Ref {
	slot := h.fieldSlot(r, i)
	words, idx := h.locate(r)
	return Ref(words[idx+1+slot])
}

// fieldSlot maps a logical field index of a tuple or constructor to its
// payload slot, asserting bounds.
func (h *Heap) fieldSlot(r Ref, i int) int {
	var slot int
	switch t := h.Tag(r); t {
	case TagTuple:
		slot = i
	case TagCons:
		slot = i + 1
	default:
		faultf("cell %v: %v has no fields", r, t)
	}
	if i < 0 || slot >= h.Length(r) {
		faultf("cell %v: field %d out of range", r, i)
	}
	return slot
}

// AnyType returns the type component of a tagged union cell.
func (h *Heap) AnyType(r Ref) Ref { return Ref(h.payload(r, TagAny)[0]) }

// AnyValue returns the value component of a tagged union cell.
func (h *Heap) AnyValue(r Ref) Ref { return Ref(h.payload(r, TagAny)[1]) }

// VarTarget returns what a variable cell references: itself while unbound.
func (h *Heap) VarTarget(r Ref) Ref { return Ref(h.payload(r, TagVar)[0]) }

// IsUnbound reports whether r is an unbound variable.
func (h *Heap) IsUnbound(r Ref) bool {
	return h.Tag(r) == TagVar && h.VarTarget(r) == r
}

// Deref follows a chain of bound variables to its end.
func (h *Heap) Deref(r Ref) Ref {
	for r != NoRef && h.Tag(r) == TagVar {
		next := h.VarTarget(r)
		if next == r {
			return r
		}
		r = next
	}
	return r
}

// ProcessID returns the process id named by a handle cell. The id outlives
// the process; HandleBound tells whether it still runs.
func (h *Heap) ProcessID(r Ref) uint64 {
	return h.payload(r, TagProcess)[0]
}

// HandleBound reports whether the process behind a handle is alive.
func (h *Heap) HandleBound(r Ref) bool {
	return h.payload(r, TagProcess)[1] != 0
}

// ForeignValue returns the Go value wrapped by a foreign cell.
func (h *Heap) ForeignValue(r Ref) any {
	id := int(h.payload(r, TagForeign)[0])
	return h.foreign.get(id)
}
