package vm

// ---------------------------------------------------------------------------
// Code cells: compiled blocks
// ---------------------------------------------------------------------------
//
// Payload layout:
//
//	[instrCount, litCount, meta, signature, instr..., literal...]
//
// meta packs the arity (8 bits), the kind (8 bits) and the number of local
// slots including arguments (16 bits). The signature and the literals are
// references; everything else is raw.

// CodeKind distinguishes functions, which return a value, from procedures.
type CodeKind uint8

const (
	KindFunction CodeKind = iota
	KindProcedure
)

func (k CodeKind) String() string {
	if k == KindProcedure {
		return "procedure"
	}
	return "function"
}

// CodeMeta is the decoded meta word of a code cell.
type CodeMeta struct {
	Arity  int
	Kind   CodeKind
	Locals int
}

func (m CodeMeta) word() uint64 {
	return uint64(m.Arity&0xff) | uint64(m.Kind)<<8 | uint64(m.Locals&0xffff)<<16
}

func decodeMeta(w uint64) CodeMeta {
	return CodeMeta{
		Arity:  int(w & 0xff),
		Kind:   CodeKind(w >> 8 & 0xff),
		Locals: int(w >> 16 & 0xffff),
	}
}

// MaxArity and MaxLocals bound what a meta word can describe.
const (
	MaxArity  = 0xff
	MaxLocals = 0xffff
)

// NewCode allocates a code cell. Literals are left absent; fill them with
// SetCodeLiteral. Locals is raised to at least the arity.
func (h *Heap) NewCode(instrs []uint64, nlits int, meta CodeMeta, signature Ref) Ref {
	if meta.Arity > MaxArity || meta.Locals > MaxLocals {
		faultf("code meta out of range: %+v", meta)
	}
	meta.Locals = max(meta.Locals, meta.Arity)
	h.PushRoot(&signature)
	r := h.Alloc(CodePayload(len(instrs), nlits), TagCode)
	h.PopRoot(&signature)
	words, idx := h.locate(r)
	p := words[idx+1:]
	p[codeInstrCount] = uint64(len(instrs))
	p[codeLitCount] = uint64(nlits)
	p[codeMeta] = meta.word()
	copy(p[codeFixed:], instrs)
	h.Set(r, codeSignature, signature)
	return r
}

// CodeMeta returns the arity, kind and local count of a code cell.
func (h *Heap) CodeMeta(r Ref) CodeMeta {
	return decodeMeta(h.payload(r, TagCode)[codeMeta])
}

// CodeSignature returns the type signature reference of a code cell.
func (h *Heap) CodeSignature(r Ref) Ref {
	return Ref(h.payload(r, TagCode)[codeSignature])
}

// SetCodeSignature replaces the signature of a code cell.
func (h *Heap) SetCodeSignature(r, sig Ref) {
	h.Set(r, codeSignature, sig)
}

// CodeLen returns the instruction count of a code cell.
func (h *Heap) CodeLen(r Ref) int {
	return int(h.payload(r, TagCode)[codeInstrCount])
}

// CodeInstr returns instruction i of a code cell.
func (h *Heap) CodeInstr(r Ref, i int) uint64 {
	p := h.payload(r, TagCode)
	if i < 0 || i >= int(p[codeInstrCount]) {
		faultf("code %v: pc %d out of range", r, i)
	}
	return p[codeFixed+i]
}

// CodeInstrs returns a copy of the instructions of a code cell.
func (h *Heap) CodeInstrs(r Ref) []uint64 {
	p := h.payload(r, TagCode)
	n := int(p[codeInstrCount])
	return append([]uint64(nil), p[codeFixed:codeFixed+n]...)
}

// CodeLitCount returns the literal count of a code cell.
func (h *Heap) CodeLitCount(r Ref) int {
	return int(h.payload(r, TagCode)[codeLitCount])
}

func (h *Heap) litSlot(r Ref, i int) int {
	p := h.payload(r, TagCode)
	if i < 0 || i >= int(p[codeLitCount]) {
		faultf("code %v: literal %d out of range", r, i)
	}
	return codeFixed + int(p[codeInstrCount]) + i
}

// CodeLiteral returns literal i of a code cell.
func (h *Heap) CodeLiteral(r Ref, i int) Ref {
	slot := h.litSlot(r, i)
	return Ref(h.payload(r, TagCode)[slot])
}

// SetCodeLiteral stores literal i of a code cell through the write barrier.
func (h *Heap) SetCodeLiteral(r Ref, i int, v Ref) {
	h.Set(r, h.litSlot(r, i), v)
}
