package term

import (
	"math"
	"unicode/utf8"

	"github.com/chazu/ember/vm"
	"github.com/pkg/errors"
)

// ErrMalformed is returned for node tables that do not describe a term.
var ErrMalformed = errors.New("term: malformed")

// Decode rebuilds a term from its CBOR encoding and returns its root.
func Decode(m *vm.VM, data []byte) (vm.Ref, error) {
	t, err := Unmarshal(data)
	if err != nil {
		return vm.NoRef, errors.Wrap(ErrMalformed, err.Error())
	}
	return Materialize(m, t)
}

// Materialize allocates the cells of a node table. The space for every
// cell is reserved up front, so no collection runs while cells reference
// each other by raw Ref.
func Materialize(m *vm.VM, t *Term) (vm.Ref, error) {
	words, err := validate(t)
	if err != nil {
		return vm.NoRef, err
	}
	h := m.Heap
	h.Reserve(words)

	cells := make([]vm.Ref, len(t.Nodes))
	for i, n := range t.Nodes {
		cells[i] = allocate(m, n)
	}
	ref := func(i int) vm.Ref {
		if i == None {
			return vm.NoRef
		}
		return cells[i]
	}
	for i, n := range t.Nodes {
		r := cells[i]
		switch vm.Tag(n.Tag) {
		case vm.TagPair:
			h.SetPair(r, false, ref(n.Refs[0]))
			h.SetPair(r, true, ref(n.Refs[1]))
		case vm.TagCons:
			h.Set(r, 0, ref(n.Refs[0]))
			for k, c := range n.Refs[1:] {
				h.SetField(r, k, ref(c))
			}
		case vm.TagTuple:
			for k, c := range n.Refs {
				h.SetField(r, k, ref(c))
			}
		case vm.TagAny:
			h.Set(r, 0, ref(n.Refs[0]))
			h.Set(r, 1, ref(n.Refs[1]))
		case vm.TagCode:
			h.SetCodeSignature(r, ref(n.Refs[0]))
			for k, c := range n.Refs[1:] {
				h.SetCodeLiteral(r, k, ref(c))
			}
		}
	}
	return cells[t.Root], nil
}

// allocate creates the cell of n with its reference fields empty.
func allocate(m *vm.VM, n Node) vm.Ref {
	h := m.Heap
	switch vm.Tag(n.Tag) {
	case vm.TagVar:
		return h.NewVar()
	case vm.TagInt:
		return h.NewInt(n.Int)
	case vm.TagFloat:
		if len(n.Words) == 1 {
			return h.NewFloat(math.Float64frombits(n.Words[0]))
		}
		return h.NewFloat(n.Float)
	case vm.TagChar:
		return h.NewChar(rune(n.Int))
	case vm.TagSymbol:
		return m.Symbol(n.Text)
	case vm.TagString:
		return h.NewString(n.Text)
	case vm.TagPair:
		return h.NewPair(vm.NoRef, vm.NoRef)
	case vm.TagCons:
		return h.NewCons(vm.NoRef, make([]vm.Ref, len(n.Refs)-1)...)
	case vm.TagTuple:
		return h.NewTuple(make([]vm.Ref, len(n.Refs))...)
	case vm.TagAny:
		return h.NewAny(vm.NoRef, vm.NoRef)
	case vm.TagCode:
		meta := vm.CodeMeta{Arity: int(n.Words[0]), Kind: vm.CodeKind(n.Words[1]), Locals: int(n.Words[2])}
		return h.NewCode(n.Words[3:], int(n.Int), meta, vm.NoRef)
	}
	panic("term: allocate after validate: unexpected tag")
}

// validate checks every node and returns the number of heap words needed
// to materialize the table, symbol cells included.
func validate(t *Term) (int, error) {
	if t.Version != Version {
		return 0, errors.Wrapf(ErrMalformed, "version %d", t.Version)
	}
	if t.Root < 0 || t.Root >= len(t.Nodes) {
		return 0, errors.Wrapf(ErrMalformed, "root %d of %d nodes", t.Root, len(t.Nodes))
	}
	words := 0
	for i, n := range t.Nodes {
		payload, err := checkNode(n, len(t.Nodes))
		if err != nil {
			return 0, errors.Wrapf(err, "node %d", i)
		}
		words += vm.CellWords(payload)
	}
	return words, nil
}

// checkNode validates one node and returns its payload length.
func checkNode(n Node, count int) (int, error) {
	for _, c := range n.Refs {
		if c != None && (c < 0 || c >= count) {
			return 0, errors.Wrapf(ErrMalformed, "reference %d out of range", c)
		}
	}
	wantRefs := func(k int) error {
		if len(n.Refs) != k {
			return errors.Wrapf(ErrMalformed, "%v with %d references", vm.Tag(n.Tag), len(n.Refs))
		}
		return nil
	}

	switch tag := vm.Tag(n.Tag); tag {
	case vm.TagVar, vm.TagInt:
		return 1, wantRefs(0)
	case vm.TagFloat:
		if len(n.Words) > 1 {
			return 0, errors.Wrap(ErrMalformed, "float with extra words")
		}
		return 1, wantRefs(0)
	case vm.TagChar:
		if n.Int < 0 || n.Int > utf8.MaxRune {
			return 0, errors.Wrapf(ErrMalformed, "char %d", n.Int)
		}
		return 1, wantRefs(0)
	case vm.TagSymbol:
		// Interning may allocate the symbol cell.
		return 1, wantRefs(0)
	case vm.TagString:
		return vm.StringPayload(len(n.Text)), wantRefs(0)
	case vm.TagPair, vm.TagAny:
		return 2, wantRefs(2)
	case vm.TagCons:
		if len(n.Refs) < 1 {
			return 0, errors.Wrap(ErrMalformed, "constructor without functor")
		}
		return len(n.Refs), nil
	case vm.TagTuple:
		return len(n.Refs), nil
	case vm.TagCode:
		if len(n.Words) < 3 {
			return 0, errors.Wrap(ErrMalformed, "code without meta")
		}
		arity, kind, locals := n.Words[0], n.Words[1], n.Words[2]
		if arity > vm.MaxArity || locals > vm.MaxLocals || kind > uint64(vm.KindProcedure) {
			return 0, errors.Wrapf(ErrMalformed, "code meta %d/%d/%d", arity, kind, locals)
		}
		if n.Int < 0 || int(n.Int) > vm.MaxOperandA || len(n.Refs) != 1+int(n.Int) {
			return 0, errors.Wrapf(ErrMalformed, "code with %d literals and %d references", n.Int, len(n.Refs))
		}
		for pc, w := range n.Words[3:] {
			if op, _, _ := vm.Decode(w); !op.Valid() {
				return 0, errors.Wrapf(ErrMalformed, "code pc %d: opcode %#x", pc, byte(op))
			}
		}
		return vm.CodePayload(len(n.Words)-3, int(n.Int)), nil
	case vm.TagProcess, vm.TagForeign:
		return 0, errors.Wrapf(ErrNotTransferable, "%v node", tag)
	default:
		return 0, errors.Wrapf(ErrMalformed, "tag %d", n.Tag)
	}
}
