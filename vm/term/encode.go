package term

import (
	"math"

	"github.com/chazu/ember/vm"
	"github.com/pkg/errors"
)

// ErrNotTransferable is returned for cells that only mean something inside
// one runtime: process handles and foreign values.
var ErrNotTransferable = errors.New("term: value is not transferable")

type encoder struct {
	m     *vm.VM
	h     *vm.Heap
	seen  map[vm.Ref]int
	nodes []Node
	cells []vm.Ref
}

// Flatten builds the node table of the term rooted at r. It does not
// allocate on the heap.
func Flatten(m *vm.VM, r vm.Ref) (*Term, error) {
	e := &encoder{m: m, h: m.Heap, seen: make(map[vm.Ref]int)}
	root, err := e.node(r)
	if err != nil {
		return nil, err
	}
	// Cells are filled in discovery order; filling one may discover more.
	for i := 0; i < len(e.cells); i++ {
		if err := e.fill(i); err != nil {
			return nil, err
		}
	}
	return &Term{Version: Version, Root: root, Nodes: e.nodes}, nil
}

// Encode flattens the term rooted at r and encodes it as CBOR.
func Encode(m *vm.VM, r vm.Ref) ([]byte, error) {
	t, err := Flatten(m, r)
	if err != nil {
		return nil, err
	}
	data, err := Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "term: marshal")
	}
	return data, nil
}

// node returns the index of the node for r, creating it on first sight.
func (e *encoder) node(r vm.Ref) (int, error) {
	r = e.h.Deref(r)
	if r == vm.NoRef {
		return None, nil
	}
	if i, ok := e.seen[r]; ok {
		return i, nil
	}
	tag := e.h.Tag(r)
	switch tag {
	case vm.TagProcess, vm.TagForeign:
		return 0, errors.Wrapf(ErrNotTransferable, "%v cell %v", tag, r)
	case vm.TagForward:
		return 0, errors.Errorf("term: forwarding cell %v outside a collection", r)
	}
	i := len(e.nodes)
	e.seen[r] = i
	e.nodes = append(e.nodes, Node{Tag: uint8(tag)})
	e.cells = append(e.cells, r)
	return i, nil
}

func (e *encoder) refs(rs ...vm.Ref) ([]int, error) {
	out := make([]int, len(rs))
	for k, r := range rs {
		i, err := e.node(r)
		if err != nil {
			return nil, err
		}
		out[k] = i
	}
	return out, nil
}

// fill records the contents of node i.
func (e *encoder) fill(i int) error {
	h := e.h
	r := e.cells[i]
	n := Node{Tag: e.nodes[i].Tag}
	var children []vm.Ref

	switch vm.Tag(n.Tag) {
	case vm.TagVar:
	case vm.TagInt:
		n.Int = h.IntValue(r)
	case vm.TagFloat:
		n.Float = h.FloatValue(r)
		if n.Float == 0 && math.Signbit(n.Float) {
			// omitempty would drop negative zero.
			n.Words = []uint64{math.Float64bits(n.Float)}
		}
	case vm.TagChar:
		n.Int = int64(h.CharValue(r))
	case vm.TagSymbol:
		n.Text = e.m.SymbolName(r)
	case vm.TagString:
		n.Text = h.StringValue(r)
	case vm.TagPair:
		children = []vm.Ref{h.PairHead(r), h.PairTail(r)}
	case vm.TagCons:
		children = append(children, h.Functor(r))
		for k, na := 0, h.Arity(r); k < na; k++ {
			children = append(children, h.Field(r, k))
		}
	case vm.TagTuple:
		for k, na := 0, h.Arity(r); k < na; k++ {
			children = append(children, h.Field(r, k))
		}
	case vm.TagAny:
		children = []vm.Ref{h.AnyType(r), h.AnyValue(r)}
	case vm.TagCode:
		meta := h.CodeMeta(r)
		n.Words = append([]uint64{uint64(meta.Arity), uint64(meta.Kind), uint64(meta.Locals)}, h.CodeInstrs(r)...)
		nl := h.CodeLitCount(r)
		n.Int = int64(nl)
		children = append(children, h.CodeSignature(r))
		for k := 0; k < nl; k++ {
			children = append(children, h.CodeLiteral(r, k))
		}
	default:
		return errors.Errorf("term: cannot encode %v cell", vm.Tag(n.Tag))
	}

	if len(children) > 0 {
		refs, err := e.refs(children...)
		if err != nil {
			return err
		}
		n.Refs = refs
	}
	e.nodes[i] = n
	return nil
}
