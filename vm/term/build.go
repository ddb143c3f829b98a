package term

import (
	"fmt"
	"math"

	"github.com/chazu/ember/vm"
	"github.com/pkg/errors"
)

// Go values accepted by Build and produced by ToGo:
//
//	nil              the empty list []
//	bool             true or false
//	int, int64       integer
//	float64          float
//	string           string
//	Symbol           symbol
//	Char             character
//	[]any            proper list
//	Tuple            tuple
//	Cons             constructor with a symbol functor
type (
	Symbol string
	Char   rune
	Tuple  []any
	Cons   struct {
		Functor string
		Args    []any
	}
)

// Build encodes a Go value as a term without a runtime, for clients that
// only send payloads.
func Build(x any) ([]byte, error) {
	b := &builder{symbols: make(map[string]int)}
	root, err := b.node(x, 0)
	if err != nil {
		return nil, err
	}
	data, err := Marshal(&Term{Version: Version, Root: root, Nodes: b.nodes})
	if err != nil {
		return nil, errors.Wrap(err, "term: marshal")
	}
	return data, nil
}

// maxDepth bounds the nesting of Go values handed to Build.
const maxDepth = 10000

type builder struct {
	nodes   []Node
	symbols map[string]int
}

func (b *builder) add(n Node) int {
	b.nodes = append(b.nodes, n)
	return len(b.nodes) - 1
}

func (b *builder) symbol(name string) int {
	if i, ok := b.symbols[name]; ok {
		return i
	}
	i := b.add(Node{Tag: uint8(vm.TagSymbol), Text: name})
	b.symbols[name] = i
	return i
}

func (b *builder) all(xs []any, depth int) ([]int, error) {
	out := make([]int, len(xs))
	for k, x := range xs {
		i, err := b.node(x, depth+1)
		if err != nil {
			return nil, err
		}
		out[k] = i
	}
	return out, nil
}

func (b *builder) node(x any, depth int) (int, error) {
	if depth > maxDepth {
		return 0, errors.New("term: value nested too deeply")
	}
	switch v := x.(type) {
	case nil:
		return b.symbol("[]"), nil
	case bool:
		if v {
			return b.symbol("true"), nil
		}
		return b.symbol("false"), nil
	case int:
		return b.add(Node{Tag: uint8(vm.TagInt), Int: int64(v)}), nil
	case int64:
		return b.add(Node{Tag: uint8(vm.TagInt), Int: v}), nil
	case float64:
		n := Node{Tag: uint8(vm.TagFloat), Float: v}
		if v == 0 && math.Signbit(v) {
			n.Words = []uint64{math.Float64bits(v)}
		}
		return b.add(n), nil
	case string:
		return b.add(Node{Tag: uint8(vm.TagString), Text: v}), nil
	case Symbol:
		return b.symbol(string(v)), nil
	case Char:
		return b.add(Node{Tag: uint8(vm.TagChar), Int: int64(v)}), nil
	case []any:
		elems, err := b.all(v, depth)
		if err != nil {
			return 0, err
		}
		list := b.symbol("[]")
		for k := len(elems) - 1; k >= 0; k-- {
			list = b.add(Node{Tag: uint8(vm.TagPair), Refs: []int{elems[k], list}})
		}
		return list, nil
	case Tuple:
		fields, err := b.all(v, depth)
		if err != nil {
			return 0, err
		}
		return b.add(Node{Tag: uint8(vm.TagTuple), Refs: fields}), nil
	case Cons:
		fields, err := b.all(v.Args, depth)
		if err != nil {
			return 0, err
		}
		f := b.symbol(v.Functor)
		return b.add(Node{Tag: uint8(vm.TagCons), Refs: append([]int{f}, fields...)}), nil
	}
	return 0, errors.Errorf("term: cannot build %T", x)
}

// ToGo converts a term to Go values. A list with a non-empty tail becomes
// Cons{"|", [items, tail]}; code, variables and tagged unions are
// rendered as their printed form. Cyclic terms are rejected.
func ToGo(m *vm.VM, r vm.Ref) (any, error) {
	return toGo(m, r, make(map[vm.Ref]bool))
}

func toGo(m *vm.VM, r vm.Ref, path map[vm.Ref]bool) (any, error) {
	h := m.Heap
	r = h.Deref(r)
	if r == vm.NoRef {
		return nil, nil
	}
	if path[r] {
		return nil, errors.New("term: cyclic value")
	}
	path[r] = true
	defer delete(path, r)

	switch h.Tag(r) {
	case vm.TagInt:
		return h.IntValue(r), nil
	case vm.TagFloat:
		return h.FloatValue(r), nil
	case vm.TagChar:
		return Char(h.CharValue(r)), nil
	case vm.TagString:
		return h.StringValue(r), nil
	case vm.TagSymbol:
		switch name := m.SymbolName(r); name {
		case "[]":
			return nil, nil
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			return Symbol(name), nil
		}
	case vm.TagPair:
		var items []any
		spine := map[vm.Ref]bool{r: true}
		for h.Tag(r) == vm.TagPair {
			x, err := toGo(m, h.PairHead(r), path)
			if err != nil {
				return nil, err
			}
			items = append(items, x)
			next := h.Deref(h.PairTail(r))
			if next == vm.NoRef {
				return nil, errors.New("term: list with absent tail")
			}
			if spine[next] || path[next] {
				return nil, errors.New("term: cyclic value")
			}
			spine[next] = true
			r = next
		}
		if h.Tag(r) != vm.TagSymbol || m.SymbolName(r) != "[]" {
			tail, err := toGo(m, r, path)
			if err != nil {
				return nil, err
			}
			return Cons{Functor: "|", Args: []any{items, tail}}, nil
		}
		return items, nil
	case vm.TagTuple:
		fields, err := fieldsToGo(m, r, path)
		return Tuple(fields), err
	case vm.TagCons:
		fields, err := fieldsToGo(m, r, path)
		if err != nil {
			return nil, err
		}
		f := h.Deref(h.Functor(r))
		if f == vm.NoRef || h.Tag(f) != vm.TagSymbol {
			return nil, fmt.Errorf("term: constructor with %s functor", m.Format(f))
		}
		return Cons{Functor: m.SymbolName(f), Args: fields}, nil
	}
	return m.Format(r), nil
}

func fieldsToGo(m *vm.VM, r vm.Ref, path map[vm.Ref]bool) ([]any, error) {
	h := m.Heap
	out := make([]any, h.Arity(r))
	for k := range out {
		x, err := toGo(m, h.Field(r, k), path)
		if err != nil {
			return nil, err
		}
		out[k] = x
	}
	return out, nil
}
