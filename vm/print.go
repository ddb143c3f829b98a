package vm

import (
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Printing
// ---------------------------------------------------------------------------

// formatLimit bounds the number of cells a single Format call renders.
const formatLimit = 4096

type printer struct {
	vm      *VM
	sb      strings.Builder
	display bool
	onPath  map[Ref]bool
	budget  int
}

// Format renders r in its source-like form. Cycles print as "..." and very
// large structures are truncated. It never allocates on the heap.
func (vm *VM) Format(r Ref) string {
	pr := &printer{vm: vm, onPath: make(map[Ref]bool), budget: formatLimit}
	pr.print(r)
	return pr.sb.String()
}

// Display is like Format but writes strings and characters without quotes.
func (vm *VM) Display(r Ref) string {
	pr := &printer{vm: vm, display: true, onPath: make(map[Ref]bool), budget: formatLimit}
	pr.print(r)
	return pr.sb.String()
}

func (pr *printer) print(r Ref) {
	h := pr.vm.Heap
	if r == NoRef {
		pr.sb.WriteString("#none")
		return
	}
	if pr.budget--; pr.budget < 0 {
		pr.sb.WriteString("...")
		return
	}
	r = h.Deref(r)
	if pr.onPath[r] {
		pr.sb.WriteString("...")
		return
	}

	switch tag := h.Tag(r); tag {
	case TagVar:
		pr.sb.WriteString("_G")
		pr.sb.WriteString(strconv.FormatUint(uint64(r.index()), 10))
	case TagInt:
		pr.sb.WriteString(strconv.FormatInt(h.IntValue(r), 10))
	case TagFloat:
		pr.sb.WriteString(strconv.FormatFloat(h.FloatValue(r), 'g', -1, 64))
	case TagChar:
		if pr.display {
			pr.sb.WriteRune(h.CharValue(r))
		} else {
			pr.sb.WriteString(strconv.QuoteRune(h.CharValue(r)))
		}
	case TagString:
		if pr.display {
			pr.sb.WriteString(h.StringValue(r))
		} else {
			pr.sb.WriteString(strconv.Quote(h.StringValue(r)))
		}
	case TagSymbol:
		pr.sb.WriteString(pr.vm.Symbols.Name(h.SymbolID(r)))
	case TagPair:
		pr.onPath[r] = true
		pr.list(r)
		delete(pr.onPath, r)
	case TagCons:
		pr.onPath[r] = true
		pr.print(h.Functor(r))
		pr.sb.WriteByte('(')
		for i := 0; i < h.Arity(r); i++ {
			if i > 0 {
				pr.sb.WriteString(", ")
			}
			pr.print(h.Field(r, i))
		}
		pr.sb.WriteByte(')')
		delete(pr.onPath, r)
	case TagTuple:
		pr.onPath[r] = true
		pr.sb.WriteByte('{')
		for i := 0; i < h.Arity(r); i++ {
			if i > 0 {
				pr.sb.WriteString(", ")
			}
			pr.print(h.Field(r, i))
		}
		pr.sb.WriteByte('}')
		delete(pr.onPath, r)
	case TagAny:
		pr.onPath[r] = true
		pr.sb.WriteByte('<')
		pr.print(h.AnyType(r))
		pr.sb.WriteByte(':')
		pr.print(h.AnyValue(r))
		pr.sb.WriteByte('>')
		delete(pr.onPath, r)
	case TagCode:
		meta := h.CodeMeta(r)
		pr.sb.WriteString("#")
		pr.sb.WriteString(meta.Kind.String())
		pr.sb.WriteByte('/')
		pr.sb.WriteString(strconv.Itoa(meta.Arity))
	case TagProcess:
		pr.sb.WriteString("<process ")
		pr.sb.WriteString(strconv.FormatUint(h.ProcessID(r), 10))
		if !h.HandleBound(r) {
			pr.sb.WriteString(" dead")
		}
		pr.sb.WriteByte('>')
	case TagForeign:
		switch v := h.ForeignValue(r).(type) {
		case *Lock:
			pr.sb.WriteString("<lock ")
			pr.sb.WriteString(strconv.FormatUint(v.id, 10))
			pr.sb.WriteByte('>')
		default:
			pr.sb.WriteString("<foreign>")
		}
	default:
		pr.sb.WriteString("#")
		pr.sb.WriteString(tag.String())
	}
}

// list prints a chain of pairs, marking every pair on the path so a
// cyclic tail terminates.
func (pr *printer) list(r Ref) {
	h := pr.vm.Heap
	nilAtom := pr.vm.Nil()
	var marked []Ref
	pr.sb.WriteByte('[')
	first := true
	for {
		if !first {
			pr.sb.WriteString(", ")
		}
		first = false
		pr.print(h.PairHead(r))
		tail := h.Deref(h.PairTail(r))
		if tail == nilAtom {
			break
		}
		if tail == NoRef || h.Tag(tail) != TagPair || pr.onPath[tail] || pr.budget <= 0 {
			pr.sb.WriteString(" | ")
			pr.print(tail)
			break
		}
		pr.onPath[tail] = true
		marked = append(marked, tail)
		r = tail
	}
	pr.sb.WriteByte(']')
	for _, m := range marked {
		delete(pr.onPath, m)
	}
}
