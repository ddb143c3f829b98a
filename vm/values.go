package vm

import (
	"strconv"
)

// ---------------------------------------------------------------------------
// Value comparison and coercion
// ---------------------------------------------------------------------------

// number returns r as a float when it is an integer or a float.
func (vm *VM) number(r Ref) (float64, bool) {
	h := vm.Heap
	r = h.Deref(r)
	if r == NoRef {
		return 0, false
	}
	switch h.Tag(r) {
	case TagInt:
		return float64(h.IntValue(r)), true
	case TagFloat:
		return h.FloatValue(r), true
	}
	return 0, false
}

// less orders numbers, characters and strings.
func (vm *VM) less(x, y Ref) (bool, bool) {
	h := vm.Heap
	x, y = h.Deref(x), h.Deref(y)
	if x == NoRef || y == NoRef {
		return false, false
	}
	tx, ty := h.Tag(x), h.Tag(y)
	switch {
	case tx == TagInt && ty == TagInt:
		return h.IntValue(x) < h.IntValue(y), true
	case tx == TagChar && ty == TagChar:
		return h.CharValue(x) < h.CharValue(y), true
	case tx == TagString && ty == TagString:
		return h.StringValue(x) < h.StringValue(y), true
	}
	fx, ok1 := vm.number(x)
	fy, ok2 := vm.number(y)
	if !ok1 || !ok2 {
		return false, false
	}
	return fx < fy, true
}

// Equal reports structural equality. Shared and cyclic structures are
// compared without looping: a pair of cells already under comparison is
// assumed equal.
func (vm *VM) Equal(x, y Ref) bool {
	type pair struct{ x, y Ref }
	h := vm.Heap
	assumed := make(map[pair]bool)
	work := []pair{{x, y}}
	for len(work) > 0 {
		c := work[len(work)-1]
		work = work[:len(work)-1]
		a, b := h.Deref(c.x), h.Deref(c.y)
		if a == b {
			continue
		}
		if a == NoRef || b == NoRef {
			return false
		}
		if assumed[pair{a, b}] {
			continue
		}
		assumed[pair{a, b}] = true

		ta, tb := h.Tag(a), h.Tag(b)
		if ta != tb {
			if fa, ok := vm.number(a); ok {
				if fb, ok := vm.number(b); ok && fa == fb {
					continue
				}
			}
			return false
		}
		switch ta {
		case TagInt:
			if h.IntValue(a) != h.IntValue(b) {
				return false
			}
		case TagFloat:
			if h.FloatValue(a) != h.FloatValue(b) {
				return false
			}
		case TagChar:
			if h.CharValue(a) != h.CharValue(b) {
				return false
			}
		case TagSymbol:
			if h.SymbolID(a) != h.SymbolID(b) {
				return false
			}
		case TagString:
			if h.StringValue(a) != h.StringValue(b) {
				return false
			}
		case TagPair:
			work = append(work, pair{h.PairHead(a), h.PairHead(b)}, pair{h.PairTail(a), h.PairTail(b)})
		case TagAny:
			work = append(work, pair{h.AnyType(a), h.AnyType(b)}, pair{h.AnyValue(a), h.AnyValue(b)})
		case TagCons:
			if h.Arity(a) != h.Arity(b) {
				return false
			}
			work = append(work, pair{h.Functor(a), h.Functor(b)})
			fallthrough
		case TagTuple:
			if h.Arity(a) != h.Arity(b) {
				return false
			}
			for i := 0; i < h.Arity(a); i++ {
				work = append(work, pair{h.Field(a, i), h.Field(b, i)})
			}
		case TagProcess:
			if h.ProcessID(a) != h.ProcessID(b) {
				return false
			}
		default:
			// Unbound variables, code and foreign cells are only equal to
			// themselves.
			return false
		}
	}
	return true
}

// CoerceFunc converts v to the type named to. It is the pluggable handler
// behind the coerce escape and returns false when no conversion exists.
type CoerceFunc func(vm *VM, v Ref, to string) (Ref, bool)

// DefaultCoerce converts between integers, floats, characters, strings and
// symbols.
func DefaultCoerce(vm *VM, v Ref, to string) (Ref, bool) {
	h := vm.Heap
	v = h.Deref(v)
	if v == NoRef {
		return NoRef, false
	}
	from := h.Tag(v)
	if from.String() == to {
		return v, true
	}
	switch to {
	case "integer":
		switch from {
		case TagFloat:
			return h.NewInt(int64(h.FloatValue(v))), true
		case TagChar:
			return h.NewInt(int64(h.CharValue(v))), true
		case TagString:
			n, err := strconv.ParseInt(h.StringValue(v), 10, 64)
			if err != nil {
				return NoRef, false
			}
			return h.NewInt(n), true
		}
	case "float":
		switch from {
		case TagInt:
			return h.NewFloat(float64(h.IntValue(v))), true
		case TagString:
			f, err := strconv.ParseFloat(h.StringValue(v), 64)
			if err != nil {
				return NoRef, false
			}
			return h.NewFloat(f), true
		}
	case "char":
		if from == TagInt {
			return h.NewChar(rune(h.IntValue(v))), true
		}
	case "string":
		switch from {
		case TagSymbol:
			return h.NewString(vm.SymbolName(v)), true
		case TagInt, TagFloat, TagChar:
			return h.NewString(vm.Display(v)), true
		}
	case "symbol":
		if from == TagString {
			return vm.Symbol(h.StringValue(v)), true
		}
	}
	return NoRef, false
}
