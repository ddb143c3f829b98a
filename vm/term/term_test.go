package term

import (
	"errors"
	"reflect"
	"testing"

	"github.com/chazu/ember/vm"
)

func newVM(t *testing.T) *vm.VM {
	t.Helper()
	cfg := vm.DefaultConfig()
	cfg.YoungWords = 1 << 10
	cfg.OldWords = 1 << 12
	m := vm.NewVM(cfg)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRoundTripScalars(t *testing.T) {
	m := newVM(t)
	h := m.Heap
	tests := []struct {
		name string
		make func() vm.Ref
	}{
		{"int", func() vm.Ref { return h.NewInt(-42) }},
		{"float", func() vm.Ref { return h.NewFloat(3.5) }},
		{"char", func() vm.Ref { return h.NewChar('λ') }},
		{"string", func() vm.Ref { return h.NewString("hello, world") }},
		{"symbol", func() vm.Ref { return m.Symbol("ping") }},
		{"nil", func() vm.Ref { return m.Nil() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.make()
			data, err := Encode(m, r)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(m, data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !m.Equal(got, r) {
				t.Errorf("decoded %s, want %s", m.Format(got), m.Format(r))
			}
		})
	}
}

func TestSymbolsStayInterned(t *testing.T) {
	m := newVM(t)
	sym := m.Symbol("lease")
	data, err := Encode(m, sym)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(m, data)
	if err != nil {
		t.Fatal(err)
	}
	if got != m.Symbol("lease") {
		t.Errorf("decoded symbol %v is not the interned cell %v", got, m.Symbol("lease"))
	}
}

func TestSharingAndCycles(t *testing.T) {
	m := newVM(t)
	h := m.Heap

	shared := h.NewString("shared")
	h.PushRoot(&shared)
	tup := h.NewTuple(shared, shared, m.Nil())
	h.PopRoot(&shared)
	h.PushRoot(&tup)
	// close the cycle: the tuple's last field points back at itself
	h.SetField(tup, 2, tup)
	h.PopRoot(&tup)

	data, err := Encode(m, tup)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	tm, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(tm.Nodes) != 2 {
		t.Errorf("node count = %d, want 2 (tuple and one shared string)", len(tm.Nodes))
	}

	got, err := Decode(m, data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if h.Field(got, 0) != h.Field(got, 1) {
		t.Error("shared field decoded as two cells")
	}
	if h.Field(got, 2) != got {
		t.Error("cycle not preserved")
	}
	if h.StringValue(h.Field(got, 0)) != "shared" {
		t.Errorf("field 0 = %s", m.Format(h.Field(got, 0)))
	}
}

func TestDecodedTermSurvivesCollection(t *testing.T) {
	m := newVM(t)
	h := m.Heap
	data, err := Build([]any{int64(1), "two", Symbol("three"), Tuple{4.5, Char('x')}})
	if err != nil {
		t.Fatal(err)
	}
	r, err := Decode(m, data)
	if err != nil {
		t.Fatal(err)
	}
	before := m.Format(r)
	h.PushRoot(&r)
	h.Collect(false)
	h.Collect(true)
	h.PopRoot(&r)
	if after := m.Format(r); after != before {
		t.Errorf("after collection %s, want %s", after, before)
	}
}

func TestBuildAndToGo(t *testing.T) {
	m := newVM(t)
	in := Cons{Functor: "order", Args: []any{
		int64(7),
		[]any{"a", "b"},
		Tuple{true, false, nil},
		Symbol("rush"),
		Char('z'),
		-1.25,
	}}
	data, err := Build(in)
	if err != nil {
		t.Fatal(err)
	}
	r, err := Decode(m, data)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ToGo(m, r)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("ToGo = %#v, want %#v", got, in)
	}
}

func TestCodeRoundTrip(t *testing.T) {
	m := newVM(t)
	inner := vm.Func(1).Load(0).PushInt(1).Op(vm.OpAdd).Op(vm.OpRetV)
	outer := vm.Func(0).PushLit(inner).PushInt(41).Call(1).PushLit("done").Op(vm.OpPOP).Op(vm.OpRetV)
	code, err := outer.Assemble(m)
	if err != nil {
		t.Fatal(err)
	}
	data, err := Encode(m, code)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(m, data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if a, b := m.Disassemble(got), m.Disassemble(code); a != b {
		t.Errorf("disassembly differs:\n%s\nwant\n%s", a, b)
	}
	lit := m.Heap.CodeLiteral(got, 0)
	if m.Heap.Tag(lit) != vm.TagCode || m.Heap.CodeMeta(lit).Arity != 1 {
		t.Errorf("nested literal = %s", m.Format(lit))
	}
}

func TestHandlesAreNotTransferable(t *testing.T) {
	m := newVM(t)
	code := vm.Func(0).PushInt(0).Op(vm.OpRetV).MustAssemble(m)
	p, err := m.Fork(code, nil, vm.ForkOptions{})
	if err != nil {
		t.Fatal(err)
	}
	pair := m.Heap.NewPair(p.Handle, m.Nil())
	if _, err := Encode(m, pair); !errors.Is(err, ErrNotTransferable) {
		t.Errorf("Encode(handle) error = %v, want ErrNotTransferable", err)
	}
}

func TestMalformed(t *testing.T) {
	m := newVM(t)
	tests := []struct {
		name string
		term Term
	}{
		{"version", Term{Version: 9, Nodes: []Node{{Tag: uint8(vm.TagInt)}}}},
		{"root", Term{Version: Version, Root: 3, Nodes: []Node{{Tag: uint8(vm.TagInt)}}}},
		{"dangling", Term{Version: Version, Nodes: []Node{{Tag: uint8(vm.TagPair), Refs: []int{0, 5}}}}},
		{"pair arity", Term{Version: Version, Nodes: []Node{{Tag: uint8(vm.TagPair), Refs: []int{0}}}}},
		{"bad tag", Term{Version: Version, Nodes: []Node{{Tag: 200}}}},
		{"code meta", Term{Version: Version, Nodes: []Node{{Tag: uint8(vm.TagCode), Words: []uint64{1}, Refs: []int{None}}}}},
		{"opcode", Term{Version: Version, Nodes: []Node{{Tag: uint8(vm.TagCode), Words: []uint64{0, 0, 0, 0xff}, Refs: []int{None}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(&tt.term)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := Decode(m, data); !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode error = %v, want ErrMalformed", err)
			}
		})
	}
	if _, err := Decode(m, []byte{0xff, 0x00}); !errors.Is(err, ErrMalformed) {
		t.Errorf("Decode(garbage) error = %v, want ErrMalformed", err)
	}
}
