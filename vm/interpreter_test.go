package vm

import (
	"errors"
	"strings"
	"testing"
)

// factorial is a directly recursive function of one argument.
func factorial() *Assembler {
	return Func(1).
		PushInt(1).Load(0).Op(OpLT).
		Jump(OpJumpFalse, "base").
		Load(0).
		PushLit(SelfRef{}).Load(0).PushInt(1).Op(OpSub).Call(1).
		Op(OpMul).Op(OpRetV).
		Label("base").PushInt(1).Op(OpRetV)
}

// counter tail-calls itself n times, accumulating in its second argument.
func counter() *Assembler {
	return Func(2).
		PushInt(0).Load(0).Op(OpLT).
		Jump(OpJumpFalse, "done").
		PushLit(SelfRef{}).
		Load(0).PushInt(1).Op(OpSub).
		Load(1).PushInt(1).Op(OpAdd).
		OpA(OpTailCall, 2).
		Label("done").Load(1).Op(OpRetV)
}

func TestInterpreter(t *testing.T) {
	sub := Func(2).Load(0).Load(1).Op(OpSub).Op(OpRetV)
	adder := Func(1).Load(0).OpA(OpLoadEnv, 0).Op(OpAdd).Op(OpRetV)
	headOf := Func(1).Load(0).Op(OpHead).Op(OpRetV)

	tests := []struct {
		name string
		code *Assembler
		want string
	}{
		{"arithmetic",
			Func(0).PushInt(6).PushInt(7).Op(OpMul).PushInt(2).Op(OpSub).Op(OpRetV),
			"40"},
		{"float promotion",
			Func(0).PushLit(1.5).PushInt(2).Op(OpMul).Op(OpRetV),
			"3"},
		{"wide integer",
			Func(0).PushInt(1 << 40).PushInt(1).Op(OpAdd).Op(OpRetV),
			"1099511627777"},
		{"less",
			Func(0).PushInt(1).PushInt(2).Op(OpLT).Op(OpRetV),
			"true"},
		{"list",
			Func(0).PushInt(1).PushInt(2).Op(OpPushNil).Op(OpPair).Op(OpPair).Op(OpRetV),
			"[1, 2]"},
		{"tail of list",
			Func(0).PushInt(1).PushInt(2).Op(OpPushNil).Op(OpPair).Op(OpPair).Op(OpTail).Op(OpRetV),
			"[2]"},
		{"tuple",
			Func(0).PushInt(1).PushLit("a").OpA(OpTuple, 2).Op(OpRetV),
			`{1, "a"}`},
		{"constructor",
			Func(0).PushLit(Sym("point")).PushInt(3).PushInt(4).OpA(OpCons, 2).Op(OpRetV),
			"point(3, 4)"},
		{"field",
			Func(0).PushLit(Sym("point")).PushInt(3).PushInt(4).OpA(OpCons, 2).OpA(OpField, 1).Op(OpRetV),
			"4"},
		{"set field",
			Func(0).PushInt(1).PushInt(2).OpA(OpTuple, 2).Store(0).
				Load(0).PushLit(Sym("x")).OpA(OpSetField, 0).
				Load(0).Op(OpRetV),
			"{x, 2}"},
		{"locals",
			Func(0).PushInt(5).Store(0).Load(0).PushInt(1).Op(OpAdd).Op(OpRetV),
			"6"},
		{"loop",
			Func(0).
				PushInt(0).Store(1).
				PushInt(10).Store(0).
				Label("loop").
				PushInt(0).Load(0).Op(OpLT).Jump(OpJumpFalse, "done").
				Load(1).Load(0).Op(OpAdd).Store(1).
				Load(0).PushInt(1).Op(OpSub).Store(0).
				Jump(OpJump, "loop").
				Label("done").Load(1).Op(OpRetV),
			"55"},
		{"call",
			Func(0).PushLit(sub).PushInt(10).PushInt(3).Call(2).Op(OpRetV),
			"7"},
		{"recursion",
			Func(0).PushLit(factorial()).PushInt(10).Call(1).Op(OpRetV),
			"3628800"},
		{"procedure call",
			Func(0).PushLit(Proc(0).PushInt(1).Op(OpPOP).Op(OpRet)).Call(0).PushInt(8).Op(OpRetV),
			"8"},
		{"falls off the end",
			Func(0).PushInt(1).Op(OpPOP),
			"[]"},
		{"closure",
			Func(0).PushLit(adder).PushInt(5).OpA(OpClosure, 1).PushInt(3).Call(1).Op(OpRetV),
			"8"},
		{"bind",
			Func(0).Op(OpNewVar).Op(OpDUP).PushInt(9).Op(OpBind).Op(OpDeref).Op(OpRetV),
			"9"},
		{"structural equality",
			Func(0).PushInt(1).PushLit("s").OpA(OpTuple, 2).PushInt(1).PushLit("s").OpA(OpTuple, 2).Op(OpEQ).Op(OpRetV),
			"true"},
		{"identity",
			Func(0).PushInt(1).PushInt(1).Op(OpSame).Op(OpRetV),
			"false"},
		{"raise and rescue",
			Func(0).Jump(OpTry, "rescue").PushLit(Sym("boom")).Op(OpRaise).
				Label("rescue").Op(OpRetV),
			"boom"},
		{"end try",
			Func(0).Jump(OpTry, "rescue").Op(OpEndTry).PushLit(Sym("clean")).Op(OpRetV).
				Label("rescue").Op(OpRetV),
			"clean"},
		{"error unwinds frames",
			Func(0).Jump(OpTry, "rescue").
				PushLit(headOf).PushInt(3).Call(1).Op(OpEndTry).Op(OpRetV).
				Label("rescue").Op(OpRetV),
			"error(badarg, 3)"},
		{"type-of escape",
			Func(0).PushInt(1).Escape(EscTypeOf, 1).Op(OpRetV),
			"integer"},
		{"coerce escape",
			Func(0).PushLit("42").PushLit(Sym("integer")).Escape(EscCoerce, 2).Op(OpRetV),
			"42"},
		{"globals",
			Func(0).PushLit(Sym("g")).PushInt(4).Escape(EscGlobalPut, 2).Op(OpPOP).
				PushLit(Sym("g")).Escape(EscGlobalGet, 1).Op(OpRetV),
			"4"},
		{"spawn and join",
			Func(0).PushLit(Func(0).PushInt(6).PushInt(7).Op(OpMul).Op(OpRetV)).
				OpA(OpSpawn, 0).Op(OpJoin).Op(OpRetV),
			"42"},
		{"join after exit",
			Func(0).PushLit(Func(0).PushInt(42).Op(OpRetV)).
				OpA(OpSpawn, 0).Op(OpYield).Op(OpJoin).Op(OpRetV),
			"42"},
		{"quota unlimited",
			Func(0).Escape(EscQuota, 0).Op(OpRetV),
			"-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVM(t, testConfig())
			root := runRoot(t, v, tt.code.MustAssemble(v))
			if root.Failed() {
				t.Fatalf("root failed: %s", root.Outcome())
			}
			if got := root.Outcome(); got != tt.want {
				t.Errorf("result = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestInterpreterErrors(t *testing.T) {
	tests := []struct {
		name      string
		code      *Assembler
		privilege int
		want      string
	}{
		{"head of integer",
			Func(0).PushInt(3).Op(OpHead).Op(OpRetV),
			PrivilegeSystem, "error(badarg, 3)"},
		{"arity",
			Func(0).PushLit(Func(1).Op(OpRet)).Call(0).Op(OpRetV),
			PrivilegeSystem, "error(arity, 0)"},
		{"not callable",
			Func(0).PushInt(1).Call(0).Op(OpRetV),
			PrivilegeSystem, "error(not-callable, 1)"},
		{"stack overflow",
			Func(0).PushLit(SelfRef{}).Call(0).Op(OpRetV),
			PrivilegeSystem, "error(stack-overflow, [])"},
		{"privilege",
			Func(0).Op(OpPushFalse).Escape(EscGC, 1).Op(OpRetV),
			PrivilegeUser, "error(privilege, gc)"},
		{"unknown escape",
			Func(0).Escape(9999, 0).Op(OpRetV),
			PrivilegeSystem, "error(no-escape, 9999)"},
		{"bind twice",
			Func(0).PushInt(1).PushInt(2).Op(OpBind).Op(OpRetV),
			PrivilegeSystem, "error(already-bound, [])"},
		{"stack underflow",
			Func(0).Op(OpAdd).Op(OpRetV),
			PrivilegeSystem, "error(bad-opcode, [])"},
		{"raised value",
			Func(0).PushLit(Sym("custom")).PushInt(7).Escape(EscMakeError, 2).Op(OpRetV),
			PrivilegeSystem, "error(custom, 7)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxStack = 100
			cfg.RootPrivilege = tt.privilege
			v := newTestVM(t, cfg)
			root, err := v.Boot(tt.code.MustAssemble(v))
			if err != nil {
				t.Fatal(err)
			}
			err = run(t, v)
			var le *LangError
			if !errors.As(err, &le) {
				t.Fatalf("Run error = %v, want a LangError", err)
			}
			if le.PID != root.PID || le.Value != tt.want {
				t.Errorf("LangError = %d %s, want %d %s", le.PID, le.Value, root.PID, tt.want)
			}
			if !root.Failed() || root.Outcome() != "failed("+tt.want+")" {
				t.Errorf("outcome = %s", root.Outcome())
			}
			if !v.Halted() {
				t.Error("root failure did not halt the runtime")
			}
		})
	}
}

func TestTailCallsRunInConstantSpace(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStack = 64
	v := newTestVM(t, cfg)
	code := Func(0).PushLit(counter()).PushInt(100000).PushInt(0).Call(2).Op(OpRetV).MustAssemble(v)
	root := runRoot(t, v, code)
	if root.Failed() {
		t.Fatalf("root failed: %s", root.Outcome())
	}
	if root.Outcome() != "100000" {
		t.Errorf("result = %s, want 100000", root.Outcome())
	}
	if v.Heap.Stats().Minor == 0 {
		t.Error("loop ran without a collection")
	}
}

func TestTailCallInsideTryKeepsHandler(t *testing.T) {
	raiser := Func(0).PushLit(Sym("inner")).Op(OpRaise)
	tail := Func(0).Jump(OpTry, "rescue").
		PushLit(raiser).OpA(OpTailCall, 0).
		Label("rescue").Op(OpRetV)

	v := newTestVM(t, testConfig())
	root := runRoot(t, v, Func(0).PushLit(tail).Call(0).Op(OpRetV).MustAssemble(v))
	if root.Failed() || root.Outcome() != "inner" {
		t.Errorf("outcome = %s, want inner", root.Outcome())
	}
}

func TestReleaseByNonOwner(t *testing.T) {
	releaser := Func(1).Load(0).Op(OpRelease).Op(OpRet)
	code := Func(0).
		Op(OpLockNew).Op(OpDUP).Op(OpAcquire).Store(0).
		PushLit(releaser).Load(0).OpA(OpSpawn, 1).Op(OpJoin).
		// failed(error(not-owner, lock))
		OpA(OpField, 0).OpA(OpField, 0).Op(OpRetV)

	v := newTestVM(t, testConfig())
	root := runRoot(t, v, code.MustAssemble(v))
	if got := root.Outcome(); got != "not-owner" {
		t.Errorf("result = %s, want not-owner", got)
	}
	if v.Stats().Failed != 1 {
		t.Errorf("failed = %d, want 1", v.Stats().Failed)
	}
}

func TestPrintEscape(t *testing.T) {
	var out strings.Builder
	cfg := testConfig()
	cfg.Out = &out
	v := newTestVM(t, cfg)
	code := Func(0).
		PushLit("hello").Escape(EscPrint, 1).Op(OpPOP).
		PushLit(Sym("sym")).PushInt(2).OpA(OpCons, 1).Escape(EscPrint, 1).
		Op(OpRetV).MustAssemble(v)
	root := runRoot(t, v, code)
	if got := out.String(); got != "hello\nsym(2)\n" {
		t.Errorf("output = %q", got)
	}
	if root.Outcome() != "[]" {
		t.Errorf("print returned %s, want []", root.Outcome())
	}
}
