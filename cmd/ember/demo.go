package main

import (
	"github.com/chazu/ember/vm"
)

// pongProgram answers every ping(from, n) with pong(n) and returns when it
// receives the symbol stop.
func pongProgram() *vm.Assembler {
	as := vm.Func(0)
	as.Label("loop").
		Receive(false, false).
		Op(vm.OpDUP).PushLit(vm.Sym("stop")).Op(vm.OpSame).
		Jump(vm.OpJumpFalse, "reply").
		Op(vm.OpRetV)
	as.Label("reply").
		Store(0).
		Load(0).OpA(vm.OpField, 0).
		PushLit(vm.Sym("pong")).Load(0).OpA(vm.OpField, 1).OpA(vm.OpCons, 1).
		Op(vm.OpSend).
		Jump(vm.OpJump, "loop")
	return as
}

// pingProgram spawns the pong process, exchanges n pings with it, prints
// every answer and stops it.
func pingProgram(n int) *vm.Assembler {
	as := vm.Func(0)
	as.PushLit(pongProgram()).OpA(vm.OpSpawn, 0).Store(0).
		PushInt(0).Store(1)
	as.Label("loop").
		Load(1).PushInt(int64(n)).Op(vm.OpLT).
		Jump(vm.OpJumpFalse, "done").
		Load(0).
		PushLit(vm.Sym("ping")).Op(vm.OpSelf).Load(1).OpA(vm.OpCons, 2).
		Op(vm.OpSend).
		Receive(false, false).
		Escape(vm.EscPrint, 1).Op(vm.OpPOP).
		Load(1).PushInt(1).Op(vm.OpAdd).Store(1).
		Jump(vm.OpJump, "loop")
	as.Label("done").
		Load(0).PushLit(vm.Sym("stop")).Op(vm.OpSend).
		Load(0).Op(vm.OpJoin).Op(vm.OpPOP).
		PushLit(vm.Sym("done")).Op(vm.OpRetV)
	return as
}

// bootDemo assembles the ping/pong program and starts it as the root
// process.
func bootDemo(v *vm.VM, n int) (*vm.Process, error) {
	code, err := pingProgram(n).Assemble(v)
	if err != nil {
		return nil, err
	}
	return v.Boot(code)
}
