package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/chazu/ember/vm"
)

func TestDemo(t *testing.T) {
	var out bytes.Buffer
	cfg := vm.DefaultConfig()
	cfg.Out = &out
	cfg.Slice = 3
	v := vm.NewVM(cfg)
	defer v.Close()

	root, err := bootDemo(v, 4)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := v.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if root.Failed() {
		t.Fatalf("root failed: %s", root.Outcome())
	}
	if got := root.Outcome(); got != "done" {
		t.Errorf("outcome = %q, want done", got)
	}
	want := "pong(0)\npong(1)\npong(2)\npong(3)\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
	if n := len(v.Processes()); n != 0 {
		t.Errorf("%d processes left", n)
	}
}
