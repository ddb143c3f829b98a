package server

import (
	"context"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/chazu/ember/vm"
	"github.com/chazu/ember/vm/term"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// gatewayFixture runs a runtime whose root process is registered as
// "sink", serves the gateway over an in-memory listener and returns a
// connected client. The root process receives one message and returns it.
type gatewayFixture struct {
	vm     *vm.VM
	client *GatewayClient
	done   chan error
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	v := vm.NewVM(vm.DefaultConfig())
	t.Cleanup(func() { v.Close() })

	code := vm.Func(0).Receive(false, false).Op(vm.OpRetV).MustAssemble(v)
	root, err := v.Boot(code)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Register("sink", root.Handle); err != nil {
		t.Fatal(err)
	}

	lis := bufconn.Listen(1 << 16)
	gw := NewGateway(v, WithDeliverTimeout(2*time.Second))
	go gw.Serve(lis)
	t.Cleanup(gw.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f := &gatewayFixture{vm: v, done: make(chan error, 1)}
	go func() { f.done <- v.Run(ctx) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	f.client = NewGatewayClient(conn)
	return f
}

func (f *gatewayFixture) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-f.done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not finish")
	}
}

func TestGatewayDeliver(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	msg := term.Cons{Functor: "hello", Args: []any{[]any{"world", int64(2)}}}
	seq, err := f.client.Send(ctx, "sink", msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if seq != 1 {
		t.Errorf("seq = %d, want 1", seq)
	}

	f.wait(t)
	root := f.vm.Root()
	if root.Failed() {
		t.Fatalf("root failed: %s", root.Outcome())
	}
	got, err := term.ToGo(f.vm, root.Result())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, msg) {
		t.Errorf("root result = %#v, want %#v", got, msg)
	}
}

func TestGatewayStats(t *testing.T) {
	f := newGatewayFixture(t)
	st, err := f.client.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ID != f.vm.ID.String() {
		t.Errorf("ID = %s, want %s", st.ID, f.vm.ID)
	}
	if st.Processes != 1 || st.Forked != 1 {
		t.Errorf("processes = %d, forked = %d, want 1 and 1", st.Processes, st.Forked)
	}
	if st.YoungCap == 0 || st.OldCap == 0 {
		t.Errorf("heap capacity not reported: %+v", st)
	}
}

func TestGatewayErrors(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	good, err := term.Build(term.Symbol("ping"))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		req  *DeliverRequest
		want codes.Code
	}{
		{"unknown name", &DeliverRequest{To: "nobody", Payload: good}, codes.NotFound},
		{"empty name", &DeliverRequest{Payload: good}, codes.InvalidArgument},
		{"bad payload", &DeliverRequest{To: "sink", Payload: []byte{0xff}}, codes.InvalidArgument},
		{"negative lease", &DeliverRequest{To: "sink", Payload: good, LeaseMillis: -1}, codes.InvalidArgument},
		{"unknown reply-to", &DeliverRequest{To: "sink", Payload: good, ReplyTo: "ghost"}, codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.client.Deliver(ctx, tt.req)
			if got := status.Code(err); got != tt.want {
				t.Errorf("code = %v (%v), want %v", got, err, tt.want)
			}
		})
	}
}

func TestWorkerStopped(t *testing.T) {
	v := vm.NewVM(vm.DefaultConfig())
	defer v.Close()
	w := NewVMWorker(v)
	w.Stop()
	w.Stop()
	if _, err := w.Do(context.Background(), func(*vm.VM) (any, error) { return nil, nil }); err != ErrWorkerStopped {
		t.Errorf("Do after Stop = %v, want ErrWorkerStopped", err)
	}
}
