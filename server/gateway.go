package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/chazu/ember/vm"
	"github.com/chazu/ember/vm/term"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var log = commonlog.GetLogger("ember.server")

// DeliverRequest sends a term to a registered process.
type DeliverRequest struct {
	To          string `cbor:"1,keyasint"`           // registered name
	Payload     []byte `cbor:"2,keyasint"`           // encoded term
	LeaseMillis int64  `cbor:"3,keyasint,omitempty"` // 0 means no lease
	ReplyTo     string `cbor:"4,keyasint,omitempty"` // registered name notified on expiry
}

// DeliverResponse reports the mailbox sequence number assigned.
type DeliverResponse struct {
	Seq     uint64 `cbor:"1,keyasint"`
	Expired bool   `cbor:"2,keyasint,omitempty"` // the lease had passed on arrival
}

// StatsRequest asks for runtime counters.
type StatsRequest struct{}

// StatsResponse carries heap and scheduler counters.
type StatsResponse struct {
	ID           string `cbor:"1,keyasint"`
	Processes    int    `cbor:"2,keyasint"`
	Forked       uint64 `cbor:"3,keyasint"`
	Terminated   uint64 `cbor:"4,keyasint"`
	Failed       uint64 `cbor:"5,keyasint"`
	Delivered    uint64 `cbor:"6,keyasint"`
	Expired      uint64 `cbor:"7,keyasint"`
	Instructions uint64 `cbor:"8,keyasint"`
	MinorGCs     uint64 `cbor:"9,keyasint"`
	MajorGCs     uint64 `cbor:"10,keyasint"`
	YoungUsed    int    `cbor:"11,keyasint"`
	YoungCap     int    `cbor:"12,keyasint"`
	OldUsed      int    `cbor:"13,keyasint"`
	OldCap       int    `cbor:"14,keyasint"`
}

// GatewayServer is the server API of the ember.v1.Gateway service.
type GatewayServer interface {
	Deliver(context.Context, *DeliverRequest) (*DeliverResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

// Gateway lets external clients message named processes of a running
// runtime.
type Gateway struct {
	worker  *VMWorker
	server  *grpc.Server
	timeout time.Duration
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithDeliverTimeout bounds how long a call waits for the scheduler.
func WithDeliverTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

// WithServerOptions passes options to the underlying gRPC server.
func WithServerOptions(opts ...grpc.ServerOption) GatewayOption {
	return func(g *Gateway) { g.server = grpc.NewServer(opts...) }
}

// NewGateway creates a gateway for v and registers its service.
func NewGateway(v *vm.VM, opts ...GatewayOption) *Gateway {
	g := &Gateway{timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(g)
	}
	if g.server == nil {
		g.server = grpc.NewServer()
	}
	g.worker = NewVMWorker(v)
	g.server.RegisterService(&gatewayServiceDesc, g)
	return g
}

// Serve accepts connections on lis until Stop.
func (g *Gateway) Serve(lis net.Listener) error {
	log.Infof("gateway for runtime %s listening on %s", g.worker.VM().ID, lis.Addr())
	return g.server.Serve(lis)
}

// ListenAndServe listens on addr and serves.
func (g *Gateway) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return g.Serve(lis)
}

// Stop shuts the gateway down.
func (g *Gateway) Stop() {
	g.server.GracefulStop()
	g.worker.Stop()
}

func (g *Gateway) do(ctx context.Context, fn func(*vm.VM) (any, error)) (any, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	v, err := g.worker.Do(ctx, fn)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, context.DeadlineExceeded):
		return nil, status.Error(codes.DeadlineExceeded, "runtime did not respond")
	case errors.Is(err, context.Canceled):
		return nil, status.Error(codes.Canceled, err.Error())
	case errors.Is(err, ErrWorkerStopped):
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return nil, err
	}
	return nil, status.Error(codes.Internal, err.Error())
}

// Deliver decodes the payload on the scheduler goroutine and enqueues it.
func (g *Gateway) Deliver(ctx context.Context, req *DeliverRequest) (*DeliverResponse, error) {
	if req.To == "" {
		return nil, status.Error(codes.InvalidArgument, "destination name is empty")
	}
	if req.LeaseMillis < 0 {
		return nil, status.Error(codes.InvalidArgument, "negative lease")
	}
	res, err := g.do(ctx, func(v *vm.VM) (any, error) {
		// Decode allocates, so the handles are looked up afterwards.
		payload, err := term.Decode(v, req.Payload)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		dest, ok := v.Whereis(req.To)
		if !ok {
			return nil, status.Errorf(codes.NotFound, "no process registered as %q", req.To)
		}
		var opts vm.SendOptions
		if req.LeaseMillis > 0 {
			opts.Lease = time.Duration(req.LeaseMillis) * time.Millisecond
			opts.HasLease = true
		}
		if req.ReplyTo != "" {
			if opts.ReplyTo, ok = v.Whereis(req.ReplyTo); !ok {
				return nil, status.Errorf(codes.NotFound, "no process registered as %q", req.ReplyTo)
			}
		}
		seq := v.Deliver(dest, vm.NoRef, payload, opts)
		log.Debugf("delivered message %d to %s", seq, req.To)
		return &DeliverResponse{Seq: seq, Expired: seq == 0}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*DeliverResponse), nil
}

// Stats reads the runtime counters on the scheduler goroutine.
func (g *Gateway) Stats(ctx context.Context, _ *StatsRequest) (*StatsResponse, error) {
	res, err := g.do(ctx, func(v *vm.VM) (any, error) {
		st := v.Stats()
		gc := v.Heap.Stats()
		u := v.Heap.Usage()
		return &StatsResponse{
			ID:           v.ID.String(),
			Processes:    len(v.Processes()),
			Forked:       st.Forked,
			Terminated:   st.Terminated,
			Failed:       st.Failed,
			Delivered:    st.Delivered,
			Expired:      st.Expired,
			Instructions: st.Instructions,
			MinorGCs:     gc.Minor,
			MajorGCs:     gc.Major,
			YoungUsed:    u.YoungUsed,
			YoungCap:     u.YoungCap,
			OldUsed:      u.OldUsed,
			OldCap:       u.OldCap,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*StatsResponse), nil
}

// ---------------------------------------------------------------------------
// Service description
// ---------------------------------------------------------------------------

const (
	gatewayServiceName   = "ember.v1.Gateway"
	gatewayDeliverMethod = "/" + gatewayServiceName + "/Deliver"
	gatewayStatsMethod   = "/" + gatewayServiceName + "/Stats"
)

var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: gatewayServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: gatewayDeliverHandler},
		{MethodName: "Stats", Handler: gatewayStatsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ember/v1/gateway",
}

func gatewayDeliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DeliverRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: gatewayDeliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GatewayServer).Deliver(ctx, req.(*DeliverRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func gatewayStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: gatewayStatsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GatewayServer).Stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// GatewayClient calls the ember.v1.Gateway service.
type GatewayClient struct {
	cc grpc.ClientConnInterface
}

// NewGatewayClient wraps a client connection.
func NewGatewayClient(cc grpc.ClientConnInterface) *GatewayClient {
	return &GatewayClient{cc: cc}
}

// Deliver sends a term to a registered process.
func (c *GatewayClient) Deliver(ctx context.Context, in *DeliverRequest, opts ...grpc.CallOption) (*DeliverResponse, error) {
	out := new(DeliverResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, gatewayDeliverMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Send builds the term for x and delivers it to the process named to.
func (c *GatewayClient) Send(ctx context.Context, to string, x any) (uint64, error) {
	payload, err := term.Build(x)
	if err != nil {
		return 0, err
	}
	res, err := c.Deliver(ctx, &DeliverRequest{To: to, Payload: payload})
	if err != nil {
		return 0, err
	}
	return res.Seq, nil
}

// Stats reads runtime counters.
func (c *GatewayClient) Stats(ctx context.Context, opts ...grpc.CallOption) (*StatsResponse, error) {
	out := new(StatsResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, gatewayStatsMethod, &StatsRequest{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
