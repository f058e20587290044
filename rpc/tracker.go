package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/bobg/p2psync"
)

type trackerService interface {
	Announce(context.Context, *AnnounceRequest) (*AnnounceResponse, error)
	Query(context.Context, *QueryRequest) (*QueryResponse, error)
}

var _ trackerService = &TrackerServer{}

// TrackerServer exposes a p2psync.Tracker as a gRPC service.
type TrackerServer struct {
	t p2psync.Tracker
}

func NewTrackerServer(t p2psync.Tracker) *TrackerServer {
	return &TrackerServer{t: t}
}

// RegisterTrackerServer registers ts with gs.
func RegisterTrackerServer(gs *grpc.Server, ts *TrackerServer) {
	gs.RegisterService(&trackerServiceDesc, ts)
}

func (s *TrackerServer) Announce(ctx context.Context, req *AnnounceRequest) (*AnnounceResponse, error) {
	err := s.t.Announce(ctx, req.Addr, req.Hashes)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AnnounceResponse{}, nil
}

func (s *TrackerServer) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	peers, err := s.t.Query(ctx, req.Hash)
	if err != nil {
		return nil, toStatus(err)
	}
	return &QueryResponse{Peers: peers}, nil
}

const (
	trackerServiceName = "p2psync.Tracker"
	announceMethod     = "/" + trackerServiceName + "/Announce"
	queryMethod        = "/" + trackerServiceName + "/Query"
)

var trackerServiceDesc = grpc.ServiceDesc{
	ServiceName: trackerServiceName,
	HandlerType: (*trackerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Announce", Handler: announceHandler},
		{MethodName: "Query", Handler: queryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "p2psync",
}

func announceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AnnounceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(trackerService).Announce(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: announceMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(trackerService).Announce(ctx, req.(*AnnounceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func queryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(QueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(trackerService).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: queryMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(trackerService).Query(ctx, req.(*QueryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var _ p2psync.Tracker = &TrackerClient{}

// TrackerClient is a p2psync.Tracker reached over gRPC.
type TrackerClient struct {
	cc grpc.ClientConnInterface
}

func NewTrackerClient(cc grpc.ClientConnInterface) *TrackerClient {
	return &TrackerClient{cc: cc}
}

func (c *TrackerClient) Announce(ctx context.Context, addr string, hashes []p2psync.Hash) error {
	err := c.cc.Invoke(ctx, announceMethod, &AnnounceRequest{Addr: addr, Hashes: hashes}, new(AnnounceResponse), callOptions...)
	return fromStatus(ctx, err)
}

func (c *TrackerClient) Query(ctx context.Context, h p2psync.Hash) ([]p2psync.PeerRecord, error) {
	resp := new(QueryResponse)
	err := c.cc.Invoke(ctx, queryMethod, &QueryRequest{Hash: h}, resp, callOptions...)
	if err != nil {
		return nil, fromStatus(ctx, err)
	}
	if resp.Peers == nil {
		return []p2psync.PeerRecord{}, nil
	}
	return resp.Peers, nil
}
