package rpc

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/bobg/p2psync"
)

// MaxMessageSize bounds the size of any message a client will accept.
// It must exceed the largest chunk size in use.
const MaxMessageSize = 64 << 20

var callOptions = []grpc.CallOption{
	grpc.CallContentSubtype(CodecName),
	grpc.MaxCallRecvMsgSize(MaxMessageSize),
}

type peerService interface {
	GetMetadata(context.Context, *MetadataRequest) (*MetadataResponse, error)
	GetChunk(context.Context, *ChunkRequest) (*ChunkResponse, error)
}

var _ peerService = &PeerServer{}

// PeerServer exposes a p2psync.Peer as a gRPC service.
type PeerServer struct {
	p p2psync.Peer
}

func NewPeerServer(p p2psync.Peer) *PeerServer {
	return &PeerServer{p: p}
}

// RegisterPeerServer registers ps with gs.
func RegisterPeerServer(gs *grpc.Server, ps *PeerServer) {
	gs.RegisterService(&peerServiceDesc, ps)
}

func (s *PeerServer) GetMetadata(ctx context.Context, req *MetadataRequest) (*MetadataResponse, error) {
	node, err := s.p.GetMetadata(ctx, req.Hash)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MetadataResponse{Node: node}, nil
}

func (s *PeerServer) GetChunk(ctx context.Context, req *ChunkRequest) (*ChunkResponse, error) {
	data, err := s.p.GetChunk(ctx, req.Hash, req.Index)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ChunkResponse{Data: data}, nil
}

const (
	peerServiceName   = "p2psync.Peer"
	getMetadataMethod = "/" + peerServiceName + "/GetMetadata"
	getChunkMethod    = "/" + peerServiceName + "/GetChunk"
)

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: peerServiceName,
	HandlerType: (*peerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetMetadata", Handler: getMetadataHandler},
		{MethodName: "GetChunk", Handler: getChunkHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "p2psync",
}

func getMetadataHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(MetadataRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerService).GetMetadata(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getMetadataMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(peerService).GetMetadata(ctx, req.(*MetadataRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getChunkHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ChunkRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerService).GetChunk(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getChunkMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(peerService).GetChunk(ctx, req.(*ChunkRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var _ p2psync.Peer = &PeerClient{}

// PeerClient is a p2psync.Peer reached over gRPC.
type PeerClient struct {
	cc grpc.ClientConnInterface
}

func NewPeerClient(cc grpc.ClientConnInterface) *PeerClient {
	return &PeerClient{cc: cc}
}

func (c *PeerClient) GetMetadata(ctx context.Context, h p2psync.Hash) (*p2psync.ContentNode, error) {
	resp := new(MetadataResponse)
	err := c.cc.Invoke(ctx, getMetadataMethod, &MetadataRequest{Hash: h}, resp, callOptions...)
	if err != nil {
		return nil, fromStatus(ctx, err)
	}
	if resp.Node == nil {
		return nil, p2psync.FormatError(errors.New("empty metadata response"))
	}
	return resp.Node, nil
}

func (c *PeerClient) GetChunk(ctx context.Context, h p2psync.Hash, index int) ([]byte, error) {
	resp := new(ChunkResponse)
	err := c.cc.Invoke(ctx, getChunkMethod, &ChunkRequest{Hash: h, Index: index}, resp, callOptions...)
	if err != nil {
		return nil, fromStatus(ctx, err)
	}
	return resp.Data, nil
}
