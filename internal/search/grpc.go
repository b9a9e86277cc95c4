package search

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method name of the search RPC. Request and response are
// google.protobuf.Struct messages carrying the JSON shapes of Request and
// Response, so no generated stubs are needed on either side.
const (
	searchServiceName = "riceeval.search.v1.Searcher"
	searchMethod      = "/" + searchServiceName + "/Search"
)

// GRPCSearcher calls the search engine over gRPC.
type GRPCSearcher struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	owned   bool
}

// NewGRPCSearcher connects to addr (host:port) without TLS.
func NewGRPCSearcher(addr string, timeout time.Duration) (*GRPCSearcher, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(64*1024*1024), // large result lists
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &GRPCSearcher{conn: conn, timeout: timeout, owned: true}, nil
}

// NewGRPCSearcherConn wraps an existing connection. Close leaves it open.
func NewGRPCSearcherConn(conn *grpc.ClientConn, timeout time.Duration) *GRPCSearcher {
	return &GRPCSearcher{conn: conn, timeout: timeout}
}

// Search performs a query.
func (s *GRPCSearcher) Search(ctx context.Context, req Request) (*Response, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out := &structpb.Struct{}
	if err := s.conn.Invoke(ctx, searchMethod, in, out); err != nil {
		return nil, fmt.Errorf("search rpc: %w", err)
	}

	var resp Response
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

// Close closes the connection if this searcher created it.
func (s *GRPCSearcher) Close() error {
	if s.owned && s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// RegisterServer exposes impl as the search gRPC service on srv.
func RegisterServer(srv *grpc.Server, impl Searcher) {
	srv.RegisterService(&searchServiceDesc, impl)
}

var searchServiceDesc = grpc.ServiceDesc{
	ServiceName: searchServiceName,
	HandlerType: (*Searcher)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Search", Handler: searchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "riceeval/search/v1/search.proto",
}

func searchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}

	handle := func(ctx context.Context, msg any) (any, error) {
		var req Request
		if err := fromStruct(msg.(*structpb.Struct), &req); err != nil {
			return nil, err
		}
		resp, err := srv.(Searcher).Search(ctx, req)
		if err != nil {
			return nil, err
		}
		return toStruct(resp)
	}

	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: searchMethod}
	return interceptor(ctx, in, info, handle)
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
