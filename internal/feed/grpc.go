package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name of the live feed.
const ServiceName = "signalcontrol.LiveFeed"

// CodecName is the gRPC content subtype the live feed speaks.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets the feed run over gRPC without generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// LiveFeedServer is the server side of the LiveFeed service.
type LiveFeedServer interface {
	StreamEvents(*Filter, grpc.ServerStream) error
}

var liveFeedDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LiveFeedServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "signalcontrol/livefeed",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(Filter)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(LiveFeedServer).StreamEvents(req, stream)
}

// GRPCServer serves the hub over a gRPC server stream.
type GRPCServer struct {
	hub *Hub
}

var _ LiveFeedServer = (*GRPCServer)(nil)

// RegisterGRPC registers the LiveFeed service for hub on s.
func RegisterGRPC(s *grpc.Server, hub *Hub) *GRPCServer {
	srv := &GRPCServer{hub: hub}
	s.RegisterService(&liveFeedDesc, srv)
	return srv
}

// StreamEvents sends every matching event until the client cancels or the
// hub closes.
func (g *GRPCServer) StreamEvents(filter *Filter, stream grpc.ServerStream) error {
	sub := g.hub.Subscribe()
	defer g.hub.Unsubscribe(sub.ID)
	g.hub.log.WithField("subscriber", sub.ID).Debug("gRPC live feed client connected")

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return status.Error(codes.Unavailable, ErrClosed.Error())
			}
			if !filter.Match(ev) {
				continue
			}
			if err := stream.SendMsg(&ev); err != nil {
				return err
			}
		}
	}
}

// Client subscribes to a remote LiveFeed.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Subscribe streams matching events into fn until ctx is done, the server
// ends the stream, or fn returns an error.
func (c *Client) Subscribe(ctx context.Context, filter Filter, fn func(Event) error) error {
	stream, err := c.conn.NewStream(ctx, &liveFeedDesc.Streams[0], "/"+ServiceName+"/Subscribe",
		grpc.CallContentSubtype(CodecName))
	if err != nil {
		return fmt.Errorf("failed to open live feed: %w", err)
	}
	if err := stream.SendMsg(&filter); err != nil {
		return fmt.Errorf("failed to send subscription: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send side: %w", err)
	}
	for {
		var ev Event
		if err := stream.RecvMsg(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
