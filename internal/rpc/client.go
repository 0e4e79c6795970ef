package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Client is a thin wrapper around a *grpc.ClientConn bound to the
// node manager's hand-written ServiceDesc, used by cmd/nodectl. Every
// call selects the JSON codec via CallContentSubtype since there is no
// generated client stub to carry that choice implicitly.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// NewClient wraps conn; token (possibly empty) is attached to every
// call's "auth" metadata key.
func NewClient(conn *grpc.ClientConn, token string) *Client {
	return &Client{conn: conn, token: token}
}

func (c *Client) ctx(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "auth", "Bearer "+c.token)
}

func fullMethod(name string) string {
	return fmt.Sprintf("/%s/%s", ServiceName, name)
}

func (c *Client) Provision(ctx context.Context, req *ProvisionRequest) (*ProvisionResponse, error) {
	resp := new(ProvisionResponse)
	if err := c.conn.Invoke(c.ctx(ctx), fullMethod("Provision"), req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Deprovision(ctx context.Context, req *DeprovisionRequest) (*DeprovisionResponse, error) {
	resp := new(DeprovisionResponse)
	if err := c.conn.Invoke(c.ctx(ctx), fullMethod("Deprovision"), req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ListInstances(ctx context.Context) (*ListResponse, error) {
	resp := new(ListResponse)
	if err := c.conn.Invoke(c.ctx(ctx), fullMethod("ListInstances"), &ListRequest{}, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetLogs(ctx context.Context, id string) (*LogsResponse, error) {
	resp := new(LogsResponse)
	if err := c.conn.Invoke(c.ctx(ctx), fullMethod("GetLogs"), &LogsRequest{ID: id}, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) PublishServicePort(ctx context.Context, req *PublishServicePortRequest) (*PublishServicePortResponse, error) {
	resp := new(PublishServicePortResponse)
	if err := c.conn.Invoke(c.ctx(ctx), fullMethod("PublishServicePort"), req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Drain(ctx context.Context) (*DrainResponse, error) {
	resp := new(DrainResponse)
	if err := c.conn.Invoke(c.ctx(ctx), fullMethod("Drain"), &DrainRequest{}, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

// LogStream is the client-side handle for a StreamLogs call.
type LogStream struct {
	stream grpc.ClientStream
}

// StreamLogs opens a server-streaming call and sends the request.
func (c *Client) StreamLogs(ctx context.Context, id string) (*LogStream, error) {
	desc := &grpc.StreamDesc{StreamName: "StreamLogs", ServerStreams: true}
	stream, err := c.conn.NewStream(c.ctx(ctx), desc, fullMethod("StreamLogs"), grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&LogsRequest{ID: id}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &LogStream{stream: stream}, nil
}

// Recv blocks for the next LogMessage, returning io.EOF when the
// manager closes the stream.
func (s *LogStream) Recv() (*LogMessage, error) {
	msg := new(LogMessage)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
