package transport

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls both services on one node.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Send delivers a protocol message.
func (c *Client) Send(ctx context.Context, msg Message) error {
	return c.conn.Invoke(ctx, msg.method(), msg, &Empty{}, CallOption())
}

func (c *Client) Locate(ctx context.Context, req *LocateRequest) (*LocateResponse, error) {
	res := &LocateResponse{}
	if err := c.conn.Invoke(ctx, methodLocate, req, res, CallOption()); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	res := &InfoResponse{}
	if err := c.conn.Invoke(ctx, methodInfo, &InfoRequest{}, res, CallOption()); err != nil {
		return nil, err
	}
	return res, nil
}
