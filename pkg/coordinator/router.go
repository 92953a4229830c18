package coordinator

import (
	"context"

	"github.com/adammck/placer/pkg/transport"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Locate routes a key through the placement, i.e. the default partitioner
// with every installed lookup applied. If req.Record is set, the access is
// also counted towards the next round.
func (c *Coordinator) Locate(ctx context.Context, req *transport.LocateRequest) (*transport.LocateResponse, error) {
	if req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "missing key")
	}

	n := req.N
	if n <= 0 {
		n = c.repl
	}

	nIDs := c.router.Locate(req.Key, n)
	if len(nIDs) == 0 {
		return nil, status.Error(codes.Unavailable, "no nodes")
	}

	if req.Record {
		c.stats.Record(req.Key, nIDs[0] != c.self)
	}

	return &transport.LocateResponse{Nodes: nIDs}, nil
}

func (c *Coordinator) Info(ctx context.Context, req *transport.InfoRequest) (*transport.InfoResponse, error) {
	return &transport.InfoResponse{
		Node:        c.self,
		Coordinator: c.view.Coordinator(),
		Enabled:     c.rounds.Enabled(),
		Round:       c.rounds.Current(),
		InProgress:  c.rounds.InProgress(),
		CoolDownMs:  uint64(c.rounds.CoolDown().Milliseconds()),
		Members:     c.view.Members(),
		Lookups:     c.router.Origins(),
		MovedIn:     len(c.requests.MovedIn()),
	}, nil
}
