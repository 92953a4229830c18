package rpc

import (
	"context"
	"time"

	"github.com/adammck/placer/pkg/api"
	"github.com/adammck/placer/pkg/transport"
)

// Actuator tells every member of the round to rehash, which is the signal for
// the store to start moving keys according to the newly installed lookups.
type Actuator struct {
	t transport.Transport
}

const rpcTimeout = 5 * time.Second

func New(t transport.Transport) *Actuator {
	return &Actuator{
		t: t,
	}
}

func (a *Actuator) MoveKeys(ctx context.Context, rID api.RoundID, members []api.NodeID) error {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	return transport.Broadcast(ctx, a.t, members, &transport.Rehash{Round: rID})
}
