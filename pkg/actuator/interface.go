package actuator

import (
	"context"

	"github.com/adammck/placer/pkg/api"
)

// Impl performs (or starts) the migration of moved keys after a round. It may
// be called more than once for the same round if it returns an error.
type Impl interface {
	MoveKeys(ctx context.Context, rID api.RoundID, members []api.NodeID) error
}

// Trigger is what the coordinator calls once a round has been acked by every
// member. It must not block.
type Trigger interface {
	PlacementDecided(ctx context.Context, rID api.RoundID, members []api.NodeID)
}
