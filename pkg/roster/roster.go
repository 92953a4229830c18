// Package roster keeps track of the other nodes in the cluster. It's the
// ClusterView seen by the coordinator, the connection pool used by the
// transport, and it rebuilds the default partitioner whenever membership
// changes.
package roster

import (
	"context"
	"sync"
	"time"

	"github.com/adammck/placer/pkg/api"
	"github.com/adammck/placer/pkg/chash"
	"github.com/adammck/placer/pkg/discovery"
	"github.com/adammck/placer/pkg/transport"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const DefaultServiceName = "placer"

type Roster struct {
	self    api.NodeID
	svcName string
	disc    discovery.Discoverable
	router  *chash.Placement
	vnodes  int
	clock   clockwork.Clock
	expire  time.Duration
	log     logrus.FieldLogger

	// Dials remotes. Replaced in tests.
	NodeConnFactory func(ctx context.Context, remote api.Remote) (*grpc.ClientConn, error)

	mu      sync.RWMutex
	nodes   map[api.NodeID]*Node
	members []api.NodeID
}

// New returns a roster containing only this node. Call Tick (or Run) to fill
// it in from discovery.
func New(self api.NodeID, svcName string, disc discovery.Discoverable, router *chash.Placement, vnodes int, expire time.Duration, clock clockwork.Clock, log logrus.FieldLogger) *Roster {
	return &Roster{
		self:            self,
		svcName:         svcName,
		disc:            disc,
		router:          router,
		vnodes:          vnodes,
		clock:           clock,
		expire:          expire,
		log:             log.WithField("action", "roster"),
		NodeConnFactory: dial,
		nodes:           map[api.NodeID]*Node{},
		members:         []api.NodeID{self},
	}
}

func dial(ctx context.Context, remote api.Remote) (*grpc.ClientConn, error) {
	return grpc.NewClient(remote.Addr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(transport.CallOption()))
}

// Tick fetches the current remotes from discovery, connects to new ones, and
// expires those which haven't been seen for a while. Returns true if the
// member list changed, in which case the default partitioner has already been
// replaced.
func (r *Roster) Tick(ctx context.Context) (bool, error) {
	res, err := r.disc.Get(r.svcName)
	if err != nil {
		return false, errors.Wrap(err, "error fetching remotes")
	}

	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false

	for _, rem := range res {
		nID := rem.NodeID()
		n, ok := r.nodes[nID]

		// New Node?
		if !ok {
			n = &Node{Remote: rem}

			if nID != r.self {
				conn, err := r.NodeConnFactory(ctx, rem)
				if err != nil {
					r.log.Warnf("error connecting to %s (%s): %v", nID, rem.Addr(), err)
					continue
				}
				n.conn = conn
			}

			r.log.Infof("new node: %s -> %s", nID, rem.Addr())
			r.nodes[nID] = n
			changed = true
		}

		n.whenLastSeen = now
	}

	for nID, n := range r.nodes {
		if now.Sub(n.whenLastSeen) < r.expire {
			continue
		}

		r.log.Infof("expiring node: %s", nID)
		if err := n.close(); err != nil {
			r.log.Warnf("error closing connection to %s: %v", nID, err)
		}
		delete(r.nodes, nID)
		changed = true
	}

	if !changed {
		return false, nil
	}

	ids := []api.NodeID{r.self}
	for nID := range r.nodes {
		if nID != r.self {
			ids = append(ids, nID)
		}
	}

	r.members = api.SortNodeIDs(ids)
	r.router.SetDefault(chash.NewRing(r.members, r.vnodes))
	r.log.Infof("members: %v", r.members)

	return true, nil
}

// Run ticks until the context is cancelled.
func (r *Roster) Run(ctx context.Context, interval time.Duration) {
	t := r.clock.NewTicker(interval)
	defer t.Stop()

	for {
		if _, err := r.Tick(ctx); err != nil {
			r.log.Warnf("error ticking: %v", err)
		}

		select {
		case <-t.Chan():
		case <-ctx.Done():
			return
		}
	}
}

// Close drops every connection.
func (r *Roster) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for nID, n := range r.nodes {
		if err := n.close(); err != nil {
			r.log.Warnf("error closing connection to %s: %v", nID, err)
		}
	}

	r.nodes = map[api.NodeID]*Node{}
	r.members = []api.NodeID{r.self}
}

// Members returns the sorted node IDs, always including this node.
func (r *Roster) Members() []api.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.NodeID, len(r.members))
	copy(out, r.members)
	return out
}

// Coordinator is the first member.
func (r *Roster) Coordinator() api.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[0]
}

// Conn implements transport.Conns.
func (r *Roster) Conn(nID api.NodeID) (grpc.ClientConnInterface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[nID]
	if !ok || n.conn == nil {
		return nil, false
	}

	return n.conn, true
}
