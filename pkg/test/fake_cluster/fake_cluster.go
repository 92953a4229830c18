// Package fake_cluster wires up a whole cluster of coordinators in one
// process, talking over an in-memory transport, for tests.
package fake_cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adammck/placer/pkg/actuator"
	"github.com/adammck/placer/pkg/actuator/rpc"
	"github.com/adammck/placer/pkg/api"
	"github.com/adammck/placer/pkg/chash"
	"github.com/adammck/placer/pkg/coordinator"
	"github.com/adammck/placer/pkg/features"
	"github.com/adammck/placer/pkg/learner"
	"github.com/adammck/placer/pkg/learner/memorize"
	"github.com/adammck/placer/pkg/lookup"
	"github.com/adammck/placer/pkg/persister"
	"github.com/adammck/placer/pkg/round"
	"github.com/adammck/placer/pkg/stats"
	"github.com/adammck/placer/pkg/transport"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

type Options struct {
	// Defaults to the in-process memorizing learner.
	Learner learner.Learner

	// Capacity of each node's top-K summaries. Defaults to 10.
	Capacity int

	CoolDown time.Duration
	WorkDir  string
	Log      logrus.FieldLogger
}

type Node struct {
	ID       api.NodeID
	Coord    *coordinator.Coordinator
	Rounds   *round.Manager
	Router   *chash.Placement
	Stats    *stats.Stats
	Actuator *actuator.Actuator
}

type Cluster struct {
	Net   *transport.Network
	Clock clockwork.FakeClock
	Ring  *chash.Ring
	Model features.Model

	view  *View
	nodes map[api.NodeID]*Node
}

// View is a static ClusterView.
type View struct {
	mu      sync.Mutex
	members []api.NodeID
}

func (v *View) Members() []api.NodeID {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]api.NodeID, len(v.members))
	copy(out, v.members)
	return out
}

func (v *View) Coordinator() api.NodeID {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.members) == 0 {
		return api.ZeroNodeID
	}
	return v.members[0]
}

func New(nIDs []api.NodeID, opts Options) (*Cluster, error) {
	if opts.Learner == nil {
		opts.Learner = memorize.New()
	}
	if opts.Capacity == 0 {
		opts.Capacity = 10
	}
	if opts.Log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		opts.Log = l
	}

	members := api.SortNodeIDs(nIDs)
	c := &Cluster{
		Net:   transport.NewNetwork(),
		Clock: clockwork.NewFakeClock(),
		Ring:  chash.NewRing(members, chash.DefaultVirtualNodes),
		Model: features.NewKeyParts(features.DefaultSeparator, features.DefaultParts),
		view:  &View{members: members},
		nodes: map[api.NodeID]*Node{},
	}

	for _, nID := range members {
		log := opts.Log.WithField("node", nID)

		rm, err := round.New(true, opts.CoolDown, c.Clock, persister.NewMemory(), log)
		if err != nil {
			return nil, err
		}

		t := c.Net.Transport(nID)
		router := chash.NewPlacement(c.Ring)
		st := stats.New(opts.Capacity)
		act := actuator.New(rpc.New(t), c.Clock, time.Second, log)

		coord := coordinator.New(coordinator.Params{
			Self:      nID,
			View:      c.view,
			Transport: t,
			Rounds:    rm,
			Router:    router,
			Stats:     st,
			Builder:   lookup.NewFactory(opts.Learner, c.Model, lookup.DefaultFalsePositiveRate, opts.WorkDir, log),
			Actuator:  act,
			Log:       log,
		})

		c.Net.Add(nID, coord)
		coord.Start()

		c.nodes[nID] = &Node{
			ID:       nID,
			Coord:    coord,
			Rounds:   rm,
			Router:   router,
			Stats:    st,
			Actuator: act,
		}
	}

	return c, nil
}

func (c *Cluster) Close() {
	for _, n := range c.nodes {
		n.Coord.Stop()
		n.Actuator.Wait()
	}
}

func (c *Cluster) Node(nID api.NodeID) *Node {
	n, ok := c.nodes[nID]
	if !ok {
		panic(fmt.Sprintf("no such node: %s", nID))
	}
	return n
}

func (c *Cluster) Members() []api.NodeID {
	return c.view.Members()
}

// Access routes the key from the given node n times, recording each access in
// that node's stats, like a store would.
func (c *Cluster) Access(nID api.NodeID, key api.Key, n int) {
	coord := c.Node(nID).Coord
	for i := 0; i < n; i++ {
		_, err := coord.Locate(context.Background(), &transport.LocateRequest{Key: key, N: 1, Record: true})
		if err != nil {
			panic(fmt.Sprintf("error locating %s: %v", key, err))
		}
	}
}

// KeysOwnedBy returns n keys like "user:<i>:profile" whose default owner is
// the given node.
func (c *Cluster) KeysOwnedBy(nID api.NodeID, n int) []api.Key {
	out := make([]api.Key, 0, n)
	for i := 0; len(out) < n; i++ {
		k := api.Key(fmt.Sprintf("user:%d:profile", i))
		if owners := c.Ring.Locate(k, 1); len(owners) > 0 && owners[0] == nID {
			out = append(out, k)
		}
	}
	return out
}

// Finished returns true if every node has started the given round and none of
// them still has it in progress.
func (c *Cluster) Finished(rID api.RoundID) bool {
	for _, n := range c.nodes {
		if n.Rounds.Current() != rID || n.Rounds.InProgress() {
			return false
		}
	}
	return true
}
