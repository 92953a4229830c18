// Package coordinator drives the placement round protocol on one node. Every
// node runs a Coordinator; the one which is first in the sorted member list
// additionally issues round IDs and collects acks.
//
// The phases of a round are:
//
//  1. Someone calls RequestRound. The coordinator issues a round ID and
//     broadcasts START_ROUND with the member list.
//  2. Each member snapshots its access stats and sends a REQUEST_LIST to every
//     member, saying which of that member's keys it would like to own.
//  3. Once a member has a list from everyone, it decides which of its own keys
//     should move, builds an ObjectLookup for them (on the build worker), and
//     broadcasts it as OBJECT_LOOKUP.
//  4. Once a member has installed a lookup from everyone, it sends an ACK to
//     the coordinator.
//  5. Once the coordinator has every ACK, it triggers migration, which tells
//     everyone to REHASH, and the round is finished.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/adammck/placer/pkg/actuator"
	"github.com/adammck/placer/pkg/api"
	"github.com/adammck/placer/pkg/chash"
	"github.com/adammck/placer/pkg/features"
	"github.com/adammck/placer/pkg/lookup"
	"github.com/adammck/placer/pkg/metrics"
	"github.com/adammck/placer/pkg/placement"
	"github.com/adammck/placer/pkg/round"
	"github.com/adammck/placer/pkg/stats"
	"github.com/adammck/placer/pkg/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	sendTimeout  = 10 * time.Second
	buildTimeout = 5 * time.Minute

	// Builds queued behind the one in progress. More than one is only possible
	// if rounds are finishing faster than lookups can be trained.
	buildQueue = 4
)

var ErrNoMembers = errors.New("no members")

// ClusterView is the membership as seen by this node. Members must be sorted
// the same way on every node, and Coordinator must be the first of them.
type ClusterView interface {
	Members() []api.NodeID
	Coordinator() api.NodeID
}

// Builder turns a placement decision into an ObjectLookup. Implemented by
// lookup.Factory.
type Builder interface {
	Create(ctx context.Context, toMove api.Decision) (*lookup.ObjectLookup, error)
	Model() features.Model
}

type Params struct {
	Self      api.NodeID
	View      ClusterView
	Transport transport.Transport
	Rounds    *round.Manager
	Router    *chash.Placement
	Stats     *stats.Stats
	Builder   Builder
	Actuator  actuator.Trigger

	// Defaults to placement.DefaultMinTopKFill.
	MinTopKFill float64

	// Number of nodes Locate returns when the request doesn't say. Defaults
	// to one.
	Replication int

	// Optional.
	Metrics *metrics.Metrics

	Log logrus.FieldLogger
}

type build struct {
	round    api.RoundID
	members  []api.NodeID
	self     int
	decision api.Decision
}

type Coordinator struct {
	self    api.NodeID
	view    ClusterView
	t       transport.Transport
	rounds  *round.Manager
	router  *chash.Placement
	stats   *stats.Stats
	builder Builder
	act     actuator.Trigger
	metrics *metrics.Metrics
	log     logrus.FieldLogger
	repl    int

	requests  *placement.RequestManager
	placement *placement.Manager
	lookups   *placement.LookupManager

	// State of the current round. Everything else is in the managers.
	mu       sync.Mutex
	round    api.RoundID
	members  []api.NodeID
	snap     *stats.Snapshot
	acked    api.RoundID
	rehashed api.RoundID

	builds chan build
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(p Params) *Coordinator {
	minFill := p.MinTopKFill
	if minFill <= 0 {
		minFill = placement.DefaultMinTopKFill
	}

	repl := p.Replication
	if repl < 1 {
		repl = 1
	}

	log := p.Log.WithField("node", p.Self)
	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		self:      p.Self,
		view:      p.View,
		t:         p.Transport,
		rounds:    p.Rounds,
		router:    p.Router,
		stats:     p.Stats,
		builder:   p.Builder,
		act:       p.Actuator,
		metrics:   p.Metrics,
		repl:      repl,
		log:       log.WithField("action", "coordinator"),
		requests:  placement.NewRequestManager(p.Self, p.Router, minFill, log),
		placement: placement.NewManager(log),
		lookups:   placement.NewLookupManager(p.Router, log),
		snap:      stats.NewSnapshot(nil, nil, 0),
		builds:    make(chan build, buildQueue),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs the build worker. Messages can be handled before Start is
// called, but no lookups will be built until it is.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.buildLoop()
	}()
}

// Stop abandons any in-progress work and waits for the goroutines to exit.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) isCoordinator() bool {
	return c.view.Coordinator() == c.self
}

// RequestRound asks the coordinator to start a new round. If this node is the
// coordinator, the round is issued and started right here. Errors from the
// round manager (ErrNotEnabled, ErrTooSoon, ErrInProgress) are returned as-is
// so the caller can decide whether to retry later.
func (c *Coordinator) RequestRound(ctx context.Context) error {
	if !c.rounds.Enabled() {
		c.log.Debug("not requesting round: placement disabled")
		return round.ErrNotEnabled
	}

	coord := c.view.Coordinator()
	if coord == api.ZeroNodeID {
		return ErrNoMembers
	}

	if coord != c.self {
		c.log.Debugf("forwarding round request to %s", coord)
		return c.send(ctx, coord, &transport.RequestRound{From: c.self})
	}

	return c.startRound(ctx)
}

func (c *Coordinator) startRound(ctx context.Context) error {
	members := api.SortNodeIDs(c.view.Members())
	if len(members) == 0 {
		return ErrNoMembers
	}

	rID, err := c.rounds.NewRoundID()
	if err != nil {
		return err
	}

	// Everyone, including this node, starts the round on receipt. If anyone
	// misses the message the round will never finish.
	err = c.broadcast(ctx, members, &transport.StartRound{Round: rID, Members: members})
	if err != nil {
		c.log.WithField("round", rID).Errorf("error broadcasting round start: %v", err)
		return errors.Wrapf(err, "error starting round %v", rID)
	}

	return nil
}

// SetCoolDown changes the minimum time between rounds, here and on the
// coordinator.
func (c *Coordinator) SetCoolDown(ctx context.Context, d time.Duration) error {
	c.rounds.SetCoolDown(d)

	coord := c.view.Coordinator()
	if coord == c.self || coord == api.ZeroNodeID {
		return nil
	}

	return c.send(ctx, coord, &transport.SetCoolDown{Ms: uint64(d.Milliseconds())})
}

// NotifyRehash is called when the store has been told to rehash after the
// given round. A non-coordinator finishes its round once it has seen this and
// sent its ack.
func (c *Coordinator) NotifyRehash(rID api.RoundID) {
	c.mu.Lock()
	if rID > c.rehashed {
		c.rehashed = rID
	}
	c.mu.Unlock()

	c.maybeFinish()
}

// maybeFinish holds the lock while finishing, so a round which starts
// concurrently can't be the one marked finished.
func (c *Coordinator) maybeFinish() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.round == api.ZeroRound || c.acked < c.round || c.rehashed < c.round {
		return
	}

	if c.rounds.Current() == c.round && c.rounds.InProgress() {
		c.rounds.MarkRoundFinished()
		c.metrics.RoundFinished()
	}
}

// beginRound resets the per-round state and then advances the round manager,
// which releases any handlers waiting for this round. In that order, so none
// of them see the previous round's state.
func (c *Coordinator) beginRound(rID api.RoundID, members []api.NodeID) (int, *stats.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rID <= c.rounds.Current() {
		return 0, nil, false
	}

	snap := c.stats.Snapshot()

	c.round = rID
	c.members = members
	c.snap = snap

	c.placement.Reset(rID, len(members))
	c.lookups.Reset(rID, members)

	if !c.rounds.StartNewRound(rID) {
		return 0, nil, false
	}

	c.metrics.RoundStarted(rID)
	return api.IndexOf(members, c.self), snap, true
}

// current returns the member list and this node's index in it, for the given
// round. ok is false if that isn't the current round.
func (c *Coordinator) current(rID api.RoundID) ([]api.NodeID, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rID != c.round {
		return nil, -1, false
	}

	return c.members, api.IndexOf(c.members, c.self), true
}

// ensure waits until the given round has started on this node. Returns false
// if the message should be dropped: because placement is disabled, the wait
// was interrupted, or a newer round has already started.
func (c *Coordinator) ensure(ctx context.Context, rID api.RoundID, what string) bool {
	l := c.log.WithField("round", rID)

	if !c.rounds.Ensure(ctx, rID) {
		l.Warnf("dropping %s: placement disabled or wait interrupted", what)
		c.metrics.Dropped(what, "disabled")
		return false
	}

	if cur := c.rounds.Current(); rID < cur {
		l.Warnf("dropping stale %s (current=%v)", what, cur)
		c.metrics.Dropped(what, "stale")
		return false
	}

	return true
}

func (c *Coordinator) sendRequests(rID api.RoundID, members []api.NodeID, self int, top stats.TopK) {
	l := c.log.WithField("round", rID)

	ctx, cancel := context.WithTimeout(c.ctx, sendTimeout)
	defer cancel()

	lists := c.requests.Lists(members, top)

	g := errgroup.Group{}
	for nID, rl := range lists {
		nID := nID
		msg := &transport.RequestList{Round: rID, Sender: self, Keys: rl}
		g.Go(func() error {
			return errors.Wrapf(c.send(ctx, nID, msg), "error sending request list to %s", nID)
		})
	}

	if err := g.Wait(); err != nil {
		l.Errorf("error sending request lists: %v", err)
	}
}

func (c *Coordinator) enqueueBuild(b build) {
	select {
	case c.builds <- b:
	case <-c.ctx.Done():
	}
}

func (c *Coordinator) buildLoop() {
	for {
		select {
		case b := <-c.builds:
			c.build(b)
		case <-c.ctx.Done():
			return
		}
	}
}

// build trains a lookup for the keys this node decided to move, and broadcasts
// it. Whatever happens, something is broadcast, since every member is waiting
// for one lookup from each member; if there's nothing to move or the build
// failed, it's empty, and the keys stay on default routing.
func (c *Coordinator) build(b build) {
	l := c.log.WithField("round", b.round)

	if cur := c.rounds.Current(); b.round < cur {
		l.Warnf("skipping build for stale round (current=%v)", cur)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, buildTimeout)
	defer cancel()

	msg := &transport.ObjectLookup{Round: b.round, Origin: b.self}
	result := metrics.BuildEmpty
	mismatches := 0
	start := time.Now()

	if len(b.decision) > 0 {
		result = metrics.BuildError

		ol, err := c.builder.Create(ctx, b.decision)
		if err != nil {
			l.Warnf("error building lookup for %d keys; they stay put: %v", len(b.decision), err)
		} else {
			mismatches = placement.CountMismatches(ol, b.decision)
			if mismatches > 0 {
				l.Warnf("lookup routes %d of %d decided keys elsewhere", mismatches, len(b.decision))
			}

			m, t, err := ol.Encode()
			if err != nil {
				l.Errorf("error encoding lookup: %v", err)
			} else {
				msg.Membership = m
				msg.Tree = t
				result = metrics.BuildOK
			}
		}
	}

	c.metrics.Built(result, time.Since(start), len(b.decision), mismatches)
	l.WithFields(logrus.Fields{
		"keys":       len(b.decision),
		"result":     result,
		"mismatches": mismatches,
	}).Info("built lookup")

	sctx, scancel := context.WithTimeout(c.ctx, sendTimeout)
	defer scancel()

	if err := c.broadcast(sctx, b.members, msg); err != nil {
		l.Errorf("error broadcasting lookup: %v", err)
	}
}

// send delivers msg to one node. Messages to this node are handled directly,
// without going through the transport.
func (c *Coordinator) send(ctx context.Context, to api.NodeID, msg transport.Message) error {
	if to == c.self {
		return transport.Dispatch(ctx, c, msg)
	}

	return c.t.Send(ctx, to, msg)
}

func (c *Coordinator) broadcast(ctx context.Context, to []api.NodeID, msg transport.Message) error {
	return transport.Broadcast(ctx, sender{c}, to, msg)
}

// sender adapts send to transport.Transport.
type sender struct {
	c *Coordinator
}

func (s sender) Send(ctx context.Context, to api.NodeID, msg transport.Message) error {
	return s.c.send(ctx, to, msg)
}
