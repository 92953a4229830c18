package coordinator

import (
	"context"
	"time"

	"github.com/adammck/placer/pkg/lookup"
	"github.com/adammck/placer/pkg/round"
	"github.com/adammck/placer/pkg/stats"
	"github.com/adammck/placer/pkg/transport"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// HandleRequestRound is only meaningful on the coordinator. Requests aren't
// forwarded again, so two nodes which disagree about who the coordinator is
// can't bounce one around forever.
func (c *Coordinator) HandleRequestRound(ctx context.Context, m *transport.RequestRound) error {
	if !c.isCoordinator() {
		return status.Errorf(codes.FailedPrecondition, "not coordinator: %s", c.self)
	}

	c.log.Debugf("round requested by %s", m.From)

	err := c.startRound(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, round.ErrNotEnabled):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, round.ErrTooSoon):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, round.ErrInProgress):
		return status.Error(codes.Aborted, err.Error())
	}

	return status.Errorf(codes.Internal, "%v", err)
}

// HandleStartRound starts the round locally and returns. The request lists
// are sent asynchronously, since the other members (including whoever sent
// this) might not have started the round yet, and will block until they do.
func (c *Coordinator) HandleStartRound(ctx context.Context, m *transport.StartRound) error {
	l := c.log.WithField("round", m.Round)

	if !c.rounds.Enabled() {
		l.Warn("dropping round start: placement disabled")
		c.metrics.Dropped("start", "disabled")
		return nil
	}

	self, snap, ok := c.beginRound(m.Round, m.Members)
	if !ok {
		l.Warnf("dropping stale round start (current=%v)", c.rounds.Current())
		c.metrics.Dropped("start", "stale")
		return nil
	}

	if self < 0 {
		// Nobody will wait for anything from this node, so it just sits the
		// round out.
		l.Warnf("not a member of round: %v", m.Members)
		return nil
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sendRequests(m.Round, m.Members, self, snap)
	}()

	return nil
}

// HandleRequestList aggregates the request list. Once one has arrived from
// every member, the decision about which of this node's keys should move is
// handed to the build worker.
func (c *Coordinator) HandleRequestList(ctx context.Context, m *transport.RequestList) error {
	if !c.ensure(ctx, m.Round, "request-list") {
		return nil
	}

	if !c.placement.AggregateResult(m.Round, m.Sender, m.Keys) {
		return nil
	}

	members, self, ok := c.current(m.Round)
	if !ok || self < 0 {
		return nil
	}

	c.mu.Lock()
	local := c.snap.TopK(stats.Local)
	c.mu.Unlock()

	d := c.placement.Decide(self, local)
	c.log.WithField("round", m.Round).Infof("decided to move %d keys", len(d))

	c.enqueueBuild(build{
		round:    m.Round,
		members:  members,
		self:     self,
		decision: d,
	})

	return nil
}

// HandleObjectLookup installs the lookup (or removes the sender's previous one
// if it's empty or can't be decoded). Once one has arrived from every member,
// this node acks to the coordinator.
func (c *Coordinator) HandleObjectLookup(ctx context.Context, m *transport.ObjectLookup) error {
	if !c.ensure(ctx, m.Round, "lookup") {
		return nil
	}

	l := c.log.WithField("round", m.Round)

	var ol *lookup.ObjectLookup
	if !m.Empty() {
		var err error
		ol, err = lookup.Decode(m.Membership, m.Tree, c.builder.Model())
		if err != nil {
			l.Warnf("not installing lookup from %d: %v", m.Origin, err)
			c.metrics.Dropped("lookup", "invalid")
			ol = nil
		}
	}

	if !c.lookups.AddObjectLookup(m.Round, m.Origin, ol) {
		return nil
	}

	members, self, ok := c.current(m.Round)
	if !ok || self < 0 {
		return nil
	}

	movedIn := c.requests.UpdateMovedIn()
	c.metrics.Installed(len(c.router.Origins()), movedIn)
	l.Infof("installed all lookups (moved in: %d)", movedIn)

	err := c.send(ctx, members[0], &transport.Ack{Round: m.Round, Sender: self})
	if err != nil {
		l.Errorf("error sending ack to %s: %v", members[0], err)
		return nil
	}

	c.mu.Lock()
	if m.Round > c.acked {
		c.acked = m.Round
	}
	c.mu.Unlock()

	c.maybeFinish()
	return nil
}

// HandleAck counts acks on the coordinator of the round. Once every member
// has acked, migration is triggered and the round is finished.
func (c *Coordinator) HandleAck(ctx context.Context, m *transport.Ack) error {
	if !c.ensure(ctx, m.Round, "ack") {
		return nil
	}

	members, self, ok := c.current(m.Round)
	if !ok {
		return nil
	}

	if self != 0 {
		c.log.WithField("round", m.Round).Warnf("dropping ack from %d: not coordinator of round", m.Sender)
		c.metrics.Dropped("ack", "invalid")
		return nil
	}

	if !c.lookups.AddAck(m.Round, m.Sender) {
		return nil
	}

	c.log.WithField("round", m.Round).Info("all members acked")
	c.act.PlacementDecided(ctx, m.Round, members)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.round == m.Round && c.rounds.InProgress() {
		c.rounds.MarkRoundFinished()
		c.metrics.RoundFinished()
	}

	return nil
}

func (c *Coordinator) HandleRehash(ctx context.Context, m *transport.Rehash) error {
	if !c.ensure(ctx, m.Round, "rehash") {
		return nil
	}

	c.NotifyRehash(m.Round)
	return nil
}

func (c *Coordinator) HandleSetCoolDown(ctx context.Context, m *transport.SetCoolDown) error {
	d := time.Duration(m.Ms) * time.Millisecond
	c.rounds.SetCoolDown(d)
	c.log.Infof("cool down set to %s", d)
	return nil
}
