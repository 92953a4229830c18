package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/adammck/placer/pkg/api"
	"github.com/adammck/placer/pkg/round"
	"github.com/adammck/placer/pkg/stats"
	"github.com/adammck/placer/pkg/test/fake_cluster"
	"github.com/adammck/placer/pkg/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const waitFor = 2 * time.Second
const tick = 10 * time.Millisecond

const (
	nodeA api.NodeID = "node-aaa"
	nodeB api.NodeID = "node-bbb"
	nodeC api.NodeID = "node-ccc"
)

func setup(t *testing.T, opts fake_cluster.Options) *fake_cluster.Cluster {
	log, _ := test.NewNullLogger()
	opts.Log = log
	opts.WorkDir = t.TempDir()

	c, err := fake_cluster.New([]api.NodeID{nodeC, nodeA, nodeB}, opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return c
}

type brokenLearner struct{}

func (brokenLearner) Run(ctx context.Context, dataPath, namesPath string) ([]string, error) {
	return nil, errors.New("c5.0: exec format error")
}

func TestRoundMovesHotKeys(t *testing.T) {
	c := setup(t, fake_cluster.Options{})
	ctx := context.Background()

	// B reads ten of C's keys, which nobody else touches.
	keys := c.KeysOwnedBy(nodeC, 10)
	for _, k := range keys {
		c.Access(nodeB, k, 5)
	}

	// Requested via a non-coordinator, so it's forwarded to A.
	require.NoError(t, c.Node(nodeC).Coord.RequestRound(ctx))
	require.Eventually(t, func() bool {
		return c.Finished(1)
	}, waitFor, tick)

	for _, nID := range c.Members() {
		for _, k := range keys {
			assert.Equal(t, []api.NodeID{nodeB}, c.Node(nID).Router.Locate(k, 1), "node=%s key=%s", nID, k)
		}

		// Only C decided to move anything.
		assert.Equal(t, []api.NodeID{nodeC}, c.Node(nID).Router.Origins())
	}

	info, err := c.Node(nodeB).Coord.Info(ctx, &transport.InfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, 10, info.MovedIn)
	assert.Equal(t, nodeA, info.Coordinator)
	assert.Equal(t, api.RoundID(1), info.Round)
	assert.False(t, info.InProgress)

	// Migration was triggered exactly once, by the coordinator.
	c.Node(nodeA).Actuator.Wait()
	assert.Equal(t, 0, c.Node(nodeA).Actuator.Failures(1))
}

func TestRoundWithFailingLearner(t *testing.T) {
	c := setup(t, fake_cluster.Options{Learner: brokenLearner{}})

	keys := c.KeysOwnedBy(nodeC, 10)
	for _, k := range keys {
		c.Access(nodeB, k, 5)
	}

	require.NoError(t, c.Node(nodeA).Coord.RequestRound(context.Background()))
	require.Eventually(t, func() bool {
		return c.Finished(1)
	}, waitFor, tick)

	// No lookup, so everything stays where it was.
	for _, nID := range c.Members() {
		assert.Empty(t, c.Node(nID).Router.Origins())
		for _, k := range keys {
			assert.Equal(t, []api.NodeID{nodeC}, c.Node(nID).Router.Locate(k, 1))
		}
	}
}

func TestRoundLocalDemandWins(t *testing.T) {
	c := setup(t, fake_cluster.Options{})

	keys := c.KeysOwnedBy(nodeC, 10)
	for _, k := range keys {
		c.Access(nodeB, k, 5)
		c.Access(nodeC, k, 5)
	}

	require.NoError(t, c.Node(nodeA).Coord.RequestRound(context.Background()))
	require.Eventually(t, func() bool {
		return c.Finished(1)
	}, waitFor, tick)

	for _, k := range keys {
		assert.Equal(t, []api.NodeID{nodeC}, c.Node(nodeA).Router.Locate(k, 1))
	}
}

func TestRoundWithoutEnoughStats(t *testing.T) {
	c := setup(t, fake_cluster.Options{})

	// Below the minimum fill of the summary, so B sits this round out.
	keys := c.KeysOwnedBy(nodeC, 3)
	for _, k := range keys {
		c.Access(nodeB, k, 50)
	}

	require.NoError(t, c.Node(nodeA).Coord.RequestRound(context.Background()))
	require.Eventually(t, func() bool {
		return c.Finished(1)
	}, waitFor, tick)

	for _, k := range keys {
		assert.Equal(t, []api.NodeID{nodeC}, c.Node(nodeB).Router.Locate(k, 1))
	}
}

func TestRequestRoundErrors(t *testing.T) {
	c := setup(t, fake_cluster.Options{CoolDown: time.Minute})
	ctx := context.Background()

	require.NoError(t, c.Node(nodeA).Coord.RequestRound(ctx))
	require.Eventually(t, func() bool {
		return c.Finished(1)
	}, waitFor, tick)

	err := c.Node(nodeA).Coord.RequestRound(ctx)
	assert.ErrorIs(t, err, round.ErrTooSoon)

	// Forwarded requests come back as status errors.
	err = c.Node(nodeB).Coord.RequestRound(ctx)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	c.Clock.Advance(time.Minute)
	require.NoError(t, c.Node(nodeB).Coord.RequestRound(ctx))
	require.Eventually(t, func() bool {
		return c.Finished(2)
	}, waitFor, tick)

	c.Node(nodeA).Rounds.SetEnabled(false)
	c.Clock.Advance(time.Minute)
	err = c.Node(nodeA).Coord.RequestRound(ctx)
	assert.ErrorIs(t, err, round.ErrNotEnabled)

	// Not forwarded again by a non-coordinator.
	err = c.Node(nodeB).Coord.HandleRequestRound(ctx, &transport.RequestRound{From: nodeC})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestSetCoolDownForwarded(t *testing.T) {
	c := setup(t, fake_cluster.Options{})

	require.NoError(t, c.Node(nodeC).Coord.SetCoolDown(context.Background(), 5*time.Second))
	assert.Equal(t, 5*time.Second, c.Node(nodeA).Rounds.CoolDown())
	assert.Equal(t, 5*time.Second, c.Node(nodeC).Rounds.CoolDown())
	assert.Equal(t, time.Duration(0), c.Node(nodeB).Rounds.CoolDown())
}

func TestMessageForFutureRoundWaits(t *testing.T) {
	c := setup(t, fake_cluster.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Round 1 never starts, so this is dropped once the context is done.
	start := time.Now()
	err := c.Node(nodeB).Coord.HandleRequestList(ctx, &transport.RequestList{
		Round:  1,
		Sender: 0,
		Keys:   map[api.Key]uint64{"user:1:profile": 10},
	})
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, api.ZeroRound, c.Node(nodeB).Rounds.Current())
}

func TestStaleMessagesDropped(t *testing.T) {
	c := setup(t, fake_cluster.Options{})
	ctx := context.Background()

	keys := c.KeysOwnedBy(nodeC, 10)
	for _, k := range keys {
		c.Access(nodeB, k, 5)
	}

	require.NoError(t, c.Node(nodeA).Coord.RequestRound(ctx))
	require.Eventually(t, func() bool {
		return c.Finished(1)
	}, waitFor, tick)

	require.NoError(t, c.Node(nodeA).Coord.RequestRound(ctx))
	require.Eventually(t, func() bool {
		return c.Finished(2)
	}, waitFor, tick)

	// Nobody accessed anything in round 2, so C's lookup was replaced with
	// nothing.
	n := c.Node(nodeB)
	assert.Empty(t, n.Router.Origins())

	// A late empty lookup from round 1 doesn't touch round 2's state, nor
	// does a late round start.
	assert.NoError(t, n.Coord.HandleObjectLookup(ctx, &transport.ObjectLookup{Round: 1, Origin: 2}))
	assert.NoError(t, n.Coord.HandleStartRound(ctx, &transport.StartRound{Round: 1, Members: c.Members()}))
	assert.Equal(t, api.RoundID(2), n.Rounds.Current())
	assert.False(t, n.Rounds.InProgress())
}

func TestLocate(t *testing.T) {
	c := setup(t, fake_cluster.Options{})
	ctx := context.Background()
	coord := c.Node(nodeA).Coord

	_, err := coord.Locate(ctx, &transport.LocateRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	res, err := coord.Locate(ctx, &transport.LocateRequest{Key: "user:1:profile", N: 2})
	require.NoError(t, err)
	assert.Equal(t, c.Ring.Locate("user:1:profile", 2), res.Nodes)

	// Unrecorded, so no stats.
	assert.Empty(t, c.Node(nodeA).Stats.TopK(stats.Local))
}
