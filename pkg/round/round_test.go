package round

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adammck/placer/pkg/api"
	"github.com/adammck/placer/pkg/persister"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const waitFor = 500 * time.Millisecond
const tick = 10 * time.Millisecond

type RoundSuite struct {
	suite.Suite
	ctx   context.Context
	clock clockwork.FakeClock
	pers  *persister.Memory
	m     *Manager
}

func TestRoundSuite(t *testing.T) {
	suite.Run(t, new(RoundSuite))
}

func (ts *RoundSuite) SetupTest() {
	ts.ctx = context.Background()
	ts.clock = clockwork.NewFakeClock()
	ts.pers = persister.NewMemory()

	log, _ := test.NewNullLogger()
	m, err := New(true, time.Minute, ts.clock, ts.pers, log)
	ts.Require().NoError(err)
	ts.m = m
}

// issue issues and starts a round, then finishes it and waits out the
// cooldown.
func (ts *RoundSuite) issue() api.RoundID {
	rID, err := ts.m.NewRoundID()
	ts.Require().NoError(err)
	ts.True(ts.m.StartNewRound(rID))
	ts.m.MarkRoundFinished()
	ts.clock.Advance(ts.m.CoolDown())
	return rID
}

func (ts *RoundSuite) TestMonotonic() {
	prev := api.ZeroRound
	for i := 0; i < 10; i++ {
		rID := ts.issue()
		ts.Greater(rID, prev)
		prev = rID
	}

	stored, err := ts.pers.GetRound()
	ts.NoError(err)
	ts.Equal(api.RoundID(10), stored)
	ts.Equal(10, ts.pers.Puts())
}

func (ts *RoundSuite) TestTooSoon() {
	ts.issue()

	_, err := ts.m.NewRoundID()
	ts.NoError(err)

	rID := ts.m.Current()
	ts.m.StartNewRound(rID + 1)
	ts.m.MarkRoundFinished()

	// Cooldown is measured from issue, not finish.
	ts.clock.Advance(59 * time.Second)
	_, err = ts.m.NewRoundID()
	ts.ErrorIs(err, ErrTooSoon)

	ts.clock.Advance(time.Second)
	_, err = ts.m.NewRoundID()
	ts.NoError(err)
}

func (ts *RoundSuite) TestInProgress() {
	ts.m.SetCoolDown(0)

	rID, err := ts.m.NewRoundID()
	ts.Require().NoError(err)

	_, err = ts.m.NewRoundID()
	ts.ErrorIs(err, ErrInProgress)

	ts.m.StartNewRound(rID)
	_, err = ts.m.NewRoundID()
	ts.ErrorIs(err, ErrInProgress)

	ts.m.MarkRoundFinished()
	next, err := ts.m.NewRoundID()
	ts.NoError(err)
	ts.Equal(rID+1, next)
}

func (ts *RoundSuite) TestSetCoolDownNextRoundOnly() {
	ts.m.SetCoolDown(time.Hour)
	rID, err := ts.m.NewRoundID()
	ts.Require().NoError(err)
	ts.m.StartNewRound(rID)
	ts.m.MarkRoundFinished()

	// Shortening the cooldown doesn't release the current one early.
	ts.m.SetCoolDown(time.Second)
	ts.clock.Advance(time.Minute)
	_, err = ts.m.NewRoundID()
	ts.ErrorIs(err, ErrTooSoon)

	ts.clock.Advance(time.Hour)
	rID, err = ts.m.NewRoundID()
	ts.Require().NoError(err)
	ts.m.StartNewRound(rID)
	ts.m.MarkRoundFinished()

	ts.clock.Advance(time.Second)
	_, err = ts.m.NewRoundID()
	ts.NoError(err)
}

func (ts *RoundSuite) TestNotEnabled() {
	ts.m.SetEnabled(false)
	_, err := ts.m.NewRoundID()
	ts.ErrorIs(err, ErrNotEnabled)
	ts.False(ts.m.Ensure(ts.ctx, 0))
}

func (ts *RoundSuite) TestStartIgnoresOldRounds() {
	ts.True(ts.m.StartNewRound(5))
	ts.False(ts.m.StartNewRound(5))
	ts.False(ts.m.StartNewRound(3))
	ts.Equal(api.RoundID(5), ts.m.Current())

	// Issued IDs follow rounds started by someone else.
	ts.m.MarkRoundFinished()
	rID, err := ts.m.NewRoundID()
	ts.NoError(err)
	ts.Equal(api.RoundID(6), rID)
}

func (ts *RoundSuite) TestResumeFromPersister() {
	ts.Require().NoError(ts.pers.PutRound(41))

	log, _ := test.NewNullLogger()
	m, err := New(true, 0, ts.clock, ts.pers, log)
	ts.Require().NoError(err)

	rID, err := m.NewRoundID()
	ts.NoError(err)
	ts.Equal(api.RoundID(42), rID)

	// Loaded rounds are not started rounds.
	ts.Equal(api.ZeroRound, m.Current())
}

func (ts *RoundSuite) TestEnsureCausality() {
	var state int32
	done := make(chan bool)

	go func() {
		ok := ts.m.Ensure(ts.ctx, 2)
		// Round-scoped state must already be visible.
		done <- ok && atomic.LoadInt32(&state) == 2
	}()

	select {
	case <-done:
		ts.Fail("Ensure returned before round started")
	case <-time.After(50 * time.Millisecond):
	}

	atomic.StoreInt32(&state, 1)
	ts.m.StartNewRound(1)

	select {
	case <-done:
		ts.Fail("Ensure returned for earlier round")
	case <-time.After(50 * time.Millisecond):
	}

	atomic.StoreInt32(&state, 2)
	ts.m.StartNewRound(2)

	select {
	case ok := <-done:
		ts.True(ok)
	case <-time.After(waitFor):
		ts.Fail("Ensure didn't return after round started")
	}

	// Already started, so returns immediately.
	ts.True(ts.m.Ensure(ts.ctx, 1))
}

func (ts *RoundSuite) TestEnsureInterrupted() {
	ctx, cancel := context.WithCancel(ts.ctx)
	done := make(chan bool)

	go func() {
		done <- ts.m.Ensure(ctx, 1)
	}()

	cancel()
	select {
	case ok := <-done:
		ts.False(ok)
	case <-time.After(waitFor):
		ts.Fail("Ensure didn't return after cancel")
	}
}

func (ts *RoundSuite) TestEnsureDisabledWhileWaiting() {
	var returned int32
	var result int32

	go func() {
		if ts.m.Ensure(ts.ctx, 1) {
			atomic.StoreInt32(&result, 1)
		}
		atomic.StoreInt32(&returned, 1)
	}()

	ts.m.SetEnabled(false)
	ts.Eventually(func() bool {
		return atomic.LoadInt32(&returned) == 1
	}, waitFor, tick)
	ts.Equal(int32(0), atomic.LoadInt32(&result))
}

func TestNewWithoutPersister(t *testing.T) {
	log, _ := test.NewNullLogger()
	m, err := New(true, 0, clockwork.NewFakeClock(), nil, log)
	assert.NoError(t, err)

	rID, err := m.NewRoundID()
	assert.NoError(t, err)
	assert.Equal(t, api.RoundID(1), rID)
}

// sharedStore is a round store shared by several nodes. Each handle refuses
// to write if the store has changed since it last read or wrote, like the
// consul persister.
type sharedStore struct {
	mu      sync.Mutex
	round   api.RoundID
	version int
}

type storeHandle struct {
	s       *sharedStore
	version int
}

func (h *storeHandle) GetRound() (api.RoundID, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.version = h.s.version
	return h.s.round, nil
}

func (h *storeHandle) PutRound(rID api.RoundID) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.version != h.s.version {
		return errors.Wrap(persister.ErrConflict, "stale")
	}
	h.s.round = rID
	h.s.version++
	h.version = h.s.version
	return nil
}

func TestCoordinatorChange(t *testing.T) {
	log, _ := test.NewNullLogger()
	clock := clockwork.NewFakeClock()
	store := &sharedStore{}

	a, err := New(true, 0, clock, &storeHandle{s: store}, log)
	require.NoError(t, err)
	b, err := New(true, 0, clock, &storeHandle{s: store}, log)
	require.NoError(t, err)

	// A is the coordinator for a few rounds. B sees none of them.
	for i := 0; i < 3; i++ {
		rID, err := a.NewRoundID()
		require.NoError(t, err)
		a.StartNewRound(rID)
		a.MarkRoundFinished()
	}

	// Then B takes over, and carries on after A's rounds.
	rID, err := b.NewRoundID()
	require.NoError(t, err)
	assert.Equal(t, api.RoundID(4), rID)

	b.StartNewRound(rID)
	b.MarkRoundFinished()
	rID, err = b.NewRoundID()
	require.NoError(t, err)
	assert.Equal(t, api.RoundID(5), rID)
	assert.Equal(t, api.RoundID(5), store.round)
}
