package actuator

import (
	"context"
	"sync"
	"time"

	"github.com/adammck/placer/pkg/api"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const DefaultMaxFailures = 3

// Actuator triggers migration once per round, on its own goroutine, retrying
// failures with a fixed backoff up to a limit.
type Actuator struct {
	impl  Impl
	clock clockwork.Clock
	log   logrus.FieldLogger

	wg sync.WaitGroup

	// Rounds which have been triggered but not yet completed. Used to avoid
	// triggering the same round redundantly, if the coordinator sees quorum
	// twice. (Though Impl must tolerate it anyway.)
	inFlight   map[api.RoundID]struct{}
	inFlightMu sync.Mutex

	// TODO: Trim contents periodically.
	failures   map[api.RoundID][]time.Time
	failuresMu sync.RWMutex

	backoff     time.Duration
	maxFailures int
}

func New(impl Impl, clock clockwork.Clock, backoff time.Duration, log logrus.FieldLogger) *Actuator {
	return &Actuator{
		impl:        impl,
		clock:       clock,
		log:         log.WithField("action", "actuator"),
		inFlight:    map[api.RoundID]struct{}{},
		failures:    map[api.RoundID][]time.Time{},
		backoff:     backoff,
		maxFailures: DefaultMaxFailures,
	}
}

// PlacementDecided implements Trigger.
func (a *Actuator) PlacementDecided(ctx context.Context, rID api.RoundID, members []api.NodeID) {
	a.inFlightMu.Lock()
	_, ok := a.inFlight[rID]
	if !ok {
		a.inFlight[rID] = struct{}{}
	}
	a.inFlightMu.Unlock()

	if ok {
		a.log.WithField("round", rID).Warn("dropping in-flight trigger")
		return
	}

	a.wg.Add(1)

	// Detached from the caller's context, which is probably an RPC which will
	// return before the migration is done.
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer a.wg.Done()
		a.exec(ctx, rID, members)

		a.inFlightMu.Lock()
		delete(a.inFlight, rID)
		a.inFlightMu.Unlock()
	}()
}

func (a *Actuator) exec(ctx context.Context, rID api.RoundID, members []api.NodeID) {
	l := a.log.WithField("round", rID)

	for {
		err := a.impl.MoveKeys(ctx, rID, members)
		if err == nil {
			l.Info("triggered migration")
			return
		}

		n := a.incrementError(rID)
		if n >= a.maxFailures {
			l.Errorf("given up on triggering migration after %d attempts: %v", n, err)
			return
		}

		l.Warnf("error triggering migration (attempt=%d): %v", n, err)

		select {
		case <-a.clock.After(a.backoff):
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until every triggered round has finished (or given up).
func (a *Actuator) Wait() {
	a.wg.Wait()
}

func (a *Actuator) incrementError(rID api.RoundID) int {
	a.failuresMu.Lock()
	defer a.failuresMu.Unlock()

	a.failures[rID] = append(a.failures[rID], a.clock.Now())
	return len(a.failures[rID])
}

// Failures returns the number of times the given round failed to trigger.
func (a *Actuator) Failures(rID api.RoundID) int {
	a.failuresMu.RLock()
	defer a.failuresMu.RUnlock()
	return len(a.failures[rID])
}

func (a *Actuator) LastFailure(rID api.RoundID) time.Time {
	a.failuresMu.RLock()
	defer a.failuresMu.RUnlock()

	t, ok := a.failures[rID]
	if !ok {
		return time.Time{}
	}

	return t[len(t)-1]
}
