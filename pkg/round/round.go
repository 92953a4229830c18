// Package round tracks the placement round that this node is participating
// in. On the coordinator it also issues new round IDs, subject to a cooldown.
package round

import (
	"context"
	"sync"
	"time"

	"github.com/adammck/placer/pkg/api"
	"github.com/adammck/placer/pkg/persister"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotEnabled = errors.New("data placement not enabled")
	ErrTooSoon    = errors.New("too soon since last round")
	ErrInProgress = errors.New("round already in progress")
)

type Manager struct {
	clock clockwork.Clock
	pers  persister.Persister
	log   logrus.FieldLogger

	mu            sync.Mutex
	enabled       bool
	current       api.RoundID
	issued        api.RoundID
	inProgress    bool
	coolDown      time.Duration
	coolDownUntil time.Time

	// Closed (and replaced) whenever current advances or the manager is
	// disabled, to wake everyone blocked in Ensure.
	changed chan struct{}
}

// New returns a manager in the idle state. If pers is non-nil, the last issued
// round ID is loaded from it, and every newly issued ID is written to it
// before being returned.
func New(enabled bool, coolDown time.Duration, clock clockwork.Clock, pers persister.Persister, log logrus.FieldLogger) (*Manager, error) {
	m := &Manager{
		clock:    clock,
		pers:     pers,
		log:      log.WithField("action", "round"),
		enabled:  enabled,
		coolDown: coolDown,
		changed:  make(chan struct{}),
	}

	if pers != nil {
		rID, err := pers.GetRound()
		if err != nil {
			return nil, errors.Wrap(err, "error loading last round")
		}
		m.issued = rID
	}

	return m, nil
}

// NewRoundID issues the next round ID. Only the coordinator should call this.
// The caller must then broadcast the ID and call StartNewRound with it.
func (m *Manager) NewRoundID() (api.RoundID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return api.ZeroRound, ErrNotEnabled
	}

	now := m.clock.Now()
	if now.Before(m.coolDownUntil) {
		return api.ZeroRound, errors.Wrapf(ErrTooSoon, "wait %s", m.coolDownUntil.Sub(now))
	}

	if m.inProgress {
		return api.ZeroRound, errors.Wrapf(ErrInProgress, "round=%v", m.current)
	}

	rID, err := m.persistNext()
	if err != nil {
		return api.ZeroRound, errors.Wrap(err, "error persisting round")
	}

	m.issued = rID
	m.coolDownUntil = now.Add(m.coolDown)
	m.inProgress = true

	m.log.WithField("round", rID).Info("issued round")
	return rID, nil
}

// persistNext stores the next round ID. If another node has issued rounds since
// this one last looked (because it was the coordinator for a while), the
// stored ID is reloaded and the write retried once, past it. Called with mu
// held.
func (m *Manager) persistNext() (api.RoundID, error) {
	rID := m.next()
	if m.pers == nil {
		return rID, nil
	}

	err := m.pers.PutRound(rID)
	if !errors.Is(err, persister.ErrConflict) {
		return rID, err
	}

	stored, gerr := m.pers.GetRound()
	if gerr != nil {
		return api.ZeroRound, errors.Wrap(gerr, "error reloading round after conflict")
	}

	m.log.Warnf("round %v conflicted; stored round is %v", rID, stored)
	if stored > m.issued {
		m.issued = stored
	}

	rID = m.next()
	return rID, m.pers.PutRound(rID)
}

func (m *Manager) next() api.RoundID {
	rID := m.current
	if m.issued > rID {
		rID = m.issued
	}
	return rID + 1
}

// StartNewRound advances the current round and wakes everyone waiting for it.
// Returns false (and does nothing) if the round isn't newer than the current
// one.
func (m *Manager) StartNewRound(rID api.RoundID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rID <= m.current {
		m.log.WithField("round", rID).Debugf("ignoring start of old round (current=%v)", m.current)
		return false
	}

	m.current = rID
	m.inProgress = true
	if rID > m.issued {
		m.issued = rID
	}

	m.broadcast()
	m.log.WithField("round", rID).Info("started round")
	return true
}

// Ensure blocks until the given round has started on this node. Returns false
// immediately if the manager is disabled, or if it becomes disabled while
// waiting, or if the context is done first.
func (m *Manager) Ensure(ctx context.Context, rID api.RoundID) bool {
	for {
		m.mu.Lock()
		if !m.enabled {
			m.mu.Unlock()
			return false
		}

		if m.current >= rID {
			m.mu.Unlock()
			return true
		}

		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

func (m *Manager) MarkRoundFinished() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inProgress {
		return
	}

	m.inProgress = false
	m.log.WithField("round", m.current).Info("finished round")
}

// SetCoolDown changes the minimum time between rounds. The round currently
// cooling down is not affected.
func (m *Manager) SetCoolDown(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coolDown = d
}

func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enabled == enabled {
		return
	}

	m.enabled = enabled
	if !enabled {
		m.broadcast()
	}

	m.log.Infof("enabled=%v", enabled)
}

// broadcast wakes all waiters. Caller must hold the lock.
func (m *Manager) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Manager) Current() api.RoundID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inProgress
}

func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *Manager) CoolDown() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coolDown
}
