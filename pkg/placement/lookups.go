package placement

import (
	"sync"

	"github.com/adammck/placer/pkg/api"
	"github.com/adammck/placer/pkg/chash"
	"github.com/adammck/placer/pkg/lookup"
	"github.com/sirupsen/logrus"
)

// LookupManager installs the lookups broadcast by each member during a round,
// and counts the acks which say that everyone has installed everything.
type LookupManager struct {
	router *chash.Placement
	log    logrus.FieldLogger

	mu          sync.Mutex
	round       api.RoundID
	members     []api.NodeID
	lookups     map[int]struct{}
	acks        map[int]struct{}
	lookupsDone bool
	acksDone    bool
}

func NewLookupManager(router *chash.Placement, log logrus.FieldLogger) *LookupManager {
	return &LookupManager{
		router:  router,
		log:     log.WithField("action", "lookups"),
		lookups: map[int]struct{}{},
		acks:    map[int]struct{}{},
	}
}

func (lm *LookupManager) Reset(rID api.RoundID, members []api.NodeID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.round = rID
	lm.members = members
	lm.lookups = make(map[int]struct{}, len(members))
	lm.acks = make(map[int]struct{}, len(members))
	lm.lookupsDone = false
	lm.acksDone = false
}

// AddObjectLookup installs the lookup built by the member at index origin, or
// removes that member's previous lookup if ol is nil. Returns true exactly
// once per round, when one lookup (or nil) has arrived from every member.
// Duplicates are ignored and not installed.
func (lm *LookupManager) AddObjectLookup(rID api.RoundID, origin int, ol *lookup.ObjectLookup) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	l := lm.log.WithField("round", rID)

	if rID != lm.round {
		l.Warnf("ignoring lookup for wrong round (current=%v)", lm.round)
		return false
	}

	if origin < 0 || origin >= len(lm.members) {
		l.Warnf("ignoring lookup from invalid member index %d", origin)
		return false
	}

	if _, ok := lm.lookups[origin]; ok {
		l.Warnf("ignoring duplicate lookup from %d", origin)
		return false
	}

	nID := lm.members[origin]
	if ol != nil {
		lm.router.Install(nID, lm.members, ol)
	} else {
		lm.router.Remove(nID)
	}

	lm.lookups[origin] = struct{}{}
	if lm.lookupsDone || len(lm.lookups) < len(lm.members) {
		return false
	}

	lm.lookupsDone = true
	return true
}

// AddAck records an ack from the member at the given index. Returns true
// exactly once per round, when every member has acked.
func (lm *LookupManager) AddAck(rID api.RoundID, sender int) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	l := lm.log.WithField("round", rID)

	if rID != lm.round {
		l.Warnf("ignoring ack for wrong round (current=%v)", lm.round)
		return false
	}

	if sender < 0 || sender >= len(lm.members) {
		l.Warnf("ignoring ack from invalid member index %d", sender)
		return false
	}

	if _, ok := lm.acks[sender]; ok {
		l.Debugf("ignoring duplicate ack from %d", sender)
		return false
	}

	lm.acks[sender] = struct{}{}
	if lm.acksDone || len(lm.acks) < len(lm.members) {
		return false
	}

	lm.acksDone = true
	return true
}

// Counts returns the number of lookups and acks received this round.
func (lm *LookupManager) Counts() (lookups int, acks int) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.lookups), len(lm.acks)
}
