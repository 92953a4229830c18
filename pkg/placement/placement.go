package placement

import (
	"sync"

	"github.com/adammck/placer/pkg/api"
	"github.com/sirupsen/logrus"
)

// Manager collects the request lists sent to this node for the keys it owns
// by default, and decides which of them should move.
type Manager struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	round   api.RoundID
	members int
	lists   map[int]RequestList
	done    bool
}

func NewManager(log logrus.FieldLogger) *Manager {
	return &Manager{
		log:   log.WithField("action", "placement"),
		lists: map[int]RequestList{},
	}
}

// Reset discards everything from the previous round.
func (m *Manager) Reset(rID api.RoundID, members int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.round = rID
	m.members = members
	m.lists = make(map[int]RequestList, members)
	m.done = false
}

// AggregateResult records the request list from the member at the given index.
// It returns true exactly once per round: when the list from the last member
// arrives. Duplicates, and lists from other rounds, are ignored.
func (m *Manager) AggregateResult(rID api.RoundID, sender int, rl RequestList) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.log.WithField("round", rID)

	if rID != m.round {
		l.Warnf("ignoring request list for wrong round (current=%v)", m.round)
		return false
	}

	if m.done {
		l.Debugf("ignoring late request list from %d", sender)
		return false
	}

	if sender < 0 || sender >= m.members {
		l.Warnf("ignoring request list from invalid member index %d", sender)
		return false
	}

	if _, ok := m.lists[sender]; ok {
		l.Warnf("ignoring duplicate request list from %d", sender)
		return false
	}

	m.lists[sender] = rl
	if len(m.lists) < m.members {
		return false
	}

	m.done = true
	return true
}

// Decide returns the keys which should move away from this node, given the
// local access counts at the start of the round. Only valid once
// AggregateResult has returned true.
func (m *Manager) Decide(self int, local map[api.Key]uint64) api.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Populate(Compact(m.lists, m.members), local, self)
}

type Candidate struct {
	Owner int
	Count uint64
}

// Compact picks one candidate owner per key: whoever requested it with the
// highest count. Requesters are visited in index order, and ties keep the
// earlier one, so the lowest index wins. The result doesn't depend on the
// order that the lists arrived in.
func Compact(lists map[int]RequestList, members int) map[api.Key]Candidate {
	out := map[api.Key]Candidate{}

	for i := 0; i < members; i++ {
		for k, c := range lists[i] {
			if prev, ok := out[k]; ok && prev.Count >= c {
				continue
			}

			out[k] = Candidate{Owner: i, Count: c}
		}
	}

	return out
}

// Populate filters the candidates against local demand. A key moves only if
// this node doesn't access it at all, or accesses it strictly less often than
// the candidate does. Candidates which are this node itself aren't moves.
func Populate(cands map[api.Key]Candidate, local map[api.Key]uint64, self int) api.Decision {
	out := api.Decision{}

	for k, c := range cands {
		if c.Owner == self {
			continue
		}

		if lc, ok := local[k]; ok && lc >= c.Count {
			continue
		}

		out[k] = uint32(c.Owner)
	}

	return out
}

// Owner is the query half of an ObjectLookup.
type Owner interface {
	OwnerOf(key api.Key) (int, bool)
}

// CountMismatches queries a freshly built lookup for every key in the
// decision, and returns the number which don't come back with the decided
// owner. The rule learner generalizes, so this isn't necessarily zero. Only
// for diagnostics.
func CountMismatches(l Owner, d api.Decision) int {
	mismatches := 0

	for k, want := range d {
		got, ok := l.OwnerOf(k)
		if !ok || got != int(want) {
			mismatches++
		}
	}

	return mismatches
}
