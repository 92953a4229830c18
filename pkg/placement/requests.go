// Package placement holds the per-round state of the placement protocol on
// one node: the request lists it sends, the decision it makes about its own
// keys, and the lookups it receives from everyone else.
package placement

import (
	"sync"

	"github.com/adammck/placer/pkg/api"
	"github.com/adammck/placer/pkg/chash"
	"github.com/adammck/placer/pkg/stats"
	"github.com/sirupsen/logrus"
)

// DefaultMinTopKFill is the fraction of the remote top-K summary which must be
// filled for a node to contribute to a round.
const DefaultMinTopKFill = 0.8

// RequestList is sent from a node to the default owner of some keys, and says
// "I would like to own these keys, and access them this often".
type RequestList map[api.Key]uint64

// RequestManager turns this node's access statistics into request lists. It
// also remembers which keys have been moved to this node, so that it keeps
// asking for them in later rounds.
type RequestManager struct {
	self    api.NodeID
	router  *chash.Placement
	minFill float64
	log     logrus.FieldLogger

	mu        sync.Mutex
	requested map[api.Key]struct{}
	movedIn   map[api.Key]struct{}
}

func NewRequestManager(self api.NodeID, router *chash.Placement, minFill float64, log logrus.FieldLogger) *RequestManager {
	return &RequestManager{
		self:      self,
		router:    router,
		minFill:   minFill,
		log:       log.WithField("action", "requests"),
		requested: map[api.Key]struct{}{},
		movedIn:   map[api.Key]struct{}{},
	}
}

// Lists returns one request list per member, keyed by member. Every member is
// present, even when its list is empty, because every member waits for a list
// from everyone before deciding.
func (rm *RequestManager) Lists(members []api.NodeID, top stats.TopK) map[api.NodeID]RequestList {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	out := make(map[api.NodeID]RequestList, len(members))
	for _, nID := range members {
		out[nID] = RequestList{}
	}

	rm.requested = map[api.Key]struct{}{}

	remote := top.TopK(stats.Remote)
	need := rm.minFill * float64(top.Capacity())
	if float64(len(remote)) < need {
		rm.log.Debugf("not enough remote accesses to contribute (have=%d, need=%.0f)", len(remote), need)
		return out
	}

	merged := make(map[api.Key]uint64, len(remote)+len(rm.movedIn))
	for k, c := range remote {
		merged[k] = c
	}

	for k, c := range rm.movedInCounts(top.TopK(stats.Local)) {
		merged[k] = c
	}

	def := rm.router.Default()
	dropped := 0
	for k, c := range merged {
		owners := def.Locate(k, 1)
		if len(owners) == 0 {
			dropped++
			continue
		}

		rl, ok := out[owners[0]]
		if !ok {
			dropped++
			continue
		}

		rl[k] = c
		rm.requested[k] = struct{}{}
	}

	if dropped > 0 {
		rm.log.Warnf("dropped %d keys with no default owner in member list", dropped)
	}

	return out
}

// movedInCounts estimates access counts for the keys moved to this node. Keys
// which made it into the local top-K use their real count. The rest get the
// lowest real count among the moved-in keys, or 1 if none of them are there.
// Caller must hold the lock.
func (rm *RequestManager) movedInCounts(local map[api.Key]uint64) map[api.Key]uint64 {
	out := make(map[api.Key]uint64, len(rm.movedIn))
	var min uint64

	for k := range rm.movedIn {
		if c, ok := local[k]; ok {
			out[k] = c
			if min == 0 || c < min {
				min = c
			}
		}
	}

	if min == 0 {
		min = 1
	}

	for k := range rm.movedIn {
		if _, ok := out[k]; !ok {
			out[k] = min
		}
	}

	return out
}

// UpdateMovedIn should be called once the lookups from a round have been
// installed. Every key which this node requested in that round, which now
// routes here, and which isn't here by default, is considered moved in.
func (rm *RequestManager) UpdateMovedIn() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	def := rm.router.Default()
	movedIn := map[api.Key]struct{}{}
	for k := range rm.requested {
		nIDs := rm.router.Locate(k, 1)
		if len(nIDs) == 0 || nIDs[0] != rm.self {
			continue
		}

		if d := def.Locate(k, 1); len(d) > 0 && d[0] == rm.self {
			continue
		}

		movedIn[k] = struct{}{}
	}

	rm.movedIn = movedIn
	return len(movedIn)
}

// MovedIn returns the keys which have been moved to this node.
func (rm *RequestManager) MovedIn() []api.Key {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	out := make([]api.Key, 0, len(rm.movedIn))
	for k := range rm.movedIn {
		out = append(out, k)
	}
	return out
}
