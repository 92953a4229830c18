package stats

import (
	"github.com/adammck/placer/pkg/api"
)

type Stat uint8

const (
	// Local counts accesses to keys owned by this node.
	Local Stat = iota

	// Remote counts accesses from this node to keys owned by others.
	Remote
)

func (s Stat) String() string {
	switch s {
	case Local:
		return "local"
	case Remote:
		return "remote"
	}
	return "unknown"
}

// TopK is a read-only view of the access summaries.
type TopK interface {
	TopK(stat Stat) map[api.Key]uint64
	Capacity() int
}

// Stats holds the local and remote access summaries of one node.
type Stats struct {
	local  *Summary
	remote *Summary
}

func New(capacity int) *Stats {
	return &Stats{
		local:  NewSummary(capacity),
		remote: NewSummary(capacity),
	}
}

// Record counts one access to the given key.
func (s *Stats) Record(key api.Key, remote bool) {
	if remote {
		s.remote.Offer(key, 1)
	} else {
		s.local.Offer(key, 1)
	}
}

func (s *Stats) TopK(stat Stat) map[api.Key]uint64 {
	if stat == Remote {
		return s.remote.TopK()
	}
	return s.local.TopK()
}

func (s *Stats) Capacity() int {
	return s.local.Capacity()
}

// Snapshot returns the current summaries and resets them, so that each round
// sees only the accesses since the previous round.
func (s *Stats) Snapshot() *Snapshot {
	return &Snapshot{
		local:    s.local.Drain(),
		remote:   s.remote.Drain(),
		capacity: s.local.Capacity(),
	}
}

// Snapshot is an immutable TopK.
type Snapshot struct {
	local    map[api.Key]uint64
	remote   map[api.Key]uint64
	capacity int
}

// NewSnapshot returns a Snapshot of the given counts. The maps must not be
// modified afterwards.
func NewSnapshot(local, remote map[api.Key]uint64, capacity int) *Snapshot {
	if local == nil {
		local = map[api.Key]uint64{}
	}
	if remote == nil {
		remote = map[api.Key]uint64{}
	}

	return &Snapshot{
		local:    local,
		remote:   remote,
		capacity: capacity,
	}
}

// TopK returns the counts directly; callers must not modify them.
func (s *Snapshot) TopK(stat Stat) map[api.Key]uint64 {
	if stat == Remote {
		return s.remote
	}
	return s.local
}

func (s *Snapshot) Capacity() int {
	return s.capacity
}
