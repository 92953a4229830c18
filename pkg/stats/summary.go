// Package stats counts key accesses with Space-Saving summaries, which keep
// approximate counts of the most frequently accessed keys in bounded memory.
package stats

import (
	"math"
	"sync"

	"github.com/adammck/placer/pkg/api"
)

// Summary is a Space-Saving summary. It tracks at most capacity keys. When a
// new key arrives and the summary is full, the key with the lowest count is
// evicted, and the new key inherits its count. Counts are therefore only ever
// overestimates, and any key with a true count above total/capacity is
// guaranteed to be present.
type Summary struct {
	capacity int

	mu     sync.Mutex
	counts map[api.Key]uint64
}

func NewSummary(capacity int) *Summary {
	if capacity < 1 {
		capacity = 1
	}

	return &Summary{
		capacity: capacity,
		counts:   make(map[api.Key]uint64, capacity),
	}
}

// Offer adds n to the count of the given key.
func (s *Summary) Offer(key api.Key, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.counts[key]; ok {
		s.counts[key] = c + n
		return
	}

	if len(s.counts) < s.capacity {
		s.counts[key] = n
		return
	}

	// Evict the minimum. Ties go to the lowest key, so eviction doesn't
	// depend on map order.
	var minK api.Key
	var min uint64 = math.MaxUint64
	for k, c := range s.counts {
		if c < min || (c == min && k < minK) {
			minK = k
			min = c
		}
	}

	delete(s.counts, minK)
	s.counts[key] = min + n
}

// TopK returns a copy of the tracked keys and their counts.
func (s *Summary) TopK() map[api.Key]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[api.Key]uint64, len(s.counts))
	for k, c := range s.counts {
		out[k] = c
	}
	return out
}

func (s *Summary) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counts)
}

func (s *Summary) Capacity() int {
	return s.capacity
}

// Drain returns the tracked keys and empties the summary.
func (s *Summary) Drain() map[api.Key]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.counts
	s.counts = make(map[api.Key]uint64, s.capacity)
	return out
}
