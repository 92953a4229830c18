package placement

import (
	"math/rand"
	"testing"

	"github.com/adammck/placer/pkg/api"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func newManager() *Manager {
	log, _ := test.NewNullLogger()
	return NewManager(log)
}

func TestAggregateResultQuorum(t *testing.T) {
	m := newManager()
	m.Reset(3, 3)

	assert.False(t, m.AggregateResult(3, 0, RequestList{}))
	assert.False(t, m.AggregateResult(3, 0, RequestList{"dupe": 1}))
	assert.False(t, m.AggregateResult(2, 1, RequestList{}), "wrong round")
	assert.False(t, m.AggregateResult(3, 7, RequestList{}), "bad index")
	assert.False(t, m.AggregateResult(3, 2, RequestList{}))
	assert.True(t, m.AggregateResult(3, 1, RequestList{}))

	// Late and duplicate arrivals after quorum.
	assert.False(t, m.AggregateResult(3, 1, RequestList{}))
	assert.False(t, m.AggregateResult(3, 0, RequestList{}))

	// The duplicate was ignored.
	assert.Empty(t, m.Decide(0, nil))

	m.Reset(4, 1)
	assert.True(t, m.AggregateResult(4, 0, RequestList{}))
}

func TestCompactTies(t *testing.T) {
	lists := map[int]RequestList{
		0: {"a": 5, "b": 1},
		1: {"a": 7, "b": 1, "c": 3},
		2: {"a": 7, "b": 2, "c": 3},
	}

	assert.Equal(t, map[api.Key]Candidate{
		"a": {Owner: 1, Count: 7},
		"b": {Owner: 2, Count: 2},
		"c": {Owner: 1, Count: 3},
	}, Compact(lists, 3))
}

func TestPopulate(t *testing.T) {
	cands := map[api.Key]Candidate{
		"not-local": {Owner: 1, Count: 1},
		"lower":     {Owner: 2, Count: 10},
		"equal":     {Owner: 1, Count: 5},
		"higher":    {Owner: 2, Count: 3},
		"self":      {Owner: 0, Count: 100},
	}

	local := map[api.Key]uint64{
		"lower":  9,
		"equal":  5,
		"higher": 4,
	}

	assert.Equal(t, api.Decision{
		"not-local": 1,
		"lower":     2,
	}, Populate(cands, local, 0))
}

func TestMergeDeterminism(t *testing.T) {
	lists := []RequestList{
		{"a": 3, "b": 3, "c": 1, "d": 9},
		{"a": 3, "b": 4, "e": 2},
		{"a": 2, "c": 1, "d": 9, "e": 2},
		{"b": 4, "f": 1},
	}
	local := map[api.Key]uint64{"d": 8, "f": 1}

	var first api.Decision
	r := rand.New(rand.NewSource(1))

	for i := 0; i < 50; i++ {
		m := newManager()
		m.Reset(1, len(lists))

		for _, sender := range r.Perm(len(lists)) {
			m.AggregateResult(1, sender, lists[sender])
		}

		d := m.Decide(3, local)
		if first == nil {
			first = d
			continue
		}

		assert.Equal(t, first, d)
	}

	assert.Equal(t, api.Decision{
		"a": 0,
		"b": 1,
		"c": 0,
		"d": 0,
		"e": 1,
	}, first)
}

type mapOwner map[api.Key]int

func (mo mapOwner) OwnerOf(key api.Key) (int, bool) {
	i, ok := mo[key]
	return i, ok
}

func TestCountMismatches(t *testing.T) {
	d := api.Decision{"a": 1, "b": 2, "c": 3}
	assert.Equal(t, 0, CountMismatches(mapOwner{"a": 1, "b": 2, "c": 3}, d))
	assert.Equal(t, 2, CountMismatches(mapOwner{"a": 1, "b": 1}, d))
}
