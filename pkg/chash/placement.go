package chash

import (
	"sync/atomic"

	"github.com/adammck/placer/pkg/api"
)

// Lookup overrides the owner of some keys. It returns the index of the new
// owner in the member list which the lookup was built against.
type Lookup interface {
	OwnerOf(key api.Key) (int, bool)
}

type entry struct {
	members []api.NodeID
	lookup  Lookup
}

// Placement is the routing function used by the store. It asks the default
// partitioner first, then consults the lookup installed for the primary, if
// any. Lookups are swapped in and out whole; Locate never blocks.
type Placement struct {
	def     atomic.Pointer[partitionerBox]
	lookups atomic.Pointer[map[api.NodeID]entry]
}

type partitionerBox struct {
	Partitioner
}

func NewPlacement(def Partitioner) *Placement {
	p := &Placement{}
	p.SetDefault(def)

	empty := map[api.NodeID]entry{}
	p.lookups.Store(&empty)

	return p
}

// SetDefault replaces the default partitioner, e.g. after membership changes.
func (p *Placement) SetDefault(def Partitioner) {
	p.def.Store(&partitionerBox{def})
}

// Default returns the partitioner without any overrides.
func (p *Placement) Default() Partitioner {
	return p.def.Load().Partitioner
}

func (p *Placement) Locate(key api.Key, n int) []api.NodeID {
	cands := p.Default().Locate(key, n)
	if len(cands) == 0 {
		return cands
	}

	e, ok := (*p.lookups.Load())[cands[0]]
	if !ok {
		return cands
	}

	i, ok := e.lookup.OwnerOf(key)
	if !ok || i < 0 || i >= len(e.members) {
		return cands
	}

	return []api.NodeID{e.members[i]}
}

// Install replaces the lookup for keys whose default primary is origin. The
// members are the list which the lookup's owner indices refer to.
func (p *Placement) Install(origin api.NodeID, members []api.NodeID, l Lookup) {
	m := make([]api.NodeID, len(members))
	copy(m, members)

	p.swap(func(tab map[api.NodeID]entry) {
		tab[origin] = entry{members: m, lookup: l}
	})
}

// Remove drops the lookup for origin, if there is one, so its keys go back to
// default routing.
func (p *Placement) Remove(origin api.NodeID) {
	p.swap(func(tab map[api.NodeID]entry) {
		delete(tab, origin)
	})
}

// Origins returns the nodes which currently have a lookup installed.
func (p *Placement) Origins() []api.NodeID {
	tab := *p.lookups.Load()
	out := make([]api.NodeID, 0, len(tab))
	for nID := range tab {
		out = append(out, nID)
	}
	return api.SortNodeIDs(out)
}

// swap applies fn to a copy of the table and stores it, retrying if another
// writer got there first.
func (p *Placement) swap(fn func(map[api.NodeID]entry)) {
	for {
		old := p.lookups.Load()
		tab := make(map[api.NodeID]entry, len(*old)+1)
		for k, v := range *old {
			tab[k] = v
		}

		fn(tab)

		if p.lookups.CompareAndSwap(old, &tab) {
			return
		}
	}
}
