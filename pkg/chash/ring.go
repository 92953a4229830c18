// Package chash routes keys to nodes. Ring is the default partitioner, and
// Placement wraps it with the lookups produced by placement rounds.
package chash

import (
	"fmt"
	"sort"

	"github.com/adammck/placer/pkg/api"
	"github.com/spaolacci/murmur3"
)

const DefaultVirtualNodes = 64

// Partitioner returns the n nodes (or fewer, if there aren't enough) which
// should hold the given key, primary first.
type Partitioner interface {
	Locate(key api.Key, n int) []api.NodeID
}

// Ring is a consistent hash ring with virtual nodes. It's immutable; build a
// new one when membership changes.
type Ring struct {
	nodes  []api.NodeID
	hashes []uint64
	owners map[uint64]api.NodeID
}

func NewRing(nodes []api.NodeID, vnodes int) *Ring {
	if vnodes < 1 {
		vnodes = DefaultVirtualNodes
	}

	r := &Ring{
		nodes:  api.SortNodeIDs(nodes),
		hashes: make([]uint64, 0, len(nodes)*vnodes),
		owners: make(map[uint64]api.NodeID, len(nodes)*vnodes),
	}

	for _, nID := range r.nodes {
		for i := 0; i < vnodes; i++ {
			h := murmur3.Sum64([]byte(fmt.Sprintf("%s#%d", nID, i)))

			// First (lowest) node wins collisions.
			if _, ok := r.owners[h]; ok {
				continue
			}

			r.owners[h] = nID
			r.hashes = append(r.hashes, h)
		}
	}

	sort.Slice(r.hashes, func(i, j int) bool {
		return r.hashes[i] < r.hashes[j]
	})

	return r
}

func (r *Ring) Nodes() []api.NodeID {
	out := make([]api.NodeID, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Locate walks clockwise from the key's hash, collecting distinct nodes.
func (r *Ring) Locate(key api.Key, n int) []api.NodeID {
	if len(r.hashes) == 0 || n < 1 {
		return []api.NodeID{}
	}

	if n > len(r.nodes) {
		n = len(r.nodes)
	}

	h := murmur3.Sum64([]byte(key))
	i := sort.Search(len(r.hashes), func(i int) bool {
		return r.hashes[i] >= h
	})

	out := make([]api.NodeID, 0, n)
	seen := make(map[api.NodeID]struct{}, n)

	for j := 0; j < len(r.hashes) && len(out) < n; j++ {
		nID := r.owners[r.hashes[(i+j)%len(r.hashes)]]
		if _, ok := seen[nID]; ok {
			continue
		}

		seen[nID] = struct{}{}
		out = append(out, nID)
	}

	return out
}
