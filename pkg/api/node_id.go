package api

import "sort"

// NodeID is the unique identity of a node.
type NodeID string

const ZeroNodeID NodeID = ""

func (nID NodeID) String() string {
	return string(nID)
}

// SortNodeIDs returns a sorted copy of the given IDs. The order of the member
// list defines every node's position index for a round, so everybody must
// sort the same way.
func SortNodeIDs(ids []NodeID) []NodeID {
	out := make([]NodeID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool {
		return out[i] < out[j]
	})
	return out
}

// IndexOf returns the position of nID in members, or -1.
func IndexOf(members []NodeID, nID NodeID) int {
	for i := range members {
		if members[i] == nID {
			return i
		}
	}
	return -1
}
