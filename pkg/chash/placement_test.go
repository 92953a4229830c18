package chash

import (
	"fmt"
	"sync"
	"testing"

	"github.com/adammck/placer/pkg/api"
	"github.com/stretchr/testify/assert"
)

// fixedPartitioner sends every key to the same nodes.
type fixedPartitioner []api.NodeID

func (fp fixedPartitioner) Locate(key api.Key, n int) []api.NodeID {
	if n > len(fp) {
		n = len(fp)
	}
	return fp[:n]
}

// mapLookup moves the keys in the map.
type mapLookup map[api.Key]int

func (ml mapLookup) OwnerOf(key api.Key) (int, bool) {
	i, ok := ml[key]
	return i, ok
}

func TestPlacementFallback(t *testing.T) {
	members := []api.NodeID{"a", "b", "c"}
	p := NewPlacement(fixedPartitioner{"a", "b"})

	// No lookup for the primary.
	assert.Equal(t, []api.NodeID{"a", "b"}, p.Locate("k1", 2))

	// Lookup for some other node.
	p.Install("c", members, mapLookup{"k1": 2})
	assert.Equal(t, []api.NodeID{"a", "b"}, p.Locate("k1", 2))

	// Lookup for the primary, but key not found.
	p.Install("a", members, mapLookup{"k2": 2, "k3": 7, "k4": -1})
	assert.Equal(t, []api.NodeID{"a", "b"}, p.Locate("k1", 2))

	// Found, but index isn't a member.
	assert.Equal(t, []api.NodeID{"a", "b"}, p.Locate("k3", 2))
	assert.Equal(t, []api.NodeID{"a", "b"}, p.Locate("k4", 2))

	// Found.
	assert.Equal(t, []api.NodeID{"c"}, p.Locate("k2", 2))
	assert.Equal(t, []api.NodeID{"c"}, p.Locate("k2", 1))

	assert.Equal(t, []api.NodeID{"a", "c"}, p.Origins())

	// Removed.
	p.Remove("a")
	assert.Equal(t, []api.NodeID{"a", "b"}, p.Locate("k2", 2))
	assert.Equal(t, []api.NodeID{"c"}, p.Origins())
}

func TestPlacementInstallReplaces(t *testing.T) {
	p := NewPlacement(fixedPartitioner{"a"})
	p.Install("a", []api.NodeID{"a", "b"}, mapLookup{"k": 1})
	assert.Equal(t, []api.NodeID{"b"}, p.Locate("k", 1))

	// Indices refer to the member list installed with the lookup.
	p.Install("a", []api.NodeID{"x", "y", "z"}, mapLookup{"k": 2})
	assert.Equal(t, []api.NodeID{"z"}, p.Locate("k", 1))

	p.SetDefault(fixedPartitioner{"q"})
	assert.Equal(t, []api.NodeID{"q"}, p.Locate("k", 1))
}

func TestPlacementConcurrentInstall(t *testing.T) {
	p := NewPlacement(fixedPartitioner{"n0"})
	members := []api.NodeID{}
	for i := 0; i < 50; i++ {
		members = append(members, api.NodeID(fmt.Sprintf("n%d", i)))
	}

	wg := sync.WaitGroup{}
	for i := range members {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			p.Install(members[i], members, mapLookup{"k": i})
		}(i)
		go func() {
			defer wg.Done()
			p.Locate("k", 1)
		}()
	}
	wg.Wait()

	// No installs were lost.
	assert.Len(t, p.Origins(), 50)
	assert.Equal(t, []api.NodeID{"n0"}, p.Locate("k", 1))
}
