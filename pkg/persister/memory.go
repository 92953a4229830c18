package persister

import (
	"sync"

	"github.com/adammck/placer/pkg/api"
)

// Memory is a Persister which doesn't persist anything beyond the life of the
// process. It's for tests, and for clusters which don't run consul.
type Memory struct {
	round api.RoundID
	puts  int
	sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) GetRound() (api.RoundID, error) {
	m.Lock()
	defer m.Unlock()
	return m.round, nil
}

func (m *Memory) PutRound(rID api.RoundID) error {
	m.Lock()
	defer m.Unlock()
	m.round = rID
	m.puts++
	return nil
}

// Puts returns the number of times PutRound has been called.
func (m *Memory) Puts() int {
	m.Lock()
	defer m.Unlock()
	return m.puts
}
