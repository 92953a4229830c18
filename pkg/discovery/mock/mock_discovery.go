package mock

import (
	"sync"

	"github.com/adammck/placer/pkg/api"
)

// Discovery is an in-memory discovery.Discoverable. Services are populated by
// tests via Add and Remove.
type Discovery struct {
	mu       sync.RWMutex
	services map[string][]api.Remote

	// Returned by Get, if set.
	Err error
}

func New() *Discovery {
	return &Discovery{
		services: map[string][]api.Remote{},
	}
}

func (d *Discovery) Start() error { return nil }
func (d *Discovery) Stop() error  { return nil }

func (d *Discovery) Get(name string) ([]api.Remote, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.Err != nil {
		return nil, d.Err
	}

	return append([]api.Remote{}, d.services[name]...), nil
}

// Add registers a remote, replacing any other with the same ident.
func (d *Discovery) Add(name string, remote api.Remote) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services[name] = append(without(d.services[name], remote.Ident), remote)
}

func (d *Discovery) Remove(name, ident string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services[name] = without(d.services[name], ident)
}

func without(rems []api.Remote, ident string) []api.Remote {
	out := make([]api.Remote, 0, len(rems))
	for _, r := range rems {
		if r.Ident != ident {
			out = append(out, r)
		}
	}
	return out
}
