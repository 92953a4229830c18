// Package discovery finds the other placer nodes.
package discovery

import "github.com/adammck/placer/pkg/api"

// Discoverable is an interface to make oneself discoverable (by name), and
// discovering other services by name.
//
// This is not a general-purpose service discovery interface! This is just the
// specific thing that placer needs, to avoid letting Consul details get all
// over the place.
type Discoverable interface {
	Start() error
	Stop() error
	Get(string) ([]api.Remote, error)
}
