package mock

import (
	"context"
	"sync"

	"github.com/adammck/placer/pkg/api"
)

// Actuator is an Impl which records every call, and fails the first Fail calls.
type Actuator struct {
	Fail int

	mu    sync.Mutex
	calls []api.RoundID
}

func New() *Actuator {
	return &Actuator{}
}

func (a *Actuator) MoveKeys(ctx context.Context, rID api.RoundID, members []api.NodeID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, rID)
	if len(a.calls) <= a.Fail {
		return errInjected
	}

	return nil
}

// Calls returns the round of every call to MoveKeys, in order.
func (a *Actuator) Calls() []api.RoundID {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]api.RoundID, len(a.calls))
	copy(out, a.calls)
	return out
}

type injectedError struct{}

func (injectedError) Error() string {
	return "injected error"
}

var errInjected = injectedError{}
