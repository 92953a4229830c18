package features

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var ErrUnknownModel = errors.New("unknown feature model")

// Factory constructs a Model. Models are selected by tag from config, so
// every node in a cluster must register the same factories.
type Factory func() (Model, error)

var (
	registry   = map[string]Factory{}
	registryMu sync.RWMutex
)

// Register makes a model available to New under the given tag. Registering
// the same tag twice replaces the earlier factory.
func Register(tag string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[tag] = f
}

func New(tag string) (Model, error) {
	registryMu.RLock()
	f, ok := registry[tag]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrUnknownModel, "tag=%q", tag)
	}

	return f()
}

// Tags returns every registered tag, sorted.
func Tags() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register(KeyPartsTag, func() (Model, error) {
		return NewKeyParts(DefaultSeparator, DefaultParts), nil
	})
}
