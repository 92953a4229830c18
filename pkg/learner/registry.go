package learner

import (
	"sort"
	"sync"

	"github.com/adammck/placer/pkg/learner/c50"
	"github.com/adammck/placer/pkg/learner/memorize"
	"github.com/pkg/errors"
)

var ErrUnknownLearner = errors.New("unknown rule learner")

// Factory constructs a Learner. The path is the directory containing the
// learner's executable, which in-process learners ignore.
type Factory func(path string) (Learner, error)

var (
	registry   = map[string]Factory{}
	registryMu sync.RWMutex
)

func Register(tag string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[tag] = f
}

func New(tag, path string) (Learner, error) {
	registryMu.RLock()
	f, ok := registry[tag]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrUnknownLearner, "tag=%q", tag)
	}

	return f(path)
}

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
	Register(c50.Tag, func(path string) (Learner, error) {
		return c50.New(path), nil
	})

	Register(memorize.Tag, func(string) (Learner, error) {
		return memorize.New(), nil
	})
}
