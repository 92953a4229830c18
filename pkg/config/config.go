// Package config holds the settings of a placer node. They should be
// identical on every node, except where noted.
package config

import (
	"io"
	"os"
	"time"

	"github.com/adammck/placer/pkg/chash"
	"github.com/adammck/placer/pkg/features"
	"github.com/adammck/placer/pkg/learner"
	"github.com/adammck/placer/pkg/lookup"
	"github.com/adammck/placer/pkg/placement"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {

	// Should this node take part in placement rounds at all? A disabled node
	// drops every protocol message and never requests a round.
	Enabled bool `yaml:"enabled"`

	// Minimum time between the starts of two rounds. Only the coordinator's
	// value matters.
	CoolDownMs uint64 `yaml:"cool_down_ms"`

	// How often each node asks the coordinator for a new round. Zero means
	// never; rounds must be requested via placerctl.
	RoundInterval time.Duration `yaml:"round_interval"`

	BloomFalsePositiveRate float64 `yaml:"bloom_false_positive_rate"`

	// Registry tag of the rule learner, and the directory containing the C5.0
	// binary if that's the one.
	RulesLearner     string `yaml:"rules_learner"`
	RulesLearnerPath string `yaml:"rules_learner_path"`

	// Registry tag of the feature model.
	FeatureModel string `yaml:"feature_model"`

	// Where the learner's input files are written. Empty means the system
	// temp dir. Per node.
	WorkDir string `yaml:"work_dir"`

	// Fraction of the remote top-K summary which must be full for a node to
	// contribute requests to a round.
	MinTopKFill float64 `yaml:"min_top_k_fill"`

	// Number of keys tracked by each top-K summary.
	TopKCapacity int `yaml:"top_k_capacity"`

	// How many nodes Locate returns when a key isn't moved.
	Replication int `yaml:"replication"`

	// Virtual nodes per member on the default consistent hash ring.
	VirtualNodes int `yaml:"virtual_nodes"`

	// How long should a node be missing from discovery before it's dropped
	// from the member list?
	NodeExpireDuration time.Duration `yaml:"node_expire_duration"`

	// How long to wait before retrying a failed migration trigger.
	ActuatorBackoff time.Duration `yaml:"actuator_backoff"`
}

func Default() Config {
	return Config{
		Enabled:                true,
		CoolDownMs:             60_000,
		RoundInterval:          5 * time.Minute,
		BloomFalsePositiveRate: lookup.DefaultFalsePositiveRate,
		RulesLearner:           "c5.0",
		RulesLearnerPath:       "/usr/local/bin",
		FeatureModel:           features.KeyPartsTag,
		MinTopKFill:            placement.DefaultMinTopKFill,
		TopKCapacity:           1000,
		Replication:            1,
		VirtualNodes:           chash.DefaultVirtualNodes,
		NodeExpireDuration:     10 * time.Second,
		ActuatorBackoff:        time.Second,
	}
}

// Load reads a yaml file over the defaults. Unknown keys are an error, so
// typos don't silently fall back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrap(err, "error opening config")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	// An empty file is fine.
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errors.Wrapf(err, "error parsing %s", path)
	}

	return cfg, nil
}

func (c Config) CoolDown() time.Duration {
	return time.Duration(c.CoolDownMs) * time.Millisecond
}

func (c Config) Validate() error {
	if c.BloomFalsePositiveRate <= 0 || c.BloomFalsePositiveRate >= 1 {
		return errors.Wrapf(ErrInvalid, "bloom_false_positive_rate must be in (0, 1), got %v", c.BloomFalsePositiveRate)
	}

	if c.MinTopKFill <= 0 || c.MinTopKFill > 1 {
		return errors.Wrapf(ErrInvalid, "min_top_k_fill must be in (0, 1], got %v", c.MinTopKFill)
	}

	if c.TopKCapacity < 1 {
		return errors.Wrapf(ErrInvalid, "top_k_capacity must be positive, got %d", c.TopKCapacity)
	}

	if c.Replication < 1 {
		return errors.Wrapf(ErrInvalid, "replication must be positive, got %d", c.Replication)
	}

	if c.VirtualNodes < 1 {
		return errors.Wrapf(ErrInvalid, "virtual_nodes must be positive, got %d", c.VirtualNodes)
	}

	if c.RoundInterval < 0 {
		return errors.Wrapf(ErrInvalid, "round_interval must not be negative, got %s", c.RoundInterval)
	}

	if !contains(learner.Tags(), c.RulesLearner) {
		return errors.Wrapf(ErrInvalid, "unknown rules_learner %q (want one of %v)", c.RulesLearner, learner.Tags())
	}

	if !contains(features.Tags(), c.FeatureModel) {
		return errors.Wrapf(ErrInvalid, "unknown feature_model %q (want one of %v)", c.FeatureModel, features.Tags())
	}

	return nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
