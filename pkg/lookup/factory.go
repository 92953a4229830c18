package lookup

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/adammck/placer/pkg/api"
	"github.com/adammck/placer/pkg/features"
	"github.com/adammck/placer/pkg/learner"
	"github.com/adammck/placer/pkg/lookup/tree"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// The learner's target attribute, i.e. the owner index.
	targetName = "home"

	// Base name of the files handed to the learner.
	inputStem = "input"
)

// Always declared as valid classes, whether or not they're used.
var reservedClasses = []int{-2, -1}

var ErrEmptyDecision = errors.New("nothing to move")

// Factory builds ObjectLookups by training a rule learner on a placement
// decision. Create is safe to call concurrently; each call gets its own work
// directory.
type Factory struct {
	learner learner.Learner
	model   features.Model
	feats   map[string]features.Feature
	fpRate  float64
	workDir string
	log     logrus.FieldLogger
}

func NewFactory(l learner.Learner, model features.Model, fpRate float64, workDir string, log logrus.FieldLogger) *Factory {
	return &Factory{
		learner: l,
		model:   model,
		feats:   features.ByName(model),
		fpRate:  fpRate,
		workDir: workDir,
		log:     log.WithField("action", "lookup-factory"),
	}
}

func (f *Factory) Model() features.Model {
	return f.model
}

// Create exports the decision as training data, runs the learner, compiles the
// rules it prints, and pairs the resulting tree with a bloom filter of every
// key in the decision. Any failure returns an error and no lookup; the caller
// should carry on with default routing.
func (f *Factory) Create(ctx context.Context, toMove api.Decision) (*ObjectLookup, error) {
	if len(toMove) == 0 {
		return nil, ErrEmptyDecision
	}

	dir, err := os.MkdirTemp(f.workDir, "lookup-")
	if err != nil {
		return nil, errors.Wrap(err, "error creating work dir")
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			f.log.Warnf("error removing work dir %s: %v", dir, err)
		}
	}()

	dataPath := filepath.Join(dir, inputStem+".data")
	namesPath := filepath.Join(dir, inputStem+".names")

	keys := sortedKeys(toMove)
	if err := f.export(keys, toMove, dataPath, namesPath); err != nil {
		return nil, err
	}

	report, err := f.learner.Run(ctx, dataPath, namesPath)
	if err != nil {
		return nil, errors.Wrap(err, "error running rule learner")
	}

	rules, err := learner.ExtractRules(report)
	if err != nil {
		return nil, err
	}

	t, err := tree.Compile(rules, f.feats)
	if err != nil {
		return nil, errors.Wrap(err, "error compiling rules")
	}

	m := NewMembership(f.fpRate, uint(len(keys)))
	for _, k := range keys {
		m.Add(k)
	}

	f.log.WithFields(logrus.Fields{
		"keys":  len(keys),
		"rules": t.Len(),
		"bits":  m.Bits(),
	}).Debug("built lookup")

	return New(m, t, f.model), nil
}

func (f *Factory) export(keys []api.Key, toMove api.Decision, dataPath, namesPath string) error {
	feats := f.model.Features()
	labels := make([]map[string]struct{}, len(feats))
	for i := range labels {
		labels[i] = map[string]struct{}{}
	}
	classes := map[int]struct{}{}

	err := writeLines(dataPath, func(w *bufio.Writer) error {
		for _, k := range keys {
			vec := f.model.ValuesFor(k)
			owner := int(toMove[k])
			classes[owner] = struct{}{}

			for i, feat := range feats {
				s := encodeValue(vec.Get(feat.Name))
				if feat.Type == features.Categorical && !vec.Get(feat.Name).IsAbsent() {
					labels[i][s] = struct{}{}
				}

				if _, err := w.WriteString(s + ","); err != nil {
					return err
				}
			}

			if _, err := fmt.Fprintf(w, "%d\n", owner); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "error writing data file")
	}

	err = writeLines(namesPath, func(w *bufio.Writer) error {
		fmt.Fprintf(w, "%s.\n\n", targetName)

		for i, feat := range feats {
			fmt.Fprintf(w, "%s: %s.\n", feat.Name, declaration(feat, labels[i]))
		}

		fmt.Fprintf(w, "%s: %s.\n", targetName, classList(classes))
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "error writing names file")
	}

	return nil
}

func encodeValue(v features.Value) string {
	if s, ok := v.Str(); ok {
		return tree.Escape(s)
	}

	// Numbers and N/A.
	return v.String()
}

func declaration(feat features.Feature, labels map[string]struct{}) string {
	if feat.Type == features.Continuous {
		return "continuous"
	}

	// A discrete attribute needs at least one value.
	if len(labels) == 0 {
		return "ignore"
	}

	out := make([]string, 0, len(labels))
	for l := range labels {
		out = append(out, l)
	}
	sort.Strings(out)

	return strings.Join(out, ",")
}

func classList(classes map[int]struct{}) string {
	out := make([]int, 0, len(classes))
	for c := range classes {
		out = append(out, c)
	}
	sort.Ints(out)

	s := make([]string, 0, len(out)+len(reservedClasses))
	for _, c := range reservedClasses {
		s = append(s, strconv.Itoa(c))
	}
	for _, c := range out {
		s = append(s, strconv.Itoa(c))
	}

	return strings.Join(s, ",")
}

func writeLines(path string, fn func(w *bufio.Writer) error) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(fh)
	if err := fn(w); err != nil {
		fh.Close()
		return err
	}

	if err := w.Flush(); err != nil {
		fh.Close()
		return err
	}

	return fh.Close()
}

// sortedKeys returns the keys of the decision in order, so the training data
// (and so the learned tree) doesn't depend on map iteration order.
func sortedKeys(d api.Decision) []api.Key {
	keys := make([]api.Key, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i] < keys[j]
	})
	return keys
}
