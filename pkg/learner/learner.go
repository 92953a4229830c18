// Package learner runs the rule learner which turns a placement decision into
// the textual decision tree compiled by package tree.
package learner

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Learner trains a classifier from the given data and names files (in the
// C5.0 formats) and returns its report, one line per element. The report must
// contain a decision tree section; see ExtractRules.
type Learner interface {
	Run(ctx context.Context, dataPath, namesPath string) ([]string, error)
}

const (
	treeMarker = "Decision tree:"
	evalMarker = "Evaluation"
)

var ErrNoRules = errors.New("no rules in learner output")

// ExtractRules returns the non-blank lines between the "Decision tree:" line
// and the following "Evaluation" line. If the report contains no tree
// section, or an empty one, it returns ErrNoRules.
func ExtractRules(report []string) ([]string, error) {
	rules := []string{}
	in := false

	for _, l := range report {
		if !in {
			if strings.HasPrefix(strings.TrimSpace(l), treeMarker) {
				in = true
			}
			continue
		}

		if strings.HasPrefix(strings.TrimSpace(l), evalMarker) {
			break
		}

		if strings.TrimSpace(l) == "" {
			continue
		}

		rules = append(rules, strings.TrimRight(l, " \t\r"))
	}

	if len(rules) == 0 {
		return nil, ErrNoRules
	}

	return rules, nil
}
