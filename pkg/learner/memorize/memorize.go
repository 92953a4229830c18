// Package memorize is an in-process rule learner. It reads the same data and
// names files as C5.0, and prints a report in the same format, but rather than
// generalizing it builds a tree of equality tests which reproduces the
// training data exactly (except where two keys share a feature vector but not
// an owner, in which case the most common owner wins).
//
// It's useful for tests, and for clusters where C5.0 isn't installed, but the
// trees it builds grow with the number of distinct feature values.
package memorize

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const Tag = "memorize"

type Learner struct{}

func New() *Learner {
	return &Learner{}
}

type attribute struct {
	name   string
	ignore bool
}

type record struct {
	values []string
	class  string
}

type node struct {
	attr     string
	value    string
	leaf     bool
	class    string
	cases    int
	errors   int
	children []*node
}

func (l *Learner) Run(ctx context.Context, dataPath, namesPath string) ([]string, error) {
	attrs, err := readNames(namesPath)
	if err != nil {
		return nil, err
	}

	recs, err := readData(dataPath, len(attrs))
	if err != nil {
		return nil, err
	}

	if len(recs) == 0 {
		return nil, errors.Errorf("no cases in %s", dataPath)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root := build(attrs, recs, 0)

	// A single leaf can't be expressed as a rule, so test the first usable
	// attribute for every value it takes, all with the same class.
	if root.leaf {
		a := firstUsable(attrs)
		if a < 0 {
			return nil, errors.New("no usable attributes")
		}

		class := root.class
		root = split(recs, a, attrs[a].name, false, func([]record) *node {
			return &node{leaf: true, class: class}
		})
	}

	return report(root, len(recs)), nil
}

func firstUsable(attrs []attribute) int {
	for i := range attrs {
		if !attrs[i].ignore {
			return i
		}
	}
	return -1
}

// build groups the records by the value of each attribute in turn, starting
// at attribute i, until every group has a single class.
func build(attrs []attribute, recs []record, i int) *node {
	class, errs := majority(recs)
	if errs == 0 || i >= len(attrs) {
		return &node{leaf: true, class: class, cases: len(recs), errors: errs}
	}

	if attrs[i].ignore {
		return build(attrs, recs, i+1)
	}

	return split(recs, i, attrs[i].name, true, func(g []record) *node {
		return build(attrs, g, i+1)
	})
}

// split groups the records by their value of attribute i, in order of first
// appearance, and returns a node with one child per group, built by sub. If
// collapse is true and every record has the same value, there's nothing to
// split on, so sub is called once with all of the records instead.
func split(recs []record, i int, attr string, collapse bool, sub func([]record) *node) *node {
	order := []string{}
	groups := map[string][]record{}
	for _, r := range recs {
		v := r.values[i]
		if _, ok := groups[v]; !ok {
			order = append(order, v)
		}
		groups[v] = append(groups[v], r)
	}

	if collapse && len(order) == 1 {
		return sub(recs)
	}

	n := &node{}
	for _, v := range order {
		child := sub(groups[v])
		if child.leaf {
			child.cases = len(groups[v])
		}
		n.children = append(n.children, wrap(child, attr, v))
	}

	return n
}

// wrap attaches the test attr=value to the given subtree. If the subtree is an
// internal node, its children become the children of a new node testing this
// attribute.
func wrap(n *node, attr, value string) *node {
	if n.leaf {
		n.attr = attr
		n.value = value
		return n
	}

	return &node{
		attr:     attr,
		value:    value,
		children: n.children,
	}
}

// majority returns the most common class, and the number of records which
// don't have it. Ties go to the lowest class label, so output is stable.
func majority(recs []record) (string, int) {
	counts := map[string]int{}
	for _, r := range recs {
		counts[r.class]++
	}

	classes := make([]string, 0, len(counts))
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	best := ""
	max := -1
	for _, c := range classes {
		if counts[c] > max {
			best = c
			max = counts[c]
		}
	}

	return best, len(recs) - max
}

func report(root *node, cases int) []string {
	out := []string{
		"",
		"memorize: in-process rule learner",
		"",
		"Decision tree:",
		"",
	}

	var walk func(ns []*node, depth int)
	walk = func(ns []*node, depth int) {
		for i, n := range ns {
			prefix := ""
			if depth > 0 {
				if i == 0 {
					prefix = strings.Repeat("    ", depth-1) + ":..."
				} else {
					prefix = strings.Repeat("    ", depth)
				}
			}

			line := fmt.Sprintf("%s%s = %s:", prefix, n.attr, n.value)
			if n.leaf {
				if n.errors > 0 {
					line += fmt.Sprintf(" %s (%d/%d)", n.class, n.cases, n.errors)
				} else {
					line += fmt.Sprintf(" %s (%d)", n.class, n.cases)
				}
			}

			out = append(out, line)
			walk(n.children, depth+1)
		}
	}

	walk(root.children, 0)

	return append(out,
		"",
		"",
		fmt.Sprintf("Evaluation on training data (%d cases):", cases),
		"")
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := []string{}
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		l := strings.TrimSpace(s.Text())
		if l == "" || strings.HasPrefix(l, "|") {
			continue
		}
		lines = append(lines, l)
	}

	return lines, s.Err()
}

func readNames(path string) ([]attribute, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading names")
	}

	if len(lines) == 0 {
		return nil, errors.Errorf("empty names file: %s", path)
	}

	target := strings.TrimSuffix(lines[0], ".")
	attrs := []attribute{}

	for _, l := range lines[1:] {
		parts := splitUnescaped(l, ':')
		if len(parts) < 2 {
			return nil, errors.Errorf("bad attribute declaration: %q", l)
		}

		name := strings.TrimSpace(parts[0])
		if name == target {
			continue
		}

		decl := strings.TrimSuffix(strings.TrimSpace(strings.Join(parts[1:], ":")), ".")
		attrs = append(attrs, attribute{
			name:   name,
			ignore: decl == "ignore",
		})
	}

	return attrs, nil
}

func readData(path string, n int) ([]record, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading data")
	}

	recs := make([]record, 0, len(lines))
	for i, l := range lines {
		vals := splitUnescaped(l, ',')
		if len(vals) != n+1 {
			return nil, errors.Errorf("line %d: expected %d values, got %d", i+1, n+1, len(vals))
		}

		for j := range vals {
			vals[j] = strings.TrimSpace(vals[j])
		}

		recs = append(recs, record{
			values: vals[:n],
			class:  vals[n],
		})
	}

	return recs, nil
}

// splitUnescaped splits s on sep, except where sep is preceded by a backslash.
// The escapes are left in place.
func splitUnescaped(s string, sep byte) []string {
	out := []string{}
	esc := false
	start := 0

	for i := 0; i < len(s); i++ {
		switch {
		case esc:
			esc = false
		case s[i] == '\\':
			esc = true
		case s[i] == sep:
			out = append(out, s[start:i])
			start = i + 1
		}
	}

	return append(out, s[start:])
}
