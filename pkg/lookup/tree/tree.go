// Package tree implements the decision tree half of an ObjectLookup: a first
// match decision list, compiled from the textual rules printed by the rule
// learner, which maps a key's feature vector to the index of its new owner.
package tree

import (
	"fmt"
	"strings"

	"github.com/adammck/placer/pkg/features"
)

type Op uint8

const (
	OpUnknown Op = iota
	OpEQ
	OpLE
	OpGT
)

func (o Op) String() string {
	switch o {
	case OpEQ:
		return "="
	case OpLE:
		return "<="
	case OpGT:
		return ">"
	}
	return "?"
}

func parseOp(s string) Op {
	switch s {
	case "=":
		return OpEQ
	case "<=":
		return OpLE
	case ">":
		return OpGT
	}
	return OpUnknown
}

// Rule is one node of the tree. Internal rules have Children; leaves have an
// Owner instead.
type Rule struct {
	Feature string
	Op      Op
	Value   features.Value

	Leaf     bool
	Owner    int
	Children []*Rule
}

func (r *Rule) matches(v features.Vector) bool {
	c := v.Get(r.Feature)

	switch r.Op {
	case OpEQ:
		return c.Equal(r.Value)

	case OpLE, OpGT:
		cf, ok := c.Float()
		if !ok {
			return false
		}

		rf, ok := r.Value.Float()
		if !ok {
			return false
		}

		if r.Op == OpLE {
			return cf <= rf
		}
		return cf > rf
	}

	return false
}

// Tree is immutable once compiled or decoded, and so is safe for concurrent
// Classify calls.
type Tree struct {
	Root []*Rule
}

// Classify walks the tree. At each level the children are scanned in order
// and the first one which matches is descended into, or its owner returned if
// it's a leaf. If no child matches, the key is not found. There's no
// backtracking.
func (t *Tree) Classify(v features.Vector) (int, bool) {
	children := t.Root

	for {
		var hit *Rule
		for _, r := range children {
			if r.matches(v) {
				hit = r
				break
			}
		}

		if hit == nil {
			return 0, false
		}

		if hit.Leaf {
			return hit.Owner, true
		}

		children = hit.Children
	}
}

// Len returns the number of rules in the tree.
func (t *Tree) Len() int {
	var count func([]*Rule) int
	count = func(rs []*Rule) int {
		n := len(rs)
		for _, r := range rs {
			n += count(r.Children)
		}
		return n
	}

	return count(t.Root)
}

// String renders the tree in roughly the format that it was compiled from.
// Only for logging and tests.
func (t *Tree) String() string {
	sb := strings.Builder{}

	var walk func([]*Rule, int)
	walk = func(rs []*Rule, depth int) {
		for _, r := range rs {
			sb.WriteString(strings.Repeat("    ", depth))
			fmt.Fprintf(&sb, "%s %s %s:", r.Feature, r.Op, r.Value)
			if r.Leaf {
				fmt.Fprintf(&sb, " %d", r.Owner)
			}
			sb.WriteString("\n")
			walk(r.Children, depth+1)
		}
	}

	walk(t.Root, 0)
	return sb.String()
}
