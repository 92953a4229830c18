// Package features describes keys as vectors of named features. The decision
// tree in an ObjectLookup is trained on, and queried with, these vectors.
package features

import (
	"strconv"
	"strings"

	"github.com/adammck/placer/pkg/api"
)

// NotApplicable is how an absent value is written to training data, and how
// the rule learner refers to it in rules.
const NotApplicable = "N/A"

type Type uint8

const (
	Continuous Type = iota + 1
	Categorical
)

func (t Type) String() string {
	switch t {
	case Continuous:
		return "continuous"
	case Categorical:
		return "categorical"
	}
	return "unknown"
}

type Feature struct {
	Name string
	Type Type
}

type kind uint8

const (
	absent kind = iota
	number
	str
)

// Value is the value of one feature for one key. The zero value is absent.
type Value struct {
	k   kind
	num float64
	str string
}

func Absent() Value {
	return Value{}
}

func Number(f float64) Value {
	return Value{k: number, num: f}
}

// String returns a categorical value. Whitespace is trimmed and runs of it
// collapsed to a single space, as the rule learner does to labels in its
// input, so the tree compares the same string it was trained on. A string
// which is empty after that is absent.
func String(s string) Value {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return Absent()
	}
	return Value{k: str, str: s}
}

func (v Value) IsAbsent() bool {
	return v.k == absent
}

// Float returns the numeric value, and false if v isn't a number.
func (v Value) Float() (float64, bool) {
	if v.k != number {
		return 0, false
	}
	return v.num, true
}

// Str returns the categorical value, and false if v isn't a string.
func (v Value) Str() (string, bool) {
	if v.k != str {
		return "", false
	}
	return v.str, true
}

// Equal is exact equality. Two absent values are equal.
func (v Value) Equal(o Value) bool {
	if v.k != o.k {
		return false
	}
	switch v.k {
	case number:
		return v.num == o.num
	case str:
		return v.str == o.str
	}
	return true
}

func (v Value) String() string {
	switch v.k {
	case number:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case str:
		return v.str
	}
	return NotApplicable
}

// Vector is the feature vector of a single key, by feature name. Features which
// are missing from the map are absent.
type Vector map[string]Value

func (v Vector) Get(name string) Value {
	return v[name]
}

// Model exposes the features of keys. Implementations must be deterministic:
// every node must compute the same vector for the same key, or lookups built
// on one node will misroute on another.
type Model interface {
	Features() []Feature
	ValuesFor(key api.Key) Vector
}

// ByName indexes the features of a model by name.
func ByName(m Model) map[string]Feature {
	out := map[string]Feature{}
	for _, f := range m.Features() {
		out[f.Name] = f
	}
	return out
}
