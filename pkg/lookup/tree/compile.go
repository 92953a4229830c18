package tree

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/adammck/placer/pkg/features"
	"github.com/pkg/errors"
)

var (
	ErrNoRules        = errors.New("no rules")
	ErrMalformedRule  = errors.New("malformed rule")
	ErrUnknownFeature = errors.New("unknown feature")
	ErrIndentation    = errors.New("bad indentation")
)

// Number of filler characters per nesting level.
const indentWidth = 4

type line struct {
	num   int
	level int
	text  string
}

// Compile parses the rules printed by the rule learner into a Tree. Lines are
// indentation coded: every four leading filler characters (space, colon or
// period) are one level of nesting, and a line at level L is a child of the
// most recent line at level L-1. For example:
//
//	B = N/A: 1 (27/3)
//	B > 2: 2 (121)
//	B <= 2:
//	:...C > 2334: 3 (403)
//	    C <= 2334: 4 (130)
//
// Each rule is "<feature> <op> <operand>:", optionally followed by the owner
// index if the rule is a leaf. The learner's (n/m) counts are ignored.
func Compile(rules []string, feats map[string]features.Feature) (*Tree, error) {
	lines := make([]line, 0, len(rules))
	for i, raw := range rules {
		if strings.TrimSpace(raw) == "" {
			continue
		}

		level, text := indent(raw)
		lines = append(lines, line{num: i + 1, level: level, text: text})
	}

	if len(lines) == 0 {
		return nil, ErrNoRules
	}

	root, n, err := group(lines, 0, 0, feats)
	if err != nil {
		return nil, err
	}

	if n != len(lines) {
		return nil, errors.Wrapf(ErrIndentation, "line %d", lines[n].num)
	}

	return &Tree{Root: root}, nil
}

// group parses the contiguous run of lines starting at i which are at the
// given level (and their descendants), returning the rules and the index of
// the first line which wasn't consumed.
func group(lines []line, i, level int, feats map[string]features.Feature) ([]*Rule, int, error) {
	out := []*Rule{}

	for i < len(lines) {
		l := lines[i]

		if l.level < level {
			break
		}

		if l.level > level {
			if l.level != level+1 || len(out) == 0 {
				return nil, i, errors.Wrapf(ErrIndentation, "line %d", l.num)
			}

			parent := out[len(out)-1]
			if parent.Leaf {
				return nil, i, errors.Wrapf(ErrIndentation, "line %d: child of leaf", l.num)
			}

			children, j, err := group(lines, i, level+1, feats)
			if err != nil {
				return nil, j, err
			}

			parent.Children = append(parent.Children, children...)
			i = j
			continue
		}

		r, err := parseRule(l.text, feats)
		if err != nil {
			return nil, i, errors.Wrapf(err, "line %d", l.num)
		}

		out = append(out, r)
		i++
	}

	return out, i, nil
}

func isFiller(c byte) bool {
	return c == ' ' || c == ':' || c == '.'
}

func indent(s string) (int, string) {
	n := 0
	for n < len(s) && isFiller(s[n]) {
		n++
	}

	return n / indentWidth, strings.TrimRight(s[n:], " \t\r")
}

func parseRule(text string, feats map[string]features.Feature) (*Rule, error) {
	colon := indexUnescaped(text, ':')
	if colon < 0 {
		return nil, errors.Wrapf(ErrMalformedRule, "no colon: %q", text)
	}

	name, rest := cutSpace(text[:colon])
	opText, raw := cutSpace(rest)
	if name == "" || opText == "" {
		return nil, errors.Wrapf(ErrMalformedRule, "short condition: %q", text)
	}

	f, ok := feats[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFeature, "%q", name)
	}

	op := parseOp(opText)
	if op == OpUnknown {
		return nil, errors.Wrapf(ErrMalformedRule, "unknown operator: %q", opText)
	}

	r := &Rule{
		Feature: f.Name,
		Op:      op,
	}

	// Compared before unescaping, since a literal N/A label is escaped.
	operand := Unescape(raw)

	switch {
	case raw == "" || raw == features.NotApplicable:
		if op != OpEQ {
			return nil, errors.Wrapf(ErrMalformedRule, "%s needs an operand: %q", op, text)
		}
		r.Value = features.Absent()

	case f.Type == features.Continuous:
		n, err := strconv.ParseFloat(operand, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedRule, "bad number %q for %s", operand, f.Name)
		}
		r.Value = features.Number(n)

	default:
		if op != OpEQ {
			return nil, errors.Wrapf(ErrMalformedRule, "%s on categorical %s", op, f.Name)
		}
		r.Value = features.String(operand)
	}

	tail := strings.Fields(text[colon+1:])
	if len(tail) > 0 {
		owner, err := strconv.Atoi(tail[0])
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedRule, "bad owner %q", tail[0])
		}

		r.Leaf = true
		r.Owner = owner
	}

	return r, nil
}

// cutSpace returns the first whitespace-separated word of s, and the rest of s
// with surrounding whitespace trimmed.
func cutSpace(s string) (string, string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func indexUnescaped(s string, c byte) int {
	esc := false
	for i := 0; i < len(s); i++ {
		switch {
		case esc:
			esc = false
		case s[i] == '\\':
			esc = true
		case s[i] == c:
			return i
		}
	}
	return -1
}

// Escape prepares a categorical label for the learner's input files, where
// commas, colons, pipes and periods are significant. A label which is exactly
// N/A or ? would be read back as absent, so gets a leading backslash.
func Escape(s string) string {
	if s == features.NotApplicable || s == "?" {
		return `\` + s
	}

	if !strings.ContainsAny(s, `\,:|.`) {
		return s
	}

	sb := strings.Builder{}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', ',', ':', '|', '.':
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// Unescape reverses Escape.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	sb := strings.Builder{}
	esc := false
	for i := 0; i < len(s); i++ {
		if !esc && s[i] == '\\' {
			esc = true
			continue
		}
		esc = false
		sb.WriteByte(s[i])
	}
	return sb.String()
}
