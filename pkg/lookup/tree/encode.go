package tree

import (
	"math"

	"github.com/adammck/placer/pkg/features"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the wire format. A tree is a repeated rule (1), and a rule
// is:
//
//	1 feature    string
//	2 op         varint
//	3 value kind varint (0=absent, 1=number, 2=string)
//	4 number     fixed64
//	5 string     bytes
//	6 leaf       varint
//	7 owner      zigzag varint
//	8 children   repeated rule
const (
	fTreeRule protowire.Number = 1

	fRuleFeature  protowire.Number = 1
	fRuleOp       protowire.Number = 2
	fRuleKind     protowire.Number = 3
	fRuleNumber   protowire.Number = 4
	fRuleString   protowire.Number = 5
	fRuleLeaf     protowire.Number = 6
	fRuleOwner    protowire.Number = 7
	fRuleChildren protowire.Number = 8
)

const (
	kindAbsent uint64 = iota
	kindNumber
	kindString
)

// Max depth accepted when decoding, so a hostile blob can't blow the stack.
const maxDepth = 256

var ErrDecode = errors.New("error decoding tree")

func (t *Tree) MarshalBinary() ([]byte, error) {
	var b []byte
	for _, r := range t.Root {
		b = protowire.AppendTag(b, fTreeRule, protowire.BytesType)
		b = protowire.AppendBytes(b, appendRule(nil, r))
	}
	return b, nil
}

func appendRule(b []byte, r *Rule) []byte {
	b = protowire.AppendTag(b, fRuleFeature, protowire.BytesType)
	b = protowire.AppendString(b, r.Feature)

	b = protowire.AppendTag(b, fRuleOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Op))

	if f, ok := r.Value.Float(); ok {
		b = protowire.AppendTag(b, fRuleKind, protowire.VarintType)
		b = protowire.AppendVarint(b, kindNumber)
		b = protowire.AppendTag(b, fRuleNumber, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(f))

	} else if s, ok := r.Value.Str(); ok {
		b = protowire.AppendTag(b, fRuleKind, protowire.VarintType)
		b = protowire.AppendVarint(b, kindString)
		b = protowire.AppendTag(b, fRuleString, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}

	if r.Leaf {
		b = protowire.AppendTag(b, fRuleLeaf, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
		b = protowire.AppendTag(b, fRuleOwner, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(r.Owner)))
	}

	for _, c := range r.Children {
		b = protowire.AppendTag(b, fRuleChildren, protowire.BytesType)
		b = protowire.AppendBytes(b, appendRule(nil, c))
	}

	return b
}

func (t *Tree) UnmarshalBinary(b []byte) error {
	root := []*Rule{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrDecode, protowire.ParseError(n).Error())
		}
		b = b[n:]

		if num == fTreeRule && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(ErrDecode, protowire.ParseError(n).Error())
			}
			b = b[n:]

			r, err := consumeRule(v, 0)
			if err != nil {
				return err
			}

			root = append(root, r)
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return errors.Wrap(ErrDecode, protowire.ParseError(n).Error())
		}
		b = b[n:]
	}

	if len(root) == 0 {
		return errors.Wrap(ErrDecode, "empty tree")
	}

	t.Root = root
	return nil
}

func consumeRule(b []byte, depth int) (*Rule, error) {
	if depth > maxDepth {
		return nil, errors.Wrap(ErrDecode, "too deep")
	}

	r := &Rule{}
	kind := kindAbsent
	var num float64
	var str string

	for len(b) > 0 {
		fn, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(ErrDecode, protowire.ParseError(n).Error())
		}
		b = b[n:]

		switch {
		case fn == fRuleFeature && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			r.Feature = v

		case fn == fRuleOp && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 && (v == uint64(OpUnknown) || v > uint64(OpGT)) {
				return nil, errors.Wrapf(ErrDecode, "bad op: %d", v)
			}
			r.Op = Op(v)

		case fn == fRuleKind && typ == protowire.VarintType:
			kind, n = protowire.ConsumeVarint(b)

		case fn == fRuleNumber && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			num = math.Float64frombits(v)

		case fn == fRuleString && typ == protowire.BytesType:
			str, n = protowire.ConsumeString(b)

		case fn == fRuleLeaf && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			r.Leaf = protowire.DecodeBool(v)

		case fn == fRuleOwner && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			r.Owner = int(protowire.DecodeZigZag(v))

		case fn == fRuleChildren && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				c, err := consumeRule(v, depth+1)
				if err != nil {
					return nil, err
				}
				r.Children = append(r.Children, c)
			}

		default:
			n = protowire.ConsumeFieldValue(fn, typ, b)
		}

		if n < 0 {
			return nil, errors.Wrap(ErrDecode, protowire.ParseError(n).Error())
		}
		b = b[n:]
	}

	switch kind {
	case kindAbsent:
	case kindNumber:
		r.Value = features.Number(num)
	case kindString:
		r.Value = features.String(str)
	default:
		return nil, errors.Wrapf(ErrDecode, "bad value kind: %d", kind)
	}

	if r.Feature == "" {
		return nil, errors.Wrap(ErrDecode, "rule without feature")
	}

	if r.Op == OpUnknown {
		return nil, errors.Wrap(ErrDecode, "rule without op")
	}

	return r, nil
}
