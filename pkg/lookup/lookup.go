// Package lookup provides the ObjectLookup, which overrides the default owner
// of the keys moved away from one node in a placement round, and the Factory
// which trains one from a placement decision.
package lookup

import (
	"github.com/adammck/placer/pkg/api"
	"github.com/adammck/placer/pkg/features"
	"github.com/adammck/placer/pkg/lookup/tree"
	"github.com/pkg/errors"
)

// ObjectLookup pairs a bloom filter of the moved keys with a decision tree
// which says where each one went. It is immutable.
type ObjectLookup struct {
	membership *Membership
	tree       *tree.Tree
	model      features.Model
}

func New(m *Membership, t *tree.Tree, model features.Model) *ObjectLookup {
	return &ObjectLookup{
		membership: m,
		tree:       t,
		model:      model,
	}
}

// OwnerOf returns the cluster position index of the key's new owner, or false
// if the key was not moved (or the tree doesn't know about it).
func (ol *ObjectLookup) OwnerOf(key api.Key) (int, bool) {
	if !ol.membership.Contains(key) {
		return 0, false
	}

	owner, ok := ol.tree.Classify(ol.model.ValuesFor(key))
	if !ok || owner < 0 {
		return 0, false
	}

	return owner, true
}

func (ol *ObjectLookup) Tree() *tree.Tree {
	return ol.tree
}

func (ol *ObjectLookup) Membership() *Membership {
	return ol.membership
}

// Encode returns the two halves of the lookup as opaque blobs.
func (ol *ObjectLookup) Encode() (membership []byte, tr []byte, err error) {
	membership, err = ol.membership.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}

	tr, err = ol.tree.MarshalBinary()
	if err != nil {
		return nil, nil, errors.Wrap(err, "error encoding tree")
	}

	return membership, tr, nil
}

// Decode is the inverse of Encode. The model must be the same one (by tag) as
// the lookup was built with, or classification will be meaningless.
func Decode(membership, tr []byte, model features.Model) (*ObjectLookup, error) {
	m := &Membership{}
	if err := m.UnmarshalBinary(membership); err != nil {
		return nil, err
	}

	t := &tree.Tree{}
	if err := t.UnmarshalBinary(tr); err != nil {
		return nil, err
	}

	return New(m, t, model), nil
}
