package consul

import (
	"strconv"
	"strings"
	"sync"

	"github.com/adammck/placer/pkg/api"
	"github.com/adammck/placer/pkg/persister"
	capi "github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
)

const DefaultKey = "placer/round"

// KV is the subset of the consul KV API which Persister needs.
type KV interface {
	Get(key string, q *capi.QueryOptions) (*capi.KVPair, *capi.QueryMeta, error)
	Txn(txn capi.KVTxnOps, q *capi.QueryOptions) (bool, *capi.KVTxnResponse, *capi.QueryMeta, error)
}

type Persister struct {
	kv  KV
	key string

	// The ModifyIndex of the key when it was last read or written, or zero if
	// it doesn't exist yet. Used for check-and-set.
	modifyIndex uint64

	// guards modifyIndex
	sync.Mutex
}

func New(client *capi.Client, key string) *Persister {
	return NewWithKV(client.KV(), key)
}

func NewWithKV(kv KV, key string) *Persister {
	if key == "" {
		key = DefaultKey
	}

	return &Persister{
		kv:  kv,
		key: key,
	}
}

func (cp *Persister) GetRound() (api.RoundID, error) {
	cp.Lock()
	defer cp.Unlock()

	pair, _, err := cp.kv.Get(cp.key, nil)
	if err != nil {
		return api.ZeroRound, errors.Wrap(err, "error reading round from consul")
	}

	// Never written.
	if pair == nil {
		cp.modifyIndex = 0
		return api.ZeroRound, nil
	}

	n, err := strconv.ParseUint(strings.TrimSpace(string(pair.Value)), 10, 64)
	if err != nil {
		return api.ZeroRound, errors.Wrapf(err, "invalid round in consul key %s", cp.key)
	}

	cp.modifyIndex = pair.ModifyIndex
	return api.RoundID(n), nil
}

func (cp *Persister) PutRound(rID api.RoundID) error {
	cp.Lock()
	defer cp.Unlock()

	// With Index zero, CAS only succeeds if the key doesn't exist yet.
	ops := capi.KVTxnOps{
		&capi.KVTxnOp{
			Verb:  capi.KVCAS,
			Key:   cp.key,
			Value: []byte(strconv.FormatUint(uint64(rID), 10)),
			Index: cp.modifyIndex,
		},
	}

	ok, res, _, err := cp.kv.Txn(ops, nil)
	if err != nil {
		return errors.Wrap(err, "error writing round to consul")
	}

	if !ok {
		msgs := []string{}
		if res != nil {
			for _, e := range res.Errors {
				msgs = append(msgs, e.What)
			}
		}
		return errors.Wrapf(persister.ErrConflict, "CAS failed (key=%s, index=%d): %s", cp.key, cp.modifyIndex, strings.Join(msgs, "; "))
	}

	if len(res.Results) != 1 {
		return errors.Errorf("expected 1 result from Txn, got %d", len(res.Results))
	}

	cp.modifyIndex = res.Results[0].ModifyIndex
	return nil
}
