package consul

import (
	"fmt"
	"sync"
	"testing"

	"github.com/adammck/placer/pkg/api"
	"github.com/adammck/placer/pkg/persister"
	capi "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV is a single consul KV store, which can be shared by several
// persisters. Only the single-op CAS transactions which Persister sends are
// supported.
type fakeKV struct {
	mu    sync.Mutex
	pairs map[string]*capi.KVPair
	index uint64
}

func newFakeKV() *fakeKV {
	return &fakeKV{pairs: map[string]*capi.KVPair{}}
}

func (kv *fakeKV) Get(key string, q *capi.QueryOptions) (*capi.KVPair, *capi.QueryMeta, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	p, ok := kv.pairs[key]
	if !ok {
		return nil, &capi.QueryMeta{}, nil
	}

	cp := *p
	return &cp, &capi.QueryMeta{}, nil
}

func (kv *fakeKV) Txn(txn capi.KVTxnOps, q *capi.QueryOptions) (bool, *capi.KVTxnResponse, *capi.QueryMeta, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if len(txn) != 1 || txn[0].Verb != capi.KVCAS {
		return false, nil, nil, fmt.Errorf("unsupported txn: %v", txn)
	}

	op := txn[0]
	var cur uint64
	if p, ok := kv.pairs[op.Key]; ok {
		cur = p.ModifyIndex
	}

	if op.Index != cur {
		return false, &capi.KVTxnResponse{
			Errors: capi.TxnErrors{{OpIndex: 0, What: "index mismatch"}},
		}, &capi.QueryMeta{}, nil
	}

	kv.index++
	p := &capi.KVPair{Key: op.Key, Value: op.Value, ModifyIndex: kv.index}
	kv.pairs[op.Key] = p

	return true, &capi.KVTxnResponse{Results: capi.KVPairs{p}}, &capi.QueryMeta{}, nil
}

func TestGetPut(t *testing.T) {
	p := NewWithKV(newFakeKV(), "")

	rID, err := p.GetRound()
	require.NoError(t, err)
	assert.Equal(t, api.ZeroRound, rID)

	require.NoError(t, p.PutRound(1))
	require.NoError(t, p.PutRound(2))

	rID, err = p.GetRound()
	require.NoError(t, err)
	assert.Equal(t, api.RoundID(2), rID)
}

func TestPutConflict(t *testing.T) {
	kv := newFakeKV()
	a := NewWithKV(kv, "test/round")
	b := NewWithKV(kv, "test/round")

	// Both load at startup.
	_, err := a.GetRound()
	require.NoError(t, err)
	_, err = b.GetRound()
	require.NoError(t, err)

	// A is the coordinator for a while.
	for rID := api.RoundID(1); rID <= 3; rID++ {
		require.NoError(t, a.PutRound(rID))
	}

	// Then B is, and its index is stale.
	err = b.PutRound(4)
	assert.ErrorIs(t, err, persister.ErrConflict)

	rID, err := b.GetRound()
	require.NoError(t, err)
	assert.Equal(t, api.RoundID(3), rID)
	require.NoError(t, b.PutRound(4))

	// Now A is stale.
	assert.ErrorIs(t, a.PutRound(5), persister.ErrConflict)
}
