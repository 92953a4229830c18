package transport

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/adammck/placer/pkg/api"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// recorder is a Handler which keeps every message it receives.
type recorder struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recorder) record(m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return r.err
}

func (r *recorder) received() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *recorder) HandleRequestRound(ctx context.Context, m *RequestRound) error {
	return r.record(m)
}

func (r *recorder) HandleStartRound(ctx context.Context, m *StartRound) error {
	return r.record(m)
}

func (r *recorder) HandleRequestList(ctx context.Context, m *RequestList) error {
	return r.record(m)
}

func (r *recorder) HandleObjectLookup(ctx context.Context, m *ObjectLookup) error {
	return r.record(m)
}

func (r *recorder) HandleAck(ctx context.Context, m *Ack) error {
	return r.record(m)
}

func (r *recorder) HandleRehash(ctx context.Context, m *Rehash) error {
	return r.record(m)
}

func (r *recorder) HandleSetCoolDown(ctx context.Context, m *SetCoolDown) error {
	return r.record(m)
}

type fakeRouter struct{}

func (fakeRouter) Locate(ctx context.Context, req *LocateRequest) (*LocateResponse, error) {
	return &LocateResponse{Nodes: []api.NodeID{api.NodeID("node-for-" + string(req.Key))}}, nil
}

func (fakeRouter) Info(ctx context.Context, req *InfoRequest) (*InfoResponse, error) {
	return &InfoResponse{Node: "test-aaa", Round: 7, Enabled: true}, nil
}

// From: https://harrigan.xyz/blog/testing-go-grpc-server-using-an-in-memory-buffer-with-bufconn/
func setup(t *testing.T, h Handler) *grpc.ClientConn {
	listener := bufconn.Listen(1024 * 1024)

	srv := grpc.NewServer()
	Register(srv, h)
	RegisterRouter(srv, fakeRouter{})

	go func() {
		_ = srv.Serve(listener)
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return listener.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

var testMessages = []Message{
	&RequestRound{From: "test-bbb"},
	&StartRound{Round: 3, Members: []api.NodeID{"test-aaa", "test-bbb"}},
	&RequestList{Round: 3, Sender: 1, Keys: map[api.Key]uint64{"a": 1, "b": 2}},
	&ObjectLookup{Round: 3, Origin: 0, Membership: []byte{1, 2}, Tree: []byte{3}},
	&ObjectLookup{Round: 3, Origin: 1},
	&Ack{Round: 3, Sender: 1},
	&Rehash{Round: 3},
	&SetCoolDown{Ms: 1500},
}

func TestClientSend(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c := NewClient(setup(t, rec))

	for _, m := range testMessages {
		require.NoError(t, c.Send(ctx, m), "msg=%s", m)
	}

	got := rec.received()
	if diff := cmp.Diff(testMessages, got, cmp.Comparer(func(a, b []byte) bool {
		return string(a) == string(b)
	})); diff != "" {
		t.Errorf("received messages differ (-want +got):\n%s", diff)
	}

	assert.True(t, got[4].(*ObjectLookup).Empty())
	assert.False(t, got[3].(*ObjectLookup).Empty())
}

func TestClientInvalid(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c := NewClient(setup(t, rec))

	err := c.Send(ctx, &StartRound{Round: 1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = c.Send(ctx, &Ack{Sender: 1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	assert.Empty(t, rec.received())
}

func TestClientHandlerError(t *testing.T) {
	rec := &recorder{err: status.Error(codes.FailedPrecondition, "not the coordinator")}
	c := NewClient(setup(t, rec))

	err := c.Send(context.Background(), &RequestRound{From: "x"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	c := NewClient(setup(t, &recorder{}))

	res, err := c.Locate(ctx, &LocateRequest{Key: "k1", N: 1})
	require.NoError(t, err)
	assert.Equal(t, []api.NodeID{"node-for-k1"}, res.Nodes)

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.NodeID("test-aaa"), info.Node)
	assert.Equal(t, api.RoundID(7), info.Round)
	assert.True(t, info.Enabled)
}

type staticConns map[api.NodeID]grpc.ClientConnInterface

func (sc staticConns) Conn(nID api.NodeID) (grpc.ClientConnInterface, bool) {
	c, ok := sc[nID]
	return c, ok
}

func TestGRPCBroadcast(t *testing.T) {
	ctx := context.Background()
	log, _ := test.NewNullLogger()

	a, b := &recorder{}, &recorder{}
	tr := NewGRPC(staticConns{
		"test-aaa": setup(t, a),
		"test-bbb": setup(t, b),
	}, log)

	msg := &Ack{Round: 1, Sender: 0}
	require.NoError(t, Broadcast(ctx, tr, []api.NodeID{"test-aaa", "test-bbb"}, msg))
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)

	// Permanent errors aren't retried.
	err := tr.Send(ctx, "test-aaa", &Ack{Sender: 0})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Len(t, a.received(), 1)
}

func TestGRPCNoConn(t *testing.T) {
	log, _ := test.NewNullLogger()
	tr := NewGRPC(staticConns{}, log)
	tr.maxRetries = 1

	err := tr.Send(context.Background(), "test-zzz", &Ack{Round: 1})
	assert.Error(t, err)
}

func TestGRPCLocal(t *testing.T) {
	log, _ := test.NewNullLogger()
	self := &recorder{}
	tr := NewGRPC(staticConns{}, log)
	tr.SetLocal("test-aaa", self)

	// No connection needed.
	require.NoError(t, tr.Send(context.Background(), "test-aaa", &Rehash{Round: 4}))
	assert.Equal(t, []Message{&Rehash{Round: 4}}, self.received())
}

func TestNetwork(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	a, b := &recorder{}, &recorder{}
	n.Add("a", a)
	n.Add("b", b)

	keys := map[api.Key]uint64{"k": 1}
	require.NoError(t, n.Transport("a").Send(ctx, "b", &RequestList{Round: 1, Keys: keys}))

	// The receiver gets a copy.
	keys["k"] = 99
	got := b.received()[0].(*RequestList)
	assert.Equal(t, uint64(1), got.Keys["k"])

	n.SetFilter(func(from, to api.NodeID, msg Message) bool {
		return from != "a"
	})
	require.NoError(t, n.Transport("a").Send(ctx, "b", &Ack{Round: 1}))
	require.NoError(t, n.Transport("b").Send(ctx, "a", &Ack{Round: 1}))
	assert.Len(t, b.received(), 1)
	assert.Len(t, a.received(), 1)

	err := n.Transport("a").Send(ctx, "c", &Ack{Round: 1})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	n.SetFilter(nil)
	n.Remove("b")
	err = Broadcast(ctx, n.Transport("a"), []api.NodeID{"a", "b"}, &Ack{Round: 2})
	assert.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(errors.Cause(err)))
	assert.Len(t, a.received(), 2)
}
