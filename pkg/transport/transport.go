package transport

import (
	"context"
	"sync"
	"time"

	"github.com/adammck/placer/pkg/api"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Transport sends protocol messages to other nodes (or this one). Send blocks
// until the receiving handler returns.
type Transport interface {
	Send(ctx context.Context, to api.NodeID, msg Message) error
}

// Broadcast sends msg to every given node concurrently. Every send is
// attempted even if some fail; the first error is returned.
func Broadcast(ctx context.Context, t Transport, to []api.NodeID, msg Message) error {
	g := errgroup.Group{}

	for _, nID := range to {
		nID := nID
		g.Go(func() error {
			return errors.Wrapf(t.Send(ctx, nID, msg), "error sending %s to %s", msg, nID)
		})
	}

	return g.Wait()
}

// Conns provides a connection to each node.
type Conns interface {
	Conn(nID api.NodeID) (grpc.ClientConnInterface, bool)
}

const DefaultMaxRetries = 5

// GRPC is a Transport over gRPC. Sends which fail because the node is
// unavailable are retried with exponential backoff.
type GRPC struct {
	conns      Conns
	maxRetries uint64
	log        logrus.FieldLogger

	// Messages to self are dispatched to this, if set.
	self  api.NodeID
	local Handler
}

func NewGRPC(conns Conns, log logrus.FieldLogger) *GRPC {
	return &GRPC{
		conns:      conns,
		maxRetries: DefaultMaxRetries,
		log:        log.WithField("action", "transport"),
	}
}

// SetLocal makes messages sent to nID (which should be this node) go straight
// to h rather than over the network. Must be called before the first Send.
func (t *GRPC) SetLocal(nID api.NodeID, h Handler) {
	t.self = nID
	t.local = h
}

func (t *GRPC) Send(ctx context.Context, to api.NodeID, msg Message) error {
	if t.local != nil && to == t.self {
		return Dispatch(ctx, t.local, msg)
	}

	op := func() error {
		conn, ok := t.conns.Conn(to)
		if !ok {
			return errors.Errorf("no connection to %s", to)
		}

		err := NewClient(conn).Send(ctx, msg)
		if err == nil {
			return nil
		}

		if status.Code(err) == codes.Unavailable {
			return err
		}

		return backoff.Permanent(err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), t.maxRetries), ctx)

	return backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		t.log.WithField("to", to).Debugf("retrying %s in %s: %v", msg, d, err)
	})
}

// Network connects handlers in the same process, for tests and single-process
// clusters. Messages are encoded and decoded on the way through, like they
// would be on the wire.
type Network struct {
	mu       sync.RWMutex
	handlers map[api.NodeID]Handler
	filter   func(from, to api.NodeID, msg Message) bool
}

func NewNetwork() *Network {
	return &Network{
		handlers: map[api.NodeID]Handler{},
	}
}

func (n *Network) Add(nID api.NodeID, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[nID] = h
}

func (n *Network) Remove(nID api.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, nID)
}

// SetFilter installs a function which is called before every delivery.
// Messages for which it returns false are silently dropped.
func (n *Network) SetFilter(fn func(from, to api.NodeID, msg Message) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = fn
}

// Transport returns a Transport which sends from the given node.
func (n *Network) Transport(from api.NodeID) Transport {
	return &memTransport{n: n, from: from}
}

type memTransport struct {
	n    *Network
	from api.NodeID
}

func (t *memTransport) Send(ctx context.Context, to api.NodeID, msg Message) error {
	t.n.mu.RLock()
	h, ok := t.n.handlers[to]
	filter := t.n.filter
	t.n.mu.RUnlock()

	if !ok {
		return status.Errorf(codes.Unavailable, "no such node: %s", to)
	}

	if filter != nil && !filter(t.from, to, msg) {
		return nil
	}

	out, err := clone(msg)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "error decoding %s: %v", msg, err)
	}

	if err := validate(out); err != nil {
		return err
	}

	return Dispatch(ctx, h, out)
}

func clone(msg Message) (Message, error) {
	b, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, err
	}

	var out Message
	switch msg.(type) {
	case *RequestRound:
		out = &RequestRound{}
	case *StartRound:
		out = &StartRound{}
	case *RequestList:
		out = &RequestList{}
	case *ObjectLookup:
		out = &ObjectLookup{}
	case *Ack:
		out = &Ack{}
	case *Rehash:
		out = &Rehash{}
	case *SetCoolDown:
		out = &SetCoolDown{}
	default:
		return nil, errors.Errorf("unknown message: %T", msg)
	}

	if err := msgpack.Unmarshal(b, out); err != nil {
		return nil, err
	}

	return out, nil
}
