package transport

import (
	"fmt"

	"github.com/adammck/placer/pkg/api"
)

// Message is one of the protocol messages below. Each is sent as the request
// of a unary RPC, whose response is always Empty.
type Message interface {
	method() string
	fmt.Stringer
}

// RequestRound asks the coordinator to start a new round.
type RequestRound struct {
	From api.NodeID `msgpack:"from"`
}

// StartRound is broadcast by the coordinator. The member list is fixed for the
// whole round, and defines every node's position index.
type StartRound struct {
	Round   api.RoundID  `msgpack:"round"`
	Members []api.NodeID `msgpack:"members"`
}

// RequestList is sent by every member to every member, including itself.
type RequestList struct {
	Round  api.RoundID        `msgpack:"round"`
	Sender int                `msgpack:"sender"`
	Keys   map[api.Key]uint64 `msgpack:"keys"`
}

// ObjectLookup is broadcast by every member once it has decided which of its
// keys should move. Both blobs are empty if none should, or if building the
// lookup failed.
type ObjectLookup struct {
	Round      api.RoundID `msgpack:"round"`
	Origin     int         `msgpack:"origin"`
	Membership []byte      `msgpack:"membership"`
	Tree       []byte      `msgpack:"tree"`
}

func (m *ObjectLookup) Empty() bool {
	return len(m.Membership) == 0 && len(m.Tree) == 0
}

// Ack is sent to the coordinator once a member has installed a lookup from
// every member.
type Ack struct {
	Round  api.RoundID `msgpack:"round"`
	Sender int         `msgpack:"sender"`
}

// Rehash is broadcast by the coordinator once every member has acked, after
// migration has been triggered. Members finish their round when they see it.
type Rehash struct {
	Round api.RoundID `msgpack:"round"`
}

// SetCoolDown changes the minimum time between rounds on the coordinator.
type SetCoolDown struct {
	Ms uint64 `msgpack:"ms"`
}

type Empty struct{}

const (
	serviceName = "placer.Placement"

	methodRequestRound = "/" + serviceName + "/RequestRound"
	methodStartRound   = "/" + serviceName + "/StartRound"
	methodRequestList  = "/" + serviceName + "/RequestList"
	methodObjectLookup = "/" + serviceName + "/ObjectLookup"
	methodAck          = "/" + serviceName + "/Ack"
	methodRehash       = "/" + serviceName + "/Rehash"
	methodSetCoolDown  = "/" + serviceName + "/SetCoolDown"
)

func (*RequestRound) method() string { return methodRequestRound }
func (*StartRound) method() string   { return methodStartRound }
func (*RequestList) method() string  { return methodRequestList }
func (*ObjectLookup) method() string { return methodObjectLookup }
func (*Ack) method() string          { return methodAck }
func (*Rehash) method() string       { return methodRehash }
func (*SetCoolDown) method() string  { return methodSetCoolDown }

func (m *RequestRound) String() string {
	return fmt.Sprintf("RequestRound(from=%s)", m.From)
}

func (m *StartRound) String() string {
	return fmt.Sprintf("StartRound(round=%v, members=%v)", m.Round, m.Members)
}

func (m *RequestList) String() string {
	return fmt.Sprintf("RequestList(round=%v, sender=%d, keys=%d)", m.Round, m.Sender, len(m.Keys))
}

func (m *ObjectLookup) String() string {
	return fmt.Sprintf("ObjectLookup(round=%v, origin=%d, membership=%dB, tree=%dB)", m.Round, m.Origin, len(m.Membership), len(m.Tree))
}

func (m *Ack) String() string {
	return fmt.Sprintf("Ack(round=%v, sender=%d)", m.Round, m.Sender)
}

func (m *Rehash) String() string {
	return fmt.Sprintf("Rehash(round=%v)", m.Round)
}

func (m *SetCoolDown) String() string {
	return fmt.Sprintf("SetCoolDown(ms=%d)", m.Ms)
}
