package roster

import (
	"time"

	"github.com/adammck/placer/pkg/api"
	"google.golang.org/grpc"
)

type Node struct {
	Remote api.Remote

	// When this node was last seen in service discovery. Doesn't necessarily
	// mean that it's actually alive, though.
	whenLastSeen time.Time

	// The gRPC connection to the actual remote node. Nil for this node, which
	// never talks to itself over the network.
	conn *grpc.ClientConn
}

func (n *Node) Ident() api.NodeID {
	return n.Remote.NodeID()
}

func (n *Node) close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}
