package api

import "fmt"

// RoundID identifies one execution of the placement protocol. They're issued by
// the coordinator and only ever increase.
type RoundID uint64

// ZeroRound is not a valid RoundID. Nodes start in it before any round has
// been started.
const ZeroRound RoundID = 0

func (id RoundID) String() string {
	return fmt.Sprintf("%d", id)
}
