package persister

import (
	"github.com/adammck/placer/pkg/api"
	"github.com/pkg/errors"
)

// ErrConflict is returned (wrapped) by PutRound when the stored round was
// written by someone else since this persister last read or wrote it. The
// caller should GetRound and try again with a newer ID.
var ErrConflict = errors.New("round written concurrently")

// Persister stores the last round ID issued by the coordinator, so that a
// restarted coordinator never issues an ID which the cluster has already seen.
type Persister interface {

	// GetRound returns the last stored round ID, or api.ZeroRound if none has
	// ever been stored. It's called when the round manager starts, and again
	// after a conflict.
	GetRound() (api.RoundID, error)

	// PutRound stores the given round ID. Implementations must refuse to
	// overwrite a value written by someone else since the last Get or Put, by
	// returning ErrConflict.
	PutRound(api.RoundID) error
}
