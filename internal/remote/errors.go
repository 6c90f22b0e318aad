package remote

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"
)

var (
	// ErrTransient covers network failures, timeouts and server selection.
	ErrTransient = errors.New("remote: transient failure")
	// ErrConflict means the remote already reflects the operation.
	ErrConflict = errors.New("remote: already applied")
	// ErrRejected means the target chat or message no longer exists.
	ErrRejected = errors.New("remote: rejected")
)

// Kind is the retry class of a remote error.
type Kind int

const (
	KindOK Kind = iota
	KindTransient
	KindConflict
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

// Classify maps an error onto the retry taxonomy. Unknown errors are treated
// as transient so they are retried with backoff rather than dropped.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrRejected):
		return KindRejected
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case mongo.IsDuplicateKeyError(err):
		return KindConflict
	case mongo.IsTimeout(err), mongo.IsNetworkError(err):
		return KindTransient
	}
	return KindTransient
}
