package scheduler

import "github.com/pkg/errors"

var (
	// ErrCanceled rejects results removed by Cancel.
	ErrCanceled = errors.New("canceled")
	// ErrCleared rejects results removed by Clear.
	ErrCleared = errors.New("cleared")
	// ErrSuperseded rejects latest-only requests replaced by a newer request
	// of the same stream.
	ErrSuperseded = errors.New("superseded by a newer request")
)

// IsCancellation reports whether err signals a deliberately discarded
// request rather than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, ErrCleared) || errors.Is(err, ErrSuperseded)
}
