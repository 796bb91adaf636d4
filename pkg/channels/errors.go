package channels

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrDiscarded resolves joins that were queued while connecting and dropped
	// because the session fell back to disconnected.
	ErrDiscarded = errors.New("join discarded: session disconnected")
	// ErrCancelled resolves operations cut short by a leave or teardown.
	ErrCancelled = errors.New("channel operation cancelled")
)

type JoinError struct {
	ChannelID string
	Err       error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join %q: %v", e.ChannelID, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }

type LeaveError struct {
	ChannelID string
	Err       error
}

func (e *LeaveError) Error() string {
	return fmt.Sprintf("leave %q: %v", e.ChannelID, e.Err)
}

func (e *LeaveError) Unwrap() error { return e.Err }
