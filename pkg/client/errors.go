package client

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/panel/pkg/dispatch"
)

// ErrDestroyed resolves operations cut short by Destroy.
var ErrDestroyed = errors.New("client destroyed")

// InvalidStateError reports an operation attempted after Destroy or in a state
// that does not allow it. It is a programmer error and is returned right away.
type InvalidStateError struct {
	Op     string
	State  dispatch.ConnectionState
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: invalid in state %s: %s", e.Op, e.State, e.Reason)
	}
	return fmt.Sprintf("%s: invalid in state %s", e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrDestroyed && e.State == dispatch.Destroyed
}

type SendError struct {
	ChannelID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %q: %v", e.ChannelID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
