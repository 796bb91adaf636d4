package pubsub

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/panel/pkg/credentials"
	"github.com/go-go-golems/panel/pkg/realtime"
)

// session is one authenticated client. Mutable fields are guarded by the
// backend lock.
type session struct {
	b      *Backend
	userID string
	name   string
	avatar string
	sink   realtime.Sink

	cred     credentials.Credential
	channels map[string]struct{}
	invalid  bool
	closed   bool
}

var _ realtime.Conn = (*session)(nil)

func (s *session) usableLocked() error {
	if s.closed {
		return realtime.ErrConnClosed
	}
	if s.invalid {
		return errors.Wrap(realtime.ErrAuthRejected, "session awaiting reauthentication")
	}
	return nil
}

func (s *session) Join(ctx context.Context, channelID string) error {
	return s.b.join(ctx, s, channelID)
}

func (s *session) Leave(_ context.Context, channelID string) error {
	return s.b.leave(s, channelID)
}

func (s *session) Publish(_ context.Context, msg realtime.Message) error {
	return s.b.publish(s, msg)
}

func (s *session) Reauthenticate(_ context.Context, cred credentials.Credential) error {
	return s.b.reauthenticate(s, cred)
}

func (s *session) Close() error {
	s.b.closeSession(s)
	return nil
}
