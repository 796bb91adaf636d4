// Package realtime defines the boundary between the panel client core and the
// realtime service it talks to. The core only depends on these interfaces;
// concrete transports live in sub-packages.
package realtime

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/panel/pkg/credentials"
)

var (
	// ErrAuthRejected is returned when the service refuses a credential.
	ErrAuthRejected = errors.New("credential rejected by realtime service")
	// ErrTokenMismatch is returned when a session token was issued for a
	// different user than the one authenticating.
	ErrTokenMismatch = errors.New("session token does not match user id")
	ErrNotJoined     = errors.New("channel not joined")
	ErrConnClosed    = errors.New("realtime connection closed")
)

// Hello is what a client presents when opening a session.
type Hello struct {
	Credential  credentials.Credential
	UserID      string
	DisplayName string
	AvatarURL   string
}

type Message struct {
	ID         string    `json:"id" yaml:"id"`
	ChannelID  string    `json:"channel_id" yaml:"channel_id"`
	SenderID   string    `json:"sender_id" yaml:"sender_id"`
	SenderName string    `json:"sender_name,omitempty" yaml:"sender_name,omitempty"`
	AvatarURL  string    `json:"avatar_url,omitempty" yaml:"avatar_url,omitempty"`
	Text       string    `json:"text" yaml:"text"`
	SentAt     time.Time `json:"sent_at" yaml:"sent_at"`
}

// Sink receives signals the service pushes while a session is open. Calls may
// arrive on any goroutine.
type Sink interface {
	TokenInvalidated(reason string)
	MessageReceived(msg Message)
	ConnectionLost(err error)
}

// Conn is an authenticated session with the realtime service.
type Conn interface {
	Join(ctx context.Context, channelID string) error
	Leave(ctx context.Context, channelID string) error
	Publish(ctx context.Context, msg Message) error
	// Reauthenticate swaps the session credential in place, keeping channel
	// memberships. It returns ErrAuthRejected when the service refuses it.
	Reauthenticate(ctx context.Context, cred credentials.Credential) error
	Close() error
}

type Transport interface {
	Open(ctx context.Context, hello Hello, sink Sink) (Conn, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, hello Hello, sink Sink) (Conn, error)

func (f TransportFunc) Open(ctx context.Context, hello Hello, sink Sink) (Conn, error) {
	return f(ctx, hello, sink)
}
