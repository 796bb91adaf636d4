package dispatch

import (
	"time"

	"github.com/go-go-golems/panel/pkg/realtime"
)

type Message = realtime.Message

// ConnectionState is the lifecycle state of a client session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reauthenticating
	Destroyed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reauthenticating:
		return "reauthenticating"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// MembershipState is the per-channel join state.
type MembershipState int

const (
	NotJoined MembershipState = iota
	Joining
	Joined
	LeavingChannel
)

func (s MembershipState) String() string {
	switch s {
	case NotJoined:
		return "not-joined"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case LeavingChannel:
		return "leaving"
	default:
		return "unknown"
	}
}

type Kind int

const (
	KindConnectionStateChanged Kind = iota
	KindSessionAuthTokenInvalid
	KindSessionAuthTokenNearingExpiry
	KindSessionAuthTokenMismatch
	KindChannelMembershipChanged
	KindMessageReceived
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindConnectionStateChanged:
		return "connection-state-changed"
	case KindSessionAuthTokenInvalid:
		return "session-auth-token-invalid"
	case KindSessionAuthTokenNearingExpiry:
		return "session-auth-token-nearing-expiry"
	case KindSessionAuthTokenMismatch:
		return "session-auth-token-mismatch"
	case KindChannelMembershipChanged:
		return "channel-membership-changed"
	case KindMessageReceived:
		return "message-received"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// StateChange carries the new connection state and, for failures, the cause.
type StateChange struct {
	State ConnectionState
	Err   error
}

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind       Kind
	State      StateChange
	ChannelID  string
	Membership MembershipState
	Message    Message
	ExpiresAt  time.Time
	Err        error
}

func ConnectionStateChanged(state ConnectionState, err error) Event {
	return Event{Kind: KindConnectionStateChanged, State: StateChange{State: state, Err: err}}
}

func SessionAuthTokenInvalid() Event {
	return Event{Kind: KindSessionAuthTokenInvalid}
}

func SessionAuthTokenNearingExpiry(at time.Time) Event {
	return Event{Kind: KindSessionAuthTokenNearingExpiry, ExpiresAt: at}
}

func SessionAuthTokenMismatch() Event {
	return Event{Kind: KindSessionAuthTokenMismatch}
}

func ChannelMembershipChanged(channelID string, state MembershipState) Event {
	return Event{Kind: KindChannelMembershipChanged, ChannelID: channelID, Membership: state}
}

func MessageReceived(msg Message) Event {
	return Event{Kind: KindMessageReceived, ChannelID: msg.ChannelID, Message: msg}
}

func Error(err error) Event {
	return Event{Kind: KindError, Err: err}
}
