// Package wsconn carries realtime sessions over a websocket. Dialer is the
// client side and implements realtime.Transport; Server is an http.Handler that
// bridges each websocket onto another realtime.Transport, usually a pub/sub
// backend.
//
// Every frame is one JSON object. Requests carry an id and are answered by an
// "ack" or "error" frame with the same id; pushes from the server carry none.
package wsconn

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/panel/pkg/credentials"
	"github.com/go-go-golems/panel/pkg/realtime"
)

const (
	TypeHello            = "hello"
	TypeJoin             = "join"
	TypeLeave            = "leave"
	TypePublish          = "publish"
	TypeReauth           = "reauth"
	TypePing             = "ping"
	TypeAck              = "ack"
	TypeError            = "error"
	TypeMessage          = "message"
	TypeTokenInvalidated = "token_invalidated"
	TypeGoodbye          = "goodbye"
)

const (
	CodeAuthRejected  = "auth_rejected"
	CodeTokenMismatch = "token_mismatch"
	CodeNotJoined     = "not_joined"
	CodeConnClosed    = "conn_closed"
	CodeBadRequest    = "bad_request"
	CodeInternal      = "internal"
)

var ErrBadRequest = errors.New("bad request")

type Frame struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	ChannelID string            `json:"channel_id,omitempty"`
	Auth      *Auth             `json:"auth,omitempty"`
	Message   *realtime.Message `json:"message,omitempty"`
	Error     *ErrorPayload     `json:"error,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// Auth is the credential and identity presented in hello and reauth frames.
type Auth struct {
	Mode        string `json:"mode"`
	Secret      string `json:"secret"`
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

func authFromHello(h realtime.Hello) *Auth {
	a := authFromCredential(h.Credential)
	a.UserID = h.UserID
	a.DisplayName = h.DisplayName
	a.AvatarURL = h.AvatarURL
	return a
}

func authFromCredential(cred credentials.Credential) *Auth {
	return &Auth{Mode: cred.Mode().String(), Secret: credentials.Raw(cred)}
}

func (a *Auth) credential() (credentials.Credential, error) {
	if a == nil {
		return nil, errors.Wrap(ErrBadRequest, "missing auth")
	}
	mode, err := credentials.ParseMode(a.Mode)
	if err != nil {
		return nil, errors.Wrap(ErrBadRequest, err.Error())
	}
	return credentials.Resolve(mode, a.Secret)
}

func (a *Auth) hello() (realtime.Hello, error) {
	cred, err := a.credential()
	if err != nil {
		return realtime.Hello{}, err
	}
	return realtime.Hello{
		Credential:  cred,
		UserID:      a.UserID,
		DisplayName: a.DisplayName,
		AvatarURL:   a.AvatarURL,
	}, nil
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorPayload(err error) *ErrorPayload {
	code := CodeInternal
	var cfgErr *credentials.AuthConfigurationError
	switch {
	case errors.Is(err, realtime.ErrTokenMismatch):
		code = CodeTokenMismatch
	case errors.Is(err, realtime.ErrAuthRejected):
		code = CodeAuthRejected
	case errors.Is(err, realtime.ErrNotJoined):
		code = CodeNotJoined
	case errors.Is(err, realtime.ErrConnClosed):
		code = CodeConnClosed
	case errors.Is(err, ErrBadRequest), errors.As(err, &cfgErr):
		code = CodeBadRequest
	}
	return &ErrorPayload{Code: code, Message: err.Error()}
}

// Err maps the payload back onto the realtime sentinel errors.
func (p *ErrorPayload) Err() error {
	var base error
	switch p.Code {
	case CodeAuthRejected:
		base = realtime.ErrAuthRejected
	case CodeTokenMismatch:
		base = realtime.ErrTokenMismatch
	case CodeNotJoined:
		base = realtime.ErrNotJoined
	case CodeConnClosed:
		base = realtime.ErrConnClosed
	case CodeBadRequest:
		base = ErrBadRequest
	default:
		return errors.Errorf("realtime service error: %s", p.Message)
	}
	return errors.Wrap(base, p.Message)
}
