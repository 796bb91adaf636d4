// Package credentials resolves the two supported authentication modes of a panel
// client into a validated Credential.
//
// A Credential is a closed set of variants: PublishableKey and SessionToken.
// Only SessionToken carries a validity window and a refresh hook, so code that
// needs to refresh type-switches on the variant instead of probing optional
// fields.
package credentials

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

type Mode int

const (
	ModePublishableKey Mode = iota
	ModeSessionToken
)

func (m Mode) String() string {
	switch m {
	case ModePublishableKey:
		return "publishable-key"
	case ModeSessionToken:
		return "session-token"
	default:
		return "unknown"
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "publishable-key", "publishable_key", "key":
		return ModePublishableKey, nil
	case "session-token", "session_token", "token":
		return ModeSessionToken, nil
	default:
		return 0, errors.Errorf("unknown credential mode %q", s)
	}
}

// Raw returns the secret material of cred, for transports that must present it
// to the service. Never log it.
func Raw(cred Credential) string {
	switch c := cred.(type) {
	case PublishableKey:
		return c.Key
	case SessionToken:
		return c.Token
	default:
		return ""
	}
}

// Credential is either a PublishableKey or a SessionToken.
type Credential interface {
	Mode() Mode
	// Redacted returns a form of the credential that is safe to log.
	Redacted() string
	isCredential()
}

// PublishableKey is a long-lived, client-embeddable key. It never expires from
// the client's point of view.
type PublishableKey struct {
	Key string
}

func (PublishableKey) Mode() Mode { return ModePublishableKey }

func (k PublishableKey) Redacted() string { return redact(k.Key) }

func (PublishableKey) isCredential() {}

// Refresher obtains a replacement session token from the host application,
// usually by asking its own backend to provision one.
type Refresher func(ctx context.Context, old SessionToken) (SessionToken, error)

// SessionToken is a short-lived, server-issued token.
type SessionToken struct {
	Token string
	// Subject is the user id the token was issued for, if known.
	Subject string
	// ExpiresAt is zero when the validity window is unknown.
	ExpiresAt time.Time
	Refresher Refresher
}

func (SessionToken) Mode() Mode { return ModeSessionToken }

func (t SessionToken) Redacted() string { return redact(t.Token) }

func (SessionToken) isCredential() {}

func (t SessionToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Remaining returns how long the token stays valid. ok is false when the token
// has no known expiry.
func (t SessionToken) Remaining(now time.Time) (time.Duration, bool) {
	if t.ExpiresAt.IsZero() {
		return 0, false
	}
	return t.ExpiresAt.Sub(now), true
}

// Refresh calls the token's refresher. The returned token inherits the
// refresher when the hook does not set one. A token that is already expired is
// rejected.
func (t SessionToken) Refresh(ctx context.Context) (SessionToken, error) {
	if t.Refresher == nil {
		return SessionToken{}, &AuthRefreshError{Reason: "no refresher configured"}
	}
	next, err := t.Refresher(ctx, t)
	if err != nil {
		return SessionToken{}, &AuthRefreshError{Reason: "refresher failed", Err: err}
	}
	resolved, err := ResolveSessionToken(next.Token, WithRefresher(t.Refresher))
	if err != nil {
		return SessionToken{}, &AuthRefreshError{Reason: "refreshed token rejected locally", Err: err}
	}
	if !next.ExpiresAt.IsZero() {
		resolved.ExpiresAt = next.ExpiresAt
	}
	if next.Subject != "" {
		resolved.Subject = next.Subject
	}
	if next.Refresher != nil {
		resolved.Refresher = next.Refresher
	}
	if resolved.Expired(time.Now()) {
		return SessionToken{}, &AuthRefreshError{Reason: "refreshed token is already expired"}
	}
	return resolved, nil
}

// placeholderKeys are values shipped in sample code and templates.
var placeholderKeys = map[string]struct{}{
	"your_publishable_api_key_here": {},
	"your_publishable_key_here":     {},
	"your_api_key":                  {},
	"your_api_key_here":             {},
	"<publishable-key>":             {},
	"<publishable_api_key>":         {},
	"changeme":                      {},
	"xxx":                           {},
}

func IsPlaceholderKey(key string) bool {
	_, ok := placeholderKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

type Option func(*SessionToken)

func WithRefresher(r Refresher) Option {
	return func(t *SessionToken) {
		t.Refresher = r
	}
}

// WithExpiry sets the validity window explicitly. It wins over a JWT exp claim.
func WithExpiry(at time.Time) Option {
	return func(t *SessionToken) {
		t.ExpiresAt = at
	}
}

func WithSubject(subject string) Option {
	return func(t *SessionToken) {
		t.Subject = subject
	}
}

// Resolve validates raw credential material for the given mode. It is a purely
// local check and never contacts the network.
func Resolve(mode Mode, raw string, opts ...Option) (Credential, error) {
	switch mode {
	case ModePublishableKey:
		key, err := ResolvePublishableKey(raw)
		if err != nil {
			return nil, err
		}
		return key, nil
	case ModeSessionToken:
		tok, err := ResolveSessionToken(raw, opts...)
		if err != nil {
			return nil, err
		}
		return tok, nil
	default:
		return nil, &AuthConfigurationError{Mode: mode, Reason: "unsupported credential mode"}
	}
}

func ResolvePublishableKey(key string) (PublishableKey, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return PublishableKey{}, &AuthConfigurationError{Mode: ModePublishableKey, Reason: "publishable key is empty"}
	}
	if IsPlaceholderKey(key) {
		return PublishableKey{}, &AuthConfigurationError{Mode: ModePublishableKey, Reason: "publishable key is a placeholder value"}
	}
	if hasSpaceOrControl(key) {
		return PublishableKey{}, &AuthConfigurationError{Mode: ModePublishableKey, Reason: "publishable key contains whitespace or control characters"}
	}
	return PublishableKey{Key: key}, nil
}

func ResolveSessionToken(token string, opts ...Option) (SessionToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return SessionToken{}, &AuthConfigurationError{Mode: ModeSessionToken, Reason: "session token is empty"}
	}
	if hasSpaceOrControl(token) {
		return SessionToken{}, &AuthConfigurationError{Mode: ModeSessionToken, Reason: "session token contains whitespace or control characters"}
	}

	ret := SessionToken{Token: token}
	if looksLikeJWT(token) {
		subject, expiresAt, err := decodeClaims(token)
		if err != nil {
			return SessionToken{}, &AuthConfigurationError{Mode: ModeSessionToken, Reason: "session token is malformed", Err: err}
		}
		ret.Subject = subject
		ret.ExpiresAt = expiresAt
	}
	for _, opt := range opts {
		opt(&ret)
	}
	return ret, nil
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// decodeClaims reads sub and exp without verifying the signature. The realtime
// service verifies the token; the client only needs the validity window.
func decodeClaims(token string) (string, time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", time.Time{}, errors.Wrap(err, "decode token claims")
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "read sub claim")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "read exp claim")
	}
	var expiresAt time.Time
	if exp != nil {
		expiresAt = exp.Time
	}
	return subject, expiresAt, nil
}

func hasSpaceOrControl(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return true
		}
	}
	return false
}

func redact(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
