package pubsub

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/panel/pkg/credentials"
	"github.com/go-go-golems/panel/pkg/realtime"
)

// authenticateLocked checks cred for userID. It is called with b.mu held.
func (b *Backend) authenticateLocked(userID string, cred credentials.Credential) error {
	switch c := cred.(type) {
	case credentials.PublishableKey:
		if len(b.keys) == 0 {
			return nil
		}
		if _, ok := b.keys[c.Key]; !ok {
			return errors.Wrapf(realtime.ErrAuthRejected, "unknown publishable key %s", c.Redacted())
		}
		return nil

	case credentials.SessionToken:
		if _, revoked := b.revoked[c.Token]; revoked {
			return errors.Wrap(realtime.ErrAuthRejected, "session token revoked")
		}
		subject, expiresAt := c.Subject, c.ExpiresAt
		if len(b.signingKey) > 0 {
			claims, err := b.verify(c.Token)
			if err != nil {
				return errors.Wrapf(realtime.ErrAuthRejected, "session token invalid: %v", err)
			}
			subject = claims.Subject
			expiresAt = time.Time{}
			if claims.ExpiresAt != nil {
				expiresAt = claims.ExpiresAt.Time
			}
		}
		if !expiresAt.IsZero() && !b.now().Before(expiresAt) {
			return errors.Wrap(realtime.ErrAuthRejected, "session token expired")
		}
		if subject != "" && subject != userID {
			return errors.Wrapf(realtime.ErrTokenMismatch, "token subject %q, user %q", subject, userID)
		}
		return nil

	default:
		return errors.Wrap(realtime.ErrAuthRejected, "unsupported credential")
	}
}

func (b *Backend) verify(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return b.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(b.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// IssueToken mints a session token for userID, valid for ttl (no expiry when
// ttl is zero). It is the provisioning path hosts call to obtain and refresh
// tokens.
func (b *Backend) IssueToken(userID string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id is empty")
	}
	if len(b.signingKey) == 0 {
		return "", errors.New("backend has no signing key")
	}
	now := b.now()
	claims := jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
		ID:       uuid.NewString(),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.signingKey)
	if err != nil {
		return "", errors.Wrap(err, "sign session token")
	}
	return signed, nil
}
