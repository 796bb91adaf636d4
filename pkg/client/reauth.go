package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"

	"github.com/go-go-golems/panel/pkg/credentials"
	"github.com/go-go-golems/panel/pkg/dispatch"
	"github.com/go-go-golems/panel/pkg/realtime"
)

// sessionSink forwards service signals for one session epoch. Signals from a
// session that has since ended are dropped.
type sessionSink struct {
	c     *Client
	epoch uint64
}

func (s *sessionSink) TokenInvalidated(reason string) {
	s.c.tokenInvalidated(s.epoch, reason)
}

func (s *sessionSink) MessageReceived(msg realtime.Message) {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != s.epoch || c.registry.State(msg.ChannelID) != dispatch.Joined {
		return
	}
	c.emitLocked(dispatch.MessageReceived(msg))
}

func (s *sessionSink) ConnectionLost(err error) {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != s.epoch || c.state == dispatch.Disconnected || c.state == dispatch.Destroyed {
		return
	}
	if err == nil {
		err = realtime.ErrConnClosed
	}
	// the transport is already gone; nothing to close
	c.conn = nil
	c.endSessionLocked(err)
}

func (c *Client) tokenInvalidated(epoch uint64, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.state != dispatch.Connected {
		return
	}
	c.logger.Info().Str("reason", reason).Msg("session token invalidated")
	c.stopTimersLocked()
	c.setStateLocked(dispatch.Reauthenticating, nil)
	c.emitLocked(dispatch.SessionAuthTokenInvalid())

	tok, ok := c.cred.(credentials.SessionToken)
	if !ok {
		c.endSessionLocked(&credentials.AuthRefreshError{Reason: "publishable key invalidated: " + reason})
		return
	}
	go c.refresh(c.sessCtx, epoch, tok)
}

// refresh obtains a replacement token, from the refresher hook or from
// UpdateSessionToken, and presents it to the service. It gives up after the
// reauth window.
func (c *Client) refresh(ctx context.Context, epoch uint64, old credentials.SessionToken) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.reauthWindow)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.retryInitial
	b.MaxInterval = c.opts.retryMax

	next, err := backoff.Retry(ctx, func() (credentials.SessionToken, error) {
		tok, err := c.nextToken(ctx, old)
		if err != nil {
			return credentials.SessionToken{}, err
		}

		c.mu.Lock()
		conn, stale := c.conn, c.epoch != epoch
		c.mu.Unlock()
		if stale || conn == nil {
			return credentials.SessionToken{}, backoff.Permanent(context.Canceled)
		}

		if err := conn.Reauthenticate(ctx, tok); err != nil {
			if errors.Is(err, realtime.ErrAuthRejected) || errors.Is(err, realtime.ErrTokenMismatch) {
				return credentials.SessionToken{}, backoff.Permanent(&credentials.AuthRefreshError{Reason: "refreshed token rejected", Err: err})
			}
			return credentials.SessionToken{}, err
		}
		return tok, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.opts.reauthWindow),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Debug().Err(err).Dur("next_retry", wait).Msg("retrying session refresh")
		}),
	)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.state != dispatch.Reauthenticating {
		return
	}
	if err != nil {
		var refreshErr *credentials.AuthRefreshError
		if !errors.As(err, &refreshErr) {
			err = &credentials.AuthRefreshError{Reason: "no refreshed token within reauth window", Err: err}
		}
		c.logger.Warn().Err(err).Msg("session refresh failed")
		if errors.Is(err, realtime.ErrTokenMismatch) {
			c.emitLocked(dispatch.SessionAuthTokenMismatch())
		}
		c.endSessionLocked(err)
		return
	}

	c.cred = next
	c.setStateLocked(dispatch.Connected, nil)
	c.armExpiryLocked()
	for _, id := range c.registry.TakeQueued() {
		c.issueJoinLocked(id)
	}
}

func (c *Client) nextToken(ctx context.Context, old credentials.SessionToken) (credentials.SessionToken, error) {
	select {
	case tok := <-c.pushed:
		return tok, nil
	default:
	}
	if old.Refresher != nil {
		return old.Refresh(ctx)
	}
	select {
	case tok := <-c.pushed:
		return tok, nil
	case <-ctx.Done():
		return credentials.SessionToken{}, ctx.Err()
	}
}

// UpdateSessionToken hands the client a new session token, typically in
// response to SessionAuthTokenInvalid or SessionAuthTokenNearingExpiry. While
// connected the token is swapped in place without dropping channels.
func (c *Client) UpdateSessionToken(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == dispatch.Destroyed {
		return &InvalidStateError{Op: "update session token", State: c.state}
	}
	old, ok := c.cred.(credentials.SessionToken)
	if !ok {
		return &InvalidStateError{Op: "update session token", State: c.state, Reason: "client authenticates with a publishable key"}
	}
	tok, err := credentials.ResolveSessionToken(token, credentials.WithRefresher(old.Refresher))
	if err != nil {
		return err
	}

	switch c.state {
	case dispatch.Reauthenticating:
		c.drainPushedLocked()
		c.pushed <- tok
	case dispatch.Connected:
		c.swapTokenLocked(tok)
	default:
		c.cred = tok
		c.credGen++
	}
	return nil
}

func (c *Client) swapTokenLocked(tok credentials.SessionToken) {
	epoch, conn, ctx := c.epoch, c.conn, c.sessCtx
	go func() {
		err := conn.Reauthenticate(ctx, tok)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch != epoch || c.state != dispatch.Connected {
			return
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("session token update rejected")
			c.emitLocked(dispatch.Error(&credentials.AuthRefreshError{Reason: "updated token rejected", Err: err}))
			return
		}
		c.cred = tok
		c.armExpiryLocked()
	}()
}

// armExpiryLocked schedules the nearing-expiry notice and the local expiry of
// the current session token. Expiry is handled like a server invalidation.
func (c *Client) armExpiryLocked() {
	c.stopTimersLocked()
	tok, ok := c.cred.(credentials.SessionToken)
	if !ok {
		return
	}
	remaining, ok := tok.Remaining(c.opts.now())
	if !ok {
		return
	}
	epoch := c.epoch
	expiresAt := tok.ExpiresAt

	if lead := remaining - c.opts.nearingExpiryLead; lead > 0 {
		c.nearTimer = time.AfterFunc(lead, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.epoch == epoch && c.state == dispatch.Connected {
				c.emitLocked(dispatch.SessionAuthTokenNearingExpiry(expiresAt))
			}
		})
	} else {
		c.emitLocked(dispatch.SessionAuthTokenNearingExpiry(expiresAt))
	}

	if remaining < 0 {
		remaining = 0
	}
	c.expiryTimer = time.AfterFunc(remaining, func() {
		c.tokenInvalidated(epoch, "session token expired")
	})
}

func (c *Client) stopTimersLocked() {
	if c.nearTimer != nil {
		c.nearTimer.Stop()
		c.nearTimer = nil
	}
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}
}
