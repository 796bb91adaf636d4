package client

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/panel/pkg/channels"
	"github.com/go-go-golems/panel/pkg/credentials"
	"github.com/go-go-golems/panel/pkg/dispatch"
	"github.com/go-go-golems/panel/pkg/realtime"
)

// Connect joins channelID, opening the session first when needed. Connecting a
// channel that is already joining or joined returns the same outcome without a
// second request.
func (c *Client) Connect(channelID string) *channels.Pending {
	channelID = strings.TrimSpace(channelID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == dispatch.Destroyed {
		return channels.Resolved(&InvalidStateError{Op: "connect", State: c.state})
	}
	if channelID == "" {
		return channels.Resolved(&InvalidStateError{Op: "connect", State: c.state, Reason: "empty channel id"})
	}

	switch c.state {
	case dispatch.Disconnected:
		p, _ := c.registry.BeginJoin(channelID, false)
		c.startSessionLocked()
		return p
	case dispatch.Connected:
		p, issue := c.registry.BeginJoin(channelID, true)
		if issue {
			c.issueJoinLocked(channelID)
		}
		return p
	default:
		// Connecting or Reauthenticating: queued until Connected.
		p, _ := c.registry.BeginJoin(channelID, false)
		return p
	}
}

func (c *Client) startSessionLocked() {
	c.epoch++
	epoch := c.epoch
	c.sessCtx, c.sessCancel = context.WithCancel(c.ctx)
	c.setStateLocked(dispatch.Connecting, nil)

	hello := c.helloLocked()
	sink := &sessionSink{c: c, epoch: epoch}
	go c.authenticate(c.sessCtx, epoch, c.credGen, hello, sink)
}

// authenticate opens the session with the credential captured in hello. A
// token handed over with UpdateSessionToken in the meantime is presented right
// after the session opens.
func (c *Client) authenticate(ctx context.Context, epoch, credGen uint64, hello realtime.Hello, sink *sessionSink) {
	cred, err := c.freshCredential(ctx, hello.Credential)
	var conn realtime.Conn
	if err == nil {
		hello.Credential = cred
		conn, err = c.transport.Open(ctx, hello, sink)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch || c.state != dispatch.Connecting {
		if conn != nil {
			go c.closeConn(conn)
		}
		return
	}

	if err != nil {
		c.logger.Warn().Err(err).Msg("authentication failed")
		if errors.Is(err, realtime.ErrTokenMismatch) {
			c.emitLocked(dispatch.SessionAuthTokenMismatch())
		}
		c.endSessionLocked(err)
		return
	}

	updated, hasUpdate := c.cred.(credentials.SessionToken)
	hasUpdate = hasUpdate && c.credGen != credGen

	c.cred = cred
	c.conn = conn
	c.setStateLocked(dispatch.Connected, nil)
	c.armExpiryLocked()
	for _, id := range c.registry.TakeQueued() {
		c.issueJoinLocked(id)
	}
	if hasUpdate {
		c.swapTokenLocked(updated)
	}
}

// freshCredential refreshes an already expired session token before it is
// presented; Connected must never rest on an expired credential.
func (c *Client) freshCredential(ctx context.Context, cred credentials.Credential) (credentials.Credential, error) {
	tok, ok := cred.(credentials.SessionToken)
	if !ok || !tok.Expired(c.opts.now()) {
		return cred, nil
	}
	select {
	case next := <-c.pushed:
		return next, nil
	default:
	}
	next, err := tok.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return next, nil
}

// endSessionLocked tears down the current session and settles Disconnected.
// Every membership is dropped and reported.
func (c *Client) endSessionLocked(cause error) {
	c.epoch++
	if c.sessCancel != nil {
		c.sessCancel()
		c.sessCancel = nil
	}
	if c.conn != nil {
		go c.closeConn(c.conn)
		c.conn = nil
	}
	c.stopTimersLocked()
	c.drainPushedLocked()

	for _, id := range c.registry.DropAll(channels.ErrDiscarded) {
		c.emitLocked(dispatch.ChannelMembershipChanged(id, dispatch.NotJoined))
	}
	c.setStateLocked(dispatch.Disconnected, cause)
}

// Disconnect leaves channelID. When it was the last channel the session itself
// is closed. Disconnecting an idle client is a no-op.
func (c *Client) Disconnect(channelID string) *channels.Pending {
	channelID = strings.TrimSpace(channelID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == dispatch.Destroyed {
		return channels.Resolved(&InvalidStateError{Op: "disconnect", State: c.state})
	}
	if c.state == dispatch.Disconnected {
		p, _ := c.registry.BeginLeave(channelID, false)
		return p
	}

	p, issue := c.registry.BeginLeave(channelID, c.onlineLocked())
	if issue {
		c.issueLeaveLocked(channelID)
		return p
	}
	if !c.registry.Active() {
		c.endSessionLocked(nil)
	}
	return p
}

// DisconnectAll leaves every channel and closes the session. The client does
// not reconnect on its own afterwards. The returned handle resolves once the
// best-effort leaves have been sent and the connection is closed.
func (c *Client) DisconnectAll() *channels.Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case dispatch.Destroyed:
		return channels.Resolved(&InvalidStateError{Op: "disconnect", State: c.state})
	case dispatch.Disconnected:
		return channels.Resolved(nil)
	}

	conn := c.conn
	var joined []string
	if conn != nil {
		for id, s := range c.registry.Snapshot() {
			if s == dispatch.Joined || s == dispatch.LeavingChannel {
				joined = append(joined, id)
			}
		}
	}
	// endSessionLocked would close conn right away; take it first so the leaves
	// go out before the close.
	c.conn = nil
	c.endSessionLocked(nil)

	p := channels.NewPending()
	go func() {
		if conn != nil {
			c.leaveAll(conn, joined)
			c.closeConn(conn)
		}
		p.Resolve(nil)
	}()
	return p
}

func (c *Client) leaveAll(conn realtime.Conn, ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.leaveTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := conn.Leave(ctx, id); err != nil {
				c.logger.Debug().Err(err).Str("channel_id", id).Msg("leave during disconnect failed")
			}
		}(id)
	}
	wg.Wait()
}

// Destroy tears the client down for good: channels go NotJoined, listeners
// receive the teardown events and are then dropped. In-flight operations
// complete as no-ops. Calling it again does nothing.
func (c *Client) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == dispatch.Destroyed {
		return
	}
	c.epoch++
	c.cancel()
	c.sessCancel = nil
	if c.conn != nil {
		go c.closeConn(c.conn)
		c.conn = nil
	}
	c.stopTimersLocked()
	c.drainPushedLocked()

	for _, id := range c.registry.DropAll(ErrDestroyed) {
		c.emitLocked(dispatch.ChannelMembershipChanged(id, dispatch.NotJoined))
	}
	c.setStateLocked(dispatch.Destroyed, nil)
	c.events.Close()
}

func (c *Client) closeConn(conn realtime.Conn) {
	if err := conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("closing realtime connection failed")
	}
}

func (c *Client) drainPushedLocked() {
	select {
	case <-c.pushed:
	default:
	}
}
