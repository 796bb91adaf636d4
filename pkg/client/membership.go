package client

import (
	"strings"

	"github.com/google/uuid"

	"github.com/go-go-golems/panel/pkg/channels"
	"github.com/go-go-golems/panel/pkg/dispatch"
	"github.com/go-go-golems/panel/pkg/realtime"
)

func (c *Client) issueJoinLocked(channelID string) {
	if !c.onlineLocked() || c.state != dispatch.Connected {
		c.registry.Requeue(channelID)
		return
	}
	epoch, conn, ctx := c.epoch, c.conn, c.sessCtx
	go func() {
		err := conn.Join(ctx, channelID)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch != epoch {
			return
		}
		out := c.registry.CompleteJoin(channelID, err)
		if err != nil {
			c.logger.Warn().Err(err).Str("channel_id", channelID).Msg("join failed")
			c.emitLocked(dispatch.Error(&channels.JoinError{ChannelID: channelID, Err: err}))
		}
		if out.Changed {
			c.logger.Debug().Str("channel_id", channelID).Msg("channel joined")
			c.emitLocked(dispatch.ChannelMembershipChanged(channelID, dispatch.Joined))
		}
		if out.IssueLeave {
			c.issueLeaveLocked(channelID)
			return
		}
		if out.Left && !c.registry.Active() && c.state != dispatch.Disconnected {
			c.endSessionLocked(nil)
		}
	}()
}

func (c *Client) issueLeaveLocked(channelID string) {
	epoch, conn, ctx := c.epoch, c.conn, c.sessCtx
	go func() {
		err := conn.Leave(ctx, channelID)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch != epoch {
			return
		}
		out := c.registry.CompleteLeave(channelID, err)
		if err != nil {
			c.logger.Warn().Err(err).Str("channel_id", channelID).Msg("leave failed")
			c.emitLocked(dispatch.Error(&channels.LeaveError{ChannelID: channelID, Err: err}))
			return
		}
		if out.Changed {
			c.logger.Debug().Str("channel_id", channelID).Msg("channel left")
			c.emitLocked(dispatch.ChannelMembershipChanged(channelID, dispatch.NotJoined))
		}
		if out.IssueJoin {
			c.issueJoinLocked(channelID)
			return
		}
		if !c.registry.Active() && c.state != dispatch.Disconnected {
			c.endSessionLocked(nil)
		}
	}()
}

// Send publishes text on a joined channel.
func (c *Client) Send(channelID, text string) *channels.Pending {
	channelID = strings.TrimSpace(channelID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == dispatch.Destroyed {
		return channels.Resolved(&InvalidStateError{Op: "send", State: c.state})
	}
	if c.registry.State(channelID) != dispatch.Joined || !c.onlineLocked() {
		return channels.Resolved(&SendError{ChannelID: channelID, Err: realtime.ErrNotJoined})
	}

	msg := realtime.Message{
		ID:         uuid.NewString(),
		ChannelID:  channelID,
		SenderID:   c.identity.UserID,
		SenderName: c.identity.DisplayName,
		AvatarURL:  c.identity.AvatarURL,
		Text:       text,
		SentAt:     c.opts.now(),
	}
	epoch, conn, ctx := c.epoch, c.conn, c.sessCtx
	p := channels.NewPending()
	go func() {
		err := conn.Publish(ctx, msg)
		if err == nil {
			p.Resolve(nil)
			return
		}
		sendErr := &SendError{ChannelID: channelID, Err: err}
		p.Resolve(sendErr)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch == epoch {
			c.emitLocked(dispatch.Error(sendErr))
		}
	}()
	return p
}
