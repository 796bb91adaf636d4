// Package history keeps a server-side record of channel messages so operators
// can inspect what went through a channel. Panel clients never read it.
package history

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/panel/pkg/realtime"
)

// ChannelRecord summarizes one channel's recorded traffic.
type ChannelRecord struct {
	ChannelID    string    `json:"channel_id"`
	MessageCount int64     `json:"message_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastActivity time.Time `json:"last_activity"`
}

// Store records published messages per channel.
//
// Recent returns at most limit messages, oldest first. Appending a message id
// that is already recorded for the channel is a no-op.
type Store interface {
	Append(ctx context.Context, msg realtime.Message) error
	Recent(ctx context.Context, channelID string, limit int) ([]realtime.Message, error)
	ListChannels(ctx context.Context, limit int, since time.Time) ([]ChannelRecord, error)
	Close() error
}

const (
	DefaultRecentLimit = 50
	DefaultListLimit   = 200
)

func normalize(msg realtime.Message) (realtime.Message, error) {
	msg.ChannelID = strings.TrimSpace(msg.ChannelID)
	if msg.ChannelID == "" {
		return msg, errors.New("channel id is empty")
	}
	if msg.ID == "" {
		return msg, errors.New("message id is empty")
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	return msg, nil
}
