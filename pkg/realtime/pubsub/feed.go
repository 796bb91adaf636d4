package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/panel/pkg/realtime"
)

const (
	metaChannelID = "channel_id"
	metaSenderID  = "sender_id"
	// redisstream stores the stream entry id here
	metaStreamID = "xid"
)

// feed owns the subscription for one channel topic and hands every decoded
// message to deliver, in stream order.
type feed struct {
	channelID  string
	subscriber message.Subscriber
	owned      bool
	deliver    func(realtime.Message)
	logger     zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func newFeed(channelID string, sub message.Subscriber, owned bool, deliver func(realtime.Message), logger zerolog.Logger) *feed {
	return &feed{
		channelID:  channelID,
		subscriber: sub,
		owned:      owned,
		deliver:    deliver,
		logger:     logger.With().Str("channel_id", channelID).Logger(),
	}
}

// Start subscribes before returning, so messages published after Start are not
// missed.
func (f *feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := f.subscriber.Subscribe(runCtx, topicForChannel(f.channelID))
	if err != nil {
		cancel()
		return errors.Wrapf(err, "subscribe to channel %s", f.channelID)
	}
	f.cancel = cancel
	f.running = true
	go f.consume(runCtx, ch)
	return nil
}

func (f *feed) Stop() {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.cancel = nil
	f.running = false
	f.mu.Unlock()
}

func (f *feed) Close() {
	f.Stop()
	if f.owned {
		if err := f.subscriber.Close(); err != nil {
			f.logger.Warn().Err(err).Msg("feed subscriber close failed")
		}
	}
}

func (f *feed) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *feed) consume(ctx context.Context, ch <-chan *message.Message) {
	f.logger.Debug().Msg("feed started")
	for msg := range ch {
		var m realtime.Message
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			f.logger.Warn().Err(err).Str("watermill_uuid", msg.UUID).Msg("failed to decode channel message")
			msg.Ack()
			continue
		}
		if m.ChannelID == "" {
			m.ChannelID = msg.Metadata.Get(metaChannelID)
		}
		if m.ID == "" {
			m.ID = msg.UUID
		}
		if ctx.Err() != nil {
			// stopped feeds may still drain buffered messages
			msg.Ack()
			continue
		}
		f.logger.Trace().Str("message_id", m.ID).Str("stream_id", msg.Metadata.Get(metaStreamID)).Msg("delivering channel message")
		f.deliver(m)
		msg.Ack()
	}
	f.logger.Debug().Msg("feed stopped")
}

func encodeMessage(m realtime.Message) (*message.Message, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode channel message")
	}
	wm := message.NewMessage(m.ID, payload)
	wm.Metadata.Set(metaChannelID, m.ChannelID)
	wm.Metadata.Set(metaSenderID, m.SenderID)
	return wm, nil
}
