package pubsub

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Streams wraps the message transport behind the backend: a publisher shared by
// all channels and a subscriber per channel feed.
type Streams interface {
	Publisher() message.Publisher
	// BuildSubscriber returns a subscriber for channelID. owned reports whether
	// the caller must close it once the feed stops.
	BuildSubscriber(ctx context.Context, channelID string) (sub message.Subscriber, owned bool, err error)
	Close() error
}

func topicForChannel(channelID string) string {
	return "panel.channel." + channelID
}

// NewStreams builds Redis-backed streams when rs.Enabled, otherwise an
// in-process Watermill gochannel.
func NewStreams(rs RedisSettings, logger watermill.LoggerAdapter) (Streams, error) {
	if !rs.Enabled {
		return NewMemoryStreams(logger), nil
	}
	return NewRedisStreams(rs, logger)
}

type memoryStreams struct {
	gc *gochannel.GoChannel
}

// NewMemoryStreams fans out in process. Publish waits for every feed to take
// the message, which keeps per-channel order.
func NewMemoryStreams(logger watermill.LoggerAdapter) Streams {
	return &memoryStreams{
		gc: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, logger),
	}
}

func (m *memoryStreams) Publisher() message.Publisher { return m.gc }

func (m *memoryStreams) BuildSubscriber(context.Context, string) (message.Subscriber, bool, error) {
	return m.gc, false, nil
}

func (m *memoryStreams) Close() error { return m.gc.Close() }

type redisStreams struct {
	// admin manages consumer groups; publisher and subscribers own their clients
	admin  *redis.Client
	pub    message.Publisher
	rs     RedisSettings
	logger watermill.LoggerAdapter
}

func NewRedisStreams(rs RedisSettings, logger watermill.LoggerAdapter) (Streams, error) {
	if strings.TrimSpace(rs.Addr) == "" {
		return nil, errors.New("redis addr is empty")
	}
	if rs.Group == "" {
		// each backend instance must see every message, so groups are per instance
		rs.Group = "panel-" + uuid.NewString()
	}
	if rs.Consumer == "" {
		rs.Consumer = "panel-1"
	}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     redis.NewClient(&redis.Options{Addr: rs.Addr}),
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "build redis stream publisher")
	}
	return &redisStreams{
		admin:  redis.NewClient(&redis.Options{Addr: rs.Addr}),
		pub:    pub,
		rs:     rs,
		logger: logger,
	}, nil
}

func (r *redisStreams) Publisher() message.Publisher { return r.pub }

func (r *redisStreams) BuildSubscriber(ctx context.Context, channelID string) (message.Subscriber, bool, error) {
	if channelID == "" {
		return nil, false, errors.New("channel id is empty")
	}
	topic := topicForChannel(channelID)
	if err := EnsureGroupAtTail(ctx, r.admin, topic, r.rs.Group); err != nil {
		return nil, false, err
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        redis.NewClient(&redis.Options{Addr: r.rs.Addr}),
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: r.rs.Group,
		Consumer:      r.rs.Consumer + ":" + channelID,
	}, r.logger)
	if err != nil {
		return nil, false, errors.Wrap(err, "build redis stream subscriber")
	}
	return sub, true, nil
}

func (r *redisStreams) Close() error {
	err := r.pub.Close()
	if cerr := r.admin.Close(); err == nil {
		err = cerr
	}
	return err
}

// EnsureGroupAtTail creates the consumer group for stream at the tail ($) so a
// new feed does not replay history.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Debug().Str("component", "pubsub").Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}
