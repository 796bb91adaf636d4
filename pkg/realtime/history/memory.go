package history

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/panel/pkg/realtime"
)

// InMemoryStore keeps the newest maxPerChannel messages of every channel.
type InMemoryStore struct {
	mu            sync.Mutex
	maxPerChannel int
	channels      map[string]*memChannel
}

type memChannel struct {
	record   ChannelRecord
	messages []realtime.Message
	ids      map[string]struct{}
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore(maxPerChannel int) *InMemoryStore {
	if maxPerChannel <= 0 {
		maxPerChannel = 1000
	}
	return &InMemoryStore{
		maxPerChannel: maxPerChannel,
		channels:      map[string]*memChannel{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Append(_ context.Context, msg realtime.Message) error {
	msg, err := normalize(msg)
	if err != nil {
		return errors.Wrap(err, "in-memory history")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[msg.ChannelID]
	if !ok {
		ch = &memChannel{
			record: ChannelRecord{ChannelID: msg.ChannelID, FirstSeen: msg.SentAt},
			ids:    map[string]struct{}{},
		}
		s.channels[msg.ChannelID] = ch
	}
	if _, dup := ch.ids[msg.ID]; dup {
		return nil
	}
	ch.ids[msg.ID] = struct{}{}
	ch.messages = append(ch.messages, msg)
	sort.SliceStable(ch.messages, func(i, j int) bool {
		return ch.messages[i].SentAt.Before(ch.messages[j].SentAt)
	})
	if over := len(ch.messages) - s.maxPerChannel; over > 0 {
		for _, m := range ch.messages[:over] {
			delete(ch.ids, m.ID)
		}
		ch.messages = append([]realtime.Message(nil), ch.messages[over:]...)
	}

	ch.record.MessageCount++
	if msg.SentAt.After(ch.record.LastActivity) {
		ch.record.LastActivity = msg.SentAt
	}
	if msg.SentAt.Before(ch.record.FirstSeen) {
		ch.record.FirstSeen = msg.SentAt
	}
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, channelID string, limit int) ([]realtime.Message, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, errors.New("in-memory history: channel id is empty")
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return []realtime.Message{}, nil
	}
	msgs := ch.messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]realtime.Message(nil), msgs...), nil
}

func (s *InMemoryStore) ListChannels(_ context.Context, limit int, since time.Time) ([]ChannelRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.Lock()
	out := make([]ChannelRecord, 0, len(s.channels))
	for _, ch := range s.channels {
		if !since.IsZero() && ch.record.LastActivity.Before(since) {
			continue
		}
		out = append(out, ch.record)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
