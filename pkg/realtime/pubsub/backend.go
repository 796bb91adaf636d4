// Package pubsub is an in-process realtime service: it authenticates panel
// sessions, tracks channel membership and fans channel messages out over
// Watermill, either in memory or through Redis Streams so several backend
// instances share traffic.
//
// Backend implements realtime.Transport, so a client can talk to it directly,
// and the websocket server puts it behind the network.
package pubsub

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/panel/pkg/credentials"
	"github.com/go-go-golems/panel/pkg/realtime"
	"github.com/go-go-golems/panel/pkg/realtime/history"
)

type Config struct {
	// AcceptedKeys restricts publishable keys. Empty accepts any valid key.
	AcceptedKeys []string
	// SigningKey, when set, makes session tokens verifiable HS256 JWTs and
	// enables IssueToken.
	SigningKey []byte
	Redis      RedisSettings
	// History, when set, records every message this instance publishes. The
	// backend closes it on Close.
	History history.Store
	Logger  *zerolog.Logger
	Now     func() time.Time
}

type Backend struct {
	mu       sync.Mutex
	keys     map[string]struct{}
	revoked  map[string]struct{}
	sessions map[*session]struct{}
	members  map[string]map[*session]struct{}
	feeds    map[string]*feed
	closed   bool

	signingKey []byte
	streams    Streams
	history    history.Store
	ctx        context.Context
	cancel     context.CancelFunc
	now        func() time.Time
	logger     zerolog.Logger
}

var _ realtime.Transport = (*Backend)(nil)

func New(cfg Config) (*Backend, error) {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	wmLogger := NewWatermillLogger(logger.With().Str("component", "watermill").Logger())

	streams, err := NewStreams(cfg.Redis, wmLogger)
	if err != nil {
		return nil, err
	}
	return NewWithStreams(cfg, streams), nil
}

// NewWithStreams builds a backend over an existing Streams implementation.
func NewWithStreams(cfg Config, streams Streams) *Backend {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	keys := map[string]struct{}{}
	for _, k := range cfg.AcceptedKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = struct{}{}
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		keys:       keys,
		revoked:    map[string]struct{}{},
		sessions:   map[*session]struct{}{},
		members:    map[string]map[*session]struct{}{},
		feeds:      map[string]*feed{},
		signingKey: cfg.SigningKey,
		streams:    streams,
		history:    cfg.History,
		ctx:        ctx,
		cancel:     cancel,
		now:        now,
		logger:     logger.With().Str("component", "pubsub").Logger(),
	}
}

// Open authenticates hello and starts a session.
func (b *Backend) Open(ctx context.Context, hello realtime.Hello, sink realtime.Sink) (realtime.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("sink is nil")
	}
	userID := strings.TrimSpace(hello.UserID)
	if userID == "" {
		return nil, errors.Wrap(realtime.ErrAuthRejected, "user id is empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, realtime.ErrConnClosed
	}
	if err := b.authenticateLocked(userID, hello.Credential); err != nil {
		b.logger.Info().Err(err).Str("user_id", userID).Msg("session rejected")
		return nil, err
	}
	s := &session{
		b:        b,
		userID:   userID,
		name:     hello.DisplayName,
		avatar:   hello.AvatarURL,
		cred:     hello.Credential,
		sink:     sink,
		channels: map[string]struct{}{},
	}
	b.sessions[s] = struct{}{}
	b.logger.Info().
		Str("user_id", userID).
		Str("auth_mode", hello.Credential.Mode().String()).
		Str("credential", hello.Credential.Redacted()).
		Msg("session opened")
	return s, nil
}

// InvalidateUser revokes the credentials of every session of userID and tells
// those sessions to reauthenticate. It returns the number of sessions
// signalled.
func (b *Backend) InvalidateUser(userID, reason string) int {
	b.mu.Lock()
	var sinks []realtime.Sink
	for s := range b.sessions {
		if s.userID != userID || s.invalid {
			continue
		}
		s.invalid = true
		if tok, ok := s.cred.(credentials.SessionToken); ok {
			b.revoked[tok.Token] = struct{}{}
		}
		sinks = append(sinks, s.sink)
	}
	b.mu.Unlock()

	for _, sink := range sinks {
		sink.TokenInvalidated(reason)
	}
	if len(sinks) > 0 {
		b.logger.Info().Str("user_id", userID).Str("reason", reason).Int("sessions", len(sinks)).Msg("credentials invalidated")
	}
	return len(sinks)
}

// Members returns the user ids joined to channelID.
func (b *Backend) Members(channelID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for s := range b.members[channelID] {
		ids = append(ids, s.userID)
	}
	return ids
}

func (b *Backend) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Close ends every session with ConnectionLost, stops all feeds and closes the
// history store.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var sinks []realtime.Sink
	for s := range b.sessions {
		s.closed = true
		sinks = append(sinks, s.sink)
	}
	feeds := b.feeds
	b.sessions = map[*session]struct{}{}
	b.members = map[string]map[*session]struct{}{}
	b.feeds = map[string]*feed{}
	b.mu.Unlock()

	b.cancel()
	for _, f := range feeds {
		f.Close()
	}
	for _, sink := range sinks {
		sink.ConnectionLost(errors.Wrap(realtime.ErrConnClosed, "realtime service shutting down"))
	}
	err := b.streams.Close()
	if b.history != nil {
		if herr := b.history.Close(); herr != nil && err == nil {
			err = errors.Wrap(herr, "close history")
		}
	}
	return err
}

func (b *Backend) join(ctx context.Context, s *session, channelID string) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return errors.New("channel id is empty")
	}

	b.mu.Lock()
	if err := s.usableLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	if _, ok := s.channels[channelID]; ok {
		b.mu.Unlock()
		return nil
	}
	if _, ok := b.feeds[channelID]; ok {
		b.addMemberLocked(s, channelID)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	// Subscribing can wait on in-flight deliveries, which take b.mu.
	f, err := b.startFeed(ctx, channelID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if err := s.usableLocked(); err != nil {
		b.mu.Unlock()
		f.Close()
		return err
	}
	var spare *feed
	if _, ok := b.feeds[channelID]; ok {
		spare = f
	} else {
		b.feeds[channelID] = f
	}
	b.addMemberLocked(s, channelID)
	b.mu.Unlock()

	if spare != nil {
		spare.Close()
	}
	return nil
}

func (b *Backend) startFeed(ctx context.Context, channelID string) (*feed, error) {
	sub, owned, err := b.streams.BuildSubscriber(ctx, channelID)
	if err != nil {
		return nil, errors.Wrapf(err, "build subscriber for %s", channelID)
	}
	f := newFeed(channelID, sub, owned, b.deliver, b.logger)
	if err := f.Start(b.ctx); err != nil {
		if owned {
			_ = sub.Close()
		}
		return nil, err
	}
	return f, nil
}

func (b *Backend) addMemberLocked(s *session, channelID string) {
	m, ok := b.members[channelID]
	if !ok {
		m = map[*session]struct{}{}
		b.members[channelID] = m
	}
	m[s] = struct{}{}
	s.channels[channelID] = struct{}{}
	b.logger.Debug().Str("user_id", s.userID).Str("channel_id", channelID).Msg("joined channel")
}

func (b *Backend) leave(s *session, channelID string) error {
	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return realtime.ErrConnClosed
	}
	f := b.removeMemberLocked(s, channelID)
	b.mu.Unlock()

	if f != nil {
		f.Close()
	}
	return nil
}

// removeMemberLocked drops s from channelID and returns the channel's feed when
// it has no members left.
func (b *Backend) removeMemberLocked(s *session, channelID string) *feed {
	delete(s.channels, channelID)
	m := b.members[channelID]
	delete(m, s)
	if len(m) > 0 {
		return nil
	}
	delete(b.members, channelID)
	f := b.feeds[channelID]
	delete(b.feeds, channelID)
	return f
}

func (b *Backend) publish(s *session, msg realtime.Message) error {
	b.mu.Lock()
	if err := s.usableLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	if _, ok := s.channels[msg.ChannelID]; !ok {
		b.mu.Unlock()
		return errors.Wrap(realtime.ErrNotJoined, msg.ChannelID)
	}
	b.mu.Unlock()

	// the service is authoritative for the sender
	msg.SenderID = s.userID
	if msg.SenderName == "" {
		msg.SenderName = s.name
	}
	if msg.AvatarURL == "" {
		msg.AvatarURL = s.avatar
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = b.now()
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	wm, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if err := b.streams.Publisher().Publish(topicForChannel(msg.ChannelID), wm); err != nil {
		return errors.Wrapf(err, "publish to %s", msg.ChannelID)
	}
	if b.history != nil {
		if err := b.history.Append(b.ctx, msg); err != nil {
			b.logger.Warn().Err(err).Str("channel_id", msg.ChannelID).Str("message_id", msg.ID).Msg("failed to record message")
		}
	}
	return nil
}

// History returns the configured message history, or nil.
func (b *Backend) History() history.Store {
	return b.history
}

func (b *Backend) deliver(msg realtime.Message) {
	b.mu.Lock()
	var sinks []realtime.Sink
	for s := range b.members[msg.ChannelID] {
		sinks = append(sinks, s.sink)
	}
	b.mu.Unlock()

	for _, sink := range sinks {
		sink.MessageReceived(msg)
	}
}

func (b *Backend) reauthenticate(s *session, cred credentials.Credential) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return realtime.ErrConnClosed
	}
	if err := b.authenticateLocked(s.userID, cred); err != nil {
		return err
	}
	s.cred = cred
	s.invalid = false
	b.logger.Info().Str("user_id", s.userID).Str("credential", cred.Redacted()).Msg("session reauthenticated")
	return nil
}

func (b *Backend) closeSession(s *session) {
	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return
	}
	s.closed = true
	delete(b.sessions, s)
	var idle []*feed
	for id := range s.channels {
		if f := b.removeMemberLocked(s, id); f != nil {
			idle = append(idle, f)
		}
	}
	b.mu.Unlock()

	for _, f := range idle {
		f.Close()
	}
	b.logger.Info().Str("user_id", s.userID).Msg("session closed")
}
