package wsconn

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/panel/pkg/realtime"
)

const (
	defaultHelloTimeout = 10 * time.Second
	defaultReadLimit    = 64 << 10
	defaultSendBuffer   = 256
	defaultWriteTimeout = 5 * time.Second
)

// Server accepts panel websockets and bridges each one onto a session of the
// wrapped transport.
type Server struct {
	backend      realtime.Transport
	upgrader     websocket.Upgrader
	pool         *Pool
	logger       zerolog.Logger
	helloTimeout time.Duration
	readLimit    int64
	sendBuffer   int
	writeTimeout time.Duration

	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
}

type ServerOption func(*Server)

func WithUpgrader(u websocket.Upgrader) ServerOption {
	return func(s *Server) { s.upgrader = u }
}

func WithHelloTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.helloTimeout = d }
}

func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithSendQueue sizes every connection's send queue and bounds each write.
func WithSendQueue(buffer int, writeTimeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendBuffer = buffer
		s.writeTimeout = writeTimeout
	}
}

func NewServer(backend realtime.Transport, opts ...ServerOption) *Server {
	s := &Server{
		backend:      backend,
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:       log.With().Str("component", "wsconn").Logger(),
		helloTimeout: defaultHelloTimeout,
		readLimit:    defaultReadLimit,
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		peers:        map[*peer]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = NewPool(s.sendBuffer, s.writeTimeout, s.logger)
	return s
}

// peer is one accepted websocket. It is the Sink of its backend session.
type peer struct {
	s       *Server
	ws      *websocket.Conn
	session realtime.Conn
	userID  string
}

func (p *peer) send(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		p.s.logger.Error().Err(err).Str("type", f.Type).Msg("marshal frame")
		return
	}
	p.s.pool.SendToOne(p.ws, data)
}

func (p *peer) TokenInvalidated(reason string) {
	p.send(Frame{Type: TypeTokenInvalidated, Reason: reason})
}

func (p *peer) MessageReceived(msg realtime.Message) {
	p.send(Frame{Type: TypeMessage, ChannelID: msg.ChannelID, Message: &msg})
}

func (p *peer) ConnectionLost(err error) {
	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	p.send(Frame{Type: TypeGoodbye, Reason: reason})
	p.s.pool.Remove(p.ws)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "realtime server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	ws.SetReadLimit(s.readLimit)
	s.pool.Add(ws)

	p := &peer{s: s, ws: ws}
	if err := s.handshake(req.Context(), p); err != nil {
		s.logger.Info().Err(err).Str("remote", req.RemoteAddr).Msg("ws handshake failed")
		s.pool.Remove(ws)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = p.session.Close()
		s.pool.Remove(ws)
		return
	}
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	wsLog := s.logger.With().Str("user_id", p.userID).Str("remote", req.RemoteAddr).Logger()
	wsLog.Info().Msg("ws connected")
	s.readLoop(p, wsLog)

	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	_ = p.session.Close()
	s.pool.Remove(ws)
	wsLog.Info().Msg("ws disconnected")
}

// handshake reads the hello frame and opens the backend session.
func (s *Server) handshake(ctx context.Context, p *peer) error {
	_ = p.ws.SetReadDeadline(time.Now().Add(s.helloTimeout))
	var f Frame
	if err := p.ws.ReadJSON(&f); err != nil {
		return errors.Wrap(err, "read hello")
	}
	_ = p.ws.SetReadDeadline(time.Time{})

	if f.Type != TypeHello {
		err := errors.Wrapf(ErrBadRequest, "expected hello, got %q", f.Type)
		p.send(Frame{Type: TypeError, ID: f.ID, Error: errorPayload(err)})
		return err
	}
	hello, err := f.Auth.hello()
	if err != nil {
		p.send(Frame{Type: TypeError, ID: f.ID, Error: errorPayload(err)})
		return err
	}
	session, err := s.backend.Open(ctx, hello, p)
	if err != nil {
		p.send(Frame{Type: TypeError, ID: f.ID, Error: errorPayload(err)})
		return err
	}
	p.session = session
	p.userID = hello.UserID
	p.send(Frame{Type: TypeAck, ID: f.ID})
	return nil
}

func (s *Server) readLoop(p *peer, wsLog zerolog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			wsLog.Debug().Err(err).Msg("ws read loop end")
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			p.send(Frame{Type: TypeError, Error: errorPayload(errors.Wrap(ErrBadRequest, "malformed frame"))})
			continue
		}
		if err := s.handle(ctx, p, f); err != nil {
			wsLog.Debug().Err(err).Str("type", f.Type).Str("channel_id", f.ChannelID).Msg("ws request failed")
			p.send(Frame{Type: TypeError, ID: f.ID, Error: errorPayload(err)})
			continue
		}
		p.send(Frame{Type: TypeAck, ID: f.ID})
	}
}

func (s *Server) handle(ctx context.Context, p *peer, f Frame) error {
	switch f.Type {
	case TypeJoin:
		return p.session.Join(ctx, f.ChannelID)
	case TypeLeave:
		return p.session.Leave(ctx, f.ChannelID)
	case TypePublish:
		if f.Message == nil {
			return errors.Wrap(ErrBadRequest, "publish without message")
		}
		msg := *f.Message
		if msg.ChannelID == "" {
			msg.ChannelID = f.ChannelID
		}
		return p.session.Publish(ctx, msg)
	case TypeReauth:
		cred, err := f.Auth.credential()
		if err != nil {
			return err
		}
		return p.session.Reauthenticate(ctx, cred)
	case TypePing:
		return nil
	default:
		return errors.Wrapf(ErrBadRequest, "unknown frame type %q", f.Type)
	}
}

// PeerCount returns the number of authenticated websockets.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Shutdown says goodbye to every peer and closes their sockets once the
// goodbye is flushed. New connections are refused afterwards.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if data, err := json.Marshal(Frame{Type: TypeGoodbye, Reason: reason}); err == nil {
		s.pool.Broadcast(data)
	}
	s.pool.CloseAll()
	s.logger.Info().Str("reason", reason).Msg("ws server shut down")
}
