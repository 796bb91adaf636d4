package wsconn

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/panel/pkg/credentials"
	"github.com/go-go-golems/panel/pkg/realtime"
)

// Dialer opens realtime sessions against a Server.
type Dialer struct {
	URL    string
	Header http.Header
	// WS defaults to websocket.DefaultDialer.
	WS *websocket.Dialer
	// RequestTimeout bounds each request when the caller's context has no
	// deadline. Zero means 10s.
	RequestTimeout time.Duration
	// PingInterval enables keepalive pings. A failed ping drops the connection.
	PingInterval time.Duration
	Logger       *zerolog.Logger
}

var _ realtime.Transport = (*Dialer)(nil)

func (d *Dialer) Open(ctx context.Context, hello realtime.Hello, sink realtime.Sink) (realtime.Conn, error) {
	if sink == nil {
		return nil, errors.New("sink is nil")
	}
	wsd := d.WS
	if wsd == nil {
		wsd = websocket.DefaultDialer
	}
	logger := log.Logger
	if d.Logger != nil {
		logger = *d.Logger
	}
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ws, resp, err := wsd.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", d.URL)
	}

	c := &clientConn{
		ws:      ws,
		sink:    sink,
		timeout: timeout,
		logger:  logger.With().Str("component", "wsconn").Str("url", d.URL).Logger(),
		pending: map[string]chan Frame{},
		done:    make(chan struct{}),
	}
	go c.readLoop()

	if err := c.request(ctx, Frame{Type: TypeHello, Auth: authFromHello(hello)}); err != nil {
		_ = c.Close()
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Wrap(realtime.ErrConnClosed, "connection dropped during handshake")
	}
	c.established = true
	c.mu.Unlock()

	if d.PingInterval > 0 {
		go c.keepalive(d.PingInterval)
	}
	return c, nil
}

type clientConn struct {
	ws      *websocket.Conn
	sink    realtime.Sink
	timeout time.Duration
	logger  zerolog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]chan Frame
	established bool
	closed      bool
	goodbye     string
	done        chan struct{}
}

func (c *clientConn) Join(ctx context.Context, channelID string) error {
	return c.request(ctx, Frame{Type: TypeJoin, ChannelID: channelID})
}

func (c *clientConn) Leave(ctx context.Context, channelID string) error {
	return c.request(ctx, Frame{Type: TypeLeave, ChannelID: channelID})
}

func (c *clientConn) Publish(ctx context.Context, msg realtime.Message) error {
	return c.request(ctx, Frame{Type: TypePublish, ChannelID: msg.ChannelID, Message: &msg})
}

func (c *clientConn) Reauthenticate(ctx context.Context, cred credentials.Credential) error {
	return c.request(ctx, Frame{Type: TypeReauth, Auth: authFromCredential(cred)})
}

// Close ends the session without reporting ConnectionLost.
func (c *clientConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// request sends f and waits for the matching ack or error frame.
func (c *clientConn) request(ctx context.Context, f Frame) error {
	f.ID = uuid.NewString()
	reply := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return realtime.ErrConnClosed
	}
	c.pending[f.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	select {
	case r := <-reply:
		if r.Type == TypeError && r.Error != nil {
			return r.Error.Err()
		}
		return nil
	case <-c.done:
		return errors.Wrapf(realtime.ErrConnClosed, "%s aborted", f.Type)
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "%s", f.Type)
	}
}

func (c *clientConn) write(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(realtime.ErrConnClosed, err.Error())
	}
	return nil
}

func (c *clientConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		switch f.Type {
		case TypeAck, TypeError:
			if f.ID == "" {
				if f.Error != nil {
					c.logger.Warn().Str("code", f.Error.Code).Str("error", f.Error.Message).Msg("service error")
				}
				continue
			}
			c.mu.Lock()
			reply, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				reply <- f
			}
		case TypeMessage:
			if f.Message != nil {
				c.sink.MessageReceived(*f.Message)
			}
		case TypeTokenInvalidated:
			c.sink.TokenInvalidated(f.Reason)
		case TypeGoodbye:
			c.mu.Lock()
			c.goodbye = f.Reason
			c.mu.Unlock()
		default:
			c.logger.Debug().Str("type", f.Type).Msg("ignoring frame")
		}
	}
}

// fail tears the connection down after a read error. Only an established
// connection that was not closed locally reports ConnectionLost.
func (c *clientConn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	report := c.established
	reason := c.goodbye
	c.mu.Unlock()
	_ = c.ws.Close()

	if !report {
		return
	}
	if reason != "" {
		err = errors.Wrap(realtime.ErrConnClosed, reason)
	} else {
		err = errors.Wrap(realtime.ErrConnClosed, err.Error())
	}
	c.logger.Info().Err(err).Msg("connection lost")
	c.sink.ConnectionLost(err)
}

func (c *clientConn) keepalive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			err := c.request(ctx, Frame{Type: TypePing})
			cancel()
			if err != nil && !errors.Is(err, realtime.ErrConnClosed) {
				c.logger.Warn().Err(err).Msg("keepalive failed")
				_ = c.ws.Close()
				return
			}
		}
	}
}
