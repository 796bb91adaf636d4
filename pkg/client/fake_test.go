package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/panel/pkg/credentials"
	"github.com/go-go-golems/panel/pkg/dispatch"
	"github.com/go-go-golems/panel/pkg/realtime"
)

type fakeTransport struct {
	mu        sync.Mutex
	openErr   error
	openGate  chan struct{}
	joinGate  chan struct{}
	joinErr   map[string]error
	leaveErr  map[string]error
	reauthErr error
	hellos    []realtime.Hello
	sinks     []realtime.Sink
	conns     []*fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{joinErr: map[string]error{}, leaveErr: map[string]error{}}
}

func (t *fakeTransport) Open(ctx context.Context, hello realtime.Hello, sink realtime.Sink) (realtime.Conn, error) {
	t.mu.Lock()
	t.hellos = append(t.hellos, hello)
	t.sinks = append(t.sinks, sink)
	gate, openErr := t.openGate, t.openErr
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}
	conn := &fakeConn{t: t, joins: map[string]int{}}
	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
	return conn, nil
}

func (t *fakeTransport) sink() realtime.Sink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sinks[len(t.sinks)-1]
}

func (t *fakeTransport) conn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func (t *fakeTransport) setJoinErr(id string, err error) {
	t.mu.Lock()
	t.joinErr[id] = err
	t.mu.Unlock()
}

func (t *fakeTransport) setLeaveErr(id string, err error) {
	t.mu.Lock()
	t.leaveErr[id] = err
	t.mu.Unlock()
}

func (t *fakeTransport) setReauthErr(err error) {
	t.mu.Lock()
	t.reauthErr = err
	t.mu.Unlock()
}

type fakeConn struct {
	t         *fakeTransport
	mu        sync.Mutex
	joins     map[string]int
	leaves    []string
	published []realtime.Message
	reauths   []credentials.Credential
	closed    bool
}

func (c *fakeConn) Join(ctx context.Context, id string) error {
	c.t.mu.Lock()
	err, gate := c.t.joinErr[id], c.t.joinGate
	c.t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.joins[id]++
	c.mu.Unlock()
	return err
}

func (c *fakeConn) Leave(_ context.Context, id string) error {
	c.t.mu.Lock()
	err := c.t.leaveErr[id]
	c.t.mu.Unlock()
	c.mu.Lock()
	c.leaves = append(c.leaves, id)
	c.mu.Unlock()
	return err
}

func (c *fakeConn) Publish(_ context.Context, msg realtime.Message) error {
	c.mu.Lock()
	c.published = append(c.published, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Reauthenticate(_ context.Context, cred credentials.Credential) error {
	c.t.mu.Lock()
	err := c.t.reauthErr
	c.t.mu.Unlock()
	c.mu.Lock()
	c.reauths = append(c.reauths, cred)
	c.mu.Unlock()
	return err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) joinCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joins[id]
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// eventLog records listener callbacks as short strings.
type eventLog struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (l *eventLog) add(s string) {
	l.mu.Lock()
	l.events = append(l.events, s)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(s string) int {
	n := 0
	for _, e := range l.snapshot() {
		if e == s {
			n++
		}
	}
	return n
}

func (l *eventLog) listener(prefix string) dispatch.Listener {
	return dispatch.Listener{
		OnConnectionStateChanged: func(sc dispatch.StateChange) {
			l.add(prefix + "state:" + sc.State.String())
		},
		OnSessionAuthTokenInvalid: func() { l.add(prefix + "token-invalid") },
		OnSessionAuthTokenNearingExpiry: func(time.Time) {
			l.add(prefix + "token-nearing-expiry")
		},
		OnSessionAuthTokenMismatch: func() { l.add(prefix + "token-mismatch") },
		OnChannelMembershipChanged: func(id string, s dispatch.MembershipState) {
			l.add(fmt.Sprintf("%smember:%s:%s", prefix, id, s))
		},
		OnMessageReceived: func(id string, msg dispatch.Message) {
			l.add(fmt.Sprintf("%smsg:%s:%s", prefix, id, msg.Text))
		},
		OnError: func(err error) {
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
		},
	}
}

func (l *eventLog) waitFor(t *testing.T, s string) {
	t.Helper()
	require.Eventually(t, func() bool { return l.count(s) > 0 }, 2*time.Second, 5*time.Millisecond, "waiting for %q, got %v", s, l.snapshot())
}

func newTestClient(t *testing.T, tr *fakeTransport, opts ...Option) (*Client, *eventLog) {
	t.Helper()
	c, err := CreateWithPublishableKey("pk_test_0123456789", "u1", tr, opts...)
	require.NoError(t, err)
	log := &eventLog{}
	c.AddListener(log.listener(""))
	t.Cleanup(c.Destroy)
	return c, log
}

func newTokenClient(t *testing.T, tr *fakeTransport, tokenOpts []credentials.Option, opts ...Option) (*Client, *eventLog) {
	t.Helper()
	c, err := CreateWithSessionToken("tok-initial", "u1", tr, tokenOpts, opts...)
	require.NoError(t, err)
	log := &eventLog{}
	c.AddListener(log.listener(""))
	t.Cleanup(c.Destroy)
	return c, log
}

func waitPending(t *testing.T, p interface {
	Wait(context.Context) error
}) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}
