package wsconn

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/panel/pkg/client"
	"github.com/go-go-golems/panel/pkg/credentials"
	"github.com/go-go-golems/panel/pkg/dispatch"
	"github.com/go-go-golems/panel/pkg/realtime"
	"github.com/go-go-golems/panel/pkg/realtime/pubsub"
)

type recordingSink struct {
	mu          sync.Mutex
	messages    []realtime.Message
	invalidated []string
	lost        []error
}

func (s *recordingSink) TokenInvalidated(reason string) {
	s.mu.Lock()
	s.invalidated = append(s.invalidated, reason)
	s.mu.Unlock()
}

func (s *recordingSink) MessageReceived(msg realtime.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

func (s *recordingSink) ConnectionLost(err error) {
	s.mu.Lock()
	s.lost = append(s.lost, err)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() ([]realtime.Message, []string, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.Message(nil), s.messages...),
		append([]string(nil), s.invalidated...),
		append([]error(nil), s.lost...)
}

type harness struct {
	backend *pubsub.Backend
	server  *Server
	url     string
}

func newHarness(t *testing.T, cfg pubsub.Config, opts ...ServerOption) *harness {
	t.Helper()
	logger := zerolog.Nop()
	cfg.Logger = &logger
	b, err := pubsub.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	srv := NewServer(b, append([]ServerOption{WithServerLogger(logger)}, opts...)...)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	t.Cleanup(func() { srv.Shutdown("test done") })

	return &harness{backend: b, server: srv, url: "ws" + strings.TrimPrefix(hs.URL, "http")}
}

func (h *harness) dialer() *Dialer {
	logger := zerolog.Nop()
	return &Dialer{URL: h.url, RequestTimeout: 2 * time.Second, Logger: &logger}
}

func keyHello(userID string) realtime.Hello {
	return realtime.Hello{Credential: credentials.PublishableKey{Key: "pk_live_sample"}, UserID: userID}
}

func TestDialerRoundTrip(t *testing.T) {
	h := newHarness(t, pubsub.Config{})
	ctx := context.Background()

	alice, bob := &recordingSink{}, &recordingSink{}
	hello := keyHello("alice")
	hello.DisplayName = "Alice"
	ca, err := h.dialer().Open(ctx, hello, alice)
	require.NoError(t, err)
	defer ca.Close()
	cb, err := h.dialer().Open(ctx, keyHello("bob"), bob)
	require.NoError(t, err)
	defer cb.Close()
	require.Eventually(t, func() bool { return h.server.PeerCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ca.Join(ctx, "room"))
	require.NoError(t, cb.Join(ctx, "room"))
	require.NoError(t, ca.Publish(ctx, realtime.Message{ID: "m1", ChannelID: "room", Text: "hello bob"}))
	require.NoError(t, ca.Publish(ctx, realtime.Message{ID: "m2", ChannelID: "room", Text: "still there?"}))

	require.Eventually(t, func() bool {
		msgs, _, _ := bob.snapshot()
		return len(msgs) == 2
	}, 2*time.Second, 5*time.Millisecond)
	msgs, _, _ := bob.snapshot()
	require.Equal(t, "hello bob", msgs[0].Text)
	require.Equal(t, "still there?", msgs[1].Text)
	require.Equal(t, "alice", msgs[0].SenderID)
	require.Equal(t, "Alice", msgs[0].SenderName)
	require.Equal(t, "m1", msgs[0].ID)

	require.NoError(t, cb.Leave(ctx, "room"))
	require.Equal(t, []string{"alice"}, h.backend.Members("room"))
}

func TestDialerMapsServiceErrors(t *testing.T) {
	h := newHarness(t, pubsub.Config{AcceptedKeys: []string{"pk_live_sample"}})
	ctx := context.Background()

	bad := realtime.Hello{Credential: credentials.PublishableKey{Key: "pk_live_other"}, UserID: "u1"}
	_, err := h.dialer().Open(ctx, bad, &recordingSink{})
	require.ErrorIs(t, err, realtime.ErrAuthRejected)

	conn, err := h.dialer().Open(ctx, keyHello("u1"), &recordingSink{})
	require.NoError(t, err)
	defer conn.Close()
	err = conn.Publish(ctx, realtime.Message{ChannelID: "room", Text: "nobody here"})
	require.ErrorIs(t, err, realtime.ErrNotJoined)
	require.Error(t, conn.Join(ctx, " "))
}

func TestDialerSignedTokenMismatch(t *testing.T) {
	h := newHarness(t, pubsub.Config{SigningKey: []byte("wire-secret")})
	tok, err := h.backend.IssueToken("u2", time.Hour)
	require.NoError(t, err)
	cred, err := credentials.ResolveSessionToken(tok)
	require.NoError(t, err)

	_, err = h.dialer().Open(context.Background(), realtime.Hello{Credential: cred, UserID: "u1"}, &recordingSink{})
	require.ErrorIs(t, err, realtime.ErrTokenMismatch)
}

func TestTokenInvalidationOverWire(t *testing.T) {
	h := newHarness(t, pubsub.Config{SigningKey: []byte("wire-secret")})
	ctx := context.Background()

	tok, err := h.backend.IssueToken("u1", time.Hour)
	require.NoError(t, err)
	cred, err := credentials.ResolveSessionToken(tok)
	require.NoError(t, err)

	sink := &recordingSink{}
	conn, err := h.dialer().Open(ctx, realtime.Hello{Credential: cred, UserID: "u1"}, sink)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Join(ctx, "room"))

	require.Equal(t, 1, h.backend.InvalidateUser("u1", "rotated"))
	require.Eventually(t, func() bool {
		_, inv, _ := sink.snapshot()
		return len(inv) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, inv, _ := sink.snapshot()
	require.Equal(t, []string{"rotated"}, inv)

	require.ErrorIs(t, conn.Reauthenticate(ctx, cred), realtime.ErrAuthRejected)

	next, err := h.backend.IssueToken("u1", time.Hour)
	require.NoError(t, err)
	nextCred, err := credentials.ResolveSessionToken(next)
	require.NoError(t, err)
	require.NoError(t, conn.Reauthenticate(ctx, nextCred))
	require.NoError(t, conn.Publish(ctx, realtime.Message{ChannelID: "room", Text: "back"}))
	require.Eventually(t, func() bool {
		msgs, _, _ := sink.snapshot()
		return len(msgs) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestShutdownReportsConnectionLost(t *testing.T) {
	h := newHarness(t, pubsub.Config{})
	ctx := context.Background()

	sink := &recordingSink{}
	conn, err := h.dialer().Open(ctx, keyHello("u1"), sink)
	require.NoError(t, err)
	defer conn.Close()

	h.server.Shutdown("maintenance")
	require.Eventually(t, func() bool {
		_, _, lost := sink.snapshot()
		return len(lost) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, _, lost := sink.snapshot()
	require.ErrorIs(t, lost[0], realtime.ErrConnClosed)
	require.Contains(t, lost[0].Error(), "maintenance")

	require.ErrorIs(t, conn.Join(ctx, "room"), realtime.ErrConnClosed)
	_, err = h.dialer().Open(ctx, keyHello("u2"), &recordingSink{})
	require.Error(t, err)
}

func TestLocalCloseIsSilent(t *testing.T) {
	h := newHarness(t, pubsub.Config{})
	sink := &recordingSink{}
	conn, err := h.dialer().Open(context.Background(), keyHello("u1"), sink)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.backend.SessionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	_, _, lost := sink.snapshot()
	require.Empty(t, lost)
}

func TestServerRequiresHelloFirst(t *testing.T) {
	h := newHarness(t, pubsub.Config{})
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(Frame{Type: TypeJoin, ID: "r1", ChannelID: "room"}))
	var reply Frame
	require.NoError(t, ws.ReadJSON(&reply))
	require.Equal(t, TypeError, reply.Type)
	require.Equal(t, "r1", reply.ID)
	require.Equal(t, CodeBadRequest, reply.Error.Code)

	_, _, err = ws.ReadMessage()
	require.Error(t, err)
}

func TestServerHelloTimeout(t *testing.T) {
	h := newHarness(t, pubsub.Config{}, WithHelloTimeout(50*time.Millisecond))
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	require.Zero(t, h.server.PeerCount())
}

func TestServerRejectsPlaceholderKey(t *testing.T) {
	h := newHarness(t, pubsub.Config{})
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	hello := Frame{Type: TypeHello, ID: "h1", Auth: &Auth{Mode: "publishable-key", Secret: "changeme", UserID: "u1"}}
	require.NoError(t, ws.WriteJSON(hello))
	var reply Frame
	require.NoError(t, ws.ReadJSON(&reply))
	require.Equal(t, TypeError, reply.Type)
	require.Equal(t, CodeBadRequest, reply.Error.Code)
}

func TestPingIsAcked(t *testing.T) {
	h := newHarness(t, pubsub.Config{})
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(Frame{Type: TypeHello, ID: "h1", Auth: &Auth{Mode: "key", Secret: "pk_live_sample", UserID: "u1"}}))
	var reply Frame
	require.NoError(t, ws.ReadJSON(&reply))
	require.Equal(t, TypeAck, reply.Type)

	require.NoError(t, ws.WriteJSON(Frame{Type: TypePing, ID: "p1"}))
	require.NoError(t, ws.ReadJSON(&reply))
	require.Equal(t, Frame{Type: TypeAck, ID: "p1"}, reply)

	require.NoError(t, ws.WriteJSON(Frame{Type: "shout", ID: "x1"}))
	require.NoError(t, ws.ReadJSON(&reply))
	require.Equal(t, CodeBadRequest, reply.Error.Code)
}

func TestClientOverWebsocket(t *testing.T) {
	h := newHarness(t, pubsub.Config{})

	var mu sync.Mutex
	var got []string
	listener := dispatch.Listener{
		OnMessageReceived: func(channelID string, msg dispatch.Message) {
			mu.Lock()
			got = append(got, channelID+"/"+msg.SenderID+": "+msg.Text)
			mu.Unlock()
		},
	}
	received := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}

	c, err := client.CreateWithPublishableKey("pk_live_sample", "han", h.dialer())
	require.NoError(t, err)
	defer c.Destroy()
	c.AddListener(listener)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect("cantina").Wait(ctx))
	require.Equal(t, dispatch.Connected, c.State())
	require.Equal(t, dispatch.Joined, c.Membership("cantina"))

	require.NoError(t, c.Send("cantina", "who shot first").Wait(ctx))
	require.Eventually(t, func() bool { return len(received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"cantina/han: who shot first"}, received())

	require.NoError(t, c.Disconnect("cantina").Wait(ctx))
	require.Equal(t, dispatch.Disconnected, c.State())
	require.Eventually(t, func() bool { return h.backend.SessionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestClientSeesServerShutdown(t *testing.T) {
	h := newHarness(t, pubsub.Config{})
	c, err := client.CreateWithPublishableKey("pk_live_sample", "han", h.dialer())
	require.NoError(t, err)
	defer c.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect("cantina").Wait(ctx))

	h.server.Shutdown("maintenance")
	require.Eventually(t, func() bool { return c.State() == dispatch.Disconnected }, 2*time.Second, 5*time.Millisecond)
}
