package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/panel/pkg/config"
	"github.com/go-go-golems/panel/pkg/credentials"
	"github.com/go-go-golems/panel/pkg/realtime"
	"github.com/go-go-golems/panel/pkg/realtime/history"
	"github.com/go-go-golems/panel/pkg/realtime/pubsub"
	"github.com/go-go-golems/panel/pkg/realtime/wsconn"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type observer struct {
	mu   sync.Mutex
	msgs []realtime.Message
}

func (o *observer) TokenInvalidated(string) {}
func (o *observer) ConnectionLost(error)    {}

func (o *observer) MessageReceived(msg realtime.Message) {
	o.mu.Lock()
	o.msgs = append(o.msgs, msg)
	o.mu.Unlock()
}

func (o *observer) lines() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, m := range o.msgs {
		out = append(out, m.SenderID+"|"+m.SenderName+"|"+m.Text)
	}
	return out
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}

type testServer struct {
	settings *config.Settings
	backend  *pubsub.Backend
	http     *httptest.Server
}

func startServer(t *testing.T, mutate func(*config.Settings)) *testServer {
	t.Helper()
	s := config.Defaults()
	if mutate != nil {
		mutate(s)
	}
	b, err := newBackend(s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ws := wsconn.NewServer(b)
	hs := httptest.NewServer(newServeMux(s, b, ws))
	t.Cleanup(hs.Close)
	t.Cleanup(func() { ws.Shutdown("test done") })
	return &testServer{settings: s, backend: b, http: hs}
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
}

func (ts *testServer) observe(t *testing.T, channelID string) *observer {
	t.Helper()
	o := &observer{}
	ctx := context.Background()
	conn, err := ts.backend.Open(ctx, realtime.Hello{Credential: credentials.PublishableKey{Key: "pk_live_observer"}, UserID: "observer"}, o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.Join(ctx, channelID))
	return o
}

func clientSettings(ts *testServer) *config.Settings {
	s := config.Defaults()
	s.ServerURL = ts.wsURL()
	s.PublishableKey = "pk_live_sample"
	s.UserID = "han"
	s.DisplayName = "Han Solo"
	return s
}

func runWithTimeout(t *testing.T, s *config.Settings, in string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := &lockedBuffer{}
	err := runChat(ctx, s, strings.NewReader(in), out)
	return out.String(), err
}

func TestRunChatSendsInputLines(t *testing.T) {
	ts := startServer(t, nil)
	o := ts.observe(t, "sample-app")

	out, err := runWithTimeout(t, clientSettings(ts), "hello\n\n   \nwho shot first\n")
	require.NoError(t, err)
	require.Contains(t, out, "No messages yet")

	require.Eventually(t, func() bool { return len(o.lines()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"han|Han Solo|hello", "han|Han Solo|who shot first"}, o.lines())
	require.Eventually(t, func() bool { return ts.backend.SessionCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRunChatUsesPanelConfig(t *testing.T) {
	ts := startServer(t, nil)
	path := filepath.Join(t.TempDir(), "panel.yaml")
	require.NoError(t, writeFile(path, "configuration:\n  strings:\n    empty_chat_title: Quiet in here\n"))

	s := clientSettings(ts)
	s.PanelConfig = path
	out, err := runWithTimeout(t, s, "")
	require.NoError(t, err)
	require.Contains(t, out, "Quiet in here")

	s.PanelConfig = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = runWithTimeout(t, s, "")
	require.Error(t, err)
}

func TestRunChatRejectedKey(t *testing.T) {
	ts := startServer(t, func(s *config.Settings) { s.AcceptedKeys = []string{"pk_live_other"} })
	_, err := runWithTimeout(t, clientSettings(ts), "never sent\n")
	require.Error(t, err)
	require.Contains(t, err.Error(), "connect to sample-app")
}

func TestRunChatSessionTokenMode(t *testing.T) {
	ts := startServer(t, func(s *config.Settings) {
		s.SigningKey = "sample-signing-key"
		s.TokenTTL = time.Hour
	})
	o := ts.observe(t, "sample-app")

	s := clientSettings(ts)
	s.AuthMode = "session-token"
	s.PublishableKey = ""
	s.TokenURL = ts.http.URL + "/token"
	s.UserID = "leia"
	s.DisplayName = "Leia"
	require.NoError(t, s.ValidateClient())

	_, err := runWithTimeout(t, s, "help me\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(o.lines()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"leia|Leia|help me"}, o.lines())
}

func TestTokenEndpoint(t *testing.T) {
	ts := startServer(t, func(s *config.Settings) {
		s.SigningKey = "sample-signing-key"
		s.TokenTTL = time.Minute
	})
	ctx := context.Background()

	tok, err := tokenFetcher(ts.http.URL+"/token", "u1")(ctx, credentials.SessionToken{})
	require.NoError(t, err)
	require.False(t, tok.ExpiresAt.IsZero())

	cred, err := credentials.ResolveSessionToken(tok.Token)
	require.NoError(t, err)
	require.Equal(t, "u1", cred.Subject)
	_, err = ts.backend.Open(ctx, realtime.Hello{Credential: cred, UserID: "u1"}, &observer{})
	require.NoError(t, err)

	resp, err := http.Get(ts.http.URL + "/token")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTokenEndpointDisabledWithoutSigningKey(t *testing.T) {
	ts := startServer(t, nil)
	_, err := tokenFetcher(ts.http.URL+"/token", "u1")(context.Background(), credentials.SessionToken{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "501")
}

func TestInvalidateEndpoint(t *testing.T) {
	ts := startServer(t, nil)
	_, err := ts.backend.Open(context.Background(), realtime.Hello{Credential: credentials.SessionToken{Token: "tok-1"}, UserID: "u1"}, &observer{})
	require.NoError(t, err)

	resp, err := http.Get(ts.http.URL + "/invalidate?user_id=u1")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(ts.http.URL+"/invalidate?user_id=u1", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	require.JSONEq(t, `{"sessions":1}`, body.String())
}

func TestRunCommandValidates(t *testing.T) {
	t.Setenv("PANEL_PUBLISHABLE_KEY", "")
	t.Setenv("PANEL_CONFIG_FILE", "")
	root, err := newRootCommand()
	require.NoError(t, err)
	root.SetArgs([]string{"run", "--env-file", filepath.Join(t.TempDir(), "absent.env"), "--log-level", "error"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err = root.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "publishable key is required")
}

func TestHistoryCommandRequiresDB(t *testing.T) {
	t.Setenv("PANEL_CONFIG_FILE", "")
	t.Setenv("PANEL_HISTORY_DB", "")
	root, err := newRootCommand()
	require.NoError(t, err)
	root.SetArgs([]string{"history", "channels", "--env-file", ""})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err = root.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "history-db is required")
}

func TestHistoryRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	ts := startServer(t, func(s *config.Settings) { s.HistoryDB = dbPath })
	_, err := runWithTimeout(t, clientSettings(ts), "first\nsecond\n")
	require.NoError(t, err)

	dsn, err := history.SQLiteDSNForFile(dbPath)
	require.NoError(t, err)
	store, err := history.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	chans, err := channelRows(ctx, store, 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, chans, 1)
	v, ok := chans[0].Get("channel_id")
	require.True(t, ok)
	require.Equal(t, "sample-app", v)
	v, _ = chans[0].Get("message_count")
	require.Equal(t, int64(2), v)

	chans, err = channelRows(ctx, store, 0, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, chans)

	msgs, err := messageRows(ctx, store, "sample-app", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	v, _ = msgs[0].Get("text")
	require.Equal(t, "second", v)
	v, _ = msgs[0].Get("sender_id")
	require.Equal(t, "han", v)
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusOK && v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHistoryEndpoints(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	ts := startServer(t, func(s *config.Settings) { s.HistoryDB = dbPath })

	_, err := runWithTimeout(t, clientSettings(ts), "first\nsecond\nthird\n")
	require.NoError(t, err)

	var page struct {
		ChannelID string             `json:"channel_id"`
		Messages  []realtime.Message `json:"messages"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.http.URL+"/history?channel_id=sample-app&limit=2", &page))
	require.Equal(t, "sample-app", page.ChannelID)
	require.Len(t, page.Messages, 2)
	require.Equal(t, "second", page.Messages[0].Text)
	require.Equal(t, "third", page.Messages[1].Text)
	require.Equal(t, "han", page.Messages[1].SenderID)

	var list struct {
		Channels []struct {
			ChannelID    string `json:"channel_id"`
			MessageCount int64  `json:"message_count"`
		} `json:"channels"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.http.URL+"/history/channels", &list))
	require.Len(t, list.Channels, 1)
	require.Equal(t, "sample-app", list.Channels[0].ChannelID)
	require.Equal(t, int64(3), list.Channels[0].MessageCount)

	require.Equal(t, http.StatusBadRequest, getJSON(t, ts.http.URL+"/history", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, ts.http.URL+"/history?channel_id=x&limit=-1", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, ts.http.URL+"/history/channels?since=yesterday", nil))
}

func TestHistoryInMemoryByDefault(t *testing.T) {
	ts := startServer(t, nil)
	var page struct {
		Messages []realtime.Message `json:"messages"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.http.URL+"/history?channel_id=sample-app", &page))
	require.Empty(t, page.Messages)

	_, err := runWithTimeout(t, clientSettings(ts), "kept in memory\n")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getJSON(t, ts.http.URL+"/history?channel_id=sample-app", &page))
	require.Len(t, page.Messages, 1)
}
