package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/panel/pkg/config"
	"github.com/go-go-golems/panel/pkg/realtime/history"
	"github.com/go-go-golems/panel/pkg/realtime/pubsub"
	"github.com/go-go-golems/panel/pkg/realtime/wsconn"
)

type ServeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = &ServeCommand{}

func NewServeCommand() (*ServeCommand, error) {
	serverSection, err := config.NewServerSection()
	if err != nil {
		return nil, err
	}
	redisSection, err := pubsub.NewRedisSection()
	if err != nil {
		return nil, err
	}
	sourcesSection, err := config.NewSourcesSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Run the realtime chat server the sample connects to"),
		cmds.WithSections(serverSection, redisSection, sourcesSection),
	)
	return &ServeCommand{CommandDescription: desc}, nil
}

func (c *ServeCommand) Run(ctx context.Context, parsed *values.Values) error {
	s, err := config.FromValues(parsed, config.ServerSlug, pubsub.RedisSlug)
	if err != nil {
		return err
	}
	if err := s.ValidateServer(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, s)
}

func newBackend(s *config.Settings) (*pubsub.Backend, error) {
	store, err := newHistory(s.HistoryDB)
	if err != nil {
		return nil, err
	}
	cfg := pubsub.Config{AcceptedKeys: s.AcceptedKeys, Redis: s.Redis, History: store}
	if s.SigningKey != "" {
		cfg.SigningKey = []byte(s.SigningKey)
	}
	b, err := pubsub.New(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return b, nil
}

func newHistory(path string) (history.Store, error) {
	if path == "" {
		return history.NewInMemoryStore(0), nil
	}
	dsn, err := history.SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	store, err := history.NewSQLiteStore(dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open history %s", path)
	}
	log.Info().Str("path", path).Msg("recording message history")
	return store, nil
}

// tokenResponse is what the token endpoint returns and the run command's
// refresher expects.
type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// newServeMux routes the websocket endpoint plus the host-side endpoints for
// session tokens and operator tooling.
func newServeMux(s *config.Settings, b *pubsub.Backend, ws *wsconn.Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", ws)

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		if s.SigningKey == "" {
			http.Error(w, "token issuing is disabled, set --signing-key", http.StatusNotImplemented)
			return
		}
		tok, err := b.IssueToken(userID, s.TokenTTL)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("issue token")
			http.Error(w, "failed to issue token", http.StatusInternalServerError)
			return
		}
		resp := tokenResponse{Token: tok}
		if s.TokenTTL > 0 {
			resp.ExpiresAt = time.Now().Add(s.TokenTTL)
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("/invalidate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		n := b.InvalidateUser(userID, "invalidated by operator")
		writeJSON(w, map[string]int{"sessions": n})
	})

	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		channelID := strings.TrimSpace(r.URL.Query().Get("channel_id"))
		if channelID == "" {
			http.Error(w, "channel_id is required", http.StatusBadRequest)
			return
		}
		limit, err := queryInt(r, "limit")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msgs, err := b.History().Recent(r.Context(), channelID, limit)
		if err != nil {
			log.Error().Err(err).Str("channel_id", channelID).Msg("read history")
			http.Error(w, "failed to read history", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"channel_id": channelID, "messages": msgs})
	})

	mux.HandleFunc("/history/channels", func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var since time.Time
		if v := r.URL.Query().Get("since"); v != "" {
			if since, err = time.Parse(time.RFC3339, v); err != nil {
				http.Error(w, "since must be RFC3339", http.StatusBadRequest)
				return
			}
		}
		chans, err := b.History().ListChannels(r.Context(), limit, since)
		if err != nil {
			log.Error().Err(err).Msg("list history channels")
			http.Error(w, "failed to list channels", http.StatusInternalServerError)
			return
		}
		if chans == nil {
			chans = []history.ChannelRecord{}
		}
		writeJSON(w, map[string]any{"channels": chans})
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]int{"sessions": b.SessionCount(), "peers": ws.PeerCount()})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func serve(ctx context.Context, s *config.Settings) error {
	b, err := newBackend(s)
	if err != nil {
		return errors.Wrap(err, "create realtime backend")
	}
	ws := wsconn.NewServer(b)
	server := &http.Server{
		Addr:              s.Listen,
		Handler:           newServeMux(s, b, ws),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", s.Listen).Bool("redis", s.Redis.Enabled).Msg("starting chat server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down chat server")
		ws.Shutdown("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		if err := b.Close(); err != nil {
			log.Error().Err(err).Msg("backend close")
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})
	return eg.Wait()
}
