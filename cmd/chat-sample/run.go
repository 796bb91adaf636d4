package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	input "github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/panel/pkg/client"
	"github.com/go-go-golems/panel/pkg/config"
	"github.com/go-go-golems/panel/pkg/credentials"
	"github.com/go-go-golems/panel/pkg/dispatch"
	"github.com/go-go-golems/panel/pkg/panelconfig"
	"github.com/go-go-golems/panel/pkg/realtime/wsconn"
)

const defaultDisplayName = "Han Solo"

type RunCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = &RunCommand{}

func NewRunCommand() (*RunCommand, error) {
	clientSection, err := config.NewClientSection()
	if err != nil {
		return nil, err
	}
	sourcesSection, err := config.NewSourcesSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"run",
		cmds.WithShort("Connect to a channel and chat: stdin lines are sent, messages are printed"),
		cmds.WithSections(clientSection, sourcesSection),
	)
	return &RunCommand{CommandDescription: desc}, nil
}

func (c *RunCommand) Run(ctx context.Context, parsed *values.Values) error {
	s, err := config.FromValues(parsed, config.ClientSlug)
	if err != nil {
		return err
	}
	if err := s.ValidateClient(); err != nil {
		return err
	}
	if s.DisplayName == "" && isatty.IsTerminal(os.Stdin.Fd()) {
		name, err := askDisplayName(os.Stdin, os.Stderr)
		if err != nil {
			return errors.Wrap(err, "ask for display name")
		}
		s.DisplayName = name
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runChat(ctx, s, os.Stdin, os.Stdout)
}

func askDisplayName(r io.Reader, w io.Writer) (string, error) {
	ui := &input.UI{Reader: r, Writer: w}
	return ui.Ask("Display name", &input.Options{
		Default:  defaultDisplayName,
		Required: true,
		Loop:     true,
	})
}

// syncWriter serializes listener output with the prompt.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.w, format, args...)
}

// runChat mirrors the panel sample: create the client, set the user's
// presentation, register a listener, connect, then send every input line until
// EOF or cancellation, and finally disconnect and destroy.
func runChat(ctx context.Context, s *config.Settings, in io.Reader, out io.Writer) error {
	panel := panelconfig.Default()
	if s.PanelConfig != "" {
		p, err := panelconfig.Load(s.PanelConfig)
		if err != nil {
			return err
		}
		panel = p
	}

	userID := s.UserID
	if userID == "" {
		userID = uuid.NewString()
	}
	displayName := s.DisplayName
	if displayName == "" {
		displayName = defaultDisplayName
	}
	avatarURL := s.AvatarURL
	if avatarURL == "" {
		avatarURL = "https://picsum.photos/seed/" + userID + "/300/300"
	}

	c, err := newClient(ctx, s, userID)
	if err != nil {
		return err
	}
	defer c.Destroy()
	c.SetUserDisplayName(displayName)
	c.SetUserAvatarURL(avatarURL)

	w := &syncWriter{w: out}
	lost := make(chan error, 1)
	c.AddListener(chatListener(w, panel, userID, lost))

	log.Info().Str("user_id", userID).Str("channel_id", s.Channel).Str("server", s.ServerURL).Msg("connecting")
	connected := c.Connect(s.Channel)

	lines := make(chan string)
	// not supervised: a blocked read on stdin must not hold up shutdown
	go readLines(in, lines)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := connected.Wait(egCtx); err != nil {
			if egCtx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "connect to %s", s.Channel)
		}
		w.printf("%s (%s)\n", panel.Configuration.Strings.EmptyChatTitle, panel.Configuration.Strings.EmptyChatJoinedSubtitle)
		for {
			select {
			case <-egCtx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errEOF
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				if err := c.Send(s.Channel, line).Wait(egCtx); err != nil && egCtx.Err() == nil {
					log.Warn().Err(err).Msg("send failed")
				}
			}
		}
	})
	eg.Go(func() error {
		select {
		case <-egCtx.Done():
			return nil
		case err := <-lost:
			return err
		}
	})

	err = eg.Wait()
	if errors.Is(err, errEOF) {
		err = nil
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if derr := c.Disconnect(s.Channel).Wait(leaveCtx); derr != nil {
		log.Debug().Err(derr).Msg("disconnect")
	}
	return err
}

var errEOF = errors.New("input closed")

func readLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("read input")
	}
}

func chatListener(w *syncWriter, panel panelconfig.Panel, userID string, lost chan<- error) dispatch.Listener {
	strs := panel.Configuration.Strings
	incoming := panel.Configuration.ExpandedStateOptions.IncomingMessage
	outgoing := panel.Configuration.ExpandedStateOptions.OutgoingMessage
	var wasConnected bool

	return dispatch.Listener{
		OnConnectionStateChanged: func(sc dispatch.StateChange) {
			log.Info().Str("state", sc.State.String()).AnErr("cause", sc.Err).Msg("connection state changed")
			switch sc.State {
			case dispatch.Connected:
				wasConnected = true
			case dispatch.Disconnected:
				if wasConnected {
					cause := sc.Err
					if cause == nil {
						cause = errors.New("disconnected")
					}
					select {
					case lost <- cause:
					default:
					}
				}
			}
		},
		OnSessionAuthTokenInvalid: func() {
			// the refresher asks the token endpoint for a new token
			log.Info().Msg("session token invalidated, requesting a new one")
		},
		OnSessionAuthTokenNearingExpiry: func(at time.Time) {
			log.Info().Time("expires_at", at).Msg("session token nearing expiry")
		},
		OnSessionAuthTokenMismatch: func() {
			log.Error().Str("user_id", userID).Msg("session token was issued for another user")
		},
		OnChannelMembershipChanged: func(channelID string, state dispatch.MembershipState) {
			log.Info().Str("channel_id", channelID).Str("membership", state.String()).Msg("membership changed")
		},
		OnMessageReceived: func(channelID string, msg dispatch.Message) {
			opts := incoming
			if msg.SenderID == userID {
				opts = outgoing
			}
			name := ""
			if opts.ShowUserName {
				name = msg.SenderName
				if name == "" {
					name = msg.SenderID
				}
				name += ": "
			}
			line := fmt.Sprintf("[%s] %s%s", channelID, name, msg.Text)
			if opts.HorizontalAlignment == panelconfig.AlignRight {
				line = fmt.Sprintf("%72s", line)
			}
			w.printf("%s\n", line)
		},
		OnError: func(err error) {
			w.printf("%s %v\n", strs.GenericErrorLabel, err)
		},
	}
}

func newClient(ctx context.Context, s *config.Settings, userID string) (*client.Client, error) {
	dialer := &wsconn.Dialer{URL: s.ServerURL, PingInterval: 30 * time.Second}
	mode, err := s.Mode()
	if err != nil {
		return nil, err
	}
	if mode == credentials.ModePublishableKey {
		return client.CreateWithPublishableKey(s.PublishableKey, userID, dialer)
	}

	var tokenOpts []credentials.Option
	token := s.SessionToken
	if s.TokenURL != "" {
		fetch := tokenFetcher(s.TokenURL, userID)
		tokenOpts = append(tokenOpts, credentials.WithRefresher(fetch))
		if token == "" {
			tok, err := fetch(ctx, credentials.SessionToken{})
			if err != nil {
				return nil, errors.Wrap(err, "fetch initial session token")
			}
			token = tok.Token
			if !tok.ExpiresAt.IsZero() {
				tokenOpts = append(tokenOpts, credentials.WithExpiry(tok.ExpiresAt))
			}
		}
	}
	return client.CreateWithSessionToken(token, userID, dialer, tokenOpts)
}

// tokenFetcher asks the host's token endpoint for a session token for userID.
func tokenFetcher(tokenURL, userID string) credentials.Refresher {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context, _ credentials.SessionToken) (credentials.SessionToken, error) {
		u, err := url.Parse(tokenURL)
		if err != nil {
			return credentials.SessionToken{}, errors.Wrap(err, "parse token url")
		}
		q := u.Query()
		q.Set("user_id", userID)
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return credentials.SessionToken{}, err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return credentials.SessionToken{}, errors.Wrap(err, "request session token")
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return credentials.SessionToken{}, errors.Errorf("token endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}
		var tr tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return credentials.SessionToken{}, errors.Wrap(err, "decode token response")
		}
		return credentials.SessionToken{Token: tr.Token, ExpiresAt: tr.ExpiresAt}, nil
	}
}
