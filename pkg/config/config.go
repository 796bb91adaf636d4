// Package config holds the glazed sections of chat-sample and decodes parsed
// values into Settings. Values are layered, each layer overriding the previous
// one: section defaults, an optional YAML config file, PANEL_* environment
// variables (a .env file is read first), then command line flags.
package config

import (
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/panel/pkg/credentials"
	"github.com/go-go-golems/panel/pkg/realtime/pubsub"
)

const (
	AppName   = "panel"
	EnvPrefix = "PANEL"

	ClientSlug  = "client"
	ServerSlug  = "server"
	SourcesSlug = "sources"
)

// ClientSettings configures the run command.
type ClientSettings struct {
	ServerURL      string `glazed:"server-url"`
	Channel        string `glazed:"channel"`
	UserID         string `glazed:"user-id"`
	DisplayName    string `glazed:"display-name"`
	AvatarURL      string `glazed:"avatar-url"`
	AuthMode       string `glazed:"auth-mode"`
	PublishableKey string `glazed:"publishable-key"`
	SessionToken   string `glazed:"session-token"`
	// TokenURL is polled for fresh session tokens when the service
	// invalidates the current one.
	TokenURL    string `glazed:"token-url"`
	PanelConfig string `glazed:"panel-config"`
}

// ServerSettings configures the serve and history commands.
type ServerSettings struct {
	Listen          string   `glazed:"listen"`
	AcceptedKeys    []string `glazed:"accepted-keys"`
	SigningKey      string   `glazed:"signing-key"`
	TokenTTLSeconds int      `glazed:"token-ttl-seconds"`
	// HistoryDB is a sqlite file for message history. Empty keeps history in
	// memory.
	HistoryDB string `glazed:"history-db"`
}

// SourceSettings locates the files read before the sections are parsed.
type SourceSettings struct {
	ConfigFile string `glazed:"config-file"`
	EnvFile    string `glazed:"env-file"`
}

type Settings struct {
	ClientSettings
	ServerSettings
	Redis pubsub.RedisSettings
	// TokenTTL is the lifetime of issued session tokens, from
	// ServerSettings.TokenTTLSeconds.
	TokenTTL time.Duration
}

func defaultClient() ClientSettings {
	return ClientSettings{
		ServerURL: "ws://localhost:8089/ws",
		Channel:   "sample-app",
		AuthMode:  credentials.ModePublishableKey.String(),
	}
}

func defaultServer() ServerSettings {
	return ServerSettings{
		Listen:          ":8089",
		TokenTTLSeconds: 15 * 60,
	}
}

func Defaults() *Settings {
	s := &Settings{
		ClientSettings: defaultClient(),
		ServerSettings: defaultServer(),
		Redis:          pubsub.DefaultRedisSettings(),
	}
	s.TokenTTL = time.Duration(s.TokenTTLSeconds) * time.Second
	return s
}

// FromValues decodes the named sections of parsed over the defaults. Sections
// that are not named keep their defaults.
func FromValues(parsed *values.Values, slugs ...string) (*Settings, error) {
	if parsed == nil {
		return nil, errors.New("parsed values are nil")
	}
	s := Defaults()
	for _, slug := range slugs {
		var target any
		switch slug {
		case ClientSlug:
			target = &s.ClientSettings
		case ServerSlug:
			target = &s.ServerSettings
		case pubsub.RedisSlug:
			target = &s.Redis
		default:
			return nil, errors.Errorf("unknown settings section %q", slug)
		}
		if err := parsed.DecodeSectionInto(slug, target); err != nil {
			return nil, errors.Wrapf(err, "decode %s settings", slug)
		}
	}
	s.AcceptedKeys = trimList(s.AcceptedKeys)
	s.TokenTTL = time.Duration(s.TokenTTLSeconds) * time.Second
	return s, nil
}

func trimList(in []string) []string {
	var out []string
	for _, item := range in {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ValidateClient checks what the run command needs.
func (s *Settings) ValidateClient() error {
	if strings.TrimSpace(s.ServerURL) == "" {
		return errors.New("server url is required")
	}
	if strings.TrimSpace(s.Channel) == "" {
		return errors.New("channel is required")
	}
	mode, err := credentials.ParseMode(s.AuthMode)
	if err != nil {
		return err
	}
	switch mode {
	case credentials.ModePublishableKey:
		if strings.TrimSpace(s.PublishableKey) == "" {
			return errors.New("publishable key is required in publishable-key mode")
		}
	case credentials.ModeSessionToken:
		if strings.TrimSpace(s.SessionToken) == "" && strings.TrimSpace(s.TokenURL) == "" {
			return errors.New("session-token mode needs a session token or a token url")
		}
	}
	return nil
}

// ValidateServer checks what the serve command needs.
func (s *Settings) ValidateServer() error {
	if strings.TrimSpace(s.Listen) == "" {
		return errors.New("listen address is required")
	}
	if s.TokenTTL < 0 {
		return errors.New("token ttl must not be negative")
	}
	if s.Redis.Enabled && strings.TrimSpace(s.Redis.Addr) == "" {
		return errors.New("redis address is required when redis is enabled")
	}
	return nil
}

// Mode returns the parsed auth mode.
func (s *Settings) Mode() (credentials.Mode, error) {
	return credentials.ParseMode(s.AuthMode)
}
