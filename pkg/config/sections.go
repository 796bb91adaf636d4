package config

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"

	"github.com/go-go-golems/panel/pkg/credentials"
)

func NewClientSection() (schema.Section, error) {
	d := defaultClient()
	return schema.NewSection(
		ClientSlug,
		"Panel client",
		schema.WithFields(
			fields.New("server-url", fields.TypeString, fields.WithDefault(d.ServerURL), fields.WithHelp("Websocket url of the realtime server")),
			fields.New("channel", fields.TypeString, fields.WithDefault(d.Channel), fields.WithHelp("Channel to join")),
			fields.New("user-id", fields.TypeString, fields.WithDefault(""), fields.WithHelp("User id, generated when empty")),
			fields.New("display-name", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Display name shown to other members, asked for on a terminal when empty")),
			fields.New("avatar-url", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Avatar url shown to other members")),
			fields.New("auth-mode", fields.TypeChoice,
				fields.WithDefault(d.AuthMode),
				fields.WithChoices(credentials.ModePublishableKey.String(), credentials.ModeSessionToken.String()),
				fields.WithHelp("How the client authenticates"),
			),
			fields.New("publishable-key", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Publishable key")),
			fields.New("session-token", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Session token")),
			fields.New("token-url", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Url that provisions session tokens")),
			fields.New("panel-config", fields.TypeString, fields.WithDefault(""), fields.WithHelp("YAML file with the chat panel configuration")),
		),
	)
}

func NewServerSection() (schema.Section, error) {
	d := defaultServer()
	return schema.NewSection(
		ServerSlug,
		"Realtime chat server",
		schema.WithFields(
			fields.New("listen", fields.TypeString, fields.WithDefault(d.Listen), fields.WithHelp("Address the server listens on")),
			fields.New("accepted-keys", fields.TypeStringList, fields.WithDefault([]string{}), fields.WithHelp("Publishable keys the server accepts, any when empty")),
			fields.New("signing-key", fields.TypeString, fields.WithDefault(""), fields.WithHelp("HMAC key for issuing and verifying session tokens")),
			fields.New("token-ttl-seconds", fields.TypeInteger, fields.WithDefault(d.TokenTTLSeconds), fields.WithHelp("Lifetime of issued session tokens in seconds")),
			fields.New("history-db", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Sqlite file for message history, in memory when empty")),
		),
	)
}

// NewSourcesSection declares the files Middlewares reads. They are looked up
// on the command line before the other sections are parsed.
func NewSourcesSection() (schema.Section, error) {
	return schema.NewSection(
		SourcesSlug,
		"Settings sources",
		schema.WithFields(
			fields.New("config-file", fields.TypeString, fields.WithDefault(""), fields.WithHelp("YAML settings file, keyed by section")),
			fields.New("env-file", fields.TypeString, fields.WithDefault(".env"), fields.WithHelp("Dotenv file read before the environment")),
		),
	)
}
