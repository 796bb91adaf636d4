package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/panel/pkg/realtime/pubsub"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

type captureCommand struct {
	*cmds.CommandDescription
	parsed *values.Values
}

func (c *captureCommand) Run(_ context.Context, parsed *values.Values) error {
	c.parsed = parsed
	return nil
}

var _ cmds.BareCommand = &captureCommand{}

// parse runs args through every chat-sample section and the source layering.
func parse(t *testing.T, args ...string) (*values.Values, error) {
	t.Helper()
	var sections []schema.Section
	for _, build := range []func() (schema.Section, error){
		NewClientSection, NewServerSection, pubsub.NewRedisSection, NewSourcesSection,
	} {
		s, err := build()
		require.NoError(t, err)
		sections = append(sections, s)
	}
	c := &captureCommand{CommandDescription: cmds.NewCommandDescription("capture", cmds.WithSections(sections...))}
	cobraCmd, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(Middlewares))
	require.NoError(t, err)
	cobraCmd.SetArgs(args)
	cobraCmd.SilenceUsage = true
	cobraCmd.SilenceErrors = true
	if err := cobraCmd.Execute(); err != nil {
		return nil, err
	}
	require.NotNil(t, c.parsed)
	return c.parsed, nil
}

func TestLayering(t *testing.T) {
	cfgPath := writeFile(t, "panel.yaml", `
client:
  channel: from-file
  display-name: File Name
server:
  accepted-keys: [pk_live_a, pk_live_b]
  token-ttl-seconds: 300
  history-db: /var/lib/panel/history.db
redis:
  redis-enabled: true
  redis-addr: redis:6379
`)
	envPath := writeFile(t, "test.env", "PANEL_DISPLAY_NAME=Dotenv Name\nPANEL_USER_ID=from-dotenv\n")

	t.Setenv("PANEL_DISPLAY_NAME", "Env Name")
	t.Setenv("PANEL_REDIS_GROUP", "group-from-env")
	// godotenv only fills variables that are unset, and t.Setenv restores them
	t.Setenv("PANEL_USER_ID", "")
	require.NoError(t, os.Unsetenv("PANEL_USER_ID"))

	parsed, err := parse(t, "--config-file", cfgPath, "--env-file", envPath, "--channel", "from-flag")
	require.NoError(t, err)
	s, err := FromValues(parsed, ClientSlug, ServerSlug, pubsub.RedisSlug)
	require.NoError(t, err)

	require.Equal(t, "from-flag", s.Channel)
	require.Equal(t, "Env Name", s.DisplayName)
	require.Equal(t, "from-dotenv", s.UserID)
	require.Equal(t, []string{"pk_live_a", "pk_live_b"}, s.AcceptedKeys)
	require.Equal(t, 5*time.Minute, s.TokenTTL)
	require.True(t, s.Redis.Enabled)
	require.Equal(t, "redis:6379", s.Redis.Addr)
	require.Equal(t, "group-from-env", s.Redis.Group)
	require.Equal(t, "panel-1", s.Redis.Consumer)
	require.Equal(t, ":8089", s.Listen)
	require.Equal(t, "/var/lib/panel/history.db", s.HistoryDB)
}

func TestConfigFileFromEnv(t *testing.T) {
	cfgPath := writeFile(t, "panel.yaml", "client:\n  channel: from-env-file\n")
	t.Setenv("PANEL_CONFIG_FILE", cfgPath)

	parsed, err := parse(t, "--env-file", "")
	require.NoError(t, err)
	s, err := FromValues(parsed, ClientSlug)
	require.NoError(t, err)
	require.Equal(t, "from-env-file", s.Channel)
}

func TestMissingEnvFileIsFine(t *testing.T) {
	t.Setenv("PANEL_CONFIG_FILE", "")
	parsed, err := parse(t, "--env-file", filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	s, err := FromValues(parsed, ClientSlug)
	require.NoError(t, err)
	require.Equal(t, "sample-app", s.Channel)
	require.Equal(t, "publishable-key", s.AuthMode)
}

func TestUnknownKeysRejected(t *testing.T) {
	p := writeFile(t, "bad.yaml", "client:\n  chanel: typo\nlogging:\n  level: debug\n")
	err := CheckConfigFile(p)
	require.Error(t, err)
	require.Contains(t, err.Error(), "client.chanel")
	require.Contains(t, err.Error(), "logging")

	_, err = parse(t, "--config-file", p, "--env-file", "")
	require.Error(t, err)

	require.NoError(t, CheckConfigFile(writeFile(t, "ok.yaml", "redis:\n  redis-addr: redis:6379\n")))
}

func TestFromValuesUnknownSection(t *testing.T) {
	_, err := FromValues(values.New(), "bogus")
	require.Error(t, err)
	_, err = FromValues(nil)
	require.Error(t, err)
}

func TestValidateClient(t *testing.T) {
	s := Defaults()
	require.Error(t, s.ValidateClient())

	s.PublishableKey = "pk_live_sample"
	require.NoError(t, s.ValidateClient())

	s.AuthMode = "session-token"
	require.Error(t, s.ValidateClient())
	s.TokenURL = "http://localhost:8089/token"
	require.NoError(t, s.ValidateClient())

	s.AuthMode = "carrier-pigeon"
	require.Error(t, s.ValidateClient())

	s = Defaults()
	s.PublishableKey = "pk_live_sample"
	s.Channel = " "
	require.Error(t, s.ValidateClient())
}

func TestValidateServer(t *testing.T) {
	s := Defaults()
	require.NoError(t, s.ValidateServer())
	s.Redis.Enabled = true
	s.Redis.Addr = ""
	require.Error(t, s.ValidateServer())
	s = Defaults()
	s.TokenTTL = -time.Second
	require.Error(t, s.ValidateServer())
}
