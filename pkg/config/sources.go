package config

import (
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	appconfig "github.com/go-go-golems/glazed/pkg/config"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/panel/pkg/realtime/pubsub"
)

// Middlewares layers the sources of every chat-sample command, highest
// priority first. Pass it to cli.WithCobraMiddlewaresFunc.
func Middlewares(_ *values.Values, cmd *cobra.Command, args []string) ([]sources.Middleware, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	configFile, err := ResolveConfigFile(cmd)
	if err != nil {
		return nil, err
	}

	mws := []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv(EnvPrefix,
			fields.WithSource("env"),
		),
	}
	if configFile != "" {
		if err := CheckConfigFile(configFile); err != nil {
			return nil, err
		}
		log.Debug().Str("component", "config").Str("path", configFile).Msg("loading settings file")
		mws = append(mws, sources.FromFile(configFile,
			sources.WithParseOptions(fields.WithSource("config")),
		))
	}
	mws = append(mws, sources.FromDefaults())
	return mws, nil
}

// LoadEnvFile fills unset environment variables from a dotenv file. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return errors.Wrapf(err, "load %s", path)
	}
	return nil
}

// ResolveConfigFile picks the settings file: --config-file, then
// PANEL_CONFIG_FILE, then the app config path (for example
// ~/.config/panel/config.yaml). It returns "" when there is none.
func ResolveConfigFile(cmd *cobra.Command) (string, error) {
	if cmd != nil {
		if p, _ := cmd.Flags().GetString("config-file"); p != "" {
			return p, nil
		}
	}
	if p := os.Getenv(EnvPrefix + "_CONFIG_FILE"); p != "" {
		return p, nil
	}
	p, err := appconfig.ResolveAppConfigPath(AppName, "")
	if err != nil || p == "" {
		return "", nil
	}
	return p, nil
}

// fileSections lists the sections a settings file may set, with the struct
// whose glazed tags name their fields.
var fileSections = map[string]any{
	ClientSlug:       ClientSettings{},
	ServerSlug:       ServerSettings{},
	pubsub.RedisSlug: pubsub.RedisSettings{},
}

// CheckConfigFile rejects settings files with unknown sections or fields, so
// a typo does not silently fall back to a default.
func CheckConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	doc := map[string]map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}

	var unknown []string
	for slug, entries := range doc {
		proto, ok := fileSections[slug]
		if !ok {
			unknown = append(unknown, slug)
			continue
		}
		known := glazedNames(proto)
		for name := range entries {
			if _, ok := known[name]; !ok {
				unknown = append(unknown, slug+"."+name)
			}
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return errors.Errorf("config %s: unknown settings %s", path, strings.Join(unknown, ", "))
	}
	return nil
}

func glazedNames(v any) map[string]struct{} {
	t := reflect.TypeOf(v)
	out := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if name := t.Field(i).Tag.Get("glazed"); name != "" {
			out[name] = struct{}{}
		}
	}
	return out
}
