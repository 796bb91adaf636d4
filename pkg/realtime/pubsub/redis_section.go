package pubsub

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const RedisSlug = "redis"

// RedisSettings configures the Redis Streams fan-out. When Enabled is false the
// backend fans out in process.
type RedisSettings struct {
	Enabled bool   `glazed:"redis-enabled"`
	Addr    string `glazed:"redis-addr"`
	// Group is the consumer group of this instance. Empty picks a unique one so
	// every instance sees every message.
	Group    string `glazed:"redis-group"`
	Consumer string `glazed:"redis-consumer"`
}

func DefaultRedisSettings() RedisSettings {
	return RedisSettings{Addr: "localhost:6379", Consumer: "panel-1"}
}

// NewRedisSection returns the section definition for RedisSettings.
func NewRedisSection() (schema.Section, error) {
	d := DefaultRedisSettings()
	return schema.NewSection(
		RedisSlug,
		"Redis Streams fan-out between server instances",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(d.Enabled), fields.WithHelp("Fan messages out through Redis Streams")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault(d.Addr), fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault(d.Group), fields.WithHelp("Redis consumer group, unique per instance when empty")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault(d.Consumer), fields.WithHelp("Redis consumer name")),
		),
	)
}
