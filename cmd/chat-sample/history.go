package main

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/panel/pkg/config"
	"github.com/go-go-golems/panel/pkg/realtime/history"
)

func newHistoryCommand() (*cobra.Command, error) {
	group := &cobra.Command{
		Use:   "history",
		Short: "Inspect the sqlite message history a server recorded",
	}
	channels, err := NewHistoryChannelsCommand()
	if err != nil {
		return nil, err
	}
	messages, err := NewHistoryMessagesCommand()
	if err != nil {
		return nil, err
	}
	for _, c := range []cmds.Command{channels, messages} {
		cobraCmd, err := buildCommand(c)
		if err != nil {
			return nil, err
		}
		group.AddCommand(cobraCmd)
	}
	return group, nil
}

// historySections are shared by the history commands: the server section
// carries history-db, the glazed sections carry output formatting.
func historySections() ([]schema.Section, error) {
	var out []schema.Section
	for _, build := range []func() (schema.Section, error){
		config.NewServerSection,
		config.NewSourcesSection,
		func() (schema.Section, error) { return settings.NewGlazedSection() },
		func() (schema.Section, error) { return cli.NewCommandSettingsSection() },
	} {
		s, err := build()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func openHistory(parsed *values.Values) (*history.SQLiteStore, error) {
	s, err := config.FromValues(parsed, config.ServerSlug)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.HistoryDB) == "" {
		return nil, errors.New("history-db is required")
	}
	dsn, err := history.SQLiteDSNForFile(s.HistoryDB)
	if err != nil {
		return nil, err
	}
	store, err := history.NewSQLiteStore(dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open history %s", s.HistoryDB)
	}
	return store, nil
}

type HistoryChannelsCommand struct {
	*cmds.CommandDescription
}

type HistoryChannelsSettings struct {
	Since string `glazed:"since"`
	Limit int    `glazed:"limit"`
}

func NewHistoryChannelsCommand() (*HistoryChannelsCommand, error) {
	sections, err := historySections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"channels",
		cmds.WithShort("List recorded channels"),
		cmds.WithLong("List channels with message counts, most recently active first."),
		cmds.WithFlags(
			fields.New("since", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Only channels active since this RFC3339 time")),
			fields.New("limit", fields.TypeInteger, fields.WithDefault(history.DefaultListLimit), fields.WithHelp("Maximum number of channels")),
		),
		cmds.WithSections(sections...),
	)
	return &HistoryChannelsCommand{CommandDescription: desc}, nil
}

func (c *HistoryChannelsCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	hs := &HistoryChannelsSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, hs); err != nil {
		return err
	}
	var since time.Time
	if hs.Since != "" {
		t, err := time.Parse(time.RFC3339, hs.Since)
		if err != nil {
			return errors.Wrap(err, "since must be RFC3339")
		}
		since = t
	}
	store, err := openHistory(parsed)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rows, err := channelRows(ctx, store, hs.Limit, since)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func channelRows(ctx context.Context, store history.Store, limit int, since time.Time) ([]types.Row, error) {
	chans, err := store.ListChannels(ctx, limit, since)
	if err != nil {
		return nil, err
	}
	rows := make([]types.Row, 0, len(chans))
	for _, ch := range chans {
		rows = append(rows, types.NewRow(
			types.MRP("channel_id", ch.ChannelID),
			types.MRP("message_count", ch.MessageCount),
			types.MRP("first_seen", ch.FirstSeen.Format(time.RFC3339)),
			types.MRP("last_activity", ch.LastActivity.Format(time.RFC3339)),
		))
	}
	return rows, nil
}

type HistoryMessagesCommand struct {
	*cmds.CommandDescription
}

type HistoryMessagesSettings struct {
	Channel string `glazed:"channel"`
	Limit   int    `glazed:"limit"`
}

func NewHistoryMessagesCommand() (*HistoryMessagesCommand, error) {
	sections, err := historySections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"messages",
		cmds.WithShort("Show the most recent messages of a channel"),
		cmds.WithFlags(
			fields.New("channel", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Channel id")),
			fields.New("limit", fields.TypeInteger, fields.WithDefault(history.DefaultRecentLimit), fields.WithHelp("Maximum number of messages")),
		),
		cmds.WithSections(sections...),
	)
	return &HistoryMessagesCommand{CommandDescription: desc}, nil
}

func (c *HistoryMessagesCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	hs := &HistoryMessagesSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, hs); err != nil {
		return err
	}
	if strings.TrimSpace(hs.Channel) == "" {
		return errors.New("channel is required")
	}
	store, err := openHistory(parsed)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rows, err := messageRows(ctx, store, hs.Channel, hs.Limit)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func messageRows(ctx context.Context, store history.Store, channelID string, limit int) ([]types.Row, error) {
	msgs, err := store.Recent(ctx, channelID, limit)
	if err != nil {
		return nil, err
	}
	rows := make([]types.Row, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, types.NewRow(
			types.MRP("id", m.ID),
			types.MRP("sent_at", m.SentAt.Format(time.RFC3339)),
			types.MRP("sender_id", m.SenderID),
			types.MRP("sender_name", m.SenderName),
			types.MRP("text", m.Text),
		))
	}
	return rows, nil
}

var (
	_ cmds.GlazeCommand = &HistoryChannelsCommand{}
	_ cmds.GlazeCommand = &HistoryMessagesCommand{}
)
