package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/panel/pkg/realtime"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

// SQLiteDSNForFile builds a DSN for a history database file.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite history: empty path")
	}
	// WAL lets /history readers run while the server appends.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite history: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite history: open")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channel_messages (
		  seq INTEGER PRIMARY KEY AUTOINCREMENT,
		  channel_id TEXT NOT NULL,
		  message_id TEXT NOT NULL,
		  sender_id TEXT NOT NULL,
		  sender_name TEXT NOT NULL DEFAULT '',
		  avatar_url TEXT NOT NULL DEFAULT '',
		  text TEXT NOT NULL,
		  sent_at_ns INTEGER NOT NULL,
		  UNIQUE (channel_id, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS channel_messages_by_sent
		  ON channel_messages(channel_id, sent_at_ns, seq);`,
		`CREATE TABLE IF NOT EXISTS channels (
		  channel_id TEXT PRIMARY KEY,
		  message_count INTEGER NOT NULL DEFAULT 0,
		  first_seen_ns INTEGER NOT NULL,
		  last_activity_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS channels_by_last_activity
		  ON channels(last_activity_ns DESC, channel_id ASC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite history: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, msg realtime.Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite history: db is nil")
	}
	msg, err := normalize(msg)
	if err != nil {
		return errors.Wrap(err, "sqlite history")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sentAt := msg.SentAt.UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite history: begin")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO channel_messages (
			channel_id, message_id, sender_id, sender_name, avatar_url, text, sent_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ChannelID, msg.ID, msg.SenderID, msg.SenderName, msg.AvatarURL, msg.Text, sentAt)
	if err != nil {
		return errors.Wrap(err, "sqlite history: insert message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite history: rows affected")
	}
	if n == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channels (channel_id, message_count, first_seen_ns, last_activity_ns)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			message_count = channels.message_count + 1,
			first_seen_ns = CASE
				WHEN excluded.first_seen_ns < channels.first_seen_ns THEN excluded.first_seen_ns
				ELSE channels.first_seen_ns
			END,
			last_activity_ns = CASE
				WHEN excluded.last_activity_ns > channels.last_activity_ns THEN excluded.last_activity_ns
				ELSE channels.last_activity_ns
			END
	`, msg.ChannelID, sentAt, sentAt)
	if err != nil {
		return errors.Wrap(err, "sqlite history: upsert channel")
	}
	return errors.Wrap(tx.Commit(), "sqlite history: commit")
}

func (s *SQLiteStore) Recent(ctx context.Context, channelID string, limit int) ([]realtime.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite history: db is nil")
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, errors.New("sqlite history: channel id is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, sender_id, sender_name, avatar_url, text, sent_at_ns
		FROM channel_messages
		WHERE channel_id = ?
		ORDER BY sent_at_ns DESC, seq DESC
		LIMIT ?
	`, channelID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite history: query messages")
	}
	defer func() { _ = rows.Close() }()

	msgs := make([]realtime.Message, 0, limit)
	for rows.Next() {
		var (
			m      realtime.Message
			sentAt int64
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &m.AvatarURL, &m.Text, &sentAt); err != nil {
			return nil, errors.Wrap(err, "sqlite history: scan message")
		}
		m.ChannelID = channelID
		m.SentAt = time.Unix(0, sentAt).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite history: iterate messages")
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) ListChannels(ctx context.Context, limit int, since time.Time) ([]ChannelRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite history: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT channel_id, message_count, first_seen_ns, last_activity_ns
		FROM channels
	`
	args := make([]any, 0, 2)
	if !since.IsZero() {
		query += ` WHERE last_activity_ns >= ?`
		args = append(args, since.UnixNano())
	}
	query += ` ORDER BY last_activity_ns DESC, channel_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite history: list channels")
	}
	defer func() { _ = rows.Close() }()

	var out []ChannelRecord
	for rows.Next() {
		var (
			rec         ChannelRecord
			first, last int64
		)
		if err := rows.Scan(&rec.ChannelID, &rec.MessageCount, &first, &last); err != nil {
			return nil, errors.Wrap(err, "sqlite history: scan channel")
		}
		rec.FirstSeen = time.Unix(0, first).UTC()
		rec.LastActivity = time.Unix(0, last).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite history: iterate channels")
	}
	return out, nil
}
