package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/syncdrax/relay/internal/chat"
)

// Postgres is the production Store backed by PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens and verifies a connection pool for dsn.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// NewPostgres creates a store backed by the given database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// AppendMessage inserts msg and fills in its ID and CreatedAt.
func (p *Postgres) AppendMessage(ctx context.Context, msg *chat.Message) error {
	return insertMessage(ctx, p.db, msg)
}

func insertMessage(ctx context.Context, q queryer, msg *chat.Message) error {
	if msg.Reactions == nil {
		msg.Reactions = chat.Reactions{}
	}
	reactions, err := json.Marshal(msg.Reactions)
	if err != nil {
		return fmt.Errorf("store: marshal reactions: %w", err)
	}

	const query = `
		INSERT INTO chat_messages
			(channel_id, dm_to_user_id, sender_id, sender_name, content, file_url, file_name, reactions, pinned, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`

	err = q.QueryRowContext(ctx, query,
		nullInt(msg.ChannelID),
		nullInt(msg.DMToUserID),
		msg.SenderID,
		msg.SenderName,
		msg.Content,
		nullString(msg.FileURL),
		nullString(msg.FileName),
		reactions,
		msg.Pinned,
		nullInt(msg.ParentID),
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return nil
}

// ToggleReaction locks the message row, toggles the vote and writes the
// updated map back in one transaction, so concurrent toggles never lose an
// update.
func (p *Postgres) ToggleReaction(ctx context.Context, messageID int64, emoji string, userID int64) (chat.Reactions, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT reactions FROM chat_messages WHERE id = $1 FOR UPDATE`, messageID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: select reactions: %w", err)
	}

	reactions := chat.Reactions{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reactions); err != nil {
			return nil, fmt.Errorf("store: decode reactions for message %d: %w", messageID, err)
		}
	}
	reactions.Toggle(emoji, userID)

	updated, err := json.Marshal(reactions)
	if err != nil {
		return nil, fmt.Errorf("store: marshal reactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chat_messages SET reactions = $1 WHERE id = $2`, updated, messageID); err != nil {
		return nil, fmt.Errorf("store: update reactions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return reactions, nil
}

// ResolveUserName returns the user's display name.
func (p *Postgres) ResolveUserName(ctx context.Context, userID int64) (string, error) {
	var name string
	err := p.db.QueryRowContext(ctx, `SELECT name FROM users WHERE id = $1`, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", chat.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: resolve user %d: %w", userID, err)
	}
	return name, nil
}

// FetchDueScheduled returns unsent records with send_at at or before now,
// oldest first.
func (p *Postgres) FetchDueScheduled(ctx context.Context, now time.Time) ([]chat.ScheduledMessage, error) {
	const query = `
		SELECT id, sender_id, sender_name, channel_id, dm_to_user_id, content, send_at, sent, created_at
		FROM scheduled_messages
		WHERE NOT sent AND send_at <= $1
		ORDER BY send_at, id`

	rows, err := p.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("store: fetch due scheduled: %w", err)
	}
	defer rows.Close()

	var due []chat.ScheduledMessage
	for rows.Next() {
		var (
			s         chat.ScheduledMessage
			channelID sql.NullInt64
			dmTo      sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.SenderID, &s.SenderName, &channelID, &dmTo, &s.Content, &s.SendAt, &s.Sent, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan scheduled: %w", err)
		}
		s.ChannelID = intPtr(channelID)
		s.DMToUserID = intPtr(dmTo)
		due = append(due, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate scheduled: %w", err)
	}
	return due, nil
}

// DeliverScheduled claims the record and inserts its message in one
// transaction. A record another cycle already claimed yields
// chat.ErrAlreadySent and no message.
func (p *Postgres) DeliverScheduled(ctx context.Context, s chat.ScheduledMessage) (*chat.Message, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE scheduled_messages SET sent = true WHERE id = $1 AND NOT sent`, s.ID)
	if err != nil {
		return nil, fmt.Errorf("store: mark scheduled %d sent: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: mark scheduled %d sent: %w", s.ID, err)
	}
	if n == 0 {
		return nil, chat.ErrAlreadySent
	}

	msg := s.Message()
	if err := insertMessage(ctx, tx, msg); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return msg, nil
}

// Schedule inserts a scheduled message and returns its id. The relay itself
// never schedules; this exists for the CRUD side and tests.
func (p *Postgres) Schedule(ctx context.Context, s chat.ScheduledMessage) (int64, error) {
	const query = `
		INSERT INTO scheduled_messages (sender_id, sender_name, channel_id, dm_to_user_id, content, send_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id int64
	err := p.db.QueryRowContext(ctx, query,
		s.SenderID, s.SenderName, nullInt(s.ChannelID), nullInt(s.DMToUserID), s.Content, s.SendAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert scheduled: %w", err)
	}
	return id, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
