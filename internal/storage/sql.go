package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "chatnotify/pkg/logx"
)

type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
}

func (s *sqlStore) migrate(ctx context.Context) error {
	stmts, err := s.dialect.statements()
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// ---- presence ----

func (s *sqlStore) UpsertPresence(ctx context.Context, userID, conversationID string, seen time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(userID) == "" {
		return errors.New("presence: user id required")
	}
	_, err := s.exec(ctx,
		`INSERT INTO presence(user_id, active_conversation_id, last_seen) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   active_conversation_id = excluded.active_conversation_id,
		   last_seen = excluded.last_seen`,
		userID, nullStr(conversationID), seen.UnixMilli(),
	)
	return err
}

func (s *sqlStore) ClearPresence(ctx context.Context, userID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.exec(ctx, `UPDATE presence SET active_conversation_id = NULL WHERE user_id = ?`, userID)
	return err
}

func (s *sqlStore) GetPresence(ctx context.Context, userID string) (PresenceRecord, bool, error) {
	if s == nil || s.db == nil {
		return PresenceRecord{}, false, ErrDisabled
	}
	var (
		active sql.NullString
		seen   int64
	)
	err := s.queryRow(ctx, `SELECT active_conversation_id, last_seen FROM presence WHERE user_id = ?`, userID).Scan(&active, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return PresenceRecord{}, false, nil
	}
	if err != nil {
		return PresenceRecord{}, false, err
	}
	return PresenceRecord{UserID: userID, ActiveConversationID: active.String, LastSeen: time.UnixMilli(seen)}, true, nil
}

// ---- pending batches ----

const batchColumns = `id, recipient_id, sender_id, sender_display_name, conversation_id, subject_label,
	message_count, first_message_preview, first_message_at, last_message_at`

func (s *sqlStore) UpsertBatch(ctx context.Context, m BatchMessage) (PendingBatch, error) {
	if s == nil || s.db == nil {
		return PendingBatch{}, ErrDisabled
	}
	at := m.At
	if at.IsZero() {
		at = time.Now()
	}
	ms := at.UnixMilli()

	// first_message_* are never part of the update set; last_message_at only moves forward.
	row := s.queryRow(ctx,
		`INSERT INTO pending_batch(`+batchColumns+`)
		 VALUES(?,?,?,?,?,?,1,?,?,?)
		 ON CONFLICT(recipient_id, sender_id, conversation_id) DO UPDATE SET
		   message_count = pending_batch.message_count + 1,
		   last_message_at = CASE WHEN excluded.last_message_at > pending_batch.last_message_at
		     THEN excluded.last_message_at ELSE pending_batch.last_message_at END,
		   sender_display_name = excluded.sender_display_name,
		   subject_label = CASE WHEN excluded.subject_label <> ''
		     THEN excluded.subject_label ELSE pending_batch.subject_label END
		 RETURNING `+batchColumns,
		uuid.NewString(), m.RecipientID, m.SenderID, m.SenderDisplayName, m.ConversationID, m.SubjectLabel,
		m.Content, ms, ms,
	)
	return scanBatch(row)
}

func (s *sqlStore) GetBatch(ctx context.Context, recipientID, senderID, conversationID string) (PendingBatch, bool, error) {
	if s == nil || s.db == nil {
		return PendingBatch{}, false, ErrDisabled
	}
	b, err := scanBatch(s.queryRow(ctx,
		`SELECT `+batchColumns+` FROM pending_batch
		 WHERE recipient_id = ? AND sender_id = ? AND conversation_id = ?`,
		recipientID, senderID, conversationID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return PendingBatch{}, false, nil
	}
	if err != nil {
		return PendingBatch{}, false, err
	}
	return b, true, nil
}

func (s *sqlStore) ListMatured(ctx context.Context, cutoff time.Time, limit int) ([]PendingBatch, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT `+batchColumns+` FROM pending_batch
		 WHERE last_message_at < ?
		 ORDER BY last_message_at ASC
		 LIMIT ?`),
		cutoff.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteBatch(ctx context.Context, id string, messageCount int) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.exec(ctx, `DELETE FROM pending_batch WHERE id = ? AND message_count = ?`, id, messageCount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) DeleteConversation(ctx context.Context, recipientID, conversationID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.exec(ctx, `DELETE FROM pending_batch WHERE recipient_id = ? AND conversation_id = ?`, recipientID, conversationID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(r rowScanner) (PendingBatch, error) {
	var (
		b       PendingBatch
		firstMS int64
		lastMS  int64
	)
	if err := r.Scan(&b.ID, &b.RecipientID, &b.SenderID, &b.SenderDisplayName, &b.ConversationID, &b.SubjectLabel,
		&b.MessageCount, &b.FirstMessagePreview, &firstMS, &lastMS); err != nil {
		return PendingBatch{}, err
	}
	b.FirstMessageAt = time.UnixMilli(firstMS)
	b.LastMessageAt = time.UnixMilli(lastMS)
	return b, nil
}

// ---- usage counters ----

func (s *sqlStore) GetUsage(ctx context.Context, subject, day string) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, ErrDisabled
	}
	var n int64
	err := s.queryRow(ctx, `SELECT used FROM usage_counter WHERE subject = ? AND day = ?`, subject, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (s *sqlStore) InsertUsage(ctx context.Context, subject, day string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.exec(ctx,
		`INSERT INTO usage_counter(subject, day, used, updated_at) VALUES(?,?,0,?)`,
		subject, day, at.UnixMilli(),
	)
	if err != nil && s.dialect.isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlStore) IncrementUsage(ctx context.Context, subject, day string, at time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int64
	err := s.queryRow(ctx,
		`UPDATE usage_counter SET used = used + 1, updated_at = ?
		 WHERE subject = ? AND day = ?
		 RETURNING used`,
		at.UnixMilli(), subject, day,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
