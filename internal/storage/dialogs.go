package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Dialogs ---

// History returns up to MaxHistory messages of the dialog in insertion order.
func (s *Store) History(ctx context.Context, key DialogKey) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM (
			SELECT id, role, content, created_at FROM messages
			WHERE dialog_key = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, string(key), s.maxHistory)
	if err != nil {
		return nil, unavailable("querying history", err)
	}
	defer rows.Close()

	var history []Message
	for rows.Next() {
		var m Message
		var role, createdAt string
		if err := rows.Scan(&role, &m.Content, &createdAt); err != nil {
			return nil, unavailable("scanning history", err)
		}
		m.Role = Role(role)
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating history", err)
	}
	return history, nil
}

// AppendMessage inserts msg and evicts the oldest messages beyond MaxHistory
// in the same transaction. Calls for one key are serialized.
func (s *Store) AppendMessage(ctx context.Context, key DialogKey, msg Message) error {
	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return fmt.Errorf("invalid role %q", msg.Role)
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	unlock := s.locks.lock(key)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning append transaction", err)
	}
	defer tx.Rollback()

	if blocked, err := isBlacklistedTx(ctx, tx, key); err != nil {
		return err
	} else if blocked {
		return ErrBlacklisted
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (dialog_key, role, content, created_at) VALUES (?, ?, ?, ?)`,
		string(key), string(msg.Role), msg.Content, formatTime(createdAt),
	); err != nil {
		return unavailable("inserting message", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE dialog_key = ?`, string(key)).Scan(&count); err != nil {
		return unavailable("counting messages", err)
	}

	if overflow := count - s.maxHistory; overflow > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE id IN (
				SELECT id FROM messages WHERE dialog_key = ? ORDER BY id ASC LIMIT ?
			)`, string(key), overflow,
		); err != nil {
			return unavailable("evicting messages", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing append", err)
	}
	return nil
}

// ReminderStage returns the dialog's reminder stage, StageActive when absent.
func (s *Store) ReminderStage(ctx context.Context, key DialogKey) (int, error) {
	var stage int
	err := s.db.QueryRowContext(ctx, `SELECT stage FROM reminder_stages WHERE dialog_key = ?`, string(key)).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return StageActive, nil
	}
	if err != nil {
		return 0, unavailable("reading reminder stage", err)
	}
	return stage, nil
}

// SetReminderStage upserts the stage. Blacklisted dialogs never get a stage row.
func (s *Store) SetReminderStage(ctx context.Context, key DialogKey, stage int) error {
	if stage < StageActive || stage > StageFinalReminded {
		return fmt.Errorf("invalid reminder stage %d", stage)
	}

	unlock := s.locks.lock(key)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning stage transaction", err)
	}
	defer tx.Rollback()

	if blocked, err := isBlacklistedTx(ctx, tx, key); err != nil {
		return err
	} else if blocked {
		return ErrBlacklisted
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reminder_stages (dialog_key, stage, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(dialog_key) DO UPDATE SET stage = excluded.stage, updated_at = excluded.updated_at`,
		string(key), stage, formatTime(time.Now()),
	); err != nil {
		return unavailable("upserting reminder stage", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing reminder stage", err)
	}
	return nil
}

// AdvanceReminderStage moves the stage from `from` to `to` only if the dialog
// is still at `from` and not blacklisted. It reports whether the row changed.
func (s *Store) AdvanceReminderStage(ctx context.Context, key DialogKey, from, to int) (bool, error) {
	if to <= from || to > StageFinalReminded {
		return false, fmt.Errorf("invalid reminder transition %d -> %d", from, to)
	}

	unlock := s.locks.lock(key)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("beginning advance transaction", err)
	}
	defer tx.Rollback()

	if blocked, err := isBlacklistedTx(ctx, tx, key); err != nil {
		return false, err
	} else if blocked {
		return false, nil
	}

	current := StageActive
	err = tx.QueryRowContext(ctx, `SELECT stage FROM reminder_stages WHERE dialog_key = ?`, string(key)).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, unavailable("reading reminder stage", err)
	}
	if current != from {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reminder_stages (dialog_key, stage, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(dialog_key) DO UPDATE SET stage = excluded.stage, updated_at = excluded.updated_at`,
		string(key), to, formatTime(time.Now()),
	); err != nil {
		return false, unavailable("advancing reminder stage", err)
	}

	if err := tx.Commit(); err != nil {
		return false, unavailable("committing reminder stage", err)
	}
	return true, nil
}

// IsBlacklisted reports whether the dialog is excluded from automatic handling.
func (s *Store) IsBlacklisted(ctx context.Context, key DialogKey) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blacklist WHERE dialog_key = ?`, string(key)).Scan(&n); err != nil {
		return false, unavailable("checking blacklist", err)
	}
	return n > 0, nil
}

// BlacklistReason returns the recorded reason, or ErrNotFound.
func (s *Store) BlacklistReason(ctx context.Context, key DialogKey) (BlacklistReason, error) {
	var reason string
	err := s.db.QueryRowContext(ctx, `SELECT reason FROM blacklist WHERE dialog_key = ?`, string(key)).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable("reading blacklist reason", err)
	}
	return BlacklistReason(reason), nil
}

// Blacklist records the dialog as blacklisted and purges its messages and
// reminder stage in one transaction. Repeated calls keep the first reason.
func (s *Store) Blacklist(ctx context.Context, key DialogKey, reason BlacklistReason) error {
	switch reason {
	case ReasonBannedWord, ReasonEscalated, ReasonOther:
	default:
		return fmt.Errorf("invalid blacklist reason %q", reason)
	}

	unlock := s.locks.lock(key)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning blacklist transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blacklist (dialog_key, reason, created_at) VALUES (?, ?, ?)
		ON CONFLICT(dialog_key) DO NOTHING`,
		string(key), string(reason), formatTime(time.Now()),
	); err != nil {
		return unavailable("inserting blacklist entry", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE dialog_key = ?`, string(key)); err != nil {
		return unavailable("purging messages", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reminder_stages WHERE dialog_key = ?`, string(key)); err != nil {
		return unavailable("purging reminder stage", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing blacklist", err)
	}
	return nil
}

// LastUserActivity returns the timestamp of the newest user message.
// The boolean is false when the dialog has no user messages.
func (s *Store) LastUserActivity(ctx context.Context, key DialogKey) (time.Time, bool, error) {
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM messages
		WHERE dialog_key = ? AND role = 'user'
		ORDER BY id DESC LIMIT 1`, string(key),
	).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, unavailable("reading last user activity", err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing created_at: %w", err)
	}
	return t, true, nil
}

// KnownDialogKeys lists every dialog that currently has history.
func (s *Store) KnownDialogKeys(ctx context.Context) ([]DialogKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT dialog_key FROM messages ORDER BY dialog_key`)
	if err != nil {
		return nil, unavailable("listing dialog keys", err)
	}
	defer rows.Close()

	var keys []DialogKey
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, unavailable("scanning dialog key", err)
		}
		keys = append(keys, DialogKey(k))
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating dialog keys", err)
	}
	return keys, nil
}

// ResetDialogs wipes all dialog state, including the blacklist. This is the
// administrative reset; nothing in the conversation flow calls it.
func (s *Store) ResetDialogs(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning reset transaction", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"blacklist", "messages", "reminder_stages"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return unavailable("clearing "+table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing reset", err)
	}
	return nil
}

func isBlacklistedTx(ctx context.Context, tx *sql.Tx, key DialogKey) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM blacklist WHERE dialog_key = ?`, string(key)).Scan(&n); err != nil {
		return false, unavailable("checking blacklist", err)
	}
	return n > 0, nil
}
