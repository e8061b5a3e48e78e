package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opd-ai/newswire/message"
)

// GetReadStatus returns the read status for a (message, user) pair.
func (s *SQLiteStore) GetReadStatus(ctx context.Context, messageID, userID string) (message.ReadStatus, bool, error) {
	var status message.ReadStatus
	err := s.db.GetContext(ctx, &status, `
		SELECT message_id, user_id, first_shown_date, last_shown_date, read_date
		FROM read_statuses WHERE message_id = ? AND user_id = ?`,
		messageID, userID)
	if err == sql.ErrNoRows {
		return message.ReadStatus{}, false, nil
	}
	if err != nil {
		return message.ReadStatus{}, false, fmt.Errorf("getting read status %s/%s: %w", messageID, userID, err)
	}
	return status, true, nil
}

// ListReadStatuses returns all read statuses for one message.
func (s *SQLiteStore) ListReadStatuses(ctx context.Context, messageID string) ([]message.ReadStatus, error) {
	var statuses []message.ReadStatus
	err := s.db.SelectContext(ctx, &statuses, `
		SELECT message_id, user_id, first_shown_date, last_shown_date, read_date
		FROM read_statuses WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing read statuses for %q: %w", messageID, err)
	}
	return statuses, nil
}

// MarkShown records a display: creates the row on first sight, always
// advances last_shown_date.
func (s *SQLiteStore) MarkShown(ctx context.Context, messageID, userID string, shownAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO read_statuses (message_id, user_id, first_shown_date, last_shown_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET last_shown_date = excluded.last_shown_date`,
		messageID, userID, shownAt, shownAt)
	if err != nil {
		return fmt.Errorf("marking shown %s/%s: %w", messageID, userID, err)
	}
	return nil
}

// MarkRead sets read_date once; later calls leave the first value in
// place.
func (s *SQLiteStore) MarkRead(ctx context.Context, messageID, userID string, readAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO read_statuses (message_id, user_id, first_shown_date, last_shown_date, read_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET read_date = COALESCE(read_statuses.read_date, excluded.read_date)`,
		messageID, userID, readAt, readAt, readAt)
	if err != nil {
		return fmt.Errorf("marking read %s/%s: %w", messageID, userID, err)
	}
	return nil
}

// GetLastExecution returns the recorded last execution instant for a
// (source, operation) pair.
func (s *SQLiteStore) GetLastExecution(ctx context.Context, source, operation string) (time.Time, bool, error) {
	var at time.Time
	err := s.db.GetContext(ctx, &at, `
		SELECT last_execution FROM source_executions
		WHERE source = ? AND operation = ?`, source, operation)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("getting last execution %s/%s: %w", source, operation, err)
	}
	return at, true, nil
}

// SetLastExecution records the last execution instant for a
// (source, operation) pair.
func (s *SQLiteStore) SetLastExecution(ctx context.Context, source, operation string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_executions (source, operation, last_execution)
		VALUES (?, ?, ?)
		ON CONFLICT (source, operation)
		DO UPDATE SET last_execution = excluded.last_execution`,
		source, operation, at)
	if err != nil {
		return fmt.Errorf("setting last execution %s/%s: %w", source, operation, err)
	}
	return nil
}

// GetClientToken returns the stored client token for a source.
func (s *SQLiteStore) GetClientToken(ctx context.Context, source string) (string, bool, error) {
	var token string
	err := s.db.GetContext(ctx, &token,
		"SELECT client_token FROM source_tokens WHERE source = ?", source)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting client token for %q: %w", source, err)
	}
	return token, true, nil
}

// SetClientToken stores the client token for a source.
func (s *SQLiteStore) SetClientToken(ctx context.Context, source, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_tokens (source, client_token) VALUES (?, ?)
		ON CONFLICT (source) DO UPDATE SET client_token = excluded.client_token`,
		source, token)
	if err != nil {
		return fmt.Errorf("setting client token for %q: %w", source, err)
	}
	return nil
}
