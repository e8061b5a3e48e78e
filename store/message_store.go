package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/newswire/message"
)

// messageRow is the flat scan target for the messages table.
type messageRow struct {
	ID                  string         `db:"id"`
	ThirdPartyName      string         `db:"third_party_name"`
	ThirdPartyMessageID string         `db:"third_party_message_id"`
	Title               string         `db:"title"`
	StartDate           time.Time      `db:"start_date"`
	EndDate             sql.NullTime   `db:"end_date"`
	Priority            int            `db:"priority"`
	TargetingQuery      string         `db:"targeting_query"`
	ManuallyCreated     bool           `db:"manually_created"`
	IconData            []byte         `db:"icon_data"`
	IconMimetype        sql.NullString `db:"icon_mimetype"`
	IconFilename        sql.NullString `db:"icon_filename"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r messageRow) toMessage() message.Message {
	msg := message.Message{
		ID:                  r.ID,
		ThirdPartyName:      r.ThirdPartyName,
		ThirdPartyMessageID: r.ThirdPartyMessageID,
		Title:               r.Title,
		StartDate:           r.StartDate,
		Priority:            r.Priority,
		TargetingQuery:      r.TargetingQuery,
		ManuallyCreated:     r.ManuallyCreated,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.EndDate.Valid {
		end := r.EndDate.Time
		msg.EndDate = &end
	}
	if len(r.IconData) > 0 {
		msg.Icon = &message.Icon{
			Data:     r.IconData,
			Mimetype: r.IconMimetype.String,
			Filename: r.IconFilename.String,
		}
	}
	return msg
}

const messageColumns = `id, third_party_name, third_party_message_id, title,
	start_date, end_date, priority, targeting_query, manually_created,
	icon_data, icon_mimetype, icon_filename, created_at, updated_at`

// ListBySource returns every message for a remote source, translations
// included, ordered by priority then start date.
func (s *SQLiteStore) ListBySource(ctx context.Context, thirdPartyName string) ([]message.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+messageColumns+` FROM messages
		WHERE third_party_name = ?
		ORDER BY priority ASC, start_date DESC`, thirdPartyName)
	if err != nil {
		return nil, fmt.Errorf("listing messages for %q: %w", thirdPartyName, err)
	}
	return s.attachTranslations(ctx, rows)
}

// List returns all messages, translations included.
func (s *SQLiteStore) List(ctx context.Context) ([]message.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+messageColumns+" FROM messages ORDER BY priority ASC, start_date DESC")
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return s.attachTranslations(ctx, rows)
}

// Get returns one message by record id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (message.Message, bool, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return message.Message{}, false, nil
	}
	if err != nil {
		return message.Message{}, false, fmt.Errorf("getting message %q: %w", id, err)
	}

	msg := row.toMessage()
	translations, err := s.ListTranslations(ctx, msg.ID)
	if err != nil {
		return message.Message{}, false, err
	}
	msg.Translations = translations
	return msg, true, nil
}

// Insert stores a new message and its translations.
func (s *SQLiteStore) Insert(ctx context.Context, msg *message.Message) error {
	if strings.TrimSpace(msg.Title) == "" {
		return fmt.Errorf("message title must not be empty")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	var iconData []byte
	var iconMimetype, iconFilename sql.NullString
	if msg.Icon != nil {
		iconData = msg.Icon.Data
		iconMimetype = sql.NullString{String: msg.Icon.Mimetype, Valid: true}
		iconFilename = sql.NullString{String: msg.Icon.Filename, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, third_party_name, third_party_message_id, title,
			start_date, end_date, priority, targeting_query, manually_created,
			icon_data, icon_mimetype, icon_filename, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ThirdPartyName, msg.ThirdPartyMessageID, msg.Title,
		msg.StartDate, nullTime(msg.EndDate), msg.Priority, msg.TargetingQuery, msg.ManuallyCreated,
		iconData, iconMimetype, iconFilename, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	for i := range msg.Translations {
		msg.Translations[i].MessageID = msg.ID
		if err := s.InsertTranslation(ctx, &msg.Translations[i]); err != nil {
			return err
		}
	}
	return nil
}

// Update overwrites the mutable fields of an existing message.
func (s *SQLiteStore) Update(ctx context.Context, msg *message.Message) error {
	msg.UpdatedAt = time.Now().UTC()

	var iconData []byte
	var iconMimetype, iconFilename sql.NullString
	if msg.Icon != nil {
		iconData = msg.Icon.Data
		iconMimetype = sql.NullString{String: msg.Icon.Mimetype, Valid: true}
		iconFilename = sql.NullString{String: msg.Icon.Filename, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			title = ?, start_date = ?, end_date = ?, priority = ?,
			targeting_query = ?, icon_data = ?, icon_mimetype = ?,
			icon_filename = ?, updated_at = ?
		WHERE id = ?`,
		msg.Title, msg.StartDate, nullTime(msg.EndDate), msg.Priority,
		msg.TargetingQuery, iconData, iconMimetype, iconFilename,
		msg.UpdatedAt, msg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating message %q: %w", msg.ID, err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return message.ErrNotFound
	}
	return nil
}

// Delete removes a message; translations and read statuses cascade via
// foreign keys.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting message %q: %w", id, err)
	}
	return nil
}

// ListTranslations returns the translations of one message.
func (s *SQLiteStore) ListTranslations(ctx context.Context, messageID string) ([]message.Translation, error) {
	var translations []message.Translation
	err := s.db.SelectContext(ctx, &translations, `
		SELECT id, message_id, language, title, text, url
		FROM translations WHERE message_id = ? ORDER BY language`, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing translations for %q: %w", messageID, err)
	}
	return translations, nil
}

// InsertTranslation stores a new translation.
func (s *SQLiteStore) InsertTranslation(ctx context.Context, tr *message.Translation) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO translations (id, message_id, language, title, text, url)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.MessageID, tr.Language, tr.Title, tr.Text, tr.URL,
	)
	if err != nil {
		return fmt.Errorf("inserting translation %s/%s: %w", tr.MessageID, tr.Language, err)
	}
	return nil
}

// UpdateTranslation overwrites title, text and url of an existing
// translation.
func (s *SQLiteStore) UpdateTranslation(ctx context.Context, tr *message.Translation) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE translations SET title = ?, text = ?, url = ?
		WHERE message_id = ? AND language = ?`,
		tr.Title, tr.Text, tr.URL, tr.MessageID, tr.Language,
	)
	if err != nil {
		return fmt.Errorf("updating translation %s/%s: %w", tr.MessageID, tr.Language, err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return message.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) attachTranslations(ctx context.Context, rows []messageRow) ([]message.Message, error) {
	messages := make([]message.Message, 0, len(rows))
	for _, row := range rows {
		msg := row.toMessage()
		translations, err := s.ListTranslations(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		msg.Translations = translations
		messages = append(messages, msg)
	}
	return messages, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
