package message

import (
	"time"
)

// Icon is an optional binary attachment displayed beside a message.
type Icon struct {
	Data     []byte `db:"icon_data"`
	Mimetype string `db:"icon_mimetype"`
	Filename string `db:"icon_filename"`
}

// Message is one announcement, either pulled from a remote source or
// authored locally by an operator.
//
// (ThirdPartyName, ThirdPartyMessageID) is unique. A message with
// ManuallyCreated set is never mutated or deleted by reconciliation.
type Message struct {
	ID                  string     `db:"id"`
	ThirdPartyName      string     `db:"third_party_name"`
	ThirdPartyMessageID string     `db:"third_party_message_id"`
	Title               string     `db:"title"`
	StartDate           time.Time  `db:"start_date"`
	EndDate             *time.Time `db:"end_date"`
	Priority            int        `db:"priority"`
	TargetingQuery      string     `db:"targeting_query"`
	ManuallyCreated     bool       `db:"manually_created"`
	Icon                *Icon      `db:"-"`
	Translations        []Translation
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

// Active reports whether the message is within its display window at
// the given instant.
func (m *Message) Active(now time.Time) bool {
	if now.Before(m.StartDate) {
		return false
	}
	if m.EndDate != nil && !now.Before(*m.EndDate) {
		return false
	}
	return true
}

// TranslationFor returns the translation matching language, falling
// back to the first available translation, or nil when the message has
// none.
func (m *Message) TranslationFor(language string) *Translation {
	for i := range m.Translations {
		if m.Translations[i].Language == language {
			return &m.Translations[i]
		}
	}
	if len(m.Translations) > 0 {
		return &m.Translations[0]
	}
	return nil
}

// Translation is one language rendering of a message. Uniqueness is
// per (message, language).
type Translation struct {
	ID        string `db:"id"`
	MessageID string `db:"message_id"`
	Language  string `db:"language"`
	Title     string `db:"title"`
	Text      string `db:"text"`
	URL       string `db:"url"`
}

// ReadStatus tracks one user's interaction with one message. ReadDate
// stays nil until the user explicitly marks the message read and is
// never overwritten afterwards.
type ReadStatus struct {
	MessageID      string     `db:"message_id"`
	UserID         string     `db:"user_id"`
	FirstShownDate time.Time  `db:"first_shown_date"`
	LastShownDate  time.Time  `db:"last_shown_date"`
	ReadDate       *time.Time `db:"read_date"`
}

// User is the identity-provider view of an account: an opaque id and a
// preferred language.
type User struct {
	ID       string
	Language string
}
