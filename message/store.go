package message

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a record absent from the store.
var ErrNotFound = errors.New("record not found")

// Store is the persistent message store the engine runs against. All
// write methods are idempotent upserts or deletes; reconciliation
// relies on re-application converging.
type Store interface {
	// ListBySource returns every message for a remote source,
	// translations included.
	ListBySource(ctx context.Context, thirdPartyName string) ([]Message, error)
	// List returns all messages, translations included.
	List(ctx context.Context) ([]Message, error)
	// Get returns one message by record id.
	Get(ctx context.Context, id string) (Message, bool, error)
	// Insert stores a new message and its translations. Assigns
	// Message.ID when empty.
	Insert(ctx context.Context, msg *Message) error
	// Update overwrites the mutable fields of an existing message.
	// Translations are not touched; use the translation methods.
	Update(ctx context.Context, msg *Message) error
	// Delete removes a message; translations and read statuses cascade.
	Delete(ctx context.Context, id string) error

	// ListTranslations returns the translations of one message.
	ListTranslations(ctx context.Context, messageID string) ([]Translation, error)
	// InsertTranslation stores a new translation. Assigns ID when empty.
	InsertTranslation(ctx context.Context, tr *Translation) error
	// UpdateTranslation overwrites title, text and url of an existing
	// translation.
	UpdateTranslation(ctx context.Context, tr *Translation) error

	// GetReadStatus returns the read status for a (message, user) pair.
	GetReadStatus(ctx context.Context, messageID, userID string) (ReadStatus, bool, error)
	// ListReadStatuses returns all read statuses for one message.
	ListReadStatuses(ctx context.Context, messageID string) ([]ReadStatus, error)
	// MarkShown records a display: creates the row on first sight,
	// always advances LastShownDate.
	MarkShown(ctx context.Context, messageID, userID string, shownAt time.Time) error
	// MarkRead sets ReadDate once; later calls are no-ops.
	MarkRead(ctx context.Context, messageID, userID string, readAt time.Time) error
}

// StateStore persists per-source protocol state: last execution
// timestamps per operation and the rotating client token.
type StateStore interface {
	GetLastExecution(ctx context.Context, source, operation string) (time.Time, bool, error)
	SetLastExecution(ctx context.Context, source, operation string, at time.Time) error
	GetClientToken(ctx context.Context, source string) (string, bool, error)
	SetClientToken(ctx context.Context, source, token string) error
}

// IdentityProvider resolves targeting predicates against the host's
// user base. The predicate language is opaque to newswire.
type IdentityProvider interface {
	// MatchUsers returns the users matched by a predicate. A malformed
	// predicate is an error; callers fall back to the predicate's
	// declared default.
	MatchUsers(ctx context.Context, predicate string) ([]User, error)
	// Matches reports whether one user is matched by a predicate.
	Matches(ctx context.Context, predicate, userID string) (bool, error)
	// User returns one user by id.
	User(ctx context.Context, id string) (User, bool, error)
}
