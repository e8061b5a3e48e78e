package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/newswire/message"
)

// MemoryStore is an in-memory implementation of message.Store and
// message.StateStore for tests and ephemeral deployments. Deletion
// cascades to translations and read statuses like the SQLite schema.
type MemoryStore struct {
	mu           sync.RWMutex
	messages     map[string]message.Message            // message id -> message (no translations)
	translations map[string][]message.Translation      // message id -> translations
	readStatuses map[string]map[string]message.ReadStatus // message id -> user id -> status
	executions   map[string]time.Time                  // source + "\x00" + operation
	tokens       map[string]string                     // source -> client token
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:     make(map[string]message.Message),
		translations: make(map[string][]message.Translation),
		readStatuses: make(map[string]map[string]message.ReadStatus),
		executions:   make(map[string]time.Time),
		tokens:       make(map[string]string),
	}
}

func (m *MemoryStore) ListBySource(ctx context.Context, thirdPartyName string) ([]message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []message.Message
	for _, msg := range m.messages {
		if msg.ThirdPartyName == thirdPartyName {
			out = append(out, m.withTranslations(msg))
		}
	}
	sortMessages(out)
	return out, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]message.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, m.withTranslations(msg))
	}
	sortMessages(out)
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (message.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return message.Message{}, false, nil
	}
	return m.withTranslations(msg), true, nil
}

func (m *MemoryStore) Insert(ctx context.Context, msg *message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	for _, existing := range m.messages {
		if existing.ThirdPartyName == msg.ThirdPartyName &&
			existing.ThirdPartyMessageID == msg.ThirdPartyMessageID {
			return fmt.Errorf("duplicate message %s/%s", msg.ThirdPartyName, msg.ThirdPartyMessageID)
		}
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	stored := *msg
	stored.Translations = nil
	m.messages[msg.ID] = stored

	for i := range msg.Translations {
		msg.Translations[i].MessageID = msg.ID
		if msg.Translations[i].ID == "" {
			msg.Translations[i].ID = uuid.New().String()
		}
		m.translations[msg.ID] = append(m.translations[msg.ID], msg.Translations[i])
	}
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, msg *message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.messages[msg.ID]
	if !ok {
		return message.ErrNotFound
	}

	existing.Title = msg.Title
	existing.StartDate = msg.StartDate
	existing.EndDate = msg.EndDate
	existing.Priority = msg.Priority
	existing.TargetingQuery = msg.TargetingQuery
	existing.Icon = msg.Icon
	existing.UpdatedAt = time.Now().UTC()
	m.messages[msg.ID] = existing
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.messages, id)
	delete(m.translations, id)
	delete(m.readStatuses, id)
	return nil
}

func (m *MemoryStore) ListTranslations(ctx context.Context, messageID string) ([]message.Translation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]message.Translation, len(m.translations[messageID]))
	copy(out, m.translations[messageID])
	return out, nil
}

func (m *MemoryStore) InsertTranslation(ctx context.Context, tr *message.Translation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	for _, existing := range m.translations[tr.MessageID] {
		if existing.Language == tr.Language {
			return fmt.Errorf("duplicate translation %s/%s", tr.MessageID, tr.Language)
		}
	}
	m.translations[tr.MessageID] = append(m.translations[tr.MessageID], *tr)
	return nil
}

func (m *MemoryStore) UpdateTranslation(ctx context.Context, tr *message.Translation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.translations[tr.MessageID]
	for i := range list {
		if list[i].Language == tr.Language {
			list[i].Title = tr.Title
			list[i].Text = tr.Text
			list[i].URL = tr.URL
			return nil
		}
	}
	return message.ErrNotFound
}

func (m *MemoryStore) GetReadStatus(ctx context.Context, messageID, userID string) (message.ReadStatus, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.readStatuses[messageID][userID]
	return status, ok, nil
}

func (m *MemoryStore) ListReadStatuses(ctx context.Context, messageID string) ([]message.ReadStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []message.ReadStatus
	for _, status := range m.readStatuses[messageID] {
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) MarkShown(ctx context.Context, messageID, userID string, shownAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byUser := m.readStatuses[messageID]
	if byUser == nil {
		byUser = make(map[string]message.ReadStatus)
		m.readStatuses[messageID] = byUser
	}

	status, ok := byUser[userID]
	if !ok {
		status = message.ReadStatus{
			MessageID:      messageID,
			UserID:         userID,
			FirstShownDate: shownAt,
		}
	}
	status.LastShownDate = shownAt
	byUser[userID] = status
	return nil
}

func (m *MemoryStore) MarkRead(ctx context.Context, messageID, userID string, readAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byUser := m.readStatuses[messageID]
	if byUser == nil {
		byUser = make(map[string]message.ReadStatus)
		m.readStatuses[messageID] = byUser
	}

	status, ok := byUser[userID]
	if !ok {
		status = message.ReadStatus{
			MessageID:      messageID,
			UserID:         userID,
			FirstShownDate: readAt,
			LastShownDate:  readAt,
		}
	}
	if status.ReadDate == nil {
		at := readAt
		status.ReadDate = &at
	}
	byUser[userID] = status
	return nil
}

func (m *MemoryStore) GetLastExecution(ctx context.Context, source, operation string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	at, ok := m.executions[source+"\x00"+operation]
	return at, ok, nil
}

func (m *MemoryStore) SetLastExecution(ctx context.Context, source, operation string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.executions[source+"\x00"+operation] = at
	return nil
}

func (m *MemoryStore) GetClientToken(ctx context.Context, source string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, ok := m.tokens[source]
	return token, ok, nil
}

func (m *MemoryStore) SetClientToken(ctx context.Context, source, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens[source] = token
	return nil
}

// withTranslations returns a copy of msg with its translations
// attached. Caller holds at least a read lock.
func (m *MemoryStore) withTranslations(msg message.Message) message.Message {
	translations := make([]message.Translation, len(m.translations[msg.ID]))
	copy(translations, m.translations[msg.ID])
	msg.Translations = translations
	return msg
}

func sortMessages(list []message.Message) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].StartDate.After(list[j].StartDate)
	})
}
