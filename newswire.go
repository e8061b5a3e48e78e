// Package newswire implements a versioned announcement exchange between
// application instances.
//
// An instance can consume announcements from remote sources, serve its
// own announcements to other instances, or both. The root Feed type is
// the host application's view onto the local message store: it renders
// the announcements a given user should see and records their
// interactions.
//
// Example:
//
//	db, err := store.NewSQLiteStore("news.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	feed := newswire.NewFeed(db, identityProvider)
//
//	entries, err := feed.Fetch(ctx, userID, "en_US")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, entry := range entries {
//	    show(entry)
//	    feed.RecordShown(ctx, entry.ID, userID)
//	}
package newswire

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/newswire/message"
)

// Entry is one announcement rendered for a specific user and language.
type Entry struct {
	// ID is the local record id, used for MarkRead and RecordShown.
	ID        string
	Title     string
	Text      string
	URL       string
	StartDate time.Time
	Priority  int
	Icon      *message.Icon
	// Read reports whether this user already marked the entry read.
	Read bool
}

// Feed renders the local announcement store for the host application's
// users. The identity provider resolves targeting predicates; it may be
// nil, in which case only untargeted announcements are visible.
type Feed struct {
	store    message.Store
	identity message.IdentityProvider
	now      func() time.Time
}

// NewFeed creates a feed over the given store. identity may be nil.
func NewFeed(store message.Store, identity message.IdentityProvider) *Feed {
	return &Feed{store: store, identity: identity, now: time.Now}
}

// Fetch returns the announcements visible to a user right now, rendered
// in the given language and ordered by ascending priority, newest
// first within equal priority. Expired, future and mistargeted
// announcements are filtered out.
func (f *Feed) Fetch(ctx context.Context, userID, language string) ([]Entry, error) {
	visible, err := f.visibleMessages(ctx, userID)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(visible))
	for _, msg := range visible {
		entry := Entry{
			ID:        msg.ID,
			Title:     msg.Title,
			StartDate: msg.StartDate,
			Priority:  msg.Priority,
			Icon:      msg.Icon,
		}
		if tr := msg.TranslationFor(language); tr != nil {
			entry.Title = tr.Title
			entry.Text = tr.Text
			entry.URL = tr.URL
		}

		status, found, err := f.store.GetReadStatus(ctx, msg.ID, userID)
		if err != nil {
			return nil, fmt.Errorf("loading read status for %s: %w", msg.ID, err)
		}
		entry.Read = found && status.ReadDate != nil

		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		return entries[i].StartDate.After(entries[j].StartDate)
	})
	return entries, nil
}

// Unread returns the number of visible announcements the user has not
// yet marked read.
func (f *Feed) Unread(ctx context.Context, userID, language string) (int, error) {
	entries, err := f.Fetch(ctx, userID, language)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if !entry.Read {
			count++
		}
	}
	return count, nil
}

// RecordShown records that an announcement was displayed to a user.
// First sight creates the status row; every call advances the last
// shown timestamp.
func (f *Feed) RecordShown(ctx context.Context, messageID, userID string) error {
	return f.store.MarkShown(ctx, messageID, userID, f.now().UTC())
}

// MarkRead marks one announcement read for a user. The read timestamp
// is set once; repeated calls keep the original.
func (f *Feed) MarkRead(ctx context.Context, messageID, userID string) error {
	return f.store.MarkRead(ctx, messageID, userID, f.now().UTC())
}

// MarkAllRead marks every announcement currently visible to the user
// read.
func (f *Feed) MarkAllRead(ctx context.Context, userID string) error {
	visible, err := f.visibleMessages(ctx, userID)
	if err != nil {
		return err
	}
	readAt := f.now().UTC()
	for _, msg := range visible {
		if err := f.store.MarkRead(ctx, msg.ID, userID, readAt); err != nil {
			return fmt.Errorf("marking %s read: %w", msg.ID, err)
		}
	}
	return nil
}

// visibleMessages filters the store down to what one user may see:
// active display window and matching targeting predicate. A predicate
// that fails to resolve hides the announcement rather than leaking it.
func (f *Feed) visibleMessages(ctx context.Context, userID string) ([]message.Message, error) {
	all, err := f.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	now := f.now()
	visible := make([]message.Message, 0, len(all))
	for _, msg := range all {
		if !msg.Active(now) {
			continue
		}
		if msg.TargetingQuery != "" {
			if f.identity == nil {
				continue
			}
			matched, err := f.identity.Matches(ctx, msg.TargetingQuery, userID)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"package": "newswire",
					"message": msg.ID,
					"error":   err.Error(),
				}).Warn("targeting predicate failed, hiding message")
				continue
			}
			if !matched {
				continue
			}
		}
		visible = append(visible, msg)
	}
	return visible, nil
}
