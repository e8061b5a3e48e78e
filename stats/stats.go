// Package stats builds the anonymized read/viewing statistics report
// pushed back to a remote source.
//
// User ids never leave the instance in the clear: each id is hashed
// with an instance-local salt before it enters a report. Targeting
// predicates are opaque to this package; a predicate the identity
// provider cannot resolve falls back to its declared default instead
// of aborting the report.
package stats

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/newswire/message"
	"github.com/opd-ai/newswire/protocol"
)

// Predicate pairs a targeting query with the default used when the
// query does not resolve.
type Predicate struct {
	Query   string
	Default string
}

// Report is the statistics payload for one remote source.
type Report struct {
	TargetUserCount int            `json:"target_user_count"`
	Messages        []MessageStats `json:"messages"`
}

// MessageStats carries the per-user interaction entries of one message.
type MessageStats struct {
	ID          string      `json:"id"`
	TargetUsers []UserStats `json:"target_users"`
}

// UserStats is one (anonymized) user's interaction with one message.
// Timestamp fields are empty when the user never had the message
// shown.
type UserStats struct {
	User       string `json:"user"`
	FirstShown string `json:"first_shown,omitempty"`
	LastShown  string `json:"last_shown,omitempty"`
	Read       string `json:"read,omitempty"`
}

// RunCache holds state shared across sources within one orchestrator
// invocation: the resolved global target-user set. It is created per
// run and discarded afterwards; there is no cross-run staleness.
type RunCache struct {
	globalUsers []message.User
	resolved    bool
}

// NewRunCache creates an empty per-run cache.
func NewRunCache() *RunCache {
	return &RunCache{}
}

// Reporter computes statistics reports from local read-status records.
type Reporter struct {
	store    message.Store
	identity message.IdentityProvider
	global   Predicate
	// messageDefault is the fallback predicate for messages whose own
	// targeting query does not resolve.
	messageDefault string
	salt           string
}

// NewReporter creates a reporter. salt is the instance-local value
// mixed into user-id hashes; global is the instance-wide targeting
// predicate bounding every report.
func NewReporter(store message.Store, identity message.IdentityProvider, global Predicate, messageDefault, salt string) *Reporter {
	return &Reporter{
		store:          store,
		identity:       identity,
		global:         global,
		messageDefault: messageDefault,
		salt:           salt,
	}
}

// BuildReport computes the report for one source. The global user set
// is resolved once per cache and reused across sources.
func (r *Reporter) BuildReport(ctx context.Context, cache *RunCache, thirdPartyName string) (*Report, error) {
	globalUsers, err := r.globalUsers(ctx, cache)
	if err != nil {
		return nil, err
	}
	globalSet := make(map[string]bool, len(globalUsers))
	for _, u := range globalUsers {
		globalSet[u.ID] = true
	}

	local, err := r.store.ListBySource(ctx, thirdPartyName)
	if err != nil {
		return nil, fmt.Errorf("loading messages for %q: %w", thirdPartyName, err)
	}

	report := &Report{
		TargetUserCount: len(globalUsers),
		Messages:        make([]MessageStats, 0, len(local)),
	}

	for _, msg := range local {
		targeted := r.matchWithFallback(ctx, msg.TargetingQuery, r.messageDefault)

		statuses, err := r.store.ListReadStatuses(ctx, msg.ID)
		if err != nil {
			return nil, fmt.Errorf("loading read statuses for %q: %w", msg.ID, err)
		}
		statusByUser := make(map[string]message.ReadStatus, len(statuses))
		for _, status := range statuses {
			statusByUser[status.UserID] = status
		}

		entry := MessageStats{ID: msg.ThirdPartyMessageID, TargetUsers: []UserStats{}}
		for _, user := range targeted {
			// The message audience is bounded by the global predicate.
			if !globalSet[user.ID] {
				continue
			}

			userEntry := UserStats{User: r.anonymize(user.ID)}
			if status, ok := statusByUser[user.ID]; ok {
				userEntry.FirstShown = status.FirstShownDate.UTC().Format(protocol.WireTimeFormat)
				userEntry.LastShown = status.LastShownDate.UTC().Format(protocol.WireTimeFormat)
				if status.ReadDate != nil {
					userEntry.Read = status.ReadDate.UTC().Format(protocol.WireTimeFormat)
				}
			}
			entry.TargetUsers = append(entry.TargetUsers, userEntry)
		}
		report.Messages = append(report.Messages, entry)
	}

	return report, nil
}

// globalUsers resolves the instance-wide target-user set, memoized in
// the run cache.
func (r *Reporter) globalUsers(ctx context.Context, cache *RunCache) ([]message.User, error) {
	if cache.resolved {
		return cache.globalUsers, nil
	}

	users := r.matchWithFallback(ctx, r.global.Query, r.global.Default)
	cache.globalUsers = users
	cache.resolved = true
	return users, nil
}

// matchWithFallback resolves a predicate, falling back to its default
// on error. A failing default yields an empty set.
func (r *Reporter) matchWithFallback(ctx context.Context, query, fallback string) []message.User {
	users, err := r.identity.MatchUsers(ctx, query)
	if err == nil {
		return users
	}

	logrus.WithFields(logrus.Fields{
		"package":   "stats",
		"predicate": query,
		"error":     err.Error(),
	}).Warn("targeting predicate failed, using default")

	users, err = r.identity.MatchUsers(ctx, fallback)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"package":   "stats",
			"predicate": fallback,
			"error":     err.Error(),
		}).Error("default targeting predicate failed")
		return nil
	}
	return users
}

// anonymize hashes a user id with the instance salt.
func (r *Reporter) anonymize(userID string) string {
	sum := sha256.Sum256([]byte(r.salt + ":" + userID))
	return hex.EncodeToString(sum[:16])
}
