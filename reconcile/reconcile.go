// Package reconcile implements the merge algorithm aligning local
// message state with a freshly fetched remote batch.
//
// The merge is idempotent: re-applying the same batch leaves the store
// unchanged. Manually created messages are never touched, retracted
// remote messages are deleted with their translations and read
// statuses, and translations are additive only.
package reconcile

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/newswire/message"
	"github.com/opd-ai/newswire/protocol"
)

// Engine merges remote message batches into a message.Store.
type Engine struct {
	store message.Store
}

// NewEngine creates an engine writing to store.
func NewEngine(store message.Store) *Engine {
	return &Engine{store: store}
}

// Result summarizes one reconciliation run.
type Result struct {
	Created int
	Updated int
	Deleted int
	// SkippedManual counts local manually-created messages left alone.
	SkippedManual int
	// TranslationErrors counts translation writes that failed inside
	// their own failure boundary.
	TranslationErrors int
}

// Apply merges the remote batch for one source into the store. An
// empty batch is valid and retracts every non-manual local message for
// that source. Per-translation write failures are logged and counted
// but do not fail the run; store failures on the message level do.
func (e *Engine) Apply(ctx context.Context, thirdPartyName string, remote []protocol.WireMessage) (Result, error) {
	var result Result

	remoteByID := make(map[string]protocol.WireMessage, len(remote))
	for _, msg := range remote {
		remoteByID[msg.ID] = msg
	}

	local, err := e.store.ListBySource(ctx, thirdPartyName)
	if err != nil {
		return result, fmt.Errorf("loading local messages for %q: %w", thirdPartyName, err)
	}

	// Pair local records with their remote counterparts. Manual
	// messages drop out of both sides first: the local record is never
	// touched and a same-id remote entry must not be recreated beside
	// it.
	type pair struct {
		local  message.Message
		remote protocol.WireMessage
	}
	var pairs []pair

	for _, loc := range local {
		if loc.ManuallyCreated {
			logrus.WithFields(logrus.Fields{
				"package": "reconcile",
				"source":  thirdPartyName,
				"id":      loc.ThirdPartyMessageID,
			}).Debug("skipping manually created message")
			delete(remoteByID, loc.ThirdPartyMessageID)
			result.SkippedManual++
			continue
		}

		rem, present := remoteByID[loc.ThirdPartyMessageID]
		if !present {
			if err := e.store.Delete(ctx, loc.ID); err != nil {
				return result, fmt.Errorf("deleting retracted message %q: %w", loc.ThirdPartyMessageID, err)
			}
			logrus.WithFields(logrus.Fields{
				"package": "reconcile",
				"source":  thirdPartyName,
				"id":      loc.ThirdPartyMessageID,
			}).Info("deleted retracted message")
			result.Deleted++
			continue
		}

		delete(remoteByID, loc.ThirdPartyMessageID)
		pairs = append(pairs, pair{local: loc, remote: rem})
	}

	// Update paired records in place. Remote id and the manual flag
	// are never overwritten.
	for _, p := range pairs {
		updated := p.local
		applyWireFields(&updated, p.remote)
		if err := e.store.Update(ctx, &updated); err != nil {
			return result, fmt.Errorf("updating message %q: %w", p.remote.ID, err)
		}
		result.Updated++
		result.TranslationErrors += e.mergeTranslations(ctx, updated.ID, p.local.Translations, p.remote.Translations)
	}

	// Whatever remains in the remote index is new. Iterate the
	// original order so inserts follow the batch.
	for _, rem := range remote {
		if _, pending := remoteByID[rem.ID]; !pending {
			continue
		}
		delete(remoteByID, rem.ID)

		created := message.Message{
			ThirdPartyName:      thirdPartyName,
			ThirdPartyMessageID: rem.ID,
		}
		applyWireFields(&created, rem)
		if err := e.store.Insert(ctx, &created); err != nil {
			return result, fmt.Errorf("inserting message %q: %w", rem.ID, err)
		}
		result.Created++
		result.TranslationErrors += e.mergeTranslations(ctx, created.ID, nil, rem.Translations)
	}

	logrus.WithFields(logrus.Fields{
		"package": "reconcile",
		"source":  thirdPartyName,
		"created": result.Created,
		"updated": result.Updated,
		"deleted": result.Deleted,
		"manual":  result.SkippedManual,
	}).Info("reconciliation complete")

	return result, nil
}

// applyWireFields overwrites the mutable fields of a local message
// from its wire counterpart.
func applyWireFields(msg *message.Message, rem protocol.WireMessage) {
	msg.Title = rem.Title
	msg.StartDate = rem.StartDate
	msg.EndDate = rem.EndDate
	msg.Priority = rem.Priority
	msg.TargetingQuery = rem.TargetingQuery
	if rem.Icon != nil {
		msg.Icon = &message.Icon{
			Data:     rem.Icon.Data,
			Mimetype: rem.Icon.Mimetype,
			Filename: rem.Icon.Filename,
		}
	} else {
		msg.Icon = nil
	}
}

// mergeTranslations upserts the remote translation list for one
// message: update in place by language, insert when the language is
// new. Languages never present remotely are kept (additive only).
// Each write failure is isolated and logged; the count of failures is
// returned.
func (e *Engine) mergeTranslations(ctx context.Context, messageID string, local []message.Translation, remote []protocol.WireTranslation) int {
	existing := make(map[string]bool, len(local))
	for _, tr := range local {
		existing[tr.Language] = true
	}

	failures := 0
	for _, rem := range remote {
		tr := message.Translation{
			MessageID: messageID,
			Language:  rem.Language,
			Title:     rem.Title,
			Text:      rem.Text,
			URL:       rem.URL,
		}

		var err error
		if existing[rem.Language] {
			err = e.store.UpdateTranslation(ctx, &tr)
		} else {
			err = e.store.InsertTranslation(ctx, &tr)
		}
		if err != nil {
			failures++
			logrus.WithFields(logrus.Fields{
				"package":  "reconcile",
				"message":  messageID,
				"language": rem.Language,
				"error":    err.Error(),
			}).Warn("translation write failed")
		}
	}
	return failures
}
