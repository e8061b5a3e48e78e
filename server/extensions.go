package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/newswire/message"
	"github.com/opd-ai/newswire/protocol"
)

// MessageListExtension is the built-in rank-10 extension answering
// get_messages_for_instance with the instance's active messages.
type MessageListExtension struct {
	store message.Store
	now   func() time.Time
}

// NewMessageListExtension creates the default listing extension.
func NewMessageListExtension(store message.Store) *MessageListExtension {
	return &MessageListExtension{store: store, now: time.Now}
}

func (x *MessageListExtension) Name() string { return "message-list" }
func (x *MessageListExtension) Rank() int    { return 10 }

func (x *MessageListExtension) SupportsVersion(v protocol.Version) bool {
	return protocol.Supported(v)
}

func (x *MessageListExtension) SupportsOperation(op string) bool {
	return op == protocol.OpGetMessages
}

// Execute builds the message listing. Icons are de-duplicated into the
// reference side-table for versions that support it and inlined
// otherwise.
func (x *MessageListExtension) Execute(ctx context.Context, ex *Exchange) error {
	if ex.Response != nil {
		return nil
	}

	local, err := x.store.List(ctx)
	if err != nil {
		return err
	}

	now := x.now()
	entries := make([]any, 0, len(local))
	icons := make(map[string]any)

	for _, msg := range local {
		if !msg.Active(now) {
			continue
		}

		entry := map[string]any{
			"id":         msg.ThirdPartyMessageID,
			"title":      msg.Title,
			"start_date": msg.StartDate.UTC().Format(protocol.WireTimeFormat),
			"priority":   msg.Priority,
			"target":     msg.TargetingQuery,
		}
		if msg.EndDate != nil {
			entry["end_date"] = msg.EndDate.UTC().Format(protocol.WireTimeFormat)
		}

		if msg.Icon != nil {
			iconBody := map[string]any{
				"data":     base64.StdEncoding.EncodeToString(msg.Icon.Data),
				"mimetype": msg.Icon.Mimetype,
				"filename": msg.Icon.Filename,
			}
			if ex.Spec.IconTable {
				ref := iconRef(msg.Icon.Data)
				icons[ref] = iconBody
				entry["icon"] = ref
			} else {
				entry["icon"] = iconBody
			}
		}

		if len(msg.Translations) > 0 {
			translations := make([]any, 0, len(msg.Translations))
			for _, tr := range msg.Translations {
				translations = append(translations, map[string]any{
					"lang":  tr.Language,
					"title": tr.Title,
					"text":  tr.Text,
					"url":   tr.URL,
				})
			}
			entry["translations"] = translations
		}

		entries = append(entries, entry)
	}

	response := map[string]any{"messages": entries}
	if ex.Spec.IconTable && len(icons) > 0 {
		response["icons"] = icons
	}
	if ex.Spec.TokenRequired {
		// Echoing the candidate confirms the rotation to the client.
		token, err := ex.RotationToken()
		if err != nil {
			return err
		}
		response["new_client_token"] = token
	}

	ex.Response = response
	return nil
}

// iconRef derives the de-duplication reference for an icon payload.
func iconRef(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// StatisticsSinkExtension is the built-in rank-10 extension accepting
// report_read_statistics pushes. The report body is logged and
// discarded; the response only confirms the token rotation.
type StatisticsSinkExtension struct{}

// NewStatisticsSinkExtension creates the default statistics acceptor.
func NewStatisticsSinkExtension() *StatisticsSinkExtension {
	return &StatisticsSinkExtension{}
}

func (x *StatisticsSinkExtension) Name() string { return "statistics-sink" }
func (x *StatisticsSinkExtension) Rank() int    { return 10 }

func (x *StatisticsSinkExtension) SupportsVersion(v protocol.Version) bool {
	return protocol.Supported(v)
}

func (x *StatisticsSinkExtension) SupportsOperation(op string) bool {
	return op == protocol.OpReportStatistics
}

func (x *StatisticsSinkExtension) Execute(ctx context.Context, ex *Exchange) error {
	if ex.Response != nil {
		return nil
	}

	if body, ok := ex.Fields["body"].(map[string]any); ok {
		logrus.WithFields(logrus.Fields{
			"package":           "server",
			"target_user_count": body["target_user_count"],
		}).Info("received statistics report")
	}

	response := map[string]any{"messages": []any{}}
	if ex.Spec.TokenRequired {
		token, err := ex.RotationToken()
		if err != nil {
			return err
		}
		response["new_client_token"] = token
	}
	ex.Response = response
	return nil
}
