package sqlstore

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
)

func (env envelope) toMessage() (message.Message, error) {
	id, err := uuid.Parse(env.ID)
	if err != nil {
		return message.Message{}, err
	}
	msg := message.Message{
		ID:        id,
		Kind:      message.Kind(env.Kind),
		Type:      env.Type,
		CreatedAt: env.CreatedAt,
		Metadata:  env.Metadata,
	}
	if len(env.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return message.Message{}, err
		}
		msg.Payload = payload
	}
	if env.CorrelationID != "" {
		cid, err := uuid.Parse(env.CorrelationID)
		if err != nil {
			return message.Message{}, err
		}
		msg.CorrelationID = &cid
	}
	if env.CausationID != "" {
		cid, err := uuid.Parse(env.CausationID)
		if err != nil {
			return message.Message{}, err
		}
		msg.CausationID = &cid
	}
	return msg, nil
}

// Status enums persist as their String() form; these maps read them
// back.
var outboxStatuses = map[string]storage.OutboxStatus{
	"pending":    storage.OutboxPending,
	"processing": storage.OutboxProcessing,
	"processed":  storage.OutboxProcessed,
	"failed":     storage.OutboxFailed,
}

var inboxStatuses = map[string]storage.InboxStatus{
	"pending":    storage.InboxPending,
	"processing": storage.InboxProcessing,
	"processed":  storage.InboxProcessed,
	"failed":     storage.InboxFailed,
	"duplicate":  storage.InboxDuplicate,
}
