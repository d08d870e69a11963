package postgres

import (
	"encoding/json"
	"time"

	"chat-core/internal/models"

	"github.com/pkg/errors"
)

// notifyPayload is the raw JSON shape emitted by the schema triggers.
// Nothing downstream of this file ever sees an unchecked payload.
type notifyPayload struct {
	Kind           string     `json:"kind"`
	ConversationID string     `json:"conversation_id"`
	MessageID      string     `json:"message_id"`
	Content        *string    `json:"content"`
	DeletedAt      *time.Time `json:"deleted_at"`
	UpdatedAt      *time.Time `json:"updated_at"`
}

func parseNotifyPayload(data []byte) (notifyPayload, error) {
	var p notifyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, errors.Wrap(err, "decode notify payload")
	}
	switch p.Kind {
	case "insert", "update":
		if p.ConversationID == "" || p.MessageID == "" {
			return p, errors.Errorf("%s payload missing ids", p.Kind)
		}
	case "typing":
		if p.ConversationID == "" {
			return p, errors.New("typing payload missing conversation id")
		}
	default:
		return p, errors.Errorf("unknown payload kind %q", p.Kind)
	}
	return p, nil
}

func (p notifyPayload) patch() models.MessagePatch {
	return models.MessagePatch{
		Content:   p.Content,
		DeletedAt: p.DeletedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// validateMessage narrows a hydrated row before it crosses into the core.
func validateMessage(m *models.Message) error {
	if m.ID == "" || m.ConversationID == "" || m.SenderID == "" {
		return errors.New("message missing ids")
	}
	if !m.MessageType.Valid() {
		return errors.Errorf("invalid message type %q", m.MessageType)
	}
	return nil
}
