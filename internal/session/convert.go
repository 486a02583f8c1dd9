package session

import (
	"encoding/json"

	"github.com/websitelm/alternatively-gateway/internal/chat"
	"github.com/websitelm/alternatively-gateway/internal/store"
)

func toStoreMessages(messages []chat.Message) []store.Message {
	out := make([]store.Message, 0, len(messages))
	for _, msg := range messages {
		metadata := map[string]any{}
		if msg.IsThinking {
			metadata["is_thinking"] = true
		}
		if msg.Competitor != nil {
			metadata["competitor"] = *msg.Competitor
		}
		if msg.Congrats != nil {
			metadata["congrats"] = *msg.Congrats
		}
		out = append(out, store.Message{
			ID:        msg.ID,
			Source:    string(msg.Source),
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
			Metadata:  metadata,
		})
	}
	return out
}

// fromStoreMessages rebuilds a transcript. Confirm buttons come back without a callback;
// the confirm endpoint drives the orchestrator directly.
func fromStoreMessages(messages []store.Message) []chat.Message {
	out := make([]chat.Message, 0, len(messages))
	for _, record := range messages {
		msg := chat.Message{
			ID:        record.ID,
			Source:    chat.Source(record.Source),
			Content:   record.Content,
			CreatedAt: record.CreatedAt,
		}
		if thinking, ok := record.Metadata["is_thinking"].(bool); ok {
			msg.IsThinking = thinking
		}
		var competitor chat.Competitor
		if remarshal(record.Metadata["competitor"], &competitor) {
			msg.Competitor = &competitor
		}
		var congrats chat.Congrats
		if remarshal(record.Metadata["congrats"], &congrats) {
			msg.Congrats = &congrats
		}
		out = append(out, msg)
	}
	return out
}

func remarshal(value any, out any) bool {
	if value == nil {
		return false
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return false
	}
	return json.Unmarshal(encoded, out) == nil
}

func eventType(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		return "unknown"
	}
	return head.Type
}
