package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

// ConversationFallbackReply is answered by the local conversation executor.
const ConversationFallbackReply = "I'm having trouble reaching the assistant right now. Please try again in a moment."

// Local returns the in-process executor of capability. It produces a
// text-only result the client renders itself (captions or on-device speech),
// and fails only when the payload carries no text.
func Local(capability domain.Capability) domain.Executor {
	return func(ctx context.Context, payload any) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch capability {
		case domain.CapabilityConversation:
			return domain.MediaOutput{Text: ConversationFallbackReply}, nil
		case domain.CapabilitySTT:
			// transcription happens on the client
			return domain.MediaOutput{}, nil
		}
		text, ok := PayloadText(payload)
		if !ok || text == "" {
			return nil, fmt.Errorf("op=executor.Local capability=%s: payload has no text: %w", capability, domain.ErrInvalidArgument)
		}
		return domain.MediaOutput{Text: text}, nil
	}
}

// PayloadText extracts the "text" field of common payload shapes.
func PayloadText(payload any) (string, bool) {
	switch p := payload.(type) {
	case string:
		return p, true
	case []byte:
		return PayloadText(json.RawMessage(p))
	case json.RawMessage:
		var s string
		if json.Unmarshal(p, &s) == nil {
			return s, true
		}
		var m map[string]any
		if json.Unmarshal(p, &m) != nil {
			return "", false
		}
		return PayloadText(m)
	case map[string]string:
		t, ok := p["text"]
		return t, ok
	case map[string]any:
		t, ok := p["text"].(string)
		return t, ok
	case domain.MediaOutput:
		return p.Text, p.Text != ""
	default:
		return "", false
	}
}
