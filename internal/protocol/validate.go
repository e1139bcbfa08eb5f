package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeAuth:        true,
	TypePing:        true,
	TypeUserMessage: true,
	TypeNewSession:  true,
	TypeCancel:      true,
	TypeKillSession: true,
	TypeSetEffort:   true,
	TypeSetModel:    true,
	TypeSetPlanMode: true,
	TypePlanApprove: true,
	TypePlanReject:  true,
	TypeAttachment:  true,
	TypeTranscribe:  true,
}

// sessionKeyed are the client message types whose payload must name a session.
var sessionKeyed = map[string]bool{
	TypeUserMessage: true,
	TypeNewSession:  true,
	TypeCancel:      true,
	TypeKillSession: true,
	TypeSetEffort:   true,
	TypeSetModel:    true,
	TypeSetPlanMode: true,
	TypePlanApprove: true,
	TypePlanReject:  true,
	TypeAttachment:  true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Type == TypePing {
		return &msg, nil
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	if sessionKeyed[msg.Type] {
		var p SessionKeyPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionKey == "" {
			return nil, fmt.Errorf("missing required field 'sessionKey' in %s payload", msg.Type)
		}
	}

	// Per-type required fields beyond the session key.
	switch msg.Type {
	case TypeUserMessage:
		var p UserMessagePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Text == "" {
			return nil, fmt.Errorf("missing required field 'text' in %s payload", msg.Type)
		}

	case TypeAttachment:
		var p AttachmentPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("missing required field 'name' in %s payload", msg.Type)
		}
		if p.Data == "" {
			return nil, fmt.Errorf("missing required field 'data' in %s payload", msg.Type)
		}

	case TypeTranscribe:
		var p TranscribePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Data == "" {
			return nil, fmt.Errorf("missing required field 'data' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates a session-scoped error event ready to send.
func NewErrorMessage(sessionKey, text string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		SessionKey: sessionKey,
		Text:       text,
	})
}
