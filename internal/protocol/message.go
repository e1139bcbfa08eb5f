package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeAuthOK        = "auth_ok"
	TypeAuthFail      = "auth_fail"
	TypeSessionInit   = "session_init"
	TypeToken         = "token"
	TypeToolUse       = "tool_use"
	TypeToolResult    = "tool_result"
	TypeUsage         = "usage"
	TypeDone          = "done"
	TypePlanWaiting   = "plan_waiting"
	TypeSysMsg        = "sys_msg"
	TypeError         = "error"
	TypeSessionKilled = "session_killed"
	TypePong          = "pong"
	TypeTranscription = "transcription"
	TypeFilesUpdate   = "files_update"
)

// Client → Server message types.
const (
	TypeAuth        = "auth"
	TypePing        = "ping"
	TypeUserMessage = "message"
	TypeNewSession  = "new_session"
	TypeCancel      = "cancel"
	TypeKillSession = "kill_session"
	TypeSetEffort   = "set_effort"
	TypeSetModel    = "set_model"
	TypeSetPlanMode = "set_plan_mode"
	TypePlanApprove = "plan_approve"
	TypePlanReject  = "plan_reject"
	TypeAttachment  = "attachment"
	TypeTranscribe  = "transcribe"
)

// Completion subtypes carried by done events.
const (
	DoneSuccess   = "success"
	DoneError     = "error"
	DoneCancelled = "cancelled"
	DoneKilled    = "killed"
)

// Server → Client payloads.

// SessionSummary is the per-session record sent inside auth_ok.
type SessionSummary struct {
	SessionKey string         `json:"sessionKey"`
	Label      string         `json:"label"`
	SessionID  string         `json:"sessionId,omitempty"`
	Model      string         `json:"model,omitempty"`
	Effort     string         `json:"effort,omitempty"`
	PlanMode   bool           `json:"planMode"`
	AgentName  string         `json:"agentName,omitempty"`
	Running    bool           `json:"running"`
	History    []HistoryEntry `json:"history"`
	CreatedAt  string         `json:"createdAt"`
}

// HistoryEntry is one exchanged message in a session's history.
type HistoryEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type AuthOKPayload struct {
	Sessions []SessionSummary `json:"sessions"`
}

type SessionInitPayload struct {
	SessionKey string `json:"sessionKey"`
	SessionID  string `json:"sessionId"`
}

type TokenPayload struct {
	SessionKey string `json:"sessionKey"`
	Text       string `json:"text"`
}

type ToolUsePayload struct {
	SessionKey string          `json:"sessionKey"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	ID         string          `json:"id"`
}

type ToolResultPayload struct {
	SessionKey string `json:"sessionKey"`
	ToolUseID  string `json:"tool_use_id"`
	Content    string `json:"content"`
}

type UsagePayload struct {
	SessionKey   string `json:"sessionKey"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	ContextLimit int    `json:"contextLimit"`
}

type DonePayload struct {
	SessionKey string `json:"sessionKey"`
	Subtype    string `json:"subtype"`
	Error      string `json:"error,omitempty"`
	Code       int    `json:"code,omitempty"`
}

type SessionKeyPayload struct {
	SessionKey string `json:"sessionKey"`
}

type SysMsgPayload struct {
	SessionKey string `json:"sessionKey"`
	Text       string `json:"text"`
}

type ErrorPayload struct {
	SessionKey string `json:"sessionKey,omitempty"`
	Text       string `json:"text"`
}

type TranscriptionPayload struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

type FilesUpdatePayload struct {
	Count int `json:"count"`
}

// Client → Server payloads.

type AuthPayload struct {
	Password string `json:"password"`
}

type UserMessagePayload struct {
	SessionKey  string   `json:"sessionKey"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

type NewSessionPayload struct {
	SessionKey      string `json:"sessionKey"`
	Label           string `json:"label"`
	PlanMode        bool   `json:"planMode,omitempty"`
	AgentName       string `json:"agentName,omitempty"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
}

type SetEffortPayload struct {
	SessionKey string `json:"sessionKey"`
	Effort     string `json:"effort"`
}

type SetModelPayload struct {
	SessionKey string `json:"sessionKey"`
	Model      string `json:"model"`
}

type SetPlanModePayload struct {
	SessionKey string `json:"sessionKey"`
	PlanMode   bool   `json:"planMode"`
}

type AttachmentPayload struct {
	SessionKey string `json:"sessionKey"`
	Name       string `json:"name"`
	Data       string `json:"data"` // base64
}

type TranscribePayload struct {
	Data     string `json:"data"` // base64 audio
	MimeType string `json:"mimeType"`
}
