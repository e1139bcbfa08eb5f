package session

import (
	"sync"
	"time"

	"agent-relay/internal/protocol"
)

// liveBufferCapacity bounds the per-session replay buffer; the oldest
// events are evicted first.
const liveBufferCapacity = 400

// Sink is a non-owning reference to the delivery channel currently bound
// to a session. Send reports false when the channel is closed or full, which
// the relay treats the same as having no channel at all.
type Sink interface {
	Send(msg *protocol.Message) bool
}

// Session is the durable state of one logical conversation plus its
// transient relay state. Persistent fields survive restarts via the store
// snapshot; everything guarded below the mutex is reset on restore.
type Session struct {
	Key            string
	Label          string
	ConversationID string
	History        []protocol.HistoryEntry
	Effort         string
	Model          string
	PlanMode       bool
	AgentName      string
	CreatedAt      time.Time

	mu       sync.Mutex
	buffer   *RingBuffer
	deferred *protocol.Message
	sink     Sink
	pending  []string // queued attachment paths for the next job
	running  bool
}

func newSession(key, label string) *Session {
	return &Session{
		Key:       key,
		Label:     label,
		CreatedAt: time.Now().UTC(),
		buffer:    NewRingBuffer(liveBufferCapacity),
	}
}

// SetConversationID records the upstream conversation identifier.
func (s *Session) SetConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConversationID = id
}

// AppendHistory adds one entry to the append-only message history.
func (s *Session) AppendHistory(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = append(s.History, protocol.HistoryEntry{Role: role, Text: text})
}

// SetEffort updates the effort level.
func (s *Session) SetEffort(effort string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Effort = effort
}

// SetModel updates the model identifier.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Model = model
}

// SetPlanMode toggles the plan-mode flag.
func (s *Session) SetPlanMode(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlanMode = on
}

// SetAgentName records the named agent persona for future jobs.
func (s *Session) SetAgentName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AgentName = name
}

// SetRunning tracks whether a child process is currently live.
func (s *Session) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

// Running reports whether a child process is currently live.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Config returns the spawn-relevant configuration as one consistent read.
func (s *Session) Config() (model, effort, agentName, conversationID string, planMode bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Model, s.Effort, s.AgentName, s.ConversationID, s.PlanMode
}

// QueueAttachment adds an uploaded file path to merge into the next job.
func (s *Session) QueueAttachment(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, path)
}

// TakeAttachments returns the pending attachment paths and clears the queue.
func (s *Session) TakeAttachments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := s.pending
	s.pending = nil
	return paths
}

// Summary builds the wire representation of the session's persistent state.
func (s *Session) Summary() protocol.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]protocol.HistoryEntry, len(s.History))
	copy(history, s.History)

	return protocol.SessionSummary{
		SessionKey: s.Key,
		Label:      s.Label,
		SessionID:  s.ConversationID,
		Model:      s.Model,
		Effort:     s.Effort,
		PlanMode:   s.PlanMode,
		AgentName:  s.AgentName,
		Running:    s.running,
		History:    history,
		CreatedAt:  s.CreatedAt.Format(time.RFC3339Nano),
	}
}
