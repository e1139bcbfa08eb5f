package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"agent-relay/internal/protocol"
	"agent-relay/internal/session"

	"github.com/google/uuid"
)

// handleMessage processes one validated client message. The auth command is
// the only one accepted before the channel is authenticated.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, "", err.Error())
		return
	}

	if msg.Type == protocol.TypeAuth {
		s.handleAuth(c, msg)
		return
	}

	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()
	if !authed {
		s.sendError(c, "", "not authenticated")
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		s.sendType(c, protocol.TypePong, nil)
	case protocol.TypeUserMessage:
		s.handleUserMessage(c, msg)
	case protocol.TypeNewSession:
		s.handleNewSession(c, msg)
	case protocol.TypeCancel:
		var p protocol.SessionKeyPayload
		json.Unmarshal(msg.Payload, &p)
		s.driver.Cancel(p.SessionKey)
	case protocol.TypeKillSession:
		s.handleKillSession(c, msg)
	case protocol.TypeSetEffort, protocol.TypeSetModel, protocol.TypeSetPlanMode:
		s.handleSetConfig(c, msg)
	case protocol.TypePlanApprove:
		var p protocol.SessionKeyPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.driver.Approve(p.SessionKey); err != nil {
			s.sendError(c, p.SessionKey, err.Error())
		}
	case protocol.TypePlanReject:
		var p protocol.SessionKeyPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.driver.Reject(p.SessionKey); err != nil {
			s.sendError(c, p.SessionKey, err.Error())
		}
	case protocol.TypeAttachment:
		s.handleAttachment(c, msg)
	case protocol.TypeTranscribe:
		s.handleTranscribe(c, msg)
	}
}

// handleAuth checks the shared secret. Success binds the channel to every
// session in the store, replaying buffered events and deferred completions.
func (s *Server) handleAuth(c *client, msg *protocol.Message) {
	var p protocol.AuthPayload
	json.Unmarshal(msg.Payload, &p)

	if subtle.ConstantTimeCompare([]byte(p.Password), []byte(s.cfg.Password)) != 1 {
		s.sendType(c, protocol.TypeAuthFail, nil)
		return
	}

	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()

	sessions := make([]protocol.SessionSummary, 0)
	for _, sess := range s.store.List() {
		sessions = append(sessions, sess.Summary())
	}
	s.sendType(c, protocol.TypeAuthOK, protocol.AuthOKPayload{Sessions: sessions})

	// Replay happens after auth_ok so the client has the session list first.
	s.relay.AttachAll(c)
}

// handleUserMessage submits a job, creating the session on first reference.
func (s *Server) handleUserMessage(c *client, msg *protocol.Message) {
	var p protocol.UserMessagePayload
	json.Unmarshal(msg.Payload, &p)

	sess, created := s.store.CreateIfAbsent(p.SessionKey, p.SessionKey)
	if created {
		s.store.Save()
		s.relay.Attach(sess, c)
	}

	for _, path := range p.Attachments {
		sess.QueueAttachment(path)
	}

	if err := s.driver.Submit(sess, p.Text); err != nil {
		log.Printf("gateway: session %s: submit: %v", p.SessionKey, err)
	}
}

// handleNewSession creates (or looks up) a session and applies the
// requested configuration.
func (s *Server) handleNewSession(c *client, msg *protocol.Message) {
	var p protocol.NewSessionPayload
	json.Unmarshal(msg.Payload, &p)

	label := p.Label
	if label == "" {
		label = p.SessionKey
	}

	sess, created := s.store.CreateIfAbsent(p.SessionKey, label)
	if p.PlanMode {
		sess.SetPlanMode(true)
	}
	if p.AgentName != "" {
		sess.SetAgentName(p.AgentName)
	}
	if p.ResumeSessionID != "" {
		sess.SetConversationID(p.ResumeSessionID)
	}
	s.store.Save()

	if created {
		s.relay.Attach(sess, c)
	}
}

// handleKillSession removes the session entirely; a later message for the
// same key starts from a brand-new record.
func (s *Server) handleKillSession(c *client, msg *protocol.Message) {
	var p protocol.SessionKeyPayload
	json.Unmarshal(msg.Payload, &p)

	s.driver.Discard(p.SessionKey)
	s.store.Delete(p.SessionKey)
	s.store.Save()

	killed, err := protocol.NewMessage(protocol.TypeSessionKilled, protocol.SessionKeyPayload{SessionKey: p.SessionKey})
	if err == nil {
		s.broadcast(killed)
	}
}

// handleSetConfig applies an effort/model/plan-mode change and persists it.
func (s *Server) handleSetConfig(c *client, msg *protocol.Message) {
	var keyed protocol.SessionKeyPayload
	json.Unmarshal(msg.Payload, &keyed)

	sess := s.store.Get(keyed.SessionKey)
	if sess == nil {
		s.sendError(c, keyed.SessionKey, "session not found")
		return
	}

	switch msg.Type {
	case protocol.TypeSetEffort:
		var p protocol.SetEffortPayload
		json.Unmarshal(msg.Payload, &p)
		sess.SetEffort(p.Effort)
	case protocol.TypeSetModel:
		var p protocol.SetModelPayload
		json.Unmarshal(msg.Payload, &p)
		sess.SetModel(p.Model)
	case protocol.TypeSetPlanMode:
		var p protocol.SetPlanModePayload
		json.Unmarshal(msg.Payload, &p)
		sess.SetPlanMode(p.PlanMode)
	}
	s.store.Save()
}

// handleAttachment decodes an uploaded file into the workspace and queues
// its path for the session's next job.
func (s *Server) handleAttachment(c *client, msg *protocol.Message) {
	var p protocol.AttachmentPayload
	json.Unmarshal(msg.Payload, &p)

	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		s.sendError(c, p.SessionKey, fmt.Sprintf("invalid attachment encoding: %v", err))
		return
	}

	if err := os.MkdirAll(s.cfg.WorkspaceDir, 0o755); err != nil {
		s.sendError(c, p.SessionKey, fmt.Sprintf("workspace unavailable: %v", err))
		return
	}

	name := fmt.Sprintf("%s-%s", uuid.NewString()[:8], filepath.Base(p.Name))
	path := filepath.Join(s.cfg.WorkspaceDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.sendError(c, p.SessionKey, fmt.Sprintf("store attachment: %v", err))
		return
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	sess, created := s.store.CreateIfAbsent(p.SessionKey, p.SessionKey)
	if created {
		s.store.Save()
		s.relay.Attach(sess, c)
	}
	sess.QueueAttachment(abs)

	if note, merr := protocol.NewMessage(protocol.TypeSysMsg, protocol.SysMsgPayload{
		SessionKey: p.SessionKey,
		Text:       fmt.Sprintf("attached %s", p.Name),
	}); merr == nil {
		s.relay.Publish(p.SessionKey, note)
	}
}

// handleTranscribe forwards audio to the speech-to-text service and returns
// the text on this channel only.
func (s *Server) handleTranscribe(c *client, msg *protocol.Message) {
	var p protocol.TranscribePayload
	json.Unmarshal(msg.Payload, &p)

	audio, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		s.sendType(c, protocol.TypeTranscription, protocol.TranscriptionPayload{
			Error: fmt.Sprintf("invalid audio encoding: %v", err),
		})
		return
	}

	go func() {
		text, err := s.trans.Transcribe(context.Background(), audio, p.MimeType)
		payload := protocol.TranscriptionPayload{Text: text}
		if err != nil {
			payload.Error = err.Error()
		}
		s.sendType(c, protocol.TypeTranscription, payload)
	}()
}

// sendType marshals and queues a typed message on one channel.
func (s *Server) sendType(c *client, msgType string, payload interface{}) {
	if payload == nil {
		payload = struct{}{}
	}
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	c.Send(msg)
}

// sendError queues a session-scoped error event on one channel.
func (s *Server) sendError(c *client, sessionKey, text string) {
	msg, err := protocol.NewErrorMessage(sessionKey, text)
	if err != nil {
		return
	}
	c.Send(msg)
}

var _ session.Sink = (*client)(nil)
