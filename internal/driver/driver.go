package driver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"agent-relay/internal/agent"
	"agent-relay/internal/protocol"
	"agent-relay/internal/session"
)

const (
	defaultReadBufSize    = 32 * 1024
	stderrScannerBufSize  = 1024 * 1024 // 1 MB
	defaultIdleWindow     = 2 * time.Second
	defaultRejectGrace    = 200 * time.Millisecond
	defaultKillTimeout    = 5 * time.Second
	toolResultByteCeiling = 800
	contextWindowTokens   = 200000
)

// benignStderr matches wrapper-tool banner noise on the child's error stream
// that is not worth surfacing to the client.
var benignStderr = regexp.MustCompile(`(?i)(DeprecationWarning|ExperimentalWarning|punycode)`)

// Config holds the driver's spawn and detection settings.
type Config struct {
	Command          string // child executable name
	WorkspaceDir     string // upload/output directory named in the system directive
	AgentsDir        string // agent-persona definition files
	IdleWindow       time.Duration
	RejectGrace      time.Duration
	ApprovalPatterns []*regexp.Regexp
}

func (c *Config) fill() {
	if c.Command == "" {
		c.Command = "claude"
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = defaultIdleWindow
	}
	if c.RejectGrace <= 0 {
		c.RejectGrace = defaultRejectGrace
	}
	if c.ApprovalPatterns == nil {
		c.ApprovalPatterns = DefaultApprovalPatterns
	}
}

// Driver owns the spawn/decode/terminate lifecycle of at most one child
// process per session.
type Driver struct {
	cfg   Config
	store *session.Store
	relay *session.Relay

	mu   sync.Mutex
	jobs map[string]*job
}

// job is the runtime state of one running child process.
type job struct {
	key   string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	gate  *planGate
	dec   decoder
	wg    sync.WaitGroup

	// acc collects assistant text for the history entry appended on exit.
	// Only the stdout decode goroutine writes it.
	acc strings.Builder

	// result is the payload of the result stream event, read at exit.
	resultMu sync.Mutex
	result   *protocol.DonePayload

	// cancelled, superseded, exited, and killTimer are guarded by the
	// driver mutex.
	cancelled  bool
	superseded bool
	exited     bool
	killTimer  *time.Timer
}

// New creates a driver over the given store and relay.
func New(cfg Config, store *session.Store, relay *session.Relay) *Driver {
	cfg.fill()
	return &Driver{
		cfg:   cfg,
		store: store,
		relay: relay,
		jobs:  make(map[string]*job),
	}
}

// Submit starts a job for the session. A job already running for the same
// session is terminated first, so at most one child process is ever live
// per session.
func (d *Driver) Submit(sess *session.Session, text string) error {
	key := sess.Key

	d.mu.Lock()
	if old := d.jobs[key]; old != nil {
		old.superseded = true
		delete(d.jobs, key)
		d.terminate(old)
	}
	d.mu.Unlock()

	// History gains the user entry at submit time, before spawn.
	sess.AppendHistory("user", text)
	d.store.Save()

	prompt := text
	if atts := sess.TakeAttachments(); len(atts) > 0 {
		prompt += "\n\nAttached files:\n"
		for _, p := range atts {
			prompt += p + "\n"
		}
	}

	_, _, _, _, planMode := sess.Config()

	cmd := exec.Command(d.cfg.Command, d.buildArgs(sess, prompt)...)
	cmd.Dir = d.cfg.WorkspaceDir
	// Own process group so termination reaches the child's descendants.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return d.spawnFailed(key, fmt.Errorf("create stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return d.spawnFailed(key, fmt.Errorf("create stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return d.spawnFailed(key, fmt.Errorf("create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return d.spawnFailed(key, fmt.Errorf("start %s: %w", d.cfg.Command, err))
	}

	j := &job{
		key:   key,
		cmd:   cmd,
		stdin: stdin,
		gate:  newPlanGate(d.relay, key, planMode, d.cfg.IdleWindow),
	}

	// The jobs-map entry and the session's running flag change together under
	// the driver mutex, so a superseded job's exit can never clear the flag
	// of its replacement.
	d.mu.Lock()
	d.jobs[key] = j
	sess.SetRunning(true)
	d.mu.Unlock()

	j.wg.Add(2)
	go d.readOutput(j, sess, stdout)
	go d.readStderr(j, stderr)
	go d.waitForExit(j, sess)

	return nil
}

// spawnFailed surfaces a spawn error as an event on the owning session.
func (d *Driver) spawnFailed(key string, err error) error {
	log.Printf("driver: session %s: %v", key, err)
	if msg, merr := protocol.NewErrorMessage(key, err.Error()); merr == nil {
		d.relay.Publish(key, msg)
	}
	return err
}

// buildArgs assembles the child argv from the session configuration.
func (d *Driver) buildArgs(sess *session.Session, prompt string) []string {
	model, effort, agentName, convID, planMode := sess.Config()

	directive := fmt.Sprintf(
		"Uploaded files and any files you generate belong in %s. Write generated files there and refer to them by absolute path.",
		d.cfg.WorkspaceDir)

	if agentName != "" {
		def, err := agent.Load(d.cfg.AgentsDir, agentName)
		if err != nil {
			// Non-fatal: omit the persona and surface a warning.
			log.Printf("driver: session %s: agent %q unavailable: %v", sess.Key, agentName, err)
			if msg, merr := protocol.NewMessage(protocol.TypeSysMsg, protocol.SysMsgPayload{
				SessionKey: sess.Key,
				Text:       fmt.Sprintf("agent %q could not be loaded; continuing without it", agentName),
			}); merr == nil {
				d.relay.Publish(sess.Key, msg)
			}
		} else {
			if def.Body != "" {
				directive += "\n\n" + def.Body
			}
			if model == "" && def.Model != "" {
				model = def.Model
			}
		}
	}

	args := []string{"--output-format", "stream-json", "--verbose"}
	if model != "" {
		args = append(args, "--model", model)
	}
	// Effort only applies to the higher-tier model family.
	if effort != "" && strings.HasPrefix(model, "opus") {
		args = append(args, "--effort", effort)
	}
	if planMode {
		args = append(args, "--permission-mode", "plan")
	}
	if convID != "" {
		args = append(args, "--resume", convID)
	}
	args = append(args, "--append-system-prompt", directive, "-p", prompt)
	return args
}

// readOutput decodes the child's stdout into structured events.
func (d *Driver) readOutput(j *job, sess *session.Session, stdout io.Reader) {
	defer j.wg.Done()

	buf := make([]byte, defaultReadBufSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, line := range j.dec.feed(buf[:n]) {
				d.handleLine(j, sess, line)
			}
			j.gate.noteOutput()
		}
		if err != nil {
			for _, line := range j.dec.flush() {
				d.handleLine(j, sess, line)
			}
			return
		}
	}
}

// handleLine classifies one complete decoded line.
func (d *Driver) handleLine(j *job, sess *session.Session, line string) {
	if strings.HasPrefix(line, "{") {
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			log.Printf("driver: session %s: malformed stream event: %v", j.key, err)
			return
		}
		d.handleEvent(j, sess, &ev)
		return
	}

	// Non-JSON diagnostic output. In plan mode an approval prompt pauses
	// the job; anything else is forwarded as informational.
	if j.gate.matchLine(line, d.cfg.ApprovalPatterns) {
		return
	}
	if msg, err := protocol.NewMessage(protocol.TypeSysMsg, protocol.SysMsgPayload{
		SessionKey: j.key,
		Text:       line,
	}); err == nil {
		d.relay.Publish(j.key, msg)
	}
}

// handleEvent relays one structured stream event.
func (d *Driver) handleEvent(j *job, sess *session.Session, ev *streamEvent) {
	switch ev.Type {
	case "system":
		if ev.Subtype == "init" && ev.SessionID != "" {
			sess.SetConversationID(ev.SessionID)
			d.store.Save()
			d.publish(j.key, protocol.TypeSessionInit, protocol.SessionInitPayload{
				SessionKey: j.key,
				SessionID:  ev.SessionID,
			})
		}

	case "assistant":
		if ev.Message == nil {
			return
		}
		for _, blk := range ev.Message.Content {
			switch blk.Type {
			case "text":
				if blk.Text == "" {
					continue
				}
				j.acc.WriteString(blk.Text)
				j.gate.noteText()
				d.publish(j.key, protocol.TypeToken, protocol.TokenPayload{
					SessionKey: j.key,
					Text:       blk.Text,
				})
			case "tool_use":
				d.publish(j.key, protocol.TypeToolUse, protocol.ToolUsePayload{
					SessionKey: j.key,
					Name:       blk.Name,
					Input:      blk.Input,
					ID:         blk.ID,
				})
			}
		}

	case "user":
		if ev.Message == nil {
			return
		}
		for _, blk := range ev.Message.Content {
			if blk.Type != "tool_result" {
				continue
			}
			d.publish(j.key, protocol.TypeToolResult, protocol.ToolResultPayload{
				SessionKey: j.key,
				ToolUseID:  blk.ToolUseID,
				Content:    truncate(blk.resultText(), toolResultByteCeiling),
			})
		}

	case "result":
		if ev.Usage != nil {
			d.publish(j.key, protocol.TypeUsage, protocol.UsagePayload{
				SessionKey:   j.key,
				InputTokens:  ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
				ContextLimit: contextWindowTokens,
			})
		}
		done := &protocol.DonePayload{SessionKey: j.key, Subtype: ev.Subtype}
		if done.Subtype == "" {
			done.Subtype = protocol.DoneSuccess
		}
		if ev.IsError {
			done.Subtype = protocol.DoneError
			done.Error = ev.Result
		}
		j.resultMu.Lock()
		j.result = done
		j.resultMu.Unlock()
	}
}

// readStderr forwards child error-stream lines as warning events, skipping
// the known benign wrapper banners.
func (d *Driver) readStderr(j *job, stderr io.Reader) {
	defer j.wg.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, stderrScannerBufSize), stderrScannerBufSize)
	for scanner.Scan() {
		line := normalizeLine(scanner.Text())
		if line == "" || benignStderr.MatchString(line) {
			continue
		}
		if msg, err := protocol.NewErrorMessage(j.key, line); err == nil {
			d.relay.Publish(j.key, msg)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Printf("driver: session %s: stderr scanner error: %v", j.key, err)
	}
}

// waitForExit reaps the child and performs the terminal transition: exactly
// one terminal event per non-superseded job, relayed or deferred.
func (d *Driver) waitForExit(j *job, sess *session.Session) {
	j.wg.Wait()
	err := j.cmd.Wait()
	j.gate.stop()

	d.mu.Lock()
	j.exited = true
	if j.killTimer != nil {
		j.killTimer.Stop()
		j.killTimer = nil
	}
	if d.jobs[j.key] == j {
		delete(d.jobs, j.key)
	}
	replaced := d.jobs[j.key] != nil
	superseded := j.superseded
	cancelled := j.cancelled
	if !replaced {
		sess.SetRunning(false)
	}
	d.mu.Unlock()

	if superseded {
		// Implicit cancel: a newer job owns this session's stream now.
		return
	}

	if text := j.acc.String(); text != "" {
		sess.AppendHistory("claude", text)
	}
	d.store.Save()

	j.resultMu.Lock()
	done := j.result
	j.resultMu.Unlock()

	if done == nil {
		done = &protocol.DonePayload{SessionKey: j.key, Subtype: protocol.DoneSuccess}
		if err != nil {
			done.Subtype = protocol.DoneError
			done.Error = err.Error()
			if exitErr, ok := err.(*exec.ExitError); ok {
				done.Code = exitErr.ExitCode()
			}
		}
	}
	if cancelled {
		done.Subtype = protocol.DoneCancelled
		done.Error = ""
	}

	msg, merr := protocol.NewMessage(protocol.TypeDone, done)
	if merr != nil {
		return
	}
	d.relay.PublishTerminal(j.key, msg)
}

// Cancel terminates the session's running job, if any. The handle is
// cleared synchronously; the terminal cancelled event follows once the OS
// finishes tearing the process down.
func (d *Driver) Cancel(key string) {
	d.mu.Lock()
	j := d.jobs[key]
	if j != nil {
		j.cancelled = true
		d.terminate(j)
	}
	d.mu.Unlock()
}

// Discard silently kills the session's running job without a terminal
// event. Used when the session itself is being removed.
func (d *Driver) Discard(key string) {
	d.mu.Lock()
	j := d.jobs[key]
	if j != nil {
		j.superseded = true
		delete(d.jobs, key)
		d.terminate(j)
	}
	d.mu.Unlock()
}

// Running reports whether the session currently has a live job.
func (d *Driver) Running(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jobs[key] != nil
}

// Approve answers a plan-waiting job affirmatively and resumes it.
func (d *Driver) Approve(key string) error {
	d.mu.Lock()
	j := d.jobs[key]
	d.mu.Unlock()
	if j == nil {
		return fmt.Errorf("no running job for session %s", key)
	}

	if _, err := io.WriteString(j.stdin, "yes\n"); err != nil {
		return fmt.Errorf("write approval: %w", err)
	}
	j.gate.resume()
	return nil
}

// Reject answers a plan-waiting job negatively, then force-terminates after
// a short grace period to let the child shut down cleanly first.
func (d *Driver) Reject(key string) error {
	d.mu.Lock()
	j := d.jobs[key]
	if j != nil {
		j.cancelled = true
	}
	d.mu.Unlock()
	if j == nil {
		return fmt.Errorf("no running job for session %s", key)
	}

	if _, err := io.WriteString(j.stdin, "no\n"); err != nil {
		log.Printf("driver: session %s: write rejection: %v", key, err)
	}
	time.AfterFunc(d.cfg.RejectGrace, func() {
		d.mu.Lock()
		d.terminate(j)
		d.mu.Unlock()
	})
	return nil
}

// PlanWaiting reports whether the session's job is paused for approval.
func (d *Driver) PlanWaiting(key string) bool {
	d.mu.Lock()
	j := d.jobs[key]
	d.mu.Unlock()
	return j != nil && j.gate.waiting()
}

// Shutdown terminates every running job.
func (d *Driver) Shutdown() {
	d.mu.Lock()
	for key, j := range d.jobs {
		j.superseded = true
		delete(d.jobs, key)
		d.terminate(j)
	}
	d.mu.Unlock()
}

// terminate signals the job's process group, escalating to SIGKILL after a
// timeout. The timer is stopped once the process is reaped, so it cannot
// signal a recycled process group. Callers hold the driver mutex.
func (d *Driver) terminate(j *job) {
	if j.exited || j.cmd.Process == nil {
		return
	}
	pid := j.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		j.cmd.Process.Signal(syscall.SIGTERM)
	}
	if j.killTimer == nil {
		j.killTimer = time.AfterFunc(defaultKillTimeout, func() {
			syscall.Kill(-pid, syscall.SIGKILL)
		})
	}
}

func (d *Driver) publish(key, msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	d.relay.Publish(key, msg)
}

// truncate cuts s to at most n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
