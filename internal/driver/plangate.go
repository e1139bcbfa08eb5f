package driver

import (
	"regexp"
	"sync"
	"time"

	"agent-relay/internal/protocol"
	"agent-relay/internal/session"
)

// DefaultApprovalPatterns match non-JSON diagnostic lines that mean the
// child is asking whether to proceed. The set is configuration, not logic:
// callers may override it via Config.ApprovalPatterns.
var DefaultApprovalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)do you want to proceed`),
	regexp.MustCompile(`(?i)would you like to proceed`),
	regexp.MustCompile(`(?i)proceed\?`),
	regexp.MustCompile(`(?i)\[y(es)?/n(o)?\]`),
}

// planGate is the per-job sub-state-machine that pauses a plan-mode run
// awaiting a yes/no decision. It has two triggers for the same transition:
// the output-idle timer and the approval-prompt pattern match. The first
// trigger wins and latches until the next response cycle, so a double
// near-simultaneous fire emits exactly one plan_waiting event.
type planGate struct {
	relay   *session.Relay
	key     string
	enabled bool
	idle    time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	sawText bool
	fired   bool
	stopped bool
}

func newPlanGate(relay *session.Relay, key string, enabled bool, idle time.Duration) *planGate {
	return &planGate{
		relay:   relay,
		key:     key,
		enabled: enabled,
		idle:    idle,
	}
}

// noteOutput resets the idle timer. Called on every chunk of child output;
// the timer only runs once response text has accumulated and the gate has
// not already fired this cycle.
func (g *planGate) noteOutput() {
	if !g.enabled {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped || g.fired || !g.sawText {
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(g.idle, g.trigger)
}

// noteText marks that response text has accumulated, arming idle detection.
func (g *planGate) noteText() {
	if !g.enabled {
		return
	}
	g.mu.Lock()
	g.sawText = true
	g.mu.Unlock()
}

// matchLine reports whether a non-JSON line is an approval prompt; a match
// triggers the gate.
func (g *planGate) matchLine(line string, patterns []*regexp.Regexp) bool {
	if !g.enabled {
		return false
	}
	for _, p := range patterns {
		if p.MatchString(line) {
			g.trigger()
			return true
		}
	}
	return false
}

// trigger transitions the job to plan-waiting, once per cycle.
func (g *planGate) trigger() {
	g.mu.Lock()
	if g.stopped || g.fired {
		g.mu.Unlock()
		return
	}
	g.fired = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.mu.Unlock()

	msg, err := protocol.NewMessage(protocol.TypePlanWaiting, protocol.SessionKeyPayload{SessionKey: g.key})
	if err != nil {
		return
	}
	g.relay.Publish(g.key, msg)
}

// resume unlatches the gate after an approval so the next response cycle
// can trigger it again.
func (g *planGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fired = false
	g.sawText = false
}

// stop disarms the gate permanently when the job ends.
func (g *planGate) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// waiting reports whether the gate is latched in plan-waiting.
func (g *planGate) waiting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fired && !g.stopped
}
