package session

import "agent-relay/internal/protocol"

// Relay pushes published events to whichever channel is currently bound to a
// session and keeps the bounded live buffer for resilient replay. Delivery
// is best-effort: a closed or absent channel degrades to buffer-only storage,
// or to deferred-terminal storage for completion events.
type Relay struct {
	store *Store
}

// NewRelay creates a relay over the given store.
func NewRelay(store *Store) *Relay {
	return &Relay{store: store}
}

// Publish appends the event to the session's live buffer and, if a channel
// is bound, delivers it immediately. Events for unknown sessions are dropped.
func (r *Relay) Publish(key string, msg *protocol.Message) {
	sess := r.store.Get(key)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.buffer.Write(msg)
	if sess.sink != nil {
		sess.sink.Send(msg)
	}
}

// PublishTerminal delivers a completion event, or stores it as the session's
// single deferred terminal event when no channel is attached. The two paths
// are mutually exclusive: a deferred event is not also buffered, so the next
// attachment delivers it exactly once, after buffer replay.
func (r *Relay) PublishTerminal(key string, msg *protocol.Message) {
	sess := r.store.Get(key)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.sink != nil && sess.sink.Send(msg) {
		sess.buffer.Write(msg)
		return
	}
	sess.deferred = msg
}

// Attach binds a channel to the session, replays the entire live buffer in
// publish order, then delivers any deferred terminal event and clears it.
func (r *Relay) Attach(sess *Session, sink Sink) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.sink = sink
	for _, msg := range sess.buffer.ReadAll() {
		sink.Send(msg)
	}
	if sess.deferred != nil {
		sink.Send(sess.deferred)
		sess.deferred = nil
	}
}

// AttachAll binds a channel to every session in the store.
func (r *Relay) AttachAll(sink Sink) {
	for _, sess := range r.store.List() {
		r.Attach(sess, sink)
	}
}

// Detach clears the bound channel from every session it is attached to.
// Other sinks are left alone.
func (r *Relay) Detach(sink Sink) {
	for _, sess := range r.store.List() {
		sess.mu.Lock()
		if sess.sink == sink {
			sess.sink = nil
		}
		sess.mu.Unlock()
	}
}
