package session

import (
	"sync"
	"testing"

	"agent-relay/internal/protocol"
)

// testSink records delivered messages; Closed() makes it behave like a
// closed channel.
type testSink struct {
	mu     sync.Mutex
	msgs   []*protocol.Message
	closed bool
}

func (s *testSink) Send(msg *protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *testSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *testSink) received() []*protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func newRelayFixture(t *testing.T) (*Store, *Relay, *Session) {
	t.Helper()
	store := newTestStore(t)
	sess, _ := store.CreateIfAbsent("a", "a")
	return store, NewRelay(store), sess
}

func TestRelay_PublishUnattachedBuffersOnly(t *testing.T) {
	_, relay, sess := newRelayFixture(t)

	relay.Publish("a", makeMsg(0))
	relay.Publish("a", makeMsg(1))

	if sess.buffer.Len() != 2 {
		t.Fatalf("expected 2 buffered messages, got %d", sess.buffer.Len())
	}
}

func TestRelay_PublishUnknownSessionDropped(t *testing.T) {
	_, relay, _ := newRelayFixture(t)
	relay.Publish("nope", makeMsg(0)) // must not panic
}

func TestRelay_ReplayThenLive(t *testing.T) {
	_, relay, sess := newRelayFixture(t)

	for i := 0; i < 5; i++ {
		relay.Publish("a", makeMsg(i))
	}

	sink := &testSink{}
	relay.Attach(sess, sink)
	relay.Publish("a", makeMsg(5))

	got := sink.received()
	if len(got) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(got))
	}
	for i, m := range got {
		expected := "line-" + string(rune('0'+i))
		if text := msgText(t, m); text != expected {
			t.Errorf("message %d: expected %s, got %s", i, expected, text)
		}
	}
}

func TestRelay_AttachReplaysInOrderNoDuplicates(t *testing.T) {
	_, relay, sess := newRelayFixture(t)

	for i := 0; i < 3; i++ {
		relay.Publish("a", makeMsg(i))
	}

	first := &testSink{}
	relay.Attach(sess, first)
	if len(first.received()) != 3 {
		t.Fatalf("expected 3 replayed messages, got %d", len(first.received()))
	}

	// A second attachment replays the same buffer to the new channel.
	second := &testSink{}
	relay.Attach(sess, second)
	if len(second.received()) != 3 {
		t.Fatalf("expected 3 replayed messages on reattach, got %d", len(second.received()))
	}
}

func TestRelay_TerminalDeliveredWhenAttached(t *testing.T) {
	_, relay, sess := newRelayFixture(t)

	sink := &testSink{}
	relay.Attach(sess, sink)

	done, _ := protocol.NewMessage(protocol.TypeDone, protocol.DonePayload{SessionKey: "a", Subtype: "success"})
	relay.PublishTerminal("a", done)

	got := sink.received()
	if len(got) != 1 || got[0].Type != protocol.TypeDone {
		t.Fatalf("expected one done message, got %v", got)
	}
	// Delivered live, so it is also buffered for later replay.
	if sess.buffer.Len() != 1 {
		t.Errorf("expected done in buffer, got %d messages", sess.buffer.Len())
	}
}

func TestRelay_DeferredTerminalDeliveredExactlyOnce(t *testing.T) {
	_, relay, sess := newRelayFixture(t)

	relay.Publish("a", makeMsg(0))

	done, _ := protocol.NewMessage(protocol.TypeDone, protocol.DonePayload{SessionKey: "a", Subtype: "success"})
	relay.PublishTerminal("a", done)

	sink := &testSink{}
	relay.Attach(sess, sink)

	got := sink.received()
	if len(got) != 2 {
		t.Fatalf("expected buffered token then deferred done, got %d messages", len(got))
	}
	if got[0].Type != protocol.TypeToken || got[1].Type != protocol.TypeDone {
		t.Errorf("unexpected order: %s, %s", got[0].Type, got[1].Type)
	}

	// A second attachment without an intervening completion delivers the
	// buffer only, no extra done.
	again := &testSink{}
	relay.Attach(sess, again)
	for _, m := range again.received() {
		if m.Type == protocol.TypeDone {
			t.Fatal("deferred done delivered twice")
		}
	}
}

func TestRelay_DeferredTerminalOverwrites(t *testing.T) {
	_, relay, sess := newRelayFixture(t)

	first, _ := protocol.NewMessage(protocol.TypeDone, protocol.DonePayload{SessionKey: "a", Subtype: "error"})
	second, _ := protocol.NewMessage(protocol.TypeDone, protocol.DonePayload{SessionKey: "a", Subtype: "success"})
	relay.PublishTerminal("a", first)
	relay.PublishTerminal("a", second)

	sink := &testSink{}
	relay.Attach(sess, sink)

	got := sink.received()
	if len(got) != 1 {
		t.Fatalf("expected exactly one deferred done, got %d", len(got))
	}
	if got[0] != second {
		t.Error("expected the most recent terminal event")
	}
}

func TestRelay_ClosedSinkTreatedAsAbsent(t *testing.T) {
	_, relay, sess := newRelayFixture(t)

	sink := &testSink{}
	relay.Attach(sess, sink)
	sink.Close()

	done, _ := protocol.NewMessage(protocol.TypeDone, protocol.DonePayload{SessionKey: "a", Subtype: "success"})
	relay.PublishTerminal("a", done)

	// The terminal event must be deferred, not lost.
	fresh := &testSink{}
	relay.Attach(sess, fresh)

	got := fresh.received()
	if len(got) != 1 || got[0].Type != protocol.TypeDone {
		t.Fatalf("expected deferred done after sink closed, got %v", got)
	}
}

func TestRelay_DetachClearsBinding(t *testing.T) {
	_, relay, sess := newRelayFixture(t)

	sink := &testSink{}
	relay.Attach(sess, sink)
	relay.Detach(sink)

	relay.Publish("a", makeMsg(0))
	if len(sink.received()) != 0 {
		t.Error("detached sink must not receive messages")
	}
	if sess.buffer.Len() != 1 {
		t.Error("message must still be buffered")
	}
}

func TestRelay_DetachLeavesOtherSinks(t *testing.T) {
	store, relay, sess := newRelayFixture(t)
	other, _ := store.CreateIfAbsent("b", "b")

	sinkA := &testSink{}
	sinkB := &testSink{}
	relay.Attach(sess, sinkA)
	relay.Attach(other, sinkB)

	relay.Detach(sinkA)

	relay.Publish("b", makeMsg(0))
	if len(sinkB.received()) != 1 {
		t.Error("unrelated binding must survive a detach")
	}
}

func TestRelay_BufferCapacityBoundsReplay(t *testing.T) {
	_, relay, sess := newRelayFixture(t)

	for i := 0; i < liveBufferCapacity+50; i++ {
		relay.Publish("a", makeMsg(i))
	}

	sink := &testSink{}
	relay.Attach(sess, sink)

	got := sink.received()
	if len(got) != liveBufferCapacity {
		t.Fatalf("expected %d replayed messages, got %d", liveBufferCapacity, len(got))
	}
}
