package session

import (
	"encoding/json"
	"fmt"
	"testing"

	"agent-relay/internal/protocol"
)

func makeMsg(id int) *protocol.Message {
	msg, _ := protocol.NewMessage(protocol.TypeToken, protocol.TokenPayload{
		SessionKey: "test",
		Text:       fmt.Sprintf("line-%d", id),
	})
	return msg
}

func msgText(t *testing.T, msg *protocol.Message) string {
	t.Helper()
	var p protocol.TokenPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return p.Text
}

func TestRingBuffer_EmptyRead(t *testing.T) {
	rb := NewRingBuffer(10)
	if got := rb.ReadAll(); len(got) != 0 {
		t.Errorf("expected empty buffer, got %d messages", len(got))
	}
	if rb.Len() != 0 {
		t.Errorf("expected length 0, got %d", rb.Len())
	}
}

func TestRingBuffer_PartialFill(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		rb.Write(makeMsg(i))
	}

	msgs := rb.ReadAll()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		expected := fmt.Sprintf("line-%d", i)
		if got := msgText(t, m); got != expected {
			t.Errorf("message %d: expected %s, got %s", i, expected, got)
		}
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 0; i < 8; i++ {
		rb.Write(makeMsg(i))
	}

	msgs := rb.ReadAll()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}

	// Oldest three evicted: contents are exactly the most recent five.
	for i, m := range msgs {
		expected := fmt.Sprintf("line-%d", i+3)
		if got := msgText(t, m); got != expected {
			t.Errorf("message %d: expected %s, got %s", i, expected, got)
		}
	}
}

func TestRingBuffer_ExactCapacity(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 3; i++ {
		rb.Write(makeMsg(i))
	}

	msgs := rb.ReadAll()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if rb.Len() != 3 {
		t.Errorf("expected length 3, got %d", rb.Len())
	}
	for i, m := range msgs {
		expected := fmt.Sprintf("line-%d", i)
		if got := msgText(t, m); got != expected {
			t.Errorf("message %d: expected %s, got %s", i, expected, got)
		}
	}
}

func TestRingBuffer_NeverExceedsCapacity(t *testing.T) {
	rb := NewRingBuffer(4)
	for i := 0; i < 100; i++ {
		rb.Write(makeMsg(i))
		if rb.Len() > 4 {
			t.Fatalf("length %d exceeds capacity after %d writes", rb.Len(), i+1)
		}
	}
}
