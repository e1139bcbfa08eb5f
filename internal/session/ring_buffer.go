package session

import "agent-relay/internal/protocol"

// RingBuffer is a fixed-capacity circular buffer of relay messages.
// It allows a reattaching channel to catch up on recent output.
type RingBuffer struct {
	buf      []*protocol.Message
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		buf:      make([]*protocol.Message, capacity),
		capacity: capacity,
	}
}

// Write adds a message, evicting the oldest once the buffer is full.
// Callers synchronize access; the relay writes under the session mutex.
func (rb *RingBuffer) Write(msg *protocol.Message) {
	rb.buf[rb.pos] = msg
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// Len reports the number of buffered messages.
func (rb *RingBuffer) Len() int {
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

// ReadAll returns all buffered messages in publish order.
func (rb *RingBuffer) ReadAll() []*protocol.Message {
	if !rb.full {
		result := make([]*protocol.Message, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]*protocol.Message, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
