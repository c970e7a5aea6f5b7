package monitor

import "sync"

// RingBuffer is a fixed-capacity circular buffer of monitor messages so
// observers joining mid-session can catch up on recent traffic.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []*Message
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		buf:      make([]*Message, capacity),
		capacity: capacity,
	}
}

// Write adds a message to the ring buffer.
func (rb *RingBuffer) Write(msg *Message) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = msg
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// ReadAll returns all buffered messages in chronological order.
func (rb *RingBuffer) ReadAll() []*Message {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]*Message, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]*Message, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
