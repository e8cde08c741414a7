package events

import "sync"

// ringBuffer keeps the most recent envelopes for replay to reconnecting
// clients, evicting the oldest first.
type ringBuffer struct {
	mu       sync.RWMutex
	items    []Envelope
	head     int
	size     int
	capacity int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &ringBuffer{items: make([]Envelope, capacity), capacity: capacity}
}

// add stores env and reports whether an older envelope was evicted.
func (rb *ringBuffer) add(env Envelope) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	tail := (rb.head + rb.size) % rb.capacity
	rb.items[tail] = env
	if rb.size < rb.capacity {
		rb.size++
		return false
	}
	rb.head = (rb.head + 1) % rb.capacity
	return true
}

// after returns the buffered envelopes with a sequence greater than seq,
// oldest first.
func (rb *ringBuffer) after(seq uint64) []Envelope {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []Envelope
	for i := 0; i < rb.size; i++ {
		env := rb.items[(rb.head+i)%rb.capacity]
		if env.Sequence > seq {
			out = append(out, env)
		}
	}
	return out
}

func (rb *ringBuffer) len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}
