package transport

import "fmt"

const defaultPayloadCapacity = 4096

// payloadBuffer is the single receive buffer reused by one Transport. Every receive
// overwrites it, so a view returned by copyIn is valid only until the next receive.
type payloadBuffer struct {
	buf []byte
	n   int
}

func newPayloadBuffer(capacity int) *payloadBuffer {
	if capacity <= 0 {
		capacity = defaultPayloadCapacity
	}
	return &payloadBuffer{buf: make([]byte, capacity)}
}

func (b *payloadBuffer) capacity() int { return len(b.buf) }

// ensureCapacity grows the buffer to at least max(2*capacity, n). Prior content is dropped.
func (b *payloadBuffer) ensureCapacity(n int) {
	if len(b.buf) >= n {
		return
	}
	b.buf = make([]byte, max(len(b.buf)*2, n))
	b.n = 0
}

// copyIn overwrites the buffer with data and returns a view of the valid range.
// Callers must ensureCapacity first; overflowing here is a programming error.
func (b *payloadBuffer) copyIn(data []byte) []byte {
	if len(data) > len(b.buf) {
		panic(fmt.Sprintf("transport: payload of %d bytes exceeds ensured capacity %d", len(data), len(b.buf)))
	}
	b.n = copy(b.buf, data)
	return b.buf[:b.n:b.n]
}

func (b *payloadBuffer) reset(capacity int) {
	if capacity <= 0 {
		capacity = defaultPayloadCapacity
	}
	if len(b.buf) != capacity {
		b.buf = make([]byte, capacity)
	}
	b.n = 0
}
