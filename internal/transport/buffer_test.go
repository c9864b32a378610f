package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPayloadBuffer_EnsureCapacity(t *testing.T) {
	b := newPayloadBuffer(0)
	assert.Equal(t, defaultPayloadCapacity, b.capacity())

	b.ensureCapacity(100)
	assert.Equal(t, defaultPayloadCapacity, b.capacity(), "no growth when it fits")

	b.ensureCapacity(defaultPayloadCapacity + 1)
	assert.Equal(t, 2*defaultPayloadCapacity, b.capacity(), "doubles when doubling is enough")

	b.ensureCapacity(10 * defaultPayloadCapacity)
	assert.Equal(t, 10*defaultPayloadCapacity, b.capacity(), "jumps to n when doubling is not enough")
}

func TestPayloadBuffer_CopyInView(t *testing.T) {
	b := newPayloadBuffer(8)
	view := b.copyIn([]byte("abc"))
	assert.Equal(t, []byte("abc"), view)
	assert.Equal(t, 3, cap(view), "view cannot be appended into the rest of the buffer")

	next := b.copyIn([]byte("xy"))
	assert.Equal(t, []byte("xy"), next)
	assert.Equal(t, []byte("xyc"), view, "earlier views are overwritten by the next receive")
}

func TestPayloadBuffer_CopyInOverflowPanics(t *testing.T) {
	b := newPayloadBuffer(4)
	assert.Panics(t, func() { b.copyIn(make([]byte, 5)) })
}
