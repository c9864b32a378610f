package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInbox_DrainOrderAndLimit(t *testing.T) {
	var in Inbox
	var got []int
	for i := range 5 {
		in.Push(func() { got = append(got, i) })
	}

	assert.Equal(t, 2, in.Drain(2))
	assert.Equal(t, []int{0, 1}, got)
	assert.Equal(t, 3, in.Len())

	assert.Equal(t, 3, in.Drain(0))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Equal(t, 0, in.Drain(1))
}

func TestInbox_PushDuringDrain(t *testing.T) {
	var in Inbox
	ran := 0
	in.Push(func() {
		ran++
		in.Push(func() { ran++ })
	})
	assert.Equal(t, 2, in.Drain(0))
	assert.Equal(t, 2, ran)
}

func TestInbox_Close(t *testing.T) {
	var in Inbox
	in.Push(func() { t.Fatal("dropped callback ran") })
	in.Close()
	assert.False(t, in.Push(func() {}))
	assert.Equal(t, 0, in.Drain(0))
}

func TestInbox_ConcurrentPush(t *testing.T) {
	var in Inbox
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				in.Push(func() {})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, in.Drain(0))
}
