// Package relay holds pieces shared by relay substrate implementations.
package relay

import "sync"

// Inbox is an ordered queue of pending callbacks. Producers push from any goroutine;
// the owning manager runs them on the goroutine that calls Drain, so per-link callbacks
// are observed in the order they were pushed.
type Inbox struct {
	mu     sync.Mutex
	items  []func()
	closed bool
}

// Push queues fn and reports false once the inbox is closed.
func (in *Inbox) Push(fn func()) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	in.items = append(in.items, fn)
	return true
}

// Drain runs up to max queued callbacks (all when max <= 0) and returns how many ran.
// Callbacks pushed while draining are picked up by the same call if max allows.
func (in *Inbox) Drain(max int) int {
	n := 0
	for max <= 0 || n < max {
		in.mu.Lock()
		if len(in.items) == 0 {
			in.mu.Unlock()
			break
		}
		fn := in.items[0]
		in.items[0] = nil
		in.items = in.items[1:]
		in.mu.Unlock()

		fn()
		n++
	}
	return n
}

func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.items)
}

// Close drops pending callbacks and rejects further pushes.
func (in *Inbox) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	in.items = nil
}
