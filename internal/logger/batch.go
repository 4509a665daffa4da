package logger

import (
	"sync"
	"time"

	"github.com/rzbill/mev/internal/event"
)

// batch is one account's pending events. Once closed it is immutable and
// owned by the dispatch path.
type batch struct {
	account string
	started time.Time

	mu     sync.Mutex
	events []event.Event
	closed bool
}

func newBatch(account string, size int) *batch {
	return &batch{account: account, started: time.Now(), events: make([]event.Event, 0, size)}
}

// add appends e unless the batch was already drained. full reports that the
// batch reached size with this event.
func (b *batch) add(e event.Event, size int) (added, full bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, false
	}
	b.events = append(b.events, e)
	return true, len(b.events) >= size
}

// seal closes the batch and reports whether this call did so.
func (b *batch) seal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.closed = true
	return true
}
