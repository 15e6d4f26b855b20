package sync

import (
	"context"
	gosync "sync"
)

// Recorder keeps every event in memory so a test can assert on the exact
// sequence of progress updates.
type Recorder struct {
	mu     gosync.Mutex
	events []Event
}

func (r *Recorder) Report(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
