package notify

import (
	"context"
	"sync"
)

// Journal keeps events in memory in emission order. It serves as both a Notifier
// and a Sink, which makes it the recorder of choice in tests and dev mode.
type Journal struct {
	mu     sync.RWMutex
	events []Event
}

func NewJournal() *Journal {
	return &Journal{}
}

func (j *Journal) Emit(_ context.Context, ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
}

func (j *Journal) Publish(ctx context.Context, ev Event) error {
	j.Emit(ctx, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (j *Journal) Events() []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Event, len(j.events))
	copy(out, j.events)
	return out
}

// Filter returns recorded events emitted by source.
func (j *Journal) Filter(source string) []Event {
	var out []Event
	for _, ev := range j.Events() {
		if ev.Source == source {
			out = append(out, ev)
		}
	}
	return out
}

// Kinds lists the kinds recorded for source, in order.
func (j *Journal) Kinds(source string) []Kind {
	var out []Kind
	for _, ev := range j.Filter(source) {
		out = append(out, ev.Kind)
	}
	return out
}
