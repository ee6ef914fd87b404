package event

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkoga/stallmux/internal/model"
)

// Sink receives alert events. Emit must not block.
type Sink interface {
	Emit(model.AlertEvent)
}

// Func adapts a function to the Sink interface.
type Func func(model.AlertEvent)

func (f Func) Emit(ev model.AlertEvent) { f(ev) }

// Discard drops every event.
var Discard Sink = Func(func(model.AlertEvent) {})

// New fills in the identifying fields of an alert event.
func New(eventType, targetID, code, message string, at time.Time) model.AlertEvent {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return model.AlertEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		TargetID:  targetID,
		Code:      code,
		Message:   message,
		EmittedAt: at,
	}
}

// Bus fans events out to subscribers and keeps a bounded ring of recent
// events for the status API. Subscribers are called synchronously with the
// lock released.
type Bus struct {
	mu     sync.Mutex
	subs   []Sink
	recent []model.AlertEvent
	limit  int
}

func NewBus(recentLimit int) *Bus {
	if recentLimit <= 0 {
		recentLimit = 256
	}
	return &Bus{limit: recentLimit}
}

func (b *Bus) Subscribe(s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
}

func (b *Bus) Emit(ev model.AlertEvent) {
	b.mu.Lock()
	b.recent = append(b.recent, ev)
	if len(b.recent) > b.limit {
		b.recent = b.recent[len(b.recent)-b.limit:]
	}
	subs := make([]Sink, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.Emit(ev)
	}
}

// Recent returns up to limit events, newest first.
func (b *Bus) Recent(limit int) []model.AlertEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.AlertEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, b.recent[i])
	}
	return out
}
