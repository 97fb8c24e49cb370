package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
)

// ConsolePublisher writes one formatted line per event.
type ConsolePublisher struct {
	logger *log.Logger
	min    Severity
}

// NewConsolePublisher constructs a console publisher filtering below min.
func NewConsolePublisher(w io.Writer, min Severity) *ConsolePublisher {
	return &ConsolePublisher{logger: log.New(w, "", log.LstdFlags), min: min}
}

func (p *ConsolePublisher) Publish(_ context.Context, event Event) {
	if p == nil || p.logger == nil || event.Severity < p.min {
		return
	}
	p.logger.Printf("[%s] room=%s client=%s tick=%d%s",
		event.Type, event.Room, event.ClientID, event.Tick, formatPayload(event.Payload))
}

func formatPayload(payload any) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(" payload=%v", payload)
	}
	return fmt.Sprintf(" payload=%s", data)
}

// MemoryPublisher retains events for inspection, used by tests and the
// diagnostics endpoint's recent-events view.
type MemoryPublisher struct {
	mu     sync.RWMutex
	limit  int
	events []Event
}

// NewMemoryPublisher retains at most limit events, oldest evicted first.
func NewMemoryPublisher(limit int) *MemoryPublisher {
	if limit <= 0 {
		limit = 256
	}
	return &MemoryPublisher{limit: limit}
}

func (p *MemoryPublisher) Publish(_ context.Context, event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) >= p.limit {
		p.events = p.events[1:]
	}
	p.events = append(p.events, event)
}

// Events returns a copy of the retained events.
func (p *MemoryPublisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	copied := make([]Event, len(p.events))
	copy(copied, p.events)
	return copied
}

// Reset discards retained events.
func (p *MemoryPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = p.events[:0]
}

// Fanout publishes each event to every child publisher in order.
func Fanout(pubs ...Publisher) Publisher {
	kept := make([]Publisher, 0, len(pubs))
	for _, pub := range pubs {
		if pub != nil {
			kept = append(kept, pub)
		}
	}
	if len(kept) == 0 {
		return NopPublisher()
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return PublisherFunc(func(ctx context.Context, event Event) {
		for _, pub := range kept {
			pub.Publish(ctx, event)
		}
	})
}
