// Package notify fans operation events out to observers (WebSocket clients,
// Kafka) without ever blocking the publisher.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"athena/internal/domain"
)

const (
	EventFactNew         = "fact.new"
	EventExecutionUpdate = "execution.update"
	EventPhase           = "ooda.phase"
	EventC5ISR           = "c5isr.update"
	EventRecommendation  = "recommendation"
)

// Sink receives operation events. Implementations must return promptly and
// must not report failures to the publisher.
type Sink interface {
	Broadcast(operationID, event string, payload any)
}

// Target is a delivery backend driven by a Dispatcher.
type Target interface {
	Deliver(ctx context.Context, m Message) error
}

// Message is one event addressed to an operation.
type Message struct {
	OperationID string
	Event       string
	Data        any
	Timestamp   time.Time
}

type envelope struct {
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// Encode renders the wire envelope {event, data, timestamp}.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(envelope{Event: m.Event, Data: m.Data, Timestamp: domain.FormatTime(m.Timestamp)})
}

// Nop discards every event.
type Nop struct{}

func (Nop) Broadcast(string, string, any) {}

// Multi broadcasts to each sink in turn.
type Multi []Sink

func (m Multi) Broadcast(operationID, event string, payload any) {
	for _, s := range m {
		s.Broadcast(operationID, event, payload)
	}
}

// Recorder keeps every event in memory. It is meant for tests and for the
// CLI's one-shot commands that print what a cycle emitted.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Broadcast(operationID, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{OperationID: operationID, Event: event, Data: payload, Timestamp: time.Now()})
}

// Messages returns a copy of the recorded events.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Events returns recorded event names, optionally only those equal to name.
func (r *Recorder) Events(name string) []string {
	var out []string
	for _, m := range r.Messages() {
		if name == "" || m.Event == name {
			out = append(out, m.Event)
		}
	}
	return out
}
