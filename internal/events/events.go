// Package events publishes billing domain events to a topic exchange.
package events

import (
	"context"
	"sync"
	"time"
)

const (
	RoutingInvoiceGenerated     = "invoice.generated"
	RoutingPaymentStatusChanged = "payment.status_changed"
	RoutingDiscrepancyDetected  = "reconciliation.discrepancy_detected"
	RoutingReportGenerated      = "reconciliation.report_generated"
)

// Event is the envelope written to the broker.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// Publisher delivers events. Callers treat failures as non-fatal: the
// database write that produced the event is already committed.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, data any) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, any) error { return nil }
func (NoopPublisher) Close() error                               { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

type RecordedEvent struct {
	RoutingKey string
	Data       any
}

func (r *Recorder) Publish(_ context.Context, routingKey string, data any) error {
	r.mu.Lock()
	r.events = append(r.events, RecordedEvent{RoutingKey: routingKey, Data: data})
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedEvent(nil), r.events...)
}

// Count returns how many events were published under routingKey.
func (r *Recorder) Count(routingKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.RoutingKey == routingKey {
			n++
		}
	}
	return n
}
