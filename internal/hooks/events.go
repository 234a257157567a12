package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// EventType names the lifecycle transitions exported to integrators.
type EventType string

const (
	// EventTaskCompleted is emitted after a task's outputs were materialized.
	EventTaskCompleted EventType = "task.completed"
	// EventTaskFailed is emitted when a task fails or is cancelled.
	EventTaskFailed EventType = "task.failed"
	// EventVoucherRedeemed is emitted after a successful redemption.
	EventVoucherRedeemed EventType = "voucher.redeemed"
	// EventPaymentApplied is emitted when a payment changed a balance.
	EventPaymentApplied EventType = "payment.applied"
)

var knownEvents = map[EventType]bool{
	EventTaskCompleted:   true,
	EventTaskFailed:      true,
	EventVoucherRedeemed: true,
	EventPaymentApplied:  true,
}

// ParseEventTypes reads a list such as "task.completed, task.failed".
func ParseEventTypes(values []string) ([]EventType, error) {
	var out []EventType
	for _, v := range values {
		t := EventType(strings.ToLower(strings.TrimSpace(v)))
		if t == "" {
			continue
		}
		if !knownEvents[t] {
			return nil, fmt.Errorf("hooks: unknown event type %q", v)
		}
		out = append(out, t)
	}
	return out, nil
}

// Event is what integrators receive, either on a script's stdin or as the
// body of a callback POST.
type Event struct {
	ID         string
	Type       EventType
	OccurredAt time.Time
	UserID     string
	TaskID     string
	Metadata   map[string]any
}

// Handler reacts to an Event. Implementations should be idempotent;
// deliveries are at least once from the caller's point of view.
type Handler func(context.Context, Event) error

// Only restricts h to the listed event types. An empty list passes all.
func Only(h Handler, types ...EventType) Handler {
	if h == nil || len(types) == 0 {
		return h
	}
	allowed := make(map[EventType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return func(ctx context.Context, evt Event) error {
		if !allowed[evt.Type] {
			return nil
		}
		return h(ctx, evt)
	}
}

// Dispatcher fans events out to registered handlers in order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Len reports how many handlers are registered.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Emit runs every handler even when earlier ones fail and joins the errors.
func (d *Dispatcher) Emit(ctx context.Context, event Event) error {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for i, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("handler %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// MarshalEvent encodes an Event for scripts and callback URLs.
var MarshalEvent = marshalJSON

type envelope struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	UserID     string         `json:"userId"`
	TaskID     string         `json:"taskId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func marshalJSON(evt Event) ([]byte, error) {
	return json.Marshal(envelope{
		ID:         evt.ID,
		Type:       evt.Type,
		OccurredAt: evt.OccurredAt.UTC(),
		UserID:     evt.UserID,
		TaskID:     evt.TaskID,
		Metadata:   evt.Metadata,
	})
}
