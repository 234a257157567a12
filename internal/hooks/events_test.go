package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDispatcherRunsAllHandlers(t *testing.T) {
	d := &Dispatcher{}
	var seen []string
	d.Register(func(ctx context.Context, evt Event) error {
		seen = append(seen, "first:"+evt.TaskID)
		return errors.New("boom")
	})
	d.Register(nil)
	d.Register(func(ctx context.Context, evt Event) error {
		seen = append(seen, "second:"+string(evt.Type))
		return nil
	})
	if d.Len() != 2 {
		t.Fatalf("nil handlers must not register, got %d", d.Len())
	}

	err := d.Emit(context.Background(), Event{ID: "e1", Type: EventTaskFailed, TaskID: "t1"})
	if err == nil || !strings.Contains(err.Error(), "handler 0: boom") {
		t.Fatalf("expected joined handler error, got %v", err)
	}
	if len(seen) != 2 || seen[0] != "first:t1" || seen[1] != "second:task.failed" {
		t.Fatalf("unexpected handler order %v", seen)
	}
}

func TestOnlyFiltersEventTypes(t *testing.T) {
	calls := 0
	h := Only(func(context.Context, Event) error {
		calls++
		return nil
	}, EventPaymentApplied)

	_ = h(context.Background(), Event{Type: EventTaskCompleted})
	_ = h(context.Background(), Event{Type: EventPaymentApplied})
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
	if Only(nil, EventTaskFailed) != nil {
		t.Fatalf("Only(nil) must stay nil")
	}
}

func TestParseEventTypes(t *testing.T) {
	got, err := ParseEventTypes([]string{" Task.Completed", "", "payment.applied"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != EventTaskCompleted || got[1] != EventPaymentApplied {
		t.Fatalf("unexpected types %v", got)
	}
	if _, err := ParseEventTypes([]string{"task.started"}); err == nil {
		t.Fatalf("expected unknown event type to fail")
	}
}

func TestMarshalEventEnvelope(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	raw, err := MarshalEvent(Event{ID: "e1", Type: EventVoucherRedeemed, OccurredAt: at, UserID: "u1", Metadata: map[string]any{"manna": 5}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["userId"] != "u1" || body["type"] != "voucher.redeemed" {
		t.Fatalf("unexpected envelope %v", body)
	}
	if _, ok := body["taskId"]; ok {
		t.Fatalf("empty task id should be omitted: %v", body)
	}
	if body["occurredAt"] != "2024-05-01T11:00:00Z" {
		t.Fatalf("timestamps are sent in UTC, got %v", body["occurredAt"])
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when enabled without script path")
	}
	cfg.ScriptPath = "/usr/local/bin/on-task"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if cfg.BuildScriptHandler() == nil {
		t.Fatalf("expected handler when enabled")
	}
	if (Config{}).BuildScriptHandler() != nil {
		t.Fatalf("expected nil handler when disabled")
	}
}
