package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("POST /api/v1/tasks", 20*time.Millisecond, 200)
	c.RecordRequest("POST /api/v1/tasks", 10*time.Millisecond, 502)
	c.RecordTaskCreated("flux", 30)
	c.RecordTaskFinished("completed")
	c.RecordCallback("replicate", "applied")
	c.RecordSubmit("replicate", 5*time.Millisecond, errors.New("boom"))
	c.RecordRefund(30)
	c.RecordGrant(100)
	c.RecordDroppedEvent()
	c.RecordRateLimitHit()
	c.TrackSubscribers(func() int { return 3 })

	snap := c.GetSnapshot()
	if snap.TotalRequests["POST /api/v1/tasks"] != 2 {
		t.Fatalf("expected 2 requests, got %d", snap.TotalRequests["POST /api/v1/tasks"])
	}
	if snap.RequestErrors["POST /api/v1/tasks"] != 1 {
		t.Fatalf("expected 1 error, got %d", snap.RequestErrors["POST /api/v1/tasks"])
	}
	if snap.CreditsDebited != 30 || snap.CreditsRefunded != 30 || snap.CreditsGranted != 100 {
		t.Fatalf("unexpected credit totals %+v", snap)
	}
	if snap.SubmitErrors["replicate"] != 1 || snap.Subscribers != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordTaskCreated("flux", 1)
	c.RecordCallback("modal", "unknown")
	c.RecordDroppedEvent()
}

func TestFormatPrometheus(t *testing.T) {
	c := NewCollector()
	c.RecordCallback("modal", "duplicate")
	c.RecordTaskCreated("flux", 10)
	out := FormatPrometheus(c.GetSnapshot())
	for _, want := range []string{
		`taskd_callbacks_total{provider="modal",outcome="duplicate"} 1`,
		`taskd_tasks_created_total{generator="flux"} 1`,
		"taskd_credits_debited_total 10",
		"# TYPE taskd_bus_subscribers gauge",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}
