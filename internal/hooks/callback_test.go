package hooks

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tokligence/taskd/internal/testutil"
)

func TestNotifierDeliversSignedCallbacks(t *testing.T) {
	ok := testutil.NewRecorder(http.StatusOK, `{}`)
	failing := testutil.NewRecorder(http.StatusInternalServerError, `{}`)
	okSrv := testutil.NewIPv4Server(t, ok)
	failSrv := testutil.NewIPv4Server(t, failing)

	var handled atomic.Int32
	d := &Dispatcher{}
	d.Register(func(ctx context.Context, evt Event) error {
		handled.Add(1)
		return nil
	})

	n := NewNotifier(NotifierConfig{Dispatcher: d, Secret: "s3cret", Timeout: time.Second})
	evt := Event{ID: "evt-1", Type: EventTaskCompleted, UserID: "u1", TaskID: "t1", OccurredAt: time.Now().UTC()}
	n.Notify(evt, []string{okSrv.URL + "/hook", failSrv.URL + "/hook"})
	n.Wait()

	if handled.Load() != 1 {
		t.Fatalf("expected dispatcher handler to run once, got %d", handled.Load())
	}
	reqs := ok.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one delivery, got %d", len(reqs))
	}
	if reqs[0].Path != "/hook" || reqs[0].Method != http.MethodPost {
		t.Fatalf("unexpected request %+v", reqs[0])
	}
	if got := reqs[0].Header.Get(SignatureHeader); got != Sign([]byte("s3cret"), reqs[0].Body) {
		t.Fatalf("signature mismatch: %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(reqs[0].Body, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["type"] != string(EventTaskCompleted) || body["taskId"] != "t1" {
		t.Fatalf("unexpected body %v", body)
	}
	if len(failing.Requests()) != 1 {
		t.Fatalf("expected failing endpoint to be attempted once")
	}
}

func TestNotifierUnsignedAndNil(t *testing.T) {
	rec := testutil.NewRecorder(http.StatusNoContent, "")
	srv := testutil.NewIPv4Server(t, rec)
	n := NewNotifier(NotifierConfig{})
	n.Notify(Event{ID: "e", Type: EventTaskFailed}, []string{srv.URL})
	n.Wait()
	if reqs := rec.Requests(); len(reqs) != 1 || reqs[0].Header.Get(SignatureHeader) != "" {
		t.Fatalf("unexpected requests %+v", reqs)
	}

	var none *Notifier
	none.Notify(Event{}, []string{srv.URL})
}
