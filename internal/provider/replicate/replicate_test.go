package replicate

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/tokligence/taskd/internal/provider"
	"github.com/tokligence/taskd/internal/testutil"
)

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil || !strings.Contains(err.Error(), "api token required") {
		t.Fatalf("expected missing token error, got %v", err)
	}
	a, err := New(Config{APIToken: "r8_test", BaseURL: "https://example.test/v1/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.baseURL != "https://example.test/v1" {
		t.Fatalf("unexpected base url %q", a.baseURL)
	}
	if a.Name() != Name {
		t.Fatalf("unexpected name %q", a.Name())
	}
}

func TestSubmit(t *testing.T) {
	rec := testutil.NewRecorder(http.StatusCreated, `{"id":"pred-1","status":"starting"}`)
	srv := testutil.NewIPv4Server(t, rec)
	a, err := New(Config{APIToken: "r8_test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := a.Submit(context.Background(), provider.Job{
		TaskID:      "task-1",
		Address:     "owner/model:abc",
		Input:       map[string]any{"prompt": "a cat"},
		CallbackURL: "https://taskd.test/webhooks/replicate?task=task-1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "pred-1" {
		t.Fatalf("unexpected id %q", id)
	}
	reqs := rec.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if reqs[0].Path != "/predictions" {
		t.Fatalf("unexpected path %s", reqs[0].Path)
	}
	if got := reqs[0].Header.Get("Authorization"); got != "Bearer r8_test" {
		t.Fatalf("unexpected auth header %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(reqs[0].Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["version"] != "owner/model:abc" || body["webhook"] == nil {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestSubmitHTTPError(t *testing.T) {
	rec := testutil.NewRecorder(http.StatusUnprocessableEntity, `{"detail":"invalid version"}`)
	srv := testutil.NewIPv4Server(t, rec)
	a, _ := New(Config{APIToken: "r8_test", BaseURL: srv.URL})
	_, err := a.Submit(context.Background(), provider.Job{Address: "x"})
	if err == nil || !strings.Contains(err.Error(), "invalid version") {
		t.Fatalf("expected detail in error, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	rec := testutil.NewRecorder(http.StatusOK, `{}`)
	srv := testutil.NewIPv4Server(t, rec)
	a, _ := New(Config{APIToken: "r8_test", BaseURL: srv.URL})
	if err := a.Cancel(context.Background(), "pred-9"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if reqs := rec.Requests(); len(reqs) != 1 || reqs[0].Path != "/predictions/pred-9/cancel" {
		t.Fatalf("unexpected requests %+v", reqs)
	}
}

func TestInterpretCallback(t *testing.T) {
	a, _ := New(Config{APIToken: "x"})
	tests := []struct {
		name      string
		raw       string
		status    provider.Status
		progress  float64
		outputs   int
		text      string
		malformed bool
	}{
		{name: "starting", raw: `{"id":"p","status":"starting"}`, status: provider.StatusRunning, progress: -1},
		{name: "processing with logs", raw: `{"id":"p","status":"processing","logs":"10%|#\n 42%|####"}`, status: provider.StatusRunning, progress: 0.42},
		{name: "succeeded list", raw: `{"id":"p","status":"succeeded","output":["https://cdn/a.png","https://cdn/b.png"]}`, status: provider.StatusSucceeded, progress: 1, outputs: 2},
		{name: "succeeded single", raw: `{"id":"p","status":"succeeded","output":"https://cdn/a.png"}`, status: provider.StatusSucceeded, progress: 1, outputs: 1},
		{name: "succeeded with null entries", raw: `{"id":"p","status":"succeeded","output":["https://cdn/a.png",null,""]}`, status: provider.StatusSucceeded, progress: 1, outputs: 1},
		{name: "succeeded only null", raw: `{"id":"p","status":"succeeded","output":[null]}`, status: provider.StatusSucceeded, progress: 1, outputs: 0},
		{name: "succeeded text chunks", raw: `{"id":"p","status":"succeeded","output":["Hel","lo"]}`, status: provider.StatusSucceeded, progress: 1, outputs: 1, text: "Hello"},
		{name: "failed", raw: `{"id":"p","status":"failed","error":"NSFW"}`, status: provider.StatusFailed, progress: -1},
		{name: "canceled", raw: `{"id":"p","status":"canceled"}`, status: provider.StatusCancelled, progress: -1},
		{name: "extra fields", raw: `{"id":"p","status":"starting","metrics":{"x":1},"urls":{}}`, status: provider.StatusRunning, progress: -1},
		{name: "no id", raw: `{"status":"succeeded"}`, malformed: true},
		{name: "unknown status", raw: `{"id":"p","status":"paused"}`, malformed: true},
		{name: "not json", raw: `{"id":`, malformed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up, err := a.InterpretCallback([]byte(tt.raw))
			if tt.malformed {
				if !provider.IsMalformed(err) {
					t.Fatalf("expected malformed error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("InterpretCallback: %v", err)
			}
			if up.ExternalID != "p" || up.Status != tt.status {
				t.Fatalf("unexpected update %+v", up)
			}
			if tt.progress < 0 && up.Progress != nil {
				t.Fatalf("expected no progress, got %v", *up.Progress)
			}
			if tt.progress >= 0 && (up.Progress == nil || *up.Progress != tt.progress) {
				t.Fatalf("expected progress %v, got %v", tt.progress, up.Progress)
			}
			if len(up.Outputs) != tt.outputs {
				t.Fatalf("expected %d outputs, got %d", tt.outputs, len(up.Outputs))
			}
			if tt.text != "" && up.Outputs[0].Text != tt.text {
				t.Fatalf("expected text %q, got %q", tt.text, up.Outputs[0].Text)
			}
		})
	}
}
