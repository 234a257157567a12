package httpserver_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/taskd/internal/auth"
	"github.com/tokligence/taskd/internal/bus"
	"github.com/tokligence/taskd/internal/health"
	"github.com/tokligence/taskd/internal/httpserver"
	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/metrics"
	"github.com/tokligence/taskd/internal/provider"
	"github.com/tokligence/taskd/internal/provider/loopback"
	"github.com/tokligence/taskd/internal/ratelimit"
	"github.com/tokligence/taskd/internal/storage/sqlite"
	"github.com/tokligence/taskd/internal/task"
	"github.com/tokligence/taskd/internal/voucher"
)

const catalogYAML = `
generators:
  - name: echo
    output: text
    versions:
      - name: v1
        provider: loopback
        cost: {base: 5}
        parameters:
          - {name: prompt, type: string, required: true}
`

type harness struct {
	handler  http.Handler
	ledger   *ledger.Service
	loopback *loopback.Adapter
	metrics  *metrics.Collector
}

type harnessOptions struct {
	// detached leaves loopback jobs pending forever.
	detached   bool
	capacity   float64
	authSecret string
	paySecret  string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "taskd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	catalog, err := provider.ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)

	h := &harness{
		ledger:   ledger.NewService(store, ledger.Options{MaxRetries: 50}),
		loopback: loopback.New(loopback.Config{}),
		metrics:  metrics.NewCollector(),
	}
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(h.loopback))

	b := bus.New()
	t.Cleanup(b.Close)

	ctrl := task.NewController(store, h.ledger, catalog, reg, task.Options{
		PublicBaseURL: "http://taskd.test",
		WebhookSecret: "s3cret",
		Publisher:     b,
		Metrics:       h.metrics,
	})
	if !opts.detached {
		h.loopback.SetSink(func(ctx context.Context, name string, raw []byte, hint string) error {
			_, err := ctrl.Reconcile(ctx, name, raw, hint)
			return err
		})
	}
	t.Cleanup(h.loopback.Wait)

	checker := health.New(health.Config{})
	checker.AddPinger("sqlite", health.KindStore, store)

	limiter := ratelimit.NewLimiter(ratelimit.Config{Capacity: opts.capacity, RefillRate: 0.001})
	t.Cleanup(func() { _ = limiter.Close() })

	cfg := httpserver.Config{
		AuthDisabled:         opts.authSecret == "",
		AdminUser:            "root",
		WebhookSecret:        "s3cret",
		PaymentWebhookSecret: opts.paySecret,
		KeepAlive:            time.Minute,
		SubscriberBuffer:     16,
		RateLimitEnabled:     opts.capacity > 0,
	}
	deps := httpserver.Deps{
		Tasks:    ctrl,
		Ledger:   h.ledger,
		Vouchers: voucher.NewService(store, h.ledger, store, voucher.Options{}),
		Users:    store,
		Bus:      b,
		Limiter:  limiter,
		Health:   checker,
		Metrics:  h.metrics,
	}
	if opts.authSecret != "" {
		deps.Auth = auth.NewManager(opts.authSecret)
	}
	srv, err := httpserver.New(cfg, deps)
	require.NoError(t, err)
	h.handler = srv.Router()
	return h
}

func (h *harness) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := h.ledger.Credit(context.Background(), ledger.Posting{UserID: userID, Amount: amount, Type: ledger.TxAdminCredit})
	require.NoError(t, err)
}

func (h *harness) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func echoTask(prompt string) map[string]any {
	return map[string]any{"generator": "echo", "config": map[string]any{"prompt": prompt}}
}

func TestCreateAndFetchTask(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.fund(t, "u1", 100)

	rec := h.do(t, http.MethodPost, "/api/v1/tasks", "u1", echoTask("hello"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID   string `json:"id"`
		Cost int64  `json:"cost"`
	}
	decodeBody(t, rec, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, int64(5), created.Cost)
	h.loopback.Wait()

	rec = h.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view task.View
	decodeBody(t, rec, &view)
	assert.Equal(t, task.StatusCompleted, view.Status)
	assert.Equal(t, "[loopback] hello", view.Result)
	assert.Empty(t, view.Artifacts, "text generators return their result inline")

	rec = h.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID, "u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "foreign tasks read as missing")

	rec = h.do(t, http.MethodGet, "/api/v1/tasks?status=completed", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Tasks []task.View `json:"tasks"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, created.ID, list.Tasks[0].ID)

	rec = h.do(t, http.MethodGet, "/api/v1/tasks?status=bogus", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/account", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acct struct {
		Balance int64 `json:"balance"`
	}
	decodeBody(t, rec, &acct)
	assert.Equal(t, int64(95), acct.Balance)
}

func TestCreateTaskRejections(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.fund(t, "u1", 100)

	cases := []struct {
		name string
		user string
		body any
	}{
		{name: "bad json", user: "u1", body: "{"},
		{name: "missing generator", user: "u1", body: map[string]any{"config": map[string]any{"prompt": "x"}}},
		{name: "unknown generator", user: "u1", body: map[string]any{"generator": "video"}},
		{name: "missing prompt", user: "u1", body: map[string]any{"generator": "echo"}},
		{name: "bad webhook url", user: "u1", body: map[string]any{"generator": "echo", "config": map[string]any{"prompt": "x"}, "webhooks": []string{"not a url"}}},
		{name: "insufficient funds", user: "broke", body: echoTask("x")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/v1/tasks", tc.user, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := h.do(t, http.MethodPost, "/api/v1/tasks", "u1", map[string]any{"generator": "echo"})
	var body struct {
		Fields []provider.FieldError `json:"fields"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Fields, 1)
	assert.Equal(t, "prompt", body.Fields[0].Field)

	rec = h.do(t, http.MethodPost, "/api/v1/tasks", "", echoTask("x"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t, harnessOptions{detached: true})
	h.fund(t, "u1", 100)

	rec := h.do(t, http.MethodPost, "/api/v1/tasks", "u1", echoTask("slow"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &created)

	rec = h.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/cancel", "u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/cancel", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view task.View
	decodeBody(t, rec, &view)
	assert.Equal(t, task.StatusFailed, view.Status)

	rec = h.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/cancel", "u1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	acct, err := h.ledger.Account(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Total(), "cancellation refunds the task")
}

func TestProviderWebhook(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(t, http.MethodPost, "/webhooks/loopback?secret=wrong", "", `{"id":"x","status":"running"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/webhooks/loopback?secret=s3cret", "", `{"id":"lb-unknown","status":"running"}`)
	assert.Equal(t, http.StatusOK, rec.Code, "unknown jobs are acknowledged")

	rec = h.do(t, http.MethodPost, "/webhooks/loopback?secret=s3cret", "", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/webhooks/nobody?secret=s3cret", "", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestPaymentWebhook(t *testing.T) {
	unset := newHarness(t, harnessOptions{})
	rec := unset.do(t, http.MethodPost, "/webhooks/payments", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "payments are refused until a secret is configured")

	h := newHarness(t, harnessOptions{paySecret: "pay"})
	event := map[string]any{"eventId": "evt_1", "eventType": "checkout.completed", "userId": "u1", "amount": 300}

	rec = h.do(t, http.MethodPost, "/webhooks/payments?secret=nope", "", event)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	for i := 0; i < 2; i++ {
		rec = h.do(t, http.MethodPost, "/webhooks/payments?secret=pay", "", event)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	acct, err := h.ledger.Account(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), acct.Balance, "a replayed event applies once")

	sub := map[string]any{"eventId": "evt_2", "eventType": "invoice.paid", "userId": "u1", "amount": 1000, "kind": "subscription"}
	rec = h.do(t, http.MethodPost, "/webhooks/payments?secret=pay", "", sub)
	assert.Equal(t, http.StatusOK, rec.Code)
	acct, err = h.ledger.Account(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acct.SubscriptionBalance)

	bad := map[string]any{"eventId": "evt_3", "eventType": "x", "userId": "u1", "amount": 5, "kind": "refund"}
	rec = h.do(t, http.MethodPost, "/webhooks/payments?secret=pay", "", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVouchersAndAdmin(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(t, http.MethodPost, "/api/v1/admin/vouchers", "u1", map[string]any{"code": "WELCOME", "amount": 50})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/admin/vouchers", "root", map[string]any{"code": "WELCOME", "amount": 50, "count": 2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Vouchers []voucher.Voucher `json:"vouchers"`
	}
	decodeBody(t, rec, &created)
	assert.Len(t, created.Vouchers, 2)

	rec = h.do(t, http.MethodPost, "/api/v1/vouchers/redeem", "u1", map[string]any{"code": "welcome"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var redeemed struct {
		Manna int64 `json:"manna"`
	}
	decodeBody(t, rec, &redeemed)
	assert.Equal(t, int64(50), redeemed.Manna)

	rec = h.do(t, http.MethodPost, "/api/v1/vouchers/redeem", "u1", map[string]any{"code": "welcome"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/vouchers/redeem", "u1", map[string]any{"code": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/admin/credit", "root", map[string]any{"userId": "u1", "amount": 25})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var credit struct {
		Balance int64 `json:"balance"`
	}
	decodeBody(t, rec, &credit)
	assert.Equal(t, int64(75), credit.Balance)

	rec = h.do(t, http.MethodPost, "/api/v1/admin/credit", "root", map[string]any{"userId": "u1", "amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/account/transactions?limit=10", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Transactions []ledger.Transaction `json:"transactions"`
	}
	decodeBody(t, rec, &history)
	assert.Len(t, history.Transactions, 2)

	rec = h.do(t, http.MethodGet, "/api/v1/account/transactions?limit=0", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskCreationIsRateLimited(t *testing.T) {
	h := newHarness(t, harnessOptions{capacity: 2})
	h.fund(t, "u1", 100)

	for i := 0; i < 2; i++ {
		rec := h.do(t, http.MethodPost, "/api/v1/tasks", "u1", echoTask("x"))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec := h.do(t, http.MethodPost, "/api/v1/tasks", "u1", echoTask("x"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = h.do(t, http.MethodPost, "/api/v1/tasks", "u2", echoTask("x"))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "buckets are per user")

	rec = h.do(t, http.MethodGet, "/api/v1/tasks", "u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")
	assert.Equal(t, int64(1), h.metrics.GetSnapshot().RateLimitHits)
}

func TestBearerTokens(t *testing.T) {
	h := newHarness(t, harnessOptions{authSecret: "sign-me"})
	mgr := auth.NewManager("sign-me")

	rec := h.do(t, http.MethodGet, "/api/v1/account", "u1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "X-User-ID is ignored with auth enabled")

	token, err := mgr.IssueToken("u1", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/account", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/v1/account", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status health.HealthStatus
	decodeBody(t, rec, &status)
	assert.Equal(t, health.StatusHealthy, status.Status)
	require.Len(t, status.Components, 1)
	assert.Equal(t, "sqlite", status.Components[0].Name)

	rec = h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "taskd_requests_total")
}

// readEvent returns the next SSE event name and data line.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data
		}
	}
}

func TestTaskStream(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.fund(t, "u1", 100)
	srv := httptest.NewServer(h.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/tasks/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "u1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	name, _ := readEvent(t, r)
	require.Equal(t, bus.MessageInitPing, name)

	// Another user's task must not show up on this stream.
	h.fund(t, "u2", 100)
	rec := h.do(t, http.MethodPost, "/api/v1/tasks", "u2", echoTask("other"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/tasks", "u1", echoTask("mine"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &created)

	for {
		name, data := readEvent(t, r)
		if name == bus.MessageKeepAlive {
			continue
		}
		require.Equal(t, string(bus.TopicTask), name)
		var view task.View
		require.NoError(t, json.Unmarshal([]byte(data), &view))
		require.Equal(t, created.ID, view.ID)
		if view.Status == task.StatusCompleted {
			break
		}
	}
}

func TestTaskStreamFiltersByTaskID(t *testing.T) {
	h := newHarness(t, harnessOptions{detached: true})
	h.fund(t, "u1", 100)
	srv := httptest.NewServer(h.handler)
	t.Cleanup(srv.Close)

	type createdTask struct {
		ID     string `json:"id"`
		TaskID string `json:"taskId"`
	}
	var watched, other createdTask
	rec := h.do(t, http.MethodPost, "/api/v1/tasks", "u1", echoTask("watched"))
	require.Equal(t, http.StatusCreated, rec.Code)
	decodeBody(t, rec, &watched)
	require.NotEmpty(t, watched.TaskID)
	rec = h.do(t, http.MethodPost, "/api/v1/tasks", "u1", echoTask("other"))
	require.Equal(t, http.StatusCreated, rec.Code)
	decodeBody(t, rec, &other)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/tasks/stream?taskId="+url.QueryEscape(watched.TaskID), nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "u1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r := bufio.NewReader(resp.Body)
	name, _ := readEvent(t, r)
	require.Equal(t, bus.MessageInitPing, name)

	rec = h.do(t, http.MethodPost, "/webhooks/loopback?secret=s3cret", "", map[string]any{"id": other.TaskID, "status": "running"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/webhooks/loopback?secret=s3cret", "", map[string]any{"id": watched.TaskID, "status": "succeeded", "output": "done"})
	require.Equal(t, http.StatusOK, rec.Code)

	name, data := readEvent(t, r)
	for name == bus.MessageKeepAlive {
		name, data = readEvent(t, r)
	}
	require.Equal(t, string(bus.TopicTask), name)
	var view task.View
	require.NoError(t, json.Unmarshal([]byte(data), &view))
	require.Equal(t, watched.ID, view.ID, "only the watched task is streamed")
	assert.Equal(t, task.StatusCompleted, view.Status)
}
