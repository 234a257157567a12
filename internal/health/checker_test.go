package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckAllHealthy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	c := New(Config{})
	c.AddPinger("store", KindStore, PingFunc(func(context.Context) error { return nil }))
	c.AddEndpoint("replicate", upstream.URL)
	c.AddEndpoint("unset", "")

	got := c.Check(context.Background())
	if got.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %+v", got)
	}
	if len(got.Components) != 2 {
		t.Fatalf("unexpected components %+v", got.Components)
	}
	if got.Components[0].Name != "replicate" || got.Components[0].Message != "Reachable (HTTP 401)" {
		t.Fatalf("unexpected endpoint result %+v", got.Components[0])
	}
}

func TestStoreFailureIsUnhealthy(t *testing.T) {
	c := New(Config{})
	c.AddPinger("store", KindStore, PingFunc(func(context.Context) error { return errors.New("closed") }))
	c.AddPinger("redis", KindCache, PingFunc(func(context.Context) error { return nil }))

	if got := c.Check(context.Background()); got.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", got.Status)
	}
	if got := c.GetLastStatus(); got.Status != StatusUnhealthy || len(got.Components) != 2 {
		t.Fatalf("last status not retained: %+v", got)
	}
}

func TestCacheFailureDegrades(t *testing.T) {
	c := New(Config{})
	c.AddPinger("store", KindStore, PingFunc(func(context.Context) error { return nil }))
	c.AddPinger("redis", KindCache, PingFunc(func(context.Context) error { return errors.New("refused") }))

	if got := c.Check(context.Background()); got.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", got.Status)
	}
}

func TestSlowPingDegrades(t *testing.T) {
	c := New(Config{MaxLatency: time.Millisecond})
	c.AddPinger("store", KindStore, PingFunc(func(context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}))
	got := c.Check(context.Background())
	if got.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", got.Status)
	}
}

func TestNoChecksIsHealthy(t *testing.T) {
	if got := New(Config{}).GetLastStatus(); got.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", got.Status)
	}
}
