package redisrelay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/taskd/internal/bus"
)

func TestNewValidates(t *testing.T) {
	_, err := New(nil, bus.New(), Config{})
	assert.Error(t, err)
	_, err = New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), nil, Config{})
	assert.Error(t, err)
}

func TestRelayBetweenInstances(t *testing.T) {
	addr := os.Getenv("TASKD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TASKD_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	channel := "taskd:test:" + time.Now().Format("150405.000000")

	newInstance := func() (*bus.Bus, *Relay) {
		client := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = client.Close() })
		b := bus.New()
		r, err := New(client, b, Config{Channel: channel})
		require.NoError(t, err)
		require.NoError(t, r.Start(ctx))
		t.Cleanup(r.Close)
		return b, r
	}
	b1, _ := newInstance()
	b2, _ := newInstance()

	local := b1.Subscribe(bus.TopicTask, bus.Filter{UserID: "u"}, 4)
	remote := b2.Subscribe(bus.TopicTask, bus.Filter{UserID: "u"}, 4)

	b1.Publish(bus.Event{Topic: bus.TopicTask, UserID: "u", TaskID: "t1"})

	select {
	case ev := <-remote.C():
		assert.Equal(t, "t1", ev.TaskID)
		assert.Equal(t, b1.Instance(), ev.Origin)
	case <-time.After(3 * time.Second):
		t.Fatal("event not relayed")
	}

	<-local.C()
	select {
	case ev := <-local.C():
		t.Fatalf("own event echoed back: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
