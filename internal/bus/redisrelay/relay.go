// Package redisrelay shares bus events between service instances over a
// Redis pub/sub channel.
package redisrelay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokligence/taskd/internal/bus"
)

const (
	DefaultChannel = "taskd:bus"
	queueSize      = 256
)

var _ bus.Forwarder = (*Relay)(nil)

// Relay publishes local bus events to Redis and injects remote ones.
type Relay struct {
	client  redis.UniversalClient
	bus     *bus.Bus
	channel string
	logger  *log.Logger

	queue  chan bus.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures a Relay.
type Config struct {
	Channel string
	Logger  *log.Logger
}

// New creates a relay; call Start to begin relaying.
func New(client redis.UniversalClient, b *bus.Bus, cfg Config) (*Relay, error) {
	if client == nil {
		return nil, errors.New("redisrelay: client required")
	}
	if b == nil {
		return nil, errors.New("redisrelay: bus required")
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Relay{
		client:  client,
		bus:     b,
		channel: cfg.Channel,
		logger:  cfg.Logger,
		queue:   make(chan bus.Event, queueSize),
	}, nil
}

// Start subscribes to the channel and registers the relay on the bus.
func (r *Relay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev bus.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.Printf("redisrelay: discard malformed message: %v", err)
					continue
				}
				r.bus.Inject(ev)
			}
		}
	}()
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-r.queue:
				data, err := json.Marshal(ev)
				if err != nil {
					r.logger.Printf("redisrelay: marshal event: %v", err)
					continue
				}
				pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				if err := r.client.Publish(pctx, r.channel, data).Err(); err != nil {
					r.logger.Printf("redisrelay: publish: %v", err)
				}
				cancel()
			}
		}
	}()
	r.bus.SetForwarder(r)
	return nil
}

// Forward queues ev for publication. It never blocks; a full queue drops
// the event for remote instances only.
func (r *Relay) Forward(ev bus.Event) {
	select {
	case r.queue <- ev:
	default:
		r.logger.Printf("redisrelay: queue full, dropping %s event for task %s", ev.Topic, ev.TaskID)
	}
}

// Close stops relaying and waits for the workers to exit.
func (r *Relay) Close() {
	r.bus.SetForwarder(nil)
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
