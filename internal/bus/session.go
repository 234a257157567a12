package bus

import (
	"sync"
	"time"
)

// Message names delivered on a session stream besides topic events.
const (
	MessageInitPing  = "init-ping"
	MessageKeepAlive = "keep-alive"
)

const defaultKeepAlive = 15 * time.Second

// Message is one item a session hands to its transport.
type Message struct {
	Name  string
	Event *Event
	At    time.Time
}

// SessionOptions configures a Session.
type SessionOptions struct {
	KeepAlive time.Duration
	Buffer    int
}

// Session couples a subscription with a keep-alive ticker for one
// connected client. It must be stopped when the client goes away.
type Session struct {
	bus       *Bus
	topic     Topic
	filter    Filter
	keepAlive time.Duration
	buffer    int

	out  chan Message
	stop chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSession prepares a session; nothing is subscribed until Start.
func NewSession(b *Bus, topic Topic, f Filter, opts SessionOptions) *Session {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	return &Session{
		bus:       b,
		topic:     topic,
		filter:    f,
		keepAlive: opts.KeepAlive,
		buffer:    opts.Buffer,
		out:       make(chan Message, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Messages is closed once the session ends.
func (s *Session) Messages() <-chan Message { return s.out }

// Start subscribes and launches the session loop. The first message is
// always an init ping.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		sub := s.bus.Subscribe(s.topic, s.filter, s.buffer)
		go s.run(sub)
	})
}

// Stop ends the session and waits for its loop to exit.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	started := true
	s.startOnce.Do(func() {
		started = false
		close(s.done)
		close(s.out)
	})
	if started {
		<-s.done
	}
}

func (s *Session) run(sub *Subscription) {
	ticker := time.NewTicker(s.keepAlive)
	defer func() {
		ticker.Stop()
		sub.Unsubscribe()
		close(s.out)
		close(s.done)
	}()

	if !s.emit(Message{Name: MessageInitPing, At: time.Now().UTC()}) {
		return
	}
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if !s.emit(Message{Name: string(ev.Topic), Event: &ev, At: ev.OccurredAt}) {
				return
			}
		case now := <-ticker.C:
			if !s.emit(Message{Name: MessageKeepAlive, At: now.UTC()}) {
				return
			}
		}
	}
}

func (s *Session) emit(m Message) bool {
	select {
	case s.out <- m:
		return true
	case <-s.stop:
		return false
	}
}
