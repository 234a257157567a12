package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/tokligence/taskd/internal/version"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a signing
// secret is configured.
const SignatureHeader = "X-Taskd-Signature"

// Notifier emits events to the dispatcher and POSTs them to integrator
// callback URLs. Delivery is asynchronous and best-effort: failures are
// logged, never retried.
type Notifier struct {
	dispatcher *Dispatcher
	client     *http.Client
	secret     []byte
	logger     *log.Logger
	wg         sync.WaitGroup
}

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	Dispatcher *Dispatcher
	Timeout    time.Duration
	Secret     string
	Logger     *log.Logger
	Client     *http.Client
}

func NewNotifier(cfg NotifierConfig) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = &Dispatcher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	client.Timeout = cfg.Timeout
	return &Notifier{
		dispatcher: cfg.Dispatcher,
		client:     client,
		secret:     []byte(cfg.Secret),
		logger:     cfg.Logger,
	}
}

// Notify fans evt out to the dispatcher and to every url without blocking
// the caller.
func (n *Notifier) Notify(evt Event, urls []string) {
	if n == nil {
		return
	}
	payload, err := MarshalEvent(evt)
	if err != nil {
		n.logger.Printf("hooks: marshal %s event: %v", evt.Type, err)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.dispatcher.Emit(context.Background(), evt); err != nil {
			n.logger.Printf("hooks: handlers for %s: %v", evt.Type, err)
		}
	}()
	for _, url := range urls {
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			if err := n.post(url, payload); err != nil {
				n.logger.Printf("hooks: deliver %s event %s to %s: %v", evt.Type, evt.ID, url, err)
			}
		}(url)
	}
}

// Wait blocks until pending deliveries finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) post(url string, payload []byte) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if len(n.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(n.secret, payload))
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
