package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/taskd/internal/provider"
)

// Ensure Adapter implements the provider contracts.
var (
	_ provider.Adapter  = (*Adapter)(nil)
	_ provider.Canceler = (*Adapter)(nil)
)

const Name = "loopback"

// Prompt prefixes that steer the simulated job.
const (
	RejectPrefix = "reject:"
	FailPrefix   = "fail:"
)

// Sink receives the callbacks a submitted job produces, as a real provider
// would POST them to the task's callback URL.
type Sink func(ctx context.Context, provider string, raw []byte, taskHint string) error

// Adapter runs jobs in-process and echoes the prompt back as the result.
type Adapter struct {
	delay time.Duration

	mu        sync.Mutex
	sink      Sink
	cancelled map[string]bool
	wg        sync.WaitGroup
}

// Config controls the simulated job timing.
type Config struct {
	// Delay between simulated callbacks. Zero delivers them immediately.
	Delay time.Duration
}

// New creates an Adapter instance.
func New(cfg Config) *Adapter {
	return &Adapter{delay: cfg.Delay, cancelled: make(map[string]bool)}
}

func (a *Adapter) Name() string { return Name }

// SetSink wires the receiver of simulated callbacks. Without a sink jobs
// are accepted but never progress.
func (a *Adapter) SetSink(s Sink) {
	a.mu.Lock()
	a.sink = s
	a.mu.Unlock()
}

type payload struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Output   string   `json:"output,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Submit accepts a job and schedules its callbacks.
func (a *Adapter) Submit(ctx context.Context, job provider.Job) (string, error) {
	prompt, _ := job.Input["prompt"].(string)
	if strings.HasPrefix(prompt, RejectPrefix) {
		return "", errors.New("loopback: submission rejected")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "lb-" + uuid.NewString()

	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		return id, nil
	}

	final := payload{ID: id, Status: "succeeded", Output: "[loopback] " + strings.TrimSpace(prompt)}
	if strings.HasPrefix(prompt, FailPrefix) {
		final = payload{ID: id, Status: "failed", Error: strings.TrimSpace(strings.TrimPrefix(prompt, FailPrefix))}
	}
	half := 0.5
	steps := []payload{{ID: id, Status: "running", Progress: &half}, final}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for _, step := range steps {
			if a.delay > 0 {
				time.Sleep(a.delay)
			}
			if a.isCancelled(id) {
				step = payload{ID: id, Status: "cancelled"}
			}
			raw, _ := json.Marshal(step)
			if err := sink(context.Background(), Name, raw, job.TaskID); err != nil {
				return
			}
			if step.Status == "cancelled" {
				return
			}
		}
	}()
	return id, nil
}

// Cancel marks a job cancelled; its next callback reports cancellation.
func (a *Adapter) Cancel(_ context.Context, externalID string) error {
	a.mu.Lock()
	a.cancelled[externalID] = true
	a.mu.Unlock()
	return nil
}

// Wait blocks until all scheduled callbacks were delivered.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

func (a *Adapter) isCancelled(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled[id]
}

// EstimateCost applies the version's schedule unchanged.
func (a *Adapter) EstimateCost(v provider.Version, config map[string]any) (int64, error) {
	return v.Cost.Estimate(config)
}

// InterpretCallback decodes the adapter's own callback payloads.
func (a *Adapter) InterpretCallback(raw []byte) (provider.Update, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return provider.Update{}, provider.Malformed(Name, "invalid json: %v", err)
	}
	if p.ID == "" {
		return provider.Update{}, provider.Malformed(Name, "missing id")
	}
	up := provider.Update{ExternalID: p.ID, Progress: p.Progress}
	switch p.Status {
	case "running":
		up.Status = provider.StatusRunning
	case "succeeded":
		up.Status = provider.StatusSucceeded
		up.Progress = provider.Float(1)
		up.Outputs = []provider.Output{{Text: p.Output, MimeType: "text/plain"}}
	case "failed":
		up.Status = provider.StatusFailed
		up.Error = p.Error
	case "cancelled":
		up.Status = provider.StatusCancelled
		up.Error = "cancelled"
	default:
		return provider.Update{}, provider.Malformed(Name, "unknown status %q", p.Status)
	}
	return up, nil
}
