package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/taskd/internal/bus"
	"github.com/tokligence/taskd/internal/hooks"
	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/metrics"
	"github.com/tokligence/taskd/internal/provider"
)

const defaultSubmitTimeout = 30 * time.Second

// Publisher receives live task updates.
type Publisher interface {
	Publish(ev bus.Event)
}

// SubmissionError reports a job the provider did not accept. The task was
// failed and refunded before it is returned.
type SubmissionError struct {
	TaskID   string
	Provider string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("task %s: submit to %s: %v", e.TaskID, e.Provider, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Outcome classifies how a callback was handled.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeUnknown   Outcome = "unknown"
	OutcomeMalformed Outcome = "malformed"
	OutcomeError     Outcome = "error"
)

// Request is a client's ask for a generation.
type Request struct {
	UserID    string
	AgentID   string
	Generator string
	Version   string
	Config    map[string]any
	Webhooks  []string
}

// Options configures a Controller.
type Options struct {
	PublicBaseURL string
	WebhookSecret string
	SubmitTimeout time.Duration
	Uploader      Uploader
	Publisher     Publisher
	Notifier      *hooks.Notifier
	Metrics       *metrics.Collector
	Logger        *log.Logger
	Now           func() time.Time
}

// Controller owns the task lifecycle: admission, submission, callback
// reconciliation and cancellation.
type Controller struct {
	store    Store
	ledger   *ledger.Service
	catalog  *provider.Catalog
	registry *provider.Registry

	baseURL       string
	secret        string
	submitTimeout time.Duration
	uploader      Uploader
	publisher     Publisher
	notifier      *hooks.Notifier
	metrics       *metrics.Collector
	logger        *log.Logger
	now           func() time.Time
}

func NewController(store Store, led *ledger.Service, catalog *provider.Catalog, registry *provider.Registry, opts Options) *Controller {
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = defaultSubmitTimeout
	}
	if opts.Uploader == nil {
		opts.Uploader = LinkUploader{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Controller{
		store:         store,
		ledger:        led,
		catalog:       catalog,
		registry:      registry,
		baseURL:       strings.TrimSuffix(opts.PublicBaseURL, "/"),
		secret:        opts.WebhookSecret,
		submitTimeout: opts.SubmitTimeout,
		uploader:      opts.Uploader,
		publisher:     opts.Publisher,
		notifier:      opts.Notifier,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		now:           opts.Now,
	}
}

// Create admits, persists, debits and submits a task. Admission failures
// leave no task and no ledger entry behind. A submission failure returns
// the failed, refunded task together with a *SubmissionError.
func (c *Controller) Create(ctx context.Context, req Request) (Task, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return Task{}, errors.New("task: user id required")
	}
	v, err := c.catalog.Resolve(req.Generator, req.Version)
	if err != nil {
		return Task{}, err
	}
	cfg, err := provider.Validate(v, req.Config)
	if err != nil {
		return Task{}, err
	}
	adapter, err := c.registry.ForVersion(v)
	if err != nil {
		return Task{}, err
	}
	cost, err := adapter.EstimateCost(v, cfg)
	if err != nil {
		return Task{}, fmt.Errorf("task: estimate cost: %w", err)
	}
	acct, err := c.ledger.Account(ctx, req.UserID)
	if err != nil {
		return Task{}, err
	}
	if acct.Total() < cost {
		return Task{}, ledger.ErrInsufficientFunds
	}

	now := c.now()
	t := Task{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		AgentID:    req.AgentID,
		Generator:  v.Generator,
		Version:    v.Name,
		Provider:   adapter.Name(),
		OutputKind: string(v.Output),
		Config:     cfg,
		Status:     StatusPending,
		Cost:       cost,
		Webhooks:   req.Webhooks,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.store.CreateTask(ctx, t); err != nil {
		return Task{}, fmt.Errorf("task: persist: %w", err)
	}
	_, err = c.ledger.Debit(ctx, ledger.Posting{
		UserID:      t.UserID,
		Amount:      cost,
		Type:        ledger.TxTaskDebit,
		TaskID:      t.ID,
		Correlation: ledger.Correlation{EventID: t.ID, EventType: string(ledger.TxTaskDebit)},
		Memo:        t.Generator + "@" + t.Version,
	})
	if err != nil {
		if derr := c.store.DeleteTask(ctx, t.ID); derr != nil {
			c.logger.Printf("delete undebited task %s: %v", t.ID, derr)
		}
		return Task{}, err
	}
	c.metrics.RecordTaskCreated(t.Generator, cost)
	c.publish(t)

	// The submission outlives a disconnecting client but not the timeout.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.submitTimeout)
	defer cancel()
	started := time.Now()
	externalID, err := adapter.Submit(sctx, provider.Job{
		TaskID:      t.ID,
		Generator:   t.Generator,
		Address:     v.Address,
		Input:       cfg,
		CallbackURL: c.callbackURL(adapter.Name(), t.ID),
	})
	c.metrics.RecordSubmit(adapter.Name(), time.Since(started), err)
	if err != nil {
		c.logger.Printf("submit task %s to %s: %v", t.ID, adapter.Name(), err)
		failed := c.fail(context.WithoutCancel(ctx), t, "submission failed")
		return failed, &SubmissionError{TaskID: t.ID, Provider: adapter.Name(), Err: err}
	}
	if _, err := c.store.UpdateTask(ctx, t.ID, Patch{TaskID: &externalID}); err != nil {
		// The callback URL carries the internal id, so callbacks still
		// resolve; log and continue.
		c.logger.Printf("bind external id %s to task %s: %v", externalID, t.ID, err)
	}
	return c.reload(ctx, t), nil
}

// Reconcile applies a provider callback. providerName comes from the
// webhook route; taskHint is the internal id carried in the callback URL,
// used when the external id was not bound yet.
func (c *Controller) Reconcile(ctx context.Context, providerName string, raw []byte, taskHint string) (Outcome, error) {
	outcome, err := c.reconcile(ctx, providerName, raw, taskHint)
	c.metrics.RecordCallback(providerName, string(outcome))
	return outcome, err
}

func (c *Controller) reconcile(ctx context.Context, providerName string, raw []byte, taskHint string) (Outcome, error) {
	hinted, err := c.registry.Lookup(providerName)
	if err != nil {
		return OutcomeUnknown, err
	}
	up, err := hinted.InterpretCallback(raw)
	if err != nil {
		return OutcomeMalformed, err
	}

	t, err := c.findForCallback(ctx, up.ExternalID, taskHint)
	if errors.Is(err, ErrNotFound) {
		c.logger.Printf("callback from %s for unknown job %s", providerName, up.ExternalID)
		return OutcomeUnknown, ErrUnknownTask
	}
	if err != nil {
		return OutcomeError, err
	}
	if t.Provider != hinted.Name() {
		owner, err := c.registry.Lookup(t.Provider)
		if err != nil {
			return OutcomeError, err
		}
		if up, err = owner.InterpretCallback(raw); err != nil {
			return OutcomeMalformed, err
		}
	}

	if t.Status.Terminal() {
		if t.Status == StatusFailed {
			// A crash between the failed transition and the refund is
			// healed by the provider's retry.
			c.refund(ctx, t)
		}
		return OutcomeDuplicate, nil
	}

	if !CanTransition(t.Status, targetStatus(up.Status)) {
		return OutcomeStale, nil
	}

	var bind *string
	if t.TaskID == "" {
		bind = &up.ExternalID
	}

	switch up.Status {
	case provider.StatusRunning:
		return c.advance(ctx, t, up, bind)
	case provider.StatusSucceeded:
		return c.complete(ctx, t, up, bind)
	case provider.StatusFailed, provider.StatusCancelled:
		reason := up.Error
		if reason == "" {
			reason = string(up.Status)
		}
		_, ok, err := c.transitionFailed(ctx, t, reason)
		if err != nil {
			return OutcomeError, err
		}
		if !ok {
			return OutcomeStale, nil
		}
		return OutcomeApplied, nil
	}
	return OutcomeMalformed, provider.Malformed(providerName, "unsupported status %q", up.Status)
}

func targetStatus(s provider.Status) Status {
	switch s {
	case provider.StatusSucceeded:
		return StatusCompleted
	case provider.StatusFailed, provider.StatusCancelled:
		return StatusFailed
	}
	return StatusRunning
}

func (c *Controller) findForCallback(ctx context.Context, externalID, taskHint string) (Task, error) {
	t, err := c.store.GetTaskByExternalID(ctx, externalID)
	if err == nil || !errors.Is(err, ErrNotFound) || taskHint == "" {
		return t, err
	}
	t, err = c.store.GetTask(ctx, taskHint)
	if err != nil {
		return Task{}, err
	}
	if t.TaskID != "" && t.TaskID != externalID {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (c *Controller) advance(ctx context.Context, t Task, up provider.Update, bind *string) (Outcome, error) {
	p := Patch{Status: StatusPtr(StatusRunning), TaskID: bind, Outputs: up.Outputs}
	if up.Progress != nil {
		p.Progress = up.Progress
	}
	if up.Stage > 0 {
		p.Stage = Int(up.Stage)
	}
	ok, err := c.store.UpdateTask(ctx, t.ID, p)
	if err != nil {
		return OutcomeError, err
	}
	if !ok {
		return OutcomeStale, nil
	}
	c.publish(c.reload(ctx, t))
	return OutcomeApplied, nil
}

func (c *Controller) complete(ctx context.Context, t Task, up provider.Update, bind *string) (Outcome, error) {
	arts, result, err := materialize(ctx, c.uploader, t, up.Outputs)
	if err != nil {
		return OutcomeError, fmt.Errorf("task %s: materialize outputs: %w", t.ID, err)
	}
	p := Patch{
		Status:   StatusPtr(StatusCompleted),
		Progress: provider.Float(1),
		Result:   &result,
		TaskID:   bind,
	}
	ok, err := c.store.CompleteTask(ctx, t.ID, p, arts)
	if err != nil {
		return OutcomeError, err
	}
	if !ok {
		return OutcomeStale, nil
	}
	done := c.reload(ctx, t)
	c.metrics.RecordTaskFinished(string(StatusCompleted))
	c.publish(done)
	c.notify(hooks.EventTaskCompleted, done, map[string]any{
		"status":    string(done.Status),
		"result":    done.Result,
		"artifacts": len(arts),
	})
	return OutcomeApplied, nil
}

// Cancel fails an owned, non-terminal task, refunds it and asks the
// provider to stop. The provider's own cancellation callback later replays
// as a no-op.
func (c *Controller) Cancel(ctx context.Context, userID, id string) (Task, error) {
	t, err := c.Get(ctx, userID, id)
	if err != nil {
		return Task{}, err
	}
	if t.Status.Terminal() {
		return t, ErrTerminal
	}
	failed, ok, err := c.transitionFailed(ctx, t, "cancelled by user")
	if err != nil {
		return Task{}, err
	}
	if !ok {
		return c.reload(ctx, t), ErrTerminal
	}
	if t.TaskID != "" {
		if adapter, err := c.registry.Lookup(t.Provider); err == nil {
			if canceler, ok := adapter.(provider.Canceler); ok {
				cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.submitTimeout)
				if err := canceler.Cancel(cctx, t.TaskID); err != nil {
					c.logger.Printf("provider cancel for task %s: %v", t.ID, err)
				}
				cancel()
			}
		}
	}
	return failed, nil
}

// Get returns a task owned by userID, looked up by internal or external id.
func (c *Controller) Get(ctx context.Context, userID, id string) (Task, error) {
	t, err := c.store.GetTask(ctx, id)
	if errors.Is(err, ErrNotFound) {
		t, err = c.store.GetTaskByExternalID(ctx, id)
	}
	if err != nil {
		return Task{}, err
	}
	if t.UserID != userID {
		return Task{}, ErrForbidden
	}
	return t, nil
}

// List returns the caller's tasks.
func (c *Controller) List(ctx context.Context, userID string, f Filter) ([]Task, error) {
	f.UserID = userID
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	return c.store.ListTasks(ctx, f)
}

// Artifacts lists a task's materialized outputs.
func (c *Controller) Artifacts(ctx context.Context, t Task) ([]Artifact, error) {
	return c.store.ListArtifacts(ctx, t.ID)
}

// transitionFailed moves t to failed, refunds it and announces it. It
// returns false when another writer reached a terminal state first.
func (c *Controller) transitionFailed(ctx context.Context, t Task, reason string) (Task, bool, error) {
	ok, err := c.store.UpdateTask(ctx, t.ID, Patch{Status: StatusPtr(StatusFailed), Error: &reason})
	if err != nil {
		return t, false, fmt.Errorf("task %s: mark failed: %w", t.ID, err)
	}
	if !ok {
		return t, false, nil
	}
	c.refund(ctx, t)
	failed := c.reload(ctx, t)
	c.metrics.RecordTaskFinished(string(StatusFailed))
	c.publish(failed)
	c.notify(hooks.EventTaskFailed, failed, map[string]any{"status": string(failed.Status), "error": reason})
	return failed, true, nil
}

func (c *Controller) fail(ctx context.Context, t Task, reason string) Task {
	failed, ok, err := c.transitionFailed(ctx, t, reason)
	if err != nil {
		c.logger.Printf("%v", err)
	}
	if !ok {
		return c.reload(ctx, t)
	}
	return failed
}

func (c *Controller) refund(ctx context.Context, t Task) {
	res, err := c.ledger.Refund(ctx, t.ID)
	switch {
	case errors.Is(err, ledger.ErrNoDebit):
		c.logger.Printf("refund task %s: no debit recorded", t.ID)
	case err != nil:
		c.logger.Printf("ALERT refund task %s: %v", t.ID, err)
	case !res.AlreadyApplied:
		c.metrics.RecordRefund(res.Transaction.Amount)
	}
}

func (c *Controller) reload(ctx context.Context, t Task) Task {
	fresh, err := c.store.GetTask(ctx, t.ID)
	if err != nil {
		c.logger.Printf("reload task %s: %v", t.ID, err)
		return t
	}
	return fresh
}

func (c *Controller) publish(t Task) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(bus.Event{
		Topic:      bus.TopicTask,
		UserID:     t.UserID,
		TaskID:     t.ID,
		ExternalID: t.TaskID,
		Payload:    c.View(t),
	})
}

func (c *Controller) notify(kind hooks.EventType, t Task, meta map[string]any) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(hooks.Event{
		ID:         uuid.NewString(),
		Type:       kind,
		OccurredAt: c.now(),
		UserID:     t.UserID,
		TaskID:     t.ID,
		Metadata:   meta,
	}, t.Webhooks)
}

func (c *Controller) callbackURL(providerName, taskID string) string {
	if c.baseURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("task", taskID)
	if c.secret != "" {
		q.Set("secret", c.secret)
	}
	return c.baseURL + "/webhooks/" + url.PathEscape(providerName) + "?" + q.Encode()
}
