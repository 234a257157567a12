package httpserver

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tokligence/taskd/internal/hooks"
	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/provider"
	"github.com/tokligence/taskd/internal/task"
)

// webhookEndpoint receives provider callbacks and payment events. Both
// answer with bare status codes; the senders only look at those.
type webhookEndpoint struct {
	server *Server
}

func newWebhookEndpoint(s *Server) endpoint {
	return &webhookEndpoint{server: s}
}

func (e *webhookEndpoint) Name() string { return "webhooks" }

func (e *webhookEndpoint) Routes() []route {
	s := e.server
	return []route{
		{Method: http.MethodPost, Path: "/webhooks/payments", Handler: http.HandlerFunc(s.handlePaymentWebhook)},
		{Method: http.MethodPost, Path: "/webhooks/{provider}", Handler: http.HandlerFunc(s.handleProviderWebhook)},
	}
}

func secretMatches(expected, given string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(given)) == 1
}

func (s *Server) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	if s.cfg.WebhookSecret != "" && !secretMatches(s.cfg.WebhookSecret, r.URL.Query().Get("secret")) {
		s.logger.Printf("rejected %s callback: bad secret", name)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	outcome, err := s.tasks.Reconcile(r.Context(), name, raw, r.URL.Query().Get("task"))
	s.debugf("callback %s -> %s", name, outcome)
	switch {
	case err == nil, errors.Is(err, task.ErrUnknownTask):
		// Unknown jobs are acknowledged so the provider stops retrying.
		w.WriteHeader(http.StatusOK)
	case outcome == task.OutcomeMalformed, provider.IsMalformed(err):
		s.logger.Printf("malformed %s callback: %v", name, err)
		w.WriteHeader(http.StatusBadRequest)
	case errors.Is(err, provider.ErrUnknownProvider):
		w.WriteHeader(http.StatusNotFound)
	default:
		s.logger.Printf("reconcile %s callback: %v", name, err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

type paymentWebhookRequest struct {
	EventID   string `json:"eventId" validate:"required,max=128"`
	EventType string `json:"eventType" validate:"required,max=128"`
	UserID    string `json:"userId" validate:"required,max=128"`
	Amount    int64  `json:"amount" validate:"gt=0"`
	Kind      string `json:"kind" validate:"omitempty,oneof=one_time subscription"`
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PaymentWebhookSecret == "" || !secretMatches(s.cfg.PaymentWebhookSecret, r.URL.Query().Get("secret")) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var req paymentWebhookRequest
	if err := s.decode(r, &req); err != nil {
		s.logger.Printf("rejected payment event: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	kind := ledger.PaymentKind(req.Kind)
	if kind == "" {
		kind = ledger.PaymentOneTime
	}
	res, err := s.ledger.ApplyPayment(r.Context(), ledger.PaymentEvent{
		EventID:   req.EventID,
		EventType: req.EventType,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Kind:      kind,
	})
	if err != nil {
		s.logger.Printf("apply payment %s: %v", req.EventID, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if res.AlreadyApplied {
		s.debugf("payment %s already applied", req.EventID)
		w.WriteHeader(http.StatusOK)
		return
	}
	s.logger.Printf("payment %s (%s) applied %d to %s", req.EventID, kind, req.Amount, req.UserID)
	s.notify(hooks.EventPaymentApplied, req.UserID, map[string]any{
		"eventId":       req.EventID,
		"kind":          string(kind),
		"amount":        req.Amount,
		"transactionId": res.Transaction.ID,
	})
	w.WriteHeader(http.StatusOK)
}

// notify hands a user-level event to the hook dispatcher. These events
// have no per-task callback URLs.
func (s *Server) notify(typ hooks.EventType, userID string, meta map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(hooks.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		UserID:     userID,
		Metadata:   meta,
	}, nil)
}
