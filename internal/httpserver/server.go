package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/tokligence/taskd/internal/auth"
	"github.com/tokligence/taskd/internal/bus"
	"github.com/tokligence/taskd/internal/health"
	"github.com/tokligence/taskd/internal/hooks"
	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/metrics"
	"github.com/tokligence/taskd/internal/provider"
	"github.com/tokligence/taskd/internal/ratelimit"
	"github.com/tokligence/taskd/internal/task"
	"github.com/tokligence/taskd/internal/userstore"
	"github.com/tokligence/taskd/internal/voucher"
)

const maxBodyBytes = 1 << 20

// Config carries the HTTP-facing settings.
type Config struct {
	AuthDisabled         bool
	AdminUser            string
	WebhookSecret        string
	PaymentWebhookSecret string
	KeepAlive            time.Duration
	SubscriberBuffer     int
	RateLimitEnabled     bool
	Debug                bool
}

// Deps are the services the HTTP layer delegates to.
type Deps struct {
	Tasks    *task.Controller
	Ledger   *ledger.Service
	Vouchers *voucher.Service
	Users    userstore.Store
	Bus      *bus.Bus
	Auth     *auth.Manager
	Limiter  *ratelimit.Limiter
	Health   *health.Checker
	Metrics  *metrics.Collector
	Notifier *hooks.Notifier
	Logger   *log.Logger
}

// Server exposes the REST surface, live updates and webhook receivers.
type Server struct {
	cfg      Config
	tasks    *task.Controller
	ledger   *ledger.Service
	vouchers *voucher.Service
	users    userstore.Store
	bus      *bus.Bus
	auth     *auth.Manager
	limiter  *ratelimit.Limiter
	health   *health.Checker
	metrics  *metrics.Collector
	notifier *hooks.Notifier
	logger   *log.Logger
	validate *validator.Validate
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Tasks == nil || deps.Ledger == nil || deps.Vouchers == nil || deps.Users == nil || deps.Bus == nil {
		return nil, errors.New("httpserver: tasks, ledger, vouchers, users and bus are required")
	}
	if deps.Auth == nil && !cfg.AuthDisabled {
		return nil, errors.New("httpserver: auth manager required unless auth is disabled")
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Health == nil {
		deps.Health = health.New(health.Config{})
	}
	return &Server{
		cfg:      cfg,
		tasks:    deps.Tasks,
		ledger:   deps.Ledger,
		vouchers: deps.Vouchers,
		users:    deps.Users,
		bus:      deps.Bus,
		auth:     deps.Auth,
		limiter:  deps.Limiter,
		health:   deps.Health,
		metrics:  deps.Metrics,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		validate: newValidator(),
	}, nil
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.cfg.Debug {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(s.measure)

	s.registerEndpoints(r,
		newHealthEndpoint(s),
		newWebhookEndpoint(s),
	)
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.identify)
		s.registerEndpoints(api,
			newTaskEndpoint(s),
			newAccountEndpoint(s),
			newAdminEndpoint(s),
		)
	})
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...endpoint) {
	for _, ep := range endpoints {
		s.debugf("registering endpoint %s", ep.Name())
		for _, rt := range ep.Routes() {
			r.Method(rt.Method, rt.Path, rt.Handler)
		}
	}
}

// measure records per-route request counts and latency.
func (s *Server) measure(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		pattern := r.Method + " " + r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = r.Method + " " + rc.RoutePattern()
		}
		s.metrics.RecordRequest(pattern, time.Since(start), ww.Status())
	})
}

func (s *Server) debugf(format string, args ...any) {
	if s.cfg.Debug {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

// ==================== Identity ====================

type userContextKey struct{}

// identify resolves the caller to a user record. Bearer tokens carry the
// user id; with auth disabled the X-User-ID header is trusted.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.callerID(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err)
			return
		}
		user, err := s.users.EnsureUser(r.Context(), userstore.User{ID: userID})
		if err != nil {
			s.logger.Printf("ensure user %s: %v", userID, err)
			s.respondError(w, http.StatusInternalServerError, errInternal)
			return
		}
		if user.Status != userstore.StatusActive {
			s.respondError(w, http.StatusForbidden, errors.New("account inactive"))
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) callerID(r *http.Request) (string, error) {
	if token, ok := auth.BearerToken(r.Header.Get("Authorization")); ok && s.auth != nil {
		userID, err := s.auth.ValidateToken(token)
		if err != nil {
			return "", errors.New("invalid or expired token")
		}
		return userID, nil
	}
	if s.cfg.AuthDisabled {
		if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
			return id, nil
		}
	}
	return "", errors.New("missing credentials")
}

func userFromContext(ctx context.Context) (userstore.User, bool) {
	u, ok := ctx.Value(userContextKey{}).(userstore.User)
	return u, ok
}

func (s *Server) isAdmin(u userstore.User) bool {
	return u.IsAdmin() || (s.cfg.AdminUser != "" && u.ID == s.cfg.AdminUser)
}

// withUser adapts handlers that need the caller.
func (s *Server) withUser(fn func(http.ResponseWriter, *http.Request, userstore.User)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := userFromContext(r.Context())
		if !ok {
			s.respondError(w, http.StatusUnauthorized, errors.New("missing credentials"))
			return
		}
		fn(w, r, u)
	})
}

func (s *Server) requireAdmin(fn func(http.ResponseWriter, *http.Request, userstore.User)) http.Handler {
	return s.withUser(func(w http.ResponseWriter, r *http.Request, u userstore.User) {
		if !s.isAdmin(u) {
			s.respondError(w, http.StatusForbidden, errors.New("admin access required"))
			return
		}
		fn(w, r, u)
	})
}

// ==================== Requests and responses ====================

var (
	errInternal     = errors.New("internal error")
	errInvalidLimit = errors.New("limit must be between 1 and 500")
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates its struct tags.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid request: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"message": err.Error()})
}

// respondServiceError maps domain errors to status codes. Anything not
// recognized is logged and answered with a generic 500.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	if verr, ok := provider.AsValidationError(err); ok {
		s.respondJSON(w, http.StatusBadRequest, map[string]any{"message": verr.Error(), "fields": verr.Fields})
		return
	}
	var subErr *task.SubmissionError
	switch {
	case errors.As(err, &subErr):
		s.respondJSON(w, http.StatusBadGateway, map[string]any{"message": "provider rejected the task; it was refunded", "id": subErr.TaskID})
	case isAdmissionError(err):
		s.respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, task.ErrNotFound), errors.Is(err, task.ErrForbidden):
		// Foreign tasks read as missing.
		s.respondError(w, http.StatusNotFound, task.ErrNotFound)
	case errors.Is(err, task.ErrTerminal):
		s.respondError(w, http.StatusConflict, err)
	case errors.Is(err, voucher.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, voucher.ErrNotEligible):
		s.respondError(w, http.StatusForbidden, err)
	case errors.Is(err, voucher.ErrAlreadyRedeemed), errors.Is(err, voucher.ErrExhausted):
		s.respondError(w, http.StatusConflict, err)
	case errors.Is(err, voucher.ErrInvalid):
		s.respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, ledger.ErrConflict):
		s.logger.Printf("ALERT ledger contention exhausted retries: %v", err)
		s.respondError(w, http.StatusInternalServerError, errInternal)
	default:
		s.logger.Printf("request failed: %v", err)
		s.respondError(w, http.StatusInternalServerError, errInternal)
	}
}
