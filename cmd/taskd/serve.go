package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tokligence/taskd/internal/auth"
	"github.com/tokligence/taskd/internal/bus"
	"github.com/tokligence/taskd/internal/bus/redisrelay"
	"github.com/tokligence/taskd/internal/config"
	"github.com/tokligence/taskd/internal/health"
	"github.com/tokligence/taskd/internal/hooks"
	"github.com/tokligence/taskd/internal/httpserver"
	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/logging"
	"github.com/tokligence/taskd/internal/metrics"
	"github.com/tokligence/taskd/internal/provider"
	"github.com/tokligence/taskd/internal/provider/loopback"
	"github.com/tokligence/taskd/internal/provider/modal"
	"github.com/tokligence/taskd/internal/provider/replicate"
	"github.com/tokligence/taskd/internal/ratelimit"
	"github.com/tokligence/taskd/internal/task"
	"github.com/tokligence/taskd/internal/userstore"
	"github.com/tokligence/taskd/internal/version"
	"github.com/tokligence/taskd/internal/voucher"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := logging.Open(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer out.Close()
	logger := out.Logger("serve")
	logger.Printf("taskd %s starting env=%s store=%s", version.Info(), cfg.Environment, cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	collector := metrics.NewCollector()
	led := ledger.NewService(st, ledger.Options{
		MaxRetries:   cfg.LedgerMaxRetries,
		RefundPolicy: cfg.RefundPolicy,
		Logger:       out.Logger("ledger"),
	})

	catalog, err := provider.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	registry, lb, err := buildRegistry(cfg, catalog, logger)
	if err != nil {
		return err
	}

	b := bus.New()
	defer b.Close()
	collector.TrackSubscribers(b.Count)
	b.OnDrop(func(sub bus.Filter, ev bus.Event) {
		collector.RecordDroppedEvent()
	})

	checker := health.New(health.Config{})
	checker.AddPinger(cfg.StoreDriver, health.KindStore, st)
	if cfg.ReplicateAPIToken != "" {
		checker.AddEndpoint(replicate.Name, firstNonEmpty(cfg.ReplicateBaseURL, replicate.DefaultBaseURL))
	}
	checker.AddEndpoint(modal.Name, cfg.ModalBaseURL)

	limiterStore := ratelimit.Store(ratelimit.NewMemoryStore())
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		relay, err := redisrelay.New(rdb, b, redisrelay.Config{Channel: cfg.RedisChannel, Logger: out.Logger("relay")})
		if err != nil {
			return err
		}
		if err := relay.Start(ctx); err != nil {
			return fmt.Errorf("start redis relay: %w", err)
		}
		defer relay.Close()
		limiterStore = ratelimit.NewRedisStore(rdb, "")
		checker.AddPinger("redis", health.KindCache, health.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		logger.Printf("relaying task updates through redis %s channel=%s", cfg.RedisAddr, cfg.RedisChannel)
	}
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Store:      limiterStore,
		Capacity:   float64(cfg.RateLimitCapacity),
		RefillRate: cfg.RateLimitRefill,
		Logger:     out.Logger("ratelimit"),
	})
	defer limiter.Close()

	dispatcher := &hooks.Dispatcher{}
	if handler := cfg.Hooks.BuildScriptHandler(); handler != nil {
		dispatcher.Register(handler)
		logger.Printf("hooks dispatcher enabled script=%s", cfg.Hooks.ScriptPath)
	}
	notifier := hooks.NewNotifier(hooks.NotifierConfig{
		Dispatcher: dispatcher,
		Timeout:    cfg.Hooks.CallbackTimeout,
		Secret:     cfg.Hooks.SigningSecret,
		Logger:     out.Logger("hooks"),
	})
	defer notifier.Wait()

	ctrl := task.NewController(st, led, catalog, registry, task.Options{
		PublicBaseURL: cfg.PublicBaseURL,
		WebhookSecret: cfg.WebhookSecret,
		SubmitTimeout: cfg.SubmitTimeout,
		Publisher:     b,
		Notifier:      notifier,
		Metrics:       collector,
		Logger:        out.Logger("task"),
	})
	if lb != nil {
		lb.SetSink(func(ctx context.Context, name string, raw []byte, hint string) error {
			_, err := ctrl.Reconcile(ctx, name, raw, hint)
			return err
		})
		defer lb.Wait()
	}
	vouchers := voucher.NewService(st, led, st, voucher.Options{
		Notifier: notifier,
		Metrics:  collector,
		Logger:   out.Logger("voucher"),
	})

	var authManager *auth.Manager
	if cfg.AuthDisabled {
		logger.Printf("authorization disabled: trusting X-User-ID")
	} else {
		authManager = auth.NewManager(cfg.AuthSecret)
	}
	if cfg.AdminUser != "" {
		if err := ensureAdmin(ctx, st, cfg.AdminUser); err != nil {
			return err
		}
	}

	srv, err := httpserver.New(httpserver.Config{
		AuthDisabled:         cfg.AuthDisabled,
		AdminUser:            cfg.AdminUser,
		WebhookSecret:        cfg.WebhookSecret,
		PaymentWebhookSecret: cfg.PaymentWebhookSecret,
		KeepAlive:            cfg.KeepAliveInterval,
		SubscriberBuffer:     cfg.SubscriberBuffer,
		RateLimitEnabled:     cfg.RateLimitEnabled,
		Debug:                out.Level() == logging.LevelDebug,
	}, httpserver.Deps{
		Tasks:    ctrl,
		Ledger:   led,
		Vouchers: vouchers,
		Users:    st,
		Bus:      b,
		Auth:     authManager,
		Limiter:  limiter,
		Health:   checker,
		Metrics:  collector,
		Notifier: notifier,
		Logger:   out.Logger("http"),
	})
	if err != nil {
		return err
	}

	// No write timeout: task streams stay open.
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddress)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	return nil
}

// buildRegistry registers every configured provider and the catalog's
// routing rules. The loopback adapter is returned so its callbacks can be
// wired once the controller exists.
func buildRegistry(cfg config.Config, catalog *provider.Catalog, logger *log.Logger) (*provider.Registry, *loopback.Adapter, error) {
	reg := provider.NewRegistry()
	if cfg.ReplicateAPIToken != "" {
		a, err := replicate.New(replicate.Config{
			APIToken:       cfg.ReplicateAPIToken,
			BaseURL:        cfg.ReplicateBaseURL,
			RequestTimeout: cfg.SubmitTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := reg.Register(a); err != nil {
			return nil, nil, err
		}
	}
	if cfg.ModalBaseURL != "" {
		a, err := modal.New(modal.Config{
			BaseURL:        cfg.ModalBaseURL,
			APIToken:       cfg.ModalAPIToken,
			RequestTimeout: cfg.SubmitTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := reg.Register(a); err != nil {
			return nil, nil, err
		}
	}
	var lb *loopback.Adapter
	if cfg.LoopbackEnabled {
		lb = loopback.New(loopback.Config{Delay: cfg.LoopbackDelay})
		if err := reg.Register(lb); err != nil {
			return nil, nil, err
		}
	}
	if err := catalog.ApplyRoutes(reg); err != nil {
		// Routes to a provider that is not configured here are expected.
		logger.Printf("catalog routes partially applied: %v", err)
	}
	logger.Printf("providers registered: %v", reg.Names())
	logger.Printf("generators available: %v", catalog.Names())
	return reg, lb, nil
}

func ensureAdmin(ctx context.Context, users userstore.Store, id string) error {
	if _, err := users.EnsureUser(ctx, userstore.User{ID: id}); err != nil {
		return fmt.Errorf("ensure admin %s: %w", id, err)
	}
	if err := users.SetUserRole(ctx, id, userstore.RoleAdmin); err != nil {
		return fmt.Errorf("grant admin to %s: %w", id, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
