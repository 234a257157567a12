package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tokligence/taskd/internal/hooks"
	"github.com/tokligence/taskd/internal/ledger"
)

func writeConfig(t *testing.T, setting, env string) string {
	t.Helper()
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
		t.Fatalf("write setting: %v", err)
	}
	if env != "" {
		if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "taskd.ini"), []byte(env), 0o644); err != nil {
			t.Fatalf("write env config: %v", err)
		}
	}
	return tmp
}

func TestLoadMergesLayers(t *testing.T) {
	setting := "environment=dev\nlog_level=debug\nsqlite_path=/tmp/base.db\nhttp_address=:7000\n"
	env := strings.Join([]string{
		"[server]",
		"http_address=:9090",
		"sqlite_path=/tmp/env.db",
		"refund_policy=origin",
		"submit_timeout=5s",
		"; comment",
		"auth_secret=file-secret",
	}, "\n")
	root := writeConfig(t, setting, env)
	t.Setenv("TASKD_AUTH_SECRET", "env-secret")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddress != ":9090" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from base config, got %s", cfg.LogLevel)
	}
	if cfg.SQLitePath != "/tmp/env.db" {
		t.Fatalf("unexpected sqlite path %s", cfg.SQLitePath)
	}
	if cfg.AuthSecret != "env-secret" {
		t.Fatalf("unexpected auth secret %s", cfg.AuthSecret)
	}
	if cfg.RefundPolicy != ledger.RefundToOrigin {
		t.Fatalf("unexpected refund policy %s", cfg.RefundPolicy)
	}
	if cfg.SubmitTimeout != 5*time.Second {
		t.Fatalf("unexpected submit timeout %s", cfg.SubmitTimeout)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "dev" || cfg.StoreDriver != DriverSQLite {
		t.Fatalf("unexpected defaults env=%s driver=%s", cfg.Environment, cfg.StoreDriver)
	}
	if cfg.RefundPolicy != ledger.RefundToBalance {
		t.Fatalf("expected balance refunds by default, got %s", cfg.RefundPolicy)
	}
	if cfg.KeepAliveInterval != 15*time.Second || cfg.HookTimeout != 10*time.Second {
		t.Fatalf("unexpected timeouts keepalive=%s hook=%s", cfg.KeepAliveInterval, cfg.HookTimeout)
	}
	if !cfg.LoopbackEnabled || !cfg.RateLimitEnabled {
		t.Fatalf("expected loopback and rate limiting enabled by default")
	}
	if cfg.RateLimitRefill != 0.5 || cfg.RateLimitCapacity != 10 {
		t.Fatalf("unexpected rate limit %d/%v", cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}
	if cfg.Hooks.CallbackTimeout != cfg.HookTimeout {
		t.Fatalf("callback timeout should follow hook_timeout")
	}
}

func TestLoadHooks(t *testing.T) {
	env := strings.Join([]string{
		"hooks_enabled=true",
		"hooks_script_path=/usr/local/bin/sync-hooks",
		"hooks_script_args=--seed, --refresh",
		"hooks_script_env=FOO=BAR,BIZ=BUZ",
		"hooks_timeout=45s",
		"hooks_events=task.completed, payment.applied",
	}, "\n")
	root := writeConfig(t, "environment=dev\n", env)
	t.Setenv("TASKD_HOOKS_SCRIPT_ARGS", "--from-env")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Hooks.Enabled || cfg.Hooks.ScriptPath != "/usr/local/bin/sync-hooks" {
		t.Fatalf("unexpected hooks %+v", cfg.Hooks)
	}
	if len(cfg.Hooks.ScriptArgs) != 1 || cfg.Hooks.ScriptArgs[0] != "--from-env" {
		t.Fatalf("expected env args override, got %v", cfg.Hooks.ScriptArgs)
	}
	if cfg.Hooks.Env["FOO"] != "BAR" || cfg.Hooks.Env["BIZ"] != "BUZ" {
		t.Fatalf("unexpected env map %v", cfg.Hooks.Env)
	}
	if cfg.Hooks.Timeout != 45*time.Second {
		t.Fatalf("unexpected hooks timeout %s", cfg.Hooks.Timeout)
	}
	if len(cfg.Hooks.Events) != 2 || cfg.Hooks.Events[1] != hooks.EventPaymentApplied {
		t.Fatalf("unexpected hook events %v", cfg.Hooks.Events)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"driver":        "store_driver=cassandra\n",
		"postgres dsn":  "store_driver=postgres\n",
		"mongo uri":     "store_driver=mongo\n",
		"duration":      "submit_timeout=soon\n",
		"refund policy": "refund_policy=wallet\n",
		"refill":        "ratelimit_refill=fast\n",
		"hooks":         "hooks_enabled=true\n",
		"hook events":   "hooks_events=task.started\n",
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			root := writeConfig(t, "environment=dev\n", env)
			if _, err := Load(root); err == nil {
				t.Fatalf("expected error for %q", env)
			}
		})
	}
}

func TestEnvironmentOverride(t *testing.T) {
	root := writeConfig(t, "environment=dev\n", "http_address=:1111\n")
	if err := os.MkdirAll(filepath.Join(root, "config", "live"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "config", "live", "taskd.ini"), []byte("http_address=:2222\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("TASKD_ENVIRONMENT", "live")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "live" || cfg.HTTPAddress != ":2222" {
		t.Fatalf("unexpected env=%s addr=%s", cfg.Environment, cfg.HTTPAddress)
	}
}

func TestParseHelpers(t *testing.T) {
	if got := parseCSV(" a, ,b "); len(got) != 2 || got[1] != "b" {
		t.Fatalf("parseCSV: %v", got)
	}
	if parseMap("bad") != nil {
		t.Fatalf("parseMap should drop entries without '='")
	}
	if parseOptionalInt("x", 7) != 7 {
		t.Fatalf("parseOptionalInt fallback")
	}
	if !parseBool(" YES ") || parseBool("nah") {
		t.Fatalf("parseBool")
	}
}
