package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tokligence/taskd/internal/hooks"
	"github.com/tokligence/taskd/internal/ledger"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/taskd.ini"
)

// Store drivers accepted by store_driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes runtime options for the daemon and the CLI.
type Config struct {
	Environment string
	HTTPAddress string
	LogFile     string
	LogLevel    string

	StoreDriver   string
	SQLitePath    string
	PostgresDSN   string
	MongoURI      string
	MongoDatabase string

	CatalogPath   string
	PublicBaseURL string

	WebhookSecret        string
	PaymentWebhookSecret string
	AuthSecret           string
	AuthDisabled         bool
	AdminUser            string

	ReplicateAPIToken string
	ReplicateBaseURL  string
	ModalBaseURL      string
	ModalAPIToken     string
	LoopbackEnabled   bool
	LoopbackDelay     time.Duration

	SubmitTimeout     time.Duration
	HookTimeout       time.Duration
	KeepAliveInterval time.Duration
	SubscriberBuffer  int

	RefundPolicy     ledger.RefundPolicy
	LedgerMaxRetries int

	// Optional cross-instance fan-out; empty disables the relay.
	RedisAddr    string
	RedisChannel string

	RateLimitEnabled  bool
	RateLimitCapacity int
	RateLimitRefill   float64

	Hooks hooks.Config
}

// Load reads the current environment and merges setting.ini, the
// environment's taskd.ini and TASKD_* variables, in increasing precedence.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(key string) string {
		return firstNonEmpty(os.Getenv("TASKD_"+strings.ToUpper(key)), merged[key])
	}

	cfg := Config{
		Environment:          s.Environment,
		HTTPAddress:          firstNonEmpty(get("http_address"), ":8080"),
		LogFile:              get("log_file"),
		LogLevel:             strings.ToLower(firstNonEmpty(get("log_level"), "info")),
		StoreDriver:          strings.ToLower(strings.TrimSpace(firstNonEmpty(get("store_driver"), DriverSQLite))),
		SQLitePath:           firstNonEmpty(get("sqlite_path"), DefaultSQLitePath()),
		PostgresDSN:          get("postgres_dsn"),
		MongoURI:             get("mongo_uri"),
		MongoDatabase:        firstNonEmpty(get("mongo_database"), "taskd"),
		CatalogPath:          firstNonEmpty(get("catalog_path"), filepath.Join(root, "config", "catalog.yaml")),
		PublicBaseURL:        firstNonEmpty(get("public_base_url"), "http://localhost:8080"),
		WebhookSecret:        get("webhook_secret"),
		PaymentWebhookSecret: get("payment_webhook_secret"),
		AuthSecret:           firstNonEmpty(get("auth_secret"), "taskd-dev-secret"),
		AuthDisabled:         parseOptionalBool(get("auth_disabled"), false),
		AdminUser:            get("admin_user"),
		ReplicateAPIToken:    get("replicate_api_token"),
		ReplicateBaseURL:     get("replicate_base_url"),
		ModalBaseURL:         get("modal_base_url"),
		ModalAPIToken:        get("modal_api_token"),
		LoopbackEnabled:      parseOptionalBool(get("loopback_enabled"), true),
		SubscriberBuffer:     parseOptionalInt(get("subscriber_buffer"), 16),
		LedgerMaxRetries:     parseOptionalInt(get("ledger_max_retries"), 0),
		RedisAddr:            get("redis_addr"),
		RedisChannel:         firstNonEmpty(get("redis_channel"), "taskd:updates"),
		RateLimitEnabled:     parseOptionalBool(get("ratelimit_enabled"), true),
		RateLimitCapacity:    parseOptionalInt(get("ratelimit_capacity"), 10),
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"submit_timeout", &cfg.SubmitTimeout, 30 * time.Second},
		{"hook_timeout", &cfg.HookTimeout, 10 * time.Second},
		{"keepalive_interval", &cfg.KeepAliveInterval, 15 * time.Second},
		{"loopback_delay", &cfg.LoopbackDelay, 0},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, get(d.key), d.fallback)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	refill := firstNonEmpty(get("ratelimit_refill"), "0.5")
	cfg.RateLimitRefill, err = strconv.ParseFloat(strings.TrimSpace(refill), 64)
	if err != nil {
		return Config{}, fmt.Errorf("invalid ratelimit_refill %q: %w", refill, err)
	}

	cfg.RefundPolicy, err = ledger.ParseRefundPolicy(get("refund_policy"))
	if err != nil {
		return Config{}, err
	}

	cfg.Hooks = hooks.Config{
		Enabled:         parseBool(get("hooks_enabled")),
		ScriptPath:      get("hooks_script_path"),
		ScriptArgs:      parseCSV(get("hooks_script_args")),
		Env:             parseMap(get("hooks_script_env")),
		CallbackTimeout: cfg.HookTimeout,
		SigningSecret:   get("hooks_signing_secret"),
	}
	if cfg.Hooks.Timeout, err = parseDuration("hooks_timeout", get("hooks_timeout"), 0); err != nil {
		return Config{}, err
	}
	if cfg.Hooks.Events, err = hooks.ParseEventTypes(parseCSV(get("hooks_events"))); err != nil {
		return Config{}, err
	}
	if err := cfg.Hooks.Validate(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("config: sqlite_path required for the sqlite store")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return errors.New("config: postgres_dsn required for the postgres store")
		}
	case DriverMongo:
		if strings.TrimSpace(c.MongoURI) == "" {
			return errors.New("config: mongo_uri required for the mongo store")
		}
	default:
		return fmt.Errorf("config: unknown store_driver %q", c.StoreDriver)
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("config: subscriber_buffer must be positive, got %d", c.SubscriberBuffer)
	}
	if c.RateLimitEnabled && (c.RateLimitCapacity <= 0 || c.RateLimitRefill <= 0) {
		return errors.New("config: ratelimit_capacity and ratelimit_refill must be positive")
	}
	return nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv("TASKD_ENVIRONMENT"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv("TASKD_ENVIRONMENT"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseDuration(key, v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMap(input string) map[string]string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	result := make(map[string]string)
	for _, entry := range strings.Split(input, ",") {
		kv := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		if key != "" {
			result[key] = strings.TrimSpace(kv[1])
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// DefaultSQLitePath returns the fallback database location under the user's
// home directory.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "taskd.db"
	}
	return filepath.Join(home, ".taskd", "taskd.db")
}
