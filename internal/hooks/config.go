package hooks

import (
	"errors"
	"time"
)

// Config holds the hook settings read from taskd.ini.
type Config struct {
	Enabled    bool
	ScriptPath string
	ScriptArgs []string
	Env        map[string]string
	Timeout    time.Duration
	// Events limits the script to these types; empty means all of them.
	Events []EventType
	// CallbackTimeout bounds each POST to an integrator callback URL.
	CallbackTimeout time.Duration
	// SigningSecret, when set, signs callback bodies.
	SigningSecret string
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ScriptPath == "" {
		return errors.New("hooks: hooks_script_path required when hooks are enabled")
	}
	if c.Timeout < 0 {
		return errors.New("hooks: hooks_timeout must not be negative")
	}
	return nil
}

// BuildScriptHandler returns the configured script handler, or nil when
// hooks are disabled.
func (c Config) BuildScriptHandler() Handler {
	if !c.Enabled {
		return nil
	}
	h := NewScriptHandler(ScriptConfig{
		Command: c.ScriptPath,
		Args:    c.ScriptArgs,
		Env:     c.Env,
		Timeout: c.Timeout,
	})
	return Only(h, c.Events...)
}
