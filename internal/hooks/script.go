package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// maxStderr bounds how much script output ends up in an error message.
const maxStderr = 512

// ScriptConfig describes an executable run for every event it receives.
type ScriptConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// NewScriptHandler returns a Handler that writes the encoded event to the
// command's stdin. The event type and ids are also exported as
// TASKD_EVENT_TYPE, TASKD_EVENT_ID, TASKD_USER_ID and TASKD_TASK_ID.
func NewScriptHandler(cfg ScriptConfig) Handler {
	return func(parentCtx context.Context, evt Event) error {
		if cfg.Command == "" {
			return fmt.Errorf("hooks: command not configured")
		}
		payload, err := MarshalEvent(evt)
		if err != nil {
			return fmt.Errorf("hooks: marshal event: %w", err)
		}

		ctx := parentCtx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, cfg.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		env := cmd.Environ()
		for key, val := range cfg.Env {
			env = append(env, key+"="+val)
		}
		env = append(env,
			"TASKD_EVENT_TYPE="+string(evt.Type),
			"TASKD_EVENT_ID="+evt.ID,
			"TASKD_USER_ID="+evt.UserID,
			"TASKD_TASK_ID="+evt.TaskID,
		)
		cmd.Env = env
		cmd.Stdin = bytes.NewReader(payload)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if len(msg) > maxStderr {
				msg = msg[:maxStderr] + "..."
			}
			if msg != "" {
				return fmt.Errorf("hooks: %s for %s event %s: %w: %s", cfg.Command, evt.Type, evt.ID, err, msg)
			}
			return fmt.Errorf("hooks: %s for %s event %s: %w", cfg.Command, evt.Type, evt.ID, err)
		}
		return nil
	}
}
