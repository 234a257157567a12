package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnknownProvider  = errors.New("provider: unknown provider")
	ErrUnknownGenerator = errors.New("provider: unknown generator")
	ErrUnknownVersion   = errors.New("provider: unknown generator version")
)

// Status is the canonical job state reported by any backend.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further updates are expected after s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Job is a normalized submission handed to a backend.
type Job struct {
	TaskID      string
	Generator   string
	Address     string
	Input       map[string]any
	CallbackURL string
}

// Output is a single produced result: a remote file or inline text.
type Output struct {
	URI      string `json:"uri,omitempty"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Update is the canonical form every provider callback is reduced to.
type Update struct {
	ExternalID string
	Status     Status
	Progress   *float64
	Stage      int
	Outputs    []Output
	Error      string
}

// Adapter is the capability contract of a compute backend.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, job Job) (string, error)
	InterpretCallback(raw []byte) (Update, error)
	EstimateCost(v Version, config map[string]any) (int64, error)
}

// Canceler is implemented by backends that can abort a running job.
type Canceler interface {
	Cancel(ctx context.Context, externalID string) error
}

// MalformedError reports a callback payload that cannot be interpreted.
type MalformedError struct {
	Provider string
	Reason   string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("provider %s: malformed callback: %s", e.Provider, e.Reason)
}

// Malformed builds a MalformedError for provider.
func Malformed(provider, format string, args ...any) error {
	return &MalformedError{Provider: provider, Reason: fmt.Sprintf(format, args...)}
}

// IsMalformed reports whether err wraps a MalformedError.
func IsMalformed(err error) bool {
	var m *MalformedError
	return errors.As(err, &m)
}

// Float returns a pointer to v, for Update.Progress.
func Float(v float64) *float64 { return &v }
