package task

import (
	"context"
	"errors"
	"time"

	"github.com/tokligence/taskd/internal/provider"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

var (
	ErrNotFound    = errors.New("task: not found")
	ErrUnknownTask = errors.New("task: callback for unknown task")
	ErrForbidden   = errors.New("task: not owned by caller")
	ErrTerminal    = errors.New("task: already in a terminal state")
)

// Task is one unit of requested generation work.
type Task struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"taskId,omitempty"`
	UserID      string         `json:"userId"`
	AgentID     string         `json:"agentId,omitempty"`
	Generator   string         `json:"generator"`
	Version     string         `json:"version"`
	Provider    string         `json:"provider"`
	OutputKind  string         `json:"outputKind"`
	Config      map[string]any `json:"config"`
	Status      Status         `json:"status"`
	Progress    float64        `json:"progress"`
	Stage       int            `json:"stage"`
	Cost        int64          `json:"cost"`
	Error       string         `json:"error,omitempty"`
	Result      string         `json:"result,omitempty"`
	Webhooks    []string       `json:"webhooks,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// Artifact is a materialized output of a completed task.
type Artifact struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"taskId"`
	UserID    string            `json:"userId"`
	Index     int               `json:"index"`
	Kind      string            `json:"kind"`
	URI       string            `json:"uri,omitempty"`
	Text      string            `json:"text,omitempty"`
	MimeType  string            `json:"mimeType,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Output is an intermediate result recorded while a task runs.
type Output struct {
	TaskID    string    `json:"taskId"`
	Seq       int       `json:"seq"`
	URI       string    `json:"uri,omitempty"`
	Text      string    `json:"text,omitempty"`
	MimeType  string    `json:"mimeType,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Patch is a partial update. Nil fields are left unchanged. Progress is
// only ever raised unless Stage moves forward, in which case it is reset
// to the given value.
type Patch struct {
	Status   *Status
	Progress *float64
	Stage    *int
	Error    *string
	Result   *string
	TaskID   *string
	Outputs  []provider.Output
}

// Filter narrows List results.
type Filter struct {
	UserID string
	Status Status
	TaskID string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// Store persists tasks. UpdateTask and CompleteTask are conditional: they
// apply only while the stored status is non-terminal and report whether
// they did.
//
// CompleteTask marks the task completed, inserts its artifacts and bumps
// the owner's artifact or concept counter in one transaction.
type Store interface {
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	GetTaskByExternalID(ctx context.Context, externalID string) (Task, error)
	ListTasks(ctx context.Context, f Filter) ([]Task, error)
	UpdateTask(ctx context.Context, id string, p Patch) (bool, error)
	CompleteTask(ctx context.Context, id string, p Patch, artifacts []Artifact) (bool, error)
	DeleteTask(ctx context.Context, id string) error
	ListArtifacts(ctx context.Context, taskID string) ([]Artifact, error)
	ListOutputs(ctx context.Context, taskID string) ([]Output, error)
}

// StatusPtr and the helpers below build Patch fields.
func StatusPtr(s Status) *Status { return &s }

func String(s string) *string { return &s }

func Int(i int) *int { return &i }
