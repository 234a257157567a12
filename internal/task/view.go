package task

import (
	"time"

	"github.com/tokligence/taskd/internal/provider"
)

// View is the client-facing projection of a task. Private parameters and
// routing details are left out.
type View struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"taskId,omitempty"`
	AgentID     string         `json:"agentId,omitempty"`
	Generator   string         `json:"generator"`
	Version     string         `json:"version"`
	OutputKind  string         `json:"outputKind"`
	Config      map[string]any `json:"config,omitempty"`
	Status      Status         `json:"status"`
	Progress    float64        `json:"progress"`
	Stage       int            `json:"stage,omitempty"`
	Cost        int64          `json:"cost"`
	Error       string         `json:"error,omitempty"`
	Result      string         `json:"result,omitempty"`
	Artifacts   []Artifact     `json:"artifacts,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// View projects t for its owner.
func (c *Controller) View(t Task) View {
	v := View{
		ID:          t.ID,
		TaskID:      t.TaskID,
		AgentID:     t.AgentID,
		Generator:   t.Generator,
		Version:     t.Version,
		OutputKind:  t.OutputKind,
		Status:      t.Status,
		Progress:    t.Progress,
		Stage:       t.Stage,
		Cost:        t.Cost,
		Error:       t.Error,
		Result:      t.Result,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
	// Without the catalog entry there is no way to tell private parameters
	// apart, so the config is withheld.
	if version, err := c.catalog.Resolve(t.Generator, t.Version); err == nil {
		v.Config = provider.Public(version, t.Config)
	}
	return v
}
