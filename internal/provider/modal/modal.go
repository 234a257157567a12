package modal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/taskd/internal/provider"
	"github.com/tokligence/taskd/internal/version"
)

var (
	_ provider.Adapter  = (*Adapter)(nil)
	_ provider.Canceler = (*Adapter)(nil)
)

const Name = "modal"

// FrameParam is the config key that makes a job bill per frame.
const FrameParam = "n_frames"

// Adapter drives a job-runner endpoint that reports staged progress.
type Adapter struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// Config holds configuration for the job-runner adapter.
type Config struct {
	BaseURL        string
	APIToken       string // optional
	RequestTimeout time.Duration
}

// New creates an Adapter instance.
func New(cfg Config) (*Adapter, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("modal: base url required")
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		token:      cfg.APIToken,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (a *Adapter) Name() string { return Name }

// Submit starts a job on the app named by the version address.
func (a *Adapter) Submit(ctx context.Context, job provider.Job) (string, error) {
	payload := map[string]any{
		"app":          job.Address,
		"args":         job.Input,
		"callback_url": job.CallbackURL,
		"reference":    job.TaskID,
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := a.post(ctx, "/jobs", payload, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", errors.New("modal: job id missing from response")
	}
	return resp.JobID, nil
}

// Cancel requests cancellation of a job.
func (a *Adapter) Cancel(ctx context.Context, externalID string) error {
	return a.post(ctx, "/jobs/"+externalID+"/cancel", map[string]any{}, nil)
}

// EstimateCost multiplies the schedule by the requested frame count when
// the version bills per frame through its base price.
func (a *Adapter) EstimateCost(v provider.Version, config map[string]any) (int64, error) {
	cost, err := v.Cost.Estimate(config)
	if err != nil {
		return 0, err
	}
	if v.Cost.Per != nil {
		return cost, nil
	}
	if frames, ok := config[FrameParam].(int64); ok && frames > 1 {
		cost *= frames
	}
	return cost, nil
}

type callback struct {
	JobID    string   `json:"job_id"`
	State    string   `json:"state"`
	Progress *float64 `json:"progress"`
	Stage    int      `json:"stage"`
	Message  string   `json:"message"`
	Result   *struct {
		URLs []string `json:"urls"`
		Text string   `json:"text"`
		Mime string   `json:"mime_type"`
	} `json:"result"`
}

// InterpretCallback reduces a job callback to a canonical update.
func (a *Adapter) InterpretCallback(raw []byte) (provider.Update, error) {
	var cb callback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return provider.Update{}, provider.Malformed(Name, "invalid json: %v", err)
	}
	if cb.JobID == "" {
		return provider.Update{}, provider.Malformed(Name, "missing job_id")
	}
	up := provider.Update{ExternalID: cb.JobID, Stage: cb.Stage}
	switch cb.State {
	case "queued", "running":
		up.Status = provider.StatusRunning
		if cb.Progress != nil {
			p := min(max(*cb.Progress, 0), 1)
			up.Progress = &p
		}
	case "done":
		up.Status = provider.StatusSucceeded
		up.Progress = provider.Float(1)
		if cb.Result != nil {
			for _, u := range cb.Result.URLs {
				up.Outputs = append(up.Outputs, provider.Output{URI: u, MimeType: cb.Result.Mime})
			}
			if cb.Result.Text != "" {
				up.Outputs = append(up.Outputs, provider.Output{Text: cb.Result.Text})
			}
		}
	case "error":
		up.Status = provider.StatusFailed
		up.Error = cb.Message
		if up.Error == "" {
			up.Error = "job failed"
		}
	case "cancelled":
		up.Status = provider.StatusCancelled
		up.Error = "job cancelled"
	default:
		return provider.Update{}, provider.Malformed(Name, "unknown state %q", cb.State)
	}
	return up, nil
}

func (a *Adapter) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("modal: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("modal: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("modal: send request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("modal: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("modal: http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("modal: unmarshal response: %w", err)
	}
	return nil
}
