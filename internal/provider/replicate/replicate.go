package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tokligence/taskd/internal/provider"
	"github.com/tokligence/taskd/internal/version"
)

// Ensure Adapter implements the provider contracts.
var (
	_ provider.Adapter  = (*Adapter)(nil)
	_ provider.Canceler = (*Adapter)(nil)
)

const Name = "replicate"

// DefaultBaseURL is used when Config.BaseURL is empty.
const DefaultBaseURL = "https://api.replicate.com/v1"

// Adapter submits predictions to a Replicate compatible API.
type Adapter struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// Config holds configuration for the Replicate adapter.
type Config struct {
	APIToken       string
	BaseURL        string // optional, defaults to DefaultBaseURL
	RequestTimeout time.Duration
}

// New creates an Adapter instance.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIToken == "" {
		return nil, errors.New("replicate: api token required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		token:      cfg.APIToken,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (a *Adapter) Name() string { return Name }

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
	Logs   string          `json:"logs"`
}

// Submit creates a prediction and returns its id.
func (a *Adapter) Submit(ctx context.Context, job provider.Job) (string, error) {
	payload := map[string]any{
		"version": job.Address,
		"input":   job.Input,
	}
	if job.CallbackURL != "" {
		payload["webhook"] = job.CallbackURL
		payload["webhook_events_filter"] = []string{"start", "logs", "completed"}
	}
	var pred prediction
	if err := a.do(ctx, "/predictions", payload, &pred); err != nil {
		return "", err
	}
	if pred.ID == "" {
		return "", errors.New("replicate: prediction id missing from response")
	}
	return pred.ID, nil
}

// Cancel aborts a running prediction.
func (a *Adapter) Cancel(ctx context.Context, externalID string) error {
	return a.do(ctx, "/predictions/"+externalID+"/cancel", nil, nil)
}

// EstimateCost applies the version's schedule unchanged.
func (a *Adapter) EstimateCost(v provider.Version, config map[string]any) (int64, error) {
	return v.Cost.Estimate(config)
}

var progressPattern = regexp.MustCompile(`(\d{1,3})%`)

// InterpretCallback reduces a prediction webhook to a canonical update.
func (a *Adapter) InterpretCallback(raw []byte) (provider.Update, error) {
	var pred prediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		return provider.Update{}, provider.Malformed(Name, "invalid json: %v", err)
	}
	if pred.ID == "" {
		return provider.Update{}, provider.Malformed(Name, "missing prediction id")
	}
	up := provider.Update{ExternalID: pred.ID}
	switch pred.Status {
	case "starting", "processing":
		up.Status = provider.StatusRunning
		up.Progress = parseProgress(pred.Logs)
	case "succeeded":
		up.Status = provider.StatusSucceeded
		up.Progress = provider.Float(1)
		up.Outputs = parseOutputs(pred.Output)
	case "failed":
		up.Status = provider.StatusFailed
		up.Error = errorText(pred.Error)
		if up.Error == "" {
			up.Error = "prediction failed"
		}
	case "canceled", "cancelled":
		up.Status = provider.StatusCancelled
		up.Error = "prediction canceled"
	default:
		return provider.Update{}, provider.Malformed(Name, "unknown status %q", pred.Status)
	}
	return up, nil
}

func parseProgress(logs string) *float64 {
	matches := progressPattern.FindAllStringSubmatch(logs, -1)
	if len(matches) == 0 {
		return nil
	}
	pct, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil || pct > 100 {
		return nil
	}
	return provider.Float(float64(pct) / 100)
}

// parseOutputs accepts a single URL, a list of URLs, or plain text chunks
// as produced by language models.
func parseOutputs(raw json.RawMessage) []provider.Output {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil
		}
		return []provider.Output{toOutput(single)}
	}
	// null entries decode as "" and are dropped.
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		items := list[:0]
		for _, item := range list {
			if item != "" {
				items = append(items, item)
			}
		}
		if len(items) == 0 {
			return nil
		}
		if !looksLikeURL(items[0]) {
			return []provider.Output{{Text: strings.Join(items, "")}}
		}
		out := make([]provider.Output, 0, len(items))
		for _, item := range items {
			out = append(out, toOutput(item))
		}
		return out
	}
	return nil
}

func toOutput(s string) provider.Output {
	if looksLikeURL(s) {
		return provider.Output{URI: s}
	}
	return provider.Output{Text: s}
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "data:")
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (a *Adapter) do(ctx context.Context, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("replicate: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("replicate: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("replicate: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("replicate: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Detail string `json:"detail"`
			Title  string `json:"title"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Detail != "" {
			return fmt.Errorf("replicate: http %d: %s", resp.StatusCode, errResp.Detail)
		}
		return fmt.Errorf("replicate: http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("replicate: unmarshal response: %w", err)
	}
	return nil
}
