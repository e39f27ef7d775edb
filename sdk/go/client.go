package docrelaysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal docrelay HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Job represents the API job model.
type Job struct {
	ID            string  `json:"id"`
	DocURL        string  `json:"docUrl"`
	DocKey        string  `json:"docKey"`
	WordLink      string  `json:"wordLink,omitempty"`
	TraceID       string  `json:"traceId,omitempty"`
	Status        string  `json:"status"`
	Priority      int     `json:"priority"`
	AssignedAgent *string `json:"assignedAgent,omitempty"`
	Attempts      int     `json:"attempts"`
	LastError     *string `json:"lastError,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	StartedAt     *string `json:"startedAt,omitempty"`
	FinishedAt    *string `json:"finishedAt,omitempty"`
}

// Event represents a log entry attached to a job.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Payload    string `json:"payload_json"`
}

// JobDetail is a job plus its payload and event history.
type JobDetail struct {
	Job
	PayloadJSON string  `json:"payloadJson"`
	Events      []Event `json:"events,omitempty"`
}

// EnqueueResult identifies a newly queued job.
type EnqueueResult struct {
	JobID   string `json:"jobId"`
	TraceID string `json:"traceId"`
}

// CompleteResult is the job state after a terminal report.
type CompleteResult struct {
	Ok  bool `json:"ok"`
	Job Job  `json:"job"`
}

// ExtractResult reports how a model reply was turned into a program.
type ExtractResult struct {
	Valid      bool   `json:"valid"`
	Source     string `json:"source"`
	Normalized bool   `json:"normalized"`
	Error      string `json:"error,omitempty"`
	Program    any    `json:"program,omitempty"`
}

// DeliverResult describes where a one-shot delivery went.
type DeliverResult struct {
	Via       string `json:"via"`
	JobID     string `json:"jobId"`
	TraceID   string `json:"traceId"`
	SentOps   int    `json:"sentOps"`
	Listeners int    `json:"listeners"`
}

// DeliverOptions selects the transport and recipient for Deliver.
type DeliverOptions struct {
	Via       string
	Recipient string
	DocURL    string
	Text      string
	Payload   map[string]any
	Anchor    string
	Priority  int
	TraceID   string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Enqueue queues a delivery job for the given document.
func (c *Client) Enqueue(ctx context.Context, docURL string, payload map[string]any, anchor string, priority int) (EnqueueResult, error) {
	body := map[string]any{
		"docUrl":   docURL,
		"payload":  payload,
		"priority": priority,
	}
	if anchor != "" {
		body["anchor"] = anchor
	}
	var resp EnqueueResult
	err := c.do(ctx, http.MethodPost, "v1/jobs/enqueue", body, &resp)
	return resp, err
}

// AgentPull claims the next job for an agent. A nil job means the
// queue had nothing for this agent.
func (c *Client) AgentPull(ctx context.Context, agentID string) (*Job, error) {
	var resp struct {
		Job *Job `json:"job"`
	}
	endpoint := fmt.Sprintf("v1/agents/%s/pull", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp.Job, err
}

// DocsNext claims the next job for a document URL. A nil job means
// no pending work matched.
func (c *Client) DocsNext(ctx context.Context, docURL string) (*Job, error) {
	var resp struct {
		Job *Job `json:"job"`
	}
	err := c.do(ctx, http.MethodPost, "v1/docs/next", map[string]any{"url": docURL}, &resp)
	return resp.Job, err
}

// Complete reports a terminal result for a claimed job.
func (c *Client) Complete(ctx context.Context, jobID string, ok bool, message string) (CompleteResult, error) {
	body := map[string]any{"ok": ok}
	if message != "" {
		body["message"] = message
	}
	var resp CompleteResult
	endpoint := fmt.Sprintf("v1/jobs/%s/complete", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// JobDetail fetches a job with its payload and events.
func (c *Client) JobDetail(ctx context.Context, jobID string) (JobDetail, error) {
	var resp JobDetail
	endpoint := fmt.Sprintf("v1/jobs/%s", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResetStale requeues jobs stuck past the given age in minutes.
func (c *Client) ResetStale(ctx context.Context, minutes int) (int, error) {
	var resp struct {
		Reset int `json:"reset"`
	}
	body := map[string]any{}
	if minutes > 0 {
		body["minutes"] = minutes
	}
	err := c.do(ctx, http.MethodPost, "v1/jobs/reset-stale", body, &resp)
	return resp.Reset, err
}

// Extract parses a raw model reply into an edit program.
func (c *Client) Extract(ctx context.Context, text string) (ExtractResult, error) {
	var resp ExtractResult
	err := c.do(ctx, http.MethodPost, "v1/docops/extract", map[string]any{"text": text}, &resp)
	return resp, err
}

// Deliver extracts, compiles and delivers in one call.
func (c *Client) Deliver(ctx context.Context, opts DeliverOptions) (DeliverResult, error) {
	body := map[string]any{
		"via":    opts.Via,
		"docUrl": opts.DocURL,
	}
	if opts.Recipient != "" {
		body["recipient"] = opts.Recipient
	}
	if opts.Text != "" {
		body["text"] = opts.Text
	}
	if opts.Payload != nil {
		body["payload"] = opts.Payload
	}
	if opts.Anchor != "" {
		body["anchor"] = opts.Anchor
	}
	if opts.Priority != 0 {
		body["priority"] = opts.Priority
	}
	if opts.TraceID != "" {
		body["traceId"] = opts.TraceID
	}
	var resp DeliverResult
	err := c.do(ctx, http.MethodPost, "v1/docops/deliver", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
