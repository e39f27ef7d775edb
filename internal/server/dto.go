package server

import (
	"docrelay/internal/domain"
)

// Request payloads

type EnqueueJobRequest struct {
	DocURL   string         `json:"docUrl"`
	Payload  map[string]any `json:"payload"`
	Anchor   *string        `json:"anchor,omitempty"`
	Priority int            `json:"priority,omitempty"`
	TraceID  *string        `json:"traceId,omitempty"`
}

type DocsNextRequest struct {
	URL string `json:"url"`
}

type CompleteJobRequest struct {
	Ok      bool    `json:"ok"`
	Message *string `json:"message,omitempty"`
}

type ResetStaleRequest struct {
	Minutes int `json:"minutes,omitempty"`
}

type ExtractRequest struct {
	Text string `json:"text"`
}

type DeliverRequest struct {
	Via       string         `json:"via" enum:"queue,push"`
	Recipient *string        `json:"recipient,omitempty"`
	DocURL    string         `json:"docUrl"`
	Text      *string        `json:"text,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Anchor    *string        `json:"anchor,omitempty"`
	Priority  int            `json:"priority,omitempty"`
	TraceID   *string        `json:"traceId,omitempty"`
}

// Response payloads

type JobResponse struct {
	ID            string  `json:"id"`
	DocURL        string  `json:"docUrl"`
	DocKey        string  `json:"docKey"`
	WordLink      string  `json:"wordLink,omitempty"`
	TraceID       string  `json:"traceId,omitempty"`
	Status        string  `json:"status" enum:"queued,assigned,in_progress,done,failed"`
	Priority      int     `json:"priority"`
	AssignedAgent *string `json:"assignedAgent,omitempty"`
	Attempts      int     `json:"attempts"`
	LastError     *string `json:"lastError,omitempty"`
	CreatedAt     string  `json:"createdAt" format:"date-time"`
	StartedAt     *string `json:"startedAt,omitempty" format:"date-time"`
	FinishedAt    *string `json:"finishedAt,omitempty" format:"date-time"`
}

type JobDetailResponse struct {
	JobResponse
	PayloadJSON string         `json:"payloadJson"`
	Events      []domain.Event `json:"events,omitempty"`
}

type EnqueueJobResponse struct {
	JobID   string `json:"jobId"`
	TraceID string `json:"traceId"`
}

type PullResponse struct {
	Job *JobResponse `json:"job"`
}

type CompleteResponse struct {
	Ok  bool        `json:"ok"`
	Job JobResponse `json:"job"`
}

type ResetStaleResponse struct {
	Reset int `json:"reset"`
}

type ExtractResponse struct {
	Valid      bool   `json:"valid"`
	Source     string `json:"source"`
	Normalized bool   `json:"normalized"`
	Error      string `json:"error,omitempty"`
	Program    any    `json:"program,omitempty"`
}

// wordLink builds the ms-word protocol link that opens the target
// document in the desktop client.
func wordLink(docURL string) string {
	if docURL == "" {
		return ""
	}
	return "ms-word:ofe|u|" + docURL
}

func toJobResponse(j domain.Job) JobResponse {
	return JobResponse{
		ID:            j.ID,
		DocURL:        j.DocURL,
		DocKey:        j.DocKey,
		WordLink:      wordLink(j.DocURL),
		TraceID:       j.TraceID,
		Status:        j.Status,
		Priority:      j.Priority,
		AssignedAgent: j.AssignedAgent,
		Attempts:      j.Attempts,
		LastError:     j.LastError,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
	}
}

func toJobPtr(j *domain.Job) *JobResponse {
	if j == nil {
		return nil
	}
	resp := toJobResponse(*j)
	return &resp
}
