package domain

// Job is the durable unit of delivery toward one target document.
type Job struct {
	ID            string  `json:"id"`
	DocURL        string  `json:"doc_url"`
	DocKey        string  `json:"doc_key"`
	UserBucket    string  `json:"user_bucket,omitempty"`
	TraceID       string  `json:"trace_id,omitempty"`
	PayloadJSON   string  `json:"payload_json"`
	Status        string  `json:"status" enum:"queued,assigned,in_progress,done,failed"`
	Priority      int     `json:"priority"`
	AssignedAgent *string `json:"assigned_agent,omitempty"`
	Attempts      int     `json:"attempts"`
	LastError     *string `json:"last_error,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	StartedAt     *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt    *string `json:"finished_at,omitempty" format:"date-time"`
}

// Terminal reports whether a job status can no longer change.
func Terminal(status string) bool {
	return status == "done" || status == "failed"
}

// Block is a compiled, client-applicable rendering of one op.
type Block struct {
	Kind          string `json:"kind"`
	Text          string `json:"text,omitempty"`
	StyleBuiltIn  string `json:"styleBuiltIn,omitempty"`
	StyleName     string `json:"styleName,omitempty"`
	StyleNameHint string `json:"styleNameHint,omitempty"`
	StyleID       string `json:"styleId,omitempty"`
	JobID         string `json:"jobId,omitempty"`
}

// PushMessage is the outbound live-channel payload. The same shape is
// persisted as a queued job's payload so both transports behave alike.
type PushMessage struct {
	Type    string  `json:"type"`
	Blocks  []Block `json:"blocks"`
	DocURL  string  `json:"docUrl"`
	JobID   string  `json:"jobId,omitempty"`
	TraceID string  `json:"traceId,omitempty"`
}

// Ack is the inbound application report from a live-channel listener.
// It is logged for correlation and never mutates job state.
type Ack struct {
	Type           string `json:"type"`
	JobID          string `json:"jobId"`
	AppliedOps     int    `json:"appliedOps"`
	AnchorFound    bool   `json:"anchorFound"`
	SelectionMoved bool   `json:"selectionMoved"`
	TraceID        string `json:"traceId,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Payload    string `json:"payload_json"`
}
