// Package deliver routes a built envelope to its transport: durable
// queue or live push. Both transports carry the identical block
// sequence so the add-in behaves the same regardless of path.
package deliver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"docrelay/internal/domain"
	"docrelay/internal/engine"
	"docrelay/internal/envelope"
	"docrelay/internal/push"
	"docrelay/internal/ruleset"
)

// Transports.
const (
	ViaQueue = "queue"
	ViaPush  = "push"
)

// MessageTypeBlock is the outbound live-channel message type.
const MessageTypeBlock = "addin.block"

// ErrUnknownTransport means the via value is not a configured
// transport. This is a caller configuration error and is not retried.
type ErrUnknownTransport struct {
	Via string
}

func (e *ErrUnknownTransport) Error() string {
	return fmt.Sprintf("deliver: unknown transport %q", e.Via)
}

// Queue persists jobs for later pull.
type Queue interface {
	Enqueue(ctx context.Context, opts engine.EnqueueOptions) (domain.Job, error)
}

// Broadcaster fans a payload out to a recipient group and reports the
// listener count reached.
type Broadcaster interface {
	Send(group string, msg []byte) int
}

// TraceCache remembers the trace id per job for ack correlation.
type TraceCache interface {
	Put(ctx context.Context, jobID, traceID string) error
}

// Handle describes one completed delivery.
type Handle struct {
	Via       string `json:"via"`
	JobID     string `json:"jobId"`
	TraceID   string `json:"traceId"`
	SentOps   int    `json:"sentOps"`
	Listeners int    `json:"listeners"`
}

type Router struct {
	Queue Queue
	Push  Broadcaster
	Trace TraceCache
	Rules *ruleset.Ruleset
}

// Options are parameters for one delivery.
type Options struct {
	Via       string
	Recipient string
	DocURL    string
	Priority  int
	TraceID   string
	ActorID   string
}

// Deliver sends env over the requested transport.
func (r Router) Deliver(ctx context.Context, env envelope.Envelope, opts Options) (Handle, error) {
	blocks, err := envelope.ClientBlocks(env, r.Rules)
	if err != nil {
		return Handle{}, err
	}
	traceID := opts.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	msg := domain.PushMessage{
		Type:    MessageTypeBlock,
		Blocks:  blocks,
		DocURL:  opts.DocURL,
		JobID:   env.ID,
		TraceID: traceID,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Handle{}, err
	}

	switch opts.Via {
	case ViaQueue:
		job, err := r.Queue.Enqueue(ctx, engine.EnqueueOptions{
			ID:          env.ID,
			DocURL:      opts.DocURL,
			PayloadJSON: string(data),
			Priority:    opts.Priority,
			TraceID:     traceID,
			ActorID:     opts.ActorID,
		})
		if err != nil {
			return Handle{}, err
		}
		r.cacheTrace(ctx, job.ID, traceID)
		return Handle{Via: ViaQueue, JobID: job.ID, TraceID: traceID}, nil
	case ViaPush:
		if opts.Recipient == "" {
			return Handle{}, fmt.Errorf("deliver: recipient is required for %s", ViaPush)
		}
		group := push.GroupForEmail(opts.Recipient)
		listeners := r.Push.Send(group, data)
		// SentOps reports program ops only: the anchor and marker
		// blocks are transport framing, not content.
		sent := 0
		if listeners > 0 {
			sent = len(env.Ops)
		}
		r.cacheTrace(ctx, env.ID, traceID)
		return Handle{Via: ViaPush, JobID: env.ID, TraceID: traceID, SentOps: sent, Listeners: listeners}, nil
	default:
		return Handle{}, &ErrUnknownTransport{Via: opts.Via}
	}
}

// cacheTrace is best-effort: the jobs table stays authoritative when
// the cache is down.
func (r Router) cacheTrace(ctx context.Context, jobID, traceID string) {
	if r.Trace == nil {
		return
	}
	_ = r.Trace.Put(ctx, jobID, traceID)
}
