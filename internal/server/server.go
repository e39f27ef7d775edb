package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"docrelay/internal/deliver"
	"docrelay/internal/domain"
	"docrelay/internal/engine"
	"docrelay/internal/envelope"
	"docrelay/internal/extract"
	"docrelay/internal/ir"
	"docrelay/internal/push"
	"docrelay/internal/repo"
	"docrelay/internal/ruleset"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Router   deliver.Router
	Hub      *push.Hub
	Rules    *ruleset.Ruleset
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"job not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the DocRelay API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("DocRelay API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerJobs(group, cfg)
	registerAgents(group, cfg.Engine)
	registerDocs(group, cfg.Engine)
	registerDocOps(group, cfg)
	registerWS(router, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvalidTransition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	if errors.Is(err, envelope.ErrNoClientOps) {
		return newAPIError(http.StatusUnprocessableEntity, "no_client_ops", err.Error(), nil)
	}
	var verr *ir.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	var perr *ir.ParseError
	if errors.As(err, &perr) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var terr *deliver.ErrUnknownTransport
	if errors.As(err, &terr) {
		return newAPIError(http.StatusBadRequest, "unknown_transport", err.Error(), map[string]any{"via": terr.Via})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerJobs(api huma.API, cfg Config) {
	e := cfg.Engine
	rules := cfg.Rules
	if rules == nil {
		rules = ruleset.Default()
	}
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-job",
		Method:        http.MethodPost,
		Path:          "/jobs/enqueue",
		Summary:       "Enqueue a delivery job",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body EnqueueJobRequest
	}) (*struct {
		Body EnqueueJobResponse `json:"body"`
	}, error) {
		prog, err := ir.ProgramFromMap(input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		extract.Normalize(&prog, rules)
		env, err := envelope.Build(prog, strDeref(input.Body.Anchor), nil)
		if err != nil {
			return nil, handleError(err)
		}
		blocks, err := envelope.ClientBlocks(env, rules)
		if err != nil {
			return nil, handleError(err)
		}
		traceID := strDeref(input.Body.TraceID)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		payload, err := encodePushMessage(env.ID, input.Body.DocURL, traceID, blocks)
		if err != nil {
			return nil, handleError(err)
		}
		job, err := e.Enqueue(ctx, engine.EnqueueOptions{
			ID:          env.ID,
			DocURL:      input.Body.DocURL,
			PayloadJSON: payload,
			Priority:    input.Body.Priority,
			TraceID:     traceID,
			ActorID:     "api",
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnqueueJobResponse `json:"body"`
		}{Body: EnqueueJobResponse{JobID: job.ID, TraceID: job.TraceID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Job detail",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobDetailResponse `json:"body"`
	}, error) {
		j, err := e.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		evts, err := e.Repo.ListEvents(ctx, "job", j.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobDetailResponse `json:"body"`
		}{Body: JobDetailResponse{
			JobResponse: toJobResponse(j),
			PayloadJSON: j.PayloadJSON,
			Events:      evts,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/complete",
		Summary:     "Complete a claimed job",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Body  CompleteJobRequest
	}) (*struct {
		Body CompleteResponse `json:"body"`
	}, error) {
		j, err := e.Complete(ctx, input.JobID, input.Body.Ok, strDeref(input.Body.Message), "api")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompleteResponse `json:"body"`
		}{Body: CompleteResponse{Ok: true, Job: toJobResponse(j)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-stale-jobs",
		Method:      http.MethodPost,
		Path:        "/jobs/reset-stale",
		Summary:     "Reset stale assigned jobs to queued",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ResetStaleRequest
	}) (*struct {
		Body ResetStaleResponse `json:"body"`
	}, error) {
		n, err := e.ResetStale(ctx, input.Body.Minutes, "api")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResetStaleResponse `json:"body"`
		}{Body: ResetStaleResponse{Reset: n}}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "agent-pull",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/pull",
		Summary:     "Pull the next job for an agent",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body PullResponse `json:"body"`
	}, error) {
		j, err := e.AgentPull(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PullResponse `json:"body"`
		}{Body: PullResponse{Job: toJobPtr(j)}}, nil
	})
}

func registerDocs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "docs-next",
		Method:      http.MethodPost,
		Path:        "/docs/next",
		Summary:     "Next job for the open document",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DocsNextRequest
	}) (*struct {
		Body PullResponse `json:"body"`
	}, error) {
		j, err := e.DocsNext(ctx, input.Body.URL, "addin")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PullResponse `json:"body"`
		}{Body: PullResponse{Job: toJobPtr(j)}}, nil
	})
}

func registerDocOps(api huma.API, cfg Config) {
	rules := cfg.Rules
	if rules == nil {
		rules = ruleset.Default()
	}
	huma.Register(api, huma.Operation{
		OperationID: "docops-extract",
		Method:      http.MethodPost,
		Path:        "/docops/extract",
		Summary:     "Extract a program from model output",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ExtractRequest
	}) (*struct {
		Body ExtractResponse `json:"body"`
	}, error) {
		res := extract.FromText(input.Body.Text, rules)
		resp := ExtractResponse{
			Valid:      res.Valid,
			Source:     res.Source,
			Normalized: res.Normalized,
			Error:      res.Err,
		}
		if res.Valid {
			resp.Program = res.Program
		}
		return &struct {
			Body ExtractResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "docops-deliver",
		Method:      http.MethodPost,
		Path:        "/docops/deliver",
		Summary:     "Extract, compile and deliver in one call",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DeliverRequest
	}) (*struct {
		Body deliver.Handle `json:"body"`
	}, error) {
		prog, err := programFromRequest(input.Body, rules)
		if err != nil {
			return nil, handleError(err)
		}
		env, err := envelope.Build(prog, strDeref(input.Body.Anchor), nil)
		if err != nil {
			return nil, handleError(err)
		}
		h, err := cfg.Router.Deliver(ctx, env, deliver.Options{
			Via:       input.Body.Via,
			Recipient: strDeref(input.Body.Recipient),
			DocURL:    input.Body.DocURL,
			Priority:  input.Body.Priority,
			TraceID:   strDeref(input.Body.TraceID),
			ActorID:   "api",
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body deliver.Handle `json:"body"`
		}{Body: h}, nil
	})
}

func programFromRequest(req DeliverRequest, rules *ruleset.Ruleset) (ir.Program, error) {
	if len(req.Payload) > 0 {
		prog, err := ir.ProgramFromMap(req.Payload)
		if err != nil {
			return ir.Program{}, err
		}
		extract.Normalize(&prog, rules)
		return prog, nil
	}
	if req.Text == nil || strings.TrimSpace(*req.Text) == "" {
		return ir.Program{}, errors.New("payload or text is required")
	}
	res := extract.FromText(*req.Text, rules)
	if !res.Valid {
		return ir.Program{}, &ir.ValidationError{Reason: res.Err}
	}
	return res.Program, nil
}

func strDeref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// encodePushMessage renders the stored payload in the exact shape the
// live channel sends, so pollers and listeners apply the same thing.
func encodePushMessage(jobID, docURL, traceID string, blocks []domain.Block) (string, error) {
	data, err := json.Marshal(domain.PushMessage{
		Type:    deliver.MessageTypeBlock,
		Blocks:  blocks,
		DocURL:  docURL,
		JobID:   jobID,
		TraceID: traceID,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
