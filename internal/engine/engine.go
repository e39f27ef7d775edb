package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docrelay/internal/config"
	"docrelay/internal/dockey"
	"docrelay/internal/domain"
	"docrelay/internal/events"
	"docrelay/internal/repo"
)

// ErrInvalidTransition marks a completion call against a job that is
// not claimable or already terminal.
var ErrInvalidTransition = errors.New("invalid status transition")

const defaultReclaimMinutes = 5

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) reclaimWindow() time.Duration {
	minutes := defaultReclaimMinutes
	if e.Config != nil && e.Config.Queue.ReclaimMinutes > 0 {
		minutes = e.Config.Queue.ReclaimMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// EnqueueOptions are parameters for persisting one job.
type EnqueueOptions struct {
	ID          string
	DocURL      string
	PayloadJSON string
	Priority    int
	TraceID     string
	ActorID     string
}

// Enqueue persists a queued job keyed for later document matching.
func (e Engine) Enqueue(ctx context.Context, opts EnqueueOptions) (domain.Job, error) {
	if opts.DocURL == "" {
		return domain.Job{}, errors.New("docUrl is required")
	}
	if opts.PayloadJSON == "" {
		return domain.Job{}, errors.New("payload is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	traceID := opts.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	j := domain.Job{
		ID:          id,
		DocURL:      opts.DocURL,
		DocKey:      dockey.MakeDocKey(opts.DocURL),
		UserBucket:  dockey.UserBucket(opts.DocURL),
		TraceID:     traceID,
		PayloadJSON: opts.PayloadJSON,
		Status:      "queued",
		Priority:    opts.Priority,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertJob(ctx, tx, j); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "job.enqueue", "job", j.ID, opts.ActorID, events.EventPayload{
		"docKey":   j.DocKey,
		"priority": j.Priority,
		"traceId":  j.TraceID,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// AgentPull claims the next job for an autonomous agent. Precedence:
// a job already held by this agent, then the oldest stale assigned
// job, then the best queued job. Returns nil when nothing matches.
func (e Engine) AgentPull(ctx context.Context, agentID string) (*domain.Job, error) {
	if agentID == "" {
		return nil, errors.New("agentId is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Idempotent re-poll: a job already held by this agent comes back
	// unchanged.
	j, err := e.claimJobTx(ctx, tx, agentID)
	if err != nil || j == nil {
		return j, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

func (e Engine) claimJobTx(ctx context.Context, tx *sql.Tx, agentID string) (*domain.Job, error) {
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)

	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE assigned_agent=? AND status IN ('assigned','in_progress') ORDER BY started_at ASC LIMIT 1`,
		agentID).Scan(&id)
	if err == nil {
		j, err := e.Repo.GetJobTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		return &j, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	// Reclaim: stale assigned jobs go to the next puller without
	// passing through queued; attempts and history stay intact.
	cutoff := now.Add(-e.reclaimWindow()).Format(time.RFC3339)
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE status='assigned' AND started_at IS NOT NULL AND started_at < ? ORDER BY started_at ASC LIMIT 1`,
		cutoff).Scan(&id)
	if err == nil {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET assigned_agent=?, started_at=? WHERE id=? AND status='assigned' AND started_at < ?`,
			agentID, nowStr, id, cutoff)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, nil
		}
		if err := e.Events.Append(ctx, tx, "job.reclaim", "job", id, agentID, nil); err != nil {
			return nil, err
		}
		j, err := e.Repo.GetJobTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		return &j, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE status='queued' ORDER BY priority DESC, created_at ASC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status='assigned', assigned_agent=?, attempts=attempts+1, started_at=? WHERE id=? AND status='queued'`,
		agentID, nowStr, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := e.Events.Append(ctx, tx, "job.assign", "job", id, agentID, nil); err != nil {
		return nil, err
	}
	j, err := e.Repo.GetJobTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// DocsNext matches the job for the document currently open at url.
// Matching runs key-exact against queued, then key-exact against
// already-claimed, then falls back to the per-user bucket. Only a
// queued match transitions; everything else returns as-is.
func (e Engine) DocsNext(ctx context.Context, url, actorID string) (*domain.Job, error) {
	if url == "" {
		return nil, errors.New("url is required")
	}
	key := dockey.MakeDocKey(url)
	bucket := dockey.UserBucket(url)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id string
	claim := false
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE doc_key=? AND status='queued' ORDER BY priority DESC, created_at ASC LIMIT 1`,
		key).Scan(&id)
	switch {
	case err == nil:
		claim = true
	case err != sql.ErrNoRows:
		return nil, err
	default:
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE doc_key=? AND status IN ('assigned','in_progress') ORDER BY created_at ASC LIMIT 1`,
			key).Scan(&id)
		if err == sql.ErrNoRows && bucket != "" {
			err = tx.QueryRowContext(ctx,
				`SELECT id FROM jobs WHERE user_bucket=? AND status NOT IN ('done','failed') ORDER BY created_at ASC LIMIT 1`,
				bucket).Scan(&id)
			if err == nil {
				var status string
				if serr := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, id).Scan(&status); serr != nil {
					return nil, serr
				}
				claim = status == "queued"
			}
		}
		if err == sql.ErrNoRows {
			return nil, tx.Commit()
		}
		if err != nil {
			return nil, err
		}
	}

	nowStr := e.now().UTC().Format(time.RFC3339)
	if claim {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status='in_progress', attempts=attempts+1, started_at=? WHERE id=? AND status='queued'`,
			nowStr, id)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, nil
		}
		if err := e.Events.Append(ctx, tx, "job.claim", "job", id, actorID, events.EventPayload{"docKey": key}); err != nil {
			return nil, err
		}
	}

	// Older rows may predate trace propagation.
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET trace_id=? WHERE id=? AND (trace_id IS NULL OR trace_id='')`,
		uuid.NewString(), id); err != nil {
		return nil, err
	}

	j, err := e.Repo.GetJobTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &j, nil
}

// Complete moves a claimed job to its terminal state. It is the only
// path that reaches done or failed.
func (e Engine) Complete(ctx context.Context, id string, ok bool, message, actorID string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Status != "assigned" && j.Status != "in_progress" {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, j.Status)
	}
	// Success clears any earlier error; failure always records one.
	status := "done"
	lastError := ""
	if !ok {
		status = "failed"
		lastError = message
		if lastError == "" {
			lastError = "failed"
		}
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status=?, last_error=?, finished_at=? WHERE id=? AND status IN ('assigned','in_progress')`,
		status, nullable(lastError), nowStr, id)
	if err != nil {
		return domain.Job{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Job{}, fmt.Errorf("%w: job %s changed concurrently", ErrInvalidTransition, id)
	}
	if err := e.Events.Append(ctx, tx, "job.complete", "job", id, actorID, events.EventPayload{
		"ok":      ok,
		"message": message,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return e.Repo.GetJob(ctx, id)
}

// ResetStale forces assigned jobs older than minutes back to queued
// and clears the assignee. Returns the number of jobs reset.
func (e Engine) ResetStale(ctx context.Context, minutes int, actorID string) (int, error) {
	if minutes <= 0 {
		minutes = defaultReclaimMinutes
	}
	cutoff := e.now().UTC().Add(-time.Duration(minutes) * time.Minute).Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status='queued', assigned_agent=NULL, started_at=NULL WHERE status='assigned' AND started_at IS NOT NULL AND started_at < ?`,
		cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if err := e.Events.Append(ctx, tx, "job.reset_stale", "job", "", actorID, events.EventPayload{
			"reset":   n,
			"minutes": minutes,
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
