package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"docrelay/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const jobColumns = `id,doc_url,doc_key,user_bucket,trace_id,payload_json,status,priority,assigned_agent,attempts,last_error,created_at,started_at,finished_at`

func scanJob(row *sql.Row) (domain.Job, error) {
	var j domain.Job
	var agent, lastErr, started, finished sql.NullString
	err := row.Scan(&j.ID, &j.DocURL, &j.DocKey, &j.UserBucket, &j.TraceID, &j.PayloadJSON,
		&j.Status, &j.Priority, &agent, &j.Attempts, &lastErr, &j.CreatedAt, &started, &finished)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	j.AssignedAgent = optionalString(agent)
	j.LastError = optionalString(lastErr)
	j.StartedAt = optionalString(started)
	j.FinishedAt = optionalString(finished)
	return j, err
}

func scanJobRows(rows *sql.Rows) (domain.Job, error) {
	var j domain.Job
	var agent, lastErr, started, finished sql.NullString
	err := rows.Scan(&j.ID, &j.DocURL, &j.DocKey, &j.UserBucket, &j.TraceID, &j.PayloadJSON,
		&j.Status, &j.Priority, &agent, &j.Attempts, &lastErr, &j.CreatedAt, &started, &finished)
	j.AssignedAgent = optionalString(agent)
	j.LastError = optionalString(lastErr)
	j.StartedAt = optionalString(started)
	j.FinishedAt = optionalString(finished)
	return j, err
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.DocURL, j.DocKey, j.UserBucket, j.TraceID, j.PayloadJSON,
		j.Status, j.Priority, nullableStringPtr(j.AssignedAgent), j.Attempts, nullableStringPtr(j.LastError),
		j.CreatedAt, nullableStringPtr(j.StartedAt), nullableStringPtr(j.FinishedAt))
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// ListJobs returns jobs newest-first, optionally filtered by status.
func (r Repo) ListJobs(ctx context.Context, status string, limit int) ([]domain.Job, error) {
	var (
		clauses []string
		args    []any
	)
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ListEvents returns events for one entity, oldest-first.
func (r Repo) ListEvents(ctx context.Context, entityKind, entityID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,entity_kind,COALESCE(entity_id,'') AS entity_id,actor_id,payload_json FROM events WHERE entity_kind=? AND entity_id=? ORDER BY id ASC`,
		entityKind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func optionalString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
