package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists export-job history for diagnosis. Conversation records
// themselves are never stored — only per-item outcomes, so a silently
// lost item can be traced after the fact.
//
// Expected schema:
//
//	CREATE TABLE export_jobs (
//	    id           UUID PRIMARY KEY,
//	    format       TEXT NOT NULL,
//	    total_items  INT NOT NULL,
//	    succeeded    INT NOT NULL DEFAULT 0,
//	    failed       INT NOT NULL DEFAULT 0,
//	    status       TEXT NOT NULL DEFAULT 'running',
//	    started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    finished_at  TIMESTAMPTZ
//	);
//
//	CREATE TABLE export_job_items (
//	    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
//	    job_id          UUID NOT NULL REFERENCES export_jobs(id),
//	    conversation_id TEXT NOT NULL,
//	    status          TEXT NOT NULL,
//	    failure_stage   TEXT NOT NULL DEFAULT '',
//	    failure_reason  TEXT NOT NULL DEFAULT '',
//	    confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    fallback_used   BOOLEAN NOT NULL DEFAULT false,
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Job is an export batch run.
type Job struct {
	ID         uuid.UUID  `json:"id"`
	Format     string     `json:"format"`
	TotalItems int        `json:"total_items"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// JobItem is the recorded outcome of one conversation within a batch.
type JobItem struct {
	ConversationID string  `json:"conversation_id"`
	Status         string  `json:"status"`
	FailureStage   string  `json:"failure_stage,omitempty"`
	FailureReason  string  `json:"failure_reason,omitempty"`
	Confidence     float64 `json:"confidence"`
	FallbackUsed   bool    `json:"fallback_used"`
}

func (s *Store) CreateJob(ctx context.Context, id uuid.UUID, format string, totalItems int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO export_jobs (id, format, total_items, status)
		VALUES ($1, $2, $3, 'running')`,
		id, format, totalItems,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *Store) FinishJob(ctx context.Context, id uuid.UUID, succeeded, failed int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET succeeded = $2, failed = $3, status = 'done', finished_at = now()
		WHERE id = $1`,
		id, succeeded, failed,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

func (s *Store) WriteItem(ctx context.Context, jobID uuid.UUID, item JobItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO export_job_items
			(job_id, conversation_id, status, failure_stage, failure_reason, confidence, fallback_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		jobID, item.ConversationID, item.Status, item.FailureStage, item.FailureReason, item.Confidence, item.FallbackUsed,
	)
	if err != nil {
		return fmt.Errorf("write job item: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, []JobItem, error) {
	var job Job
	err := s.pool.QueryRow(ctx, `
		SELECT id, format, total_items, succeeded, failed, status, started_at, finished_at
		FROM export_jobs WHERE id = $1`, id,
	).Scan(&job.ID, &job.Format, &job.TotalItems, &job.Succeeded, &job.Failed, &job.Status, &job.StartedAt, &job.FinishedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("get job: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, status, failure_stage, failure_reason, confidence, fallback_used
		FROM export_job_items WHERE job_id = $1 ORDER BY created_at`, id,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("get job items: %w", err)
	}
	defer rows.Close()

	var items []JobItem
	for rows.Next() {
		var it JobItem
		if err := rows.Scan(&it.ConversationID, &it.Status, &it.FailureStage, &it.FailureReason, &it.Confidence, &it.FallbackUsed); err != nil {
			return nil, nil, fmt.Errorf("scan job item: %w", err)
		}
		items = append(items, it)
	}
	return &job, items, rows.Err()
}
