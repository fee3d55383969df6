package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/framesmith/framesmith-agent/internal/jobs"
)

// JobStore keeps jobs in the jobs table. The status column is the
// partition; Move is a single-row compare-and-swap on it.
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewJobStore(d *DB) *JobStore {
	return &JobStore{db: d.conn, now: time.Now}
}

var _ jobs.Store = (*JobStore)(nil)

func (s *JobStore) Init(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *JobStore) Create(ctx context.Context, id string, job *jobs.Job) error {
	if err := jobs.ValidateJobID(id); err != nil {
		return err
	}
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, string(jobs.StatusDrafted), string(doc), now, now)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrJobExists, id)
	}
	return nil
}

func (s *JobStore) Read(ctx context.Context, id string) (*jobs.Job, jobs.Status, error) {
	var status, doc string
	err := s.db.QueryRowContext(ctx, `SELECT status, document FROM jobs WHERE id = ?`, id).Scan(&status, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("read job %s: %w", id, err)
	}
	var job jobs.Job
	if err := json.Unmarshal([]byte(doc), &job); err != nil {
		return nil, "", fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, jobs.Status(status), nil
}

func (s *JobStore) Write(ctx context.Context, id string, job *jobs.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET document = ?, updated_at = ? WHERE id = ?`,
		string(doc), s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}
	return nil
}

func (s *JobStore) Move(ctx context.Context, id string, from, to jobs.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("move job %s to %s: %w", id, to, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, _, err := s.Read(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s not %s", jobs.ErrStatusMoved, id, from)
}

func (s *JobStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}
	return nil
}

func (s *JobStore) List(ctx context.Context, status jobs.Status) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status = ? ORDER BY updated_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
