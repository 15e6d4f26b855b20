package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/storesync/internal/models"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `id, peer_id, entity_types, mode, state, reason, cancel_requested, started_at, updated_at, finished_at`

// CreateJob inserts a job and a pending partition row per entity type.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	if job.StartedAt.IsZero() {
		job.StartedAt = now
	}
	job.UpdatedAt = now
	return s.InTx(ctx, func(tx *Tx) error {
		_, err := tx.exec(ctx, `
			INSERT INTO jobs (id, peer_id, entity_types, mode, state, reason, cancel_requested, started_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, job.ID, job.PeerID, joinTypes(job.EntityTypes), job.Mode, job.State, job.Reason,
			boolToInt(job.CancelRequested), models.FormatTimestamp(job.StartedAt), models.FormatTimestamp(job.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert job %s: %w", job.ID, err)
		}
		for _, t := range job.EntityTypes {
			if err := tx.SavePartition(ctx, job.ID, models.PartitionProgress{EntityType: t, State: models.PartitionPending}); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddJobPartitions extends a job with pending partitions for entity types it does not cover yet.
func (s *Store) AddJobPartitions(ctx context.Context, jobID string, types []models.EntityType) error {
	return s.InTx(ctx, func(tx *Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		have := make(map[models.EntityType]bool, len(job.EntityTypes))
		for _, t := range job.EntityTypes {
			have[t] = true
		}
		all := job.EntityTypes
		for _, t := range types {
			if have[t] {
				continue
			}
			have[t] = true
			all = append(all, t)
			if err := tx.SavePartition(ctx, jobID, models.PartitionProgress{EntityType: t, State: models.PartitionPending}); err != nil {
				return err
			}
		}
		_, err = tx.exec(ctx, `UPDATE jobs SET entity_types = ?, updated_at = ? WHERE id = ?`,
			joinTypes(all), models.FormatTimestamp(time.Now()), jobID)
		if err != nil {
			return fmt.Errorf("update job %s entity types: %w", jobID, err)
		}
		return nil
	})
}

// GetJob returns a job by id.
func (c conn) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := c.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ActiveJob returns the newest non-terminal job for a peer, or nil.
func (c conn) ActiveJob(ctx context.Context, peerID string) (*models.Job, error) {
	row := c.queryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE peer_id = ? AND state IN (?, ?, ?)
		ORDER BY started_at DESC LIMIT 1
	`, peerID, models.JobPending, models.JobRunning, models.JobPaused)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active job for %s: %w", peerID, err)
	}
	return job, nil
}

// ListJobs returns the most recent jobs, optionally filtered by peer.
func (c conn) ListJobs(ctx context.Context, peerID string, limit int) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if peerID != "" {
		query += ` WHERE peer_id = ?`
		args = append(args, peerID)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// UpdateJobState sets a job's state and reason. Terminal states also set finished_at.
func (c conn) UpdateJobState(ctx context.Context, id string, state models.JobState, reason string) error {
	now := models.FormatTimestamp(time.Now())
	var finished any
	if state.Terminal() {
		finished = now
	}
	res, err := c.exec(ctx, `
		UPDATE jobs SET state = ?, reason = ?, updated_at = ?, finished_at = ?
		WHERE id = ?
	`, state, reason, now, finished, id)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// ResumeJob moves a paused job back to running and clears its cancel flag.
func (c conn) ResumeJob(ctx context.Context, id string) error {
	_, err := c.exec(ctx, `
		UPDATE jobs SET state = ?, reason = '', cancel_requested = 0, updated_at = ?, finished_at = NULL
		WHERE id = ?
	`, models.JobRunning, models.FormatTimestamp(time.Now()), id)
	if err != nil {
		return fmt.Errorf("resume job %s: %w", id, err)
	}
	return nil
}

// RequestCancel flags a job for cooperative cancellation.
func (c conn) RequestCancel(ctx context.Context, id string) error {
	res, err := c.exec(ctx, `UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		models.FormatTimestamp(time.Now()), id)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// CancelRequested reports whether a cancel has been requested for a job.
func (c conn) CancelRequested(ctx context.Context, id string) (bool, error) {
	var v int
	err := c.queryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&v)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag %s: %w", id, err)
	}
	return v != 0, nil
}

// PauseInterruptedJobs moves jobs left pending or running by a previous
// process to paused, returning how many were changed. With peerIDs set only
// jobs of those peers are touched.
func (c conn) PauseInterruptedJobs(ctx context.Context, reason string, peerIDs ...string) (int64, error) {
	peerFilter := ""
	var peerArgs []any
	if len(peerIDs) > 0 {
		peerFilter = ` AND peer_id IN (?` + strings.Repeat(`, ?`, len(peerIDs)-1) + `)`
		for _, id := range peerIDs {
			peerArgs = append(peerArgs, id)
		}
	}
	now := models.FormatTimestamp(time.Now())

	var ids []string
	rows, err := c.query(ctx, `SELECT id FROM jobs WHERE state IN (?, ?)`+peerFilter,
		append([]any{models.JobPending, models.JobRunning}, peerArgs...)...)
	if err != nil {
		return 0, fmt.Errorf("find interrupted jobs: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan interrupted job: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("find interrupted jobs: %w", err)
	}

	for _, id := range ids {
		if _, err := c.exec(ctx, `UPDATE jobs SET state = ?, reason = ?, updated_at = ? WHERE id = ?`,
			models.JobPaused, reason, now, id); err != nil {
			return 0, fmt.Errorf("pause interrupted job %s: %w", id, err)
		}
		if _, err := c.exec(ctx, `
			UPDATE job_partitions SET state = ?, error = ?, updated_at = ?
			WHERE job_id = ? AND state NOT IN (?, ?)
		`, models.PartitionPaused, reason, now, id, models.PartitionCompleted, models.PartitionPaused); err != nil {
			return 0, fmt.Errorf("pause interrupted partitions %s: %w", id, err)
		}
	}
	return int64(len(ids)), nil
}

// SavePartition upserts the progress row of one partition.
func (c conn) SavePartition(ctx context.Context, jobID string, p models.PartitionProgress) error {
	_, err := c.exec(ctx, `
		INSERT INTO job_partitions (job_id, entity_type, state, processed, created, updated, conflicts, failed, pages, cursor, error, error_kind, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, entity_type) DO UPDATE SET
			state = excluded.state, processed = excluded.processed, created = excluded.created,
			updated = excluded.updated, conflicts = excluded.conflicts, failed = excluded.failed,
			pages = excluded.pages, cursor = excluded.cursor, error = excluded.error,
			error_kind = excluded.error_kind, updated_at = excluded.updated_at
	`, jobID, p.EntityType, p.State, p.Processed, p.Created, p.Updated, p.Conflicts, p.Failed, p.Pages,
		p.Cursor, p.Error, p.ErrorKind, models.FormatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("save partition %s/%s: %w", jobID, p.EntityType, err)
	}
	return nil
}

// Partitions returns the persisted progress of every partition of a job.
func (c conn) Partitions(ctx context.Context, jobID string) (map[models.EntityType]models.PartitionProgress, error) {
	rows, err := c.query(ctx, `
		SELECT entity_type, state, processed, created, updated, conflicts, failed, pages, cursor, error, error_kind, updated_at
		FROM job_partitions WHERE job_id = ?
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("partitions %s: %w", jobID, err)
	}
	defer rows.Close()
	out := make(map[models.EntityType]models.PartitionProgress)
	for rows.Next() {
		var (
			p  models.PartitionProgress
			at string
		)
		if err := rows.Scan(&p.EntityType, &p.State, &p.Processed, &p.Created, &p.Updated, &p.Conflicts,
			&p.Failed, &p.Pages, &p.Cursor, &p.Error, &p.ErrorKind, &at); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		if p.UpdatedAt, err = models.ParseTimestamp(at); err != nil {
			return nil, err
		}
		out[p.EntityType] = p
	}
	return out, rows.Err()
}

// Snapshot returns a job with the last persisted progress of its partitions.
func (c conn) Snapshot(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	job, err := c.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	parts, err := c.Partitions(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &models.JobSnapshot{Job: *job, Partitions: parts}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*models.Job, error) {
	var (
		job              models.Job
		types            string
		cancel           int
		started, updated string
		finished         sql.NullString
	)
	if err := r.Scan(&job.ID, &job.PeerID, &types, &job.Mode, &job.State, &job.Reason, &cancel,
		&started, &updated, &finished); err != nil {
		return nil, err
	}
	job.EntityTypes = splitTypes(types)
	job.CancelRequested = cancel != 0
	var err error
	if job.StartedAt, err = models.ParseTimestamp(started); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = models.ParseTimestamp(updated); err != nil {
		return nil, err
	}
	if finished.Valid && finished.String != "" {
		t, err := models.ParseTimestamp(finished.String)
		if err != nil {
			return nil, err
		}
		job.FinishedAt = &t
	}
	return &job, nil
}

func joinTypes(types []models.EntityType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func splitTypes(s string) []models.EntityType {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]models.EntityType, len(parts))
	for i, p := range parts {
		out[i] = models.EntityType(p)
	}
	return out
}
