package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pdfjobs/internal/jobmodel"
	"github.com/ternarybob/pdfjobs/internal/store"
)

// JobStore implements store.Store over the SQLite schema in migrations.go:
// a mutex guarding the critical section plus exponential-backoff retry on
// SQLITE_BUSY, since modernc.org/sqlite serializes writers itself.
type JobStore struct {
	db     *DB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStore wraps db as a store.Store.
func NewJobStore(db *DB, logger arbor.ILogger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func retryOnBusy(ctx context.Context, logger arbor.ILogger, op func() error) error {
	delay := 10 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		msg := lastErr.Error()
		if !strings.Contains(msg, "database is locked") && !strings.Contains(msg, "SQLITE_BUSY") {
			return lastErr
		}
		if attempt < 5 {
			logger.Warn().Int("attempt", attempt).Str("error", msg).Msg("database locked, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return lastErr
}

func (s *JobStore) FindDedup(ctx context.Context, normalizedURL, creationDate string) (string, bool, error) {
	var id string
	err := s.db.db.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE normalized_url = ? AND creation_date = ?`,
		normalizedURL, creationDate).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find dedup: %w", err)
	}
	return id, true, nil
}

func (s *JobStore) InsertJob(ctx context.Context, f store.NewJobFields) (*jobmodel.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *jobmodel.Job
	err := retryOnBusy(ctx, s.logger, func() error {
		_, execErr := s.db.db.ExecContext(ctx, `
			INSERT INTO jobs (
				id, url, normalized_url, creation_date, domain_key, render_mode,
				status, attempts, max_retries, navigation_timeout_s, job_timeout_s,
				max_domain_wait_s, metadata, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.URL, f.NormalizedURL, f.CreationDate, f.DomainKey, string(f.RenderMode),
			string(jobmodel.StatusQueued), f.MaxRetries, f.NavigationTimeoutS, f.JobTimeoutS,
			f.MaxDomainWaitS, string(f.Metadata), toMillis(f.CreatedAt),
		)
		if execErr != nil {
			if strings.Contains(execErr.Error(), "UNIQUE constraint failed") {
				return store.ErrDuplicate
			}
			return execErr
		}
		result = &jobmodel.Job{
			ID: f.ID, URL: f.URL, NormalizedURL: f.NormalizedURL, CreationDate: f.CreationDate,
			DomainKey: f.DomainKey, RenderMode: f.RenderMode, Status: jobmodel.StatusQueued,
			MaxRetries: f.MaxRetries, NavigationTimeoutS: f.NavigationTimeoutS,
			JobTimeoutS: f.JobTimeoutS, MaxDomainWaitS: f.MaxDomainWaitS,
			Metadata: f.Metadata, CreatedAt: f.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *JobStore) ClaimNext(ctx context.Context, now time.Time) (*jobmodel.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job *jobmodel.Job
	err := retryOnBusy(ctx, s.logger, func() error {
		tx, txErr := s.db.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()

		// A queued job whose domain is currently held by a running job is
		// stuck behind the lock, not merely unlucky in ordering; surface
		// that as waiting_domain_lock so it's observable and eligible for
		// the domain-wait sweep below instead of sitting in queued forever.
		if _, execErr := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?
			WHERE status = ?
			  AND domain_key IN (SELECT domain_key FROM domain_locks WHERE held_by_job_id IS NOT NULL)`,
			string(jobmodel.StatusWaitingDomainLock), string(jobmodel.StatusQueued)); execErr != nil {
			return execErr
		}

		row := tx.QueryRowContext(ctx, `
			SELECT j.id, j.url, j.normalized_url, j.creation_date, j.domain_key, j.render_mode,
			       j.status, j.attempts, j.max_retries, j.navigation_timeout_s, j.job_timeout_s,
			       j.max_domain_wait_s, j.metadata, j.error_code, j.error_message,
			       j.created_at, j.started_at, j.finished_at, j.artifact_path
			FROM jobs j
			WHERE j.status IN ('queued', 'waiting_domain_lock')
			  AND NOT EXISTS (
			      SELECT 1 FROM domain_locks dl
			      WHERE dl.domain_key = j.domain_key AND dl.held_by_job_id IS NOT NULL
			  )
			ORDER BY j.created_at ASC, j.id ASC
			LIMIT 1`)

		candidate, scanErr := scanJob(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil
		}
		if scanErr != nil {
			return scanErr
		}

		if _, execErr := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = ?, attempts = attempts + 1 WHERE id = ?`,
			string(jobmodel.StatusRunning), toMillis(now), candidate.ID); execErr != nil {
			return execErr
		}
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO domain_locks (domain_key, held_by_job_id, acquired_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT(domain_key) DO UPDATE SET held_by_job_id = excluded.held_by_job_id, acquired_at = excluded.acquired_at`,
			candidate.DomainKey, candidate.ID, toMillis(now)); execErr != nil {
			return execErr
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return commitErr
		}

		candidate.Status = jobmodel.StatusRunning
		candidate.StartedAt = &now
		candidate.Attempts++
		job = candidate
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if job == nil {
		return nil, false, nil
	}
	return job, true, nil
}

func (s *JobStore) MarkWaiting(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retryOnBusy(ctx, s.logger, func() error {
		_, err := s.db.db.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE id = ?`, string(jobmodel.StatusWaitingDomainLock), jobID)
		return err
	})
}

func (s *JobStore) FinishJob(ctx context.Context, jobID string, outcome store.Outcome, artifactPath string, errCode jobmodel.ErrorCode, errMessage string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retryOnBusy(ctx, s.logger, func() error {
		tx, err := s.db.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		status := jobmodel.StatusFailed
		if outcome == store.OutcomeSucceeded {
			status = jobmodel.StatusSucceeded
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, artifact_path = ?, error_code = ?, error_message = ?, finished_at = ?
			WHERE id = ?`,
			string(status), nullString(artifactPath), nullString(string(errCode)), nullString(errMessage),
			toMillis(now), jobID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM domain_locks WHERE held_by_job_id = ?`, jobID); err != nil {
			return err
		}

		return tx.Commit()
	})
}

func (s *JobStore) ReleaseForRetry(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retryOnBusy(ctx, s.logger, func() error {
		tx, err := s.db.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = NULL WHERE id = ?`,
			string(jobmodel.StatusQueued), jobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM domain_locks WHERE held_by_job_id = ?`, jobID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *JobStore) GetJob(ctx context.Context, jobID string) (*jobmodel.Job, error) {
	row := s.db.db.QueryRowContext(ctx, `
		SELECT id, url, normalized_url, creation_date, domain_key, render_mode,
		       status, attempts, max_retries, navigation_timeout_s, job_timeout_s,
		       max_domain_wait_s, metadata, error_code, error_message,
		       created_at, started_at, finished_at, artifact_path
		FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return job, err
}

func (s *JobStore) SweepExpiredWaits(ctx context.Context, now time.Time) ([]store.SweptWait, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept []store.SweptWait
	err := retryOnBusy(ctx, s.logger, func() error {
		swept = nil
		tx, err := s.db.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM jobs WHERE status = ? AND created_at <= ?`,
			string(jobmodel.StatusWaitingDomainLock), toMillis(now)) // filtered further below
		if err != nil {
			return err
		}
		var expired []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, id)
		}
		rows.Close()

		// created_at/max_domain_wait_s comparison happens per-row since
		// SQLite integer arithmetic in the query above can't reference
		// max_domain_wait_s portably alongside the parameter bind above.
		for _, id := range expired {
			var createdAt int64
			var maxWaitS int
			if err := tx.QueryRowContext(ctx,
				`SELECT created_at, max_domain_wait_s FROM jobs WHERE id = ?`, id,
			).Scan(&createdAt, &maxWaitS); err != nil {
				return err
			}
			created := fromMillis(createdAt)
			deadline := created.Add(time.Duration(maxWaitS) * time.Second)
			if now.Before(deadline) {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = ?, error_code = ?, error_message = ?, finished_at = ?
				WHERE id = ?`,
				string(jobmodel.StatusFailed), string(jobmodel.ErrorDomainWaitTimeout),
				"exceeded max_domain_wait_s while waiting for domain lock", toMillis(now), id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM domain_locks WHERE held_by_job_id = ?`, id); err != nil {
				return err
			}
			swept = append(swept, store.SweptWait{JobID: id, WaitDuration: now.Sub(created)})
		}

		return tx.Commit()
	})
	return swept, err
}

func (s *JobStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status IN (?, ?, ?)`,
		string(jobmodel.StatusQueued), string(jobmodel.StatusWaitingDomainLock), string(jobmodel.StatusRunning),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return count, nil
}

func (s *JobStore) ListStaleArtifacts(ctx context.Context, olderThan time.Time) ([]store.StaleArtifact, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, artifact_path FROM jobs
		WHERE status = ? AND artifact_path IS NOT NULL AND artifact_path != '' AND finished_at < ?`,
		string(jobmodel.StatusSucceeded), toMillis(olderThan))
	if err != nil {
		return nil, fmt.Errorf("list stale artifacts: %w", err)
	}
	defer rows.Close()

	var out []store.StaleArtifact
	for rows.Next() {
		var sa store.StaleArtifact
		if err := rows.Scan(&sa.JobID, &sa.ArtifactPath); err != nil {
			return nil, err
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}

func (s *JobStore) ForgetArtifact(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retryOnBusy(ctx, s.logger, func() error {
		_, err := s.db.db.ExecContext(ctx,
			`UPDATE jobs SET artifact_path = NULL WHERE id = ?`, jobID)
		return err
	})
}

func (s *JobStore) ReclaimOrphanedRunning(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := retryOnBusy(ctx, s.logger, func() error {
		tx, err := s.db.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, `SELECT id FROM jobs WHERE status = ?`, string(jobmodel.StatusRunning))
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, started_at = NULL WHERE id = ?`,
				string(jobmodel.StatusQueued), id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM domain_locks WHERE held_by_job_id = ?`, id); err != nil {
				return err
			}
			count++
		}

		return tx.Commit()
	})
	return count, err
}

func (s *JobStore) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*jobmodel.Job, error) {
	var (
		j                                    jobmodel.Job
		renderMode, status                   string
		metadata, errCode, errMessage        sql.NullString
		artifactPath                         sql.NullString
		createdAt                            int64
		startedAt, finishedAt                sql.NullInt64
	)

	err := row.Scan(
		&j.ID, &j.URL, &j.NormalizedURL, &j.CreationDate, &j.DomainKey, &renderMode,
		&status, &j.Attempts, &j.MaxRetries, &j.NavigationTimeoutS, &j.JobTimeoutS,
		&j.MaxDomainWaitS, &metadata, &errCode, &errMessage,
		&createdAt, &startedAt, &finishedAt, &artifactPath,
	)
	if err != nil {
		return nil, err
	}

	j.RenderMode = jobmodel.RenderMode(renderMode)
	j.Status = jobmodel.Status(status)
	j.ErrorCode = jobmodel.ErrorCode(errCode.String)
	j.ErrorMessage = errMessage.String
	j.ArtifactPath = artifactPath.String
	j.Metadata = []byte(metadata.String)
	j.CreatedAt = fromMillis(createdAt)
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := fromMillis(finishedAt.Int64)
		j.FinishedAt = &t
	}
	return &j, nil
}
