// Package store defines the durable persistence contract for jobs and
// domain locks. It is deliberately free of SQL or business logic; the
// Queue Service (internal/queue) is the only caller.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/pdfjobs/internal/jobmodel"
)

// ErrNotFound is returned when a job id has no matching row.
var ErrNotFound = errors.New("job not found")

// ErrDuplicate is returned by InsertJob when the dedup pair already exists.
var ErrDuplicate = errors.New("duplicate dedup key")

// NewJobFields are the caller-supplied fields for InsertJob.
type NewJobFields struct {
	ID                 string
	URL                string
	NormalizedURL      string
	CreationDate       string
	DomainKey          string
	RenderMode         jobmodel.RenderMode
	MaxRetries         int
	NavigationTimeoutS int
	JobTimeoutS        int
	MaxDomainWaitS     int
	Metadata           []byte
	CreatedAt          time.Time
}

// Outcome is the terminal result passed to FinishJob.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// StaleArtifact identifies a succeeded job whose artifact is old enough to
// reap, as returned by ListStaleArtifacts.
type StaleArtifact struct {
	JobID        string
	ArtifactPath string
}

// SweptWait identifies a job SweepExpiredWaits transitioned to
// failed(DOMAIN_WAIT_TIMEOUT), along with how long it spent waiting.
type SweptWait struct {
	JobID        string
	WaitDuration time.Duration
}

// Store is the transactional persistence contract. All operations must be
// safe to call concurrently; ClaimNext and FinishJob must be serializable
// with respect to each other.
type Store interface {
	FindDedup(ctx context.Context, normalizedURL, creationDate string) (jobID string, found bool, err error)
	InsertJob(ctx context.Context, fields NewJobFields) (*jobmodel.Job, error)

	// ClaimNext first transitions any queued job whose domain is currently
	// locked into waiting_domain_lock (so S3-style contention is
	// observable and eligible for the domain-wait sweep), then atomically
	// selects the oldest ready job whose domain has no current lock
	// holder, acquires the lock, marks it running, bumps its attempt
	// counter, and sets StartedAt. It returns (nil, false, nil) when
	// nothing is eligible. now is injected so tests can control
	// wait-timeout logic.
	ClaimNext(ctx context.Context, now time.Time) (job *jobmodel.Job, found bool, err error)

	MarkWaiting(ctx context.Context, jobID string) error
	FinishJob(ctx context.Context, jobID string, outcome Outcome, artifactPath string, errCode jobmodel.ErrorCode, errMessage string, now time.Time) error

	// ReleaseForRetry releases the domain lock and returns a running job to
	// queued after a transient failure, leaving it eligible for ClaimNext
	// again (by itself or another job on the same domain).
	ReleaseForRetry(ctx context.Context, jobID string) error
	GetJob(ctx context.Context, jobID string) (*jobmodel.Job, error)

	// SweepExpiredWaits transitions over-aged waiting_domain_lock jobs to
	// failed(DOMAIN_WAIT_TIMEOUT) and returns the jobs it transitioned.
	SweepExpiredWaits(ctx context.Context, now time.Time) ([]SweptWait, error)

	// ListStaleArtifacts returns succeeded jobs whose FinishedAt exceeds
	// threshold, regardless of whether the file still exists on disk;
	// the Worker is responsible for checking existence itself.
	ListStaleArtifacts(ctx context.Context, olderThan time.Time) ([]StaleArtifact, error)
	ForgetArtifact(ctx context.Context, jobID string) error

	// ReclaimOrphanedRunning re-queues any job left running with its
	// domain lock released, for use during Worker startup recovery.
	// It returns how many jobs were reclaimed.
	ReclaimOrphanedRunning(ctx context.Context) (int, error)

	// CountActive returns the number of jobs not yet in a terminal state
	// (queued, waiting_domain_lock, or running), for queue-depth reporting.
	CountActive(ctx context.Context) (int, error)

	Close() error
}
