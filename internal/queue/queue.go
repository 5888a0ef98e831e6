// Package queue implements the Queue Service: the only component that
// mutates Job state. It sits between the API Facade and the Worker, and
// holds no business logic beyond submission validation, dedup enforcement,
// claim ordering, and retry policy — all storage goes through
// internal/store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pdfjobs/internal/jobmodel"
	"github.com/ternarybob/pdfjobs/internal/metrics"
	"github.com/ternarybob/pdfjobs/internal/safety"
	"github.com/ternarybob/pdfjobs/internal/store"
)

// ErrDuplicateSubmission is returned by Submit when the normalized URL has
// already been requested on the same UTC calendar day, regardless of the
// existing job's status.
type ErrDuplicateSubmission struct {
	ExistingJobID string
}

func (e *ErrDuplicateSubmission) Error() string {
	return fmt.Sprintf("duplicate submission, existing job %s", e.ExistingJobID)
}

// SubmitRequest is the caller-supplied job specification, prior to
// validation and bounds clamping.
type SubmitRequest struct {
	URL                string
	RenderMode         jobmodel.RenderMode
	MaxRetries         int
	NavigationTimeoutS int
	JobTimeoutS        int
	MaxDomainWaitS     int
	Metadata           []byte
}

// Service is the Queue Service.
type Service struct {
	store             store.Store
	bounds            jobmodel.Bounds
	defaultRenderMode jobmodel.RenderMode
	logger            arbor.ILogger
}

// New constructs a Service over st using the default field bounds and the
// default render mode (print_to_pdf).
func New(st store.Store, logger arbor.ILogger) *Service {
	return &Service{store: st, bounds: jobmodel.DefaultBounds(), defaultRenderMode: jobmodel.RenderModePrintToPDF, logger: logger}
}

// NewWithBounds constructs a Service with caller-supplied field bounds,
// typically sourced from config.QueueConfig.Bounds(), and the default
// render mode.
func NewWithBounds(st store.Store, logger arbor.ILogger, bounds jobmodel.Bounds) *Service {
	return &Service{store: st, bounds: bounds, defaultRenderMode: jobmodel.RenderModePrintToPDF, logger: logger}
}

// NewWithDefaults constructs a Service with caller-supplied bounds and
// default render mode, sourced from config.QueueConfig.
func NewWithDefaults(st store.Store, logger arbor.ILogger, bounds jobmodel.Bounds, defaultRenderMode jobmodel.RenderMode) *Service {
	if defaultRenderMode == "" {
		defaultRenderMode = jobmodel.RenderModePrintToPDF
	}
	return &Service{store: st, bounds: bounds, defaultRenderMode: defaultRenderMode, logger: logger}
}

// Submit validates req, enforces the same-day dedup rule, clamps bounds,
// and persists a new queued job. now is injected so callers (and tests) can
// control which UTC calendar day a submission lands on.
func (s *Service) Submit(ctx context.Context, now time.Time, req SubmitRequest) (*jobmodel.Job, error) {
	result, err := safety.Validate(req.URL)
	if err != nil {
		metrics.ObserveSubmission("rejected")
		return nil, err
	}

	renderMode := req.RenderMode
	if renderMode == "" {
		renderMode = s.defaultRenderMode
	}
	if renderMode != jobmodel.RenderModePrintToPDF && renderMode != jobmodel.RenderModeScreenshotToPDF {
		return nil, &safety.RejectError{Code: jobmodel.ErrorInvalidURL, Reason: "unknown render_mode: " + string(renderMode)}
	}

	navTimeout, jobTimeout, maxWait, maxRetries := s.bounds.Clamp(
		req.NavigationTimeoutS, req.JobTimeoutS, req.MaxDomainWaitS, req.MaxRetries)

	creationDate := now.UTC().Format("2006-01-02")

	if existingID, found, err := s.store.FindDedup(ctx, result.NormalizedURL, creationDate); err != nil {
		return nil, fmt.Errorf("check dedup: %w", err)
	} else if found {
		metrics.ObserveSubmission("duplicate")
		return nil, &ErrDuplicateSubmission{ExistingJobID: existingID}
	}

	fields := store.NewJobFields{
		ID:                 uuid.NewString(),
		URL:                req.URL,
		NormalizedURL:      result.NormalizedURL,
		CreationDate:       creationDate,
		DomainKey:          result.DomainKey,
		RenderMode:         renderMode,
		MaxRetries:         maxRetries,
		NavigationTimeoutS: navTimeout,
		JobTimeoutS:        jobTimeout,
		MaxDomainWaitS:     maxWait,
		Metadata:           req.Metadata,
		CreatedAt:          now,
	}

	job, err := s.store.InsertJob(ctx, fields)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race against a concurrent submission of the same key;
			// surface it the same way as the pre-check above.
			existingID, _, findErr := s.store.FindDedup(ctx, result.NormalizedURL, creationDate)
			if findErr == nil {
				metrics.ObserveSubmission("duplicate")
				return nil, &ErrDuplicateSubmission{ExistingJobID: existingID}
			}
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}

	metrics.ObserveSubmission("accepted")
	s.logger.Info().Str("job_id", job.ID).Str("domain_key", job.DomainKey).Msg("job submitted")
	return job, nil
}

// Poll sweeps over-aged waiting_domain_lock jobs and then attempts to claim
// the next eligible job for a Worker. It returns (nil, false, nil) when
// nothing is eligible right now.
func (s *Service) Poll(ctx context.Context, now time.Time) (*jobmodel.Job, bool, error) {
	swept, err := s.store.SweepExpiredWaits(ctx, now)
	if err != nil {
		return nil, false, fmt.Errorf("sweep expired waits: %w", err)
	}
	for _, sw := range swept {
		s.logger.Warn().Str("job_id", sw.JobID).Dur("waited", sw.WaitDuration).Msg("domain wait timeout, failing job")
		metrics.ObserveCompletion("failed", string(jobmodel.ErrorDomainWaitTimeout))
		metrics.ObserveDomainWait(sw.WaitDuration)
	}

	job, found, err := s.store.ClaimNext(ctx, now)
	if err != nil {
		return nil, false, fmt.Errorf("claim next: %w", err)
	}

	if count, countErr := s.store.CountActive(ctx); countErr == nil {
		metrics.SetQueueDepth(count)
	}

	return job, found, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, jobID string) (*jobmodel.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Succeed marks a job as succeeded with the given artifact path.
func (s *Service) Succeed(ctx context.Context, jobID, artifactPath string, now time.Time) error {
	if err := s.store.FinishJob(ctx, jobID, store.OutcomeSucceeded, artifactPath, "", "", now); err != nil {
		return err
	}
	metrics.ObserveCompletion("succeeded", "")
	return nil
}

// FailTerminal marks a job as permanently failed, releasing its domain lock.
func (s *Service) FailTerminal(ctx context.Context, jobID string, code jobmodel.ErrorCode, message string, now time.Time) error {
	if err := s.store.FinishJob(ctx, jobID, store.OutcomeFailed, "", code, message, now); err != nil {
		return err
	}
	metrics.ObserveCompletion("failed", string(code))
	return nil
}

// RetryOrFail applies the retry policy for a transient render failure.
// job.Attempts already counts the attempt that just failed (ClaimNext bumps
// it when the job is claimed), so this either releases the job back to
// queued for another claim, or fails it terminally once MaxRetries is
// exhausted.
func (s *Service) RetryOrFail(ctx context.Context, job *jobmodel.Job, code jobmodel.ErrorCode, message string, now time.Time) error {
	if job.Attempts > job.MaxRetries {
		s.logger.Warn().Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("retries exhausted, failing job")
		if err := s.store.FinishJob(ctx, job.ID, store.OutcomeFailed, "", code, message, now); err != nil {
			return err
		}
		metrics.ObserveCompletion("failed", string(code))
		return nil
	}
	s.logger.Info().Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("releasing job for retry")
	return s.store.ReleaseForRetry(ctx, job.ID)
}

// MarkWaiting transitions a claimed job back to waiting_domain_lock when a
// Worker declines to hold a contended domain. This is currently unused by
// the single-claim Worker loop (ClaimNext already excludes locked domains)
// but is kept as a Queue Service primitive for that state transition.
func (s *Service) MarkWaiting(ctx context.Context, jobID string) error {
	return s.store.MarkWaiting(ctx, jobID)
}

// ReclaimOrphaned re-queues any job left running from a previous process
// lifetime, as part of Worker startup recovery.
func (s *Service) ReclaimOrphaned(ctx context.Context) (int, error) {
	return s.store.ReclaimOrphanedRunning(ctx)
}

// StaleArtifacts returns succeeded jobs whose FinishedAt is older than
// olderThan, for the Worker's cleanup loop.
func (s *Service) StaleArtifacts(ctx context.Context, olderThan time.Time) ([]store.StaleArtifact, error) {
	return s.store.ListStaleArtifacts(ctx, olderThan)
}

// ForgetArtifact clears a job's artifact_path once the Worker has deleted
// the underlying file from disk.
func (s *Service) ForgetArtifact(ctx context.Context, jobID string) error {
	return s.store.ForgetArtifact(ctx, jobID)
}
