package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pdfjobs/internal/jobmodel"
	"github.com/ternarybob/pdfjobs/internal/logging"
	"github.com/ternarybob/pdfjobs/internal/store"
)

// fakeStore is an in-memory store.Store used to exercise queue.Service's
// business logic in isolation from SQLite.
type fakeStore struct {
	jobs   map[string]*jobmodel.Job
	locks  map[string]string // domain_key -> job id
	dedup  map[string]string // normalized_url|creation_date -> job id
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:  make(map[string]*jobmodel.Job),
		locks: make(map[string]string),
		dedup: make(map[string]string),
	}
}

func dedupKey(url, date string) string { return url + "|" + date }

func (f *fakeStore) FindDedup(_ context.Context, normalizedURL, creationDate string) (string, bool, error) {
	id, ok := f.dedup[dedupKey(normalizedURL, creationDate)]
	return id, ok, nil
}

func (f *fakeStore) InsertJob(_ context.Context, fields store.NewJobFields) (*jobmodel.Job, error) {
	key := dedupKey(fields.NormalizedURL, fields.CreationDate)
	if _, exists := f.dedup[key]; exists {
		return nil, store.ErrDuplicate
	}
	job := &jobmodel.Job{
		ID: fields.ID, URL: fields.URL, NormalizedURL: fields.NormalizedURL,
		CreationDate: fields.CreationDate, DomainKey: fields.DomainKey, RenderMode: fields.RenderMode,
		Status: jobmodel.StatusQueued, MaxRetries: fields.MaxRetries,
		NavigationTimeoutS: fields.NavigationTimeoutS, JobTimeoutS: fields.JobTimeoutS,
		MaxDomainWaitS: fields.MaxDomainWaitS, Metadata: fields.Metadata, CreatedAt: fields.CreatedAt,
	}
	f.jobs[job.ID] = job
	f.dedup[key] = job.ID
	return job, nil
}

func (f *fakeStore) ClaimNext(_ context.Context, now time.Time) (*jobmodel.Job, bool, error) {
	for _, j := range f.jobs {
		if j.Status != jobmodel.StatusQueued {
			continue
		}
		if _, locked := f.locks[j.DomainKey]; locked {
			j.Status = jobmodel.StatusWaitingDomainLock
		}
	}

	var best *jobmodel.Job
	for _, j := range f.jobs {
		if j.Status != jobmodel.StatusQueued && j.Status != jobmodel.StatusWaitingDomainLock {
			continue
		}
		if _, locked := f.locks[j.DomainKey]; locked {
			continue
		}
		if best == nil || j.CreatedAt.Before(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, false, nil
	}
	best.Status = jobmodel.StatusRunning
	started := now
	best.StartedAt = &started
	best.Attempts++
	f.locks[best.DomainKey] = best.ID
	return best, true, nil
}

func (f *fakeStore) MarkWaiting(_ context.Context, jobID string) error {
	f.jobs[jobID].Status = jobmodel.StatusWaitingDomainLock
	return nil
}

func (f *fakeStore) FinishJob(_ context.Context, jobID string, outcome store.Outcome, artifactPath string, errCode jobmodel.ErrorCode, errMessage string, now time.Time) error {
	j := f.jobs[jobID]
	if outcome == store.OutcomeSucceeded {
		j.Status = jobmodel.StatusSucceeded
	} else {
		j.Status = jobmodel.StatusFailed
	}
	j.ArtifactPath = artifactPath
	j.ErrorCode = errCode
	j.ErrorMessage = errMessage
	finished := now
	j.FinishedAt = &finished
	delete(f.locks, j.DomainKey)
	return nil
}

func (f *fakeStore) ReleaseForRetry(_ context.Context, jobID string) error {
	j := f.jobs[jobID]
	j.Status = jobmodel.StatusQueued
	j.StartedAt = nil
	delete(f.locks, j.DomainKey)
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, jobID string) (*jobmodel.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeStore) SweepExpiredWaits(_ context.Context, now time.Time) ([]store.SweptWait, error) {
	var swept []store.SweptWait
	for _, j := range f.jobs {
		if j.Status != jobmodel.StatusWaitingDomainLock {
			continue
		}
		deadline := j.CreatedAt.Add(time.Duration(j.MaxDomainWaitS) * time.Second)
		if now.Before(deadline) {
			continue
		}
		j.Status = jobmodel.StatusFailed
		j.ErrorCode = jobmodel.ErrorDomainWaitTimeout
		finished := now
		j.FinishedAt = &finished
		swept = append(swept, store.SweptWait{JobID: j.ID, WaitDuration: now.Sub(j.CreatedAt)})
	}
	return swept, nil
}

func (f *fakeStore) CountActive(_ context.Context) (int, error) {
	count := 0
	for _, j := range f.jobs {
		if !j.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) ListStaleArtifacts(_ context.Context, olderThan time.Time) ([]store.StaleArtifact, error) {
	var out []store.StaleArtifact
	for _, j := range f.jobs {
		if j.Status == jobmodel.StatusSucceeded && j.ArtifactPath != "" && j.FinishedAt != nil && j.FinishedAt.Before(olderThan) {
			out = append(out, store.StaleArtifact{JobID: j.ID, ArtifactPath: j.ArtifactPath})
		}
	}
	return out, nil
}

func (f *fakeStore) ForgetArtifact(_ context.Context, jobID string) error {
	f.jobs[jobID].ArtifactPath = ""
	return nil
}

func (f *fakeStore) ReclaimOrphanedRunning(_ context.Context) (int, error) {
	count := 0
	for _, j := range f.jobs {
		if j.Status == jobmodel.StatusRunning {
			j.Status = jobmodel.StatusQueued
			j.StartedAt = nil
			delete(f.locks, j.DomainKey)
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) Close() error { return nil }

func testLogger() arbor.ILogger {
	return logging.GetLogger()
}

func TestSubmit_RejectsUnsafeURL(t *testing.T) {
	svc := New(newFakeStore(), testLogger())
	_, err := svc.Submit(context.Background(), time.Now(), SubmitRequest{URL: "http://169.254.169.254/"})
	require.Error(t, err)
}

func TestSubmit_DedupSameDay(t *testing.T) {
	svc := New(newFakeStore(), testLogger())
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	first, err := svc.Submit(context.Background(), now, SubmitRequest{URL: "https://example.com/a"})
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), now.Add(time.Hour), SubmitRequest{URL: "https://example.com/a"})
	require.Error(t, err)
	var dupErr *ErrDuplicateSubmission
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, first.ID, dupErr.ExistingJobID)
}

func TestSubmit_AllowsNextDayResubmission(t *testing.T) {
	svc := New(newFakeStore(), testLogger())
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	_, err := svc.Submit(context.Background(), now, SubmitRequest{URL: "https://example.com/a"})
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), now.Add(24*time.Hour), SubmitRequest{URL: "https://example.com/a"})
	require.NoError(t, err)
}

func TestSubmit_ClampsOutOfRangeBounds(t *testing.T) {
	svc := New(newFakeStore(), testLogger())
	job, err := svc.Submit(context.Background(), time.Now(), SubmitRequest{
		URL:                "https://example.com/a",
		NavigationTimeoutS: 999999,
		JobTimeoutS:        1,
		MaxDomainWaitS:     -5,
		MaxRetries:         50,
	})
	require.NoError(t, err)
	assert.Equal(t, 300, job.NavigationTimeoutS)
	assert.Equal(t, 10, job.JobTimeoutS)
	assert.Equal(t, 10, job.MaxDomainWaitS)
	assert.Equal(t, 5, job.MaxRetries)
}

func TestPoll_EnforcesPerDomainExclusion(t *testing.T) {
	svc := New(newFakeStore(), testLogger())
	ctx := context.Background()
	now := time.Now()

	_, err := svc.Submit(ctx, now, SubmitRequest{URL: "https://example.com/a"})
	require.NoError(t, err)
	second, err := svc.Submit(ctx, now.Add(time.Second), SubmitRequest{URL: "https://example.com/b"})
	require.NoError(t, err)

	first, found, err := svc.Poll(ctx, now)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "https://example.com/a", first.NormalizedURL)
	assert.Equal(t, 1, first.Attempts, "attempts is bumped exactly once per render attempt, including the first")

	_, found, err = svc.Poll(ctx, now)
	require.NoError(t, err)
	assert.False(t, found, "second same-domain job must not be claimable while the first holds the lock")

	blocked, err := svc.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, jobmodel.StatusWaitingDomainLock, blocked.Status, "a job blocked behind a domain lock must be observable as waiting_domain_lock")

	require.NoError(t, svc.Succeed(ctx, first.ID, "/tmp/a.pdf", now))

	claimed, found, err := svc.Poll(ctx, now)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "https://example.com/b", claimed.NormalizedURL)
	assert.Equal(t, 1, claimed.Attempts)
}

func TestRetryOrFail_RequeuesUntilRetriesExhausted(t *testing.T) {
	svc := New(newFakeStore(), testLogger())
	ctx := context.Background()
	now := time.Now()

	job, err := svc.Submit(ctx, now, SubmitRequest{URL: "https://example.com/a", MaxRetries: 1})
	require.NoError(t, err)

	claimed, found, err := svc.Poll(ctx, now)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, svc.RetryOrFail(ctx, claimed, jobmodel.ErrorRenderFailed, "navigation timed out", now))
	reloaded, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobmodel.StatusQueued, reloaded.Status)
	assert.Equal(t, 1, reloaded.Attempts)

	claimed2, found, err := svc.Poll(ctx, now)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, svc.RetryOrFail(ctx, claimed2, jobmodel.ErrorRenderFailed, "navigation timed out", now))
	reloaded, err = svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobmodel.StatusFailed, reloaded.Status)
}

func TestPoll_FailsOverAgedWaitingJobs(t *testing.T) {
	st := newFakeStore()
	svc := New(st, testLogger())
	ctx := context.Background()
	now := time.Now()

	job, err := svc.Submit(ctx, now, SubmitRequest{URL: "https://example.com/a", MaxDomainWaitS: 10})
	require.NoError(t, err)
	require.NoError(t, st.MarkWaiting(ctx, job.ID))

	_, _, err = svc.Poll(ctx, now.Add(time.Hour))
	require.NoError(t, err)

	reloaded, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobmodel.StatusFailed, reloaded.Status)
	assert.Equal(t, jobmodel.ErrorDomainWaitTimeout, reloaded.ErrorCode)
}
