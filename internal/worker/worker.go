// Package worker implements the render loop and cleanup loop: two
// ticker-driven goroutines polling a shared backend. The render loop
// handles one job at a time, so a slow render delays the jobs behind it
// until its job timeout fires; the cleanup loop runs independently of it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/pdfjobs/internal/common"
	"github.com/ternarybob/pdfjobs/internal/jobmodel"
	"github.com/ternarybob/pdfjobs/internal/metrics"
	"github.com/ternarybob/pdfjobs/internal/queue"
	"github.com/ternarybob/pdfjobs/internal/renderer"
	"github.com/ternarybob/pdfjobs/internal/safety"
)

// Config configures the Worker's polling cadence and artifact lifecycle.
type Config struct {
	PollInterval    time.Duration
	RenderRateLimit time.Duration // minimum spacing between render starts
	ArtifactsDir    string
	CleanupInterval time.Duration
	CleanupFileAge  time.Duration
}

// Pool is the Worker component: one render goroutine plus one cleanup
// goroutine, both sharing a queue.Service.
type Pool struct {
	cfg      Config
	queue    *queue.Service
	renderer renderer.Renderer
	logger   arbor.ILogger
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Pool. Call Start to begin polling.
func New(cfg Config, q *queue.Service, r renderer.Renderer, logger arbor.ILogger) *Pool {
	var limiter *rate.Limiter
	if cfg.RenderRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RenderRateLimit), 1)
	}
	return &Pool{cfg: cfg, queue: q, renderer: r, logger: logger, limiter: limiter}
}

// Start launches the render loop and the cleanup loop, exactly one
// goroutine each — the render loop claims and processes one job at a time
// by design, so exactly one render is ever in flight. It first reclaims
// any job left running by a previous process lifetime.
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{}, 2)

	reclaimed, err := p.queue.ReclaimOrphaned(p.ctx)
	if err != nil {
		return fmt.Errorf("reclaim orphaned jobs: %w", err)
	}
	if reclaimed > 0 {
		p.logger.Warn().Int("count", reclaimed).Msg("reclaimed jobs left running by a previous process")
	}

	common.SafeGo(p.logger, "render-loop", p.renderLoop)
	common.SafeGo(p.logger, "cleanup-loop", p.cleanupLoop)

	p.logger.Info().Msg("worker pool started")
	return nil
}

// Stop cancels all loops and waits for them to exit.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	<-p.done
	p.logger.Info().Msg("worker pool stopped")
}

func (p *Pool) renderLoop() {
	defer func() { p.done <- struct{}{} }()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *Pool) pollOnce() {
	job, found, err := p.queue.Poll(p.ctx, time.Now())
	if err != nil {
		p.logger.Warn().Err(err).Msg("poll failed")
		return
	}
	if !found {
		return
	}

	logger := p.logger.WithCorrelationId(job.ID)
	logger.Info().Str("url", job.URL).Int("attempt", job.Attempts).Msg("claimed job")

	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}
	}

	p.processJob(job, logger)
}

func (p *Pool) processJob(job *jobmodel.Job, logger arbor.ILogger) {
	now := time.Now()

	// Re-validate the stored URL against the Safety Validator before
	// rendering. Redirect hops inside the renderer are not checked here,
	// and the domain lock acquired at claim time is never transferred to a
	// redirect target.
	if _, err := safety.Validate(job.URL); err != nil {
		logger.Error().Err(err).Msg("job failed re-validation at render time")
		var rejectErr *safety.RejectError
		code := jobmodel.ErrorInvalidURL
		if errors.As(err, &rejectErr) {
			code = rejectErr.Code
		}
		if finishErr := p.queue.FailTerminal(p.ctx, job.ID, code, err.Error(), now); finishErr != nil {
			logger.Error().Err(finishErr).Msg("failed to record terminal failure")
		}
		return
	}

	jobCtx, cancel := context.WithTimeout(p.ctx, time.Duration(job.JobTimeoutS)*time.Second)
	defer cancel()

	artifactPath := filepath.Join(p.cfg.ArtifactsDir, job.ID+".pdf")
	renderStart := time.Now()
	renderErr := p.renderer.Render(jobCtx, renderer.Request{
		URL:                job.URL,
		Mode:               job.RenderMode,
		NavigationTimeoutS: job.NavigationTimeoutS,
		OutputPath:         artifactPath,
	})
	metrics.ObserveRenderDuration(string(job.RenderMode), time.Since(renderStart))

	if renderErr == nil {
		if validateErr := renderer.ValidatePDF(artifactPath); validateErr != nil {
			renderErr = renderer.Transient(validateErr)
		}
	}

	if renderErr != nil {
		p.handleRenderFailure(job, renderErr, logger)
		return
	}

	finishedAt := time.Now()
	if err := p.queue.Succeed(p.ctx, job.ID, artifactPath, finishedAt); err != nil {
		logger.Error().Err(err).Msg("failed to record success")
		return
	}
	logger.Info().Str("artifact", artifactPath).Dur("duration", finishedAt.Sub(now)).Msg("job succeeded")
}

func (p *Pool) handleRenderFailure(job *jobmodel.Job, renderErr error, logger arbor.ILogger) {
	now := time.Now()

	var transient *renderer.TransientError
	if !errors.As(renderErr, &transient) {
		logger.Error().Err(renderErr).Msg("job failed with a non-retryable render error")
		if err := p.queue.FailTerminal(p.ctx, job.ID, jobmodel.ErrorRenderFailed, renderErr.Error(), now); err != nil {
			logger.Error().Err(err).Msg("failed to record terminal failure")
		}
		return
	}

	// Exceeding job_timeout_s surfaces as context.DeadlineExceeded from
	// inside the renderer and is treated as transient, same as a
	// navigation timeout: both are conditions a later attempt may clear.
	logger.Warn().Err(renderErr).Msg("job failed with a transient render error")
	if err := p.queue.RetryOrFail(p.ctx, job, jobmodel.ErrorRenderFailed, renderErr.Error(), now); err != nil {
		logger.Error().Err(err).Msg("failed to record retry/failure outcome")
	}
}

func (p *Pool) cleanupLoop() {
	defer func() { p.done <- struct{}{} }()

	if p.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runCleanup()
		}
	}
}

func (p *Pool) runCleanup() {
	cutoff := time.Now().Add(-p.cfg.CleanupFileAge)
	stale, err := p.queue.StaleArtifacts(p.ctx, cutoff)
	if err != nil {
		p.logger.Warn().Err(err).Msg("cleanup: failed to list stale artifacts")
		return
	}

	for _, sa := range stale {
		if err := os.Remove(sa.ArtifactPath); err != nil && !os.IsNotExist(err) {
			p.logger.Warn().Err(err).Str("job_id", sa.JobID).Str("path", sa.ArtifactPath).Msg("cleanup: failed to remove artifact")
			continue
		}
		if err := p.queue.ForgetArtifact(p.ctx, sa.JobID); err != nil {
			p.logger.Warn().Err(err).Str("job_id", sa.JobID).Msg("cleanup: failed to clear artifact path")
			continue
		}
		p.logger.Debug().Str("job_id", sa.JobID).Str("path", sa.ArtifactPath).Msg("cleanup: removed stale artifact")
	}
	if len(stale) > 0 {
		p.logger.Info().Int("count", len(stale)).Msg("cleanup pass complete")
	}
}
