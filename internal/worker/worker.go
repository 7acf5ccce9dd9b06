// Package worker drives render jobs through fetch, normalize, compose,
// render and upload under global admission and render limits.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/bobarin/renderd/internal/composer"
	"github.com/bobarin/renderd/internal/executor"
	"github.com/bobarin/renderd/internal/fetcher"
	"github.com/bobarin/renderd/internal/jobstore"
	"github.com/bobarin/renderd/internal/metrics"
	"github.com/bobarin/renderd/internal/models"
	"github.com/bobarin/renderd/internal/normalizer"
	"github.com/bobarin/renderd/internal/pkg/apperr"
	"github.com/bobarin/renderd/internal/pkg/logger"
	"github.com/bobarin/renderd/internal/publisher"
	"github.com/bobarin/renderd/internal/services"
	"github.com/bobarin/renderd/internal/timeline"
	"github.com/bobarin/renderd/internal/workspace"
)

// Deps are the stage implementations a Worker drives.
type Deps struct {
	Workspaces *workspace.Manager
	Fetcher    *fetcher.Fetcher
	Prober     services.Prober
	Normalizer *normalizer.Normalizer
	Executor   *executor.Executor
	Publisher  *publisher.Publisher
	Store      jobstore.Store
	Metrics    *metrics.Metrics
}

type Options struct {
	MaxActive         int // jobs past the queue
	MaxQueued         int // admitted jobs waiting for an active slot
	RenderConcurrency int // jobs in the Rendering stage
	JobTimeout        time.Duration
	Encoding          composer.Encoding
}

// Worker runs each submitted job on the caller's goroutine. Admission is
// bounded by MaxActive+MaxQueued; anything beyond is rejected right away.
type Worker struct {
	deps Deps
	opts Options

	capacity  int64
	admission *semaphore.Weighted
	active    *semaphore.Weighted
	render    *semaphore.Weighted
	draining  atomic.Bool

	log *logger.Logger
}

func New(deps Deps, opts Options, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if opts.MaxActive < 1 {
		opts.MaxActive = 1
	}
	if opts.MaxQueued < 0 {
		opts.MaxQueued = 0
	}
	if opts.RenderConcurrency < 1 {
		opts.RenderConcurrency = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Minute
	}
	capacity := int64(opts.MaxActive + opts.MaxQueued)
	return &Worker{
		deps:      deps,
		opts:      opts,
		capacity:  capacity,
		admission: semaphore.NewWeighted(capacity),
		active:    semaphore.NewWeighted(int64(opts.MaxActive)),
		render:    semaphore.NewWeighted(int64(opts.RenderConcurrency)),
		log:       log.WithComponent("worker"),
	}
}

// Submit validates job, admits it and runs it to completion. The returned
// error is always an *apperr.Error.
func (w *Worker) Submit(ctx context.Context, job models.RenderJob) (models.RenderResponse, error) {
	if w.draining.Load() {
		return models.RenderResponse{}, apperr.Unavailable("server is shutting down")
	}
	if err := timeline.Validate(job.Settings, job.Scenes); err != nil {
		w.deps.Metrics.JobFinished("rejected", string(apperr.GetCode(err)))
		return models.RenderResponse{}, err
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	ctx = logger.ContextWithJobID(ctx, job.ID)
	log := w.log.FromContext(ctx)

	st := newStatus(w.deps.Store, job, log)
	st.save(ctx)

	if key := job.IdempotencyKey; key != "" {
		cached, err := w.claim(ctx, key, job.ID)
		if err != nil {
			st.fail(ctx, err)
			return models.RenderResponse{}, err
		}
		if cached != nil {
			log.Info("idempotent replay", "idempotency_key", key, "original_job_id", cached.JobID)
			st.replay(ctx, *cached)
			return *cached, nil
		}
	}

	if !w.admission.TryAcquire(1) {
		w.deps.Metrics.AdmissionRejected.Inc()
		err := apperr.Unavailable("render capacity exhausted, retry later")
		w.releaseKey(ctx, job)
		st.fail(ctx, err)
		return models.RenderResponse{}, err
	}
	defer w.admission.Release(1)

	jobCtx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	defer cancel()

	resp, err := w.execute(jobCtx, job, st)
	if err != nil {
		ae := apperr.From(err, apperr.Stage(""))
		w.releaseKey(ctx, job)
		st.fail(ctx, ae)
		w.deps.Metrics.JobFinished("failed", string(ae.Code))
		log.Error("job failed", "code", string(ae.Code), "stage", string(ae.Stage), "error", ae.Error())
		return models.RenderResponse{}, ae
	}

	st.done(ctx, resp)
	w.deps.Metrics.JobFinished("done", "")
	w.deps.Metrics.RenderSeconds.Observe(resp.TotalDuration)
	log.Info("job done", "url", resp.URL, "total_duration", resp.TotalDuration)
	return resp, nil
}

// execute waits for an active slot and runs the pipeline.
func (w *Worker) execute(ctx context.Context, job models.RenderJob, st *status) (models.RenderResponse, error) {
	w.deps.Metrics.QueuedJobs.Inc()
	err := w.active.Acquire(ctx, 1)
	w.deps.Metrics.QueuedJobs.Dec()
	if err != nil {
		return models.RenderResponse{}, apperr.Canceled(apperr.StageAdmission, err)
	}
	defer w.active.Release(1)

	w.deps.Metrics.ActiveJobs.Inc()
	defer w.deps.Metrics.ActiveJobs.Dec()

	return w.run(ctx, job, st)
}

// claim binds key to jobID. A key owned by a finished job yields its cached
// response; a key owned by a running job is a conflict.
func (w *Worker) claim(ctx context.Context, key, jobID string) (*models.RenderResponse, error) {
	store := w.deps.Store
	for range 2 {
		owner, claimed, err := store.ClaimKey(ctx, key, jobID)
		if err != nil {
			return nil, apperr.Internal(apperr.StageAdmission, err)
		}
		if claimed {
			return nil, nil
		}

		rec, err := store.Get(ctx, owner)
		switch {
		case err == nil && rec.Status == models.JobStatusDone && rec.Result != nil:
			w.deps.Metrics.IdempotentReplays.Inc()
			return rec.Result, nil
		case err == nil && !rec.Status.Terminal():
			return nil, apperr.Conflict("a job with this idempotency key is in progress").WithField("job_id", owner)
		case err != nil && !errors.Is(err, jobstore.ErrNotFound):
			return nil, apperr.Internal(apperr.StageAdmission, err)
		}

		// The owner failed without releasing or its record expired.
		if err := store.ReleaseKey(ctx, key, owner); err != nil {
			return nil, apperr.Internal(apperr.StageAdmission, err)
		}
	}
	return nil, apperr.Conflict("idempotency key is contended")
}

func (w *Worker) releaseKey(ctx context.Context, job models.RenderJob) {
	if job.IdempotencyKey == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.deps.Store.ReleaseKey(ctx, job.IdempotencyKey, job.ID); err != nil {
		w.log.FromContext(ctx).Warn("failed to release idempotency key", "error", err)
	}
}

// Status returns the record of one job.
func (w *Worker) Status(ctx context.Context, jobID string) (models.JobRecord, error) {
	rec, err := w.deps.Store.Get(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return models.JobRecord{}, apperr.New(apperr.CodeNotFound, "", "job not found").WithField("job_id", jobID)
	}
	if err != nil {
		return models.JobRecord{}, apperr.Internal("", fmt.Errorf("failed to read job status: %w", err))
	}
	return rec, nil
}

// Draining reports whether Drain has been called.
func (w *Worker) Draining() bool { return w.draining.Load() }

// Drain rejects new jobs and waits until every admitted job has finished or
// ctx is done.
func (w *Worker) Drain(ctx context.Context) error {
	w.draining.Store(true)
	if err := w.admission.Acquire(ctx, w.capacity); err != nil {
		return fmt.Errorf("jobs still running: %w", err)
	}
	w.admission.Release(w.capacity)
	return nil
}

// ErrorBody converts err into the wire error shape.
func ErrorBody(err error) models.ErrorBody {
	e := apperr.From(err, "")
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	body := models.ErrorBody{Code: string(e.Code), Stage: string(e.Stage), Message: msg}
	if len(e.Fields) > 0 {
		body.Details = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			body.Details[k] = v
		}
	}
	return body
}
