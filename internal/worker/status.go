package worker

import (
	"context"
	"time"

	"github.com/bobarin/renderd/internal/jobstore"
	"github.com/bobarin/renderd/internal/models"
	"github.com/bobarin/renderd/internal/pkg/logger"
)

const statusWriteTimeout = 5 * time.Second

// status owns one job's record and only moves it forward. Store failures
// are logged; they never fail the job.
type status struct {
	store jobstore.Store
	rec   models.JobRecord
	log   *logger.Logger
}

func newStatus(store jobstore.Store, job models.RenderJob, log *logger.Logger) *status {
	return &status{
		store: store,
		rec: models.JobRecord{
			JobID:          job.ID,
			Style:          job.Settings.Style,
			IdempotencyKey: job.IdempotencyKey,
			Status:         models.JobStatusPending,
			CreatedAt:      job.CreatedAt,
			UpdatedAt:      job.CreatedAt,
		},
		log: log,
	}
}

func (s *status) current() models.JobStatus { return s.rec.Status }

func (s *status) advance(ctx context.Context, to models.JobStatus) bool {
	from := s.rec.Status
	if !from.CanTransition(to) {
		s.log.Error("refusing status transition", "from", string(from), "to", string(to))
		return false
	}
	s.rec.Status = to
	s.rec.UpdatedAt = time.Now().UTC()
	s.save(ctx)
	s.log.Debug("status changed", "from", string(from), "to", string(to))
	return true
}

func (s *status) fail(ctx context.Context, err error) {
	body := ErrorBody(err)
	s.rec.Error = &body
	s.advance(ctx, models.JobStatusFailed)
}

func (s *status) done(ctx context.Context, resp models.RenderResponse) {
	s.rec.Result = &resp
	s.advance(ctx, models.JobStatusDone)
}

// replay completes a job that was answered from an earlier job's result
// without running any stage.
func (s *status) replay(ctx context.Context, resp models.RenderResponse) {
	s.rec.Result = &resp
	s.rec.Status = models.JobStatusDone
	s.rec.UpdatedAt = time.Now().UTC()
	s.save(ctx)
}

// save writes even after ctx is canceled so a failed job is still recorded.
func (s *status) save(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := s.store.Put(ctx, s.rec); err != nil {
		s.log.Warn("failed to save job status", "status", string(s.rec.Status), "error", err)
	}
}
