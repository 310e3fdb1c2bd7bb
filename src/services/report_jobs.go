package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/username/cryptotax/src/apperrors"
	"github.com/username/cryptotax/src/logger"
	"github.com/username/cryptotax/src/models"
)

const (
	DefaultJobExpiration = 15 * time.Minute
	JobCleanupInterval   = 30 * time.Minute
)

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// ReportJob is the stored state of an asynchronous report. It never holds credentials.
type ReportJob struct {
	ID         string                       `json:"id"`
	FiscalYear int                          `json:"fiscal_year"`
	Status     JobStatus                    `json:"status"`
	Progress   ProgressEvent                `json:"progress"`
	Result     *models.TaxCalculationResult `json:"result,omitempty"`
	Error      string                       `json:"error,omitempty"`
	ErrorCode  string                       `json:"error_code,omitempty"`
	CreatedAt  time.Time                    `json:"created_at"`
	UpdatedAt  time.Time                    `json:"updated_at"`
}

// ReportJobs runs reports in the background and fans progress out to subscribers.
type ReportJobs struct {
	service TaxService
	jobs    *cache.Cache
	base    context.Context

	mu   sync.Mutex
	subs map[string][]chan ProgressEvent
	wg   sync.WaitGroup
}

// NewReportJobs creates the registry. Jobs run under base, so cancelling it stops them.
func NewReportJobs(base context.Context, service TaxService, ttl time.Duration) *ReportJobs {
	if ttl <= 0 {
		ttl = DefaultJobExpiration
	}
	return &ReportJobs{
		service: service,
		jobs:    cache.New(ttl, JobCleanupInterval),
		base:    base,
		subs:    make(map[string][]chan ProgressEvent),
	}
}

// Start validates req and launches the report, returning the job ID.
func (r *ReportJobs) Start(req ReportRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	job := ReportJob{
		ID:         uuid.NewString(),
		FiscalYear: req.FiscalYear,
		Status:     JobPending,
		Progress:   ProgressEvent{Stage: StageQueued},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.jobs.SetDefault(job.ID, job)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(job.ID, req)
	}()
	logger.L.Info("Report job started", "jobID", job.ID, "fiscalYear", req.FiscalYear, "accounts", len(req.Accounts))
	return job.ID, nil
}

func (r *ReportJobs) run(id string, req ReportRequest) {
	ctx := logger.WithContext(r.base, logger.L.With("jobID", id))
	// The terminal event is held back until the outcome is stored with it.
	var terminal *ProgressEvent
	result, err := r.service.GenerateReport(ctx, req, func(ev ProgressEvent) {
		if ev.Stage.Terminal() {
			terminal = &ev
			return
		}
		r.update(id, func(j *ReportJob) {
			j.Progress = ev
			j.Status = JobRunning
		})
		r.publish(id, ev)
	})

	var final ProgressEvent
	r.update(id, func(j *ReportJob) {
		switch {
		case terminal != nil:
			final = *terminal
		case err != nil:
			final = ProgressEvent{Stage: StageFailed, Percent: j.Progress.Percent, Message: err.Error()}
		default:
			final = ProgressEvent{Stage: StageDone, Percent: 100}
		}
		j.Progress = final
		if err != nil {
			j.Status = JobFailed
			j.Error = err.Error()
			j.ErrorCode = ErrorCode(err)
			return
		}
		j.Status = JobDone
		j.Result = result
	})
	if err != nil {
		logger.L.Warn("Report job failed", "jobID", id, "code", ErrorCode(err), "error", err)
	}
	r.publish(id, final)
	r.closeSubscribers(id)
}

func (r *ReportJobs) update(id string, fn func(*ReportJob)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.jobs.Get(id)
	if !ok {
		return
	}
	job := v.(ReportJob)
	fn(&job)
	job.UpdatedAt = time.Now().UTC()
	r.jobs.SetDefault(id, job)
}

// Get returns a snapshot of the job.
func (r *ReportJobs) Get(id string) (ReportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.jobs.Get(id)
	if !ok {
		return ReportJob{}, fmt.Errorf("%w: %s", apperrors.ErrReportNotFound, id)
	}
	return v.(ReportJob), nil
}

// Subscribe returns the current snapshot and a channel of further progress
// events. The channel is closed when the job finishes; for a finished job it is
// already closed. Call cancel to stop listening early.
func (r *ReportJobs) Subscribe(id string) (ReportJob, <-chan ProgressEvent, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.jobs.Get(id)
	if !ok {
		return ReportJob{}, nil, func() {}, fmt.Errorf("%w: %s", apperrors.ErrReportNotFound, id)
	}
	job := v.(ReportJob)

	ch := make(chan ProgressEvent, 16)
	if job.Status == JobDone || job.Status == JobFailed {
		close(ch)
		return job, ch, func() {}, nil
	}
	r.subs[id] = append(r.subs[id], ch)

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.subs[id]
		for i, c := range list {
			if c == ch {
				r.subs[id] = append(list[:i], list[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return job, ch, cancel, nil
}

// publish never blocks; a subscriber that falls behind misses intermediate events.
func (r *ReportJobs) publish(id string, ev ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs[id] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (r *ReportJobs) closeSubscribers(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs[id] {
		close(ch)
	}
	delete(r.subs, id)
}

// Wait blocks until every started job has finished.
func (r *ReportJobs) Wait() {
	r.wg.Wait()
}
