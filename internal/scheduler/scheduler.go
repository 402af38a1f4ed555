// Package scheduler is the Job Scheduler: it owns the river client that
// enforces max concurrency, the map of currently running jobs' cancellation
// handles, and the sweep that recovers jobs orphaned by a crash.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"go.uber.org/zap"

	"github.com/kubev2v/fragproc/internal/registry"
	"github.com/kubev2v/fragproc/internal/runner"
	"github.com/kubev2v/fragproc/internal/source"
)

const (
	// DefaultQueue is the single river queue this system dispatches
	// process_job work items to. QueueConfig.MaxWorkers is the actual
	// concurrency cap, not an application-level semaphore.
	DefaultQueue  = "fragproc"
	maxJobRetries = 1
)

// Scheduler enforces max-concurrency dispatch via river, tracks live job
// handles for cancellation, and reconciles jobs left behind by a crash.
type Scheduler struct {
	Client   *river.Client[pgx.Tx]
	Registry registry.Registry
	Metadata source.MetadataProvider

	mu      sync.Mutex
	handles map[uuid.UUID]*runner.Handle
}

// New wires a river client with MaxWorkers capped at maxConcurrentJobs and
// registers the process-job worker against it.
func New(ctx context.Context, pool *pgxpool.Pool, reg registry.Registry, meta source.MetadataProvider, processJobWorker *runner.ProcessJobWorker, maxConcurrentJobs int) (*Scheduler, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, processJobWorker)

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			DefaultQueue: {MaxWorkers: maxConcurrentJobs},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("creating river client: %w", err)
	}

	return &Scheduler{
		Client:   riverClient,
		Registry: reg,
		Metadata: meta,
		handles:  make(map[uuid.UUID]*runner.Handle),
	}, nil
}

// Register and Unregister implement runner.HandleRegistry: the running
// Runner registers its cancellation handle here so Cancel can find it.
func (s *Scheduler) Register(h *runner.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.JobID()] = h
}

func (s *Scheduler) Unregister(jobID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, jobID)
}

// Enqueue transitions a NEW job to QUEUED and inserts its river work item.
// The row's RiverJobID correlates it back to the insert.
func (s *Scheduler) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	claimed, err := s.Registry.ConditionalUpdate(ctx, jobID, &registry.Job{
		Status: registry.StatusQueued,
	}, registry.StatusNew)
	if err != nil {
		return fmt.Errorf("marking job %s queued: %w", jobID, err)
	}
	if !claimed {
		return fmt.Errorf("job %s is not in NEW state", jobID)
	}

	result, err := s.Client.Insert(ctx, runner.ProcessJobArgs{JobID: jobID}, &river.InsertOpts{
		Queue:       DefaultQueue,
		MaxAttempts: maxJobRetries,
	})
	if err != nil {
		return fmt.Errorf("inserting river job for %s: %w", jobID, err)
	}

	riverJobID := result.Job.ID
	return s.Registry.Update(ctx, jobID, &registry.Job{RiverJobID: &riverJobID})
}

// Cancel marks CancelRequested so the runner's heartbeat loop notices it,
// and — if the job's handle is registered in this process — cancels its
// context immediately rather than waiting for the next heartbeat tick.
func (s *Scheduler) Cancel(ctx context.Context, jobID uuid.UUID) error {
	if err := s.Registry.Update(ctx, jobID, &registry.Job{CancelRequested: true}); err != nil {
		return fmt.Errorf("requesting cancellation of job %s: %w", jobID, err)
	}

	s.mu.Lock()
	h, ok := s.handles[jobID]
	s.mu.Unlock()
	if ok {
		h.RequestCancel()
	}
	return nil
}

// AutoDequeue enqueues every NEW job (not yet inserted into river), oldest
// first, refreshing its download URL first when a metadata provider is set
// and the job has a source item ID; a job whose URL cannot be obtained is
// marked ERROR. It is the bridge between the SharePoint/Graph metadata
// contract and the queue. Rows already QUEUED are not touched here.
func (s *Scheduler) AutoDequeue(ctx context.Context) error {
	log := zap.S().Named("scheduler")

	jobs, err := s.Registry.ListByStatus(ctx, registry.StatusNew, "created_at asc", 0)
	if err != nil {
		return fmt.Errorf("listing NEW jobs: %w", err)
	}

	for _, job := range jobs {
		if s.Metadata != nil && job.SourceItemID != "" {
			info, err := s.Metadata.GetDownloadURL(ctx, job.SourceItemID)
			if err != nil {
				log.Warnw("refreshing download URL failed, marking job ERROR", "job_id", job.ID, "error", err)
				finishedAt := time.Now()
				if uerr := s.Registry.Update(ctx, job.ID, &registry.Job{
					Status:       registry.StatusError,
					FinishedAt:   &finishedAt,
					ErrorMessage: fmt.Sprintf("obtaining download URL: %v", err),
				}); uerr != nil {
					log.Warnw("marking job ERROR failed", "job_id", job.ID, "error", uerr)
				}
				continue
			}
			if err := s.Registry.Update(ctx, job.ID, &registry.Job{DownloadURL: info.URL}); err != nil {
				log.Warnw("persisting refreshed download URL failed", "job_id", job.ID, "error", err)
				continue
			}
		}

		if err := s.Enqueue(ctx, job.ID); err != nil {
			log.Warnw("enqueue failed, will retry next cycle", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// RecoverStaleJobs finds PROCESSING jobs whose heartbeat has gone silent —
// almost always because the process handling them crashed — and marks them
// ERROR so an operator can re-enqueue them, then runs AutoDequeue. This is
// the crash-recovery path invoked once at process startup.
func (s *Scheduler) RecoverStaleJobs(ctx context.Context, heartbeatTimeout time.Duration) (int, error) {
	log := zap.S().Named("scheduler")

	jobs, err := s.Registry.ListByStatus(ctx, registry.StatusProcessing, "", 0)
	if err != nil {
		return 0, fmt.Errorf("listing PROCESSING jobs: %w", err)
	}

	recovered := 0
	cutoff := time.Now().Add(-heartbeatTimeout)
	for _, job := range jobs {
		stale := job.HeartbeatAt == nil || job.HeartbeatAt.Before(cutoff)
		if !stale {
			continue
		}

		finishedAt := time.Now()
		err := s.Registry.Update(ctx, job.ID, &registry.Job{
			Status:       registry.StatusError,
			FinishedAt:   &finishedAt,
			ErrorMessage: "Recovered after instance restart (stale heartbeat)",
		})
		if err != nil {
			log.Warnw("failed to recover stale job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
		log.Infow("recovered stale job", "job_id", job.ID)
	}
	if err := s.AutoDequeue(ctx); err != nil {
		return recovered, fmt.Errorf("dequeuing after stale-job recovery: %w", err)
	}
	return recovered, nil
}

// Start starts river's internal dispatch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	return s.Client.Start(ctx)
}

// Stop drains river's dispatch loop.
func (s *Scheduler) Stop(ctx context.Context) error {
	return s.Client.Stop(ctx)
}
