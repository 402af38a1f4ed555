// Package runner implements the Job Runner: the single-job state machine
// that claims a QUEUED row, streams and validates its file through a
// worker pool, and finalizes the row to DONE, ERROR, or CANCELLED.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubev2v/fragproc/internal/config"
	"github.com/kubev2v/fragproc/internal/fragment"
	"github.com/kubev2v/fragproc/internal/registry"
	"github.com/kubev2v/fragproc/internal/source"
	"github.com/kubev2v/fragproc/internal/validator"
	"github.com/kubev2v/fragproc/internal/worker"
)

// ReferenceDataLoader fetches the reference-data snapshot a job's lines are
// validated against. Implementations may hit a database, a config map, or
// (in tests) a canned fixture.
type ReferenceDataLoader interface {
	Load(ctx context.Context, job *registry.Job) (validator.ReferenceData, error)
}

// SourceFactory builds the Source a job's file should be streamed from. In
// production this inspects job.DownloadURL; tests substitute a factory that
// hands back an in-memory reader.
type SourceFactory func(job *registry.Job) (source.Source, error)

// Runner drives a single job at a time through claim, stream, validate, and
// finalize. One Runner is shared across every job a scheduler dispatches to
// this process; it holds no per-job state outside of Run's stack.
type Runner struct {
	Registry   registry.Registry
	RefLoader  ReferenceDataLoader
	NewSource  SourceFactory
	Handles    HandleRegistry
	Config     *config.Config
}

// Run claims jobID if it is still QUEUED, processes its file to completion
// or abort, and writes the terminal row. A false claim (another instance
// already took the job) is not an error: Run returns nil.
func (r *Runner) Run(ctx context.Context, jobID uuid.UUID) error {
	log := zap.S().Named("runner").With("job_id", jobID)

	now := time.Now()
	claimed, err := r.Registry.ConditionalUpdate(ctx, jobID, &registry.Job{
		Status:      registry.StatusProcessing,
		StartedAt:   &now,
		HeartbeatAt: &now,
		ClaimedBy:   r.Config.Ingest.InstanceIndex,
	}, registry.StatusQueued)
	if err != nil {
		return fmt.Errorf("claiming job %s: %w", jobID, err)
	}
	if !claimed {
		log.Infow("job already claimed by another instance, skipping")
		return nil
	}

	job, err := r.Registry.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("re-fetching claimed job %s: %w", jobID, err)
	}

	refData, err := r.RefLoader.Load(ctx, job)
	if err != nil {
		return r.finalize(ctx, job, now, registry.StatusError, fmt.Sprintf("loading reference data: %v", err), nil)
	}

	fieldOffsets, err := r.Config.Ingest.FieldOffsetMap()
	if err != nil {
		return r.finalize(ctx, job, now, registry.StatusError, fmt.Sprintf("parsing field offsets: %v", err), nil)
	}
	valCfg := validator.Config{
		MinColumns:   r.Config.Ingest.MinColumns,
		Delimiter:    ';',
		FieldOffsets: fieldOffsets,
	}

	pool := worker.NewPool(r.Config.Ingest.NumWorkers, valCfg, refData)

	runCtx, abort := context.WithCancel(ctx)
	handle := newHandle(jobID, abort)
	r.Handles.Register(handle)
	defer r.Handles.Unregister(jobID)

	src, err := r.NewSource(job)
	if err != nil {
		pool.Terminate()
		return r.finalize(ctx, job, now, registry.StatusError, fmt.Sprintf("building source: %v", err), nil)
	}

	stream, totalBytes, err := src.Open(runCtx)
	if err != nil {
		pool.Terminate()
		return r.finalize(ctx, job, now, registry.StatusError, fmt.Sprintf("opening source: %v", err), nil)
	}
	if totalBytes > 0 {
		job.TotalBytes = totalBytes
	}

	cnt := &counters{}

	hbStop := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go r.heartbeatLoop(ctx, job, handle, cnt, hbStop, &hbWG)

	metricsStop := make(chan struct{})
	var metricsWG sync.WaitGroup
	metricsWG.Add(1)
	go r.metricsLoop(job, handle, cnt, metricsStop, &metricsWG)

	fragmenter := &fragment.Fragmenter{
		MaxBytes: r.Config.Ingest.FragmentMaxBytes,
		Pool:     pool,
		Cancel:   handle,
	}

	type fragmenterOutcome struct {
		emitted int64
		err     error
	}
	fragDone := make(chan fragmenterOutcome, 1)
	go func() {
		emitted, ferr := fragmenter.Run(runCtx, stream)
		fragDone <- fragmenterOutcome{emitted: emitted, err: ferr}
	}()

	var (
		emitted     int64
		fragmentErr error
		streamDone  bool
	)

	failFast := r.Config.Ingest.FailFastThreshold

	for !streamDone || cnt.snapshot().fragmentsDone < emitted {
		select {
		case res, ok := <-pool.Results():
			if !ok {
				continue
			}
			cnt.add(res)
			if failFast > 0 && cnt.snapshot().errorLines >= failFast {
				handle.requestCancelForCause(causeFailFast, fmt.Sprintf("error count reached fail-fast threshold of %d", failFast))
			}
		case out := <-fragDone:
			emitted = out.emitted
			fragmentErr = out.err
			streamDone = true
		}
	}

	stream.Close()

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := pool.AwaitAllIdle(awaitCtx); err != nil {
		log.Warnw("timed out waiting for workers to drain", "error", err)
	}
	awaitCancel()
	pool.Terminate()

	close(hbStop)
	hbWG.Wait()
	close(metricsStop)
	metricsWG.Wait()

	final := cnt.snapshot()
	job.ProcessedLines = final.processedLines
	job.ProcessedBytes = final.processedBytes
	job.ErrorLines = final.errorLines
	job.FragmentsDone = final.fragmentsDone
	job.NumFragments = emitted

	status, message := r.terminalOutcome(handle, fragmentErr)
	return r.finalize(ctx, job, now, status, message, final.firstError)
}

// terminalOutcome maps whatever cause won the race (or the fragmenter's own
// error) to a terminal status and message. handle carries the cause: both
// the scheduler's immediate Cancel and the heartbeat loop's own poll of
// CancelRequested record it there, so both paths agree on the exact
// terminal message.
func (r *Runner) terminalOutcome(handle *Handle, fragmentErr error) (registry.Status, string) {
	if reason, message := handle.cause(); reason != "" {
		switch reason {
		case causeUserCancel:
			return registry.StatusCancelled, message
		default:
			return registry.StatusError, message
		}
	}
	if fragmentErr != nil && !errors.Is(fragmentErr, context.Canceled) {
		return registry.StatusError, fragmentErr.Error()
	}
	if fragmentErr != nil {
		// Cancelled with no recorded cause: treat as a cancellation rather
		// than surfacing the raw context error.
		return registry.StatusCancelled, "job cancelled"
	}
	return registry.StatusDone, ""
}

// finalize writes the terminal row, retrying once best-effort on failure.
func (r *Runner) finalize(ctx context.Context, job *registry.Job, startedAt time.Time, status registry.Status, message string, firstErr *fragment.FirstError) error {
	finishedAt := time.Now()
	duration := finishedAt.Sub(startedAt)

	patch := &registry.Job{
		Status:           status,
		FinishedAt:       &finishedAt,
		TotalDurationMs:  duration.Milliseconds(),
		ProcessedLines:   job.ProcessedLines,
		ProcessedBytes:   job.ProcessedBytes,
		ErrorLines:       job.ErrorLines,
		TotalLines:       job.ProcessedLines,
		FragmentsDone:    job.FragmentsDone,
		NumFragments:     job.NumFragments,
		TotalBytes:       job.TotalBytes,
		ErrorMessage:     message,
		ValidationPassed: status == registry.StatusDone && job.ErrorLines == 0,
	}
	if duration.Seconds() > 0 {
		patch.LinesPerSecond = float64(job.ProcessedLines) / duration.Seconds()
		patch.BytesPerSecond = float64(job.ProcessedBytes) / duration.Seconds()
	}
	// ErrorMessage is only ever populated for ERROR/CANCELLED jobs; the
	// invalid-line sample fills it in only when the terminal cause left no
	// message of its own. A DONE job may still have an invalid-line sample,
	// but that's not a job error.
	if firstErr != nil && status != registry.StatusDone && patch.ErrorMessage == "" {
		patch.ErrorMessage = firstErr.ErrorMessage
	}

	log := zap.S().Named("runner").With("job_id", job.ID, "status", status)

	err := r.Registry.Update(ctx, job.ID, patch)
	if err != nil {
		log.Warnw("finalizing job failed, retrying once", "error", err)
		err = r.Registry.Update(context.Background(), job.ID, patch)
	}
	if err != nil {
		log.Errorw("finalizing job failed on retry", "error", err)
		return fmt.Errorf("finalizing job %s: %w", job.ID, err)
	}

	log.Infow("job finished",
		"processed_lines", job.ProcessedLines, "error_lines", job.ErrorLines, "duration_ms", patch.TotalDurationMs)
	return nil
}

// heartbeatLoop persists progress and liveness on a fixed interval, and is
// the goroutine that notices a user-requested cancellation.
func (r *Runner) heartbeatLoop(ctx context.Context, job *registry.Job, handle *Handle, cnt *counters, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	interval := time.Duration(r.Config.Ingest.HeartbeatIntervalSec) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current, err := r.Registry.Get(ctx, job.ID)
			if err != nil {
				zap.S().Named("runner").Warnw("heartbeat: re-reading job failed", "job_id", job.ID, "error", err)
				continue
			}
			if current.CancelRequested {
				handle.RequestCancel()
			}

			snap := cnt.snapshot()
			now := time.Now()
			if err := r.Registry.Update(ctx, job.ID, &registry.Job{
				HeartbeatAt:    &now,
				ProcessedLines: snap.processedLines,
				ProcessedBytes: snap.processedBytes,
				ErrorLines:     snap.errorLines,
				FragmentsDone:  snap.fragmentsDone,
			}); err != nil {
				zap.S().Named("runner").Warnw("heartbeat: writing progress failed", "job_id", job.ID, "error", err)
			}
		}
	}
}

// metricsLoop logs throughput and watches process memory against the
// container budget, requesting cancellation as soon as one reading reaches
// the threshold.
func (r *Runner) metricsLoop(job *registry.Job, handle *Handle, cnt *counters, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	interval := time.Duration(r.Config.Ingest.MetricsLogIntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := zap.S().Named("runner").With("job_id", job.ID)
	limitBytes := r.Config.Ingest.ContainerMemoryMB * 1024 * 1024
	thresholdPct := r.Config.Ingest.MemoryThresholdPercent

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			snap := cnt.snapshot()
			log.Infow("progress", "processed_lines", snap.processedLines, "error_lines", snap.errorLines, "fragments_done", snap.fragmentsDone)

			if limitBytes <= 0 || thresholdPct <= 0 {
				continue
			}
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			usedPct := int(mem.Alloc * 100 / uint64(limitBytes))
			if usedPct >= thresholdPct {
				handle.requestCancelForCause(causeMemory, fmt.Sprintf("process memory at %d%% of container budget", usedPct))
			}
		}
	}
}
