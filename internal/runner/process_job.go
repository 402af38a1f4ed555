package runner

import (
	"context"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// ProcessJobArgs is the river job payload: just enough to look the job row
// back up. The row, not the river payload, is the source of truth for
// everything about the job.
type ProcessJobArgs struct {
	JobID uuid.UUID `json:"job_id"`
}

func (ProcessJobArgs) Kind() string { return "process_job" }

func (ProcessJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue: "fragproc",
	}
}

// ProcessJobWorker adapts a Runner to river's Worker interface. River's own
// QueueConfig.MaxWorkers is what actually caps concurrency; this type is a
// thin dispatcher.
type ProcessJobWorker struct {
	river.WorkerDefaults[ProcessJobArgs]
	Runner *Runner
}

func (w *ProcessJobWorker) Work(ctx context.Context, job *river.Job[ProcessJobArgs]) error {
	return w.Runner.Run(ctx, job.Args.JobID)
}
