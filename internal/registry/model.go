// Package registry is the durable Job Registry Gateway: a typed facade
// over a Postgres-backed "jobs" table exposing exactly the operations the
// streaming fragment processor's core needs.
package registry

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is one of the six states a Job can be in. Transitions are
// monotone except {NEW→QUEUED→PROCESSING}, which may loop back only via
// crash recovery (PROCESSING→ERROR, then external re-enqueue).
type Status string

const (
	StatusNew        Status = "NEW"
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusError      Status = "ERROR"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether status is absorbing within a process lifetime.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is the durable row tracking one file's ingestion.
type Job struct {
	ID uuid.UUID `gorm:"primaryKey;column:id;type:VARCHAR(255);"`

	Status Status `gorm:"column:status;not null;index"`

	FileName     string `gorm:"column:file_name"`
	SourceItemID string `gorm:"column:source_item_id"`
	DownloadURL  string `gorm:"column:download_url"`
	TotalBytes   int64  `gorm:"column:total_bytes"`

	ProcessedLines int64 `gorm:"column:processed_lines;not null;default:0"`
	ProcessedBytes int64 `gorm:"column:processed_bytes;not null;default:0"`
	ErrorLines     int64 `gorm:"column:error_lines;not null;default:0"`
	TotalLines     int64 `gorm:"column:total_lines;not null;default:0"`
	NumFragments   int64 `gorm:"column:num_fragments;not null;default:0"`
	FragmentsDone  int64 `gorm:"column:fragments_done;not null;default:0"`

	StartedAt       *time.Time `gorm:"column:started_at"`
	FinishedAt      *time.Time `gorm:"column:finished_at"`
	HeartbeatAt     *time.Time `gorm:"column:heartbeat_at"`
	TotalDurationMs int64      `gorm:"column:total_duration_ms"`

	LinesPerSecond float64 `gorm:"column:lines_per_second"`
	BytesPerSecond float64 `gorm:"column:bytes_per_second"`

	CancelRequested bool   `gorm:"column:cancel_requested;not null;default:false"`
	ClaimedBy       string `gorm:"column:claimed_by"`

	ErrorMessage     string `gorm:"column:error_message"`
	ValidationPassed bool   `gorm:"column:validation_passed;not null;default:false"`

	// RiverJobID correlates this row to the river_job that dispatched it.
	// Nil until the scheduler enqueues the job.
	RiverJobID *int64 `gorm:"column:river_job_id"`

	CreatedAt time.Time  `gorm:"column:created_at;not null;default:now()"`
	UpdatedAt *time.Time `gorm:"column:updated_at"`
}

// TableName pins the GORM table name explicitly, matching this codebase's
// convention of not relying on pluralization inference for domain tables.
func (Job) TableName() string {
	return "jobs"
}

func (j Job) String() string {
	val, _ := json.Marshal(j)
	return string(val)
}
