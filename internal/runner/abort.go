package runner

// Cancellation cause tags. Several goroutines (heartbeat, metrics, the
// result-aggregation loop, and the scheduler via Handle.RequestCancel) can
// all decide to abort a job concurrently; Handle keeps only the first
// reason recorded.
const (
	causeUserCancel = "user_cancel"
	causeMemory     = "memory_pressure"
	causeFailFast   = "fail_fast"
)
