package runner

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handle is the one cancellation primitive shared between a running job's
// goroutines and the scheduler that owns it: a set-once flag plus the
// context.CancelFunc that aborts the in-flight HTTP stream. Every
// suspension point in the runner re-checks Cancelled. It also records the
// cause of the cancellation, since the scheduler's Cancel — the canonical,
// user-triggered path — reaches only the Handle, never the runner's own
// per-job aggregation loop.
type Handle struct {
	jobID     uuid.UUID
	cancelled atomic.Bool
	abort     context.CancelFunc

	mu      sync.Mutex
	reason  string
	message string
}

func newHandle(jobID uuid.UUID, abort context.CancelFunc) *Handle {
	return &Handle{jobID: jobID, abort: abort}
}

// RequestCancel is the user-cancellation entry point: the scheduler calls
// this directly on Cancel, and the runner's heartbeat loop calls it the
// moment it observes CancelRequested. Both are the same cause, so both
// record the exact terminal message the spec requires. Idempotent across
// every path: only the first caller's reason survives, and the abort signal
// only fires once.
func (h *Handle) RequestCancel() {
	h.requestCancel(causeUserCancel, "Job cancelled by user")
}

// requestCancelForCause lets the runner's own supervising loops (memory
// pressure, fail-fast) record a distinct cause before aborting.
func (h *Handle) requestCancelForCause(reason, message string) {
	h.requestCancel(reason, message)
}

func (h *Handle) requestCancel(reason, message string) {
	h.mu.Lock()
	if h.reason == "" {
		h.reason = reason
		h.message = message
	}
	h.mu.Unlock()
	if h.cancelled.CompareAndSwap(false, true) {
		h.abort()
	}
}

// cause returns the recorded cancellation reason and message, if any.
func (h *Handle) cause() (string, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason, h.message
}

// Cancelled reports whether cancellation has been requested. Satisfies
// fragment.CancelChecker.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

func (h *Handle) JobID() uuid.UUID {
	return h.jobID
}

// HandleRegistry lets the runner register itself with whatever owns the
// process-wide view of active jobs (the scheduler) without importing it —
// avoiding a runner<->scheduler import cycle.
type HandleRegistry interface {
	Register(h *Handle)
	Unregister(jobID uuid.UUID)
}
