package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kubev2v/fragproc/internal/registry"
	"github.com/kubev2v/fragproc/internal/scheduler"
)

func TestScheduler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scheduler Suite")
}

// fakeRegistry mirrors the one in internal/runner's tests; kept local and
// unexported to avoid a test-only cross-package dependency.
type fakeRegistry struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]registry.Job
}

func newFakeRegistry(jobs ...registry.Job) *fakeRegistry {
	r := &fakeRegistry{jobs: make(map[uuid.UUID]registry.Job)}
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return r
}

func (f *fakeRegistry) Get(_ context.Context, id uuid.UUID) (*registry.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, registry.ErrRecordNotFound
	}
	return &j, nil
}

func (f *fakeRegistry) ListByStatus(_ context.Context, status registry.Status, _ string, _ int) ([]registry.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []registry.Job
	for _, j := range f.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeRegistry) Update(_ context.Context, id uuid.UUID, patch *registry.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return registry.ErrRecordNotFound
	}
	if patch.Status != "" {
		j.Status = patch.Status
	}
	if patch.FinishedAt != nil {
		j.FinishedAt = patch.FinishedAt
	}
	if patch.ErrorMessage != "" {
		j.ErrorMessage = patch.ErrorMessage
	}
	j.CancelRequested = j.CancelRequested || patch.CancelRequested
	if patch.DownloadURL != "" {
		j.DownloadURL = patch.DownloadURL
	}
	if patch.RiverJobID != nil {
		j.RiverJobID = patch.RiverJobID
	}
	f.jobs[id] = j
	return nil
}

func (f *fakeRegistry) ConditionalUpdate(_ context.Context, id uuid.UUID, patch *registry.Job, expected registry.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != expected {
		return false, nil
	}
	if patch.Status != "" {
		j.Status = patch.Status
	}
	f.jobs[id] = j
	return true, nil
}

func (f *fakeRegistry) Create(_ context.Context, job *registry.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = *job
	return nil
}

func (f *fakeRegistry) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	return nil
}

var _ = Describe("Scheduler", func() {
	Describe("RecoverStaleJobs", func() {
		It("marks a PROCESSING job with a silent heartbeat as ERROR", func() {
			stale := time.Now().Add(-2 * time.Hour)
			jobID := uuid.New()
			reg := newFakeRegistry(registry.Job{ID: jobID, Status: registry.StatusProcessing, HeartbeatAt: &stale})

			s := &scheduler.Scheduler{Registry: reg}
			n, err := s.RecoverStaleJobs(context.Background(), time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			job, _ := reg.Get(context.Background(), jobID)
			Expect(job.Status).To(Equal(registry.StatusError))
			Expect(job.ErrorMessage).To(ContainSubstring("stale heartbeat"))
		})

		It("leaves a job with a recent heartbeat alone", func() {
			recent := time.Now()
			jobID := uuid.New()
			reg := newFakeRegistry(registry.Job{ID: jobID, Status: registry.StatusProcessing, HeartbeatAt: &recent})

			s := &scheduler.Scheduler{Registry: reg}
			n, err := s.RecoverStaleJobs(context.Background(), time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(0))

			job, _ := reg.Get(context.Background(), jobID)
			Expect(job.Status).To(Equal(registry.StatusProcessing))
		})

		It("treats a PROCESSING job with no heartbeat at all as stale", func() {
			jobID := uuid.New()
			reg := newFakeRegistry(registry.Job{ID: jobID, Status: registry.StatusProcessing})

			s := &scheduler.Scheduler{Registry: reg}
			n, err := s.RecoverStaleJobs(context.Background(), time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
		})
	})

	Describe("Cancel", func() {
		It("sets CancelRequested even with no registered in-process handle", func() {
			jobID := uuid.New()
			reg := newFakeRegistry(registry.Job{ID: jobID, Status: registry.StatusProcessing})

			s := &scheduler.Scheduler{Registry: reg}
			Expect(s.Cancel(context.Background(), jobID)).To(Succeed())

			job, _ := reg.Get(context.Background(), jobID)
			Expect(job.CancelRequested).To(BeTrue())
		})
	})
})
