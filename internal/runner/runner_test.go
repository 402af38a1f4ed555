package runner_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kubev2v/fragproc/internal/config"
	"github.com/kubev2v/fragproc/internal/registry"
	"github.com/kubev2v/fragproc/internal/runner"
	"github.com/kubev2v/fragproc/internal/source"
	"github.com/kubev2v/fragproc/internal/validator"
)

func TestRunner(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Runner Suite")
}

// fakeRegistry is a minimal in-memory Registry good enough to exercise the
// claim/heartbeat/finalize flow without a real database.
type fakeRegistry struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]registry.Job
}

func newFakeRegistry(job registry.Job) *fakeRegistry {
	return &fakeRegistry{jobs: map[uuid.UUID]registry.Job{job.ID: job}}
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

func (f *fakeRegistry) ListByStatus(context.Context, registry.Status, string, int) ([]registry.Job, error) {
	return nil, nil
}

func applyPatch(j *registry.Job, patch *registry.Job) {
	if patch.Status != "" {
		j.Status = patch.Status
	}
	if patch.StartedAt != nil {
		j.StartedAt = patch.StartedAt
	}
	if patch.FinishedAt != nil {
		j.FinishedAt = patch.FinishedAt
	}
	if patch.HeartbeatAt != nil {
		j.HeartbeatAt = patch.HeartbeatAt
	}
	if patch.ClaimedBy != "" {
		j.ClaimedBy = patch.ClaimedBy
	}
	if patch.ProcessedLines != 0 {
		j.ProcessedLines = patch.ProcessedLines
	}
	if patch.ProcessedBytes != 0 {
		j.ProcessedBytes = patch.ProcessedBytes
	}
	if patch.ErrorLines != 0 {
		j.ErrorLines = patch.ErrorLines
	}
	if patch.FragmentsDone != 0 {
		j.FragmentsDone = patch.FragmentsDone
	}
	if patch.NumFragments != 0 {
		j.NumFragments = patch.NumFragments
	}
	if patch.TotalDurationMs != 0 {
		j.TotalDurationMs = patch.TotalDurationMs
	}
	if patch.ErrorMessage != "" {
		j.ErrorMessage = patch.ErrorMessage
	}
	if patch.ValidationPassed {
		j.ValidationPassed = patch.ValidationPassed
	}
}

func (f *fakeRegistry) Update(_ context.Context, id uuid.UUID, patch *registry.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return registry.ErrRecordNotFound
	}
	applyPatch(&j, patch)
	f.jobs[id] = j
	return nil
}

func (f *fakeRegistry) ConditionalUpdate(_ context.Context, id uuid.UUID, patch *registry.Job, expected registry.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return false, registry.ErrRecordNotFound
	}
	if j.Status != expected {
		return false, nil
	}
	applyPatch(&j, patch)
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

func (f *fakeRegistry) snapshot(id uuid.UUID) registry.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

type staticRefLoader struct {
	data validator.ReferenceData
	err  error
}

func (s staticRefLoader) Load(context.Context, *registry.Job) (validator.ReferenceData, error) {
	return s.data, s.err
}

// stringSource hands its body back in small increments rather than one
// slurp, so the fragmenter's threshold-crossing logic actually has to
// accumulate across multiple reads the way it would against a real
// network stream.
type stringSource struct {
	body string
}

func (s stringSource) Open(context.Context) (io.ReadCloser, int64, error) {
	return io.NopCloser(&chunkedReader{data: []byte(s.body), step: 16}), int64(len(s.body)), nil
}
func (s stringSource) Type() string { return "test" }

type chunkedReader struct {
	data []byte
	step int
	pos  int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := r.step
	if n > len(p) {
		n = len(p)
	}
	if r.pos+n > len(r.data) {
		n = len(r.data) - r.pos
	}
	copy(p, r.data[r.pos:r.pos+n])
	r.pos += n
	return n, nil
}

type noopHandles struct{}

func (noopHandles) Register(*runner.Handle) {}
func (noopHandles) Unregister(uuid.UUID)    {}

// cancelOnRegisterHandles simulates the scheduler's canonical Cancel path:
// it fires RequestCancel the moment the runner registers its handle, well
// before the (deliberately quiet, HeartbeatIntervalSec: 3600) heartbeat
// loop would ever notice CancelRequested on its own.
type cancelOnRegisterHandles struct{}

func (cancelOnRegisterHandles) Register(h *runner.Handle) { go h.RequestCancel() }
func (cancelOnRegisterHandles) Unregister(uuid.UUID)      {}

func testConfig() *config.Config {
	return &config.Config{
		Ingest: config.IngestConfig{
			MaxConcurrentJobs:      1,
			NumWorkers:             2,
			FragmentMaxBytes:       64,
			HeartbeatIntervalSec:   3600,
			MetricsLogIntervalSec:  3600,
			FailFastThreshold:      0,
			MemoryThresholdPercent: 0,
			ContainerMemoryMB:      0,
			InstanceIndex:          "test-instance",
			MinColumns:             3,
			FieldOffsets:           "",
		},
	}
}

var _ = Describe("Runner", func() {
	var jobID uuid.UUID

	BeforeEach(func() {
		jobID = uuid.New()
	})

	It("processes a well-formed file end to end and marks the job DONE", func() {
		body := "a;b;c\nd;e;f\ng;h;i\n"
		reg := newFakeRegistry(registry.Job{ID: jobID, Status: registry.StatusQueued})

		r := &runner.Runner{
			Registry:  reg,
			RefLoader: staticRefLoader{data: validator.ReferenceData{}},
			NewSource: func(*registry.Job) (source.Source, error) { return stringSource{body: body}, nil },
			Handles:   noopHandles{},
			Config:    testConfig(),
		}

		Expect(r.Run(context.Background(), jobID)).To(Succeed())

		job := reg.snapshot(jobID)
		Expect(job.Status).To(Equal(registry.StatusDone))
		Expect(job.ProcessedLines).To(Equal(int64(3)))
		Expect(job.ErrorLines).To(Equal(int64(0)))
		Expect(job.ValidationPassed).To(BeTrue())
	})

	It("counts invalid lines but still finishes DONE with ValidationPassed false", func() {
		body := "a;b\nc;d;e\n"
		reg := newFakeRegistry(registry.Job{ID: jobID, Status: registry.StatusQueued})

		r := &runner.Runner{
			Registry:  reg,
			RefLoader: staticRefLoader{data: validator.ReferenceData{}},
			NewSource: func(*registry.Job) (source.Source, error) { return stringSource{body: body}, nil },
			Handles:   noopHandles{},
			Config:    testConfig(),
		}

		Expect(r.Run(context.Background(), jobID)).To(Succeed())

		job := reg.snapshot(jobID)
		Expect(job.Status).To(Equal(registry.StatusDone))
		Expect(job.ErrorLines).To(Equal(int64(1)))
		Expect(job.ValidationPassed).To(BeFalse())
	})

	It("skips a job that is no longer QUEUED", func() {
		reg := newFakeRegistry(registry.Job{ID: jobID, Status: registry.StatusProcessing})

		r := &runner.Runner{
			Registry:  reg,
			RefLoader: staticRefLoader{data: validator.ReferenceData{}},
			NewSource: func(*registry.Job) (source.Source, error) { return stringSource{body: "a;b;c\n"}, nil },
			Handles:   noopHandles{},
			Config:    testConfig(),
		}

		Expect(r.Run(context.Background(), jobID)).To(Succeed())

		job := reg.snapshot(jobID)
		Expect(job.Status).To(Equal(registry.StatusProcessing))
	})

	It("finalizes ERROR when the reference data loader fails", func() {
		reg := newFakeRegistry(registry.Job{ID: jobID, Status: registry.StatusQueued})

		r := &runner.Runner{
			Registry:  reg,
			RefLoader: staticRefLoader{err: errors.New("reference service unavailable")},
			NewSource: func(*registry.Job) (source.Source, error) { return stringSource{body: "a;b;c\n"}, nil },
			Handles:   noopHandles{},
			Config:    testConfig(),
		}

		Expect(r.Run(context.Background(), jobID)).To(Succeed())

		job := reg.snapshot(jobID)
		Expect(job.Status).To(Equal(registry.StatusError))
		Expect(job.ErrorMessage).To(ContainSubstring("reference service unavailable"))
	})

	It("cuts multi-fragment input at line boundaries without losing lines", func() {
		var lines []string
		for i := 0; i < 200; i++ {
			lines = append(lines, "aaaa;bbbb;cccc")
		}
		body := strings.Join(lines, "\n") + "\n"
		reg := newFakeRegistry(registry.Job{ID: jobID, Status: registry.StatusQueued})

		r := &runner.Runner{
			Registry:  reg,
			RefLoader: staticRefLoader{data: validator.ReferenceData{}},
			NewSource: func(*registry.Job) (source.Source, error) { return stringSource{body: body}, nil },
			Handles:   noopHandles{},
			Config:    testConfig(),
		}

		Expect(r.Run(context.Background(), jobID)).To(Succeed())

		job := reg.snapshot(jobID)
		Expect(job.Status).To(Equal(registry.StatusDone))
		Expect(job.ProcessedLines).To(Equal(int64(200)))
		Expect(job.NumFragments).To(BeNumerically(">", 1))
	})

	It("respects a fail-fast threshold and marks the job ERROR", func() {
		var lines []string
		for i := 0; i < 20; i++ {
			lines = append(lines, "a;b") // too few columns for MinColumns=3
		}
		body := strings.Join(lines, "\n") + "\n"
		reg := newFakeRegistry(registry.Job{ID: jobID, Status: registry.StatusQueued})

		cfg := testConfig()
		cfg.Ingest.FailFastThreshold = 5

		r := &runner.Runner{
			Registry:  reg,
			RefLoader: staticRefLoader{data: validator.ReferenceData{}},
			NewSource: func(*registry.Job) (source.Source, error) { return stringSource{body: body}, nil },
			Handles:   noopHandles{},
			Config:    cfg,
		}

		Expect(r.Run(context.Background(), jobID)).To(Succeed())

		job := reg.snapshot(jobID)
		Expect(job.Status).To(Equal(registry.StatusError))
		Expect(job.ErrorMessage).To(ContainSubstring("fail-fast"))
	})

	It("marks the job CANCELLED with the exact user-cancel message on the scheduler's cancel path", func() {
		var lines []string
		for i := 0; i < 500; i++ {
			lines = append(lines, "aaaa;bbbb;cccc")
		}
		body := strings.Join(lines, "\n") + "\n"
		reg := newFakeRegistry(registry.Job{ID: jobID, Status: registry.StatusQueued})

		r := &runner.Runner{
			Registry:  reg,
			RefLoader: staticRefLoader{data: validator.ReferenceData{}},
			NewSource: func(*registry.Job) (source.Source, error) { return stringSource{body: body}, nil },
			Handles:   cancelOnRegisterHandles{},
			Config:    testConfig(),
		}

		Expect(r.Run(context.Background(), jobID)).To(Succeed())

		job := reg.snapshot(jobID)
		Expect(job.Status).To(Equal(registry.StatusCancelled))
		Expect(job.ErrorMessage).To(Equal("Job cancelled by user"))
	})

	It("does not hang when Run is given a context with a short deadline on an empty file", func() {
		reg := newFakeRegistry(registry.Job{ID: jobID, Status: registry.StatusQueued})

		r := &runner.Runner{
			Registry:  reg,
			RefLoader: staticRefLoader{data: validator.ReferenceData{}},
			NewSource: func(*registry.Job) (source.Source, error) { return stringSource{body: ""}, nil },
			Handles:   noopHandles{},
			Config:    testConfig(),
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		Expect(r.Run(ctx, jobID)).To(Succeed())
		job := reg.snapshot(jobID)
		Expect(job.Status).To(Equal(registry.StatusDone))
		Expect(job.ProcessedLines).To(Equal(int64(0)))
	})
})
