// Package worker implements the fixed-size fragment worker pool: each
// worker runs on its own goroutine, validates the lines of one fragment at
// a time, and reports a single Result before returning to the idle set.
package worker

import (
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/kubev2v/fragproc/internal/fragment"
	"github.com/kubev2v/fragproc/internal/validator"
)

// Worker owns no mutable state beyond the read-only reference data it was
// constructed with; jobCh carries at most one in-flight fragment at a time.
type Worker struct {
	id        int
	cfg       validator.Config
	refData   validator.ReferenceData
	jobCh     chan fragment.Fragment
	resultsCh chan<- fragment.Result
	idleCh    chan<- *Worker
	done      chan struct{}
}

func newWorker(id int, cfg validator.Config, ref validator.ReferenceData, resultsCh chan<- fragment.Result, idleCh chan<- *Worker) *Worker {
	w := &Worker{
		id:        id,
		cfg:       cfg,
		refData:   ref,
		jobCh:     make(chan fragment.Fragment, 1),
		resultsCh: resultsCh,
		idleCh:    idleCh,
		done:      make(chan struct{}),
	}
	go w.loop()
	return w
}

// Dispatch hands a fragment to the worker. Ownership of frag.ByteSlab
// transfers here; the caller must not touch it again.
func (w *Worker) Dispatch(frag fragment.Fragment) {
	w.jobCh <- frag
}

func (w *Worker) stop() {
	close(w.jobCh)
	<-w.done
}

func (w *Worker) loop() {
	defer close(w.done)
	for frag := range w.jobCh {
		res := w.process(frag)
		w.resultsCh <- res
		w.idleCh <- w
	}
}

// process scans a fragment's lines and never lets a panic escape: a broken
// validator or a malformed slab counts the whole fragment as errored rather
// than taking down the pool.
func (w *Worker) process(frag fragment.Fragment) (res fragment.Result) {
	res.SequenceNumber = frag.SequenceNumber
	res.WorkerID = w.id

	defer func() {
		if r := recover(); r != nil {
			zap.S().Named("worker").Errorw("fragment worker recovered from panic",
				"worker_id", w.id, "sequence", frag.SequenceNumber, "panic", r)
			res.ErrorCount = frag.LineCount()
			if res.FirstError == nil {
				res.FirstError = &fragment.FirstError{
					LineNumber:   frag.StartLineNumber,
					ErrorType:    "worker_crash",
					ErrorMessage: "fragment worker panicked while scanning",
				}
			}
		}
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		res.MemAllocBytes = mem.Alloc
	}()

	lineNumber := frag.StartLineNumber
	for _, line := range strings.Split(string(frag.ByteSlab), "\n") {
		if strings.TrimSpace(line) == "" {
			lineNumber++
			continue
		}

		res.ProcessedLines++
		res.ProcessedBytes += int64(len(line)) + 1

		if verr := validator.Validate(line, w.cfg, w.refData); verr != nil {
			res.ErrorCount++
			if res.FirstError == nil {
				res.FirstError = &fragment.FirstError{
					LineNumber:   lineNumber,
					ErrorType:    verr.Type,
					ErrorMessage: verr.Message,
					FieldName:    verr.Field,
					FieldValue:   verr.Value,
					RawLine:      fragment.TruncateRawLine(line),
				}
			}
		}
		lineNumber++
	}

	return res
}
