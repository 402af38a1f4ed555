package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/kubev2v/fragproc/internal/fragment"
	"github.com/kubev2v/fragproc/internal/validator"
)

// Pool is a fixed-size set of fragment workers. Acquire/Dispatch is the
// only backpressure mechanism in the pipeline: there is no unbounded queue
// of pending fragments.
type Pool struct {
	workers   []*Worker
	idleCh    chan *Worker
	resultsCh chan fragment.Result
	out       chan fragment.Result
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPool starts numWorkers goroutines, each holding the same read-only
// reference-data snapshot, plus one goroutine relaying worker results to
// the pool's public Results channel.
func NewPool(numWorkers int, cfg validator.Config, ref validator.ReferenceData) *Pool {
	p := &Pool{
		idleCh:    make(chan *Worker, numWorkers),
		resultsCh: make(chan fragment.Result, numWorkers),
		out:       make(chan fragment.Result, numWorkers),
	}
	p.workers = make([]*Worker, numWorkers)
	for i := 0; i < numWorkers; i++ {
		w := newWorker(i, cfg, ref, p.resultsCh, p.idleCh)
		p.workers[i] = w
		p.idleCh <- w
	}

	go func() {
		defer close(p.out)
		for res := range p.resultsCh {
			p.out <- res
			p.wg.Done()
		}
	}()

	return p
}

// ticket wraps a *Worker so it satisfies fragment.Ticket without the
// fragment package importing worker.
type ticket struct {
	w *Worker
}

func (t ticket) Dispatch(frag fragment.Fragment) {
	t.w.Dispatch(frag)
}

// Acquire blocks until a worker is idle. Wakeups among waiters are FIFO by
// virtue of idleCh being a plain buffered channel: Go delivers a channel
// send to whichever blocked receiver has been waiting longest.
func (p *Pool) Acquire(ctx context.Context) (fragment.Ticket, error) {
	select {
	case w := <-p.idleCh:
		p.wg.Add(1)
		return ticket{w: w}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Results exposes the channel every worker's outcome is relayed to. The
// runner drains this concurrently with the fragmenter's Run.
func (p *Pool) Results() <-chan fragment.Result {
	return p.out
}

// AwaitAllIdle blocks until every dispatched fragment has been fully
// processed and its worker returned to the idle set.
func (p *Pool) AwaitAllIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate stops every worker goroutine. Idempotent.
func (p *Pool) Terminate() {
	p.closeOnce.Do(func() {
		for _, w := range p.workers {
			w.stop()
		}
		close(p.resultsCh)
	})
}

func (p *Pool) String() string {
	return fmt.Sprintf("worker.Pool{workers=%d}", len(p.workers))
}
