package runner

import (
	"sync"

	"github.com/kubev2v/fragproc/internal/fragment"
)

// counters accumulates FragmentResults as they arrive from the pool, in
// whatever order workers finish in. The heartbeat ticker reads a
// consistent snapshot concurrently with the aggregation loop's writes.
type counters struct {
	mu             sync.Mutex
	processedLines int64
	processedBytes int64
	errorLines     int64
	fragmentsDone  int64
	firstError     *fragment.FirstError
}

func (c *counters) add(res fragment.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processedLines += res.ProcessedLines
	c.processedBytes += res.ProcessedBytes
	c.errorLines += res.ErrorCount
	c.fragmentsDone++
	if c.firstError == nil && res.FirstError != nil {
		c.firstError = res.FirstError
	}
}

type snapshot struct {
	processedLines int64
	processedBytes int64
	errorLines     int64
	fragmentsDone  int64
	firstError     *fragment.FirstError
}

func (c *counters) snapshot() snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot{
		processedLines: c.processedLines,
		processedBytes: c.processedBytes,
		errorLines:     c.errorLines,
		fragmentsDone:  c.fragmentsDone,
		firstError:     c.firstError,
	}
}
