// Package fragment cuts an incoming byte stream into line-aligned slabs and
// carries the results fragment workers produce from them.
package fragment

import "github.com/kubev2v/fragproc/internal/validator"

// Fragment is a contiguous, line-aligned slice of the input stream. Once
// dispatched to a worker, the fragmenter retains no reference to ByteSlab;
// ownership transfers on dispatch and the worker releases it implicitly by
// posting a Result.
type Fragment struct {
	SequenceNumber   int64
	ByteSlab         []byte
	StartLineNumber  int64
}

// LineCount returns the number of lines represented by the slab: the
// number of '\n' separators plus one, since the fragmenter never emits an
// empty slab. A trailing '\n' (left on the final fragment when the stream
// ends with a newline) terminates the last line and does not start another.
func (f Fragment) LineCount() int64 {
	count := int64(1)
	for _, b := range f.ByteSlab {
		if b == '\n' {
			count++
		}
	}
	if n := len(f.ByteSlab); n > 0 && f.ByteSlab[n-1] == '\n' {
		count--
	}
	return count
}

// FirstError is the sample captured from the first invalid line a worker
// encounters. Which worker's sample wins across a job is unspecified.
type FirstError struct {
	LineNumber   int64
	ErrorType    validator.ErrorType
	ErrorMessage string
	FieldName    string
	FieldValue   string
	RawLine      string
}

const maxRawLineLength = 500

// TruncateRawLine bounds a captured line sample to the storage limit.
func TruncateRawLine(line string) string {
	if len(line) <= maxRawLineLength {
		return line
	}
	return line[:maxRawLineLength]
}

// Result is produced once per fragment by the worker that processed it. The
// runner owns aggregation across all Results for a job.
type Result struct {
	SequenceNumber int64
	WorkerID       int
	ProcessedLines int64
	ProcessedBytes int64
	ErrorCount     int64
	FirstError     *FirstError
	MemAllocBytes  uint64
}
