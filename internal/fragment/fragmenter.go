package fragment

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Ticket is a worker slot the fragmenter has acquired; dispatching a
// fragment to it never blocks, since only one fragment is ever in flight
// per ticket.
type Ticket interface {
	Dispatch(frag Fragment)
}

// Acquirer hands the fragmenter an idle worker. It is satisfied by
// *worker.Pool without this package importing worker, keeping the
// dependency direction leaf-ward: worker depends on fragment, not the
// reverse.
type Acquirer interface {
	Acquire(ctx context.Context) (Ticket, error)
}

// CancelChecker lets the fragmenter cooperatively abort mid-stream, checked
// before acquiring a worker for the next fragment.
type CancelChecker interface {
	Cancelled() bool
}

// Fragmenter reads chunks from a stream, slices them at newline boundaries
// once MaxBytes is crossed, and dispatches each slab to an acquired worker.
// It owns the rolling buffer exclusively; once a slab is dispatched the
// fragmenter holds no reference to it. Dispatch never blocks on the
// fragment's completion — Acquire is the only backpressure point — so
// fragments are validated concurrently by up to NumWorkers workers while
// the fragmenter keeps reading ahead.
type Fragmenter struct {
	MaxBytes int64
	Pool     Acquirer
	Cancel   CancelChecker

	buf           bytes.Buffer
	nextSeq       int64
	nextStartLine int64
}

// Run drains src to EOF, dispatching fragments as it goes, and returns the
// total number of fragments emitted. The caller is responsible for reading
// worker results as they arrive (from the pool's shared results channel)
// and for calling AwaitAllIdle once every emitted fragment has reported
// back.
func (f *Fragmenter) Run(ctx context.Context, src io.Reader) (emitted int64, err error) {
	f.nextSeq = 1
	f.nextStartLine = 1

	chunk := make([]byte, 1<<20) // 1 MiB read chunks
	for {
		if err := f.checkCancelled(ctx); err != nil {
			return f.nextSeq - 1, err
		}

		n, readErr := src.Read(chunk)
		if n > 0 {
			f.buf.Write(chunk[:n])
			if err := f.drain(ctx); err != nil {
				return f.nextSeq - 1, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return f.nextSeq - 1, fmt.Errorf("reading stream: %w", readErr)
		}
	}

	if f.buf.Len() > 0 {
		tail := make([]byte, f.buf.Len())
		copy(tail, f.buf.Bytes())
		f.buf.Reset()
		if err := f.emit(ctx, tail); err != nil {
			return f.nextSeq - 1, err
		}
	}

	return f.nextSeq - 1, nil
}

// drain dispatches every full fragment currently sitting in the rolling
// buffer. The cut always lands at the last newline currently in the
// buffer, so a fragment's size tracks how much has actually accumulated
// since the previous cut rather than snapping exactly to MaxBytes.
func (f *Fragmenter) drain(ctx context.Context) error {
	for int64(f.buf.Len()) >= f.MaxBytes {
		data := f.buf.Bytes()
		cut := lastNewline(data)
		if cut < 0 {
			// No newline yet even past the threshold: a single line
			// exceeds MaxBytes. Wait for more data.
			return nil
		}

		slab := make([]byte, cut)
		copy(slab, data[:cut])

		remainder := make([]byte, len(data)-cut-1)
		copy(remainder, data[cut+1:])
		f.buf.Reset()
		f.buf.Write(remainder)

		if err := f.emit(ctx, slab); err != nil {
			return err
		}
	}
	return nil
}

// emit acquires a worker — the sole backpressure mechanism — and hands off
// the slab. It does not wait for the fragment to finish processing.
func (f *Fragmenter) emit(ctx context.Context, slab []byte) error {
	if err := f.checkCancelled(ctx); err != nil {
		return err
	}

	frag := Fragment{
		SequenceNumber:  f.nextSeq,
		ByteSlab:        slab,
		StartLineNumber: f.nextStartLine,
	}
	lineCount := frag.LineCount()

	zap.S().Named("fragmenter").Debugw("dispatching fragment",
		"sequence", frag.SequenceNumber, "bytes", len(slab), "start_line", frag.StartLineNumber)

	ticket, err := f.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring worker for fragment %d: %w", frag.SequenceNumber, err)
	}
	ticket.Dispatch(frag)

	f.nextSeq++
	f.nextStartLine += lineCount
	return nil
}

func (f *Fragmenter) checkCancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if f.Cancel != nil && f.Cancel.Cancelled() {
		return context.Canceled
	}
	return nil
}

func lastNewline(b []byte) int {
	return bytes.LastIndexByte(b, '\n')
}
