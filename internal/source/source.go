// Package source provides the streaming fragment processor's only external
// file-source collaborator: something that can open an incremental byte
// stream for a job's input file. The remote object store, signed URLs, and
// the SharePoint/Graph metadata lookup are treated as contracts, per the
// base specification's scope — this package supplies concrete
// implementations of those contracts grounded in this codebase's own
// downloader family (pkg/iso) so the pipeline is exercisable end to end.
package source

import (
	"context"
	"io"
	"time"
)

// Source opens a readable stream for a job's file plus its reported total
// size (0 if unknown). The fragmenter consumes the returned ReadCloser
// incrementally; Close must always be called by whoever opens it.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, int64, error)
	Type() string
}

// DownloadURLInfo is what the metadata provider hands back for a
// source item: a time-bounded signed URL plus its expiry.
type DownloadURLInfo struct {
	URL       string
	ExpiresAt time.Time
}

// MetadataProvider is the SharePoint/Graph-shaped contract used only by
// the scheduler's AutoDequeue to refresh a download URL for a NEW job
// before enqueuing it.
type MetadataProvider interface {
	GetDownloadURL(ctx context.Context, sourceItemID string) (DownloadURLInfo, error)
}
