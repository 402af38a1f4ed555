package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// HTTPSource streams a job's file from a pre-signed GET URL. It follows
// redirects and sends no custom headers, matching the base specification's
// "outbound to the file source" contract. There is deliberately no idle
// read timeout: large files may stall briefly between chunks.
type HTTPSource struct {
	url    string
	client *http.Client
}

func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		url:    url,
		client: &http.Client{}, // no Timeout: streaming reads have no deadline
	}
}

// Open issues the GET and hands back the live response body. The caller
// owns the returned ReadCloser and must Close it; closing it aborts the
// in-flight request, which is how cancellation reaches the HTTP layer.
func (h *HTTPSource) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("GET %s: %w", h.url, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("GET %s: unexpected status %d", h.url, resp.StatusCode)
	}

	totalBytes := int64(0)
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		totalBytes = n
	}

	return resp.Body, totalBytes, nil
}

func (h *HTTPSource) Type() string {
	return "http"
}
