// Package httpmux implements the request handle and HTTP multiplexer: a
// single dedicated worker thread that drains a queue of outbound HTTP
// requests with bounded concurrency, exponential backoff, and status-based
// retry classification.
package httpmux

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// CompletionFunc is invoked exactly once per RequestHandle, after either a
// successful response or a terminal (non-retryable, or retry-exhausted)
// failure. It runs on one of the multiplexer's fan-out goroutines, never on
// the caller's goroutine — implementations that touch shared state must
// synchronize (typically by handing off to the callback dispatcher).
//
// resp is non-nil only when err is nil. The callback owns resp.Body and
// must close it.
type CompletionFunc func(ctx context.Context, resp *http.Response, err error)

// RequestHandle is one queued outbound HTTP request together with the
// callback that resumes the owning Command chain once a response — or a
// terminal error — is available. The buffered Body lets the multiplexer
// rewind and resend on retry without involving the caller.
type RequestHandle struct {
	ID     string
	Method string
	URL    string
	Header http.Header
	Body   []byte
	OnDone CompletionFunc

	attempt int
}

// bodyReader returns a fresh, seekable reader over Body for one attempt, or
// nil if the request carries no body.
func (h *RequestHandle) bodyReader() io.ReadSeeker {
	if h.Body == nil {
		return nil
	}
	return bytes.NewReader(h.Body)
}

func (h *RequestHandle) newRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if br := h.bodyReader(); br != nil {
		body = br
	}

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, body)
	if err != nil {
		return nil, err
	}

	for key, vals := range h.Header {
		for _, v := range vals {
			req.Header.Add(key, v)
		}
	}

	return req, nil
}
