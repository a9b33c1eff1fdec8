package httpmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syncharbor/syncharbor/internal/syncerr"
)

// Retry parameters: base 1s, factor 2x, max 60s, ±25% jitter, capped at
// maxAttempts sends total (the initial send plus maxAttempts-1 retries).
const (
	maxAttempts    = 6
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// Multiplexer is the single owner of outbound HTTP traffic for one cloud
// adapter. One dedicated goroutine runs its main loop, draining the queue
// in bounded-size batches and fanning each batch out across at most
// maxConcurrency goroutines via errgroup — never a persistent flat worker
// pool, and never a global singleton: concurrency is bounded per adapter
// instance.
type Multiplexer struct {
	httpClient     *http.Client
	logger         *slog.Logger
	maxConcurrency int

	queue chan *RequestHandle

	sleepFunc func(ctx context.Context, d time.Duration) error

	cancel context.CancelFunc
	loopWG sync.WaitGroup

	inFlight   int
	inFlightMu sync.Mutex
}

// New creates a Multiplexer. Call Start to begin draining the queue.
func New(httpClient *http.Client, logger *slog.Logger, maxConcurrency int) *Multiplexer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	return &Multiplexer{
		httpClient:     httpClient,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		queue:          make(chan *RequestHandle, maxConcurrency*4),
		sleepFunc:      timeSleep,
	}
}

// Enqueue queues a request for asynchronous dispatch. Blocks if the queue
// is full; callers on the dispatch thread should treat this as backpressure,
// not an error.
func (m *Multiplexer) Enqueue(ctx context.Context, h *RequestHandle) error {
	select {
	case m.queue <- h:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the single worker loop.
func (m *Multiplexer) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.loopWG.Add(1)
	go m.loop(ctx)
}

// Stop cancels the worker loop and waits for in-flight batches to settle.
func (m *Multiplexer) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.loopWG.Wait()
}

// IsIdle reports whether the multiplexer currently has no queued or
// in-flight requests. Nothing outside this package calls it.
func (m *Multiplexer) IsIdle() bool {
	m.inFlightMu.Lock()
	inFlight := m.inFlight
	m.inFlightMu.Unlock()

	return inFlight == 0 && len(m.queue) == 0
}

// loop is the single dedicated worker thread. Each iteration drains up to
// maxConcurrency queued requests and fans them out concurrently, bounded by
// an errgroup limit, then waits for that batch before pulling the next one.
func (m *Multiplexer) loop(ctx context.Context) {
	defer m.loopWG.Done()

	for {
		batch, ok := m.collectBatch(ctx)
		if !ok {
			return
		}
		if len(batch) == 0 {
			continue
		}

		m.dispatchBatch(ctx, batch)
	}
}

// collectBatch blocks for at least one request, then greedily drains up to
// maxConcurrency-1 more without blocking, so a burst of enqueues is served
// as one bounded-concurrency batch rather than one goroutine per item.
func (m *Multiplexer) collectBatch(ctx context.Context) ([]*RequestHandle, bool) {
	var batch []*RequestHandle

	select {
	case h := <-m.queue:
		batch = append(batch, h)
	case <-ctx.Done():
		return nil, false
	}

	for len(batch) < m.maxConcurrency {
		select {
		case h := <-m.queue:
			batch = append(batch, h)
		default:
			return batch, true
		}
	}

	return batch, true
}

func (m *Multiplexer) dispatchBatch(ctx context.Context, batch []*RequestHandle) {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxConcurrency)

	for _, h := range batch {
		h := h
		g.Go(func() error {
			m.trackInFlight(1)
			defer m.trackInFlight(-1)

			m.sendWithRetry(gCtx, h)

			return nil
		})
	}

	// Errors are surfaced via h.OnDone per-request, never propagated through
	// the group — one request's terminal failure must not cancel its
	// siblings in the same batch.
	_ = g.Wait()
}

func (m *Multiplexer) trackInFlight(delta int) {
	m.inFlightMu.Lock()
	m.inFlight += delta
	m.inFlightMu.Unlock()
}

// sendWithRetry runs the retry loop for a single request, invoking h.OnDone
// exactly once with the terminal outcome.
func (m *Multiplexer) sendWithRetry(ctx context.Context, h *RequestHandle) {
	for {
		req, err := h.newRequest(ctx)
		if err != nil {
			h.invoke(ctx, nil, fmt.Errorf("httpmux: building request: %w", err))
			return
		}

		resp, err := m.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				h.invoke(ctx, nil, fmt.Errorf("httpmux: request canceled: %w", ctx.Err()))
				return
			}

			if h.attempt < maxAttempts-1 {
				if !m.waitBackoff(ctx, h, calcBackoff(h.attempt), "network error", err) {
					return
				}
				continue
			}

			h.invoke(ctx, nil, fmt.Errorf("%w: %s %s failed after %d attempts: %w",
				syncerr.ErrRetryExceeded, h.Method, h.URL, h.attempt+1, err))
			return
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			h.invoke(ctx, resp, nil)
			return
		}

		if syncerr.IsRetryableStatus(resp.StatusCode) && h.attempt < maxAttempts-1 {
			backoff := retryBackoff(resp, h.attempt)
			resp.Body.Close()
			if !m.waitBackoff(ctx, h, backoff, "http status", fmt.Errorf("status %d", resp.StatusCode)) {
				return
			}
			continue
		}

		statusErr := syncerr.ClassifyStatus(resp.StatusCode)
		resp.Body.Close()
		h.invoke(ctx, nil, &syncerr.HTTPError{
			StatusCode: resp.StatusCode,
			Provider:   "httpmux",
			Message:    fmt.Sprintf("%s %s", h.Method, h.URL),
			Err:        statusErr,
		})

		return
	}
}

// waitBackoff sleeps before the next attempt and logs why. A sleep error
// (context canceled mid-wait) terminates the handle: OnDone is invoked and
// waitBackoff returns false, so the caller stops without retrying.
func (m *Multiplexer) waitBackoff(ctx context.Context, h *RequestHandle, backoff time.Duration, reason string, cause error) bool {
	m.logger.Warn("retrying request",
		slog.String("method", h.Method),
		slog.String("url", h.URL),
		slog.Int("attempt", h.attempt+1),
		slog.Duration("backoff", backoff),
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)

	if err := m.sleepFunc(ctx, backoff); err != nil {
		h.invoke(ctx, nil, fmt.Errorf("httpmux: request canceled during backoff: %w", err))
		return false
	}

	h.attempt++

	return true
}

func (h *RequestHandle) invoke(ctx context.Context, resp *http.Response, err error) {
	if h.OnDone != nil {
		h.OnDone(ctx, resp, err)
	}
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// retryBackoff honors a 429 response's Retry-After header over the
// computed backoff.
func retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return calcBackoff(attempt)
}

// timeSleep waits for d or until ctx is done.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var errMuxClosed = errors.New("httpmux: multiplexer closed")

// SyncRequest executes h synchronously, bypassing the queue entirely, and
// blocks until its terminal outcome is known. It still applies the same
// retry/backoff policy as queued requests. Nothing outside this package's
// tests calls it.
func (m *Multiplexer) SyncRequest(ctx context.Context, h *RequestHandle) (*http.Response, error) {
	if m.cancel == nil {
		return nil, errMuxClosed
	}

	done := make(chan struct{})

	var resp *http.Response
	var outErr error

	original := h.OnDone
	h.OnDone = func(ctx context.Context, r *http.Response, err error) {
		resp, outErr = r, err
		close(done)
		if original != nil {
			original(ctx, r, err)
		}
	}

	m.trackInFlight(1)
	go func() {
		defer m.trackInFlight(-1)
		m.sendWithRetry(ctx, h)
	}()

	select {
	case <-done:
		return resp, outErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
