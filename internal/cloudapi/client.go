package cloudapi

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/syncharbor/syncharbor/internal/syncerr"
)

// Backoff schedule: base 1s, factor 2x, max 60s, ±25% jitter, max 5 retries.
// The synchronous RestClient below and the async httpmux.Multiplexer
// deliberately share these constants' values so a request retried through
// either path behaves the same to the caller.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// RestClient is a provider-agnostic authenticated JSON REST client shared
// by the synchronous half of every Adapter (enumeration, delta polling,
// path creation) — the half driven directly by the sync manager rather
// than queued through httpmux.Multiplexer. Upload/download/mutate
// requests that a Command schedules go through the multiplexer instead,
// since those need to interleave with everything else Command chains do.
type RestClient struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	provider   string

	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewRestClient builds a RestClient against baseURL (e.g. Microsoft
// Graph's "https://graph.microsoft.com/v1.0" or Dropbox's API root),
// authenticating every request with token.
func NewRestClient(provider, baseURL string, httpClient *http.Client, token TokenSource) *RestClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &RestClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		provider:   provider,
		sleepFunc:  timeSleep,
	}
}

// BaseURL returns the client's configured API root, so callers can strip it
// from a provider-returned absolute pagination link before re-feeding the
// link back into Do, which expects a path relative to that root.
func (c *RestClient) BaseURL() string { return c.baseURL }

// AuthHeader returns a ready-to-use "Bearer <token>" value. httpmux.
// RequestHandle is built once and then owned by the multiplexer, which has
// no notion of a TokenSource, so callers that hand work off to the
// multiplexer (rather than calling Do directly) fetch the header value up
// front and attach it to the handle themselves.
func (c *RestClient) AuthHeader(ctx context.Context) (string, error) {
	tok, err := c.token.Token()
	if err != nil {
		return "", fmt.Errorf("cloudapi: obtaining token: %w", err)
	}

	return "Bearer " + tok, nil
}

// Do executes an authenticated request against path, retrying transient
// failures with exponential backoff. The caller must close the response
// body on success.
func (c *RestClient) Do(ctx context.Context, method, path string, body io.Reader, extraHeaders http.Header) (*http.Response, error) {
	url := c.baseURL + path

	var attempt int
	for {
		if err := rewindBody(body); err != nil {
			return nil, err
		}

		resp, err := c.doOnce(ctx, method, url, body, extraHeaders)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("cloudapi: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				if sleepErr := c.sleepFunc(ctx, c.calcBackoff(attempt)); sleepErr != nil {
					return nil, fmt.Errorf("cloudapi: request canceled: %w", sleepErr)
				}
				attempt++
				continue
			}

			return nil, fmt.Errorf("%w: %s %s failed after %d retries: %w", syncerr.ErrRetryExceeded, method, path, maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if syncerr.IsRetryableStatus(resp.StatusCode) && attempt < maxRetries {
			if sleepErr := c.sleepFunc(ctx, c.retryBackoff(resp, attempt)); sleepErr != nil {
				return nil, fmt.Errorf("cloudapi: request canceled: %w", sleepErr)
			}
			attempt++
			continue
		}

		statusErr := syncerr.ClassifyStatus(resp.StatusCode)
		if syncerr.IsRetryableStatus(resp.StatusCode) {
			statusErr = fmt.Errorf("%w: %w", syncerr.ErrRetryExceeded, statusErr)
		}

		return nil, &syncerr.HTTPError{
			StatusCode: resp.StatusCode,
			Provider:   c.provider,
			Message:    fmt.Sprintf("%s %s: %s", method, path, string(errBody)),
			Err:        statusErr,
		}
	}
}

func (c *RestClient) doOnce(ctx context.Context, method, url string, body io.Reader, extraHeaders http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for key, vals := range extraHeaders {
		for _, v := range vals {
			req.Header.Add(key, v)
		}
	}

	return c.httpClient.Do(req)
}

func (c *RestClient) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

func (c *RestClient) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

func rewindBody(body io.Reader) error {
	if body == nil {
		return nil
	}

	if seeker, ok := body.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("cloudapi: rewinding request body for retry: %w", err)
		}
	}

	return nil
}

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
