package fetch

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/config"
)

// maxBodyBytes caps how much of a remote payload is read. Permit feeds and
// news pages fit comfortably; anything larger is a misconfigured source.
const maxBodyBytes = 16 << 20

// Doer abstracts the HTTP transport so tests substitute a deterministic
// stub.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// result is one completed HTTP exchange.
type result struct {
	status       int
	body         []byte
	contentType  string
	lastModified string
	cookies      []*http.Cookie
}

// doWithRetry executes the request produced by build, retrying transient
// failures with exponential backoff and jitter, honoring Retry-After, and
// failing fast on permanent classes. build is invoked per attempt so POST
// bodies are replayable.
func doWithRetry(ctx context.Context, doer Doer, cfg config.FetchConfig, sourceID string, build func(ctx context.Context) (*http.Request, error)) (*result, *Error) {
	var lastErr *Error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res, ferr := doOnce(ctx, doer, cfg, sourceID, build)
		if ferr == nil {
			return res, nil
		}
		ferr.Attempts = attempt
		lastErr = ferr
		if !ferr.Transient() || attempt == cfg.MaxAttempts {
			return nil, ferr
		}
		if err := sleepBackoff(ctx, cfg, attempt, ferr.RetryAfter); err != nil {
			lastErr.Err = errors.Join(lastErr.Err, err)
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func doOnce(ctx context.Context, doer Doer, cfg config.FetchConfig, sourceID string, build func(ctx context.Context) (*http.Request, error)) (*result, *Error) {
	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout.Std())
	defer cancel()

	req, err := build(reqCtx)
	if err != nil {
		return nil, &Error{Kind: KindParse, SourceID: sourceID, Err: err}
	}
	if cfg.UserAgent != "" {
		req.Header.Set("User-Agent", cfg.UserAgent)
	}

	resp, err := doer.Do(req)
	if err != nil {
		return nil, classifyTransport(sourceID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransport(sourceID, err)
	}

	if ferr := classifyStatus(sourceID, resp); ferr != nil {
		return nil, ferr
	}
	return &result{
		status:       resp.StatusCode,
		body:         body,
		contentType:  resp.Header.Get("Content-Type"),
		lastModified: resp.Header.Get("Last-Modified"),
		cookies:      resp.Cookies(),
	}, nil
}

func classifyTransport(sourceID string, err error) *Error {
	kind := KindNetwork
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, SourceID: sourceID, Err: err}
}

func classifyStatus(sourceID string, resp *http.Response) *Error {
	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &Error{Kind: KindNotModified, SourceID: sourceID, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindThrottled,
			SourceID:   sourceID,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Error{Kind: KindAuth, SourceID: sourceID, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return &Error{Kind: KindServer, SourceID: sourceID, StatusCode: resp.StatusCode}
	}
	return nil
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func sleepBackoff(ctx context.Context, cfg config.FetchConfig, attempt int, retryAfter time.Duration) error {
	delay := retryAfter
	if delay <= 0 {
		delay = cfg.BackoffBase.Std() << (attempt - 1)
		if max := cfg.BackoffMax.Std(); delay > max {
			delay = max
		}
		// Up to 25% jitter keeps retries from synchronizing across sources.
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
