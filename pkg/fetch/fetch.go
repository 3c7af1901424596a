package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	// ErrInvalidLocator indicates a malformed or unsupported source locator.
	ErrInvalidLocator = errors.New("invalid locator")
	// ErrExhausted indicates every configured attempt failed.
	ErrExhausted = errors.New("fetch attempts exhausted")
)

// Policy bounds the retry behaviour of a Fetcher: a fixed number of
// attempts with a fixed delay between them.
type Policy struct {
	Attempts       int
	Delay          time.Duration
	AttemptTimeout time.Duration
}

// DefaultPolicy mirrors the retry budget used by the CI provisioning jobs.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:       5,
		Delay:          10 * time.Second,
		AttemptTimeout: 5 * time.Minute,
	}
}

// Result describes a completed download.
type Result struct {
	Path     string
	Size     int64
	SHA256   string
	Attempts int
}

// Fetcher downloads artifacts over HTTP with a bounded retry policy.
type Fetcher struct {
	policy Policy
	client *http.Client
}

// New creates a Fetcher. The underlying HTTP transport is instrumented so
// spans propagate to downstream mirrors when tracing is configured.
func New(policy Policy) *Fetcher {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Fetcher{
		policy: policy,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Fetch downloads locator into a temporary file inside dir. The caller owns
// the returned file and is responsible for removing it. Transport failures
// and 5xx responses are retried per the policy; 4xx responses fail
// immediately. The Result is non-nil even on failure so callers can
// account for consumed attempts.
func (f *Fetcher) Fetch(ctx context.Context, locator, dir string) (*Result, error) {
	if err := ValidateLocator(locator); err != nil {
		return &Result{}, err
	}

	tmp, err := os.CreateTemp(dir, "fetch-*.partial")
	if err != nil {
		return &Result{}, fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	result := &Result{Path: tmpPath}

	var terminal bool
	var lastErr error
	backoff := retry.WithMaxRetries(uint64(f.policy.Attempts-1), retry.NewConstant(f.policy.Delay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		result.Attempts++
		size, sum, attemptErr := f.attempt(ctx, locator, tmpPath)
		if attemptErr != nil {
			lastErr = attemptErr
			if isTerminal(attemptErr) {
				terminal = true
				return attemptErr
			}
			return retry.RetryableError(attemptErr)
		}
		result.Size = size
		result.SHA256 = sum
		return nil
	})
	if err != nil {
		os.Remove(tmpPath)
		result.Path = ""
		// a cancelled or expired run is not retry exhaustion
		if terminal || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return result, fmt.Errorf("fetch %s: %w", locator, err)
		}
		return result, fmt.Errorf("fetch %s: %w after %d attempts: %v", locator, ErrExhausted, result.Attempts, lastErr)
	}
	return result, nil
}

func (f *Fetcher) attempt(ctx context.Context, locator, dest string) (int64, string, error) {
	if f.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.policy.AttemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return 0, "", fmt.Errorf("create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, "", &statusError{code: resp.StatusCode}
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("open staging file: %w", err)
	}
	defer out.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hash), resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("read body: %w", err)
	}
	return size, hex.EncodeToString(hash.Sum(nil)), nil
}

// ValidateLocator checks that locator is an absolute http or https URL.
func ValidateLocator(locator string) error {
	parsed, err := url.Parse(locator)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidLocator, locator, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: %q: unsupported scheme %q", ErrInvalidLocator, locator, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: %q: missing host", ErrInvalidLocator, locator)
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func isTerminal(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 400 && se.code < 500
	}
	return false
}
