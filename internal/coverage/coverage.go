// Package coverage uploads coverage reports to the coverage service.
package coverage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/calebmorton/ci-runner-service/internal/observability"
)

// Uploader sends coverage reports upstream. Implementations retry transient
// failures; a returned error means the upload definitively failed.
type Uploader interface {
	Upload(ctx context.Context, up Upload) error
	Validate(ctx context.Context) error
}

// Upload is one coverage submission: the commit it covers plus the report
// files to attach.
type Upload struct {
	Repo   string
	SHA    string
	Branch string
	Flags  string
	Files  []string
}

var (
	ErrInvalidToken    = errors.New("invalid coverage token")
	ErrReportNotFound  = errors.New("coverage report not found")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
)

// Client uploads coverage reports over HTTP with retries and a circuit
// breaker in front of the upstream.
type Client struct {
	token          string
	apiURL         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *gobreaker.CircuitBreaker
}

// BreakerConfig controls the circuit breaker guarding the upstream.
// FailureThreshold consecutive failures open the circuit; after Timeout it
// half-opens and closes again once SuccessThreshold probes succeed.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

func defaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// NewClient builds a Client with default retry and breaker settings.
func NewClient(token, apiURL string, timeout time.Duration) (*Client, error) {
	return NewClientWithRetry(token, apiURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

// NewClientWithRetry builds a Client with explicit retry settings and the
// default breaker.
func NewClientWithRetry(token, apiURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*Client, error) {
	return NewClientWithBreaker(token, apiURL, timeout, retryAttempts, retryBaseDelay, retryMaxDelay, defaultBreakerConfig())
}

// NewClientWithBreaker builds a Client with explicit retry and breaker
// settings. With bc.Enabled false the upstream is called directly.
func NewClientWithBreaker(token, apiURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration, bc BreakerConfig) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidToken)
	}

	c := &Client{
		token:          token,
		apiURL:         apiURL,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}
	if bc.Enabled {
		def := defaultBreakerConfig()
		if bc.FailureThreshold <= 0 {
			bc.FailureThreshold = def.FailureThreshold
		}
		if bc.SuccessThreshold <= 0 {
			bc.SuccessThreshold = def.SuccessThreshold
		}
		if bc.Timeout <= 0 {
			bc.Timeout = def.Timeout
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "coverage",
			MaxRequests: uint32(bc.SuccessThreshold),
			Timeout:     bc.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(bc.FailureThreshold)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				observability.RecordCircuitBreakerTransition(name, from.String(), to.String())
				observability.SetCircuitBreakerStateGauge(name, breakerStateValue(to))
			},
		})
	}
	return c, nil
}

func breakerStateValue(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// Upload sends the report files for a commit. Transient upstream failures
// are retried with exponential backoff and jitter; an open circuit breaker
// fails fast without touching the upstream.
func (c *Client) Upload(ctx context.Context, up Upload) error {
	if len(up.Files) == 0 {
		return fmt.Errorf("%w: no files to upload", ErrReportNotFound)
	}

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.CoverageUploadRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.callGuarded(ctx, up)
		if err == nil {
			return nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("exhausted retries: %w", lastErr)
}

// callGuarded routes the API call through the circuit breaker when one is
// configured.
func (c *Client) callGuarded(ctx context.Context, up Upload) error {
	if c.breaker == nil {
		return c.callAPI(ctx, up)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.callAPI(ctx, up)
	})
	return err
}

func (c *Client) callAPI(ctx context.Context, up Upload) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, up)
	if err != nil {
		observability.CoverageUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.CoverageUploadsTotal.WithLabelValues("error").Inc()
		observability.CoverageUploadDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("request timeout: %w", err)
		}
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.CoverageUploadsTotal.WithLabelValues(status).Inc()
	observability.CoverageUploadDuration.WithLabelValues(status).Observe(duration)

	return c.handleErrorResponse(resp)
}

func (c *Client) buildRequest(ctx context.Context, up Upload) (*http.Request, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	fields := map[string]string{
		"repo":   up.Repo,
		"commit": up.SHA,
		"branch": up.Branch,
		"flags":  up.Flags,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := form.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}

	for _, path := range up.Files {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrReportNotFound, path)
		}
		part, err := form.CreateFormFile("report", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("attach report %s: %w", path, err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "token "+c.token)
	return req, nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: upload rejected", ErrInvalidToken)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

func (c *Client) isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") || strings.Contains(errStr, "connection refused") {
		return true
	}

	return false
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// Validate checks the token against the upstream without sending a report.
// Used at startup and as the recovery probe.
func (c *Client) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL, nil)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: token is invalid or expired", ErrInvalidToken)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}

	return nil
}
