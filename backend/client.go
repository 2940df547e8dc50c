// Package backend is the HTTP client for the cloud tag backend. It submits
// location reports and toggles the ringing and searching flags of a tag.
//
// Outbound calls are rate limited, retried with jittered backoff on
// transient failures, and guarded by a circuit breaker so that an
// unreachable backend fails fast instead of stalling every sync.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/dotside-studios/tagsync-agent/buildinfo"
	"github.com/dotside-studios/tagsync-agent/tag"
)

const (
	defaultTimeout         = 15 * time.Second
	defaultRatePerSecond   = 5
	defaultBurst           = 5
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
	defaultBreakerInterval = time.Minute
	defaultMaxAttempts     = 3

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 512

	requestIDHeader = "X-Request-ID"
	otelScope       = "tagsync/backend"
)

var (
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrUnauthorized is returned when the backend rejects the token.
	ErrUnauthorized = errors.New("backend rejected credentials")
)

// StatusError is an unexpected HTTP status from the backend.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: backend returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.Status, e.Body)
}

// Temporary reports whether retrying may succeed.
func (e *StatusError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Config configures a Client. Zero values select defaults.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	RatePerSecond float64
	Burst         int

	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// MaxAttempts is the number of tries per ringing or searching call for
	// transient failures. Location reports are sent once.
	MaxAttempts int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client implements tag.NetworkAPI.
type Client struct {
	base        *url.URL
	token       string
	http        *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker[bool]
	maxAttempts int
	backoff     func(attempt int) time.Duration
	tracer      trace.Tracer
	logger      *slog.Logger
}

var _ tag.NetworkAPI = (*Client)(nil)

// New creates a client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend URL %q: scheme must be http or https", cfg.BaseURL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backend")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(timeout)
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	maxFailures := cfg.BreakerFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = defaultBreakerTimeout
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	breaker := gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
		Name:        "backend:" + base.Host,
		MaxRequests: 1,
		Interval:    defaultBreakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about backend health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Client{
		base:        base,
		token:       cfg.Token,
		http:        httpClient,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
		breaker:     breaker,
		maxAttempts: attempts,
		backoff:     backoffDelay,
		tracer:      otel.Tracer(otelScope),
		logger:      logger,
	}, nil
}

// newHTTPClient returns a client with a pooled transport sized for a
// single backend host.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

type flagRequest struct {
	Ringing   *bool `json:"ringing,omitempty"`
	Searching *bool `json:"searching,omitempty"`
}

// SendLocation posts a location report once. A report the backend refuses
// with a 4xx status returns false without an error. It is never retried: a
// POST that timed out may still have been stored, and the next sync sends a
// fresh report anyway.
func (c *Client) SendLocation(ctx context.Context, deviceID string, report tag.LocationReport) (bool, error) {
	return c.call(ctx, "sendLocation", http.MethodPost, devicePath(deviceID, "locations"), deviceID, report, 1)
}

// SetRinging and SetSearching are idempotent PUTs and are retried on
// transient failures.
func (c *Client) SetRinging(ctx context.Context, deviceID string, ringing bool) (bool, error) {
	return c.call(ctx, "setRinging", http.MethodPut, devicePath(deviceID, "ringing"), deviceID, flagRequest{Ringing: &ringing}, c.maxAttempts)
}

func (c *Client) SetSearching(ctx context.Context, deviceID string, searching bool) (bool, error) {
	return c.call(ctx, "setSearching", http.MethodPut, devicePath(deviceID, "searching"), deviceID, flagRequest{Searching: &searching}, c.maxAttempts)
}

func devicePath(deviceID, resource string) string {
	return "/v1/devices/" + url.PathEscape(deviceID) + "/" + resource
}

func (c *Client) call(ctx context.Context, op, method, path, deviceID string, body any, attempts int) (accepted bool, err error) {
	ctx, span := c.tracer.Start(ctx, "backend."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tag.device_id", deviceID),
			attribute.String("http.request.method", method),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("backend.accepted", accepted))
		span.End()
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("%s: encode body: %w", op, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("%s: rate limit: %w", op, err)
	}

	accepted, err = c.breaker.Execute(func() (bool, error) {
		var ok bool
		err := retry(ctx, attempts, c.backoff, func() error {
			var err error
			ok, err = c.do(ctx, op, method, path, payload)
			return err
		})
		return ok, err
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return false, fmt.Errorf("%s: %w", op, ErrUnavailable)
	case err != nil:
		return false, err
	}
	c.logger.Debug("backend call finished", "op", op, "device", deviceID, "accepted", accepted)
	return accepted, nil
}

// do performs a single attempt. Errors that retrying cannot fix are wrapped
// with permanent.
func (c *Client) do(ctx context.Context, op, method, path string, payload []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, bytes.NewReader(payload))
	if err != nil {
		return false, permanent(fmt.Errorf("%s: build request: %w", op, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	req.Header.Set(requestIDHeader, ulid.Make().String())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, permanent(fmt.Errorf("%s: %w", op, ctx.Err()))
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, permanent(fmt.Errorf("%s: %w (%d)", op, ErrUnauthorized, resp.StatusCode))
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	if statusErr.Temporary() {
		return false, statusErr
	}
	c.logger.Info("backend refused request", "op", op, "status", resp.StatusCode, "body", statusErr.Body)
	return false, nil
}

// ErrNotConfigured is returned by Offline.
var ErrNotConfigured = errors.New("no backend configured")

// Offline is the NetworkAPI used when no backend URL is configured. Every
// call fails with ErrNotConfigured.
type Offline struct{}

var _ tag.NetworkAPI = Offline{}

func (Offline) SendLocation(context.Context, string, tag.LocationReport) (bool, error) {
	return false, ErrNotConfigured
}

func (Offline) SetRinging(context.Context, string, bool) (bool, error) {
	return false, ErrNotConfigured
}

func (Offline) SetSearching(context.Context, string, bool) (bool, error) {
	return false, ErrNotConfigured
}
