// Package onyx is the client for the record API.
//
// Every stage that talks to the record service goes through this client. It
// applies a single retry and error-classification discipline: connection
// errors and 5xx responses are retried three times with three seconds between
// attempts and then alert, 403 is a permissions alert, and 400/422 carry
// field-level validation messages that are recorded on the payload rather
// than treated as failures of the pipeline itself.
package onyx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/climb-tre/conduit/internal/config"
)

// Sentinel errors for record-API operations.
var (
	// ErrDomainEmpty is returned when no record-API domain has been configured.
	ErrDomainEmpty = errors.New("record API domain cannot be empty")

	// ErrTokenEmpty is returned when no record-API token has been configured.
	ErrTokenEmpty = errors.New("record API token cannot be empty")

	// ErrUnavailable is returned when the record API cannot be reached after
	// the full retry budget.
	ErrUnavailable = errors.New("record API unavailable after retries")

	// ErrPermissionDenied is returned on a 403 response.
	ErrPermissionDenied = errors.New("record API permission denied")

	// ErrServerError is returned on a persistent 5xx response.
	ErrServerError = errors.New("record API server error")

	// ErrNotFound is returned when an identify or lookup finds no record.
	ErrNotFound = errors.New("record not found")

	// ErrUnexpectedStatus is returned for status codes outside the known set.
	ErrUnexpectedStatus = errors.New("record API returned unexpected status")
)

const (
	maxAttempts   = 3
	retryInterval = 3 * time.Second

	defaultRequestTimeout = 60 * time.Second
	defaultRequestsPerSec = 5
)

// Config holds record-API connection configuration.
type Config struct {
	Domain         string
	token          string
	RequestTimeout time.Duration
	RequestsPerSec int
}

// LoadConfig loads record-API configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Domain:         config.GetEnvStr("ONYX_DOMAIN", ""),
		token:          config.GetEnvStr("ONYX_TOKEN", ""),
		RequestTimeout: config.GetEnvDuration("ONYX_REQUEST_TIMEOUT", defaultRequestTimeout),
		RequestsPerSec: config.GetEnvInt("ONYX_REQUESTS_PER_SEC", defaultRequestsPerSec),
	}
}

// Validate checks if the record-API configuration is valid.
func (c *Config) Validate() error {
	if c.Domain == "" {
		return ErrDomainEmpty
	}

	if c.token == "" {
		return ErrTokenEmpty
	}

	return nil
}

type (
	// Client talks to the record API. It is explicitly constructed and
	// injected into the stages that need it; there is no package-level
	// ambient client.
	Client struct {
		domain        string
		token         string
		http          *http.Client
		limiter       *rate.Limiter
		retryInterval time.Duration
	}

	// CreateResult is the outcome of a create call, test or real.
	CreateResult struct {
		// OK reports whether the record was accepted (201).
		OK bool

		// Alert reports whether a human operator should be paged: server
		// errors, permission failures, exhaustion of the retry budget.
		Alert bool

		// StatusCode is the final HTTP status, or 0 when no response arrived.
		StatusCode int

		// ClimbID is the created record's identifier on success.
		ClimbID string

		// FieldErrors holds per-field validation messages from a 400/422.
		FieldErrors map[string][]string

		// ClientErrors holds non-field messages (connection failures,
		// unexpected statuses) suitable for the payload's error list.
		ClientErrors []string
	}

	// Record is one record returned by a filter query.
	Record struct {
		ClimbID     string `json:"climb_id"`
		SampleID    string `json:"sample_id"`
		RunID       string `json:"run_id"`
		IsPublished bool   `json:"is_published"`
	}
)

// New creates a record-API client from configuration. The HTTP client may be
// overridden for tests via WithHTTPClient.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		domain:        strings.TrimRight(cfg.Domain, "/"),
		token:         cfg.token,
		http:          &http.Client{Timeout: cfg.RequestTimeout},
		limiter:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestsPerSec),
		retryInterval: retryInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRetryInterval overrides the spacing between retry attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) {
		c.retryInterval = d
	}
}

// do issues one request with the common retry discipline: connection errors
// and 5xx responses are retried up to maxAttempts with retryInterval between
// attempts. The response body is returned fully read.
func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var encoded []byte

	if body != nil {
		var err error

		encoded, err = json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, c.domain+path, bytes.NewReader(encoded))
		if err != nil {
			return 0, nil, fmt.Errorf("failed to build request: %w", err)
		}

		req.Header.Set("Authorization", "Token "+c.token)

		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err

			if !sleepCtx(ctx, c.retryInterval) {
				return 0, nil, ctx.Err()
			}

			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if err != nil {
			lastErr = err

			if !sleepCtx(ctx, c.retryInterval) {
				return 0, nil, ctx.Err()
			}

			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("%w: %d", ErrServerError, resp.StatusCode)

			if attempt < maxAttempts && !sleepCtx(ctx, c.retryInterval) {
				return 0, nil, ctx.Err()
			}

			if attempt == maxAttempts {
				return resp.StatusCode, respBody, lastErr
			}

			continue
		}

		return resp.StatusCode, respBody, nil
	}

	return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// dataEnvelope is the record API's standard response wrapper.
type dataEnvelope struct {
	Data     json.RawMessage     `json:"data"`
	Messages map[string][]string `json:"messages"`
}

// CSVCreate submits field values for a new record. With test set, the record
// service validates without creating; otherwise a suppressed record is
// created and its climb_id returned. The caller decides, via CreateResult,
// whether the outcome is a user error, an operator alert, or success.
func (c *Client) CSVCreate(ctx context.Context, project string, fields map[string]string, test bool) CreateResult {
	path := fmt.Sprintf("/projects/%s/", url.PathEscape(project))
	if test {
		path += "?test=true"
	}

	status, body, err := c.do(ctx, http.MethodPost, path, fields)
	if err != nil && status == 0 {
		return CreateResult{
			Alert:        true,
			ClientErrors: []string{fmt.Sprintf("record API connection failed: %v", err)},
		}
	}

	result := CreateResult{StatusCode: status}

	var envelope dataEnvelope
	_ = json.Unmarshal(body, &envelope)

	switch {
	case status == http.StatusCreated:
		result.OK = true

		var created struct {
			ClimbID string `json:"climb_id"`
		}
		_ = json.Unmarshal(envelope.Data, &created)
		result.ClimbID = created.ClimbID

	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		result.FieldErrors = envelope.Messages

	case status == http.StatusForbidden:
		result.Alert = true
		result.ClientErrors = []string{"record API permission denied"}

	case status >= 500:
		result.Alert = true
		result.ClientErrors = []string{fmt.Sprintf("record API server error: %d", status)}

	default:
		result.Alert = true
		result.ClientErrors = []string{fmt.Sprintf("record API returned unexpected status: %d", status)}
	}

	return result
}

// Identify looks a record up by a sample or run identifier. Returns
// ErrNotFound when no record carries the value.
func (c *Client) Identify(ctx context.Context, project, field, value string) (string, error) {
	path := fmt.Sprintf("/projects/%s/identify/%s/", url.PathEscape(project), url.PathEscape(field))

	status, body, err := c.do(ctx, http.MethodPost, path, map[string]string{"value": value})
	if err != nil {
		return "", err
	}

	switch status {
	case http.StatusOK:
		var envelope dataEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return "", fmt.Errorf("failed to decode identify response: %w", err)
		}

		var identified struct {
			ClimbID string `json:"climb_id"`
		}
		if err := json.Unmarshal(envelope.Data, &identified); err != nil {
			return "", fmt.Errorf("failed to decode identify response: %w", err)
		}

		return identified.ClimbID, nil

	case http.StatusNotFound:
		return "", ErrNotFound

	case http.StatusForbidden:
		return "", ErrPermissionDenied

	default:
		return "", fmt.Errorf("%w: %d", ErrUnexpectedStatus, status)
	}
}

// Filter returns the records matching the given field values, suppressed
// records included. Used for the published-record check before dispatching a
// re-upload and for recognising already committed work.
func (c *Client) Filter(ctx context.Context, project string, fields map[string]string) ([]Record, error) {
	query := url.Values{}
	for field, value := range fields {
		query.Set(field, value)
	}

	path := fmt.Sprintf("/projects/%s/?%s", url.PathEscape(project), query.Encode())

	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		var envelope struct {
			Data []Record `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("failed to decode filter response: %w", err)
		}

		return envelope.Data, nil

	case http.StatusForbidden:
		return nil, ErrPermissionDenied

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, status)
	}
}

// Update writes field values onto an existing record.
func (c *Client) Update(ctx context.Context, project, climbID string, fields map[string]any) error {
	path := fmt.Sprintf("/projects/%s/%s/", url.PathEscape(project), url.PathEscape(climbID))

	status, _, err := c.do(ctx, http.MethodPatch, path, fields)
	if err != nil {
		return err
	}

	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusForbidden:
		return ErrPermissionDenied
	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, status)
	}
}

// Unsuppress flips a suppressed record to published. Only called after every
// downstream publication for the record has succeeded.
func (c *Client) Unsuppress(ctx context.Context, project, climbID string) error {
	return c.Update(ctx, project, climbID, map[string]any{"is_published": true})
}
