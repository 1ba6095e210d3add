// Package httppost delivers messages as JSON POST requests to a destination
// service. The request path is the message destination under the configured
// base URL.
package httppost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fieldsim/courier-go/contracts"
	"github.com/fieldsim/courier-go/internal/reliability"
)

const (
	headerMessageID = "X-Courier-Message-Id"
	headerPriority  = "X-Courier-Priority"
	headerSchema    = "X-Courier-Schema"
)

// Transport implements messaging.Transport over HTTP POST.
type Transport struct {
	baseURL string
	client  *http.Client

	mu                  sync.Mutex
	consecutiveFailures int
	lastFailure         time.Time

	unhealthyThreshold int
	recheckInterval    time.Duration
}

// Option configures the transport.
type Option func(*Transport)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		t.client = client
	}
}

// WithUnhealthyThreshold sets how many consecutive failures mark the
// transport unavailable.
func WithUnhealthyThreshold(n int) Option {
	return func(t *Transport) {
		t.unhealthyThreshold = n
	}
}

// WithRecheckInterval sets how long an unhealthy transport waits before
// reporting available again for a probe attempt.
func WithRecheckInterval(d time.Duration) Option {
	return func(t *Transport) {
		t.recheckInterval = d
	}
}

// NewTransport creates a transport posting to destinations under baseURL.
func NewTransport(baseURL string, options ...Option) (*Transport, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	t := &Transport{
		baseURL:            strings.TrimRight(baseURL, "/"),
		client:             &http.Client{Timeout: 30 * time.Second},
		unhealthyThreshold: 3,
		recheckInterval:    30 * time.Second,
	}

	for _, opt := range options {
		opt(t)
	}

	return t, nil
}

// Send posts the envelope payload to baseURL/destination. Client-side
// rejections (4xx other than timeout and throttling) are non-retryable; the
// message itself is at fault and retrying cannot help.
func (t *Transport) Send(ctx context.Context, env *contracts.MessageEnvelope) error {
	body, err := json.Marshal(env.Payload)
	if err != nil {
		return reliability.RetryableError{
			Err:       fmt.Errorf("marshal payload: %w", err),
			Retryable: false,
		}
	}

	endpoint := t.baseURL + "/" + strings.TrimLeft(env.Destination, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return reliability.RetryableError{
			Err:       fmt.Errorf("build request: %w", err),
			Retryable: false,
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerMessageID, env.ID)
	req.Header.Set(headerPriority, env.Priority.String())
	if env.SchemaName != "" {
		req.Header.Set(headerSchema, env.SchemaName)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.recordFailure()
		return fmt.Errorf("post to %s: %w", endpoint, err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		t.recordSuccess()
		return nil
	}

	t.recordFailure()
	statusErr := fmt.Errorf("post to %s: unexpected status %d", endpoint, resp.StatusCode)
	if retryableStatus(resp.StatusCode) {
		return statusErr
	}
	return reliability.RetryableError{Err: statusErr, Retryable: false}
}

// IsAvailable reports transport health based on recent outcomes. After the
// recheck interval an unhealthy transport reports available again so the
// next send can probe recovery.
func (t *Transport) IsAvailable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.consecutiveFailures < t.unhealthyThreshold {
		return true
	}
	return time.Since(t.lastFailure) >= t.recheckInterval
}

func (t *Transport) recordSuccess() {
	t.mu.Lock()
	t.consecutiveFailures = 0
	t.mu.Unlock()
}

func (t *Transport) recordFailure() {
	t.mu.Lock()
	t.consecutiveFailures++
	t.lastFailure = time.Now()
	t.mu.Unlock()
}

// retryableStatus reports whether an HTTP status is worth retrying. Server
// errors, throttling and request timeouts are transient; other client errors
// are not.
func retryableStatus(code int) bool {
	if code >= 500 {
		return true
	}
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}
