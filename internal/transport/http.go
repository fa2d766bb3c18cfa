package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const maxResponseBytes = 4 << 20

// HTTPTransport delivers envelopes as JSON POSTs against agent endpoints,
// the way the original gateway speaks to agent A2A endpoints.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds a transport with sane connection pooling. The
// per-attempt deadline comes from the caller's context, not the client.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (t *HTTPTransport) Deliver(ctx context.Context, endpoint string, env Envelope) (json.RawMessage, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Endpoint: endpoint, Err: fmt.Errorf("%w: %v", ErrRefused, err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &Error{Endpoint: endpoint, Err: classify(err)}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Endpoint: endpoint, Err: classify(err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Endpoint: endpoint, Err: fmt.Errorf("%w: status %d", ErrRefused, resp.StatusCode)}
	}
	return payload, nil
}

// classify maps low-level errors onto the retryable taxonomy. Context
// cancellation passes through untouched so callers can distinguish a
// canceled leg from a timed-out attempt.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrRefused, err)
}
