package llm

import (
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"time"
)

const retryBaseDelay = 300 * time.Millisecond

type retryingClient struct {
	base  Client
	label string
}

// WithRetry wraps a client with a single retry on transient failures.
// The label shows up in log lines to tell providers apart.
func WithRetry(base Client, label string) Client {
	if base == nil {
		return nil
	}
	return retryingClient{base: base, label: label}
}

func (r retryingClient) Transcribe(ctx context.Context, req Request) (Response, error) {
	resp, err := r.base.Transcribe(ctx, req)
	if err == nil || !IsTransient(err) {
		return resp, err
	}

	log.Printf("llm retry provider=%s error=%s", r.label, err)
	select {
	case <-time.After(retryBaseDelay):
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	return r.base.Transcribe(ctx, req)
}

// IsTransient reports whether a provider error is worth retrying: network
// timeouts, connection drops, and server-side 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "http status 5") || strings.Contains(msg, "server_error") {
		return true
	}
	if strings.Contains(msg, "rate_limit") || strings.Contains(msg, "http status 429") {
		return true
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "client.timeout") {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "tls handshake timeout") ||
		strings.Contains(msg, "eof") {
		return true
	}

	return false
}
