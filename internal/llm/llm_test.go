package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

type stubClient struct {
	responses []Response
	errs      []error
	calls     int
}

func (c *stubClient) Transcribe(ctx context.Context, req Request) (Response, error) {
	i := c.calls
	c.calls++
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	var resp Response
	if i < len(c.responses) {
		resp = c.responses[i]
	}
	return resp, err
}

func TestWithRetryRecoversTransient(t *testing.T) {
	base := &stubClient{
		errs:      []error{fmt.Errorf("provider http status 503"), nil},
		responses: []Response{{}, {Text: "ok"}},
	}
	client := WithRetry(base, "primary")

	resp, err := client.Transcribe(context.Background(), Request{Instruction: "x"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("text = %q", resp.Text)
	}
	if base.calls != 2 {
		t.Fatalf("calls = %d, want 2", base.calls)
	}
}

func TestWithRetrySkipsPermanentErrors(t *testing.T) {
	base := &stubClient{errs: []error{fmt.Errorf("provider response missing choices")}}
	client := WithRetry(base, "primary")

	if _, err := client.Transcribe(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on permanent error)", base.calls)
	}
}

func TestWithRetryHonorsCancel(t *testing.T) {
	base := &stubClient{errs: []error{fmt.Errorf("provider http status 502"), nil}}
	client := WithRetry(base, "primary")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Transcribe(ctx, Request{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if base.calls != 1 {
		t.Fatalf("calls = %d, want 1", base.calls)
	}
}

func TestFallbackUsesSecondaryOnce(t *testing.T) {
	primary := &stubClient{errs: []error{fmt.Errorf("provider http status 500")}}
	secondary := &stubClient{responses: []Response{{Text: "secours"}}}
	client := Fallback{Primary: primary, Secondary: secondary}

	resp, err := client.Transcribe(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if resp.Text != "secours" {
		t.Fatalf("text = %q", resp.Text)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", primary.calls, secondary.calls)
	}
}

func TestFallbackWithoutSecondary(t *testing.T) {
	primary := &stubClient{errs: []error{fmt.Errorf("provider http status 500")}}
	client := Fallback{Primary: primary}

	if _, err := client.Transcribe(context.Background(), Request{}); err == nil {
		t.Fatal("expected primary error to surface")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
		{"5xx", fmt.Errorf("provider http status 503"), true},
		{"429", fmt.Errorf("provider http status 429"), true},
		{"rate limit type", fmt.Errorf("provider error: slow down (rate_limit_error)"), true},
		{"connection reset", fmt.Errorf("read tcp: connection reset by peer"), true},
		{"missing choices", fmt.Errorf("provider response missing choices"), false},
		{"bad request", fmt.Errorf("provider http status 400"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
