package llm

import (
	"context"

	"registre-backend/internal/shared/metrics"
	"registre-backend/internal/shared/telemetry"
)

// Fallback tries the primary provider and, on any error, retries once
// against the secondary with the same request. With no secondary
// configured it behaves like the primary alone.
type Fallback struct {
	Primary   Client
	Secondary Client
}

// Transcribe runs the request through primary then secondary.
func (f Fallback) Transcribe(ctx context.Context, req Request) (Response, error) {
	resp, err := f.Primary.Transcribe(ctx, req)
	if err == nil || f.Secondary == nil {
		return resp, err
	}
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	metrics.IncSecondaryFallback()
	telemetry.Warn("llm.secondary_fallback", map[string]any{
		"error": err.Error(),
	})
	return f.Secondary.Transcribe(ctx, req)
}

var _ Client = Fallback{}
