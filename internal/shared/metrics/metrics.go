package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	jobsClaimedTotal     atomic.Uint64
	jobsCompletedTotal   atomic.Uint64
	jobsReleasedTotal    atomic.Uint64
	jobsFailedTotal      atomic.Uint64
	jobsRecoveredTotal   atomic.Uint64
	claimRacesLostTotal  atomic.Uint64
	budgetDenialsTotal   atomic.Uint64
	providerCallsTotal   atomic.Uint64
	providerErrorsTotal  atomic.Uint64
	continuationsTotal   atomic.Uint64
	secondaryFallbackTot atomic.Uint64

	jobDuration = newHistogram([]float64{1000, 5000, 15000, 30000, 60000, 120000, 300000, 600000})
)

// IncJobsClaimed increments the claimed counter.
func IncJobsClaimed() { jobsClaimedTotal.Add(1) }

// IncJobsCompleted increments the completed counter.
func IncJobsCompleted() { jobsCompletedTotal.Add(1) }

// IncJobsReleased increments the released (returned to waiting) counter.
func IncJobsReleased() { jobsReleasedTotal.Add(1) }

// IncJobsFailed increments the fatal-failure counter.
func IncJobsFailed() { jobsFailedTotal.Add(1) }

// IncJobsRecovered increments the abandoned-claim recovery counter.
func IncJobsRecovered(n int) {
	if n > 0 {
		jobsRecoveredTotal.Add(uint64(n))
	}
}

// IncClaimRaceLost increments the lost-claim-race counter.
func IncClaimRaceLost() { claimRacesLostTotal.Add(1) }

// IncBudgetDenied increments the rate-budget denial counter.
func IncBudgetDenied() { budgetDenialsTotal.Add(1) }

// IncProviderCall increments the provider-call counter.
func IncProviderCall() { providerCallsTotal.Add(1) }

// IncProviderError increments the provider-error counter.
func IncProviderError() { providerErrorsTotal.Add(1) }

// IncContinuation increments the truncation-continuation counter.
func IncContinuation() { continuationsTotal.Add(1) }

// IncSecondaryFallback increments the secondary-provider fallback counter.
func IncSecondaryFallback() { secondaryFallbackTot.Add(1) }

// ObserveJobDurationMs records a job processing duration in milliseconds.
func ObserveJobDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	jobDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "jobs_claimed_total", "Total jobs claimed", jobsClaimedTotal.Load())
	writeCounter(&buf, "jobs_completed_total", "Total jobs completed", jobsCompletedTotal.Load())
	writeCounter(&buf, "jobs_released_total", "Total jobs released back to waiting", jobsReleasedTotal.Load())
	writeCounter(&buf, "jobs_failed_total", "Total jobs failed fatally", jobsFailedTotal.Load())
	writeCounter(&buf, "jobs_recovered_total", "Total abandoned claims recovered", jobsRecoveredTotal.Load())
	writeCounter(&buf, "claim_races_lost_total", "Total claim races lost to another worker", claimRacesLostTotal.Load())
	writeCounter(&buf, "budget_denials_total", "Total rate budget denials", budgetDenialsTotal.Load())
	writeCounter(&buf, "provider_calls_total", "Total AI provider calls", providerCallsTotal.Load())
	writeCounter(&buf, "provider_errors_total", "Total AI provider errors", providerErrorsTotal.Load())
	writeCounter(&buf, "continuations_total", "Total truncation continuation calls", continuationsTotal.Load())
	writeCounter(&buf, "secondary_fallback_total", "Total secondary provider fallbacks", secondaryFallbackTot.Load())
	writeHistogram(&buf, "job_duration_ms", "Job processing duration in milliseconds", jobDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// NowMillis returns current time in milliseconds, useful for callers without time utilities.
func NowMillis() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Millisecond)
}
