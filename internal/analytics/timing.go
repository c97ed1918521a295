// Package analytics implements the time-saved pipeline: timing analysis,
// privacy-safe summarization, estimation, persistence, and the cached
// dashboard queries over the results.
package analytics

import (
	"sort"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("openwebui/analytics")

// DefaultIdleThreshold separates active engagement from idle gaps between
// messages.
const DefaultIdleThreshold = 10 * time.Minute

// TimingMetrics describes how long a human was engaged with a conversation.
type TimingMetrics struct {
	FirstMessageAt time.Time
	LastMessageAt  time.Time
	TotalMinutes   float64
	ActiveMinutes  float64
	IdleMinutes    float64
}

// AnalyzeTiming derives active/idle/total durations from message
// timestamps. Fewer than two valid timestamps yield all-zero metrics: a
// single message carries no duration information. Gaps longer than
// idleThreshold count as idle; everything else sums into active time.
// Timestamps are sorted first, so out-of-order source data is harmless.
func AnalyzeTiming(timestamps []time.Time, idleThreshold time.Duration) TimingMetrics {
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}

	valid := make([]time.Time, 0, len(timestamps))
	for _, ts := range timestamps {
		if !ts.IsZero() {
			valid = append(valid, ts)
		}
	}
	if len(valid) < 2 {
		return TimingMetrics{}
	}

	sort.Slice(valid, func(i, j int) bool { return valid[i].Before(valid[j]) })

	first := valid[0]
	last := valid[len(valid)-1]
	total := last.Sub(first)

	var active time.Duration
	for i := 1; i < len(valid); i++ {
		gap := valid[i].Sub(valid[i-1])
		if gap <= idleThreshold {
			active += gap
		}
	}

	return TimingMetrics{
		FirstMessageAt: first,
		LastMessageAt:  last,
		TotalMinutes:   total.Minutes(),
		ActiveMinutes:  active.Minutes(),
		IdleMinutes:    (total - active).Minutes(),
	}
}

// TimeSaved is the savings calculation: manual estimate minus active
// engagement, floored at zero so a fast manual task never yields negative
// savings.
func TimeSaved(mostLikelyMinutes, activeMinutes float64) float64 {
	saved := mostLikelyMinutes - activeMinutes
	if saved < 0 {
		return 0
	}
	return saved
}
