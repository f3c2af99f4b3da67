package metrics

import (
	"math"
	"sort"
	"time"

	"tunnelprobe/internal/model"
)

// Summary is a basic statistics snapshot of inspection attempts.
type Summary struct {
	Count        int
	From         time.Time
	To           time.Time
	ByOutcome    map[string]int
	AvgLatencyMs float64
	P95LatencyMs float64
	MaxLatencyMs float64
}

// Summarize computes summary metrics for attempts, optionally restricted to
// one target (all targets when target is empty).
func Summarize(items []model.Attempt, target string) Summary {
	filtered := ForTarget(items, target)

	if len(filtered) == 0 {
		return Summary{Count: 0, ByOutcome: map[string]int{}}
	}

	values := make([]float64, 0, len(filtered))
	byOutcome := make(map[string]int)
	var sum float64
	maxLatency := 0.0
	from := filtered[0].Timestamp
	to := filtered[0].Timestamp

	for _, a := range filtered {
		values = append(values, a.LatencyMs)
		byOutcome[a.Outcome]++
		sum += a.LatencyMs
		if a.LatencyMs > maxLatency {
			maxLatency = a.LatencyMs
		}
		if a.Timestamp.Before(from) {
			from = a.Timestamp
		}
		if a.Timestamp.After(to) {
			to = a.Timestamp
		}
	}

	sort.Float64s(values)

	return Summary{
		Count:        len(filtered),
		From:         from,
		To:           to,
		ByOutcome:    byOutcome,
		AvgLatencyMs: sum / float64(len(filtered)),
		P95LatencyMs: percentile(values, 0.95),
		MaxLatencyMs: maxLatency,
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}

// ForTarget returns the attempts made for target, or all of them when
// target is empty.
func ForTarget(items []model.Attempt, target string) []model.Attempt {
	if target == "" {
		return items
	}
	out := make([]model.Attempt, 0, len(items))
	for _, a := range items {
		if a.Target == target {
			out = append(out, a)
		}
	}
	return out
}
