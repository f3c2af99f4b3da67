package model

import "time"

// Attempt outcomes that are not inspection failure kinds.
const (
	OutcomeOK        = "ok"
	OutcomeCancelled = "cancelled"
)

// Attempt records a single inspection request made by a probe run.
type Attempt struct {
	Timestamp  time.Time
	Target     string
	Host       string
	URL        string
	Outcome    string // ok|unreachable|unavailable|malformed|oversized|cancelled
	StatusCode int
	LatencyMs  float64
	Tunnels    int
}

// Discovery is the outcome of one probe run as seen by an observer.
type Discovery struct {
	Target   string
	URL      string
	Resolved bool

	// Candidates are all public URLs of the resolving scan.
	Candidates []string
}
