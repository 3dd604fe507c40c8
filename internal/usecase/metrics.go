package usecase

import "sync/atomic"

// MetricsSummary represents aggregated verification insights. No per-request
// records are kept.
type MetricsSummary struct {
	TotalRequests    int64   `json:"total_requests"`
	Matched          int64   `json:"matched"`
	Unmatched        int64   `json:"unmatched"`
	ClientErrors     int64   `json:"client_errors"`
	ServerErrors     int64   `json:"server_errors"`
	MatchRate        float64 `json:"match_rate"`
	SkippedTemplates int64   `json:"skipped_templates"`
}

// Counters accumulates verification outcomes.
type Counters struct {
	matched          atomic.Int64
	unmatched        atomic.Int64
	clientErrors     atomic.Int64
	serverErrors     atomic.Int64
	skippedTemplates atomic.Int64
}

// Summary returns a consistent-enough snapshot of the counters.
func (c *Counters) Summary() MetricsSummary {
	s := MetricsSummary{
		Matched:          c.matched.Load(),
		Unmatched:        c.unmatched.Load(),
		ClientErrors:     c.clientErrors.Load(),
		ServerErrors:     c.serverErrors.Load(),
		SkippedTemplates: c.skippedTemplates.Load(),
	}
	s.TotalRequests = s.Matched + s.Unmatched + s.ClientErrors + s.ServerErrors
	if s.TotalRequests > 0 {
		s.MatchRate = float64(s.Matched) / float64(s.TotalRequests)
	}
	return s
}
