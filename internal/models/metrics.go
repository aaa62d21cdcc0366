package models

import "time"

// ModelBreakdown holds token usage attributed to a single model id, parsed
// from a coding agent's usage summary (see internal/stats).
type ModelBreakdown struct {
	ModelID          string
	TokensIn         int64
	TokensOut        int64
	TokensCached     int64
	PremiumRequests  float64
}

// UsageMetrics aggregates the fields internal/stats can extract from a
// coding agent's textual usage summary. Any field left at its zero value
// was never observed in the stream.
type UsageMetrics struct {
	PremiumRequests float64
	APITime         time.Duration
	SessionTime     time.Duration
	LinesAdded      int
	LinesRemoved    int
	ModelBreakdown  []ModelBreakdown
	DurationMs      int64 // always 0 here; filled in by the owning caller
}

// HasData reports whether any field was ever populated by the parser.
func (m *UsageMetrics) HasData() bool {
	if m == nil {
		return false
	}
	return m.PremiumRequests != 0 || m.APITime != 0 || m.SessionTime != 0 ||
		m.LinesAdded != 0 || m.LinesRemoved != 0 || len(m.ModelBreakdown) != 0
}

// WorkSummary is the per-attempt / per-plan aggregate of committed work.
type WorkSummary struct {
	TotalCommits int
	LinesAdded   int
	LinesRemoved int
	FilesChanged int
}

// Add accumulates another summary's counters into this one.
func (w *WorkSummary) Add(other WorkSummary) {
	w.TotalCommits += other.TotalCommits
	w.LinesAdded += other.LinesAdded
	w.LinesRemoved += other.LinesRemoved
	w.FilesChanged += other.FilesChanged
}
