package stats

import (
	"testing"
	"time"
)

func TestParserMetricsNilWithNoMatchingLines(t *testing.T) {
	p := NewParser()
	p.Feed("hello world, nothing to see here")
	if p.Metrics() != nil {
		t.Error("Metrics() should be nil when no recognized field was ever fed")
	}
}

func TestParserFeedUsageEstimate(t *testing.T) {
	p := NewParser()
	p.Feed("Total usage est: 3.5 Premium requests")
	m := p.Metrics()
	if m == nil {
		t.Fatal("Metrics() = nil, want non-nil after feeding a matching line")
	}
	if m.PremiumRequests != 3.5 {
		t.Errorf("PremiumRequests = %v, want 3.5", m.PremiumRequests)
	}
}

func TestParserFeedStripsBracketPrefix(t *testing.T) {
	p := NewParser()
	p.Feed("[12:46:20 PM] [INFO] [copilot] Total usage est: 1 Premium requests")
	if m := p.Metrics(); m == nil || m.PremiumRequests != 1 {
		t.Errorf("Metrics() = %+v, want PremiumRequests 1 after stripping bracket prefixes", m)
	}
}

func TestParserFeedAPIAndSessionTime(t *testing.T) {
	p := NewParser()
	p.Feed("API time spent: 1m2s")
	p.Feed("Total session time: 2m30s")
	m := p.Metrics()
	if m.APITime != time.Minute+2*time.Second {
		t.Errorf("APITime = %v, want 1m2s", m.APITime)
	}
	if m.SessionTime != 2*time.Minute+30*time.Second {
		t.Errorf("SessionTime = %v, want 2m30s", m.SessionTime)
	}
}

func TestParserFeedCodeChanges(t *testing.T) {
	p := NewParser()
	p.Feed("Total code changes: +120 -45")
	m := p.Metrics()
	if m.LinesAdded != 120 || m.LinesRemoved != 45 {
		t.Errorf("LinesAdded/LinesRemoved = %d/%d, want 120/45", m.LinesAdded, m.LinesRemoved)
	}
}

func TestParserFeedModelBreakdownTable(t *testing.T) {
	p := NewParser()
	p.Feed("Breakdown by AI model:")
	p.Feed("gpt-5            12.3k in, 4.5k out, 1.2k cached (Est. 2.1 Premium requests)")
	p.Feed("some other line that ends the table")
	m := p.Metrics()
	if m == nil || len(m.ModelBreakdown) != 1 {
		t.Fatalf("ModelBreakdown = %+v, want exactly one row", m)
	}
	row := m.ModelBreakdown[0]
	if row.ModelID != "gpt-5" {
		t.Errorf("ModelID = %q, want %q", row.ModelID, "gpt-5")
	}
	if row.TokensIn != 12300 || row.TokensOut != 4500 || row.TokensCached != 1200 {
		t.Errorf("token fields = %d/%d/%d, want 12300/4500/1200", row.TokensIn, row.TokensOut, row.TokensCached)
	}
	if row.PremiumRequests != 2.1 {
		t.Errorf("PremiumRequests = %v, want 2.1", row.PremiumRequests)
	}
}

func TestParseCountSuffixes(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"12.3k", 12300},
		{"1m", 1_000_000},
		{"500", 500},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseCount(tt.in); got != tt.want {
			t.Errorf("parseCount(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseDurationCombinations(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"1h2m3s", time.Hour + 2*time.Minute + 3*time.Second},
		{"45s", 45 * time.Second},
		{"2m", 2 * time.Minute},
		{"not a duration", 0},
	}
	for _, tt := range tests {
		if got := parseDuration(tt.in); got != tt.want {
			t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
