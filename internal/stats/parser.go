// Package stats parses a coding agent's line-oriented usage summary into
// structured metrics (spec.md section 4.8).
package stats

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/harrison/conductor/internal/models"
)

var (
	bracketPrefix          = regexp.MustCompile(`^(\[[^\]]*\]\s*)+`)
	usageEstimateRe        = regexp.MustCompile(`Total usage est:\s*([\d.]+)\s*Premium requests`)
	apiTimeRe              = regexp.MustCompile(`API time spent:\s*(.+)`)
	sessionTimeRe          = regexp.MustCompile(`Total session time:\s*(.+)`)
	codeChangesRe          = regexp.MustCompile(`Total code changes:\s*\+(\d+)\s*-(\d+)`)
	modelBreakdownHeaderRe = regexp.MustCompile(`^Breakdown by AI model:\s*$`)
	modelRowRe             = regexp.MustCompile(`^(\S.*?)\s{2,}([\d.]+[km]?)\s*in,\s*([\d.]+[km]?)\s*out(?:,\s*([\d.]+[km]?)\s*cached)?\s*(?:\(Est\.\s*([\d.]+)\s*Premium requests\))?\s*$`)
	durationRe             = regexp.MustCompile(`([\d.]+)(h|m|s)`)
)

// Parser feeds lines of a usage-summary stream into a running UsageMetrics.
type Parser struct {
	metrics    models.UsageMetrics
	anySet     bool
	inModelTbl bool
}

// NewParser returns an empty Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed processes one line of output, stripping any leading bracket-prefix
// groups (e.g. "[12:46:20 PM] [INFO] [copilot]") before matching.
func (p *Parser) Feed(line string) {
	line = bracketPrefix.ReplaceAllString(line, "")
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	if p.inModelTbl {
		if m := modelRowRe.FindStringSubmatch(line); m != nil {
			p.metrics.ModelBreakdown = append(p.metrics.ModelBreakdown, models.ModelBreakdown{
				ModelID:         strings.TrimSpace(m[1]),
				TokensIn:        int64(parseCount(m[2])),
				TokensOut:       int64(parseCount(m[3])),
				TokensCached:    int64(parseCount(m[4])),
				PremiumRequests: parseFloat(m[5]),
			})
			p.anySet = true
			return
		}
		p.inModelTbl = false
	}

	switch {
	case modelBreakdownHeaderRe.MatchString(line):
		p.inModelTbl = true
	case usageEstimateRe.MatchString(line):
		m := usageEstimateRe.FindStringSubmatch(line)
		p.metrics.PremiumRequests = parseFloat(m[1])
		p.anySet = true
	case apiTimeRe.MatchString(line):
		m := apiTimeRe.FindStringSubmatch(line)
		p.metrics.APITime = parseDuration(m[1])
		p.anySet = true
	case sessionTimeRe.MatchString(line):
		m := sessionTimeRe.FindStringSubmatch(line)
		p.metrics.SessionTime = parseDuration(m[1])
		p.anySet = true
	case codeChangesRe.MatchString(line):
		m := codeChangesRe.FindStringSubmatch(line)
		p.metrics.LinesAdded, _ = strconv.Atoi(m[1])
		p.metrics.LinesRemoved, _ = strconv.Atoi(m[2])
		p.anySet = true
	}
}

// Metrics returns the accumulated metrics, or nil if no field was ever set.
func (p *Parser) Metrics() *models.UsageMetrics {
	if !p.anySet {
		return nil
	}
	m := p.metrics
	return &m
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// parseCount parses a token count with an optional k/m suffix: "12.3k" ->
// 12300, "1m" -> 1000000.
func parseCount(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "k"):
		mult = 1000
		s = strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult = 1_000_000
		s = strings.TrimSuffix(s, "m")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v * mult
}

// parseDuration parses durations like "1h2m3.5s", "45s", "2m".
func parseDuration(s string) time.Duration {
	matches := durationRe.FindAllStringSubmatch(s, -1)
	if matches == nil {
		return 0
	}
	var total time.Duration
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		switch m[2] {
		case "h":
			total += time.Duration(v * float64(time.Hour))
		case "m":
			total += time.Duration(v * float64(time.Minute))
		case "s":
			total += time.Duration(v * float64(time.Second))
		}
	}
	return total
}
