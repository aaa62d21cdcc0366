package logger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// ProgressBar is an ASCII progress bar over a plan's node count, used by
// `plan watch` to render overall completion alongside per-node status
// lines.
type ProgressBar struct {
	current     int
	total       int
	width       int
	enableColor bool
	prefix      string
	mu          sync.RWMutex
}

// NewProgressBar creates a bar tracking progress out of total, width
// characters wide.
func NewProgressBar(total, width int, enableColor bool) *ProgressBar {
	if width < 1 {
		width = 10
	}
	return &ProgressBar{total: total, width: width, enableColor: enableColor}
}

// Update sets the current progress value.
func (pb *ProgressBar) Update(current int) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.current = current
}

// SetPrefix sets a label rendered before the bar.
func (pb *ProgressBar) SetPrefix(prefix string) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.prefix = prefix
}

// Percentage returns current/total clamped to [0, 100].
func (pb *ProgressBar) Percentage() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.percentageLocked()
}

func (pb *ProgressBar) percentageLocked() int {
	if pb.total == 0 {
		return 0
	}
	perc := (pb.current * 100) / pb.total
	if perc > 100 {
		perc = 100
	}
	if perc < 0 {
		perc = 0
	}
	return perc
}

// Render returns the bar as a single line: "prefix[===   ] 2/4 (50%)",
// colorized cyan while in progress and green once complete.
func (pb *ProgressBar) Render() string {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	perc := pb.percentageLocked()
	filled := (perc * pb.width) / 100
	if filled > pb.width {
		filled = pb.width
	}
	if filled < 0 {
		filled = 0
	}

	var bar strings.Builder
	bar.WriteByte('[')
	bar.WriteString(strings.Repeat("=", filled))
	bar.WriteString(strings.Repeat(" ", pb.width-filled))
	bar.WriteByte(']')

	line := fmt.Sprintf("%s%s %d/%d (%d%%)", pb.prefix, bar.String(), pb.current, pb.total, perc)
	if !pb.enableColor {
		return line
	}
	if perc == 100 {
		return color.New(color.FgGreen).Sprint(line)
	}
	return color.New(color.FgCyan).Sprint(line)
}
