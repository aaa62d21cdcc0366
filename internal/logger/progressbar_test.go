package logger

import (
	"strings"
	"testing"
)

func TestProgressBarRenderPlain(t *testing.T) {
	tests := []struct {
		name     string
		current  int
		total    int
		width    int
		expected string
	}{
		{name: "empty progress", current: 0, total: 10, width: 10, expected: "[          ] 0/10 (0%)"},
		{name: "half progress", current: 5, total: 10, width: 10, expected: "[=====     ] 5/10 (50%)"},
		{name: "full progress", current: 10, total: 10, width: 10, expected: "[==========] 10/10 (100%)"},
		{name: "quarter progress", current: 2, total: 8, width: 8, expected: "[==      ] 2/8 (25%)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bar := NewProgressBar(tt.total, tt.width, false)
			bar.Update(tt.current)
			if got := bar.Render(); got != tt.expected {
				t.Errorf("Render() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestProgressBarRenderWithPrefix(t *testing.T) {
	bar := NewProgressBar(4, 4, false)
	bar.SetPrefix("plan-1 ")
	bar.Update(1)

	got := bar.Render()
	if !strings.HasPrefix(got, "plan-1 [") {
		t.Errorf("Render() = %q, want prefix %q", got, "plan-1 [")
	}
}

func TestProgressBarZeroTotalDoesNotDivideByZero(t *testing.T) {
	bar := NewProgressBar(0, 10, false)
	if got := bar.Percentage(); got != 0 {
		t.Errorf("Percentage() = %d, want 0 for a zero-total bar", got)
	}
}

func TestProgressBarRenderWithColorKeepsCounterText(t *testing.T) {
	bar := NewProgressBar(2, 4, true)
	bar.Update(2)

	got := bar.Render()
	if !strings.Contains(got, "2/2") {
		t.Errorf("Render() = %q, want it to still contain the counter text", got)
	}
}
