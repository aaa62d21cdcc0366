package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ConsoleLogger writes timestamped, level-filtered log lines to a writer,
// colorizing level and node-transition output when the writer is a TTY.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	colorOutput bool
	mu          sync.Mutex
}

// NewConsoleLogger builds a ConsoleLogger writing to w at the given level.
// Color is auto-enabled when w is os.Stdout/os.Stderr and a TTY.
func NewConsoleLogger(w io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      w,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(w),
	}
}

func isTerminal(w io.Writer) bool {
	if w == os.Stdout {
		return isatty.IsTerminal(os.Stdout.Fd())
	}
	if w == os.Stderr {
		return isatty.IsTerminal(os.Stderr.Fd())
	}
	return false
}

func (c *ConsoleLogger) shouldLog(level string) bool {
	return logLevelToInt(level) >= logLevelToInt(c.logLevel)
}

func timestamp() string {
	return time.Now().Format("15:04:05")
}

func (c *ConsoleLogger) logWithLevel(level, message string) {
	if c.writer == nil || !c.shouldLog(strings.ToLower(level)) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := timestamp()
	var line string
	if c.colorOutput {
		line = fmt.Sprintf("[%s] [%s] %s\n", ts, colorizeLevel(level), message)
	} else {
		line = fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)
	}
	c.writer.Write([]byte(line))
}

func colorizeLevel(level string) string {
	switch strings.ToUpper(level) {
	case "TRACE":
		return color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		return color.New(color.FgCyan).Sprint(level)
	case "INFO":
		return color.New(color.FgBlue).Sprint(level)
	case "WARN":
		return color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		return color.New(color.FgRed).Sprint(level)
	default:
		return level
	}
}

func (c *ConsoleLogger) LogTrace(message string) { c.logWithLevel("TRACE", message) }
func (c *ConsoleLogger) LogDebug(message string) { c.logWithLevel("DEBUG", message) }
func (c *ConsoleLogger) LogInfo(message string)  { c.logWithLevel("INFO", message) }
func (c *ConsoleLogger) LogWarn(message string)  { c.logWithLevel("WARN", message) }
func (c *ConsoleLogger) LogError(message string) { c.logWithLevel("ERROR", message) }

// LogNodeTransition logs a node's status change at INFO level.
func (c *ConsoleLogger) LogNodeTransition(nodeID, nodeName, from, to string) {
	if !c.shouldLog("info") {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := timestamp()
	var line string
	if c.colorOutput {
		name := color.New(color.Bold).Sprint(nodeName)
		arrow := fmt.Sprintf("%s -> %s", from, colorizeStatus(to))
		line = fmt.Sprintf("[%s] %s (%s): %s\n", ts, name, shortID(nodeID), arrow)
	} else {
		line = fmt.Sprintf("[%s] %s (%s): %s -> %s\n", ts, nodeName, shortID(nodeID), from, to)
	}
	c.writer.Write([]byte(line))
}

func colorizeStatus(status string) string {
	switch status {
	case "succeeded":
		return color.New(color.FgGreen).Sprint(status)
	case "failed", "blocked":
		return color.New(color.FgRed).Sprint(status)
	case "running":
		return color.New(color.FgCyan).Sprint(status)
	case "canceled":
		return color.New(color.FgYellow).Sprint(status)
	default:
		return status
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// LogPhaseOutput logs one streamed output line from a job phase at DEBUG level.
func (c *ConsoleLogger) LogPhaseOutput(nodeID, phase, line string) {
	if !c.shouldLog("debug") {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := timestamp()
	out := fmt.Sprintf("[%s] [%s/%s] %s\n", ts, shortID(nodeID), phase, line)
	c.writer.Write([]byte(out))
}

// LogPlanEvent logs a plan-lifecycle event (started, paused, completed, ...)
// at INFO level.
func (c *ConsoleLogger) LogPlanEvent(kind, detail string) {
	if !c.shouldLog("info") {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := timestamp()
	var line string
	if c.colorOutput {
		line = fmt.Sprintf("[%s] %s: %s\n", ts, color.New(color.Bold).Sprint(kind), detail)
	} else {
		line = fmt.Sprintf("[%s] %s: %s\n", ts, kind, detail)
	}
	c.writer.Write([]byte(line))
}

// Close is a no-op for ConsoleLogger; it does not own the underlying writer.
func (c *ConsoleLogger) Close() error { return nil }
