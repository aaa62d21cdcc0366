package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLogger appends one JSON object per line to <logDir>/<planID>.jsonl,
// maintaining a latest.jsonl symlink to the most recently created log
// (spec.md section 6, mirroring the teacher's run-log/latest.log pattern).
type FileLogger struct {
	logDir   string
	planID   string
	file     *os.File
	logLevel string
	mu       sync.Mutex
}

type logRecord struct {
	Time    string `json:"time"`
	Level   string `json:"level,omitempty"`
	Kind    string `json:"kind"`
	NodeID  string `json:"nodeId,omitempty"`
	Phase   string `json:"phase,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Message string `json:"message"`
}

// NewFileLogger creates a FileLogger writing JSONL records for planID into
// logDir, creating the directory and the latest.jsonl symlink.
func NewFileLogger(logDir, planID, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	logPath := filepath.Join(logDir, fmt.Sprintf("%s.jsonl", planID))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open plan log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.jsonl")
	if _, err := os.Lstat(symlinkPath); err == nil {
		os.Remove(symlinkPath)
	}
	_ = os.Symlink(filepath.Base(logPath), symlinkPath)

	return &FileLogger{
		logDir:   logDir,
		planID:   planID,
		file:     file,
		logLevel: normalizeLogLevel(logLevel),
	}, nil
}

func (f *FileLogger) write(rec logRecord) {
	rec.Time = time.Now().Format(time.RFC3339Nano)
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.file.Write(data)
	f.file.Write([]byte("\n"))
}

func (f *FileLogger) shouldLog(level string) bool {
	return logLevelToInt(level) >= logLevelToInt(f.logLevel)
}

func (f *FileLogger) LogTrace(message string) { f.logLeveled("trace", message) }
func (f *FileLogger) LogDebug(message string) { f.logLeveled("debug", message) }
func (f *FileLogger) LogInfo(message string)  { f.logLeveled("info", message) }
func (f *FileLogger) LogWarn(message string)  { f.logLeveled("warn", message) }
func (f *FileLogger) LogError(message string) { f.logLeveled("error", message) }

func (f *FileLogger) logLeveled(level, message string) {
	if !f.shouldLog(level) {
		return
	}
	f.write(logRecord{Level: level, Kind: "log", Message: message})
}

// LogNodeTransition records a node status change unconditionally, regardless
// of log level, since transitions are the primary audit trail of a run.
func (f *FileLogger) LogNodeTransition(nodeID, nodeName, from, to string) {
	f.write(logRecord{Kind: "transition", NodeID: nodeID, From: from, To: to, Message: nodeName})
}

// LogPhaseOutput records a streamed phase output line at debug level.
func (f *FileLogger) LogPhaseOutput(nodeID, phase, line string) {
	if !f.shouldLog("debug") {
		return
	}
	f.write(logRecord{Kind: "output", NodeID: nodeID, Phase: phase, Message: line})
}

// LogPlanEvent records a plan-lifecycle event unconditionally.
func (f *FileLogger) LogPlanEvent(kind, detail string) {
	f.write(logRecord{Kind: kind, Message: detail})
}

// Close closes the underlying log file.
func (f *FileLogger) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}
