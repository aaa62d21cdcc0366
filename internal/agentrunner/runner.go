// Package agentrunner invokes the "copilot" coding-agent CLI on behalf of a
// job's agent WorkSpec, building its argv the way the teacher's Claude
// invoker builds claude's, but against the copilot command surface and
// session-resume semantics spec.md section 6 describes.
package agentrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/harrison/conductor/internal/models"
	"github.com/harrison/conductor/internal/procrunner"
	"github.com/harrison/conductor/internal/stats"
)

// DefaultTimeout is applied when Options.Timeout is zero (spec.md section 5).
const DefaultTimeout = 5 * time.Minute

// Options configures a single agent invocation.
type Options struct {
	Cwd                 string
	Task                string
	Instructions        string
	SessionID           string // resume
	Model               string
	LogDir              string
	SharePath           string
	OnOutput            func(line string)
	OnProcess           func(pid int)
	Timeout             time.Duration
	SkipInstructionsFile bool
	JobID               string
	AllowedFolders      []string
	AllowedURLs         []string
	ConfigDir           string
	Env                 []string
}

// Result is returned by Run.
type Result struct {
	Success   bool
	SessionID string
	ExitCode  int
	Error     string
	Metrics   *models.UsageMetrics
}

// Runner invokes the copilot CLI.
type Runner struct {
	Proc    procrunner.Runner
	Binary  string // defaults to "copilot"
}

// New returns a Runner backed by the real OS process runner.
func New() *Runner {
	return &Runner{Proc: procrunner.New(), Binary: "copilot"}
}

// Run builds the copilot argv from opts, streams output through the stats
// parser, and returns a Result. Per spec.md error kind 8, if the CLI itself
// cannot be found, this returns {Success:true} silently so plans without
// agent phases still proceed.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !opts.SkipInstructionsFile && opts.Instructions != "" {
		if err := writeInstructionsFile(opts.Cwd, opts.Instructions); err != nil {
			return nil, fmt.Errorf("write agent instructions: %w", err)
		}
	}

	args := buildArgs(opts)
	binary := r.Binary
	if binary == "" {
		binary = "copilot"
	}

	parser := stats.NewParser()
	var sessionID string
	lineHandler := func(line string) {
		parser.Feed(line)
		if sid := extractSessionID(line); sid != "" {
			sessionID = sid
		}
		if opts.OnOutput != nil {
			opts.OnOutput(line)
		}
	}

	handle, err := r.Proc.Start(runCtx, opts.Cwd, opts.Env, binary, args, lineHandler)
	if err != nil {
		if isNotFound(err) {
			return &Result{Success: true}, nil
		}
		return nil, fmt.Errorf("start copilot: %w", err)
	}
	if opts.OnProcess != nil {
		opts.OnProcess(handle.PID)
	}

	waitErr := handle.Wait()
	metrics := parser.Metrics()

	if waitErr != nil {
		exitCode := -1
		if ee, ok := asExitError(waitErr); ok {
			exitCode = ee
		}
		return &Result{
			Success:   false,
			SessionID: sessionID,
			ExitCode:  exitCode,
			Error:     waitErr.Error(),
			Metrics:   metrics,
		}, nil
	}

	return &Result{Success: true, SessionID: sessionID, Metrics: metrics}, nil
}

func writeInstructionsFile(cwd, instructions string) error {
	if cwd == "" {
		return nil
	}
	dir := cwd + "/.conductor/agent-instructions"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(dir+"/INSTRUCTIONS.md", []byte(instructions), 0o644)
}

// buildArgs constructs: copilot -p <task> --stream off --allow-all-tools
// --add-dir <path> [--add-dir <extra>]* [--model M] [--log-dir Q --log-level
// debug] [--share Q] [--resume S] (spec.md section 6).
func buildArgs(opts Options) []string {
	args := []string{"-p", opts.Task, "--stream", "off", "--allow-all-tools"}

	for _, dir := range opts.AllowedFolders {
		if !pathExists(dir) {
			continue
		}
		args = append(args, "--add-dir", dir)
	}
	for _, url := range opts.AllowedURLs {
		args = append(args, "--add-url", url)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.LogDir != "" {
		args = append(args, "--log-dir", opts.LogDir, "--log-level", "debug")
	}
	if opts.SharePath != "" {
		args = append(args, "--share", opts.SharePath)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.ConfigDir != "" {
		args = append(args, "--config-dir", opts.ConfigDir)
	}
	return args
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// extractSessionID looks for a JSON object on the line carrying a
// "session_id" or "sessionId" field, as emitted by copilot's structured
// event stream.
func extractSessionID(line string) string {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return ""
	}
	if v, ok := payload["session_id"].(string); ok {
		return v
	}
	if v, ok := payload["sessionId"].(string); ok {
		return v
	}
	return ""
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "executable file not found") || strings.Contains(err.Error(), "no such file or directory")
}

func asExitError(err error) (int, bool) {
	type exitCoder interface{ ExitCode() int }
	if ee, ok := err.(exitCoder); ok {
		return ee.ExitCode(), true
	}
	return 0, false
}
