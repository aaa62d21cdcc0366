package gitops

import (
	"context"
	"strings"

	"github.com/harrison/conductor/internal/procrunner"
)

// scriptedRunner is a procrunner.Runner fake that matches invocations by
// their joined argv and replays a canned (output, exitCode, err), mirroring
// the teacher's MockGitCommandRunner fake-by-command-string approach.
type scriptedRunner struct {
	responses map[string]scriptedResponse
	calls     []string
}

type scriptedResponse struct {
	output   string
	exitCode int
	err      error
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{responses: map[string]scriptedResponse{}}
}

func (r *scriptedRunner) on(args []string, output string) *scriptedRunner {
	r.responses[strings.Join(args, " ")] = scriptedResponse{output: output}
	return r
}

func (r *scriptedRunner) onError(args []string, err error) *scriptedRunner {
	r.responses[strings.Join(args, " ")] = scriptedResponse{exitCode: 1, err: err}
	return r
}

func (r *scriptedRunner) Run(ctx context.Context, dir string, env []string, name string, args []string, onOutput func(line string)) (int, error) {
	r.calls = append(r.calls, strings.Join(args, " "))
	resp, ok := r.responses[strings.Join(args, " ")]
	if !ok {
		return 1, errUnscripted(args)
	}
	if onOutput != nil && resp.output != "" {
		for _, line := range strings.Split(resp.output, "\n") {
			onOutput(line)
		}
	}
	return resp.exitCode, resp.err
}

func (r *scriptedRunner) Start(ctx context.Context, dir string, env []string, name string, args []string, onOutput func(line string)) (*procrunner.Handle, error) {
	return nil, errUnscripted(args)
}

type unscriptedCallError struct{ args []string }

func (e unscriptedCallError) Error() string {
	return "gitops test: unscripted git invocation: git " + strings.Join(e.args, " ")
}

func errUnscripted(args []string) error {
	return unscriptedCallError{args: args}
}
