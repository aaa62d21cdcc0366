package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/harrison/conductor/internal/agentrunner"
	"github.com/harrison/conductor/internal/gitops"
	"github.com/harrison/conductor/internal/models"
	"github.com/harrison/conductor/internal/procrunner"
)

// ExecutionContext carries everything a single attempt needs to run the
// six-phase pipeline (spec.md section 4.4).
type ExecutionContext struct {
	Plan     *models.PlanInstance
	Node     *models.PlanNode
	NodeID   string

	BaseCommit        string
	WorktreePath       string
	AttemptNumber      int
	CopilotSessionID   string
	ResumeFromPhase    models.PhaseName
	PreviousStepStatuses map[models.PhaseName]models.StepStatus
	DependencyCommits  []string
	RepoPath           string
	TargetBranch       string
	BaseCommitAtStart  string

	OnStepStatusChange func(phase models.PhaseName, status models.StepStatus)
	OnOutput           func(phase models.PhaseName, line string)
	OnProcess          func(pid int)

	// RiMergeLock, if set, wraps the merge-ri git operation so that only one
	// node's RI merge runs against the target branch at a time across the
	// whole process (spec.md section 4.5.10).
	RiMergeLock func(fn func())
}

// ExecutionResult is returned by the Executor on success or failure.
type ExecutionResult struct {
	Success bool

	CompletedCommit string
	WorkSummary     *models.WorkSummary
	CopilotSessionID string
	Metrics         *models.UsageMetrics
	PhaseMetrics    map[models.PhaseName]*models.UsageMetrics

	FailedPhase models.PhaseName
	Error       string
	ExitCode    *int
	StepStatuses map[models.PhaseName]models.StepStatus

	// AgentKilled indicates the failing WorkSpec was an agent killed by
	// signal rather than exiting on its own (enables agent-killed retry
	// semantics in the Engine, spec.md section 4.5.7).
	AgentKilled bool
}

// Executor runs the six-phase pipeline for one attempt.
type Executor struct {
	Git    *gitops.Client
	Proc   procrunner.Runner
	Agent  *agentrunner.Runner
}

// NewExecutor wires an Executor against a repo.
func NewExecutor(git *gitops.Client, proc procrunner.Runner, agent *agentrunner.Runner) *Executor {
	return &Executor{Git: git, Proc: proc, Agent: agent}
}

// Run executes the pipeline described in spec.md section 4.4, honoring
// resumption: phases whose previousStepStatuses are success are skipped.
func (e *Executor) Run(ctx context.Context, ec *ExecutionContext) *ExecutionResult {
	steps := map[models.PhaseName]models.StepStatus{}
	for k, v := range ec.PreviousStepStatuses {
		steps[k] = v
	}

	result := &ExecutionResult{StepStatuses: steps}

	if ec.PreviousStepStatuses[models.PhaseMergeRI] == models.StepSuccess {
		return e.runMergeRI(ctx, ec, result)
	}

	phases := []struct {
		name models.PhaseName
		run  func(context.Context, *ExecutionContext, *ExecutionResult) bool
	}{
		{models.PhaseMergeFI, e.runMergeFI},
		{models.PhasePrechecks, e.runPrechecks},
		{models.PhaseWork, e.runWork},
		{models.PhaseCommit, e.runCommit},
		{models.PhasePostchecks, e.runPostchecks},
	}

	resuming := ec.ResumeFromPhase != ""
	for _, phase := range phases {
		if resuming {
			if steps[phase.name] == models.StepSuccess {
				e.setStatus(ec, result, phase.name, models.StepSkipped)
				continue
			}
			resuming = false
		}
		if !phase.run(ctx, ec, result) {
			return result
		}
	}

	return e.runMergeRI(ctx, ec, result)
}

func (e *Executor) setStatus(ec *ExecutionContext, result *ExecutionResult, phase models.PhaseName, status models.StepStatus) {
	result.StepStatuses[phase] = status
	if ec.OnStepStatusChange != nil {
		ec.OnStepStatusChange(phase, status)
	}
}

func (e *Executor) output(ec *ExecutionContext, phase models.PhaseName, line string) {
	if ec.OnOutput != nil {
		ec.OnOutput(phase, line)
	}
}

// runMergeFI merges every dependency commit into the worktree HEAD in order.
func (e *Executor) runMergeFI(ctx context.Context, ec *ExecutionContext, result *ExecutionResult) bool {
	e.setStatus(ec, result, models.PhaseMergeFI, models.StepRunning)

	for _, commit := range ec.DependencyCommits {
		msg := fmt.Sprintf("merge-fi: incorporate %s", shortSHA(commit))
		if err := e.Git.MergeInto(ctx, ec.WorktreePath, commit, msg); err != nil {
			e.setStatus(ec, result, models.PhaseMergeFI, models.StepFailed)
			result.Success = false
			result.FailedPhase = models.PhaseMergeFI
			result.Error = err.Error()
			return false
		}
		e.output(ec, models.PhaseMergeFI, fmt.Sprintf("merged %s", shortSHA(commit)))
	}

	e.setStatus(ec, result, models.PhaseMergeFI, models.StepSuccess)
	return true
}

func (e *Executor) runPrechecks(ctx context.Context, ec *ExecutionContext, result *ExecutionResult) bool {
	return e.runCheckPhase(ctx, ec, result, models.PhasePrechecks, ec.Node.Prechecks)
}

func (e *Executor) runPostchecks(ctx context.Context, ec *ExecutionContext, result *ExecutionResult) bool {
	return e.runCheckPhase(ctx, ec, result, models.PhasePostchecks, ec.Node.Postchecks)
}

func (e *Executor) runCheckPhase(ctx context.Context, ec *ExecutionContext, result *ExecutionResult, phase models.PhaseName, spec *models.WorkSpec) bool {
	if spec == nil {
		e.setStatus(ec, result, phase, models.StepSkipped)
		return true
	}
	return e.runWorkSpec(ctx, ec, result, phase, *spec)
}

func (e *Executor) runWork(ctx context.Context, ec *ExecutionContext, result *ExecutionResult) bool {
	if ec.Node.Work == nil {
		e.setStatus(ec, result, models.PhaseWork, models.StepSkipped)
		return true
	}
	return e.runWorkSpec(ctx, ec, result, models.PhaseWork, *ec.Node.Work)
}

// runWorkSpec dispatches a WorkSpec per spec.md section 4.4's WorkSpec
// dispatch rules: shell via platform shell, process via direct exec,
// agent via the coding-agent runner.
func (e *Executor) runWorkSpec(ctx context.Context, ec *ExecutionContext, result *ExecutionResult, phase models.PhaseName, spec models.WorkSpec) bool {
	e.setStatus(ec, result, phase, models.StepRunning)

	onLine := func(line string) { e.output(ec, phase, line) }

	switch spec.Kind {
	case models.WorkAgent:
		return e.runAgentWork(ctx, ec, result, phase, spec, onLine)
	case models.WorkProcess:
		exitCode, err := e.Proc.Run(ctx, ec.WorktreePath, envSlice(spec.Env), spec.Executable, spec.Args, onLine)
		return e.finishCommandPhase(ec, result, phase, exitCode, err)
	default: // shell
		shell := spec.Shell
		if shell == "" {
			shell = "sh"
		}
		exitCode, err := e.Proc.Run(ctx, ec.WorktreePath, envSlice(spec.Env), shell, []string{"-c", spec.Command}, onLine)
		return e.finishCommandPhase(ec, result, phase, exitCode, err)
	}
}

func (e *Executor) runAgentWork(ctx context.Context, ec *ExecutionContext, result *ExecutionResult, phase models.PhaseName, spec models.WorkSpec, onLine func(string)) bool {
	sessionID := ""
	if spec.ResumeSession {
		sessionID = ec.CopilotSessionID
	}

	onProcess := ec.OnProcess
	if onProcess == nil {
		onProcess = func(int) {}
	}
	agentResult, err := e.Agent.Run(ctx, agentrunner.Options{
		Cwd:            ec.WorktreePath,
		Task:           ec.Node.Task,
		Instructions:   spec.Instructions,
		SessionID:      sessionID,
		Model:          spec.Model,
		AllowedFolders: spec.AllowedFolders,
		AllowedURLs:    spec.AllowedURLs,
		OnOutput:       onLine,
		OnProcess:      onProcess,
		JobID:          ec.NodeID,
	})

	if err != nil {
		e.setStatus(ec, result, phase, models.StepFailed)
		result.Success = false
		result.FailedPhase = phase
		result.Error = err.Error()
		return false
	}

	result.CopilotSessionID = agentResult.SessionID
	if agentResult.Metrics != nil {
		mergePhaseMetrics(result, phase, agentResult.Metrics)
	}

	if !agentResult.Success {
		e.setStatus(ec, result, phase, models.StepFailed)
		result.Success = false
		result.FailedPhase = phase
		result.Error = agentResult.Error
		if agentResult.ExitCode != 0 {
			code := agentResult.ExitCode
			result.ExitCode = &code
		}
		result.AgentKilled = isSignalKilled(agentResult.Error)
		return false
	}

	e.setStatus(ec, result, phase, models.StepSuccess)
	return true
}

func (e *Executor) finishCommandPhase(ec *ExecutionContext, result *ExecutionResult, phase models.PhaseName, exitCode int, err error) bool {
	if err != nil {
		e.setStatus(ec, result, phase, models.StepFailed)
		result.Success = false
		result.FailedPhase = phase
		result.Error = err.Error()
		code := exitCode
		result.ExitCode = &code
		return false
	}
	e.setStatus(ec, result, phase, models.StepSuccess)
	return true
}

// runCommit detects changes and either records a no-op completion (for
// expectsNoChanges nodes) or stages and commits with a generated message.
func (e *Executor) runCommit(ctx context.Context, ec *ExecutionContext, result *ExecutionResult) bool {
	e.setStatus(ec, result, models.PhaseCommit, models.StepRunning)

	dirty, err := e.Git.HasUncommittedChanges(ctx, ec.WorktreePath)
	if err != nil {
		e.setStatus(ec, result, models.PhaseCommit, models.StepFailed)
		result.Success = false
		result.FailedPhase = models.PhaseCommit
		result.Error = err.Error()
		return false
	}

	if !dirty {
		if ec.Node.ExpectsNoChanges {
			e.setStatus(ec, result, models.PhaseCommit, models.StepSuccess)
			result.CompletedCommit = ec.BaseCommit
			return true
		}
		e.setStatus(ec, result, models.PhaseCommit, models.StepFailed)
		result.Success = false
		result.FailedPhase = models.PhaseCommit
		result.Error = "no changes produced and expectsNoChanges is false"
		return false
	}

	message := fmt.Sprintf("conductor: %s", ec.Node.Name)
	sha, err := e.Git.CommitAt(ctx, ec.WorktreePath, message)
	if err != nil {
		e.setStatus(ec, result, models.PhaseCommit, models.StepFailed)
		result.Success = false
		result.FailedPhase = models.PhaseCommit
		result.Error = err.Error()
		return false
	}

	stats, err := e.Git.GetDiffStats(ctx, ec.WorktreePath, ec.BaseCommit, sha)
	if err == nil {
		result.WorkSummary = &models.WorkSummary{
			TotalCommits: 1,
			LinesAdded:   stats.LinesAdded,
			LinesRemoved: stats.LinesRemoved,
			FilesChanged: stats.FilesChanged,
		}
	}

	result.CompletedCommit = sha
	e.setStatus(ec, result, models.PhaseCommit, models.StepSuccess)
	return true
}

// runMergeRI merges completedCommit into targetBranch for leaf nodes,
// skipping entirely for non-leaves or leaves without a target branch.
func (e *Executor) runMergeRI(ctx context.Context, ec *ExecutionContext, result *ExecutionResult) *ExecutionResult {
	isLeaf := ec.Plan.IsLeaf(ec.NodeID)
	if !isLeaf || ec.TargetBranch == "" {
		e.setStatus(ec, result, models.PhaseMergeRI, models.StepSkipped)
		result.Success = true
		return result
	}

	if result.CompletedCommit == "" {
		e.setStatus(ec, result, models.PhaseMergeRI, models.StepFailed)
		result.Success = false
		result.FailedPhase = models.PhaseMergeRI
		result.Error = "no completed commit to merge"
		return result
	}

	e.setStatus(ec, result, models.PhaseMergeRI, models.StepRunning)
	message := fmt.Sprintf("conductor: merge %s into %s", ec.Node.Name, ec.TargetBranch)

	lock := ec.RiMergeLock
	if lock == nil {
		lock = func(fn func()) { fn() }
	}

	var mergeErr error
	lock(func() {
		_, mergeErr = e.Git.MergeReverseIntegration(ctx, ec.TargetBranch, result.CompletedCommit, message)
	})
	if mergeErr != nil {
		e.setStatus(ec, result, models.PhaseMergeRI, models.StepFailed)
		result.Success = false
		result.FailedPhase = models.PhaseMergeRI
		result.Error = mergeErr.Error()
		return result
	}

	e.setStatus(ec, result, models.PhaseMergeRI, models.StepSuccess)
	result.Success = true
	return result
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func mergePhaseMetrics(result *ExecutionResult, phase models.PhaseName, m *models.UsageMetrics) {
	if result.PhaseMetrics == nil {
		result.PhaseMetrics = make(map[models.PhaseName]*models.UsageMetrics)
	}
	result.PhaseMetrics[phase] = m

	if result.Metrics == nil {
		agg := *m
		result.Metrics = &agg
		return
	}
	result.Metrics.PremiumRequests += m.PremiumRequests
	result.Metrics.APITime += m.APITime
	result.Metrics.SessionTime += m.SessionTime
	result.Metrics.LinesAdded += m.LinesAdded
	result.Metrics.LinesRemoved += m.LinesRemoved
	result.Metrics.ModelBreakdown = append(result.Metrics.ModelBreakdown, m.ModelBreakdown...)
}

func isSignalKilled(errMsg string) bool {
	return strings.Contains(errMsg, "signal:") || strings.Contains(errMsg, "killed")
}
