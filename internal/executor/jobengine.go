package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harrison/conductor/internal/gitops"
	"github.com/harrison/conductor/internal/models"
)

// Engine drives node execution: worktree setup, the phase-executor
// invocation, auto-heal decisions, and worktree GC (spec.md section 4.5).
type Engine struct {
	Git      *gitops.Client
	Executor *Executor
}

// riMergeMu is the one RI-merge lock shared by every Engine in the process.
var riMergeMu sync.Mutex

// NewEngine wires an Engine against a repo's gitops client and executor.
func NewEngine(git *gitops.Client, executor *Executor) *Engine {
	return &Engine{Git: git, Executor: executor}
}

// ExecuteJob runs one attempt of node to completion, including auto-heal,
// and leaves the state machine in a terminal status for the node.
func (eng *Engine) ExecuteJob(ctx context.Context, plan *models.PlanInstance, sm *PlanStateMachine, nodeID string) {
	node := plan.Nodes[nodeID]
	state := plan.NodeStates[nodeID]

	sm.Transition(nodeID, models.StatusRunning, func(s *models.NodeExecutionState) {
		s.Attempts++
	})
	attemptNumber := state.Attempts
	startedAt := time.Now()

	baseCommits := sm.GetBaseCommitsForNode(nodeID)
	baseCommitish := plan.BaseBranch
	if len(baseCommits) > 0 {
		baseCommitish = baseCommits[0]
	}
	var dependencyCommits []string
	if len(baseCommits) > 1 {
		dependencyCommits = baseCommits[1:]
	}

	worktreePath := gitops.WorktreePath(plan.WorktreeRoot, nodeID)
	wtResult, err := eng.Git.CreateOrReuseDetached(ctx, worktreePath, baseCommitish, nil, nil)
	if err != nil {
		eng.recordFailure(plan, sm, nodeID, attemptNumber, models.TriggerInitial, startedAt, models.PhaseMergeFI, err.Error(), nil)
		return
	}
	if !wtResult.Reused || state.BaseCommit == "" {
		state.BaseCommit = wtResult.BaseCommit
	}
	if plan.BaseCommitAtStart == "" {
		plan.BaseCommitAtStart = wtResult.BaseCommit
	}
	state.WorktreePath = worktreePath

	for _, depID := range node.Dependencies {
		depState := plan.NodeStates[depID]
		if depState != nil && !depState.ConsumedByDependents[nodeID] {
			depState.ConsumedByDependents[nodeID] = true
		}
	}
	if plan.CleanUpSuccessfulWork {
		eng.cleanupEligibleWorktrees(ctx, plan)
	}

	if state.ResumeFromPhase == models.PhaseMergeRI {
		eng.runRIOnly(ctx, plan, sm, nodeID, attemptNumber, startedAt)
		return
	}

	ec := &ExecutionContext{
		Plan:                 plan,
		Node:                 node,
		NodeID:               nodeID,
		BaseCommit:           state.BaseCommit,
		WorktreePath:         worktreePath,
		AttemptNumber:        attemptNumber,
		CopilotSessionID:     state.CopilotSessionID,
		ResumeFromPhase:      state.ResumeFromPhase,
		PreviousStepStatuses: state.StepStatuses,
		DependencyCommits:    dependencyCommits,
		RepoPath:             plan.RepoPath,
		BaseCommitAtStart:    plan.BaseCommitAtStart,
		OnStepStatusChange: func(phase models.PhaseName, status models.StepStatus) {
			state.StepStatuses[phase] = status
		},
		OnProcess:   func(pid int) { state.PID = pid },
		RiMergeLock: eng.withRiMergeLock,
	}
	if plan.IsLeaf(nodeID) {
		ec.TargetBranch = plan.TargetBranch
	}

	result := eng.Executor.Run(ctx, ec)

	if result.Success {
		eng.onExecutorSuccess(ctx, plan, sm, nodeID, attemptNumber, models.TriggerInitial, startedAt, result)
		return
	}

	if eng.tryAutoHeal(ctx, plan, sm, nodeID, attemptNumber, startedAt, ec, result) {
		return
	}

	eng.recordFailure(plan, sm, nodeID, attemptNumber, models.TriggerInitial, startedAt, result.FailedPhase, result.Error, result.ExitCode)
}

// runRIOnly handles the case where a prior attempt already succeeded
// through commit, and only the RI merge remains (spec.md section 4.5.5).
func (eng *Engine) runRIOnly(ctx context.Context, plan *models.PlanInstance, sm *PlanStateMachine, nodeID string, attemptNumber int, startedAt time.Time) {
	node := plan.Nodes[nodeID]
	state := plan.NodeStates[nodeID]

	ec := &ExecutionContext{
		Plan:         plan,
		Node:         node,
		NodeID:       nodeID,
		WorktreePath: state.WorktreePath,
		TargetBranch: plan.TargetBranch,
		RiMergeLock:  eng.withRiMergeLock,
	}
	result := &ExecutionResult{StepStatuses: map[models.PhaseName]models.StepStatus{}, CompletedCommit: state.CompletedCommit}

	finalResult := eng.Executor.runMergeRI(ctx, ec, result)

	if finalResult.Success {
		eng.onExecutorSuccess(ctx, plan, sm, nodeID, attemptNumber, models.TriggerRetry, startedAt, finalResult)
		return
	}
	eng.recordFailure(plan, sm, nodeID, attemptNumber, models.TriggerRetry, startedAt, finalResult.FailedPhase, finalResult.Error, finalResult.ExitCode)
}

// withRiMergeLock serializes RI merges across the whole process (spec.md
// section 4.5.10): every call awaits the previously enqueued lock, runs fn,
// then releases, so every RI observes the target-branch tip produced by
// all prior RIs.
func (eng *Engine) withRiMergeLock(fn func()) {
	riMergeMu.Lock()
	defer riMergeMu.Unlock()
	fn()
}

func (eng *Engine) onExecutorSuccess(ctx context.Context, plan *models.PlanInstance, sm *PlanStateMachine, nodeID string, attemptNumber int, trigger models.TriggerType, startedAt time.Time, result *ExecutionResult) {
	node := plan.Nodes[nodeID]
	state := plan.NodeStates[nodeID]

	completedCommit := result.CompletedCommit
	if completedCommit == "" && node.ExpectsNoChanges {
		completedCommit = state.BaseCommit
	}
	state.CompletedCommit = completedCommit
	state.CopilotSessionID = result.CopilotSessionID

	if result.WorkSummary != nil {
		state.WorkSummary = result.WorkSummary
		plan.WorkSummary.Add(*result.WorkSummary)
	}
	if plan.IsLeaf(nodeID) {
		if diff, err := eng.Git.GetDiffStats(ctx, state.WorktreePath, plan.BaseBranch, completedCommit); err == nil {
			state.AggregatedWorkSummary = &models.WorkSummary{
				LinesAdded:   diff.LinesAdded,
				LinesRemoved: diff.LinesRemoved,
				FilesChanged: diff.FilesChanged,
			}
		}
		state.MergedToTarget = result.StepStatuses[models.PhaseMergeRI] == models.StepSuccess
		if plan.TargetBranch != "" && !state.MergedToTarget {
			eng.recordFailure(plan, sm, nodeID, attemptNumber, trigger, startedAt, models.PhaseMergeRI, "merge-ri did not complete successfully", nil)
			return
		}
	}

	for k, v := range result.PhaseMetrics {
		state.PhaseMetrics[k] = v
	}
	state.Metrics = result.Metrics
	state.PID = 0

	record := models.AttemptRecord{
		AttemptNumber:    attemptNumber,
		TriggerType:      trigger,
		Status:           models.StatusSucceeded,
		StartedAt:        startedAt,
		EndedAt:          time.Now(),
		WorktreePath:     state.WorktreePath,
		BaseCommit:       state.BaseCommit,
		CompletedCommit:  completedCommit,
		CopilotSessionID: result.CopilotSessionID,
		StepStatuses:     cloneStepStatuses(result.StepStatuses),
		Metrics:          result.Metrics,
		PhaseMetrics:     clonePhaseMetrics(result.PhaseMetrics),
	}
	if node.Work != nil {
		record.WorkUsed = *node.Work
	}
	state.AttemptHistory = append(state.AttemptHistory, record)
	state.LastAttempt = &state.AttemptHistory[len(state.AttemptHistory)-1]

	sm.Transition(nodeID, models.StatusSucceeded, nil)

	if plan.CleanUpSuccessfulWork {
		isLeaf := plan.IsLeaf(nodeID)
		eligible := (isLeaf && (plan.TargetBranch == "" || state.MergedToTarget))
		if eligible {
			if err := eng.Git.RemoveSafe(ctx, state.WorktreePath, true); err == nil {
				state.WorktreeCleanedUp = true
			}
		}
		eng.cleanupEligibleWorktrees(ctx, plan)
	}
}

// tryAutoHeal decides whether to swap in a heal agent spec (non-agent
// phase) or retry the same agent spec (agent-killed), per spec.md section
// 4.5.7. Returns true if a heal attempt was made (success or failure both
// terminate the node here).
func (eng *Engine) tryAutoHeal(ctx context.Context, plan *models.PlanInstance, sm *PlanStateMachine, nodeID string, attemptNumber int, startedAt time.Time, ec *ExecutionContext, result *ExecutionResult) bool {
	node := plan.Nodes[nodeID]
	state := plan.NodeStates[nodeID]
	phase := result.FailedPhase

	if phase != models.PhasePrechecks && phase != models.PhaseWork && phase != models.PhasePostchecks {
		return false
	}
	if !node.AutoHeal {
		return false
	}
	if state.AutoHealAttempted[phase] {
		return false
	}

	originalSpec := phaseSpec(node, phase)
	isAgentKilled := originalSpec != nil && originalSpec.IsAgent() && result.AgentKilled

	state.AutoHealAttempted[phase] = true

	var healSpec models.WorkSpec
	if isAgentKilled {
		healSpec = *originalSpec
	} else {
		healSpec = buildHealWorkSpec(phase, originalSpec, result.Error)
	}

	restore := setPhaseSpec(node, phase, &healSpec)
	defer restore()

	healTrigger := models.TriggerAutoHeal
	if isAgentKilled {
		healTrigger = models.TriggerRetry
	} else {
		state.Attempts++
		attemptNumber = state.Attempts
	}

	healEC := *ec
	healEC.ResumeFromPhase = phase
	healEC.PreviousStepStatuses = result.StepStatuses
	healEC.CopilotSessionID = state.CopilotSessionID

	healResult := eng.Executor.Run(ctx, &healEC)

	if healResult.CompletedCommit == "" && node.ExpectsNoChanges {
		healResult.CompletedCommit = state.BaseCommit
	}

	if healResult.Success {
		eng.onExecutorSuccess(ctx, plan, sm, nodeID, attemptNumber, healTrigger, startedAt, healResult)
		return true
	}

	eng.recordFailure(plan, sm, nodeID, attemptNumber, healTrigger, startedAt, healResult.FailedPhase, healResult.Error, healResult.ExitCode)
	return true
}

func (eng *Engine) recordFailure(plan *models.PlanInstance, sm *PlanStateMachine, nodeID string, attemptNumber int, trigger models.TriggerType, startedAt time.Time, failedPhase models.PhaseName, errMsg string, exitCode *int) {
	state := plan.NodeStates[nodeID]
	state.PID = 0
	state.Error = errMsg

	record := models.AttemptRecord{
		AttemptNumber: attemptNumber,
		TriggerType:   trigger,
		Status:        models.StatusFailed,
		StartedAt:     startedAt,
		EndedAt:       time.Now(),
		FailedPhase:   failedPhase,
		Error:         errMsg,
		ExitCode:      exitCode,
		WorktreePath:  state.WorktreePath,
		BaseCommit:    state.BaseCommit,
		StepStatuses:  cloneStepStatuses(state.StepStatuses),
	}
	state.AttemptHistory = append(state.AttemptHistory, record)
	state.LastAttempt = &state.AttemptHistory[len(state.AttemptHistory)-1]

	sm.Transition(nodeID, models.StatusFailed, nil)
}

// cleanupEligibleWorktrees removes worktrees for succeeded nodes whose
// consumers have all consumed them (spec.md section 4.5.9).
func (eng *Engine) cleanupEligibleWorktrees(ctx context.Context, plan *models.PlanInstance) {
	for nodeID, state := range plan.NodeStates {
		if state.Status != models.StatusSucceeded || state.WorktreeCleanedUp || state.WorktreePath == "" {
			continue
		}
		node := plan.Nodes[nodeID]

		eligible := false
		if plan.IsLeaf(nodeID) {
			eligible = plan.TargetBranch == "" || state.MergedToTarget
		} else {
			eligible = true
			for _, depID := range node.Dependents {
				if !state.ConsumedByDependents[depID] {
					eligible = false
					break
				}
			}
		}

		if eligible {
			if err := eng.Git.RemoveSafe(ctx, state.WorktreePath, true); err == nil {
				state.WorktreeCleanedUp = true
			}
		}
	}
}

func phaseSpec(node *models.PlanNode, phase models.PhaseName) *models.WorkSpec {
	switch phase {
	case models.PhasePrechecks:
		return node.Prechecks
	case models.PhaseWork:
		return node.Work
	case models.PhasePostchecks:
		return node.Postchecks
	default:
		return nil
	}
}

// setPhaseSpec temporarily substitutes node's WorkSpec for phase, returning
// a restore func that always puts the original back.
func setPhaseSpec(node *models.PlanNode, phase models.PhaseName, spec *models.WorkSpec) func() {
	switch phase {
	case models.PhasePrechecks:
		orig := node.Prechecks
		node.Prechecks = spec
		return func() { node.Prechecks = orig }
	case models.PhaseWork:
		orig := node.Work
		node.Work = spec
		return func() { node.Work = orig }
	case models.PhasePostchecks:
		orig := node.Postchecks
		node.Postchecks = spec
		return func() { node.Postchecks = orig }
	default:
		return func() {}
	}
}

// buildHealWorkSpec swaps a failed non-agent phase for a minimal agent
// spec instructed to fix the environment and re-run (spec.md section
// 4.5.7). The agent is pointed at the original command and its failure
// output via its instructions.
func buildHealWorkSpec(phase models.PhaseName, original *models.WorkSpec, errMsg string) models.WorkSpec {
	var originalCommand string
	if original != nil {
		switch original.Kind {
		case models.WorkShell:
			originalCommand = original.Command
		case models.WorkProcess:
			originalCommand = original.Executable
		}
	}
	instructions := fmt.Sprintf(
		"The %s phase failed. Original command: %q. Error: %s\n\nDiagnose and fix whatever is wrong in the working tree so that re-running the original command would succeed.",
		phase, originalCommand, errMsg,
	)
	return models.WorkSpec{Kind: models.WorkAgent, Instructions: instructions}
}

func cloneStepStatuses(src map[models.PhaseName]models.StepStatus) map[models.PhaseName]models.StepStatus {
	dst := make(map[models.PhaseName]models.StepStatus, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func clonePhaseMetrics(src map[models.PhaseName]*models.UsageMetrics) map[models.PhaseName]*models.UsageMetrics {
	dst := make(map[models.PhaseName]*models.UsageMetrics, len(src))
	for k, v := range src {
		if v == nil {
			continue
		}
		m := *v
		dst[k] = &m
	}
	return dst
}
