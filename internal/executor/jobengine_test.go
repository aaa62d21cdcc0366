package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/conductor/internal/gitops"
	"github.com/harrison/conductor/internal/models"
)

func newTestEngine(proc *scriptedCommandRunner) *Engine {
	git := &gitops.Client{Runner: proc, RepoPath: "/repo"}
	return NewEngine(git, newTestExecutor(proc))
}

func enginePlanWithNode(nodeID string, leaf bool, targetBranch string) (*models.PlanInstance, *PlanStateMachine) {
	node := &models.PlanNode{ID: nodeID, Name: "build", AutoHeal: true}
	plan := &models.PlanInstance{
		Nodes:        map[string]*models.PlanNode{nodeID: node},
		NodeStates:   map[string]*models.NodeExecutionState{nodeID: models.NewNodeExecutionState(models.StatusRunning)},
		TargetBranch: targetBranch,
	}
	if leaf {
		plan.Leaves = []string{nodeID}
	}
	sm := NewPlanStateMachine(plan, NewBus())
	return plan, sm
}

func TestPhaseSpecReturnsNodeFieldForPhase(t *testing.T) {
	pre := &models.WorkSpec{Kind: models.WorkShell, Command: "pre"}
	work := &models.WorkSpec{Kind: models.WorkShell, Command: "work"}
	post := &models.WorkSpec{Kind: models.WorkShell, Command: "post"}
	node := &models.PlanNode{Prechecks: pre, Work: work, Postchecks: post}

	assert.Same(t, pre, phaseSpec(node, models.PhasePrechecks))
	assert.Same(t, work, phaseSpec(node, models.PhaseWork))
	assert.Same(t, post, phaseSpec(node, models.PhasePostchecks))
	assert.Nil(t, phaseSpec(node, models.PhaseMergeFI))
}

func TestSetPhaseSpecRestoresOriginalOnCleanup(t *testing.T) {
	orig := &models.WorkSpec{Kind: models.WorkShell, Command: "orig"}
	node := &models.PlanNode{Work: orig}

	restore := setPhaseSpec(node, models.PhaseWork, &models.WorkSpec{Kind: models.WorkAgent})
	assert.Equal(t, models.WorkAgent, node.Work.Kind)

	restore()
	assert.Same(t, orig, node.Work)
}

func TestBuildHealWorkSpecIsAgentAndMentionsOriginalCommandAndError(t *testing.T) {
	original := &models.WorkSpec{Kind: models.WorkShell, Command: "go test ./..."}
	spec := buildHealWorkSpec(models.PhaseWork, original, "exit status 1")

	assert.True(t, spec.IsAgent())
	assert.Contains(t, spec.Instructions, "go test ./...")
	assert.Contains(t, spec.Instructions, "exit status 1")
	assert.Contains(t, spec.Instructions, "work")
}

func TestCloneStepStatusesIsIndependentCopy(t *testing.T) {
	src := map[models.PhaseName]models.StepStatus{models.PhaseWork: models.StepSuccess}
	clone := cloneStepStatuses(src)
	clone[models.PhaseWork] = models.StepFailed

	assert.Equal(t, models.StepSuccess, src[models.PhaseWork])
}

func TestClonePhaseMetricsSkipsNilEntriesAndCopies(t *testing.T) {
	src := map[models.PhaseName]*models.UsageMetrics{
		models.PhaseWork:       {PremiumRequests: 2},
		models.PhasePostchecks: nil,
	}
	clone := clonePhaseMetrics(src)

	require.Len(t, clone, 1)
	clone[models.PhaseWork].PremiumRequests = 99
	assert.Equal(t, float64(2), src[models.PhaseWork].PremiumRequests)
}

func TestOnExecutorSuccessRecordsAttemptAndTransitionsNonLeafNode(t *testing.T) {
	plan, sm := enginePlanWithNode("n1", false, "")
	eng := newTestEngine(newScriptedCommandRunner())
	state := plan.NodeStates["n1"]
	state.BaseCommit = "base0000"

	result := &ExecutionResult{
		Success:         true,
		CompletedCommit: "commit001",
		StepStatuses:    map[models.PhaseName]models.StepStatus{models.PhaseWork: models.StepSuccess},
	}

	eng.onExecutorSuccess(context.Background(), plan, sm, "n1", 1, models.TriggerInitial, time.Now(), result)

	assert.Equal(t, models.StatusSucceeded, state.Status)
	assert.Equal(t, "commit001", state.CompletedCommit)
	require.Len(t, state.AttemptHistory, 1)
	assert.Equal(t, models.StatusSucceeded, state.AttemptHistory[0].Status)
	assert.Same(t, &state.AttemptHistory[0], state.LastAttempt)
}

func TestOnExecutorSuccessLeafWithoutTargetBranchFetchesDiffStats(t *testing.T) {
	plan, sm := enginePlanWithNode("n1", true, "")
	proc := newScriptedCommandRunner()
	proc.push("git:diff", " 1 file changed, 2 insertions(+), 1 deletion(-)", 0, nil)
	eng := newTestEngine(proc)
	state := plan.NodeStates["n1"]
	state.BaseCommit = "base0000"
	state.WorktreePath = "/repo/.conductor/worktrees/n1"

	result := &ExecutionResult{
		Success:         true,
		CompletedCommit: "commit001",
		StepStatuses:    map[models.PhaseName]models.StepStatus{models.PhaseWork: models.StepSuccess},
	}

	eng.onExecutorSuccess(context.Background(), plan, sm, "n1", 1, models.TriggerInitial, time.Now(), result)

	assert.Equal(t, models.StatusSucceeded, state.Status)
	require.NotNil(t, state.AggregatedWorkSummary)
	assert.Equal(t, 2, state.AggregatedWorkSummary.LinesAdded)
	assert.Equal(t, 1, state.AggregatedWorkSummary.LinesRemoved)
	assert.Equal(t, 1, state.AggregatedWorkSummary.FilesChanged)
}

func TestOnExecutorSuccessLeafWithTargetBranchNotMergedRecordsFailure(t *testing.T) {
	plan, sm := enginePlanWithNode("n1", true, "main")
	proc := newScriptedCommandRunner()
	proc.push("git:diff", "", 0, nil)
	eng := newTestEngine(proc)
	state := plan.NodeStates["n1"]
	state.BaseCommit = "base0000"
	state.WorktreePath = "/repo/.conductor/worktrees/n1"

	result := &ExecutionResult{
		Success:         true,
		CompletedCommit: "commit001",
		StepStatuses:    map[models.PhaseName]models.StepStatus{models.PhaseMergeRI: models.StepFailed},
	}

	eng.onExecutorSuccess(context.Background(), plan, sm, "n1", 1, models.TriggerInitial, time.Now(), result)

	assert.Equal(t, models.StatusFailed, state.Status)
	require.Len(t, state.AttemptHistory, 1)
	assert.Equal(t, models.PhaseMergeRI, state.AttemptHistory[0].FailedPhase)
}

func TestEngineCleanupEligibleWorktreesRemovesOnlyFullyConsumedNodes(t *testing.T) {
	a := &models.PlanNode{ID: "a", Dependents: []string{"b"}}
	b := &models.PlanNode{ID: "b", Dependencies: []string{"a"}}
	plan := &models.PlanInstance{
		Nodes: map[string]*models.PlanNode{"a": a, "b": b},
		NodeStates: map[string]*models.NodeExecutionState{
			"a": models.NewNodeExecutionState(models.StatusSucceeded),
			"b": models.NewNodeExecutionState(models.StatusSucceeded),
		},
		Leaves: []string{"b"},
	}
	plan.NodeStates["a"].WorktreePath = "/tmp/does-not-exist-a"
	plan.NodeStates["b"].WorktreePath = "/tmp/does-not-exist-b"

	eng := newTestEngine(newScriptedCommandRunner())

	eng.cleanupEligibleWorktrees(context.Background(), plan)
	assert.False(t, plan.NodeStates["a"].WorktreeCleanedUp, "a's dependent b has not consumed it yet")

	plan.NodeStates["a"].ConsumedByDependents["b"] = true
	eng.cleanupEligibleWorktrees(context.Background(), plan)
	assert.True(t, plan.NodeStates["a"].WorktreeCleanedUp)
	assert.True(t, plan.NodeStates["b"].WorktreeCleanedUp, "leaf node with no target branch is always eligible")
}

func TestEngineRecordFailureTransitionsAndAppendsAttempt(t *testing.T) {
	plan, sm := enginePlanWithNode("n1", false, "")
	eng := newTestEngine(newScriptedCommandRunner())

	eng.recordFailure(plan, sm, "n1", 1, models.TriggerInitial, time.Now(), models.PhaseWork, "boom", nil)

	state := plan.NodeStates["n1"]
	assert.Equal(t, models.StatusFailed, state.Status)
	assert.Equal(t, "boom", state.Error)
	require.Len(t, state.AttemptHistory, 1)
	assert.Equal(t, "boom", state.AttemptHistory[0].Error)
	assert.Equal(t, models.PhaseWork, state.AttemptHistory[0].FailedPhase)
	assert.Same(t, &state.AttemptHistory[0], state.LastAttempt)
}

func TestTryAutoHealSkipsWhenPhaseNotHealable(t *testing.T) {
	plan, sm := enginePlanWithNode("n1", false, "")
	eng := newTestEngine(newScriptedCommandRunner())
	result := &ExecutionResult{FailedPhase: models.PhaseCommit}

	healed := eng.tryAutoHeal(context.Background(), plan, sm, "n1", 1, time.Now(), &ExecutionContext{}, result)
	assert.False(t, healed)
	assert.Empty(t, plan.NodeStates["n1"].AttemptHistory)
}

func TestTryAutoHealSkipsWhenAutoHealDisabled(t *testing.T) {
	plan, sm := enginePlanWithNode("n1", false, "")
	plan.Nodes["n1"].AutoHeal = false
	eng := newTestEngine(newScriptedCommandRunner())
	result := &ExecutionResult{FailedPhase: models.PhaseWork}

	healed := eng.tryAutoHeal(context.Background(), plan, sm, "n1", 1, time.Now(), &ExecutionContext{}, result)
	assert.False(t, healed)
}

func TestTryAutoHealSkipsWhenAlreadyAttemptedForPhase(t *testing.T) {
	plan, sm := enginePlanWithNode("n1", false, "")
	plan.NodeStates["n1"].AutoHealAttempted[models.PhaseWork] = true
	eng := newTestEngine(newScriptedCommandRunner())
	result := &ExecutionResult{FailedPhase: models.PhaseWork}

	healed := eng.tryAutoHeal(context.Background(), plan, sm, "n1", 1, time.Now(), &ExecutionContext{}, result)
	assert.False(t, healed)
}
