package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/conductor/internal/models"
)

func newChainPlan() (*models.PlanInstance, *PlanStateMachine) {
	a := &models.PlanNode{ID: "a", ProducerID: "a", Dependents: []string{"b"}}
	b := &models.PlanNode{ID: "b", ProducerID: "b", Dependencies: []string{"a"}, Dependents: []string{"c"}}
	c := &models.PlanNode{ID: "c", ProducerID: "c", Dependencies: []string{"b"}}

	plan := &models.PlanInstance{
		ID:    "plan-1",
		Spec:  &models.PlanSpec{Name: "chain"},
		Nodes: map[string]*models.PlanNode{"a": a, "b": b, "c": c},
		NodeStates: map[string]*models.NodeExecutionState{
			"a": models.NewNodeExecutionState(models.StatusReady),
			"b": models.NewNodeExecutionState(models.StatusPending),
			"c": models.NewNodeExecutionState(models.StatusPending),
		},
	}
	sm := NewPlanStateMachine(plan, NewBus())
	return plan, sm
}

func TestTransitionRejectsUnknownNode(t *testing.T) {
	_, sm := newChainPlan()
	assert.False(t, sm.Transition("missing", models.StatusRunning, nil))
}

func TestTransitionRejectsInvalidMove(t *testing.T) {
	_, sm := newChainPlan()
	assert.False(t, sm.Transition("a", models.StatusRunning, nil))
}

func TestTransitionReadyToScheduledToRunning(t *testing.T) {
	plan, sm := newChainPlan()
	require.True(t, sm.Transition("a", models.StatusScheduled, nil))
	assert.NotNil(t, plan.NodeStates["a"].ScheduledAt)

	require.True(t, sm.Transition("a", models.StatusRunning, nil))
	assert.NotNil(t, plan.NodeStates["a"].StartedAt)
	assert.Equal(t, 2, plan.NodeStates["a"].Version)
}

func TestTransitionSucceededMarksDependentReady(t *testing.T) {
	plan, sm := newChainPlan()
	require.True(t, sm.Transition("a", models.StatusScheduled, nil))
	require.True(t, sm.Transition("a", models.StatusRunning, nil))
	require.True(t, sm.Transition("a", models.StatusSucceeded, nil))

	assert.Equal(t, models.StatusReady, plan.NodeStates["b"].Status)
	assert.NotNil(t, plan.NodeStates["a"].EndedAt)
}

func TestTransitionFailedBlocksDownstream(t *testing.T) {
	plan, sm := newChainPlan()
	require.True(t, sm.Transition("a", models.StatusScheduled, nil))
	require.True(t, sm.Transition("a", models.StatusRunning, nil))
	require.True(t, sm.Transition("a", models.StatusFailed, nil))

	assert.Equal(t, models.StatusBlocked, plan.NodeStates["b"].Status)
	assert.Equal(t, models.StatusBlocked, plan.NodeStates["c"].Status)
	assert.Contains(t, plan.NodeStates["b"].Error, "a")
}

func TestTransitionUpdatesFuncAppliedBeforeStatusChange(t *testing.T) {
	_, sm := newChainPlan()
	require.True(t, sm.Transition("a", models.StatusScheduled, func(s *models.NodeExecutionState) {
		s.Attempts = 1
	}))
	assert.Equal(t, 1, sm.plan.NodeStates["a"].Attempts)
}

func TestResetNodeToPendingReturnsToReadyWhenDepsSucceeded(t *testing.T) {
	plan, sm := newChainPlan()
	require.True(t, sm.Transition("a", models.StatusScheduled, nil))
	require.True(t, sm.Transition("a", models.StatusRunning, nil))
	require.True(t, sm.Transition("a", models.StatusFailed, nil))
	require.Equal(t, models.StatusBlocked, plan.NodeStates["b"].Status)

	// Simulate a's retry succeeding, then reset b.
	plan.NodeStates["a"].Status = models.StatusSucceeded
	sm.ResetNodeToPending("b")

	assert.Equal(t, models.StatusReady, plan.NodeStates["b"].Status)
	assert.Nil(t, plan.NodeStates["b"].EndedAt)
}

func TestResetNodeToPendingUnblocksDownstreamOnlyWhenNoOtherFailure(t *testing.T) {
	plan, sm := newChainPlan()
	require.True(t, sm.Transition("a", models.StatusScheduled, nil))
	require.True(t, sm.Transition("a", models.StatusRunning, nil))
	require.True(t, sm.Transition("a", models.StatusFailed, nil))
	require.Equal(t, models.StatusBlocked, plan.NodeStates["c"].Status)

	plan.NodeStates["a"].Status = models.StatusSucceeded
	sm.ResetNodeToPending("a")

	assert.Equal(t, models.StatusReady, plan.NodeStates["a"].Status)
	assert.Equal(t, models.StatusPending, plan.NodeStates["b"].Status)
	assert.Equal(t, models.StatusPending, plan.NodeStates["c"].Status)
}

func TestResetNodeToPendingUnknownNodeIsNoop(t *testing.T) {
	_, sm := newChainPlan()
	assert.NotPanics(t, func() { sm.ResetNodeToPending("missing") })
}

func TestGetBaseCommitsForNodeReturnsNilForRoot(t *testing.T) {
	_, sm := newChainPlan()
	assert.Nil(t, sm.GetBaseCommitsForNode("a"))
}

func TestGetBaseCommitsForNodeCollectsDependencyCommits(t *testing.T) {
	plan, sm := newChainPlan()
	plan.NodeStates["a"].CompletedCommit = "commit-a"
	assert.Equal(t, []string{"commit-a"}, sm.GetBaseCommitsForNode("b"))
}

func TestGetBaseCommitsForNodeSkipsUncompletedDependency(t *testing.T) {
	_, sm := newChainPlan()
	assert.Equal(t, []string{}, sm.GetBaseCommitsForNode("b"))
}

func TestCancelAllTransitionsNonTerminalNodesOnly(t *testing.T) {
	plan, sm := newChainPlan()
	plan.NodeStates["c"].Status = models.StatusSucceeded
	sm.CancelAll()

	assert.Equal(t, models.StatusCanceled, plan.NodeStates["a"].Status)
	assert.Equal(t, models.StatusCanceled, plan.NodeStates["b"].Status)
	assert.Equal(t, models.StatusSucceeded, plan.NodeStates["c"].Status)
}

func TestDerivePlanStatusPending(t *testing.T) {
	_, sm := newChainPlan()
	assert.Equal(t, models.PlanPending, sm.DerivePlanStatus())
}

func TestDerivePlanStatusRunningOnceStarted(t *testing.T) {
	plan, sm := newChainPlan()
	now := plan.CreatedAt
	plan.StartedAt = &now
	assert.Equal(t, models.PlanRunning, sm.DerivePlanStatus())
}

func TestDerivePlanStatusSucceededWhenAllSucceed(t *testing.T) {
	plan, sm := newChainPlan()
	for _, s := range plan.NodeStates {
		s.Status = models.StatusSucceeded
	}
	assert.Equal(t, models.PlanSucceeded, sm.DerivePlanStatus())
}

func TestDerivePlanStatusPartialWhenMixedSuccessAndFailure(t *testing.T) {
	plan, sm := newChainPlan()
	plan.NodeStates["a"].Status = models.StatusSucceeded
	plan.NodeStates["b"].Status = models.StatusFailed
	plan.NodeStates["c"].Status = models.StatusBlocked
	assert.Equal(t, models.PlanPartial, sm.DerivePlanStatus())
}

func TestDerivePlanStatusFailedWhenNoSuccesses(t *testing.T) {
	plan, sm := newChainPlan()
	plan.NodeStates["a"].Status = models.StatusFailed
	plan.NodeStates["b"].Status = models.StatusBlocked
	plan.NodeStates["c"].Status = models.StatusBlocked
	assert.Equal(t, models.PlanFailed, sm.DerivePlanStatus())
}

func TestDerivePlanStatusCanceled(t *testing.T) {
	plan, sm := newChainPlan()
	for _, s := range plan.NodeStates {
		s.Status = models.StatusCanceled
	}
	assert.Equal(t, models.PlanCanceled, sm.DerivePlanStatus())
}

func TestDerivePlanStatusPausedWhileNonTerminalRemains(t *testing.T) {
	plan, sm := newChainPlan()
	plan.IsPaused = true
	assert.Equal(t, models.PlanPaused, sm.DerivePlanStatus())
}

func TestCheckPlanCompletionStampsEndedAtAndPublishesEvent(t *testing.T) {
	plan, sm := newChainPlan()
	for _, s := range plan.NodeStates {
		s.Status = models.StatusSucceeded
	}
	sm.checkPlanCompletion()
	assert.NotNil(t, plan.EndedAt)
}

func TestGroupAggregationPropagatesToParent(t *testing.T) {
	plan, sm := newChainPlan()
	child := &models.GroupInfo{ID: "child", Path: "svc/child", ParentGroupID: "root", NodeIDs: []string{"a", "b"}}
	root := &models.GroupInfo{ID: "root", Path: "svc", ChildGroupIDs: []string{"child"}, NodeIDs: []string{"c"}}
	plan.Groups = map[string]*models.GroupInfo{"child": child, "root": root}
	plan.GroupStates = map[string]*models.GroupState{"child": models.NewGroupState(), "root": models.NewGroupState()}
	plan.Nodes["a"].GroupID = "child"
	plan.Nodes["b"].GroupID = "child"
	plan.Nodes["c"].GroupID = "root"

	plan.NodeStates["a"].Status = models.StatusRunning
	sm.recomputeGroupChainForNode("a")

	assert.Equal(t, models.GroupRunning, plan.GroupStates["child"].Status)
	assert.Equal(t, models.GroupRunning, plan.GroupStates["root"].Status)
}

func TestGroupAggregationSucceedsWhenAllMembersSucceed(t *testing.T) {
	plan, sm := newChainPlan()
	group := &models.GroupInfo{ID: "g", Path: "svc", NodeIDs: []string{"a", "b", "c"}}
	plan.Groups = map[string]*models.GroupInfo{"g": group}
	plan.GroupStates = map[string]*models.GroupState{"g": models.NewGroupState()}
	plan.Nodes["a"].GroupID = "g"
	plan.Nodes["b"].GroupID = "g"
	plan.Nodes["c"].GroupID = "g"

	for _, s := range plan.NodeStates {
		s.Status = models.StatusSucceeded
	}
	sm.recomputeGroupChainForNode("a")

	assert.Equal(t, models.GroupSucceeded, plan.GroupStates["g"].Status)
	assert.NotNil(t, plan.GroupStates["g"].EndedAt)
}

func TestGroupAggregationFailsWhenAnyMemberBlockedOrFailed(t *testing.T) {
	plan, sm := newChainPlan()
	group := &models.GroupInfo{ID: "g", Path: "svc", NodeIDs: []string{"a", "b", "c"}}
	plan.Groups = map[string]*models.GroupInfo{"g": group}
	plan.GroupStates = map[string]*models.GroupState{"g": models.NewGroupState()}
	plan.Nodes["a"].GroupID = "g"
	plan.Nodes["b"].GroupID = "g"
	plan.Nodes["c"].GroupID = "g"

	plan.NodeStates["a"].Status = models.StatusSucceeded
	plan.NodeStates["b"].Status = models.StatusFailed
	plan.NodeStates["c"].Status = models.StatusBlocked
	sm.recomputeGroupChainForNode("a")

	assert.Equal(t, models.GroupFailed, plan.GroupStates["g"].Status)
}
