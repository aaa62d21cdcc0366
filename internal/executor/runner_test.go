package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/conductor/internal/agentrunner"
	"github.com/harrison/conductor/internal/gitops"
	"github.com/harrison/conductor/internal/models"
	"github.com/harrison/conductor/internal/procrunner"
)

// noopRunner satisfies procrunner.Runner without ever being invoked in
// these tests; runner.go's engineFor requires a non-nil Runner to build an
// Executor even when a test never dispatches a real job.
type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, dir string, env []string, name string, args []string, onOutput func(line string)) (int, error) {
	return 0, nil
}

func (noopRunner) Start(ctx context.Context, dir string, env []string, name string, args []string, onOutput func(line string)) (*procrunner.Handle, error) {
	return nil, nil
}

func testRunnerDeps() RunnerDeps {
	return RunnerDeps{
		NewGitClient: func(repoPath string) *gitops.Client { return gitops.New(repoPath) },
		NewExecutor: func(git *gitops.Client) *Executor {
			return NewExecutor(git, noopRunner{}, agentrunner.New())
		},
	}
}

func testPlanWithNode(t *testing.T, repoPath string, maxParallel int) (*models.PlanInstance, *PlanStateMachine) {
	t.Helper()
	node := &models.PlanNode{
		ID:   "node-1",
		Name: "build",
		Work: &models.WorkSpec{Kind: models.WorkShell, Command: "true"},
	}
	plan := &models.PlanInstance{
		ID:         "plan-1",
		Spec:       &models.PlanSpec{Name: "demo"},
		Nodes:      map[string]*models.PlanNode{node.ID: node},
		NodeStates: map[string]*models.NodeExecutionState{node.ID: models.NewNodeExecutionState(models.StatusPending)},
		RepoPath:   repoPath,
		MaxParallel: maxParallel,
	}
	plan.NodeStates[node.ID].Status = models.StatusReady
	bus := NewBus()
	sm := NewPlanStateMachine(plan, bus)
	return plan, sm
}

func newTestRunner() *Runner {
	return NewRunner(testRunnerDeps(), NewBus())
}

func TestRunnerEnqueueRegistersPlan(t *testing.T) {
	r := newTestRunner()
	spec := &models.PlanSpec{
		Name:     "demo",
		RepoPath: "/tmp/repo",
		Jobs: []models.JobSpec{
			{ProducerID: "build", Name: "build", Task: "build the thing", Work: &models.WorkSpec{Kind: models.WorkShell, Command: "true"}},
		},
	}

	plan, err := r.Enqueue(spec, BuildOptions{})
	require.NoError(t, err)
	require.NotNil(t, plan)

	got, ok := r.Plan(plan.ID)
	assert.True(t, ok)
	assert.Same(t, plan, got)
}

func TestRunnerPumpRespectsMaxParallel(t *testing.T) {
	r := newTestRunner()
	plan, _ := testPlanWithNode(t, "/tmp/repo", 1)

	node2 := &models.PlanNode{ID: "node-2", Name: "test", Work: &models.WorkSpec{Kind: models.WorkShell, Command: "true"}}
	plan.Nodes[node2.ID] = node2
	plan.NodeStates[node2.ID] = models.NewNodeExecutionState(models.StatusPending)
	plan.NodeStates[node2.ID].Status = models.StatusReady

	bus := NewBus()
	sm := NewPlanStateMachine(plan, bus)

	r.mu.Lock()
	r.plans[plan.ID] = plan
	r.stateMachines[plan.ID] = sm
	r.running[plan.ID] = make(map[string]bool)
	r.cancelFuncs[plan.ID] = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	// Pre-fill running so capacity is already exhausted: Pump must not pick
	// up either ready node.
	r.mu.Lock()
	r.running[plan.ID]["already-running"] = true
	r.mu.Unlock()

	r.Pump(plan.ID)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, models.StatusReady, plan.NodeStates["node-1"].Status)
	assert.Equal(t, models.StatusReady, plan.NodeStates["node-2"].Status)
}

func TestRunnerRetryNodeRefusesClearWorktreeAfterWorkCommit(t *testing.T) {
	r := newTestRunner()
	plan, sm := testPlanWithNode(t, "/tmp/repo", 1)
	plan.NodeStates["node-1"].Status = models.StatusFailed
	plan.NodeStates["node-1"].WorkCommit = "abc123"

	r.mu.Lock()
	r.plans[plan.ID] = plan
	r.stateMachines[plan.ID] = sm
	r.running[plan.ID] = make(map[string]bool)
	r.cancelFuncs[plan.ID] = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	err := r.RetryNode(plan.ID, "node-1", RetryOptions{ClearWorktree: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already been committed")
	assert.Equal(t, models.StatusFailed, plan.NodeStates["node-1"].Status)
}

func TestRunnerRetryNodeResetsToReadyWhenNoDependencies(t *testing.T) {
	r := newTestRunner()
	// maxParallel 0 keeps RetryNode's trailing Pump call from dispatching a
	// real job; this test only checks the status/error reset.
	plan, sm := testPlanWithNode(t, "/tmp/repo", 0)
	plan.NodeStates["node-1"].Status = models.StatusFailed
	plan.NodeStates["node-1"].Error = "boom"
	plan.NodeStates["node-1"].StepStatuses[models.PhaseWork] = models.StepFailed

	r.mu.Lock()
	r.plans[plan.ID] = plan
	r.stateMachines[plan.ID] = sm
	r.running[plan.ID] = make(map[string]bool)
	r.cancelFuncs[plan.ID] = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	err := r.RetryNode(plan.ID, "node-1", RetryOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, plan.NodeStates["node-1"].Status)
	assert.Empty(t, plan.NodeStates["node-1"].Error)
}

func TestRunnerRetryNodeSwapsWorkSpecAndClearsStepStatuses(t *testing.T) {
	r := newTestRunner()
	plan, sm := testPlanWithNode(t, "/tmp/repo", 0)
	plan.NodeStates["node-1"].Status = models.StatusFailed
	plan.NodeStates["node-1"].StepStatuses[models.PhaseWork] = models.StepFailed

	r.mu.Lock()
	r.plans[plan.ID] = plan
	r.stateMachines[plan.ID] = sm
	r.running[plan.ID] = make(map[string]bool)
	r.cancelFuncs[plan.ID] = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	newWork := &models.WorkSpec{Kind: models.WorkShell, Command: "echo retried"}
	err := r.RetryNode(plan.ID, "node-1", RetryOptions{NewWork: newWork})
	require.NoError(t, err)
	assert.Same(t, newWork, plan.Nodes["node-1"].Work)
	assert.Empty(t, plan.NodeStates["node-1"].StepStatuses)
}

func TestRunnerForceFailNodeMarksFailedAndFlagsForceFailed(t *testing.T) {
	r := newTestRunner()
	plan, sm := testPlanWithNode(t, "/tmp/repo", 1)
	plan.NodeStates["node-1"].Status = models.StatusRunning
	plan.NodeStates["node-1"].Attempts = 1

	r.mu.Lock()
	r.plans[plan.ID] = plan
	r.stateMachines[plan.ID] = sm
	r.running[plan.ID] = make(map[string]bool)
	r.cancelFuncs[plan.ID] = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	err := r.ForceFailNode(plan.ID, "node-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, plan.NodeStates["node-1"].Status)
	assert.True(t, plan.NodeStates["node-1"].ForceFailed)
	assert.Equal(t, "Manually failed by user", plan.NodeStates["node-1"].Error)
	assert.Equal(t, 2, plan.NodeStates["node-1"].Attempts, "force-failing a running node counts as an attempt")
}

func TestRunnerForceFailNodeLeavesAttemptsUnchangedWhenNotRunning(t *testing.T) {
	r := newTestRunner()
	plan, sm := testPlanWithNode(t, "/tmp/repo", 1)
	plan.NodeStates["node-1"].Status = models.StatusReady
	plan.NodeStates["node-1"].Attempts = 0

	r.mu.Lock()
	r.plans[plan.ID] = plan
	r.stateMachines[plan.ID] = sm
	r.running[plan.ID] = make(map[string]bool)
	r.cancelFuncs[plan.ID] = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	err := r.ForceFailNode(plan.ID, "node-1")
	require.NoError(t, err)
	assert.Equal(t, 0, plan.NodeStates["node-1"].Attempts)
}

func TestRunnerForceFailNodeRejectsAlreadyTerminal(t *testing.T) {
	r := newTestRunner()
	plan, sm := testPlanWithNode(t, "/tmp/repo", 1)
	plan.NodeStates["node-1"].Status = models.StatusSucceeded

	r.mu.Lock()
	r.plans[plan.ID] = plan
	r.stateMachines[plan.ID] = sm
	r.running[plan.ID] = make(map[string]bool)
	r.cancelFuncs[plan.ID] = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	err := r.ForceFailNode(plan.ID, "node-1")
	assert.Error(t, err)
}

func TestRunnerPauseResume(t *testing.T) {
	r := newTestRunner()
	plan, sm := testPlanWithNode(t, "/tmp/repo", 1)
	// Leave node-1 pending (not ready) so Resume's pump pass has nothing to
	// dispatch; this test only checks the IsPaused flag flip.
	plan.NodeStates["node-1"].Status = models.StatusPending

	r.mu.Lock()
	r.plans[plan.ID] = plan
	r.stateMachines[plan.ID] = sm
	r.running[plan.ID] = make(map[string]bool)
	r.cancelFuncs[plan.ID] = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	require.NoError(t, r.Pause(plan.ID))
	assert.True(t, plan.IsPaused)

	require.NoError(t, r.Resume(plan.ID))
	assert.False(t, plan.IsPaused)
}

func TestRunnerDeleteRemovesFromMemory(t *testing.T) {
	r := newTestRunner()
	plan, sm := testPlanWithNode(t, "/tmp/repo", 1)

	r.mu.Lock()
	r.plans[plan.ID] = plan
	r.stateMachines[plan.ID] = sm
	r.running[plan.ID] = make(map[string]bool)
	r.cancelFuncs[plan.ID] = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	require.NoError(t, r.Delete(plan.ID))
	_, ok := r.Plan(plan.ID)
	assert.False(t, ok)
}
