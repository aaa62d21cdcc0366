package executor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/harrison/conductor/internal/gitops"
	"github.com/harrison/conductor/internal/logger"
	"github.com/harrison/conductor/internal/models"
)

// Persister durably snapshots and removes plan state (spec.md section 4.7).
// Implemented by internal/persistence.Store; declared here as a narrow
// interface so this package does not depend on the persistence package's
// concrete type, the same way it already depends on logger.PlanLogger.
type Persister interface {
	Save(plan *models.PlanInstance) error
	Delete(planID string) error
}

// AttemptArchiver durably records a completed attempt (spec.md section
// 4.7's "durable attempt archive" supplement). Implemented by
// internal/history.Store. A nil AttemptArchiver disables archiving.
type AttemptArchiver interface {
	RecordAttempt(ctx context.Context, planID, planName, nodeID, nodeName string, rec models.AttemptRecord) error
}

// RetryOptions parameterizes Runner.RetryNode (spec.md section 4.6).
type RetryOptions struct {
	NewWork       *models.WorkSpec
	NewPrechecks  *models.WorkSpec
	NewPostchecks *models.WorkSpec
	ClearWorktree bool
	ResumeSession *bool
}

// RunnerDeps wires the Runner's external collaborators. NewGitClient and
// NewExecutor build the per-repo Executor/Engine pair the first time a plan
// against that repo is scheduled.
type RunnerDeps struct {
	NewGitClient func(repoPath string) *gitops.Client
	NewExecutor  func(git *gitops.Client) *Executor
	Persister    Persister
	Archiver     AttemptArchiver
	Log          logger.PlanLogger

	// GlobalMaxParallel caps total concurrently running nodes across every
	// plan. Zero means unlimited (spec.md section 4.6, "respect a global
	// cap if configured").
	GlobalMaxParallel int
}

// Runner is the single-process owner of every PlanInstance: it drives the
// scheduling pump, exposes retry/force-fail/cancel/pause/resume/delete, and
// fans out lifecycle events (spec.md section 4.6).
type Runner struct {
	deps RunnerDeps
	bus  *Bus

	mu            sync.Mutex
	plans         map[string]*models.PlanInstance
	stateMachines map[string]*PlanStateMachine
	engines       map[string]*Engine // keyed by repo path
	running       map[string]map[string]bool
	cancelFuncs   map[string]map[string]context.CancelFunc

	globalSem chan struct{} // nil when GlobalMaxParallel is 0 (unlimited)
}

// NewRunner constructs a Runner publishing events on bus.
func NewRunner(deps RunnerDeps, bus *Bus) *Runner {
	r := &Runner{
		deps:          deps,
		bus:           bus,
		plans:         make(map[string]*models.PlanInstance),
		stateMachines: make(map[string]*PlanStateMachine),
		engines:       make(map[string]*Engine),
		running:       make(map[string]map[string]bool),
		cancelFuncs:   make(map[string]map[string]context.CancelFunc),
	}
	if deps.GlobalMaxParallel > 0 {
		r.globalSem = make(chan struct{}, deps.GlobalMaxParallel)
	}
	return r
}

// Enqueue builds a PlanInstance from spec, registers it, persists it, and
// returns it. The plan does not start running until Start is called.
func (r *Runner) Enqueue(spec *models.PlanSpec, opts BuildOptions) (*models.PlanInstance, error) {
	plan, err := BuildPlan(spec, opts)
	if err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}

	sm := NewPlanStateMachine(plan, r.bus)

	r.mu.Lock()
	r.plans[plan.ID] = plan
	r.stateMachines[plan.ID] = sm
	r.running[plan.ID] = make(map[string]bool)
	r.cancelFuncs[plan.ID] = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	if err := r.persist(plan); err != nil {
		return nil, err
	}
	r.bus.Publish(Event{Kind: EventPlanRegistered, PlanID: plan.ID})
	return plan, nil
}

// Register loads an already-built PlanInstance (typically read back from
// persistence by a fresh CLI invocation) into the Runner without rebuilding
// or re-persisting it, so subsequent calls like Start/Pump/RetryNode can
// find it by ID.
func (r *Runner) Register(plan *models.PlanInstance) *PlanStateMachine {
	sm := NewPlanStateMachine(plan, r.bus)
	r.mu.Lock()
	r.plans[plan.ID] = plan
	r.stateMachines[plan.ID] = sm
	r.running[plan.ID] = make(map[string]bool)
	r.cancelFuncs[plan.ID] = make(map[string]context.CancelFunc)
	r.mu.Unlock()
	return sm
}

// Start marks a plan as started and kicks the scheduling pump.
func (r *Runner) Start(planID string) error {
	plan, _, err := r.lookup(planID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if plan.StartedAt == nil {
		now := time.Now()
		plan.StartedAt = &now
	}
	r.mu.Unlock()

	r.bus.Publish(Event{Kind: EventPlanStarted, PlanID: planID})
	if r.deps.Log != nil {
		r.deps.Log.LogPlanEvent(string(EventPlanStarted), planID)
	}
	r.persistAsync(plan)
	r.Pump(planID)
	return nil
}

// Cancel transitions every non-terminal node of a plan to canceled.
func (r *Runner) Cancel(planID string) error {
	plan, sm, err := r.lookup(planID)
	if err != nil {
		return err
	}
	sm.CancelAll()
	r.cancelRunningContexts(planID)
	if r.deps.Log != nil {
		r.deps.Log.LogPlanEvent("planCanceled", planID)
	}
	return r.persist(plan)
}

// Pause flips a plan's isPaused flag on; the pump will stop scheduling new
// work for it (in-flight nodes run to completion).
func (r *Runner) Pause(planID string) error {
	plan, _, err := r.lookup(planID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	plan.IsPaused = true
	r.mu.Unlock()
	r.bus.Publish(Event{Kind: EventPlanPaused, PlanID: planID})
	if r.deps.Log != nil {
		r.deps.Log.LogPlanEvent(string(EventPlanPaused), planID)
	}
	return r.persist(plan)
}

// Resume flips a plan's isPaused flag off and kicks the pump.
func (r *Runner) Resume(planID string) error {
	plan, _, err := r.lookup(planID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	plan.IsPaused = false
	r.mu.Unlock()
	r.bus.Publish(Event{Kind: EventPlanResumed, PlanID: planID})
	if r.deps.Log != nil {
		r.deps.Log.LogPlanEvent(string(EventPlanResumed), planID)
	}
	if err := r.persist(plan); err != nil {
		return err
	}
	r.Pump(planID)
	return nil
}

// Delete removes a plan from memory and from persisted storage.
func (r *Runner) Delete(planID string) error {
	r.mu.Lock()
	_, ok := r.plans[planID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown plan %s", planID)
	}
	delete(r.plans, planID)
	delete(r.stateMachines, planID)
	delete(r.running, planID)
	delete(r.cancelFuncs, planID)
	r.mu.Unlock()

	if r.deps.Persister != nil {
		if err := r.deps.Persister.Delete(planID); err != nil {
			return err
		}
	}
	r.bus.Publish(Event{Kind: EventPlanDeleted, PlanID: planID})
	if r.deps.Log != nil {
		r.deps.Log.LogPlanEvent(string(EventPlanDeleted), planID)
	}
	return nil
}

// Plan returns the live PlanInstance for planID, if registered.
func (r *Runner) Plan(planID string) (*models.PlanInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.plans[planID]
	return plan, ok
}

// SetLogger swaps the Runner's PlanLogger, letting a caller attach a
// per-plan logger (e.g. a file-backed one opened once the plan ID is known)
// after construction.
func (r *Runner) SetLogger(log logger.PlanLogger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps.Log = log
}

// Lookup returns the registered PlanInstance and its state machine, or an
// error if planID is not currently registered with this Runner.
func (r *Runner) Lookup(planID string) (*models.PlanInstance, *PlanStateMachine, error) {
	return r.lookup(planID)
}

func (r *Runner) lookup(planID string) (*models.PlanInstance, *PlanStateMachine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.plans[planID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown plan %s", planID)
	}
	return plan, r.stateMachines[planID], nil
}

// --- scheduling pump (spec.md section 4.6) ---

// Pump runs one pass of the scheduling loop for planID: pick ready nodes up
// to the plan's maxParallel (and the runner's global cap), transition them
// to scheduled, and hand them to the Engine concurrently. Call it after any
// state change; ExecuteJob completions call it again automatically.
func (r *Runner) Pump(planID string) {
	r.mu.Lock()
	plan, ok := r.plans[planID]
	if !ok {
		r.mu.Unlock()
		return
	}
	sm := r.stateMachines[planID]
	if plan.IsPaused || plan.EndedAt != nil {
		r.mu.Unlock()
		return
	}

	capacity := plan.MaxParallel - len(r.running[planID])
	if capacity <= 0 {
		r.mu.Unlock()
		return
	}

	var ready []string
	for id, state := range plan.NodeStates {
		if state.Status == models.StatusReady {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var toRun []string
	for _, id := range ready {
		if capacity <= 0 {
			break
		}
		if r.globalSem != nil {
			select {
			case r.globalSem <- struct{}{}:
			default:
				continue
			}
		}
		toRun = append(toRun, id)
		capacity--
	}

	for _, id := range toRun {
		sm.Transition(id, models.StatusScheduled, nil)
		r.running[planID][id] = true
	}
	engine := r.engineFor(plan)
	r.mu.Unlock()

	for _, id := range toRun {
		go r.runNode(planID, plan, sm, engine, id)
	}
}

func (r *Runner) engineFor(plan *models.PlanInstance) *Engine {
	if eng, ok := r.engines[plan.RepoPath]; ok {
		return eng
	}
	git := r.deps.NewGitClient(plan.RepoPath)
	eng := &Engine{Git: git, Executor: r.deps.NewExecutor(git)}
	r.engines[plan.RepoPath] = eng
	return eng
}

func (r *Runner) runNode(planID string, plan *models.PlanInstance, sm *PlanStateMachine, engine *Engine, nodeID string) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancelFuncs[planID][nodeID] = cancel
	r.mu.Unlock()

	node := plan.Nodes[nodeID]
	r.bus.Publish(Event{Kind: EventNodeStarted, PlanID: planID, NodeID: nodeID})
	if r.deps.Log != nil {
		r.deps.Log.LogNodeTransition(nodeID, node.Name, "scheduled", "running")
	}

	engine.ExecuteJob(ctx, plan, sm, nodeID)

	cancel()
	r.mu.Lock()
	delete(r.cancelFuncs[planID], nodeID)
	delete(r.running[planID], nodeID)
	r.mu.Unlock()
	if r.globalSem != nil {
		<-r.globalSem
	}

	state := plan.NodeStates[nodeID]
	success := state.Status == models.StatusSucceeded
	r.bus.Publish(Event{Kind: EventNodeCompleted, PlanID: planID, NodeID: nodeID, Success: success})
	if r.deps.Log != nil {
		r.deps.Log.LogNodeTransition(nodeID, node.Name, "running", string(state.Status))
	}

	r.archiveLastAttempt(planID, plan, nodeID)
	r.persistAsync(plan)
	r.Pump(planID)
}

func (r *Runner) archiveLastAttempt(planID string, plan *models.PlanInstance, nodeID string) {
	if r.deps.Archiver == nil {
		return
	}
	state := plan.NodeStates[nodeID]
	if state.LastAttempt == nil {
		return
	}
	node := plan.Nodes[nodeID]
	planName := ""
	if plan.Spec != nil {
		planName = plan.Spec.Name
	}
	if err := r.deps.Archiver.RecordAttempt(context.Background(), planID, planName, nodeID, node.Name, *state.LastAttempt); err != nil {
		if r.deps.Log != nil {
			r.deps.Log.LogWarn(fmt.Sprintf("failed to archive attempt for node %s: %v", nodeID, err))
		}
	}
}

func (r *Runner) cancelRunningContexts(planID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.cancelFuncs[planID] {
		cancel()
	}
}

func (r *Runner) persist(plan *models.PlanInstance) error {
	if r.deps.Persister == nil {
		return nil
	}
	return r.deps.Persister.Save(plan)
}

// persistAsync is used on hot paths (node completion, start/resume) where a
// persistence error should be logged rather than propagated to a caller
// that has no plan-affecting action left to take.
func (r *Runner) persistAsync(plan *models.PlanInstance) {
	if err := r.persist(plan); err != nil && r.deps.Log != nil {
		r.deps.Log.LogWarn(fmt.Sprintf("failed to persist plan %s: %v", plan.ID, err))
	}
}

// --- retry / force-fail (spec.md section 4.6) ---

// RetryNode re-queues a failed node, optionally swapping in new WorkSpecs
// or clearing its worktree, then kicks the pump.
func (r *Runner) RetryNode(planID, nodeID string, opts RetryOptions) error {
	plan, sm, err := r.lookup(planID)
	if err != nil {
		return err
	}
	node, ok := plan.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown node %s", nodeID)
	}
	state := plan.NodeStates[nodeID]
	if state.Status != models.StatusFailed {
		return fmt.Errorf("node %s is not failed (status=%s)", nodeID, state.Status)
	}

	changed := false
	if opts.NewWork != nil {
		node.Work = opts.NewWork
		changed = true
	}
	if opts.NewPrechecks != nil {
		node.Prechecks = opts.NewPrechecks
		changed = true
	}
	if opts.NewPostchecks != nil {
		node.Postchecks = opts.NewPostchecks
		changed = true
	}

	switchedAwayFromAgent := changed && !isAgentSpec(node.Work) && !isAgentSpec(node.Prechecks) && !isAgentSpec(node.Postchecks)
	if switchedAwayFromAgent || (opts.ResumeSession != nil && !*opts.ResumeSession) {
		state.CopilotSessionID = ""
	}

	if !changed && state.CopilotSessionID != "" && state.LastAttempt != nil {
		logs := state.LastAttempt.Logs
		if len(logs) > 2000 {
			logs = logs[len(logs)-2000:]
		}
		healSpec := models.WorkSpec{
			Kind: models.WorkAgent,
			Instructions: fmt.Sprintf(
				"The previous attempt failed in phase %s: %s\n\nRecent log output:\n%s",
				state.LastAttempt.FailedPhase, state.LastAttempt.Error, logs,
			),
		}
		node.Work = &healSpec
		changed = true
	}

	if opts.ClearWorktree {
		if state.WorkCommit != "" {
			return fmt.Errorf("refusing to clear worktree for node %s: work has already been committed", nodeID)
		}
		if err := r.clearWorktree(plan, state); err != nil {
			return fmt.Errorf("clear worktree for node %s: %w", nodeID, err)
		}
	}

	state.Error = ""
	state.EndedAt = nil
	state.StartedAt = nil

	if changed || opts.ClearWorktree {
		state.StepStatuses = map[models.PhaseName]models.StepStatus{}
		state.ResumeFromPhase = ""
	} else if state.LastAttempt != nil {
		state.ResumeFromPhase = state.LastAttempt.FailedPhase
	}

	sm.ResetNodeToPending(nodeID)
	plan.EndedAt = nil

	r.bus.Publish(Event{Kind: EventNodeRetry, PlanID: planID, NodeID: nodeID})
	if err := r.persist(plan); err != nil {
		return err
	}
	r.Pump(planID)
	return nil
}

func isAgentSpec(w *models.WorkSpec) bool {
	return w != nil && w.IsAgent()
}

func (r *Runner) clearWorktree(plan *models.PlanInstance, state *models.NodeExecutionState) error {
	if state.WorktreePath == "" {
		return nil
	}
	r.mu.Lock()
	engine := r.engineFor(plan)
	r.mu.Unlock()
	ctx := context.Background()
	if err := engine.Git.Fetch(ctx); err != nil {
		return err
	}
	if err := engine.Git.ResetHard(ctx, state.WorktreePath, state.BaseCommit); err != nil {
		return err
	}
	return engine.Git.Clean(ctx, state.WorktreePath)
}

// ForceFailNode marks nodeID as failed immediately, best-effort killing its
// process and abandoning any in-flight executor context.
func (r *Runner) ForceFailNode(planID, nodeID string) error {
	plan, sm, err := r.lookup(planID)
	if err != nil {
		return err
	}
	state, ok := plan.NodeStates[nodeID]
	if !ok {
		return fmt.Errorf("unknown node %s", nodeID)
	}

	r.mu.Lock()
	if cancel, ok := r.cancelFuncs[planID][nodeID]; ok {
		cancel()
	}
	r.mu.Unlock()

	if state.PID != 0 {
		killProcess(state.PID)
	}

	ok = sm.forceTransition(nodeID, models.StatusFailed, func(s *models.NodeExecutionState) {
		if s.Status == models.StatusRunning {
			s.Attempts++
		}
		s.ForceFailed = true
		s.Error = "Manually failed by user"
	})
	if !ok {
		return fmt.Errorf("node %s cannot be force-failed from status %s", nodeID, state.Status)
	}

	return r.persist(plan)
}

func killProcess(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Kill()
}
