package executor

import (
	"fmt"
	"log"
	"time"

	"github.com/harrison/conductor/internal/models"
)

// PlanStateMachine is the single source of truth for a plan's node and
// group status. It validates transitions, applies them, emits events, and
// runs the side effects described in spec.md section 4.2: readiness
// propagation, downstream blocking, group aggregation, and plan completion.
type PlanStateMachine struct {
	plan *models.PlanInstance
	bus  *Bus
}

// NewPlanStateMachine attaches a state machine to plan, publishing events on bus.
func NewPlanStateMachine(plan *models.PlanInstance, bus *Bus) *PlanStateMachine {
	return &PlanStateMachine{plan: plan, bus: bus}
}

// Plan returns the underlying PlanInstance.
func (sm *PlanStateMachine) Plan() *models.PlanInstance {
	return sm.plan
}

// Transition attempts to move nodeID from its current status to newStatus,
// validating against the transition table. Invalid transitions are rejected
// (logged, not panicked) and return false. updates, if non-nil, is merged
// into the node's state before the transition is recorded.
func (sm *PlanStateMachine) Transition(nodeID string, newStatus models.NodeStatus, updates func(*models.NodeExecutionState)) bool {
	state, ok := sm.plan.NodeStates[nodeID]
	if !ok {
		log.Printf("conductor: transition on unknown node %s -> %s rejected", nodeID, newStatus)
		return false
	}

	from := state.Status
	if !models.IsValidTransition(from, newStatus) {
		log.Printf("conductor: invalid transition for node %s: %s -> %s rejected", nodeID, from, newStatus)
		return false
	}

	if updates != nil {
		updates(state)
	}

	now := time.Now()
	state.Status = newStatus
	switch newStatus {
	case models.StatusScheduled:
		if state.ScheduledAt == nil {
			state.ScheduledAt = &now
		}
	case models.StatusRunning:
		if state.StartedAt == nil {
			state.StartedAt = &now
		}
	}
	if newStatus.IsTerminal() && state.EndedAt == nil {
		state.EndedAt = &now
	}

	state.Version++
	sm.plan.StateVersion++

	sm.bus.Publish(Event{Kind: EventNodeTransition, PlanID: sm.plan.ID, NodeID: nodeID, From: from, To: newStatus})

	sm.runSideEffects(nodeID, newStatus)
	sm.recomputeGroupChainForNode(nodeID)

	if newStatus.IsTerminal() {
		sm.checkPlanCompletion()
	}

	return true
}

func (sm *PlanStateMachine) runSideEffects(nodeID string, to models.NodeStatus) {
	switch to {
	case models.StatusSucceeded:
		node := sm.plan.Nodes[nodeID]
		for _, depID := range node.Dependents {
			if sm.allDepsSucceeded(depID) {
				depState := sm.plan.NodeStates[depID]
				if depState.Status == models.StatusPending {
					sm.Transition(depID, models.StatusReady, nil)
					sm.bus.Publish(Event{Kind: EventNodeTransition, PlanID: sm.plan.ID, NodeID: depID, Reason: "nodeReady"})
				}
			}
		}
	case models.StatusFailed:
		node := sm.plan.Nodes[nodeID]
		sm.blockDownstream(node)
	}
}

func (sm *PlanStateMachine) allDepsSucceeded(nodeID string) bool {
	node := sm.plan.Nodes[nodeID]
	for _, depID := range node.Dependencies {
		if sm.plan.NodeStates[depID].Status != models.StatusSucceeded {
			return false
		}
	}
	return true
}

// blockDownstream performs a BFS over every transitive downstream node of
// failedNode and transitions any non-terminal node to blocked.
func (sm *PlanStateMachine) blockDownstream(failedNode *models.PlanNode) {
	visited := make(map[string]bool)
	queue := append([]string(nil), failedNode.Dependents...)
	blockerName := failedNode.Name
	if blockerName == "" {
		blockerName = failedNode.ProducerID
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		state := sm.plan.NodeStates[id]
		if state == nil || state.Status.IsTerminal() {
			continue
		}

		reason := fmt.Sprintf("Blocked: dependency '%s' failed", blockerName)
		ok := sm.forceTransition(id, models.StatusBlocked, func(s *models.NodeExecutionState) {
			s.Error = reason
		})
		if ok {
			node := sm.plan.Nodes[id]
			queue = append(queue, node.Dependents...)
		}
	}
}

// forceTransition applies a transition without consulting the public
// transition table. blockDownstream uses it to move nodes to blocked,
// CancelAll to canceled, and Runner.ForceFailNode to failed. It only acts on
// a node whose current status is non-terminal, so it never moves a node out
// of a terminal state.
func (sm *PlanStateMachine) forceTransition(nodeID string, to models.NodeStatus, updates func(*models.NodeExecutionState)) bool {
	state := sm.plan.NodeStates[nodeID]
	if state == nil || state.Status.IsTerminal() {
		return false
	}
	from := state.Status
	if updates != nil {
		updates(state)
	}
	now := time.Now()
	state.Status = to
	if to.IsTerminal() && state.EndedAt == nil {
		state.EndedAt = &now
	}
	state.Version++
	sm.plan.StateVersion++
	sm.bus.Publish(Event{Kind: EventNodeTransition, PlanID: sm.plan.ID, NodeID: nodeID, From: from, To: to})
	sm.recomputeGroupChainForNode(nodeID)
	if to.IsTerminal() {
		sm.checkPlanCompletion()
	}
	return true
}

// ResetNodeToPending bypasses the normal transition table for a user-driven
// retry (spec.md section 4.2). It moves nodeID back to ready (if its
// dependencies already succeeded) or pending, then walks downstream undoing
// any blocked status whose only blocker was this node.
func (sm *PlanStateMachine) ResetNodeToPending(nodeID string) {
	state := sm.plan.NodeStates[nodeID]
	if state == nil {
		return
	}

	target := models.StatusPending
	if sm.allDepsSucceeded(nodeID) {
		target = models.StatusReady
	}

	from := state.Status
	state.Status = target
	state.EndedAt = nil
	state.Version++
	sm.plan.StateVersion++
	sm.bus.Publish(Event{Kind: EventNodeTransition, PlanID: sm.plan.ID, NodeID: nodeID, From: from, To: target, Reason: "retry"})
	sm.recomputeGroupChainForNode(nodeID)

	sm.unblockDownstream(sm.plan.Nodes[nodeID])
}

// unblockDownstream walks downstream of node, resetting any blocked node
// back to pending provided every one of ITS dependencies is no longer
// failed (i.e. this node was the only blocker on that path).
func (sm *PlanStateMachine) unblockDownstream(node *models.PlanNode) {
	visited := make(map[string]bool)
	queue := append([]string(nil), node.Dependents...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		state := sm.plan.NodeStates[id]
		if state == nil || state.Status != models.StatusBlocked {
			continue
		}

		stillBlocked := false
		for _, depID := range sm.plan.Nodes[id].Dependencies {
			if sm.plan.NodeStates[depID].Status == models.StatusFailed {
				stillBlocked = true
				break
			}
		}
		if stillBlocked {
			continue
		}

		from := state.Status
		state.Status = models.StatusPending
		state.EndedAt = nil
		state.Error = ""
		state.Version++
		sm.plan.StateVersion++
		sm.bus.Publish(Event{Kind: EventNodeTransition, PlanID: sm.plan.ID, NodeID: id, From: from, To: models.StatusPending, Reason: "unblocked"})
		sm.recomputeGroupChainForNode(id)

		queue = append(queue, sm.plan.Nodes[id].Dependents...)
	}
}

// GetBaseCommitsForNode returns the commits a node should FI-merge, in
// dependency-declaration order: the first is the base, the rest are
// additional sources (spec.md section 4.2). Root nodes return nil.
func (sm *PlanStateMachine) GetBaseCommitsForNode(nodeID string) []string {
	node := sm.plan.Nodes[nodeID]
	if node == nil || len(node.Dependencies) == 0 {
		return nil
	}
	commits := make([]string, 0, len(node.Dependencies))
	for _, depID := range node.Dependencies {
		depState := sm.plan.NodeStates[depID]
		if depState != nil && depState.CompletedCommit != "" {
			commits = append(commits, depState.CompletedCommit)
		}
	}
	return commits
}

// CancelAll transitions every non-terminal node to canceled.
func (sm *PlanStateMachine) CancelAll() {
	for id, state := range sm.plan.NodeStates {
		if !state.Status.IsTerminal() {
			sm.forceTransition(id, models.StatusCanceled, nil)
		}
	}
}

// --- group aggregation (spec.md section 4.2) ---

func (sm *PlanStateMachine) recomputeGroupChainForNode(nodeID string) {
	node, ok := sm.plan.Nodes[nodeID]
	if !ok || node.GroupID == "" {
		return
	}
	sm.recomputeGroupChain(node.GroupID)
}

func (sm *PlanStateMachine) recomputeGroupChain(groupID string) {
	for groupID != "" {
		changed := sm.recomputeGroup(groupID)
		group := sm.plan.Groups[groupID]
		if group == nil || !changed {
			return
		}
		groupID = group.ParentGroupID
	}
}

// memberStatuses collects the status of every direct member of a group,
// treating each child group as one entity whose status is its own
// GroupState.Status.
func (sm *PlanStateMachine) memberStatuses(group *models.GroupInfo) []models.NodeStatus {
	statuses := make([]models.NodeStatus, 0, len(group.NodeIDs)+len(group.ChildGroupIDs))
	for _, nodeID := range group.NodeIDs {
		statuses = append(statuses, sm.plan.NodeStates[nodeID].Status)
	}
	for _, childID := range group.ChildGroupIDs {
		childState := sm.plan.GroupStates[childID]
		statuses = append(statuses, groupStatusAsNodeStatus(childState.Status))
	}
	return statuses
}

func groupStatusAsNodeStatus(gs models.GroupStatus) models.NodeStatus {
	switch gs {
	case models.GroupRunning:
		return models.StatusRunning
	case models.GroupSucceeded:
		return models.StatusSucceeded
	case models.GroupFailed:
		return models.StatusFailed
	case models.GroupCanceled:
		return models.StatusCanceled
	default:
		return models.StatusPending
	}
}

func (sm *PlanStateMachine) recomputeGroup(groupID string) bool {
	group := sm.plan.Groups[groupID]
	state := sm.plan.GroupStates[groupID]
	if group == nil || state == nil {
		return false
	}

	statuses := sm.memberStatuses(group)
	prevStatus, prevStarted, prevEnded := state.Status, state.StartedAt, state.EndedAt

	anyStarted := false
	allCompleted := len(statuses) > 0
	anyRunning := false
	anyFailedOrBlocked := false
	anySucceeded := false
	anyCanceled := false

	for _, st := range statuses {
		if st == models.StatusRunning || st == models.StatusScheduled {
			anyRunning = true
		}
		if st == models.StatusFailed || st == models.StatusBlocked {
			anyFailedOrBlocked = true
		}
		if st == models.StatusSucceeded {
			anySucceeded = true
		}
		if st == models.StatusCanceled {
			anyCanceled = true
		}
		// anyStarted only gates the GroupRunning fallthrough below once none of
		// the terminal-outcome cases above matched, so it only needs to ask
		// "has this group left Pending" — a Ready node counts too, since the
		// group has made progress (scheduled) even though nothing is running
		// yet. Neither half is blocking on its own; together they cover every
		// non-Pending status.
		if !st.IsTerminal() && st != models.StatusPending {
			anyStarted = true
		}
		if st != models.StatusPending && st != models.StatusReady {
			anyStarted = true
		}
		if !st.IsTerminal() {
			allCompleted = false
		}
	}

	var newStatus models.GroupStatus
	switch {
	case anyRunning:
		newStatus = models.GroupRunning
		state.EndedAt = nil
	case anyFailedOrBlocked:
		newStatus = models.GroupFailed
		if allCompleted {
			state.EndedAt = latestEndedAt(sm.plan, group)
		}
	case allCompleted:
		switch {
		case allStatusesAre(statuses, models.StatusSucceeded):
			newStatus = models.GroupSucceeded
		case allStatusesAre(statuses, models.StatusCanceled):
			newStatus = models.GroupCanceled
		case anySucceeded || anyCanceled:
			newStatus = models.GroupFailed
		default:
			newStatus = models.GroupFailed
		}
		state.EndedAt = latestEndedAt(sm.plan, group)
	case anyStarted:
		newStatus = models.GroupRunning
	default:
		newStatus = models.GroupPending
	}

	if state.StartedAt == nil && (newStatus == models.GroupRunning || newStatus == models.GroupSucceeded || newStatus == models.GroupFailed || newStatus == models.GroupCanceled) {
		now := time.Now()
		state.StartedAt = &now
	}

	changed := newStatus != prevStatus || !timePtrEqual(prevStarted, state.StartedAt) || !timePtrEqual(prevEnded, state.EndedAt)
	if changed {
		state.Status = newStatus
		state.Version++
		sm.plan.StateVersion++
	}
	return changed
}

func allStatusesAre(statuses []models.NodeStatus, want models.NodeStatus) bool {
	for _, st := range statuses {
		if st != want {
			return false
		}
	}
	return true
}

func latestEndedAt(plan *models.PlanInstance, group *models.GroupInfo) *time.Time {
	var latest *time.Time
	for _, nodeID := range group.NodeIDs {
		if ended := plan.NodeStates[nodeID].EndedAt; ended != nil {
			if latest == nil || ended.After(*latest) {
				latest = ended
			}
		}
	}
	for _, childID := range group.ChildGroupIDs {
		if ended := plan.GroupStates[childID].EndedAt; ended != nil {
			if latest == nil || ended.After(*latest) {
				latest = ended
			}
		}
	}
	if latest == nil {
		now := time.Now()
		latest = &now
	}
	return latest
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Equal(*b)
}

// --- plan completion (spec.md section 4.2) ---

// checkPlanCompletion recomputes the derived plan status and, if it is no
// longer pending/running, stamps EndedAt and emits planCompleted.
func (sm *PlanStateMachine) checkPlanCompletion() {
	status := sm.DerivePlanStatus()
	if status == models.PlanPending || status == models.PlanRunning || status == models.PlanPaused {
		return
	}
	if sm.plan.EndedAt == nil {
		ended := sm.computeEffectiveEndedAt()
		if ended == nil {
			now := time.Now()
			ended = &now
		}
		sm.plan.EndedAt = ended
		sm.bus.Publish(Event{Kind: EventPlanCompleted, PlanID: sm.plan.ID, Reason: string(status)})
	}
}

func (sm *PlanStateMachine) computeEffectiveEndedAt() *time.Time {
	var latest *time.Time
	for _, state := range sm.plan.NodeStates {
		if state.EndedAt != nil && (latest == nil || state.EndedAt.After(*latest)) {
			latest = state.EndedAt
		}
	}
	return latest
}

// DerivePlanStatus computes the plan's aggregate status from node states
// per the rules in spec.md section 4.2.
func (sm *PlanStateMachine) DerivePlanStatus() models.PlanStatus {
	hasStarted := sm.plan.StartedAt != nil
	isPaused := sm.plan.IsPaused

	var anyRunningOrScheduled, anyReadyOrPending, anyNonTerminal bool
	var anyCanceled, anySucceeded, anyFailed, anyBlocked bool
	total := 0

	for _, state := range sm.plan.NodeStates {
		total++
		switch state.Status {
		case models.StatusRunning, models.StatusScheduled:
			anyRunningOrScheduled = true
		case models.StatusReady, models.StatusPending:
			anyReadyOrPending = true
		case models.StatusCanceled:
			anyCanceled = true
		case models.StatusSucceeded:
			anySucceeded = true
		case models.StatusFailed:
			anyFailed = true
		case models.StatusBlocked:
			anyBlocked = true
		}
		if !state.Status.IsTerminal() {
			anyNonTerminal = true
		}
	}

	if isPaused && anyNonTerminal {
		return models.PlanPaused
	}
	if anyRunningOrScheduled {
		return models.PlanRunning
	}
	if anyReadyOrPending && anyNonTerminal {
		if hasStarted {
			return models.PlanRunning
		}
		return models.PlanPending
	}

	// All terminal.
	if anyCanceled {
		return models.PlanCanceled
	}
	if anySucceeded && anyFailed {
		return models.PlanPartial
	}
	if anySucceeded && anyBlocked {
		return models.PlanPartial
	}
	if anySucceeded {
		return models.PlanSucceeded
	}
	// No successes: either all failed, or only blocked nodes exist
	// (pathological but still reported as failed per spec.md section 4.2).
	if anyFailed || anyBlocked {
		return models.PlanFailed
	}
	return models.PlanSucceeded
}
