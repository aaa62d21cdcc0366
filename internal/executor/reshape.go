package executor

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/harrison/conductor/internal/models"
)

// Reshaper mutates a plan's DAG while it is in a modifiable state (spec.md
// section 4.3). Every mutation either fully applies and bumps stateVersion,
// or is refused via *ReshapeError, leaving the plan byte-for-byte unchanged.
type Reshaper struct {
	plan *models.PlanInstance
	sm   *PlanStateMachine
}

// NewReshaper attaches a Reshaper to plan, coordinating with sm for status
// lookups so a node's reachable/modifiable state stays consistent.
func NewReshaper(plan *models.PlanInstance, sm *PlanStateMachine) *Reshaper {
	return &Reshaper{plan: plan, sm: sm}
}

func (r *Reshaper) requireModifiable() error {
	if !r.plan.IsModifiable() {
		return &ReshapeError{Op: "reshape", Message: "plan is not in a modifiable state"}
	}
	return nil
}

func (r *Reshaper) requireModifiableNode(id string) (*models.PlanNode, error) {
	node, ok := r.plan.Nodes[id]
	if !ok {
		return nil, &ReshapeError{Op: "reshape", Message: fmt.Sprintf("node %s does not exist", id)}
	}
	state := r.plan.NodeStates[id]
	if state.Status != models.StatusPending && state.Status != models.StatusReady {
		return nil, &ReshapeError{Op: "reshape", Message: fmt.Sprintf("node %s is not in pending/ready state", id)}
	}
	return node, nil
}

// isAvailable reports whether a dependency id can be referenced by a newly
// added node: its worktree is still present and uncleaned, it has a
// completedCommit, or it is still pending/ready (spec.md section 4.3).
func (r *Reshaper) isAvailable(id string) bool {
	state, ok := r.plan.NodeStates[id]
	if !ok {
		return false
	}
	if state.WorktreePath != "" && !state.WorktreeCleanedUp {
		return true
	}
	if state.CompletedCommit != "" {
		return true
	}
	return state.Status == models.StatusPending || state.Status == models.StatusReady
}

// AddNode adds a single job to the plan, resolving spec's dependencies by
// producerId against the existing plan plus returns the new nodeId.
func (r *Reshaper) AddNode(spec models.JobSpec) (string, error) {
	if err := r.requireModifiable(); err != nil {
		return "", err
	}
	if _, exists := r.plan.ProducerIDToNodeID[spec.ProducerID]; exists {
		return "", &ReshapeError{Op: "addNode", Message: fmt.Sprintf("duplicate producerId %q", spec.ProducerID)}
	}

	var depIDs []string
	for _, dep := range spec.Dependencies {
		depID, ok := r.plan.ProducerIDToNodeID[dep]
		if !ok {
			return "", &ReshapeError{Op: "addNode", Message: fmt.Sprintf("unknown dependency producerId %q", dep)}
		}
		if !r.isAvailable(depID) {
			return "", &ReshapeError{Op: "addNode", Message: fmt.Sprintf("dependency %q is not available", dep)}
		}
		depIDs = append(depIDs, depID)
	}

	groupID := ""
	if spec.Group != "" {
		groups := &groupBuildResult{groups: r.plan.Groups, states: r.plan.GroupStates, pathToID: r.plan.GroupPathToID}
		groupID = ensureGroupPath(groups, spec.Group)
		for gid := range groups.groups {
			if _, ok := groups.states[gid]; !ok {
				groups.states[gid] = models.NewGroupState()
			}
			if groups.groups[gid].AllNodeIDs == nil {
				groups.groups[gid].AllNodeIDs = make(map[string]bool)
			}
		}
	}

	id := uuid.NewString()
	node := &models.PlanNode{
		ID:               id,
		ProducerID:       spec.ProducerID,
		Name:             resolveNodeName(spec),
		Task:             spec.Task,
		Dependencies:     depIDs,
		Work:             spec.Work,
		Prechecks:        spec.Prechecks,
		Postchecks:       spec.Postchecks,
		Instructions:     spec.Instructions,
		BaseBranch:       spec.BaseBranch,
		ExpectsNoChanges: spec.ExpectsNoChanges,
		AutoHeal:         spec.AutoHealEnabled(),
		Group:            spec.Group,
		GroupID:          groupID,
	}

	r.plan.Nodes[id] = node
	r.plan.ProducerIDToNodeID[spec.ProducerID] = id
	status := models.StatusPending
	if len(depIDs) == 0 || r.sm.allDepsSucceeded(id) {
		status = models.StatusReady
	}
	r.plan.NodeStates[id] = models.NewNodeExecutionState(status)

	for _, depID := range depIDs {
		dep := r.plan.Nodes[depID]
		dep.Dependents = append(dep.Dependents, id)
	}
	if groupID != "" {
		group := r.plan.Groups[groupID]
		group.NodeIDs = append(group.NodeIDs, id)
		for gid := groupID; gid != ""; gid = r.plan.Groups[gid].ParentGroupID {
			r.plan.Groups[gid].AllNodeIDs[id] = true
		}
	}

	r.finalize()
	return id, nil
}

// RemoveNode removes id, bridging predecessor->successor edges so
// dependency chains through it are preserved.
func (r *Reshaper) RemoveNode(id string) error {
	if err := r.requireModifiable(); err != nil {
		return err
	}
	node, err := r.requireModifiableNode(id)
	if err != nil {
		return err
	}

	for _, depID := range node.Dependents {
		depState := r.plan.NodeStates[depID]
		if depState.Status != models.StatusPending && depState.Status != models.StatusReady {
			return &ReshapeError{Op: "removeNode", Message: fmt.Sprintf("dependent %s is not modifiable", depID)}
		}
	}

	preds := node.Dependencies
	succs := node.Dependents

	for _, succID := range succs {
		succ := r.plan.Nodes[succID]
		succ.Dependencies = removeString(succ.Dependencies, id)
		for _, predID := range preds {
			if !containsString(succ.Dependencies, predID) {
				succ.Dependencies = append(succ.Dependencies, predID)
				pred := r.plan.Nodes[predID]
				if !containsString(pred.Dependents, succID) {
					pred.Dependents = append(pred.Dependents, succID)
				}
			}
		}
	}
	for _, predID := range preds {
		pred := r.plan.Nodes[predID]
		pred.Dependents = removeString(pred.Dependents, id)
	}

	delete(r.plan.Nodes, id)
	delete(r.plan.NodeStates, id)
	delete(r.plan.ProducerIDToNodeID, node.ProducerID)
	if node.GroupID != "" {
		if group := r.plan.Groups[node.GroupID]; group != nil {
			group.NodeIDs = removeString(group.NodeIDs, id)
			delete(group.AllNodeIDs, id)
		}
	}

	for _, succID := range succs {
		r.recomputeNodeReadiness(succID)
	}

	r.finalize()
	return nil
}

// UpdateNodeDependencies atomically re-wires id's dependency set, refusing
// if doing so would introduce a cycle.
func (r *Reshaper) UpdateNodeDependencies(id string, newDepProducerIDs []string) error {
	if err := r.requireModifiable(); err != nil {
		return err
	}
	node, err := r.requireModifiableNode(id)
	if err != nil {
		return err
	}

	var newDeps []string
	for _, dep := range newDepProducerIDs {
		depID, ok := r.plan.ProducerIDToNodeID[dep]
		if !ok {
			return &ReshapeError{Op: "updateNodeDependencies", Message: fmt.Sprintf("unknown dependency producerId %q", dep)}
		}
		if depID == id {
			return &ReshapeError{Op: "updateNodeDependencies", Message: "node cannot depend on itself"}
		}
		newDeps = append(newDeps, depID)
	}

	for _, depID := range newDeps {
		if r.canReach(depID, id) {
			return &ReshapeError{Op: "updateNodeDependencies", Message: fmt.Sprintf("adding dependency %s would create a cycle", depID)}
		}
	}

	for _, oldDep := range node.Dependencies {
		r.plan.Nodes[oldDep].Dependents = removeString(r.plan.Nodes[oldDep].Dependents, id)
	}
	node.Dependencies = newDeps
	for _, depID := range newDeps {
		dep := r.plan.Nodes[depID]
		if !containsString(dep.Dependents, id) {
			dep.Dependents = append(dep.Dependents, id)
		}
	}

	r.recomputeNodeReadiness(id)
	r.finalize()
	return nil
}

// canReach reports whether a BFS from "from", walking Dependencies, can
// reach "to".
func (r *Reshaper) canReach(from, to string) bool {
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true
		}
		for _, dep := range r.plan.Nodes[cur].Dependencies {
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return false
}

// AddNodeBefore inserts spec as the sole new dependency of existingId,
// severing existingId's prior upstream edges.
func (r *Reshaper) AddNodeBefore(existingID string, spec models.JobSpec) (string, error) {
	if err := r.requireModifiable(); err != nil {
		return "", err
	}
	existing, err := r.requireModifiableNode(existingID)
	if err != nil {
		return "", err
	}
	if _, exists := r.plan.ProducerIDToNodeID[spec.ProducerID]; exists {
		return "", &ReshapeError{Op: "addNodeBefore", Message: fmt.Sprintf("duplicate producerId %q", spec.ProducerID)}
	}

	for _, dep := range spec.Dependencies {
		depID, ok := r.plan.ProducerIDToNodeID[dep]
		if !ok {
			continue // AddNode surfaces the unknown-dependency error below
		}
		if r.canReach(depID, existingID) {
			return "", &ReshapeError{Op: "addNodeBefore", Message: fmt.Sprintf("dependency %q would create a cycle with %s", dep, existingID)}
		}
	}

	oldDeps := existing.Dependencies
	for _, oldDep := range oldDeps {
		r.plan.Nodes[oldDep].Dependents = removeString(r.plan.Nodes[oldDep].Dependents, existingID)
	}
	existing.Dependencies = nil

	newID, err := r.AddNode(spec)
	if err != nil {
		existing.Dependencies = oldDeps
		for _, oldDep := range oldDeps {
			dep := r.plan.Nodes[oldDep]
			if !containsString(dep.Dependents, existingID) {
				dep.Dependents = append(dep.Dependents, existingID)
			}
		}
		return "", err
	}

	existing.Dependencies = []string{newID}
	newNode := r.plan.Nodes[newID]
	newNode.Dependents = append(newNode.Dependents, existingID)

	r.recomputeNodeReadiness(existingID)
	r.finalize()
	return newID, nil
}

// AddNodeAfter inserts spec as a dependent of existingId, adopting
// existingId's modifiable dependents.
func (r *Reshaper) AddNodeAfter(existingID string, spec models.JobSpec) (string, error) {
	if err := r.requireModifiable(); err != nil {
		return "", err
	}
	existing, err := r.requireModifiableNode(existingID)
	if err != nil {
		return "", err
	}
	if _, exists := r.plan.ProducerIDToNodeID[spec.ProducerID]; exists {
		return "", &ReshapeError{Op: "addNodeAfter", Message: fmt.Sprintf("duplicate producerId %q", spec.ProducerID)}
	}

	deps := append([]string{spec.ProducerID}, spec.Dependencies...)
	deps = dedupeStrings(deps)
	var resolved []string
	for _, dep := range deps {
		if dep == spec.ProducerID {
			continue
		}
		depID, ok := r.plan.ProducerIDToNodeID[dep]
		if !ok {
			return "", &ReshapeError{Op: "addNodeAfter", Message: fmt.Sprintf("unknown dependency producerId %q", dep)}
		}
		resolved = append(resolved, depID)
	}
	for _, depID := range existing.Dependents {
		depState := r.plan.NodeStates[depID]
		if depState.Status != models.StatusPending && depState.Status != models.StatusReady {
			continue
		}
		for _, resID := range resolved {
			if r.canReach(resID, depID) {
				return "", &ReshapeError{Op: "addNodeAfter", Message: fmt.Sprintf("adopting dependent %s would create a cycle", depID)}
			}
		}
	}

	specCopy := spec
	specCopy.Dependencies = nil
	newID, err := r.AddNode(specCopy)
	if err != nil {
		return "", err
	}
	newNode := r.plan.Nodes[newID]
	newNode.Dependencies = append([]string{existingID}, resolved...)
	existing.Dependents = append(existing.Dependents, newID)
	for _, depID := range resolved {
		dep := r.plan.Nodes[depID]
		if !containsString(dep.Dependents, newID) {
			dep.Dependents = append(dep.Dependents, newID)
		}
	}

	var adopted []string
	for _, depID := range existing.Dependents {
		if depID == newID {
			continue
		}
		depState := r.plan.NodeStates[depID]
		if depState.Status == models.StatusPending || depState.Status == models.StatusReady {
			adopted = append(adopted, depID)
		}
	}
	for _, depID := range adopted {
		if r.canReach(depID, newID) {
			return "", &ReshapeError{Op: "addNodeAfter", Message: fmt.Sprintf("adopting dependent %s would create a cycle", depID)}
		}
	}

	for _, depID := range adopted {
		dependent := r.plan.Nodes[depID]
		dependent.Dependencies = replaceString(dependent.Dependencies, existingID, newID)
		existing.Dependents = removeString(existing.Dependents, depID)
		newNode.Dependents = append(newNode.Dependents, depID)
		r.recomputeNodeReadiness(depID)
	}

	r.recomputeNodeReadiness(newID)
	r.finalize()
	return newID, nil
}

func (r *Reshaper) recomputeNodeReadiness(id string) {
	state := r.plan.NodeStates[id]
	if state == nil || state.Status.IsTerminal() {
		return
	}
	if state.Status != models.StatusPending && state.Status != models.StatusReady {
		return
	}
	if r.sm.allDepsSucceeded(id) {
		state.Status = models.StatusReady
	} else {
		state.Status = models.StatusPending
	}
}

func (r *Reshaper) finalize() {
	r.plan.Roots, r.plan.Leaves = recomputeRootsAndLeaves(r.plan.Nodes)
	r.plan.StateVersion++
}

func removeString(s []string, v string) []string {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func replaceString(s []string, old, new string) []string {
	out := make([]string, len(s))
	for i, x := range s {
		if x == old {
			out[i] = new
		} else {
			out[i] = x
		}
	}
	return out
}

func dedupeStrings(s []string) []string {
	seen := make(map[string]bool, len(s))
	out := s[:0:0]
	for _, x := range s {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}
