package executor

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/conductor/internal/models"
)

// BuildOptions carries the caller-supplied overrides buildPlan resolves
// against the PlanSpec (spec.md section 4.1).
type BuildOptions struct {
	RepoPath string
}

// BuildPlan validates spec and constructs a fully wired PlanInstance: nodes,
// symmetric dependency edges, groups, and initial statuses. It fails fast
// with a *models.PlanValidationError listing every problem found, not just
// the first.
func BuildPlan(spec *models.PlanSpec, opts BuildOptions) (*models.PlanInstance, error) {
	if problems := validateSpec(spec); len(problems) > 0 {
		return nil, models.NewPlanValidationError(problems)
	}

	nodes, group, err := buildNodes(spec.Jobs, buildNodesOptions{repoPath: resolveRepoPath(spec, opts)})
	if err != nil {
		return nil, err
	}

	plan := &models.PlanInstance{
		ID:                    uuid.NewString(),
		Spec:                  spec,
		Nodes:                 nodes,
		NodeStates:            make(map[string]*models.NodeExecutionState, len(nodes)),
		ProducerIDToNodeID:    make(map[string]string, len(nodes)),
		Groups:                group.groups,
		GroupStates:           group.states,
		GroupPathToID:         group.pathToID,
		TargetBranch:          spec.TargetBranch,
		BaseBranch:            spec.ResolvedBaseBranch(),
		RepoPath:              resolveRepoPath(spec, opts),
		WorktreeRoot:          resolveWorktreeRoot(spec),
		MaxParallel:           spec.ResolvedMaxParallel(),
		CleanUpSuccessfulWork: spec.ResolvedCleanUp(),
		CreatedAt:             time.Now(),
	}

	for id, node := range nodes {
		plan.ProducerIDToNodeID[node.ProducerID] = id
		status := models.StatusPending
		if len(node.Dependencies) == 0 {
			status = models.StatusReady
		}
		plan.NodeStates[id] = models.NewNodeExecutionState(status)
	}

	plan.Roots, plan.Leaves = recomputeRootsAndLeaves(nodes)

	return plan, nil
}

// BuildSingleJobPlan is a convenience wrapper for the common one-job case.
func BuildSingleJobPlan(job models.JobSpec, planName string, opts BuildOptions) (*models.PlanInstance, error) {
	spec := &models.PlanSpec{Name: planName, Jobs: []models.JobSpec{job}}
	return BuildPlan(spec, opts)
}

func resolveRepoPath(spec *models.PlanSpec, opts BuildOptions) string {
	if opts.RepoPath != "" {
		return opts.RepoPath
	}
	if spec.RepoPath != "" {
		return spec.RepoPath
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func resolveWorktreeRoot(spec *models.PlanSpec) string {
	if spec.WorktreeRoot != "" {
		return spec.WorktreeRoot
	}
	return ".conductor/worktrees"
}

// validateSpec implements the validation rules of spec.md section 4.1,
// collecting every problem instead of stopping at the first.
func validateSpec(spec *models.PlanSpec) []string {
	var problems []string

	if spec == nil || len(spec.Jobs) == 0 {
		return []string{"plan has no jobs"}
	}

	seen := make(map[string]int)
	for i, job := range spec.Jobs {
		if strings.TrimSpace(job.ProducerID) == "" {
			problems = append(problems, fmt.Sprintf("job at index %d: missing producerId", i))
			continue
		}
		if prior, ok := seen[job.ProducerID]; ok {
			problems = append(problems, fmt.Sprintf("duplicate producerId %q (jobs %d and %d)", job.ProducerID, prior, i))
			continue
		}
		seen[job.ProducerID] = i
	}

	for _, job := range spec.Jobs {
		for _, dep := range job.Dependencies {
			if _, ok := seen[dep]; !ok {
				problems = append(problems, fmt.Sprintf("job %q depends on unknown producerId %q", job.ProducerID, dep))
			}
		}
	}

	if len(problems) > 0 {
		return problems
	}

	if cyclePath := findCycle(spec.Jobs); cyclePath != nil {
		problems = append(problems, fmt.Sprintf("cyclic dependency: %s", strings.Join(cyclePath, " -> ")))
	}

	return problems
}

// findCycle runs DFS with white/gray/black color marking over the
// producerId dependency graph and returns the names on a cycle, or nil.
func findCycle(jobs []models.JobSpec) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	deps := make(map[string][]string, len(jobs))
	for _, j := range jobs {
		deps[j.ProducerID] = j.Dependencies
	}

	colors := make(map[string]int, len(jobs))
	var stack []string
	var cycle []string

	var dfs func(string) bool
	dfs = func(id string) bool {
		colors[id] = gray
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch colors[dep] {
			case gray:
				// Found the back edge; extract the cycle from the stack.
				for i, s := range stack {
					if s == dep {
						cycle = append([]string(nil), stack[i:]...)
						cycle = append(cycle, dep)
						break
					}
				}
				return true
			case white:
				if dfs(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		return false
	}

	for _, j := range jobs {
		if colors[j.ProducerID] == white {
			if dfs(j.ProducerID) {
				return cycle
			}
		}
	}
	return nil
}

type buildNodesOptions struct {
	group    string
	repoPath string
}

type groupBuildResult struct {
	groups   map[string]*models.GroupInfo
	states   map[string]*models.GroupState
	pathToID map[string]string
}

// buildNodes builds nodes and the group hierarchy from job specs without
// wrapping them in a PlanInstance. Used both by BuildPlan and by the
// Reshaper when adding nodes to an existing plan.
func buildNodes(specs []models.JobSpec, opts buildNodesOptions) (map[string]*models.PlanNode, *groupBuildResult, error) {
	nodes := make(map[string]*models.PlanNode, len(specs))
	producerToID := make(map[string]string, len(specs))

	for _, spec := range specs {
		id := uuid.NewString()
		producerToID[spec.ProducerID] = id
	}

	groups := &groupBuildResult{
		groups:   make(map[string]*models.GroupInfo),
		states:   make(map[string]*models.GroupState),
		pathToID: make(map[string]string),
	}

	for _, spec := range specs {
		id := producerToID[spec.ProducerID]

		groupID := ""
		groupPath := strings.TrimSpace(spec.Group)
		if opts.group != "" {
			if groupPath == "" {
				groupPath = opts.group
			} else {
				groupPath = opts.group + "/" + groupPath
			}
		}
		if groupPath != "" {
			groupID = ensureGroupPath(groups, groupPath)
		}

		var deps []string
		for _, dep := range spec.Dependencies {
			depID, ok := producerToID[dep]
			if !ok {
				return nil, nil, fmt.Errorf("unresolved dependency producerId %q", dep)
			}
			deps = append(deps, depID)
		}

		nodes[id] = &models.PlanNode{
			ID:               id,
			ProducerID:       spec.ProducerID,
			Name:             resolveNodeName(spec),
			Task:             spec.Task,
			Dependencies:     deps,
			Work:             spec.Work,
			Prechecks:        spec.Prechecks,
			Postchecks:       spec.Postchecks,
			Instructions:     spec.Instructions,
			BaseBranch:       spec.BaseBranch,
			ExpectsNoChanges: spec.ExpectsNoChanges,
			AutoHeal:         spec.AutoHealEnabled(),
			Group:            groupPath,
			GroupID:          groupID,
		}

		if groupID != "" {
			group := groups.groups[groupID]
			group.NodeIDs = append(group.NodeIDs, id)
		}
	}

	// Mirror edges: dependents.
	for id, node := range nodes {
		for _, depID := range node.Dependencies {
			dep := nodes[depID]
			dep.Dependents = append(dep.Dependents, id)
		}
	}

	for groupID := range groups.groups {
		groups.states[groupID] = models.NewGroupState()
	}
	populateTransitiveMembers(groups, nodes)

	return nodes, groups, nil
}

func resolveNodeName(spec models.JobSpec) string {
	if spec.Name != "" {
		return spec.Name
	}
	return spec.ProducerID
}

// ensureGroupPath creates every ancestor of path that does not yet exist
// and returns path's groupID.
func ensureGroupPath(groups *groupBuildResult, path string) string {
	if id, ok := groups.pathToID[path]; ok {
		return id
	}

	parentID := ""
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		parentID = ensureGroupPath(groups, path[:idx])
	}

	id := uuid.NewString()
	groups.pathToID[path] = id
	groups.groups[id] = &models.GroupInfo{
		ID:            id,
		Path:          path,
		ParentGroupID: parentID,
	}
	if parentID != "" {
		groups.groups[parentID].ChildGroupIDs = append(groups.groups[parentID].ChildGroupIDs, id)
	}
	return id
}

func populateTransitiveMembers(groups *groupBuildResult, nodes map[string]*models.PlanNode) {
	var collect func(id string) map[string]bool
	memo := make(map[string]map[string]bool)
	collect = func(id string) map[string]bool {
		if cached, ok := memo[id]; ok {
			return cached
		}
		group := groups.groups[id]
		all := make(map[string]bool)
		for _, n := range group.NodeIDs {
			all[n] = true
		}
		for _, child := range group.ChildGroupIDs {
			for n := range collect(child) {
				all[n] = true
			}
		}
		memo[id] = all
		group.AllNodeIDs = all
		return all
	}
	for id := range groups.groups {
		collect(id)
	}
}

// recomputeRootsAndLeaves recomputes a plan's roots (no dependencies) and
// leaves (no dependents) from its current node set.
func recomputeRootsAndLeaves(nodes map[string]*models.PlanNode) (roots, leaves []string) {
	for id, node := range nodes {
		if len(node.Dependencies) == 0 {
			roots = append(roots, id)
		}
		if len(node.Dependents) == 0 {
			leaves = append(leaves, id)
		}
	}
	return roots, leaves
}
