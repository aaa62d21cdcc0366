package models

import "time"

// JobSpec is the declarative description of one job within a PlanSpec.
type JobSpec struct {
	ProducerID   string   `yaml:"producer_id" json:"producerId"`
	Name         string   `yaml:"name,omitempty" json:"name,omitempty"`
	Task         string   `yaml:"task" json:"task"`
	Work         *WorkSpec `yaml:"work,omitempty" json:"work,omitempty"`
	Prechecks    *WorkSpec `yaml:"prechecks,omitempty" json:"prechecks,omitempty"`
	Postchecks   *WorkSpec `yaml:"postchecks,omitempty" json:"postchecks,omitempty"`
	Instructions string    `yaml:"instructions,omitempty" json:"instructions,omitempty"`

	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`

	BaseBranch       string `yaml:"base_branch,omitempty" json:"baseBranch,omitempty"`
	ExpectsNoChanges bool   `yaml:"expects_no_changes,omitempty" json:"expectsNoChanges,omitempty"`
	AutoHeal         *bool  `yaml:"auto_heal,omitempty" json:"autoHeal,omitempty"`

	Group string `yaml:"group,omitempty" json:"group,omitempty"`
}

// AutoHealEnabled resolves the AutoHeal default (true unless explicitly
// disabled) per spec.md section 3.
func (j JobSpec) AutoHealEnabled() bool {
	if j.AutoHeal == nil {
		return true
	}
	return *j.AutoHeal
}

// PlanSpec is the declarative, user-authored description of a plan.
type PlanSpec struct {
	Name                  string    `yaml:"name" json:"name"`
	BaseBranch            string    `yaml:"base_branch,omitempty" json:"baseBranch,omitempty"`
	TargetBranch          string    `yaml:"target_branch,omitempty" json:"targetBranch,omitempty"`
	RepoPath              string    `yaml:"repo_path,omitempty" json:"repoPath,omitempty"`
	WorktreeRoot          string    `yaml:"worktree_root,omitempty" json:"worktreeRoot,omitempty"`
	MaxParallel           int       `yaml:"max_parallel,omitempty" json:"maxParallel,omitempty"`
	CleanUpSuccessfulWork *bool     `yaml:"cleanup_successful_work,omitempty" json:"cleanUpSuccessfulWork,omitempty"`
	Jobs                  []JobSpec `yaml:"jobs" json:"jobs"`
	Groups                []string  `yaml:"groups,omitempty" json:"groups,omitempty"`
	ParentPlanID          string    `yaml:"parent_plan_id,omitempty" json:"parentPlanId,omitempty"`
}

// ResolvedBaseBranch applies the "main" default from spec.md section 3.
func (p PlanSpec) ResolvedBaseBranch() string {
	if p.BaseBranch == "" {
		return "main"
	}
	return p.BaseBranch
}

// ResolvedMaxParallel applies the default of 4 concurrent jobs.
func (p PlanSpec) ResolvedMaxParallel() int {
	if p.MaxParallel <= 0 {
		return 4
	}
	return p.MaxParallel
}

// ResolvedCleanUp applies the default of true.
func (p PlanSpec) ResolvedCleanUp() bool {
	if p.CleanUpSuccessfulWork == nil {
		return true
	}
	return *p.CleanUpSuccessfulWork
}

// PlanInstance is the runtime materialization of a PlanSpec: a built DAG of
// PlanNodes plus their mutable NodeExecutionStates, owned exclusively for
// the plan's lifetime (build through final persistence) per spec.md
// section 3, "Ownership & lifecycle".
type PlanInstance struct {
	ID   string
	Spec *PlanSpec

	Nodes      map[string]*PlanNode
	NodeStates map[string]*NodeExecutionState

	ProducerIDToNodeID map[string]string

	Roots  []string
	Leaves []string

	Groups        map[string]*GroupInfo
	GroupStates   map[string]*GroupState
	GroupPathToID map[string]string

	TargetBranch      string
	BaseBranch        string
	BaseCommitAtStart string

	RepoPath              string
	WorktreeRoot          string
	MaxParallel           int
	CleanUpSuccessfulWork bool

	WorkSummary WorkSummary

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	IsPaused  bool

	StateVersion int
}

// IsLeaf reports whether nodeID has no dependents.
func (p *PlanInstance) IsLeaf(nodeID string) bool {
	for _, id := range p.Leaves {
		if id == nodeID {
			return true
		}
	}
	return false
}

// IsModifiable reports whether the plan currently accepts reshaping
// mutations: it has not ended, and is either not yet started or paused
// (spec.md section 4.3 / Glossary "Modifiable state").
func (p *PlanInstance) IsModifiable() bool {
	if p.EndedAt != nil {
		return false
	}
	return p.StartedAt == nil || p.IsPaused
}

// PlanStatus is the derived, aggregate status of an entire plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanPaused    PlanStatus = "paused"
	PlanSucceeded PlanStatus = "succeeded"
	PlanFailed    PlanStatus = "failed"
	PlanPartial   PlanStatus = "partial"
	PlanCanceled  PlanStatus = "canceled"
)
