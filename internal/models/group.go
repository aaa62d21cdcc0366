package models

import "time"

// GroupStatus is the derived aggregate status of a GroupInfo, computed from
// its member nodes and child groups per spec.md section 4.2.
type GroupStatus string

const (
	GroupPending   GroupStatus = "pending"
	GroupRunning   GroupStatus = "running"
	GroupSucceeded GroupStatus = "succeeded"
	GroupFailed    GroupStatus = "failed"
	GroupCanceled  GroupStatus = "canceled"
)

// GroupInfo is a node in the (optional) hierarchical grouping of a plan's
// jobs. Groups are organizational: a node's execution order is always
// governed by its Dependencies, never by group membership.
type GroupInfo struct {
	ID             string
	Path           string // slash-separated path, e.g. "backend/auth"
	ParentGroupID  string
	ChildGroupIDs  []string
	NodeIDs        []string // direct member nodes
	AllNodeIDs     map[string]bool // transitive member nodes, derived lazily
}

// GroupState is the mutable runtime aggregate for a GroupInfo.
type GroupState struct {
	Status    GroupStatus
	Version   int
	StartedAt *time.Time
	EndedAt   *time.Time
}

// NewGroupState returns a zero-valued pending GroupState.
func NewGroupState() *GroupState {
	return &GroupState{Status: GroupPending}
}
