package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/harrison/conductor/internal/models"
)

// NodeError represents a failure attributed to a specific node and phase.
// It includes enough context for an AttemptRecord without forcing callers
// to thread individual strings through several return values.
type NodeError struct {
	NodeID    string
	Phase     models.PhaseName
	Message   string
	Err       error
	Timestamp time.Time
}

// NewNodeError creates a NodeError stamped with the current time.
func NewNodeError(nodeID string, phase models.PhaseName, msg string, err error) *NodeError {
	return &NodeError{NodeID: nodeID, Phase: phase, Message: msg, Err: err, Timestamp: time.Now()}
}

func (e *NodeError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "node %s phase %s: %s", e.NodeID, e.Phase, e.Message)
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// ReshapeError is returned by Reshaper mutations that are refused. The plan
// is guaranteed unchanged when this is returned (spec.md section 7, kind 2).
type ReshapeError struct {
	Op      string
	Message string
}

func (e *ReshapeError) Error() string {
	return fmt.Sprintf("reshape %s refused: %s", e.Op, e.Message)
}
