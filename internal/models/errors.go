package models

import (
	"fmt"
	"strings"
)

// PlanValidationError is returned synchronously by the Builder when a
// PlanSpec fails validation. Payload lists every problem found, not just
// the first (spec.md section 4.1).
type PlanValidationError struct {
	Problems []string
}

// NewPlanValidationError wraps a non-empty list of problems. Returns nil if
// problems is empty, so callers can write:
//
//	if err := NewPlanValidationError(problems); err != nil { return err }
func NewPlanValidationError(problems []string) *PlanValidationError {
	if len(problems) == 0 {
		return nil
	}
	return &PlanValidationError{Problems: problems}
}

func (e *PlanValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("plan validation failed: %s", e.Problems[0])
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "plan validation failed (%d problems):", len(e.Problems))
	for _, p := range e.Problems {
		sb.WriteString("\n  - ")
		sb.WriteString(p)
	}
	return sb.String()
}
