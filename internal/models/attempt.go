package models

import "time"

// AttemptRecord is an immutable, append-only snapshot of one attempt at a
// node's phase pipeline. Retries and auto-heals each append a new record;
// existing records are never mutated (spec.md section 3).
type AttemptRecord struct {
	AttemptNumber    int
	TriggerType      TriggerType
	Status           NodeStatus
	StartedAt        time.Time
	EndedAt          time.Time
	FailedPhase      PhaseName
	Error            string
	ExitCode         *int
	CopilotSessionID string
	StepStatuses     map[PhaseName]StepStatus
	WorktreePath     string
	BaseCommit       string
	CompletedCommit  string
	Logs             string
	LogFilePath      string
	WorkUsed         WorkSpec
	Metrics          *UsageMetrics
	PhaseMetrics     map[PhaseName]*UsageMetrics
}

// snapshotStepStatuses deep-copies a step-status map for inclusion in an
// AttemptRecord so later mutation of the live NodeExecutionState cannot
// retroactively change history.
func snapshotStepStatuses(src map[PhaseName]StepStatus) map[PhaseName]StepStatus {
	dst := make(map[PhaseName]StepStatus, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func snapshotPhaseMetrics(src map[PhaseName]*UsageMetrics) map[PhaseName]*UsageMetrics {
	dst := make(map[PhaseName]*UsageMetrics, len(src))
	for k, v := range src {
		if v == nil {
			continue
		}
		m := *v
		dst[k] = &m
	}
	return dst
}
