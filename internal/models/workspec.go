package models

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// WorkKind identifies which variant of WorkSpec is populated.
type WorkKind string

const (
	// WorkShell runs a command through the platform shell.
	WorkShell WorkKind = "shell"
	// WorkProcess spawns an executable directly with argv.
	WorkProcess WorkKind = "process"
	// WorkAgent delegates to the coding-agent runner.
	WorkAgent WorkKind = "agent"
)

// PhaseName identifies one of the six phases a job attempt runs through.
type PhaseName string

const (
	PhaseMergeFI    PhaseName = "merge-fi"
	PhasePrechecks  PhaseName = "prechecks"
	PhaseWork       PhaseName = "work"
	PhaseCommit     PhaseName = "commit"
	PhasePostchecks PhaseName = "postchecks"
	PhaseMergeRI    PhaseName = "merge-ri"
)

// Phases is the fixed order phases execute in for a single attempt.
var Phases = []PhaseName{PhaseMergeFI, PhasePrechecks, PhaseWork, PhaseCommit, PhasePostchecks, PhaseMergeRI}

// StepStatus is the per-phase status recorded on a NodeExecutionState.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// FailurePolicy customizes how a phase failure is handled.
type FailurePolicy struct {
	NoAutoHeal      bool      `yaml:"no_auto_heal,omitempty" json:"noAutoHeal,omitempty"`
	ResumeFromPhase PhaseName `yaml:"resume_from_phase,omitempty" json:"resumeFromPhase,omitempty"`
	Message         string    `yaml:"message,omitempty" json:"message,omitempty"`
}

// WorkSpec is a tagged variant describing one unit of work: a shell command,
// a raw process invocation, or a coding-agent delegation. Exactly one of
// Shell/Process/Agent is meaningful, selected by Kind.
type WorkSpec struct {
	Kind WorkKind `yaml:"-" json:"kind"`

	// shell
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Shell   string            `yaml:"shell,omitempty" json:"shell,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// process
	Executable string   `yaml:"executable,omitempty" json:"executable,omitempty"`
	Args       []string `yaml:"args,omitempty" json:"args,omitempty"`

	// agent
	Instructions   string   `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Model          string   `yaml:"model,omitempty" json:"model,omitempty"`
	AllowedFolders []string `yaml:"allowed_folders,omitempty" json:"allowedFolders,omitempty"`
	AllowedURLs    []string `yaml:"allowed_urls,omitempty" json:"allowedUrls,omitempty"`
	ResumeSession  bool     `yaml:"resume_session,omitempty" json:"resumeSession,omitempty"`

	OnFailure *FailurePolicy `yaml:"on_failure,omitempty" json:"onFailure,omitempty"`
}

// NewShellWork builds a shell WorkSpec from a bare command string, the form
// used when a plan author writes a WorkSpec field as a plain string.
func NewShellWork(command string) WorkSpec {
	return WorkSpec{Kind: WorkShell, Command: command}
}

// IsAgent reports whether this WorkSpec delegates to the coding agent.
func (w WorkSpec) IsAgent() bool {
	return w.Kind == WorkAgent
}

// Validate checks that the WorkSpec's required fields for its Kind are present.
func (w WorkSpec) Validate() error {
	switch w.Kind {
	case WorkShell:
		if w.Command == "" {
			return fmt.Errorf("shell work requires a command")
		}
	case WorkProcess:
		if w.Executable == "" {
			return fmt.Errorf("process work requires an executable")
		}
	case WorkAgent:
		if w.Instructions == "" {
			return fmt.Errorf("agent work requires instructions")
		}
	default:
		return fmt.Errorf("unknown work kind %q", w.Kind)
	}
	return nil
}

// UnmarshalYAML allows a WorkSpec field to be authored either as a bare
// string (shorthand for a shell command) or as a tagged mapping with a
// "shell"/"process"/"agent" key selecting the variant.
func (w *WorkSpec) UnmarshalYAML(value *yaml.Node) error {
	var asString string
	if err := value.Decode(&asString); err == nil {
		*w = NewShellWork(asString)
		return nil
	}

	var raw struct {
		Shell *struct {
			Command string            `yaml:"command"`
			Shell   string            `yaml:"shell"`
			Env     map[string]string `yaml:"env"`
			OnFailure *FailurePolicy  `yaml:"on_failure"`
		} `yaml:"shell"`
		Process *struct {
			Executable string            `yaml:"executable"`
			Args       []string          `yaml:"args"`
			Env        map[string]string `yaml:"env"`
			OnFailure  *FailurePolicy    `yaml:"on_failure"`
		} `yaml:"process"`
		Agent *struct {
			Instructions   string   `yaml:"instructions"`
			Model          string   `yaml:"model"`
			AllowedFolders []string `yaml:"allowed_folders"`
			AllowedURLs    []string `yaml:"allowed_urls"`
			ResumeSession  bool     `yaml:"resume_session"`
			OnFailure      *FailurePolicy `yaml:"on_failure"`
		} `yaml:"agent"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	switch {
	case raw.Shell != nil:
		*w = WorkSpec{
			Kind:      WorkShell,
			Command:   raw.Shell.Command,
			Shell:     raw.Shell.Shell,
			Env:       raw.Shell.Env,
			OnFailure: raw.Shell.OnFailure,
		}
	case raw.Process != nil:
		*w = WorkSpec{
			Kind:       WorkProcess,
			Executable: raw.Process.Executable,
			Args:       raw.Process.Args,
			Env:        raw.Process.Env,
			OnFailure:  raw.Process.OnFailure,
		}
	case raw.Agent != nil:
		*w = WorkSpec{
			Kind:           WorkAgent,
			Instructions:   raw.Agent.Instructions,
			Model:          raw.Agent.Model,
			AllowedFolders: raw.Agent.AllowedFolders,
			AllowedURLs:    raw.Agent.AllowedURLs,
			ResumeSession:  raw.Agent.ResumeSession,
			OnFailure:      raw.Agent.OnFailure,
		}
	default:
		return fmt.Errorf("work spec must be a string or have a shell/process/agent key")
	}

	return w.Validate()
}
