package cmd

import (
	"path/filepath"
	"testing"

	"github.com/harrison/conductor/internal/models"
)

func TestDefaultConfigPathUsesExplicitValue(t *testing.T) {
	got := defaultConfigPath("/custom/config.yaml")
	if got != "/custom/config.yaml" {
		t.Errorf("defaultConfigPath() = %q, want explicit path", got)
	}
}

func TestDefaultConfigPathFallsBackToConductorHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CONDUCTOR_HOME", home)

	got := defaultConfigPath("")
	want := filepath.Join(home, "config.yaml")
	if got != want {
		t.Errorf("defaultConfigPath() = %q, want %q", got, want)
	}
}

func TestNewAppWiresCollaborators(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CONDUCTOR_HOME", home)
	t.Chdir(home)

	a, err := newApp(defaultConfigPath(""))
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	defer a.Close()

	if a.runner == nil || a.store == nil || a.history == nil || a.bus == nil || a.prober == nil {
		t.Error("newApp() left a collaborator unset")
	}
}

func TestPreflightAgentCLISkipsPlansWithoutAgentWork(t *testing.T) {
	a := testApp(t)
	plan := testPlan()
	plan.Nodes["n1"].Work = &models.WorkSpec{Kind: models.WorkShell, Command: "true"}

	if err := a.preflightAgentCLI(plan); err != nil {
		t.Errorf("preflightAgentCLI() = %v, want nil for a plan with no agent work", err)
	}
}

func TestPreflightAgentCLIRejectsAgentWorkWithoutCLI(t *testing.T) {
	a := testApp(t)
	plan := testPlan()
	plan.Nodes["n1"].Work = &models.WorkSpec{Kind: models.WorkAgent, Instructions: "do the thing"}

	t.Setenv("PATH", t.TempDir())
	if err := a.preflightAgentCLI(plan); err == nil {
		t.Error("preflightAgentCLI() = nil, want an error when no copilot CLI is on PATH")
	}
}
