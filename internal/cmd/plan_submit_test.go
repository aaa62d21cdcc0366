package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

const testPlanYAML = `
name: demo
repo_path: /tmp/repo
jobs:
  - producer_id: build
    name: build
    task: build the thing
    work:
      shell:
        command: "true"
`

func TestRunPlanSubmitRegistersPlan(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CONDUCTOR_HOME", home)
	t.Chdir(home)

	planFile := filepath.Join(home, "plan.yaml")
	if err := os.WriteFile(planFile, []byte(testPlanYAML), 0o644); err != nil {
		t.Fatalf("write plan file: %v", err)
	}

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := runPlanSubmit(cmd, planFile); err != nil {
		t.Fatalf("runPlanSubmit() error: %v", err)
	}
	if out.Len() == 0 {
		t.Error("expected submit confirmation output")
	}
}

func TestRunPlanSubmitRejectsMissingFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CONDUCTOR_HOME", home)
	t.Chdir(home)

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := runPlanSubmit(cmd, filepath.Join(home, "missing.yaml")); err == nil {
		t.Error("expected error for missing plan file")
	}
}
