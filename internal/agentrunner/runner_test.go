package agentrunner

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildArgsBaseline(t *testing.T) {
	got := buildArgs(Options{Task: "fix the bug"})
	want := []string{"-p", "fix the bug", "--stream", "off", "--allow-all-tools"}
	if !equalStrings(got, want) {
		t.Errorf("buildArgs() = %v, want %v", got, want)
	}
}

func TestBuildArgsIncludesModelLogDirShareAndResume(t *testing.T) {
	got := buildArgs(Options{
		Task:      "fix the bug",
		Model:     "gpt-5",
		LogDir:    "/tmp/logs",
		SharePath: "/tmp/share",
		SessionID: "sess-123",
		ConfigDir: "/tmp/cfg",
	})
	want := []string{
		"-p", "fix the bug", "--stream", "off", "--allow-all-tools",
		"--model", "gpt-5",
		"--log-dir", "/tmp/logs", "--log-level", "debug",
		"--share", "/tmp/share",
		"--resume", "sess-123",
		"--config-dir", "/tmp/cfg",
	}
	if !equalStrings(got, want) {
		t.Errorf("buildArgs() = %v, want %v", got, want)
	}
}

func TestBuildArgsSkipsNonExistentAllowedFolders(t *testing.T) {
	exists := t.TempDir()
	missing := filepath.Join(exists, "does-not-exist")

	got := buildArgs(Options{Task: "t", AllowedFolders: []string{exists, missing}})
	count := 0
	for i, a := range got {
		if a == "--add-dir" {
			count++
			if i+1 >= len(got) || got[i+1] != exists {
				t.Errorf("expected --add-dir to be followed by the existing path %q", exists)
			}
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one --add-dir for the existing path, got %d", count)
	}
}

func TestBuildArgsIncludesAllowedURLs(t *testing.T) {
	got := buildArgs(Options{Task: "t", AllowedURLs: []string{"https://example.com"}})
	found := false
	for i, a := range got {
		if a == "--add-url" && i+1 < len(got) && got[i+1] == "https://example.com" {
			found = true
		}
	}
	if !found {
		t.Error("expected --add-url https://example.com in argv")
	}
}

func TestExtractSessionIDFromJSONLine(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{`{"session_id":"abc-123"}`, "abc-123"},
		{`{"sessionId":"abc-456"}`, "abc-456"},
		{`not json at all`, ""},
		{`{"other":"field"}`, ""},
		{`  {"session_id":"trimmed"}  `, "trimmed"},
	}
	for _, tt := range tests {
		if got := extractSessionID(tt.line); got != tt.want {
			t.Errorf("extractSessionID(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(errors.New(`exec: "copilot": executable file not found in $PATH`)) {
		t.Error("isNotFound() = false, want true for a PATH-lookup failure")
	}
	if isNotFound(errors.New("exit status 1")) {
		t.Error("isNotFound() = true, want false for an unrelated error")
	}
}

func TestWriteInstructionsFileSkippedForEmptyCwd(t *testing.T) {
	if err := writeInstructionsFile("", "do the thing"); err != nil {
		t.Errorf("writeInstructionsFile() error with empty cwd: %v", err)
	}
}

func TestWriteInstructionsFileWritesUnderConductorDir(t *testing.T) {
	dir := t.TempDir()
	if err := writeInstructionsFile(dir, "do the thing"); err != nil {
		t.Fatalf("writeInstructionsFile() error: %v", err)
	}
	path := filepath.Join(dir, ".conductor", "agent-instructions", "INSTRUCTIONS.md")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(data) != "do the thing" {
		t.Errorf("instructions file content = %q, want %q", data, "do the thing")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
