package repo

import (
	"context"
	"testing"

	"hostfleet/internal/task"
)

type fakeSink struct {
	output []string
}

func (f *fakeSink) EmitOutput(line string)     { f.output = append(f.output, line) }
func (f *fakeSink) EmitProgress(task.Progress) {}

func TestExecuteValidatesRequiredFields(t *testing.T) {
	d := NewDriver(nil)
	failure := d.Execute(context.Background(), &fakeSink{}, RunRequest{})
	if failure == nil || failure.Kind != task.KindValidationError {
		t.Fatalf("expected ValidationError, got %+v", failure)
	}
}

func TestExecuteRejectsUnsupportedAction(t *testing.T) {
	d := NewDriver(nil)
	failure := d.Execute(context.Background(), &fakeSink{}, RunRequest{
		RepoURL: "https://example.com/repo.git",
		RepoDir: t.TempDir(),
		Action:  "rebase",
	})
	if failure == nil || failure.Kind != task.KindUnsupported {
		t.Fatalf("expected Unsupported, got %+v", failure)
	}
}

func TestParseGitProgressLine(t *testing.T) {
	cases := []struct {
		in        string
		wantStage string
		wantPct   string
	}{
		{"Counting objects: 42% (21/50)", "Counting objects", "42%"},
		{"Receiving objects: 100% (50/50), done.", "Receiving objects", "100%"},
		{"remote: Compressing objects: 10% (1/10)", "remote: Compressing objects", "10%"},
		{"no percentage here", "no percentage here", "0%"},
	}
	for _, c := range cases {
		stage, pct := parseGitProgressLine(c.in)
		if stage != c.wantStage || pct != c.wantPct {
			t.Errorf("parseGitProgressLine(%q) = (%q, %q), want (%q, %q)", c.in, stage, pct, c.wantStage, c.wantPct)
		}
	}
}

func TestProgressWriterFormatsGitDotMethodLines(t *testing.T) {
	sink := &fakeSink{}
	w := &progressWriter{sink: sink, method: "clone"}

	if _, err := w.Write([]byte("Counting objects: 42% (21/50)\r")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(sink.output) != 1 || sink.output[0] != "git.clone Counting objects 42%" {
		t.Fatalf("unexpected output: %v", sink.output)
	}
}

func TestAuthMethodWithoutSSHKeyIsNil(t *testing.T) {
	d := NewDriver(nil)
	auth, err := d.authMethod(RunRequest{RepoURL: "https://example.com/repo.git"})
	if err != nil {
		t.Fatalf("authMethod: %v", err)
	}
	if auth != nil {
		t.Fatalf("expected nil auth for public HTTPS without an SSH key, got %v", auth)
	}
}

func TestAuthMethodMissingKeyFile(t *testing.T) {
	d := NewDriver(nil)
	_, err := d.authMethod(RunRequest{RepoURL: "git@example.com:org/repo.git", SSHKeyPath: "/nonexistent/key"})
	if err == nil {
		t.Fatal("expected error for missing ssh key file")
	}
}
