package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"

	"github.com/teranos/RONIN/config"
)

func testWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := New(config.WorkspaceConfig{Root: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestNew_InitializesRepository(t *testing.T) {
	root := t.TempDir()
	if _, err := New(config.WorkspaceConfig{Root: root}, nil); err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := git.PlainOpen(root); err != nil {
		t.Errorf("workspace root is not a git repository: %v", err)
	}

	// Reopening an existing workspace must not fail
	if _, err := New(config.WorkspaceConfig{Root: root}, nil); err != nil {
		t.Errorf("New on existing workspace: %v", err)
	}
}

func TestStageAndDeliverable(t *testing.T) {
	w := testWorkspace(t)

	if _, err := w.Deliverable("shufti-1"); err == nil {
		t.Error("expected error before anything is staged")
	}

	content := []byte("Translated listings, all 200 items.\n")
	path, err := w.Stage("shufti-1", DeliverableName, content)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	got, err := w.Deliverable("shufti-1")
	if err != nil {
		t.Fatalf("Deliverable: %v", err)
	}
	if got != path {
		t.Errorf("Deliverable path = %q, want %q", got, path)
	}
}

func TestStage_RejectsPathyNames(t *testing.T) {
	w := testWorkspace(t)

	for _, name := range []string{"../escape.md", "a/b.md", "..", "."} {
		if _, err := w.Stage("shufti-1", name, []byte("x")); err == nil {
			t.Errorf("Stage(%q) succeeded, want error", name)
		}
	}
}

func TestDeliverable_RejectsTooSmall(t *testing.T) {
	w := testWorkspace(t)

	if _, err := w.Stage("shufti-2", DeliverableName, []byte("tiny")); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	_, err := w.Deliverable("shufti-2")
	if err == nil {
		t.Fatal("expected error for deliverable below minimum size")
	}
	if !strings.Contains(err.Error(), "below the") {
		t.Errorf("error = %v", err)
	}
}

func TestCommitDelivery(t *testing.T) {
	w := testWorkspace(t)

	if _, err := w.Stage("shufti-3", DeliverableName, []byte("Full deliverable content here.")); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	hash, err := w.CommitDelivery("shufti-3", "deliver shufti-3")
	if err != nil {
		t.Fatalf("CommitDelivery: %v", err)
	}
	if len(hash) != 40 {
		t.Errorf("commit hash = %q, want 40 hex chars", hash)
	}

	// Redelivery with unchanged content still records a commit
	hash2, err := w.CommitDelivery("shufti-3", "redeliver shufti-3")
	if err != nil {
		t.Fatalf("CommitDelivery (redelivery): %v", err)
	}
	if hash2 == hash {
		t.Error("redelivery should produce a new commit")
	}
}

func TestRender_NoCommandIsNoop(t *testing.T) {
	w := testWorkspace(t)
	if err := w.Render(context.Background(), "shufti-4"); err != nil {
		t.Errorf("Render with no command: %v", err)
	}
}

func TestRender_RunsCommandInJobDir(t *testing.T) {
	root := t.TempDir()
	w, err := New(config.WorkspaceConfig{
		Root:          root,
		RenderCommand: "sh -c 'printf \"rendered by $RONIN_JOB_ID into a deliverable\" > " + DeliverableName + "'",
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := w.Render(context.Background(), "shufti-5"); err != nil {
		t.Fatalf("Render: %v", err)
	}

	path, err := w.Deliverable("shufti-5")
	if err != nil {
		t.Fatalf("Deliverable after render: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read deliverable: %v", err)
	}
	if !strings.Contains(string(data), "shufti-5") {
		t.Errorf("render command did not see job env: %q", data)
	}
}

func TestRender_CommandFailure(t *testing.T) {
	w, err := New(config.WorkspaceConfig{
		Root:          t.TempDir(),
		RenderCommand: "sh -c 'echo boom >&2; exit 3'",
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = w.Render(context.Background(), "shufti-6")
	if err == nil {
		t.Fatal("expected render failure")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error should carry command output, got %v", err)
	}
}

func TestFetchInput_LocalFile(t *testing.T) {
	w := testWorkspace(t)

	src := filepath.Join(t.TempDir(), "brief.txt")
	if err := os.WriteFile(src, []byte("client brief"), 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	dst, err := w.FetchInput(context.Background(), "shufti-7", src)
	if err != nil {
		t.Fatalf("FetchInput: %v", err)
	}

	// File sources land inside the inputs directory under their own name
	data, err := os.ReadFile(filepath.Join(dst, "brief.txt"))
	if err != nil {
		t.Fatalf("read fetched input: %v", err)
	}
	if string(data) != "client brief" {
		t.Errorf("fetched content = %q", data)
	}
}

func TestCleanupStale(t *testing.T) {
	w := testWorkspace(t)

	if _, err := w.Stage("shufti-old", "notes.txt", []byte("old")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := w.Stage("shufti-new", "notes.txt", []byte("new")); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	// Age one directory past the cutoff
	oldDir := filepath.Join(w.Root(), "shufti-old")
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldDir, past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	removed, err := w.CleanupStale(24 * time.Hour)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Error("stale directory should be gone")
	}
	if _, err := os.Stat(filepath.Join(w.Root(), "shufti-new")); err != nil {
		t.Error("fresh directory should survive")
	}
	if _, err := git.PlainOpen(w.Root()); err != nil {
		t.Error("cleanup must never remove the git repository")
	}
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"shufti-8841", "shufti-8841"},
		{"../../etc/passwd", "------etc-passwd"},
		{"job id with spaces", "job-id-with-spaces"},
		{"", "unnamed"},
		{"...", "unnamed"},
	}
	for _, tt := range tests {
		if got := sanitizeID(tt.in); got != tt.want {
			t.Errorf("sanitizeID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
