package workspace

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func setupTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cmds := [][]string{
		{"git", "init"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}

	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %s", args, out)
		}
	}

	readme := filepath.Join(dir, "README.md")
	os.WriteFile(readme, []byte("# Test"), 0644)

	cmd := exec.Command("git", "add", ".")
	cmd.Dir = dir
	cmd.Run()

	cmd = exec.Command("git", "commit", "-m", "Initial commit")
	cmd.Dir = dir
	cmd.Run()

	return dir
}

func commitFile(t *testing.T, dir, name, content, message string) string {
	t.Helper()

	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}

	cmd := exec.Command("git", "add", ".")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git add: %s", out)
	}

	cmd = exec.Command("git", "commit", "-m", message)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit: %s", out)
	}

	cmd = exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("git rev-parse HEAD: %v", err)
	}
	return strings.TrimSpace(string(out))
}

func TestMaterializeCreatesWorktreeOnBranch(t *testing.T) {
	repoDir := setupTestRepo(t)
	wsPath := t.TempDir()

	m := NewManager(repoDir)
	repoPath, err := m.Materialize(wsPath, "conveyor/abc123-add-retry")
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	if repoPath != RepoPath(wsPath) {
		t.Errorf("repoPath = %q, want %q", repoPath, RepoPath(wsPath))
	}
	if _, err := os.Stat(filepath.Join(repoPath, "README.md")); err != nil {
		t.Errorf("worktree missing README.md: %v", err)
	}

	branch, err := m.CurrentBranch(repoPath)
	if err != nil {
		t.Fatalf("CurrentBranch() error = %v", err)
	}
	if branch != "conveyor/abc123-add-retry" {
		t.Errorf("branch = %q, want conveyor/abc123-add-retry", branch)
	}
}

func TestMaterializeReusesExistingWorktree(t *testing.T) {
	repoDir := setupTestRepo(t)
	wsPath := t.TempDir()

	m := NewManager(repoDir)
	first, err := m.Materialize(wsPath, "conveyor/abc123")
	if err != nil {
		t.Fatalf("first Materialize() error = %v", err)
	}

	// A commit made in the worktree must survive a second materialize.
	commitFile(t, first, "work.txt", "in progress", "wip")

	second, err := m.Materialize(wsPath, "conveyor/abc123")
	if err != nil {
		t.Fatalf("second Materialize() error = %v", err)
	}
	if second != first {
		t.Errorf("second Materialize returned %q, want %q", second, first)
	}
	if _, err := os.Stat(filepath.Join(second, "work.txt")); err != nil {
		t.Errorf("work.txt lost on re-materialize: %v", err)
	}
}

func TestRemoveDeletesWorktreeAndBranch(t *testing.T) {
	repoDir := setupTestRepo(t)
	wsPath := t.TempDir()

	m := NewManager(repoDir)
	repoPath, err := m.Materialize(wsPath, "conveyor/gone42")
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	if err := m.Remove(wsPath); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if _, err := os.Stat(repoPath); !os.IsNotExist(err) {
		t.Errorf("worktree still present after Remove")
	}

	cmd := exec.Command("git", "rev-parse", "--verify", "conveyor/gone42")
	cmd.Dir = repoDir
	if cmd.Run() == nil {
		t.Errorf("branch conveyor/gone42 still exists after Remove")
	}
}

func TestIsAncestorTracksMerge(t *testing.T) {
	repoDir := setupTestRepo(t)
	wsPath := t.TempDir()

	m := NewManager(repoDir)
	repoPath, err := m.Materialize(wsPath, "conveyor/merge1")
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	commit := commitFile(t, repoPath, "feature.txt", "new", "add feature")

	ok, err := m.IsAncestor(commit, "HEAD")
	if err != nil {
		t.Fatalf("IsAncestor() error = %v", err)
	}
	if ok {
		t.Fatalf("unmerged commit reported as ancestor of HEAD")
	}

	cmd := exec.Command("git", "merge", "--no-ff", "conveyor/merge1", "-m", "merge feature")
	cmd.Dir = repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git merge: %s", out)
	}

	ok, err = m.IsAncestor(commit, "HEAD")
	if err != nil {
		t.Fatalf("IsAncestor() after merge error = %v", err)
	}
	if !ok {
		t.Errorf("merged commit not reported as ancestor of HEAD")
	}
}

func TestMissingPaths(t *testing.T) {
	repoDir := setupTestRepo(t)

	m := NewManager(repoDir)
	missing, err := m.MissingPaths("HEAD", []string{"README.md", "does-not-exist.go"})
	if err != nil {
		t.Fatalf("MissingPaths() error = %v", err)
	}

	if len(missing) != 1 || missing[0] != "does-not-exist.go" {
		t.Errorf("missing = %v, want [does-not-exist.go]", missing)
	}
}

func TestCommitsAhead(t *testing.T) {
	repoDir := setupTestRepo(t)
	wsPath := t.TempDir()

	m := NewManager(repoDir)
	repoPath, err := m.Materialize(wsPath, "conveyor/count1")
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	base, err := m.HeadCommit(repoDir)
	if err != nil {
		t.Fatalf("HeadCommit() error = %v", err)
	}

	n, err := m.CommitsAhead(repoPath, base)
	if err != nil {
		t.Fatalf("CommitsAhead() error = %v", err)
	}
	if n != 0 {
		t.Errorf("fresh worktree ahead by %d, want 0", n)
	}

	commitFile(t, repoPath, "a.txt", "a", "first")
	commitFile(t, repoPath, "b.txt", "b", "second")

	n, err = m.CommitsAhead(repoPath, base)
	if err != nil {
		t.Fatalf("CommitsAhead() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ahead = %d, want 2", n)
	}
}

func TestChangedPaths(t *testing.T) {
	repoDir := setupTestRepo(t)

	m := NewManager(repoDir)
	commit := commitFile(t, repoDir, "changed.txt", "x", "touch changed")

	paths, err := m.ChangedPaths(commit)
	if err != nil {
		t.Fatalf("ChangedPaths() error = %v", err)
	}
	if len(paths) != 1 || paths[0] != "changed.txt" {
		t.Errorf("paths = %v, want [changed.txt]", paths)
	}
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		runID string
		title string
		want  string
	}{
		{"abc123def456", "Add retry logic", "conveyor/abc123def456-add-retry-logic"},
		{"abc123def456", "", "conveyor/abc123def456"},
		{"abc123def456", "!!!", "conveyor/abc123def456"},
	}

	for _, tt := range tests {
		got := BranchName(tt.runID, tt.title)
		if got != tt.want {
			t.Errorf("BranchName(%q, %q) = %q, want %q", tt.runID, tt.title, got, tt.want)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Add retry logic", "add-retry-logic"},
		{"Fix: parser crash (again)", "fix-parser-crash-again"},
		{"UPPER case", "upper-case"},
		{"--weird--", "weird"},
		{strings.Repeat("very long title ", 10), "very-long-title-very-long-title-very-lon"},
	}

	for _, tt := range tests {
		got := Slugify(tt.in)
		if got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
