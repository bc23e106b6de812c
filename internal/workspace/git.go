// Package workspace materializes run workspaces as git worktrees and
// answers the repository questions the executor and verifiers ask:
// branch creation, pushes, ancestry and path presence on a ref.
package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// RepoDirName is the subdirectory of a workspace that holds the worktree.
const RepoDirName = "repo"

// Manager handles git worktree and branch operations against one clone.
type Manager struct {
	repoDir string
}

// NewManager creates a Manager bound to the main repository clone.
func NewManager(repoDir string) *Manager {
	return &Manager{repoDir: repoDir}
}

// RepoDir returns the main clone the manager operates on.
func (m *Manager) RepoDir() string {
	return m.repoDir
}

// RepoPath returns the worktree location inside a workspace directory.
func RepoPath(workspacePath string) string {
	return filepath.Join(workspacePath, RepoDirName)
}

// Materialize creates a worktree on the given branch inside the workspace
// directory. If the worktree already exists on that branch it is reused, so
// a resumed run keeps its working copy.
func (m *Manager) Materialize(workspacePath, branch string) (string, error) {
	repoPath := RepoPath(workspacePath)

	if info, err := os.Stat(repoPath); err == nil && info.IsDir() {
		if current, err := m.CurrentBranch(repoPath); err == nil && current == branch {
			return repoPath, nil
		}
		// Stale worktree from an earlier allocation of this workspace.
		if err := m.Remove(workspacePath); err != nil {
			return "", fmt.Errorf("removing stale worktree: %w", err)
		}
	}

	if err := m.cleanupExistingBranch(branch); err != nil {
		return "", fmt.Errorf("cleaning up existing branch: %w", err)
	}

	// Fetch latest from origin first (if remote exists)
	fetchCmd := exec.Command("git", "fetch", "origin", "--prune")
	fetchCmd.Dir = m.repoDir
	fetchCmd.Run() // Ignore error - remote might not exist in tests

	base := m.baseRef()

	cmd := exec.Command("git", "worktree", "add", "-b", branch, repoPath, base)
	cmd.Dir = m.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git worktree add: %s: %w", out, err)
	}

	return repoPath, nil
}

// baseRef picks the ref new branches start from: the remote default branch
// when a remote exists, HEAD otherwise.
func (m *Manager) baseRef() string {
	for _, ref := range []string{"origin/main", "origin/master"} {
		cmd := exec.Command("git", "rev-parse", "--verify", ref)
		cmd.Dir = m.repoDir
		if cmd.Run() == nil {
			return ref
		}
	}
	return "HEAD"
}

// DefaultBranchRef returns the ref the merge target tip is read from.
func (m *Manager) DefaultBranchRef() string {
	return m.baseRef()
}

// cleanupExistingBranch removes any worktree and branch left over from a
// previous run using the same branch name.
func (m *Manager) cleanupExistingBranch(branch string) error {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = m.repoDir
	cmd.Run()

	cmd = exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoDir
	out, _ := cmd.Output()

	lines := strings.Split(string(out), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "worktree ") {
			wtPath := strings.TrimPrefix(line, "worktree ")
			for j := i + 1; j < len(lines) && j < i+4; j++ {
				if strings.TrimSpace(lines[j]) == "branch refs/heads/"+branch {
					rmCmd := exec.Command("git", "worktree", "remove", "--force", wtPath)
					rmCmd.Dir = m.repoDir
					rmCmd.Run() // Ignore error
					break
				}
			}
		}
	}

	// Delete the branch even if no worktree was found. This handles orphan
	// branches from previous runs.
	cmd = exec.Command("git", "branch", "-D", branch)
	cmd.Dir = m.repoDir
	cmd.Run() // Ignore error - branch might not exist

	return nil
}

// Remove removes the worktree inside a workspace directory and deletes its
// branch when one was checked out.
func (m *Manager) Remove(workspacePath string) error {
	repoPath := RepoPath(workspacePath)

	branch, _ := m.CurrentBranch(repoPath)

	cmd := exec.Command("git", "worktree", "remove", "--force", repoPath)
	cmd.Dir = m.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		// The worktree may already be gone; pruning handles the bookkeeping.
		pruneCmd := exec.Command("git", "worktree", "prune")
		pruneCmd.Dir = m.repoDir
		pruneCmd.Run()
		if _, statErr := os.Stat(repoPath); statErr == nil {
			return fmt.Errorf("git worktree remove: %s: %w", out, err)
		}
	}

	if branch != "" && branch != "HEAD" {
		cmd = exec.Command("git", "branch", "-D", branch)
		cmd.Dir = m.repoDir
		cmd.Run() // Ignore error if branch doesn't exist
	}

	return nil
}

// CurrentBranch returns the branch checked out in the given directory.
func (m *Manager) CurrentBranch(dir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse --abbrev-ref: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// HeadCommit returns the commit the given directory's HEAD points at.
func (m *Manager) HeadCommit(dir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ResolveRef resolves a ref to a commit hash in the main clone.
func (m *Manager) ResolveRef(ref string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--verify", ref+"^{commit}")
	cmd.Dir = m.repoDir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", ref, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Fetch updates the main clone's view of the remote.
func (m *Manager) Fetch() error {
	cmd := exec.Command("git", "fetch", "origin", "--prune")
	cmd.Dir = m.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git fetch: %s: %w", out, err)
	}
	return nil
}

// Push pushes the branch checked out in the worktree to origin.
func (m *Manager) Push(repoPath, branch string) error {
	cmd := exec.Command("git", "push", "-u", "origin", branch)
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git push: %s: %w", out, err)
	}
	return nil
}

// IsAncestor reports whether commit is an ancestor of ref in the main clone.
// A merge that actually landed makes its commit an ancestor of the target tip.
func (m *Manager) IsAncestor(commit, ref string) (bool, error) {
	cmd := exec.Command("git", "merge-base", "--is-ancestor", commit, ref)
	cmd.Dir = m.repoDir
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git merge-base --is-ancestor: %w", err)
}

// MissingPaths returns the subset of paths that do not exist on the ref.
func (m *Manager) MissingPaths(ref string, paths []string) ([]string, error) {
	var missing []string
	for _, p := range paths {
		cmd := exec.Command("git", "cat-file", "-e", ref+":"+p)
		cmd.Dir = m.repoDir
		if err := cmd.Run(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() != 0 {
				missing = append(missing, p)
				continue
			}
			return nil, fmt.Errorf("git cat-file -e %s:%s: %w", ref, p, err)
		}
	}
	return missing, nil
}

// CommitsAhead counts commits on the worktree's HEAD that are not on base.
func (m *Manager) CommitsAhead(repoPath, base string) (int, error) {
	cmd := exec.Command("git", "rev-list", "--count", base+"..HEAD")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("git rev-list --count: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("parsing rev-list count %q: %w", out, err)
	}
	return n, nil
}

// ChangedPaths lists the paths a commit touched, for path-presence checks
// after a merge.
func (m *Manager) ChangedPaths(commit string) ([]string, error) {
	cmd := exec.Command("git", "show", "--name-only", "--format=", commit)
	cmd.Dir = m.repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git show --name-only: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// BranchName returns the work branch for a run.
func BranchName(runID, title string) string {
	slug := Slugify(title)
	if slug == "" {
		return "conveyor/" + runID
	}
	return fmt.Sprintf("conveyor/%s-%s", runID, slug)
}

// Slugify lowercases a title and reduces it to hyphen-separated word
// characters, capped to keep branch names readable.
func Slugify(s string) string {
	const maxLen = 40

	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= maxLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
