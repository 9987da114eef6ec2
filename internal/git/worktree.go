package git

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrWorktreeClaimed means the requested worktree path already exists on
// disk — the Board Engine refuses to start a
// second build session against a path already claimed (§4.3 shared
// resources).
var ErrWorktreeClaimed = errors.New("worktree path already claimed")

// WorktreeDirName derives the worktree directory name for a card's build
// stage: card-<card-id>, matching the branch naming convention below.
func WorktreeDirName(cardID string) string {
	return fmt.Sprintf("card-%s", cardID)
}

// BranchName derives the feature branch name for a card's build stage.
func BranchName(cardID string) string {
	return fmt.Sprintf("squadforge/%s", cardID)
}

// CreateWorktree adds a new git worktree at <worktreesDir>/<WorktreeDirName>
// on a fresh branch off baseBranch, refusing if that path is already in use.
func CreateWorktree(repoPath, worktreesDir, cardID, baseBranch string) (worktreePath, branch string, err error) {
	branch = BranchName(cardID)
	worktreePath = filepath.Join(worktreesDir, WorktreeDirName(cardID))

	if _, statErr := os.Stat(worktreePath); statErr == nil {
		return "", "", fmt.Errorf("%w: %s", ErrWorktreeClaimed, worktreePath)
	}

	if baseBranch == "" {
		baseBranch = "main"
	}
	if err := os.MkdirAll(worktreesDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create worktrees dir: %w", err)
	}

	cmd := exec.Command("git", "worktree", "add", "-b", branch, worktreePath, baseBranch)
	cmd.Dir = repoPath
	if out, runErr := cmd.CombinedOutput(); runErr != nil {
		return "", "", fmt.Errorf("git worktree add: %w (%s)", runErr, strings.TrimSpace(string(out)))
	}
	return worktreePath, branch, nil
}

// RemoveWorktree detaches and deletes a previously created worktree. It is
// best-effort: a missing worktree is not an error.
func RemoveWorktree(repoPath, worktreePath string) error {
	cmd := exec.Command("git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		if strings.Contains(strings.ToLower(string(out)), "is not a working tree") {
			return nil
		}
		return fmt.Errorf("git worktree remove: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ListWorktrees returns the paths of all worktrees currently registered
// against repoPath, as reported by `git worktree list --porcelain`.
func ListWorktrees(repoPath string) ([]string, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("git worktree list: %w (%s)", err, strings.TrimSpace(string(out)))
	}

	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimSpace(strings.TrimPrefix(line, "worktree ")))
		}
	}
	return paths, nil
}
