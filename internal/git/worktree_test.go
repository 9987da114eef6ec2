package git

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func setupWorktreeTestRepo(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = tmpDir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v (%s)", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "Test User")
	run("config", "user.email", "test@example.com")

	if err := os.WriteFile(filepath.Join(tmpDir, "README.md"), []byte("# repo\n"), 0o644); err != nil {
		t.Fatalf("write readme: %v", err)
	}
	run("add", "README.md")
	run("commit", "-m", "initial commit")

	return tmpDir
}

func TestCreateWorktreeAddsBranchAndDirectory(t *testing.T) {
	repo := setupWorktreeTestRepo(t)
	worktreesDir := filepath.Join(repo, ".worktrees")

	path, branch, err := CreateWorktree(repo, worktreesDir, "card-1", "main")
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if branch != "squadforge/card-1" {
		t.Fatalf("unexpected branch %q", branch)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected worktree dir to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "README.md")); err != nil {
		t.Fatalf("expected checked-out file in worktree: %v", err)
	}
}

func TestCreateWorktreeRefusesClaimedPath(t *testing.T) {
	repo := setupWorktreeTestRepo(t)
	worktreesDir := filepath.Join(repo, ".worktrees")

	if _, _, err := CreateWorktree(repo, worktreesDir, "card-2", "main"); err != nil {
		t.Fatalf("first CreateWorktree: %v", err)
	}
	_, _, err := CreateWorktree(repo, worktreesDir, "card-2", "main")
	if !errors.Is(err, ErrWorktreeClaimed) {
		t.Fatalf("expected ErrWorktreeClaimed, got %v", err)
	}
}

func TestRemoveWorktreeDetachesIt(t *testing.T) {
	repo := setupWorktreeTestRepo(t)
	worktreesDir := filepath.Join(repo, ".worktrees")

	path, _, err := CreateWorktree(repo, worktreesDir, "card-3", "main")
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if err := RemoveWorktree(repo, path); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}

	worktrees, err := ListWorktrees(repo)
	if err != nil {
		t.Fatalf("ListWorktrees: %v", err)
	}
	for _, w := range worktrees {
		if w == path {
			t.Fatalf("expected %s to be removed from worktree list", path)
		}
	}
}

func TestRemoveWorktreeIsIdempotentForMissingPath(t *testing.T) {
	repo := setupWorktreeTestRepo(t)
	if err := RemoveWorktree(repo, filepath.Join(repo, ".worktrees", "does-not-exist")); err != nil {
		t.Fatalf("expected no error removing a never-created worktree, got %v", err)
	}
}
