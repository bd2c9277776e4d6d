package ralph

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// CommitDriver records completed work in version control.
type CommitDriver interface {
	CheckoutBranch(dir, branch string) error
	Commit(dir, message string) (string, error)
	Push(dir string) error
}

const pushTimeout = 30 * time.Second

// Git is the CommitDriver backed by the git CLI.
type Git struct{}

func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// CheckoutBranch switches to branch, creating it when absent.
func (Git) CheckoutBranch(dir, branch string) error {
	if _, err := git(dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		if _, err := git(dir, "checkout", branch); err != nil {
			return fmt.Errorf("checkout %s: %w", branch, err)
		}
	} else {
		if _, err := git(dir, "checkout", "-b", branch); err != nil {
			return fmt.Errorf("create branch %s: %w", branch, err)
		}
	}
	slog.Info("checked out branch", "branch", branch)
	return nil
}

// Commit stages everything and commits, returning the new commit ref.
// An empty tree (nothing to commit) returns an empty ref, not an error.
func (Git) Commit(dir, message string) (string, error) {
	if _, err := git(dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add: %w", err)
	}
	if out, err := git(dir, "commit", "-m", message); err != nil {
		slog.Warn("git commit produced nothing", "output", excerpt(out, 200))
		return "", nil
	}
	ref, err := git(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return ref, nil
}

// Push publishes the current branch to origin. A missing remote is not
// an error; the work stays committed locally.
func (Git) Push(dir string) error {
	if _, err := git(dir, "remote", "get-url", "origin"); err != nil {
		slog.Warn("no remote origin configured, skipping push")
		return nil
	}
	branch, err := git(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return fmt.Errorf("resolve branch: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "push", "-u", "origin", branch)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git push: %s: %w", excerpt(strings.TrimSpace(string(out)), 200), err)
	}
	slog.Info("pushed to origin", "branch", branch)
	return nil
}
