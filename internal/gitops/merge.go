package gitops

import (
	"context"
	"fmt"
	"strings"
)

// MergeInto merges commit into the branch checked out at worktreePath. On
// conflict, aborts the merge and returns an error whose message names the
// conflicting files, so callers can report a useful merge-fi failure.
func (c *Client) MergeInto(ctx context.Context, worktreePath, commit, message string) error {
	_, err := c.gitIn(ctx, worktreePath, "merge", "--no-ff", "-m", message, commit)
	if err != nil {
		conflicts, listErr := c.ListConflicts(ctx, worktreePath)
		if listErr == nil && len(conflicts) > 0 {
			_, _ = c.gitIn(ctx, worktreePath, "merge", "--abort")
			return fmt.Errorf("merge conflict in %s: %w", strings.Join(conflicts, ", "), err)
		}
		return fmt.Errorf("merge %s: %w", commit, err)
	}
	return nil
}

// ListConflicts lists the currently unmerged paths in worktreePath.
func (c *Client) ListConflicts(ctx context.Context, worktreePath string) ([]string, error) {
	out, err := c.gitIn(ctx, worktreePath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// MergeReverseIntegration merges completedCommit into targetBranch in the
// main repo, under the caller-held RI serialization lock (spec.md section
// 4.5.10). Returns the new tip of targetBranch: the merge commit, or
// completedCommit itself when targetBranch did not exist and was created
// there.
func (c *Client) MergeReverseIntegration(ctx context.Context, targetBranch, completedCommit, message string) (string, error) {
	if !c.Exists(ctx, targetBranch) {
		if err := c.Create(ctx, targetBranch, completedCommit); err != nil {
			return "", fmt.Errorf("create target branch %s: %w", targetBranch, err)
		}
		return c.GetCommit(ctx, targetBranch)
	}

	worktree, err := c.tempCheckoutWorktree(ctx, targetBranch)
	if err != nil {
		return "", err
	}
	defer c.RemoveSafe(ctx, worktree, true)

	if err := c.MergeInto(ctx, worktree, completedCommit, message); err != nil {
		return "", err
	}
	sha, err := c.GetHead(ctx, worktree)
	if err != nil {
		return "", err
	}
	if err := c.UpdateRef(ctx, "refs/heads/"+targetBranch, sha); err != nil {
		return "", fmt.Errorf("fast-forward %s ref: %w", targetBranch, err)
	}
	return sha, nil
}

func (c *Client) tempCheckoutWorktree(ctx context.Context, branch string) (string, error) {
	path := WorktreePath(c.RepoPath+"/.conductor/ri-worktrees", branch)
	if _, err := c.git(ctx, "worktree", "add", path, branch); err != nil {
		return "", fmt.Errorf("create RI worktree for %s: %w", branch, err)
	}
	return path, nil
}

// IsDiffOnlyOrchestratorChanges reports whether every file changed between
// from and to is an orchestrator-internal path (.gitignore or paths under
// .conductor/), so the Engine can skip merges that carry no real work.
func (c *Client) IsDiffOnlyOrchestratorChanges(ctx context.Context, worktreePath, from, to string) (bool, error) {
	out, err := c.gitIn(ctx, worktreePath, "diff", "--name-only", from, to)
	if err != nil {
		return false, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return true, nil
	}
	for _, file := range strings.Split(out, "\n") {
		if file != ".gitignore" && !strings.HasPrefix(file, ".conductor/") {
			return false, nil
		}
	}
	return true, nil
}
