package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WorktreeResult is returned by CreateOrReuseDetached.
type WorktreeResult struct {
	Reused     bool
	BaseCommit string
	TotalMs    int64
}

// CreateOrReuseDetached creates a detached worktree at path checked out at
// baseCommitish, or reuses it if already present (spec.md section 4.5.3).
// symlinkDirs are additional host directories symlinked into the worktree
// (e.g. node_modules caches) so agent work doesn't repeat expensive setup.
func (c *Client) CreateOrReuseDetached(ctx context.Context, path, baseCommitish string, logCb func(string), symlinkDirs []string) (*WorktreeResult, error) {
	start := time.Now()

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		sha, err := c.git(ctx, "-C", path, "rev-parse", "HEAD")
		if err != nil {
			return nil, fmt.Errorf("worktree at %s exists but HEAD is unreadable: %w", path, err)
		}
		if logCb != nil {
			logCb(fmt.Sprintf("reusing existing worktree at %s (HEAD %s)", path, sha))
		}
		return &WorktreeResult{Reused: true, BaseCommit: sha, TotalMs: time.Since(start).Milliseconds()}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create worktree parent dir: %w", err)
	}

	if logCb != nil {
		logCb(fmt.Sprintf("creating worktree at %s from %s", path, baseCommitish))
	}
	if _, err := c.git(ctx, "worktree", "add", "--detach", path, baseCommitish); err != nil {
		return nil, fmt.Errorf("git worktree add: %w", err)
	}

	sha, err := c.git(ctx, "-C", path, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve worktree HEAD: %w", err)
	}

	for _, dir := range symlinkDirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		target := filepath.Join(path, filepath.Base(dir))
		if _, err := os.Lstat(target); err == nil {
			continue
		}
		if err := os.Symlink(dir, target); err != nil && logCb != nil {
			logCb(fmt.Sprintf("warning: could not symlink %s into worktree: %v", dir, err))
		}
	}

	return &WorktreeResult{Reused: false, BaseCommit: sha, TotalMs: time.Since(start).Milliseconds()}, nil
}

// RemoveSafe removes a worktree, optionally forcing removal even with
// uncommitted changes present.
func (c *Client) RemoveSafe(ctx context.Context, path string, force bool) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := c.git(ctx, args...); err != nil {
		if force {
			if rmErr := os.RemoveAll(path); rmErr == nil {
				_, _ = c.git(ctx, "worktree", "prune")
				return nil
			}
		}
		return fmt.Errorf("remove worktree %s: %w", path, err)
	}
	return nil
}

// WorktreePath computes the flat, one-directory-per-node worktree layout
// (spec.md section 6): <worktreeRoot>/<nodeId[:8]>.
func WorktreePath(worktreeRoot, nodeID string) string {
	prefix := nodeID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return filepath.Join(worktreeRoot, prefix)
}

// ListWorktrees returns the paths of every registered worktree.
func (c *Client) ListWorktrees(ctx context.Context) ([]string, error) {
	out, err := c.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, p)
		}
	}
	return paths, nil
}
