package gitops

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CommitAt stages all changes in worktreePath and commits with message.
// Returns the new commit SHA.
func (c *Client) CommitAt(ctx context.Context, worktreePath, message string) (string, error) {
	if err := c.StageAllAt(ctx, worktreePath); err != nil {
		return "", err
	}
	if _, err := c.gitIn(ctx, worktreePath, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit: %w", err)
	}
	return c.gitIn(ctx, worktreePath, "rev-parse", "HEAD")
}

// StageAllAt runs `git add -A` in worktreePath.
func (c *Client) StageAllAt(ctx context.Context, worktreePath string) error {
	_, err := c.gitIn(ctx, worktreePath, "add", "-A")
	return err
}

// HasUncommittedChanges reports whether worktreePath has a dirty index or
// working tree.
func (c *Client) HasUncommittedChanges(ctx context.Context, worktreePath string) (bool, error) {
	out, err := c.gitIn(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Fetch updates the remote-tracking refs for "origin".
func (c *Client) Fetch(ctx context.Context) error {
	_, err := c.git(ctx, "fetch", "origin")
	return err
}

// ResolveRef resolves ref to a commit SHA in worktreePath (falls back to
// the main repo if worktreePath is empty).
func (c *Client) ResolveRef(ctx context.Context, worktreePath, ref string) (string, error) {
	if worktreePath == "" {
		return c.git(ctx, "rev-parse", ref)
	}
	return c.gitIn(ctx, worktreePath, "rev-parse", ref)
}

// GetHead is ResolveRef(worktreePath, "HEAD").
func (c *Client) GetHead(ctx context.Context, worktreePath string) (string, error) {
	return c.ResolveRef(ctx, worktreePath, "HEAD")
}

// CommitLogEntry is one line of `git log --oneline`.
type CommitLogEntry struct {
	SHA     string
	Subject string
}

// GetCommitLog returns commits reachable from ref but not from since (empty
// since means the full history of ref).
func (c *Client) GetCommitLog(ctx context.Context, worktreePath, since, ref string) ([]CommitLogEntry, error) {
	rangeArg := ref
	if since != "" {
		rangeArg = since + ".." + ref
	}
	out, err := c.gitIn(ctx, worktreePath, "log", "--format=%H%x09%s", rangeArg)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var entries []CommitLogEntry
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		entries = append(entries, CommitLogEntry{SHA: parts[0], Subject: parts[1]})
	}
	return entries, nil
}

// GetCommitChanges lists the files touched by commit sha.
func (c *Client) GetCommitChanges(ctx context.Context, worktreePath, sha string) ([]string, error) {
	out, err := c.gitIn(ctx, worktreePath, "show", "--name-only", "--format=", sha)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// DiffStats summarizes the lines-added/removed between two refs.
type DiffStats struct {
	FilesChanged int
	LinesAdded   int
	LinesRemoved int
}

// GetDiffStats returns the aggregate line-change summary between from and to.
func (c *Client) GetDiffStats(ctx context.Context, worktreePath, from, to string) (DiffStats, error) {
	out, err := c.gitIn(ctx, worktreePath, "diff", "--shortstat", from, to)
	if err != nil {
		return DiffStats{}, err
	}
	return parseShortstat(out), nil
}

func parseShortstat(out string) DiffStats {
	var stats DiffStats
	fields := strings.Split(out, ",")
	for _, f := range fields {
		f = strings.TrimSpace(f)
		switch {
		case strings.Contains(f, "file"):
			stats.FilesChanged = firstInt(f)
		case strings.Contains(f, "insertion"):
			stats.LinesAdded = firstInt(f)
		case strings.Contains(f, "deletion"):
			stats.LinesRemoved = firstInt(f)
		}
	}
	return stats
}

func firstInt(s string) int {
	for _, field := range strings.Fields(s) {
		if n, err := strconv.Atoi(field); err == nil {
			return n
		}
	}
	return 0
}

// GetFileDiff returns the unified diff of path between from and to.
func (c *Client) GetFileDiff(ctx context.Context, worktreePath, from, to, path string) (string, error) {
	return c.gitIn(ctx, worktreePath, "diff", from, to, "--", path)
}

// GetStagedFileDiff returns the staged unified diff of path.
func (c *Client) GetStagedFileDiff(ctx context.Context, worktreePath, path string) (string, error) {
	return c.gitIn(ctx, worktreePath, "diff", "--cached", "--", path)
}

// HasChangesBetween reports whether from and to differ at all.
func (c *Client) HasChangesBetween(ctx context.Context, worktreePath, from, to string) (bool, error) {
	out, err := c.gitIn(ctx, worktreePath, "diff", "--name-only", from, to)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// GetCommitCount returns the number of commits reachable from ref but not since.
func (c *Client) GetCommitCount(ctx context.Context, worktreePath, since, ref string) (int, error) {
	rangeArg := ref
	if since != "" {
		rangeArg = since + ".." + ref
	}
	out, err := c.gitIn(ctx, worktreePath, "rev-list", "--count", rangeArg)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse commit count: %w", err)
	}
	return n, nil
}

// GetDirtyFiles lists paths with uncommitted changes.
func (c *Client) GetDirtyFiles(ctx context.Context, worktreePath string) ([]string, error) {
	out, err := c.gitIn(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) > 3 {
			files = append(files, strings.TrimSpace(line[3:]))
		}
	}
	return files, nil
}

// CheckoutFile restores path in worktreePath from ref.
func (c *Client) CheckoutFile(ctx context.Context, worktreePath, ref, path string) error {
	_, err := c.gitIn(ctx, worktreePath, "checkout", ref, "--", path)
	return err
}

// ResetHard resets worktreePath to ref, discarding all local changes.
func (c *Client) ResetHard(ctx context.Context, worktreePath, ref string) error {
	_, err := c.gitIn(ctx, worktreePath, "reset", "--hard", ref)
	return err
}

// Clean removes untracked files and directories from worktreePath.
func (c *Client) Clean(ctx context.Context, worktreePath string) error {
	_, err := c.gitIn(ctx, worktreePath, "clean", "-fd")
	return err
}

// UpdateRef force-updates a ref to sha, retrying on transient index.lock
// contention per spec.md section 5 (up to 3 attempts, 1-3s backoff).
func (c *Client) UpdateRef(ctx context.Context, ref, sha string) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		_, err := c.git(ctx, "update-ref", ref, sha)
		if err == nil {
			return nil
		}
		lastErr = err
		if !strings.Contains(err.Error(), "index.lock") && !strings.Contains(err.Error(), "unable to lock") {
			return err
		}
	}
	return fmt.Errorf("update-ref %s after 3 attempts: %w", ref, lastErr)
}

// StashPush stashes worktreePath's changes, including untracked files.
func (c *Client) StashPush(ctx context.Context, worktreePath, message string) error {
	_, err := c.gitIn(ctx, worktreePath, "stash", "push", "-u", "-m", message)
	return err
}

// StashPop pops the most recent stash entry.
func (c *Client) StashPop(ctx context.Context, worktreePath string) error {
	_, err := c.gitIn(ctx, worktreePath, "stash", "pop")
	return err
}

// StashDrop drops the most recent stash entry.
func (c *Client) StashDrop(ctx context.Context, worktreePath string) error {
	_, err := c.gitIn(ctx, worktreePath, "stash", "drop")
	return err
}

// StashShowFiles lists files touched by the most recent stash entry.
func (c *Client) StashShowFiles(ctx context.Context, worktreePath string) ([]string, error) {
	out, err := c.gitIn(ctx, worktreePath, "stash", "show", "--name-only")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// StashShowPatch returns the unified diff of the most recent stash entry.
func (c *Client) StashShowPatch(ctx context.Context, worktreePath string) (string, error) {
	return c.gitIn(ctx, worktreePath, "stash", "show", "-p")
}

func (c *Client) gitIn(ctx context.Context, dir string, args ...string) (string, error) {
	if dir == "" {
		return c.git(ctx, args...)
	}
	full := append([]string{"-C", dir}, args...)
	return c.git(ctx, full...)
}
