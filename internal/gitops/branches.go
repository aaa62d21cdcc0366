// Package gitops wraps the git CLI with the operations the execution
// engine needs: branch queries, worktree lifecycle, commit/merge plumbing,
// and gitignore-aware diff filtering. Every call shells out via a
// procrunner.Runner so tests can substitute a fake.
package gitops

import (
	"context"
	"fmt"
	"strings"

	"github.com/harrison/conductor/internal/procrunner"
)

// Client wraps git operations rooted at RepoPath.
type Client struct {
	Runner   procrunner.Runner
	RepoPath string
}

// New constructs a Client backed by the real OS git binary.
func New(repoPath string) *Client {
	return &Client{Runner: procrunner.New(), RepoPath: repoPath}
}

func (c *Client) git(ctx context.Context, args ...string) (string, error) {
	var sb strings.Builder
	exitCode, err := c.Runner.Run(ctx, c.RepoPath, nil, "git", args, func(line string) {
		sb.WriteString(line)
		sb.WriteByte('\n')
	})
	out := strings.TrimRight(sb.String(), "\n")
	if err != nil || exitCode != 0 {
		return out, fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, out)
	}
	return out, nil
}

// IsDefaultBranch reports whether name matches the repo's HEAD branch as
// reported by the remote's symbolic ref, falling back to "main"/"master".
func (c *Client) IsDefaultBranch(ctx context.Context, name string) (bool, error) {
	out, err := c.git(ctx, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		parts := strings.Split(out, "/")
		return parts[len(parts)-1] == name, nil
	}
	return name == "main" || name == "master", nil
}

// Exists reports whether a local branch exists.
func (c *Client) Exists(ctx context.Context, name string) bool {
	_, err := c.git(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// RemoteExists reports whether name exists on the "origin" remote.
func (c *Client) RemoteExists(ctx context.Context, name string) bool {
	out, err := c.git(ctx, "ls-remote", "--heads", "origin", name)
	return err == nil && strings.TrimSpace(out) != ""
}

// Current returns the checked-out branch name, "" if detached.
func (c *Client) Current(ctx context.Context) (string, error) {
	out, err := c.git(ctx, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return out, nil
}

// CurrentOrNull returns Current but swallows errors, returning "".
func (c *Client) CurrentOrNull(ctx context.Context) string {
	name, err := c.Current(ctx)
	if err != nil {
		return ""
	}
	return name
}

// Create creates name at startPoint without checking it out.
func (c *Client) Create(ctx context.Context, name, startPoint string) error {
	_, err := c.git(ctx, "branch", name, startPoint)
	return err
}

// CreateOrReset creates name at startPoint, or resets it if it already exists.
func (c *Client) CreateOrReset(ctx context.Context, name, startPoint string) error {
	_, err := c.git(ctx, "branch", "-f", name, startPoint)
	return err
}

// Remove force-deletes a local branch.
func (c *Client) Remove(ctx context.Context, name string) error {
	_, err := c.git(ctx, "branch", "-D", name)
	return err
}

// Checkout switches the repo's working tree to name.
func (c *Client) Checkout(ctx context.Context, name string) error {
	_, err := c.git(ctx, "checkout", name)
	return err
}

// List returns every local branch name.
func (c *Client) List(ctx context.Context) ([]string, error) {
	out, err := c.git(ctx, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// GetCommit resolves ref to a full commit SHA.
func (c *Client) GetCommit(ctx context.Context, ref string) (string, error) {
	return c.git(ctx, "rev-parse", ref)
}

// GetMergeBase returns the merge base of a and b.
func (c *Client) GetMergeBase(ctx context.Context, a, b string) (string, error) {
	return c.git(ctx, "merge-base", a, b)
}
