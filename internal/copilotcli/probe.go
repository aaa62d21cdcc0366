// Package copilotcli probes the local environment for a usable copilot
// coding-agent CLI and its authentication state (spec.md section 6).
package copilotcli

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/harrison/conductor/internal/procrunner"
)

const probeTimeout = 5 * time.Second

// AuthState is the result of the sequential auth probe.
type AuthState string

const (
	AuthAuthenticatedGH         AuthState = "authenticated/gh"
	AuthAuthenticatedStandalone AuthState = "authenticated/standalone"
	AuthUnauthenticatedGH       AuthState = "unauthenticated/gh"
	AuthUnauthenticatedStandalone AuthState = "unauthenticated/standalone"
	AuthUnknown                 AuthState = "unknown"
)

// Prober caches CLI-availability probe results: positive results for the
// process lifetime, negative results for 30s (spec.md section 6).
type Prober struct {
	Proc procrunner.Runner

	mu          sync.Mutex
	available   *bool
	negativeAt  time.Time
}

// New returns a Prober backed by the real OS process runner.
func New() *Prober {
	return &Prober{Proc: procrunner.New()}
}

// Available reports whether a copilot CLI is reachable through any of the
// probe commands, honoring the positive/negative caching policy.
func (p *Prober) Available(ctx context.Context) bool {
	p.mu.Lock()
	if p.available != nil {
		if *p.available {
			p.mu.Unlock()
			return true
		}
		if time.Since(p.negativeAt) < 30*time.Second {
			p.mu.Unlock()
			return false
		}
	}
	p.mu.Unlock()

	ok := p.probe(ctx)

	p.mu.Lock()
	p.available = &ok
	if !ok {
		p.negativeAt = time.Now()
	}
	p.mu.Unlock()

	return ok
}

// probe sequentially tries each discovery command, each capped at 5s.
func (p *Prober) probe(ctx context.Context) bool {
	checks := [][]string{
		{"gh", "copilot", "--help"},
		{"gh", "extension", "list"},
		{"copilot", "--help"},
		{"github-copilot", "--help"},
		{"github-copilot-cli", "--help"},
	}

	for i, check := range checks {
		out, ok := p.run(ctx, check[0], check[1:])
		if !ok {
			continue
		}
		if i == 1 {
			if strings.Contains(out, "github/gh-copilot") {
				return true
			}
			continue
		}
		return true
	}
	return false
}

// AuthStatus runs the sequential auth probe of spec.md section 6.
func (p *Prober) AuthStatus(ctx context.Context) AuthState {
	if _, ok := p.run(ctx, "gh", []string{"auth", "status"}); ok {
		return AuthAuthenticatedGH
	}
	if _, ok := p.run(ctx, "copilot", []string{"auth", "status"}); ok {
		return AuthAuthenticatedStandalone
	}
	if _, ok := p.run(ctx, "gh", []string{"--version"}); ok {
		return AuthUnauthenticatedGH
	}
	if _, ok := p.run(ctx, "copilot", []string{"--version"}); ok {
		return AuthUnauthenticatedStandalone
	}
	return AuthUnknown
}

func (p *Prober) run(ctx context.Context, name string, args []string) (string, bool) {
	runCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var sb strings.Builder
	exitCode, err := p.Proc.Run(runCtx, "", nil, name, args, func(line string) {
		sb.WriteString(line)
		sb.WriteByte('\n')
	})
	return sb.String(), err == nil && exitCode == 0
}
