// Package fixer implements the driven.Fixer port by shelling out to the same
// CLIs a developer would run: clone the PR's branch into a scratch
// directory, run the language's lock-file regeneration command, and push
// the result back if anything changed.
package fixer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ashmere/renovateagent/internal/domain/port/driven"
)

var _ driven.Fixer = (*Fixer)(nil)

// command is the lock-file regeneration invocation for one language,
// resolved from a PR's detected language.
type command struct {
	name string
	args []string
}

// commandsByLanguage maps a configured fix.languages entry to the CLI
// invocation that regenerates its lock file in a freshly cloned checkout.
var commandsByLanguage = map[string]command{
	"npm":    {name: "npm", args: []string{"install", "--package-lock-only"}},
	"yarn":   {name: "yarn", args: []string{"install", "--mode=update-lockfile"}},
	"pnpm":   {name: "pnpm", args: []string{"install", "--lockfile-only"}},
	"go":     {name: "go", args: []string{"mod", "tidy"}},
	"pip":    {name: "pip-compile", args: []string{"--upgrade"}},
	"bundle": {name: "bundle", args: []string{"lock", "--update"}},
}

// Fixer clones a PR's head branch into a scratch directory, runs the
// detected language's lock-file command, and pushes back on success. It is
// self-contained: every invocation gets its own scratch clone, cleaned up
// before returning.
type Fixer struct {
	// CloneBaseURL builds the authenticated clone URL for a repoFullName
	// (owner/repo), e.g. "https://x-access-token:<token>@github.com/%s.git".
	CloneBaseURL string
	// ScratchDir is the parent directory scratch clones are created under;
	// defaults to os.TempDir() when empty.
	ScratchDir string
}

// New creates a Fixer that authenticates clones/pushes with token.
func New(token, scratchDir string) *Fixer {
	return &Fixer{
		CloneBaseURL: fmt.Sprintf("https://x-access-token:%s@github.com/%%s.git", token),
		ScratchDir:   scratchDir,
	}
}

// Fix implements driven.Fixer.
func (f *Fixer) Fix(ctx context.Context, repoFullName, headRef, language string) (driven.FixResult, error) {
	cmd, ok := commandsByLanguage[strings.ToLower(language)]
	if !ok {
		return driven.FixResult{}, &driven.FixError{Reason: fmt.Sprintf("unsupported fix language %q", language)}
	}

	workdir, err := os.MkdirTemp(f.ScratchDir, "renovateagent-fix-*")
	if err != nil {
		return driven.FixResult{}, &driven.FixError{Reason: fmt.Sprintf("create scratch dir: %v", err)}
	}
	defer os.RemoveAll(workdir)

	cloneURL := fmt.Sprintf(f.CloneBaseURL, repoFullName)
	if err := f.run(ctx, workdir, "git", "clone", "--depth=1", "--branch", headRef, cloneURL, "."); err != nil {
		return driven.FixResult{}, &driven.FixError{Reason: fmt.Sprintf("clone %s@%s: %v", repoFullName, headRef, err)}
	}

	if err := f.run(ctx, workdir, cmd.name, cmd.args...); err != nil {
		return driven.FixResult{}, &driven.FixError{Reason: fmt.Sprintf("run %s: %v", cmd.name, err)}
	}

	changed, err := f.hasChanges(ctx, workdir)
	if err != nil {
		return driven.FixResult{}, &driven.FixError{Reason: fmt.Sprintf("check working tree: %v", err)}
	}
	if !changed {
		return driven.FixResult{CommitsPushed: 0}, nil
	}

	if err := f.run(ctx, workdir, "git", "add", "-A"); err != nil {
		return driven.FixResult{}, &driven.FixError{Reason: fmt.Sprintf("stage lock file: %v", err)}
	}
	commitMsg := fmt.Sprintf("fix(%s): regenerate lock file", language)
	if err := f.run(ctx, workdir, "git", "commit", "-m", commitMsg); err != nil {
		return driven.FixResult{}, &driven.FixError{Reason: fmt.Sprintf("commit lock file: %v", err)}
	}
	if err := f.run(ctx, workdir, "git", "push", "origin", fmt.Sprintf("HEAD:%s", headRef)); err != nil {
		return driven.FixResult{}, &driven.FixError{Reason: fmt.Sprintf("push %s: %v", headRef, err)}
	}

	return driven.FixResult{CommitsPushed: 1}, nil
}

func (f *Fixer) hasChanges(ctx context.Context, workdir string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = workdir
	out, err := cmd.Output()
	if err != nil {
		return false, err
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}

func (f *Fixer) run(ctx context.Context, workdir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SupportedLanguages reports the fix.languages values this Fixer can handle.
// Config validation does not consult it: an unsupported fix.languages entry
// is accepted at startup.
func SupportedLanguages() []string {
	out := make([]string, 0, len(commandsByLanguage))
	for lang := range commandsByLanguage {
		out = append(out, lang)
	}
	return out
}
