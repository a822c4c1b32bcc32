package driven

import "context"

// FixResult is returned by a successful Fixer invocation.
type FixResult struct {
	CommitsPushed int
}

// FixError explains why a Fixer invocation failed.
type FixError struct {
	Reason string
}

func (e *FixError) Error() string { return "fixer: " + e.Reason }

// Fixer is the capability the core consumes to repair a language's lock
// file when the bot that opened the PR failed to do so. A Fixer is
// self-contained: it clones into a scratch location and pushes back on
// success. The core invokes it at most once per PR processing pipeline run.
type Fixer interface {
	Fix(ctx context.Context, repoFullName, headRef, language string) (FixResult, error)
}
