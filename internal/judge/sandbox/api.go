// Package sandbox judges one submission: it resolves the toolchain, compiles
// once, runs every test case in isolation and aggregates the verdicts.
package sandbox

import (
	"context"

	"judgebox/internal/judge/sandbox/limits"
	"judgebox/internal/judge/sandbox/result"
	"judgebox/internal/judge/sandbox/toolchain"
)

// Service is the high-level sandbox entrypoint used by the judge layer.
type Service interface {
	Execute(ctx context.Context, sub Submission) (result.JudgeReport, error)
	Kill(ctx context.Context, submissionID string) error
}

// ToolchainResolver maps a language tag onto its toolchain.
type ToolchainResolver interface {
	Resolve(tag string) (toolchain.ToolchainSpec, error)
}

// Submission contains all data needed to judge one piece of code.
// It must not be modified once handed to the worker.
type Submission struct {
	ID       string
	Language string
	Source   string
	Tests    []TestCase
	// Limits are the caller's run limits. Unset fields take the run
	// profile defaults.
	Limits     limits.ExecutionLimits
	ReceivedAt int64
}

// TestCase is one input and its expected output. Its identity is its index.
type TestCase struct {
	Input  string
	Output string
}
