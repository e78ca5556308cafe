package runner

import (
	"context"

	"judgebox/internal/judge/sandbox/result"
	"judgebox/internal/judge/sandbox/spec"
	"judgebox/internal/judge/sandbox/toolchain"
)

// CompileRequest describes one compilation task.
type CompileRequest struct {
	SubmissionID string
	Toolchain    toolchain.ToolchainSpec
	Source       []byte
	// Limits must already be resolved.
	Limits         spec.ResourceLimit
	SeccompProfile string
}

// RunRequest describes one execution task.
type RunRequest struct {
	SubmissionID string
	TestIndex    int
	Toolchain    toolchain.ToolchainSpec
	Source       []byte
	// Artifacts are the compile outputs copied into the run scratch.
	Artifacts      map[string][]byte
	Input          string
	Limits         spec.ResourceLimit
	SeccompProfile string
}

// Runner orchestrates compile and run workflows.
//
// An error is returned only when the sandbox failed or the context was
// cancelled. Program failures are classified in the returned result.
type Runner interface {
	Compile(ctx context.Context, req CompileRequest) (result.CompileResult, error)
	Run(ctx context.Context, req RunRequest) (result.ExecutionResult, error)
}
