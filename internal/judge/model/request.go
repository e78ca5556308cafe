package model

import (
	"fmt"
	"math"
	"time"

	"judgebox/internal/judge/sandbox"
	"judgebox/internal/judge/sandbox/limits"
	appErr "judgebox/pkg/errors"
)

// TestCaseRequest is one input with its expected output.
type TestCaseRequest struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// LimitsRequest carries caller limits. Zero or negative fields take defaults.
type LimitsRequest struct {
	TimeoutMs   int64   `json:"timeout_ms"`
	MemoryMB    int64   `json:"memory_mb"`
	CPUCores    float64 `json:"cpu_cores"`
	Processes   int64   `json:"processes"`
	OutputBytes int64   `json:"output_bytes"`
}

// JudgeRequest is the boundary input of a judge run.
type JudgeRequest struct {
	// SubmissionID is optional. One is generated when empty.
	SubmissionID string            `json:"submission_id,omitempty"`
	Language     string            `json:"language" binding:"required"`
	Code         string            `json:"code"`
	TestCases    []TestCaseRequest `json:"test_cases"`
	Limits       *LimitsRequest    `json:"limits,omitempty"`
}

// Validate rejects limits above ceiling. Unset fields of ceiling are not
// checked and a nil receiver is valid.
func (l *LimitsRequest) Validate(ceiling limits.Defaults) error {
	if l == nil {
		return nil
	}
	if math.IsNaN(l.CPUCores) || math.IsInf(l.CPUCores, 0) {
		return appErr.ValidationError("limits.cpu_cores", "must be a finite number")
	}
	check := func(field string, value, limit int64) error {
		if limit > 0 && value > limit {
			return appErr.ValidationError(field, fmt.Sprintf("must not exceed %d", limit))
		}
		return nil
	}
	if err := check("limits.timeout_ms", l.TimeoutMs, ceiling.Timeout.Milliseconds()); err != nil {
		return err
	}
	if err := check("limits.memory_mb", l.MemoryMB, ceiling.MemoryBytes>>20); err != nil {
		return err
	}
	if ceiling.CPUCores > 0 && l.CPUCores > ceiling.CPUCores {
		return appErr.ValidationError("limits.cpu_cores", fmt.Sprintf("must not exceed %g", ceiling.CPUCores))
	}
	if err := check("limits.processes", l.Processes, ceiling.Processes); err != nil {
		return err
	}
	return check("limits.output_bytes", l.OutputBytes, ceiling.OutputBytes)
}

// ToExecutionLimits converts the request limits. A nil receiver yields all
// defaults. Values too large to convert saturate instead of wrapping.
func (l *LimitsRequest) ToExecutionLimits() limits.ExecutionLimits {
	if l == nil {
		return limits.ExecutionLimits{}
	}
	out := limits.ExecutionLimits{
		CPUCores:    l.CPUCores,
		Processes:   l.Processes,
		OutputBytes: l.OutputBytes,
	}
	if l.TimeoutMs > 0 {
		if l.TimeoutMs > math.MaxInt64/int64(time.Millisecond) {
			out.Timeout = time.Duration(math.MaxInt64)
		} else {
			out.Timeout = time.Duration(l.TimeoutMs) * time.Millisecond
		}
	}
	if l.MemoryMB > 0 {
		if l.MemoryMB > math.MaxInt64>>20 {
			out.MemoryBytes = math.MaxInt64
		} else {
			out.MemoryBytes = l.MemoryMB << 20
		}
	}
	return out
}

// ToSubmission builds the worker input.
func (r JudgeRequest) ToSubmission() sandbox.Submission {
	tests := make([]sandbox.TestCase, len(r.TestCases))
	for i, tc := range r.TestCases {
		tests[i] = sandbox.TestCase{Input: tc.Input, Output: tc.Output}
	}
	return sandbox.Submission{
		ID:         r.SubmissionID,
		Language:   r.Language,
		Source:     r.Code,
		Tests:      tests,
		Limits:     r.Limits.ToExecutionLimits(),
		ReceivedAt: time.Now().Unix(),
	}
}

// LanguageInfo describes one supported toolchain.
type LanguageInfo struct {
	Tag      string   `json:"tag"`
	Name     string   `json:"name"`
	Aliases  []string `json:"aliases,omitempty"`
	Compiled bool     `json:"compiled"`
}
