// Package profile holds the per-task sandbox settings: fallback limits and
// the syscall filter a task runs under.
package profile

import "judgebox/internal/judge/sandbox/limits"

// TaskType identifies the sandbox task category.
type TaskType string

const (
	TaskTypeCompile TaskType = "compile"
	TaskTypeRun     TaskType = "run"
)

// TaskProfile defines sandbox resources and security settings for a task type.
type TaskProfile struct {
	TaskType      TaskType
	DefaultLimits limits.Defaults
	// SeccompProfile is a host path. Empty uses the engine default.
	SeccompProfile string
}

// Set is the profile pair a submission is judged with.
type Set struct {
	Compile TaskProfile
	Run     TaskProfile
}

// DefaultSet returns the documented compile and run defaults.
func DefaultSet() Set {
	return Set{
		Compile: TaskProfile{TaskType: TaskTypeCompile, DefaultLimits: limits.CompileDefaults()},
		Run:     TaskProfile{TaskType: TaskTypeRun, DefaultLimits: limits.RunDefaults()},
	}
}

// NewSet overlays configured defaults on the documented ones. Unset fields
// keep their documented value.
func NewSet(compile, run limits.Defaults) Set {
	return Set{
		Compile: TaskProfile{TaskType: TaskTypeCompile, DefaultLimits: compile.Fill(limits.CompileDefaults())},
		Run:     TaskProfile{TaskType: TaskTypeRun, DefaultLimits: run.Fill(limits.RunDefaults())},
	}
}

// WithSeccomp returns s with per-task syscall filters.
func (s Set) WithSeccomp(compile, run string) Set {
	s.Compile.SeccompProfile = compile
	s.Run.SeccompProfile = run
	return s
}
