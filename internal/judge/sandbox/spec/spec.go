// Package spec defines the execution specification and resource limits.
package spec

import "os"

// ResourceLimit describes hard limits enforced by the sandbox for one run.
type ResourceLimit struct {
	WallTimeMs  int64
	CPUTimeMs   int64
	MemoryBytes int64
	StackBytes  int64
	CPUQuotaUs  int64
	CPUPeriodUs int64
	PIDs        int64
	OutputBytes int64
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// File is materialized into the scratch directory before the run starts.
type File struct {
	Name string
	Data []byte
	Mode os.FileMode
}

// RunSpec is the unified execution specification for one command.
type RunSpec struct {
	SubmissionID string
	RunID        string
	Cmd          []string
	Env          []string
	Stdin        []byte
	// Files are written into the scratch directory, relative to its root.
	Files []File
	// Artifacts are glob patterns, relative to the scratch directory, read
	// back after the command exits.
	Artifacts []string
	// Image is only used by container backends.
	Image  string
	Limits ResourceLimit
	// SeccompProfile is a host path. Empty uses the engine default.
	SeccompProfile string
}
