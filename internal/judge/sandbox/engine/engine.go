// Package engine runs one command inside an isolated sandbox.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"judgebox/internal/judge/sandbox/result"
	"judgebox/internal/judge/sandbox/spec"
	appErr "judgebox/pkg/errors"
)

const (
	BackendNative = "native"
	BackendDocker = "docker"

	// SandboxDir is where the scratch directory appears inside the sandbox.
	SandboxDir = "/sandbox"

	defaultWaitDelay = 500 * time.Millisecond
	nobodyID         = 65534
)

// Engine executes a RunSpec inside an isolated sandbox.
//
// Run returns an error only when the sandbox itself could not be set up or
// the context was cancelled. Failures caused by the program are reported in
// the RunResult.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error)
	KillSubmission(ctx context.Context, submissionID string) error
}

// Config controls sandbox engine behavior.
type Config struct {
	Backend  string
	WorkRoot string

	// native backend
	HelperPath       string
	CgroupRoot       string
	SeccompProfile   string
	RootFS           string
	ReadOnlyMounts   []string
	EnableSeccomp    bool
	EnableCgroup     bool
	EnableNamespaces bool
	// AllowUnisolated lets the native backend run without namespaces or
	// cgroups. Programs then share the host filesystem and network.
	AllowUnisolated bool
	// RunAsUID and RunAsGID apply when the engine runs as root.
	RunAsUID int
	RunAsGID int

	// docker backend
	DockerHost   string
	DefaultImage string

	// WaitDelay bounds how long teardown may take once the process was killed.
	WaitDelay time.Duration
}

// DefaultReadOnlyMounts lists the host paths exposed read-only to programs
// when no root filesystem image is configured.
func DefaultReadOnlyMounts() []string {
	return []string{"/bin", "/usr", "/lib", "/lib64", "/etc/alternatives", "/etc/ssl"}
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendNative
	}
	if c.HelperPath == "" {
		c.HelperPath = "sandbox-init"
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = defaultWaitDelay
	}
	if c.RunAsUID <= 0 {
		c.RunAsUID = nobodyID
	}
	if c.RunAsGID <= 0 {
		c.RunAsGID = nobodyID
	}
	if c.ReadOnlyMounts == nil {
		c.ReadOnlyMounts = DefaultReadOnlyMounts()
	}
}

// New creates the engine selected by cfg.Backend.
func New(cfg Config) (Engine, error) {
	cfg.applyDefaults()
	switch cfg.Backend {
	case BackendNative:
		return NewNativeEngine(cfg)
	case BackendDocker:
		return NewDockerEngine(cfg)
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if len(runSpec.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if runSpec.Limits.WallTimeMs <= 0 {
		return fmt.Errorf("wall time limit is required")
	}
	if runSpec.Limits.OutputBytes <= 0 {
		return fmt.Errorf("output limit is required")
	}
	return nil
}

func setupError(err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if err == nil {
		return appErr.New(appErr.SandboxSetupError).WithMessage(msg)
	}
	return appErr.Wrapf(err, appErr.SandboxSetupError, "%s: %v", msg, err)
}

func cancelledError(err error) error {
	return appErr.Wrapf(err, appErr.Cancelled, "run cancelled")
}

// expandEnv substitutes {workdir} with the scratch path seen by the program.
func expandEnv(env []string, workDir string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		out = append(out, strings.ReplaceAll(kv, "{workdir}", workDir))
	}
	return out
}

func durationFromMs(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
