// Package limits turns per-request execution limits into an enforceable
// resource descriptor.
package limits

import (
	"math"
	"strconv"
	"time"

	"judgebox/internal/judge/sandbox/spec"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultMemoryBytes = 128 << 20
	DefaultCPUCores    = 0.5
	DefaultProcesses   = 1
	DefaultOutputBytes = 64 << 10

	// cpu.max period used for every run.
	CPUPeriodUs = 100000

	defaultStackBytes = 64 << 20
)

// ExecutionLimits is the caller-facing limit set. Zero or negative values
// mean "use the default".
type ExecutionLimits struct {
	Timeout     time.Duration
	MemoryBytes int64
	CPUCores    float64
	Processes   int64
	OutputBytes int64
}

// Defaults is the fallback limit set used when a request leaves a value unset.
type Defaults struct {
	Timeout     time.Duration `yaml:"timeout"`
	MemoryBytes int64         `yaml:"memoryBytes"`
	CPUCores    float64       `yaml:"cpuCores"`
	Processes   int64         `yaml:"processes"`
	OutputBytes int64         `yaml:"outputBytes"`
}

// RunDefaults returns the documented defaults for test-case runs.
func RunDefaults() Defaults {
	return Defaults{
		Timeout:     DefaultTimeout,
		MemoryBytes: DefaultMemoryBytes,
		CPUCores:    DefaultCPUCores,
		Processes:   DefaultProcesses,
		OutputBytes: DefaultOutputBytes,
	}
}

// CompileDefaults returns the defaults for compile steps. Compilers fork
// helpers and need far more memory than the programs they build.
func CompileDefaults() Defaults {
	return Defaults{
		Timeout:     10 * time.Second,
		MemoryBytes: 512 << 20,
		CPUCores:    1,
		Processes:   64,
		OutputBytes: 1 << 20,
	}
}

// MaxDefaults returns the ceiling a caller may request.
func MaxDefaults() Defaults {
	return Defaults{
		Timeout:     30 * time.Second,
		MemoryBytes: 1 << 30,
		CPUCores:    4,
		Processes:   128,
		OutputBytes: 16 << 20,
	}
}

// Exceeds names the first field of d that is above a positive field of
// ceiling.
// It returns "" when d fits.
func Exceeds(d, ceiling Defaults) string {
	switch {
	case ceiling.Timeout > 0 && d.Timeout > ceiling.Timeout:
		return "timeout"
	case ceiling.MemoryBytes > 0 && d.MemoryBytes > ceiling.MemoryBytes:
		return "memoryBytes"
	case ceiling.CPUCores > 0 && (d.CPUCores > ceiling.CPUCores || math.IsInf(d.CPUCores, 1)):
		return "cpuCores"
	case ceiling.Processes > 0 && d.Processes > ceiling.Processes:
		return "processes"
	case ceiling.OutputBytes > 0 && d.OutputBytes > ceiling.OutputBytes:
		return "outputBytes"
	}
	return ""
}

// Fill replaces unset fields of d with the fields of fallback.
func (d Defaults) Fill(fallback Defaults) Defaults {
	if d.Timeout <= 0 {
		d.Timeout = fallback.Timeout
	}
	if d.MemoryBytes <= 0 {
		d.MemoryBytes = fallback.MemoryBytes
	}
	if d.CPUCores <= 0 || math.IsNaN(d.CPUCores) {
		d.CPUCores = fallback.CPUCores
	}
	if d.Processes <= 0 {
		d.Processes = fallback.Processes
	}
	if d.OutputBytes <= 0 {
		d.OutputBytes = fallback.OutputBytes
	}
	return d
}

// Resolve converts lim into a descriptor, substituting defaults for every
// non-positive value. It never fails.
func Resolve(lim ExecutionLimits, defaults Defaults) spec.ResourceLimit {
	defaults = defaults.Fill(RunDefaults())
	merged := Defaults{
		Timeout:     lim.Timeout,
		MemoryBytes: lim.MemoryBytes,
		CPUCores:    lim.CPUCores,
		Processes:   lim.Processes,
		OutputBytes: lim.OutputBytes,
	}.Fill(defaults)

	wallMs := merged.Timeout.Milliseconds()
	if wallMs <= 0 {
		wallMs = 1
	}
	quota := int64(math.Ceil(merged.CPUCores * CPUPeriodUs))
	if quota < 1000 {
		// cpu.max rejects quotas below 1ms.
		quota = 1000
	}

	return spec.ResourceLimit{
		WallTimeMs:  wallMs,
		CPUTimeMs:   int64(math.Ceil(float64(wallMs) * math.Max(1, merged.CPUCores))),
		MemoryBytes: merged.MemoryBytes,
		StackBytes:  min(merged.MemoryBytes, defaultStackBytes),
		CPUQuotaUs:  quota,
		CPUPeriodUs: CPUPeriodUs,
		PIDs:        merged.Processes,
		OutputBytes: merged.OutputBytes,
	}
}

// ApplyMultipliers scales time and memory of a resolved descriptor.
// Multipliers <= 0 are treated as 1.
func ApplyMultipliers(limit spec.ResourceLimit, timeMultiplier, memoryMultiplier float64) spec.ResourceLimit {
	limit.WallTimeMs = scale(limit.WallTimeMs, timeMultiplier)
	limit.CPUTimeMs = scale(limit.CPUTimeMs, timeMultiplier)
	limit.MemoryBytes = scale(limit.MemoryBytes, memoryMultiplier)
	return limit
}

// WithMinProcesses raises the process limit to floor. Runtimes that start
// several OS threads count each of them against pids.max.
func WithMinProcesses(limit spec.ResourceLimit, floor int64) spec.ResourceLimit {
	if floor > limit.PIDs {
		limit.PIDs = floor
	}
	return limit
}

func scale(value int64, multiplier float64) int64 {
	if value <= 0 || multiplier <= 0 {
		return value
	}
	return int64(math.Ceil(float64(value) * multiplier))
}

// CPUMax renders the cgroup v2 cpu.max value for a descriptor.
func CPUMax(limit spec.ResourceLimit) string {
	if limit.CPUQuotaUs <= 0 || limit.CPUPeriodUs <= 0 {
		return "max " + strconv.FormatInt(CPUPeriodUs, 10)
	}
	return strconv.FormatInt(limit.CPUQuotaUs, 10) + " " + strconv.FormatInt(limit.CPUPeriodUs, 10)
}

// NanoCPUs renders the CPU share in the unit used by container runtimes.
func NanoCPUs(limit spec.ResourceLimit) int64 {
	if limit.CPUQuotaUs <= 0 || limit.CPUPeriodUs <= 0 {
		return 0
	}
	return limit.CPUQuotaUs * 1e9 / limit.CPUPeriodUs
}
