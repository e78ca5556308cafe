//go:build linux

package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"judgebox/internal/judge/sandbox/limits"
	"judgebox/internal/judge/sandbox/spec"
)

// helperPIDAllowance covers the Go runtime threads of sandbox-init. The
// configured pids limit is applied once the helper has exec'd.
const helperPIDAllowance = 64

func createRunCgroup(root, submissionID, runID string) (string, func(), error) {
	if root == "" {
		return "", func() {}, fmt.Errorf("cgroup root is required")
	}
	if submissionID == "" {
		submissionID = "adhoc"
	}
	enableControllers(root)
	parent := filepath.Join(root, sanitize(submissionID))
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", func() {}, fmt.Errorf("create cgroup parent: %w", err)
	}
	enableControllers(parent)
	cgroupPath := filepath.Join(parent, fmt.Sprintf("%s-%d", sanitize(runID), time.Now().UnixNano()))
	if err := os.Mkdir(cgroupPath, 0755); err != nil {
		return "", func() {}, fmt.Errorf("create cgroup path: %w", err)
	}
	cleanup := func() {
		removeCgroup(cgroupPath)
		// Fails while sibling runs are alive, which is fine.
		_ = os.Remove(parent)
	}
	return cgroupPath, cleanup, nil
}

func enableControllers(path string) {
	_ = writeCgroupValue(path, "cgroup.subtree_control", "+memory +pids +cpu")
}

func applyCgroupLimits(cgroupPath string, limit spec.ResourceLimit) error {
	if err := writeCgroupValue(cgroupPath, "pids.max", strconv.FormatInt(limit.PIDs+helperPIDAllowance, 10)); err != nil {
		return err
	}
	if limit.MemoryBytes > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(limit.MemoryBytes, 10)); err != nil {
			return err
		}
		// Absent when swap accounting is disabled.
		_ = writeCgroupValue(cgroupPath, "memory.swap.max", "0")
	}
	return writeCgroupValue(cgroupPath, "cpu.max", limits.CPUMax(limit))
}

func tightenPIDs(cgroupPath string, limit spec.ResourceLimit) error {
	value := "max"
	if limit.PIDs > 0 {
		value = strconv.FormatInt(limit.PIDs, 10)
	}
	return writeCgroupValue(cgroupPath, "pids.max", value)
}

func addProcessToCgroup(cgroupPath string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return writeCgroupValue(cgroupPath, "cgroup.procs", strconv.Itoa(pid))
}

func killCgroup(cgroupPath string) error {
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0600)
}

// removeCgroup kills leftovers and waits briefly for the cgroup to drain,
// since rmdir fails with EBUSY while any task remains.
func removeCgroup(cgroupPath string) {
	_ = killCgroup(cgroupPath)
	for i := 0; i < 50; i++ {
		err := os.Remove(cgroupPath)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func wasOomKilled(cgroupPath string) bool {
	if cgroupPath == "" {
		return false
	}
	val, ok := readKeyedValue(cgroupPath, "memory.events", "oom_kill")
	return ok && val > 0
}

func memoryPeakKB(cgroupPath string, state *os.ProcessState) int64 {
	if cgroupPath != "" {
		if val, err := readCgroupInt(cgroupPath, "memory.peak"); err == nil && val > 0 {
			return val / 1024
		}
	}
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss
	}
	return 0
}

func cpuTimeMs(cgroupPath string, state *os.ProcessState) int64 {
	if cgroupPath != "" {
		if usec, ok := readKeyedValue(cgroupPath, "cpu.stat", "usage_usec"); ok {
			return usec / 1000
		}
	}
	if state == nil {
		return 0
	}
	return (state.UserTime() + state.SystemTime()).Milliseconds()
}

func readKeyedValue(cgroupPath, name, key string) (int64, bool) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != key {
			continue
		}
		val, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return val, true
	}
	return 0, false
}

func readCgroupInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func writeCgroupValue(cgroupPath, name, value string) error {
	path := filepath.Join(cgroupPath, name)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
