//go:build linux

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"judgebox/internal/judge/sandbox/result"
	"judgebox/internal/judge/sandbox/spec"
	"judgebox/pkg/utils/logger"

	"go.uber.org/zap"
)

const maxSetupMessageBytes = 64 << 10

type nativeEngine struct {
	cfg      Config
	registry *runRegistry
	seccomp  *seccompProfiles
}

// NewNativeEngine creates the Linux namespace + cgroup v2 engine.
func NewNativeEngine(cfg Config) (Engine, error) {
	cfg.applyDefaults()
	helper, err := exec.LookPath(cfg.HelperPath)
	if err != nil {
		return nil, fmt.Errorf("locate sandbox helper: %w", err)
	}
	cfg.HelperPath = helper
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, fmt.Errorf("cgroup root is required when cgroups are enabled")
	}
	if !cfg.EnableNamespaces || !cfg.EnableCgroup {
		if !cfg.AllowUnisolated {
			return nil, fmt.Errorf("native engine needs namespaces and cgroups unless allowUnisolated is set")
		}
		logger.Warn(context.Background(), "native sandbox runs without full isolation",
			zap.Bool("namespaces", cfg.EnableNamespaces),
			zap.Bool("cgroup", cfg.EnableCgroup),
		)
	}
	profiles, err := newSeccompProfiles(cfg)
	if err != nil {
		return nil, err
	}
	return &nativeEngine{
		cfg:      cfg,
		registry: newRunRegistry(),
		seccomp:  profiles,
	}, nil
}

func (e *nativeEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunResult{}, setupError(err, "invalid run spec")
	}
	if err := ctx.Err(); err != nil {
		return result.RunResult{}, cancelledError(err)
	}
	filter, err := e.seccomp.forRun(runSpec)
	if err != nil {
		return result.RunResult{}, setupError(err, "load seccomp profile")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registry.register(runSpec.SubmissionID, runSpec.RunID, cancel)
	defer e.registry.unregister(runSpec.SubmissionID, runSpec.RunID)

	scr, err := newScratch(e.cfg.WorkRoot, runSpec.RunID)
	if err != nil {
		return result.RunResult{}, setupError(err, "prepare scratch")
	}
	defer scr.cleanup()
	if err := scr.materialize(runSpec.Files); err != nil {
		return result.RunResult{}, setupError(err, "write run files")
	}

	dropPrivileges := os.Geteuid() == 0
	if dropPrivileges {
		if err := chownTree(scr.work, e.cfg.RunAsUID, e.cfg.RunAsGID); err != nil {
			return result.RunResult{}, setupError(err, "chown scratch")
		}
	}

	cgroupPath := ""
	if e.cfg.EnableCgroup {
		path, cleanup, err := createRunCgroup(e.cfg.CgroupRoot, runSpec.SubmissionID, runSpec.RunID)
		if err != nil {
			return result.RunResult{}, setupError(err, "create cgroup")
		}
		defer cleanup()
		if err := applyCgroupLimits(path, runSpec.Limits); err != nil {
			return result.RunResult{}, setupError(err, "apply cgroup limits")
		}
		cgroupPath = path
	}

	workDir := scr.work
	if e.cfg.EnableNamespaces {
		workDir = SandboxDir
	}
	initReq := spec.InitRequest{
		HostWorkDir:       scr.work,
		HostRootDir:       scr.root,
		WorkDir:           workDir,
		RootFS:            e.cfg.RootFS,
		ReadOnlyMounts:    e.readOnlyMounts(),
		Cmd:               runSpec.Cmd,
		Env:               expandEnv(runSpec.Env, workDir),
		Limits:            runSpec.Limits,
		Seccomp:           filter,
		EnableNs:          e.cfg.EnableNamespaces,
		LimitProcs:        cgroupPath == "",
		LimitAddressSpace: cgroupPath == "",
		DropPrivileges:    dropPrivileges,
		UID:               e.cfg.RunAsUID,
		GID:               e.cfg.RunAsGID,
	}

	initR, initW, err := os.Pipe()
	if err != nil {
		return result.RunResult{}, setupError(err, "create init pipe")
	}
	defer initR.Close()
	defer initW.Close()
	syncR, syncW, err := os.Pipe()
	if err != nil {
		return result.RunResult{}, setupError(err, "create sync pipe")
	}
	defer syncR.Close()
	defer syncW.Close()

	stdout := newCappedBuffer(runSpec.Limits.OutputBytes)
	stderr := newCappedBuffer(runSpec.Limits.OutputBytes)

	cmd := exec.Command(e.cfg.HelperPath)
	cmd.Dir = scr.dir
	cmd.Env = []string{}
	cmd.Stdin = bytes.NewReader(runSpec.Stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{initR, syncW}
	cmd.SysProcAttr = e.sysProcAttr(dropPrivileges)
	cmd.WaitDelay = e.cfg.WaitDelay

	if err := cmd.Start(); err != nil {
		return result.RunResult{}, setupError(err, "start helper")
	}
	start := time.Now()
	pid := cmd.Process.Pid
	// The child owns its copies now.
	_ = initR.Close()
	_ = syncW.Close()

	var timedOut atomic.Bool
	done := make(chan struct{})
	killed := make(chan struct{})
	go func() {
		defer close(killed)
		timer := time.NewTimer(durationFromMs(runSpec.Limits.WallTimeMs))
		defer timer.Stop()
		select {
		case <-runCtx.Done():
		case <-timer.C:
			timedOut.Store(true)
		case <-done:
			return
		}
		killTree(pid, cgroupPath)
	}()
	finish := func() (*os.ProcessState, error) {
		waitErr := cmd.Wait()
		close(done)
		<-killed
		return cmd.ProcessState, waitErr
	}

	if cgroupPath != "" {
		if err := addProcessToCgroup(cgroupPath, pid); err != nil {
			killTree(pid, "")
			_, _ = finish()
			return result.RunResult{}, setupError(err, "attach helper to cgroup")
		}
	}

	encodeErr := json.NewEncoder(initW).Encode(initReq)
	_ = initW.Close()
	setupMsg, _ := io.ReadAll(io.LimitReader(syncR, maxSetupMessageBytes))
	if encodeErr != nil || len(setupMsg) > 0 {
		killTree(pid, cgroupPath)
		_, _ = finish()
		if runCtx.Err() != nil {
			return result.RunResult{}, cancelledError(runCtx.Err())
		}
		if encodeErr != nil {
			return result.RunResult{}, setupError(encodeErr, "send init request")
		}
		return result.RunResult{}, setupError(nil, "sandbox init: %s", strings.TrimSpace(string(setupMsg)))
	}
	if cgroupPath != "" {
		if err := tightenPIDs(cgroupPath, runSpec.Limits); err != nil {
			logger.Warn(ctx, "tighten pids limit failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}

	state, waitErr := finish()
	wallTimeMs := time.Since(start).Milliseconds()
	// Background jobs left in the group do not outlive the run.
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	if waitErr != nil && state == nil {
		return result.RunResult{}, setupError(waitErr, "wait helper")
	}
	if waitErr != nil && errors.Is(waitErr, exec.ErrWaitDelay) {
		logger.Debug(ctx, "sandbox output pipes outlived the process", zap.String("runId", runSpec.RunID))
	}

	cpuMs := cpuTimeMs(cgroupPath, state)
	runResult := result.RunResult{
		ExitCode:    exitCode(state),
		WallTimeMs:  wallTimeMs,
		CPUTimeMs:   cpuMs,
		MemoryKB:    memoryPeakKB(cgroupPath, state),
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
		Truncated:   stdout.Truncated() || stderr.Truncated(),
		TimedOut:    timedOut.Load(),
		OomKilled:   wasOomKilled(cgroupPath),
		CPUExceeded: cpuLimitHit(state, cpuMs, runSpec.Limits),
	}
	if runResult.TimedOut {
		runResult.ExitCode = -1
	}
	// runCtx also ends when KillSubmission cancels this run.
	if runCtx.Err() != nil && !runResult.TimedOut {
		return runResult, cancelledError(runCtx.Err())
	}

	artifacts, err := scr.collect(runSpec.Artifacts)
	if err != nil {
		logger.Warn(ctx, "collect artifacts failed", zap.String("runId", runSpec.RunID), zap.Error(err))
	}
	runResult.Artifacts = artifacts
	return runResult, nil
}

func (e *nativeEngine) KillSubmission(ctx context.Context, submissionID string) error {
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	n := e.registry.cancel(submissionID)
	logger.Info(ctx, "kill submission", zap.String("submissionId", submissionID), zap.Int("runs", n))
	return nil
}

func (e *nativeEngine) readOnlyMounts() []spec.MountSpec {
	if e.cfg.RootFS != "" {
		return nil
	}
	mounts := make([]spec.MountSpec, 0, len(e.cfg.ReadOnlyMounts))
	for _, p := range e.cfg.ReadOnlyMounts {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		mounts = append(mounts, spec.MountSpec{Source: p, Target: p, ReadOnly: true})
	}
	return mounts
}

func (e *nativeEngine) sysProcAttr(dropPrivileges bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !e.cfg.EnableNamespaces {
		return attr
	}
	attr.Cloneflags = syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWNET | syscall.CLONE_NEWUSER
	uid, gid := os.Getuid(), os.Getgid()
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: uid, Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: gid, Size: 1}}
	if dropPrivileges {
		// Map the unprivileged ids too so the helper can switch to them.
		if e.cfg.RunAsUID != uid {
			attr.UidMappings = append(attr.UidMappings, syscall.SysProcIDMap{ContainerID: e.cfg.RunAsUID, HostID: e.cfg.RunAsUID, Size: 1})
		}
		if e.cfg.RunAsGID != gid {
			attr.GidMappings = append(attr.GidMappings, syscall.SysProcIDMap{ContainerID: e.cfg.RunAsGID, HostID: e.cfg.RunAsGID, Size: 1})
		}
		attr.GidMappingsEnableSetgroups = true
	}
	return attr
}

// killTree kills the helper, its process group and every descendant found
// under /proc. Descendants are collected first: a child that called setsid
// left the group and is only reachable through its parent link.
func killTree(pid int, cgroupPath string) {
	if cgroupPath != "" {
		_ = killCgroup(cgroupPath)
	}
	if pid <= 0 {
		return
	}
	children := descendants(pid)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	for _, child := range children {
		_ = syscall.Kill(child, syscall.SIGKILL)
	}
}

// descendants walks the /proc parent links below pid.
func descendants(pid int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	byParent := make(map[int][]int)
	for _, entry := range entries {
		child, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "stat"))
		if err != nil {
			continue
		}
		if parent, ok := parentPID(string(data)); ok {
			byParent[parent] = append(byParent[parent], child)
		}
	}
	var out []int
	queue := []int{pid}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, child := range byParent[next] {
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// parentPID reads the ppid field of a /proc/<pid>/stat line. The command
// name may hold spaces and parens, so fields are counted after the last ')'.
func parentPID(stat string) (int, bool) {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return 0, false
	}
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	return ppid, err == nil
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// cpuLimitHit reports whether the CPU rlimit ended the program: SIGXCPU at
// the soft limit, or SIGKILL at the hard limit with the budget spent.
func cpuLimitHit(state *os.ProcessState, cpuMs int64, limit spec.ResourceLimit) bool {
	if state == nil {
		return false
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return false
	}
	switch ws.Signal() {
	case syscall.SIGXCPU:
		return true
	case syscall.SIGKILL:
		return limit.CPUTimeMs > 0 && cpuMs >= limit.CPUTimeMs
	}
	return false
}

func chownTree(root string, uid, gid int) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(path, uid, gid)
	})
}
