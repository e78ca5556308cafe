//go:build linux

// Command sandbox-init prepares the isolated environment for one program and
// execs it. It is started by the native sandbox engine inside fresh
// namespaces and reads its instructions from fd 3.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"judgebox/internal/judge/sandbox/spec"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

func init() {
	// no_new_privs and the exec must happen on the same thread.
	runtime.LockOSThread()
}

func main() {
	syncPipe := os.NewFile(spec.SyncFD, "sync")
	if err := run(); err != nil {
		if _, werr := fmt.Fprint(syncPipe, err.Error()); werr != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
		}
		os.Exit(1)
	}
}

func run() error {
	req, err := readRequest()
	if err != nil {
		return err
	}
	if len(req.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.HostWorkDir == "" || req.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}

	if req.EnableNs {
		if err := buildRoot(req); err != nil {
			return err
		}
	} else {
		if req.RootFS != "" {
			return fmt.Errorf("namespaces disabled with a root filesystem")
		}
		if err := os.Chdir(req.HostWorkDir); err != nil {
			return fmt.Errorf("chdir workdir: %w", err)
		}
	}

	if err := applyRlimits(req); err != nil {
		return err
	}
	if req.DropPrivileges {
		if err := dropPrivileges(req.UID, req.GID); err != nil {
			return err
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}

	path, err := lookPath(req.Cmd[0], req.Env)
	if err != nil {
		return err
	}
	// Load the filter last so the setup syscalls above stay allowed.
	if req.Seccomp != nil {
		if err := applySeccomp(req.Seccomp); err != nil {
			return err
		}
	}
	syscall.CloseOnExec(spec.SyncFD)
	if err := unix.Exec(path, req.Cmd, req.Env); err != nil {
		return fmt.Errorf("exec %s: %w", req.Cmd[0], err)
	}
	return nil
}

func readRequest() (spec.InitRequest, error) {
	f := os.NewFile(spec.InitFD, "init")
	defer f.Close()
	var req spec.InitRequest
	if err := json.NewDecoder(f).Decode(&req); err != nil {
		return spec.InitRequest{}, fmt.Errorf("decode init request: %w", err)
	}
	return req, nil
}

// buildRoot assembles the read-only root on HostRootDir, chroots into it
// and moves to the work directory.
func buildRoot(req spec.InitRequest) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mounts private: %w", err)
	}
	root := req.HostRootDir
	if root == "" {
		return fmt.Errorf("root dir is required")
	}
	if req.RootFS != "" {
		if err := unix.Mount(req.RootFS, root, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind rootfs: %w", err)
		}
	} else {
		if err := unix.Mount("tmpfs", root, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "size=16m,mode=0755"); err != nil {
			return fmt.Errorf("mount root tmpfs: %w", err)
		}
	}

	for _, m := range req.ReadOnlyMounts {
		if err := bindMount(m.Source, filepath.Join(root, m.Target), true); err != nil {
			return err
		}
	}
	if err := bindMount(req.HostWorkDir, filepath.Join(root, req.WorkDir), false); err != nil {
		return err
	}

	procPath := filepath.Join(root, "proc")
	if err := os.MkdirAll(procPath, 0755); err != nil {
		return fmt.Errorf("mkdir proc: %w", err)
	}
	if err := unix.Mount("proc", procPath, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return fmt.Errorf("mount proc: %w", err)
	}
	if err := populateDev(filepath.Join(root, "dev")); err != nil {
		return err
	}

	if err := unix.Chroot(root); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir root: %w", err)
	}
	flags, err := lockedFlags("/")
	if err != nil {
		return err
	}
	if err := unix.Mount("", "/", "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|flags, ""); err != nil {
		return fmt.Errorf("remount root readonly: %w", err)
	}
	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	return nil
}

func bindMount(source, target string, readOnly bool) error {
	if err := ensureMountTarget(source, target); err != nil {
		return err
	}
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount %s: %w", source, err)
	}
	flags, err := lockedFlags(target)
	if err != nil {
		return err
	}
	flags |= unix.MS_NOSUID | unix.MS_NODEV
	if readOnly {
		flags |= unix.MS_RDONLY
	}
	if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|flags, ""); err != nil {
		return fmt.Errorf("remount %s: %w", target, err)
	}
	return nil
}

// lockedFlags returns the mount flags of path that an unprivileged remount
// inside a user namespace must preserve.
func lockedFlags(path string) (uintptr, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	pairs := []struct {
		statfs int64
		mount  uintptr
	}{
		{unix.ST_NOSUID, unix.MS_NOSUID},
		{unix.ST_NODEV, unix.MS_NODEV},
		{unix.ST_NOEXEC, unix.MS_NOEXEC},
		{unix.ST_NOATIME, unix.MS_NOATIME},
		{unix.ST_NODIRATIME, unix.MS_NODIRATIME},
		{unix.ST_RELATIME, unix.MS_RELATIME},
	}
	var flags uintptr
	for _, p := range pairs {
		if int64(st.Flags)&p.statfs != 0 {
			flags |= p.mount
		}
	}
	return flags, nil
}

func populateDev(dev string) error {
	if err := os.MkdirAll(dev, 0755); err != nil {
		return fmt.Errorf("mkdir dev: %w", err)
	}
	if err := unix.Mount("tmpfs", dev, "tmpfs", unix.MS_NOSUID|unix.MS_NOEXEC, "size=64k,mode=0755"); err != nil {
		return fmt.Errorf("mount dev tmpfs: %w", err)
	}
	for _, name := range []string{"null", "zero", "urandom"} {
		source := filepath.Join("/dev", name)
		target := filepath.Join(dev, name)
		if err := ensureMountTarget(source, target); err != nil {
			return err
		}
		if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("bind %s: %w", source, err)
		}
	}
	return nil
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("mkdir mount target: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return file.Close()
}

func applyRlimits(req spec.InitRequest) error {
	limits := req.Limits
	setSoft := func(resource int, cur, max uint64, name string) error {
		if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: cur, Max: max}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", name, err)
		}
		return nil
	}
	set := func(resource int, value uint64, name string) error {
		return setSoft(resource, value, value, name)
	}
	if limits.CPUTimeMs > 0 {
		// SIGXCPU at the soft limit, SIGKILL one second later.
		secs := uint64((limits.CPUTimeMs + 999) / 1000)
		if err := setSoft(unix.RLIMIT_CPU, secs, secs+1, "cpu"); err != nil {
			return err
		}
	}
	if fsize := max(limits.MemoryBytes, limits.OutputBytes); fsize > 0 {
		if err := set(unix.RLIMIT_FSIZE, uint64(fsize), "fsize"); err != nil {
			return err
		}
	}
	if limits.StackBytes > 0 {
		if err := set(unix.RLIMIT_STACK, uint64(limits.StackBytes), "stack"); err != nil {
			return err
		}
	}
	if req.LimitProcs && limits.PIDs > 0 {
		if err := set(unix.RLIMIT_NPROC, uint64(limits.PIDs), "nproc"); err != nil {
			return err
		}
	}
	if req.LimitAddressSpace && limits.MemoryBytes > 0 {
		if err := set(unix.RLIMIT_AS, uint64(limits.MemoryBytes), "as"); err != nil {
			return err
		}
	}
	return nil
}

func dropPrivileges(uid, gid int) error {
	if err := syscall.Setgroups(nil); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := syscall.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("setresgid: %w", err)
	}
	if err := syscall.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("setresuid: %w", err)
	}
	return nil
}

// lookPath resolves name against the PATH the program will run with, not
// the helper's own environment.
func lookPath(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	pathEnv := ""
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			pathEnv = v
		}
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() || info.Mode()&0111 == 0 {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("command not found: %s", name)
}

func applySeccomp(profile *spec.SeccompProfile) error {
	defaultAction, err := parseSeccompAction(profile.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()
	for _, rule := range profile.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		if action == defaultAction {
			continue
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Profiles list syscalls of every arch; skip unknown ones.
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case spec.SeccompAllow:
		return seccomp.ActAllow, nil
	case spec.SeccompErrno:
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case spec.SeccompKill:
		return seccomp.ActKillProcess, nil
	case spec.SeccompTrap:
		return seccomp.ActTrap, nil
	case spec.SeccompLog:
		return seccomp.ActLog, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
