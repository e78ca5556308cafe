package spec

// Helper file descriptors. The engine passes the init request on InitFD and
// keeps the read end of SyncFD. The helper marks SyncFD close-on-exec, so
// EOF without data means the target program was exec'd; any bytes written
// before EOF are a setup failure message.
const (
	InitFD = 3
	SyncFD = 4
)

// InitRequest is the message the engine sends to the sandbox-init helper.
type InitRequest struct {
	// HostWorkDir is the scratch directory on the host.
	HostWorkDir string `json:"hostWorkDir"`
	// HostRootDir is an empty directory the helper builds the root on.
	HostRootDir string `json:"hostRootDir"`
	// WorkDir is the scratch directory as seen by the program.
	WorkDir        string        `json:"workDir"`
	RootFS         string        `json:"rootFS,omitempty"`
	ReadOnlyMounts []MountSpec   `json:"readOnlyMounts,omitempty"`
	Cmd            []string      `json:"cmd"`
	Env            []string      `json:"env"`
	Limits         ResourceLimit `json:"limits"`
	// Seccomp is read on the host, before the helper enters the new root.
	Seccomp  *SeccompProfile `json:"seccomp,omitempty"`
	EnableNs bool            `json:"enableNs"`
	// LimitProcs applies RLIMIT_NPROC, used only when no pids cgroup exists.
	LimitProcs bool `json:"limitProcs"`
	// LimitAddressSpace applies RLIMIT_AS, used only when no memory cgroup exists.
	LimitAddressSpace bool `json:"limitAddressSpace"`
	DropPrivileges    bool `json:"dropPrivileges"`
	UID               int  `json:"uid"`
	GID               int  `json:"gid"`
}
