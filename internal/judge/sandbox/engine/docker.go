package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"judgebox/internal/judge/sandbox/limits"
	"judgebox/internal/judge/sandbox/result"
	"judgebox/internal/judge/sandbox/spec"
	"judgebox/pkg/utils/logger"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

const dockerCleanupTimeout = 10 * time.Second

type dockerEngine struct {
	cfg      Config
	cli      *client.Client
	registry *runRegistry
	seccomp  *seccompProfiles
}

// NewDockerEngine creates an engine that runs every command in a throwaway
// container.
func NewDockerEngine(cfg Config) (Engine, error) {
	cfg.applyDefaults()
	profiles, err := newSeccompProfiles(cfg)
	if err != nil {
		return nil, err
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &dockerEngine{
		cfg:      cfg,
		cli:      cli,
		registry: newRunRegistry(),
		seccomp:  profiles,
	}, nil
}

func (e *dockerEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunResult{}, setupError(err, "invalid run spec")
	}
	if err := ctx.Err(); err != nil {
		return result.RunResult{}, cancelledError(err)
	}
	image := runSpec.Image
	if image == "" {
		image = e.cfg.DefaultImage
	}
	if image == "" {
		return result.RunResult{}, setupError(nil, "no container image for run %s", runSpec.RunID)
	}
	securityOpt := []string{"no-new-privileges"}
	filter, err := e.seccomp.forRun(runSpec)
	if err != nil {
		return result.RunResult{}, setupError(err, "load seccomp profile")
	}
	if filter != nil {
		inline, err := filter.JSON()
		if err != nil {
			return result.RunResult{}, setupError(err, "encode seccomp profile")
		}
		securityOpt = append(securityOpt, "seccomp="+inline)
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
	// The container user is not the scratch owner.
	if err := os.Chmod(scr.work, 0777); err != nil {
		return result.RunResult{}, setupError(err, "chmod scratch")
	}

	limit := runSpec.Limits
	pids := limit.PIDs
	created, err := e.cli.ContainerCreate(runCtx, &container.Config{
		Image:           image,
		Cmd:             runSpec.Cmd,
		Env:             expandEnv(runSpec.Env, SandboxDir),
		WorkingDir:      SandboxDir,
		User:            fmt.Sprintf("%d:%d", e.cfg.RunAsUID, e.cfg.RunAsGID),
		Hostname:        "sandbox",
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       true,
		NetworkDisabled: true,
	}, &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    securityOpt,
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: scr.work,
			Target: SandboxDir,
		}},
		Tmpfs: map[string]string{"/tmp": "rw,noexec,nosuid,size=16m"},
		Resources: container.Resources{
			Memory:     limit.MemoryBytes,
			MemorySwap: limit.MemoryBytes,
			NanoCPUs:   limits.NanoCPUs(limit),
			PidsLimit:  &pids,
		},
	}, nil, nil, "")
	if err != nil {
		if runCtx.Err() != nil {
			return result.RunResult{}, cancelledError(runCtx.Err())
		}
		return result.RunResult{}, setupError(err, "create container")
	}
	id := created.ID
	defer e.remove(ctx, id)

	hijack, err := e.cli.ContainerAttach(runCtx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return result.RunResult{}, setupError(err, "attach container")
	}
	defer hijack.Close()

	stdout := newCappedBuffer(limit.OutputBytes)
	stderr := newCappedBuffer(limit.OutputBytes)
	// Output is drained while stdin is still being written, so a program
	// that echoes as it reads never stalls on a full stream.
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = stdcopy.StdCopy(stdout, stderr, hijack.Reader)
	}()
	go func() {
		if len(runSpec.Stdin) > 0 {
			_, _ = io.Copy(hijack.Conn, bytes.NewReader(runSpec.Stdin))
		}
		_ = hijack.CloseWrite()
	}()

	start := time.Now()
	if err := e.cli.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		if runCtx.Err() != nil {
			return result.RunResult{}, cancelledError(runCtx.Err())
		}
		return result.RunResult{}, setupError(err, "start container")
	}

	waitCtx, cancelWait := context.WithTimeout(runCtx, durationFromMs(limit.WallTimeMs))
	defer cancelWait()
	statusCh, errCh := e.cli.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)

	timedOut := false
	exit := -1
	select {
	case status := <-statusCh:
		exit = int(status.StatusCode)
	case err := <-errCh:
		if waitCtx.Err() == nil {
			return result.RunResult{}, setupError(err, "wait container")
		}
		timedOut = runCtx.Err() == nil
		e.kill(id)
	}
	wallTimeMs := time.Since(start).Milliseconds()

	select {
	case <-copied:
	case <-time.After(e.cfg.WaitDelay):
		hijack.Close()
		<-copied
	}

	runResult := result.RunResult{
		ExitCode:   exit,
		WallTimeMs: wallTimeMs,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Truncated:  stdout.Truncated() || stderr.Truncated(),
		TimedOut:   timedOut,
	}
	if timedOut {
		runResult.ExitCode = -1
	}
	if runCtx.Err() != nil && !timedOut {
		return runResult, cancelledError(runCtx.Err())
	}

	inspectCtx, cancelInspect := context.WithTimeout(context.WithoutCancel(ctx), dockerCleanupTimeout)
	defer cancelInspect()
	if info, err := e.cli.ContainerInspect(inspectCtx, id); err == nil && info.ContainerJSONBase != nil && info.State != nil {
		runResult.OomKilled = info.State.OOMKilled
		if started, ferr := time.Parse(time.RFC3339Nano, info.State.StartedAt); ferr == nil {
			if finished, ferr := time.Parse(time.RFC3339Nano, info.State.FinishedAt); ferr == nil && finished.After(started) {
				runResult.WallTimeMs = finished.Sub(started).Milliseconds()
			}
		}
	}

	artifacts, err := scr.collect(runSpec.Artifacts)
	if err != nil {
		logger.Warn(ctx, "collect artifacts failed", zap.String("runId", runSpec.RunID), zap.Error(err))
	}
	runResult.Artifacts = artifacts
	return runResult, nil
}

func (e *dockerEngine) KillSubmission(ctx context.Context, submissionID string) error {
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	n := e.registry.cancel(submissionID)
	logger.Info(ctx, "kill submission", zap.String("submissionId", submissionID), zap.Int("runs", n))
	return nil
}

func (e *dockerEngine) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), dockerCleanupTimeout)
	defer cancel()
	if err := e.cli.ContainerKill(ctx, id, "KILL"); err != nil {
		logger.Debug(ctx, "kill container failed", zap.String("container", id), zap.Error(err))
	}
}

func (e *dockerEngine) remove(parent context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), dockerCleanupTimeout)
	defer cancel()
	if err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		logger.Warn(ctx, "remove container failed", zap.String("container", id), zap.Error(err))
	}
}
