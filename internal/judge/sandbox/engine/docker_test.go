package engine_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"judgebox/internal/judge/sandbox/engine"
	"judgebox/internal/judge/sandbox/spec"

	"github.com/docker/docker/client"
)

const dockerTestImage = "debian:bookworm-slim"

func newDockerEngine(t *testing.T) engine.Engine {
	t.Helper()
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skipf("docker client unavailable: %v", err)
	}
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		t.Skipf("docker daemon unavailable: %v", err)
	}
	if _, _, err := cli.ImageInspectWithRaw(ctx, dockerTestImage); err != nil {
		t.Skipf("image %s not present: %v", dockerTestImage, err)
	}
	eng, err := engine.New(engine.Config{
		Backend:      engine.BackendDocker,
		WorkRoot:     t.TempDir(),
		DefaultImage: dockerTestImage,
	})
	if err != nil {
		t.Fatalf("create docker engine: %v", err)
	}
	return eng
}

// Input larger than the stream buffers only gets through when output is
// read while stdin is still being written.
func TestDockerEngineEchoesLargeInput(t *testing.T) {
	eng := newDockerEngine(t)
	input := bytes.Repeat([]byte("0123456789abcdef\n"), 256<<10)
	rs := spec.RunSpec{
		SubmissionID: "sub-docker",
		RunID:        "echo",
		Cmd:          []string{"cat"},
		Stdin:        input,
		Limits: spec.ResourceLimit{
			WallTimeMs:  20000,
			MemoryBytes: 256 << 20,
			OutputBytes: int64(len(input)) + 1,
			PIDs:        16,
		},
	}
	res, err := eng.Run(context.Background(), rs)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.TimedOut || res.ExitCode != 0 {
		t.Fatalf("unexpected result: exit=%d timedOut=%v stderr=%q", res.ExitCode, res.TimedOut, res.Stderr)
	}
	if len(res.Stdout) != len(input) || res.Truncated {
		t.Fatalf("expected %d bytes echoed, got %d", len(input), len(res.Stdout))
	}
}
