package runner

import (
	"context"
	"fmt"
	"sort"

	"judgebox/internal/judge/sandbox/engine"
	"judgebox/internal/judge/sandbox/observer"
	"judgebox/internal/judge/sandbox/result"
	"judgebox/internal/judge/sandbox/spec"
	appErr "judgebox/pkg/errors"
)

const (
	compileRunID = "compile"

	sourceMode   = 0644
	artifactMode = 0755
)

// DefaultRunner implements compile/run workflows on top of a sandbox engine.
type DefaultRunner struct {
	eng     engine.Engine
	metrics observer.MetricsRecorder
}

// NewRunner creates a new runner backed by the sandbox engine.
func NewRunner(eng engine.Engine) *DefaultRunner {
	return NewRunnerWithObserver(eng, observer.NoopMetricsRecorder{})
}

// NewRunnerWithObserver creates a new runner with metrics hooks.
func NewRunnerWithObserver(eng engine.Engine, metrics observer.MetricsRecorder) *DefaultRunner {
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	return &DefaultRunner{eng: eng, metrics: metrics}
}

func (r *DefaultRunner) Compile(ctx context.Context, req CompileRequest) (result.CompileResult, error) {
	tc := req.Toolchain
	if !tc.NeedsCompile() {
		return result.CompileResult{OK: true}, nil
	}
	cmd, err := tc.CompileCommand()
	if err != nil {
		return result.CompileResult{}, appErr.Wrapf(err, appErr.JudgeSystemError, "build compile command failed")
	}

	runRes, err := r.eng.Run(ctx, spec.RunSpec{
		SubmissionID:   req.SubmissionID,
		RunID:          compileRunID,
		Cmd:            cmd,
		Env:            tc.Env,
		Files:          []spec.File{{Name: tc.SourceFile, Data: req.Source, Mode: sourceMode}},
		Artifacts:      tc.ArtifactPatterns(),
		Image:          tc.Image,
		Limits:         req.Limits,
		SeccompProfile: req.SeccompProfile,
	})
	if err != nil {
		r.metrics.ObserveCompile(ctx, tc.Tag, false, runRes.WallTimeMs, runRes.MemoryKB)
		return result.CompileResult{}, err
	}

	compileRes := result.CompileResult{
		OK:         runRes.Succeeded(),
		ExitCode:   runRes.ExitCode,
		WallTimeMs: runRes.WallTimeMs,
		MemoryKB:   runRes.MemoryKB,
		TimedOut:   runRes.TimedOut || runRes.CPUExceeded,
		OomKilled:  runRes.OomKilled,
		Log:        runRes.Stderr,
		Artifacts:  runRes.Artifacts,
	}
	if compileRes.Log == "" {
		compileRes.Log = runRes.Stdout
	}
	if compileRes.OK && len(compileRes.Artifacts) == 0 && len(tc.ArtifactPatterns()) > 0 {
		compileRes.OK = false
		compileRes.Log = "compiler produced no output files"
	}
	if !compileRes.OK && compileRes.Log == "" {
		switch {
		case compileRes.TimedOut:
			compileRes.Log = fmt.Sprintf("compilation timed out after %dms", req.Limits.WallTimeMs)
		case runRes.OomKilled:
			compileRes.Log = "compilation exceeded the memory limit"
		default:
			compileRes.Log = fmt.Sprintf("compiler exited with status %d", runRes.ExitCode)
		}
	}
	r.metrics.ObserveCompile(ctx, tc.Tag, compileRes.OK, compileRes.WallTimeMs, compileRes.MemoryKB)
	return compileRes, nil
}

func (r *DefaultRunner) Run(ctx context.Context, req RunRequest) (result.ExecutionResult, error) {
	tc := req.Toolchain
	cmd, err := tc.RunCommand()
	if err != nil {
		return result.ExecutionResult{}, appErr.Wrapf(err, appErr.JudgeSystemError, "build run command failed")
	}

	runRes, err := r.eng.Run(ctx, spec.RunSpec{
		SubmissionID:   req.SubmissionID,
		RunID:          fmt.Sprintf("test-%d", req.TestIndex),
		Cmd:            cmd,
		Env:            tc.Env,
		Stdin:          []byte(req.Input),
		Files:          runFiles(tc.SourceFile, req.Source, req.Artifacts),
		Image:          tc.Image,
		Limits:         req.Limits,
		SeccompProfile: req.SeccompProfile,
	})
	if err != nil {
		r.metrics.ObserveRun(ctx, tc.Tag, string(result.KindSandboxSetup), runRes.WallTimeMs, runRes.MemoryKB, 0)
		return result.ExecutionResult{TestIndex: req.TestIndex}, err
	}

	res := classify(req.TestIndex, runRes, req.Limits)
	outcome := string(res.ErrorKind)
	if outcome == "" {
		outcome = "exited"
	}
	r.metrics.ObserveRun(ctx, tc.Tag, outcome, res.WallTimeMs, res.MemoryKB, int64(len(runRes.Stdout)))
	return res, nil
}

// classify maps raw backend data onto a test result. The verdict is left
// for the aggregator.
func classify(index int, runRes result.RunResult, limit spec.ResourceLimit) result.ExecutionResult {
	res := result.ExecutionResult{
		TestIndex:  index,
		Output:     runRes.Stdout,
		Stderr:     runRes.Stderr,
		Error:      runRes.Stderr,
		TimedOut:   runRes.TimedOut,
		Truncated:  runRes.Truncated,
		WallTimeMs: runRes.WallTimeMs,
		ExitCode:   runRes.ExitCode,
		MemoryKB:   runRes.MemoryKB,
	}
	switch {
	case runRes.TimedOut, runRes.CPUExceeded:
		res.TimedOut = true
		res.ExitCode = -1
		res.ErrorKind = result.KindTimeout
		res.Error = fmt.Sprintf("execution timed out after %dms", limit.WallTimeMs)
	case runRes.OomKilled:
		res.ErrorKind = result.KindResourceExceeded
		res.Error = fmt.Sprintf("memory limit of %d bytes exceeded", limit.MemoryBytes)
	case runRes.Truncated:
		res.ErrorKind = result.KindResourceExceeded
		res.Error = fmt.Sprintf("output limit of %d bytes exceeded", limit.OutputBytes)
	case runRes.ExitCode != 0:
		res.ErrorKind = result.KindRuntimeError
		if res.Error == "" {
			res.Error = fmt.Sprintf("process exited with status %d", runRes.ExitCode)
		}
	}
	return res
}

func runFiles(sourceName string, source []byte, artifacts map[string][]byte) []spec.File {
	files := []spec.File{{Name: sourceName, Data: source, Mode: sourceMode}}
	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		files = append(files, spec.File{Name: name, Data: artifacts[name], Mode: artifactMode})
	}
	return files
}
