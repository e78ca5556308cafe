package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"judgebox/internal/judge/sandbox/limits"
	"judgebox/internal/judge/sandbox/profile"
	"judgebox/internal/judge/sandbox/result"
	"judgebox/internal/judge/sandbox/runner"
	"judgebox/internal/judge/sandbox/spec"
	"judgebox/internal/judge/sandbox/toolchain"
	"judgebox/internal/judge/sandbox/verdict"
	appErr "judgebox/pkg/errors"
	"judgebox/pkg/utils/contextkey"
	"judgebox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 1

// Killer stops every in-flight sandbox run of a submission.
type Killer interface {
	KillSubmission(ctx context.Context, submissionID string) error
}

// WorkerConfig tunes how one submission is executed.
type WorkerConfig struct {
	// Concurrency bounds parallel test runs of one submission.
	Concurrency int
	// SubmissionTimeout caps a whole submission. Zero means no cap.
	SubmissionTimeout time.Duration
	Profiles          profile.Set
}

// Worker is the sandbox scheduling unit.
type Worker struct {
	runner         runner.Runner
	toolchains     ToolchainResolver
	cfg            WorkerConfig
	killer         Killer
	statusReporter StatusReporter
}

// NewWorker creates a new worker with required dependencies.
func NewWorker(r runner.Runner, toolchains ToolchainResolver, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Profiles == (profile.Set{}) {
		cfg.Profiles = profile.DefaultSet()
	}
	return &Worker{
		runner:     r,
		toolchains: toolchains,
		cfg:        cfg,
	}
}

// SetStatusReporter injects a status reporter for lifecycle updates.
func (w *Worker) SetStatusReporter(reporter StatusReporter) {
	w.statusReporter = reporter
}

// SetKiller injects the engine used by Kill.
func (w *Worker) SetKiller(killer Killer) {
	w.killer = killer
}

// Kill stops the sandbox runs of a submission.
func (w *Worker) Kill(ctx context.Context, submissionID string) error {
	if w.killer == nil {
		return nil
	}
	return w.killer.KillSubmission(ctx, submissionID)
}

// Execute runs a full judge workflow for one submission.
//
// The report is always usable. The error is non-nil for submission-wide
// failures: unsupported language, compile error, sandbox setup failure and
// cancellation.
func (w *Worker) Execute(ctx context.Context, sub Submission) (result.JudgeReport, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.ReceivedAt == 0 {
		sub.ReceivedAt = time.Now().Unix()
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, sub.ID)
	tr := newTracker(w.statusReporter, sub)
	tr.report(ctx, nil)

	if w.runner == nil || w.toolchains == nil {
		err := appErr.New(appErr.JudgeSystemError).WithMessage("worker dependencies are not initialized")
		return w.fail(ctx, tr, sub, result.StatusError, result.KindSandboxSetup, err.Error()), err
	}
	if err := validateSubmission(sub); err != nil {
		return w.fail(ctx, tr, sub, result.StatusError, result.KindNone, err.Error()), err
	}

	tc, err := w.toolchains.Resolve(sub.Language)
	if err != nil {
		return w.fail(ctx, tr, sub, result.StatusError, result.KindUnsupportedLanguage, err.Error()), err
	}
	tr.language = tc.Tag

	if w.cfg.SubmissionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.SubmissionTimeout)
		defer cancel()
	}

	var artifacts map[string][]byte
	if tc.NeedsCompile() {
		tr.move(ctx, StateCompiling)
		compileLimits := limits.WithMinProcesses(
			limits.Resolve(limits.ExecutionLimits{}, w.cfg.Profiles.Compile.DefaultLimits),
			tc.MinProcesses,
		)
		compileRes, err := w.runner.Compile(ctx, runner.CompileRequest{
			SubmissionID:   sub.ID,
			Toolchain:      tc,
			Source:         []byte(sub.Source),
			Limits:         compileLimits,
			SeccompProfile: w.cfg.Profiles.Compile.SeccompProfile,
		})
		if err != nil {
			return w.abort(ctx, tr, sub, err)
		}
		if !compileRes.OK {
			report := w.fail(ctx, tr, sub, result.StatusFail, result.KindCompileError, compileRes.Log)
			return report, appErr.New(appErr.CompileError).
				WithMessage("compilation failed").
				WithDetail("exit_code", compileRes.ExitCode)
		}
		artifacts = compileRes.Artifacts
	}

	tr.move(ctx, StateRunning)
	runLimits := limits.WithMinProcesses(limits.ApplyMultipliers(
		limits.Resolve(sub.Limits, w.cfg.Profiles.Run.DefaultLimits),
		tc.TimeMultiplier, tc.MemoryMultiplier,
	), tc.MinProcesses)
	results, err := w.runTests(ctx, tr, sub, tc, artifacts, runLimits)
	if err != nil {
		return w.abort(ctx, tr, sub, err)
	}

	tr.move(ctx, StateAggregating)
	expected := make([]string, len(sub.Tests))
	for i, test := range sub.Tests {
		expected[i] = test.Output
	}
	report := verdict.Aggregate(results, expected)
	report.SubmissionID = sub.ID
	report.Language = tc.Tag
	report.ReceivedAt = sub.ReceivedAt
	report.FinishedAt = time.Now().Unix()
	tr.finish(ctx, StateDone, &report)

	logger.Info(ctx, "submission judged",
		zap.String("language", tc.Tag),
		zap.String("status", string(report.Status)),
		zap.Int("tests", len(report.Results)),
		zap.Int("firstFailedIndex", report.FirstFailedIndex),
		zap.Int64("totalWallTimeMs", report.TotalWallTimeMs),
	)
	return report, nil
}

// runTests executes every test case on a bounded pool. Results are stored
// by index so completion order never changes the report order.
func (w *Worker) runTests(
	ctx context.Context,
	tr *tracker,
	sub Submission,
	tc toolchain.ToolchainSpec,
	artifacts map[string][]byte,
	runLimits spec.ResourceLimit,
) ([]result.ExecutionResult, error) {
	results := make([]result.ExecutionResult, len(sub.Tests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i, test := range sub.Tests {
		i, test := i, test
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return appErr.Wrapf(err, appErr.Cancelled, "run cancelled")
			}
			res, err := w.runner.Run(gctx, runner.RunRequest{
				SubmissionID:   sub.ID,
				TestIndex:      i,
				Toolchain:      tc,
				Source:         []byte(sub.Source),
				Artifacts:      artifacts,
				Input:          test.Input,
				Limits:         runLimits,
				SeccompProfile: w.cfg.Profiles.Run.SeccompProfile,
			})
			if err != nil {
				return err
			}
			results[i] = res
			tr.progress(ctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// abort turns a fatal error into the final report. Cancellation wins over
// any error it caused in the runs.
func (w *Worker) abort(ctx context.Context, tr *tracker, sub Submission, err error) (result.JudgeReport, error) {
	if ctxErr := ctx.Err(); ctxErr != nil || appErr.Is(err, appErr.Cancelled) {
		reason := "submission cancelled"
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			reason = "submission deadline exceeded"
		}
		if w.killer != nil {
			if killErr := w.killer.KillSubmission(context.WithoutCancel(ctx), sub.ID); killErr != nil {
				logger.Warn(ctx, "kill submission failed", zap.Error(killErr))
			}
		}
		report := w.fail(ctx, tr, sub, result.StatusCancelled, result.KindCancelled, reason)
		if ctxErr == nil {
			ctxErr = err
		}
		return report, appErr.Wrapf(ctxErr, appErr.Cancelled, "%s", reason)
	}
	logger.Error(ctx, "sandbox failure", zap.Error(err))
	report := w.fail(ctx, tr, sub, result.StatusError, result.KindSandboxSetup, err.Error())
	if !appErr.Is(err, appErr.SandboxSetupError) {
		err = appErr.Wrapf(err, appErr.SandboxSetupError, "%s", err.Error())
	}
	return report, err
}

func (w *Worker) fail(ctx context.Context, tr *tracker, sub Submission, status result.Status, kind result.ErrorKind, reason string) result.JudgeReport {
	report := result.Fatal(sub.ID, status, kind, reason)
	report.Language = tr.language
	report.ReceivedAt = sub.ReceivedAt
	report.FinishedAt = time.Now().Unix()
	state := StateFailed
	if status == result.StatusCancelled {
		state = StateCancelled
	}
	tr.finish(ctx, state, &report)
	logger.Info(ctx, "submission ended early",
		zap.String("status", string(status)),
		zap.String("errorKind", string(kind)),
	)
	return report
}

func validateSubmission(sub Submission) error {
	if len(sub.Tests) == 0 {
		return appErr.ValidationError("test_cases", "required")
	}
	return nil
}

// tracker walks a submission through its lifecycle and reports each step.
// Updates are sent while mu is held so the reporter sees them in order.
type tracker struct {
	mu       sync.Mutex
	reporter StatusReporter
	state    State
	language string
	sub      Submission
	done     int
}

func newTracker(reporter StatusReporter, sub Submission) *tracker {
	return &tracker{
		reporter: reporter,
		state:    StateReceived,
		language: sub.Language,
		sub:      sub,
	}
}

func (t *tracker) move(ctx context.Context, to State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !CanTransition(t.state, to) {
		logger.Error(ctx, "illegal state transition", zap.String("from", string(t.state)), zap.String("to", string(to)))
		return
	}
	t.state = to
	t.send(ctx, t.snapshot())
}

// progress counts one finished test.
func (t *tracker) progress(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done++
	if t.state.Terminal() {
		return
	}
	t.send(ctx, t.snapshot())
}

func (t *tracker) finish(ctx context.Context, to State, report *result.JudgeReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() || !CanTransition(t.state, to) {
		logger.Error(ctx, "illegal state transition", zap.String("from", string(t.state)), zap.String("to", string(to)))
		return
	}
	t.state = to
	update := t.snapshot()
	update.FinishedAt = report.FinishedAt
	update.Report = report
	t.send(ctx, update)
}

func (t *tracker) report(ctx context.Context, report *result.JudgeReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	update := t.snapshot()
	update.Report = report
	t.send(ctx, update)
}

// snapshot must be called with mu held.
func (t *tracker) snapshot() StatusUpdate {
	return StatusUpdate{
		SubmissionID: t.sub.ID,
		State:        t.state,
		Language:     t.language,
		TotalTests:   len(t.sub.Tests),
		DoneTests:    t.done,
		ReceivedAt:   t.sub.ReceivedAt,
	}
}

// send must be called with mu held.
func (t *tracker) send(ctx context.Context, update StatusUpdate) {
	if t.reporter == nil {
		return
	}
	if err := t.reporter.ReportStatus(context.WithoutCancel(ctx), update); err != nil {
		logger.Warn(ctx, "report status failed", zap.String("state", string(update.State)), zap.Error(err))
	}
}
