package service_test

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"judgebox/internal/common/mq"
	"judgebox/internal/judge/model"
	"judgebox/internal/judge/repository"
	"judgebox/internal/judge/sandbox"
	"judgebox/internal/judge/sandbox/result"
	"judgebox/internal/judge/sandbox/toolchain"
	"judgebox/internal/judge/service"
	appErr "judgebox/pkg/errors"
)

type fakeExecutor struct {
	mu      sync.Mutex
	started chan string
	release chan struct{}
	subs    []sandbox.Submission
	killed  []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{started: make(chan string, 8)}
}

func (f *fakeExecutor) Execute(ctx context.Context, sub sandbox.Submission) (result.JudgeReport, error) {
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	release := f.release
	f.mu.Unlock()
	f.started <- sub.ID
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			report := result.Fatal(sub.ID, result.StatusCancelled, result.KindCancelled, "submission cancelled")
			return report, appErr.Wrapf(ctx.Err(), appErr.Cancelled, "submission cancelled")
		}
	}
	return result.JudgeReport{
		SubmissionID:     sub.ID,
		Language:         sub.Language,
		Status:           result.StatusPass,
		Results:          []result.ExecutionResult{{TestIndex: 0, Passed: true, Verdict: result.VerdictPass}},
		FirstFailedIndex: -1,
	}, nil
}

func (f *fakeExecutor) Kill(ctx context.Context, submissionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, submissionID)
	return nil
}

type fakePublisher struct {
	reports chan result.JudgeReport
}

func (f *fakePublisher) PublishResult(ctx context.Context, report result.JudgeReport) error {
	f.reports <- report
	return nil
}

type fakeQueue struct {
	mu        sync.Mutex
	topics    []string
	published []*mq.Message
}

func (f *fakeQueue) Publish(ctx context.Context, topic string, message *mq.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.published = append(f.published, message)
	return nil
}

type testEnv struct {
	svc       *service.Service
	exec      *fakeExecutor
	repo      *repository.MemoryStatusRepository
	publisher *fakePublisher
	queue     *fakeQueue
}

func newTestEnv(t *testing.T, maxInflight int) *testEnv {
	t.Helper()
	reg, err := toolchain.NewRegistry(nil)
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}
	env := &testEnv{
		exec:      newFakeExecutor(),
		repo:      repository.NewMemoryStatusRepository(time.Hour),
		publisher: &fakePublisher{reports: make(chan result.JudgeReport, 8)},
		queue:     &fakeQueue{},
	}
	env.svc, err = service.NewService(service.Config{
		Executor:       env.exec,
		Languages:      reg,
		StatusRepo:     env.repo,
		Publisher:      env.publisher,
		RetryQueue:     env.queue,
		Retry:          service.RetryPolicy{Topic: "judge.retry", DeadLetter: "judge.dead", MaxRetries: 3},
		MaxInflight:    maxInflight,
		MaxCodeBytes:   1024,
		AcquireTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	t.Cleanup(func() { _ = env.svc.Shutdown(context.Background()) })
	return env
}

func pythonRequest() model.JudgeRequest {
	return model.JudgeRequest{
		Language:  "python3",
		Code:      "print(4)",
		TestCases: []model.TestCaseRequest{{Input: "2 2", Output: "4"}},
		Limits:    &model.LimitsRequest{TimeoutMs: 2000, MemoryMB: 64},
	}
}

func waitReport(t *testing.T, ch chan result.JudgeReport) result.JudgeReport {
	t.Helper()
	select {
	case report := <-ch:
		return report
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for report")
	}
	return result.JudgeReport{}
}

func TestRunConvertsRequest(t *testing.T) {
	env := newTestEnv(t, 1)
	report, err := env.svc.Run(context.Background(), pythonRequest())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Status != result.StatusPass || report.SubmissionID == "" {
		t.Fatalf("unexpected report: %+v", report)
	}
	sub := env.exec.subs[0]
	if sub.Limits.Timeout != 2*time.Second || sub.Limits.MemoryBytes != 64<<20 {
		t.Fatalf("limits not converted: %+v", sub.Limits)
	}
	if len(sub.Tests) != 1 || sub.Tests[0].Output != "4" || sub.Source != "print(4)" {
		t.Fatalf("submission not converted: %+v", sub)
	}
}

func TestRunValidation(t *testing.T) {
	env := newTestEnv(t, 1)
	cases := []struct {
		name string
		edit func(*model.JudgeRequest)
		code appErr.ErrorCode
	}{
		{"missing language", func(r *model.JudgeRequest) { r.Language = "" }, appErr.ValidationFailed},
		{"missing tests", func(r *model.JudgeRequest) { r.TestCases = nil }, appErr.ValidationFailed},
		{"code too large", func(r *model.JudgeRequest) { r.Code = strings.Repeat("x", 2048) }, appErr.CodeTooLarge},
		{"empty code", func(r *model.JudgeRequest) { r.Code = "" }, appErr.ValidationFailed},
		{"blank code", func(r *model.JudgeRequest) { r.Code = " \n\t" }, appErr.ValidationFailed},
		{"timeout above ceiling", func(r *model.JudgeRequest) { r.Limits.TimeoutMs = 9e12 }, appErr.ValidationFailed},
		{"memory above ceiling", func(r *model.JudgeRequest) { r.Limits.MemoryMB = 1e7 }, appErr.ValidationFailed},
		{"cpu above ceiling", func(r *model.JudgeRequest) { r.Limits.CPUCores = 512 }, appErr.ValidationFailed},
		{"cpu not finite", func(r *model.JudgeRequest) { r.Limits.CPUCores = math.Inf(1) }, appErr.ValidationFailed},
		{"processes above ceiling", func(r *model.JudgeRequest) { r.Limits.Processes = 1e5 }, appErr.ValidationFailed},
		{"output above ceiling", func(r *model.JudgeRequest) { r.Limits.OutputBytes = 1 << 40 }, appErr.ValidationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := pythonRequest()
			tc.edit(&req)
			if _, err := env.svc.Run(context.Background(), req); !appErr.Is(err, tc.code) {
				t.Fatalf("expected code %d, got %v", tc.code, err)
			}
		})
	}
	if len(env.exec.subs) != 0 {
		t.Fatalf("invalid requests must not reach the executor")
	}
}

func TestRunAcceptsLimitsAtCeiling(t *testing.T) {
	env := newTestEnv(t, 1)
	req := pythonRequest()
	req.Limits = &model.LimitsRequest{TimeoutMs: 30000, MemoryMB: 1024, CPUCores: 4, Processes: 128, OutputBytes: 16 << 20}
	if _, err := env.svc.Run(context.Background(), req); err != nil {
		t.Fatalf("limits at the ceiling must be accepted: %v", err)
	}
	got := env.exec.subs[0].Limits
	if got.Timeout != 30*time.Second || got.MemoryBytes != 1<<30 || got.Processes != 128 {
		t.Fatalf("unexpected limits: %+v", got)
	}
}

func TestSubmitRunsAsyncAndPublishes(t *testing.T) {
	env := newTestEnv(t, 1)
	env.exec.release = make(chan struct{})

	id, err := env.svc.Submit(context.Background(), pythonRequest())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	status, err := env.svc.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.State != sandbox.StateReceived || status.Progress.TotalTests != 1 {
		t.Fatalf("unexpected initial status: %+v", status)
	}

	<-env.exec.started
	if _, err := env.svc.Submit(context.Background(), pythonRequest()); !appErr.Is(err, appErr.JudgeQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if _, err := env.svc.Run(context.Background(), pythonRequest()); !appErr.Is(err, appErr.JudgeQueueFull) {
		t.Fatalf("expected sync run to time out waiting, got %v", err)
	}

	close(env.exec.release)
	report := waitReport(t, env.publisher.reports)
	if report.SubmissionID != id || report.Status != result.StatusPass {
		t.Fatalf("unexpected published report: %+v", report)
	}
}

func TestCancelRunningSubmission(t *testing.T) {
	env := newTestEnv(t, 2)
	env.exec.release = make(chan struct{})
	req := pythonRequest()
	req.SubmissionID = "sub-cancel"

	id, err := env.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	<-env.exec.started
	if err := env.svc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	report := waitReport(t, env.publisher.reports)
	if report.Status != result.StatusCancelled {
		t.Fatalf("expected cancelled report, got %+v", report)
	}
	env.exec.mu.Lock()
	killed := append([]string(nil), env.exec.killed...)
	env.exec.mu.Unlock()
	if len(killed) != 1 || killed[0] != "sub-cancel" {
		t.Fatalf("expected kill of sub-cancel, got %v", killed)
	}
}

func TestCancelUnknownSubmission(t *testing.T) {
	env := newTestEnv(t, 1)
	if err := env.svc.Cancel(context.Background(), "missing"); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHandleMessageJudgesAndPublishes(t *testing.T) {
	env := newTestEnv(t, 1)
	body, _ := json.Marshal(pythonRequest())
	msg := mq.NewMessage(body)
	msg.ID = "msg-1"

	if err := env.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	report := waitReport(t, env.publisher.reports)
	if report.SubmissionID != "msg-1" {
		t.Fatalf("message id must become the submission id, got %q", report.SubmissionID)
	}
}

func TestHandleMessageRequeuesWhenPoolFull(t *testing.T) {
	env := newTestEnv(t, 1)
	env.exec.release = make(chan struct{})
	defer close(env.exec.release)
	if _, err := env.svc.Submit(context.Background(), pythonRequest()); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	<-env.exec.started

	body, _ := json.Marshal(pythonRequest())
	if err := env.svc.HandleMessage(context.Background(), mq.NewMessage(body)); err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	env.queue.mu.Lock()
	defer env.queue.mu.Unlock()
	if len(env.queue.published) != 1 || env.queue.topics[0] != "judge.retry" {
		t.Fatalf("expected retry publish, got %v", env.queue.topics)
	}
	if env.queue.published[0].Headers["x-pool-retry"] != "1" {
		t.Fatalf("expected retry counter 1, got %v", env.queue.published[0].Headers)
	}
}

func TestHandleMessageRejectsBadPayload(t *testing.T) {
	env := newTestEnv(t, 1)
	if err := env.svc.HandleMessage(context.Background(), mq.NewMessage([]byte("{"))); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("expected invalid params, got %v", err)
	}
}

func TestLanguages(t *testing.T) {
	env := newTestEnv(t, 1)
	langs := env.svc.Languages()
	found := map[string]bool{}
	for _, l := range langs {
		found[l.Tag] = l.Compiled
	}
	if compiled, ok := found["cpp"]; !ok || !compiled {
		t.Fatalf("cpp must be listed as compiled: %v", found)
	}
	if compiled, ok := found["python3"]; !ok || compiled {
		t.Fatalf("python3 must be listed as interpreted: %v", found)
	}
}

func TestReportStatusStoresUpdate(t *testing.T) {
	env := newTestEnv(t, 1)
	report := &result.JudgeReport{SubmissionID: "s1", Status: result.StatusFail, FirstFailedIndex: 0}
	err := env.svc.ReportStatus(context.Background(), sandbox.StatusUpdate{
		SubmissionID: "s1",
		State:        sandbox.StateDone,
		TotalTests:   2,
		DoneTests:    2,
		Report:       report,
	})
	if err != nil {
		t.Fatalf("report status failed: %v", err)
	}
	status, err := env.svc.Status(context.Background(), "s1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.Terminal() || status.Report == nil || status.Report.Status != result.StatusFail {
		t.Fatalf("unexpected status: %+v", status)
	}
}
