package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"judgebox/internal/common/mq"
	"judgebox/internal/judge/model"
	"judgebox/internal/judge/repository"
	"judgebox/internal/judge/sandbox"
	"judgebox/internal/judge/sandbox/limits"
	"judgebox/internal/judge/sandbox/result"
	"judgebox/internal/judge/sandbox/toolchain"
	appErr "judgebox/pkg/errors"
	"judgebox/pkg/utils/contextkey"
	"judgebox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultMaxInflight    = 4
	defaultMaxCodeBytes   = 64 << 10
	defaultAcquireTimeout = 2 * time.Second
)

// LanguageLister lists the configured toolchains.
type LanguageLister interface {
	List() []toolchain.ToolchainSpec
}

// Config holds service dependencies and settings.
type Config struct {
	Executor   sandbox.Service
	Languages  LanguageLister
	StatusRepo repository.StatusRepository
	// Publisher is optional. Final reports of async and queued submissions
	// are published when set.
	Publisher repository.ResultPublisher
	// RetryQueue is optional. Queued requests that find the pool full are
	// put back on it.
	RetryQueue mq.Producer
	Retry      RetryPolicy

	MaxInflight    int
	MaxCodeBytes   int
	AcquireTimeout time.Duration
	StatusTimeout  time.Duration
	// MaxLimits caps what a request may ask for. Unset fields use
	// limits.MaxDefaults.
	MaxLimits limits.Defaults
}

// Service handles judge requests.
type Service struct {
	executor       sandbox.Service
	languages      LanguageLister
	statusRepo     repository.StatusRepository
	publisher      repository.ResultPublisher
	retryQueue     mq.Producer
	retry          RetryPolicy
	maxCodeBytes   int
	maxLimits      limits.Defaults
	acquireTimeout time.Duration
	statusTimeout  time.Duration
	sem            chan struct{}

	// baseCtx outlives requests. Async submissions run under it.
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewService creates a new judge service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.StatusRepo == nil {
		return nil, fmt.Errorf("status repository is required")
	}
	if cfg.Languages == nil {
		return nil, fmt.Errorf("language lister is required")
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = defaultMaxInflight
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = defaultMaxCodeBytes
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Service{
		executor:       cfg.Executor,
		languages:      cfg.Languages,
		statusRepo:     cfg.StatusRepo,
		publisher:      cfg.Publisher,
		retryQueue:     cfg.RetryQueue,
		retry:          cfg.Retry,
		maxCodeBytes:   cfg.MaxCodeBytes,
		maxLimits:      cfg.MaxLimits.Fill(limits.MaxDefaults()),
		acquireTimeout: cfg.AcquireTimeout,
		statusTimeout:  cfg.StatusTimeout,
		sem:            make(chan struct{}, cfg.MaxInflight),
		baseCtx:        baseCtx,
		stop:           stop,
		running:        make(map[string]context.CancelFunc),
	}, nil
}

// Run judges a request and waits for the report.
//
// Judge outcomes that end a submission early (unsupported language, compile
// error, sandbox setup failure, cancellation) come back as an error together
// with a usable report.
func (s *Service) Run(ctx context.Context, req model.JudgeRequest) (result.JudgeReport, error) {
	if err := s.validate(req); err != nil {
		return result.JudgeReport{}, err
	}
	if err := s.acquireSlot(ctx); err != nil {
		return result.JudgeReport{}, err
	}
	defer s.releaseSlot()

	sub := req.ToSubmission()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.track(sub.ID, cancel); err != nil {
		return result.JudgeReport{}, err
	}
	defer s.untrack(sub.ID)

	return s.executor.Execute(runCtx, sub)
}

// Submit queues a request for asynchronous judging and returns its id.
// It fails with JudgeQueueFull when every judge slot is busy.
func (s *Service) Submit(ctx context.Context, req model.JudgeRequest) (string, error) {
	if err := s.validate(req); err != nil {
		return "", err
	}
	if !s.tryAcquireSlot() {
		return "", appErr.New(appErr.JudgeQueueFull).WithMessage("judge pool is full")
	}

	sub := req.ToSubmission()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	runCtx, cancel := context.WithCancel(s.baseCtx)
	runCtx = propagateIDs(ctx, runCtx)
	if err := s.track(sub.ID, cancel); err != nil {
		cancel()
		s.releaseSlot()
		return "", err
	}
	// Readable before the worker reports its first state.
	received := model.JudgeStatus{
		SubmissionID: sub.ID,
		State:        sandbox.StateReceived,
		Language:     sub.Language,
		Progress:     model.Progress{TotalTests: len(sub.Tests)},
		ReceivedAt:   sub.ReceivedAt,
	}
	if err := s.persistStatus(ctx, received); err != nil {
		logger.Warn(ctx, "store received status failed", zap.String("submissionId", sub.ID), zap.Error(err))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.releaseSlot()
		defer s.untrack(sub.ID)
		defer cancel()
		s.execute(runCtx, sub)
	}()
	logger.Info(ctx, "submission queued", zap.String("submissionId", sub.ID), zap.String("language", sub.Language))
	return sub.ID, nil
}

// Cancel stops a running submission. Cancelling a submission that already
// ended is a no-op.
func (s *Service) Cancel(ctx context.Context, submissionID string) error {
	if submissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	s.mu.Lock()
	cancel, ok := s.running[submissionID]
	s.mu.Unlock()
	if !ok {
		status, err := s.statusRepo.Get(ctx, submissionID)
		if err != nil {
			return err
		}
		if !status.Terminal() {
			logger.Warn(ctx, "cancel requested for submission owned by another instance", zap.String("submissionId", submissionID))
		}
		return nil
	}
	cancel()
	if err := s.executor.Kill(ctx, submissionID); err != nil {
		logger.Warn(ctx, "kill submission failed", zap.String("submissionId", submissionID), zap.Error(err))
	}
	logger.Info(ctx, "submission cancelled", zap.String("submissionId", submissionID))
	return nil
}

// Languages returns the supported toolchains.
func (s *Service) Languages() []model.LanguageInfo {
	specs := s.languages.List()
	out := make([]model.LanguageInfo, 0, len(specs))
	for _, tc := range specs {
		out = append(out, model.LanguageInfo{
			Tag:      tc.Tag,
			Name:     tc.Name,
			Aliases:  tc.Aliases,
			Compiled: tc.NeedsCompile(),
		})
	}
	return out
}

// HandleMessage judges one queued request. The body is a boundary request.
// The message id is used as submission id when the body carries none.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var req model.JudgeRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "decode message failed")
	}
	if req.SubmissionID == "" {
		req.SubmissionID = msg.ID
	}
	if err := s.validate(req); err != nil {
		logger.Warn(ctx, "dropping invalid judge message", zap.String("messageId", msg.ID), zap.Error(err))
		return nil
	}
	if !s.tryAcquireSlot() {
		if s.retryQueue == nil {
			return appErr.New(appErr.JudgeQueueFull).WithMessage("judge pool is full")
		}
		return RequeueForPoolFull(ctx, s.retryQueue, s.retry, msg)
	}
	defer s.releaseSlot()

	sub := req.ToSubmission()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.track(sub.ID, cancel); err != nil {
		logger.Warn(ctx, "dropping duplicate judge message", zap.String("submissionId", sub.ID))
		return nil
	}
	defer s.untrack(sub.ID)
	s.execute(runCtx, sub)
	return nil
}

// Shutdown cancels every running submission and waits for the async ones.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs a submission to completion and publishes its report.
func (s *Service) execute(ctx context.Context, sub sandbox.Submission) {
	report, err := s.executor.Execute(ctx, sub)
	if err != nil {
		logger.Info(ctx, "submission ended early",
			zap.String("submissionId", sub.ID),
			zap.String("status", string(report.Status)),
			zap.Error(err),
		)
	}
	if s.publisher == nil {
		return
	}
	if pubErr := s.publisher.PublishResult(context.WithoutCancel(ctx), report); pubErr != nil {
		logger.Error(ctx, "publish judge result failed", zap.String("submissionId", sub.ID), zap.Error(pubErr))
	}
}

func (s *Service) validate(req model.JudgeRequest) error {
	if req.Language == "" {
		return appErr.ValidationError("language", "required")
	}
	if strings.TrimSpace(req.Code) == "" {
		return appErr.ValidationError("code", "required")
	}
	if len(req.TestCases) == 0 {
		return appErr.ValidationError("test_cases", "required")
	}
	if len(req.Code) > s.maxCodeBytes {
		return appErr.Newf(appErr.CodeTooLarge, "code exceeds %d bytes", s.maxCodeBytes)
	}
	return req.Limits.Validate(s.maxLimits)
}

func (s *Service) track(submissionID string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[submissionID]; ok {
		return appErr.New(appErr.InvalidParams).WithMessage("submission is already running").
			WithDetail("submission_id", submissionID)
	}
	s.running[submissionID] = cancel
	return nil
}

func (s *Service) untrack(submissionID string) {
	s.mu.Lock()
	delete(s.running, submissionID)
	s.mu.Unlock()
}

func (s *Service) acquireSlot(ctx context.Context) error {
	timer := time.NewTimer(s.acquireTimeout)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return appErr.Wrapf(ctx.Err(), appErr.Cancelled, "request cancelled while waiting for a judge slot")
	case <-timer.C:
		return appErr.New(appErr.JudgeQueueFull).WithMessage("judge pool is full")
	}
}

func (s *Service) tryAcquireSlot() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Service) releaseSlot() {
	select {
	case <-s.sem:
	default:
	}
}

// propagateIDs copies trace and request ids from the request context.
func propagateIDs(from, to context.Context) context.Context {
	for _, key := range []any{contextkey.TraceID, contextkey.RequestID} {
		if val, ok := from.Value(key).(string); ok && val != "" {
			to = context.WithValue(to, key, val)
		}
	}
	return to
}
