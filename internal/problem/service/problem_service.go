package service

import (
	"context"
	"errors"
	"fmt"

	judgemodel "judgebox/internal/judge/model"
	"judgebox/internal/judge/sandbox/result"
	"judgebox/internal/problem/model"
	"judgebox/internal/problem/repository"
	pkgerrors "judgebox/pkg/errors"
	"judgebox/pkg/utils/logger"

	"go.uber.org/zap"
)

// Judge runs a request to completion.
type Judge interface {
	Run(ctx context.Context, req judgemodel.JudgeRequest) (result.JudgeReport, error)
}

// ProblemService handles the problem catalogue and problem submissions.
type ProblemService struct {
	store repository.ProblemStore
	judge Judge
}

// NewProblemService creates a new ProblemService.
func NewProblemService(store repository.ProblemStore, judge Judge) *ProblemService {
	return &ProblemService{store: store, judge: judge}
}

// CreateProblem stores a problem under the next sequential id.
func (s *ProblemService) CreateProblem(ctx context.Context, problem model.Problem) (model.Problem, error) {
	if problem.Title == "" {
		return model.Problem{}, pkgerrors.ValidationError("title", "required")
	}
	id, err := s.store.Create(ctx, &problem)
	if err != nil {
		return model.Problem{}, pkgerrors.Wrap(fmt.Errorf("create problem failed: %w", err), pkgerrors.ProblemCreateFailed)
	}
	logger.Info(ctx, "problem created", zap.Int64("problem_id", id), zap.Int("tests", len(problem.TestCases)))
	return problem, nil
}

// GetProblem returns one problem.
func (s *ProblemService) GetProblem(ctx context.Context, problemID int64) (model.Problem, error) {
	if problemID <= 0 {
		return model.Problem{}, pkgerrors.New(pkgerrors.InvalidParams)
	}
	problem, err := s.store.Get(ctx, problemID)
	if err != nil {
		return model.Problem{}, mapStoreError(err, "get problem failed", pkgerrors.CacheError)
	}
	return problem, nil
}

// ListProblems returns every problem ordered by id.
func (s *ProblemService) ListProblems(ctx context.Context) ([]model.Problem, error) {
	problems, err := s.store.List(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(fmt.Errorf("list problems failed: %w", err), pkgerrors.CacheError)
	}
	return problems, nil
}

// DeleteProblem deletes a problem by id.
func (s *ProblemService) DeleteProblem(ctx context.Context, problemID int64) error {
	if problemID <= 0 {
		return pkgerrors.New(pkgerrors.InvalidParams)
	}
	if err := s.store.Delete(ctx, problemID); err != nil {
		return mapStoreError(err, "delete problem failed", pkgerrors.ProblemDeleteFailed)
	}
	return nil
}

// Submit judges code against the test cases of a stored problem.
func (s *ProblemService) Submit(ctx context.Context, req model.SubmitRequest) (result.JudgeReport, error) {
	problem, err := s.GetProblem(ctx, req.ProblemID)
	if err != nil {
		return result.JudgeReport{}, err
	}
	if len(problem.TestCases) == 0 {
		return result.JudgeReport{}, pkgerrors.New(pkgerrors.TestCaseInvalid).
			WithMessage("problem has no test cases").
			WithDetail("problem_id", problem.ID)
	}
	report, err := s.judge.Run(ctx, judgemodel.JudgeRequest{
		Language:  req.Language,
		Code:      req.Code,
		TestCases: problem.TestCases,
	})
	logger.Info(ctx, "problem submission judged",
		zap.Int64("problem_id", problem.ID),
		zap.String("submissionId", report.SubmissionID),
		zap.String("status", string(report.Status)),
	)
	return report, err
}

func mapStoreError(err error, msg string, code pkgerrors.ErrorCode) error {
	if errors.Is(err, repository.ErrProblemNotFound) {
		return pkgerrors.New(pkgerrors.ProblemNotFound)
	}
	return pkgerrors.Wrap(fmt.Errorf("%s: %w", msg, err), code)
}
