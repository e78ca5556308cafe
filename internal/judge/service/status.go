package service

import (
	"context"

	"judgebox/internal/judge/model"
	"judgebox/internal/judge/sandbox"
	"judgebox/pkg/utils/logger"

	"go.uber.org/zap"
)

func (s *Service) persistStatus(ctx context.Context, status model.JudgeStatus) error {
	ctxStatus := ctx
	if s.statusTimeout > 0 {
		var cancel context.CancelFunc
		ctxStatus, cancel = context.WithTimeout(ctx, s.statusTimeout)
		defer cancel()
	}
	return s.statusRepo.Save(ctxStatus, status)
}

// ReportStatus stores a worker lifecycle update.
func (s *Service) ReportStatus(ctx context.Context, update sandbox.StatusUpdate) error {
	if err := s.persistStatus(ctx, model.StatusFromUpdate(update)); err != nil {
		logger.Warn(ctx, "update judge status failed",
			zap.String("state", string(update.State)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// Status returns the stored status of a submission.
func (s *Service) Status(ctx context.Context, submissionID string) (model.JudgeStatus, error) {
	return s.statusRepo.Get(ctx, submissionID)
}
