package model

import (
	"judgebox/internal/judge/sandbox"
	"judgebox/internal/judge/sandbox/result"
)

// Progress reports how many tests have finished.
type Progress struct {
	TotalTests int `json:"total_tests"`
	DoneTests  int `json:"done_tests"`
}

// JudgeStatus is the stored view of a submission.
type JudgeStatus struct {
	SubmissionID string              `json:"submission_id"`
	State        sandbox.State       `json:"state"`
	Language     string              `json:"language,omitempty"`
	Progress     Progress            `json:"progress"`
	ReceivedAt   int64               `json:"received_at"`
	FinishedAt   int64               `json:"finished_at,omitempty"`
	Report       *result.JudgeReport `json:"report,omitempty"`
}

// StatusFromUpdate converts a worker lifecycle update.
func StatusFromUpdate(update sandbox.StatusUpdate) JudgeStatus {
	return JudgeStatus{
		SubmissionID: update.SubmissionID,
		State:        update.State,
		Language:     update.Language,
		Progress: Progress{
			TotalTests: update.TotalTests,
			DoneTests:  update.DoneTests,
		},
		ReceivedAt: update.ReceivedAt,
		FinishedAt: update.FinishedAt,
		Report:     update.Report,
	}
}

// Terminal reports whether the submission can no longer change.
func (s JudgeStatus) Terminal() bool {
	return s.State.Terminal()
}
