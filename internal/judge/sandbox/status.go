package sandbox

import (
	"context"

	"judgebox/internal/judge/sandbox/result"
)

// State is the lifecycle stage of a submission.
type State string

const (
	StateReceived    State = "received"
	StateCompiling   State = "compiling"
	StateRunning     State = "running"
	StateAggregating State = "aggregating"
	StateDone        State = "done"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

var transitions = map[State][]State{
	StateReceived:    {StateCompiling, StateRunning, StateFailed, StateCancelled},
	StateCompiling:   {StateRunning, StateFailed, StateCancelled},
	StateRunning:     {StateRunning, StateAggregating, StateFailed, StateCancelled},
	StateAggregating: {StateDone, StateFailed, StateCancelled},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusUpdate carries intermediate judge status data.
type StatusUpdate struct {
	SubmissionID string              `json:"submission_id"`
	State        State               `json:"state"`
	Language     string              `json:"language"`
	TotalTests   int                 `json:"total_tests"`
	DoneTests    int                 `json:"done_tests"`
	ReceivedAt   int64               `json:"received_at"`
	FinishedAt   int64               `json:"finished_at,omitempty"`
	Report       *result.JudgeReport `json:"report,omitempty"`
}

// StatusReporter persists intermediate status updates.
type StatusReporter interface {
	ReportStatus(ctx context.Context, update StatusUpdate) error
}
