package engine

import (
	"context"
	"sync"
)

// runRegistry tracks in-flight runs so a whole submission can be killed.
type runRegistry struct {
	mu   sync.Mutex
	runs map[string]map[string]context.CancelFunc
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]map[string]context.CancelFunc)}
}

func (r *runRegistry) register(submissionID, runID string, cancel context.CancelFunc) {
	if submissionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byRun, ok := r.runs[submissionID]
	if !ok {
		byRun = make(map[string]context.CancelFunc)
		r.runs[submissionID] = byRun
	}
	byRun[runID] = cancel
}

func (r *runRegistry) unregister(submissionID, runID string) {
	if submissionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byRun := r.runs[submissionID]
	delete(byRun, runID)
	if len(byRun) == 0 {
		delete(r.runs, submissionID)
	}
}

// cancel stops every run of a submission and returns how many were found.
func (r *runRegistry) cancel(submissionID string) int {
	r.mu.Lock()
	byRun := r.runs[submissionID]
	cancels := make([]context.CancelFunc, 0, len(byRun))
	for _, c := range byRun {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return len(cancels)
}
