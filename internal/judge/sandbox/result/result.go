// Package result defines sandbox execution results and judge reports.
package result

// Status is the terminal outcome of a judged submission.
type Status string

const (
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Verdict is the outcome of a single test case.
type Verdict string

const (
	VerdictPass  Verdict = "pass"
	VerdictFail  Verdict = "fail"
	VerdictError Verdict = "error"
)

// ErrorKind classifies why a run or a submission failed.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindRuntimeError        ErrorKind = "runtime_error"
	KindTimeout             ErrorKind = "timeout"
	KindResourceExceeded    ErrorKind = "resource_exceeded"
	KindUnsupportedLanguage ErrorKind = "unsupported_language"
	KindCompileError        ErrorKind = "compile_error"
	KindSandboxSetup        ErrorKind = "sandbox_setup_error"
	KindCancelled           ErrorKind = "cancelled"
)

// RunResult captures raw isolation backend data for one command.
type RunResult struct {
	ExitCode   int
	WallTimeMs int64
	CPUTimeMs  int64
	MemoryKB   int64
	Stdout     string
	Stderr     string
	// Truncated is set when stdout or stderr exceeded the output cap.
	Truncated bool
	TimedOut  bool
	OomKilled bool
	// CPUExceeded is set when the CPU time rlimit ended the program.
	CPUExceeded bool
	// Artifacts holds the files collected after the run, keyed by path
	// relative to the scratch directory.
	Artifacts map[string][]byte
}

// Succeeded reports whether the command exited cleanly on its own.
func (r RunResult) Succeeded() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.OomKilled && !r.CPUExceeded
}

// CompileResult is the outcome of the compile step.
type CompileResult struct {
	OK         bool
	ExitCode   int
	WallTimeMs int64
	MemoryKB   int64
	TimedOut   bool
	OomKilled  bool
	// Log is the compiler diagnostics, stderr or stdout when stderr is empty.
	Log       string
	Artifacts map[string][]byte
}

// ExecutionResult is the judged outcome of one test case.
type ExecutionResult struct {
	TestIndex  int       `json:"test_case_index"`
	Passed     bool      `json:"passed"`
	Verdict    Verdict   `json:"verdict"`
	Output     string    `json:"output"`
	Error      string    `json:"error"`
	TimedOut   bool      `json:"timed_out"`
	Truncated  bool      `json:"truncated"`
	WallTimeMs int64     `json:"wall_time_ms"`
	ExitCode   int       `json:"exit_code"`
	MemoryKB   int64     `json:"memory_kb"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`

	// Stderr is kept apart from Error so the verdict can test it verbatim.
	Stderr string `json:"-"`
}

// JudgeReport is the unified response structure for a submission.
type JudgeReport struct {
	SubmissionID     string            `json:"submission_id"`
	Language         string            `json:"language,omitempty"`
	Status           Status            `json:"status"`
	Results          []ExecutionResult `json:"results"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	ErrorKind        ErrorKind         `json:"error_kind,omitempty"`
	FirstFailedIndex int               `json:"first_failed_index"`
	TotalWallTimeMs  int64             `json:"total_wall_time_ms"`
	ReceivedAt       int64             `json:"received_at,omitempty"`
	FinishedAt       int64             `json:"finished_at,omitempty"`
}

// Fatal builds a report for a submission that ended before any result could
// be kept.
func Fatal(submissionID string, status Status, kind ErrorKind, reason string) JudgeReport {
	return JudgeReport{
		SubmissionID:     submissionID,
		Status:           status,
		Results:          []ExecutionResult{},
		FailureReason:    reason,
		ErrorKind:        kind,
		FirstFailedIndex: -1,
	}
}
