// Package verdict compares program output against expected output and folds
// per-test outcomes into a submission report.
package verdict

import (
	"strings"

	"judgebox/internal/judge/sandbox/result"
)

// Normalize applies the comparison policy to one output string.
// Trailing spaces, tabs and carriage returns are removed from every line and
// trailing blank lines are dropped. Everything else, including leading and
// internal whitespace, is kept as is. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// Equal reports whether actual and expected match under Normalize.
func Equal(actual, expected string) bool {
	return Normalize(actual) == Normalize(expected)
}

// Judge sets the verdict of one result against its expected output.
// A test passes only on a clean exit with empty stderr and matching output.
// Timeouts, resource exhaustion and truncated output are errors. Every other
// miss is a fail.
func Judge(res *result.ExecutionResult, expected string) {
	switch {
	case res.TimedOut || res.ErrorKind == result.KindTimeout:
		res.Verdict = result.VerdictError
		res.ErrorKind = result.KindTimeout
		if res.Error == "" {
			res.Error = "execution timed out"
		}
	case res.ErrorKind == result.KindResourceExceeded:
		res.Verdict = result.VerdictError
		if res.Error == "" {
			res.Error = "resource limit exceeded"
		}
	case res.Truncated:
		res.Verdict = result.VerdictError
		res.ErrorKind = result.KindResourceExceeded
		if res.Error == "" {
			res.Error = "output limit exceeded"
		}
	case res.ExitCode != 0:
		res.Verdict = result.VerdictFail
		res.ErrorKind = result.KindRuntimeError
		if res.Error == "" {
			res.Error = "process exited with non-zero status"
		}
	case res.Stderr != "":
		res.Verdict = result.VerdictFail
	case !Equal(res.Output, expected):
		res.Verdict = result.VerdictFail
	default:
		res.Verdict = result.VerdictPass
	}
	res.Passed = res.Verdict == result.VerdictPass
}

// Aggregate judges every result against the expected output at the same
// index and builds the submission report. Results keep their order.
func Aggregate(results []result.ExecutionResult, expected []string) result.JudgeReport {
	report := result.JudgeReport{
		Status:           result.StatusPass,
		Results:          make([]result.ExecutionResult, len(results)),
		FirstFailedIndex: -1,
	}
	for i := range results {
		res := results[i]
		want := ""
		if i < len(expected) {
			want = expected[i]
		}
		Judge(&res, want)
		report.Results[i] = res
		report.TotalWallTimeMs += res.WallTimeMs
		if !res.Passed && report.FirstFailedIndex < 0 {
			report.FirstFailedIndex = i
			report.Status = result.StatusFail
		}
	}
	return report
}
