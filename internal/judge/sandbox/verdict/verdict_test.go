package verdict

import (
	"testing"

	"judgebox/internal/judge/sandbox/result"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "trailing newline", in: "4\n", want: "4"},
		{name: "trailing spaces per line", in: "1 2  \n3\t\n", want: "1 2\n3"},
		{name: "crlf", in: "a\r\nb\r\n", want: "a\nb"},
		{name: "trailing blank lines", in: "a\n\n \n\t\n", want: "a"},
		{name: "internal whitespace kept", in: "a  b\n\nc", want: "a  b\n\nc"},
		{name: "leading whitespace kept", in: "  x\n", want: "  x"},
		{name: "empty", in: "", want: ""},
		{name: "only whitespace", in: " \n\n", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.in)
			if got != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
			if again := Normalize(got); again != got {
				t.Fatalf("Normalize is not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestJudgeFlipsOnEachCondition(t *testing.T) {
	base := func() result.ExecutionResult {
		return result.ExecutionResult{Output: "4\n"}
	}

	passing := base()
	Judge(&passing, "4")
	if passing.Verdict != result.VerdictPass || !passing.Passed {
		t.Fatalf("expected pass, got %+v", passing)
	}

	cases := []struct {
		name   string
		mutate func(*result.ExecutionResult)
		want   string
	}{
		{name: "exit status", mutate: func(r *result.ExecutionResult) { r.ExitCode = 1 }, want: "4"},
		{name: "stderr", mutate: func(r *result.ExecutionResult) { r.Stderr = "warning" }, want: "4"},
		{name: "output", mutate: func(r *result.ExecutionResult) {}, want: "5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := base()
			tc.mutate(&res)
			Judge(&res, tc.want)
			if res.Verdict != result.VerdictFail || res.Passed {
				t.Fatalf("expected fail, got %+v", res)
			}
		})
	}
}

func TestJudgeTimeoutAndResourceExceeded(t *testing.T) {
	timedOut := result.ExecutionResult{TimedOut: true, ExitCode: -1}
	Judge(&timedOut, "")
	if timedOut.Verdict != result.VerdictError || timedOut.ErrorKind != result.KindTimeout {
		t.Fatalf("unexpected timeout verdict: %+v", timedOut)
	}

	oom := result.ExecutionResult{ErrorKind: result.KindResourceExceeded, ExitCode: 137}
	Judge(&oom, "")
	if oom.Verdict != result.VerdictError || oom.Error == "" {
		t.Fatalf("unexpected resource verdict: %+v", oom)
	}

	// Cut output can still equal the expected prefix.
	cut := result.ExecutionResult{Output: "1\n2\n", Truncated: true}
	Judge(&cut, "1\n2\n")
	if cut.Passed || cut.Verdict != result.VerdictError || cut.ErrorKind != result.KindResourceExceeded {
		t.Fatalf("truncated output must not pass: %+v", cut)
	}
	if cut.Error != "output limit exceeded" {
		t.Fatalf("unexpected error text %q", cut.Error)
	}

	report := Aggregate([]result.ExecutionResult{{Output: "ok"}, {Output: "ok", Truncated: true}}, []string{"ok", "ok"})
	if report.Status == result.StatusPass || report.FirstFailedIndex != 1 {
		t.Fatalf("expected truncated test to fail the report, got %+v", report)
	}
}

func TestAggregate(t *testing.T) {
	results := []result.ExecutionResult{
		{TestIndex: 0, Output: "4\n", WallTimeMs: 3},
		{TestIndex: 1, Output: "4\n", WallTimeMs: 4},
		{TestIndex: 2, Output: "oops", WallTimeMs: 5},
	}
	report := Aggregate(results, []string{"4", "5", "oops  \n"})
	if report.Status != result.StatusFail {
		t.Fatalf("expected fail, got %s", report.Status)
	}
	if report.FirstFailedIndex != 1 {
		t.Fatalf("expected first failure at 1, got %d", report.FirstFailedIndex)
	}
	if report.TotalWallTimeMs != 12 {
		t.Fatalf("expected total 12ms, got %d", report.TotalWallTimeMs)
	}
	if len(report.Results) != 3 || !report.Results[2].Passed {
		t.Fatalf("unexpected results: %+v", report.Results)
	}
	if results[0].Verdict != "" {
		t.Fatalf("Aggregate must not mutate its input")
	}

	all := Aggregate(results[:1], []string{"4"})
	if all.Status != result.StatusPass || all.FirstFailedIndex != -1 {
		t.Fatalf("expected pass, got %+v", all)
	}
}
