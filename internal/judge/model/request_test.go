package model_test

import (
	"math"
	"testing"
	"time"

	"judgebox/internal/judge/model"
	"judgebox/internal/judge/sandbox/limits"
	appErr "judgebox/pkg/errors"
)

func TestToExecutionLimitsSaturates(t *testing.T) {
	req := &model.LimitsRequest{TimeoutMs: math.MaxInt64, MemoryMB: math.MaxInt64 >> 10}
	got := req.ToExecutionLimits()
	if got.Timeout != time.Duration(math.MaxInt64) {
		t.Fatalf("timeout must saturate, got %v", got.Timeout)
	}
	if got.MemoryBytes != math.MaxInt64 {
		t.Fatalf("memory must saturate, got %d", got.MemoryBytes)
	}

	req = &model.LimitsRequest{TimeoutMs: 1500, MemoryMB: 64}
	got = req.ToExecutionLimits()
	if got.Timeout != 1500*time.Millisecond || got.MemoryBytes != 64<<20 {
		t.Fatalf("unexpected conversion: %+v", got)
	}

	var none *model.LimitsRequest
	if none.ToExecutionLimits() != (limits.ExecutionLimits{}) {
		t.Fatalf("nil limits must convert to defaults")
	}
}

func TestLimitsValidate(t *testing.T) {
	ceiling := limits.MaxDefaults()
	cases := []struct {
		name  string
		req   *model.LimitsRequest
		field string
	}{
		{"nil", nil, ""},
		{"defaults", &model.LimitsRequest{}, ""},
		{"negative takes defaults", &model.LimitsRequest{TimeoutMs: -1, MemoryMB: -1}, ""},
		{"timeout", &model.LimitsRequest{TimeoutMs: ceiling.Timeout.Milliseconds() + 1}, "limits.timeout_ms"},
		{"memory", &model.LimitsRequest{MemoryMB: math.MaxInt64}, "limits.memory_mb"},
		{"cpu", &model.LimitsRequest{CPUCores: ceiling.CPUCores + 0.5}, "limits.cpu_cores"},
		{"cpu nan", &model.LimitsRequest{CPUCores: math.NaN()}, "limits.cpu_cores"},
		{"processes", &model.LimitsRequest{Processes: ceiling.Processes + 1}, "limits.processes"},
		{"output", &model.LimitsRequest{OutputBytes: ceiling.OutputBytes + 1}, "limits.output_bytes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate(ceiling)
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !appErr.Is(err, appErr.ValidationFailed) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if coded := appErr.GetError(err); coded == nil || coded.Details["field"] != tc.field {
				t.Fatalf("expected field %s, got %v", tc.field, err)
			}
		})
	}
}
