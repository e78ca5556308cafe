// Package observer defines logging and metrics hooks for sandbox execution.
package observer

import (
	"context"

	"judgebox/pkg/utils/logger"

	"go.uber.org/zap"
)

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveCompile(ctx context.Context, language string, ok bool, timeMs int64, memoryKB int64)
	ObserveRun(ctx context.Context, language string, outcome string, timeMs int64, memoryKB int64, outputBytes int64)
}

// NoopMetricsRecorder is a default recorder that does nothing.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) ObserveCompile(ctx context.Context, language string, ok bool, timeMs int64, memoryKB int64) {
}

func (NoopMetricsRecorder) ObserveRun(ctx context.Context, language string, outcome string, timeMs int64, memoryKB int64, outputBytes int64) {
}

// LogMetricsRecorder writes every observation as a debug log line.
type LogMetricsRecorder struct{}

func (LogMetricsRecorder) ObserveCompile(ctx context.Context, language string, ok bool, timeMs int64, memoryKB int64) {
	logger.Debug(ctx, "sandbox compile",
		zap.String("language", language),
		zap.Bool("ok", ok),
		zap.Int64("timeMs", timeMs),
		zap.Int64("memoryKB", memoryKB),
	)
}

func (LogMetricsRecorder) ObserveRun(ctx context.Context, language string, outcome string, timeMs int64, memoryKB int64, outputBytes int64) {
	logger.Debug(ctx, "sandbox run",
		zap.String("language", language),
		zap.String("outcome", outcome),
		zap.Int64("timeMs", timeMs),
		zap.Int64("memoryKB", memoryKB),
		zap.Int64("outputBytes", outputBytes),
	)
}
