package service

import (
	"context"
	"strconv"
	"time"

	"judgebox/internal/common/mq"
	appErr "judgebox/pkg/errors"
	"judgebox/pkg/utils/logger"

	"go.uber.org/zap"
)

const poolRetryHeader = "x-pool-retry"

// RetryPolicy controls how queued requests are put back when every
// judge slot is busy.
type RetryPolicy struct {
	Topic      string
	DeadLetter string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// ParsePoolRetryCount reads the pool retry counter from message headers.
func ParsePoolRetryCount(headers map[string]string) int {
	if headers == nil {
		return 0
	}
	raw, ok := headers[poolRetryHeader]
	if !ok {
		return 0
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

// CloneMessageForRetry copies msg with a fresh timestamp and the given pool
// retry counter. Handler retry bookkeeping starts over.
func CloneMessageForRetry(msg *mq.Message, retryCount int) *mq.Message {
	if msg == nil {
		return mq.NewMessage(nil)
	}
	out := &mq.Message{
		ID:         msg.ID,
		Body:       msg.Body,
		Headers:    make(map[string]string, len(msg.Headers)+1),
		Timestamp:  time.Now(),
		RetryCount: 0,
		MaxRetries: msg.MaxRetries,
		Expiration: msg.Expiration,
	}
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	out.Headers[poolRetryHeader] = strconv.Itoa(retryCount)
	return out
}

// ComputePoolBackoff doubles base per retry, capped at max.
func ComputePoolBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// RequeueForPoolFull republishes a message when the judge pool is full.
// Once the retry budget is spent the message goes to the dead letter topic.
func RequeueForPoolFull(ctx context.Context, queue mq.Producer, policy RetryPolicy, msg *mq.Message) error {
	if queue == nil || policy.Topic == "" {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("retry queue is not configured")
	}
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	retryCount := ParsePoolRetryCount(msg.Headers)
	if policy.MaxRetries > 0 && retryCount >= policy.MaxRetries {
		if policy.DeadLetter == "" {
			logger.Warn(ctx, "judge pool retry exhausted without dead letter", zap.Int("retryCount", retryCount), zap.String("messageId", msg.ID))
			return appErr.New(appErr.JudgeQueueFull).WithMessage("judge pool is full")
		}
		logger.Warn(ctx, "judge pool retry exhausted, sending to dead letter", zap.Int("retryCount", retryCount), zap.String("messageId", msg.ID), zap.String("topic", policy.DeadLetter))
		return queue.Publish(ctx, policy.DeadLetter, CloneMessageForRetry(msg, retryCount))
	}
	delay := ComputePoolBackoff(retryCount, policy.BaseDelay, policy.MaxDelay)
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			logger.Warn(ctx, "judge pool retry canceled during backoff", zap.Int("retryCount", retryCount), zap.String("messageId", msg.ID), zap.Duration("delay", delay))
			return ctx.Err()
		case <-timer.C:
		}
	}
	logger.Info(ctx, "judge pool requeue", zap.Int("retryCount", retryCount+1), zap.String("messageId", msg.ID), zap.Duration("delay", delay), zap.String("topic", policy.Topic))
	return queue.Publish(ctx, policy.Topic, CloneMessageForRetry(msg, retryCount+1))
}
