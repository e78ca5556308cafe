package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"judgebox/internal/common/mq"
	"judgebox/internal/judge/model"
	"judgebox/internal/judge/sandbox/result"
	appErr "judgebox/pkg/errors"
)

// ResultPublisher publishes final reports for downstream consumers.
type ResultPublisher interface {
	PublishResult(ctx context.Context, report result.JudgeReport) error
}

// MQResultPublisher publishes reports to a message queue topic.
type MQResultPublisher struct {
	queue mq.Producer
	topic string
}

// NewMQResultPublisher creates a new MQ result publisher.
func NewMQResultPublisher(queue mq.Producer, topic string) *MQResultPublisher {
	return &MQResultPublisher{queue: queue, topic: topic}
}

// PublishResult publishes a final report event keyed by submission id.
func (p *MQResultPublisher) PublishResult(ctx context.Context, report result.JudgeReport) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("result publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("result topic is required")
	}
	if report.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	payload, err := json.Marshal(model.ResultEvent{
		Type:      model.ResultEventFinal,
		Report:    report,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal result event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = report.SubmissionID
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "publish result event failed")
	}
	return nil
}
