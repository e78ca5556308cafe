package mq

import (
	"context"
	"errors"
	"testing"
	"time"
)

type published struct {
	topic string
	msg   *Message
}

func TestDeliverRetriesThenDeadLetters(t *testing.T) {
	var out []published
	publish := func(ctx context.Context, topic string, m *Message) error {
		out = append(out, published{topic: topic, msg: m})
		return nil
	}
	calls := 0
	handler := func(ctx context.Context, m *Message) error {
		calls++
		return errors.New("boom")
	}
	m := NewMessage([]byte("payload"))
	m.MaxRetries = 2
	opts := SubscribeOptions{RetryDelay: time.Millisecond, DeadLetterTopic: "judge.dead"}
	opts.SetDefaults()

	deliver(context.Background(), m, handler, opts, publish)

	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(out) != 1 || out[0].topic != "judge.dead" {
		t.Fatalf("expected dead letter publish, got %+v", out)
	}
	if out[0].msg.RetryCount != 3 {
		t.Fatalf("expected retry count 3, got %d", out[0].msg.RetryCount)
	}
}

func TestDeliverStopsOnSuccess(t *testing.T) {
	calls := 0
	handler := func(ctx context.Context, m *Message) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}
	opts := SubscribeOptions{RetryDelay: time.Millisecond, DeadLetterTopic: "judge.dead"}
	opts.SetDefaults()
	deliver(context.Background(), NewMessage(nil), handler, opts, func(context.Context, string, *Message) error {
		t.Fatalf("no dead letter expected")
		return nil
	})
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestDeliverDropsExpired(t *testing.T) {
	m := NewMessage(nil)
	m.Timestamp = time.Now().Add(-time.Hour)
	opts := SubscribeOptions{MessageTTL: time.Minute}
	opts.SetDefaults()
	deliver(context.Background(), m, func(context.Context, *Message) error {
		t.Fatalf("expired message must not be handled")
		return nil
	}, opts, nil)
}

func TestKafkaHeadersCarryMetadata(t *testing.T) {
	m := NewMessage([]byte(`{"code":"print(1)"}`))
	m.ID = "sub-1"
	m.RetryCount = 2
	m.Expiration = 30 * time.Second
	m.SetHeader("x-trace-id", "trace-1")

	got := fromKafkaMessage(toKafkaMessage("judge.requests", m))
	if got.ID != "sub-1" || got.RetryCount != 2 || got.MaxRetries != 3 || got.Expiration != 30*time.Second {
		t.Fatalf("metadata lost: %+v", got)
	}
	if v, ok := got.GetHeader("x-trace-id"); !ok || v != "trace-1" {
		t.Fatalf("custom header lost: %v", got.Headers)
	}
	if string(got.Body) != string(m.Body) {
		t.Fatalf("body changed: %s", got.Body)
	}
}

func TestTokenLimiter(t *testing.T) {
	l := NewTokenLimiter(1)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected blocked acquire, got %v", err)
	}
	l.Release()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}
