package repository_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"judgebox/internal/common/cache"
	"judgebox/internal/common/mq"
	"judgebox/internal/judge/model"
	"judgebox/internal/judge/repository"
	"judgebox/internal/judge/sandbox"
	"judgebox/internal/judge/sandbox/result"
	appErr "judgebox/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisRepo(t *testing.T, ttl time.Duration) (*repository.RedisStatusRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	repo, err := repository.NewRedisStatusRepository(c, ttl)
	if err != nil {
		t.Fatalf("new repository failed: %v", err)
	}
	return repo, mr
}

func doneStatus(id string, output string) model.JudgeStatus {
	return model.JudgeStatus{
		SubmissionID: id,
		State:        sandbox.StateDone,
		Language:     "python3",
		Progress:     model.Progress{TotalTests: 1, DoneTests: 1},
		Report: &result.JudgeReport{
			SubmissionID:     id,
			Status:           result.StatusPass,
			Results:          []result.ExecutionResult{{TestIndex: 0, Passed: true, Verdict: result.VerdictPass, Output: output}},
			FirstFailedIndex: -1,
		},
	}
}

func TestRedisStatusRepositoryRoundTrip(t *testing.T) {
	repo, mr := newRedisRepo(t, time.Hour)
	ctx := context.Background()

	if err := repo.Save(ctx, doneStatus("small", "4\n")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	raw, err := mr.Get("judge:status:small")
	if err != nil {
		t.Fatalf("key missing: %v", err)
	}
	if !strings.HasPrefix(raw, "{") {
		t.Fatalf("small status must be stored as plain json")
	}
	if ttl := mr.TTL("judge:status:small"); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected ttl %s", ttl)
	}

	big := strings.Repeat("0123456789\n", 2000)
	if err := repo.Save(ctx, doneStatus("big", big)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	raw, _ = mr.Get("judge:status:big")
	if strings.HasPrefix(raw, "{") || len(raw) >= len(big) {
		t.Fatalf("big status must be compressed, stored %d bytes", len(raw))
	}
	got, err := repo.Get(ctx, "big")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.State != sandbox.StateDone || got.Report == nil || got.Report.Results[0].Output != big {
		t.Fatalf("status not restored: %+v", got)
	}
}

func TestRedisStatusRepositoryMissing(t *testing.T) {
	repo, _ := newRedisRepo(t, time.Hour)
	_, err := repo.Get(context.Background(), "nope")
	if !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := repo.Save(context.Background(), model.JudgeStatus{}); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMemoryStatusRepositoryExpires(t *testing.T) {
	repo := repository.NewMemoryStatusRepository(20 * time.Millisecond)
	ctx := context.Background()
	if err := repo.Save(ctx, doneStatus("sub-1", "ok")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if got, err := repo.Get(ctx, "sub-1"); err != nil || got.SubmissionID != "sub-1" {
		t.Fatalf("get failed: %+v %v", got, err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, err := repo.Get(ctx, "sub-1"); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

type fakeProducer struct {
	topics   []string
	messages []*mq.Message
}

func (f *fakeProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	f.topics = append(f.topics, topic)
	f.messages = append(f.messages, message)
	return nil
}

func TestMQResultPublisher(t *testing.T) {
	producer := &fakeProducer{}
	pub := repository.NewMQResultPublisher(producer, "judge.results")
	report := result.JudgeReport{SubmissionID: "sub-9", Status: result.StatusFail, FirstFailedIndex: 0}
	if err := pub.PublishResult(context.Background(), report); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(producer.messages) != 1 || producer.topics[0] != "judge.results" || producer.messages[0].ID != "sub-9" {
		t.Fatalf("unexpected publish: %v %v", producer.topics, producer.messages)
	}
	var event model.ResultEvent
	if err := json.Unmarshal(producer.messages[0].Body, &event); err != nil {
		t.Fatalf("decode event failed: %v", err)
	}
	if event.Type != model.ResultEventFinal || event.Report.Status != result.StatusFail {
		t.Fatalf("unexpected event: %+v", event)
	}

	if err := pub.PublishResult(context.Background(), result.JudgeReport{}); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
