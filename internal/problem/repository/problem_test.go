package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"judgebox/internal/common/cache"
	judgemodel "judgebox/internal/judge/model"
	"judgebox/internal/problem/model"
	"judgebox/internal/problem/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*repository.RedisProblemStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	store, err := repository.NewRedisProblemStore(c, ttl)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	return store, mr
}

func TestProblemStores(t *testing.T) {
	stores := map[string]func(t *testing.T) repository.ProblemStore{
		"memory": func(t *testing.T) repository.ProblemStore { return repository.NewMemoryProblemStore() },
		"redis":  func(t *testing.T) repository.ProblemStore {
			store, _ := newRedisStore(t, 0)
			return store
		},
	}
	for name, build := range stores {
		t.Run(name, func(t *testing.T) {
			store := build(t)
			ctx := context.Background()

			first := &model.Problem{
				Title:     "Sum",
				TestCases: []judgemodel.TestCaseRequest{{Input: "1 2", Output: "3"}},
			}
			second := &model.Problem{Title: "Echo"}
			id1, err := store.Create(ctx, first)
			if err != nil {
				t.Fatalf("create failed: %v", err)
			}
			id2, err := store.Create(ctx, second)
			if err != nil {
				t.Fatalf("create failed: %v", err)
			}
			if id1 != 1 || id2 != 2 || first.ID != 1 {
				t.Fatalf("ids must be sequential, got %d %d", id1, id2)
			}

			got, err := store.Get(ctx, id1)
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if got.Title != "Sum" || len(got.TestCases) != 1 || got.TestCases[0].Output != "3" {
				t.Fatalf("unexpected problem: %+v", got)
			}

			list, err := store.List(ctx)
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if len(list) != 2 || list[0].ID != 1 || list[1].ID != 2 {
				t.Fatalf("unexpected list: %+v", list)
			}

			if err := store.Delete(ctx, id1); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if _, err := store.Get(ctx, id1); !errors.Is(err, repository.ErrProblemNotFound) {
				t.Fatalf("expected not found after delete, got %v", err)
			}
			if err := store.Delete(ctx, id1); !errors.Is(err, repository.ErrProblemNotFound) {
				t.Fatalf("expected not found on second delete, got %v", err)
			}
			list, _ = store.List(ctx)
			if len(list) != 1 || list[0].ID != 2 {
				t.Fatalf("unexpected list after delete: %+v", list)
			}

			id3, _ := store.Create(ctx, &model.Problem{Title: "Next"})
			if id3 != 3 {
				t.Fatalf("ids must not be reused, got %d", id3)
			}
		})
	}
}

func TestRedisProblemStoreExpires(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)
	ctx := context.Background()
	id, err := store.Create(ctx, &model.Problem{Title: "Sum"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	for _, key := range []string{"problem:item:1", "problem:index", "problem:next_id"} {
		if ttl := mr.TTL(key); ttl != time.Hour {
			t.Fatalf("%s: expected 1h ttl, got %s", key, ttl)
		}
	}

	mr.FastForward(2 * time.Hour)
	if _, err := store.Get(ctx, id); !errors.Is(err, repository.ErrProblemNotFound) {
		t.Fatalf("expected expired problem, got %v", err)
	}
	list, err := store.List(ctx)
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty list, got %+v %v", list, err)
	}

	defaulted, mr := newRedisStore(t, 0)
	if _, err := defaulted.Create(ctx, &model.Problem{Title: "Echo"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ttl := mr.TTL("problem:item:1"); ttl != repository.DefaultProblemTTL {
		t.Fatalf("expected default ttl, got %s", ttl)
	}
}
