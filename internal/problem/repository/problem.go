package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"judgebox/internal/common/cache"
	"judgebox/internal/problem/model"
)

const (
	problemKeyPrefix = "problem:item:"
	problemIndexKey  = "problem:index"
	problemIDKey     = "problem:next_id"

	// DefaultProblemTTL bounds how long an untouched catalogue survives.
	DefaultProblemTTL = 24 * time.Hour
)

var (
	ErrProblemNotFound = errors.New("problem not found")
)

// ProblemStore persists problems by id.
type ProblemStore interface {
	// Create assigns the next sequential id and stores the problem.
	Create(ctx context.Context, problem *model.Problem) (int64, error)
	Get(ctx context.Context, problemID int64) (model.Problem, error)
	List(ctx context.Context) ([]model.Problem, error)
	Delete(ctx context.Context, problemID int64) error
}

// RedisProblemStore keeps each problem as a JSON value and an id index in a
// sorted set scored by id. Every key expires after ttl; a create refreshes
// the index and the id counter.
type RedisProblemStore struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewRedisProblemStore creates a redis backed store. A non-positive ttl
// uses DefaultProblemTTL.
func NewRedisProblemStore(cacheClient cache.Cache, ttl time.Duration) (*RedisProblemStore, error) {
	if cacheClient == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if ttl <= 0 {
		ttl = DefaultProblemTTL
	}
	return &RedisProblemStore{cache: cacheClient, ttl: ttl}, nil
}

func (r *RedisProblemStore) Create(ctx context.Context, problem *model.Problem) (int64, error) {
	id, err := r.cache.Incr(ctx, problemIDKey)
	if err != nil {
		return 0, fmt.Errorf("allocate problem id failed: %w", err)
	}
	problem.ID = id
	data, err := json.Marshal(problem)
	if err != nil {
		return 0, fmt.Errorf("marshal problem failed: %w", err)
	}
	member := strconv.FormatInt(id, 10)
	err = r.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.Set(problemKey(id), string(data), r.ttl); err != nil {
			return err
		}
		if err := pipe.ZAdd(problemIndexKey, cache.ZMember{Score: float64(id), Member: member}); err != nil {
			return err
		}
		if err := pipe.Expire(problemIndexKey, r.ttl); err != nil {
			return err
		}
		return pipe.Expire(problemIDKey, r.ttl)
	})
	if err != nil {
		return 0, fmt.Errorf("store problem failed: %w", err)
	}
	return id, nil
}

func (r *RedisProblemStore) Get(ctx context.Context, problemID int64) (model.Problem, error) {
	raw, err := r.cache.Get(ctx, problemKey(problemID))
	if err != nil {
		return model.Problem{}, fmt.Errorf("get problem failed: %w", err)
	}
	if raw == "" {
		return model.Problem{}, ErrProblemNotFound
	}
	var problem model.Problem
	if err := json.Unmarshal([]byte(raw), &problem); err != nil {
		return model.Problem{}, fmt.Errorf("unmarshal problem failed: %w", err)
	}
	return problem, nil
}

func (r *RedisProblemStore) List(ctx context.Context) ([]model.Problem, error) {
	ids, err := r.cache.ZRange(ctx, problemIndexKey, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list problem ids failed: %w", err)
	}
	out := make([]model.Problem, 0, len(ids))
	for _, member := range ids {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		problem, err := r.Get(ctx, id)
		if errors.Is(err, ErrProblemNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, problem)
	}
	return out, nil
}

func (r *RedisProblemStore) Delete(ctx context.Context, problemID int64) error {
	exists, err := r.cache.Exists(ctx, problemKey(problemID))
	if err != nil {
		return fmt.Errorf("check problem failed: %w", err)
	}
	if exists == 0 {
		return ErrProblemNotFound
	}
	return r.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.Del(problemKey(problemID)); err != nil {
			return err
		}
		return pipe.ZRem(problemIndexKey, strconv.FormatInt(problemID, 10))
	})
}

func problemKey(problemID int64) string {
	return problemKeyPrefix + strconv.FormatInt(problemID, 10)
}

// MemoryProblemStore is a process local store.
type MemoryProblemStore struct {
	mu       sync.RWMutex
	nextID   int64
	problems map[int64]model.Problem
}

// NewMemoryProblemStore creates an empty in-memory store.
func NewMemoryProblemStore() *MemoryProblemStore {
	return &MemoryProblemStore{problems: make(map[int64]model.Problem)}
}

func (m *MemoryProblemStore) Create(ctx context.Context, problem *model.Problem) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	problem.ID = m.nextID
	m.problems[problem.ID] = cloneProblem(*problem)
	return problem.ID, nil
}

func (m *MemoryProblemStore) Get(ctx context.Context, problemID int64) (model.Problem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	problem, ok := m.problems[problemID]
	if !ok {
		return model.Problem{}, ErrProblemNotFound
	}
	return cloneProblem(problem), nil
}

func (m *MemoryProblemStore) List(ctx context.Context) ([]model.Problem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Problem, 0, len(m.problems))
	for _, problem := range m.problems {
		out = append(out, cloneProblem(problem))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryProblemStore) Delete(ctx context.Context, problemID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.problems[problemID]; !ok {
		return ErrProblemNotFound
	}
	delete(m.problems, problemID)
	return nil
}

func cloneProblem(p model.Problem) model.Problem {
	p.TestCases = append(p.TestCases[:0:0], p.TestCases...)
	return p
}
