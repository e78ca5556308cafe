package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"judgebox/internal/common/cache"
	"judgebox/internal/judge/model"
	appErr "judgebox/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	statusKeyPrefix = "judge:status:"

	// Reports above this size are stored zstd compressed.
	compressThreshold = 4 << 10
)

// zstd frame magic, little endian 0xFD2FB528.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// StatusRepository persists submission status.
type StatusRepository interface {
	Get(ctx context.Context, submissionID string) (model.JudgeStatus, error)
	Save(ctx context.Context, status model.JudgeStatus) error
}

// RedisStatusRepository stores status in redis with a TTL.
type RedisStatusRepository struct {
	cache cache.Cache
	ttl   time.Duration

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewRedisStatusRepository creates a redis-backed repository.
func NewRedisStatusRepository(cacheClient cache.Cache, ttl time.Duration) (*RedisStatusRepository, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder failed: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder failed: %w", err)
	}
	return &RedisStatusRepository{
		cache:   cacheClient,
		ttl:     ttl,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Get returns status by submission id.
func (r *RedisStatusRepository) Get(ctx context.Context, submissionID string) (model.JudgeStatus, error) {
	if submissionID == "" {
		return model.JudgeStatus{}, appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return model.JudgeStatus{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, statusKeyPrefix+submissionID)
	if err != nil {
		return model.JudgeStatus{}, appErr.Wrapf(err, appErr.CacheError, "load status failed")
	}
	if val == "" {
		return model.JudgeStatus{}, appErr.New(appErr.SubmissionNotFound).WithMessage("submission status not found")
	}
	data := []byte(val)
	if bytes.HasPrefix(data, zstdMagic) {
		data, err = r.decoder.DecodeAll(data, nil)
		if err != nil {
			return model.JudgeStatus{}, appErr.Wrapf(err, appErr.CacheError, "decompress status failed")
		}
	}
	var status model.JudgeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return model.JudgeStatus{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return status, nil
}

// Save persists status.
func (r *RedisStatusRepository) Save(ctx context.Context, status model.JudgeStatus) error {
	if status.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if len(data) > compressThreshold {
		data = r.encoder.EncodeAll(data, make([]byte, 0, len(data)/4))
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+status.SubmissionID, data, cache.JitterTTL(r.ttl)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store status failed")
	}
	return nil
}

// MemoryStatusRepository keeps status in process memory. It is used when no
// redis is configured.
type MemoryStatusRepository struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	status    model.JudgeStatus
	expiresAt time.Time
}

// NewMemoryStatusRepository creates an in-process repository. Entries
// expire after ttl. A zero ttl keeps them forever.
func NewMemoryStatusRepository(ttl time.Duration) *MemoryStatusRepository {
	return &MemoryStatusRepository{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (r *MemoryStatusRepository) Get(ctx context.Context, submissionID string) (model.JudgeStatus, error) {
	if submissionID == "" {
		return model.JudgeStatus{}, appErr.ValidationError("submission_id", "required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[submissionID]
	if ok && !entry.expiresAt.IsZero() && r.now().After(entry.expiresAt) {
		delete(r.entries, submissionID)
		ok = false
	}
	if !ok {
		return model.JudgeStatus{}, appErr.New(appErr.SubmissionNotFound).WithMessage("submission status not found")
	}
	return entry.status, nil
}

func (r *MemoryStatusRepository) Save(ctx context.Context, status model.JudgeStatus) error {
	if status.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	now := r.now()
	entry := memoryEntry{status: status}
	if r.ttl > 0 {
		entry.expiresAt = now.Add(r.ttl)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[status.SubmissionID] = entry
	for id, e := range r.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(r.entries, id)
		}
	}
	return nil
}
