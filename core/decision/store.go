package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/governs-ai/governs/core/infra/redisutil"
)

const (
	defaultRedisURL       = "redis://localhost:6379"
	defaultRedisOpTimeout = 2 * time.Second
	// Per-org index is capped; entries themselves are retained
	// (retention is a collaborator concern, not ours).
	indexCap = 10000
)

// ErrNotFound is returned when a decision id has no stored record.
var ErrNotFound = errors.New("decision not found")

// Store persists decision events exactly once per (org, idempotency key).
type Store interface {
	Save(ctx context.Context, ev *Event) (SaveResult, error)
	Get(ctx context.Context, id string) (*Event, error)
	ListRecent(ctx context.Context, orgID string, limit int64) ([]Event, error)
	Close() error
}

// RedisStore implements Store using Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed store from a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping reports Redis connectivity for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	return s.client.Ping(cctx).Err()
}

// Save persists an event unless its (org, idempotency key) pair was seen
// before, in which case the existing record's id is returned with Dedup
// set and nothing is written.
func (s *RedisStore) Save(ctx context.Context, ev *Event) (SaveResult, error) {
	if ev == nil {
		return SaveResult{}, errors.New("nil event")
	}
	org := strings.TrimSpace(ev.OrgID)
	key := strings.TrimSpace(ev.IdempotencyKey)
	if org == "" {
		return SaveResult{}, errors.New("org id required")
	}
	if key == "" {
		return SaveResult{}, errors.New("idempotency key required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()

	claimed, err := s.client.SetNX(cctx, dedupKey(org, key), ev.ID, 0).Result()
	if err != nil {
		return SaveResult{}, fmt.Errorf("claim idempotency key: %w", err)
	}
	if !claimed {
		existing, err := s.client.Get(cctx, dedupKey(org, key)).Result()
		if err != nil {
			return SaveResult{}, fmt.Errorf("read existing decision id: %w", err)
		}
		present, err := s.client.Exists(cctx, entryKey(existing)).Result()
		if err != nil {
			return SaveResult{}, fmt.Errorf("check existing decision: %w", err)
		}
		if present > 0 {
			return SaveResult{ID: existing, Dedup: true}, nil
		}
		// The claim points at an entry that was never written (a
		// prior Save failed mid-write). Take the claim over so the
		// retry persists instead of acking a lost event.
		if err := s.client.Set(cctx, dedupKey(org, key), ev.ID, 0).Err(); err != nil {
			return SaveResult{}, fmt.Errorf("reclaim idempotency key: %w", err)
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		s.releaseClaim(ctx, org, key)
		return SaveResult{}, fmt.Errorf("marshal decision: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(cctx, entryKey(ev.ID), data, 0)
	pipe.ZAdd(cctx, indexKey(org), redis.Z{Score: float64(ev.CreatedAt.Unix()), Member: ev.ID})
	pipe.ZRemRangeByRank(cctx, indexKey(org), 0, int64(-indexCap-1))
	if _, err := pipe.Exec(cctx); err != nil {
		s.releaseClaim(ctx, org, key)
		return SaveResult{}, fmt.Errorf("persist decision: %w", err)
	}
	return SaveResult{ID: ev.ID}, nil
}

// releaseClaim drops a dedup claim whose entry write failed so a retry
// can persist the event instead of deduping against nothing. If the
// delete itself fails, the dangling claim is repaired by the
// existence check on the next Save.
func (s *RedisStore) releaseClaim(ctx context.Context, org, key string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	_ = s.client.Del(cctx, dedupKey(org, key)).Err()
}

// Get returns a single stored decision event.
func (s *RedisStore) Get(ctx context.Context, id string) (*Event, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("decision id required")
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	data, err := s.client.Get(cctx, entryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode decision %s: %w", id, err)
	}
	return &ev, nil
}

// ListRecent returns an organization's most recent decisions, newest first.
func (s *RedisStore) ListRecent(ctx context.Context, orgID string, limit int64) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	ids, err := s.client.ZRevRange(cctx, indexKey(orgID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Event{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.Get(cctx, entryKey(id))
	}
	_, _ = pipe.Exec(cctx)

	out := make([]Event, 0, len(ids))
	for _, id := range ids {
		cmd := cmds[id]
		if cmd == nil {
			continue
		}
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func dedupKey(orgID, idemKey string) string {
	return "decision:key:" + orgID + ":" + idemKey
}

func entryKey(id string) string {
	return "decision:entry:" + id
}

func indexKey(orgID string) string {
	return "decision:index:" + orgID
}
