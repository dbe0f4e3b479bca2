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

// DLQEntry captures a dead-lettered governance event for diagnostics.
type DLQEntry struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"orgId"`
	Tool           string          `json:"tool,omitempty"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// DLQStore persists dead-letter entries in Redis, capped per org.
type DLQStore struct {
	client redis.UniversalClient
}

// NewDLQStore constructs a Redis-backed DLQ store.
func NewDLQStore(url string) (*DLQStore, error) {
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
	return &DLQStore{client: client}, nil
}

// Close closes the underlying Redis client.
func (s *DLQStore) Close() error {
	return s.client.Close()
}

// Add appends an entry and maintains a per-org sorted index.
func (s *DLQStore) Add(ctx context.Context, entry DLQEntry) (string, error) {
	if strings.TrimSpace(entry.OrgID) == "" {
		return "", errors.New("org id required")
	}
	if strings.TrimSpace(entry.Reason) == "" {
		return "", errors.New("reason required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal dlq entry: %w", err)
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.Set(cctx, dlqEntryKey(entry.ID), data, 0)
	pipe.ZAdd(cctx, dlqIndexKey(entry.OrgID), redis.Z{Score: float64(entry.CreatedAt.Unix()), Member: entry.ID})
	pipe.ZRemRangeByRank(cctx, dlqIndexKey(entry.OrgID), 0, -1001) // keep last ~1000
	if _, err := pipe.Exec(cctx); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// List returns an organization's recent DLQ entries, newest first.
func (s *DLQStore) List(ctx context.Context, orgID string, limit int64) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	ids, err := s.client.ZRevRange(cctx, dlqIndexKey(orgID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []DLQEntry{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.Get(cctx, dlqEntryKey(id))
	}
	_, _ = pipe.Exec(cctx)

	out := make([]DLQEntry, 0, len(ids))
	for _, id := range ids {
		cmd := cmds[id]
		if cmd == nil {
			continue
		}
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var e DLQEntry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func dlqEntryKey(id string) string {
	return "dlq:entry:" + id
}

func dlqIndexKey(orgID string) string {
	return "dlq:index:" + orgID
}
