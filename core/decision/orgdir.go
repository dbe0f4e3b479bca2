package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/governs-ai/governs/core/infra/redisutil"
)

// ErrUnknownUser is returned when no organization is mapped to a user.
var ErrUnknownUser = errors.New("no organization for user")

// OrgDirectory resolves the owning organization for a user. Used as the
// last fallback when an ingest carries neither a connection org nor a
// payload org.
type OrgDirectory interface {
	OrgByUser(ctx context.Context, userID string) (string, error)
}

// RedisOrgDirectory implements OrgDirectory over the platform's
// user->org mapping keys.
type RedisOrgDirectory struct {
	client redis.UniversalClient
}

// NewRedisOrgDirectory constructs a directory from a redis:// URL.
func NewRedisOrgDirectory(url string) (*RedisOrgDirectory, error) {
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
	return &RedisOrgDirectory{client: client}, nil
}

// Close closes the underlying Redis client.
func (d *RedisOrgDirectory) Close() error {
	return d.client.Close()
}

// OrgByUser looks up the organization owning a user id.
func (d *RedisOrgDirectory) OrgByUser(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrUnknownUser
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	org, err := d.client.Get(cctx, userOrgKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrUnknownUser
	}
	if err != nil {
		return "", err
	}
	if org == "" {
		return "", ErrUnknownUser
	}
	return org, nil
}

// SetOrgForUser records a user->org mapping; used by provisioning and tests.
func (d *RedisOrgDirectory) SetOrgForUser(ctx context.Context, userID, orgID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(orgID) == "" {
		return errors.New("user id and org id required")
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	return d.client.Set(cctx, userOrgKey(userID), orgID, 0).Err()
}

func userOrgKey(userID string) string {
	return "org:user:" + userID
}
