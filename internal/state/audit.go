package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// AuditStore records which batches were confirmed delivered. It exists for
// operator reconciliation after a failed run: the target itself never reads
// it back to make delivery decisions.
type AuditStore interface {
	RecordDelivery(ctx context.Context, stream, batchID string, sequence uint64, records int) error
	LastDelivered(ctx context.Context, stream string) (string, error)
	Close() error
}

type noopStore struct{}

// NewNoopStore returns an audit store that records nothing.
func NewNoopStore() AuditStore { return &noopStore{} }

func (n *noopStore) RecordDelivery(context.Context, string, string, uint64, int) error {
	return nil
}
func (n *noopStore) LastDelivered(context.Context, string) (string, error) { return "", nil }
func (n *noopStore) Close() error                                          { return nil }

const auditKeyPrefix = "targetoic:delivered:"

type redisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis instance at url and verifies it is
// reachable.
func NewRedisStore(ctx context.Context, url string) (AuditStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &redisStore{client: client}, nil
}

func (s *redisStore) RecordDelivery(ctx context.Context, stream, batchID string, sequence uint64, records int) error {
	key := auditKeyPrefix + stream
	return s.client.HSet(ctx, key, map[string]interface{}{
		"batch_id":     batchID,
		"sequence":     strconv.FormatUint(sequence, 10),
		"records":      strconv.Itoa(records),
		"delivered_at": time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

func (s *redisStore) LastDelivered(ctx context.Context, stream string) (string, error) {
	v, err := s.client.HGet(ctx, auditKeyPrefix+stream, "batch_id").Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (s *redisStore) Close() error { return s.client.Close() }
