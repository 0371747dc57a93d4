package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	taskField = "task"

	defaultStream       = "civicwire:tasks"
	defaultGroup        = "workers"
	defaultBlockTimeout = 5 * time.Second
	defaultClaimMinIdle = 10 * time.Minute
	defaultMaxStreamLen = 100000
)

// RedisConfig configures RedisQueue.
type RedisConfig struct {
	Stream       string
	Group        string
	ConsumerID   string        // generated when empty
	BlockTimeout time.Duration // XREADGROUP block window
	ClaimMinIdle time.Duration // pending entries idle this long are reclaimed
	MaxStreamLen int64
}

// RedisQueue is a Redis Streams queue. Each task is one stream entry read
// through a consumer group; entries stay pending until acknowledged and are
// reclaimed by XAUTOCLAIM when their consumer goes away.
type RedisQueue struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisQueue creates the consumer group if needed.
func NewRedisQueue(ctx context.Context, client *redis.Client, cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Stream == "" {
		cfg.Stream = defaultStream
	}
	if cfg.Group == "" {
		cfg.Group = defaultGroup
	}
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = "worker-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = defaultClaimMinIdle
	}
	if cfg.MaxStreamLen <= 0 {
		cfg.MaxStreamLen = defaultMaxStreamLen
	}

	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return &RedisQueue{client: client, cfg: cfg}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		MaxLen: q.cfg.MaxStreamLen,
		Approx: true,
		Values: map[string]any{taskField: string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue task to stream %s: %w", q.cfg.Stream, err)
	}
	return nil
}

// Receive reclaims stale pending entries first, then reads new ones.
func (q *RedisQueue) Receive(ctx context.Context) (*Delivery, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.ConsumerID,
		MinIdle:  q.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to reclaim pending tasks: %w", err)
	}
	if len(claimed) > 0 {
		return q.delivery(claimed[0])
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.ConsumerID,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    1,
		Block:    q.cfg.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream %s: %w", q.cfg.Stream, err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			return q.delivery(msg)
		}
	}
	return nil, nil
}

func (q *RedisQueue) delivery(msg redis.XMessage) (*Delivery, error) {
	raw, _ := msg.Values[taskField].(string)
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		// A malformed entry would be reclaimed forever; drop it.
		_ = q.client.XAck(context.Background(), q.cfg.Stream, q.cfg.Group, msg.ID).Err()
		return nil, fmt.Errorf("failed to decode task %s: %w", msg.ID, err)
	}
	return &Delivery{Task: t, ref: msg.ID}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if d == nil || d.ref == "" {
		return nil
	}
	return q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ref).Err()
}

// Pending returns the number of delivered but unacknowledged entries.
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	p, err := q.client.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return p.Count, nil
}
