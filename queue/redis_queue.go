package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis Streams command queue.
type RedisConfig struct {
	// Redis address, e.g. "localhost:6379".
	Addr string `yaml:"addr" json:"addr"`

	// Password, empty when auth is disabled.
	Password string `yaml:"password" json:"password"`

	// Database number.
	DB int `yaml:"db" json:"db"`

	// Stream key holding commands.
	Stream string `yaml:"stream" json:"stream"`

	// Consumer group name. All workers of one deployment share a group.
	Group string `yaml:"group" json:"group"`

	// Consumer name, unique per worker process.
	Consumer string `yaml:"consumer" json:"consumer"`

	// MinIdle is how long an unacknowledged delivery stays with its original
	// consumer before another consumer may claim it (the redelivery delay).
	MinIdle time.Duration `yaml:"min_idle" json:"min_idle"`

	// Connection pool size.
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     "localhost:6379",
		Stream:   "guardian:commands",
		Group:    "guardian-dispatchers",
		Consumer: "dispatcher-1",
		MinIdle:  30 * time.Second,
		PoolSize: 10,
	}
}

// RedisQueue is a Queue backed by a Redis Stream with a consumer group.
// Unacknowledged entries stay in the group's pending list and are reclaimed
// by any consumer once MinIdle has elapsed, which gives the at-least-once
// redelivery the dispatcher relies on.
type RedisQueue struct {
	client *redis.Client
	config RedisConfig
	logger *zap.Logger
}

// NewRedisQueue connects to Redis and ensures the stream and consumer group
// exist.
func NewRedisQueue(config RedisConfig, logger *zap.Logger) (*RedisQueue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	err := client.XGroupCreateMkStream(ctx, config.Stream, config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	q := &RedisQueue{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "redis_queue")),
	}

	q.logger.Info("redis queue initialized",
		zap.String("addr", config.Addr),
		zap.String("stream", config.Stream),
		zap.String("group", config.Group),
		zap.String("consumer", config.Consumer),
	)
	return q, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, cmd *Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.config.Stream,
		Values: map[string]any{"body": body},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue command %s: %w", cmd.ID, err)
	}

	q.logger.Debug("command enqueued",
		zap.String("command_id", cmd.ID),
		zap.String("type", string(cmd.Type)),
		zap.String("case_id", cmd.CaseID),
	)
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context, block time.Duration) (*Delivery, error) {
	// Reclaim timed-out deliveries from other consumers first so stuck
	// commands are retried before new ones are picked up.
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.config.Stream,
		Group:    q.config.Group,
		Consumer: q.config.Consumer,
		MinIdle:  q.config.MinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("autoclaim: %w", err)
	}
	if len(claimed) > 0 {
		q.logger.Debug("reclaimed pending delivery", zap.String("receipt", claimed[0].ID))
		return q.toDelivery(claimed[0])
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.config.Group,
		Consumer: q.config.Consumer,
		Streams:  []string{q.config.Stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read group: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return q.toDelivery(streams[0].Messages[0])
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	pipe := q.client.Pipeline()
	pipe.XAck(ctx, q.config.Stream, q.config.Group, d.Receipt)
	pipe.XDel(ctx, q.config.Stream, d.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", d.Receipt, err)
	}
	return nil
}

// Nack leaves the entry in the pending list; it becomes claimable once
// MinIdle elapses. No immediate requeue: the delay is the backoff.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery) error {
	q.logger.Debug("delivery nacked, awaiting reclaim",
		zap.String("receipt", d.Receipt),
		zap.Duration("min_idle", q.config.MinIdle),
	)
	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) toDelivery(msg redis.XMessage) (*Delivery, error) {
	body, ok := msg.Values["body"].(string)
	if !ok {
		return nil, fmt.Errorf("stream entry %s has no body field", msg.ID)
	}
	var cmd Command
	if err := json.Unmarshal([]byte(body), &cmd); err != nil {
		return nil, fmt.Errorf("unmarshal stream entry %s: %w", msg.ID, err)
	}
	return &Delivery{Command: &cmd, Receipt: msg.ID}, nil
}
