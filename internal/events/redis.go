package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisSink publishes events on a pub/sub channel and keeps a capped audit
// list of the most recent payloads.
type RedisSink struct {
	client  *redis.Client
	channel string
	listKey string
	keep    int64
}

// NewRedisSink connects to addr and verifies the connection
func NewRedisSink(addr, password string, db int, channel string, keep int64) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisSinkWithClient(rdb, channel, keep), nil
}

// NewRedisSinkWithClient wraps an existing client
func NewRedisSinkWithClient(client *redis.Client, channel string, keep int64) *RedisSink {
	if keep <= 0 {
		keep = 1000
	}
	return &RedisSink{
		client:  client,
		channel: channel,
		listKey: channel + ":audit",
		keep:    keep,
	}
}

func (r *RedisSink) Name() string { return "redis" }

// Publish sends the JSON encoded event to subscribers and appends it to the
// audit list
func (r *RedisSink) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := string(payload)

	if err := r.client.Publish(ctx, r.channel, msg).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if err := r.client.LPush(ctx, r.listKey, msg).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	if err := r.client.LTrim(ctx, r.listKey, 0, r.keep-1).Err(); err != nil {
		return fmt.Errorf("redis ltrim: %w", err)
	}
	return nil
}

// Recent returns up to n of the latest audited events, newest first
func (r *RedisSink) Recent(ctx context.Context, n int64) ([]Event, error) {
	raw, err := r.client.LRange(ctx, r.listKey, 0, n-1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis lrange: %w", err)
	}

	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var e Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode audited event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Close releases the underlying client
func (r *RedisSink) Close() error {
	return r.client.Close()
}
