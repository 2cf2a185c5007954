package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"listing_ledger/logging"
)

const DefaultRedisKey = "ledger:fetch_photo"

// RedisQueue is a list-backed queue shared by every process on the same Redis
type RedisQueue struct {
	client     *redis.Client
	key        string
	maxLen     int64
	popTimeout time.Duration
	ownsClient bool
}

// ConnectRedis parses url, fills in client defaults and pings the server
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opt.ReadTimeout == 0 {
		opt.ReadTimeout = 5 * time.Second
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = 5 * time.Second
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = 5 * time.Second
	}
	if opt.MaxRetries == 0 {
		opt.MaxRetries = 2
	}
	if opt.PoolSize == 0 {
		opt.PoolSize = 10
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logging.Logger.Infof("Connected to Redis at %s", opt.Addr)
	return client, nil
}

// NewRedisQueue connects to url. maxLen bounds the list so Push can report a full queue.
func NewRedisQueue(ctx context.Context, url, key string, maxLen int64) (*RedisQueue, error) {
	client, err := ConnectRedis(ctx, url)
	if err != nil {
		return nil, err
	}
	q := NewRedisQueueFromClient(client, key, maxLen)
	q.ownsClient = true
	return q, nil
}

func NewRedisQueueFromClient(client *redis.Client, key string, maxLen int64) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key, maxLen: maxLen, popTimeout: time.Second}
}

func (q *RedisQueue) Push(ctx context.Context, msg FetchPhoto) error {
	if q.maxLen > 0 {
		n, err := q.client.LLen(ctx, q.key).Result()
		if err != nil {
			return fmt.Errorf("queue length: %w", err)
		}
		if n >= q.maxLen {
			return ErrQueueFull
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode fetch photo: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("push fetch photo: %w", err)
	}
	return nil
}

// Pop waits in short BRPOP rounds so ctx cancellation is noticed promptly
func (q *RedisQueue) Pop(ctx context.Context) (FetchPhoto, error) {
	for {
		if err := ctx.Err(); err != nil {
			return FetchPhoto{}, err
		}
		res, err := q.client.BRPop(ctx, q.popTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return FetchPhoto{}, ctx.Err()
			}
			return FetchPhoto{}, fmt.Errorf("pop fetch photo: %w", err)
		}
		// res is [key, value]
		var msg FetchPhoto
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			logging.Logger.Warnf("Dropping malformed fetch message: %v", err)
			continue
		}
		return msg, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Close() error {
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}
