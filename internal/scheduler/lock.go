// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// leaderLock is a single queue-scoped SETNX lock: at most one scheduler tick
// loop per queue holds it at a time, refreshed on every successful tick.
type leaderLock struct {
	client *redis.Client
	key    string
	token  string
}

func acquireLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*leaderLock, error) {
	token := uuid.New().String()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire leader lock: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &leaderLock{client: client, key: key, token: token}, nil
}

func (l *leaderLock) extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("leader lock no longer held")
	}
	return nil
}

func (l *leaderLock) release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
