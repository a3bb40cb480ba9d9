// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/Alvsch/hyperion/pkg/errors"
)

const defaultRedisKey = "hyperion:sessions"

// Redis pushes session records onto a capped Redis list for the external
// observability collaborator to drain.
type Redis struct {
	client *redis.Client
	key    string
	maxLen int64
}

var _ Sink = (*Redis)(nil)

// NewRedis creates a Redis sink from a client URL, e.g.
// redis://localhost:6379/0. maxLen caps the list; 0 means keep everything.
func NewRedis(url, key string, maxLen int64) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis url")
	}
	if key == "" {
		key = defaultRedisKey
	}

	return &Redis{
		client: redis.NewClient(opts),
		key:    key,
		maxLen: maxLen,
	}, nil
}

// Record implements Sink.
func (r *Redis) Record(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal session record")
	}

	pipe := r.client.Pipeline()
	pipe.RPush(ctx, r.key, data)
	if r.maxLen > 0 {
		pipe.LTrim(ctx, r.key, -r.maxLen, -1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "push session record")
	}
	return nil
}

// Ping verifies the Redis connection, for health checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
