// Copyright 2022 The energymon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache holds the most recent Reading in a shared key value store so the
// latest value is served without touching the reading store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/energymon/common"
	"github.com/alwitt/energymon/telemetry"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// LatestReadingCache holder of the most recently ingested Reading
type LatestReadingCache interface {
	// Put record a new latest Reading. An older Reading never replaces a newer one.
	Put(ctxt context.Context, reading telemetry.Reading) error

	// Get fetch the latest Reading. nil if nothing is cached.
	Get(ctxt context.Context) (*telemetry.Reading, error)

	// Close release the connection
	Close() error
}

// RedisParams redis cache connection parameters
type RedisParams struct {
	// Addr redis server host:port
	Addr string `validate:"required"`
	// DB redis logical DB
	DB int
	// Key entry holding the latest Reading
	Key string `validate:"required"`
	// TTL entry expiration. 0 means no expiration.
	TTL time.Duration
}

// redisCache implements LatestReadingCache on redis
type redisCache struct {
	common.Component
	client *redis.Client
	key    string
	ttl    time.Duration
}

// keepNewer only replace the cached value when the incoming Reading is not older.
// Order keys are fixed width decimal strings so they compare exactly as bytes.
var keepNewer = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current then
	local decoded = cjson.decode(current)
	if type(decoded["order_key"]) == "string" and decoded["order_key"] > ARGV[2] then
		return 0
	end
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
else
	redis.call("SET", KEYS[1], ARGV[1])
end
return 1
`)

// cachedReading redis entry format
type cachedReading struct {
	telemetry.Reading
	OrderKey string `json:"order_key"`
}

// orderKey zero padded nanosecond timestamp of a Reading
func orderKey(observedAt time.Time) string {
	nanos := observedAt.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	return fmt.Sprintf("%020d", nanos)
}

// GetRedisCache define a new redis backed LatestReadingCache
func GetRedisCache(ctxt context.Context, params RedisParams) (LatestReadingCache, error) {
	logTags := log.Fields{
		"module": "cache", "component": "redis-latest", "instance": params.Addr,
	}
	client := redis.NewClient(&redis.Options{Addr: params.Addr, DB: params.DB})
	if err := client.Ping(ctxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Redis not reachable")
		_ = client.Close()
		return nil, fmt.Errorf("redis %s not reachable: %w", params.Addr, err)
	}
	log.WithFields(logTags).Info("Connected to redis")
	return &redisCache{
		Component: common.Component{LogTags: logTags},
		client:    client,
		key:       params.Key,
		ttl:       params.TTL,
	}, nil
}

// Put record a new latest Reading
func (c *redisCache) Put(ctxt context.Context, reading telemetry.Reading) error {
	entry := cachedReading{Reading: reading, OrderKey: orderKey(reading.ObservedAt)}
	serialized, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	err = keepNewer.Run(
		ctxt, c.client, []string{c.key}, string(serialized), entry.OrderKey, c.ttl.Milliseconds(),
	).Err()
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to update latest reading")
		return err
	}
	return nil
}

// Get fetch the latest Reading
func (c *redisCache) Get(ctxt context.Context) (*telemetry.Reading, error) {
	raw, err := c.client.Get(ctxt, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to read latest reading")
		return nil, err
	}
	var entry cachedReading
	if err := json.Unmarshal(raw, &entry); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Cached latest reading is corrupt")
		return nil, err
	}
	return &entry.Reading, nil
}

// Close release the connection
func (c *redisCache) Close() error {
	return c.client.Close()
}
