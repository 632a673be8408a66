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

package cache

import (
	"context"
	"sync"

	"github.com/alwitt/energymon/telemetry"
)

// memoryCache process local LatestReadingCache
type memoryCache struct {
	lock   sync.RWMutex
	latest *telemetry.Reading
}

// GetMemoryCache define a process local LatestReadingCache
func GetMemoryCache() LatestReadingCache {
	return &memoryCache{}
}

// Put record a new latest Reading
func (c *memoryCache) Put(_ context.Context, reading telemetry.Reading) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.latest != nil && c.latest.ObservedAt.After(reading.ObservedAt) {
		return nil
	}
	c.latest = &reading
	return nil
}

// Get fetch the latest Reading
func (c *memoryCache) Get(_ context.Context) (*telemetry.Reading, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.latest == nil {
		return nil, nil
	}
	copied := *c.latest
	return &copied, nil
}

// Close no-op
func (c *memoryCache) Close() error {
	return nil
}
