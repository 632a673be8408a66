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

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/energymon/common"
	"github.com/alwitt/energymon/telemetry"
	"github.com/apex/log"
)

// memoryStore in process Store. Not durable: the content is lost on restart.
type memoryStore struct {
	common.Component
	lock    sync.RWMutex
	entries []telemetry.Reading
}

// NewMemoryStore define a new in process Store
func NewMemoryStore(instance string) Store {
	logTags := log.Fields{
		"module": "storage", "component": "memory-store", "instance": instance,
	}
	return &memoryStore{
		Component: common.Component{LogTags: logTags},
		entries:   make([]telemetry.Reading, 0),
	}
}

// Append writes one Reading
func (s *memoryStore) Append(_ context.Context, reading telemetry.Reading) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	// Insert after every entry observed at or before this one
	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].ObservedAt.After(reading.ObservedAt)
	})
	s.entries = append(s.entries, telemetry.Reading{})
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = reading
	return nil
}

// QueryRange all Readings with from <= ObservedAt <= to, ascending
func (s *memoryStore) QueryRange(
	_ context.Context, from, to time.Time,
) ([]telemetry.Reading, error) {
	result := make([]telemetry.Reading, 0)
	if from.After(to) {
		return result, nil
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	lo := sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].ObservedAt.Before(from)
	})
	hi := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].ObservedAt.After(to)
	})
	if lo < hi {
		result = append(result, s.entries[lo:hi]...)
	}
	return result, nil
}

// LatestBefore the newest Reading with ObservedAt < ts, nil if none
func (s *memoryStore) LatestBefore(_ context.Context, ts time.Time) (*telemetry.Reading, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	idx := sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].ObservedAt.Before(ts)
	})
	if idx == 0 {
		return nil, nil
	}
	found := s.entries[idx-1]
	return &found, nil
}

// LatestN the newest n Readings, newest first
func (s *memoryStore) LatestN(_ context.Context, n int) ([]telemetry.Reading, error) {
	result := make([]telemetry.Reading, 0)
	if n <= 0 {
		return result, nil
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	for itr := len(s.entries) - 1; itr >= 0 && len(result) < n; itr-- {
		result = append(result, s.entries[itr])
	}
	return result, nil
}

// Ping the memory store is always reachable
func (s *memoryStore) Ping(_ context.Context) error {
	return nil
}

// Close release the storage resources
func (s *memoryStore) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	log.WithFields(s.LogTags).Info("Releasing in memory readings")
	s.entries = nil
}
