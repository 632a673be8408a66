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

// Package broadcast fans newly ingested Readings out to live viewers.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alwitt/energymon/common"
	"github.com/alwitt/energymon/metrics"
	"github.com/alwitt/energymon/telemetry"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ErrSubscriptionClosed the subscription was unregistered
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription one live viewer's delivery channel.
//
// Readings are buffered in a bounded ring. When the ring is full the oldest buffered
// Reading is discarded to make room, so a slow viewer sees gaps rather than delaying anyone.
type Subscription struct {
	id       string
	lock     sync.Mutex
	ring     []telemetry.Reading
	head     int
	size     int
	dropped  uint64
	signal   chan struct{}
	closed   bool
	closedCh chan struct{}
}

func newSubscription(capacity int) *Subscription {
	return &Subscription{
		id:       uuid.NewString(),
		ring:     make([]telemetry.Reading, capacity),
		signal:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// ID the subscription ID
func (s *Subscription) ID() string {
	return s.id
}

// Dropped number of Readings discarded because the buffer was full
func (s *Subscription) Dropped() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.dropped
}

// Buffered number of Readings waiting to be consumed
func (s *Subscription) Buffered() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.size
}

// offer enqueue without blocking. Returns whether an older entry was evicted.
func (s *Subscription) offer(reading telemetry.Reading) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false
	}
	evicted := false
	capacity := len(s.ring)
	if s.size == capacity {
		s.head = (s.head + 1) % capacity
		s.size--
		s.dropped++
		evicted = true
	}
	s.ring[(s.head+s.size)%capacity] = reading
	s.size++
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return evicted
}

// poll dequeue the oldest buffered Reading
func (s *Subscription) poll() (telemetry.Reading, bool, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.size == 0 {
		return telemetry.Reading{}, false, s.closed
	}
	reading := s.ring[s.head]
	s.ring[s.head] = telemetry.Reading{}
	s.head = (s.head + 1) % len(s.ring)
	s.size--
	return reading, true, s.closed
}

// Next wait for the next Reading. Returns ErrSubscriptionClosed once unregistered, or the
// context error when the context ends first.
func (s *Subscription) Next(ctx context.Context) (telemetry.Reading, error) {
	for {
		reading, ok, closed := s.poll()
		if closed {
			return telemetry.Reading{}, ErrSubscriptionClosed
		}
		if ok {
			return reading, nil
		}
		select {
		case <-s.signal:
		case <-s.closedCh:
		case <-ctx.Done():
			return telemetry.Reading{}, ctx.Err()
		}
	}
}

// close release the buffer and wake any waiting reader
func (s *Subscription) close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.ring = nil
	s.size = 0
	close(s.closedCh)
}

// ==============================================================================

// Broadcaster in process fan-out hub for newly ingested Readings
type Broadcaster interface {
	// Register create a new live viewer delivery channel. It starts with no backlog.
	Register() *Subscription
	// Publish deliver the Reading to every registered viewer without blocking on any
	Publish(reading telemetry.Reading)
	// Unregister remove a viewer. Calling it more than once is harmless.
	Unregister(sub *Subscription)
	// SubscriberCount number of registered viewers
	SubscriberCount() int
}

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	common.Component
	bufferSize int
	// publishLock serializes Publish so every viewer observes the same order
	publishLock sync.Mutex
	lock        sync.RWMutex
	subscribers map[string]*Subscription
}

// GetBroadcaster define a new Broadcaster. bufferSize is the per viewer buffer length.
func GetBroadcaster(bufferSize int, instance string) (Broadcaster, error) {
	if bufferSize < 1 {
		return nil, fmt.Errorf("subscriber buffer must be at least 1")
	}
	logTags := log.Fields{
		"module": "broadcast", "component": "broadcaster", "instance": instance,
	}
	return &broadcasterImpl{
		Component:   common.Component{LogTags: logTags},
		bufferSize:  bufferSize,
		subscribers: make(map[string]*Subscription),
	}, nil
}

// Register create a new live viewer delivery channel
func (b *broadcasterImpl) Register() *Subscription {
	sub := newSubscription(b.bufferSize)
	b.lock.Lock()
	b.subscribers[sub.id] = sub
	count := len(b.subscribers)
	b.lock.Unlock()
	metrics.SetLiveSubscribers(count)
	log.WithFields(b.LogTags).Debugf("Registered subscriber %s (%d active)", sub.id, count)
	return sub
}

// Unregister remove a viewer
func (b *broadcasterImpl) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}
	b.lock.Lock()
	_, ok := b.subscribers[sub.id]
	delete(b.subscribers, sub.id)
	count := len(b.subscribers)
	b.lock.Unlock()
	sub.close()
	if ok {
		metrics.SetLiveSubscribers(count)
		log.WithFields(b.LogTags).Debugf("Unregistered subscriber %s (%d active)", sub.id, count)
	}
}

// Publish deliver the Reading to every registered viewer
func (b *broadcasterImpl) Publish(reading telemetry.Reading) {
	b.publishLock.Lock()
	defer b.publishLock.Unlock()
	b.lock.RLock()
	targets := make([]*Subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		targets = append(targets, sub)
	}
	b.lock.RUnlock()
	for _, sub := range targets {
		if sub.offer(reading) {
			metrics.IncDroppedDelivery()
			log.WithFields(b.LogTags).Debugf("Subscriber %s too slow, dropped oldest reading", sub.id)
		}
	}
}

// SubscriberCount number of registered viewers
func (b *broadcasterImpl) SubscriberCount() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.subscribers)
}
