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

package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/energymon/broadcast"
	"github.com/alwitt/energymon/broker"
	"github.com/alwitt/energymon/cache"
	"github.com/alwitt/energymon/metrics"
	"github.com/alwitt/energymon/storage"
	"github.com/alwitt/energymon/telemetry"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// fakeBroker scriptable broker.Client
type fakeBroker struct {
	lock            sync.Mutex
	connectFailures int
	connects        int
	disconnects     int
	handler         broker.MessageHandler
	onLost          broker.ConnectionLostHandler
}

func (b *fakeBroker) Connect(_ context.Context, onLost broker.ConnectionLostHandler) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.connects++
	if b.connectFailures > 0 {
		b.connectFailures--
		return fmt.Errorf("connection refused")
	}
	b.onLost = onLost
	return nil
}

func (b *fakeBroker) Subscribe(_ context.Context, _ string, handler broker.MessageHandler) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.onLost == nil {
		return fmt.Errorf("no session")
	}
	b.handler = handler
	return nil
}

func (b *fakeBroker) Disconnect() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.disconnects++
	b.handler = nil
	b.onLost = nil
}

// deliver push a payload through the active subscription
func (b *fakeBroker) deliver(payload string) bool {
	b.lock.Lock()
	handler := b.handler
	b.lock.Unlock()
	if handler == nil {
		return false
	}
	handler("home/energy/meter1", []byte(payload))
	return true
}

// dropSession simulate the broker going away
func (b *fakeBroker) dropSession() {
	b.lock.Lock()
	onLost := b.onLost
	b.handler = nil
	b.lock.Unlock()
	if onLost != nil {
		onLost(fmt.Errorf("connection reset"))
	}
}

func (b *fakeBroker) connectCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.connects
}

// failingStore rejects every write
type failingStore struct {
	storage.Store
}

func (s *failingStore) Append(_ context.Context, _ telemetry.Reading) error {
	return fmt.Errorf("disk full")
}

func testParams() Params {
	return Params{
		Topic:            "home/energy/meter1",
		ProcessingBuffer: 16,
		Reconnect: ReconnectParams{
			InitialInterval: time.Millisecond * 10,
			MaxInterval:     time.Millisecond * 50,
			Multiplier:      2,
		},
	}
}

func meterPayload(energy int, observedAt time.Time) string {
	return fmt.Sprintf(
		`{"voltage": 230.1, "current_ma": 512, "power_w": 117.8, "energy_wh": %d, "observed_at": "%s"}`,
		energy, observedAt.Format(time.RFC3339Nano),
	)
}

// sessionFailures exposition of the broker session failure counter
func sessionFailures(counts map[string]int) string {
	lines := []string{
		"# HELP energymon_broker_session_failures_total Broker sessions that could not be established or were lost, by reason",
		"# TYPE energymon_broker_session_failures_total counter",
	}
	for _, reason := range []string{
		metrics.BrokerConnectFailed, metrics.BrokerSessionLost, metrics.BrokerSubscribeFailed,
	} {
		if count, ok := counts[reason]; ok {
			lines = append(lines, fmt.Sprintf(
				"energymon_broker_session_failures_total{reason=\"%s\"} %d", reason, count,
			))
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

func TestIngestPipeline(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	registry := prometheus.NewRegistry()
	metrics.Init(registry)
	checkFailures := func(counts map[string]int) {
		assert.Nil(testutil.GatherAndCompare(
			registry,
			strings.NewReader(sessionFailures(counts)),
			"energymon_broker_session_failures_total",
		))
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	fake := &fakeBroker{connectFailures: 2}
	store := storage.NewMemoryStore("ut-ingest")
	hub, err := broadcast.GetBroadcaster(16, "ut-ingest")
	assert.Nil(err)
	latest := cache.GetMemoryCache()

	uut, err := GetIngestor(utCtxt, fake, store, hub, latest, testParams(), "ut-ingest")
	assert.Nil(err)
	assert.Equal(StateDisconnected, uut.State())
	assert.Nil(uut.Start(&wg))

	// Case 0: initial connect failures are retried until subscribed
	assert.Eventually(func() bool {
		return uut.State() == StateSubscribed
	}, time.Second*2, time.Millisecond*5)
	assert.Equal(3, fake.connectCount())
	checkFailures(map[string]int{metrics.BrokerConnectFailed: 2})

	viewer := hub.Register()
	defer hub.Unregister(viewer)

	base := time.Date(2022, 3, 8, 8, 0, 0, 0, time.UTC)

	// Case 1: malformed message is dropped, the next good one is processed
	{
		assert.True(fake.deliver(`{"voltage": "bad"}`))
		assert.True(fake.deliver(meterPayload(5, base)))
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		reading, err := viewer.Next(ctxt)
		cancel()
		assert.Nil(err)
		assert.Equal(5.0, reading.EnergyWH)
		assert.True(base.Equal(reading.ObservedAt))

		stored, err := store.LatestN(utCtxt, 10)
		assert.Nil(err)
		assert.Len(stored, 1)

		cached, err := latest.Get(utCtxt)
		assert.Nil(err)
		assert.NotNil(cached)
		assert.Equal(5.0, cached.EnergyWH)
	}

	// Case 2: session loss triggers a reconnect and processing resumes
	{
		fake.dropSession()
		assert.Eventually(func() bool {
			return fake.connectCount() == 4 && uut.State() == StateSubscribed
		}, time.Second*2, time.Millisecond*5)
		checkFailures(map[string]int{
			metrics.BrokerConnectFailed: 2, metrics.BrokerSessionLost: 1,
		})

		assert.True(fake.deliver(meterPayload(6, base.Add(time.Minute))))
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		reading, err := viewer.Next(ctxt)
		cancel()
		assert.Nil(err)
		assert.Equal(6.0, reading.EnergyWH)

		stored, err := store.LatestN(utCtxt, 10)
		assert.Nil(err)
		assert.Len(stored, 2)
		assert.Equal(6.0, stored[0].EnergyWH)
		assert.Equal(5.0, stored[1].EnergyWH)
	}

	// Case 3: readings reach viewers in arrival order
	{
		for idx := 0; idx < 5; idx++ {
			assert.True(fake.deliver(meterPayload(10+idx, base.Add(time.Hour+time.Duration(idx)*time.Second))))
		}
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		for idx := 0; idx < 5; idx++ {
			reading, err := viewer.Next(ctxt)
			assert.Nil(err)
			assert.Equal(float64(10+idx), reading.EnergyWH)
		}
		cancel()
	}

	// Case 4: shutdown ends the session
	utCancel()
	wg.Wait()
	assert.Equal(StateDisconnected, uut.State())
}

func TestIngestStoreFailureStillBroadcasts(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	fake := &fakeBroker{}
	store := &failingStore{Store: storage.NewMemoryStore("ut-ingest-fail")}
	hub, err := broadcast.GetBroadcaster(16, "ut-ingest-fail")
	assert.Nil(err)
	latest := cache.GetMemoryCache()

	uut, err := GetIngestor(utCtxt, fake, store, hub, latest, testParams(), "ut-ingest-fail")
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))
	assert.Eventually(func() bool {
		return uut.State() == StateSubscribed
	}, time.Second*2, time.Millisecond*5)

	viewer := hub.Register()
	defer hub.Unregister(viewer)

	observed := time.Date(2022, 3, 8, 9, 0, 0, 0, time.UTC)
	assert.True(fake.deliver(meterPayload(12, observed)))

	// Case 0: the viewer still receives the reading
	ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
	reading, err := viewer.Next(ctxt)
	cancel()
	assert.Nil(err)
	assert.Equal(12.0, reading.EnergyWH)

	// Case 1: nothing persisted and the cache is untouched
	stored, err := store.LatestN(utCtxt, 10)
	assert.Nil(err)
	assert.Empty(stored)
	cached, err := latest.Get(utCtxt)
	assert.Nil(err)
	assert.Nil(cached)
}

func TestIngestorParams(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := storage.NewMemoryStore("ut-ingest-params")
	hub, err := broadcast.GetBroadcaster(4, "ut-ingest-params")
	assert.Nil(err)

	// Case 0: no topic
	{
		params := testParams()
		params.Topic = ""
		_, err := GetIngestor(ctxt, &fakeBroker{}, store, hub, nil, params, "ut")
		assert.NotNil(err)
	}
	// Case 1: bad reconnect
	{
		params := testParams()
		params.Reconnect.Multiplier = 0.5
		_, err := GetIngestor(ctxt, &fakeBroker{}, store, hub, nil, params, "ut")
		assert.NotNil(err)
	}
	// Case 2: bad processing buffer
	{
		params := testParams()
		params.ProcessingBuffer = 0
		_, err := GetIngestor(ctxt, &fakeBroker{}, store, hub, nil, params, "ut")
		assert.NotNil(err)
	}
	// Case 3: state names
	assert.Equal("disconnected", StateDisconnected.String())
	assert.Equal("connecting", StateConnecting.String())
	assert.Equal("subscribed", StateSubscribed.String())
}
