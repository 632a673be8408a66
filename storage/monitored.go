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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/energymon/common"
	"github.com/alwitt/energymon/metrics"
	"github.com/alwitt/energymon/telemetry"
	"github.com/apex/log"
)

// StoreStatus health of the store as last observed
type StoreStatus struct {
	Healthy     bool      `json:"healthy"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// MonitoredStore wraps a Store to bound every call with a timeout, record metrics, and
// track write failures for health reporting.
//
// A failed Append marks the store unhealthy. A later successful Append or probe clears it.
type MonitoredStore struct {
	common.Component
	backend   Store
	opTimeout time.Duration
	lock      sync.RWMutex
	status    StoreStatus
	prober    common.IntervalTimer
}

// NewMonitoredStore define a new MonitoredStore
func NewMonitoredStore(backend Store, opTimeout time.Duration, instance string) *MonitoredStore {
	logTags := log.Fields{
		"module": "storage", "component": "monitored-store", "instance": instance,
	}
	return &MonitoredStore{
		Component: common.Component{LogTags: logTags},
		backend:   backend,
		opTimeout: opTimeout,
		status:    StoreStatus{Healthy: true},
	}
}

func (s *MonitoredStore) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout > 0 {
		return context.WithTimeout(ctx, s.opTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *MonitoredStore) observe(operation string, start time.Time, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveStoreOperation(operation, result, time.Since(start))
}

func (s *MonitoredStore) markFailed(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.status = StoreStatus{Healthy: false, LastError: err.Error(), LastErrorAt: time.Now().UTC()}
	metrics.SetStoreHealthy(false)
}

func (s *MonitoredStore) markHealthy() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.status.Healthy {
		log.WithFields(s.LogTags).Info("Store recovered")
	}
	s.status = StoreStatus{Healthy: true}
	metrics.SetStoreHealthy(true)
}

// Status the current store health
func (s *MonitoredStore) Status() StoreStatus {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.status
}

// Append writes one Reading. A failure is returned as *StoreWriteError.
func (s *MonitoredStore) Append(ctx context.Context, reading telemetry.Reading) error {
	callCtxt, cancel := s.callContext(ctx)
	defer cancel()
	start := time.Now()
	err := s.backend.Append(callCtxt, reading)
	s.observe("append", start, err)
	if err != nil {
		s.markFailed(err)
		return &StoreWriteError{Reading: reading, Cause: err}
	}
	s.markHealthy()
	return nil
}

// QueryRange all Readings with from <= ObservedAt <= to, ascending
func (s *MonitoredStore) QueryRange(
	ctx context.Context, from, to time.Time,
) ([]telemetry.Reading, error) {
	callCtxt, cancel := s.callContext(ctx)
	defer cancel()
	start := time.Now()
	result, err := s.backend.QueryRange(callCtxt, from, to)
	s.observe("query_range", start, err)
	return result, err
}

// LatestBefore the newest Reading with ObservedAt < ts, nil if none
func (s *MonitoredStore) LatestBefore(
	ctx context.Context, ts time.Time,
) (*telemetry.Reading, error) {
	callCtxt, cancel := s.callContext(ctx)
	defer cancel()
	start := time.Now()
	result, err := s.backend.LatestBefore(callCtxt, ts)
	s.observe("latest_before", start, err)
	return result, err
}

// LatestN the newest n Readings, newest first
func (s *MonitoredStore) LatestN(ctx context.Context, n int) ([]telemetry.Reading, error) {
	callCtxt, cancel := s.callContext(ctx)
	defer cancel()
	start := time.Now()
	result, err := s.backend.LatestN(callCtxt, n)
	s.observe("latest_n", start, err)
	return result, err
}

// Ping checks the backing storage is reachable, updating the health status
func (s *MonitoredStore) Ping(ctx context.Context) error {
	callCtxt, cancel := s.callContext(ctx)
	defer cancel()
	start := time.Now()
	err := s.backend.Ping(callCtxt)
	s.observe("ping", start, err)
	if err != nil {
		s.markFailed(err)
		return err
	}
	s.markHealthy()
	return nil
}

// StartProbe periodically Ping the backing storage until the context ends
func (s *MonitoredStore) StartProbe(
	ctx context.Context, interval time.Duration, wg *sync.WaitGroup,
) error {
	prober, err := common.GetIntervalTimerInstance("store-probe", ctx, wg)
	if err != nil {
		return err
	}
	if err := prober.Start(interval, func() error {
		if err := s.Ping(ctx); err != nil {
			return fmt.Errorf("store probe: %w", err)
		}
		return nil
	}, false); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start store probe")
		return err
	}
	s.prober = prober
	return nil
}

// Close stop the probe and release the backing storage
func (s *MonitoredStore) Close() {
	if s.prober != nil {
		_ = s.prober.Stop()
	}
	s.backend.Close()
}
