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

// Package query answers historical questions about the stored Readings.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/energymon/cache"
	"github.com/alwitt/energymon/common"
	"github.com/alwitt/energymon/metrics"
	"github.com/alwitt/energymon/storage"
	"github.com/alwitt/energymon/telemetry"
	"github.com/apex/log"
)

// MaxBackfillSize upper bound on the number of Readings sent to a new live viewer
const MaxBackfillSize = 100

// QueryError a request rejected before execution because of invalid parameters
type QueryError struct {
	Reason string
}

// Error implements error
func (e *QueryError) Error() string {
	return e.Reason
}

// DailySummary cumulative energy at the end of the current and previous calendar day
type DailySummary struct {
	// Today energy_wh of the newest Reading observed today, 0 if none
	Today float64 `json:"today"`
	// Yesterday energy_wh of the newest Reading observed yesterday, 0 if none
	Yesterday float64 `json:"yesterday"`
}

// Params query service parameters
type Params struct {
	// MaxRangeHours largest accepted range query
	MaxRangeHours int
	// Location zone defining calendar day boundaries
	Location *time.Location
}

// Service historical query operations
type Service interface {
	// GetRange all Readings observed in the last hours hours, ascending
	GetRange(ctxt context.Context, hours int) ([]telemetry.Reading, error)

	// GetDailySummary the current and previous day energy totals
	GetDailySummary(ctxt context.Context) (DailySummary, error)

	// GetBackfill the newest n Readings, ascending. n is capped at MaxBackfillSize.
	GetBackfill(ctxt context.Context, n int) ([]telemetry.Reading, error)

	// GetLatest the newest Reading, nil if nothing has been ingested
	GetLatest(ctxt context.Context) (*telemetry.Reading, error)
}

// serviceImpl implements Service
type serviceImpl struct {
	common.Component
	store  storage.Store
	latest cache.LatestReadingCache
	params Params
	now    func() time.Time
}

// GetQueryService define a new query Service. latest may be nil.
func GetQueryService(
	store storage.Store, latest cache.LatestReadingCache, params Params, instance string,
) (Service, error) {
	if params.MaxRangeHours < 1 {
		return nil, fmt.Errorf("max range must be at least one hour")
	}
	if params.Location == nil {
		params.Location = time.Local
	}
	logTags := log.Fields{
		"module": "query", "component": "service", "instance": instance,
	}
	return &serviceImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		latest:    latest,
		params:    params,
		now:       time.Now,
	}, nil
}

func (s *serviceImpl) record(kind string, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		if _, ok := err.(*QueryError); ok {
			result = metrics.ResultInvalid
		} else {
			result = metrics.ResultError
		}
	}
	metrics.IncQuery(kind, result)
}

// GetRange all Readings observed in the last hours hours
func (s *serviceImpl) GetRange(ctxt context.Context, hours int) (result []telemetry.Reading, err error) {
	defer func() { s.record("range", err) }()
	logTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	if hours <= 0 {
		return nil, &QueryError{Reason: fmt.Sprintf("hours must be positive, got %d", hours)}
	}
	if hours > s.params.MaxRangeHours {
		return nil, &QueryError{
			Reason: fmt.Sprintf("hours must not exceed %d, got %d", s.params.MaxRangeHours, hours),
		}
	}
	to := s.now()
	from := to.Add(-time.Duration(hours) * time.Hour)
	result, err = s.store.QueryRange(ctxt, from, to)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Range query over last %dh failed", hours)
		return nil, err
	}
	return result, nil
}

// dayStart midnight of the day containing ts offset by days
func dayStart(ts time.Time, days int) time.Time {
	year, month, day := ts.Date()
	return time.Date(year, month, day+days, 0, 0, 0, 0, ts.Location())
}

// newestEnergyIn energy_wh of the newest Reading in [from, to), 0 if none
func (s *serviceImpl) newestEnergyIn(ctxt context.Context, from, to time.Time) (float64, error) {
	reading, err := s.store.LatestBefore(ctxt, to)
	if err != nil {
		return 0, err
	}
	if reading == nil || reading.ObservedAt.Before(from) {
		return 0, nil
	}
	return reading.EnergyWH, nil
}

// GetDailySummary the current and previous day energy totals
func (s *serviceImpl) GetDailySummary(ctxt context.Context) (result DailySummary, err error) {
	defer func() { s.record("summary", err) }()
	logTags, _ := common.UpdateLogTags(ctxt, s.LogTags)

	now := s.now().In(s.params.Location)
	today := dayStart(now, 0)
	yesterday := dayStart(now, -1)

	// Today is open ended so readings stamped ahead of the local clock still count
	newest, err := s.store.LatestN(ctxt, 1)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Today summary lookup failed")
		return DailySummary{}, err
	}
	if len(newest) > 0 && !newest[0].ObservedAt.Before(today) {
		result.Today = newest[0].EnergyWH
	}
	if result.Yesterday, err = s.newestEnergyIn(ctxt, yesterday, today); err != nil {
		log.WithError(err).WithFields(logTags).Error("Yesterday summary lookup failed")
		return DailySummary{}, err
	}
	return result, nil
}

// GetBackfill the newest n Readings, ascending
func (s *serviceImpl) GetBackfill(ctxt context.Context, n int) (result []telemetry.Reading, err error) {
	defer func() { s.record("backfill", err) }()
	logTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	if n < 0 {
		return nil, &QueryError{Reason: fmt.Sprintf("backfill size must not be negative, got %d", n)}
	}
	if n > MaxBackfillSize {
		n = MaxBackfillSize
	}
	if n == 0 {
		return []telemetry.Reading{}, nil
	}
	newestFirst, err := s.store.LatestN(ctxt, n)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Backfill of %d failed", n)
		return nil, err
	}
	result = make([]telemetry.Reading, len(newestFirst))
	for idx, reading := range newestFirst {
		result[len(newestFirst)-1-idx] = reading
	}
	return result, nil
}

// GetLatest the newest Reading
func (s *serviceImpl) GetLatest(ctxt context.Context) (result *telemetry.Reading, err error) {
	defer func() { s.record("latest", err) }()
	logTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	if s.latest != nil {
		cached, err := s.latest.Get(ctxt)
		if err != nil {
			log.WithError(err).WithFields(logTags).Warn("Latest reading cache unavailable")
		} else if cached != nil {
			return cached, nil
		}
	}
	newest, err := s.store.LatestN(ctxt, 1)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Latest reading lookup failed")
		return nil, err
	}
	if len(newest) == 0 {
		return nil, nil
	}
	return &newest[0], nil
}
