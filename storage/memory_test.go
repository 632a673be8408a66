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
	"testing"
	"time"

	"github.com/alwitt/energymon/telemetry"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// readingAt helper to build a reading observed at a fixed time
func readingAt(ts time.Time, energy float64) telemetry.Reading {
	return telemetry.Reading{
		Voltage: 230, CurrentMA: 500, PowerW: 115, EnergyWH: energy, ObservedAt: ts,
	}
}

// verifyStoreBehavior exercise the Store contract. The store must start empty.
func verifyStoreBehavior(t *testing.T, uut Store) {
	assert := assert.New(t)
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	base := time.Date(2022, 3, 8, 8, 0, 0, 0, time.UTC)

	// Case 0: empty store
	{
		result, err := uut.QueryRange(ctxt, base.Add(-time.Hour), base.Add(time.Hour))
		assert.Nil(err)
		assert.NotNil(result)
		assert.Empty(result)
		latest, err := uut.LatestBefore(ctxt, base)
		assert.Nil(err)
		assert.Nil(latest)
		recent, err := uut.LatestN(ctxt, 10)
		assert.Nil(err)
		assert.Empty(recent)
	}

	// Case 1: append then read back exactly once
	{
		assert.Nil(uut.Append(ctxt, readingAt(base, 5)))
		result, err := uut.QueryRange(ctxt, base, base)
		assert.Nil(err)
		assert.Len(result, 1)
		assert.Equal(5.0, result[0].EnergyWH)
		assert.True(base.Equal(result[0].ObservedAt))
	}

	// Case 2: out of order appends are returned ordered, ties in insertion order
	{
		assert.Nil(uut.Append(ctxt, readingAt(base.Add(time.Minute*2), 8)))
		assert.Nil(uut.Append(ctxt, readingAt(base.Add(time.Minute), 6)))
		assert.Nil(uut.Append(ctxt, readingAt(base.Add(time.Minute), 7)))
		result, err := uut.QueryRange(ctxt, base, base.Add(time.Minute*2))
		assert.Nil(err)
		assert.Len(result, 4)
		energies := []float64{}
		for idx, r := range result {
			energies = append(energies, r.EnergyWH)
			if idx > 0 {
				assert.False(r.ObservedAt.Before(result[idx-1].ObservedAt))
			}
		}
		assert.Equal([]float64{5, 6, 7, 8}, energies)
	}

	// Case 3: range bounds are inclusive and nothing outside is returned
	{
		result, err := uut.QueryRange(ctxt, base.Add(time.Minute), base.Add(time.Minute))
		assert.Nil(err)
		assert.Len(result, 2)
		for _, r := range result {
			assert.True(base.Add(time.Minute).Equal(r.ObservedAt))
		}
		result, err = uut.QueryRange(ctxt, base.Add(time.Second), base.Add(time.Second*30))
		assert.Nil(err)
		assert.Empty(result)
		// inverted range
		result, err = uut.QueryRange(ctxt, base.Add(time.Hour), base)
		assert.Nil(err)
		assert.Empty(result)
	}

	// Case 4: latest before a timestamp is strict
	{
		latest, err := uut.LatestBefore(ctxt, base.Add(time.Minute*2))
		assert.Nil(err)
		assert.NotNil(latest)
		assert.Equal(7.0, latest.EnergyWH)
		latest, err = uut.LatestBefore(ctxt, base)
		assert.Nil(err)
		assert.Nil(latest)
		latest, err = uut.LatestBefore(ctxt, base.Add(time.Hour))
		assert.Nil(err)
		assert.NotNil(latest)
		assert.Equal(8.0, latest.EnergyWH)
	}

	// Case 5: latest N is newest first
	{
		recent, err := uut.LatestN(ctxt, 3)
		assert.Nil(err)
		assert.Len(recent, 3)
		assert.Equal(8.0, recent[0].EnergyWH)
		assert.Equal(7.0, recent[1].EnergyWH)
		assert.Equal(6.0, recent[2].EnergyWH)
		recent, err = uut.LatestN(ctxt, 100)
		assert.Nil(err)
		assert.Len(recent, 4)
		recent, err = uut.LatestN(ctxt, 0)
		assert.Nil(err)
		assert.Empty(recent)
	}

	// Case 6: duplicates are kept
	{
		assert.Nil(uut.Append(ctxt, readingAt(base, 5)))
		result, err := uut.QueryRange(ctxt, base, base)
		assert.Nil(err)
		assert.Len(result, 2)
	}

	assert.Nil(uut.Ping(ctxt))
}

func TestMemoryStore(t *testing.T) {
	log.SetLevel(log.DebugLevel)
	uut := NewMemoryStore("ut-memory-store")
	defer uut.Close()
	verifyStoreBehavior(t, uut)
}
