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

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectors(t *testing.T) {
	assert := assert.New(t)

	// Case 0: helpers are safe before Init
	{
		IncIngest(IngestStored)
		SetStoreHealthy(false)
		ObserveStoreOperation("append", ResultSuccess, time.Millisecond)
	}

	registry := prometheus.NewRegistry()
	Init(registry)

	// Case 1: counters move
	{
		IncIngest(IngestStored)
		IncIngest(IngestStored)
		IncIngest(IngestDecodeError)
		assert.Equal(2.0, testutil.ToFloat64(ingestMessages.WithLabelValues(IngestStored)))
		assert.Equal(1.0, testutil.ToFloat64(ingestMessages.WithLabelValues(IngestDecodeError)))
	}

	// Case 2: gauges
	{
		SetLiveSubscribers(3)
		assert.Equal(3.0, testutil.ToFloat64(liveSubscribers))
		SetStoreHealthy(false)
		assert.Equal(0.0, testutil.ToFloat64(storeHealthy))
		SetStoreHealthy(true)
		assert.Equal(1.0, testutil.ToFloat64(storeHealthy))
		SetBrokerState(2)
		assert.Equal(2.0, testutil.ToFloat64(brokerState))
	}

	// Case 3: broker session failures by reason
	{
		IncBrokerSessionFailure(BrokerConnectFailed)
		IncBrokerSessionFailure(BrokerConnectFailed)
		IncBrokerSessionFailure(BrokerSessionLost)
		assert.Equal(2.0, testutil.ToFloat64(brokerFailures.WithLabelValues(BrokerConnectFailed)))
		assert.Equal(1.0, testutil.ToFloat64(brokerFailures.WithLabelValues(BrokerSessionLost)))
		assert.Equal(0.0, testutil.ToFloat64(brokerFailures.WithLabelValues(BrokerSubscribeFailed)))
	}

	// Case 4: everything is registered
	{
		families, err := registry.Gather()
		assert.Nil(err)
		assert.NotEmpty(families)
	}
}
