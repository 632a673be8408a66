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

// Package metrics holds the prometheus collectors of the pipeline. Every helper is a no-op
// until Init is called.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "energymon_"

// Result labels
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultInvalid = "invalid"
)

// Ingest outcome labels
const (
	IngestStored      = "stored"
	IngestStoreFailed = "store_failed"
	IngestDecodeError = "decode_error"
)

// Broker session failure labels
const (
	BrokerConnectFailed   = "connect_failed"
	BrokerSubscribeFailed = "subscribe_failed"
	BrokerSessionLost     = "session_lost"
)

var (
	registerOnce sync.Once

	ingestMessages    *prometheus.CounterVec
	ingestLatency     prometheus.Histogram
	brokerState       prometheus.Gauge
	brokerFailures    *prometheus.CounterVec
	storeOperations   *prometheus.HistogramVec
	storeHealthy      prometheus.Gauge
	liveSubscribers   prometheus.Gauge
	droppedDeliveries prometheus.Counter
	queryRequests     *prometheus.CounterVec
)

// Init defines and registers the collectors
func Init(registerer prometheus.Registerer) {
	registerOnce.Do(func() {
		ingestMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_messages_total",
				Help: "Broker messages processed by outcome",
			},
			[]string{"outcome"},
		)
		ingestLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Time from message receipt to live publish",
				Buckets: prometheus.DefBuckets,
			},
		)
		brokerState = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "broker_state",
				Help: "Broker connection state: 0 disconnected, 1 connecting, 2 subscribed",
			},
		)
		brokerFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "broker_session_failures_total",
				Help: "Broker sessions that could not be established or were lost, by reason",
			},
			[]string{"reason"},
		)
		storeOperations = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "store_operation_seconds",
				Help:    "Reading store operation latency by operation and result",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "result"},
		)
		storeHealthy = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "store_healthy",
				Help: "1 when the last store write or probe succeeded",
			},
		)
		liveSubscribers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "live_subscribers",
				Help: "Currently connected live viewers",
			},
		)
		droppedDeliveries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "live_dropped_readings_total",
				Help: "Readings evicted from a slow viewer's buffer",
			},
		)
		queryRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "query_requests_total",
				Help: "Historical queries by kind and result",
			},
			[]string{"kind", "result"},
		)

		registerer.MustRegister(
			ingestMessages,
			ingestLatency,
			brokerState,
			brokerFailures,
			storeOperations,
			storeHealthy,
			liveSubscribers,
			droppedDeliveries,
			queryRequests,
		)
		storeHealthy.Set(1)
	})
}

// IncIngest counts one processed broker message
func IncIngest(outcome string) {
	if ingestMessages != nil {
		ingestMessages.WithLabelValues(outcome).Inc()
	}
}

// ObserveIngestLatency records receipt to publish latency
func ObserveIngestLatency(duration time.Duration) {
	if ingestLatency != nil {
		ingestLatency.Observe(duration.Seconds())
	}
}

// SetBrokerState records the broker connection state
func SetBrokerState(state int) {
	if brokerState != nil {
		brokerState.Set(float64(state))
	}
}

// IncBrokerSessionFailure counts one broker session that failed for the given reason
func IncBrokerSessionFailure(reason string) {
	if brokerFailures != nil {
		brokerFailures.WithLabelValues(reason).Inc()
	}
}

// ObserveStoreOperation records one store call
func ObserveStoreOperation(operation, result string, duration time.Duration) {
	if storeOperations != nil {
		storeOperations.WithLabelValues(operation, result).Observe(duration.Seconds())
	}
}

// SetStoreHealthy records the store health
func SetStoreHealthy(healthy bool) {
	if storeHealthy != nil {
		if healthy {
			storeHealthy.Set(1)
		} else {
			storeHealthy.Set(0)
		}
	}
}

// SetLiveSubscribers records the number of live viewers
func SetLiveSubscribers(count int) {
	if liveSubscribers != nil {
		liveSubscribers.Set(float64(count))
	}
}

// IncDroppedDelivery counts one reading evicted from a viewer buffer
func IncDroppedDelivery() {
	if droppedDeliveries != nil {
		droppedDeliveries.Inc()
	}
}

// IncQuery counts one historical query
func IncQuery(kind, result string) {
	if queryRequests != nil {
		queryRequests.WithLabelValues(kind, result).Inc()
	}
}
