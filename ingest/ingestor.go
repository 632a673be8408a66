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

// Package ingest connects to the broker and turns meter payloads into stored, broadcast
// Readings.
package ingest

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/energymon/broadcast"
	"github.com/alwitt/energymon/broker"
	"github.com/alwitt/energymon/cache"
	"github.com/alwitt/energymon/common"
	"github.com/alwitt/energymon/metrics"
	"github.com/alwitt/energymon/storage"
	"github.com/alwitt/energymon/telemetry"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v5"
)

// State broker session state
type State int32

// Broker session states
const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ReconnectParams reconnect backoff parameters
type ReconnectParams struct {
	// InitialInterval wait before the first reconnect attempt
	InitialInterval time.Duration
	// MaxInterval upper bound on the wait between attempts
	MaxInterval time.Duration
	// Multiplier wait growth factor after each failed attempt
	Multiplier float64
}

// Params ingestor parameters
type Params struct {
	// Topic sensor feed topic
	Topic string
	// ProcessingBuffer number of received messages queued for processing
	ProcessingBuffer int
	// Reconnect backoff parameters
	Reconnect ReconnectParams
}

// Ingestor maintains the broker subscription and processes every received message
type Ingestor interface {
	// Start begin connecting and processing. Runs until the context given at creation ends.
	Start(wg *sync.WaitGroup) error

	// State current broker session state
	State() State
}

// inboundMessage one message received from the broker
type inboundMessage struct {
	topic      string
	payload    []byte
	receivedAt time.Time
}

// ingestorImpl implements Ingestor
type ingestorImpl struct {
	common.Component
	params    Params
	client    broker.Client
	store     storage.Store
	hub       broadcast.Broadcaster
	latest    cache.LatestReadingCache
	decoder   *telemetry.Decoder
	processor common.TaskProcessor
	state     atomic.Int32
	ctxt      context.Context
	now       func() time.Time
}

// GetIngestor define a new Ingestor. latest may be nil when no latest value cache is used.
func GetIngestor(
	ctxt context.Context,
	client broker.Client,
	store storage.Store,
	hub broadcast.Broadcaster,
	latest cache.LatestReadingCache,
	params Params,
	instance string,
) (Ingestor, error) {
	if params.Topic == "" {
		return nil, fmt.Errorf("no broker topic given")
	}
	if params.Reconnect.InitialInterval <= 0 || params.Reconnect.MaxInterval <= 0 {
		return nil, fmt.Errorf("reconnect intervals must be positive")
	}
	if params.Reconnect.Multiplier < 1 {
		return nil, fmt.Errorf("reconnect multiplier must be at least 1")
	}
	logTags := log.Fields{
		"module": "ingest", "component": "ingestor", "instance": instance,
	}
	processor, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("%s-processor", instance), params.ProcessingBuffer, ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instanceObj := &ingestorImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		client:    client,
		store:     store,
		hub:       hub,
		latest:    latest,
		decoder:   telemetry.NewDecoder(),
		processor: processor,
		ctxt:      ctxt,
		now:       time.Now,
	}
	if err := processor.AddToTaskExecutionMap(
		reflect.TypeOf(inboundMessage{}), instanceObj.processMessage,
	); err != nil {
		return nil, err
	}
	instanceObj.setState(StateDisconnected)
	return instanceObj, nil
}

// State current broker session state
func (i *ingestorImpl) State() State {
	return State(i.state.Load())
}

func (i *ingestorImpl) setState(state State) {
	i.state.Store(int32(state))
	metrics.SetBrokerState(int(state))
}

// Start begin connecting and processing
func (i *ingestorImpl) Start(wg *sync.WaitGroup) error {
	if err := i.processor.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(i.LogTags).Error("Failed to start processing loop")
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		i.maintainSession()
	}()
	return nil
}

// ==============================================================================
// Broker session

// maintainSession keep the broker subscription alive until the context ends
func (i *ingestorImpl) maintainSession() {
	defer log.WithFields(i.LogTags).Info("Broker session loop exiting")
	defer i.setState(StateDisconnected)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = i.params.Reconnect.InitialInterval
	retry.MaxInterval = i.params.Reconnect.MaxInterval
	retry.Multiplier = i.params.Reconnect.Multiplier
	retry.Reset()

	for {
		if i.ctxt.Err() != nil {
			return
		}
		sessionErr := i.runSession(retry)
		if i.ctxt.Err() != nil {
			return
		}
		i.setState(StateDisconnected)
		wait := retry.NextBackOff()
		log.WithError(sessionErr).WithFields(i.LogTags).Errorf(
			"Broker session unavailable, retrying in %s", wait,
		)
		select {
		case <-i.ctxt.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runSession connect, subscribe, then block until the session is lost or the context ends
func (i *ingestorImpl) runSession(retry *backoff.ExponentialBackOff) error {
	i.setState(StateConnecting)
	lost := make(chan error, 1)
	onLost := func(err error) {
		select {
		case lost <- err:
		default:
		}
	}
	if err := i.client.Connect(i.ctxt, onLost); err != nil {
		if i.ctxt.Err() == nil {
			metrics.IncBrokerSessionFailure(metrics.BrokerConnectFailed)
		}
		return err
	}
	defer i.client.Disconnect()
	if err := i.client.Subscribe(i.ctxt, i.params.Topic, i.onMessage); err != nil {
		if i.ctxt.Err() == nil {
			metrics.IncBrokerSessionFailure(metrics.BrokerSubscribeFailed)
		}
		return err
	}
	i.setState(StateSubscribed)
	retry.Reset()
	log.WithFields(i.LogTags).Infof("Subscribed to sensor feed '%s'", i.params.Topic)

	select {
	case <-i.ctxt.Done():
		return i.ctxt.Err()
	case err := <-lost:
		metrics.IncBrokerSessionFailure(metrics.BrokerSessionLost)
		if err == nil {
			err = fmt.Errorf("broker session lost")
		}
		return err
	}
}

// onMessage broker delivery callback
func (i *ingestorImpl) onMessage(topic string, payload []byte) {
	msg := inboundMessage{topic: topic, payload: payload, receivedAt: i.now()}
	if err := i.processor.Submit(i.ctxt, msg); err != nil {
		log.WithError(err).WithFields(i.LogTags).Debug("Unable to queue received message")
	}
}

// ==============================================================================
// Message processing

// processMessage decode, store, then broadcast one message
func (i *ingestorImpl) processMessage(param interface{}) error {
	msg, ok := param.(inboundMessage)
	if !ok {
		return fmt.Errorf("unexpected task param type %s", reflect.TypeOf(param))
	}

	reading, err := i.decoder.Decode(msg.payload, msg.receivedAt)
	if err != nil {
		log.WithError(err).WithFields(i.LogTags).Errorf(
			"Discarding malformed message from '%s'", msg.topic,
		)
		metrics.IncIngest(metrics.IngestDecodeError)
		return nil
	}

	if err := i.store.Append(i.ctxt, reading); err != nil {
		log.WithError(err).WithFields(i.LogTags).Errorf("Failed to store %s", reading)
		metrics.IncIngest(metrics.IngestStoreFailed)
	} else {
		metrics.IncIngest(metrics.IngestStored)
		if i.latest != nil {
			if err := i.latest.Put(i.ctxt, reading); err != nil {
				log.WithError(err).WithFields(i.LogTags).Warn("Failed to update latest reading cache")
			}
		}
	}

	// Live viewers are updated even when persistence failed
	i.hub.Publish(reading)
	metrics.ObserveIngestLatency(i.now().Sub(msg.receivedAt))
	return nil
}
