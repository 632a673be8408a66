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

package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/energymon/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestGetClient(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	params := ConnectParams{
		ServerURI: "tcp://127.0.0.1:1883", ClientID: "testing", QoS: 1, ConnectTimeout: time.Second,
	}

	// Case 0: supported drivers
	for _, driver := range []string{DriverMQTT, DriverMQTT5, DriverNATS} {
		client, err := GetClient(driver, params)
		assert.Nil(err)
		assert.NotNil(client)
	}

	// Case 1: unknown driver
	_, err := GetClient("kafka", params)
	assert.NotNil(err)

	// Case 2: subscribe without a session
	for _, driver := range []string{DriverMQTT, DriverMQTT5, DriverNATS} {
		client, err := GetClient(driver, params)
		assert.Nil(err)
		assert.NotNil(client.Subscribe(context.Background(), "topic", func(string, []byte) {}))
		// Disconnect without a session is a no-op
		client.Disconnect()
	}

	// Case 3: MQTT 5 transport only accepts TCP URIs
	{
		_, err := dialBroker(context.Background(), "ws://127.0.0.1:1883", params)
		assert.NotNil(err)
	}
}

func TestNATSClientSubscribe(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	serverURI := common.GetUnitTestNatsURI()
	if serverURI == "" {
		t.Skip("UNITTEST_NATS_URI not set")
	}

	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer utCtxtCancel()

	uut := GetNATSClient(ConnectParams{
		ServerURI: serverURI, ClientID: "ut-nats-client", ConnectTimeout: time.Second,
	})

	lost := make(chan error, 1)
	assert.Nil(uut.Connect(utCtxt, func(err error) { lost <- err }))

	// Case 0: double connect rejected
	assert.NotNil(uut.Connect(utCtxt, func(err error) {}))

	subject := fmt.Sprintf("ut.energy.%s", uuid.New().String())
	lock := sync.Mutex{}
	received := []string{}
	rxSignal := make(chan struct{}, 10)
	assert.Nil(uut.Subscribe(utCtxt, subject, func(topic string, payload []byte) {
		lock.Lock()
		defer lock.Unlock()
		assert.Equal(subject, topic)
		received = append(received, string(payload))
		rxSignal <- struct{}{}
	}))

	// Case 1: messages published by another client arrive in order
	publisher, err := nats.Connect(serverURI)
	assert.Nil(err)
	defer publisher.Close()
	for idx := 0; idx < 3; idx++ {
		assert.Nil(publisher.Publish(subject, []byte(fmt.Sprintf(`{"energy":%d}`, idx))))
	}
	assert.Nil(publisher.Flush())
	for idx := 0; idx < 3; idx++ {
		select {
		case <-rxSignal:
		case <-utCtxt.Done():
			assert.FailNow("timed out waiting for messages")
		}
	}
	lock.Lock()
	assert.Equal([]string{`{"energy":0}`, `{"energy":1}`, `{"energy":2}`}, received)
	lock.Unlock()

	// Case 2: a deliberate disconnect is not reported as a lost session
	uut.Disconnect()
	select {
	case err := <-lost:
		assert.Failf("unexpected lost callback", "%v", err)
	case <-time.After(time.Millisecond * 200):
	}

	// Case 3: a new session can be started after disconnect
	assert.Nil(uut.Connect(utCtxt, func(err error) {}))
	uut.Disconnect()
}
