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
	"sync/atomic"

	"github.com/alwitt/energymon/common"
	"github.com/apex/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mqttClient MQTT 3.1.1 broker client
type mqttClient struct {
	common.Component
	params  ConnectParams
	lock    sync.Mutex
	client  mqtt.Client
	closing *atomic.Bool
}

// GetMQTTClient define a new MQTT 3.1.1 broker client
func GetMQTTClient(params ConnectParams) Client {
	logTags := log.Fields{
		"module": "broker", "component": "mqtt-client", "instance": params.ServerURI,
	}
	return &mqttClient{Component: common.Component{LogTags: logTags}, params: params}
}

// waitToken wait for the token to complete or the context to end
func waitToken(ctxt context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// Connect establish a session with the broker
func (c *mqttClient) Connect(ctxt context.Context, onLost ConnectionLostHandler) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.client != nil {
		return fmt.Errorf("session already active")
	}
	reportOnce := sync.Once{}
	closing := &atomic.Bool{}
	opts := mqtt.NewClientOptions().
		AddBroker(c.params.ServerURI).
		SetClientID(c.params.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if closing.Load() {
				return
			}
			log.WithError(err).WithFields(c.LogTags).Error("MQTT connection lost")
			reportOnce.Do(func() { onLost(err) })
		})
	if c.params.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.params.ConnectTimeout)
	}
	if c.params.Username != "" {
		opts.SetUsername(c.params.Username)
		opts.SetPassword(c.params.Password)
	}
	client := mqtt.NewClient(opts)
	if err := waitToken(ctxt, client.Connect()); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("MQTT connect failed")
		client.Disconnect(0)
		return err
	}
	c.client = client
	c.closing = closing
	log.WithFields(c.LogTags).Info("Connected to MQTT broker")
	return nil
}

// Subscribe subscribe to a topic on the current session
func (c *mqttClient) Subscribe(
	ctxt context.Context, topic string, handler MessageHandler,
) error {
	c.lock.Lock()
	client := c.client
	c.lock.Unlock()
	if client == nil {
		return fmt.Errorf("no active session")
	}
	token := client.Subscribe(topic, c.params.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if err := waitToken(ctxt, token); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("MQTT subscribe to '%s' failed", topic)
		return err
	}
	log.WithFields(c.LogTags).Infof("Subscribed to '%s'", topic)
	return nil
}

// Disconnect end the current session
func (c *mqttClient) Disconnect() {
	c.lock.Lock()
	client := c.client
	closing := c.closing
	c.client = nil
	c.closing = nil
	c.lock.Unlock()
	if client == nil {
		return
	}
	closing.Store(true)
	client.Disconnect(250)
	log.WithFields(c.LogTags).Info("Disconnected from MQTT broker")
}
