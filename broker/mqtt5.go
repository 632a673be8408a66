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
	"net"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/alwitt/energymon/common"
	"github.com/apex/log"
	"github.com/eclipse/paho.golang/paho"
)

// mqtt5Client MQTT 5 broker client
type mqtt5Client struct {
	common.Component
	params  ConnectParams
	lock    sync.Mutex
	client  *paho.Client
	router  *paho.StandardRouter
	closing *atomic.Bool
}

// GetMQTT5Client define a new MQTT 5 broker client
func GetMQTT5Client(params ConnectParams) Client {
	logTags := log.Fields{
		"module": "broker", "component": "mqtt5-client", "instance": params.ServerURI,
	}
	return &mqtt5Client{Component: common.Component{LogTags: logTags}, params: params}
}

// dialBroker open the TCP transport to the broker
func dialBroker(ctxt context.Context, serverURI string, params ConnectParams) (net.Conn, error) {
	parsed, err := url.Parse(serverURI)
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "tcp", "mqtt":
	default:
		return nil, fmt.Errorf("unsupported MQTT 5 URI scheme '%s'", parsed.Scheme)
	}
	host := parsed.Host
	if parsed.Port() == "" {
		host = net.JoinHostPort(parsed.Hostname(), "1883")
	}
	dialer := net.Dialer{Timeout: params.ConnectTimeout}
	return dialer.DialContext(ctxt, "tcp", host)
}

// Connect establish a session with the broker
func (c *mqtt5Client) Connect(ctxt context.Context, onLost ConnectionLostHandler) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.client != nil {
		return fmt.Errorf("session already active")
	}
	if c.params.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctxt, cancel = context.WithTimeout(ctxt, c.params.ConnectTimeout)
		defer cancel()
	}

	conn, err := dialBroker(ctxt, c.params.ServerURI, c.params)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("MQTT 5 transport dial failed")
		return err
	}

	reportOnce := sync.Once{}
	closing := &atomic.Bool{}
	reportLost := func(err error) {
		if closing.Load() {
			return
		}
		reportOnce.Do(func() { onLost(err) })
	}
	// Messages are dispatched through the router installed at connect time
	router := paho.NewStandardRouter()
	client := paho.NewClient(paho.ClientConfig{
		ClientID: c.params.ClientID,
		Conn:     conn,
		Router:   router,
		OnClientError: func(err error) {
			log.WithError(err).WithFields(c.LogTags).Error("MQTT 5 client error")
			reportLost(err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			reason := fmt.Sprintf("reason code %d", d.ReasonCode)
			if d.Properties != nil && d.Properties.ReasonString != "" {
				reason = d.Properties.ReasonString
			}
			log.WithFields(c.LogTags).Errorf("MQTT 5 server requested disconnect: %s", reason)
			reportLost(fmt.Errorf("server disconnect: %s", reason))
		},
	})

	connect := &paho.Connect{
		ClientID:   c.params.ClientID,
		KeepAlive:  30,
		CleanStart: true,
	}
	if c.params.Username != "" {
		connect.Username = c.params.Username
		connect.UsernameFlag = true
		connect.Password = []byte(c.params.Password)
		connect.PasswordFlag = true
	}
	ack, err := client.Connect(ctxt, connect)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("MQTT 5 connect failed")
		_ = conn.Close()
		return err
	}
	if ack.ReasonCode != 0 {
		err := fmt.Errorf("connect refused with reason code %d", ack.ReasonCode)
		log.WithError(err).WithFields(c.LogTags).Error("MQTT 5 connect failed")
		_ = conn.Close()
		return err
	}
	c.client = client
	c.router = router
	c.closing = closing
	log.WithFields(c.LogTags).Info("Connected to MQTT 5 broker")
	return nil
}

// Subscribe subscribe to a topic on the current session
func (c *mqtt5Client) Subscribe(
	ctxt context.Context, topic string, handler MessageHandler,
) error {
	c.lock.Lock()
	client := c.client
	router := c.router
	c.lock.Unlock()
	if client == nil {
		return fmt.Errorf("no active session")
	}
	router.RegisterHandler(topic, func(msg *paho.Publish) {
		handler(msg.Topic, msg.Payload)
	})
	ack, err := client.Subscribe(ctxt, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: c.params.QoS}},
	})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("MQTT 5 subscribe to '%s' failed", topic)
		return err
	}
	for _, reason := range ack.Reasons {
		// Codes above 2 are failures; 0-2 is the granted QoS
		if reason > 2 {
			err := fmt.Errorf("subscribe refused with reason code %d", reason)
			log.WithError(err).WithFields(c.LogTags).Errorf("MQTT 5 subscribe to '%s' failed", topic)
			return err
		}
	}
	log.WithFields(c.LogTags).Infof("Subscribed to '%s'", topic)
	return nil
}

// Disconnect end the current session
func (c *mqtt5Client) Disconnect() {
	c.lock.Lock()
	client := c.client
	closing := c.closing
	c.client = nil
	c.router = nil
	c.closing = nil
	c.lock.Unlock()
	if client == nil {
		return
	}
	closing.Store(true)
	if err := client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("MQTT 5 disconnect reported error")
	}
	log.WithFields(c.LogTags).Info("Disconnected from MQTT 5 broker")
}
