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
	"time"

	"github.com/alwitt/energymon/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// natsClient NATS core broker client
type natsClient struct {
	common.Component
	params  ConnectParams
	lock    sync.Mutex
	nc      *nats.Conn
	subs    []*nats.Subscription
	closing *atomic.Bool
}

// GetNATSClient define a new NATS broker client
func GetNATSClient(params ConnectParams) Client {
	logTags := log.Fields{
		"module": "broker", "component": "nats-client", "instance": params.ServerURI,
	}
	return &natsClient{Component: common.Component{LogTags: logTags}, params: params}
}

// Connect establish a session with the broker
func (c *natsClient) Connect(ctxt context.Context, onLost ConnectionLostHandler) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.nc != nil {
		return fmt.Errorf("session already active")
	}
	if err := ctxt.Err(); err != nil {
		return err
	}
	reportOnce := sync.Once{}
	closing := &atomic.Bool{}
	options := []nats.Option{
		nats.Name(c.params.ClientID),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if closing.Load() {
				return
			}
			if err == nil {
				err = fmt.Errorf("connection closed by server")
			}
			log.WithError(err).WithFields(c.LogTags).Error("NATS connection lost")
			reportOnce.Do(func() { onLost(err) })
		}),
	}
	if c.params.ConnectTimeout > 0 {
		options = append(options, nats.Timeout(c.params.ConnectTimeout))
	}
	if c.params.Username != "" {
		options = append(options, nats.UserInfo(c.params.Username, c.params.Password))
	}
	nc, err := nats.Connect(c.params.ServerURI, options...)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("NATS client connect failed")
		return err
	}
	c.nc = nc
	c.closing = closing
	c.subs = nil
	log.WithFields(c.LogTags).Info("Connected to NATS server")
	return nil
}

// Subscribe subscribe to a subject on the current session
func (c *natsClient) Subscribe(
	ctxt context.Context, topic string, handler MessageHandler,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.nc == nil {
		return fmt.Errorf("no active session")
	}
	sub, err := c.nc.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS subscribe to '%s' failed", topic)
		return err
	}
	// Round trip to confirm the server registered the subscription
	flushTimeout := c.params.ConnectTimeout
	if flushTimeout <= 0 {
		flushTimeout = time.Second * 5
	}
	flushCtxt, cancel := context.WithTimeout(ctxt, flushTimeout)
	defer cancel()
	if err := c.nc.FlushWithContext(flushCtxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS subscribe to '%s' failed", topic)
		_ = sub.Unsubscribe()
		return err
	}
	c.subs = append(c.subs, sub)
	log.WithFields(c.LogTags).Infof("Subscribed to '%s'", topic)
	return nil
}

// Disconnect end the current session
func (c *natsClient) Disconnect() {
	c.lock.Lock()
	nc := c.nc
	closing := c.closing
	subs := c.subs
	c.nc = nil
	c.closing = nil
	c.subs = nil
	c.lock.Unlock()
	if nc == nil {
		return
	}
	closing.Store(true)
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("NATS unsubscribe failed")
		}
	}
	nc.Close()
	log.WithFields(c.LogTags).Info("Closed NATS client")
}
