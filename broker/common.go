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

// Package broker wraps the message broker clients delivering raw meter payloads.
package broker

import (
	"context"
	"fmt"
	"time"
)

// MessageHandler callback invoked for each message received on the subscribed topic
type MessageHandler func(topic string, payload []byte)

// ConnectionLostHandler callback invoked once when an established session is lost
type ConnectionLostHandler func(err error)

// Client broker session operated by the ingestor. Each Connect starts a fresh session;
// the client does not reconnect on its own.
type Client interface {
	// Connect establish a session with the broker. onLost is called at most once if the
	// session later drops.
	Connect(ctxt context.Context, onLost ConnectionLostHandler) error

	// Subscribe subscribe to a topic on the current session
	Subscribe(ctxt context.Context, topic string, handler MessageHandler) error

	// Disconnect end the current session. Does not invoke the onLost callback.
	Disconnect()
}

// ConnectParams broker connection parameters
type ConnectParams struct {
	// ServerURI the broker URI
	ServerURI string `validate:"required,uri"`
	// ClientID client ID presented to the broker
	ClientID string `validate:"required"`
	// QoS MQTT subscription QoS
	QoS byte `validate:"lte=2"`
	// Username optional broker user
	Username string
	// Password optional broker password
	Password string
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
}

// Supported broker drivers
const (
	DriverMQTT  = "mqtt"
	DriverMQTT5 = "mqtt5"
	DriverNATS  = "nats"
)

// GetClient define a new broker client for the selected driver
func GetClient(driver string, params ConnectParams) (Client, error) {
	switch driver {
	case DriverMQTT:
		return GetMQTTClient(params), nil
	case DriverMQTT5:
		return GetMQTT5Client(params), nil
	case DriverNATS:
		return GetNATSClient(params), nil
	default:
		return nil, fmt.Errorf("unsupported broker driver '%s'", driver)
	}
}
