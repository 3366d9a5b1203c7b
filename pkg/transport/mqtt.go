// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/config"
)

const (
	mqttQoS          = 1
	mqttRetain       = true
	messageQueueSize = 100
)

// MQTTDataSource publishes dataset messages to an MQTT broker with QoS 1
// retained messages, so late subscribers always see the last value of
// every topic.
type MQTTDataSource struct {
	broker            config.Broker
	connectMaxElapsed time.Duration
	log               *zap.SugaredLogger

	client   mqtt.Client
	format   Format
	messages chan Message
}

func NewMQTTDataSource(broker config.Broker, connectMaxElapsed time.Duration, log *zap.SugaredLogger) *MQTTDataSource {
	return &MQTTDataSource{
		broker:            broker,
		connectMaxElapsed: connectMaxElapsed,
		log:               log,
		messages:          make(chan Message, messageQueueSize),
	}
}

// Initialize connects to the broker with bounded exponential backoff. The
// context cancels the retry loop, so a configuration pass can time out on
// an unreachable broker instead of hanging.
func (m *MQTTDataSource) Initialize(ctx context.Context, format Format, address string) error {
	m.format = format

	scheme := "tcp"
	if m.broker.UseTLS || m.broker.SecurityMode == config.SecurityCertificate {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s", scheme, NormalizeAddress(address))).
		SetClientID("opcua-pubsub-adapter-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetCleanSession(true)

	switch m.broker.SecurityMode {
	case config.SecurityUserPass:
		password, err := m.broker.Password()
		if err != nil {
			return err
		}
		opts.SetUsername(m.broker.Username)
		opts.SetPassword(password)
	case config.SecurityCertificate:
		tlsCfg, err := brokerTLSConfig(m.broker)
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if m.broker.UseTLS && m.broker.SecurityMode != config.SecurityCertificate {
		tlsCfg, err := brokerTLSConfig(m.broker)
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	m.client = mqtt.NewClient(opts)

	connect := func() error {
		token := m.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			m.log.Warnf("mqtt connect to %s failed: %v", address, err)
			return err
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = m.connectMaxElapsed
	if err := backoff.Retry(connect, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", address, err)
	}
	m.log.Infof("connected to mqtt broker %s", address)
	return nil
}

func (m *MQTTDataSource) SendData(ctx context.Context, payload []byte, topic string) error {
	token := m.client.Publish(topic, mqttQoS, mqttRetain, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

// ReceiveData subscribes to queue and feeds received messages into the
// Messages channel. A full channel drops the message with a warning rather
// than blocking the broker callback.
func (m *MQTTDataSource) ReceiveData(ctx context.Context, queue string) error {
	token := m.client.Subscribe(queue, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case m.messages <- Message{Topic: msg.Topic(), Payload: msg.Payload()}:
		default:
			m.log.Warnf("message queue full, dropping message on %s", msg.Topic())
		}
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe to %s: %w", queue, err)
	}
	return nil
}

func (m *MQTTDataSource) Messages() <-chan Message {
	return m.messages
}

func (m *MQTTDataSource) Close() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	return nil
}

var _ DataSource = &MQTTDataSource{}
