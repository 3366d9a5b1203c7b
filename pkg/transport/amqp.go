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
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/config"
)

// amqpExchange is the broker's built-in topic exchange. Slash-separated
// MQTT-style topics map onto it as dot-separated routing keys.
const amqpExchange = "amq.topic"

// AMQPDataSource publishes dataset messages through an AMQP 0.9.1 topic
// exchange.
type AMQPDataSource struct {
	broker            config.Broker
	connectMaxElapsed time.Duration
	log               *zap.SugaredLogger

	conn     *amqp.Connection
	channel  *amqp.Channel
	format   Format
	messages chan Message
}

func NewAMQPDataSource(broker config.Broker, connectMaxElapsed time.Duration, log *zap.SugaredLogger) *AMQPDataSource {
	return &AMQPDataSource{
		broker:            broker,
		connectMaxElapsed: connectMaxElapsed,
		log:               log,
		messages:          make(chan Message, messageQueueSize),
	}
}

func (a *AMQPDataSource) Initialize(ctx context.Context, format Format, address string) error {
	a.format = format

	uri, err := a.brokerURI(address)
	if err != nil {
		return err
	}

	dial := func() error {
		conn, err := amqp.Dial(uri)
		if err != nil {
			a.log.Warnf("amqp connect to %s failed: %v", address, err)
			return err
		}
		a.conn = conn
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = a.connectMaxElapsed
	if err := backoff.Retry(dial, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("amqp connect to %s: %w", address, err)
	}

	a.channel, err = a.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	a.log.Infof("connected to amqp broker %s", address)
	return nil
}

func (a *AMQPDataSource) brokerURI(address string) (string, error) {
	scheme := "amqp"
	if a.broker.UseTLS || a.broker.SecurityMode == config.SecurityCertificate {
		scheme = "amqps"
	}

	credentials := ""
	if a.broker.SecurityMode == config.SecurityUserPass {
		password, err := a.broker.Password()
		if err != nil {
			return "", err
		}
		credentials = a.broker.Username + ":" + password + "@"
	}
	return fmt.Sprintf("%s://%s%s/", scheme, credentials, NormalizeAddress(address)), nil
}

func (a *AMQPDataSource) SendData(ctx context.Context, payload []byte, topic string) error {
	err := a.channel.PublishWithContext(ctx, amqpExchange, routingKey(topic), false, false, amqp.Publishing{
		ContentType:  contentTypeFor(a.format),
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("amqp publish to %s: %w", topic, err)
	}
	return nil
}

// ReceiveData binds an exclusive auto-delete queue to the topic exchange
// and pumps deliveries into the Messages channel.
func (a *AMQPDataSource) ReceiveData(ctx context.Context, queue string) error {
	q, err := a.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("amqp queue declare: %w", err)
	}
	if err := a.channel.QueueBind(q.Name, routingKey(queue), amqpExchange, false, nil); err != nil {
		return fmt.Errorf("amqp queue bind %s: %w", queue, err)
	}
	deliveries, err := a.channel.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume %s: %w", queue, err)
	}

	go func() {
		for d := range deliveries {
			select {
			case a.messages <- Message{Topic: topicFor(d.RoutingKey), Payload: d.Body}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (a *AMQPDataSource) Messages() <-chan Message {
	return a.messages
}

func (a *AMQPDataSource) Close() error {
	if a.channel != nil {
		if err := a.channel.Close(); err != nil {
			a.log.Warnf("amqp channel close: %v", err)
		}
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// routingKey maps a slash-separated topic to an AMQP routing key.
func routingKey(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// topicFor is the inverse mapping for received deliveries.
func topicFor(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

func contentTypeFor(format Format) string {
	if format == FormatUADP {
		return "application/octet-stream"
	}
	return "application/json"
}

var _ DataSource = &AMQPDataSource{}
