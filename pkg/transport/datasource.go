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

// Package transport provides the network data sources the dispatcher
// publishes through: MQTT, AMQP and raw UDP datagrams, selected by the
// PubSub transport profile URI of a connection.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/config"
)

// Format is the network message payload encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatUADP Format = "uadp"
)

// Standard PubSub transport profile URIs.
const (
	ProfileMQTTJSON = "http://opcfoundation.org/UA-Profile/Transport/pubsub-mqtt-json"
	ProfileAMQPJSON = "http://opcfoundation.org/UA-Profile/Transport/pubsub-amqp-json"
	ProfileUDPUADP  = "http://opcfoundation.org/UA-Profile/Transport/pubsub-udp-uadp"
)

// Message is one payload received from the broker.
type Message struct {
	Topic   string
	Payload []byte
}

// DataSource is one broker or datagram connection. Initialize must succeed
// before any other call; SendData and ReceiveData may be used concurrently
// afterwards. Messages delivers everything ReceiveData subscribed to.
type DataSource interface {
	Initialize(ctx context.Context, format Format, address string) error
	SendData(ctx context.Context, payload []byte, topic string) error
	ReceiveData(ctx context.Context, queue string) error
	Messages() <-chan Message
	Close() error
}

// FormatFromProfile derives the payload encoding from a transport profile
// URI: a "uadp" URI selects the binary encoding, everything else JSON.
func FormatFromProfile(profileURI string) Format {
	if strings.Contains(profileURI, "uadp") {
		return FormatUADP
	}
	return FormatJSON
}

// NewDataSource selects the transport for a profile URI by substring
// match: datagram profiles map to UDP, broker profiles to MQTT or AMQP.
func NewDataSource(profileURI string, broker config.Broker, connectMaxElapsed time.Duration, log *zap.SugaredLogger) (DataSource, error) {
	switch {
	case strings.Contains(profileURI, "udp") || strings.Contains(profileURI, "datagram"):
		return NewUDPDataSource(log), nil
	case strings.Contains(profileURI, "mqtt"):
		return NewMQTTDataSource(broker, connectMaxElapsed, log), nil
	case strings.Contains(profileURI, "amqp"):
		return NewAMQPDataSource(broker, connectMaxElapsed, log), nil
	default:
		return nil, fmt.Errorf("no transport for profile %q", profileURI)
	}
}

// NormalizeAddress strips the URI scheme and surrounding slashes from a
// connection address and rewrites localhost to its IPv4 loopback, which
// some broker stacks refuse to resolve.
func NormalizeAddress(address string) string {
	if i := strings.Index(address, "://"); i >= 0 {
		address = address[i+3:]
	}
	address = strings.Trim(address, "/")
	return strings.ReplaceAll(address, "localhost", "127.0.0.1")
}
