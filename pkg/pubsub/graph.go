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

// Package pubsub materializes the OPC UA PubSub configuration graph --
// connections, writer groups, dataset writers and published datasets -- on
// a server through a ServerAdaptor, and tracks everything it created in
// name-keyed registries.
package pubsub

import (
	"github.com/gopcua/opcua/ua"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/schema"
)

// Writer group and writer defaults. The JSON network message mask selects
// network message header, dataset message header and publisher id; the
// dataset message mask selects all five JSON dataset message flags.
const (
	DefaultPublishingInterval    = 1000.0
	DefaultKeepAliveTime         = 5000.0
	DefaultMaxNetworkMessageSize = 15000

	JSONNetworkMessageContentMask = 11
	JSONDataSetMessageContentMask = 31

	DefaultKeyFrameCount = 10
)

// Connection is one PubSubConnection on the server: an address plus a
// transport profile, owning writer groups.
type Connection struct {
	Name                string
	NodeID              *ua.NodeID
	Address             string
	TransportProfileURI string
	PublisherID         string
	WriterGroups        []*WriterGroup

	lastGroupID uint16
}

// nextWriterGroupID hands out the per-connection WriterGroupId sequence.
// Ids removed with their group are never reissued.
func (c *Connection) nextWriterGroupID() uint16 {
	c.lastGroupID++
	return c.lastGroupID
}

// WriterGroup batches dataset writers sharing one publishing interval and
// one queue (topic) prefix.
type WriterGroup struct {
	Name                  string
	NodeID                *ua.NodeID
	WriterGroupID         uint16
	PublishingInterval    float64
	KeepAliveTime         float64
	MaxNetworkMessageSize uint32
	QueueName             string
	MessageContentMask    uint32
	Writers               []*DataSetWriter

	lastWriterID uint16
}

// nextDataSetWriterID hands out the per-group DataSetWriterId sequence.
// Ids removed with their writer are never reissued; duplicate ids in one
// group would make dataset messages indistinguishable on the wire.
func (g *WriterGroup) nextDataSetWriterID() uint16 {
	g.lastWriterID++
	return g.lastWriterID
}

// DataSetWriter links one published dataset to the queue it is emitted on.
type DataSetWriter struct {
	Name            string
	NodeID          *ua.NodeID
	DataSetWriterID uint16
	DataSetName     string
	QueueName       string
	ContentMask     uint32
	KeyFrameCount   uint32
}

// PublishedDataSet is the payload description: either a list of monitored
// variables or, for event datasets, an event notifier plus the selected
// event fields. ExtensionFields are static key/value pairs stamped into
// every message of the dataset.
type PublishedDataSet struct {
	Name            string
	NodeID          *ua.NodeID
	Fields          []schema.ResolvedField
	EventNotifier   *ua.NodeID
	EventTypeID     *ua.NodeID
	EventFields     []schema.EventField
	ExtensionFields map[string]string
	IsEvents        bool
}

// NewWriterGroup builds a writer group with the standard defaults applied.
// A non-positive publishingInterval keeps the default.
func NewWriterGroup(name, queueName string, publishingInterval float64) *WriterGroup {
	if publishingInterval <= 0 {
		publishingInterval = DefaultPublishingInterval
	}
	return &WriterGroup{
		Name:                  name,
		PublishingInterval:    publishingInterval,
		KeepAliveTime:         DefaultKeepAliveTime,
		MaxNetworkMessageSize: DefaultMaxNetworkMessageSize,
		QueueName:             queueName,
		MessageContentMask:    JSONNetworkMessageContentMask,
	}
}
