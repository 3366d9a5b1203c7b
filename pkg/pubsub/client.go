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

package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/schema"
)

// Client builds the PubSub configuration graph on the server and keeps
// name-keyed registries of everything created, so re-running a
// configuration pass is idempotent: adding an entity under an existing
// name returns the existing one unchanged.
type Client struct {
	adaptor ServerAdaptor
	log     *zap.SugaredLogger

	mu          sync.Mutex
	connections map[string]*Connection
	groups      map[string]*WriterGroup
	writers     map[string]*DataSetWriter
	datasets    map[string]*PublishedDataSet
}

func NewClient(adaptor ServerAdaptor, log *zap.SugaredLogger) *Client {
	return &Client{
		adaptor:     adaptor,
		log:         log,
		connections: make(map[string]*Connection),
		groups:      make(map[string]*WriterGroup),
		writers:     make(map[string]*DataSetWriter),
		datasets:    make(map[string]*PublishedDataSet),
	}
}

// AddConnection creates a PubSubConnection on the server, or returns the
// already-registered connection of the same name.
func (c *Client) AddConnection(ctx context.Context, name, address, profileURI, publisherID string) (*Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.connections[name]; ok {
		c.log.Debugf("connection %s already configured, reusing", name)
		return existing, nil
	}

	conn := &Connection{
		Name:                name,
		Address:             address,
		TransportProfileURI: profileURI,
		PublisherID:         publisherID,
	}
	node, err := c.adaptor.AddConnection(ctx, conn)
	if err != nil {
		return nil, err
	}
	conn.NodeID = node
	c.connections[name] = conn
	c.log.Infof("added connection %s to %s", name, address)
	return conn, nil
}

// AddWriterGroup creates a writer group under conn with the standard
// defaults and a sequential WriterGroupId. A non-positive
// publishingInterval keeps the default.
func (c *Client) AddWriterGroup(ctx context.Context, conn *Connection, name, queueName string, publishingInterval float64) (*WriterGroup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.groups[name]; ok {
		c.log.Debugf("writer group %s already configured, reusing", name)
		return existing, nil
	}

	group := NewWriterGroup(name, queueName, publishingInterval)
	group.WriterGroupID = conn.nextWriterGroupID()

	node, err := c.adaptor.AddWriterGroup(ctx, conn, group)
	if err != nil {
		return nil, err
	}
	group.NodeID = node
	conn.WriterGroups = append(conn.WriterGroups, group)
	c.groups[name] = group
	c.log.Infof("added writer group %s (id %d) to connection %s", name, group.WriterGroupID, conn.Name)
	return group, nil
}

// AddPublishedDataSet creates a published dataset from resolved variable
// fields.
func (c *Client) AddPublishedDataSet(ctx context.Context, name string, fields []schema.ResolvedField) (*PublishedDataSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.datasets[name]; ok {
		c.log.Debugf("published dataset %s already configured, reusing", name)
		return existing, nil
	}

	ds := &PublishedDataSet{
		Name:            name,
		Fields:          fields,
		ExtensionFields: make(map[string]string),
	}
	node, err := c.adaptor.AddPublishedDataItems(ctx, ds)
	if err != nil {
		return nil, err
	}
	ds.NodeID = node
	c.datasets[name] = ds
	c.log.Infof("added published dataset %s with %d fields", name, len(fields))
	return ds, nil
}

// AddPublishedDataSetEvents creates an event dataset bound to the given
// notifier and event type.
func (c *Client) AddPublishedDataSetEvents(ctx context.Context, name string, notifier, eventType *ua.NodeID, fields []schema.EventField) (*PublishedDataSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.datasets[name]; ok {
		c.log.Debugf("event dataset %s already configured, reusing", name)
		return existing, nil
	}

	ds := &PublishedDataSet{
		Name:            name,
		EventNotifier:   notifier,
		EventTypeID:     eventType,
		EventFields:     fields,
		ExtensionFields: make(map[string]string),
		IsEvents:        true,
	}
	node, err := c.adaptor.AddPublishedEvents(ctx, ds)
	if err != nil {
		return nil, err
	}
	ds.NodeID = node
	c.datasets[name] = ds
	c.log.Infof("added event dataset %s for notifier %s", name, notifier)
	return ds, nil
}

// AddExtensionField stamps a static key/value pair onto every message of
// the dataset.
func (c *Client) AddExtensionField(ctx context.Context, ds *PublishedDataSet, name, value string) error {
	if err := c.adaptor.AddExtensionField(ctx, ds, name, value); err != nil {
		return err
	}
	c.mu.Lock()
	ds.ExtensionFields[name] = value
	c.mu.Unlock()
	return nil
}

// AddWriter creates a dataset writer under group pointing at the dataset
// named datasetName. The dataset must already exist, either in the local
// registry or on the server; when it does not, the writer is skipped with
// an error log and (nil, nil) is returned so the caller can continue with
// its remaining objects.
func (c *Client) AddWriter(ctx context.Context, group *WriterGroup, name, datasetName, queueName string) (*DataSetWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.writers[name]; ok {
		c.log.Debugf("dataset writer %s already configured, reusing", name)
		return existing, nil
	}

	if _, ok := c.datasets[datasetName]; !ok {
		node, err := c.adaptor.GetPublishedDataSet(ctx, datasetName)
		if err != nil {
			return nil, err
		}
		if node == nil {
			c.log.Errorf("dataset %s not found, skipping writer %s", datasetName, name)
			return nil, nil
		}
	}

	writer := &DataSetWriter{
		Name:            name,
		DataSetWriterID: group.nextDataSetWriterID(),
		DataSetName:     datasetName,
		QueueName:       queueName,
		ContentMask:     JSONDataSetMessageContentMask,
		KeyFrameCount:   DefaultKeyFrameCount,
	}
	node, err := c.adaptor.AddDataSetWriter(ctx, group, writer)
	if err != nil {
		return nil, err
	}
	writer.NodeID = node
	group.Writers = append(group.Writers, writer)
	c.writers[name] = writer
	c.log.Infof("added dataset writer %s (id %d) for dataset %s on %s", name, writer.DataSetWriterID, datasetName, queueName)
	return writer, nil
}

// EnableWriterGroup enables the named writer group.
func (c *Client) EnableWriterGroup(ctx context.Context, name string) error {
	c.mu.Lock()
	group, ok := c.groups[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("writer group %s not registered", name)
	}
	return c.adaptor.Enable(ctx, group.NodeID)
}

// EnableWriter enables the named dataset writer.
func (c *Client) EnableWriter(ctx context.Context, name string) error {
	c.mu.Lock()
	writer, ok := c.writers[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("dataset writer %s not registered", name)
	}
	return c.adaptor.Enable(ctx, writer.NodeID)
}

// EnableAllGroups enables every registered writer group, collecting
// failures instead of aborting.
func (c *Client) EnableAllGroups(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, group := range c.groups {
		if err := c.adaptor.Enable(ctx, group.NodeID); err != nil {
			c.log.Errorf("enable writer group %s: %v", group.Name, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnableAllWriters enables every registered dataset writer, collecting
// failures instead of aborting.
func (c *Client) EnableAllWriters(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, writer := range c.writers {
		if err := c.adaptor.Enable(ctx, writer.NodeID); err != nil {
			c.log.Errorf("enable dataset writer %s: %v", writer.Name, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Activate enables everything built so far, connections first, then
// groups, then writers, so no writer goes operational before its group.
// Failures are collected rather than aborting the pass.
func (c *Client) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, conn := range c.connections {
		if err := c.adaptor.Enable(ctx, conn.NodeID); err != nil {
			c.log.Errorf("enable connection %s: %v", conn.Name, err)
			errs = append(errs, err)
		}
	}
	for _, group := range c.groups {
		if err := c.adaptor.Enable(ctx, group.NodeID); err != nil {
			c.log.Errorf("enable writer group %s: %v", group.Name, err)
			errs = append(errs, err)
		}
	}
	for _, writer := range c.writers {
		if err := c.adaptor.Enable(ctx, writer.NodeID); err != nil {
			c.log.Errorf("enable dataset writer %s: %v", writer.Name, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveWriter tears a dataset writer down on the server and drops it from
// the registry.
func (c *Client) RemoveWriter(ctx context.Context, group *WriterGroup, writer *DataSetWriter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.adaptor.RemoveDataSetWriter(ctx, group, writer); err != nil {
		return err
	}
	delete(c.writers, writer.Name)
	for i, w := range group.Writers {
		if w == writer {
			group.Writers = append(group.Writers[:i], group.Writers[i+1:]...)
			break
		}
	}
	return nil
}

// RemoveWriterGroup tears a writer group and its registry entries down.
func (c *Client) RemoveWriterGroup(ctx context.Context, conn *Connection, group *WriterGroup) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.adaptor.RemoveWriterGroup(ctx, conn, group); err != nil {
		return err
	}
	for _, w := range group.Writers {
		delete(c.writers, w.Name)
	}
	delete(c.groups, group.Name)
	for i, g := range conn.WriterGroups {
		if g == group {
			conn.WriterGroups = append(conn.WriterGroups[:i], conn.WriterGroups[i+1:]...)
			break
		}
	}
	return nil
}

// RemoveConnection tears a connection and everything under it down.
func (c *Client) RemoveConnection(ctx context.Context, conn *Connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.adaptor.RemoveConnection(ctx, conn); err != nil {
		return err
	}
	for _, group := range conn.WriterGroups {
		for _, w := range group.Writers {
			delete(c.writers, w.Name)
		}
		delete(c.groups, group.Name)
	}
	delete(c.connections, conn.Name)
	return nil
}

// Connections returns every registered connection.
func (c *Client) Connections() []*Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Connection, 0, len(c.connections))
	for _, conn := range c.connections {
		out = append(out, conn)
	}
	return out
}

// Connection returns the registered connection by name.
func (c *Client) Connection(name string) (*Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.connections[name]
	return conn, ok
}

// WriterGroup returns the registered writer group by name.
func (c *Client) WriterGroup(name string) (*WriterGroup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	group, ok := c.groups[name]
	return group, ok
}

// DataSet returns the registered published dataset by name.
func (c *Client) DataSet(name string) (*PublishedDataSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds, ok := c.datasets[name]
	return ds, ok
}
