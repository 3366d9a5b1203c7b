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

// Package pubsubtest provides a recording ServerAdaptor for tests of the
// pubsub and topology packages.
package pubsubtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/gopcua/opcua/ua"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/pubsub"
)

// MockAdaptor records everything the Client asks a server to do.
type MockAdaptor struct {
	mu     sync.Mutex
	nextID uint32

	Connections []*pubsub.Connection
	Groups      []*pubsub.WriterGroup
	Writers     []*pubsub.DataSetWriter
	DataItems   []*pubsub.PublishedDataSet
	Events      []*pubsub.PublishedDataSet
	Extensions  map[string]map[string]string
	Enabled     []string
	Removed     []string

	// ServerDataSets holds dataset names GetPublishedDataSet resolves even
	// when the Client never created them, mimicking a pre-populated server.
	ServerDataSets map[string]*ua.NodeID

	// FailOn injects an error for the named operation.
	FailOn map[string]error
}

func NewMockAdaptor() *MockAdaptor {
	return &MockAdaptor{
		Extensions:     make(map[string]map[string]string),
		ServerDataSets: make(map[string]*ua.NodeID),
		FailOn:         make(map[string]error),
	}
}

func (m *MockAdaptor) allocate() *ua.NodeID {
	m.nextID++
	return ua.NewNumericNodeID(1, m.nextID)
}

func (m *MockAdaptor) fail(op string) error {
	return m.FailOn[op]
}

func (m *MockAdaptor) AddConnection(ctx context.Context, conn *pubsub.Connection) (*ua.NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AddConnection"); err != nil {
		return nil, err
	}
	m.Connections = append(m.Connections, conn)
	return m.allocate(), nil
}

func (m *MockAdaptor) AddWriterGroup(ctx context.Context, conn *pubsub.Connection, group *pubsub.WriterGroup) (*ua.NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AddWriterGroup"); err != nil {
		return nil, err
	}
	m.Groups = append(m.Groups, group)
	return m.allocate(), nil
}

func (m *MockAdaptor) AddDataSetWriter(ctx context.Context, group *pubsub.WriterGroup, writer *pubsub.DataSetWriter) (*ua.NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AddDataSetWriter"); err != nil {
		return nil, err
	}
	m.Writers = append(m.Writers, writer)
	return m.allocate(), nil
}

func (m *MockAdaptor) AddPublishedDataItems(ctx context.Context, ds *pubsub.PublishedDataSet) (*ua.NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AddPublishedDataItems"); err != nil {
		return nil, err
	}
	m.DataItems = append(m.DataItems, ds)
	node := m.allocate()
	m.ServerDataSets[ds.Name] = node
	return node, nil
}

func (m *MockAdaptor) AddPublishedEvents(ctx context.Context, ds *pubsub.PublishedDataSet) (*ua.NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AddPublishedEvents"); err != nil {
		return nil, err
	}
	m.Events = append(m.Events, ds)
	node := m.allocate()
	m.ServerDataSets[ds.Name] = node
	return node, nil
}

func (m *MockAdaptor) AddExtensionField(ctx context.Context, ds *pubsub.PublishedDataSet, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AddExtensionField"); err != nil {
		return err
	}
	if m.Extensions[ds.Name] == nil {
		m.Extensions[ds.Name] = make(map[string]string)
	}
	m.Extensions[ds.Name][name] = value
	return nil
}

func (m *MockAdaptor) GetPublishedDataSet(ctx context.Context, name string) (*ua.NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetPublishedDataSet"); err != nil {
		return nil, err
	}
	return m.ServerDataSets[name], nil
}

func (m *MockAdaptor) Enable(ctx context.Context, node *ua.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Enable"); err != nil {
		return err
	}
	m.Enabled = append(m.Enabled, node.String())
	return nil
}

func (m *MockAdaptor) RemoveConnection(ctx context.Context, conn *pubsub.Connection) error {
	return m.remove("RemoveConnection", conn.Name)
}

func (m *MockAdaptor) RemoveWriterGroup(ctx context.Context, conn *pubsub.Connection, group *pubsub.WriterGroup) error {
	return m.remove("RemoveWriterGroup", group.Name)
}

func (m *MockAdaptor) RemoveDataSetWriter(ctx context.Context, group *pubsub.WriterGroup, writer *pubsub.DataSetWriter) error {
	return m.remove("RemoveDataSetWriter", writer.Name)
}

func (m *MockAdaptor) remove(op, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(op); err != nil {
		return err
	}
	m.Removed = append(m.Removed, fmt.Sprintf("%s(%s)", op, name))
	return nil
}

var _ pubsub.ServerAdaptor = &MockAdaptor{}
