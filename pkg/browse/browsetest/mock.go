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

// Package browsetest provides in-memory NodeBrowser and NodeSource
// implementations for tests of the browse, schema and topology packages.
package browsetest

import (
	"context"
	"fmt"

	"github.com/gopcua/opcua/ua"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/browse"
)

// MockNode is an in-memory NodeBrowser. It models exactly the reference
// structure the Browser exercises.
type MockNode struct {
	id    *ua.NodeID
	name  *ua.QualifiedName
	class ua.NodeClass
	refs  map[mockRefKey][]browse.NodeBrowser

	// BrowseErr, when set, is returned by every browsing call. Used to
	// test error propagation.
	BrowseErr error
}

type mockRefKey struct {
	refType uint32
	dir     ua.BrowseDirection
}

func NewMockNode(id *ua.NodeID, name string, class ua.NodeClass) *MockNode {
	return &MockNode{
		id:    id,
		name:  &ua.QualifiedName{NamespaceIndex: id.Namespace(), Name: name},
		class: class,
		refs:  make(map[mockRefKey][]browse.NodeBrowser),
	}
}

// AddReference registers target as reachable from this node through the
// given reference type and direction.
func (m *MockNode) AddReference(refType uint32, dir ua.BrowseDirection, target browse.NodeBrowser) *MockNode {
	key := mockRefKey{refType: refType, dir: dir}
	m.refs[key] = append(m.refs[key], target)
	return m
}

func (m *MockNode) ID() *ua.NodeID { return m.id }

func (m *MockNode) BrowseName(ctx context.Context) (*ua.QualifiedName, error) {
	if m.BrowseErr != nil {
		return nil, m.BrowseErr
	}
	return m.name, nil
}

func (m *MockNode) Attributes(ctx context.Context, attrs ...ua.AttributeID) ([]*ua.DataValue, error) {
	if m.BrowseErr != nil {
		return nil, m.BrowseErr
	}
	out := make([]*ua.DataValue, 0, len(attrs))
	for _, attr := range attrs {
		switch attr {
		case ua.AttributeIDNodeClass:
			out = append(out, &ua.DataValue{Value: ua.MustVariant(int32(m.class)), Status: ua.StatusOK})
		case ua.AttributeIDBrowseName:
			out = append(out, &ua.DataValue{Value: ua.MustVariant(m.name), Status: ua.StatusOK})
		default:
			return nil, fmt.Errorf("mock node %s: unsupported attribute %d", m.id, attr)
		}
	}
	return out, nil
}

func (m *MockNode) ReferencedNodes(ctx context.Context, refType uint32, browseDir ua.BrowseDirection, nodeClassMask ua.NodeClass, includeSubtypes bool) ([]browse.NodeBrowser, error) {
	if m.BrowseErr != nil {
		return nil, m.BrowseErr
	}
	return filterByClass(m.refs[mockRefKey{refType: refType, dir: browseDir}], nodeClassMask), nil
}

func (m *MockNode) Children(ctx context.Context, refType uint32, nodeClassMask ua.NodeClass) ([]browse.NodeBrowser, error) {
	if m.BrowseErr != nil {
		return nil, m.BrowseErr
	}
	return filterByClass(m.refs[mockRefKey{refType: refType, dir: ua.BrowseDirectionForward}], nodeClassMask), nil
}

func filterByClass(nodes []browse.NodeBrowser, mask ua.NodeClass) []browse.NodeBrowser {
	var out []browse.NodeBrowser
	for _, n := range nodes {
		if mock, ok := n.(*MockNode); ok && mock.class&mask == 0 {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Ensure that the MockNode implements the NodeBrowser interface
var _ browse.NodeBrowser = &MockNode{}

// MockSource is a NodeSource over a fixed set of MockNodes.
type MockSource struct {
	nodes map[string]browse.NodeBrowser
}

func NewMockSource(nodes ...*MockNode) *MockSource {
	s := &MockSource{nodes: make(map[string]browse.NodeBrowser)}
	for _, n := range nodes {
		s.Register(n)
	}
	return s
}

func (s *MockSource) Register(n *MockNode) *MockSource {
	s.nodes[n.ID().String()] = n
	return s
}

func (s *MockSource) Node(id *ua.NodeID) browse.NodeBrowser {
	if n, ok := s.nodes[id.String()]; ok {
		return n
	}
	// Unknown ids resolve to an empty leaf so lookups behave like a
	// server answering with no references.
	return NewMockNode(id, "", ua.NodeClassObject)
}

var _ browse.NodeSource = &MockSource{}
