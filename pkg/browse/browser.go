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

// Package browse wraps the OPC UA browsing service behind a small API the
// resolver and topology builder work against. A browse merges the
// Aggregates and Organizes reference lists, preferring the Aggregates
// entry when a browse name appears in both.
package browse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"
)

// maxPathDepth bounds the upward walk in PathOf so a cyclic reference in a
// broken address space cannot hang the configuration pass.
const maxPathDepth = 25

var sanitizeRegex = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Reference is one result of a browse operation: the target node together
// with the attributes the topology builder needs to decide what to do with
// it. References are produced fresh per browse call and not cached across
// calls.
type Reference struct {
	Node      NodeBrowser
	Name      string
	NodeClass ua.NodeClass
}

// Browser issues browse calls against a live server through a NodeSource.
type Browser struct {
	src NodeSource
	log *zap.SugaredLogger
}

func NewBrowser(src NodeSource, log *zap.SugaredLogger) *Browser {
	return &Browser{src: src, log: log}
}

// Node returns a NodeBrowser for the given id.
func (b *Browser) Node(nodeID *ua.NodeID) NodeBrowser {
	return b.src.Node(nodeID)
}

// Browse lists the children of start reachable through Aggregates or
// Organizes references, filtered by classMask. When the same browse name
// shows up under both reference types the Aggregates entry wins; names
// only present under Organizes are appended in their original order.
func (b *Browser) Browse(ctx context.Context, start *ua.NodeID, classMask ua.NodeClass) ([]Reference, error) {
	node := b.src.Node(start)

	aggregates, err := b.children(ctx, node, id.Aggregates, classMask)
	if err != nil {
		return nil, fmt.Errorf("browse aggregates of %s: %w", start, err)
	}
	organizes, err := b.children(ctx, node, id.Organizes, classMask)
	if err != nil {
		return nil, fmt.Errorf("browse organizes of %s: %w", start, err)
	}

	seen := make(map[string]struct{}, len(aggregates))
	refs := make([]Reference, 0, len(aggregates)+len(organizes))
	for _, ref := range aggregates {
		seen[ref.Name] = struct{}{}
		refs = append(refs, ref)
	}
	for _, ref := range organizes {
		if _, ok := seen[ref.Name]; ok {
			continue
		}
		seen[ref.Name] = struct{}{}
		refs = append(refs, ref)
	}
	return refs, nil
}

// GetChildByName returns the NodeID of the first child of start whose
// browse name matches name, or nil when no such child exists. Only a
// failed browse call is an error; "not found" is not.
func (b *Browser) GetChildByName(ctx context.Context, start *ua.NodeID, name string) (*ua.NodeID, error) {
	refs, err := b.Browse(ctx, start, ua.NodeClassObject|ua.NodeClassVariable|ua.NodeClassMethod)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if ref.Name == name {
			return ref.Node.ID(), nil
		}
	}
	return nil, nil
}

// GetTypeDefinition returns the type definition of node, following the
// first forward HasTypeDefinition reference. Servers exposing more than
// one type definition are not supported; only the first is returned.
func (b *Browser) GetTypeDefinition(ctx context.Context, nodeID *ua.NodeID) (*ua.NodeID, error) {
	node := b.src.Node(nodeID)
	refs, err := node.ReferencedNodes(ctx, id.HasTypeDefinition, ua.BrowseDirectionForward,
		ua.NodeClassObjectType|ua.NodeClassVariableType, true)
	if err != nil {
		return nil, fmt.Errorf("type definition of %s: %w", nodeID, err)
	}
	if len(refs) == 0 {
		return nil, nil
	}
	return refs[0].ID(), nil
}

// GetSuperType returns the supertype of typeNode via the inverse HasSubtype
// reference, or nil at the root of the type hierarchy.
func (b *Browser) GetSuperType(ctx context.Context, typeNode *ua.NodeID) (*ua.NodeID, error) {
	node := b.src.Node(typeNode)
	refs, err := node.ReferencedNodes(ctx, id.HasSubtype, ua.BrowseDirectionInverse,
		ua.NodeClassObjectType|ua.NodeClassVariableType, true)
	if err != nil {
		return nil, fmt.Errorf("supertype of %s: %w", typeNode, err)
	}
	if len(refs) == 0 {
		return nil, nil
	}
	return refs[0].ID(), nil
}

// PathOf builds the canonical dot-separated address-space path of node by
// walking inverse hierarchical references up to the Objects folder. The
// path is attached to datasets as a static extension field.
func (b *Browser) PathOf(ctx context.Context, nodeID *ua.NodeID) (string, error) {
	objectsFolder := ua.NewNumericNodeID(0, id.ObjectsFolder)

	var segments []string
	current := b.src.Node(nodeID)
	for depth := 0; depth < maxPathDepth; depth++ {
		name, err := current.BrowseName(ctx)
		if err != nil {
			return "", fmt.Errorf("browse name of %s: %w", current.ID(), err)
		}
		segments = append([]string{sanitize(name.Name)}, segments...)

		parents, err := current.ReferencedNodes(ctx, id.HierarchicalReferences, ua.BrowseDirectionInverse,
			ua.NodeClassObject|ua.NodeClassVariable, true)
		if err != nil {
			return "", fmt.Errorf("parent of %s: %w", current.ID(), err)
		}
		if len(parents) == 0 || parents[0].ID().IntID() == objectsFolder.IntID() && parents[0].ID().Namespace() == 0 {
			break
		}
		current = parents[0]
	}

	path := ""
	for _, s := range segments {
		path = join(path, s)
	}
	return path, nil
}

func (b *Browser) children(ctx context.Context, node NodeBrowser, refType uint32, classMask ua.NodeClass) ([]Reference, error) {
	children, err := node.Children(ctx, refType, classMask)
	if err != nil {
		return nil, err
	}
	refs := make([]Reference, 0, len(children))
	for _, child := range children {
		name, err := child.BrowseName(ctx)
		if err != nil {
			return nil, fmt.Errorf("browse name of %s: %w", child.ID(), err)
		}
		class, err := nodeClassOf(ctx, child)
		if err != nil {
			return nil, err
		}
		refs = append(refs, Reference{Node: child, Name: name.Name, NodeClass: class})
	}
	return refs, nil
}

func nodeClassOf(ctx context.Context, node NodeBrowser) (ua.NodeClass, error) {
	attrs, err := node.Attributes(ctx, ua.AttributeIDNodeClass)
	if err != nil {
		return 0, fmt.Errorf("node class of %s: %w", node.ID(), err)
	}
	if len(attrs) != 1 || attrs[0].Value == nil {
		return 0, fmt.Errorf("node class of %s: empty attribute result", node.ID())
	}
	return ua.NodeClass(attrs[0].Value.Int()), nil
}

// join concatenates two path segments with a dot, avoiding a leading
// separator for empty prefixes.
func join(a, b string) string {
	if a == "" {
		return b
	}
	return a + "." + b
}

// sanitize replaces characters that are unsafe in topic names and paths
// with underscores.
func sanitize(s string) string {
	return sanitizeRegex.ReplaceAllString(s, "_")
}
