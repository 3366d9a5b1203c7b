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

// Package schema holds the JSON-described field and event schemas, the
// file store they live in, and the resolver that turns a schema plus a
// concrete object instance into monitored-item bindings.
package schema

import (
	"strconv"
	"strings"

	"github.com/gopcua/opcua/ua"
)

// Sentinel browse names. A field whose browse name is one of these does
// not address a child node: SentinelSelf binds the instance itself,
// SentinelTypeDefinition binds the instance's type definition node.
const (
	SentinelSelf           = "_this"
	SentinelTypeDefinition = "_type"
)

// FieldSource is the closed set of places a schema field can bind to.
type FieldSource int

const (
	// SourceNamedChild binds a direct child located by browse name.
	SourceNamedChild FieldSource = iota
	// SourceNestedChild binds a child of a named sub-object.
	SourceNestedChild
	// SourceSelf binds the object instance itself.
	SourceSelf
	// SourceTypeDefinition binds the instance's type definition node.
	SourceTypeDefinition
)

// ObjectSchema describes the fields to publish for one object type.
type ObjectSchema struct {
	ID              string   `json:"Id,omitempty"`
	PublishInterval int      `json:"PublishInterval,omitempty"`
	ParentType      string   `json:"ParentType,omitempty"`
	Fields          []Field  `json:"Fields"`
	IncludedNodes   []string `json:"IncludedNodes,omitempty"`
	ExcludedNodes   []string `json:"ExcludedNodes,omitempty"`
}

// Field describes one field of an ObjectSchema. Zero values carry the
// documented defaults: BrowseName falls back to FieldName, Attribute to
// the Value attribute, SamplingInterval to -1 (publishing default) and
// Enabled to true.
type Field struct {
	FieldName           string `json:"FieldName"`
	BrowseName          string `json:"BrowseName,omitempty"`
	Attribute           uint32 `json:"Attribute,omitempty"`
	SamplingInterval    *int   `json:"SamplingInterval,omitempty"`
	Enabled             *bool  `json:"Enabled,omitempty"`
	ComplexVariableType string `json:"ComplexVariableType,omitempty"`
	Optional            bool   `json:"Optional,omitempty"`
}

// IsEnabled reports whether the field takes part in resolution.
func (f Field) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// AttributeID returns the attribute to monitor, defaulting to Value.
func (f Field) AttributeID() uint32 {
	if f.Attribute == 0 {
		return uint32(ua.AttributeIDValue)
	}
	return f.Attribute
}

// Sampling returns the sampling interval in milliseconds; -1 means "use
// the publishing default".
func (f Field) Sampling() int {
	if f.SamplingInterval == nil {
		return -1
	}
	return *f.SamplingInterval
}

// Source classifies the field. For SourceNestedChild, sub names the
// sub-object to locate among the instance's children and leaf the node to
// locate among the sub-object's children. For SourceNamedChild, leaf is
// the browse name to locate directly.
func (f Field) Source() (src FieldSource, sub, leaf string) {
	if head, tail, nested := strings.Cut(f.FieldName, "."); nested {
		sub = head
		if f.BrowseName != "" {
			sub = f.BrowseName
		}
		return SourceNestedChild, sub, tail
	}

	name := f.BrowseName
	if name == "" {
		name = f.FieldName
	}
	switch name {
	case SentinelSelf:
		return SourceSelf, "", ""
	case SentinelTypeDefinition:
		return SourceTypeDefinition, "", ""
	default:
		return SourceNamedChild, "", name
	}
}

// ResolvedField is the output of resolution: one concrete monitored-item
// binding, later collected into a PublishedDataSet.
type ResolvedField struct {
	Name             string
	Node             *ua.NodeID
	Attribute        uint32
	SamplingInterval int
}

// EventSchema describes the fields to publish for one event type.
type EventSchema struct {
	EventTypeID   string       `json:"EventTypeId"`
	EventTypeName string       `json:"EventTypeName"`
	Fields        []EventField `json:"Fields"`
	IncludedNodes []string     `json:"IncludedNodes,omitempty"`
	ExcludedNodes []string     `json:"ExcludedNodes,omitempty"`
}

// EventField locates one field within an event's field set via a
// slash-separated browse path; each segment may carry a namespace prefix
// ("2:Name").
type EventField struct {
	AliasName        string `json:"AliasName,omitempty"`
	BrowsePathString string `json:"BrowsePathString"`
	Enabled          *bool  `json:"Enabled,omitempty"`
}

// IsEnabled reports whether the event field takes part in the dataset.
func (f EventField) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// Alias returns the alias name, derived from the browse path names joined
// by "/" when no explicit alias is configured.
func (f EventField) Alias() string {
	if f.AliasName != "" {
		return f.AliasName
	}
	names := make([]string, 0, 2)
	for _, qn := range f.BrowsePath() {
		names = append(names, qn.Name)
	}
	return strings.Join(names, "/")
}

// BrowsePath parses BrowsePathString into qualified names.
func (f EventField) BrowsePath() []*ua.QualifiedName {
	if f.BrowsePathString == "" {
		return nil
	}
	segments := strings.Split(f.BrowsePathString, "/")
	path := make([]*ua.QualifiedName, 0, len(segments))
	for _, segment := range segments {
		ns, name, found := strings.Cut(segment, ":")
		if !found {
			path = append(path, &ua.QualifiedName{Name: segment})
			continue
		}
		idx, err := strconv.ParseUint(ns, 10, 16)
		if err != nil {
			// Not a namespace prefix after all, keep the segment verbatim.
			path = append(path, &ua.QualifiedName{Name: segment})
			continue
		}
		path = append(path, &ua.QualifiedName{NamespaceIndex: uint16(idx), Name: name})
	}
	return path
}

// FormatBrowsePath renders a browse path in the schema file syntax,
// prefixing segments from non-zero namespaces.
func FormatBrowsePath(path []*ua.QualifiedName) string {
	segments := make([]string, 0, len(path))
	for _, qn := range path {
		if qn.NamespaceIndex == 0 {
			segments = append(segments, qn.Name)
			continue
		}
		segments = append(segments, strconv.FormatUint(uint64(qn.NamespaceIndex), 10)+":"+qn.Name)
	}
	return strings.Join(segments, "/")
}

// ContainsNode reports whether the NodeId string list contains the given
// node. Entries that fail to parse are skipped.
func ContainsNode(list []string, node *ua.NodeID) bool {
	if node == nil {
		return false
	}
	for _, entry := range list {
		parsed, err := ua.ParseNodeID(entry)
		if err != nil {
			continue
		}
		if parsed.String() == node.String() {
			return true
		}
	}
	return false
}
