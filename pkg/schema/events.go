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

package schema

import (
	"context"
	"fmt"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/browse"
)

// maxEventFieldDepth bounds the nested-variable walk during event schema
// discovery.
const maxEventFieldDepth = 5

// LoadOrDiscoverEventSchema returns the event schema for the given event
// type. An existing schema file wins unchanged, so operator edits survive
// restarts. Otherwise the schema is discovered by enumerating the event
// type's Variable children and those of every supertype up to
// BaseEventType, then persisted. The boolean reports whether discovery
// ran.
func (r *Resolver) LoadOrDiscoverEventSchema(ctx context.Context, eventType *ua.NodeID) (*EventSchema, bool, error) {
	typeNode := r.browser.Node(eventType)
	typeName, err := typeNode.BrowseName(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("browse name of event type %s: %w", eventType, err)
	}

	if r.store.Has(typeName.Name) {
		schema, err := r.store.LoadEvent(typeName.Name)
		if err != nil {
			return nil, false, err
		}
		return schema, false, nil
	}

	schema := &EventSchema{
		EventTypeID:   eventType.String(),
		EventTypeName: typeName.Name,
	}

	current := eventType
	for current != nil {
		fields, err := r.eventFieldsOf(ctx, current, nil, 0)
		if err != nil {
			return nil, false, err
		}
		schema.Fields = append(schema.Fields, fields...)

		if current.Namespace() == 0 && current.IntID() == id.BaseEventType {
			break
		}
		current, err = r.browser.GetSuperType(ctx, current)
		if err != nil {
			return nil, false, err
		}
	}

	if err := r.store.SaveEvent(typeName.Name, schema); err != nil {
		return nil, false, err
	}
	return schema, true, nil
}

// eventFieldsOf enumerates the Variable children of typeNode, recursing
// into nested variables so structured fields like cycle counters under a
// state variable get their own browse paths.
func (r *Resolver) eventFieldsOf(ctx context.Context, typeNode *ua.NodeID, parentPath []*ua.QualifiedName, depth int) ([]EventField, error) {
	if depth >= maxEventFieldDepth {
		return nil, nil
	}

	refs, err := r.browser.Browse(ctx, typeNode, ua.NodeClassVariable)
	if err != nil {
		return nil, fmt.Errorf("event fields of %s: %w", typeNode, err)
	}

	var fields []EventField
	for _, ref := range refs {
		name, err := ref.Node.BrowseName(ctx)
		if err != nil {
			return nil, fmt.Errorf("browse name of event field %s: %w", ref.Node.ID(), err)
		}
		path := append(append([]*ua.QualifiedName{}, parentPath...), name)
		fields = append(fields, EventField{BrowsePathString: FormatBrowsePath(path)})

		nested, err := r.eventFieldsOf(ctx, ref.Node.ID(), path, depth+1)
		if err != nil {
			return nil, err
		}
		fields = append(fields, nested...)
	}
	return fields, nil
}

// EventsGeneratedBy lists the event types the object's type definition
// declares through forward GeneratesEvent references. Objects without a
// type definition generate nothing.
func (r *Resolver) EventsGeneratedBy(ctx context.Context, object *ua.NodeID) ([]browse.Reference, error) {
	typeDef, err := r.browser.GetTypeDefinition(ctx, object)
	if err != nil {
		return nil, err
	}
	if typeDef == nil {
		return nil, nil
	}

	node := r.browser.Node(typeDef)
	refs, err := node.ReferencedNodes(ctx, id.GeneratesEvent, ua.BrowseDirectionForward, ua.NodeClassObjectType, true)
	if err != nil {
		return nil, fmt.Errorf("generated events of %s: %w", typeDef, err)
	}

	events := make([]browse.Reference, 0, len(refs))
	for _, ref := range refs {
		name, err := ref.BrowseName(ctx)
		if err != nil {
			return nil, fmt.Errorf("browse name of event type %s: %w", ref.ID(), err)
		}
		events = append(events, browse.Reference{Node: ref, Name: name.Name, NodeClass: ua.NodeClassObjectType})
	}
	return events, nil
}
