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

	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/browse"
)

// maxSchemaDepth bounds the combined parent-type and complex-variable
// recursion so a cyclic schema file cannot hang the configuration pass.
const maxSchemaDepth = 16

// Resolver turns an object schema plus a concrete instance node into the
// flat list of resolved fields a PublishedDataSet is built from.
type Resolver struct {
	browser *browse.Browser
	store   *Store
	log     *zap.SugaredLogger
}

func NewResolver(browser *browse.Browser, store *Store, log *zap.SugaredLogger) *Resolver {
	return &Resolver{browser: browser, store: store, log: log}
}

// ResolveObject resolves the schema named schemaName against instance.
// The boolean reports whether the instance is included at all: a node on
// the schema's exclusion list, or absent from a non-empty inclusion list,
// yields (nil, false, nil). Fields that cannot be located on the instance
// are logged and skipped; only failed browse calls and missing schema
// files surface as errors.
func (r *Resolver) ResolveObject(ctx context.Context, schemaName string, instance *ua.NodeID) ([]ResolvedField, bool, error) {
	schema, err := r.store.LoadObject(schemaName)
	if err != nil {
		return nil, false, err
	}

	if ContainsNode(schema.ExcludedNodes, instance) {
		r.log.Debugf("node %s excluded by schema %s", instance, schemaName)
		return nil, false, nil
	}
	if len(schema.IncludedNodes) > 0 && !ContainsNode(schema.IncludedNodes, instance) {
		r.log.Debugf("node %s not on inclusion list of schema %s", instance, schemaName)
		return nil, false, nil
	}

	cache := newChildCache(r.browser)
	fields, err := r.resolveFields(ctx, schema, schemaName, instance, "", cache, 0)
	if err != nil {
		return nil, false, err
	}
	return fields, true, nil
}

// resolveFields walks the parent-type chain first so inherited fields come
// ahead of the schema's own, then resolves each enabled field against
// instance. prefix is non-empty during complex-variable expansion and is
// prepended to every produced field name.
func (r *Resolver) resolveFields(ctx context.Context, schema *ObjectSchema, schemaName string, instance *ua.NodeID, prefix string, cache *childCache, depth int) ([]ResolvedField, error) {
	if depth >= maxSchemaDepth {
		return nil, fmt.Errorf("schema %s: parent/complex nesting exceeds %d levels", schemaName, maxSchemaDepth)
	}

	var fields []ResolvedField
	if schema.ParentType != "" {
		parent, err := r.store.LoadObject(schema.ParentType)
		if err != nil {
			return nil, fmt.Errorf("parent of schema %s: %w", schemaName, err)
		}
		inherited, err := r.resolveFields(ctx, parent, schema.ParentType, instance, prefix, cache, depth+1)
		if err != nil {
			return nil, err
		}
		fields = append(fields, inherited...)
	}

	for _, field := range schema.Fields {
		if !field.IsEnabled() {
			continue
		}
		resolved, ok, err := r.resolveField(ctx, schemaName, field, instance, prefix, cache)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		fields = append(fields, resolved)

		if field.ComplexVariableType != "" {
			complexSchema, err := r.store.LoadObject(field.ComplexVariableType)
			if err != nil {
				return nil, fmt.Errorf("complex variable type of field %s in schema %s: %w", field.FieldName, schemaName, err)
			}
			expanded, err := r.resolveFields(ctx, complexSchema, field.ComplexVariableType, resolved.Node, resolved.Name, cache, depth+1)
			if err != nil {
				return nil, err
			}
			fields = append(fields, expanded...)
		}
	}
	return fields, nil
}

func (r *Resolver) resolveField(ctx context.Context, schemaName string, field Field, instance *ua.NodeID, prefix string, cache *childCache) (ResolvedField, bool, error) {
	var node *ua.NodeID

	src, sub, leaf := field.Source()
	switch src {
	case SourceSelf:
		node = instance

	case SourceTypeDefinition:
		typeDef, err := r.browser.GetTypeDefinition(ctx, instance)
		if err != nil {
			return ResolvedField{}, false, err
		}
		node = typeDef

	case SourceNamedChild:
		children, err := cache.children(ctx, instance)
		if err != nil {
			return ResolvedField{}, false, err
		}
		node = findByName(children, leaf)

	case SourceNestedChild:
		children, err := cache.children(ctx, instance)
		if err != nil {
			return ResolvedField{}, false, err
		}
		subNode := findByName(children, sub)
		if subNode == nil {
			r.logMissing(field, schemaName, instance, sub)
			return ResolvedField{}, false, nil
		}
		grandchildren, err := cache.children(ctx, subNode)
		if err != nil {
			return ResolvedField{}, false, err
		}
		node = findByName(grandchildren, leaf)
	}

	if node == nil {
		r.logMissing(field, schemaName, instance, leaf)
		return ResolvedField{}, false, nil
	}

	name := field.FieldName
	if prefix != "" {
		name = prefix + "." + name
	}
	return ResolvedField{
		Name:             name,
		Node:             node,
		Attribute:        field.AttributeID(),
		SamplingInterval: field.Sampling(),
	}, true, nil
}

func (r *Resolver) logMissing(field Field, schemaName string, instance *ua.NodeID, missing string) {
	if field.Optional {
		r.log.Debugf("optional field %s of schema %s: no child %q under %s", field.FieldName, schemaName, missing, instance)
		return
	}
	r.log.Warnf("field %s of schema %s: no child %q under %s, skipping", field.FieldName, schemaName, missing, instance)
}

func findByName(refs []browse.Reference, name string) *ua.NodeID {
	for _, ref := range refs {
		if ref.Name == name {
			return ref.Node.ID()
		}
	}
	return nil
}

// childCache memoizes child browses per resolution pass. Schemas routinely
// address several fields under the same sub-object; without the cache each
// one would re-browse the server.
type childCache struct {
	browser *browse.Browser
	entries map[string][]browse.Reference
}

func newChildCache(browser *browse.Browser) *childCache {
	return &childCache{browser: browser, entries: make(map[string][]browse.Reference)}
}

func (c *childCache) children(ctx context.Context, node *ua.NodeID) ([]browse.Reference, error) {
	key := node.String()
	if refs, ok := c.entries[key]; ok {
		return refs, nil
	}
	refs, err := c.browser.Browse(ctx, node, ua.NodeClassObject|ua.NodeClassVariable)
	if err != nil {
		return nil, err
	}
	c.entries[key] = refs
	return refs, nil
}
