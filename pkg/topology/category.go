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

// Package topology walks a machine hierarchy on the server and drives the
// pubsub client to build the matching configuration graph: one writer
// group per category, one published dataset and writer per object, event
// datasets under each machine's Events group.
package topology

import "github.com/gopcua/opcua/ua"

// Category describes one sub-folder of a machine worth publishing: the
// folder's browse name (also the topic segment), the object schema
// applied to its children, and the ObjectType ids a child must match.
// An empty TypeIDs list accepts every object in the folder and leaves the
// filtering to the schema's inclusion/exclusion lists.
type Category struct {
	Label      string
	SchemaName string
	TypeIDs    []*ua.NodeID
}

// Matches reports whether typeDef is one of the category's object types.
func (c Category) Matches(typeDef *ua.NodeID) bool {
	if len(c.TypeIDs) == 0 {
		return true
	}
	if typeDef == nil {
		return false
	}
	for _, t := range c.TypeIDs {
		if t.String() == typeDef.String() {
			return true
		}
	}
	return false
}

// DefaultCategories is the machine-module folder set. Type ids are left
// open because they live in a server-specific namespace; deployments pin
// them through configuration when folders mix object types.
func DefaultCategories() []Category {
	return []Category{
		{Label: "MaterialBuffers", SchemaName: "MaterialBuffer"},
		{Label: "ProcessItems", SchemaName: "ProcessItem"},
		{Label: "DefectDetectionSensors", SchemaName: "DefectDetectionSensor"},
		{Label: "MaterialOutputs", SchemaName: "MaterialOutput"},
		{Label: "MaterialRejectionTraps", SchemaName: "MaterialRejectionTrap"},
		{Label: "ProcessControlLoops", SchemaName: "ProcessControlLoop"},
		{Label: "MaterialLoadingPoints", SchemaName: "MaterialLoadingPoint"},
	}
}
