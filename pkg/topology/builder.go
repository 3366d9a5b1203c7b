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

package topology

import (
	"context"
	"fmt"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/browse"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/pubsub"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/schema"
)

// Config carries the deployment-specific pieces of the walk.
type Config struct {
	// TopicPrefix is prepended verbatim to every machine topic.
	TopicPrefix string
	// RootFolder is the browse name of the machine container under the
	// Objects folder, "DeviceSet" by default.
	RootFolder string
	// MachineSchema is the object schema applied to each machine,
	// "MachineModule" by default.
	MachineSchema string
	// MachineTypes restricts which objects under the root count as
	// machines. Empty accepts all.
	MachineTypes []*ua.NodeID
	// Categories defaults to DefaultCategories.
	Categories []Category
}

func (c *Config) applyDefaults() {
	if c.RootFolder == "" {
		c.RootFolder = "DeviceSet"
	}
	if c.MachineSchema == "" {
		c.MachineSchema = "MachineModule"
	}
	if c.Categories == nil {
		c.Categories = DefaultCategories()
	}
}

// Builder performs the configuration pass: a single-threaded walk of the
// machine hierarchy issuing browse, resolve and create calls in order.
// Dataset creation always precedes the writer referencing it, and nothing
// is enabled until Activate.
type Builder struct {
	browser  *browse.Browser
	resolver *schema.Resolver
	store    *schema.Store
	client   *pubsub.Client
	conn     *pubsub.Connection
	cfg      Config
	log      *zap.SugaredLogger
}

func NewBuilder(browser *browse.Browser, resolver *schema.Resolver, store *schema.Store, client *pubsub.Client, conn *pubsub.Connection, cfg Config, log *zap.SugaredLogger) *Builder {
	cfg.applyDefaults()
	return &Builder{
		browser:  browser,
		resolver: resolver,
		store:    store,
		client:   client,
		conn:     conn,
		cfg:      cfg,
		log:      log,
	}
}

// Build walks the device hierarchy and creates the whole configuration
// graph. Per-machine and per-object failures are logged and skipped; only
// a failed browse of the root folder is fatal.
func (b *Builder) Build(ctx context.Context) error {
	return b.ConfigureDeviceSet(ctx)
}

// Activate enables everything Build created, in dependency order.
func (b *Builder) Activate(ctx context.Context) error {
	return b.client.Activate(ctx)
}

// ConfigureDeviceSet locates the root folder under Objects and configures
// every machine in it.
func (b *Builder) ConfigureDeviceSet(ctx context.Context) error {
	objects := ua.NewNumericNodeID(0, id.ObjectsFolder)
	root, err := b.browser.GetChildByName(ctx, objects, b.cfg.RootFolder)
	if err != nil {
		return fmt.Errorf("locate %s: %w", b.cfg.RootFolder, err)
	}
	if root == nil {
		return fmt.Errorf("no %s folder under Objects", b.cfg.RootFolder)
	}

	machines, err := b.browser.Browse(ctx, root, ua.NodeClassObject)
	if err != nil {
		return fmt.Errorf("browse %s: %w", b.cfg.RootFolder, err)
	}

	for _, machine := range machines {
		typeDef, err := b.browser.GetTypeDefinition(ctx, machine.Node.ID())
		if err != nil {
			b.log.Errorf("type definition of machine %s: %v", machine.Name, err)
			continue
		}
		if !b.isMachine(typeDef) {
			b.log.Debugf("skipping %s: not a machine type", machine.Name)
			continue
		}
		if err := b.ConfigureMachine(ctx, machine); err != nil {
			b.log.Errorf("configure machine %s: %v", machine.Name, err)
		}
	}
	return nil
}

func (b *Builder) isMachine(typeDef *ua.NodeID) bool {
	if len(b.cfg.MachineTypes) == 0 {
		return true
	}
	if typeDef == nil {
		return false
	}
	for _, t := range b.cfg.MachineTypes {
		if t.String() == typeDef.String() {
			return true
		}
	}
	return false
}

// ConfigureMachine builds the machine-level group and dataset, one group
// per category subtree, and the machine's aggregate Events group.
func (b *Builder) ConfigureMachine(ctx context.Context, machine browse.Reference) error {
	machineTopic := b.cfg.TopicPrefix + machine.Name

	group, err := b.client.AddWriterGroup(ctx, b.conn, machine.Name, machineTopic,
		b.publishInterval(b.cfg.MachineSchema))
	if err != nil {
		return fmt.Errorf("machine writer group: %w", err)
	}

	eventsGroup, err := b.client.AddWriterGroup(ctx, b.conn, machine.Name+".Events", machineTopic+"/Events",
		b.publishInterval(b.cfg.MachineSchema))
	if err != nil {
		return fmt.Errorf("events writer group: %w", err)
	}

	// Machine-level dataset on the machine's own topic.
	fields, included, err := b.resolver.ResolveObject(ctx, b.cfg.MachineSchema, machine.Node.ID())
	switch {
	case err != nil:
		b.log.Errorf("resolve schema %s for machine %s: %v", b.cfg.MachineSchema, machine.Name, err)
	case included:
		if err := b.createDataSetAndWriter(ctx, group, machine, machine.Name, machine.Name, machineTopic, fields); err != nil {
			b.log.Errorf("machine dataset for %s: %v", machine.Name, err)
		}
	}
	b.configureEvents(ctx, machine, machine.Name, machineTopic, eventsGroup)

	for _, category := range b.cfg.Categories {
		folder, err := b.browser.GetChildByName(ctx, machine.Node.ID(), category.Label)
		if err != nil {
			b.log.Errorf("locate %s under %s: %v", category.Label, machine.Name, err)
			continue
		}
		if folder == nil {
			b.log.Debugf("machine %s has no %s folder", machine.Name, category.Label)
			continue
		}

		categoryGroup, err := b.client.AddWriterGroup(ctx, b.conn, machine.Name+"."+category.Label,
			machineTopic+"/"+category.Label, b.publishInterval(category.SchemaName))
		if err != nil {
			b.log.Errorf("writer group for %s.%s: %v", machine.Name, category.Label, err)
			continue
		}

		if err := b.ConfigureSubtree(ctx, folder, category, machine.Name, categoryGroup, eventsGroup); err != nil {
			b.log.Errorf("configure %s of %s: %v", category.Label, machine.Name, err)
		}
	}
	return nil
}

// ConfigureSubtree configures every matching object in folder: a dataset
// named {machine}.{object} with a writer on {categoryTopic}/{object}, plus
// event datasets regardless of the object's inclusion. Per-object failures
// do not stop the sibling iteration; only a failed browse of the folder
// itself is an error.
func (b *Builder) ConfigureSubtree(ctx context.Context, folder *ua.NodeID, category Category, machineName string, group, eventsGroup *pubsub.WriterGroup) error {
	objects, err := b.browser.Browse(ctx, folder, ua.NodeClassObject)
	if err != nil {
		return err
	}

	for _, obj := range objects {
		typeDef, err := b.browser.GetTypeDefinition(ctx, obj.Node.ID())
		if err != nil {
			b.log.Errorf("type definition of %s: %v", obj.Name, err)
			continue
		}
		if !category.Matches(typeDef) {
			b.log.Debugf("skipping %s: type %s not in category %s", obj.Name, typeDef, category.Label)
			continue
		}

		objectTopic := group.QueueName + "/" + obj.Name

		fields, included, err := b.resolver.ResolveObject(ctx, category.SchemaName, obj.Node.ID())
		switch {
		case err != nil:
			b.log.Errorf("resolve schema %s for %s: %v", category.SchemaName, obj.Name, err)
		case included:
			datasetName := machineName + "." + obj.Name
			writerName := machineName + "." + category.Label + "." + obj.Name
			if err := b.createDataSetAndWriter(ctx, group, obj, datasetName, writerName, objectTopic, fields); err != nil {
				b.log.Errorf("dataset for %s: %v", obj.Name, err)
			}
		default:
			b.log.Infof("object %s excluded by schema %s", obj.Name, category.SchemaName)
		}

		b.configureEvents(ctx, obj, machineName+"."+obj.Name, objectTopic, eventsGroup)
	}
	return nil
}

func (b *Builder) createDataSetAndWriter(ctx context.Context, group *pubsub.WriterGroup, obj browse.Reference, datasetName, writerName, topic string, fields []schema.ResolvedField) error {
	ds, err := b.client.AddPublishedDataSet(ctx, datasetName, fields)
	if err != nil {
		return err
	}

	path, err := b.browser.PathOf(ctx, obj.Node.ID())
	if err != nil {
		b.log.Errorf("path of %s: %v", obj.Name, err)
	} else if err := b.client.AddExtensionField(ctx, ds, "Path", path); err != nil {
		b.log.Errorf("extension field for %s: %v", datasetName, err)
	}

	_, err = b.client.AddWriter(ctx, group, writerName, datasetName, topic)
	return err
}

// configureEvents registers an event dataset and writer for every event
// type the object's type definition generates, subject to the event
// schema's include/exclude lists. Runs regardless of the object's own
// inclusion decision.
func (b *Builder) configureEvents(ctx context.Context, obj browse.Reference, datasetPrefix, objectTopic string, eventsGroup *pubsub.WriterGroup) {
	events, err := b.resolver.EventsGeneratedBy(ctx, obj.Node.ID())
	if err != nil {
		b.log.Errorf("events generated by %s: %v", obj.Name, err)
		return
	}

	for _, event := range events {
		eventSchema, _, err := b.resolver.LoadOrDiscoverEventSchema(ctx, event.Node.ID())
		if err != nil {
			b.log.Errorf("event schema %s for %s: %v", event.Name, obj.Name, err)
			continue
		}
		if schema.ContainsNode(eventSchema.ExcludedNodes, obj.Node.ID()) {
			b.log.Debugf("object %s excluded from event %s", obj.Name, eventSchema.EventTypeName)
			continue
		}
		if len(eventSchema.IncludedNodes) > 0 && !schema.ContainsNode(eventSchema.IncludedNodes, obj.Node.ID()) {
			b.log.Debugf("object %s not on inclusion list of event %s", obj.Name, eventSchema.EventTypeName)
			continue
		}

		datasetName := datasetPrefix + "." + eventSchema.EventTypeName
		ds, err := b.client.AddPublishedDataSetEvents(ctx, datasetName, obj.Node.ID(), event.Node.ID(), eventSchema.Fields)
		if err != nil {
			b.log.Errorf("event dataset %s: %v", datasetName, err)
			continue
		}
		if ds == nil {
			continue
		}
		if _, err := b.client.AddWriter(ctx, eventsGroup, datasetName, datasetName,
			objectTopic+"/"+eventSchema.EventTypeName); err != nil {
			b.log.Errorf("event writer %s: %v", datasetName, err)
		}
	}
}

// publishInterval reads the schema's publish interval for use as the
// writer group cadence; missing schema or zero falls back to the group
// default.
func (b *Builder) publishInterval(schemaName string) float64 {
	s, err := b.store.LoadObject(schemaName)
	if err != nil {
		return 0
	}
	return float64(s.PublishInterval)
}
