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

package topology_test

import (
	"context"
	"os"

	json "github.com/goccy/go-json"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/browse"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/browse/browsetest"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/pubsub"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/pubsub/pubsubtest"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/schema"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/topology"
)

func writeSchema(store *schema.Store, name string, s *schema.ObjectSchema) {
	data, err := json.MarshalIndent(s, "", "  ")
	Expect(err).NotTo(HaveOccurred())
	Expect(os.WriteFile(store.Path(name), data, 0o644)).To(Succeed())
}

var _ = Describe("Builder", func() {
	var (
		ctx     context.Context
		source  *browsetest.MockSource
		store   *schema.Store
		adaptor *pubsubtest.MockAdaptor
		client  *pubsub.Client
		builder *topology.Builder

		machineType *browsetest.MockNode
		bufferType  *browsetest.MockNode
		buffer      *browsetest.MockNode
	)

	const profileMQTT = "http://opcfoundation.org/UA-Profile/Transport/pubsub-mqtt-json"

	BeforeEach(func() {
		ctx = context.Background()
		log := zap.NewNop().Sugar()

		// Address space: Objects / DeviceSet / Machine1 { Status,
		// MaterialBuffers / Buffer1 { Level } }.
		objects := browsetest.NewMockNode(ua.NewNumericNodeID(0, id.ObjectsFolder), "Objects", ua.NodeClassObject)
		deviceSet := browsetest.NewMockNode(ua.NewNumericNodeID(2, 1), "DeviceSet", ua.NodeClassObject)
		machine := browsetest.NewMockNode(ua.NewNumericNodeID(2, 2), "Machine1", ua.NodeClassObject)
		status := browsetest.NewMockNode(ua.NewNumericNodeID(2, 3), "Status", ua.NodeClassVariable)
		buffers := browsetest.NewMockNode(ua.NewNumericNodeID(2, 4), "MaterialBuffers", ua.NodeClassObject)
		buffer = browsetest.NewMockNode(ua.NewNumericNodeID(2, 5), "Buffer1", ua.NodeClassObject)
		level := browsetest.NewMockNode(ua.NewNumericNodeID(2, 6), "Level", ua.NodeClassVariable)

		machineType = browsetest.NewMockNode(ua.NewNumericNodeID(2, 10), "MachineModuleType", ua.NodeClassObjectType)
		bufferType = browsetest.NewMockNode(ua.NewNumericNodeID(2, 11), "MaterialBufferType", ua.NodeClassObjectType)
		eventType := browsetest.NewMockNode(ua.NewNumericNodeID(2, 12), "MaterialLowEventType", ua.NodeClassObjectType)
		baseEvent := browsetest.NewMockNode(ua.NewNumericNodeID(0, id.BaseEventType), "BaseEventType", ua.NodeClassObjectType)

		objects.AddReference(id.Organizes, ua.BrowseDirectionForward, deviceSet)
		deviceSet.AddReference(id.Organizes, ua.BrowseDirectionForward, machine)
		machine.AddReference(id.Aggregates, ua.BrowseDirectionForward, status)
		machine.AddReference(id.Aggregates, ua.BrowseDirectionForward, buffers)
		buffers.AddReference(id.Organizes, ua.BrowseDirectionForward, buffer)
		buffer.AddReference(id.Aggregates, ua.BrowseDirectionForward, level)

		machine.AddReference(id.HasTypeDefinition, ua.BrowseDirectionForward, machineType)
		buffer.AddReference(id.HasTypeDefinition, ua.BrowseDirectionForward, bufferType)
		bufferType.AddReference(id.GeneratesEvent, ua.BrowseDirectionForward, eventType)
		eventType.AddReference(id.HasSubtype, ua.BrowseDirectionInverse, baseEvent)

		// Inverse hierarchy for PathOf.
		machine.AddReference(id.HierarchicalReferences, ua.BrowseDirectionInverse, objects)
		buffers.AddReference(id.HierarchicalReferences, ua.BrowseDirectionInverse, machine)
		buffer.AddReference(id.HierarchicalReferences, ua.BrowseDirectionInverse, buffers)

		source = browsetest.NewMockSource(objects, deviceSet, machine, status, buffers, buffer, level,
			machineType, bufferType, eventType, baseEvent)

		store = schema.NewStore(GinkgoT().TempDir(), log)
		writeSchema(store, "MachineModule", &schema.ObjectSchema{
			Fields: []schema.Field{{FieldName: "Status"}},
		})
		writeSchema(store, "MaterialBuffer", &schema.ObjectSchema{
			Fields: []schema.Field{{FieldName: "Level"}},
		})

		browser := browse.NewBrowser(source, log)
		resolver := schema.NewResolver(browser, store, log)
		adaptor = pubsubtest.NewMockAdaptor()
		client = pubsub.NewClient(adaptor, log)

		conn, err := client.AddConnection(ctx, "Conn1", "broker:1883", profileMQTT, "publisher-1")
		Expect(err).NotTo(HaveOccurred())

		builder = topology.NewBuilder(browser, resolver, store, client, conn, topology.Config{
			TopicPrefix:  "factory/",
			MachineTypes: []*ua.NodeID{machineType.ID()},
			Categories: []topology.Category{
				{Label: "MaterialBuffers", SchemaName: "MaterialBuffer", TypeIDs: []*ua.NodeID{ua.NewNumericNodeID(2, 11)}},
			},
		}, log)
	})

	groupNames := func() []string {
		names := make([]string, 0, len(adaptor.Groups))
		for _, g := range adaptor.Groups {
			names = append(names, g.Name)
		}
		return names
	}

	datasetNames := func() []string {
		names := make([]string, 0, len(adaptor.DataItems))
		for _, ds := range adaptor.DataItems {
			names = append(names, ds.Name)
		}
		return names
	}

	findWriter := func(name string) *pubsub.DataSetWriter {
		for _, w := range adaptor.Writers {
			if w.Name == name {
				return w
			}
		}
		return nil
	}

	It("builds groups, datasets and writers with the topic contract", func() {
		Expect(builder.Build(ctx)).To(Succeed())

		Expect(groupNames()).To(ConsistOf("Machine1", "Machine1.Events", "Machine1.MaterialBuffers"))
		for _, g := range adaptor.Groups {
			switch g.Name {
			case "Machine1":
				Expect(g.QueueName).To(Equal("factory/Machine1"))
			case "Machine1.Events":
				Expect(g.QueueName).To(Equal("factory/Machine1/Events"))
			case "Machine1.MaterialBuffers":
				Expect(g.QueueName).To(Equal("factory/Machine1/MaterialBuffers"))
			}
		}

		Expect(datasetNames()).To(ConsistOf("Machine1", "Machine1.Buffer1"))

		machineWriter := findWriter("Machine1")
		Expect(machineWriter).NotTo(BeNil())
		Expect(machineWriter.QueueName).To(Equal("factory/Machine1"))

		bufferWriter := findWriter("Machine1.MaterialBuffers.Buffer1")
		Expect(bufferWriter).NotTo(BeNil())
		Expect(bufferWriter.DataSetName).To(Equal("Machine1.Buffer1"))
		Expect(bufferWriter.QueueName).To(Equal("factory/Machine1/MaterialBuffers/Buffer1"))
	})

	It("attaches the canonical path as an extension field", func() {
		Expect(builder.Build(ctx)).To(Succeed())
		Expect(adaptor.Extensions["Machine1.Buffer1"]).To(HaveKeyWithValue("Path", "Machine1.MaterialBuffers.Buffer1"))
	})

	It("configures events on the events group with the event topic", func() {
		Expect(builder.Build(ctx)).To(Succeed())

		Expect(adaptor.Events).To(HaveLen(1))
		Expect(adaptor.Events[0].Name).To(Equal("Machine1.Buffer1.MaterialLowEventType"))
		Expect(adaptor.Events[0].EventNotifier).To(Equal(buffer.ID()))

		eventWriter := findWriter("Machine1.Buffer1.MaterialLowEventType")
		Expect(eventWriter).NotTo(BeNil())
		Expect(eventWriter.QueueName).To(Equal("factory/Machine1/MaterialBuffers/Buffer1/MaterialLowEventType"))
	})

	It("still configures events for an excluded object", func() {
		writeSchema(store, "MaterialBuffer", &schema.ObjectSchema{
			Fields:        []schema.Field{{FieldName: "Level"}},
			ExcludedNodes: []string{buffer.ID().String()},
		})

		Expect(builder.Build(ctx)).To(Succeed())

		Expect(datasetNames()).NotTo(ContainElement("Machine1.Buffer1"))
		Expect(adaptor.Events).To(HaveLen(1))
	})

	It("skips objects whose type is outside the category", func() {
		otherType := browsetest.NewMockNode(ua.NewNumericNodeID(2, 20), "ConveyorType", ua.NodeClassObjectType)
		other := browsetest.NewMockNode(ua.NewNumericNodeID(2, 21), "Conveyor1", ua.NodeClassObject)
		other.AddReference(id.HasTypeDefinition, ua.BrowseDirectionForward, otherType)
		buffersNode, _ := source.Node(ua.NewNumericNodeID(2, 4)).(*browsetest.MockNode)
		buffersNode.AddReference(id.Organizes, ua.BrowseDirectionForward, other)
		source.Register(other)
		source.Register(otherType)

		Expect(builder.Build(ctx)).To(Succeed())
		Expect(datasetNames()).NotTo(ContainElement("Machine1.Conveyor1"))
	})

	It("is idempotent across repeated configuration passes", func() {
		Expect(builder.Build(ctx)).To(Succeed())
		groups := len(adaptor.Groups)
		datasets := len(adaptor.DataItems)
		writers := len(adaptor.Writers)
		events := len(adaptor.Events)

		Expect(builder.Build(ctx)).To(Succeed())
		Expect(adaptor.Groups).To(HaveLen(groups))
		Expect(adaptor.DataItems).To(HaveLen(datasets))
		Expect(adaptor.Writers).To(HaveLen(writers))
		Expect(adaptor.Events).To(HaveLen(events))
	})

	It("activates everything only after the build pass", func() {
		Expect(builder.Build(ctx)).To(Succeed())
		Expect(adaptor.Enabled).To(BeEmpty())

		Expect(builder.Activate(ctx)).To(Succeed())
		// 1 connection + 3 groups + 3 writers (machine, buffer, event).
		Expect(adaptor.Enabled).To(HaveLen(7))
	})

	It("fails when the device set folder is missing", func() {
		empty := browsetest.NewMockSource(
			browsetest.NewMockNode(ua.NewNumericNodeID(0, id.ObjectsFolder), "Objects", ua.NodeClassObject))
		log := zap.NewNop().Sugar()
		browser := browse.NewBrowser(empty, log)
		resolver := schema.NewResolver(browser, store, log)
		conn, ok := client.Connection("Conn1")
		Expect(ok).To(BeTrue())
		lonely := topology.NewBuilder(browser, resolver, store, client, conn, topology.Config{}, log)

		Expect(lonely.Build(ctx)).To(HaveOccurred())
	})
})
