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

package dispatch_test

import (
	"context"
	"errors"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/config"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/dispatch"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/pubsub"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/schema"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/transport"
)

const (
	mqttJSONProfile = "http://opcfoundation.org/UA-Profile/Transport/pubsub-mqtt-json"
	udpUADPProfile  = "http://opcfoundation.org/UA-Profile/Transport/pubsub-udp-uadp"
)

type sentMessage struct {
	Topic   string
	Payload []byte
}

// fakeSource records everything the dispatcher does with the transport and
// lets tests inject inbound messages.
type fakeSource struct {
	mu       sync.Mutex
	initErr  error
	format   transport.Format
	address  string
	sent     []sentMessage
	received []string
	closed   bool
	messages chan transport.Message
}

func newFakeSource() *fakeSource {
	return &fakeSource{messages: make(chan transport.Message, 16)}
}

func (f *fakeSource) Initialize(ctx context.Context, format transport.Format, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.format = format
	f.address = address
	return f.initErr
}

func (f *fakeSource) SendData(ctx context.Context, payload []byte, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Topic: topic, Payload: payload})
	return nil
}

func (f *fakeSource) ReceiveData(ctx context.Context, queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, queue)
	return nil
}

func (f *fakeSource) Messages() <-chan transport.Message {
	return f.messages
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeSub records monitored item requests and answers every one with a
// good status.
type fakeSub struct {
	mu         sync.Mutex
	requests   []*ua.MonitoredItemCreateRequest
	cancelled  bool
	monitorErr error
}

func (s *fakeSub) Monitor(ctx context.Context, ts ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitorErr != nil {
		return nil, s.monitorErr
	}
	s.requests = append(s.requests, items...)
	results := make([]*ua.MonitoredItemCreateResult, len(items))
	for i := range results {
		results[i] = &ua.MonitoredItemCreateResult{StatusCode: ua.StatusOK}
	}
	return &ua.CreateMonitoredItemsResponse{Results: results}, nil
}

func (s *fakeSub) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	return nil
}

func (s *fakeSub) monitored() []*ua.MonitoredItemCreateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ua.MonitoredItemCreateRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// fakeMonitor hands out fakeSubs and keeps the notify channel so tests can
// feed notifications straight into the publish loop.
type fakeMonitor struct {
	mu         sync.Mutex
	subs       []*fakeSub
	notify     chan *opcua.PublishNotificationData
	monitorErr error
}

func (m *fakeMonitor) Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notify chan *opcua.PublishNotificationData) (dispatch.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = notify
	sub := &fakeSub{monitorErr: m.monitorErr}
	m.subs = append(m.subs, sub)
	return sub, nil
}

func (m *fakeMonitor) failMonitor(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitorErr = err
}

func (m *fakeMonitor) lastSub() *fakeSub {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subs) == 0 {
		return nil
	}
	return m.subs[len(m.subs)-1]
}

var _ = Describe("Dispatcher", func() {
	var (
		ctx        context.Context
		cancel     context.CancelFunc
		source     *fakeSource
		monitor    *fakeMonitor
		dispatcher *dispatch.Dispatcher
		states     []string
		statesMu   sync.Mutex
	)

	newConnection := func(profile string) *pubsub.Connection {
		return &pubsub.Connection{
			Name:                "MqttConnection",
			Address:             "mqtt://broker:1883",
			TransportProfileURI: profile,
			PublisherID:         "adapter-1",
		}
	}

	recordedStates := func() []string {
		statesMu.Lock()
		defer statesMu.Unlock()
		out := make([]string, len(states))
		copy(out, states)
		return out
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		source = newFakeSource()
		monitor = &fakeMonitor{}
		states = nil
		dispatcher = dispatch.NewDispatcher(
			config.Broker{Host: "broker", Port: 1883},
			0,
			monitor,
			zap.NewNop().Sugar(),
			dispatch.WithSourceFactory(func(string) (transport.DataSource, error) { return source, nil }),
			dispatch.WithStateCallback(func(_, state string) {
				statesMu.Lock()
				states = append(states, state)
				statesMu.Unlock()
			}),
		)
	})

	AfterEach(func() {
		Expect(dispatcher.Close()).To(Succeed())
		cancel()
	})

	Describe("AddConnection", func() {
		It("initializes the transport with the profile's format and address", func() {
			psm, err := dispatcher.AddConnection(ctx, newConnection(mqttJSONProfile))
			Expect(err).NotTo(HaveOccurred())
			Expect(psm.State()).To(Equal(dispatch.StateOperational))
			Expect(source.format).To(Equal(transport.FormatJSON))
			Expect(source.address).To(Equal("mqtt://broker:1883"))
		})

		It("passes the uadp format for datagram profiles", func() {
			_, err := dispatcher.AddConnection(ctx, newConnection(udpUADPProfile))
			Expect(err).NotTo(HaveOccurred())
			Expect(source.format).To(Equal(transport.FormatUADP))
		})

		It("walks the lifecycle states", func() {
			_, err := dispatcher.AddConnection(ctx, newConnection(mqttJSONProfile))
			Expect(err).NotTo(HaveOccurred())
			Expect(recordedStates()).To(Equal([]string{
				dispatch.StateConnecting,
				dispatch.StateOperational,
			}))
		})

		It("keeps a failed connection registered in the error state", func() {
			source.initErr = errors.New("broker unreachable")
			psm, err := dispatcher.AddConnection(ctx, newConnection(mqttJSONProfile))
			Expect(err).To(HaveOccurred())
			Expect(psm.State()).To(Equal(dispatch.StateError))

			registered, ok := dispatcher.Connection("MqttConnection")
			Expect(ok).To(BeTrue())
			Expect(registered).To(BeIdenticalTo(psm))
		})

		It("reuses an already dispatched connection", func() {
			first, err := dispatcher.AddConnection(ctx, newConnection(mqttJSONProfile))
			Expect(err).NotTo(HaveOccurred())
			second, err := dispatcher.AddConnection(ctx, newConnection(mqttJSONProfile))
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(BeIdenticalTo(first))
		})
	})

	Describe("publishing data changes", func() {
		var writer *pubsub.DataSetWriter

		BeforeEach(func() {
			_, err := dispatcher.AddConnection(ctx, newConnection(mqttJSONProfile))
			Expect(err).NotTo(HaveOccurred())

			group := pubsub.NewWriterGroup("Machine1", "factory/Machine1", 0)
			Expect(dispatcher.AddWriterGroup("MqttConnection", group)).To(Succeed())

			writer = &pubsub.DataSetWriter{
				Name:        "Machine1.MaterialBuffers.Buffer1",
				DataSetName: "Machine1.Buffer1",
				QueueName:   "factory/Machine1/MaterialBuffers/Buffer1",
			}
			Expect(dispatcher.AddDataSetWriter("MqttConnection", writer)).To(Succeed())
		})

		It("monitors every field and overrides the sampling interval", func() {
			ds := &pubsub.PublishedDataSet{
				Name: "Machine1.Buffer1",
				Fields: []schema.ResolvedField{
					{Name: "Level", Node: ua.NewNumericNodeID(2, 100), Attribute: uint32(ua.AttributeIDValue), SamplingInterval: 250},
					{Name: "Status", Node: ua.NewNumericNodeID(2, 101), Attribute: uint32(ua.AttributeIDValue), SamplingInterval: -1},
				},
			}
			Expect(dispatcher.AddPublishedDataItems(ctx, "MqttConnection", ds)).To(Succeed())

			requests := monitor.lastSub().monitored()
			Expect(requests).To(HaveLen(2))
			Expect(requests[0].RequestedParameters.SamplingInterval).To(Equal(250.0))
			Expect(requests[0].ItemToMonitor.NodeID.String()).To(Equal("ns=2;i=100"))
		})

		It("rejects a dataset with no writer bound to it", func() {
			ds := &pubsub.PublishedDataSet{Name: "Orphan"}
			err := dispatcher.AddPublishedDataItems(ctx, "MqttConnection", ds)
			Expect(err).To(MatchError(ContainSubstring("no dataset writer")))
		})

		It("publishes a JSON snapshot with extension fields on a data change", func() {
			ds := &pubsub.PublishedDataSet{
				Name: "Machine1.Buffer1",
				Fields: []schema.ResolvedField{
					{Name: "Level", Node: ua.NewNumericNodeID(2, 100), Attribute: uint32(ua.AttributeIDValue), SamplingInterval: -1},
				},
				ExtensionFields: map[string]string{"Path": "Machine1.MaterialBuffers.Buffer1"},
			}
			Expect(dispatcher.AddPublishedDataItems(ctx, "MqttConnection", ds)).To(Succeed())

			monitor.notify <- &opcua.PublishNotificationData{
				Value: &ua.DataChangeNotification{
					MonitoredItems: []*ua.MonitoredItemNotification{
						{ClientHandle: 1, Value: &ua.DataValue{Value: ua.MustVariant(42.5)}},
					},
				},
			}

			Eventually(source.sentMessages).Should(HaveLen(1))
			msg := source.sentMessages()[0]
			Expect(msg.Topic).To(Equal("factory/Machine1/MaterialBuffers/Buffer1"))

			var payload map[string]interface{}
			Expect(json.Unmarshal(msg.Payload, &payload)).To(Succeed())
			Expect(payload).To(HaveKeyWithValue("Level", 42.5))
			Expect(payload).To(HaveKeyWithValue("Path", "Machine1.MaterialBuffers.Buffer1"))
		})

		It("ignores notifications for unknown client handles", func() {
			ds := &pubsub.PublishedDataSet{
				Name: "Machine1.Buffer1",
				Fields: []schema.ResolvedField{
					{Name: "Level", Node: ua.NewNumericNodeID(2, 100), Attribute: uint32(ua.AttributeIDValue), SamplingInterval: -1},
				},
			}
			Expect(dispatcher.AddPublishedDataItems(ctx, "MqttConnection", ds)).To(Succeed())

			monitor.notify <- &opcua.PublishNotificationData{
				Value: &ua.DataChangeNotification{
					MonitoredItems: []*ua.MonitoredItemNotification{
						{ClientHandle: 999, Value: &ua.DataValue{Value: ua.MustVariant(int32(1))}},
					},
				},
			}
			Consistently(source.sentMessages).Should(BeEmpty())
		})

		It("leaves no registration behind when monitoring fails", func() {
			monitor.failMonitor(errors.New("too many monitored items"))
			ds := &pubsub.PublishedDataSet{
				Name: "Machine1.Buffer1",
				Fields: []schema.ResolvedField{
					{Name: "Level", Node: ua.NewNumericNodeID(2, 100), Attribute: uint32(ua.AttributeIDValue), SamplingInterval: -1},
				},
			}
			err := dispatcher.AddPublishedDataItems(ctx, "MqttConnection", ds)
			Expect(err).To(MatchError(ContainSubstring("monitor dataset")))

			// Nothing may publish on the handle the failed add allocated.
			monitor.notify <- &opcua.PublishNotificationData{
				Value: &ua.DataChangeNotification{
					MonitoredItems: []*ua.MonitoredItemNotification{
						{ClientHandle: 1, Value: &ua.DataValue{Value: ua.MustVariant(42.5)}},
					},
				},
			}
			Consistently(source.sentMessages).Should(BeEmpty())

			// The dataset is not registered, so removal rejects it and a
			// second add starts from a clean slate.
			Expect(dispatcher.RemovePublishedDataItems(ctx, "MqttConnection", "Machine1.Buffer1")).NotTo(Succeed())

			monitor.failMonitor(nil)
			Expect(dispatcher.AddPublishedDataItems(ctx, "MqttConnection", ds)).To(Succeed())
		})

		It("cancels the subscription when the dataset is removed", func() {
			ds := &pubsub.PublishedDataSet{
				Name: "Machine1.Buffer1",
				Fields: []schema.ResolvedField{
					{Name: "Level", Node: ua.NewNumericNodeID(2, 100), Attribute: uint32(ua.AttributeIDValue), SamplingInterval: -1},
				},
			}
			Expect(dispatcher.AddPublishedDataItems(ctx, "MqttConnection", ds)).To(Succeed())
			sub := monitor.lastSub()

			Expect(dispatcher.RemovePublishedDataItems(ctx, "MqttConnection", "Machine1.Buffer1")).To(Succeed())
			Expect(sub.cancelled).To(BeTrue())

			err := dispatcher.RemovePublishedDataItems(ctx, "MqttConnection", "Machine1.Buffer1")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("publishing events", func() {
		BeforeEach(func() {
			_, err := dispatcher.AddConnection(ctx, newConnection(mqttJSONProfile))
			Expect(err).NotTo(HaveOccurred())

			writer := &pubsub.DataSetWriter{
				Name:        "Machine1.MaterialBuffers.Buffer1.MaterialLowEventType",
				DataSetName: "Machine1.Buffer1.MaterialLowEventType",
				QueueName:   "factory/Machine1/MaterialBuffers/Buffer1/MaterialLowEventType",
			}
			Expect(dispatcher.AddDataSetWriter("MqttConnection", writer)).To(Succeed())
		})

		newEventDataSet := func() *pubsub.PublishedDataSet {
			return &pubsub.PublishedDataSet{
				Name:          "Machine1.Buffer1.MaterialLowEventType",
				EventNotifier: ua.NewNumericNodeID(2, 200),
				EventTypeID:   ua.NewNumericNodeID(2, 300),
				EventFields: []schema.EventField{
					{BrowsePathString: "2:Code"},
					{BrowsePathString: "Message"},
				},
				IsEvents: true,
			}
		}

		It("monitors the event notifier with an event filter", func() {
			Expect(dispatcher.AddPublishedEvents(ctx, "MqttConnection", newEventDataSet())).To(Succeed())

			requests := monitor.lastSub().monitored()
			Expect(requests).To(HaveLen(1))
			Expect(requests[0].ItemToMonitor.AttributeID).To(Equal(ua.AttributeIDEventNotifier))
			Expect(requests[0].ItemToMonitor.NodeID.String()).To(Equal("ns=2;i=200"))
			Expect(requests[0].MonitoringMode).To(Equal(ua.MonitoringModeReporting))

			filter, ok := requests[0].RequestedParameters.Filter.Value.(*ua.EventFilter)
			Expect(ok).To(BeTrue())
			Expect(filter.SelectClauses).To(HaveLen(2))
			Expect(filter.SelectClauses[0].BrowsePath).To(HaveLen(1))
			Expect(filter.SelectClauses[0].BrowsePath[0].Name).To(Equal("Code"))
			Expect(filter.WhereClause.Elements).To(HaveLen(1))
			Expect(filter.WhereClause.Elements[0].FilterOperator).To(Equal(ua.FilterOperatorOfType))
		})

		It("leaves no registration behind when event monitoring fails", func() {
			monitor.failMonitor(errors.New("too many monitored items"))
			err := dispatcher.AddPublishedEvents(ctx, "MqttConnection", newEventDataSet())
			Expect(err).To(MatchError(ContainSubstring("monitor events")))

			monitor.notify <- &opcua.PublishNotificationData{
				Value: &ua.EventNotificationList{
					Events: []*ua.EventFieldList{{
						ClientHandle: 1,
						EventFields:  []*ua.Variant{ua.MustVariant(int32(17)), ua.MustVariant("buffer low")},
					}},
				},
			}
			Consistently(source.sentMessages).Should(BeEmpty())

			monitor.failMonitor(nil)
			Expect(dispatcher.AddPublishedEvents(ctx, "MqttConnection", newEventDataSet())).To(Succeed())
		})

		It("publishes alias-keyed payloads for received events", func() {
			Expect(dispatcher.AddPublishedEvents(ctx, "MqttConnection", newEventDataSet())).To(Succeed())

			monitor.notify <- &opcua.PublishNotificationData{
				Value: &ua.EventNotificationList{
					Events: []*ua.EventFieldList{{
						ClientHandle: 1,
						EventFields:  []*ua.Variant{ua.MustVariant(int32(17)), ua.MustVariant("buffer low")},
					}},
				},
			}

			Eventually(source.sentMessages).Should(HaveLen(1))
			msg := source.sentMessages()[0]
			Expect(msg.Topic).To(Equal("factory/Machine1/MaterialBuffers/Buffer1/MaterialLowEventType"))

			var payload map[string]interface{}
			Expect(json.Unmarshal(msg.Payload, &payload)).To(Succeed())
			Expect(payload).To(HaveKeyWithValue("Code", float64(17)))
			Expect(payload).To(HaveKeyWithValue("Message", "buffer low"))
		})
	})

	Describe("subscribing", func() {
		BeforeEach(func() {
			_, err := dispatcher.AddConnection(ctx, newConnection(mqttJSONProfile))
			Expect(err).NotTo(HaveOccurred())
		})

		It("routes inbound messages to the reader's handler", func() {
			var (
				mu       sync.Mutex
				payloads []string
			)
			handler := func(topic string, payload []byte) {
				mu.Lock()
				payloads = append(payloads, string(payload))
				mu.Unlock()
			}
			Expect(dispatcher.AddDataSetReader(ctx, "MqttConnection", "Buffer1Reader", "factory/Machine1/MaterialBuffers/Buffer1", handler)).To(Succeed())
			Expect(source.received).To(ContainElement("factory/Machine1/MaterialBuffers/Buffer1"))

			source.messages <- transport.Message{Topic: "factory/Machine1/MaterialBuffers/Buffer1", Payload: []byte(`{"Level":1}`)}
			Eventually(func() []string {
				mu.Lock()
				defer mu.Unlock()
				return append([]string(nil), payloads...)
			}).Should(ConsistOf(`{"Level":1}`))
		})

		It("drops messages once the reader is removed", func() {
			called := false
			handler := func(string, []byte) { called = true }
			Expect(dispatcher.AddDataSetReader(ctx, "MqttConnection", "Buffer1Reader", "factory/topic", handler)).To(Succeed())
			Expect(dispatcher.RemoveDataSetReader("MqttConnection", "Buffer1Reader")).To(Succeed())

			source.messages <- transport.Message{Topic: "factory/topic", Payload: []byte(`{}`)}
			Consistently(func() bool { return called }).Should(BeFalse())
		})
	})

	Describe("RemoveConnection", func() {
		It("closes the transport and forgets the connection", func() {
			_, err := dispatcher.AddConnection(ctx, newConnection(mqttJSONProfile))
			Expect(err).NotTo(HaveOccurred())

			Expect(dispatcher.RemoveConnection(ctx, "MqttConnection")).To(Succeed())
			Expect(source.closed).To(BeTrue())

			_, ok := dispatcher.Connection("MqttConnection")
			Expect(ok).To(BeFalse())
			Expect(dispatcher.RemoveConnection(ctx, "MqttConnection")).NotTo(Succeed())
		})
	})
})
