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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/pubsub"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/transport"
)

// Fixed subscription parameters for every published-items and
// published-events object. Not configurable per group.
const (
	subscriptionInterval         = 100 * time.Millisecond
	subscriptionKeepAliveCount   = 100
	subscriptionLifetimeCount    = 1000
	subscriptionMaxNotifications = 10000

	eventQueueSize = 10
	notifyChanSize = 100
)

// publishedItems is one live dataset: its subscription, the writer that
// routes it, and the last value per field alias. Event datasets keep the
// alias order of their select clauses instead.
type publishedItems struct {
	dataset      *pubsub.PublishedDataSet
	writer       *pubsub.DataSetWriter
	sub          Subscription
	values       map[string]interface{}
	eventAliases []string
}

type fieldBinding struct {
	items *publishedItems
	alias string
}

// Publisher owns the writer-side registries of one connection and turns
// subscription notifications into dataset messages on the transport.
type Publisher struct {
	source  transport.DataSource
	monitor MonitorService
	log     *zap.SugaredLogger
	notify  chan *opcua.PublishNotificationData

	mu         sync.Mutex
	groups     map[string]*pubsub.WriterGroup
	writers    map[string]*pubsub.DataSetWriter
	byDataSet  map[string]*pubsub.DataSetWriter
	items      map[string]*publishedItems
	bindings   map[uint32]*fieldBinding
	nextHandle uint32
}

func NewPublisher(source transport.DataSource, monitor MonitorService, log *zap.SugaredLogger) *Publisher {
	return &Publisher{
		source:    source,
		monitor:   monitor,
		log:       log,
		notify:    make(chan *opcua.PublishNotificationData, notifyChanSize),
		groups:    make(map[string]*pubsub.WriterGroup),
		writers:   make(map[string]*pubsub.DataSetWriter),
		byDataSet: make(map[string]*pubsub.DataSetWriter),
		items:     make(map[string]*publishedItems),
		bindings:  make(map[uint32]*fieldBinding),
	}
}

// AddWriterGroup registers a writer group with this publisher.
func (p *Publisher) AddWriterGroup(group *pubsub.WriterGroup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[group.Name] = group
}

// AddDataSetWriter registers a writer; its dataset name is the key the
// published items bind through.
func (p *Publisher) AddDataSetWriter(writer *pubsub.DataSetWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writers[writer.Name] = writer
	p.byDataSet[writer.DataSetName] = writer
}

// RemoveDataSetWriter drops a writer from the registries.
func (p *Publisher) RemoveDataSetWriter(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	writer, ok := p.writers[name]
	if !ok {
		return
	}
	delete(p.writers, name)
	delete(p.byDataSet, writer.DataSetName)
}

// AddPublishedDataItems creates a fresh subscription for the dataset and
// monitors every resolved field's attribute. Values published on the
// subscription flow out as JSON messages on the bound writer's topic.
func (p *Publisher) AddPublishedDataItems(ctx context.Context, ds *pubsub.PublishedDataSet) error {
	p.mu.Lock()
	writer, ok := p.byDataSet[ds.Name]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no dataset writer for dataset %s", ds.Name)
	}

	sub, err := p.monitor.Subscribe(ctx, p.subscriptionParameters(), p.notify)
	if err != nil {
		return fmt.Errorf("subscribe for dataset %s: %w", ds.Name, err)
	}

	items := &publishedItems{
		dataset: ds,
		writer:  writer,
		sub:     sub,
		values:  make(map[string]interface{}, len(ds.Fields)+len(ds.ExtensionFields)),
	}
	for name, value := range ds.ExtensionFields {
		items.values[name] = value
	}

	p.mu.Lock()
	requests := make([]*ua.MonitoredItemCreateRequest, 0, len(ds.Fields))
	for _, field := range ds.Fields {
		p.nextHandle++
		handle := p.nextHandle
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(field.Node, ua.AttributeID(field.Attribute), handle)
		if field.SamplingInterval >= 0 {
			req.RequestedParameters.SamplingInterval = float64(field.SamplingInterval)
		}
		requests = append(requests, req)
		p.bindings[handle] = &fieldBinding{items: items, alias: field.Name}
	}
	p.items[ds.Name] = items
	p.mu.Unlock()

	res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, requests...)
	if err != nil {
		p.unbind(ds.Name, items)
		return fmt.Errorf("monitor dataset %s: %w", ds.Name, err)
	}
	for i, result := range res.Results {
		if !errors.Is(result.StatusCode, ua.StatusOK) {
			p.log.Warnf("monitoring %s of dataset %s failed: %v", ds.Fields[i].Name, ds.Name, result.StatusCode)
		}
	}
	p.log.Infof("monitoring %d fields of dataset %s", len(requests), ds.Name)
	return nil
}

// AddPublishedEvents creates a fresh subscription with a single monitored
// item on the dataset's event notifier, filtered to the dataset's event
// type, selecting the schema's browse paths as event fields.
func (p *Publisher) AddPublishedEvents(ctx context.Context, ds *pubsub.PublishedDataSet) error {
	p.mu.Lock()
	writer, ok := p.byDataSet[ds.Name]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no dataset writer for dataset %s", ds.Name)
	}

	sub, err := p.monitor.Subscribe(ctx, p.subscriptionParameters(), p.notify)
	if err != nil {
		return fmt.Errorf("subscribe for event dataset %s: %w", ds.Name, err)
	}

	items := &publishedItems{
		dataset: ds,
		writer:  writer,
		sub:     sub,
		values:  make(map[string]interface{}, len(ds.ExtensionFields)),
	}
	for name, value := range ds.ExtensionFields {
		items.values[name] = value
	}

	selects := make([]*ua.SimpleAttributeOperand, 0, len(ds.EventFields))
	for _, field := range ds.EventFields {
		if !field.IsEnabled() {
			continue
		}
		items.eventAliases = append(items.eventAliases, field.Alias())
		selects = append(selects, &ua.SimpleAttributeOperand{
			TypeDefinitionID: ua.NewNumericNodeID(0, id.BaseEventType),
			BrowsePath:       field.BrowsePath(),
			AttributeID:      ua.AttributeIDValue,
		})
	}

	p.mu.Lock()
	p.nextHandle++
	handle := p.nextHandle
	p.bindings[handle] = &fieldBinding{items: items}
	p.items[ds.Name] = items
	p.mu.Unlock()

	req := &ua.MonitoredItemCreateRequest{
		ItemToMonitor: &ua.ReadValueID{
			NodeID:       ds.EventNotifier,
			AttributeID:  ua.AttributeIDEventNotifier,
			DataEncoding: &ua.QualifiedName{},
		},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:     handle,
			DiscardOldest:    true,
			QueueSize:        eventQueueSize,
			SamplingInterval: 1.0,
			Filter:           eventFilter(selects, ds.EventTypeID),
		},
	}

	if _, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req); err != nil {
		p.unbind(ds.Name, items)
		return fmt.Errorf("monitor events of dataset %s: %w", ds.Name, err)
	}
	p.log.Infof("monitoring events of %s with %d fields", ds.Name, len(selects))
	return nil
}

// unbind drops a dataset and its handle bindings from the registries. It
// backs out a registration whose Monitor call failed, so the dataset can
// be added again cleanly.
func (p *Publisher) unbind(dataset string, items *publishedItems) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, dataset)
	for handle, binding := range p.bindings {
		if binding.items == items {
			delete(p.bindings, handle)
		}
	}
}

// RemovePublishedDataItems cancels the dataset's subscription and drops
// its bindings.
func (p *Publisher) RemovePublishedDataItems(ctx context.Context, dataset string) error {
	p.mu.Lock()
	items, ok := p.items[dataset]
	if ok {
		delete(p.items, dataset)
		for handle, binding := range p.bindings {
			if binding.items == items {
				delete(p.bindings, handle)
			}
		}
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("dataset %s not published", dataset)
	}
	return items.sub.Cancel(ctx)
}

// Run consumes subscription notifications until the context ends.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case notification := <-p.notify:
			if notification.Error != nil {
				p.log.Warnf("subscription %d: %v", notification.SubscriptionID, notification.Error)
				continue
			}
			switch value := notification.Value.(type) {
			case *ua.DataChangeNotification:
				p.handleDataChange(ctx, value)
			case *ua.EventNotificationList:
				p.handleEvents(ctx, value)
			default:
				p.log.Debugf("ignoring notification type %T", value)
			}
		}
	}
}

func (p *Publisher) handleDataChange(ctx context.Context, notification *ua.DataChangeNotification) {
	dirty := make(map[*publishedItems]struct{})

	p.mu.Lock()
	for _, item := range notification.MonitoredItems {
		binding, ok := p.bindings[item.ClientHandle]
		if !ok || binding.alias == "" {
			continue
		}
		var value interface{}
		if item.Value != nil && item.Value.Value != nil {
			value = item.Value.Value.Value()
		}
		binding.items.values[binding.alias] = value
		dirty[binding.items] = struct{}{}
	}
	payloads := make(map[*publishedItems]map[string]interface{}, len(dirty))
	for items := range dirty {
		payloads[items] = snapshot(items.values)
	}
	p.mu.Unlock()

	for items, payload := range payloads {
		p.publish(ctx, items.writer, payload)
	}
}

func (p *Publisher) handleEvents(ctx context.Context, notification *ua.EventNotificationList) {
	for _, event := range notification.Events {
		p.mu.Lock()
		binding, ok := p.bindings[event.ClientHandle]
		if !ok {
			p.mu.Unlock()
			continue
		}
		payload := snapshot(binding.items.values)
		for i, field := range event.EventFields {
			if i >= len(binding.items.eventAliases) {
				break
			}
			payload[binding.items.eventAliases[i]] = field.Value()
		}
		writer := binding.items.writer
		p.mu.Unlock()

		p.publish(ctx, writer, payload)
	}
}

func (p *Publisher) publish(ctx context.Context, writer *pubsub.DataSetWriter, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Errorf("encode dataset message for %s: %v", writer.Name, err)
		return
	}
	if err := p.source.SendData(ctx, data, writer.QueueName); err != nil {
		p.log.Errorf("publish to %s: %v", writer.QueueName, err)
	}
}

func (p *Publisher) subscriptionParameters() *opcua.SubscriptionParameters {
	return &opcua.SubscriptionParameters{
		Interval:                   subscriptionInterval,
		MaxKeepAliveCount:          subscriptionKeepAliveCount,
		LifetimeCount:              subscriptionLifetimeCount,
		MaxNotificationsPerPublish: subscriptionMaxNotifications,
	}
}

// eventFilter builds the monitored-item filter: the select clauses plus an
// OfType where-clause restricting notifications to the dataset's event
// type.
func eventFilter(selects []*ua.SimpleAttributeOperand, eventType *ua.NodeID) *ua.ExtensionObject {
	where := &ua.ContentFilter{
		Elements: []*ua.ContentFilterElement{{
			FilterOperator: ua.FilterOperatorOfType,
			FilterOperands: []*ua.ExtensionObject{{
				EncodingMask: ua.ExtensionObjectBinary,
				TypeID:       &ua.ExpandedNodeID{NodeID: ua.NewNumericNodeID(0, id.LiteralOperand_Encoding_DefaultBinary)},
				Value:        &ua.LiteralOperand{Value: ua.MustVariant(eventType)},
			}},
		}},
	}
	return &ua.ExtensionObject{
		EncodingMask: ua.ExtensionObjectBinary,
		TypeID:       &ua.ExpandedNodeID{NodeID: ua.NewNumericNodeID(0, id.EventFilter_Encoding_DefaultBinary)},
		Value:        &ua.EventFilter{SelectClauses: selects, WhereClause: where},
	}
}

func snapshot(values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
