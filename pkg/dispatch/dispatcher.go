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

// Package dispatch is the runtime side of the adapter: it binds the
// configuration graph to live OPC UA subscriptions and to the network
// transports, one Publisher/Subscriber pair per PubSub connection.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/config"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/pubsub"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/transport"
)

// Connection lifecycle states, visible to the owner through the state
// callback so it can mirror them into the server's address space.
const (
	StateCreated     = "created"
	StateConnecting  = "connecting"
	StateOperational = "operational"
	StateError       = "error"
)

const (
	eventConnect   = "connect"
	eventConnected = "connected"
	eventFailed    = "failed"
)

// Subscription is the slice of *opcua.Subscription the publisher needs.
type Subscription interface {
	Monitor(ctx context.Context, ts ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error)
	Cancel(ctx context.Context) error
}

// MonitorService creates server subscriptions. Tests replace it with a
// fake that feeds the notify channel directly.
type MonitorService interface {
	Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notify chan *opcua.PublishNotificationData) (Subscription, error)
}

// OPCUAMonitor is the production MonitorService over a connected client.
type OPCUAMonitor struct {
	Client *opcua.Client
}

func (m *OPCUAMonitor) Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notify chan *opcua.PublishNotificationData) (Subscription, error) {
	return m.Client.Subscribe(ctx, params, notify)
}

// SourceFactory builds the transport data source for a profile URI.
type SourceFactory func(profileURI string) (transport.DataSource, error)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSourceFactory overrides how transports are created. Used by tests.
func WithSourceFactory(f SourceFactory) Option {
	return func(d *Dispatcher) { d.newSource = f }
}

// WithStateCallback registers a callback invoked on every connection state
// change, e.g. to write the status back into the address space.
func WithStateCallback(cb func(connection, state string)) Option {
	return func(d *Dispatcher) { d.onStateChange = cb }
}

// PublishSubscribeMap is the runtime counterpart of one PubSub connection:
// independent Publisher and Subscriber book-keeping sharing one transport.
type PublishSubscribeMap struct {
	Connection *pubsub.Connection
	Publisher  *Publisher
	Subscriber *Subscriber
	Source     transport.DataSource

	machine *fsm.FSM
	cancel  context.CancelFunc
}

// State returns the connection's current lifecycle state.
func (m *PublishSubscribeMap) State() string {
	return m.machine.Current()
}

// Dispatcher owns the runtime connection registry. All registries are
// mutex-guarded: broker callbacks and subscription notifications arrive on
// their own goroutines.
type Dispatcher struct {
	monitor       MonitorService
	log           *zap.SugaredLogger
	newSource     SourceFactory
	onStateChange func(connection, state string)

	mu          sync.Mutex
	connections map[string]*PublishSubscribeMap
}

func NewDispatcher(broker config.Broker, connectMaxElapsed time.Duration, monitor MonitorService, log *zap.SugaredLogger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		monitor:     monitor,
		log:         log,
		connections: make(map[string]*PublishSubscribeMap),
		newSource: func(profileURI string) (transport.DataSource, error) {
			return transport.NewDataSource(profileURI, broker, connectMaxElapsed, log)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddConnection instantiates the transport for the connection's profile
// URI, initializes it, and starts the publish and subscribe loops. The
// connection ends in the Operational state on success and in the Error
// state on a failed initialize; either way it stays registered so its
// status remains observable.
func (d *Dispatcher) AddConnection(ctx context.Context, conn *pubsub.Connection) (*PublishSubscribeMap, error) {
	d.mu.Lock()
	if existing, ok := d.connections[conn.Name]; ok {
		d.mu.Unlock()
		d.log.Debugf("connection %s already dispatched, reusing", conn.Name)
		return existing, nil
	}
	d.mu.Unlock()

	source, err := d.newSource(conn.TransportProfileURI)
	if err != nil {
		return nil, err
	}

	psm := &PublishSubscribeMap{
		Connection: conn,
		Source:     source,
		Publisher:  NewPublisher(source, d.monitor, d.log),
		Subscriber: NewSubscriber(source, d.log),
	}
	psm.machine = fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateCreated, StateError}, Dst: StateConnecting},
			{Name: eventConnected, Src: []string{StateConnecting}, Dst: StateOperational},
			{Name: eventFailed, Src: []string{StateConnecting, StateOperational}, Dst: StateError},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				d.log.Infof("connection %s: %s -> %s", conn.Name, e.Src, e.Dst)
				if d.onStateChange != nil {
					d.onStateChange(conn.Name, e.Dst)
				}
			},
		},
	)

	d.mu.Lock()
	d.connections[conn.Name] = psm
	d.mu.Unlock()

	if err := psm.machine.Event(ctx, eventConnect); err != nil {
		return psm, err
	}
	if err := source.Initialize(ctx, transport.FormatFromProfile(conn.TransportProfileURI), conn.Address); err != nil {
		_ = psm.machine.Event(ctx, eventFailed)
		return psm, fmt.Errorf("initialize transport for %s: %w", conn.Name, err)
	}
	if err := psm.machine.Event(ctx, eventConnected); err != nil {
		return psm, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	psm.cancel = cancel
	go psm.Publisher.Run(runCtx)
	go psm.Subscriber.Run(runCtx)
	return psm, nil
}

// Connection returns the dispatched connection by name.
func (d *Dispatcher) Connection(name string) (*PublishSubscribeMap, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	psm, ok := d.connections[name]
	return psm, ok
}

// RemoveConnection stops the connection's loops and closes its transport.
func (d *Dispatcher) RemoveConnection(ctx context.Context, name string) error {
	d.mu.Lock()
	psm, ok := d.connections[name]
	delete(d.connections, name)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("connection %s not dispatched", name)
	}
	if psm.cancel != nil {
		psm.cancel()
	}
	return psm.Source.Close()
}

// AddWriterGroup binds a writer group to the owning connection's Publisher.
func (d *Dispatcher) AddWriterGroup(connection string, group *pubsub.WriterGroup) error {
	psm, ok := d.Connection(connection)
	if !ok {
		return fmt.Errorf("connection %s not dispatched", connection)
	}
	psm.Publisher.AddWriterGroup(group)
	return nil
}

// AddDataSetWriter binds a writer to the owning connection's Publisher.
func (d *Dispatcher) AddDataSetWriter(connection string, writer *pubsub.DataSetWriter) error {
	psm, ok := d.Connection(connection)
	if !ok {
		return fmt.Errorf("connection %s not dispatched", connection)
	}
	psm.Publisher.AddDataSetWriter(writer)
	return nil
}

// RemoveDataSetWriter drops a writer from the Publisher registry.
func (d *Dispatcher) RemoveDataSetWriter(connection, name string) error {
	psm, ok := d.Connection(connection)
	if !ok {
		return fmt.Errorf("connection %s not dispatched", connection)
	}
	psm.Publisher.RemoveDataSetWriter(name)
	return nil
}

// AddPublishedDataItems starts monitoring the dataset's variables and
// publishing their changes.
func (d *Dispatcher) AddPublishedDataItems(ctx context.Context, connection string, ds *pubsub.PublishedDataSet) error {
	psm, ok := d.Connection(connection)
	if !ok {
		return fmt.Errorf("connection %s not dispatched", connection)
	}
	return psm.Publisher.AddPublishedDataItems(ctx, ds)
}

// AddPublishedEvents starts monitoring the dataset's event notifier and
// publishing received events.
func (d *Dispatcher) AddPublishedEvents(ctx context.Context, connection string, ds *pubsub.PublishedDataSet) error {
	psm, ok := d.Connection(connection)
	if !ok {
		return fmt.Errorf("connection %s not dispatched", connection)
	}
	return psm.Publisher.AddPublishedEvents(ctx, ds)
}

// RemovePublishedDataItems cancels the dataset's subscription.
func (d *Dispatcher) RemovePublishedDataItems(ctx context.Context, connection, dataset string) error {
	psm, ok := d.Connection(connection)
	if !ok {
		return fmt.Errorf("connection %s not dispatched", connection)
	}
	return psm.Publisher.RemovePublishedDataItems(ctx, dataset)
}

// AddDataSetReader subscribes to a broker queue and routes its messages to
// the handler.
func (d *Dispatcher) AddDataSetReader(ctx context.Context, connection, name, queue string, handler MessageHandler) error {
	psm, ok := d.Connection(connection)
	if !ok {
		return fmt.Errorf("connection %s not dispatched", connection)
	}
	return psm.Subscriber.AddDataSetReader(ctx, name, queue, handler)
}

// RemoveDataSetReader drops a reader from the Subscriber registry.
func (d *Dispatcher) RemoveDataSetReader(connection, name string) error {
	psm, ok := d.Connection(connection)
	if !ok {
		return fmt.Errorf("connection %s not dispatched", connection)
	}
	psm.Subscriber.RemoveDataSetReader(name)
	return nil
}

// Close tears down every connection.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	connections := make([]*PublishSubscribeMap, 0, len(d.connections))
	for _, psm := range d.connections {
		connections = append(connections, psm)
	}
	d.connections = make(map[string]*PublishSubscribeMap)
	d.mu.Unlock()

	for _, psm := range connections {
		if psm.cancel != nil {
			psm.cancel()
		}
		if err := psm.Source.Close(); err != nil {
			d.log.Warnf("close transport for %s: %v", psm.Connection.Name, err)
		}
	}
	return nil
}
