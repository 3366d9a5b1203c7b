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

// The opcua-pubsub-adapter walks a machine hierarchy on an OPC UA server,
// builds the matching PubSub configuration (writer groups, dataset writers
// and published datasets) and then publishes the monitored values and
// events to the configured broker.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/browse"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/config"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/dispatch"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/logger"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/pubsub"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/schema"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/topology"
)

const connectionName = "BrokerConnection"

func main() {
	configFile := flag.String("config", "", "optional config file, environment variables override it")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Init("info")
		logger.For(logger.ComponentMain).Fatalf("load configuration: %v", err)
	}

	zl := logger.Init(cfg.LogLevel)
	defer func() { _ = zl.Sync() }()
	log := logger.For(logger.ComponentMain)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connectOPCUA(ctx, cfg, log)
	if err != nil {
		log.Fatalf("opcua connection: %v", err)
	}
	defer func() { _ = client.Close(ctx) }()

	browser := browse.NewBrowser(&browse.ClientNodeSource{Client: client}, logger.For(logger.ComponentBrowser))
	store := schema.NewStore(cfg.SchemaDir, logger.For(logger.ComponentStore))
	resolver := schema.NewResolver(browser, store, logger.For(logger.ComponentResolver))

	adaptor := pubsub.NewUAServerAdaptor(client, browser, logger.For(logger.ComponentConfigClient))
	configClient := pubsub.NewClient(adaptor, logger.For(logger.ComponentConfigClient))

	conn, err := configClient.AddConnection(ctx, connectionName, cfg.Broker.Address(), cfg.TransportProfile, cfg.PublisherID)
	if err != nil {
		log.Fatalf("add pubsub connection: %v", err)
	}

	builder := topology.NewBuilder(browser, resolver, store, configClient, conn,
		topology.Config{TopicPrefix: cfg.TopicPrefix}, logger.For(logger.ComponentTopology))
	if err := builder.Build(ctx); err != nil {
		log.Fatalf("build topology: %v", err)
	}

	status := newConnectionStatus(logger.For(logger.ComponentDispatcher))
	dispatcher := dispatch.NewDispatcher(cfg.Broker, cfg.ConnectMaxElapsed,
		&dispatch.OPCUAMonitor{Client: client}, logger.For(logger.ComponentDispatcher),
		dispatch.WithStateCallback(status.record))
	defer func() { _ = dispatcher.Close() }()

	if err := startRuntime(ctx, dispatcher, configClient); err != nil {
		log.Fatalf("start runtime: %v", err)
	}

	if err := builder.Activate(ctx); err != nil {
		log.Errorf("activate configuration: %v", err)
	}

	log.Infof("adapter running, publishing to %s", cfg.Broker.Address())
	<-ctx.Done()
	log.Infof("shutting down")
}

// connectionStatus tracks the lifecycle state of every dispatched
// connection and logs each transition.
type connectionStatus struct {
	mu  sync.Mutex
	log *zap.SugaredLogger

	states map[string]string
}

func newConnectionStatus(log *zap.SugaredLogger) *connectionStatus {
	return &connectionStatus{log: log, states: make(map[string]string)}
}

func (s *connectionStatus) record(connection, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[connection] = state
	s.log.Infof("connection %s is %s", connection, state)
}

func (s *connectionStatus) state(connection string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[connection]
}

// startRuntime mirrors the configuration graph into the dispatcher: one
// transport per connection, then the groups, writers and datasets built by
// the topology pass.
func startRuntime(ctx context.Context, dispatcher *dispatch.Dispatcher, configClient *pubsub.Client) error {
	log := logger.For(logger.ComponentMain)

	for _, conn := range configClient.Connections() {
		if _, err := dispatcher.AddConnection(ctx, conn); err != nil {
			return err
		}

		for _, group := range conn.WriterGroups {
			if err := dispatcher.AddWriterGroup(conn.Name, group); err != nil {
				return err
			}
			for _, writer := range group.Writers {
				if err := dispatcher.AddDataSetWriter(conn.Name, writer); err != nil {
					return err
				}
			}
		}

		// Datasets after their writers so every dataset can bind.
		for _, group := range conn.WriterGroups {
			for _, writer := range group.Writers {
				ds, ok := configClient.DataSet(writer.DataSetName)
				if !ok {
					log.Warnf("writer %s references unknown dataset %s", writer.Name, writer.DataSetName)
					continue
				}
				var err error
				if ds.IsEvents {
					err = dispatcher.AddPublishedEvents(ctx, conn.Name, ds)
				} else {
					err = dispatcher.AddPublishedDataItems(ctx, conn.Name, ds)
				}
				if err != nil {
					log.Errorf("publish dataset %s: %v", ds.Name, err)
				}
			}
		}
	}
	return nil
}
