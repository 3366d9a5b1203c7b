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
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/transport"
)

// MessageHandler receives one decoded network message per call. Handlers
// run on the subscriber loop and must not block.
type MessageHandler func(topic string, payload []byte)

type dataSetReader struct {
	name    string
	queue   string
	handler MessageHandler
}

// Subscriber routes inbound transport messages to the dataset readers
// registered for their queue.
type Subscriber struct {
	source transport.DataSource
	log    *zap.SugaredLogger

	mu      sync.Mutex
	readers map[string]*dataSetReader
}

func NewSubscriber(source transport.DataSource, log *zap.SugaredLogger) *Subscriber {
	return &Subscriber{
		source:  source,
		log:     log,
		readers: make(map[string]*dataSetReader),
	}
}

// AddDataSetReader subscribes the transport to the queue and registers the
// handler. Adding the same reader twice is a no-op.
func (s *Subscriber) AddDataSetReader(ctx context.Context, name, queue string, handler MessageHandler) error {
	s.mu.Lock()
	if _, ok := s.readers[name]; ok {
		s.mu.Unlock()
		s.log.Debugf("dataset reader %s already registered", name)
		return nil
	}
	s.mu.Unlock()

	if err := s.source.ReceiveData(ctx, queue); err != nil {
		return fmt.Errorf("subscribe reader %s to %s: %w", name, queue, err)
	}

	s.mu.Lock()
	s.readers[name] = &dataSetReader{name: name, queue: queue, handler: handler}
	s.mu.Unlock()
	s.log.Infof("dataset reader %s listening on %s", name, queue)
	return nil
}

// RemoveDataSetReader drops the reader. The transport subscription stays
// open; messages for its queue are discarded from then on.
func (s *Subscriber) RemoveDataSetReader(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.readers, name)
}

// Run dispatches transport messages to matching readers until the context
// ends.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.source.Messages():
			if !ok {
				return
			}
			s.dispatch(msg)
		}
	}
}

func (s *Subscriber) dispatch(msg transport.Message) {
	s.mu.Lock()
	handlers := make([]MessageHandler, 0, 1)
	for _, reader := range s.readers {
		if reader.queue == msg.Topic {
			handlers = append(handlers, reader.handler)
		}
	}
	s.mu.Unlock()

	if len(handlers) == 0 {
		s.log.Debugf("no reader for message on %s", msg.Topic)
		return
	}
	for _, handler := range handlers {
		handler(msg.Topic, msg.Payload)
	}
}
