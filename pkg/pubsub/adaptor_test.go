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

package pubsub_test

import (
	"context"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/browse"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/browse/browsetest"
	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/pubsub"
)

// fakeCaller answers every method call with StatusOK and a fixed NodeID
// output, recording the requests it saw.
type fakeCaller struct {
	requests []*ua.CallMethodRequest
	result   *ua.NodeID
	status   ua.StatusCode
}

func (f *fakeCaller) Call(ctx context.Context, req *ua.CallMethodRequest) (*ua.CallMethodResult, error) {
	f.requests = append(f.requests, req)
	out := []*ua.Variant{}
	if f.result != nil {
		out = append(out, ua.MustVariant(f.result))
	}
	return &ua.CallMethodResult{StatusCode: f.status, OutputArguments: out}, nil
}

var _ = Describe("UAServerAdaptor", func() {
	var (
		ctx     context.Context
		caller  *fakeCaller
		source  *browsetest.MockSource
		adaptor *pubsub.UAServerAdaptor
	)

	BeforeEach(func() {
		ctx = context.Background()
		caller = &fakeCaller{result: ua.NewNumericNodeID(1, 42), status: ua.StatusOK}
		source = browsetest.NewMockSource()
		adaptor = pubsub.NewUAServerAdaptor(caller, browse.NewBrowser(source, zap.NewNop().Sugar()), zap.NewNop().Sugar())
	})

	Context("AddConnection", func() {
		It("calls the AddConnection method on the PublishSubscribe object", func() {
			pubSub := browsetest.NewMockNode(ua.NewNumericNodeID(0, 14443), "PublishSubscribe", ua.NodeClassObject)
			method := browsetest.NewMockNode(ua.NewNumericNodeID(0, 17296), "AddConnection", ua.NodeClassMethod)
			pubSub.AddReference(id.Aggregates, ua.BrowseDirectionForward, method)
			source.Register(pubSub)

			node, err := adaptor.AddConnection(ctx, &pubsub.Connection{
				Name:                "Conn1",
				Address:             "broker:1883",
				TransportProfileURI: "http://opcfoundation.org/UA-Profile/Transport/pubsub-mqtt-json",
				PublisherID:         "publisher-1",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(node).To(Equal(ua.NewNumericNodeID(1, 42)))

			Expect(caller.requests).To(HaveLen(1))
			Expect(caller.requests[0].MethodID).To(Equal(method.ID()))
			Expect(caller.requests[0].InputArguments).To(HaveLen(4))
			Expect(caller.requests[0].InputArguments[0].Value()).To(Equal("Conn1"))
		})

		It("fails when the server exposes no AddConnection method", func() {
			source.Register(browsetest.NewMockNode(ua.NewNumericNodeID(0, 14443), "PublishSubscribe", ua.NodeClassObject))

			_, err := adaptor.AddConnection(ctx, &pubsub.Connection{Name: "Conn1"})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("Enable", func() {
		It("calls Enable on the Status child", func() {
			target := browsetest.NewMockNode(ua.NewNumericNodeID(1, 10), "Group1", ua.NodeClassObject)
			status := browsetest.NewMockNode(ua.NewNumericNodeID(1, 11), "Status", ua.NodeClassObject)
			enable := browsetest.NewMockNode(ua.NewNumericNodeID(1, 12), "Enable", ua.NodeClassMethod)
			target.AddReference(id.Aggregates, ua.BrowseDirectionForward, status)
			status.AddReference(id.Aggregates, ua.BrowseDirectionForward, enable)
			source.Register(target)
			source.Register(status)

			Expect(adaptor.Enable(ctx, target.ID())).To(Succeed())
			Expect(caller.requests).To(HaveLen(1))
			Expect(caller.requests[0].ObjectID).To(Equal(status.ID()))
			Expect(caller.requests[0].MethodID).To(Equal(enable.ID()))
		})

		It("fails when the node has no Status child", func() {
			target := browsetest.NewMockNode(ua.NewNumericNodeID(1, 13), "Bare", ua.NodeClassObject)
			source.Register(target)

			Expect(adaptor.Enable(ctx, target.ID())).To(HaveOccurred())
		})
	})

	Context("method results", func() {
		It("surfaces a bad status code as an error", func() {
			pubSub := browsetest.NewMockNode(ua.NewNumericNodeID(0, 14443), "PublishSubscribe", ua.NodeClassObject)
			pubSub.AddReference(id.Aggregates, ua.BrowseDirectionForward,
				browsetest.NewMockNode(ua.NewNumericNodeID(0, 17296), "AddConnection", ua.NodeClassMethod))
			source.Register(pubSub)
			caller.status = ua.StatusBadUserAccessDenied

			_, err := adaptor.AddConnection(ctx, &pubsub.Connection{Name: "Conn1"})
			Expect(err).To(HaveOccurred())
		})
	})
})
