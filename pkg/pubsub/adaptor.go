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

package pubsub

import (
	"context"
	"fmt"

	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/browse"
)

// Well-known nodes of the server's PubSub subtree.
var (
	// publishSubscribeNode is the Server/PublishSubscribe object.
	publishSubscribeNode = ua.NewNumericNodeID(0, 14443)
	// publishedDataSetsNode is the PublishedDataSets folder under it.
	publishedDataSetsNode = ua.NewNumericNodeID(0, 17371)
)

// ServerAdaptor materializes PubSub configuration objects on a server. The
// Client drives it; tests replace it with a recording mock.
type ServerAdaptor interface {
	AddConnection(ctx context.Context, conn *Connection) (*ua.NodeID, error)
	AddWriterGroup(ctx context.Context, conn *Connection, group *WriterGroup) (*ua.NodeID, error)
	AddDataSetWriter(ctx context.Context, group *WriterGroup, writer *DataSetWriter) (*ua.NodeID, error)
	AddPublishedDataItems(ctx context.Context, ds *PublishedDataSet) (*ua.NodeID, error)
	AddPublishedEvents(ctx context.Context, ds *PublishedDataSet) (*ua.NodeID, error)
	AddExtensionField(ctx context.Context, ds *PublishedDataSet, name, value string) error
	GetPublishedDataSet(ctx context.Context, name string) (*ua.NodeID, error)
	Enable(ctx context.Context, node *ua.NodeID) error
	RemoveConnection(ctx context.Context, conn *Connection) error
	RemoveWriterGroup(ctx context.Context, conn *Connection, group *WriterGroup) error
	RemoveDataSetWriter(ctx context.Context, group *WriterGroup, writer *DataSetWriter) error
}

// MethodCaller is the slice of *opcua.Client the adaptor needs.
type MethodCaller interface {
	Call(ctx context.Context, req *ua.CallMethodRequest) (*ua.CallMethodResult, error)
}

// UAServerAdaptor configures PubSub on the companion publisher server by
// calling the methods its PublishSubscribe subtree exposes. Method nodes
// are located by browse name rather than well-known ids so namespace
// layout changes on the server side stay transparent. The companion server
// flattens the configuration structures into primitive method arguments.
type UAServerAdaptor struct {
	caller  MethodCaller
	browser *browse.Browser
	log     *zap.SugaredLogger
}

func NewUAServerAdaptor(caller MethodCaller, browser *browse.Browser, log *zap.SugaredLogger) *UAServerAdaptor {
	return &UAServerAdaptor{caller: caller, browser: browser, log: log}
}

func (a *UAServerAdaptor) AddConnection(ctx context.Context, conn *Connection) (*ua.NodeID, error) {
	method, err := a.methodOf(ctx, publishSubscribeNode, "AddConnection")
	if err != nil {
		return nil, err
	}
	out, err := a.call(ctx, publishSubscribeNode, method,
		ua.MustVariant(conn.Name),
		ua.MustVariant(conn.Address),
		ua.MustVariant(conn.TransportProfileURI),
		ua.MustVariant(conn.PublisherID),
	)
	if err != nil {
		return nil, fmt.Errorf("add connection %s: %w", conn.Name, err)
	}
	return nodeIDResult(out)
}

func (a *UAServerAdaptor) AddWriterGroup(ctx context.Context, conn *Connection, group *WriterGroup) (*ua.NodeID, error) {
	method, err := a.methodOf(ctx, conn.NodeID, "AddWriterGroup")
	if err != nil {
		return nil, err
	}
	out, err := a.call(ctx, conn.NodeID, method,
		ua.MustVariant(group.Name),
		ua.MustVariant(group.WriterGroupID),
		ua.MustVariant(group.PublishingInterval),
		ua.MustVariant(group.KeepAliveTime),
		ua.MustVariant(group.MaxNetworkMessageSize),
		ua.MustVariant(group.MessageContentMask),
		ua.MustVariant(group.QueueName),
	)
	if err != nil {
		return nil, fmt.Errorf("add writer group %s: %w", group.Name, err)
	}
	return nodeIDResult(out)
}

func (a *UAServerAdaptor) AddDataSetWriter(ctx context.Context, group *WriterGroup, writer *DataSetWriter) (*ua.NodeID, error) {
	method, err := a.methodOf(ctx, group.NodeID, "AddDataSetWriter")
	if err != nil {
		return nil, err
	}
	out, err := a.call(ctx, group.NodeID, method,
		ua.MustVariant(writer.Name),
		ua.MustVariant(writer.DataSetWriterID),
		ua.MustVariant(writer.DataSetName),
		ua.MustVariant(writer.ContentMask),
		ua.MustVariant(writer.KeyFrameCount),
		ua.MustVariant(writer.QueueName),
	)
	if err != nil {
		return nil, fmt.Errorf("add dataset writer %s: %w", writer.Name, err)
	}
	return nodeIDResult(out)
}

func (a *UAServerAdaptor) AddPublishedDataItems(ctx context.Context, ds *PublishedDataSet) (*ua.NodeID, error) {
	method, err := a.methodOf(ctx, publishedDataSetsNode, "AddPublishedDataItems")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(ds.Fields))
	nodes := make([]string, 0, len(ds.Fields))
	attributes := make([]uint32, 0, len(ds.Fields))
	sampling := make([]int32, 0, len(ds.Fields))
	for _, f := range ds.Fields {
		names = append(names, f.Name)
		nodes = append(nodes, f.Node.String())
		attributes = append(attributes, f.Attribute)
		sampling = append(sampling, int32(f.SamplingInterval))
	}

	out, err := a.call(ctx, publishedDataSetsNode, method,
		ua.MustVariant(ds.Name),
		ua.MustVariant(names),
		ua.MustVariant(nodes),
		ua.MustVariant(attributes),
		ua.MustVariant(sampling),
	)
	if err != nil {
		return nil, fmt.Errorf("add published data items %s: %w", ds.Name, err)
	}
	return nodeIDResult(out)
}

func (a *UAServerAdaptor) AddPublishedEvents(ctx context.Context, ds *PublishedDataSet) (*ua.NodeID, error) {
	method, err := a.methodOf(ctx, publishedDataSetsNode, "AddPublishedEvents")
	if err != nil {
		return nil, err
	}

	aliases := make([]string, 0, len(ds.EventFields))
	paths := make([]string, 0, len(ds.EventFields))
	for _, f := range ds.EventFields {
		if !f.IsEnabled() {
			continue
		}
		aliases = append(aliases, f.Alias())
		paths = append(paths, f.BrowsePathString)
	}

	out, err := a.call(ctx, publishedDataSetsNode, method,
		ua.MustVariant(ds.Name),
		ua.MustVariant(ds.EventNotifier.String()),
		ua.MustVariant(ds.EventTypeID.String()),
		ua.MustVariant(aliases),
		ua.MustVariant(paths),
	)
	if err != nil {
		return nil, fmt.Errorf("add published events %s: %w", ds.Name, err)
	}
	return nodeIDResult(out)
}

func (a *UAServerAdaptor) AddExtensionField(ctx context.Context, ds *PublishedDataSet, name, value string) error {
	extensions, err := a.browser.GetChildByName(ctx, ds.NodeID, "ExtensionFields")
	if err != nil {
		return err
	}
	if extensions == nil {
		return fmt.Errorf("dataset %s has no ExtensionFields object", ds.Name)
	}
	method, err := a.methodOf(ctx, extensions, "AddExtensionField")
	if err != nil {
		return err
	}
	_, err = a.call(ctx, extensions, method,
		ua.MustVariant(&ua.QualifiedName{Name: name}),
		ua.MustVariant(value),
	)
	if err != nil {
		return fmt.Errorf("add extension field %s to %s: %w", name, ds.Name, err)
	}
	return nil
}

// GetPublishedDataSet looks the dataset up under the PublishedDataSets
// folder, nil when absent.
func (a *UAServerAdaptor) GetPublishedDataSet(ctx context.Context, name string) (*ua.NodeID, error) {
	return a.browser.GetChildByName(ctx, publishedDataSetsNode, name)
}

// Enable flips a PubSub object to operational through the Enable method of
// its Status child.
func (a *UAServerAdaptor) Enable(ctx context.Context, node *ua.NodeID) error {
	status, err := a.browser.GetChildByName(ctx, node, "Status")
	if err != nil {
		return err
	}
	if status == nil {
		return fmt.Errorf("node %s has no Status object", node)
	}
	method, err := a.methodOf(ctx, status, "Enable")
	if err != nil {
		return err
	}
	if _, err := a.call(ctx, status, method); err != nil {
		return fmt.Errorf("enable %s: %w", node, err)
	}
	return nil
}

func (a *UAServerAdaptor) RemoveConnection(ctx context.Context, conn *Connection) error {
	return a.removeByMethod(ctx, publishSubscribeNode, "RemoveConnection", conn.NodeID)
}

func (a *UAServerAdaptor) RemoveWriterGroup(ctx context.Context, conn *Connection, group *WriterGroup) error {
	return a.removeByMethod(ctx, conn.NodeID, "RemoveGroup", group.NodeID)
}

func (a *UAServerAdaptor) RemoveDataSetWriter(ctx context.Context, group *WriterGroup, writer *DataSetWriter) error {
	return a.removeByMethod(ctx, group.NodeID, "RemoveDataSetWriter", writer.NodeID)
}

func (a *UAServerAdaptor) removeByMethod(ctx context.Context, parent *ua.NodeID, methodName string, target *ua.NodeID) error {
	method, err := a.methodOf(ctx, parent, methodName)
	if err != nil {
		return err
	}
	if _, err := a.call(ctx, parent, method, ua.MustVariant(target)); err != nil {
		return fmt.Errorf("%s on %s: %w", methodName, parent, err)
	}
	return nil
}

func (a *UAServerAdaptor) methodOf(ctx context.Context, object *ua.NodeID, name string) (*ua.NodeID, error) {
	method, err := a.browser.GetChildByName(ctx, object, name)
	if err != nil {
		return nil, err
	}
	if method == nil {
		return nil, fmt.Errorf("node %s has no %s method", object, name)
	}
	return method, nil
}

func (a *UAServerAdaptor) call(ctx context.Context, object, method *ua.NodeID, args ...*ua.Variant) ([]*ua.Variant, error) {
	res, err := a.caller.Call(ctx, &ua.CallMethodRequest{
		ObjectID:       object,
		MethodID:       method,
		InputArguments: args,
	})
	if err != nil {
		return nil, err
	}
	if res.StatusCode != ua.StatusOK {
		return nil, fmt.Errorf("method %s returned %s", method, res.StatusCode)
	}
	return res.OutputArguments, nil
}

func nodeIDResult(out []*ua.Variant) (*ua.NodeID, error) {
	if len(out) == 0 {
		return nil, fmt.Errorf("method returned no output arguments")
	}
	node, ok := out[0].Value().(*ua.NodeID)
	if !ok {
		return nil, fmt.Errorf("method returned %T, want NodeID", out[0].Value())
	}
	return node, nil
}

var _ ServerAdaptor = &UAServerAdaptor{}
