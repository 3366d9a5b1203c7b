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

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
)

const udpReadBufferSize = 64 * 1024

// UDPDataSource sends UADP network messages as raw datagrams. Datagrams
// carry no topic routing; the topic argument to SendData is ignored and
// receivers get everything arriving on the listen address.
type UDPDataSource struct {
	log *zap.SugaredLogger

	conn     *net.UDPConn
	listener *net.UDPConn
	messages chan Message
}

func NewUDPDataSource(log *zap.SugaredLogger) *UDPDataSource {
	return &UDPDataSource{
		log:      log,
		messages: make(chan Message, messageQueueSize),
	}
}

func (u *UDPDataSource) Initialize(ctx context.Context, format Format, address string) error {
	if format != FormatUADP {
		return fmt.Errorf("datagram transport requires the uadp format, got %q", format)
	}

	raddr, err := net.ResolveUDPAddr("udp", NormalizeAddress(address))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", address, err)
	}
	u.conn, err = net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("udp dial %s: %w", address, err)
	}
	u.log.Infof("udp datagram transport bound to %s", raddr)
	return nil
}

func (u *UDPDataSource) SendData(ctx context.Context, payload []byte, topic string) error {
	if _, err := u.conn.Write(payload); err != nil {
		return fmt.Errorf("udp send: %w", err)
	}
	return nil
}

// ReceiveData listens on queue (a host:port listen address) and feeds
// datagrams into the Messages channel until the context ends or the
// source is closed.
func (u *UDPDataSource) ReceiveData(ctx context.Context, queue string) error {
	laddr, err := net.ResolveUDPAddr("udp", NormalizeAddress(queue))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", queue, err)
	}
	u.listener, err = net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("udp listen %s: %w", queue, err)
	}

	go func() {
		buf := make([]byte, udpReadBufferSize)
		for {
			n, _, err := u.listener.ReadFromUDP(buf)
			if err != nil {
				if !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
					u.log.Warnf("udp read: %v", err)
				}
				return
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])
			select {
			case u.messages <- Message{Topic: queue, Payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (u *UDPDataSource) Messages() <-chan Message {
	return u.messages
}

func (u *UDPDataSource) Close() error {
	var errs []error
	if u.conn != nil {
		errs = append(errs, u.conn.Close())
	}
	if u.listener != nil {
		errs = append(errs, u.listener.Close())
	}
	return errors.Join(errs...)
}

var _ DataSource = &UDPDataSource{}
