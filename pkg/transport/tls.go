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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/config"
)

// brokerTLSConfig builds the TLS configuration for a broker connection: a
// custom CA pool when one is configured, plus the client certificate pair
// in certificate security mode.
func brokerTLSConfig(b config.Broker) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if b.CACertFile != "" {
		pem, err := os.ReadFile(b.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate %s: %w", b.CACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", b.CACertFile)
		}
		cfg.RootCAs = pool
	}

	if b.SecurityMode == config.SecurityCertificate {
		cert, err := tls.LoadX509KeyPair(b.ClientCertFile, b.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
