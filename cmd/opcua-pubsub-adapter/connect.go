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

package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opcua-pubsub-adapter/pkg/config"
)

const applicationName = "opcua-pubsub-adapter"

// connectOPCUA fetches the server's endpoints, selects one matching the
// configured security expectations and opens a session on it.
func connectOPCUA(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*opcua.Client, error) {
	endpoints, err := opcua.GetEndpoints(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetch endpoints of %s: %w", cfg.Endpoint, err)
	}

	authType := ua.UserTokenTypeAnonymous
	if cfg.Username != "" {
		authType = ua.UserTokenTypeUserName
	}

	endpoint := selectEndpoint(endpoints, cfg.Insecure, authType)
	if endpoint == nil {
		return nil, fmt.Errorf("no matching endpoint on %s", cfg.Endpoint)
	}
	log.Infof("selected endpoint %s (%s, %s)", endpoint.EndpointURL, endpoint.SecurityPolicyURI, endpoint.SecurityMode)

	opts := []opcua.Option{
		opcua.SecurityFromEndpoint(endpoint, authType),
		opcua.SessionName(applicationName),
		opcua.ApplicationName(applicationName),
		opcua.AutoReconnect(true),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, opcua.SessionTimeout(cfg.SessionTimeout))
	}
	if authType == ua.UserTokenTypeUserName {
		log.Infof("using username/password login")
		opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password))
	} else {
		log.Infof("using anonymous login")
	}

	if endpoint.SecurityPolicyURI != ua.SecurityPolicyURINone {
		certOpts, err := certificateOptions()
		if err != nil {
			return nil, err
		}
		opts = append(opts, certOpts...)
	}

	client, err := opcua.NewClient(endpoint.EndpointURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", endpoint.EndpointURL, err)
	}
	return client, nil
}

// selectEndpoint picks the first endpoint offering the requested token
// type: the unencrypted one in insecure mode, Basic256Sha256 with
// SignAndEncrypt otherwise.
func selectEndpoint(endpoints []*ua.EndpointDescription, insecure bool, authType ua.UserTokenType) *ua.EndpointDescription {
	for _, endpoint := range endpoints {
		if !offersTokenType(endpoint, authType) {
			continue
		}
		if insecure {
			if endpoint.SecurityMode == ua.MessageSecurityModeNone &&
				endpoint.SecurityPolicyURI == ua.SecurityPolicyURINone {
				return endpoint
			}
			continue
		}
		if endpoint.SecurityMode == ua.MessageSecurityModeSignAndEncrypt &&
			endpoint.SecurityPolicyURI == ua.SecurityPolicyURIBasic256Sha256 {
			return endpoint
		}
	}
	return nil
}

func offersTokenType(endpoint *ua.EndpointDescription, authType ua.UserTokenType) bool {
	for _, token := range endpoint.UserIdentityTokens {
		if token.TokenType == authType {
			return true
		}
	}
	return false
}

// certificateOptions generates a fresh self-signed client certificate for
// the session.
func certificateOptions() ([]opcua.Option, error) {
	applicationURI := "urn:" + applicationName + ":client-" + uuid.NewString()[:8]
	certPEM, keyPEM, err := generateCert(applicationURI, 2048, 10*365*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("generate client certificate: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse client certificate: %w", err)
	}
	pk, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected private key type %T", cert.PrivateKey)
	}
	return []opcua.Option{opcua.PrivateKey(pk), opcua.Certificate(cert.Certificate[0])}, nil
}

func generateCert(applicationURI string, rsaBits int, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}

	// 127 bits keeps the DER-encoded serial number positive per RFC 5280.
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 127)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	uri, err := url.Parse(applicationURI)
	if err != nil {
		return nil, nil, fmt.Errorf("parse application uri: %w", err)
	}

	notBefore := time.Now().UTC().Add(-time.Hour)
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   applicationName,
			Organization: []string{"UMH"},
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validFor),
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
		URIs:                  []*url.URL{uri},

		// Key usage bits required by OPC UA Part 6 for client
		// certificates, plus CertSign for self-signed acceptance.
		KeyUsage: x509.KeyUsageDigitalSignature |
			x509.KeyUsageContentCommitment |
			x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment |
			x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	return certPEM, keyPEM, nil
}
