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

// Package config loads the adapter configuration from environment
// variables (optionally backed by a YAML file), validates it, and exposes
// it as plain structs. Broker host and port are mandatory: the adapter
// refuses to start without them rather than attempting a connection that
// can never succeed.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SecurityMode selects how the broker connection authenticates.
type SecurityMode string

const (
	SecurityNone        SecurityMode = "none"
	SecurityUserPass    SecurityMode = "userpass"
	SecurityCertificate SecurityMode = "certificate"
)

// Config is the full adapter configuration.
type Config struct {
	LogLevel string

	// OPC UA server to browse and monitor.
	Endpoint       string
	SessionTimeout time.Duration
	Insecure       bool
	Username       string
	Password       string

	// Schema files directory (one Configuration.<Name>.json per type).
	SchemaDir string

	// Broker connection consumed by the transport adapters.
	Broker Broker

	// MQTT topic prefix prepended to every machine-level topic. The
	// resulting hierarchy is a wire contract; see the topology package.
	TopicPrefix string

	// PublisherID identifies this adapter in the PubSub connection.
	PublisherID string

	// TransportProfile is the PubSub transport profile URI of the
	// connection, selecting both the transport and the message encoding.
	TransportProfile string

	// ConnectMaxElapsed bounds the transport connect retry loop.
	// Zero means retry until the context is cancelled.
	ConnectMaxElapsed time.Duration
}

// Broker holds the message broker bootstrap settings.
type Broker struct {
	Host              string
	Port              int
	UseTLS            bool
	Username          string
	EncryptedPassword string
	SecurityMode      SecurityMode
	ClientCertFile    string
	ClientKeyFile     string
	CACertFile        string
}

// Address returns the host:port pair used as the PubSub connection address.
func (b Broker) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// Password decodes the obfuscated broker password. Passwords are stored
// base64-encoded in the environment so they do not appear verbatim in
// process listings and config dumps.
func (b Broker) Password() (string, error) {
	if b.EncryptedPassword == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(b.EncryptedPassword)
	if err != nil {
		return "", fmt.Errorf("failed to decode broker password: %w", err)
	}
	return string(raw), nil
}

// Load reads the configuration from the environment. All keys use the
// ADAPTER_ prefix, e.g. ADAPTER_BROKER_HOST. If configFile is non-empty it
// is read first and the environment overrides it.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ADAPTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("loglevel", "info")
	v.SetDefault("endpoint", "opc.tcp://localhost:48030")
	v.SetDefault("session.timeout", "60s")
	v.SetDefault("insecure", true)
	v.SetDefault("schema.dir", "AppData")
	v.SetDefault("topic.prefix", "")
	v.SetDefault("publisher.id", "")
	v.SetDefault("transport.profile", "http://opcfoundation.org/UA-Profile/Transport/pubsub-mqtt-json")
	v.SetDefault("connect.maxelapsed", "0s")
	v.SetDefault("broker.port", 0)
	v.SetDefault("broker.tls", false)
	v.SetDefault("broker.security.mode", string(SecurityNone))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		LogLevel:          v.GetString("loglevel"),
		Endpoint:          v.GetString("endpoint"),
		SessionTimeout:    v.GetDuration("session.timeout"),
		Insecure:          v.GetBool("insecure"),
		Username:          v.GetString("username"),
		Password:          v.GetString("password"),
		SchemaDir:         v.GetString("schema.dir"),
		TopicPrefix:       v.GetString("topic.prefix"),
		PublisherID:       v.GetString("publisher.id"),
		TransportProfile:  v.GetString("transport.profile"),
		ConnectMaxElapsed: v.GetDuration("connect.maxelapsed"),
		Broker: Broker{
			Host:              v.GetString("broker.host"),
			Port:              v.GetInt("broker.port"),
			UseTLS:            v.GetBool("broker.tls"),
			Username:          v.GetString("broker.username"),
			EncryptedPassword: v.GetString("broker.password"),
			SecurityMode:      SecurityMode(strings.ToLower(v.GetString("broker.security.mode"))),
			ClientCertFile:    v.GetString("broker.client.cert"),
			ClientKeyFile:     v.GetString("broker.client.key"),
			CACertFile:        v.GetString("broker.ca.cert"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for fatal bootstrap errors.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker host is not configured")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker port %d is not valid", c.Broker.Port)
	}
	switch c.Broker.SecurityMode {
	case SecurityNone, SecurityUserPass, SecurityCertificate:
	default:
		return fmt.Errorf("unknown broker security mode %q", c.Broker.SecurityMode)
	}
	if c.Broker.SecurityMode == SecurityUserPass && c.Broker.Username == "" {
		return fmt.Errorf("broker security mode %q requires a username", SecurityUserPass)
	}
	if c.Broker.SecurityMode == SecurityCertificate && (c.Broker.ClientCertFile == "" || c.Broker.ClientKeyFile == "") {
		return fmt.Errorf("broker security mode %q requires client certificate and key files", SecurityCertificate)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("OPC UA endpoint is not configured")
	}
	return nil
}
