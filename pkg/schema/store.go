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

package schema

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Store reads and writes schema files in a single configuration directory.
// Object and event schemas share one naming convention,
// "Configuration.<Name>.json", keyed by the type name.
type Store struct {
	dir string
	log *zap.SugaredLogger
}

func NewStore(dir string, log *zap.SugaredLogger) *Store {
	return &Store{dir: dir, log: log}
}

// Path returns the file path a schema with the given name lives at.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, fmt.Sprintf("Configuration.%s.json", name))
}

// Has reports whether a schema file for name exists.
func (s *Store) Has(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// LoadObject reads the object schema named name. A missing or malformed
// file is an error; the caller decides whether that is fatal for the
// object being configured.
func (s *Store) LoadObject(name string) (*ObjectSchema, error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", name, err)
	}
	var schema ObjectSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	return &schema, nil
}

// LoadEvent reads the event schema named name.
func (s *Store) LoadEvent(name string) (*EventSchema, error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		return nil, fmt.Errorf("load event schema %s: %w", name, err)
	}
	var schema EventSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse event schema %s: %w", name, err)
	}
	return &schema, nil
}

// SaveEvent persists a discovered event schema so later runs skip the
// discovery browse and operators can edit the field set.
func (s *Store) SaveEvent(name string, schema *EventSchema) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create schema dir %s: %w", s.dir, err)
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("encode event schema %s: %w", name, err)
	}
	if err := os.WriteFile(s.Path(name), data, 0o644); err != nil {
		return fmt.Errorf("write event schema %s: %w", name, err)
	}
	s.log.Infof("persisted discovered event schema %s to %s", name, s.Path(name))
	return nil
}
