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

// Package logger provides the zap-based logging setup shared by all
// adapter components. Each component obtains a named sugared logger via
// For(component) so log lines can be filtered per subsystem.
package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.Mutex
	root *zap.Logger
)

// Init builds the process-wide root logger. level accepts the usual zap
// level names (debug, info, warn, error); unknown values fall back to info.
// Calling Init twice replaces the root logger, which is only useful in tests.
func Init(level string) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	root = logger
	return root
}

// For returns a named sugared logger for the given component. If Init has
// not been called yet a no-op logger is returned, which keeps library usage
// in tests quiet by default.
func For(component string) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		root = zap.NewNop()
	}
	return root.Sugar().Named(component)
}
