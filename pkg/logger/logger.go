// Copyright 2023 The emqx-go Authors
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

// Package logger provides the process-wide structured logger. Each subsystem
// asks for a named child once, at construction time:
//
//	log := logger.Named("router")
//	log.Info("route added", zap.String("filter", f))
//
// The level and encoding come from Init, or from the EMQX_CORE_LOG_LEVEL and
// EMQX_CORE_LOG_FORMAT environment variables when Init is never called.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.RWMutex
	base    *zap.Logger
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	loggers = map[string]*zap.Logger{}
)

func init() {
	lvl := os.Getenv("EMQX_CORE_LOG_LEVEL")
	format := os.Getenv("EMQX_CORE_LOG_FORMAT")
	if err := Init(lvl, format); err != nil {
		base = zap.NewNop()
	}
}

// Init (re)configures the base logger. An empty level means info; format is
// "json" or "console" (the default).
func Init(lvl, format string) error {
	if lvl == "" {
		lvl = "info"
	}
	parsed, err := zapcore.ParseLevel(strings.ToLower(lvl))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", lvl, err)
	}
	level.SetLevel(parsed)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch strings.ToLower(format) {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return fmt.Errorf("unsupported log format %q (supported: json, console)", format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	replace(zap.New(core, zap.AddCaller()))
	return nil
}

// SetNop discards all output. Tests use it to keep their output clean.
func SetNop() {
	replace(zap.NewNop())
}

// SetLevel changes the level of every logger handed out so far.
func SetLevel(lvl zapcore.Level) {
	level.SetLevel(lvl)
}

func replace(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	loggers = map[string]*zap.Logger{}
}

// Named returns the logger for a subsystem. Repeated calls return the same
// instance until the base logger is replaced.
func Named(subsystem string) *zap.Logger {
	mu.RLock()
	l, ok := loggers[subsystem]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[subsystem]; ok {
		return l
	}
	l = base.Named(subsystem)
	loggers[subsystem] = l
	return l
}

// Sync flushes buffered output of the base logger.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return base.Sync()
}
