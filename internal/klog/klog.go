// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package klog wires the kernel's logr.Logger the same way cmd/main.go
// wires the agent's: a zap core behind zapr, one named sink per subsystem.
package klog

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root kernel logger. development selects a human-readable
// console encoder (matches a serial-console UART transcript); production
// selects structured JSON, suited to log shipping off-box.
func New(development bool) logr.Logger {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	zl, err := cfg.Build()
	if err != nil {
		// Logging cannot fail to initialize in a real boot path; fall back
		// to a no-op sink rather than panic before the console is up.
		return logr.Discard()
	}
	return zapr.NewLogger(zl)
}

// Critical logs a should-never-happen kernel invariant violation (spec
// §7: "detected with assertions that panic in debug and are logged with
// CRITICAL in release"). name identifies the invariant, err the
// observation that violated it.
func Critical(log logr.Logger, name string, err error, keysAndValues ...any) {
	log.Error(err, "CRITICAL: "+name, keysAndValues...)
}
