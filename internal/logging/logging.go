// Package logging provides the shared zap logger construction used by
// the selector and service packages.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package logging

import "go.uber.org/zap"

// New builds a production zap.Logger named name (zap's Named). Callers
// keep the returned logger for the lifetime of the owning processor or
// service; Sync should be called on shutdown.
func New(name string) *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Named(name)
}

// Nop returns a logger that discards everything, used by tests that do
// not want production JSON logging noise.
func Nop() *zap.Logger {
	return zap.NewNop()
}
