// Package control provides the ambient configuration and metrics layer shared
// by the selector and service packages: dynamic key/value config with
// hot-reload listener hooks, and a runtime metrics registry.
//
// Part of hioload-io's core. Cross-platform, no build tags.
package control
