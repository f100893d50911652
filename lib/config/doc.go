// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for subscriptiond.
//
// Configuration is loaded from a single file named by the --config
// flag (via [LoadFile]). There is no ~/.config discovery and no
// automatic file search. This ensures deterministic, auditable
// configuration with no hidden overrides.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches.
//
// Variable expansion is performed on path and address fields after
// loading: ${HOME} and ${VAR:-default} patterns are expanded against
// the process environment.
//
// Key exports:
//
//   - [Config] -- master struct with Repository, Transport, Engine, Metrics
//   - [Default] -- returns a Config with development defaults
//   - [LoadFile] -- the entry point for loading a named config file
//
// This package depends on no other subscriptiond packages.
package config
