// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the stowage
// service.
//
// Configuration comes from a single file named by a --config flag or
// the STOWAGE_CONFIG environment variable. There is no ~/.config
// discovery and no automatic file search; environment variables never
// override file values. Unlike most stowage state, the file is
// optional: every field has a working default, so a bare daemon runs
// with local paths under /var/lib/stowage.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${STOWAGE_ROOT}, and ${VAR:-default} patterns are
// expanded, with ${STOWAGE_ROOT} resolving to the configured
// storage.root. Defaults use this to derive the index snapshot,
// security state, and history paths from the root, so overriding
// storage.root alone relocates all of them.
//
// Key exports:
//
//   - [Config] -- the full daemon configuration
//   - [Default] -- a runnable baseline configuration
//   - [Load] -- read, expand, and validate one file
//
// This package depends on no other stowage packages.
package config
