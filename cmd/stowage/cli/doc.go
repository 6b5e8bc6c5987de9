// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the command tree for the stowage CLI:
// nested subcommand dispatch over pflag flag sets, structured help
// output, and typo suggestions for unknown commands and flags.
package cli
