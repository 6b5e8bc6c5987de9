// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/stowage-foundation/stowage/cmd/stowage/cli"
	"github.com/stowage-foundation/stowage/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return rootCommand().Execute(os.Args[1:])
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:    "stowage",
		Summary: "Client for the stowage container image registry.",
		Description: "stowage is the command-line client for the stowage registry\n" +
			"daemon. Log in first; every command except status requires a\n" +
			"session.",
		Subcommands: []*cli.Command{
			loginCommand(),
			pushCommand(),
			pullCommand(),
			tagCommand(),
			rmiCommand(),
			searchCommand(),
			inspectCommand(),
			reposCommand(),
			tagsCommand(),
			gcCommand(),
			rebuildIndexCommand(),
			proxyPullCommand(),
			historyCommand(),
			exportCommand(),
			importCommand(),
			userCommand(),
			aclCommand(),
			statusCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information.",
		Run: func(args []string) error {
			fmt.Printf("stowage %s\n", version.Info())
			return nil
		},
	}
}

// newFlagSet returns a flag set configured the way every stowage
// command uses one.
func newFlagSet(name string) *pflag.FlagSet {
	return pflag.NewFlagSet(name, pflag.ContinueOnError)
}
