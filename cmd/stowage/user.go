// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/stowage-foundation/stowage/cmd/stowage/cli"
	"github.com/stowage-foundation/stowage/lib/wire"
)

func userCommand() *cli.Command {
	return &cli.Command{
		Name:    "user",
		Summary: "Manage registry accounts.",
		Description: "Create, list, and delete registry accounts. Account management\n" +
			"requires admin access to the user database.",
		Subcommands: []*cli.Command{
			userCreateCommand(),
			userListCommand(),
			userDeleteCommand(),
		},
	}
}

func userCreateCommand() *cli.Command {
	var conn connFlags
	var level string
	var passwordFile string
	fs := newFlagSet("create")
	conn.register(fs)
	fs.StringVar(&level, "level", "read", "default access level (none, read, write, admin)")
	fs.StringVar(&passwordFile, "password-file", "", "read the password from a file instead of prompting")

	return &cli.Command{
		Name:    "create",
		Summary: "Create an account.",
		Usage:   "stowage user create <username> [--level read|write|admin] [flags]",
		Description: "Provision an account. The level is the default access for\n" +
			"resources no ACL rule covers; grant finer-grained access with\n" +
			"'stowage acl set'.",
		Examples: []cli.Example{
			{Description: "Create a read-only account", Command: "stowage user create viewer"},
			{Description: "Create a CI account that can push", Command: "stowage user create ci-bot --level write --password-file ci.pass"},
		},
		Flags: func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one argument: the username")
			}

			password, err := readPassword(passwordFile, true)
			if err != nil {
				return err
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			err = client.Call(context.Background(), wire.ActionUserCreate, map[string]any{
				"username": args[0],
				"password": password,
				"level":    level,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("created user %s (level %s)\n", args[0], level)
			return nil
		},
	}
}

func userListCommand() *cli.Command {
	var conn connFlags
	var asJSON bool
	fs := newFlagSet("list")
	conn.register(fs)
	fs.BoolVar(&asJSON, "json", false, "emit JSON instead of a table")

	return &cli.Command{
		Name:    "list",
		Summary: "List accounts.",
		Usage:   "stowage user list [flags]",
		Flags:   func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("list takes no arguments")
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			var resp wire.UserListResponse
			if err := client.Call(context.Background(), wire.ActionUserList, nil, &resp); err != nil {
				return err
			}

			if asJSON {
				return printJSON(resp.Users)
			}
			writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "USERNAME\tLEVEL\tACL RULES\tCREATED\tLAST LOGIN")
			for _, user := range resp.Users {
				lastLogin := "-"
				if user.LastLogin > 0 {
					lastLogin = formatCreated(user.LastLogin)
				}
				fmt.Fprintf(writer, "%s\t%s\t%d\t%s\t%s\n",
					user.Username, user.AccessLevel, len(user.ACL),
					formatCreated(user.Created), lastLogin)
			}
			return writer.Flush()
		},
	}
}

func userDeleteCommand() *cli.Command {
	var conn connFlags
	fs := newFlagSet("delete")
	conn.register(fs)

	return &cli.Command{
		Name:    "delete",
		Summary: "Delete an account and its live sessions.",
		Usage:   "stowage user delete <username>",
		Flags:   func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one argument: the username")
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			err = client.Call(context.Background(), wire.ActionUserDelete, map[string]any{
				"username": args[0],
			}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("deleted user %s\n", args[0])
			return nil
		},
	}
}

func aclCommand() *cli.Command {
	return &cli.Command{
		Name:    "acl",
		Summary: "Manage per-resource access rules.",
		Description: "Grant or revoke access levels on resource patterns. Patterns\n" +
			"are path-shaped with an optional trailing '*' wildcard:\n" +
			"'repository/team-x/*' covers every repository under team-x/.\n" +
			"The most specific matching rule wins; accounts fall back to\n" +
			"their default level when no rule matches.",
		Subcommands: []*cli.Command{
			aclSetCommand(),
			aclRemoveCommand(),
		},
		Examples: []cli.Example{
			{Description: "Let a user push to one team's repositories", Command: "stowage acl set ci-bot 'repository/team-x/*' write"},
			{Description: "Revoke the rule again", Command: "stowage acl remove ci-bot 'repository/team-x/*'"},
		},
	}
}

func aclSetCommand() *cli.Command {
	var conn connFlags
	fs := newFlagSet("set")
	conn.register(fs)

	return &cli.Command{
		Name:    "set",
		Summary: "Grant an access level on a resource pattern.",
		Usage:   "stowage acl set <username> <pattern> <level>",
		Flags:   func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 3 {
				return fmt.Errorf("expected three arguments: username, pattern, and level")
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			err = client.Call(context.Background(), wire.ActionACLSet, map[string]any{
				"username": args[0],
				"pattern":  args[1],
				"level":    args[2],
			}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s -> %s\n", args[0], args[1], args[2])
			return nil
		},
	}
}

func aclRemoveCommand() *cli.Command {
	var conn connFlags
	fs := newFlagSet("remove")
	conn.register(fs)

	return &cli.Command{
		Name:    "remove",
		Summary: "Delete an ACL rule.",
		Usage:   "stowage acl remove <username> <pattern>",
		Flags:   func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected two arguments: username and pattern")
			}

			client, err := conn.authedClient()
			if err != nil {
				return err
			}
			err = client.Call(context.Background(), wire.ActionACLRemove, map[string]any{
				"username": args[0],
				"pattern":  args[1],
			}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("removed rule %s from %s\n", args[1], args[0])
			return nil
		},
	}
}
