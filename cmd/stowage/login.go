// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/stowage-foundation/stowage/cmd/stowage/cli"
	"github.com/stowage-foundation/stowage/lib/image"
	"github.com/stowage-foundation/stowage/lib/wire"
)

func loginCommand() *cli.Command {
	var conn connFlags
	var passwordFile string
	fs := newFlagSet("login")
	conn.register(fs)
	fs.StringVar(&passwordFile, "password-file", "", "read the password from a file instead of prompting")

	return &cli.Command{
		Name:    "login",
		Summary: "Authenticate and save a session token.",
		Usage:   "stowage login <username> [flags]",
		Description: "Exchange credentials for a session token and save it for\n" +
			"subsequent commands. The password is prompted interactively\n" +
			"unless --password-file is given or stdin is not a terminal.",
		Examples: []cli.Example{
			{Description: "Log in interactively", Command: "stowage login alice"},
			{Description: "Log in from a script", Command: "stowage login ci-bot --password-file /etc/stowage/ci-bot.pass"},
		},
		Flags: func() *pflag.FlagSet { return fs },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one argument: the username")
			}
			username := args[0]

			password, err := readPassword(passwordFile, false)
			if err != nil {
				return err
			}

			var resp wire.LoginResponse
			err = conn.client().Call(context.Background(), wire.ActionLogin, map[string]any{
				"username": username,
				"password": password,
			}, &resp)
			if err != nil {
				return err
			}

			path, err := conn.saveToken(resp.Token)
			if err != nil {
				return err
			}

			expiry := image.TimeFromUnixSeconds(resp.Expiry).UTC()
			fmt.Printf("logged in as %s (session expires %s)\n", resp.Username, expiry.Format("2006-01-02 15:04 MST"))
			fmt.Printf("token saved to %s\n", path)
			return nil
		},
	}
}

// readPassword obtains a password from a file, an interactive prompt
// with echo disabled, or piped stdin. With confirm set, the prompt is
// repeated and the two entries must match.
func readPassword(passwordFile string, confirm bool) (string, error) {
	if passwordFile != "" {
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return "", fmt.Errorf("reading password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading password from stdin: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(stdinFd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	if confirm {
		fmt.Fprint(os.Stderr, "Confirm password: ")
		second, err := term.ReadPassword(stdinFd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password confirmation: %w", err)
		}
		if string(first) != string(second) {
			return "", fmt.Errorf("passwords do not match")
		}
	}

	if len(first) == 0 {
		return "", fmt.Errorf("empty password")
	}
	return string(first), nil
}
