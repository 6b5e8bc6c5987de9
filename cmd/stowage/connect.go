// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/stowage-foundation/stowage/lib/service"
)

// defaultSocketPath is where the daemon listens unless overridden.
const defaultSocketPath = "/run/stowage/stowage.sock"

// connFlags holds the connection settings shared by every command that
// talks to the daemon.
type connFlags struct {
	socket    string
	tokenFile string
}

// register adds --socket and --token-file to a command's flag set.
func (c *connFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&c.socket, "socket", "", "daemon socket path (default $STOWAGE_SOCKET or "+defaultSocketPath+")")
	fs.StringVar(&c.tokenFile, "token-file", "", "session token file (default $STOWAGE_TOKEN or $STOWAGE_DIR/token)")
}

// socketPath resolves the daemon socket path from the flag, the
// environment, or the default.
func (c *connFlags) socketPath() string {
	if c.socket != "" {
		return c.socket
	}
	if env := os.Getenv("STOWAGE_SOCKET"); env != "" {
		return env
	}
	return defaultSocketPath
}

// tokenPath resolves where the session token lives.
func (c *connFlags) tokenPath() (string, error) {
	if c.tokenFile != "" {
		return c.tokenFile, nil
	}
	if env := os.Getenv("STOWAGE_TOKEN"); env != "" {
		return env, nil
	}
	dir := os.Getenv("STOWAGE_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		dir = filepath.Join(home, ".stowage")
	}
	return filepath.Join(dir, "token"), nil
}

// client returns an unauthenticated client for the daemon socket.
func (c *connFlags) client() *service.Client {
	return service.NewClient(c.socketPath())
}

// authedClient returns a client carrying the saved session token.
func (c *connFlags) authedClient() (*service.Client, error) {
	path, err := c.tokenPath()
	if err != nil {
		return nil, err
	}
	token, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no session token at %s: run 'stowage login <username>' first", path)
		}
		return nil, fmt.Errorf("reading session token: %w", err)
	}

	client := service.NewClient(c.socketPath())
	client.SetToken(strings.TrimSpace(string(token)))
	return client, nil
}

// saveToken writes the session token, creating the directory and
// keeping the file private to the user.
func (c *connFlags) saveToken(token string) (string, error) {
	path, err := c.tokenPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing session token: %w", err)
	}
	return path, nil
}
