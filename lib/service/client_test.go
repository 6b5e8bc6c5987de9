// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stowage-foundation/stowage/lib/codec"
)

func TestClientCall(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, discardLogger())

	server.Handle("whoami", func(ctx context.Context, raw []byte) (any, error) {
		var req struct {
			Token string `cbor:"token"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return map[string]string{"token": req.Token}, nil
	})
	server.Handle("reject", func(ctx context.Context, raw []byte) (any, error) {
		return nil, errors.New("not allowed")
	})

	startServer(t, server, socketPath)

	t.Run("unauthenticated omits token", func(t *testing.T) {
		client := NewClient(socketPath)
		var data struct {
			Token string `cbor:"token"`
		}
		if err := client.Call(context.Background(), "whoami", nil, &data); err != nil {
			t.Fatalf("Call: %v", err)
		}
		if data.Token != "" {
			t.Errorf("token = %q, want empty", data.Token)
		}
	})

	t.Run("token injected after SetToken", func(t *testing.T) {
		client := NewClient(socketPath)
		client.SetToken("abc123")
		var data struct {
			Token string `cbor:"token"`
		}
		if err := client.Call(context.Background(), "whoami", nil, &data); err != nil {
			t.Fatalf("Call: %v", err)
		}
		if data.Token != "abc123" {
			t.Errorf("token = %q, want %q", data.Token, "abc123")
		}
	})

	t.Run("server failure is a service error", func(t *testing.T) {
		client := NewClient(socketPath)
		err := client.Call(context.Background(), "reject", nil, nil)
		var serviceErr *Error
		if !errors.As(err, &serviceErr) {
			t.Fatalf("expected *Error, got %T: %v", err, err)
		}
		if serviceErr.Action != "reject" || serviceErr.Message != "not allowed" {
			t.Errorf("unexpected error contents: %+v", serviceErr)
		}
	})

	t.Run("extra fields pass through", func(t *testing.T) {
		client := NewClient(socketPath)
		// The whoami handler ignores unknown fields; this verifies the
		// request map merge does not clobber routing fields.
		var data struct {
			Token string `cbor:"token"`
		}
		err := client.Call(context.Background(), "whoami", map[string]any{"extra": 7}, &data)
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
	})
}

func TestClientConnectFailure(t *testing.T) {
	client := NewClient("/nonexistent/stowage.sock")
	err := client.Call(context.Background(), "status", nil, nil)
	if err == nil {
		t.Fatal("expected connection error")
	}
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		t.Fatalf("connection failure should not be a *Error: %v", err)
	}
}
