// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/stowage-foundation/stowage/lib/codec"
)

// dialTimeout covers only the connect phase; the response wait has its
// own deadline.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long the client waits for the server's
// response after writing the request. Sized to the server's read plus
// write windows so a slow transfer of a large image does not get cut
// off mid-response.
const responseReadTimeout = 5 * time.Minute

// maxResponseSize matches the server's request cap: pull and export
// responses carry whole images.
const maxResponseSize = 512 << 20

// Error is returned by Call when the server responds with ok=false.
// It carries the server's message and the action that failed.
type Error struct {
	Action  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

// Client sends CBOR requests to a stowage service socket. Each Call
// opens a new connection, matching the server's one-request-per-
// connection model.
//
// A client with a session token (SetToken) includes it in every
// request as the "token" field; an unauthenticated client omits it,
// which only the status and login actions accept.
type Client struct {
	socketPath string
	token      string
}

// NewClient creates an unauthenticated client for the socket at
// socketPath. Call SetToken after login to authenticate subsequent
// requests.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// SetToken sets the session token included in subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Call sends one request and decodes the response.
//
// The fields parameter carries the action-specific request fields; the
// client adds "action" and, when set, "token". Pass nil for actions
// without parameters. On ok=false the returned error is a *Error with
// the server's message; connection and codec failures are plain
// errors. When result is non-nil and the response carries data, the
// data is CBOR-decoded into result.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := c.buildRequest(action, fields)

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}

	if !response.OK {
		return &Error{Action: action, Message: response.Error}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}

	return nil
}

// buildRequest assembles the request map from the caller's fields plus
// the routing fields. The caller must not include "action" or "token"
// keys itself.
func (c *Client) buildRequest(action string, fields map[string]any) map[string]any {
	request := make(map[string]any, len(fields)+2)
	for key, value := range fields {
		request[key] = value
	}

	request["action"] = action
	if c.token != "" {
		request["token"] = c.token
	}

	return request
}

// send connects, writes the request, and reads the response envelope.
func (c *Client) send(ctx context.Context, request any) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Half-close the write side. CBOR is self-delimiting so this is
	// not required, but it lets the server's read side see EOF
	// cleanly.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return &response, nil
}
