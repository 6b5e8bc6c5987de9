// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP I/O helpers shared by the upstream
// registry client and the service socket.
//
// Response helpers (ReadResponse, DecodeResponse, ErrorBody) bound all
// body reads at MaxResponseSize so a misbehaving upstream cannot
// exhaust memory. They are for JSON documents (manifests, error
// bodies); blob downloads have a known size from their descriptor and
// use ReadExactly instead.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON response body reads: 256 MB. Manifests
// and error bodies are orders of magnitude smaller; the bound only
// matters against a pathological server.
const MaxResponseSize int64 = 256 << 20

// ReadResponse reads a JSON response body up to MaxResponseSize bytes.
// Use instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON response body (up to MaxResponseSize
// bytes) and decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body as a string for
// diagnostic messages. Read errors are ignored; a partial or empty
// body is still useful in an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}

// ReadExactly reads a body whose length is known in advance, such as
// a blob download whose descriptor declares its size. It fails when
// the body is shorter or longer than expected, so a truncated or
// padded transfer is caught before the content is hashed.
func ReadExactly(body io.Reader, size int64) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative expected size %d", size)
	}
	data, err := io.ReadAll(io.LimitReader(body, size+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("response body is %d bytes, expected %d", len(data), size)
	}
	return data, nil
}
