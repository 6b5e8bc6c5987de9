// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"fmt"
	"testing"
)

func TestReadResponse(t *testing.T) {
	data, err := ReadResponse(bytes.NewReader([]byte(`{"ok":true}`)))
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("body = %q, want %q", data, `{"ok":true}`)
	}

	data, err = ReadResponse(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("ReadResponse on empty body failed: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("empty body read %d bytes", len(data))
	}

	if _, err := ReadResponse(&failReader{}); err == nil {
		t.Fatal("read failure did not propagate")
	}
}

func TestDecodeResponse(t *testing.T) {
	var result struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	body := bytes.NewReader([]byte(`{"name":"app","size":3072}`))
	if err := DecodeResponse(body, &result); err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	if result.Name != "app" || result.Size != 3072 {
		t.Fatalf("decoded = %+v, want name app size 3072", result)
	}

	if err := DecodeResponse(bytes.NewReader([]byte(`not json`)), &struct{}{}); err == nil {
		t.Fatal("invalid JSON accepted")
	}
	if err := DecodeResponse(&failReader{}, &struct{}{}); err == nil {
		t.Fatal("read failure did not propagate")
	}
}

func TestErrorBody(t *testing.T) {
	if got := ErrorBody(bytes.NewReader([]byte(`manifest unknown`))); got != "manifest unknown" {
		t.Fatalf("ErrorBody = %q, want %q", got, "manifest unknown")
	}
	if got := ErrorBody(bytes.NewReader(nil)); got != "" {
		t.Fatalf("ErrorBody on empty = %q, want empty", got)
	}
	if got := ErrorBody(&failReader{}); got != "" {
		t.Fatalf("ErrorBody on failing reader = %q, want empty", got)
	}
}

func TestReadExactly(t *testing.T) {
	payload := bytes.Repeat([]byte{0xa1}, 1024)

	data, err := ReadExactly(bytes.NewReader(payload), 1024)
	if err != nil {
		t.Fatalf("ReadExactly failed: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("ReadExactly returned different bytes")
	}

	if _, err := ReadExactly(bytes.NewReader(payload), 2048); err == nil {
		t.Fatal("short body accepted")
	}
	if _, err := ReadExactly(bytes.NewReader(payload), 512); err == nil {
		t.Fatal("long body accepted")
	}
	if _, err := ReadExactly(bytes.NewReader(nil), -1); err == nil {
		t.Fatal("negative size accepted")
	}

	data, err = ReadExactly(bytes.NewReader(nil), 0)
	if err != nil {
		t.Fatalf("ReadExactly of zero bytes failed: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("zero-size read returned %d bytes", len(data))
	}
}

// failReader always returns an error on Read.
type failReader struct{}

func (*failReader) Read([]byte) (int, error) {
	return 0, fmt.Errorf("simulated read failure")
}
