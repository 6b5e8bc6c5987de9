// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"encoding/json"
	"fmt"
)

// MarshalCanonical serializes a value as canonical JSON: object keys
// sorted, compact encoding. Digests of manifests and configs are
// computed over this form, so two logically identical documents
// always produce identical bytes and dedup to one blob.
//
// Implemented as marshal → generic decode → re-marshal: encoding/json
// sorts map keys, and the round trip applies that ordering at every
// nesting level. Numbers pass through float64, which is exact for the
// integer ranges that appear in these documents (sizes, schema
// versions) and for the unix-seconds created fields.
func MarshalCanonical(v any) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling document: %w", err)
	}
	var generic any
	if err := json.Unmarshal(first, &generic); err != nil {
		return nil, fmt.Errorf("normalizing document: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("re-marshaling document: %w", err)
	}
	return canonical, nil
}
