// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"bytes"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestMarshalCanonicalSortsKeys(t *testing.T) {
	config := Config{
		Architecture: "amd64",
		OS:           "linux",
		Config: RuntimeConfig{
			Labels: map[string]string{"beta": "2", "alpha": "1"},
		},
		Created: 1772323200,
	}

	data, err := MarshalCanonical(config)
	if err != nil {
		t.Fatalf("MarshalCanonical() error: %v", err)
	}

	want := `{"architecture":"amd64","config":{"Labels":{"alpha":"1","beta":"2"}},"created":1772323200,"os":"linux"}`
	if string(data) != want {
		t.Fatalf("MarshalCanonical() = %s, want %s", data, want)
	}
}

func TestMarshalCanonicalDeterministicDigest(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	configDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageConfig,
		Digest:    digest.FromString("config"),
		Size:      6,
	}
	layerDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayer,
		Digest:    digest.FromString("layer"),
		Size:      5,
	}

	// Annotation maps built in different insertion orders must
	// serialize to identical bytes, and so to identical digests.
	first := NewManifest(configDesc, []ocispec.Descriptor{layerDesc},
		map[string]string{"a": "1", "b": "2"}, now)
	second := NewManifest(configDesc, []ocispec.Descriptor{layerDesc},
		map[string]string{"b": "2", "a": "1"}, now)

	firstBytes, err := MarshalCanonical(first)
	if err != nil {
		t.Fatalf("MarshalCanonical(first) error: %v", err)
	}
	secondBytes, err := MarshalCanonical(second)
	if err != nil {
		t.Fatalf("MarshalCanonical(second) error: %v", err)
	}

	if !bytes.Equal(firstBytes, secondBytes) {
		t.Fatalf("canonical bytes differ:\n%s\n%s", firstBytes, secondBytes)
	}
	if digest.FromBytes(firstBytes) != digest.FromBytes(secondBytes) {
		t.Fatal("identical manifests produced different digests")
	}
}

func TestMarshalCanonicalRoundTripsManifest(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	manifest := NewManifest(
		ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    digest.FromString("config"),
			Size:      6,
		},
		[]ocispec.Descriptor{
			{MediaType: ocispec.MediaTypeImageLayer, Digest: digest.FromString("l1"), Size: 2},
			{MediaType: ocispec.MediaTypeImageLayer, Digest: digest.FromString("l2"), Size: 2},
		},
		nil, now)

	data, err := MarshalCanonical(manifest)
	if err != nil {
		t.Fatalf("MarshalCanonical() error: %v", err)
	}

	var decoded Manifest
	if err := decodeStrict(data, &decoded); err != nil {
		t.Fatalf("decodeStrict() error: %v", err)
	}
	if err := decoded.Validate(); err != nil {
		t.Fatalf("Validate() after round trip error: %v", err)
	}
	if decoded.Config.Digest != manifest.Config.Digest {
		t.Fatalf("config digest = %s, want %s", decoded.Config.Digest, manifest.Config.Digest)
	}
	if len(decoded.Layers) != 2 {
		t.Fatalf("layer count = %d, want 2", len(decoded.Layers))
	}
	if decoded.Layers[0].Digest != manifest.Layers[0].Digest {
		t.Fatal("layer order not preserved through canonical serialization")
	}
	if decoded.Created != UnixSeconds(now) {
		t.Fatalf("created = %v, want %v", decoded.Created, UnixSeconds(now))
	}
}

func TestDecodeStrictRejectsUnknownFields(t *testing.T) {
	data := []byte(`{"architecture":"amd64","os":"linux","config":{},"created":1,"bogus":true}`)
	var config Config
	if err := decodeStrict(data, &config); err == nil {
		t.Fatal("decodeStrict accepted an unknown field")
	}
}

func TestDecodeStrictRejectsTrailingData(t *testing.T) {
	data := []byte(`{"architecture":"amd64","os":"linux","config":{},"created":1}{"second":1}`)
	var config Config
	if err := decodeStrict(data, &config); err == nil {
		t.Fatal("decodeStrict accepted trailing data")
	}
}

func TestValidateNameAndTag(t *testing.T) {
	valid := []struct{ name, tag string }{
		{"app", "v1"},
		{"team/app", "latest"},
		{"team/sub/app", "v1.2.3-rc.1"},
		{"my-app.v2", "_internal"},
	}
	for _, tc := range valid {
		if err := ValidateName(tc.name); err != nil {
			t.Errorf("ValidateName(%q) error: %v", tc.name, err)
		}
		if err := ValidateTag(tc.tag); err != nil {
			t.Errorf("ValidateTag(%q) error: %v", tc.tag, err)
		}
	}

	badNames := []string{"", "UPPER", "-leading", "trailing-", "a//b", "a:b", "a b"}
	for _, name := range badNames {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) accepted an invalid name", name)
		}
	}

	badTags := []string{"", "-leading", ".leading", "has space", "has:colon"}
	for _, tag := range badTags {
		if err := ValidateTag(tag); err == nil {
			t.Errorf("ValidateTag(%q) accepted an invalid tag", tag)
		}
	}
}
