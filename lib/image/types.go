// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/stowage-foundation/stowage/lib/clock"
)

// Sentinel errors for the image lifecycle. NotFound outcomes are
// normal results; ErrCorrupt means stored state references bytes that
// are gone and is never silently ignored.
var (
	// ErrTagNotFound is returned when a (name, tag) pointer does not
	// exist.
	ErrTagNotFound = errors.New("tag not found")

	// ErrCorrupt is returned when a tag or manifest references a
	// manifest, config, or layer blob that is missing from the store.
	// A pull that hits this fails whole rather than returning a
	// partial image.
	ErrCorrupt = errors.New("image corrupt")
)

// ManifestSchemaVersion is the only manifest schema version the
// registry reads or writes.
const ManifestSchemaVersion = 2

// Maximum lengths for repository names and tags. Both bound the
// validation regexps below.
const (
	MaxNameLength = 255
	MaxTagLength  = 128
)

var (
	// repoNameRE matches repository names: lowercase path segments
	// separated by slashes, segments built from alphanumerics with
	// single ._- separators ("library/alpine", "team-x/app.backend").
	repoNameRE = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*(?:/[a-z0-9]+(?:[._-][a-z0-9]+)*)*$`)

	// tagRE matches tag strings: a leading word character followed by
	// up to 127 word characters, dots, or dashes.
	tagRE = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]{0,127}$`)
)

// ValidateName checks a repository name against the naming rules.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("repository name is empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("repository name exceeds %d bytes", MaxNameLength)
	}
	if !repoNameRE.MatchString(name) {
		return fmt.Errorf("invalid repository name %q", name)
	}
	return nil
}

// ValidateTag checks a tag string against the naming rules.
func ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("tag is empty")
	}
	if len(tag) > MaxTagLength {
		return fmt.Errorf("tag exceeds %d bytes", MaxTagLength)
	}
	if !tagRE.MatchString(tag) {
		return fmt.Errorf("invalid tag %q", tag)
	}
	return nil
}

// Manifest describes one image version: a config blob plus an ordered
// sequence of layer blobs. Stored as a blob under the digest of its
// canonical serialization.
type Manifest struct {
	SchemaVersion int                `json:"schemaVersion"`
	MediaType     string             `json:"mediaType"`
	Config        ocispec.Descriptor `json:"config"`
	Layers        []ocispec.Descriptor `json:"layers"`
	Annotations   map[string]string  `json:"annotations,omitempty"`
	Created       float64            `json:"created"`
}

// NewManifest builds a manifest for a config descriptor and ordered
// layer descriptors. Layer order encodes filesystem stacking order
// and is preserved exactly.
func NewManifest(config ocispec.Descriptor, layers []ocispec.Descriptor, annotations map[string]string, now time.Time) *Manifest {
	return &Manifest{
		SchemaVersion: ManifestSchemaVersion,
		MediaType:     ocispec.MediaTypeImageManifest,
		Config:        config,
		Layers:        layers,
		Annotations:   annotations,
		Created:       UnixSeconds(now),
	}
}

// Validate checks the structural invariants of a decoded manifest.
func (m *Manifest) Validate() error {
	if m.SchemaVersion != ManifestSchemaVersion {
		return fmt.Errorf("manifest schemaVersion %d is not supported (expected %d)",
			m.SchemaVersion, ManifestSchemaVersion)
	}
	if m.MediaType != ocispec.MediaTypeImageManifest {
		return fmt.Errorf("manifest mediaType %q is not supported", m.MediaType)
	}
	if err := m.Config.Digest.Validate(); err != nil {
		return fmt.Errorf("manifest config digest: %w", err)
	}
	for i, layer := range m.Layers {
		if err := layer.Digest.Validate(); err != nil {
			return fmt.Errorf("manifest layer %d digest: %w", i, err)
		}
	}
	return nil
}

// References returns every digest the manifest depends on: the config
// digest followed by the layer digests in order. Used by garbage
// collection to mark reachable blobs.
func (m *Manifest) References() []digest.Digest {
	refs := make([]digest.Digest, 0, 1+len(m.Layers))
	refs = append(refs, m.Config.Digest)
	for _, layer := range m.Layers {
		refs = append(refs, layer.Digest)
	}
	return refs
}

// Config is the image configuration document. The inner runtime
// section uses the conventional capitalized JSON keys so configs are
// interchangeable with other registry tooling.
type Config struct {
	Architecture string        `json:"architecture"`
	OS           string        `json:"os"`
	Config       RuntimeConfig `json:"config"`
	Created      float64       `json:"created"`
}

// RuntimeConfig holds the container runtime parameters of an image
// config.
type RuntimeConfig struct {
	Entrypoint   []string            `json:"Entrypoint,omitempty"`
	Cmd          []string            `json:"Cmd,omitempty"`
	Env          []string            `json:"Env,omitempty"`
	Labels       map[string]string   `json:"Labels,omitempty"`
	WorkingDir   string              `json:"WorkingDir,omitempty"`
	User         string              `json:"User,omitempty"`
	Volumes      map[string]struct{} `json:"Volumes,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
}

// Image is a fully materialized image: everything needed to
// reconstruct it. Returned by Pull; never partial.
type Image struct {
	Name           string
	Tag            string
	ManifestDigest digest.Digest
	Manifest       *Manifest
	Config         *Config
	Layers         [][]byte
}

// Summary is the metadata view of a tagged image, assembled from the
// tag record, manifest, and config without loading layer bytes.
type Summary struct {
	Name           string
	Tag            string
	ManifestDigest digest.Digest
	ConfigDigest   digest.Digest
	LayerDigests   []digest.Digest
	Size           int64
	Labels         map[string]string
	Architecture   string
	OS             string
	Entrypoint     []string
	Cmd            []string
	Annotations    map[string]string
	Created        float64
}

// UnixSeconds converts a time to the unix-seconds float used by the
// created fields of manifests, configs, and tag records.
func UnixSeconds(t time.Time) float64 {
	return clock.UnixSeconds(t)
}

// TimeFromUnixSeconds converts a created field back to a time.
func TimeFromUnixSeconds(seconds float64) time.Time {
	return clock.FromUnixSeconds(seconds)
}

// decodeStrict unmarshals JSON rejecting unknown fields and trailing
// data. Stored manifests and configs are written by this package, so
// an unknown field means the bytes are not what the digest claims.
func decodeStrict(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if decoder.More() {
		return fmt.Errorf("trailing data after JSON document")
	}
	return nil
}
