// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/stowage-foundation/stowage/lib/image"
	"github.com/stowage-foundation/stowage/lib/netutil"
)

var (
	// ErrUpstreamNotFound means the remote registry does not have the
	// requested manifest or blob.
	ErrUpstreamNotFound = errors.New("not found on upstream")

	// ErrDigestMismatch means a fetched blob hashed to something other
	// than the digest the manifest promised.
	ErrDigestMismatch = errors.New("upstream blob digest mismatch")
)

// manifestAccept lists the manifest dialects the client understands.
const manifestAccept = "application/vnd.oci.image.manifest.v1+json, " +
	"application/vnd.docker.distribution.manifest.v2+json"

// dockerManifestMediaType is the pre-OCI manifest dialect still served
// by older registries.
const dockerManifestMediaType = "application/vnd.docker.distribution.manifest.v2+json"

// blobFetchParallelism bounds concurrent blob downloads per image.
const blobFetchParallelism = 4

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the registry root, e.g. "https://registry.example.com".
	// The /v2/ API prefix is appended by the client.
	BaseURL string

	// HTTPClient is used for all requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client fetches manifests and blobs from one remote registry.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Image is a fully fetched remote image: the manifest, the raw config
// document, and the layer contents in manifest order.
type Image struct {
	Name        string
	Ref         string
	Manifest    *image.Manifest
	ManifestRaw []byte
	Config      []byte
	Layers      [][]byte
}

// NewClient creates a client for one upstream registry.
func NewClient(config Config) (*Client, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("upstream base URL is empty")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream URL %q: %w", config.BaseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL %q must be http or https", config.BaseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// FetchManifest retrieves and parses the manifest for name:ref.
// Returns the parsed manifest and the raw bytes as served.
func (c *Client) FetchManifest(ctx context.Context, name, ref string) (*image.Manifest, []byte, error) {
	endpoint := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL, name, ref)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating manifest request: %w", err)
	}
	request.Header.Set("Accept", manifestAccept)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching manifest %s:%s: %w", name, ref, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return nil, nil, fmt.Errorf("manifest %s:%s: %w", name, ref, ErrUpstreamNotFound)
	}
	if response.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("upstream returned %d for manifest %s:%s: %s",
			response.StatusCode, name, ref, netutil.ErrorBody(response.Body))
	}

	raw, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading manifest %s:%s: %w", name, ref, err)
	}

	manifest, err := parseManifest(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("manifest %s:%s: %w", name, ref, err)
	}
	return manifest, raw, nil
}

// FetchBlob retrieves one blob and verifies it against the
// descriptor's digest and, when declared, its size.
func (c *Client) FetchBlob(ctx context.Context, name string, desc ocispec.Descriptor) ([]byte, error) {
	if err := desc.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("blob descriptor digest: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL, name, desc.Digest)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetching blob %s: %w", desc.Digest, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("blob %s: %w", desc.Digest, ErrUpstreamNotFound)
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %d for blob %s: %s",
			response.StatusCode, desc.Digest, netutil.ErrorBody(response.Body))
	}

	var data []byte
	if desc.Size > 0 {
		data, err = netutil.ReadExactly(response.Body, desc.Size)
	} else {
		data, err = netutil.ReadResponse(response.Body)
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", desc.Digest, err)
	}

	verifier := desc.Digest.Verifier()
	verifier.Write(data)
	if !verifier.Verified() {
		return nil, fmt.Errorf("blob %s: %w", desc.Digest, ErrDigestMismatch)
	}
	return data, nil
}

// FetchImage retrieves a complete image: the manifest, then the config
// and every layer in parallel. Layer order in the result matches the
// manifest. Any single failed or corrupt blob fails the whole fetch.
func (c *Client) FetchImage(ctx context.Context, name, ref string) (*Image, error) {
	manifest, raw, err := c.FetchManifest(ctx, name, ref)
	if err != nil {
		return nil, err
	}

	fetched := &Image{
		Name:        name,
		Ref:         ref,
		Manifest:    manifest,
		ManifestRaw: raw,
		Layers:      make([][]byte, len(manifest.Layers)),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(blobFetchParallelism)

	group.Go(func() error {
		data, err := c.FetchBlob(groupCtx, name, manifest.Config)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		fetched.Config = data
		return nil
	})
	for i, layerDesc := range manifest.Layers {
		group.Go(func() error {
			data, err := c.FetchBlob(groupCtx, name, layerDesc)
			if err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
			fetched.Layers[i] = data
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("fetching %s:%s: %w", name, ref, err)
	}

	c.logger.Info("image fetched from upstream",
		"name", name,
		"ref", ref,
		"layers", len(fetched.Layers),
	)
	return fetched, nil
}

// parseManifest decodes a manifest leniently: unknown fields are
// ignored and both the OCI and Docker v2 media types are accepted.
// The structural requirements still hold: schema version 2, a valid
// config digest, and at least one layer with a valid digest.
func parseManifest(raw []byte) (*image.Manifest, error) {
	var manifest image.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if manifest.SchemaVersion != image.ManifestSchemaVersion {
		return nil, fmt.Errorf("unsupported manifest schemaVersion %d", manifest.SchemaVersion)
	}
	switch manifest.MediaType {
	case ocispec.MediaTypeImageManifest, dockerManifestMediaType, "":
	default:
		return nil, fmt.Errorf("unsupported manifest mediaType %q", manifest.MediaType)
	}
	if err := manifest.Config.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("config digest: %w", err)
	}
	if len(manifest.Layers) == 0 {
		return nil, fmt.Errorf("manifest has no layers")
	}
	for i, layer := range manifest.Layers {
		if err := layer.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("layer %d digest: %w", i, err)
		}
	}
	return &manifest, nil
}
