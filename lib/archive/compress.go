// Copyright 2026 The Stowage Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm used for a blob
// section. Tags are stored in archive headers (1 byte each). These
// values are format constants — changing them breaks archive
// compatibility.
type CompressionTag uint8

const (
	// CompressionNone indicates uncompressed data. Used for
	// already-compressed content (gzipped layers, media files) where
	// compression adds CPU cost without reducing size.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 indicates LZ4 block compression. Fast default
	// for binary data (~1.5-2x ratio, ~4 GB/s decode). Good tradeoff
	// between compression ratio and CPU cost when content is unknown
	// or mixed.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd indicates zstd compression at level 3. Better
	// ratios for text-like content (~3-5x ratio, ~1.5 GB/s decode).
	// Used for manifests, configs, and anything that probes as highly
	// compressible.
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseCompressionTag parses a compression tag from its string
// representation.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression tag: %q", name)
	}
}

// CompressBlob compresses data using the specified algorithm. Returns
// the compressed bytes. For CompressionNone, returns the input
// unchanged (no copy).
func CompressBlob(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		return compressLZ4(data)

	case CompressionZstd:
		return compressZstd(data)

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// DecompressBlob decompresses data that was compressed with the
// specified algorithm. The uncompressedSize must match the original
// data length exactly — this is verified and a mismatch returns an
// error.
func DecompressBlob(compressed []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed section: size %d does not match expected %d",
				len(compressed), uncompressedSize)
		}
		return compressed, nil

	case CompressionLZ4:
		return decompressLZ4(compressed, uncompressedSize)

	case CompressionZstd:
		return decompressZstd(compressed, uncompressedSize)

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// LZ4 compression: block-mode LZ4.

func compressLZ4(data []byte) ([]byte, error) {
	// CompressBlockBound returns the maximum compressed size.
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when it determines the data is
	// incompressible. We also check whether the compressed output
	// is actually smaller than the input — if not, compression is
	// not worthwhile.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}

	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

// Zstd compression: level 3 (the "default" level — good ratio without
// excessive CPU).

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. zstd.Encoder and zstd.Decoder
// are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, 0, uncompressedSize)
	result, err := zstdDecoder.DecodeAll(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
	}
	return result, nil
}

// errIncompressible is returned by compression functions when the
// compressed output is not smaller than the input. The caller should
// fall back to CompressionNone.
var errIncompressible = fmt.Errorf("data is incompressible")

// IsIncompressible returns true if the error indicates that data
// could not be compressed smaller than its original size.
func IsIncompressible(err error) bool {
	return err == errIncompressible
}

// SelectCompression picks the compression algorithm for a blob. The
// media type short-circuits the common registry cases: JSON documents
// (manifests, configs) compress well under zstd, while gzip and zstd
// layer blobs are already entropy-coded and recompressing them burns
// CPU for nothing.
//
// Everything else is probed: compress with zstd and check the ratio.
// At 1.5x or better, zstd is selected. Between 1.1x and 1.5x, LZ4
// (faster with acceptable ratio). Below 1.1x, the data is considered
// incompressible.
func SelectCompression(data []byte, mediaType string) CompressionTag {
	switch {
	case strings.HasSuffix(mediaType, "+gzip"), strings.HasSuffix(mediaType, "+zstd"):
		return CompressionNone
	case mediaType == "application/json", strings.HasSuffix(mediaType, "+json"):
		return CompressionZstd
	}

	if len(data) == 0 {
		return CompressionNone
	}

	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))

	switch {
	case ratio >= 1.5:
		return CompressionZstd
	case ratio >= 1.1:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// CompressBlobAuto compresses data using the best algorithm for the
// given media type. Returns the compressed bytes and the tag used. If
// the data is incompressible, returns the original data with
// CompressionNone.
func CompressBlobAuto(data []byte, mediaType string) ([]byte, CompressionTag, error) {
	tag := SelectCompression(data, mediaType)

	compressed, err := CompressBlob(data, tag)
	if err != nil {
		if IsIncompressible(err) {
			return data, CompressionNone, nil
		}
		return nil, 0, err
	}

	return compressed, tag, nil
}
