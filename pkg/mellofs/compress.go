// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mellofs

import (
	"bytes"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// CompressionKind is the closed per-extent compression tag (spec §4.14:
// "None, LZ4, or Zstd").
//
// The example pack carries no dedicated LZ4 codec (github.com/klauspost's
// module has no lz4 package; only pierrec/lz4 implements it, and that
// library appears nowhere in the corpus). klauspost/compress/s2 is an
// LZ4-class block codec from the same module the teacher's zstd usage
// already pulls in — same throughput tier and block-oriented shape as
// LZ4 — so it stands in for the "Lz4" tag rather than inventing an
// out-of-pack dependency. See DESIGN.md.
type CompressionKind uint8

const (
	CompressionNone CompressionKind = iota
	CompressionLz4
	CompressionZstd
)

// minCompressSize is the spec's "skip compression for inputs < 4 KiB"
// threshold.
const minCompressSize = 4096

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
var zstdDecoder, _ = zstd.NewReader(nil)

// Compress chooses whether and how to compress data for the given
// requested kind, applying spec §4.14's rules: skip entirely below
// 4 KiB, and fall back to storing uncompressed if the compressed form
// isn't actually smaller. Returns the stored bytes and the kind
// actually recorded in the extent's tag (which may differ from
// requested if either rule applied).
func Compress(data []byte, requested CompressionKind) ([]byte, CompressionKind) {
	if requested == CompressionNone || len(data) < minCompressSize {
		return data, CompressionNone
	}

	var out []byte
	switch requested {
	case CompressionLz4:
		out = s2.Encode(nil, data)
	case CompressionZstd:
		out = zstdEncoder.EncodeAll(data, nil)
	default:
		return data, CompressionNone
	}

	if len(out) >= len(data) {
		return data, CompressionNone
	}
	return out, requested
}

// Decompress reverses Compress. The Uncompressed case returns stored
// unchanged (P11).
func Decompress(stored []byte, kind CompressionKind, originalSize int) ([]byte, error) {
	switch kind {
	case CompressionNone:
		return stored, nil
	case CompressionLz4:
		out := make([]byte, 0, originalSize)
		return s2.Decode(out, stored)
	case CompressionZstd:
		return zstdDecoder.DecodeAll(stored, make([]byte, 0, originalSize))
	default:
		return nil, bytes.ErrTooLarge
	}
}
