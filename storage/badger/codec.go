// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// CompressionType selects how queued message payloads are compressed at rest.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionS2   CompressionType = "s2"
	CompressionZstd CompressionType = "zstd"
)

// ParseCompression parses a configured compression name. Empty means none.
func ParseCompression(name string) (CompressionType, error) {
	switch CompressionType(name) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionS2, CompressionZstd:
		return CompressionType(name), nil
	default:
		return "", fmt.Errorf("unknown compression %q", name)
	}
}

// Zstd encoder/decoder shared by all stores.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

func compress(data []byte, ct CompressionType) []byte {
	if len(data) == 0 {
		return data
	}
	switch ct {
	case CompressionS2:
		return s2.Encode(nil, data)
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil)
	default:
		return data
	}
}

func decompress(data []byte, ct CompressionType) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	switch ct {
	case CompressionS2:
		return s2.Decode(nil, data)
	case CompressionZstd:
		return zstdDecoder.DecodeAll(data, nil)
	default:
		return data, nil
	}
}
