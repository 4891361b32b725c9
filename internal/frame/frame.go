// Package frame encodes and decodes the compressed payload frame of archive
// entries.
//
// A frame is a 4-byte decompressed size, the codec payload, and a 4-byte
// CRC-32C trailer over the decompressed bytes. The header and trailer use the
// archive's byte order. Payloads that do not shrink under the codec are stored
// verbatim; a payload whose length equals the decompressed size is always raw.
package frame

import (
	"bytes"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/meigma/resfile/internal/endian"
	"github.com/meigma/resfile/internal/restype"
	"github.com/meigma/resfile/internal/sizing"
)

// Overhead is the number of framing bytes around a payload.
const Overhead = 8

// DefaultMaxDecoderMemory is the default maximum zstd decoder memory (64MB).
const DefaultMaxDecoderMemory = 64 << 20

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Codec identifies the compression algorithm behind a frame.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecLZ4
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// CodecForVersion returns the codec used by archives of version v.
func CodecForVersion(v int32) (Codec, error) {
	switch v {
	case restype.VersionLZ4:
		return CodecLZ4, nil
	case restype.VersionZstd:
		return CodecZstd, nil
	case restype.VersionRaw:
		return CodecNone, nil
	default:
		return CodecNone, fmt.Errorf("%w: unsupported version %d", restype.ErrFormat, v)
	}
}

// Framer encodes and decodes frames for one codec and byte order.
// A Framer is safe for concurrent use.
type Framer struct {
	codec Codec
	swap  bool
	pool  *decoderPool
	enc   *zstd.Encoder
}

// Option configures a Framer.
type Option func(*framerConfig)

type framerConfig struct {
	maxDecoderMemory uint64
	level            zstd.EncoderLevel
}

// WithMaxDecoderMemory limits the memory used by zstd decoders.
// Set limit to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(c *framerConfig) {
		c.maxDecoderMemory = limit
	}
}

// WithEncoderLevel sets the zstd encoder level (default: zstd.SpeedDefault).
func WithEncoderLevel(level zstd.EncoderLevel) Option {
	return func(c *framerConfig) {
		c.level = level
	}
}

// New creates a Framer for the given codec.
func New(codec Codec, swap bool, opts ...Option) (*Framer, error) {
	cfg := framerConfig{
		maxDecoderMemory: DefaultMaxDecoderMemory,
		level:            zstd.SpeedDefault,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f := &Framer{codec: codec, swap: swap}
	if codec == CodecZstd {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(cfg.level),
			zstd.WithEncoderConcurrency(1),
			zstd.WithLowerEncoderMem(true),
		)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		f.enc = enc
		f.pool = newDecoderPool(cfg.maxDecoderMemory)
	}
	return f, nil
}

// Encode compresses data into a frame.
func (f *Framer) Encode(data []byte) ([]byte, error) {
	if _, err := sizing.EntrySize(len(data), restype.ErrAllocation); err != nil {
		return nil, err
	}
	payload, err := f.compress(data)
	if err != nil {
		return nil, err
	}
	if len(payload) >= len(data) {
		payload = data
	}

	w := endian.NewWriter(make([]byte, 0, len(payload)+Overhead), f.swap)
	w.U32(uint32(len(data))) //nolint:gosec // bounded by EntrySize
	w.Raw(payload)
	w.U32(crc32.Checksum(data, castagnoli))
	return w.Bytes(), nil
}

func (f *Framer) compress(data []byte) ([]byte, error) {
	switch f.codec {
	case CodecNone:
		return data, nil
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible.
			return data, nil
		}
		return dst[:n], nil
	case CodecZstd:
		return f.enc.EncodeAll(data, make([]byte, 0, len(data))), nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", restype.ErrFormat, f.codec)
	}
}

// Split strips the header and trailer of frame without decompressing it.
// It returns the codec payload, the decompressed size, and the checksum.
func (f *Framer) Split(frame []byte) (payload []byte, size int, sum uint32, err error) {
	if len(frame) < Overhead {
		return nil, 0, 0, fmt.Errorf("%w: short frame (%d bytes)", restype.ErrFormat, len(frame))
	}
	r := endian.NewReader(frame, f.swap)
	size = int(r.U32())
	payload = r.Raw(len(frame) - Overhead)
	sum = r.U32()
	if size > sizing.MaxEntrySize {
		return nil, 0, 0, fmt.Errorf("%w: frame size %d", restype.ErrAllocation, size)
	}
	return payload, size, sum, nil
}

// DecodedSize returns the decompressed size recorded in a frame header.
func (f *Framer) DecodedSize(header []byte) (int, error) {
	if len(header) < 4 {
		return 0, fmt.Errorf("%w: short frame header", restype.ErrFormat)
	}
	return int(endian.NewReader(header, f.swap).U32()), nil
}

// Decode decompresses and verifies a frame.
func (f *Framer) Decode(frame []byte) ([]byte, error) {
	payload, size, sum, err := f.Split(frame)
	if err != nil {
		return nil, err
	}
	out, err := f.decompress(payload, size)
	if err != nil {
		return nil, err
	}
	if crc32.Checksum(out, castagnoli) != sum {
		return nil, restype.ErrChecksum
	}
	return out, nil
}

func (f *Framer) decompress(payload []byte, size int) ([]byte, error) {
	if len(payload) == size {
		return bytes.Clone(payload), nil
	}
	switch f.codec {
	case CodecLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %w", restype.ErrFormat, err)
		}
		if n != size {
			return nil, fmt.Errorf("%w: lz4 produced %d of %d bytes", restype.ErrFormat, n, size)
		}
		return out, nil
	case CodecZstd:
		return f.pool.decode(payload, size)
	default:
		return nil, fmt.Errorf("%w: %s frame payload is %d bytes, want %d",
			restype.ErrFormat, f.codec, len(payload), size)
	}
}
