package blockstore

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/KevoDB/regiondb/pkg/common/status"
	"github.com/KevoDB/regiondb/pkg/config"
)

// Codec identifies how a block's value is stored.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecZstd
)

var (
	// ErrUnknownCodec is returned when an unsupported compression codec is specified
	ErrUnknownCodec = fmt.Errorf("%w: unknown compression codec", status.ErrInvalidArgument)

	// ErrInvalidCompressedData is returned when compressed data cannot be decompressed
	ErrInvalidCompressedData = fmt.Errorf("%w: invalid compressed data", status.ErrCorruption)
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return config.CompressionNone
	case CodecSnappy:
		return config.CompressionSnappy
	case CodecZstd:
		return config.CompressionZstd
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a configuration name to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", config.CompressionNone:
		return CodecNone, nil
	case config.CompressionSnappy:
		return CodecSnappy, nil
	case config.CompressionZstd:
		return CodecZstd, nil
	default:
		return CodecNone, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Compressor compresses and decompresses block values. Encode and Decode
// may be called concurrently.
type Compressor struct {
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// NewCompressor creates a compressor with initialized codecs
func NewCompressor() (*Compressor, error) {
	zstdEncoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create ZSTD encoder: %w", err)
	}

	zstdDecoder, err := zstd.NewReader(nil)
	if err != nil {
		zstdEncoder.Close()
		return nil, fmt.Errorf("failed to create ZSTD decoder: %w", err)
	}

	return &Compressor{
		zstdEncoder: zstdEncoder,
		zstdDecoder: zstdDecoder,
	}, nil
}

// Compress compresses data using the specified codec
func (c *Compressor) Compress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecZstd:
		return c.zstdEncoder.EncodeAll(data, nil), nil
	case CodecSnappy:
		return snappy.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

// Decompress decompresses data using the specified codec. rawLen is the
// expected decompressed length.
func (c *Compressor) Decompress(data []byte, codec Codec, rawLen int) ([]byte, error) {
	var (
		result []byte
		err    error
	)
	switch codec {
	case CodecNone:
		result = data
	case CodecZstd:
		result, err = c.zstdDecoder.DecodeAll(data, make([]byte, 0, rawLen))
	case CodecSnappy:
		result, err = snappy.Decode(make([]byte, rawLen), data)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
	}
	if len(result) != rawLen {
		return nil, fmt.Errorf("%w: decoded %d bytes, want %d", ErrInvalidCompressedData, len(result), rawLen)
	}
	return result, nil
}

// Close releases resources used by the compressor
func (c *Compressor) Close() error {
	var errs []error
	if c.zstdEncoder != nil {
		errs = append(errs, c.zstdEncoder.Close())
		c.zstdEncoder = nil
	}
	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
		c.zstdDecoder = nil
	}
	return errors.Join(errs...)
}
