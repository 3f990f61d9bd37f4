package blockstore

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/KevoDB/regiondb/pkg/common/status"
)

// A data block is laid out as
//
//	magic(2) codec(1) mode(1) keyLen(4) rawLen(4) storedLen(4) checksum(8) key stored
//
// The checksum is xxhash64 over every byte of the block except itself.
const (
	HeaderSize = 24
	blockMagic = 0x4b42 // "BK"
)

// Header is the decoded fixed part of a block.
type Header struct {
	Codec     Codec
	Mode      uint8
	KeyLen    uint32
	RawLen    uint32
	StoredLen uint32
	Checksum  uint64
}

// Len returns the encoded length of the whole block.
func (h Header) Len() uint64 {
	return HeaderSize + uint64(h.KeyLen) + uint64(h.StoredLen)
}

// encodeBlock builds a block from an already compressed value.
func encodeBlock(codec Codec, mode uint8, key []byte, rawLen int, stored []byte) []byte {
	buf := make([]byte, HeaderSize+len(key)+len(stored))
	binary.LittleEndian.PutUint16(buf[0:2], blockMagic)
	buf[2] = byte(codec)
	buf[3] = mode
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(rawLen))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(stored)))
	copy(buf[HeaderSize:], key)
	copy(buf[HeaderSize+len(key):], stored)
	seal(buf)
	return buf
}

func checksum(buf []byte) uint64 {
	d := xxhash.New()
	d.Write(buf[:16])
	d.Write(buf[HeaderSize:])
	return d.Sum64()
}

func seal(buf []byte) {
	binary.LittleEndian.PutUint64(buf[16:24], checksum(buf))
}

// decodeHeader parses the fixed header of a block at addr.
func decodeHeader(buf []byte, addr uint64) (Header, error) {
	if len(buf) < HeaderSize || binary.LittleEndian.Uint16(buf[0:2]) != blockMagic {
		return Header{}, fmt.Errorf("%w: no data block at %d", status.ErrCorruption, addr)
	}
	h := Header{
		Codec:     Codec(buf[2]),
		Mode:      buf[3],
		KeyLen:    binary.LittleEndian.Uint32(buf[4:8]),
		RawLen:    binary.LittleEndian.Uint32(buf[8:12]),
		StoredLen: binary.LittleEndian.Uint32(buf[12:16]),
		Checksum:  binary.LittleEndian.Uint64(buf[16:24]),
	}
	if h.Codec > CodecZstd {
		return Header{}, fmt.Errorf("%w: block at %d has codec %d", status.ErrCorruption, addr, h.Codec)
	}
	if h.Codec == CodecNone && h.RawLen != h.StoredLen {
		return Header{}, fmt.Errorf("%w: block at %d has inconsistent lengths", status.ErrCorruption, addr)
	}
	return h, nil
}

// verify checks a whole encoded block and returns its header.
func verify(buf []byte, addr uint64) (Header, error) {
	h, err := decodeHeader(buf, addr)
	if err != nil {
		return Header{}, err
	}
	if h.Len() != uint64(len(buf)) {
		return Header{}, fmt.Errorf("%w: block at %d is %d bytes, location says %d",
			status.ErrCorruption, addr, h.Len(), len(buf))
	}
	if checksum(buf) != h.Checksum {
		return Header{}, fmt.Errorf("%w: block checksum mismatch at %d", status.ErrCorruption, addr)
	}
	return h, nil
}
