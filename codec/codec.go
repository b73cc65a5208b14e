// Package codec compresses cache blocks into self describing frames and
// stores them for the cache to decompress into its slots.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression algorithm of a frame.
type Compression uint8

const (
	None Compression = 0
	// LZ4 block compression, fast
	LZ4 Compression = 1
	// Zstd better ratio, slower
	Zstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// HeaderSize frame header layout:
// [type u8][reserved 3][uncompressed length u32][xxhash64 of the payload u64]
const HeaderSize = 16

var (
	ErrCorrupt            = errors.New("codec: corrupt frame")
	ErrShortBuffer        = errors.New("codec: destination too small")
	ErrUnknownCompression = errors.New("codec: unknown compression")
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec
}

// Encode compresses data into a frame. Data that does not shrink by at least
// a tenth is stored uncompressed.
func Encode(data []byte, c Compression) ([]byte, error) {
	if uint64(len(data)) > math.MaxUint32 {
		return nil, fmt.Errorf("codec: block of %d bytes too large", len(data))
	}

	var payload []byte
	switch c {
	case None:
	case LZ4:
		if len(data) == 0 {
			break
		}
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: lz4: %w", err)
		}
		// n == 0 incompressible
		payload = buf[:n]
	case Zstd:
		enc := getZstdEncoder()
		payload = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, uint8(c))
	}

	if len(payload) == 0 || float64(len(payload)) > float64(len(data))*0.9 {
		c, payload = None, data
	}

	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = byte(c)
	binary.LittleEndian.PutUint32(frame[4:], uint32(len(data)))
	binary.LittleEndian.PutUint64(frame[8:], xxhash.Sum64(payload))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// DecodedLen uncompressed length recorded in the frame header.
func DecodedLen(frame []byte) (int, error) {
	if len(frame) < HeaderSize {
		return 0, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(frame))
	}
	return int(binary.LittleEndian.Uint32(frame[4:])), nil
}

// Decode decompresses frame into dst and returns the number of bytes written.
func Decode(dst, frame []byte) (int, error) {
	size, err := DecodedLen(frame)
	if err != nil {
		return 0, err
	}
	if size > len(dst) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, size, len(dst))
	}
	payload := frame[HeaderSize:]
	if sum := binary.LittleEndian.Uint64(frame[8:]); xxhash.Sum64(payload) != sum {
		return 0, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	var n int
	switch c := Compression(frame[0]); c {
	case None:
		if len(payload) != size {
			return 0, fmt.Errorf("%w: payload of %d bytes, header says %d", ErrCorrupt, len(payload), size)
		}
		n = copy(dst, payload)
	case LZ4:
		n, err = lz4.UncompressBlock(payload, dst[:size])
		if err != nil {
			return 0, fmt.Errorf("%w: lz4: %w", ErrCorrupt, err)
		}
	case Zstd:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(payload, dst[:0:size])
		zstdDecoderPool.Put(dec)
		if err != nil {
			return 0, fmt.Errorf("%w: zstd: %w", ErrCorrupt, err)
		}
		if len(out) != size {
			return 0, fmt.Errorf("%w: decoded %d bytes, header says %d", ErrCorrupt, len(out), size)
		}
		n = copy(dst, out)
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownCompression, uint8(c))
	}

	if n != size {
		return 0, fmt.Errorf("%w: decoded %d bytes, header says %d", ErrCorrupt, n, size)
	}
	return n, nil
}
