// Package compress implements the compressor used for node partitions.
//
// Every sub-block produced by Compress is self-describing:
//
//	[method u8][raw length u32][stored length u32][payload]
//
// so Decompress needs no side information. When a method fails to save at
// least 10% the payload is stored raw and the method byte records None.
package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hupe1980/fractal/internal/conv"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Method selects a compression algorithm.
type Method uint8

const (
	// None stores payloads uncompressed.
	None Method = 0
	// LZ4 is fast block compression, suited to hot data.
	LZ4 Method = 1
	// Zstd trades speed for ratio.
	Zstd Method = 2
	// Snappy is fast with modest ratio.
	Snappy Method = 3
	// Zlib is deflate with a zlib wrapper.
	Zlib Method = 4
)

// HeaderSize is the size of the sub-block header.
const HeaderSize = 9

var (
	// ErrUnknownMethod is returned for an unsupported method byte.
	ErrUnknownMethod = errors.New("compress: unknown method")
	// ErrCorrupt is returned when a sub-block cannot be decoded.
	ErrCorrupt = errors.New("compress: corrupt sub-block")
)

var methodNames = [...]string{None: "none", LZ4: "lz4", Zstd: "zstd", Snappy: "snappy", Zlib: "zlib"}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return fmt.Sprintf("method(%d)", uint8(m))
}

// Valid reports whether m is supported.
func (m Method) Valid() bool { return int(m) < len(methodNames) }

// ParseMethod maps a name such as "zstd" to its Method.
func ParseMethod(s string) (Method, error) {
	for i, n := range methodNames {
		if strings.EqualFold(s, n) {
			return Method(i), nil
		}
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec
}

// Bound returns the largest sub-block Compress can produce for n input bytes.
func Bound(m Method, n int) int {
	var body int
	switch m {
	case LZ4:
		body = lz4.CompressBlockBound(n)
	case Zstd:
		body = n + n>>8
		if n < 128<<10 {
			body += (128<<10 - n) >> 11
		}
	case Snappy:
		body = snappy.MaxEncodedLen(n)
	case Zlib:
		body = n + n>>12 + n>>14 + n>>25 + 13 + 6
	default:
		body = n
	}
	return HeaderSize + max(body, n)
}

// Compress returns a self-describing sub-block holding src.
func Compress(m Method, src []byte) ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, m)
	}
	rawLen, err := conv.IntToUint32(len(src))
	if err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	var body []byte
	switch m {
	case LZ4:
		body, err = compressLZ4(src)
	case Zstd:
		enc := getZstdEncoder()
		body = enc.EncodeAll(src, nil)
		zstdEncoderPool.Put(enc)
	case Snappy:
		body = snappy.Encode(nil, src)
	case Zlib:
		body, err = compressZlib(src)
	}
	if err != nil {
		return nil, err
	}

	if m == None || len(body) == 0 || float64(len(body)) > float64(len(src))*0.9 {
		m, body = None, src
	}

	out := make([]byte, HeaderSize, HeaderSize+len(body))
	out[0] = byte(m)
	binary.LittleEndian.PutUint32(out[1:], rawLen)
	binary.LittleEndian.PutUint32(out[5:], uint32(len(body)))
	return append(out, body...), nil
}

// StoredMethod returns the method recorded in a sub-block header.
func StoredMethod(b []byte) (Method, error) {
	if len(b) < HeaderSize {
		return None, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	return Method(b[0]), nil
}

// Decompress decodes a sub-block produced by Compress.
func Decompress(b []byte) ([]byte, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	m := Method(b[0])
	raw := binary.LittleEndian.Uint32(b[1:])
	stored := binary.LittleEndian.Uint32(b[5:])
	if uint64(len(b)-HeaderSize) != uint64(stored) {
		return nil, fmt.Errorf("%w: stored length %d, have %d", ErrCorrupt, stored, len(b)-HeaderSize)
	}
	body := b[HeaderSize:]

	var (
		out []byte
		err error
	)
	switch m {
	case None:
		out = body
	case LZ4:
		out = make([]byte, raw)
		var n int
		n, err = lz4.UncompressBlock(body, out)
		out = out[:max(n, 0)]
	case Zstd:
		dec := getZstdDecoder()
		out, err = dec.DecodeAll(body, make([]byte, 0, raw))
		zstdDecoderPool.Put(dec)
	case Snappy:
		out, err = snappy.Decode(nil, body)
	case Zlib:
		out, err = decompressZlib(body, int(raw))
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, m)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, m, err)
	}
	if uint32(len(out)) != raw {
		return nil, fmt.Errorf("%w: %s: decoded %d bytes, want %d", ErrCorrupt, m, len(out), raw)
	}
	return out, nil
}

func compressLZ4(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

func compressZlib(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressZlib(body []byte, raw int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]byte, 0, raw)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
