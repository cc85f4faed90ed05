package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/text/encoding/unicode"
)

// ErrBadFormat is returned (wrapped) whenever the image contains malformed
// metadata.
var ErrBadFormat = errors.New("bad metadata format")

// Largest values representable by the compressed integer encodings
// (ECMA-335 II.23.2).
const (
	MaxCompressedInteger = 0x1FFFFFFF
	MinSignedCompressed  = -(1 << 28)
	MaxSignedCompressed  = 1<<28 - 1
)

var utf16Decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// BlobReader reads primitive values from a blob sequentially.
type BlobReader struct {
	data   []byte
	offset int
}

// NewBlobReader creates a reader over the given bytes.
func NewBlobReader(data []byte) *BlobReader {
	return &BlobReader{data: data}
}

// Offset returns the number of bytes consumed so far.
func (br *BlobReader) Offset() int {
	return br.offset
}

// Len returns the total length of the blob.
func (br *BlobReader) Len() int {
	return len(br.data)
}

// RemainingBytes returns the number of bytes not yet consumed.
func (br *BlobReader) RemainingBytes() int {
	return len(br.data) - br.offset
}

// Bytes returns the underlying blob.
func (br *BlobReader) Bytes() []byte {
	return br.data
}

func (br *BlobReader) take(n int) ([]byte, error) {
	if n < 0 || br.RemainingBytes() < n {
		return nil, fmt.Errorf("%w: read of %d bytes at offset %d exceeds blob of %d bytes",
			ErrBadFormat, n, br.offset, len(br.data))
	}
	b := br.data[br.offset : br.offset+n]
	br.offset += n
	return b, nil
}

// ReadByte reads a single byte.
func (br *BlobReader) ReadByte() (byte, error) {
	b, err := br.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBytes reads n raw bytes.
func (br *BlobReader) ReadBytes(n int) ([]byte, error) {
	return br.take(n)
}

// ReadBoolean reads a one byte boolean.
func (br *BlobReader) ReadBoolean() (bool, error) {
	b, err := br.ReadByte()
	return b != 0, err
}

// ReadSByte reads a signed byte.
func (br *BlobReader) ReadSByte() (int8, error) {
	b, err := br.ReadByte()
	return int8(b), err
}

// ReadUint16 reads a little-endian uint16.
func (br *BlobReader) ReadUint16() (uint16, error) {
	b, err := br.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadInt16 reads a little-endian int16.
func (br *BlobReader) ReadInt16() (int16, error) {
	v, err := br.ReadUint16()
	return int16(v), err
}

// ReadUint32 reads a little-endian uint32.
func (br *BlobReader) ReadUint32() (uint32, error) {
	b, err := br.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadInt32 reads a little-endian int32.
func (br *BlobReader) ReadInt32() (int32, error) {
	v, err := br.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads a little-endian uint64.
func (br *BlobReader) ReadUint64() (uint64, error) {
	b, err := br.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadInt64 reads a little-endian int64.
func (br *BlobReader) ReadInt64() (int64, error) {
	v, err := br.ReadUint64()
	return int64(v), err
}

// ReadSingle reads an IEEE 754 float32.
func (br *BlobReader) ReadSingle() (float32, error) {
	v, err := br.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadDouble reads an IEEE 754 float64.
func (br *BlobReader) ReadDouble() (float64, error) {
	v, err := br.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadUTF16 decodes n bytes of little-endian UTF-16.
func (br *BlobReader) ReadUTF16(n int) (string, error) {
	if n%2 != 0 {
		return "", fmt.Errorf("%w: odd UTF-16 byte count %d", ErrBadFormat, n)
	}
	b, err := br.take(n)
	if err != nil {
		return "", err
	}
	s, err := utf16Decoder.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	return string(s), nil
}

// ReadCompressedInteger reads an ECMA-335 II.23.2 compressed unsigned integer.
func (br *BlobReader) ReadCompressedInteger() (uint32, error) {
	v, _, err := br.readCompressed()
	return v, err
}

func (br *BlobReader) readCompressed() (uint32, int, error) {
	first, err := br.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	switch {
	case first&0x80 == 0:
		return uint32(first), 1, nil
	case first&0xC0 == 0x80:
		b, err := br.take(1)
		if err != nil {
			return 0, 0, err
		}
		return uint32(first&0x3F)<<8 | uint32(b[0]), 2, nil
	case first&0xE0 == 0xC0:
		b, err := br.take(3)
		if err != nil {
			return 0, 0, err
		}
		return uint32(first&0x1F)<<24 | uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), 4, nil
	}
	return 0, 0, fmt.Errorf("%w: invalid compressed integer lead byte 0x%02x", ErrBadFormat, first)
}

// ReadCompressedSignedInteger reads a compressed signed integer. The sign
// bit is rotated into the least significant position.
func (br *BlobReader) ReadCompressedSignedInteger() (int32, error) {
	v, size, err := br.readCompressed()
	if err != nil {
		return 0, err
	}
	negative := v&1 != 0
	v >>= 1
	if negative {
		switch size {
		case 1:
			v |= 0xFFFFFFC0
		case 2:
			v |= 0xFFFFE000
		default:
			v |= 0xF0000000
		}
	}
	return int32(v), nil
}

// ReadTypeToken reads a compressed TypeDefOrRefOrSpec coded index and
// returns it as a metadata token.
func (br *BlobReader) ReadTypeToken() (uint32, error) {
	coded, err := br.ReadCompressedInteger()
	if err != nil {
		return 0, err
	}
	return DecodeTypeDefOrRefOrSpec(coded)
}

// ReadBlobHandle reads a compressed blob heap offset.
func (br *BlobReader) ReadBlobHandle() (BlobHandle, error) {
	v, err := br.ReadCompressedInteger()
	return BlobHandle(v), err
}

// AppendCompressedInteger appends the compressed encoding of v.
func AppendCompressedInteger(dst []byte, v uint32) []byte {
	switch {
	case v <= 0x7F:
		return append(dst, byte(v))
	case v <= 0x3FFF:
		return append(dst, byte(v>>8)|0x80, byte(v))
	default:
		return append(dst, byte(v>>24)|0xC0, byte(v>>16), byte(v>>8), byte(v))
	}
}

// AppendCompressedSignedInteger appends the compressed encoding of a signed
// value. The width is chosen from the value's range, not from the rotated bits.
func AppendCompressedSignedInteger(dst []byte, v int32) []byte {
	u := uint32(v)<<1 | uint32(v)>>31
	switch {
	case v >= -(1<<6) && v < 1<<6:
		return append(dst, byte(u&0x7F))
	case v >= -(1<<13) && v < 1<<13:
		u &= 0x3FFF
		return append(dst, byte(u>>8)|0x80, byte(u))
	default:
		u &= 0x1FFFFFFF
		return append(dst, byte(u>>24)|0xC0, byte(u>>16), byte(u>>8), byte(u))
	}
}
