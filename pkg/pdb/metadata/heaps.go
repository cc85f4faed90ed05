package metadata

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// String returns the #Strings heap entry at the given offset.
func (r *Reader) String(h StringHandle) (string, error) {
	if h == 0 {
		return "", nil
	}
	if int(h) >= len(r.strings) {
		return "", fmt.Errorf("%w: string offset %#x out of range", ErrBadFormat, uint32(h))
	}
	b := r.strings[h:]
	end := bytes.IndexByte(b, 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at %#x", ErrBadFormat, uint32(h))
	}
	return string(b[:end]), nil
}

// Blob returns the #Blob heap entry at the given offset. The slice aliases
// the image.
func (r *Reader) Blob(h BlobHandle) ([]byte, error) {
	if h == 0 {
		return nil, nil
	}
	if int(h) >= len(r.blobs) {
		return nil, fmt.Errorf("%w: blob offset %#x out of range", ErrBadFormat, uint32(h))
	}
	br := NewBlobReader(r.blobs[h:])
	n, err := br.ReadCompressedInteger()
	if err != nil {
		return nil, fmt.Errorf("failed to read blob length at %#x: %w", uint32(h), err)
	}
	data, err := br.ReadBytes(int(n))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob at %#x: %w", uint32(h), err)
	}
	return data, nil
}

// BlobReader returns a reader positioned at the start of a blob.
func (r *Reader) BlobReader(h BlobHandle) (*BlobReader, error) {
	data, err := r.Blob(h)
	if err != nil {
		return nil, err
	}
	return NewBlobReader(data), nil
}

// GUID returns the #GUID heap entry. Index 0 is the nil GUID.
func (r *Reader) GUID(h GUIDHandle) (uuid.UUID, error) {
	if h == 0 {
		return uuid.Nil, nil
	}
	off := (int(h) - 1) * 16
	if off+16 > len(r.guids) {
		return uuid.Nil, fmt.Errorf("%w: GUID index %d out of range", ErrBadFormat, uint32(h))
	}
	return GUIDFromBytes(r.guids[off : off+16]), nil
}

// UserString returns the #US heap entry at the given offset, without the
// trailing terminal byte.
func (r *Reader) UserString(offset uint32) (string, error) {
	if int(offset) >= len(r.userStrings) {
		return "", fmt.Errorf("%w: user string offset %#x out of range", ErrBadFormat, offset)
	}
	br := NewBlobReader(r.userStrings[offset:])
	n, err := br.ReadCompressedInteger()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	return br.ReadUTF16(int(n) - 1)
}

// GUIDFromBytes converts the mixed-endian on-disk layout of a .NET GUID to
// the RFC 4122 byte order used by uuid.UUID.
func GUIDFromBytes(b []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], b)
	u[0], u[1], u[2], u[3] = u[3], u[2], u[1], u[0]
	u[4], u[5] = u[5], u[4]
	u[6], u[7] = u[7], u[6]
	return u
}

// GUIDBytes is the inverse of GUIDFromBytes.
func GUIDBytes(u uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, u[:])
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	b[4], b[5] = b[5], b[4]
	b[6], b[7] = b[7], b[6]
	return b
}
