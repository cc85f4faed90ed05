// Package metadata implements random access to ECMA-335 metadata images,
// with a focus on the Portable PDB debug tables.
package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MetadataSignature is the "BSJB" magic of the ECMA-335 II.24.2.1 metadata root.
const MetadataSignature = 0x424A5342

// Stream names (ECMA-335 II.24.2.2 and the Portable PDB #Pdb stream).
const (
	StreamTables       = "#~"
	StreamTablesEnc    = "#-"
	StreamStrings      = "#Strings"
	StreamBlob         = "#Blob"
	StreamGUID         = "#GUID"
	StreamUserStrings  = "#US"
	StreamPortablePDB  = "#Pdb"
	maxStreamNameBytes = 32
)

// Root is the fixed part of the metadata root.
type Root struct {
	Signature    uint32
	MajorVersion uint16
	MinorVersion uint16
	Reserved     uint32
	Length       uint32
}

// StreamHeader is the ECMA-335 II.24.2.2 stream header.
type StreamHeader struct {
	Offset uint32
	Size   uint32
	Name   string
}

// Reader provides handle based access to a metadata image. It never copies
// the image; all returned byte slices alias it.
type Reader struct {
	data    []byte
	version string
	streams []StreamHeader

	strings     []byte
	blobs       []byte
	guids       []byte
	userStrings []byte

	pdb *PDBStream

	tables tableLayout
}

// NewReader parses the metadata root at the start of data.
func NewReader(data []byte) (*Reader, error) {
	r := &Reader{data: data}

	// Read metadata root
	if len(data) < 16 {
		return nil, fmt.Errorf("%w: metadata root truncated (%d bytes)", ErrBadFormat, len(data))
	}
	var root Root
	if err := binary.Read(bytes.NewReader(data[:16]), binary.LittleEndian, &root); err != nil {
		return nil, fmt.Errorf("failed to read metadata root: %w", err)
	}
	if root.Signature != MetadataSignature {
		return nil, fmt.Errorf("%w: invalid metadata signature %#x", ErrBadFormat, root.Signature)
	}

	offset := 16
	versionLen := int(roundUp(root.Length, 4))
	if root.Length > 255 || offset+versionLen+4 > len(data) {
		return nil, fmt.Errorf("%w: invalid version string length %d", ErrBadFormat, root.Length)
	}
	r.version = extractCString(data[offset : offset+int(root.Length)])
	offset += versionLen

	// Flags (reserved) and stream count
	offset += 2
	numStreams := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	for i := 0; i < numStreams; i++ {
		hdr, n, err := readStreamHeader(data, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to read stream header %d: %w", i, err)
		}
		offset += n
		if uint64(hdr.Offset)+uint64(hdr.Size) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: stream %s out of bounds", ErrBadFormat, hdr.Name)
		}
		r.streams = append(r.streams, hdr)
	}

	var tablesStream []byte
	for _, hdr := range r.streams {
		body := data[hdr.Offset : hdr.Offset+hdr.Size]
		switch hdr.Name {
		case StreamStrings:
			r.strings = body
		case StreamBlob:
			r.blobs = body
		case StreamGUID:
			r.guids = body
		case StreamUserStrings:
			r.userStrings = body
		case StreamTables:
			tablesStream = body
		case StreamTablesEnc:
			return nil, fmt.Errorf("%w: uncompressed (#-) metadata tables are not supported", ErrBadFormat)
		case StreamPortablePDB:
			pdb, err := readPDBStream(body)
			if err != nil {
				return nil, fmt.Errorf("failed to read #Pdb stream: %w", err)
			}
			r.pdb = pdb
		}
	}

	if tablesStream == nil {
		return nil, fmt.Errorf("%w: missing %s stream", ErrBadFormat, StreamTables)
	}

	var external [tableCount]uint32
	if r.pdb != nil {
		external = r.pdb.TypeSystemTableRows
	}
	if err := r.tables.parse(tablesStream, external); err != nil {
		return nil, fmt.Errorf("failed to parse metadata tables: %w", err)
	}
	for _, t := range searchedTables {
		if r.RowCount(t) > 0 && !r.IsSorted(t) {
			return nil, fmt.Errorf("%w: table %#x is not marked sorted", ErrBadFormat, uint8(t))
		}
	}

	return r, nil
}

// readStreamHeader reads one stream header, returning the number of bytes consumed.
func readStreamHeader(data []byte, offset int) (StreamHeader, int, error) {
	var hdr StreamHeader
	if offset+8 > len(data) {
		return hdr, 0, fmt.Errorf("%w: truncated stream header", ErrBadFormat)
	}
	hdr.Offset = binary.LittleEndian.Uint32(data[offset:])
	hdr.Size = binary.LittleEndian.Uint32(data[offset+4:])

	// Name is NUL terminated and padded to a 4-byte boundary
	nameStart := offset + 8
	limit := nameStart + maxStreamNameBytes
	if limit > len(data) {
		limit = len(data)
	}
	end := bytes.IndexByte(data[nameStart:limit], 0)
	if end < 0 {
		return hdr, 0, fmt.Errorf("%w: unterminated stream name", ErrBadFormat)
	}
	hdr.Name = string(data[nameStart : nameStart+end])
	return hdr, 8 + int(roundUp(uint32(end+1), 4)), nil
}

// Version returns the metadata version string (e.g. "PDB v1.0").
func (r *Reader) Version() string {
	return r.version
}

// Streams returns the stream headers in file order.
func (r *Reader) Streams() []StreamHeader {
	return r.streams
}

// Bytes returns the whole metadata image.
func (r *Reader) Bytes() []byte {
	return r.data
}

// IsPortablePDB reports whether the image carries a #Pdb stream.
func (r *Reader) IsPortablePDB() bool {
	return r.pdb != nil
}

// PDBStream returns the parsed #Pdb stream, or nil for assembly metadata.
func (r *Reader) PDBStream() *PDBStream {
	return r.pdb
}

// RowCount returns the number of rows present in the given table of this image.
func (r *Reader) RowCount(t TableIndex) int {
	return int(r.tables.rows[t])
}

func roundUp(value, alignment uint32) uint32 {
	return (value + alignment - 1) &^ (alignment - 1)
}

// extractCString extracts a null-terminated string from bytes.
func extractCString(data []byte) string {
	idx := bytes.IndexByte(data, 0)
	if idx == -1 {
		return string(data)
	}
	return string(data[:idx])
}
