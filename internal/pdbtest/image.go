package pdbtest

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

// DefaultPDBVersion is the metadata version string written for Portable PDBs.
const DefaultPDBVersion = "PDB v1.0"

const tableCount = 64

type colKind uint8

const (
	colU16 colKind = iota
	colU32
	colString
	colGUID
	colBlob
	colTable
	colCoded
)

// col is one column of the tables this package writes.
type col struct {
	kind    colKind
	table   metadata.TableIndex
	tagBits int
	coded   []metadata.TableIndex
}

var (
	u16  = col{kind: colU16}
	u32  = col{kind: colU32}
	str  = col{kind: colString}
	guid = col{kind: colGUID}
	blob = col{kind: colBlob}
)

func tableCol(t metadata.TableIndex) col { return col{kind: colTable, table: t} }

var (
	resolutionScope = col{kind: colCoded, tagBits: 2, coded: []metadata.TableIndex{
		metadata.TableModule, metadata.TableModuleRef, metadata.TableAssemblyRef, metadata.TableTypeRef}}
	typeDefOrRef = col{kind: colCoded, tagBits: 2, coded: []metadata.TableIndex{
		metadata.TableTypeDef, metadata.TableTypeRef, metadata.TableTypeSpec}}
	hasCustomDebugInformation = col{kind: colCoded, tagBits: 5, coded: []metadata.TableIndex{
		metadata.TableMethodDef, metadata.TableField, metadata.TableTypeRef, metadata.TableTypeDef,
		metadata.TableParam, metadata.TableInterfaceImpl, metadata.TableMemberRef, metadata.TableModule,
		metadata.TableDeclSecurity, metadata.TableProperty, metadata.TableEvent, metadata.TableStandAloneSig,
		metadata.TableModuleRef, metadata.TableTypeSpec, metadata.TableAssembly, metadata.TableAssemblyRef,
		metadata.TableFile, metadata.TableExportedType, metadata.TableManifestResource,
		metadata.TableGenericParam, metadata.TableGenericParamConstraint, metadata.TableMethodSpec,
		metadata.TableDocument, metadata.TableLocalScope, metadata.TableLocalVariable,
		metadata.TableLocalConstant, metadata.TableImportScope}}
)

var layouts = map[metadata.TableIndex][]col{
	metadata.TableModule:    {u16, str, guid, guid, guid},
	metadata.TableTypeRef:   {resolutionScope, str, str},
	metadata.TableTypeDef:   {u32, str, str, typeDefOrRef, tableCol(metadata.TableField), tableCol(metadata.TableMethodDef)},
	metadata.TableMethodDef: {u32, u16, u16, str, blob, tableCol(metadata.TableParam)},

	metadata.TableDocument:               {blob, guid, blob, guid},
	metadata.TableMethodDebugInformation: {tableCol(metadata.TableDocument), blob},
	metadata.TableLocalScope: {
		tableCol(metadata.TableMethodDef), tableCol(metadata.TableImportScope),
		tableCol(metadata.TableLocalVariable), tableCol(metadata.TableLocalConstant), u32, u32},
	metadata.TableLocalVariable:          {u16, u16, str},
	metadata.TableLocalConstant:          {str, blob},
	metadata.TableStateMachineMethod:     {tableCol(metadata.TableMethodDef), tableCol(metadata.TableMethodDef)},
	metadata.TableCustomDebugInformation: {hasCustomDebugInformation, guid, blob},
}

// image accumulates the heaps and rows of a metadata image. Rows are written
// in the order they are added.
type image struct {
	version string

	strings     []byte
	stringIndex map[string]uint32
	blobs       []byte
	blobIndex   map[string]uint32
	guids       []byte

	rows     [tableCount][][]uint32
	unsorted uint64
	pdb      *metadata.PDBStream
}

func newImage(version string) *image {
	return &image{
		version:     version,
		strings:     []byte{0},
		stringIndex: map[string]uint32{"": 0},
		blobs:       []byte{0},
		blobIndex:   map[string]uint32{"": 0},
	}
}

func (im *image) addString(s string) uint32 {
	if h, ok := im.stringIndex[s]; ok {
		return h
	}
	h := uint32(len(im.strings))
	im.strings = append(append(im.strings, s...), 0)
	im.stringIndex[s] = h
	return h
}

func (im *image) addBlob(data []byte) uint32 {
	if h, ok := im.blobIndex[string(data)]; ok {
		return h
	}
	h := uint32(len(im.blobs))
	im.blobs = metadata.AppendCompressedInteger(im.blobs, uint32(len(data)))
	im.blobs = append(im.blobs, data...)
	im.blobIndex[string(data)] = h
	return h
}

// addGUID returns the 1-based index of u; uuid.Nil is the nil index.
func (im *image) addGUID(u uuid.UUID) uint32 {
	if u == uuid.Nil {
		return 0
	}
	enc := metadata.GUIDBytes(u)
	for i := 0; i+16 <= len(im.guids); i += 16 {
		if bytes.Equal(im.guids[i:i+16], enc) {
			return uint32(i/16 + 1)
		}
	}
	im.guids = append(im.guids, enc...)
	return uint32(len(im.guids) / 16)
}

func (im *image) addRow(t metadata.TableIndex, values ...uint32) uint32 {
	im.rows[t] = append(im.rows[t], values)
	return uint32(len(im.rows[t]))
}

// indexSize returns 4 when an index must be wide, 2 otherwise.
func indexSize(wide bool) int {
	if wide {
		return 4
	}
	return 2
}

func (im *image) tables() ([]byte, error) {
	var sizing [tableCount]uint32
	var valid uint64
	for i := range im.rows {
		if n := len(im.rows[i]); n > 0 {
			if _, ok := layouts[metadata.TableIndex(i)]; !ok {
				return nil, fmt.Errorf("table %#x cannot be written", i)
			}
			valid |= 1 << i
			sizing[i] = uint32(n)
		} else if im.pdb != nil {
			sizing[i] = im.pdb.TypeSystemTableRows[i]
		}
	}

	var heapSizes byte
	if len(im.strings) >= 1<<16 {
		heapSizes |= 0x01
	}
	if len(im.guids)/16 >= 1<<16 {
		heapSizes |= 0x02
	}
	if len(im.blobs) >= 1<<16 {
		heapSizes |= 0x04
	}

	width := func(c col) int {
		switch c.kind {
		case colU16:
			return 2
		case colU32:
			return 4
		case colString:
			return indexSize(heapSizes&0x01 != 0)
		case colGUID:
			return indexSize(heapSizes&0x02 != 0)
		case colBlob:
			return indexSize(heapSizes&0x04 != 0)
		case colTable:
			return indexSize(sizing[c.table] >= 1<<16)
		}
		var most uint32
		for _, t := range c.coded {
			most = max(most, sizing[t])
		}
		return indexSize(most >= 1<<(16-c.tagBits))
	}

	le := binary.LittleEndian
	out := []byte{0, 0, 0, 0, 2, 0, heapSizes, 1}
	out = le.AppendUint64(out, valid)
	out = le.AppendUint64(out, valid&^im.unsorted)
	for i := range im.rows {
		if valid&(1<<i) != 0 {
			out = le.AppendUint32(out, uint32(len(im.rows[i])))
		}
	}
	for i := range im.rows {
		cols := layouts[metadata.TableIndex(i)]
		for n, row := range im.rows[i] {
			if len(row) != len(cols) {
				return nil, fmt.Errorf("table %#x row %d: got %d columns, want %d", i, n+1, len(row), len(cols))
			}
			for c, v := range row {
				if width(cols[c]) == 4 {
					out = le.AppendUint32(out, v)
					continue
				}
				if v > 0xFFFF {
					return nil, fmt.Errorf("table %#x row %d column %d: value %#x does not fit", i, n+1, c, v)
				}
				out = le.AppendUint16(out, uint16(v))
			}
		}
	}
	return out, nil
}

func (im *image) pdbStream() []byte {
	out := make([]byte, 32)
	copy(out, im.pdb.ID[:])
	binary.LittleEndian.PutUint32(out[20:], im.pdb.EntryPoint)
	binary.LittleEndian.PutUint64(out[24:], im.pdb.ReferencedTypeSystemTables)
	for i := 0; i < tableCount; i++ {
		if im.pdb.ReferencedTypeSystemTables&(1<<i) != 0 {
			out = binary.LittleEndian.AppendUint32(out, im.pdb.TypeSystemTableRows[i])
		}
	}
	return out
}

// build writes the metadata root followed by the streams.
func (im *image) build() ([]byte, error) {
	tables, err := im.tables()
	if err != nil {
		return nil, err
	}

	type stream struct {
		name string
		data []byte
	}
	var streams []stream
	if im.pdb != nil {
		streams = append(streams, stream{metadata.StreamPortablePDB, im.pdbStream()})
	}
	streams = append(streams,
		stream{metadata.StreamTables, tables},
		stream{metadata.StreamStrings, im.strings},
		stream{metadata.StreamUserStrings, []byte{0}},
		stream{metadata.StreamGUID, im.guids},
		stream{metadata.StreamBlob, im.blobs},
	)

	versionLen := align4(len(im.version) + 1)
	headerSize := 16 + versionLen + 4
	for _, s := range streams {
		headerSize += 8 + align4(len(s.name)+1)
	}

	var buf bytes.Buffer
	le := binary.LittleEndian
	put := func(v any) { _ = binary.Write(&buf, le, v) }

	put(metadata.Root{Signature: metadata.MetadataSignature, MajorVersion: 1, MinorVersion: 1, Length: uint32(versionLen)})
	buf.Write(padded([]byte(im.version), versionLen))
	put(uint16(0))
	put(uint16(len(streams)))

	offset := uint32(headerSize)
	for _, s := range streams {
		size := uint32(align4(len(s.data)))
		put(offset)
		put(size)
		buf.Write(padded([]byte(s.name), align4(len(s.name)+1)))
		offset += size
	}
	for _, s := range streams {
		buf.Write(padded(s.data, align4(len(s.data))))
	}
	return buf.Bytes(), nil
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func padded(data []byte, size int) []byte {
	out := make([]byte, size)
	copy(out, data)
	return out
}
