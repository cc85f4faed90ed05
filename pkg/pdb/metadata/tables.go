package metadata

import (
	"encoding/binary"
	"fmt"
)

const tableCount = 64

// Heap size flags of the #~ header (ECMA-335 II.24.2.6).
const (
	heapSizeStringLarge = 0x01
	heapSizeGUIDLarge   = 0x02
	heapSizeBlobLarge   = 0x04
	heapSizeExtraData   = 0x40
)

type columnKind uint8

const (
	colFixed columnKind = iota
	colString
	colGUID
	colBlob
	colTable
	colCoded
)

// column describes one column of a metadata table.
type column struct {
	kind  columnKind
	width int        // colFixed
	table TableIndex // colTable
	coded codedIndex // colCoded
}

// codedIndex is an ECMA-335 II.24.2.6 coded index definition.
type codedIndex struct {
	tagBits int
	tables  []TableIndex
}

var (
	codedTypeDefOrRef       = codedIndex{2, []TableIndex{TableTypeDef, TableTypeRef, TableTypeSpec}}
	codedHasConstant        = codedIndex{2, []TableIndex{TableField, TableParam, TableProperty}}
	codedHasCustomAttribute = codedIndex{5, []TableIndex{
		TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam,
		TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity,
		TableProperty, TableEvent, TableStandAloneSig, TableModuleRef,
		TableTypeSpec, TableAssembly, TableAssemblyRef, TableFile, TableExportedType,
		TableManifestResource, TableGenericParam, TableGenericParamConstraint,
		TableMethodSpec}}
	codedHasFieldMarshal     = codedIndex{1, []TableIndex{TableField, TableParam}}
	codedHasDeclSecurity     = codedIndex{2, []TableIndex{TableTypeDef, TableMethodDef, TableAssembly}}
	codedMemberRefParent     = codedIndex{3, []TableIndex{TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec}}
	codedHasSemantics        = codedIndex{1, []TableIndex{TableEvent, TableProperty}}
	codedMethodDefOrRef      = codedIndex{1, []TableIndex{TableMethodDef, TableMemberRef}}
	codedMemberForwarded     = codedIndex{1, []TableIndex{TableField, TableMethodDef}}
	codedImplementation      = codedIndex{2, []TableIndex{TableFile, TableAssemblyRef, TableExportedType}}
	codedCustomAttributeType = codedIndex{3, []TableIndex{TableMethodDef, TableMemberRef}}
	codedResolutionScope     = codedIndex{2, []TableIndex{TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef}}
	codedTypeOrMethodDef     = codedIndex{1, []TableIndex{TableTypeDef, TableMethodDef}}
	codedHasCustomDebugInfo  = codedIndex{cdiTagBits, hasCustomDebugInformationTables}
)

func u16() column               { return column{kind: colFixed, width: 2} }
func u32() column               { return column{kind: colFixed, width: 4} }
func str() column               { return column{kind: colString} }
func guid() column              { return column{kind: colGUID} }
func blob() column              { return column{kind: colBlob} }
func idx(t TableIndex) column   { return column{kind: colTable, table: t} }
func coded(c codedIndex) column { return column{kind: colCoded, coded: c} }
func fixed(width int) column    { return column{kind: colFixed, width: width} }

// schema lists the columns of every table this reader understands.
var schema = map[TableIndex][]column{
	TableModule:                 {u16(), str(), guid(), guid(), guid()},
	TableTypeRef:                {coded(codedResolutionScope), str(), str()},
	TableTypeDef:                {u32(), str(), str(), coded(codedTypeDefOrRef), idx(TableField), idx(TableMethodDef)},
	TableFieldPtr:               {idx(TableField)},
	TableField:                  {u16(), str(), blob()},
	TableMethodPtr:              {idx(TableMethodDef)},
	TableMethodDef:              {u32(), u16(), u16(), str(), blob(), idx(TableParam)},
	TableParamPtr:               {idx(TableParam)},
	TableParam:                  {u16(), u16(), str()},
	TableInterfaceImpl:          {idx(TableTypeDef), coded(codedTypeDefOrRef)},
	TableMemberRef:              {coded(codedMemberRefParent), str(), blob()},
	TableConstant:               {u16(), coded(codedHasConstant), blob()},
	TableCustomAttribute:        {coded(codedHasCustomAttribute), coded(codedCustomAttributeType), blob()},
	TableFieldMarshal:           {coded(codedHasFieldMarshal), blob()},
	TableDeclSecurity:           {u16(), coded(codedHasDeclSecurity), blob()},
	TableClassLayout:            {u16(), u32(), idx(TableTypeDef)},
	TableFieldLayout:            {u32(), idx(TableField)},
	TableStandAloneSig:          {blob()},
	TableEventMap:               {idx(TableTypeDef), idx(TableEvent)},
	TableEventPtr:               {idx(TableEvent)},
	TableEvent:                  {u16(), str(), coded(codedTypeDefOrRef)},
	TablePropertyMap:            {idx(TableTypeDef), idx(TableProperty)},
	TablePropertyPtr:            {idx(TableProperty)},
	TableProperty:               {u16(), str(), blob()},
	TableMethodSemantics:        {u16(), idx(TableMethodDef), coded(codedHasSemantics)},
	TableMethodImpl:             {idx(TableTypeDef), coded(codedMethodDefOrRef), coded(codedMethodDefOrRef)},
	TableModuleRef:              {str()},
	TableTypeSpec:               {blob()},
	TableImplMap:                {u16(), coded(codedMemberForwarded), str(), idx(TableModuleRef)},
	TableFieldRVA:               {u32(), idx(TableField)},
	TableEncLog:                 {u32(), u32()},
	TableEncMap:                 {u32()},
	TableAssembly:               {u32(), fixed(8), u32(), blob(), str(), str()},
	TableAssemblyProcessor:      {u32()},
	TableAssemblyOS:             {u32(), u32(), u32()},
	TableAssemblyRef:            {fixed(8), u32(), blob(), str(), str(), blob()},
	TableAssemblyRefProcessor:   {u32(), idx(TableAssemblyRef)},
	TableAssemblyRefOS:          {u32(), u32(), u32(), idx(TableAssemblyRef)},
	TableFile:                   {u32(), str(), blob()},
	TableExportedType:           {u32(), u32(), str(), str(), coded(codedImplementation)},
	TableManifestResource:       {u32(), u32(), str(), coded(codedImplementation)},
	TableNestedClass:            {idx(TableTypeDef), idx(TableTypeDef)},
	TableGenericParam:           {u16(), u16(), coded(codedTypeOrMethodDef), str()},
	TableMethodSpec:             {coded(codedMethodDefOrRef), blob()},
	TableGenericParamConstraint: {idx(TableGenericParam), coded(codedTypeDefOrRef)},

	// Portable PDB
	TableDocument:               {blob(), guid(), blob(), guid()},
	TableMethodDebugInformation: {idx(TableDocument), blob()},
	TableLocalScope:             {idx(TableMethodDef), idx(TableImportScope), idx(TableLocalVariable), idx(TableLocalConstant), u32(), u32()},
	TableLocalVariable:          {u16(), u16(), str()},
	TableLocalConstant:          {str(), blob()},
	TableImportScope:            {idx(TableImportScope), blob()},
	TableStateMachineMethod:     {idx(TableMethodDef), idx(TableMethodDef)},
	TableCustomDebugInformation: {coded(codedHasCustomDebugInfo), guid(), blob()},
}

// tableInfo is the computed layout of one table.
type tableInfo struct {
	offset  int
	rowSize int
	cols    []columnLayout
}

type columnLayout struct {
	offset int
	size   int
}

// tableLayout holds the #~ header and the position of every present table.
type tableLayout struct {
	data      []byte
	heapSizes uint8
	valid     uint64
	sorted    uint64
	rows      [tableCount]uint32
	sizing    [tableCount]uint32
	info      [tableCount]tableInfo
}

// parse reads the #~ stream header and computes the table layout. external
// holds the row counts of type system tables that live in another image
// (Portable PDB); they only contribute to index sizes.
func (tl *tableLayout) parse(data []byte, external [tableCount]uint32) error {
	if len(data) < 24 {
		return fmt.Errorf("%w: tables header truncated", ErrBadFormat)
	}
	tl.data = data
	tl.heapSizes = data[6]
	tl.valid = binary.LittleEndian.Uint64(data[8:])
	tl.sorted = binary.LittleEndian.Uint64(data[16:])

	offset := 24
	for i := 0; i < tableCount; i++ {
		if tl.valid&(1<<i) == 0 {
			continue
		}
		if _, ok := schema[TableIndex(i)]; !ok {
			return fmt.Errorf("%w: metadata table %#x not supported", ErrBadFormat, i)
		}
		if offset+4 > len(data) {
			return fmt.Errorf("%w: row counts truncated", ErrBadFormat)
		}
		tl.rows[i] = binary.LittleEndian.Uint32(data[offset:])
		offset += 4
	}
	if tl.heapSizes&heapSizeExtraData != 0 {
		offset += 4
	}

	for i := 0; i < tableCount; i++ {
		tl.sizing[i] = tl.rows[i]
		if tl.sizing[i] == 0 {
			tl.sizing[i] = external[i]
		}
	}

	// Each table follows in sequence.
	for i := 0; i < tableCount; i++ {
		cols, ok := schema[TableIndex(i)]
		if !ok {
			continue
		}
		info := tableInfo{offset: offset}
		for _, c := range cols {
			size := tl.columnSize(c)
			info.cols = append(info.cols, columnLayout{offset: info.rowSize, size: size})
			info.rowSize += size
		}
		tl.info[i] = info
		offset += info.rowSize * int(tl.rows[i])
		if offset > len(data) {
			return fmt.Errorf("%w: table %#x extends past end of stream", ErrBadFormat, i)
		}
	}
	return nil
}

func heapIndexSize(large bool) int {
	if large {
		return 4
	}
	return 2
}

// columnSize calculates the width of a column; refer to ECMA-335 II.24.2.6
// for the coded index rules.
func (tl *tableLayout) columnSize(c column) int {
	switch c.kind {
	case colString:
		return heapIndexSize(tl.heapSizes&heapSizeStringLarge != 0)
	case colGUID:
		return heapIndexSize(tl.heapSizes&heapSizeGUIDLarge != 0)
	case colBlob:
		return heapIndexSize(tl.heapSizes&heapSizeBlobLarge != 0)
	case colTable:
		return heapIndexSize(tl.sizing[c.table] >= 1<<16)
	case colCoded:
		maxRows := uint32(0)
		for _, t := range c.coded.tables {
			if tl.sizing[t] > maxRows {
				maxRows = tl.sizing[t]
			}
		}
		return heapIndexSize(maxRows >= uint32(1)<<(16-c.coded.tagBits))
	}
	return c.width
}

// searchedTables are looked up by binary search on their first column, so
// the image must mark them sorted.
var searchedTables = []TableIndex{
	TableNestedClass, TableLocalScope, TableStateMachineMethod, TableCustomDebugInformation,
}

// IsSorted reports whether the image marks the table as sorted.
func (r *Reader) IsSorted(t TableIndex) bool {
	return r.tables.sorted&(1<<t) != 0
}

// column reads a column of a row. The row is 1-based and must be in range.
func (r *Reader) column(t TableIndex, row uint32, col int) uint32 {
	info := &r.tables.info[t]
	cl := info.cols[col]
	off := info.offset + int(row-1)*info.rowSize + cl.offset
	if cl.size == 2 {
		return uint32(binary.LittleEndian.Uint16(r.tables.data[off:]))
	}
	return binary.LittleEndian.Uint32(r.tables.data[off:])
}

// checkRow validates a 1-based row number against a table.
func (r *Reader) checkRow(t TableIndex, row uint32) error {
	if row == 0 || row > r.tables.rows[t] {
		return fmt.Errorf("%w: row %d out of range for table %#x (%d rows)",
			ErrBadFormat, row, uint8(t), r.tables.rows[t])
	}
	return nil
}
