package metadata

import "fmt"

// TableIndex is an ECMA-335 II.22 / Portable PDB metadata table number.
type TableIndex uint8

// Type system tables (ECMA-335 II.22).
const (
	TableModule                 TableIndex = 0x00
	TableTypeRef                TableIndex = 0x01
	TableTypeDef                TableIndex = 0x02
	TableFieldPtr               TableIndex = 0x03
	TableField                  TableIndex = 0x04
	TableMethodPtr              TableIndex = 0x05
	TableMethodDef              TableIndex = 0x06
	TableParamPtr               TableIndex = 0x07
	TableParam                  TableIndex = 0x08
	TableInterfaceImpl          TableIndex = 0x09
	TableMemberRef              TableIndex = 0x0a
	TableConstant               TableIndex = 0x0b
	TableCustomAttribute        TableIndex = 0x0c
	TableFieldMarshal           TableIndex = 0x0d
	TableDeclSecurity           TableIndex = 0x0e
	TableClassLayout            TableIndex = 0x0f
	TableFieldLayout            TableIndex = 0x10
	TableStandAloneSig          TableIndex = 0x11
	TableEventMap               TableIndex = 0x12
	TableEventPtr               TableIndex = 0x13
	TableEvent                  TableIndex = 0x14
	TablePropertyMap            TableIndex = 0x15
	TablePropertyPtr            TableIndex = 0x16
	TableProperty               TableIndex = 0x17
	TableMethodSemantics        TableIndex = 0x18
	TableMethodImpl             TableIndex = 0x19
	TableModuleRef              TableIndex = 0x1a
	TableTypeSpec               TableIndex = 0x1b
	TableImplMap                TableIndex = 0x1c
	TableFieldRVA               TableIndex = 0x1d
	TableEncLog                 TableIndex = 0x1e
	TableEncMap                 TableIndex = 0x1f
	TableAssembly               TableIndex = 0x20
	TableAssemblyProcessor      TableIndex = 0x21
	TableAssemblyOS             TableIndex = 0x22
	TableAssemblyRef            TableIndex = 0x23
	TableAssemblyRefProcessor   TableIndex = 0x24
	TableAssemblyRefOS          TableIndex = 0x25
	TableFile                   TableIndex = 0x26
	TableExportedType           TableIndex = 0x27
	TableManifestResource       TableIndex = 0x28
	TableNestedClass            TableIndex = 0x29
	TableGenericParam           TableIndex = 0x2a
	TableMethodSpec             TableIndex = 0x2b
	TableGenericParamConstraint TableIndex = 0x2c
)

// Portable PDB debug tables.
const (
	TableDocument               TableIndex = 0x30
	TableMethodDebugInformation TableIndex = 0x31
	TableLocalScope             TableIndex = 0x32
	TableLocalVariable          TableIndex = 0x33
	TableLocalConstant          TableIndex = 0x34
	TableImportScope            TableIndex = 0x35
	TableStateMachineMethod     TableIndex = 0x36
	TableCustomDebugInformation TableIndex = 0x37
)

// Row handles. A handle is a 1-based row number; zero is the nil handle.
type (
	DocumentHandle               uint32
	MethodDebugInformationHandle uint32
	MethodDefinitionHandle       uint32
	LocalScopeHandle             uint32
	LocalVariableHandle          uint32
	LocalConstantHandle          uint32
	ImportScopeHandle            uint32
	CustomDebugInformationHandle uint32
)

// Heap handles. A handle is an offset (or 1-based index for #GUID) into the heap.
type (
	StringHandle uint32
	BlobHandle   uint32
	GUIDHandle   uint32
)

// IsNil reports whether the handle refers to no row.
func (h DocumentHandle) IsNil() bool { return h == 0 }

// IsNil reports whether the handle refers to no row.
func (h MethodDefinitionHandle) IsNil() bool { return h == 0 }

// IsNil reports whether the handle refers to no row.
func (h LocalScopeHandle) IsNil() bool { return h == 0 }

// IsNil reports whether the handle is the empty blob.
func (h BlobHandle) IsNil() bool { return h == 0 }

// IsNil reports whether the handle is the null GUID.
func (h GUIDHandle) IsNil() bool { return h == 0 }

// ToDefinition converts a debug information handle to the method it describes.
// The MethodDebugInformation table is parallel to MethodDef.
func (h MethodDebugInformationHandle) ToDefinition() MethodDefinitionHandle {
	return MethodDefinitionHandle(h)
}

// ToDebugInformation converts a method definition to its debug information row.
func (h MethodDefinitionHandle) ToDebugInformation() MethodDebugInformationHandle {
	return MethodDebugInformationHandle(h)
}

// Token returns the MethodDef metadata token (0x06xxxxxx).
func (h MethodDefinitionHandle) Token() uint32 {
	return MakeToken(TableMethodDef, uint32(h))
}

// MakeToken builds a metadata token from a table and row number.
func MakeToken(table TableIndex, row uint32) uint32 {
	return uint32(table)<<24 | row&0x00FFFFFF
}

// TokenTable returns the table encoded in a metadata token.
func TokenTable(token uint32) TableIndex {
	return TableIndex(token >> 24)
}

// TokenRow returns the row number encoded in a metadata token.
func TokenRow(token uint32) uint32 {
	return token & 0x00FFFFFF
}

// MethodHandleFromToken converts a MethodDef token to a handle.
func MethodHandleFromToken(token uint32) (MethodDefinitionHandle, error) {
	if TokenTable(token) != TableMethodDef || TokenRow(token) == 0 {
		return 0, fmt.Errorf("token 0x%08x is not a method definition", token)
	}
	return MethodDefinitionHandle(TokenRow(token)), nil
}

// HasCustomDebugInformation is the coded index used as the Parent column of
// the CustomDebugInformation table (5 tag bits).
type HasCustomDebugInformation uint32

// Tags of the HasCustomDebugInformation coded index.
const (
	cdiTagMethodDef = 0
	cdiTagModule    = 7
	cdiTagBits      = 5
)

// hasCustomDebugInformationTables lists the tables in tag order.
var hasCustomDebugInformationTables = []TableIndex{
	TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam,
	TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity,
	TableProperty, TableEvent, TableStandAloneSig, TableModuleRef,
	TableTypeSpec, TableAssembly, TableAssemblyRef, TableFile, TableExportedType,
	TableManifestResource, TableGenericParam, TableGenericParamConstraint,
	TableMethodSpec, TableDocument, TableLocalScope, TableLocalVariable,
	TableLocalConstant, TableImportScope,
}

// ModuleParent is the CDI parent denoting the module itself.
func ModuleParent() HasCustomDebugInformation {
	return HasCustomDebugInformation(1<<cdiTagBits | cdiTagModule)
}

// MethodParent is the CDI parent denoting a method definition.
func MethodParent(h MethodDefinitionHandle) HasCustomDebugInformation {
	return HasCustomDebugInformation(uint32(h)<<cdiTagBits | cdiTagMethodDef)
}

// Table returns the table the coded index points into.
func (p HasCustomDebugInformation) Table() (TableIndex, bool) {
	tag := uint32(p) & (1<<cdiTagBits - 1)
	if int(tag) >= len(hasCustomDebugInformationTables) {
		return 0, false
	}
	return hasCustomDebugInformationTables[tag], true
}

// Row returns the row number the coded index points at.
func (p HasCustomDebugInformation) Row() uint32 {
	return uint32(p) >> cdiTagBits
}

// TypeDefOrRefOrSpec tags (ECMA-335 II.23.2.8).
const (
	typeDefOrRefTagDef  = 0
	typeDefOrRefTagRef  = 1
	typeDefOrRefTagSpec = 2
)

// DecodeTypeDefOrRefOrSpec converts a compressed TypeDefOrRefOrSpec coded
// index into a metadata token.
func DecodeTypeDefOrRefOrSpec(coded uint32) (uint32, error) {
	row := coded >> 2
	switch coded & 3 {
	case typeDefOrRefTagDef:
		return MakeToken(TableTypeDef, row), nil
	case typeDefOrRefTagRef:
		return MakeToken(TableTypeRef, row), nil
	case typeDefOrRefTagSpec:
		return MakeToken(TableTypeSpec, row), nil
	}
	return 0, fmt.Errorf("%w: invalid TypeDefOrRefOrSpec tag in 0x%x", ErrBadFormat, coded)
}

// EncodeTypeDefOrRefOrSpec converts a TypeDef, TypeRef or TypeSpec token to
// its coded index form.
func EncodeTypeDefOrRefOrSpec(token uint32) (uint32, error) {
	row := TokenRow(token)
	switch TokenTable(token) {
	case TableTypeDef:
		return row<<2 | typeDefOrRefTagDef, nil
	case TableTypeRef:
		return row<<2 | typeDefOrRefTagRef, nil
	case TableTypeSpec:
		return row<<2 | typeDefOrRefTagSpec, nil
	}
	return 0, fmt.Errorf("%w: token 0x%08x is not a type", ErrBadFormat, token)
}
