package pdb

import "github.com/jtang613/goportablepdb/pkg/pdb/metadata"

// AddressKindILOffset is the address kind of every local variable: the
// address field holds its slot in the method's local signature.
const AddressKindILOffset = 1

// Local variable attributes.
const (
	VariableAttributeDebuggerHidden uint16 = 0x0001
)

// Variable is a local variable declared in a scope.
type Variable struct {
	reader *Reader
	handle metadata.LocalVariableHandle
}

func (v *Variable) row() (metadata.LocalVariable, error) {
	if err := v.reader.checkOpen(); err != nil {
		return metadata.LocalVariable{}, err
	}
	return v.reader.md.LocalVariable(v.handle)
}

// Name returns the variable's name.
func (v *Variable) Name() (string, error) {
	row, err := v.row()
	if err != nil {
		return "", err
	}
	return v.reader.md.String(row.Name)
}

// Attributes returns the LocalVariableAttributes flags.
func (v *Variable) Attributes() (uint16, error) {
	row, err := v.row()
	return row.Attributes, err
}

// AddressKind always reports AddressKindILOffset.
func (v *Variable) AddressKind() (int, error) {
	if err := v.reader.checkOpen(); err != nil {
		return 0, err
	}
	return AddressKindILOffset, nil
}

// AddressField1 returns the local slot index.
func (v *Variable) AddressField1() (int, error) {
	row, err := v.row()
	return int(row.Index), err
}

// AddressField2 is not recorded in Portable PDBs.
func (v *Variable) AddressField2() (int, error) {
	return 0, v.reader.notImplemented()
}

// AddressField3 is not recorded in Portable PDBs.
func (v *Variable) AddressField3() (int, error) {
	return 0, v.reader.notImplemented()
}

// Signature is not recorded in Portable PDBs; the local signature lives in
// the assembly.
func (v *Variable) Signature() ([]byte, error) {
	return nil, v.reader.notImplemented()
}

// StartOffset is not recorded per variable.
func (v *Variable) StartOffset() (int, error) {
	return 0, v.reader.notImplemented()
}

// EndOffset is not recorded per variable.
func (v *Variable) EndOffset() (int, error) {
	return 0, v.reader.notImplemented()
}
