package metadata

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Well-known custom debug information kinds.
var (
	KindAsyncMethodSteppingInformation = uuid.MustParse("54fd2ac5-e925-401a-9c2a-f94f171072f8")
	KindDefaultNamespace               = uuid.MustParse("58b2eab6-209f-4e4e-a22c-b2d0f910c782")
)

// Well-known document languages and hash algorithms.
var (
	LanguageCSharp      = uuid.MustParse("3f5162f8-07c6-11d3-9053-00c04fa302a1")
	LanguageVisualBasic = uuid.MustParse("3a12d0b8-c26c-11d0-b442-00a0244a1dd2")
	LanguageFSharp      = uuid.MustParse("ab4f38c9-b6e6-43ba-be3b-58080b2ccce3")

	HashAlgorithmSHA1   = uuid.MustParse("ff1816ec-aa5e-4d10-87f7-6f4963833460")
	HashAlgorithmSHA256 = uuid.MustParse("8829d00f-11b8-4213-878b-770e8597ac16")
)

// Document is a row of the Document table.
type Document struct {
	Name          BlobHandle
	HashAlgorithm GUIDHandle
	Hash          BlobHandle
	Language      GUIDHandle
}

// MethodDebugInformation is a row of the MethodDebugInformation table.
type MethodDebugInformation struct {
	Document       DocumentHandle
	SequencePoints BlobHandle
}

// LocalScope is a row of the LocalScope table.
type LocalScope struct {
	Method       MethodDefinitionHandle
	ImportScope  ImportScopeHandle
	VariableList LocalVariableHandle
	ConstantList LocalConstantHandle
	StartOffset  uint32
	Length       uint32
}

// EndOffset returns the exclusive end of the scope's IL range.
func (s LocalScope) EndOffset() uint32 {
	return s.StartOffset + s.Length
}

// LocalVariable is a row of the LocalVariable table.
type LocalVariable struct {
	Attributes uint16
	Index      uint16
	Name       StringHandle
}

// LocalConstant is a row of the LocalConstant table.
type LocalConstant struct {
	Name      StringHandle
	Signature BlobHandle
}

// CustomDebugInformation is a row of the CustomDebugInformation table.
type CustomDebugInformation struct {
	Parent HasCustomDebugInformation
	Kind   GUIDHandle
	Value  BlobHandle
}

// DocumentCount returns the number of Document rows.
func (r *Reader) DocumentCount() int { return r.RowCount(TableDocument) }

// MethodDebugInformationCount returns the number of MethodDebugInformation rows.
func (r *Reader) MethodDebugInformationCount() int { return r.RowCount(TableMethodDebugInformation) }

// Documents returns the handles of all documents in table order.
func (r *Reader) Documents() []DocumentHandle {
	n := r.DocumentCount()
	handles := make([]DocumentHandle, n)
	for i := range handles {
		handles[i] = DocumentHandle(i + 1)
	}
	return handles
}

// Document reads a Document row.
func (r *Reader) Document(h DocumentHandle) (Document, error) {
	if err := r.checkRow(TableDocument, uint32(h)); err != nil {
		return Document{}, err
	}
	return Document{
		Name:          BlobHandle(r.column(TableDocument, uint32(h), 0)),
		HashAlgorithm: GUIDHandle(r.column(TableDocument, uint32(h), 1)),
		Hash:          BlobHandle(r.column(TableDocument, uint32(h), 2)),
		Language:      GUIDHandle(r.column(TableDocument, uint32(h), 3)),
	}, nil
}

// MethodDebugInformation reads a MethodDebugInformation row.
func (r *Reader) MethodDebugInformation(h MethodDebugInformationHandle) (MethodDebugInformation, error) {
	if err := r.checkRow(TableMethodDebugInformation, uint32(h)); err != nil {
		return MethodDebugInformation{}, err
	}
	return MethodDebugInformation{
		Document:       DocumentHandle(r.column(TableMethodDebugInformation, uint32(h), 0)),
		SequencePoints: BlobHandle(r.column(TableMethodDebugInformation, uint32(h), 1)),
	}, nil
}

// LocalScope reads a LocalScope row.
func (r *Reader) LocalScope(h LocalScopeHandle) (LocalScope, error) {
	if err := r.checkRow(TableLocalScope, uint32(h)); err != nil {
		return LocalScope{}, err
	}
	row := uint32(h)
	return LocalScope{
		Method:       MethodDefinitionHandle(r.column(TableLocalScope, row, 0)),
		ImportScope:  ImportScopeHandle(r.column(TableLocalScope, row, 1)),
		VariableList: LocalVariableHandle(r.column(TableLocalScope, row, 2)),
		ConstantList: LocalConstantHandle(r.column(TableLocalScope, row, 3)),
		StartOffset:  r.column(TableLocalScope, row, 4),
		Length:       r.column(TableLocalScope, row, 5),
	}, nil
}

// LocalVariable reads a LocalVariable row.
func (r *Reader) LocalVariable(h LocalVariableHandle) (LocalVariable, error) {
	if err := r.checkRow(TableLocalVariable, uint32(h)); err != nil {
		return LocalVariable{}, err
	}
	return LocalVariable{
		Attributes: uint16(r.column(TableLocalVariable, uint32(h), 0)),
		Index:      uint16(r.column(TableLocalVariable, uint32(h), 1)),
		Name:       StringHandle(r.column(TableLocalVariable, uint32(h), 2)),
	}, nil
}

// LocalConstant reads a LocalConstant row.
func (r *Reader) LocalConstant(h LocalConstantHandle) (LocalConstant, error) {
	if err := r.checkRow(TableLocalConstant, uint32(h)); err != nil {
		return LocalConstant{}, err
	}
	return LocalConstant{
		Name:      StringHandle(r.column(TableLocalConstant, uint32(h), 0)),
		Signature: BlobHandle(r.column(TableLocalConstant, uint32(h), 1)),
	}, nil
}

// CustomDebugInformation reads a CustomDebugInformation row.
func (r *Reader) CustomDebugInformation(h CustomDebugInformationHandle) (CustomDebugInformation, error) {
	if err := r.checkRow(TableCustomDebugInformation, uint32(h)); err != nil {
		return CustomDebugInformation{}, err
	}
	return CustomDebugInformation{
		Parent: HasCustomDebugInformation(r.column(TableCustomDebugInformation, uint32(h), 0)),
		Kind:   GUIDHandle(r.column(TableCustomDebugInformation, uint32(h), 1)),
		Value:  BlobHandle(r.column(TableCustomDebugInformation, uint32(h), 2)),
	}, nil
}

// equalRange returns the 1-based half-open row range [lo, hi) of a table
// sorted by the given column whose value equals key.
func (r *Reader) equalRange(t TableIndex, col int, key uint32) (uint32, uint32) {
	n := r.RowCount(t)
	lo := sort.Search(n, func(i int) bool {
		return r.column(t, uint32(i+1), col) >= key
	})
	hi := lo + sort.Search(n-lo, func(i int) bool {
		return r.column(t, uint32(lo+i+1), col) > key
	})
	return uint32(lo + 1), uint32(hi + 1)
}

// LocalScopes returns the scopes of a method in table order. The first one,
// if any, is the outermost scope of the method body.
func (r *Reader) LocalScopes(method MethodDefinitionHandle) []LocalScopeHandle {
	lo, hi := r.equalRange(TableLocalScope, 0, uint32(method))
	var scopes []LocalScopeHandle
	for row := lo; row < hi; row++ {
		scopes = append(scopes, LocalScopeHandle(row))
	}
	return scopes
}

// LocalScopeChildren returns the scopes directly nested in h. Nesting is
// implied by the table order: scopes of a method are sorted by start offset
// ascending, then by length descending.
func (r *Reader) LocalScopeChildren(h LocalScopeHandle) ([]LocalScopeHandle, error) {
	parent, err := r.LocalScope(h)
	if err != nil {
		return nil, err
	}
	end := parent.EndOffset()
	n := uint32(r.RowCount(TableLocalScope))

	var children []LocalScopeHandle
	row := uint32(h) + 1
	for row <= n {
		child, err := r.LocalScope(LocalScopeHandle(row))
		if err != nil {
			return nil, err
		}
		if child.Method != parent.Method || child.StartOffset >= end || child.EndOffset() > end {
			break
		}
		children = append(children, LocalScopeHandle(row))

		// Skip the descendants of this child.
		childEnd := child.EndOffset()
		row++
		for row <= n {
			next, err := r.LocalScope(LocalScopeHandle(row))
			if err != nil {
				return nil, err
			}
			if next.Method != parent.Method || next.StartOffset >= childEnd {
				break
			}
			row++
		}
	}
	return children, nil
}

// LocalScopeVariables returns the variables declared directly in a scope.
func (r *Reader) LocalScopeVariables(h LocalScopeHandle) ([]LocalVariableHandle, error) {
	first, end, err := r.listRange(h, 2, TableLocalVariable)
	if err != nil {
		return nil, err
	}
	var vars []LocalVariableHandle
	for row := first; row < end; row++ {
		vars = append(vars, LocalVariableHandle(row))
	}
	return vars, nil
}

// LocalScopeConstants returns the constants declared directly in a scope.
func (r *Reader) LocalScopeConstants(h LocalScopeHandle) ([]LocalConstantHandle, error) {
	first, end, err := r.listRange(h, 3, TableLocalConstant)
	if err != nil {
		return nil, err
	}
	var consts []LocalConstantHandle
	for row := first; row < end; row++ {
		consts = append(consts, LocalConstantHandle(row))
	}
	return consts, nil
}

// listRange resolves a list column of the LocalScope table (ECMA-335 II.22:
// the list runs up to the next row's start or the end of the target table).
func (r *Reader) listRange(h LocalScopeHandle, col int, target TableIndex) (uint32, uint32, error) {
	if err := r.checkRow(TableLocalScope, uint32(h)); err != nil {
		return 0, 0, err
	}
	limit := uint32(r.RowCount(target)) + 1
	first := r.column(TableLocalScope, uint32(h), col)
	end := limit
	if uint32(h) < uint32(r.RowCount(TableLocalScope)) {
		end = r.column(TableLocalScope, uint32(h)+1, col)
	}
	if first == 0 {
		return 0, 0, nil
	}
	if first > limit || end > limit || end < first {
		return 0, 0, fmt.Errorf("%w: invalid list range [%d, %d) in local scope %d", ErrBadFormat, first, end, h)
	}
	return first, end, nil
}

// StateMachineKickoffMethod returns the kickoff method of a MoveNext method,
// or the nil handle when the method is not a state machine.
func (r *Reader) StateMachineKickoffMethod(moveNext MethodDefinitionHandle) MethodDefinitionHandle {
	lo, hi := r.equalRange(TableStateMachineMethod, 0, uint32(moveNext))
	if lo == hi {
		return 0
	}
	return MethodDefinitionHandle(r.column(TableStateMachineMethod, lo, 1))
}

// CustomDebugInformationFor returns the custom debug information rows
// attached to an entity.
func (r *Reader) CustomDebugInformationFor(parent HasCustomDebugInformation) []CustomDebugInformationHandle {
	lo, hi := r.equalRange(TableCustomDebugInformation, 0, uint32(parent))
	var handles []CustomDebugInformationHandle
	for row := lo; row < hi; row++ {
		handles = append(handles, CustomDebugInformationHandle(row))
	}
	return handles
}

// FindCustomDebugInformation returns the value of the first custom debug
// information row of the given kind attached to parent.
func (r *Reader) FindCustomDebugInformation(parent HasCustomDebugInformation, kind uuid.UUID) (BlobHandle, bool, error) {
	for _, h := range r.CustomDebugInformationFor(parent) {
		cdi, err := r.CustomDebugInformation(h)
		if err != nil {
			return 0, false, err
		}
		k, err := r.GUID(cdi.Kind)
		if err != nil {
			return 0, false, err
		}
		if k == kind {
			return cdi.Value, true, nil
		}
	}
	return 0, false, nil
}

// QualifiedTypeName returns "Namespace.Name" for a TypeDef or TypeRef token.
// Nested types are prefixed with their enclosing type and a '+'.
func (r *Reader) QualifiedTypeName(token uint32) (string, error) {
	return r.qualifiedTypeName(token, 0)
}

const maxTypeNesting = 64

func (r *Reader) qualifiedTypeName(token uint32, depth int) (string, error) {
	if depth > maxTypeNesting {
		return "", fmt.Errorf("%w: type nesting too deep at 0x%08x", ErrBadFormat, token)
	}
	row := TokenRow(token)
	switch t := TokenTable(token); t {
	case TableTypeDef, TableTypeRef:
		if err := r.checkRow(t, row); err != nil {
			return "", err
		}
		name, err := r.String(StringHandle(r.column(t, row, 1)))
		if err != nil {
			return "", err
		}
		ns, err := r.String(StringHandle(r.column(t, row, 2)))
		if err != nil {
			return "", err
		}
		if enclosing := r.enclosingType(t, row); enclosing != 0 {
			outer, err := r.qualifiedTypeName(enclosing, depth+1)
			if err != nil {
				return "", err
			}
			return outer + "+" + name, nil
		}
		if ns == "" {
			return name, nil
		}
		return ns + "." + name, nil
	}
	return "", fmt.Errorf("%w: token 0x%08x is not a TypeDef or TypeRef", ErrBadFormat, token)
}

// enclosingType returns the token of the type enclosing a nested type, or 0.
func (r *Reader) enclosingType(t TableIndex, row uint32) uint32 {
	switch t {
	case TableTypeRef:
		scope := r.column(TableTypeRef, row, 0)
		// ResolutionScope tag 3 is TypeRef.
		if scope&3 == 3 && scope>>2 != 0 && scope>>2 != row {
			return MakeToken(TableTypeRef, scope>>2)
		}
	case TableTypeDef:
		lo, hi := r.equalRange(TableNestedClass, 0, row)
		if lo < hi {
			outer := r.column(TableNestedClass, lo, 1)
			if outer != 0 && outer != row {
				return MakeToken(TableTypeDef, outer)
			}
		}
	}
	return 0
}
