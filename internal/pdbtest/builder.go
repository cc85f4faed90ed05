// Package pdbtest builds Portable PDB and assembly images in memory for tests.
package pdbtest

import (
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

// SequencePoint describes one point of a method. Hidden points only use
// Document and Offset.
type SequencePoint struct {
	Document    metadata.DocumentHandle
	Offset      int
	StartLine   int
	StartColumn int
	EndLine     int
	EndColumn   int
	Hidden      bool
}

// Point is shorthand for a visible single line sequence point.
func Point(doc metadata.DocumentHandle, offset, line, startColumn, endColumn int) SequencePoint {
	return SequencePoint{Document: doc, Offset: offset, StartLine: line, StartColumn: startColumn, EndLine: line, EndColumn: endColumn}
}

// HiddenPoint is shorthand for a hidden sequence point.
func HiddenPoint(doc metadata.DocumentHandle, offset int) SequencePoint {
	return SequencePoint{Document: doc, Offset: offset, Hidden: true}
}

// AsyncStep is one yield/resume record of the async stepping blob.
type AsyncStep struct {
	YieldOffset  uint32
	ResumeOffset uint32
	ResumeMethod uint32 // MethodDef row
}

type document struct {
	separator byte
	parts     []string
	nilName   bool
	hashAlg   uuid.UUID
	hash      []byte
	language  uuid.UUID
}

type customDebugInfo struct {
	parent metadata.HasCustomDebugInformation
	kind   uuid.UUID
	value  []byte
}

// Builder accumulates the content of a Portable PDB.
type Builder struct {
	documents []document
	methods   []*Method
	moduleCDI []customDebugInfo

	typeSystemRows map[metadata.TableIndex]uint32
	id             [20]byte
	entryPoint     uint32
	unsorted       uint64
}

// New creates an empty builder.
func New() *Builder {
	return &Builder{typeSystemRows: map[metadata.TableIndex]uint32{}}
}

// AddDocument adds a document and returns its handle. The name is split on
// '/' or '\' the way compilers encode document names.
func (b *Builder) AddDocument(name string, language uuid.UUID) metadata.DocumentHandle {
	return b.AddDocumentWithHash(name, language, uuid.Nil, nil)
}

// AddDocumentWithHash adds a document with a checksum.
func (b *Builder) AddDocumentWithHash(name string, language, hashAlg uuid.UUID, hash []byte) metadata.DocumentHandle {
	sep, parts := splitDocumentName(name)
	b.documents = append(b.documents, document{
		separator: sep,
		parts:     parts,
		hashAlg:   hashAlg,
		hash:      hash,
		language:  language,
	})
	return metadata.DocumentHandle(len(b.documents))
}

// AddDocumentWithNilName adds a document whose name is the nil blob.
func (b *Builder) AddDocumentWithNilName() metadata.DocumentHandle {
	b.documents = append(b.documents, document{nilName: true})
	return metadata.DocumentHandle(len(b.documents))
}

// splitDocumentName picks the separator of a name and splits it into parts.
func splitDocumentName(name string) (byte, []string) {
	for _, sep := range []byte{'/', '\\'} {
		if strings.IndexByte(name, sep) >= 0 {
			return sep, strings.Split(name, string(sep))
		}
	}
	return 0, []string{name}
}

// AddMethod adds a MethodDef row with its debug information.
func (b *Builder) AddMethod() *Method {
	m := &Method{row: uint32(len(b.methods) + 1)}
	b.methods = append(b.methods, m)
	return m
}

// AddModuleCustomDebugInformation attaches custom debug information to the module.
func (b *Builder) AddModuleCustomDebugInformation(kind uuid.UUID, value []byte) {
	b.moduleCDI = append(b.moduleCDI, customDebugInfo{metadata.ModuleParent(), kind, value})
}

// SetVisualBasic marks the module as compiled by the VB compiler.
func (b *Builder) SetVisualBasic(defaultNamespace string) {
	b.AddModuleCustomDebugInformation(metadata.KindDefaultNamespace, []byte(defaultNamespace))
}

// SetTypeSystemRows declares the row count of an assembly table.
func (b *Builder) SetTypeSystemRows(t metadata.TableIndex, rows uint32) {
	b.typeSystemRows[t] = rows
}

// MarkUnsorted clears the sorted bit of a table in the #~ header.
func (b *Builder) MarkUnsorted(t metadata.TableIndex) {
	b.unsorted |= 1 << t
}

// SetID sets the PDB id.
func (b *Builder) SetID(guid uuid.UUID, stamp uint32) {
	copy(b.id[:16], metadata.GUIDBytes(guid))
	b.id[16] = byte(stamp)
	b.id[17] = byte(stamp >> 8)
	b.id[18] = byte(stamp >> 16)
	b.id[19] = byte(stamp >> 24)
}

// SetEntryPoint sets the entry point method.
func (b *Builder) SetEntryPoint(m *Method) {
	b.entryPoint = m.Token()
}

// Method describes the debug information of one method.
type Method struct {
	row     uint32
	points  []SequencePoint
	scopes  []*Scope
	kickoff uint32
	cdi     []customDebugInfo
}

// Handle returns the method definition handle.
func (m *Method) Handle() metadata.MethodDefinitionHandle {
	return metadata.MethodDefinitionHandle(m.row)
}

// Token returns the MethodDef token.
func (m *Method) Token() uint32 {
	return m.Handle().Token()
}

// SequencePoints appends sequence points in IL offset order.
func (m *Method) SequencePoints(points ...SequencePoint) *Method {
	m.points = append(m.points, points...)
	return m
}

// AddScope adds a local scope covering [start, start+length).
func (m *Method) AddScope(start, length uint32) *Scope {
	s := &Scope{start: start, length: length}
	m.scopes = append(m.scopes, s)
	return s
}

// StateMachine marks the method as the MoveNext of a state machine.
func (m *Method) StateMachine(kickoff *Method) *Method {
	m.kickoff = kickoff.row
	return m
}

// StateMachineRow marks the method as the MoveNext of a state machine whose
// kickoff method is the given MethodDef row, which need not be built here.
func (m *Method) StateMachineRow(kickoff uint32) *Method {
	m.kickoff = kickoff
	return m
}

// AsyncStepping attaches an async stepping information blob.
func (m *Method) AsyncStepping(blob []byte) *Method {
	return m.CustomDebugInformation(metadata.KindAsyncMethodSteppingInformation, blob)
}

// CustomDebugInformation attaches custom debug information to the method.
func (m *Method) CustomDebugInformation(kind uuid.UUID, value []byte) *Method {
	m.cdi = append(m.cdi, customDebugInfo{metadata.MethodParent(m.Handle()), kind, value})
	return m
}

// Scope describes one LocalScope row.
type Scope struct {
	start, length uint32
	locals        []local
	constants     []constant
}

type local struct {
	name       string
	slot       uint16
	attributes uint16
}

type constant struct {
	name      string
	signature []byte
}

// Local declares a local variable in the scope.
func (s *Scope) Local(name string, slot, attributes uint16) *Scope {
	s.locals = append(s.locals, local{name, slot, attributes})
	return s
}

// Constant declares a local constant with a raw signature blob.
func (s *Scope) Constant(name string, signature []byte) *Scope {
	s.constants = append(s.constants, constant{name, signature})
	return s
}

// AsyncSteppingBlob encodes an async stepping information blob. A catch
// handler of 0 means none.
func AsyncSteppingBlob(catchHandler uint32, steps ...AsyncStep) []byte {
	out := appendUint32(nil, catchHandler)
	for _, s := range steps {
		out = appendUint32(out, s.YieldOffset)
		out = appendUint32(out, s.ResumeOffset)
		out = metadata.AppendCompressedInteger(out, s.ResumeMethod)
	}
	return out
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// MustBuild builds the image and fails the test on error.
func (b *Builder) MustBuild(t testing.TB) []byte {
	t.Helper()
	data, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build portable PDB: %v", err)
	}
	return data
}

// Build serializes the Portable PDB.
func (b *Builder) Build() ([]byte, error) {
	im := newImage(DefaultPDBVersion)

	for _, d := range b.documents {
		var name uint32
		if !d.nilName {
			name = im.addBlob(encodeDocumentName(im, d.separator, d.parts))
		}
		im.addRow(metadata.TableDocument, name, im.addGUID(d.hashAlg), im.addBlob(d.hash), im.addGUID(d.language))
	}

	for _, m := range b.methods {
		doc, blob := encodeSequencePoints(m.points)
		im.addRow(metadata.TableMethodDebugInformation, uint32(doc), im.addBlob(blob))
	}

	type scopeRow struct {
		method uint32
		scope  *Scope
	}
	var scopes []scopeRow
	for _, m := range b.methods {
		for _, s := range m.scopes {
			scopes = append(scopes, scopeRow{m.row, s})
		}
	}
	sort.SliceStable(scopes, func(i, j int) bool {
		a, c := scopes[i], scopes[j]
		if a.method != c.method {
			return a.method < c.method
		}
		if a.scope.start != c.scope.start {
			return a.scope.start < c.scope.start
		}
		return a.scope.length > c.scope.length
	})
	var varRow, constRow uint32 = 1, 1
	for _, s := range scopes {
		im.addRow(metadata.TableLocalScope, s.method, 0, varRow, constRow, s.scope.start, s.scope.length)
		varRow += uint32(len(s.scope.locals))
		constRow += uint32(len(s.scope.constants))
	}
	for _, s := range scopes {
		for _, l := range s.scope.locals {
			im.addRow(metadata.TableLocalVariable, uint32(l.attributes), uint32(l.slot), im.addString(l.name))
		}
		for _, c := range s.scope.constants {
			im.addRow(metadata.TableLocalConstant, im.addString(c.name), im.addBlob(c.signature))
		}
	}

	for _, m := range b.methods {
		if m.kickoff != 0 {
			im.addRow(metadata.TableStateMachineMethod, m.row, m.kickoff)
		}
	}

	cdis := append([]customDebugInfo(nil), b.moduleCDI...)
	for _, m := range b.methods {
		cdis = append(cdis, m.cdi...)
	}
	sort.SliceStable(cdis, func(i, j int) bool { return cdis[i].parent < cdis[j].parent })
	for _, c := range cdis {
		im.addRow(metadata.TableCustomDebugInformation, uint32(c.parent), im.addGUID(c.kind), im.addBlob(c.value))
	}

	stream := metadata.PDBStream{ID: b.id, EntryPoint: b.entryPoint}
	rows := map[metadata.TableIndex]uint32{metadata.TableMethodDef: uint32(len(b.methods))}
	for t, n := range b.typeSystemRows {
		rows[t] = n
	}
	for t, n := range rows {
		if n == 0 {
			continue
		}
		stream.ReferencedTypeSystemTables |= 1 << t
		stream.TypeSystemTableRows[t] = n
	}
	im.pdb = &stream
	im.unsorted = b.unsorted
	return im.build()
}

// encodeDocumentName writes the separator followed by the blob handles of
// the parts.
func encodeDocumentName(im *image, sep byte, parts []string) []byte {
	out := []byte{sep}
	for _, part := range parts {
		out = metadata.AppendCompressedInteger(out, im.addBlob([]byte(part)))
	}
	return out
}

// encodeSequencePoints encodes the sequence point blob and returns the
// value of the Document column: the single document used by all points,
// or nil when the points span several documents.
func encodeSequencePoints(points []SequencePoint) (metadata.DocumentHandle, []byte) {
	if len(points) == 0 {
		return 0, nil
	}
	single := points[0].Document
	for _, p := range points[1:] {
		if p.Document != single {
			single = 0
			break
		}
	}

	blob := metadata.AppendCompressedInteger(nil, 0) // local signature
	if single == 0 {
		blob = metadata.AppendCompressedInteger(blob, uint32(points[0].Document))
	}
	current := points[0].Document

	var (
		prevOffset  int
		seenVisible bool
		prevLine    int
		prevColumn  int
	)
	for i, p := range points {
		if p.Document != current {
			blob = metadata.AppendCompressedInteger(blob, 0)
			blob = metadata.AppendCompressedInteger(blob, uint32(p.Document))
			current = p.Document
		}
		if i == 0 {
			blob = metadata.AppendCompressedInteger(blob, uint32(p.Offset))
		} else {
			blob = metadata.AppendCompressedInteger(blob, uint32(p.Offset-prevOffset))
		}
		prevOffset = p.Offset

		if p.Hidden {
			blob = append(blob, 0, 0)
			continue
		}
		deltaLines := p.EndLine - p.StartLine
		deltaColumns := p.EndColumn - p.StartColumn
		blob = metadata.AppendCompressedInteger(blob, uint32(deltaLines))
		if deltaLines == 0 {
			blob = metadata.AppendCompressedInteger(blob, uint32(deltaColumns))
		} else {
			blob = metadata.AppendCompressedSignedInteger(blob, int32(deltaColumns))
		}
		if !seenVisible {
			blob = metadata.AppendCompressedInteger(blob, uint32(p.StartLine))
			blob = metadata.AppendCompressedInteger(blob, uint32(p.StartColumn))
		} else {
			blob = metadata.AppendCompressedSignedInteger(blob, int32(p.StartLine-prevLine))
			blob = metadata.AppendCompressedSignedInteger(blob, int32(p.StartColumn-prevColumn))
		}
		seenVisible = true
		prevLine, prevColumn = p.StartLine, p.StartColumn
	}
	return single, blob
}
