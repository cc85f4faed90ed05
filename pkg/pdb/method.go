package pdb

import (
	"fmt"
	"sync"

	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

// SequencePoint maps an IL offset to a source span. Hidden points have
// StartLine and EndLine equal to metadata.HiddenLine.
type SequencePoint struct {
	Offset      int
	Document    *Document
	StartLine   int
	StartColumn int
	EndLine     int
	EndColumn   int
}

// IsHidden reports whether the point marks code with no source.
func (sp SequencePoint) IsHidden() bool {
	return sp.StartLine == metadata.HiddenLine
}

// ILRange is a half-open range of IL offsets.
type ILRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Method is a method body that has sequence points.
type Method struct {
	reader *Reader
	handle metadata.MethodDefinitionHandle

	scopeOnce sync.Once
	scopes    *scopeTree
	scopeErr  error

	asyncOnce sync.Once
	async     AsyncMethodData
	asyncErr  error
}

// Token returns the MethodDef token.
func (m *Method) Token() (uint32, error) {
	if err := m.reader.checkOpen(); err != nil {
		return 0, err
	}
	return m.handle.Token(), nil
}

func (m *Method) sequencePoints() ([]metadata.SequencePoint, error) {
	if err := m.reader.checkOpen(); err != nil {
		return nil, err
	}
	points, err := m.reader.md.SequencePoints(m.handle.ToDebugInformation())
	if err != nil {
		return nil, recordDecodeError("sequence_points", fmt.Errorf("method 0x%08x: %w", m.handle.Token(), err))
	}
	return points, nil
}

// SequencePointCount returns the number of sequence points, hidden ones
// included.
func (m *Method) SequencePointCount() (int, error) {
	points, err := m.sequencePoints()
	return len(points), err
}

// SequencePoints returns the sequence points in IL order.
func (m *Method) SequencePoints() ([]SequencePoint, error) {
	points, err := m.sequencePoints()
	if err != nil {
		return nil, err
	}
	docs := make(map[metadata.DocumentHandle]*Document)
	out := make([]SequencePoint, len(points))
	for i, sp := range points {
		doc, ok := docs[sp.Document]
		if !ok {
			doc = m.reader.document(sp.Document)
			docs[sp.Document] = doc
		}
		out[i] = SequencePoint{
			Offset:      sp.Offset,
			Document:    doc,
			StartLine:   sp.StartLine,
			StartColumn: sp.StartColumn,
			EndLine:     sp.EndLine,
			EndColumn:   sp.EndColumn,
		}
	}
	return out, nil
}

func (m *Method) scopeTree() (*scopeTree, error) {
	m.scopeOnce.Do(func() {
		m.scopes, m.scopeErr = newScopeTree(m)
		m.scopeErr = recordDecodeError("scope", m.scopeErr)
	})
	return m.scopes, m.scopeErr
}

// RootScope returns the scope spanning the whole method body.
func (m *Method) RootScope() (*Scope, error) {
	if err := m.reader.checkOpen(); err != nil {
		return nil, err
	}
	tree, err := m.scopeTree()
	if err != nil {
		return nil, err
	}
	return &Scope{tree: tree, id: rootScope}, nil
}

// ScopeFromOffset returns the innermost scope containing offset, or the root
// scope when no nested scope does.
func (m *Method) ScopeFromOffset(offset int) (*Scope, error) {
	root, err := m.RootScope()
	if err != nil {
		return nil, err
	}
	return root.innermost(offset)
}

// Documents returns the documents the method's visible sequence points
// refer to, in order of first use.
func (m *Method) Documents() ([]*Document, error) {
	points, err := m.sequencePoints()
	if err != nil {
		return nil, err
	}
	seen := make(map[metadata.DocumentHandle]bool)
	var out []*Document
	for _, sp := range points {
		if sp.IsHidden() || seen[sp.Document] {
			continue
		}
		seen[sp.Document] = true
		out = append(out, m.reader.document(sp.Document))
	}
	return out, nil
}

// SourceExtentInDocument returns the first and last line the method covers
// in doc.
func (m *Method) SourceExtentInDocument(doc *Document) (minLine, maxLine int, err error) {
	if err := m.reader.ownDocument(doc); err != nil {
		return 0, 0, err
	}
	minLine, maxLine, ok := m.reader.methodMap().TryGetMethodSourceExtent(doc.handle, m.handle.ToDebugInformation())
	if !ok {
		return 0, 0, ErrNotFound
	}
	return minLine, maxLine, nil
}

// Offset returns the smallest IL offset of a visible sequence point in doc
// whose lines contain line. The column is ignored.
func (m *Method) Offset(doc *Document, line, column int) (int, error) {
	if err := m.reader.ownDocument(doc); err != nil {
		return 0, err
	}
	if line <= 0 {
		return 0, fmt.Errorf("line %d: %w", line, ErrInvalidArgument)
	}
	points, err := m.sequencePoints()
	if err != nil {
		return 0, err
	}
	for _, sp := range points {
		if !sp.IsHidden() && sp.Document == doc.handle && sp.StartLine <= line && line <= sp.EndLine {
			return sp.Offset, nil
		}
	}
	return 0, ErrNotFound
}

// Ranges returns the IL ranges of the visible sequence points in doc whose
// lines contain line. A range ends at the next sequence point, or at the end
// of the root scope for the last one. The column is ignored.
func (m *Method) Ranges(doc *Document, line, column int) ([]ILRange, error) {
	if err := m.reader.ownDocument(doc); err != nil {
		return nil, err
	}
	points, err := m.sequencePoints()
	if err != nil {
		return nil, err
	}
	var out []ILRange
	for i, sp := range points {
		if sp.IsHidden() || sp.Document != doc.handle || line < sp.StartLine || line > sp.EndLine {
			continue
		}
		r := ILRange{Start: sp.Offset}
		if i+1 < len(points) {
			r.End = points[i+1].Offset
		} else {
			root, err := m.RootScope()
			if err != nil {
				return nil, err
			}
			if r.End, err = root.EndOffset(); err != nil {
				return nil, err
			}
			r.End = max(r.End, r.Start)
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *Method) asyncData() (AsyncMethodData, error) {
	if err := m.reader.checkOpen(); err != nil {
		return AsyncMethodData{}, err
	}
	m.asyncOnce.Do(func() {
		m.async, m.asyncErr = readAsyncMethodData(m.reader.md, m.handle)
		m.asyncErr = recordDecodeError("async", m.asyncErr)
	})
	return m.async, m.asyncErr
}

// asyncOnly returns the async data, or ErrUnexpected for other methods.
func (m *Method) asyncOnly() (AsyncMethodData, error) {
	data, err := m.asyncData()
	if err != nil {
		return AsyncMethodData{}, err
	}
	if data.IsNone() {
		return AsyncMethodData{}, fmt.Errorf("method 0x%08x is not async: %w", m.handle.Token(), ErrUnexpected)
	}
	return data, nil
}

// AsyncMethodData returns the decoded async stepping information.
func (m *Method) AsyncMethodData() (AsyncMethodData, error) {
	return m.asyncData()
}

// IsAsync reports whether the method is the MoveNext of an async state
// machine with stepping information.
func (m *Method) IsAsync() (bool, error) {
	data, err := m.asyncData()
	return !data.IsNone(), err
}

// KickoffMethod returns the token of the async method's kickoff method.
func (m *Method) KickoffMethod() (uint32, error) {
	data, err := m.asyncOnly()
	if err != nil {
		return 0, err
	}
	return data.KickoffMethod(), nil
}

// HasCatchHandlerILOffset reports whether the state machine has a
// generated catch handler.
func (m *Method) HasCatchHandlerILOffset() (bool, error) {
	data, err := m.asyncOnly()
	if err != nil {
		return false, err
	}
	return data.CatchHandlerOffset() >= 0, nil
}

// CatchHandlerILOffset returns the IL offset of the generated catch handler.
func (m *Method) CatchHandlerILOffset() (int, error) {
	data, err := m.asyncOnly()
	if err != nil {
		return 0, err
	}
	if data.CatchHandlerOffset() < 0 {
		return 0, fmt.Errorf("method 0x%08x has no catch handler: %w", m.handle.Token(), ErrUnexpected)
	}
	return data.CatchHandlerOffset(), nil
}

// AsyncStepInfoCount returns the number of yield points.
func (m *Method) AsyncStepInfoCount() (int, error) {
	data, err := m.asyncOnly()
	return len(data.Steps()), err
}

// AsyncStepInfo returns the yield and resume points.
func (m *Method) AsyncStepInfo() ([]AsyncStepInfo, error) {
	data, err := m.asyncOnly()
	if err != nil {
		return nil, err
	}
	return append([]AsyncStepInfo(nil), data.Steps()...), nil
}

// Parameters are not recorded in Portable PDBs.
func (m *Method) Parameters() ([]*Variable, error) {
	return nil, m.reader.notImplemented()
}

// Namespace is not recorded in Portable PDBs.
func (m *Method) Namespace() (string, error) {
	return "", m.reader.notImplemented()
}

// SourceStartEnd is not supported.
func (m *Method) SourceStartEnd() ([2]*Document, [2]int, [2]int, error) {
	return [2]*Document{}, [2]int{}, [2]int{}, m.reader.notImplemented()
}
