package pdb

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

// LanguageName returns a display name for a document language GUID.
func LanguageName(lang uuid.UUID) string {
	switch lang {
	case metadata.LanguageCSharp:
		return "C#"
	case metadata.LanguageVisualBasic:
		return "Visual Basic"
	case metadata.LanguageFSharp:
		return "F#"
	case uuid.Nil:
		return ""
	}
	return lang.String()
}

// HashAlgorithmName returns a display name for a checksum algorithm GUID.
func HashAlgorithmName(alg uuid.UUID) string {
	switch alg {
	case metadata.HashAlgorithmSHA1:
		return "SHA1"
	case metadata.HashAlgorithmSHA256:
		return "SHA256"
	case uuid.Nil:
		return ""
	}
	return alg.String()
}

// Info returns basic information about the PDB.
func (r *Reader) Info() (*PDBInfo, error) {
	id, stamp, err := r.PDBID()
	if err != nil {
		return nil, err
	}
	methods, err := r.MethodCount()
	if err != nil {
		return nil, err
	}
	vb, _ := r.IsVisualBasic()
	info := &PDBInfo{
		GUID:          id.String(),
		Stamp:         stamp,
		Version:       r.md.Version(),
		Documents:     r.md.DocumentCount(),
		Methods:       methods,
		VisualBasic:   vb,
		MetadataBytes: len(r.md.Bytes()),
	}
	if ep, err := r.UserEntryPoint(); err == nil {
		info.EntryPoint = ep
	}
	return info, nil
}

// Info describes the document.
func (d *Document) Info() (*DocumentInfo, error) {
	name, err := d.URL()
	if err != nil {
		return nil, err
	}
	lang, err := d.Language()
	if err != nil {
		return nil, err
	}
	alg, err := d.ChecksumAlgorithm()
	if err != nil {
		return nil, err
	}
	sum, err := d.Checksum()
	if err != nil {
		return nil, err
	}
	methods, err := d.reader.MethodsInDocumentCount(d)
	if err != nil {
		return nil, err
	}
	return &DocumentInfo{
		Name:              name,
		Language:          LanguageName(lang),
		ChecksumAlgorithm: HashAlgorithmName(alg),
		Checksum:          hex.EncodeToString(sum),
		Methods:           methods,
	}, nil
}

// Info describes the method: its sequence points, scope tree and async
// stepping information.
func (m *Method) Info() (*MethodInfo, error) {
	token, err := m.Token()
	if err != nil {
		return nil, err
	}
	info := &MethodInfo{Token: token}

	points, err := m.SequencePoints()
	if err != nil {
		return nil, err
	}
	names := make(map[metadata.DocumentHandle]string)
	for _, sp := range points {
		name, ok := names[sp.Document.handle]
		if !ok {
			if name, err = sp.Document.URL(); err != nil {
				return nil, err
			}
			names[sp.Document.handle] = name
		}
		info.SequencePoints = append(info.SequencePoints, SequencePointInfo{
			Offset:      sp.Offset,
			Document:    name,
			StartLine:   sp.StartLine,
			StartColumn: sp.StartColumn,
			EndLine:     sp.EndLine,
			EndColumn:   sp.EndColumn,
			Hidden:      sp.IsHidden(),
		})
	}

	root, err := m.RootScope()
	if err != nil {
		return nil, err
	}
	if info.RootScope, err = describeScope(root); err != nil {
		return nil, err
	}

	async, err := m.AsyncMethodData()
	if err != nil {
		return nil, err
	}
	if !async.IsNone() {
		info.Async = &AsyncInfo{
			KickoffMethod:      async.KickoffMethod(),
			CatchHandlerOffset: async.CatchHandlerOffset(),
			Steps:              async.Steps(),
		}
	}
	return info, nil
}

func describeScope(s *Scope) (*ScopeInfo, error) {
	start, err := s.StartOffset()
	if err != nil {
		return nil, err
	}
	end, err := s.EndOffset()
	if err != nil {
		return nil, err
	}
	info := &ScopeInfo{StartOffset: start, EndOffset: end}

	locals, err := s.Locals()
	if err != nil {
		return nil, err
	}
	for _, v := range locals {
		name, err := v.Name()
		if err != nil {
			return nil, err
		}
		slot, _ := v.AddressField1()
		attrs, _ := v.Attributes()
		info.Locals = append(info.Locals, LocalInfo{Name: name, Slot: slot, Attributes: attrs})
	}

	constants, err := s.Constants()
	if err != nil {
		return nil, err
	}
	for _, c := range constants {
		ci, err := describeConstant(c)
		if err != nil {
			return nil, err
		}
		info.Constants = append(info.Constants, ci)
	}

	children, err := s.Children()
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		ci, err := describeScope(child)
		if err != nil {
			return nil, err
		}
		info.Children = append(info.Children, *ci)
	}
	return info, nil
}

func describeConstant(c *Constant) (ConstantInfo, error) {
	name, err := c.Name()
	if err != nil {
		return ConstantInfo{}, err
	}
	ci := ConstantInfo{Name: name}
	value, err := c.Value()
	if err != nil {
		// A constant that fails to decode is reported, not fatal.
		ci.Value = fmt.Sprintf("<%v>", err)
		return ci, nil
	}
	if d, ok := value.(Decimal); ok {
		value = d.String()
	}
	ci.Value = value
	sig, err := c.Signature()
	if err != nil {
		return ConstantInfo{}, err
	}
	ci.Signature = hex.EncodeToString(sig)
	return ci, nil
}

// MethodSummaries lists, per document, the line extent of every method.
func (r *Reader) MethodSummaries() ([]MethodSummary, error) {
	docs, err := r.Documents()
	if err != nil {
		return nil, err
	}
	var out []MethodSummary
	for _, d := range docs {
		extents := r.methodMap().MethodExtents(d.handle)
		if len(extents) == 0 {
			continue
		}
		name, err := d.URL()
		if err != nil {
			continue
		}
		for _, e := range extents {
			out = append(out, MethodSummary{
				Token:    e.Method.ToDefinition().Token(),
				Document: name,
				MinLine:  e.MinLine,
				MaxLine:  e.MaxLine,
			})
		}
	}
	return out, nil
}
