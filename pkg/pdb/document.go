package pdb

import (
	"math"
	"slices"

	"github.com/google/uuid"

	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

// Well-known document GUIDs reported by Document.
var (
	LanguageVendorMicrosoft = uuid.MustParse("994b45c4-e6e9-11d2-903f-00c04fa302a1")
	DocumentTypeText        = uuid.MustParse("5a869d0b-6611-11d3-bd2a-0000f80849bd")
)

// Document is a source file referenced by the PDB.
type Document struct {
	reader *Reader
	handle metadata.DocumentHandle
}

// Handle returns the document's row in the Document table.
func (d *Document) Handle() metadata.DocumentHandle {
	return d.handle
}

func (d *Document) row() (metadata.Document, error) {
	if err := d.reader.checkOpen(); err != nil {
		return metadata.Document{}, err
	}
	return d.reader.md.Document(d.handle)
}

// URL returns the document's full name as recorded by the compiler.
func (d *Document) URL() (string, error) {
	if err := d.reader.checkOpen(); err != nil {
		return "", err
	}
	return d.reader.md.DocumentFullName(d.handle)
}

// Language returns the source language GUID.
func (d *Document) Language() (uuid.UUID, error) {
	row, err := d.row()
	if err != nil {
		return uuid.Nil, err
	}
	return d.reader.md.GUID(row.Language)
}

// LanguageVendor returns the Microsoft vendor GUID for the languages it
// ships and uuid.Nil otherwise.
func (d *Document) LanguageVendor() (uuid.UUID, error) {
	lang, err := d.Language()
	if err != nil {
		return uuid.Nil, err
	}
	switch lang {
	case metadata.LanguageCSharp, metadata.LanguageVisualBasic, metadata.LanguageFSharp:
		return LanguageVendorMicrosoft, nil
	}
	return uuid.Nil, nil
}

// DocumentType always reports a text document.
func (d *Document) DocumentType() (uuid.UUID, error) {
	if err := d.reader.checkOpen(); err != nil {
		return uuid.Nil, err
	}
	return DocumentTypeText, nil
}

// ChecksumAlgorithm returns the hash algorithm GUID, uuid.Nil if none.
func (d *Document) ChecksumAlgorithm() (uuid.UUID, error) {
	row, err := d.row()
	if err != nil {
		return uuid.Nil, err
	}
	return d.reader.md.GUID(row.HashAlgorithm)
}

// Checksum returns the document hash.
func (d *Document) Checksum() ([]byte, error) {
	row, err := d.row()
	if err != nil {
		return nil, err
	}
	hash, err := d.reader.md.Blob(row.Hash)
	return slices.Clone(hash), err
}

// HasEmbeddedSource reports false; embedded source is not read.
func (d *Document) HasEmbeddedSource() (bool, error) {
	if err := d.reader.checkOpen(); err != nil {
		return false, err
	}
	return false, nil
}

// SourceLength is not supported.
func (d *Document) SourceLength() (int, error) {
	return 0, d.reader.notImplemented()
}

// SourceRange is not supported.
func (d *Document) SourceRange(startLine, startColumn, endLine, endColumn int) ([]byte, error) {
	return nil, d.reader.notImplemented()
}

// FindClosestLine returns the smallest sequence point start line at or
// after line among the methods that contain line or follow it.
func (d *Document) FindClosestLine(line int) (int, error) {
	if err := d.reader.checkOpen(); err != nil {
		return 0, err
	}
	mm := d.reader.methodMap()
	closest := math.MaxInt
	for _, extent := range mm.ContainingOrClosestFollowingMethodExtents(d.handle, line) {
		points, err := d.reader.md.SequencePoints(extent.Method)
		if err != nil {
			return 0, recordDecodeError("sequence_points", err)
		}
		for _, sp := range points {
			if sp.IsHidden() || sp.Document != d.handle {
				continue
			}
			if sp.StartLine >= line && sp.StartLine < closest {
				closest = sp.StartLine
			}
		}
	}
	if closest == math.MaxInt {
		return 0, ErrNotFound
	}
	return closest, nil
}
