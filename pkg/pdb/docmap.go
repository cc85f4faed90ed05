package pdb

import (
	"log/slog"
	"strings"

	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

// docEntry is one document that survived indexing.
type docEntry struct {
	handle   metadata.DocumentHandle
	fullName string
	fileName string
}

// DocumentMap indexes documents by their file name, compared without regard
// to case. Documents whose names cannot be decoded are left out.
type DocumentMap struct {
	buckets map[string][]docEntry
	skipped int
}

func newDocumentMap(md *metadata.Reader, logger *slog.Logger) *DocumentMap {
	m := &DocumentMap{
		buckets: make(map[string][]docEntry),
	}
	for _, h := range md.Documents() {
		fullName, err := md.DocumentFullName(h)
		if err == nil {
			if strings.IndexByte(fullName, 0) >= 0 {
				err = metadata.ErrBadFormat
			}
		}
		if err != nil {
			logger.Debug("skipping document with malformed name",
				slog.Uint64("document", uint64(h)),
				slog.String("error", err.Error()))
			m.skipped++
			continue
		}
		fileName := metadata.FileName(fullName)
		key := foldName(fileName)
		m.buckets[key] = append(m.buckets[key], docEntry{
			handle:   h,
			fullName: fullName,
			fileName: fileName,
		})
	}
	return m
}

// TryGetDocument finds the document for fullPath. A lone document with the
// same file name is returned even if its directory differs. Among several
// candidates the precedence is: exact full name, then full name ignoring
// case, then file name with matching case, then the first candidate in
// handle order.
func (m *DocumentMap) TryGetDocument(fullPath string) (metadata.DocumentHandle, bool) {
	fileName := metadata.FileName(fullPath)
	candidates := m.buckets[foldName(fileName)]
	switch len(candidates) {
	case 0:
		return 0, false
	case 1:
		return candidates[0].handle, true
	}

	for _, c := range candidates {
		if c.fullName == fullPath {
			return c.handle, true
		}
	}
	folded := foldName(fullPath)
	for _, c := range candidates {
		if foldName(c.fullName) == folded {
			return c.handle, true
		}
	}
	for _, c := range candidates {
		if c.fileName == fileName {
			return c.handle, true
		}
	}
	return candidates[0].handle, true
}

// foldName maps every rune of s to upper case on its own, so names only
// match when they have the same number of runes ("Straße" is not "STRASSE").
func foldName(s string) string {
	return strings.ToUpper(s)
}

// Len returns the number of indexed documents.
func (m *DocumentMap) Len() int {
	n := 0
	for _, b := range m.buckets {
		n += len(b)
	}
	return n
}
