package metadata

import (
	"fmt"
	"strings"
)

// DocumentName decodes a document name blob. The first byte is the
// separator (0 for none), followed by compressed blob handles of the UTF-8
// encoded parts.
func (r *Reader) DocumentName(h BlobHandle) (string, error) {
	if h.IsNil() {
		return "", fmt.Errorf("%w: nil document name", ErrBadFormat)
	}
	br, err := r.BlobReader(h)
	if err != nil {
		return "", err
	}
	sep, err := br.ReadByte()
	if err != nil {
		return "", err
	}
	if sep > 0x7F {
		return "", fmt.Errorf("%w: non-ASCII document name separator 0x%02x", ErrBadFormat, sep)
	}

	var sb strings.Builder
	for part := 0; br.RemainingBytes() > 0; part++ {
		if sep != 0 && part > 0 {
			sb.WriteByte(sep)
		}
		ph, err := br.ReadBlobHandle()
		if err != nil {
			return "", err
		}
		b, err := r.Blob(ph)
		if err != nil {
			return "", err
		}
		sb.Write(b)
	}
	return sb.String(), nil
}

// DocumentFullName returns the decoded name of a document.
func (r *Reader) DocumentFullName(h DocumentHandle) (string, error) {
	doc, err := r.Document(h)
	if err != nil {
		return "", err
	}
	return r.DocumentName(doc.Name)
}

// DocumentFileName returns the last path component of a document name.
// Names containing NUL characters are rejected.
func (r *Reader) DocumentFileName(h DocumentHandle) (string, error) {
	name, err := r.DocumentFullName(h)
	if err != nil {
		return "", err
	}
	if strings.IndexByte(name, 0) >= 0 {
		return "", fmt.Errorf("%w: document %d name contains NUL", ErrBadFormat, h)
	}
	return FileName(name), nil
}

// FileName returns the part of path after the last directory or volume
// separator.
func FileName(path string) string {
	if i := strings.LastIndexAny(path, `/\:`); i >= 0 {
		return path[i+1:]
	}
	return path
}
