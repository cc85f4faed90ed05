package pdb

import (
	"errors"

	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

// Errors returned by the reader. Compare with errors.Is.
var (
	// ErrNotFound reports that the requested document, method or other
	// entity does not exist in the image.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument reports a caller contract violation, such as a
	// document from another reader or a version other than 1.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBadFormat reports malformed data met while decoding. It only fails
	// the call that hit it.
	ErrBadFormat = metadata.ErrBadFormat

	// ErrNotImplemented is returned by operations Portable PDBs do not support.
	ErrNotImplemented = errors.New("not implemented")

	// ErrDisposed is returned by every call made after Close.
	ErrDisposed = errors.New("symbol reader is closed")

	// ErrUnexpected is returned by async queries on a method that is not async.
	ErrUnexpected = errors.New("unexpected call")
)
