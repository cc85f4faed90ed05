package metadata

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
)

// ErrNoEmbeddedPDB is returned when an assembly carries no embedded Portable PDB.
var ErrNoEmbeddedPDB = errors.New("no embedded portable PDB")

// PE data directory indexes used here.
const (
	directoryDebug = 6
	directoryCLI   = 14
)

// Debug directory entry types.
const (
	DebugTypeCodeView            = 2
	DebugTypeEmbeddedPortablePDB = 17
)

const (
	codeViewSignature    = 0x53445352 // "RSDS"
	embeddedPDBSignature = 0x4244504D // "MPDB"
	maxEmbeddedPDBSize   = 1 << 30
)

// CLIHeader is the ECMA-335 II.25.3.3 CLI header
type CLIHeader struct {
	SizeOfHeader            uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	MetaData                pe.DataDirectory
	Flags                   uint32
	EntryPointToken         uint32
	Resources               pe.DataDirectory
	StrongNameSignature     pe.DataDirectory
	CodeManagerTable        pe.DataDirectory
	VTableFixups            pe.DataDirectory
	ExportAddressTableJumps pe.DataDirectory
	ManagedNativeHeader     pe.DataDirectory
}

// DebugDirectoryEntry is an IMAGE_DEBUG_DIRECTORY record.
type DebugDirectoryEntry struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// CodeViewInfo is the RSDS record pointing at the PDB of an assembly. Stamp
// comes from the debug directory entry.
type CodeViewInfo struct {
	GUID  uuid.UUID
	Stamp uint32
	Age   uint32
	Path  string
}

// Assembly is a managed PE image together with its metadata.
type Assembly struct {
	*Reader

	data     []byte
	sections []*pe.Section
	cli      CLIHeader
	debug    []DebugDirectoryEntry
}

// OpenAssembly parses a managed PE image.
func OpenAssembly(data []byte) (*Assembly, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PE image: %w", err)
	}
	defer f.Close()

	a := &Assembly{data: data, sections: f.Sections}

	var dirs []pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dirs = oh.DataDirectory[:min(oh.NumberOfRvaAndSizes, 16)]
	case *pe.OptionalHeader64:
		dirs = oh.DataDirectory[:min(oh.NumberOfRvaAndSizes, 16)]
	default:
		return nil, fmt.Errorf("%w: PE image has no optional header", ErrBadFormat)
	}
	if len(dirs) <= directoryCLI || dirs[directoryCLI].VirtualAddress == 0 {
		return nil, fmt.Errorf("%w: PE image is not a managed assembly", ErrBadFormat)
	}

	// Read the data from ECMA-335 II.25.3.3 CLI header
	hdr, err := a.rvaBytes(dirs[directoryCLI])
	if err != nil {
		return nil, fmt.Errorf("failed to locate CLI header: %w", err)
	}
	if err := binary.Read(bytes.NewReader(hdr), binary.LittleEndian, &a.cli); err != nil {
		return nil, fmt.Errorf("failed to read CLI header: %w", err)
	}

	md, err := a.rvaBytes(a.cli.MetaData)
	if err != nil {
		return nil, fmt.Errorf("failed to locate metadata: %w", err)
	}
	if a.Reader, err = NewReader(md); err != nil {
		return nil, err
	}

	if dirs[directoryDebug].VirtualAddress != 0 {
		raw, err := a.rvaBytes(dirs[directoryDebug])
		if err != nil {
			return nil, fmt.Errorf("failed to locate debug directory: %w", err)
		}
		entries := make([]DebugDirectoryEntry, len(raw)/binary.Size(DebugDirectoryEntry{}))
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, entries); err != nil {
			return nil, fmt.Errorf("failed to read debug directory: %w", err)
		}
		a.debug = entries
	}
	return a, nil
}

// rvaBytes finds the section containing the requested data directory and
// returns its bytes.
func (a *Assembly) rvaBytes(dd pe.DataDirectory) ([]byte, error) {
	for _, s := range a.sections {
		if dd.VirtualAddress >= s.VirtualAddress &&
			dd.VirtualAddress+dd.Size <= s.VirtualAddress+s.VirtualSize {
			start := uint64(dd.VirtualAddress-s.VirtualAddress) + uint64(s.Offset)
			end := start + uint64(dd.Size)
			if end > uint64(len(a.data)) {
				break
			}
			return a.data[start:end], nil
		}
	}
	return nil, fmt.Errorf("%w: unable to find section for data at %#x-%#x",
		ErrBadFormat, dd.VirtualAddress, dd.VirtualAddress+dd.Size)
}

func (a *Assembly) entryData(e DebugDirectoryEntry) ([]byte, error) {
	start := uint64(e.PointerToRawData)
	end := start + uint64(e.SizeOfData)
	if end > uint64(len(a.data)) {
		return nil, fmt.Errorf("%w: debug entry data out of range", ErrBadFormat)
	}
	return a.data[start:end], nil
}

// CodeView returns the RSDS records of the assembly.
func (a *Assembly) CodeView() ([]CodeViewInfo, error) {
	var infos []CodeViewInfo
	for _, e := range a.debug {
		if e.Type != DebugTypeCodeView {
			continue
		}
		data, err := a.entryData(e)
		if err != nil {
			return nil, err
		}
		if len(data) < 24 || binary.LittleEndian.Uint32(data) != codeViewSignature {
			return nil, fmt.Errorf("%w: malformed CodeView record", ErrBadFormat)
		}
		infos = append(infos, CodeViewInfo{
			GUID:  GUIDFromBytes(data[4:20]),
			Stamp: e.TimeDateStamp,
			Age:   binary.LittleEndian.Uint32(data[20:]),
			Path:  extractCString(data[24:]),
		})
	}
	return infos, nil
}

// EmbeddedPortablePDB returns the decompressed Portable PDB image stored in
// the debug directory of the assembly.
func (a *Assembly) EmbeddedPortablePDB() ([]byte, error) {
	for _, e := range a.debug {
		if e.Type != DebugTypeEmbeddedPortablePDB {
			continue
		}
		data, err := a.entryData(e)
		if err != nil {
			return nil, err
		}
		return decompressEmbeddedPDB(data)
	}
	return nil, ErrNoEmbeddedPDB
}

// decompressEmbeddedPDB decodes the "MPDB" blob: signature, uncompressed
// size and a raw deflate stream. Memory grows with the inflated output, not
// with the size claimed by the header.
func decompressEmbeddedPDB(data []byte) ([]byte, error) {
	if len(data) < 8 || binary.LittleEndian.Uint32(data) != embeddedPDBSignature {
		return nil, fmt.Errorf("%w: invalid embedded PDB signature", ErrBadFormat)
	}
	size := binary.LittleEndian.Uint32(data[4:])
	if size > maxEmbeddedPDBSize {
		return nil, fmt.Errorf("%w: embedded PDB size %d too large", ErrBadFormat, size)
	}
	fr := flate.NewReader(bytes.NewReader(data[8:]))
	defer fr.Close()

	var out bytes.Buffer
	out.Grow(int(min(uint64(size), uint64(len(data))*4)))
	n, err := out.ReadFrom(io.LimitReader(fr, int64(size)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to inflate embedded PDB: %v", ErrBadFormat, err)
	}
	if n != int64(size) {
		return nil, fmt.Errorf("%w: embedded PDB inflated to %d bytes, header says %d", ErrBadFormat, n, size)
	}
	return out.Bytes(), nil
}
