package pdbtest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"

	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

// TypeName is a namespace qualified type name.
type TypeName struct {
	Namespace string
	Name      string
}

// Assembly describes a managed PE image.
type Assembly struct {
	TypeRefs    []TypeName
	TypeDefs    []TypeName
	Methods     []string
	EmbeddedPDB []byte
	CodeView    *metadata.CodeViewInfo
}

// TypeRefToken returns the token of the i-th (0-based) TypeRef.
func TypeRefToken(i int) uint32 {
	return metadata.MakeToken(metadata.TableTypeRef, uint32(i+1))
}

// TypeDefToken returns the token of the i-th (0-based) TypeDef.
func TypeDefToken(i int) uint32 {
	return metadata.MakeToken(metadata.TableTypeDef, uint32(i+1))
}

const (
	peHeaderOffset   = 0x80
	sectionRVA       = 0x2000
	sectionFileAlign = 0x200
	cliHeaderSize    = 72
	debugEntrySize   = 28
)

// MustBuild builds the image and fails the test on error.
func (a Assembly) MustBuild(t testing.TB) []byte {
	t.Helper()
	data, err := a.Build()
	if err != nil {
		t.Fatalf("failed to build assembly: %v", err)
	}
	return data
}

// Build serializes a minimal PE32+ image with a single section holding the
// CLI header, the metadata and the debug directory.
func (a Assembly) Build() ([]byte, error) {
	im := newImage("v4.0.30319")
	im.addRow(metadata.TableModule, 0, im.addString("test.dll"), im.addGUID(uuid.New()), 0, 0)
	for _, tr := range a.TypeRefs {
		im.addRow(metadata.TableTypeRef, 0, im.addString(tr.Name), im.addString(tr.Namespace))
	}
	for _, td := range a.TypeDefs {
		im.addRow(metadata.TableTypeDef, 0, im.addString(td.Name), im.addString(td.Namespace), 0, 1, 1)
	}
	for _, m := range a.Methods {
		im.addRow(metadata.TableMethodDef, 0, 0, 0, im.addString(m), im.addBlob([]byte{0, 0, 1}), 1)
	}
	md, err := im.build()
	if err != nil {
		return nil, err
	}

	// Section layout: CLI header, metadata, debug directory, debug data.
	var section bytes.Buffer
	le := binary.LittleEndian
	mdOffset := uint32(cliHeaderSize)
	cli := metadata.CLIHeader{
		SizeOfHeader:        cliHeaderSize,
		MajorRuntimeVersion: 2,
		MinorRuntimeVersion: 5,
		MetaData:            pe.DataDirectory{VirtualAddress: sectionRVA + mdOffset, Size: uint32(len(md))},
		Flags:               1,
	}
	_ = binary.Write(&section, le, cli)
	section.Write(md)
	for section.Len()%4 != 0 {
		section.WriteByte(0)
	}

	type debugData struct {
		typ   uint32
		stamp uint32
		data  []byte
	}
	var entries []debugData
	if a.CodeView != nil {
		cv := le.AppendUint32(nil, 0x53445352) // RSDS
		cv = append(cv, metadata.GUIDBytes(a.CodeView.GUID)...)
		cv = le.AppendUint32(cv, a.CodeView.Age)
		cv = append(append(cv, a.CodeView.Path...), 0)
		entries = append(entries, debugData{metadata.DebugTypeCodeView, a.CodeView.Stamp, cv})
	}
	if a.EmbeddedPDB != nil {
		blob, err := compressEmbeddedPDB(a.EmbeddedPDB)
		if err != nil {
			return nil, err
		}
		entries = append(entries, debugData{metadata.DebugTypeEmbeddedPortablePDB, 0, blob})
	}

	debugDirOffset := uint32(section.Len())
	dataOffset := debugDirOffset + uint32(len(entries)*debugEntrySize)
	for _, e := range entries {
		entry := metadata.DebugDirectoryEntry{
			TimeDateStamp:    e.stamp,
			Type:             e.typ,
			SizeOfData:       uint32(len(e.data)),
			AddressOfRawData: sectionRVA + dataOffset,
			PointerToRawData: sectionFileAlign + dataOffset,
		}
		if e.typ == metadata.DebugTypeEmbeddedPortablePDB {
			entry.MajorVersion, entry.MinorVersion = 0x0100, 0x0100
		}
		_ = binary.Write(&section, le, entry)
		dataOffset += uint32(len(e.data))
	}
	for _, e := range entries {
		section.Write(e.data)
	}
	for section.Len()%sectionFileAlign != 0 {
		section.WriteByte(0)
	}

	var oh pe.OptionalHeader64
	oh.Magic = 0x20b
	oh.AddressOfEntryPoint = 0
	oh.ImageBase = 0x180000000
	oh.SectionAlignment = 0x2000
	oh.FileAlignment = sectionFileAlign
	oh.MajorSubsystemVersion = 6
	oh.SizeOfImage = sectionRVA + uint32(section.Len())
	oh.SizeOfHeaders = sectionFileAlign
	oh.Subsystem = 3
	oh.NumberOfRvaAndSizes = 16
	oh.DataDirectory[14] = pe.DataDirectory{VirtualAddress: sectionRVA, Size: cliHeaderSize}
	if len(entries) > 0 {
		oh.DataDirectory[6] = pe.DataDirectory{
			VirtualAddress: sectionRVA + debugDirOffset,
			Size:           uint32(len(entries) * debugEntrySize),
		}
	}

	var img bytes.Buffer
	dos := make([]byte, peHeaderOffset)
	dos[0], dos[1] = 'M', 'Z'
	le.PutUint32(dos[0x3c:], peHeaderOffset)
	img.Write(dos)
	img.WriteString("PE\x00\x00")
	_ = binary.Write(&img, le, pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(binary.Size(oh)),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_DLL,
	})
	_ = binary.Write(&img, le, oh)
	_ = binary.Write(&img, le, pe.SectionHeader32{
		Name:             [8]uint8{'.', 't', 'e', 'x', 't'},
		VirtualSize:      uint32(section.Len()),
		VirtualAddress:   sectionRVA,
		SizeOfRawData:    uint32(section.Len()),
		PointerToRawData: sectionFileAlign,
		Characteristics:  pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_READ,
	})
	img.Write(make([]byte, sectionFileAlign-img.Len()))
	img.Write(section.Bytes())
	return img.Bytes(), nil
}

// compressEmbeddedPDB builds the "MPDB" debug directory blob for an image:
// signature, uncompressed size and a raw deflate stream.
func compressEmbeddedPDB(image []byte) ([]byte, error) {
	var buf bytes.Buffer
	hdr := binary.LittleEndian.AppendUint32(nil, 0x4244504D)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(image)))
	buf.Write(hdr)

	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(image); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
