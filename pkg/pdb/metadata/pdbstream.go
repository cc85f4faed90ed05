package metadata

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/google/uuid"
)

// PDBStream is the Portable PDB #Pdb stream.
type PDBStream struct {
	ID                         [20]byte
	EntryPoint                 uint32
	ReferencedTypeSystemTables uint64
	// TypeSystemTableRows holds the row counts of the type system tables of
	// the associated assembly, indexed by table number.
	TypeSystemTableRows [tableCount]uint32
}

// readPDBStream parses the #Pdb stream body.
func readPDBStream(data []byte) (*PDBStream, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("%w: #Pdb stream truncated (%d bytes)", ErrBadFormat, len(data))
	}
	s := &PDBStream{}
	copy(s.ID[:], data[:20])
	s.EntryPoint = binary.LittleEndian.Uint32(data[20:])
	s.ReferencedTypeSystemTables = binary.LittleEndian.Uint64(data[24:])

	need := 32 + 4*bits.OnesCount64(s.ReferencedTypeSystemTables)
	if len(data) < need {
		return nil, fmt.Errorf("%w: #Pdb row counts truncated", ErrBadFormat)
	}
	offset := 32
	for i := 0; i < tableCount; i++ {
		if s.ReferencedTypeSystemTables&(1<<i) == 0 {
			continue
		}
		s.TypeSystemTableRows[i] = binary.LittleEndian.Uint32(data[offset:])
		offset += 4
	}
	return s, nil
}

// GUID returns the first 16 bytes of the PDB id.
func (s *PDBStream) GUID() uuid.UUID {
	return GUIDFromBytes(s.ID[:16])
}

// Stamp returns the last four bytes of the PDB id.
func (s *PDBStream) Stamp() uint32 {
	return binary.LittleEndian.Uint32(s.ID[16:])
}
