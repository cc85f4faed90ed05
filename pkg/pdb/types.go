// Package pdb reads Portable PDB symbol files and answers debugger symbol
// queries: documents, methods by token or source line, sequence points,
// scopes, locals, constants and async stepping information.
package pdb

// PDBInfo contains basic Portable PDB information.
type PDBInfo struct {
	Path          string `json:"path,omitempty"`
	GUID          string `json:"guid"`
	Stamp         uint32 `json:"stamp"`
	Version       string `json:"version"`
	EntryPoint    uint32 `json:"entry_point,omitempty"`
	Documents     int    `json:"documents"`
	Methods       int    `json:"methods"`
	VisualBasic   bool   `json:"visual_basic"`
	MetadataBytes int    `json:"metadata_bytes"`
}

// DocumentInfo describes a source document.
type DocumentInfo struct {
	Name              string `json:"name"`
	Language          string `json:"language"`
	ChecksumAlgorithm string `json:"checksum_algorithm,omitempty"`
	Checksum          string `json:"checksum,omitempty"`
	Methods           int    `json:"methods"`
}

// SequencePointInfo is a sequence point with its document resolved.
type SequencePointInfo struct {
	Offset      int    `json:"offset"`
	Document    string `json:"document"`
	StartLine   int    `json:"start_line"`
	StartColumn int    `json:"start_column"`
	EndLine     int    `json:"end_line"`
	EndColumn   int    `json:"end_column"`
	Hidden      bool   `json:"hidden,omitempty"`
}

// LocalInfo describes a local variable.
type LocalInfo struct {
	Name       string `json:"name"`
	Slot       int    `json:"slot"`
	Attributes uint16 `json:"attributes,omitempty"`
}

// ConstantInfo describes a local constant.
type ConstantInfo struct {
	Name      string `json:"name"`
	Value     any    `json:"value"`
	Signature string `json:"signature"`
}

// ScopeInfo describes a scope and everything nested in it.
type ScopeInfo struct {
	StartOffset int            `json:"start_offset"`
	EndOffset   int            `json:"end_offset"`
	Locals      []LocalInfo    `json:"locals,omitempty"`
	Constants   []ConstantInfo `json:"constants,omitempty"`
	Children    []ScopeInfo    `json:"children,omitempty"`
}

// AsyncInfo describes the stepping information of an async method.
type AsyncInfo struct {
	KickoffMethod      uint32          `json:"kickoff_method"`
	CatchHandlerOffset int             `json:"catch_handler_offset"`
	Steps              []AsyncStepInfo `json:"steps,omitempty"`
}

// MethodInfo describes a method body.
type MethodInfo struct {
	Token          uint32              `json:"token"`
	SequencePoints []SequencePointInfo `json:"sequence_points,omitempty"`
	RootScope      *ScopeInfo          `json:"root_scope,omitempty"`
	Async          *AsyncInfo          `json:"async,omitempty"`
}

// MethodSummary is a method with its line extent in one document.
type MethodSummary struct {
	Token    uint32 `json:"token"`
	Document string `json:"document"`
	MinLine  int    `json:"min_line"`
	MaxLine  int    `json:"max_line"`
}
