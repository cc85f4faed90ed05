package metadata

// SignatureTypeCode is an ECMA-335 II.23.1.16 element type.
type SignatureTypeCode byte

const (
	TypeCodeBoolean          SignatureTypeCode = 0x02
	TypeCodeChar             SignatureTypeCode = 0x03
	TypeCodeSByte            SignatureTypeCode = 0x04
	TypeCodeByte             SignatureTypeCode = 0x05
	TypeCodeInt16            SignatureTypeCode = 0x06
	TypeCodeUInt16           SignatureTypeCode = 0x07
	TypeCodeInt32            SignatureTypeCode = 0x08
	TypeCodeUInt32           SignatureTypeCode = 0x09
	TypeCodeInt64            SignatureTypeCode = 0x0a
	TypeCodeUInt64           SignatureTypeCode = 0x0b
	TypeCodeSingle           SignatureTypeCode = 0x0c
	TypeCodeDouble           SignatureTypeCode = 0x0d
	TypeCodeString           SignatureTypeCode = 0x0e
	TypeCodeValueType        SignatureTypeCode = 0x11
	TypeCodeClass            SignatureTypeCode = 0x12
	TypeCodeObject           SignatureTypeCode = 0x1c
	TypeCodeRequiredModifier SignatureTypeCode = 0x1f
	TypeCodeOptionalModifier SignatureTypeCode = 0x20
)

// IsModifier reports whether c introduces a custom modifier.
func (c SignatureTypeCode) IsModifier() bool {
	return c == TypeCodeRequiredModifier || c == TypeCodeOptionalModifier
}

// PeekByte returns the next byte without consuming it.
func (br *BlobReader) PeekByte() (byte, error) {
	b, err := br.ReadByte()
	if err == nil {
		br.offset--
	}
	return b, err
}
