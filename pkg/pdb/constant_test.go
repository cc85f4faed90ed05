package pdb

import (
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

type mapImporter map[uint32]string

func (m mapImporter) QualifiedTypeName(token uint32) (string, error) {
	if name, ok := m[token]; ok {
		return name, nil
	}
	return "", fmt.Errorf("%w: unknown token 0x%08x", metadata.ErrBadFormat, token)
}

// typeRef returns the compressed TypeDefOrRefOrSpec encoding of a TypeRef row.
func typeRef(row uint32) []byte {
	coded, _ := metadata.EncodeTypeDefOrRefOrSpec(metadata.MakeToken(metadata.TableTypeRef, row))
	return metadata.AppendCompressedInteger(nil, coded)
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func le32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
func le64(v uint64) []byte { return binary.LittleEndian.AppendUint64(nil, v) }

func TestDecodeConstant_Primitives(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		sig   []byte
		value any
	}{
		{"int32", []byte{0x08, 42, 0, 0, 0}, int32(42)},
		{"bool", []byte{0x02, 1}, int16(1)},
		{"false", []byte{0x02, 0}, int16(0)},
		{"char", []byte{0x03, 'A', 0}, uint16('A')},
		{"sbyte", []byte{0x04, 0xFF}, int16(-1)},
		{"byte", []byte{0x05, 200}, int16(200)},
		{"int16", []byte{0x06, 0xFE, 0xFF}, int16(-2)},
		{"uint16", []byte{0x07, 0xFE, 0xFF}, uint16(0xFFFE)},
		{"uint32", cat([]byte{0x09}, le32(0xFFFFFFFF)), uint32(0xFFFFFFFF)},
		{"int64", cat([]byte{0x0a}, le64(uint64(1)<<40)), int64(1) << 40},
		{"uint64", cat([]byte{0x0b}, le64(math.MaxUint64)), uint64(math.MaxUint64)},
		{"single", cat([]byte{0x0c}, le32(math.Float32bits(1.5))), float32(1.5)},
		{"double", cat([]byte{0x0d}, le64(math.Float64bits(-2.25))), -2.25},
		{"string", []byte{0x0e, 'h', 0, 'i', 0}, "hi"},
		{"empty string", []byte{0x0e}, ""},
		{"null string", []byte{0x0e, 0xFF}, NullReference},
		{"object", []byte{0x1c}, NullReference},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, err := decodeConstant(tc.sig, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.value, c.value)
			assert.Equal(t, tc.sig[:1], c.signature, "signature is the bare type code")
		})
	}
}

func TestDecodeConstant_Int32Signature(t *testing.T) {
	t.Parallel()
	c, err := decodeConstant([]byte{0x08, 0x2A, 0x00, 0x00, 0x00}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(42), c.value)
	assert.Equal(t, []byte{0x08}, c.signature)
}

func TestDecodeConstant_NullStringIsNotEmpty(t *testing.T) {
	t.Parallel()
	c, err := decodeConstant([]byte{0x0e, 0xFF}, nil)
	require.NoError(t, err)
	assert.Equal(t, NullReference, c.value)
	assert.NotEqual(t, "", c.value)
}

func TestDecodeConstant_BadFormat(t *testing.T) {
	t.Parallel()
	cases := map[string][]byte{
		"odd string":         {0x0e, 'a', 0, 'b'},
		"bad null marker":    {0x0e, 0x00},
		"unknown type code":  {0x01},
		"truncated int32":    {0x08, 1, 0},
		"trailing on double": cat([]byte{0x0d}, le64(0), []byte{0x05}),
		"empty":              {},
		"truncated modifier": {0x20},
	}
	for name, sig := range cases {
		_, err := decodeConstant(sig, nil)
		assert.ErrorIs(t, err, metadata.ErrBadFormat, name)
	}
}

func TestDecodeConstant_Modifiers(t *testing.T) {
	t.Parallel()
	sig := cat([]byte{0x20}, typeRef(1), []byte{0x1f}, typeRef(2), []byte{0x08}, le32(7))
	c, err := decodeConstant(sig, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(7), c.value)
	assert.Equal(t, cat([]byte{0x20}, typeRef(1), []byte{0x1f}, typeRef(2), []byte{0x08}), c.signature)
}

func TestDecodeConstant_Enum(t *testing.T) {
	t.Parallel()
	sig := cat([]byte{0x20}, typeRef(1), []byte{0x08}, le32(2), typeRef(3))
	c, err := decodeConstant(sig, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), c.value)
	assert.Equal(t, cat([]byte{0x20}, typeRef(1), []byte{0x11}, typeRef(3)), c.signature)
}

func TestDecodeConstant_ClassAndValueType(t *testing.T) {
	t.Parallel()
	importer := mapImporter{
		0x01000001: "System.Decimal",
		0x01000002: "System.DateTime",
		0x01000003: "System.Guid",
	}

	c, err := decodeConstant(cat([]byte{0x12}, typeRef(3)), nil)
	require.NoError(t, err)
	assert.Equal(t, NullReference, c.value, "a class constant without a value is null")
	assert.Equal(t, cat([]byte{0x12}, typeRef(3)), c.signature)

	decimalSig := cat([]byte{0x11}, typeRef(1), []byte{0x82}, le32(12345), le32(0), le32(0))
	c, err = decodeConstant(decimalSig, importer)
	require.NoError(t, err)
	d, ok := c.value.(Decimal)
	require.True(t, ok)
	assert.Equal(t, Decimal{Lo: 12345, Scale: 2, Negative: true}, d)
	assert.Equal(t, "-123.45", d.String())
	assert.Equal(t, cat([]byte{0x11}, typeRef(1)), c.signature)

	const ticks = int64(630822816000000000)
	c, err = decodeConstant(cat([]byte{0x11}, typeRef(2), le64(uint64(ticks))), importer)
	require.NoError(t, err)
	assert.Equal(t, math.Float64frombits(uint64(ticks)), c.value)

	c, err = decodeConstant(cat([]byte{0x11}, typeRef(3), []byte{1, 2, 3}), importer)
	require.NoError(t, err)
	assert.Nil(t, c.value)

	_, err = decodeConstant(decimalSig, nil)
	assert.ErrorIs(t, err, ErrNotImplemented)

	badScale := cat([]byte{0x11}, typeRef(1), []byte{29}, le32(1), le32(0), le32(0))
	_, err = decodeConstant(badScale, importer)
	assert.ErrorIs(t, err, metadata.ErrBadFormat)
}

func TestDecimal_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "0.005", Decimal{Lo: 5, Scale: 3}.String())
	assert.Equal(t, "42", Decimal{Lo: 42}.String())
	assert.Equal(t, "79228162514264337593543950335", Decimal{Lo: math.MaxUint32, Mid: math.MaxUint32, Hi: math.MaxUint32}.String())
	assert.Equal(t, "-1.0", Decimal{Lo: 10, Scale: 1, Negative: true}.String())
}
