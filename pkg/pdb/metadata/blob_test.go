package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressedInteger_Encodings(t *testing.T) {
	t.Parallel()
	cases := []struct {
		value uint32
		enc   []byte
	}{
		{0x03, []byte{0x03}},
		{0x7F, []byte{0x7F}},
		{0x80, []byte{0x80, 0x80}},
		{0x2E57, []byte{0xAE, 0x57}},
		{0x3FFF, []byte{0xBF, 0xFF}},
		{0x4000, []byte{0xC0, 0x00, 0x40, 0x00}},
		{MaxCompressedInteger, []byte{0xDF, 0xFF, 0xFF, 0xFF}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.enc, AppendCompressedInteger(nil, tc.value), "encode %#x", tc.value)

		got, err := NewBlobReader(tc.enc).ReadCompressedInteger()
		require.NoError(t, err)
		assert.Equal(t, tc.value, got)
	}
}

func TestCompressedSignedInteger_Encodings(t *testing.T) {
	t.Parallel()
	cases := []struct {
		value int32
		enc   []byte
	}{
		{3, []byte{0x06}},
		{-3, []byte{0x7B}},
		{64, []byte{0x80, 0x80}},
		{-64, []byte{0x01}},
		{8192, []byte{0xC0, 0x00, 0x40, 0x00}},
		{-8192, []byte{0x80, 0x01}},
		{MaxSignedCompressed, []byte{0xDF, 0xFF, 0xFF, 0xFE}},
		{MinSignedCompressed, []byte{0xC0, 0x00, 0x00, 0x01}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.enc, AppendCompressedSignedInteger(nil, tc.value), "encode %d", tc.value)

		got, err := NewBlobReader(tc.enc).ReadCompressedSignedInteger()
		require.NoError(t, err)
		assert.Equal(t, tc.value, got)
	}
}

func TestCompressedInteger_InvalidLeadByte(t *testing.T) {
	t.Parallel()
	_, err := NewBlobReader([]byte{0xE0, 0, 0, 0}).ReadCompressedInteger()
	require.ErrorIs(t, err, ErrBadFormat)
}

func TestBlobReader_Truncated(t *testing.T) {
	t.Parallel()
	br := NewBlobReader([]byte{1, 2, 3})
	_, err := br.ReadUint32()
	require.ErrorIs(t, err, ErrBadFormat)
	assert.Equal(t, 0, br.Offset(), "failed read must not consume")

	_, err = NewBlobReader([]byte{0x80}).ReadCompressedInteger()
	require.ErrorIs(t, err, ErrBadFormat)
}

func TestBlobReader_FixedWidth(t *testing.T) {
	t.Parallel()
	br := NewBlobReader([]byte{
		0x01,
		0xFE,
		0x34, 0x12,
		0x78, 0x56, 0x34, 0x12,
		0x00, 0x00, 0x80, 0x3F,
	})
	b, err := br.ReadBoolean()
	require.NoError(t, err)
	assert.True(t, b)

	sb, err := br.ReadSByte()
	require.NoError(t, err)
	assert.Equal(t, int8(-2), sb)

	u16, err := br.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), u16)

	i32, err := br.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(0x12345678), i32)

	f, err := br.ReadSingle()
	require.NoError(t, err)
	assert.Equal(t, float32(1), f)
	assert.Zero(t, br.RemainingBytes())
}

func TestBlobReader_UTF16(t *testing.T) {
	t.Parallel()
	br := NewBlobReader([]byte{'h', 0, 'i', 0, 0x3D, 0xD8, 0x00, 0xDE})
	s, err := br.ReadUTF16(8)
	require.NoError(t, err)
	assert.Equal(t, "hi\U0001F600", s)

	_, err = NewBlobReader([]byte{'h', 0, 'i'}).ReadUTF16(3)
	require.ErrorIs(t, err, ErrBadFormat)
}

func TestBlobReader_TypeToken(t *testing.T) {
	t.Parallel()
	coded, err := EncodeTypeDefOrRefOrSpec(MakeToken(TableTypeRef, 5))
	require.NoError(t, err)
	assert.Equal(t, uint32(5<<2|1), coded)

	token, err := NewBlobReader(AppendCompressedInteger(nil, coded)).ReadTypeToken()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01000005), token)

	_, err = DecodeTypeDefOrRefOrSpec(3)
	require.ErrorIs(t, err, ErrBadFormat)
}
