package pdb

import (
	"fmt"
	"math"
	"math/big"
	"slices"
	"strings"

	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

// NullReference is the value of a constant holding a null reference.
const NullReference int32 = 0

// Decimal is a System.Decimal: a 96-bit integer scaled by a power of ten.
type Decimal struct {
	Lo, Mid, Hi uint32
	Scale       uint8
	Negative    bool
}

const maxDecimalScale = 28

// String formats the decimal in plain notation.
func (d Decimal) String() string {
	v := new(big.Int).SetUint64(uint64(d.Hi))
	v.Lsh(v, 64)
	v.Or(v, new(big.Int).SetUint64(uint64(d.Mid)<<32|uint64(d.Lo)))
	digits := v.String()
	if scale := int(d.Scale); scale > 0 {
		if len(digits) <= scale {
			digits = strings.Repeat("0", scale-len(digits)+1) + digits
		}
		digits = digits[:len(digits)-scale] + "." + digits[len(digits)-scale:]
	}
	if d.Negative {
		return "-" + digits
	}
	return digits
}

func readDecimal(br *metadata.BlobReader) (Decimal, error) {
	b, err := br.ReadByte()
	if err != nil {
		return Decimal{}, err
	}
	d := Decimal{Scale: b & 0x7f, Negative: b&0x80 != 0}
	if d.Scale > maxDecimalScale {
		return Decimal{}, fmt.Errorf("%w: decimal scale %d", metadata.ErrBadFormat, d.Scale)
	}
	for _, p := range []*uint32{&d.Lo, &d.Mid, &d.Hi} {
		if *p, err = br.ReadUint32(); err != nil {
			return Decimal{}, err
		}
	}
	return d, nil
}

// MetadataImporter resolves type tokens of the assembly a PDB describes.
// *metadata.Assembly implements it.
type MetadataImporter interface {
	QualifiedTypeName(token uint32) (string, error)
}

// constantValue is a decoded local constant.
type constantValue struct {
	value     any
	signature []byte
}

// decodeConstant decodes a local constant signature blob, which carries the
// value after the type. It returns the value and the signature without the
// value bytes.
func decodeConstant(sig []byte, importer MetadataImporter) (constantValue, error) {
	br := metadata.NewBlobReader(sig)
	for {
		b, err := br.PeekByte()
		if err != nil {
			return constantValue{}, err
		}
		if !metadata.SignatureTypeCode(b).IsModifier() {
			break
		}
		_, _ = br.ReadByte()
		if _, err := br.ReadTypeToken(); err != nil {
			return constantValue{}, err
		}
	}
	modifiers := sig[:br.Offset()]

	raw, err := br.ReadByte()
	if err != nil {
		return constantValue{}, err
	}
	code := metadata.SignatureTypeCode(raw)

	if code == metadata.TypeCodeClass || code == metadata.TypeCodeValueType {
		token, err := br.ReadTypeToken()
		if err != nil {
			return constantValue{}, err
		}
		c := constantValue{signature: slices.Clone(sig[:br.Offset()])}
		if br.RemainingBytes() == 0 {
			c.value = NullReference
			return c, nil
		}
		if importer == nil {
			return constantValue{}, fmt.Errorf("resolve constant type 0x%08x: %w", token, ErrNotImplemented)
		}
		name, err := importer.QualifiedTypeName(token)
		if err != nil {
			return constantValue{}, fmt.Errorf("resolve constant type 0x%08x: %w", token, err)
		}
		switch name {
		case "System.Decimal":
			if c.value, err = readDecimal(br); err != nil {
				return constantValue{}, err
			}
		case "System.DateTime":
			ticks, err := br.ReadInt64()
			if err != nil {
				return constantValue{}, err
			}
			// Consumers expect the tick count reinterpreted as a double.
			c.value = math.Float64frombits(uint64(ticks))
		}
		return c, nil
	}

	value, isEnum, err := readPrimitive(br, code)
	if err != nil {
		return constantValue{}, err
	}
	if br.RemainingBytes() == 0 {
		return constantValue{value: value, signature: append(slices.Clone(modifiers), raw)}, nil
	}
	if !isEnum {
		return constantValue{}, fmt.Errorf("%w: %d trailing bytes after constant of type %#x",
			metadata.ErrBadFormat, br.RemainingBytes(), raw)
	}

	start := br.Offset()
	if _, err := br.ReadTypeToken(); err != nil {
		return constantValue{}, err
	}
	signature := append(slices.Clone(modifiers), byte(metadata.TypeCodeValueType))
	signature = append(signature, sig[start:br.Offset()]...)
	return constantValue{value: value, signature: signature}, nil
}

// readPrimitive reads a primitive constant value. isEnum reports whether the
// type code can be the underlying type of an enum.
func readPrimitive(br *metadata.BlobReader, code metadata.SignatureTypeCode) (value any, isEnum bool, err error) {
	switch code {
	case metadata.TypeCodeBoolean:
		b, err := br.ReadBoolean()
		if b {
			return int16(1), true, err
		}
		return int16(0), true, err
	case metadata.TypeCodeChar, metadata.TypeCodeUInt16:
		v, err := br.ReadUint16()
		return v, true, err
	case metadata.TypeCodeSByte:
		v, err := br.ReadSByte()
		return int16(v), true, err
	case metadata.TypeCodeByte:
		v, err := br.ReadByte()
		return int16(v), true, err
	case metadata.TypeCodeInt16:
		v, err := br.ReadInt16()
		return v, true, err
	case metadata.TypeCodeInt32:
		v, err := br.ReadInt32()
		return v, true, err
	case metadata.TypeCodeUInt32:
		v, err := br.ReadUint32()
		return v, true, err
	case metadata.TypeCodeInt64:
		v, err := br.ReadInt64()
		return v, true, err
	case metadata.TypeCodeUInt64:
		v, err := br.ReadUint64()
		return v, true, err
	case metadata.TypeCodeSingle:
		v, err := br.ReadSingle()
		return v, false, err
	case metadata.TypeCodeDouble:
		v, err := br.ReadDouble()
		return v, false, err
	case metadata.TypeCodeString:
		switch n := br.RemainingBytes(); {
		case n == 1:
			b, _ := br.ReadByte()
			if b != 0xff {
				return nil, false, fmt.Errorf("%w: string constant marker %#x", metadata.ErrBadFormat, b)
			}
			return NullReference, false, nil
		case n%2 != 0:
			return nil, false, fmt.Errorf("%w: string constant of odd length %d", metadata.ErrBadFormat, n)
		default:
			s, err := br.ReadUTF16(n)
			return s, false, err
		}
	case metadata.TypeCodeObject:
		return NullReference, false, nil
	}
	return nil, false, fmt.Errorf("%w: constant type code %#x", metadata.ErrBadFormat, byte(code))
}

// Constant is a local constant declared in a scope.
type Constant struct {
	reader *Reader
	handle metadata.LocalConstantHandle
}

// Name returns the constant's name.
func (c *Constant) Name() (string, error) {
	if err := c.reader.checkOpen(); err != nil {
		return "", err
	}
	row, err := c.reader.md.LocalConstant(c.handle)
	if err != nil {
		return "", err
	}
	return c.reader.md.String(row.Name)
}

// Value returns the decoded value. Primitive values come back as int16
// (bool, sbyte, byte, int16), uint16 (char, uint16), int32, uint32, int64,
// uint64, float32, float64 or string. NullReference stands for null; a
// DateTime is its tick count reinterpreted as a float64; an unrecognized
// class or value type yields nil.
//
// Decoded values are kept in a bounded LRU cache shared by the reader. A
// value evicted from it is decoded again on the next call, which gives an
// equal result.
func (c *Constant) Value() (any, error) {
	v, err := c.reader.constant(c.handle)
	return v.value, err
}

// Signature returns the constant's type signature without the value.
func (c *Constant) Signature() ([]byte, error) {
	v, err := c.reader.constant(c.handle)
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.signature), nil
}

// hashConstantHandle spreads handles across the cache shards.
func hashConstantHandle(h metadata.LocalConstantHandle) uint32 {
	return uint32(h) * 0x9e3779b1
}

func (r *Reader) constant(h metadata.LocalConstantHandle) (constantValue, error) {
	if err := r.checkOpen(); err != nil {
		return constantValue{}, err
	}
	if v, ok := r.constants.Get(h); ok {
		constantCacheTotal.WithLabelValues("hit").Inc()
		return v, nil
	}
	constantCacheTotal.WithLabelValues("miss").Inc()

	row, err := r.md.LocalConstant(h)
	if err != nil {
		return constantValue{}, recordDecodeError("constant", err)
	}
	sig, err := r.md.Blob(row.Signature)
	if err != nil {
		return constantValue{}, recordDecodeError("constant", err)
	}
	v, err := decodeConstant(sig, r.importer)
	if err != nil {
		return constantValue{}, recordDecodeError("constant", fmt.Errorf("decode constant %d: %w", h, err))
	}
	r.constants.Add(h, v)
	return v, nil
}
