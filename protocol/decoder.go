package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PacketDecoder is the reading half of the codec. Every getter fails with
// ErrInsufficientData when the buffer runs out, which decode paths surface
// as a corrupted frame.
type PacketDecoder interface {
	Bool() (bool, error)
	Int8() (int8, error)
	Int16() (int16, error)
	Int32() (int32, error)
	Int64() (int64, error)
	UInt32() (uint32, error)
	Varint() (int64, error)
	UVarint() (uint64, error)
	ArrayLength() (int, error)
	CompactArrayLength() (int, error)
	Bytes() ([]byte, error)
	NullableBytes() ([]byte, error)
	VarintBytes() ([]byte, error)
	CompactBytes() ([]byte, error)
	String() (string, error)
	NullableString() (*string, error)
	CompactString() (string, error)
	CompactNullableString() (*string, error)
	Int32Array() ([]int32, error)
	Int64Array() ([]int64, error)
	StringArray() ([]string, error)
	TaggedFields() error
	Raw(n int) ([]byte, error)
	Remaining() int
}

// ByteDecoder reads from an in-memory buffer.
type ByteDecoder struct {
	b   []byte
	off int
}

func NewDecoder(b []byte) *ByteDecoder {
	return &ByteDecoder{b: b}
}

func (d *ByteDecoder) Remaining() int {
	return len(d.b) - d.off
}

func (d *ByteDecoder) Bool() (bool, error) {
	v, err := d.Int8()
	return v != 0, err
}

func (d *ByteDecoder) Int8() (int8, error) {
	if d.Remaining() < 1 {
		return 0, ErrInsufficientData
	}
	v := int8(d.b[d.off])
	d.off++
	return v, nil
}

func (d *ByteDecoder) Int16() (int16, error) {
	if d.Remaining() < 2 {
		return 0, ErrInsufficientData
	}
	v := int16(Encoding.Uint16(d.b[d.off:]))
	d.off += 2
	return v, nil
}

func (d *ByteDecoder) Int32() (int32, error) {
	if d.Remaining() < 4 {
		return 0, ErrInsufficientData
	}
	v := int32(Encoding.Uint32(d.b[d.off:]))
	d.off += 4
	return v, nil
}

func (d *ByteDecoder) Int64() (int64, error) {
	if d.Remaining() < 8 {
		return 0, ErrInsufficientData
	}
	v := int64(Encoding.Uint64(d.b[d.off:]))
	d.off += 8
	return v, nil
}

func (d *ByteDecoder) UInt32() (uint32, error) {
	if d.Remaining() < 4 {
		return 0, ErrInsufficientData
	}
	v := Encoding.Uint32(d.b[d.off:])
	d.off += 4
	return v, nil
}

func (d *ByteDecoder) Varint() (int64, error) {
	v, n := binary.Varint(d.b[d.off:])
	if n <= 0 {
		return 0, ErrInsufficientData
	}
	d.off += n
	return v, nil
}

func (d *ByteDecoder) UVarint() (uint64, error) {
	v, n := binary.Uvarint(d.b[d.off:])
	if n <= 0 {
		return 0, ErrInsufficientData
	}
	d.off += n
	return v, nil
}

func (d *ByteDecoder) ArrayLength() (int, error) {
	v, err := d.Int32()
	if err != nil {
		return 0, err
	}
	if int(v) > d.Remaining() {
		return 0, ErrInsufficientData
	}
	return int(v), nil
}

// CompactArrayLength returns -1 for a null array.
func (d *ByteDecoder) CompactArrayLength() (int, error) {
	v, err := d.UVarint()
	if err != nil {
		return 0, err
	}
	n := int(v) - 1
	if n > d.Remaining() {
		return 0, ErrInsufficientData
	}
	return n, nil
}

func (d *ByteDecoder) Bytes() ([]byte, error) {
	n, err := d.Int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.New("protocol: negative length for non-nullable bytes")
	}
	return d.Raw(int(n))
}

func (d *ByteDecoder) NullableBytes() ([]byte, error) {
	n, err := d.Int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	return d.Raw(int(n))
}

func (d *ByteDecoder) VarintBytes() ([]byte, error) {
	n, err := d.Varint()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	return d.Raw(int(n))
}

func (d *ByteDecoder) CompactBytes() ([]byte, error) {
	v, err := d.UVarint()
	if err != nil {
		return nil, err
	}
	n := int(v) - 1
	if n < 0 {
		return nil, nil
	}
	return d.Raw(n)
}

func (d *ByteDecoder) String() (string, error) {
	n, err := d.Int16()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", errors.New("protocol: negative length for non-nullable string")
	}
	return d.str(int(n))
}

func (d *ByteDecoder) NullableString() (*string, error) {
	n, err := d.Int16()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	s, err := d.str(int(n))
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *ByteDecoder) CompactString() (string, error) {
	v, err := d.UVarint()
	if err != nil {
		return "", err
	}
	n := int(v) - 1
	if n < 0 {
		return "", errors.New("protocol: null compact string where not nullable")
	}
	return d.str(n)
}

func (d *ByteDecoder) CompactNullableString() (*string, error) {
	v, err := d.UVarint()
	if err != nil {
		return nil, err
	}
	n := int(v) - 1
	if n < 0 {
		return nil, nil
	}
	s, err := d.str(n)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *ByteDecoder) str(n int) (string, error) {
	raw, err := d.Raw(n)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (d *ByteDecoder) Int32Array() ([]int32, error) {
	n, err := d.ArrayLength()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	out := make([]int32, n)
	for i := range out {
		if out[i], err = d.Int32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *ByteDecoder) Int64Array() ([]int64, error) {
	n, err := d.ArrayLength()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	out := make([]int64, n)
	for i := range out {
		if out[i], err = d.Int64(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *ByteDecoder) StringArray() ([]string, error) {
	n, err := d.ArrayLength()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	out := make([]string, n)
	for i := range out {
		if out[i], err = d.String(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TaggedFields skips a tagged-field section. Unknown tags are ignored, never
// rejected.
func (d *ByteDecoder) TaggedFields() error {
	count, err := d.UVarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		if _, err = d.UVarint(); err != nil { // tag
			return err
		}
		size, err := d.UVarint()
		if err != nil {
			return err
		}
		if _, err = d.Raw(int(size)); err != nil {
			return err
		}
	}
	return nil
}

func (d *ByteDecoder) Raw(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, ErrInsufficientData
	}
	raw := d.b[d.off : d.off+n]
	d.off += n
	return raw, nil
}
