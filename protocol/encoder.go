package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Encoding is the byte order used everywhere on the wire.
var Encoding = binary.BigEndian

// ErrInsufficientData is returned when decoding runs past the end of the buffer.
var ErrInsufficientData = errors.New("protocol: insufficient data to decode packet")

// Encoder is any value that can write itself to a packet.
type Encoder interface {
	Encode(e PacketEncoder) error
}

// VersionedDecoder is any value that can read itself from a packet laid out
// for the given api version.
type VersionedDecoder interface {
	Decode(d PacketDecoder, version int16) error
}

// PushEncoder reserves room for a field whose value depends on bytes written
// after it, e.g. a length prefix.
type PushEncoder interface {
	SaveOffset(in int)
	ReserveSize() int
	Fill(curOffset int, buf []byte) error
}

// PacketEncoder is the writing half of the codec. Fixed-width puts cannot
// fail; variable-width puts report length violations.
type PacketEncoder interface {
	PutBool(in bool)
	PutInt8(in int8)
	PutInt16(in int16)
	PutInt32(in int32)
	PutInt64(in int64)
	PutUInt32(in uint32)
	PutVarint(in int64)
	PutUVarint(in uint64)
	PutArrayLength(in int) error
	PutCompactArrayLength(in int)
	PutRawBytes(in []byte) error
	PutBytes(in []byte) error
	PutNullableBytes(in []byte) error
	PutVarintBytes(in []byte) error
	PutCompactBytes(in []byte) error
	PutString(in string) error
	PutNullableString(in *string) error
	PutCompactString(in string) error
	PutCompactNullableString(in *string) error
	PutStringArray(in []string) error
	PutInt32Array(in []int32) error
	PutInt64Array(in []int64) error
	PutEmptyTaggedFieldArray()
	Push(pe PushEncoder)
	Pop() error
}

// Encode runs a sizing pass then a writing pass and returns the wire bytes.
func Encode(e Encoder) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	var sizer LenEncoder
	if err := e.Encode(&sizer); err != nil {
		return nil, err
	}
	b := make([]byte, sizer.Length)
	enc := NewByteEncoder(b)
	if err := e.Encode(enc); err != nil {
		return nil, err
	}
	return b, nil
}

// LenEncoder computes the encoded size without writing anything.
type LenEncoder struct {
	Length  int
	scratch [binary.MaxVarintLen64]byte
}

func (e *LenEncoder) PutBool(in bool)     { e.Length++ }
func (e *LenEncoder) PutInt8(in int8)     { e.Length++ }
func (e *LenEncoder) PutInt16(in int16)   { e.Length += 2 }
func (e *LenEncoder) PutInt32(in int32)   { e.Length += 4 }
func (e *LenEncoder) PutInt64(in int64)   { e.Length += 8 }
func (e *LenEncoder) PutUInt32(in uint32) { e.Length += 4 }

func (e *LenEncoder) PutVarint(in int64) {
	e.Length += binary.PutVarint(e.scratch[:], in)
}

func (e *LenEncoder) PutUVarint(in uint64) {
	e.Length += binary.PutUvarint(e.scratch[:], in)
}

func (e *LenEncoder) PutArrayLength(in int) error {
	if in > maxArrayLen {
		return errors.Errorf("protocol: array too large: %d", in)
	}
	e.Length += 4
	return nil
}

func (e *LenEncoder) PutCompactArrayLength(in int) {
	e.PutUVarint(uint64(in + 1))
}

func (e *LenEncoder) PutRawBytes(in []byte) error {
	e.Length += len(in)
	return nil
}

func (e *LenEncoder) PutBytes(in []byte) error {
	e.Length += 4 + len(in)
	return nil
}

func (e *LenEncoder) PutNullableBytes(in []byte) error {
	if in == nil {
		e.Length += 4
		return nil
	}
	return e.PutBytes(in)
}

func (e *LenEncoder) PutVarintBytes(in []byte) error {
	if in == nil {
		e.PutVarint(-1)
		return nil
	}
	e.PutVarint(int64(len(in)))
	e.Length += len(in)
	return nil
}

func (e *LenEncoder) PutCompactBytes(in []byte) error {
	e.PutUVarint(uint64(len(in) + 1))
	e.Length += len(in)
	return nil
}

func (e *LenEncoder) PutString(in string) error {
	if len(in) > maxStringLen {
		return errors.Errorf("protocol: string too long: %d", len(in))
	}
	e.Length += 2 + len(in)
	return nil
}

func (e *LenEncoder) PutNullableString(in *string) error {
	if in == nil {
		e.Length += 2
		return nil
	}
	return e.PutString(*in)
}

func (e *LenEncoder) PutCompactString(in string) error {
	e.PutUVarint(uint64(len(in) + 1))
	e.Length += len(in)
	return nil
}

func (e *LenEncoder) PutCompactNullableString(in *string) error {
	if in == nil {
		e.PutUVarint(0)
		return nil
	}
	return e.PutCompactString(*in)
}

func (e *LenEncoder) PutStringArray(in []string) error {
	if err := e.PutArrayLength(len(in)); err != nil {
		return err
	}
	for _, s := range in {
		if err := e.PutString(s); err != nil {
			return err
		}
	}
	return nil
}

func (e *LenEncoder) PutInt32Array(in []int32) error {
	if err := e.PutArrayLength(len(in)); err != nil {
		return err
	}
	e.Length += 4 * len(in)
	return nil
}

func (e *LenEncoder) PutInt64Array(in []int64) error {
	if err := e.PutArrayLength(len(in)); err != nil {
		return err
	}
	e.Length += 8 * len(in)
	return nil
}

func (e *LenEncoder) PutEmptyTaggedFieldArray() {
	e.PutUVarint(0)
}

func (e *LenEncoder) Push(pe PushEncoder) {
	e.Length += pe.ReserveSize()
}

func (e *LenEncoder) Pop() error { return nil }

const (
	maxStringLen = 1<<15 - 1
	maxArrayLen  = 1<<31 - 1
)

// ByteEncoder writes into a preallocated buffer sized by a LenEncoder pass.
type ByteEncoder struct {
	b     []byte
	off   int
	stack []PushEncoder
}

func NewByteEncoder(b []byte) *ByteEncoder {
	return &ByteEncoder{b: b}
}

func (e *ByteEncoder) Bytes() []byte { return e.b }

func (e *ByteEncoder) PutBool(in bool) {
	if in {
		e.b[e.off] = 1
	} else {
		e.b[e.off] = 0
	}
	e.off++
}

func (e *ByteEncoder) PutInt8(in int8) {
	e.b[e.off] = byte(in)
	e.off++
}

func (e *ByteEncoder) PutInt16(in int16) {
	Encoding.PutUint16(e.b[e.off:], uint16(in))
	e.off += 2
}

func (e *ByteEncoder) PutInt32(in int32) {
	Encoding.PutUint32(e.b[e.off:], uint32(in))
	e.off += 4
}

func (e *ByteEncoder) PutInt64(in int64) {
	Encoding.PutUint64(e.b[e.off:], uint64(in))
	e.off += 8
}

func (e *ByteEncoder) PutUInt32(in uint32) {
	Encoding.PutUint32(e.b[e.off:], in)
	e.off += 4
}

func (e *ByteEncoder) PutVarint(in int64) {
	e.off += binary.PutVarint(e.b[e.off:], in)
}

func (e *ByteEncoder) PutUVarint(in uint64) {
	e.off += binary.PutUvarint(e.b[e.off:], in)
}

func (e *ByteEncoder) PutArrayLength(in int) error {
	e.PutInt32(int32(in))
	return nil
}

func (e *ByteEncoder) PutCompactArrayLength(in int) {
	e.PutUVarint(uint64(in + 1))
}

func (e *ByteEncoder) PutRawBytes(in []byte) error {
	copy(e.b[e.off:], in)
	e.off += len(in)
	return nil
}

func (e *ByteEncoder) PutBytes(in []byte) error {
	e.PutInt32(int32(len(in)))
	return e.PutRawBytes(in)
}

func (e *ByteEncoder) PutNullableBytes(in []byte) error {
	if in == nil {
		e.PutInt32(-1)
		return nil
	}
	return e.PutBytes(in)
}

func (e *ByteEncoder) PutVarintBytes(in []byte) error {
	if in == nil {
		e.PutVarint(-1)
		return nil
	}
	e.PutVarint(int64(len(in)))
	return e.PutRawBytes(in)
}

func (e *ByteEncoder) PutCompactBytes(in []byte) error {
	e.PutUVarint(uint64(len(in) + 1))
	return e.PutRawBytes(in)
}

func (e *ByteEncoder) PutString(in string) error {
	if len(in) > maxStringLen {
		return errors.Errorf("protocol: string too long: %d", len(in))
	}
	e.PutInt16(int16(len(in)))
	copy(e.b[e.off:], in)
	e.off += len(in)
	return nil
}

func (e *ByteEncoder) PutNullableString(in *string) error {
	if in == nil {
		e.PutInt16(-1)
		return nil
	}
	return e.PutString(*in)
}

func (e *ByteEncoder) PutCompactString(in string) error {
	e.PutUVarint(uint64(len(in) + 1))
	copy(e.b[e.off:], in)
	e.off += len(in)
	return nil
}

func (e *ByteEncoder) PutCompactNullableString(in *string) error {
	if in == nil {
		e.PutUVarint(0)
		return nil
	}
	return e.PutCompactString(*in)
}

func (e *ByteEncoder) PutStringArray(in []string) error {
	if err := e.PutArrayLength(len(in)); err != nil {
		return err
	}
	for _, s := range in {
		if err := e.PutString(s); err != nil {
			return err
		}
	}
	return nil
}

func (e *ByteEncoder) PutInt32Array(in []int32) error {
	if err := e.PutArrayLength(len(in)); err != nil {
		return err
	}
	for _, v := range in {
		e.PutInt32(v)
	}
	return nil
}

func (e *ByteEncoder) PutInt64Array(in []int64) error {
	if err := e.PutArrayLength(len(in)); err != nil {
		return err
	}
	for _, v := range in {
		e.PutInt64(v)
	}
	return nil
}

func (e *ByteEncoder) PutEmptyTaggedFieldArray() {
	e.PutUVarint(0)
}

func (e *ByteEncoder) Push(pe PushEncoder) {
	pe.SaveOffset(e.off)
	e.off += pe.ReserveSize()
	e.stack = append(e.stack, pe)
}

func (e *ByteEncoder) Pop() error {
	pe := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return pe.Fill(e.off, e.b)
}

// SizeField back-fills a 4-byte big-endian length covering everything written
// between Push and Pop.
type SizeField struct {
	startOffset int
}

func (f *SizeField) SaveOffset(in int) { f.startOffset = in }

func (f *SizeField) ReserveSize() int { return 4 }

func (f *SizeField) Fill(curOffset int, buf []byte) error {
	Encoding.PutUint32(buf[f.startOffset:], uint32(curOffset-f.startOffset-4))
	return nil
}
