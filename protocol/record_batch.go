package protocol

import (
	"hash/crc32"

	"github.com/pkg/errors"
)

// Record batch wire layout (magic 2):
//
//	baseOffset           int64
//	batchLength          int32   bytes after this field
//	partitionLeaderEpoch int32
//	magic                int8
//	crc                  uint32  CRC-32C over attributes..end
//	attributes           int16
//	lastOffsetDelta      int32
//	baseTimestamp        int64
//	maxTimestamp         int64
//	producerId           int64
//	producerEpoch        int16
//	baseSequence         int32
//	recordCount          int32
//	records              compressed per attributes bits 0-2
const (
	// RecordBatchOverhead is the byte length of the batch header, up to and
	// including the record count.
	RecordBatchOverhead = 61

	// batchLength counts everything after the length field itself.
	batchLengthSpan = RecordBatchOverhead - 12
	// crc covers everything from attributes onward.
	crcSpan = RecordBatchOverhead - 21

	magicValue int8 = 2
)

// Attribute bits.
const (
	CompressionNone   int8 = 0
	CompressionGzip   int8 = 1
	CompressionSnappy int8 = 2
	CompressionLZ4    int8 = 3
	CompressionZstd   int8 = 4

	compressionMask   int16 = 0x07
	logAppendTimeMask int16 = 0x08
	transactionalMask int16 = 0x10
	controlMask       int16 = 0x20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Header is a record-level key/value annotation.
type Header struct {
	Key   string
	Value []byte
}

// Record is one entry inside a batch. Deltas are relative to the batch's
// base offset and base timestamp.
type Record struct {
	Attributes     int8
	TimestampDelta int64
	OffsetDelta    int64
	Key            []byte
	Value          []byte
	Headers        []Header
}

// RecordBatch is the inflated form of a magic-2 batch.
type RecordBatch struct {
	BaseOffset           int64
	PartitionLeaderEpoch int32
	Attributes           int16
	LastOffsetDelta      int32
	BaseTimestamp        int64
	MaxTimestamp         int64
	ProducerID           int64
	ProducerEpoch        int16
	BaseSequence         int32
	Records              []Record
}

func (b *RecordBatch) Compression() int8 { return int8(b.Attributes & compressionMask) }

func (b *RecordBatch) IsTransactional() bool { return b.Attributes&transactionalMask != 0 }

func (b *RecordBatch) IsControl() bool { return b.Attributes&controlMask != 0 }

// LastOffset is the offset of the final record in the batch.
func (b *RecordBatch) LastOffset() int64 {
	return b.BaseOffset + int64(b.LastOffsetDelta)
}

// LastSequence is the sequence number of the final record, -1 for
// non-idempotent batches.
func (b *RecordBatch) LastSequence() int32 {
	if b.BaseSequence < 0 {
		return -1
	}
	return b.BaseSequence + b.LastOffsetDelta
}

// Encode renders the batch to wire bytes, stamping length and checksum.
func (b *RecordBatch) Encode() ([]byte, error) {
	records, err := encodeRecords(b.Records)
	if err != nil {
		return nil, err
	}
	if codec := b.Compression(); codec != CompressionNone {
		if records, err = compress(codec, records); err != nil {
			return nil, err
		}
	}

	raw := make([]byte, RecordBatchOverhead+len(records))
	Encoding.PutUint64(raw[0:], uint64(b.BaseOffset))
	Encoding.PutUint32(raw[8:], uint32(batchLengthSpan+len(records)))
	Encoding.PutUint32(raw[12:], uint32(b.PartitionLeaderEpoch))
	raw[16] = byte(magicValue)
	// crc filled below
	Encoding.PutUint16(raw[21:], uint16(b.Attributes))
	Encoding.PutUint32(raw[23:], uint32(b.LastOffsetDelta))
	Encoding.PutUint64(raw[27:], uint64(b.BaseTimestamp))
	Encoding.PutUint64(raw[35:], uint64(b.MaxTimestamp))
	Encoding.PutUint64(raw[43:], uint64(b.ProducerID))
	Encoding.PutUint16(raw[51:], uint16(b.ProducerEpoch))
	Encoding.PutUint32(raw[53:], uint32(b.BaseSequence))
	Encoding.PutUint32(raw[57:], uint32(len(b.Records)))
	copy(raw[RecordBatchOverhead:], records)

	Encoding.PutUint32(raw[17:], crc32.Checksum(raw[21:], castagnoli))
	return raw, nil
}

// Decode parses one batch from the front of raw, verifying magic and
// checksum, and returns the number of bytes consumed.
func (b *RecordBatch) Decode(raw []byte) (int, error) {
	hdr, err := PeekRecordBatchHeader(raw)
	if err != nil {
		return 0, err
	}
	size := 12 + int(hdr.Length)
	if len(raw) < size {
		return 0, ErrInsufficientData
	}
	if hdr.Magic != magicValue {
		return 0, ErrCorruptMessage.WithErr(errors.Errorf("unsupported batch magic %d", hdr.Magic))
	}
	if sum := crc32.Checksum(raw[21:size], castagnoli); sum != hdr.CRC {
		return 0, ErrCorruptMessage.WithErr(errors.Errorf("batch crc mismatch: stored %d computed %d", hdr.CRC, sum))
	}

	b.BaseOffset = hdr.BaseOffset
	b.PartitionLeaderEpoch = hdr.PartitionLeaderEpoch
	b.Attributes = hdr.Attributes
	b.LastOffsetDelta = hdr.LastOffsetDelta
	b.BaseTimestamp = hdr.BaseTimestamp
	b.MaxTimestamp = hdr.MaxTimestamp
	b.ProducerID = hdr.ProducerID
	b.ProducerEpoch = hdr.ProducerEpoch
	b.BaseSequence = hdr.BaseSequence

	records := raw[RecordBatchOverhead:size]
	if codec := b.Compression(); codec != CompressionNone {
		if records, err = decompress(codec, records); err != nil {
			return 0, ErrCorruptMessage.WithErr(err)
		}
	}
	if b.Records, err = decodeRecords(records, int(hdr.RecordCount)); err != nil {
		return 0, err
	}
	return size, nil
}

// DecodeRecordBatches parses every complete batch in raw. A truncated batch
// at the tail is discarded, matching how fetch responses are read.
func DecodeRecordBatches(raw []byte) ([]*RecordBatch, error) {
	var batches []*RecordBatch
	for len(raw) > 0 {
		if len(raw) < 12 {
			break
		}
		size := 12 + int(int32(Encoding.Uint32(raw[8:])))
		if size < RecordBatchOverhead {
			return nil, ErrCorruptMessage.WithErr(errors.Errorf("batch of %d bytes shorter than the batch header", size))
		}
		if len(raw) < size {
			break
		}
		b := new(RecordBatch)
		if _, err := b.Decode(raw[:size]); err != nil {
			return nil, err
		}
		batches = append(batches, b)
		raw = raw[size:]
	}
	return batches, nil
}

// RecordBatchHeader is the fixed-width batch prefix, readable without
// touching the records.
type RecordBatchHeader struct {
	BaseOffset           int64
	Length               int32
	PartitionLeaderEpoch int32
	Magic                int8
	CRC                  uint32
	Attributes           int16
	LastOffsetDelta      int32
	BaseTimestamp        int64
	MaxTimestamp         int64
	ProducerID           int64
	ProducerEpoch        int16
	BaseSequence         int32
	RecordCount          int32
}

func (h *RecordBatchHeader) Compression() int8 { return int8(h.Attributes & compressionMask) }

func (h *RecordBatchHeader) IsTransactional() bool { return h.Attributes&transactionalMask != 0 }

func (h *RecordBatchHeader) IsControl() bool { return h.Attributes&controlMask != 0 }

func (h *RecordBatchHeader) LastOffset() int64 { return h.BaseOffset + int64(h.LastOffsetDelta) }
func (h *RecordBatchHeader) LastSequence() int32 {
	if h.BaseSequence < 0 {
		return -1
	}
	return h.BaseSequence + h.LastOffsetDelta
}

// Size is the full byte length of the batch on the wire.
func (h *RecordBatchHeader) Size() int { return 12 + int(h.Length) }

// PeekRecordBatchHeader reads the batch prefix without validating the
// records.
func PeekRecordBatchHeader(raw []byte) (*RecordBatchHeader, error) {
	if len(raw) < RecordBatchOverhead {
		return nil, ErrInsufficientData
	}
	if length := int32(Encoding.Uint32(raw[8:])); length < batchLengthSpan {
		return nil, ErrCorruptMessage.WithErr(errors.Errorf("batch length %d shorter than the batch header", length))
	}
	return &RecordBatchHeader{
		BaseOffset:           int64(Encoding.Uint64(raw[0:])),
		Length:               int32(Encoding.Uint32(raw[8:])),
		PartitionLeaderEpoch: int32(Encoding.Uint32(raw[12:])),
		Magic:                int8(raw[16]),
		CRC:                  Encoding.Uint32(raw[17:]),
		Attributes:           int16(Encoding.Uint16(raw[21:])),
		LastOffsetDelta:      int32(Encoding.Uint32(raw[23:])),
		BaseTimestamp:        int64(Encoding.Uint64(raw[27:])),
		MaxTimestamp:         int64(Encoding.Uint64(raw[35:])),
		ProducerID:           int64(Encoding.Uint64(raw[43:])),
		ProducerEpoch:        int16(Encoding.Uint16(raw[51:])),
		BaseSequence:         int32(Encoding.Uint32(raw[53:])),
		RecordCount:          int32(Encoding.Uint32(raw[57:])),
	}, nil
}

// CheckRecordBatch verifies that raw holds exactly one complete magic-2
// batch with a valid checksum and returns its header. Records are not
// decoded.
func CheckRecordBatch(raw []byte) (*RecordBatchHeader, error) {
	hdr, err := PeekRecordBatchHeader(raw)
	if err != nil {
		return nil, err
	}
	if hdr.Magic != magicValue {
		return nil, ErrCorruptMessage.WithErr(errors.Errorf("unsupported batch magic %d", hdr.Magic))
	}
	size := hdr.Size()
	if len(raw) < size {
		return nil, ErrInsufficientData
	}
	if sum := crc32.Checksum(raw[21:size], castagnoli); sum != hdr.CRC {
		return nil, ErrCorruptMessage.WithErr(errors.Errorf("batch crc mismatch: stored %d computed %d", hdr.CRC, sum))
	}
	return hdr, nil
}

// StampBatchBaseOffset rewrites the base offset in place after the log
// assigns one. The checksum does not cover the base offset, so no other
// field changes.
func StampBatchBaseOffset(raw []byte, offset int64) error {
	if len(raw) < 8 {
		return ErrInsufficientData
	}
	Encoding.PutUint64(raw[0:], uint64(offset))
	return nil
}

func encodeRecords(records []Record) ([]byte, error) {
	var sizer LenEncoder
	for i := range records {
		if err := records[i].encode(&sizer); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, sizer.Length)
	enc := NewByteEncoder(buf)
	for i := range records {
		if err := records[i].encode(enc); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func decodeRecords(raw []byte, count int) ([]Record, error) {
	if count < 0 {
		return nil, ErrCorruptMessage.WithErr(errors.New("negative record count"))
	}
	// Every record costs at least its length varint plus a body, so a
	// count past the payload size cannot be honest. Checked before the
	// slice is allocated.
	if count > len(raw) {
		return nil, ErrCorruptMessage.WithErr(errors.Errorf("record count %d exceeds %d payload bytes", count, len(raw)))
	}
	d := NewDecoder(raw)
	records := make([]Record, count)
	for i := 0; i < count; i++ {
		if err := records[i].decode(d); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (r *Record) encode(e PacketEncoder) error {
	var sizer LenEncoder
	if err := r.encodeBody(&sizer); err != nil {
		return err
	}
	e.PutVarint(int64(sizer.Length))
	return r.encodeBody(e)
}

func (r *Record) encodeBody(e PacketEncoder) error {
	e.PutInt8(r.Attributes)
	e.PutVarint(r.TimestampDelta)
	e.PutVarint(r.OffsetDelta)
	if err := e.PutVarintBytes(r.Key); err != nil {
		return err
	}
	if err := e.PutVarintBytes(r.Value); err != nil {
		return err
	}
	e.PutVarint(int64(len(r.Headers)))
	for _, h := range r.Headers {
		key := []byte(h.Key)
		if err := e.PutVarintBytes(key); err != nil {
			return err
		}
		if err := e.PutVarintBytes(h.Value); err != nil {
			return err
		}
	}
	return nil
}

func (r *Record) decode(d PacketDecoder) error {
	size, err := d.Varint()
	if err != nil {
		return err
	}
	raw, err := d.Raw(int(size))
	if err != nil {
		return err
	}
	rd := NewDecoder(raw)
	if r.Attributes, err = rd.Int8(); err != nil {
		return err
	}
	if r.TimestampDelta, err = rd.Varint(); err != nil {
		return err
	}
	if r.OffsetDelta, err = rd.Varint(); err != nil {
		return err
	}
	if r.Key, err = rd.VarintBytes(); err != nil {
		return err
	}
	if r.Value, err = rd.VarintBytes(); err != nil {
		return err
	}
	headerCount, err := rd.Varint()
	if err != nil {
		return err
	}
	if headerCount < 0 {
		return ErrCorruptMessage.WithErr(errors.New("negative header count"))
	}
	if headerCount > 0 {
		r.Headers = make([]Header, headerCount)
		for i := range r.Headers {
			key, err := rd.VarintBytes()
			if err != nil {
				return err
			}
			value, err := rd.VarintBytes()
			if err != nil {
				return err
			}
			r.Headers[i] = Header{Key: string(key), Value: value}
		}
	}
	return nil
}

// Control record types.
const (
	ControlAbort  int16 = 0
	ControlCommit int16 = 1
)

// NewControlBatch builds the single-record transaction marker batch written
// to each touched partition when a transaction ends.
func NewControlBatch(producerID int64, producerEpoch int16, coordinatorEpoch int32, commit bool, timestamp int64) *RecordBatch {
	kind := ControlAbort
	if commit {
		kind = ControlCommit
	}
	key := make([]byte, 4)
	Encoding.PutUint16(key[0:], 0) // version
	Encoding.PutUint16(key[2:], uint16(kind))
	value := make([]byte, 6)
	Encoding.PutUint16(value[0:], 0) // version
	Encoding.PutUint32(value[2:], uint32(coordinatorEpoch))
	return &RecordBatch{
		PartitionLeaderEpoch: -1,
		Attributes:           transactionalMask | controlMask,
		LastOffsetDelta:      0,
		BaseTimestamp:        timestamp,
		MaxTimestamp:         timestamp,
		ProducerID:           producerID,
		ProducerEpoch:        producerEpoch,
		BaseSequence:         -1,
		Records:              []Record{{Key: key, Value: value}},
	}
}

// ControlType returns ControlCommit or ControlAbort for a control batch.
func (b *RecordBatch) ControlType() (int16, error) {
	if !b.IsControl() || len(b.Records) == 0 {
		return 0, errors.New("protocol: not a control batch")
	}
	key := b.Records[0].Key
	if len(key) < 4 {
		return 0, ErrCorruptMessage.WithErr(errors.New("short control record key"))
	}
	return int16(Encoding.Uint16(key[2:])), nil
}
