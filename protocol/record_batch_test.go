package protocol

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"
)

// Reference batch produced by a Java client: one record with value
// "def", producer id 1, base sequence 1, no compression.
var sampleBatchBytes = []byte{
	0, 0, 0, 0, 0, 0, 0, 0, // base offset
	0, 0, 0, 59, // batch length
	255, 255, 255, 255, // partition leader epoch
	2,               // magic
	67, 41, 231, 61, // crc
	0, 0, // attributes
	0, 0, 0, 0, // last offset delta
	0, 0, 1, 141, 116, 152, 137, 53, // base timestamp
	0, 0, 1, 141, 116, 152, 137, 53, // max timestamp
	0, 0, 0, 0, 0, 0, 0, 1, // producer id
	0, 0, // producer epoch
	0, 0, 0, 1, // base sequence
	0, 0, 0, 1, // record count
	18, 0, 0, 0, 1, 6, 100, 101, 102, 0, // record
}

func sampleBatch() *RecordBatch {
	return &RecordBatch{
		BaseOffset:           0,
		PartitionLeaderEpoch: -1,
		Attributes:           0,
		LastOffsetDelta:      0,
		BaseTimestamp:        1707058170165,
		MaxTimestamp:         1707058170165,
		ProducerID:           1,
		ProducerEpoch:        0,
		BaseSequence:         1,
		Records:              []Record{{Value: []byte("def")}},
	}
}

func TestRecordBatchEncode(t *testing.T) {
	raw, err := sampleBatch().Encode()
	require.NoError(t, err)
	require.Equal(t, sampleBatchBytes, raw)
}

func TestRecordBatchDecode(t *testing.T) {
	var b RecordBatch
	n, err := b.Decode(sampleBatchBytes)
	require.NoError(t, err)
	require.Equal(t, len(sampleBatchBytes), n)
	require.Equal(t, int64(0), b.BaseOffset)
	require.Equal(t, int32(-1), b.PartitionLeaderEpoch)
	require.Equal(t, int64(1707058170165), b.BaseTimestamp)
	require.Equal(t, int64(1), b.ProducerID)
	require.Equal(t, int32(1), b.BaseSequence)
	require.Len(t, b.Records, 1)
	require.Nil(t, b.Records[0].Key)
	require.Equal(t, []byte("def"), b.Records[0].Value)
	require.False(t, b.IsTransactional())
	require.False(t, b.IsControl())
}

func TestRecordBatchDecodeCorrupt(t *testing.T) {
	raw := make([]byte, len(sampleBatchBytes))
	copy(raw, sampleBatchBytes)
	raw[len(raw)-3] ^= 0xff // flip a byte covered by the checksum

	var b RecordBatch
	_, err := b.Decode(raw)
	require.Error(t, err)
	perr, ok := err.(Error)
	require.True(t, ok)
	require.Equal(t, ErrCorruptMessage.Code(), perr.Code())
}

func TestRecordBatchDecodeBadMagic(t *testing.T) {
	raw := make([]byte, len(sampleBatchBytes))
	copy(raw, sampleBatchBytes)
	raw[16] = 1

	var b RecordBatch
	_, err := b.Decode(raw)
	require.Error(t, err)
	perr, ok := err.(Error)
	require.True(t, ok)
	require.Equal(t, ErrCorruptMessage.Code(), perr.Code())
}

func TestRecordBatchNegativeLength(t *testing.T) {
	// A length field smaller than the header itself must be rejected
	// before any size arithmetic slices the buffer.
	raw := make([]byte, len(sampleBatchBytes))
	copy(raw, sampleBatchBytes)
	negLen := int32(-100)
	Encoding.PutUint32(raw[8:], uint32(negLen))

	_, err := PeekRecordBatchHeader(raw)
	require.Error(t, err)
	perr, ok := err.(Error)
	require.True(t, ok)
	require.Equal(t, ErrCorruptMessage.Code(), perr.Code())

	_, err = CheckRecordBatch(raw)
	require.Error(t, err)

	var b RecordBatch
	_, err = b.Decode(raw)
	require.Error(t, err)

	_, err = DecodeRecordBatches(raw)
	require.Error(t, err)

	// Zero is just as dishonest as negative.
	Encoding.PutUint32(raw[8:], 0)
	_, err = CheckRecordBatch(raw)
	require.Error(t, err)
}

func TestRecordBatchOverstatedCount(t *testing.T) {
	// The record count is attacker-controlled; it must be checked against
	// the payload before the record slice is allocated.
	raw := make([]byte, len(sampleBatchBytes))
	copy(raw, sampleBatchBytes)
	Encoding.PutUint32(raw[57:], uint32(1<<31-1))
	Encoding.PutUint32(raw[17:], crc32.Checksum(raw[21:], castagnoli))

	var b RecordBatch
	_, err := b.Decode(raw)
	require.Error(t, err)
	perr, ok := err.(Error)
	require.True(t, ok)
	require.Equal(t, ErrCorruptMessage.Code(), perr.Code())
}

func TestRecordBatchSequences(t *testing.T) {
	b := sampleBatch()
	b.LastOffsetDelta = 4
	b.BaseSequence = 10
	require.Equal(t, int64(4), b.LastOffset())
	require.Equal(t, int32(14), b.LastSequence())

	b.BaseSequence = -1
	require.Equal(t, int32(-1), b.LastSequence())
}

func TestRecordBatchCompression(t *testing.T) {
	codecs := []struct {
		name  string
		codec int8
	}{
		{"gzip", CompressionGzip},
		{"snappy", CompressionSnappy},
		{"lz4", CompressionLZ4},
		{"zstd", CompressionZstd},
	}
	for _, tt := range codecs {
		t.Run(tt.name, func(t *testing.T) {
			in := sampleBatch()
			in.Attributes = int16(tt.codec)
			in.LastOffsetDelta = 2
			in.Records = []Record{
				{OffsetDelta: 0, Key: []byte("k0"), Value: []byte("aaaaaaaaaaaaaaaaaaaa")},
				{OffsetDelta: 1, TimestampDelta: 5, Value: []byte("bbbbbbbbbbbbbbbbbbbb")},
				{OffsetDelta: 2, TimestampDelta: 9, Value: []byte("cccccccccccccccccccc")},
			}

			raw, err := in.Encode()
			require.NoError(t, err)

			var out RecordBatch
			n, err := out.Decode(raw)
			require.NoError(t, err)
			require.Equal(t, len(raw), n)
			require.Equal(t, tt.codec, out.Compression())
			require.Equal(t, in.Records, out.Records)
		})
	}
}

func TestRecordHeaders(t *testing.T) {
	in := sampleBatch()
	in.Records = []Record{{
		Value: []byte("v"),
		Headers: []Header{
			{Key: "trace", Value: []byte("abc123")},
			{Key: "empty", Value: nil},
		},
	}}

	raw, err := in.Encode()
	require.NoError(t, err)

	var out RecordBatch
	_, err = out.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, in.Records, out.Records)
}

func TestDecodeRecordBatches(t *testing.T) {
	second := sampleBatch()
	second.BaseOffset = 1
	second.Records = []Record{{Value: []byte("ghi")}}
	secondRaw, err := second.Encode()
	require.NoError(t, err)

	raw := append(append([]byte{}, sampleBatchBytes...), secondRaw...)

	batches, err := DecodeRecordBatches(raw)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, int64(0), batches[0].BaseOffset)
	require.Equal(t, int64(1), batches[1].BaseOffset)

	// A truncated batch at the tail is dropped, not an error.
	batches, err = DecodeRecordBatches(raw[:len(raw)-5])
	require.NoError(t, err)
	require.Len(t, batches, 1)
}

func TestStampBatchBaseOffset(t *testing.T) {
	raw := make([]byte, len(sampleBatchBytes))
	copy(raw, sampleBatchBytes)

	require.NoError(t, StampBatchBaseOffset(raw, 42))

	var b RecordBatch
	_, err := b.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, int64(42), b.BaseOffset)
}

func TestControlBatch(t *testing.T) {
	commit := NewControlBatch(7, 2, 1, true, 1707058170165)
	require.True(t, commit.IsControl())
	require.True(t, commit.IsTransactional())
	kind, err := commit.ControlType()
	require.NoError(t, err)
	require.Equal(t, ControlCommit, kind)

	raw, err := commit.Encode()
	require.NoError(t, err)
	var out RecordBatch
	_, err = out.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, int64(7), out.ProducerID)
	require.Equal(t, int16(2), out.ProducerEpoch)
	require.Equal(t, int32(-1), out.BaseSequence)
	kind, err = out.ControlType()
	require.NoError(t, err)
	require.Equal(t, ControlCommit, kind)

	abort := NewControlBatch(7, 2, 1, false, 1707058170165)
	kind, err = abort.ControlType()
	require.NoError(t, err)
	require.Equal(t, ControlAbort, kind)

	_, err = sampleBatch().ControlType()
	require.Error(t, err)
}
