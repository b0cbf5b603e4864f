package commitlog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brokkr-mq/brokkr/protocol"
)

func setupLog(t *testing.T, opts Options) (*CommitLog, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "commitlogtest")
	require.NoError(t, err)
	opts.Path = dir
	l, err := New(opts)
	require.NoError(t, err)
	return l, func() {
		l.Delete()
		os.RemoveAll(dir)
	}
}

// stampedBatch builds an encoded batch of n records stamped at base.
func stampedBatch(t *testing.T, base int64, n int) []byte {
	t.Helper()
	records := make([]protocol.Record, n)
	for i := range records {
		records[i] = protocol.Record{
			OffsetDelta: int64(i),
			Value:       []byte("the-value"),
		}
	}
	b := &protocol.RecordBatch{
		ProducerID:      -1,
		ProducerEpoch:   -1,
		BaseSequence:    -1,
		LastOffsetDelta: int32(n - 1),
		Records:         records,
	}
	raw, err := b.Encode()
	require.NoError(t, err)
	require.NoError(t, protocol.StampBatchBaseOffset(raw, base))
	return raw
}

func TestAppendAssignsNothing(t *testing.T) {
	l, teardown := setupLog(t, Options{})
	defer teardown()

	base, err := l.Append(stampedBatch(t, 0, 3))
	require.NoError(t, err)
	require.Equal(t, int64(0), base)
	require.Equal(t, int64(3), l.NewestOffset())
	require.Equal(t, int64(0), l.OldestOffset())

	base, err = l.Append(stampedBatch(t, 3, 2))
	require.NoError(t, err)
	require.Equal(t, int64(3), base)
	require.Equal(t, int64(5), l.NewestOffset())
}

func TestAppendRefusesGaps(t *testing.T) {
	l, teardown := setupLog(t, Options{})
	defer teardown()

	_, err := l.Append(stampedBatch(t, 0, 1))
	require.NoError(t, err)

	_, err = l.Append(stampedBatch(t, 5, 1))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNonContiguous)

	_, err = l.Append(stampedBatch(t, 0, 1))
	require.ErrorIs(t, err, ErrNonContiguous)
}

func TestReadFromMidBatch(t *testing.T) {
	l, teardown := setupLog(t, Options{})
	defer teardown()

	_, err := l.Append(stampedBatch(t, 0, 3))
	require.NoError(t, err)
	_, err = l.Append(stampedBatch(t, 3, 2))
	require.NoError(t, err)

	// Offset 1 sits inside the first batch: the read starts with that
	// whole batch and the consumer skips ahead.
	raw, err := l.ReadFrom(1, 1<<20)
	require.NoError(t, err)
	batches, err := protocol.DecodeRecordBatches(raw)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, int64(0), batches[0].BaseOffset)
	require.Equal(t, int64(3), batches[1].BaseOffset)

	// Offset 3 starts exactly at the second batch.
	raw, err = l.ReadFrom(3, 1<<20)
	require.NoError(t, err)
	batches, err = protocol.DecodeRecordBatches(raw)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, int64(3), batches[0].BaseOffset)

	// Reading at the log end returns nothing.
	raw, err = l.ReadFrom(5, 1<<20)
	require.NoError(t, err)
	require.Empty(t, raw)

	_, err = l.ReadFrom(6, 1<<20)
	require.ErrorIs(t, err, ErrOffsetOutOfRange)
}

func TestReadFromHonorsMaxBytes(t *testing.T) {
	l, teardown := setupLog(t, Options{})
	defer teardown()

	first := stampedBatch(t, 0, 1)
	_, err := l.Append(first)
	require.NoError(t, err)
	_, err = l.Append(stampedBatch(t, 1, 1))
	require.NoError(t, err)

	// A cap smaller than one batch still returns the first batch whole.
	raw, err := l.ReadFrom(0, 1)
	require.NoError(t, err)
	batches, err := protocol.DecodeRecordBatches(raw)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	// A cap that splits the second batch trims it off.
	raw, err = l.ReadFrom(0, int32(len(first)+10))
	require.NoError(t, err)
	batches, err = protocol.DecodeRecordBatches(raw)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, int64(0), batches[0].BaseOffset)
}

func TestRollSegmentsAndReadAcross(t *testing.T) {
	one := stampedBatch(t, 0, 1)
	l, teardown := setupLog(t, Options{MaxSegmentBytes: int64(len(one) + 1)})
	defer teardown()

	for i := int64(0); i < 4; i++ {
		_, err := l.Append(stampedBatch(t, i, 1))
		require.NoError(t, err)
	}
	l.mu.RLock()
	segments := len(l.segments)
	l.mu.RUnlock()
	require.Equal(t, 4, segments)

	raw, err := l.ReadFrom(0, 1<<20)
	require.NoError(t, err)
	batches, err := protocol.DecodeRecordBatches(raw)
	require.NoError(t, err)
	require.Len(t, batches, 4)
	for i, b := range batches {
		require.Equal(t, int64(i), b.BaseOffset)
	}
}

func TestReopenRecovers(t *testing.T) {
	dir, err := os.MkdirTemp("", "commitlogtest")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	one := stampedBatch(t, 0, 2)
	opts := Options{Path: dir, MaxSegmentBytes: int64(len(one) + 1)}
	l, err := New(opts)
	require.NoError(t, err)
	_, err = l.Append(one)
	require.NoError(t, err)
	_, err = l.Append(stampedBatch(t, 2, 2))
	require.NoError(t, err)
	require.NoError(t, l.Flush())
	require.NoError(t, l.Close())

	l, err = New(opts)
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, int64(4), l.NewestOffset())
	require.Equal(t, int64(0), l.OldestOffset())

	_, err = l.Append(stampedBatch(t, 4, 1))
	require.NoError(t, err)

	raw, err := l.ReadFrom(2, 1<<20)
	require.NoError(t, err)
	batches, err := protocol.DecodeRecordBatches(raw)
	require.NoError(t, err)
	require.Len(t, batches, 2)
}

func TestReopenCutsTornTail(t *testing.T) {
	dir, err := os.MkdirTemp("", "commitlogtest")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	opts := Options{Path: dir}
	l, err := New(opts)
	require.NoError(t, err)
	_, err = l.Append(stampedBatch(t, 0, 1))
	require.NoError(t, err)
	whole := l.activeSegment().position
	require.NoError(t, l.Close())

	// Simulate a crash mid-write by tacking on half a frame.
	f, err := os.OpenFile(segmentPath(dir, 0)+logSuffix, os.O_WRONLY|os.O_APPEND, 0666)
	require.NoError(t, err)
	_, err = f.Write(stampedBatch(t, 1, 1)[:20])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, err = New(opts)
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, int64(1), l.NewestOffset())
	require.Equal(t, whole, l.activeSegment().position)

	// The log continues from the recovered end.
	_, err = l.Append(stampedBatch(t, 1, 1))
	require.NoError(t, err)
}

func TestTruncateDropsWholeSegments(t *testing.T) {
	one := stampedBatch(t, 0, 1)
	l, teardown := setupLog(t, Options{MaxSegmentBytes: int64(len(one) + 1)})
	defer teardown()

	for i := int64(0); i < 4; i++ {
		_, err := l.Append(stampedBatch(t, i, 1))
		require.NoError(t, err)
	}
	require.NoError(t, l.Truncate(2))
	require.Equal(t, int64(2), l.OldestOffset())
	require.Equal(t, int64(4), l.NewestOffset())

	_, err := l.ReadFrom(0, 1<<20)
	require.ErrorIs(t, err, ErrOffsetOutOfRange)

	raw, err := l.ReadFrom(2, 1<<20)
	require.NoError(t, err)
	batches, err := protocol.DecodeRecordBatches(raw)
	require.NoError(t, err)
	require.Len(t, batches, 2)
}

func TestMaxLogBytesPrunesOldSegments(t *testing.T) {
	one := stampedBatch(t, 0, 1)
	l, teardown := setupLog(t, Options{
		MaxSegmentBytes: int64(len(one) + 1),
		MaxLogBytes:     int64(2 * len(one)),
	})
	defer teardown()

	for i := int64(0); i < 6; i++ {
		_, err := l.Append(stampedBatch(t, i, 1))
		require.NoError(t, err)
	}
	require.Greater(t, l.OldestOffset(), int64(0))
	require.Equal(t, int64(6), l.NewestOffset())
}
