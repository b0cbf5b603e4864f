package brokkr

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/brokkr-mq/brokkr/protocol"
	"github.com/brokkr-mq/brokkr/storage"
)

func testPartitionLog(t *testing.T, cfg PartitionConfig) (*PartitionLog, *storage.Memory) {
	t.Helper()
	backend := storage.NewMemory()
	if cfg.Topic == "" {
		cfg.Topic = "events"
	}
	l, err := NewPartitionLog(backend, cfg)
	require.NoError(t, err)
	return l, backend
}

// txnBatch builds a transactional data batch for the given producer.
func txnBatch(t *testing.T, pid int64, epoch int16, seq int32, values ...string) []byte {
	t.Helper()
	now := time.Now().UnixMilli()
	records := make([]protocol.Record, len(values))
	for i, v := range values {
		records[i] = protocol.Record{
			OffsetDelta: int64(i),
			Value:       []byte(v),
		}
	}
	batch := &protocol.RecordBatch{
		Attributes:      0x10,
		LastOffsetDelta: int32(len(values) - 1),
		BaseTimestamp:   now,
		MaxTimestamp:    now,
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		BaseSequence:    seq,
		Records:         records,
	}
	frame, err := batch.Encode()
	require.NoError(t, err)
	return frame
}

// timedBatch builds a batch whose timestamps are pinned to ts.
func timedBatch(t *testing.T, ts int64, values ...string) []byte {
	t.Helper()
	records := make([]protocol.Record, len(values))
	for i, v := range values {
		records[i] = protocol.Record{
			OffsetDelta: int64(i),
			Value:       []byte(v),
		}
	}
	batch := &protocol.RecordBatch{
		LastOffsetDelta: int32(len(values) - 1),
		BaseTimestamp:   ts,
		MaxTimestamp:    ts,
		ProducerID:      -1,
		ProducerEpoch:   -1,
		BaseSequence:    -1,
		Records:         records,
	}
	frame, err := batch.Encode()
	require.NoError(t, err)
	return frame
}

func TestPartitionLogAppendFetch(t *testing.T) {
	l, _ := testPartitionLog(t, PartitionConfig{})
	defer l.Close()
	ctx := context.Background()

	base, perr := l.Append(ctx, newTestBatch(t, -1, -1, -1, "a", "b"))
	require.Equal(t, protocol.ErrNone, perr)
	require.Equal(t, int64(0), base)

	base, perr = l.Append(ctx, newTestBatch(t, -1, -1, -1, "c"))
	require.Equal(t, protocol.ErrNone, perr)
	require.Equal(t, int64(2), base)
	require.Equal(t, int64(3), l.NewestOffset())
	require.Equal(t, int64(3), l.HighWatermark())

	res, perr := l.Fetch(ctx, 0, 1, 1024*1024, 0, false)
	require.Equal(t, protocol.ErrNone, perr)
	require.Equal(t, int64(3), res.HighWatermark)
	batches, err := protocol.DecodeRecordBatches(res.RecordSet)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, int64(0), batches[0].BaseOffset)
	require.Equal(t, int64(2), batches[1].BaseOffset)
	require.Equal(t, []byte("c"), batches[1].Records[0].Value)

	// A fetch from the middle only returns later frames.
	res, perr = l.Fetch(ctx, 2, 1, 1024*1024, 0, false)
	require.Equal(t, protocol.ErrNone, perr)
	batches, err = protocol.DecodeRecordBatches(res.RecordSet)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, int64(2), batches[0].BaseOffset)
}

func TestPartitionLogAppendRejects(t *testing.T) {
	l, _ := testPartitionLog(t, PartitionConfig{MaxMessageBytes: 128})
	defer l.Close()
	ctx := context.Background()

	frame := newTestBatch(t, -1, -1, -1, "x")
	frame[len(frame)-1] ^= 0xff
	_, perr := l.Append(ctx, frame)
	require.Equal(t, protocol.ErrCorruptMessage.Code(), perr.Code())

	big := newTestBatch(t, -1, -1, -1, string(make([]byte, 256)))
	_, perr = l.Append(ctx, big)
	require.Equal(t, protocol.ErrMessageTooLarge.Code(), perr.Code())

	require.Equal(t, int64(0), l.NewestOffset())
}

func TestPartitionLogIdempotentProducer(t *testing.T) {
	l, _ := testPartitionLog(t, PartitionConfig{})
	defer l.Close()
	ctx := context.Background()

	base, perr := l.Append(ctx, newTestBatch(t, 9, 0, 0, "a", "b"))
	require.Equal(t, protocol.ErrNone, perr)
	require.Equal(t, int64(0), base)

	// A retry of the same sequence span answers with the original offset
	// and appends nothing.
	base, perr = l.Append(ctx, newTestBatch(t, 9, 0, 0, "a", "b"))
	require.Equal(t, protocol.ErrNone, perr)
	require.Equal(t, int64(0), base)
	require.Equal(t, int64(2), l.NewestOffset())

	// A gap in the sequence means a lost batch.
	_, perr = l.Append(ctx, newTestBatch(t, 9, 0, 5, "e"))
	require.Equal(t, protocol.ErrOutOfOrderSequenceNumber.Code(), perr.Code())

	base, perr = l.Append(ctx, newTestBatch(t, 9, 0, 2, "c"))
	require.Equal(t, protocol.ErrNone, perr)
	require.Equal(t, int64(2), base)

	// A bumped epoch restarts sequencing at zero and fences the old one.
	_, perr = l.Append(ctx, newTestBatch(t, 9, 1, 4, "x"))
	require.Equal(t, protocol.ErrOutOfOrderSequenceNumber.Code(), perr.Code())
	_, perr = l.Append(ctx, newTestBatch(t, 9, 1, 0, "x"))
	require.Equal(t, protocol.ErrNone, perr)
	_, perr = l.Append(ctx, newTestBatch(t, 9, 0, 1, "stale"))
	require.Equal(t, protocol.ErrInvalidProducerEpoch.Code(), perr.Code())
}

func TestPartitionLogFetchWaits(t *testing.T) {
	l, _ := testPartitionLog(t, PartitionConfig{})
	defer l.Close()
	ctx := context.Background()

	// Nothing to read and no patience: an empty result, not an error.
	res, perr := l.Fetch(ctx, 0, 1, 1024*1024, 0, false)
	require.Equal(t, protocol.ErrNone, perr)
	require.Empty(t, res.RecordSet)
	require.Equal(t, int64(0), res.HighWatermark)

	type out struct {
		res  *FetchResult
		perr protocol.Error
	}
	done := make(chan out, 1)
	start := time.Now()
	go func() {
		res, perr := l.Fetch(ctx, 0, 1, 1024*1024, 5*time.Second, false)
		done <- out{res, perr}
	}()

	time.Sleep(100 * time.Millisecond)
	_, perr = l.Append(ctx, newTestBatch(t, -1, -1, -1, "wake"))
	require.Equal(t, protocol.ErrNone, perr)

	select {
	case o := <-done:
		require.Equal(t, protocol.ErrNone, o.perr)
		require.True(t, time.Since(start) < 2*time.Second, "fetch must release on append")
		batches, err := protocol.DecodeRecordBatches(o.res.RecordSet)
		require.NoError(t, err)
		require.Len(t, batches, 1)
		require.Equal(t, []byte("wake"), batches[0].Records[0].Value)
	case <-time.After(3 * time.Second):
		t.Fatal("fetch never released")
	}

	// Cancelling the caller's context releases a parked fetch.
	cctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, perr = l.Fetch(cctx, l.NewestOffset(), 1, 1024*1024, 5*time.Second, false)
	require.Equal(t, protocol.ErrRequestTimedOut.Code(), perr.Code())
}

func TestPartitionLogFetchMinBytes(t *testing.T) {
	l, _ := testPartitionLog(t, PartitionConfig{})
	defer l.Close()
	ctx := context.Background()

	first := newTestBatch(t, -1, -1, -1, "a")
	_, perr := l.Append(ctx, first)
	require.Equal(t, protocol.ErrNone, perr)

	// One batch is readable but below minBytes: the fetch holds for the
	// full wait and then returns what there is.
	start := time.Now()
	res, perr := l.Fetch(ctx, 0, int32(len(first))+1, 1024*1024, 250*time.Millisecond, false)
	require.Equal(t, protocol.ErrNone, perr)
	require.True(t, time.Since(start) >= 200*time.Millisecond, "fetch must wait out minBytes")
	batches, err := protocol.DecodeRecordBatches(res.RecordSet)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	// A second append pushes the readable bytes past minBytes and
	// releases a parked fetch early.
	second := newTestBatch(t, -1, -1, -1, "b")
	type out struct {
		res  *FetchResult
		perr protocol.Error
	}
	done := make(chan out, 1)
	start = time.Now()
	go func() {
		res, perr := l.Fetch(ctx, 0, int32(len(first)+len(second)), 1024*1024, 5*time.Second, false)
		done <- out{res, perr}
	}()

	time.Sleep(100 * time.Millisecond)
	_, perr = l.Append(ctx, second)
	require.Equal(t, protocol.ErrNone, perr)

	select {
	case o := <-done:
		require.Equal(t, protocol.ErrNone, o.perr)
		require.True(t, time.Since(start) < 2*time.Second, "fetch must release once minBytes arrive")
		batches, err := protocol.DecodeRecordBatches(o.res.RecordSet)
		require.NoError(t, err)
		require.Len(t, batches, 2)
		require.Equal(t, []byte("b"), batches[1].Records[0].Value)
	case <-time.After(3 * time.Second):
		t.Fatal("fetch never released")
	}

	// minBytes never outranks maxBytes: a fetch capped below minBytes
	// returns immediately with what fits.
	start = time.Now()
	res, perr = l.Fetch(ctx, 0, 1<<20, int32(len(first)), 250*time.Millisecond, false)
	require.Equal(t, protocol.ErrNone, perr)
	require.True(t, time.Since(start) < 200*time.Millisecond, "maxBytes-capped fetch must not wait")
	require.NotEmpty(t, res.RecordSet)
}

func TestPartitionLogFetchOutOfRange(t *testing.T) {
	l, _ := testPartitionLog(t, PartitionConfig{})
	defer l.Close()
	ctx := context.Background()

	_, perr := l.Fetch(ctx, 5, 1, 1024*1024, 0, false)
	require.Equal(t, protocol.ErrOffsetOutOfRange.Code(), perr.Code())

	for i := 0; i < 3; i++ {
		_, perr := l.Append(ctx, newTestBatch(t, -1, -1, -1, "v"))
		require.Equal(t, protocol.ErrNone, perr)
	}
	require.NoError(t, l.Truncate(2))
	require.Equal(t, int64(2), l.OldestOffset())

	_, perr = l.Fetch(ctx, 0, 1, 1024*1024, 0, false)
	require.Equal(t, protocol.ErrOffsetOutOfRange.Code(), perr.Code())

	res, perr := l.Fetch(ctx, 2, 1, 1024*1024, 0, false)
	require.Equal(t, protocol.ErrNone, perr)
	batches, err := protocol.DecodeRecordBatches(res.RecordSet)
	require.NoError(t, err)
	require.Len(t, batches, 1)
}

func TestPartitionLogReadCommitted(t *testing.T) {
	l, _ := testPartitionLog(t, PartitionConfig{})
	defer l.Close()
	ctx := context.Background()

	// An open transaction holds the last stable offset at its first frame.
	base, perr := l.Append(ctx, txnBatch(t, 7, 0, 0, "t1", "t2"))
	require.Equal(t, protocol.ErrNone, perr)
	require.Equal(t, int64(0), base)
	_, perr = l.Append(ctx, newTestBatch(t, -1, -1, -1, "plain"))
	require.Equal(t, protocol.ErrNone, perr)
	require.Equal(t, int64(0), l.LastStableOffset())

	res, perr := l.Fetch(ctx, 0, 1, 1024*1024, 0, true)
	require.Equal(t, protocol.ErrNone, perr)
	require.Empty(t, res.RecordSet)
	require.Equal(t, int64(0), res.LastStableOffset)
	require.Equal(t, int64(3), res.HighWatermark)

	res, perr = l.Fetch(ctx, 0, 1, 1024*1024, 0, false)
	require.Equal(t, protocol.ErrNone, perr)
	batches, err := protocol.DecodeRecordBatches(res.RecordSet)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	// Committing moves the stable offset to the log end.
	marker, err := l.AppendControl(ctx, 7, 0, 1, true)
	require.NoError(t, err)
	require.Equal(t, int64(3), marker)
	require.Equal(t, int64(4), l.LastStableOffset())

	res, perr = l.Fetch(ctx, 0, 1, 1024*1024, 0, true)
	require.Equal(t, protocol.ErrNone, perr)
	batches, err = protocol.DecodeRecordBatches(res.RecordSet)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	require.Empty(t, res.AbortedTransactions)

	// An aborted transaction is filtered by range, not dropped from the log.
	_, perr = l.Append(ctx, txnBatch(t, 8, 0, 0, "dead"))
	require.Equal(t, protocol.ErrNone, perr)
	_, err = l.AppendControl(ctx, 8, 0, 1, false)
	require.NoError(t, err)

	res, perr = l.Fetch(ctx, 0, 1, 1024*1024, 0, true)
	require.Equal(t, protocol.ErrNone, perr)
	require.Len(t, res.AbortedTransactions, 1)
	require.Equal(t, int64(8), res.AbortedTransactions[0].ProducerID)
	require.Equal(t, int64(4), res.AbortedTransactions[0].FirstOffset)
}

func TestPartitionLogOffsetForTimestamp(t *testing.T) {
	l, _ := testPartitionLog(t, PartitionConfig{})
	defer l.Close()
	ctx := context.Background()

	for _, b := range [][]byte{
		timedBatch(t, 1000, "a", "b"),
		timedBatch(t, 2000, "c"),
		timedBatch(t, 3000, "d"),
	} {
		_, perr := l.Append(ctx, b)
		require.Equal(t, protocol.ErrNone, perr)
	}

	off, err := l.OffsetForTimestamp(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(0), off)

	off, err = l.OffsetForTimestamp(ctx, 1500)
	require.NoError(t, err)
	require.Equal(t, int64(2), off)

	off, err = l.OffsetForTimestamp(ctx, 3000)
	require.NoError(t, err)
	require.Equal(t, int64(3), off)

	// Timestamps past every batch resolve to the log end.
	off, err = l.OffsetForTimestamp(ctx, 9999)
	require.NoError(t, err)
	require.Equal(t, int64(4), off)
}

func TestPartitionLogAppendAsFollower(t *testing.T) {
	l, _ := testPartitionLog(t, PartitionConfig{})
	defer l.Close()
	ctx := context.Background()

	require.NoError(t, l.AppendAsFollower(ctx, leaderBatch(t, 0, "a", "b")))

	err := l.AppendAsFollower(ctx, leaderBatch(t, 5, "gap"))
	require.Error(t, err)
	require.True(t, errors.Is(err, storage.ErrNonContiguous))

	require.NoError(t, l.AppendAsFollower(ctx, leaderBatch(t, 2, "c")))
	require.Equal(t, int64(3), l.NewestOffset())
}

func TestPartitionLogRecovery(t *testing.T) {
	backend := storage.NewMemory()
	cfg := PartitionConfig{Topic: "events", Partition: 0}
	ctx := context.Background()

	l, err := NewPartitionLog(backend, cfg)
	require.NoError(t, err)

	_, perr := l.Append(ctx, newTestBatch(t, 9, 0, 0, "a", "b"))
	require.Equal(t, protocol.ErrNone, perr)
	_, perr = l.Append(ctx, txnBatch(t, 8, 0, 0, "dead"))
	require.Equal(t, protocol.ErrNone, perr)
	_, err = l.AppendControl(ctx, 8, 0, 1, false)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// A closed log refuses work.
	_, perr = l.Append(ctx, newTestBatch(t, -1, -1, -1, "late"))
	require.Equal(t, protocol.ErrUnknownTopicOrPartition.Code(), perr.Code())

	// Reopening replays offsets, producer history, and aborted ranges.
	r, err := NewPartitionLog(backend, cfg)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, int64(4), r.NewestOffset())
	require.Equal(t, int64(4), r.LastStableOffset())

	base, perr := r.Append(ctx, newTestBatch(t, 9, 0, 0, "a", "b"))
	require.Equal(t, protocol.ErrNone, perr)
	require.Equal(t, int64(0), base, "retained duplicate must answer with its original offset")
	require.Equal(t, int64(4), r.NewestOffset())

	res, perr := r.Fetch(ctx, 0, 1, 1024*1024, 0, true)
	require.Equal(t, protocol.ErrNone, perr)
	require.Len(t, res.AbortedTransactions, 1)
	require.Equal(t, int64(8), res.AbortedTransactions[0].ProducerID)
}
