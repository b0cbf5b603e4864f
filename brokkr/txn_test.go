package brokkr

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/brokkr-mq/brokkr/brokkr/structs"
	"github.com/brokkr-mq/brokkr/protocol"
)

type txnMarker struct {
	topic     string
	partition int32
	pid       int64
	epoch     int16
	commit    bool
}

// txnHarness backs a coordinator with an in-memory row table and
// recording marker/offset sinks.
type txnHarness struct {
	mu         sync.Mutex
	rows       map[string]structs.Transaction
	nextPID    int64
	markers    []txnMarker
	offsets    []structs.StagedOffset
	markerErrs int
}

func newTxnHarness() (*txnCoordinator, *txnHarness) {
	h := &txnHarness{
		rows:    make(map[string]structs.Transaction),
		nextPID: 4000,
	}
	c := newTxnCoordinator(1)
	c.save = func(txn structs.Transaction) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.rows[txn.ID] = txn
		return nil
	}
	c.fetchTxn = func(id string) (*structs.Transaction, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		row, ok := h.rows[id]
		if !ok {
			return nil, nil
		}
		return &row, nil
	}
	c.fetchTxns = func() ([]*structs.Transaction, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		var rows []*structs.Transaction
		for id := range h.rows {
			row := h.rows[id]
			rows = append(rows, &row)
		}
		return rows, nil
	}
	c.allocProducerID = func() (int64, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		pid := h.nextPID
		h.nextPID++
		return pid, nil
	}
	c.writeMarker = func(ctx context.Context, topic string, partition int32, pid int64, epoch int16, commit bool) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.markerErrs > 0 {
			h.markerErrs--
			return errors.New("partition leader moved")
		}
		h.markers = append(h.markers, txnMarker{topic, partition, pid, epoch, commit})
		return nil
	}
	c.commitOffset = func(ctx context.Context, so structs.StagedOffset) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.offsets = append(h.offsets, so)
		return nil
	}
	return c, h
}

func (h *txnHarness) row(t *testing.T, id string) structs.Transaction {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	row, ok := h.rows[id]
	require.True(t, ok, "no transaction row for %q", id)
	return row
}

func (h *txnHarness) seed(txn structs.Transaction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows[txn.ID] = txn
}

func (h *txnHarness) recorded() ([]txnMarker, []structs.StagedOffset) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]txnMarker(nil), h.markers...), append([]structs.StagedOffset(nil), h.offsets...)
}

func initTxn(t *testing.T, c *txnCoordinator, id string) (int64, int16) {
	t.Helper()
	res := c.initProducerID(context.Background(), &protocol.InitProducerIDRequest{
		TransactionalID:    &id,
		TransactionTimeout: time.Minute,
	})
	require.Equal(t, protocol.ErrNone.Code(), res.ErrorCode)
	return res.ProducerID, res.ProducerEpoch
}

func addTxnPartitions(t *testing.T, c *txnCoordinator, id string, pid int64, epoch int16, topic string, partitions ...int32) {
	t.Helper()
	res := c.addPartitions(&protocol.AddPartitionsToTxnRequest{
		TransactionalID: id,
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		Topics:          []protocol.AddPartitionsToTxnTopic{{Topic: topic, Partitions: partitions}},
	})
	require.Len(t, res.Results, 1)
	for _, pr := range res.Results[0].PartitionResults {
		require.Equal(t, protocol.ErrNone.Code(), pr.ErrorCode)
	}
}

func TestTxnInitProducerID(t *testing.T) {
	c, h := newTxnHarness()

	// Idempotent-only producers get an id without a durable row.
	res := c.initProducerID(context.Background(), &protocol.InitProducerIDRequest{})
	require.Equal(t, protocol.ErrNone.Code(), res.ErrorCode)
	require.Equal(t, int64(4000), res.ProducerID)
	require.Equal(t, int16(0), res.ProducerEpoch)

	empty := ""
	res = c.initProducerID(context.Background(), &protocol.InitProducerIDRequest{TransactionalID: &empty})
	require.Equal(t, protocol.ErrNone.Code(), res.ErrorCode)
	require.Equal(t, int64(4001), res.ProducerID)

	id := "payments"
	for _, timeout := range []time.Duration{0, -time.Second, maxTransactionTimeout + time.Second} {
		res = c.initProducerID(context.Background(), &protocol.InitProducerIDRequest{
			TransactionalID:    &id,
			TransactionTimeout: timeout,
		})
		require.Equal(t, protocol.ErrInvalidTransactionTimeout.Code(), res.ErrorCode)
	}

	pid, epoch := initTxn(t, c, id)
	require.Equal(t, int64(4002), pid)
	require.Equal(t, int16(0), epoch)
	row := h.row(t, id)
	require.Equal(t, structs.TxnStateEmpty, row.State)
	require.Equal(t, time.Minute, row.Timeout)

	// A second init of the same id keeps the producer id and fences the
	// old epoch.
	pid2, epoch2 := initTxn(t, c, id)
	require.Equal(t, pid, pid2)
	require.Equal(t, int16(1), epoch2)
}

func TestTxnInitEpochExhaustion(t *testing.T) {
	c, h := newTxnHarness()

	h.seed(structs.Transaction{
		ID:            "worn",
		ProducerID:    77,
		ProducerEpoch: math.MaxInt16,
		Timeout:       time.Minute,
		State:         structs.TxnStateEmpty,
	})

	pid, epoch := initTxn(t, c, "worn")
	require.NotEqual(t, int64(77), pid)
	require.Equal(t, int16(0), epoch)
}

func TestTxnInitFencesOngoing(t *testing.T) {
	c, h := newTxnHarness()

	id := "orders-loader"
	pid, epoch := initTxn(t, c, id)
	addTxnPartitions(t, c, id, pid, epoch, "orders", 0, 1)

	// Re-init while a transaction is open aborts it before handing out
	// the bumped epoch.
	pid2, epoch2 := initTxn(t, c, id)
	require.Equal(t, pid, pid2)
	require.Equal(t, epoch+1, epoch2)

	markers, offsets := h.recorded()
	require.Len(t, markers, 2)
	for _, m := range markers {
		require.Equal(t, "orders", m.topic)
		require.Equal(t, pid, m.pid)
		require.Equal(t, epoch, m.epoch)
		require.False(t, m.commit)
	}
	require.Empty(t, offsets)

	row := h.row(t, id)
	require.Equal(t, structs.TxnStateEmpty, row.State)
	require.Nil(t, row.Partitions)
}

func TestTxnInitDuringCompletion(t *testing.T) {
	c, h := newTxnHarness()

	h.seed(structs.Transaction{
		ID:            "stuck",
		ProducerID:    50,
		ProducerEpoch: 3,
		Timeout:       time.Minute,
		State:         structs.TxnStatePrepareCommit,
	})

	id := "stuck"
	res := c.initProducerID(context.Background(), &protocol.InitProducerIDRequest{
		TransactionalID:    &id,
		TransactionTimeout: time.Minute,
	})
	require.Equal(t, protocol.ErrConcurrentTransactions.Code(), res.ErrorCode)
}

func TestTxnAddPartitions(t *testing.T) {
	c, h := newTxnHarness()

	id := "orders-loader"
	pid, epoch := initTxn(t, c, id)

	addTxnPartitions(t, c, id, pid, epoch, "orders", 0, 1)
	row := h.row(t, id)
	require.Equal(t, structs.TxnStateOngoing, row.State)
	require.Equal(t, map[string][]int32{"orders": {0, 1}}, row.Partitions)

	// Re-adding the same partitions is idempotent.
	addTxnPartitions(t, c, id, pid, epoch, "orders", 1, 0)
	row = h.row(t, id)
	require.Equal(t, map[string][]int32{"orders": {0, 1}}, row.Partitions)

	res := c.addPartitions(&protocol.AddPartitionsToTxnRequest{
		TransactionalID: id,
		ProducerID:      pid + 1,
		ProducerEpoch:   epoch,
		Topics:          []protocol.AddPartitionsToTxnTopic{{Topic: "orders", Partitions: []int32{2}}},
	})
	require.Equal(t, protocol.ErrInvalidProducerIdMapping.Code(), res.Results[0].PartitionResults[0].ErrorCode)

	res = c.addPartitions(&protocol.AddPartitionsToTxnRequest{
		TransactionalID: id,
		ProducerID:      pid,
		ProducerEpoch:   epoch + 1,
		Topics:          []protocol.AddPartitionsToTxnTopic{{Topic: "orders", Partitions: []int32{2}}},
	})
	require.Equal(t, protocol.ErrProducerFenced.Code(), res.Results[0].PartitionResults[0].ErrorCode)

	res = c.addPartitions(&protocol.AddPartitionsToTxnRequest{
		TransactionalID: "never-initialized",
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		Topics:          []protocol.AddPartitionsToTxnTopic{{Topic: "orders", Partitions: []int32{0}}},
	})
	require.Equal(t, protocol.ErrInvalidProducerIdMapping.Code(), res.Results[0].PartitionResults[0].ErrorCode)
}

func TestTxnAddOffsets(t *testing.T) {
	c, h := newTxnHarness()

	id := "orders-loader"
	pid, epoch := initTxn(t, c, id)

	res := c.addOffsets(&protocol.AddOffsetsToTxnRequest{
		TransactionalID: id,
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		GroupID:         "readers",
	}, 8)
	require.Equal(t, protocol.ErrNone.Code(), res.ErrorCode)

	row := h.row(t, id)
	require.Equal(t, structs.TxnStateOngoing, row.State)
	require.True(t, row.PartitionTouched(OffsetsTopicName, offsetsPartition("readers", 8)))
}

func TestTxnOffsetCommitStaging(t *testing.T) {
	c, h := newTxnHarness()

	id := "orders-loader"
	pid, epoch := initTxn(t, c, id)

	commit := func(partition int32, offset int64) *protocol.TxnOffsetCommitResponse {
		return c.txnOffsetCommit(&protocol.TxnOffsetCommitRequest{
			TransactionalID: id,
			GroupID:         "readers",
			ProducerID:      pid,
			ProducerEpoch:   epoch,
			Topics: []protocol.TxnOffsetCommitTopic{{
				Topic:      "orders",
				Partitions: []protocol.TxnOffsetCommitPartition{{Partition: partition, Offset: offset}},
			}},
		})
	}

	// Offsets can only be staged inside an open transaction.
	res := commit(0, 41)
	require.Equal(t, protocol.ErrInvalidTxnState.Code(), res.Topics[0].Partitions[0].ErrorCode)

	addTxnPartitions(t, c, id, pid, epoch, "orders", 0)

	res = commit(0, 41)
	require.Equal(t, protocol.ErrNone.Code(), res.Topics[0].Partitions[0].ErrorCode)
	res = commit(0, 42)
	require.Equal(t, protocol.ErrNone.Code(), res.Topics[0].Partitions[0].ErrorCode)
	res = commit(1, 7)
	require.Equal(t, protocol.ErrNone.Code(), res.Topics[0].Partitions[0].ErrorCode)

	// The last stage of a partition wins.
	row := h.row(t, id)
	require.Len(t, row.StagedOffsets, 2)
	require.Equal(t, int64(42), row.StagedOffsets[0].Offset)
	require.Equal(t, int32(0), row.StagedOffsets[0].Partition)
	require.Equal(t, int64(7), row.StagedOffsets[1].Offset)
}

func TestTxnEndCommit(t *testing.T) {
	c, h := newTxnHarness()

	id := "orders-loader"
	pid, epoch := initTxn(t, c, id)
	addTxnPartitions(t, c, id, pid, epoch, "orders", 0, 1)

	res := c.addOffsets(&protocol.AddOffsetsToTxnRequest{
		TransactionalID: id,
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		GroupID:         "readers",
	}, 8)
	require.Equal(t, protocol.ErrNone.Code(), res.ErrorCode)

	ocRes := c.txnOffsetCommit(&protocol.TxnOffsetCommitRequest{
		TransactionalID: id,
		GroupID:         "readers",
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		Topics: []protocol.TxnOffsetCommitTopic{{
			Topic:      "orders",
			Partitions: []protocol.TxnOffsetCommitPartition{{Partition: 0, Offset: 42}},
		}},
	})
	require.Equal(t, protocol.ErrNone.Code(), ocRes.Topics[0].Partitions[0].ErrorCode)

	endRes := c.endTxn(context.Background(), &protocol.EndTxnRequest{
		TransactionalID: id,
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		Committed:       true,
	})
	require.Equal(t, protocol.ErrNone.Code(), endRes.ErrorCode)

	markers, offsets := h.recorded()
	require.Len(t, markers, 3)
	byPartition := map[string]bool{}
	for _, m := range markers {
		require.Equal(t, pid, m.pid)
		require.Equal(t, epoch, m.epoch)
		require.True(t, m.commit)
		byPartition[m.topic] = true
	}
	require.True(t, byPartition["orders"])
	require.True(t, byPartition[OffsetsTopicName])

	require.Len(t, offsets, 1)
	require.Equal(t, "readers", offsets[0].Group)
	require.Equal(t, "orders", offsets[0].Topic)
	require.Equal(t, int64(42), offsets[0].Offset)

	row := h.row(t, id)
	require.Equal(t, structs.TxnStateCompleteCommit, row.State)
	require.Nil(t, row.Partitions)
	require.Nil(t, row.StagedOffsets)

	// The transaction is finished; there is nothing left to end.
	endRes = c.endTxn(context.Background(), &protocol.EndTxnRequest{
		TransactionalID: id,
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		Committed:       true,
	})
	require.Equal(t, protocol.ErrInvalidTxnState.Code(), endRes.ErrorCode)
}

func TestTxnEndAbort(t *testing.T) {
	c, h := newTxnHarness()

	id := "orders-loader"
	pid, epoch := initTxn(t, c, id)
	addTxnPartitions(t, c, id, pid, epoch, "orders", 0)

	ocRes := c.txnOffsetCommit(&protocol.TxnOffsetCommitRequest{
		TransactionalID: id,
		GroupID:         "readers",
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		Topics: []protocol.TxnOffsetCommitTopic{{
			Topic:      "orders",
			Partitions: []protocol.TxnOffsetCommitPartition{{Partition: 0, Offset: 42}},
		}},
	})
	require.Equal(t, protocol.ErrNone.Code(), ocRes.Topics[0].Partitions[0].ErrorCode)

	endRes := c.endTxn(context.Background(), &protocol.EndTxnRequest{
		TransactionalID: id,
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		Committed:       false,
	})
	require.Equal(t, protocol.ErrNone.Code(), endRes.ErrorCode)

	markers, offsets := h.recorded()
	require.Len(t, markers, 1)
	require.False(t, markers[0].commit)
	// Staged offsets are dropped on abort, never committed.
	require.Empty(t, offsets)

	row := h.row(t, id)
	require.Equal(t, structs.TxnStateCompleteAbort, row.State)
}

func TestTxnEndValidation(t *testing.T) {
	c, _ := newTxnHarness()

	endRes := c.endTxn(context.Background(), &protocol.EndTxnRequest{
		TransactionalID: "missing",
		ProducerID:      1,
		ProducerEpoch:   0,
		Committed:       true,
	})
	require.Equal(t, protocol.ErrInvalidProducerIdMapping.Code(), endRes.ErrorCode)

	id := "orders-loader"
	pid, epoch := initTxn(t, c, id)
	addTxnPartitions(t, c, id, pid, epoch, "orders", 0)

	endRes = c.endTxn(context.Background(), &protocol.EndTxnRequest{
		TransactionalID: id,
		ProducerID:      pid,
		ProducerEpoch:   epoch + 1,
		Committed:       true,
	})
	require.Equal(t, protocol.ErrProducerFenced.Code(), endRes.ErrorCode)
}

func TestTxnMarkerRetry(t *testing.T) {
	c, h := newTxnHarness()

	id := "orders-loader"
	pid, epoch := initTxn(t, c, id)
	addTxnPartitions(t, c, id, pid, epoch, "orders", 0)

	// The first marker attempts fail; completion retries until the
	// marker lands.
	h.mu.Lock()
	h.markerErrs = 2
	h.mu.Unlock()

	endRes := c.endTxn(context.Background(), &protocol.EndTxnRequest{
		TransactionalID: id,
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		Committed:       true,
	})
	require.Equal(t, protocol.ErrNone.Code(), endRes.ErrorCode)

	markers, _ := h.recorded()
	require.Len(t, markers, 1)
	require.Equal(t, structs.TxnStateCompleteCommit, h.row(t, id).State)
}

func TestTxnRecover(t *testing.T) {
	c, h := newTxnHarness()

	meta := "checkpoint"
	h.seed(structs.Transaction{
		ID:            "interrupted",
		ProducerID:    900,
		ProducerEpoch: 2,
		Timeout:       time.Minute,
		State:         structs.TxnStatePrepareCommit,
		Partitions:    map[string][]int32{"orders": {0, 1}},
		StagedOffsets: []structs.StagedOffset{{
			Group: "readers", Topic: "orders", Partition: 0, Offset: 10, Metadata: &meta,
		}},
	})
	h.seed(structs.Transaction{
		ID:            "open",
		ProducerID:    901,
		ProducerEpoch: 0,
		Timeout:       time.Minute,
		State:         structs.TxnStateOngoing,
		Partitions:    map[string][]int32{"orders": {3}},
	})
	h.seed(structs.Transaction{
		ID:            "done",
		ProducerID:    902,
		ProducerEpoch: 1,
		Timeout:       time.Minute,
		State:         structs.TxnStateCompleteAbort,
	})

	c.recover(context.Background())

	markers, offsets := h.recorded()
	require.Len(t, markers, 2)
	for _, m := range markers {
		require.Equal(t, int64(900), m.pid)
		require.Equal(t, int16(2), m.epoch)
		require.True(t, m.commit)
	}
	require.Len(t, offsets, 1)
	require.Equal(t, int64(10), offsets[0].Offset)

	require.Equal(t, structs.TxnStateCompleteCommit, h.row(t, "interrupted").State)
	// In-flight and finished transactions are left alone.
	require.Equal(t, structs.TxnStateOngoing, h.row(t, "open").State)
	require.Equal(t, structs.TxnStateCompleteAbort, h.row(t, "done").State)
}
