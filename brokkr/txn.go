package brokkr

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/brokkr-mq/brokkr/brokkr/structs"
	"github.com/brokkr-mq/brokkr/log"
	"github.com/brokkr-mq/brokkr/protocol"
	"github.com/cenkalti/backoff"
)

// maxTransactionTimeout caps the client-requested transaction timeout.
const maxTransactionTimeout = 15 * time.Minute

// txnCoordinator runs the transactional producer protocol. Every state
// transition is durable in raft before it is acknowledged, so a
// restarted coordinator resumes where this one stopped. Work is
// serialized per transactional id; independent ids proceed in parallel.
type txnCoordinator struct {
	nodeID int32

	// save persists a transaction row through raft.
	save func(txn structs.Transaction) error
	// fetchTxn reads a transaction's durable record.
	fetchTxn func(id string) (*structs.Transaction, error)
	// fetchTxns lists every durable transaction, for recovery sweeps.
	fetchTxns func() ([]*structs.Transaction, error)
	// allocProducerID hands out the next producer id from the
	// raft-applied counter.
	allocProducerID func() (int64, error)
	// writeMarker appends a commit/abort control batch to one touched
	// partition, wherever its leader is.
	writeMarker func(ctx context.Context, topic string, partition int32, pid int64, epoch int16, commit bool) error
	// commitOffset lands one staged offset in the offsets topic.
	commitOffset func(ctx context.Context, so structs.StagedOffset) error

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTxnCoordinator(nodeID int32) *txnCoordinator {
	return &txnCoordinator{
		nodeID: nodeID,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lock serializes operations on one transactional id.
func (t *txnCoordinator) lock(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = new(sync.Mutex)
		t.locks[id] = l
	}
	return l
}

// initProducerID hands out a producer id, and for transactional
// producers bumps the epoch to fence any previous incarnation.
func (t *txnCoordinator) initProducerID(ctx context.Context, req *protocol.InitProducerIDRequest) *protocol.InitProducerIDResponse {
	res := &protocol.InitProducerIDResponse{ProducerID: -1, ProducerEpoch: -1}
	res.APIVersion = req.APIVersion

	if req.TransactionalID == nil || *req.TransactionalID == "" {
		pid, err := t.allocProducerID()
		if err != nil {
			log.Error.Printf("txn coordinator/%d: alloc producer id: %v", t.nodeID, err)
			res.ErrorCode = protocol.ErrUnknown.Code()
			return res
		}
		res.ProducerID = pid
		res.ProducerEpoch = 0
		return res
	}

	if req.TransactionTimeout <= 0 || req.TransactionTimeout > maxTransactionTimeout {
		res.ErrorCode = protocol.ErrInvalidTransactionTimeout.Code()
		return res
	}

	id := *req.TransactionalID
	l := t.lock(id)
	l.Lock()
	defer l.Unlock()

	row, err := t.fetchTxn(id)
	if err != nil {
		log.Error.Printf("txn coordinator/%d: fetch txn %s: %v", t.nodeID, id, err)
		res.ErrorCode = protocol.ErrUnknown.Code()
		return res
	}

	if row == nil {
		pid, err := t.allocProducerID()
		if err != nil {
			log.Error.Printf("txn coordinator/%d: alloc producer id: %v", t.nodeID, err)
			res.ErrorCode = protocol.ErrUnknown.Code()
			return res
		}
		row = &structs.Transaction{
			ID:            id,
			ProducerID:    pid,
			ProducerEpoch: 0,
			Timeout:       req.TransactionTimeout,
			State:         structs.TxnStateEmpty,
		}
		if err := t.save(*row); err != nil {
			log.Error.Printf("txn coordinator/%d: save txn %s: %v", t.nodeID, id, err)
			res.ErrorCode = protocol.ErrUnknown.Code()
			return res
		}
		res.ProducerID = row.ProducerID
		res.ProducerEpoch = row.ProducerEpoch
		return res
	}

	switch row.State {
	case structs.TxnStatePrepareCommit, structs.TxnStatePrepareAbort:
		// Markers still going out; the client retries until they land.
		res.ErrorCode = protocol.ErrConcurrentTransactions.Code()
		return res
	case structs.TxnStateOngoing:
		// A new incarnation fences the old one mid-transaction: abort
		// what it left behind, then hand out the bumped epoch.
		if perr := t.finish(ctx, row, false); perr != protocol.ErrNone {
			res.ErrorCode = perr.Code()
			return res
		}
	}

	if row.ProducerEpoch == math.MaxInt16 {
		pid, err := t.allocProducerID()
		if err != nil {
			log.Error.Printf("txn coordinator/%d: alloc producer id: %v", t.nodeID, err)
			res.ErrorCode = protocol.ErrUnknown.Code()
			return res
		}
		row.ProducerID = pid
		row.ProducerEpoch = 0
	} else {
		row.ProducerEpoch++
	}
	row.Timeout = req.TransactionTimeout
	row.State = structs.TxnStateEmpty
	row.Partitions = nil
	row.StagedOffsets = nil
	if err := t.save(*row); err != nil {
		log.Error.Printf("txn coordinator/%d: save txn %s: %v", t.nodeID, id, err)
		res.ErrorCode = protocol.ErrUnknown.Code()
		return res
	}

	res.ProducerID = row.ProducerID
	res.ProducerEpoch = row.ProducerEpoch
	return res
}

// checkProducer validates the caller against the durable row.
func (t *txnCoordinator) checkProducer(row *structs.Transaction, pid int64, epoch int16) protocol.Error {
	if row == nil || row.ProducerID != pid {
		return protocol.ErrInvalidProducerIdMapping
	}
	if epoch != row.ProducerEpoch {
		return protocol.ErrProducerFenced
	}
	return protocol.ErrNone
}

// addPartitions records the partitions a transaction will touch,
// opening it on the first call.
func (t *txnCoordinator) addPartitions(req *protocol.AddPartitionsToTxnRequest) *protocol.AddPartitionsToTxnResponse {
	res := &protocol.AddPartitionsToTxnResponse{}
	res.APIVersion = req.APIVersion

	perr := t.addPartitionsToTxn(req.TransactionalID, req.ProducerID, req.ProducerEpoch, func(row *structs.Transaction) {
		for _, topic := range req.Topics {
			for _, p := range topic.Partitions {
				if !row.PartitionTouched(topic.Topic, p) {
					if row.Partitions == nil {
						row.Partitions = make(map[string][]int32)
					}
					row.Partitions[topic.Topic] = append(row.Partitions[topic.Topic], p)
				}
			}
		}
	})

	res.Results = make([]protocol.AddPartitionsToTxnTopicResult, 0, len(req.Topics))
	for _, topic := range req.Topics {
		tr := protocol.AddPartitionsToTxnTopicResult{Topic: topic.Topic}
		for _, p := range topic.Partitions {
			tr.PartitionResults = append(tr.PartitionResults, protocol.AddPartitionsToTxnPartitionResult{
				Partition: p,
				ErrorCode: perr.Code(),
			})
		}
		res.Results = append(res.Results, tr)
	}
	return res
}

// addOffsets marks the group's offsets partition touched so the commit
// marker reaches it.
func (t *txnCoordinator) addOffsets(req *protocol.AddOffsetsToTxnRequest, numOffsetsPartitions int32) *protocol.AddOffsetsToTxnResponse {
	res := &protocol.AddOffsetsToTxnResponse{}
	res.APIVersion = req.APIVersion

	p := offsetsPartition(req.GroupID, numOffsetsPartitions)
	perr := t.addPartitionsToTxn(req.TransactionalID, req.ProducerID, req.ProducerEpoch, func(row *structs.Transaction) {
		if !row.PartitionTouched(OffsetsTopicName, p) {
			if row.Partitions == nil {
				row.Partitions = make(map[string][]int32)
			}
			row.Partitions[OffsetsTopicName] = append(row.Partitions[OffsetsTopicName], p)
		}
	})
	res.ErrorCode = perr.Code()
	return res
}

// addPartitionsToTxn validates the producer, applies mutate to the row,
// moves Empty/Complete* to Ongoing, and persists.
func (t *txnCoordinator) addPartitionsToTxn(id string, pid int64, epoch int16, mutate func(*structs.Transaction)) protocol.Error {
	l := t.lock(id)
	l.Lock()
	defer l.Unlock()

	row, err := t.fetchTxn(id)
	if err != nil {
		log.Error.Printf("txn coordinator/%d: fetch txn %s: %v", t.nodeID, id, err)
		return protocol.ErrUnknown.WithErr(err)
	}
	if perr := t.checkProducer(row, pid, epoch); perr != protocol.ErrNone {
		return perr
	}

	switch row.State {
	case structs.TxnStatePrepareCommit, structs.TxnStatePrepareAbort:
		return protocol.ErrConcurrentTransactions
	case structs.TxnStateCompleteCommit, structs.TxnStateCompleteAbort, structs.TxnStateEmpty:
		// A fresh transaction starts here.
		row.State = structs.TxnStateOngoing
		row.Partitions = nil
		row.StagedOffsets = nil
	case structs.TxnStateOngoing:
	default:
		return protocol.ErrInvalidTxnState
	}

	mutate(row)
	if err := t.save(*row); err != nil {
		log.Error.Printf("txn coordinator/%d: save txn %s: %v", t.nodeID, id, err)
		return protocol.ErrUnknown.WithErr(err)
	}
	return protocol.ErrNone
}

// txnOffsetCommit stages offsets inside the transaction. They reach the
// offsets topic only when the transaction commits.
func (t *txnCoordinator) txnOffsetCommit(req *protocol.TxnOffsetCommitRequest) *protocol.TxnOffsetCommitResponse {
	res := &protocol.TxnOffsetCommitResponse{}
	res.APIVersion = req.APIVersion

	l := t.lock(req.TransactionalID)
	l.Lock()
	defer l.Unlock()

	perr := protocol.ErrNone
	row, err := t.fetchTxn(req.TransactionalID)
	if err != nil {
		log.Error.Printf("txn coordinator/%d: fetch txn %s: %v", t.nodeID, req.TransactionalID, err)
		perr = protocol.ErrUnknown.WithErr(err)
	}
	if perr == protocol.ErrNone {
		perr = t.checkProducer(row, req.ProducerID, req.ProducerEpoch)
	}
	if perr == protocol.ErrNone && row.State != structs.TxnStateOngoing {
		perr = protocol.ErrInvalidTxnState
	}

	if perr == protocol.ErrNone {
		for _, topic := range req.Topics {
			for _, p := range topic.Partitions {
				row.StagedOffsets = stageOffset(row.StagedOffsets, structs.StagedOffset{
					Group:     req.GroupID,
					Topic:     topic.Topic,
					Partition: p.Partition,
					Offset:    p.Offset,
					Metadata:  p.Metadata,
				})
			}
		}
		if err := t.save(*row); err != nil {
			log.Error.Printf("txn coordinator/%d: save txn %s: %v", t.nodeID, req.TransactionalID, err)
			perr = protocol.ErrUnknown.WithErr(err)
		}
	}

	res.Topics = make([]protocol.TxnOffsetCommitTopicResult, 0, len(req.Topics))
	for _, topic := range req.Topics {
		tr := protocol.TxnOffsetCommitTopicResult{Topic: topic.Topic}
		for _, p := range topic.Partitions {
			tr.Partitions = append(tr.Partitions, protocol.TxnOffsetCommitPartitionResult{
				Partition: p.Partition,
				ErrorCode: perr.Code(),
			})
		}
		res.Topics = append(res.Topics, tr)
	}
	return res
}

// stageOffset replaces a previous stage of the same group/topic/
// partition so the last commit inside the transaction wins.
func stageOffset(staged []structs.StagedOffset, so structs.StagedOffset) []structs.StagedOffset {
	for i, s := range staged {
		if s.Group == so.Group && s.Topic == so.Topic && s.Partition == so.Partition {
			staged[i] = so
			return staged
		}
	}
	return append(staged, so)
}

// endTxn commits or aborts the transaction: durable prepare, markers on
// every touched partition, staged offsets on commit, durable complete.
func (t *txnCoordinator) endTxn(ctx context.Context, req *protocol.EndTxnRequest) *protocol.EndTxnResponse {
	res := &protocol.EndTxnResponse{}
	res.APIVersion = req.APIVersion

	l := t.lock(req.TransactionalID)
	l.Lock()
	defer l.Unlock()

	row, err := t.fetchTxn(req.TransactionalID)
	if err != nil {
		log.Error.Printf("txn coordinator/%d: fetch txn %s: %v", t.nodeID, req.TransactionalID, err)
		res.ErrorCode = protocol.ErrUnknown.Code()
		return res
	}
	if perr := t.checkProducer(row, req.ProducerID, req.ProducerEpoch); perr != protocol.ErrNone {
		res.ErrorCode = perr.Code()
		return res
	}

	switch row.State {
	case structs.TxnStateOngoing:
	case structs.TxnStatePrepareCommit, structs.TxnStatePrepareAbort:
		res.ErrorCode = protocol.ErrConcurrentTransactions.Code()
		return res
	default:
		res.ErrorCode = protocol.ErrInvalidTxnState.Code()
		return res
	}

	res.ErrorCode = t.finish(ctx, row, req.Committed).Code()
	return res
}

// finish drives an Ongoing transaction to CompleteCommit/CompleteAbort.
// Callers hold the id lock.
func (t *txnCoordinator) finish(ctx context.Context, row *structs.Transaction, commit bool) protocol.Error {
	if commit {
		row.State = structs.TxnStatePrepareCommit
	} else {
		row.State = structs.TxnStatePrepareAbort
	}
	if err := t.save(*row); err != nil {
		log.Error.Printf("txn coordinator/%d: save txn %s: %v", t.nodeID, row.ID, err)
		return protocol.ErrUnknown.WithErr(err)
	}
	return t.complete(ctx, row)
}

// complete finishes a prepared transaction: markers, staged offsets,
// durable Complete*. Marker writes retry per partition until they land;
// the prepare record is the source of truth, never the partial result.
func (t *txnCoordinator) complete(ctx context.Context, row *structs.Transaction) protocol.Error {
	commit := row.State == structs.TxnStatePrepareCommit

	for topic, partitions := range row.Partitions {
		for _, p := range partitions {
			if err := t.writeMarkerRetry(ctx, topic, p, row.ProducerID, row.ProducerEpoch, commit); err != nil {
				log.Error.Printf("txn coordinator/%d: txn %s: marker %s-%d: %v", t.nodeID, row.ID, topic, p, err)
				return protocol.ErrUnknown.WithErr(err)
			}
		}
	}

	if commit {
		for _, so := range row.StagedOffsets {
			if err := t.commitOffset(ctx, so); err != nil {
				log.Error.Printf("txn coordinator/%d: txn %s: staged offset %s/%s-%d: %v", t.nodeID, row.ID, so.Group, so.Topic, so.Partition, err)
				return protocol.ErrUnknown.WithErr(err)
			}
		}
	}

	if commit {
		row.State = structs.TxnStateCompleteCommit
	} else {
		row.State = structs.TxnStateCompleteAbort
	}
	row.Partitions = nil
	row.StagedOffsets = nil
	if err := t.save(*row); err != nil {
		log.Error.Printf("txn coordinator/%d: save txn %s: %v", t.nodeID, row.ID, err)
		return protocol.ErrUnknown.WithErr(err)
	}
	return protocol.ErrNone
}

// writeMarkerRetry keeps trying one partition's marker until it lands or
// the context ends. Completion must never be partial.
func (t *txnCoordinator) writeMarkerRetry(ctx context.Context, topic string, partition int32, pid int64, epoch int16, commit bool) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0
	for {
		err := t.writeMarker(ctx, topic, partition, pid, epoch, commit)
		if err == nil {
			return nil
		}
		log.Error.Printf("txn coordinator/%d: marker %s-%d failed, retrying: %v", t.nodeID, topic, partition, err)
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// recover resumes transactions a previous coordinator left prepared.
// Runs once on startup or when this broker takes the coordinator role.
func (t *txnCoordinator) recover(ctx context.Context) {
	rows, err := t.fetchTxns()
	if err != nil {
		log.Error.Printf("txn coordinator/%d: recovery list: %v", t.nodeID, err)
		return
	}
	for _, row := range rows {
		if row.State != structs.TxnStatePrepareCommit && row.State != structs.TxnStatePrepareAbort {
			continue
		}
		row := *row
		l := t.lock(row.ID)
		l.Lock()
		log.Info.Printf("txn coordinator/%d: resuming %s txn %s", t.nodeID, row.State, row.ID)
		if perr := t.complete(ctx, &row); perr != protocol.ErrNone {
			log.Error.Printf("txn coordinator/%d: resume txn %s: %v", t.nodeID, row.ID, perr)
		}
		l.Unlock()
	}
}
