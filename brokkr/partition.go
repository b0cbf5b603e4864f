package brokkr

import (
	"context"
	"sync"
	"time"

	"github.com/brokkr-mq/brokkr/log"
	"github.com/brokkr-mq/brokkr/protocol"
	"github.com/brokkr-mq/brokkr/storage"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
)

const (
	defaultMaxMessageBytes int32 = 1 << 20

	// recoverReadBytes is the chunk size used when replaying a partition
	// into producer and transaction state at startup.
	recoverReadBytes int32 = 4 << 20
)

// PartitionConfig carries the per-topic knobs a partition log needs.
type PartitionConfig struct {
	Topic           string
	Partition       int32
	MaxMessageBytes int32
	// Validator is invoked per record before append when the topic has
	// schema validation turned on.
	Validator Validator
}

// abortedRange is one aborted transaction's span on this partition, from
// its first data batch through its abort marker.
type abortedRange struct {
	producerID  int64
	firstOffset int64
	lastOffset  int64
}

// PartitionLog owns offset assignment for one partition. The backend
// under it is a dumb byte store; everything stateful (the log end
// offset, producer sequence history, open transactions, fetch waiters)
// lives here, guarded by mu.
type PartitionLog struct {
	mu      sync.Mutex
	config  PartitionConfig
	backend storage.Backend
	id      storage.PartitionID

	leo         int64
	startOffset int64
	producers   *producerStates
	// ongoing maps a producer id to the first offset of its open
	// transaction on this partition.
	ongoing map[int64]int64
	aborted []abortedRange

	// notify is closed and replaced on every append; fetch waiters block
	// on the current channel.
	notify chan struct{}

	leader     bool
	leaderID   int32
	replicator *Replicator

	closed bool
}

// NewPartitionLog opens (creating if needed) a partition in the backend
// and replays it to rebuild producer and transaction state.
func NewPartitionLog(backend storage.Backend, config PartitionConfig) (*PartitionLog, error) {
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = defaultMaxMessageBytes
	}
	id := storage.PartitionID{Topic: config.Topic, Partition: config.Partition}
	if err := backend.CreatePartition(id); err != nil {
		return nil, err
	}
	l := &PartitionLog{
		config:    config,
		backend:   backend,
		id:        id,
		producers: newProducerStates(),
		ongoing:   make(map[int64]int64),
		notify:    make(chan struct{}),
	}
	if err := l.recover(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PartitionLog) Topic() string { return l.config.Topic }

func (l *PartitionLog) PartitionID() int32 { return l.config.Partition }

func (l *PartitionLog) String() string { return l.id.String() }

// recover replays every held batch so duplicate detection and the last
// stable offset survive restarts.
func (l *PartitionLog) recover() error {
	oldest, next, err := l.backend.Offsets(l.id)
	if err != nil {
		return err
	}
	l.startOffset = oldest
	l.leo = next

	ctx := context.Background()
	for off := oldest; off < next; {
		raw, err := l.backend.Read(ctx, l.id, off, recoverReadBytes)
		if err != nil {
			return errors.Wrapf(err, "replay %s at %d", l.id, off)
		}
		if len(raw) == 0 {
			break
		}
		consumed, last, err := l.replayFrames(raw)
		if err != nil {
			return errors.Wrapf(err, "replay %s at %d", l.id, off)
		}
		if consumed == 0 {
			break
		}
		off = last + 1
	}
	return nil
}

// replayFrames feeds complete frames in raw into producer/transaction
// state and reports bytes consumed plus the last offset seen.
func (l *PartitionLog) replayFrames(raw []byte) (consumed int, last int64, err error) {
	for len(raw) >= protocol.RecordBatchOverhead {
		hdr, err := protocol.PeekRecordBatchHeader(raw)
		if err != nil {
			return consumed, last, err
		}
		size := hdr.Size()
		if len(raw) < size {
			break
		}
		if hdr.IsControl() {
			if err := l.replayControl(raw[:size], hdr); err != nil {
				return consumed, last, err
			}
		} else {
			l.producers.observe(hdr)
			if hdr.IsTransactional() {
				if _, open := l.ongoing[hdr.ProducerID]; !open {
					l.ongoing[hdr.ProducerID] = hdr.BaseOffset
				}
			}
		}
		last = hdr.LastOffset()
		consumed += size
		raw = raw[size:]
	}
	return consumed, last, nil
}

func (l *PartitionLog) replayControl(frame []byte, hdr *protocol.RecordBatchHeader) error {
	var batch protocol.RecordBatch
	if _, err := batch.Decode(frame); err != nil {
		return err
	}
	ct, err := batch.ControlType()
	if err != nil {
		return err
	}
	l.closeTxn(hdr.ProducerID, hdr.BaseOffset, ct == protocol.ControlCommit)
	l.producers.bumpEpoch(hdr.ProducerID, hdr.ProducerEpoch)
	return nil
}

// closeTxn retires a producer's open transaction at the marker offset.
// Aborts are remembered so read-committed fetches can filter the range.
func (l *PartitionLog) closeTxn(pid, markerOffset int64, commit bool) {
	first, open := l.ongoing[pid]
	if !open {
		return
	}
	delete(l.ongoing, pid)
	if !commit {
		l.aborted = append(l.aborted, abortedRange{
			producerID:  pid,
			firstOffset: first,
			lastOffset:  markerOffset,
		})
	}
}

// Append validates one producer batch, assigns its base offset, and
// hands it to the backend. The returned offset is where the batch (or
// its retained duplicate) starts.
func (l *PartitionLog) Append(ctx context.Context, batch []byte) (int64, protocol.Error) {
	hdr, err := protocol.CheckRecordBatch(batch)
	if err != nil {
		if pe, ok := err.(protocol.Error); ok {
			return -1, pe
		}
		return -1, protocol.ErrCorruptMessage.WithErr(err)
	}
	if int32(hdr.Size()) > l.config.MaxMessageBytes {
		return -1, protocol.ErrMessageTooLarge.WithErr(
			errors.Errorf("batch of %d bytes exceeds max.message.bytes %d", hdr.Size(), l.config.MaxMessageBytes))
	}
	if l.config.Validator != nil {
		if err := l.validate(batch); err != nil {
			return -1, protocol.ErrPolicyViolation.WithErr(err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return -1, protocol.ErrUnknownTopicOrPartition
	}

	if hdr.ProducerID >= 0 && hdr.BaseSequence >= 0 {
		dupOffset, dup, perr := l.producers.check(hdr.ProducerID, hdr.ProducerEpoch, hdr.BaseSequence, hdr.LastSequence())
		if perr != protocol.ErrNone {
			return -1, perr
		}
		if dup {
			return dupOffset, protocol.ErrNone
		}
	}

	base := l.leo
	if err := protocol.StampBatchBaseOffset(batch, base); err != nil {
		return -1, protocol.ErrCorruptMessage.WithErr(err)
	}
	if err := l.appendRetry(ctx, batch); err != nil {
		return -1, protocol.ErrKafkaStorageError.WithErr(err)
	}

	last := base + int64(hdr.LastOffsetDelta)
	l.leo = last + 1
	if hdr.ProducerID >= 0 && hdr.BaseSequence >= 0 {
		l.producers.update(hdr.ProducerID, hdr.ProducerEpoch, hdr.BaseSequence, hdr.LastSequence(), base)
	}
	if hdr.IsTransactional() {
		if _, open := l.ongoing[hdr.ProducerID]; !open {
			l.ongoing[hdr.ProducerID] = base
		}
	}
	l.broadcast()
	return base, protocol.ErrNone
}

// validate decodes the batch and runs every record through the topic's
// validator.
func (l *PartitionLog) validate(frame []byte) error {
	var batch protocol.RecordBatch
	if _, err := batch.Decode(frame); err != nil {
		return err
	}
	for i := range batch.Records {
		r := &batch.Records[i]
		if err := l.config.Validator.Validate(l.config.Topic, r.Key, r.Value); err != nil {
			return err
		}
	}
	return nil
}

// AppendControl writes a commit or abort marker for the producer and
// returns the marker's offset.
func (l *PartitionLog) AppendControl(ctx context.Context, producerID int64, producerEpoch int16, coordinatorEpoch int32, commit bool) (int64, error) {
	marker := protocol.NewControlBatch(producerID, producerEpoch, coordinatorEpoch, commit, time.Now().UnixMilli())
	frame, err := marker.Encode()
	if err != nil {
		return -1, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return -1, errors.Wrapf(storage.ErrUnknownPartition, "%s", l.id)
	}
	base := l.leo
	if err := protocol.StampBatchBaseOffset(frame, base); err != nil {
		return -1, err
	}
	if err := l.appendRetry(ctx, frame); err != nil {
		return -1, err
	}
	l.leo = base + 1
	l.closeTxn(producerID, base, commit)
	l.producers.bumpEpoch(producerID, producerEpoch)
	l.broadcast()
	return base, nil
}

// AppendAsFollower writes a frame already stamped by the leader.
func (l *PartitionLog) AppendAsFollower(ctx context.Context, frame []byte) error {
	hdr, err := protocol.CheckRecordBatch(frame)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.Wrapf(storage.ErrUnknownPartition, "%s", l.id)
	}
	if hdr.BaseOffset != l.leo {
		return errors.Wrapf(storage.ErrNonContiguous, "%s: replicated base %d, want %d", l.id, hdr.BaseOffset, l.leo)
	}
	if err := l.appendRetry(ctx, frame); err != nil {
		return err
	}
	l.leo = hdr.LastOffset() + 1
	if hdr.IsControl() {
		var batch protocol.RecordBatch
		if _, err := batch.Decode(frame); err != nil {
			return err
		}
		ct, err := batch.ControlType()
		if err != nil {
			return err
		}
		l.closeTxn(hdr.ProducerID, hdr.BaseOffset, ct == protocol.ControlCommit)
		l.producers.bumpEpoch(hdr.ProducerID, hdr.ProducerEpoch)
	} else {
		l.producers.observe(hdr)
		if hdr.IsTransactional() {
			if _, open := l.ongoing[hdr.ProducerID]; !open {
				l.ongoing[hdr.ProducerID] = hdr.BaseOffset
			}
		}
	}
	l.broadcast()
	return nil
}

// appendRetry hands a frame to the backend, retrying transient failures
// with bounded backoff. Callers hold mu.
func (l *PartitionLog) appendRetry(ctx context.Context, frame []byte) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = 3 * time.Second
	for {
		err := l.backend.Append(ctx, l.id, frame)
		if err == nil {
			return nil
		}
		if !storage.IsTransient(err) {
			return err
		}
		next := bo.NextBackOff()
		if next == backoff.Stop {
			return err
		}
		log.Error.Printf("partition %s: transient append error, retrying: %v", l.id, err)
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// broadcast wakes fetch waiters. Callers hold mu.
func (l *PartitionLog) broadcast() {
	close(l.notify)
	l.notify = make(chan struct{})
}

// FetchResult is one partition's slice of a fetch response.
type FetchResult struct {
	RecordSet           []byte
	HighWatermark       int64
	LastStableOffset    int64
	LogStartOffset      int64
	AbortedTransactions []*protocol.AbortedTransaction
}

// Fetch reads frames starting at offset, blocking up to maxWait until at
// least minBytes of records are readable past it (or maxBytes caps the
// read). read-committed fetches stop at the last stable offset and
// report aborted ranges in the returned window.
func (l *PartitionLog) Fetch(ctx context.Context, offset int64, minBytes, maxBytes int32, maxWait time.Duration, readCommitted bool) (*FetchResult, protocol.Error) {
	deadline := time.Now().Add(maxWait)

	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, protocol.ErrUnknownTopicOrPartition
		}
		if offset < l.startOffset || offset > l.leo {
			start, leo := l.startOffset, l.leo
			l.mu.Unlock()
			return nil, protocol.ErrOffsetOutOfRange.WithErr(
				errors.Errorf("fetch %s at %d, log [%d, %d)", l.id, offset, start, leo))
		}
		limit := l.fetchLimit(readCommitted)
		res := l.emptyResult()
		if readCommitted {
			res.AbortedTransactions = l.abortedIn(offset, limit)
		}
		notify := l.notify
		l.mu.Unlock()

		if offset < limit {
			raw, err := l.backend.Read(ctx, l.id, offset, maxBytes)
			if err != nil {
				if errors.Is(err, storage.ErrOffsetOutOfRange) {
					return nil, protocol.ErrOffsetOutOfRange.WithErr(err)
				}
				return nil, protocol.ErrKafkaStorageError.WithErr(err)
			}
			res.RecordSet = trimFrames(raw, limit)
		}
		wait := time.Until(deadline)
		if int32(len(res.RecordSet)) >= minBytes || int32(len(res.RecordSet)) >= maxBytes || wait <= 0 {
			return res, protocol.ErrNone
		}

		timer := time.NewTimer(wait)
		select {
		case <-notify:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, protocol.ErrRequestTimedOut.WithErr(ctx.Err())
		}
	}
}

// fetchLimit is the first offset a fetch may not return. Callers hold mu.
func (l *PartitionLog) fetchLimit(readCommitted bool) int64 {
	if readCommitted {
		return l.lastStable()
	}
	return l.leo
}

func (l *PartitionLog) emptyResult() *FetchResult {
	return &FetchResult{
		HighWatermark:    l.leo,
		LastStableOffset: l.lastStable(),
		LogStartOffset:   l.startOffset,
	}
}

// lastStable is the LEO with no transactions open, otherwise the first
// offset of the earliest open transaction. Callers hold mu.
func (l *PartitionLog) lastStable() int64 {
	lso := l.leo
	for _, first := range l.ongoing {
		if first < lso {
			lso = first
		}
	}
	return lso
}

// abortedIn lists aborted ranges overlapping [offset, limit). Callers
// hold mu.
func (l *PartitionLog) abortedIn(offset, limit int64) []*protocol.AbortedTransaction {
	var out []*protocol.AbortedTransaction
	for _, r := range l.aborted {
		if r.lastOffset < offset || r.firstOffset >= limit {
			continue
		}
		out = append(out, &protocol.AbortedTransaction{
			ProducerID:  r.producerID,
			FirstOffset: r.firstOffset,
		})
	}
	return out
}

// trimFrames drops whole frames whose base offset is at or past limit.
// Frames never straddle the limit: open transactions begin on frame
// boundaries.
func trimFrames(raw []byte, limit int64) []byte {
	kept := 0
	rest := raw
	for len(rest) >= protocol.RecordBatchOverhead {
		hdr, err := protocol.PeekRecordBatchHeader(rest)
		if err != nil {
			break
		}
		size := hdr.Size()
		if len(rest) < size {
			break
		}
		if hdr.BaseOffset >= limit {
			break
		}
		kept += size
		rest = rest[size:]
	}
	return raw[:kept]
}

// OldestOffset is the log start offset.
func (l *PartitionLog) OldestOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startOffset
}

// NewestOffset is the next offset to be assigned.
func (l *PartitionLog) NewestOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leo
}

// HighWatermark equals the log end offset: appends are acknowledged only
// once stored, so everything held is committed.
func (l *PartitionLog) HighWatermark() int64 { return l.NewestOffset() }

// LastStableOffset bounds read-committed fetches.
func (l *PartitionLog) LastStableOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastStable()
}

// OffsetForTimestamp finds the base offset of the first batch whose max
// timestamp is at or past ts, or the LEO when every batch is older.
func (l *PartitionLog) OffsetForTimestamp(ctx context.Context, ts int64) (int64, error) {
	l.mu.Lock()
	start, end := l.startOffset, l.leo
	l.mu.Unlock()

	for off := start; off < end; {
		raw, err := l.backend.Read(ctx, l.id, off, recoverReadBytes)
		if err != nil {
			return -1, err
		}
		advanced := false
		for len(raw) >= protocol.RecordBatchOverhead {
			hdr, err := protocol.PeekRecordBatchHeader(raw)
			if err != nil {
				return -1, err
			}
			size := hdr.Size()
			if len(raw) < size {
				break
			}
			if hdr.MaxTimestamp >= ts {
				return hdr.BaseOffset, nil
			}
			off = hdr.LastOffset() + 1
			advanced = true
			raw = raw[size:]
		}
		if !advanced {
			break
		}
	}
	return end, nil
}

// Truncate advances the log start offset, dropping older data.
func (l *PartitionLog) Truncate(before int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.Wrapf(storage.ErrUnknownPartition, "%s", l.id)
	}
	if err := l.backend.Truncate(l.id, before); err != nil {
		return err
	}
	oldest, _, err := l.backend.Offsets(l.id)
	if err != nil {
		return err
	}
	l.startOffset = oldest
	kept := l.aborted[:0]
	for _, r := range l.aborted {
		if r.lastOffset >= oldest {
			kept = append(kept, r)
		}
	}
	l.aborted = kept
	return nil
}

// Flush forces the backend to persist the partition, backing acks=-1.
func (l *PartitionLog) Flush() error {
	return l.backend.Flush(l.id)
}

// SetLeader records which broker leads the partition and whether it is
// this one.
func (l *PartitionLog) SetLeader(id int32, isLeader bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leaderID = id
	l.leader = isLeader
}

// IsLeader reports whether this broker leads the partition.
func (l *PartitionLog) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader
}

// LeaderID is the broker currently leading the partition.
func (l *PartitionLog) LeaderID() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leaderID
}

func (l *PartitionLog) setReplicator(r *Replicator) (old *Replicator) {
	l.mu.Lock()
	defer l.mu.Unlock()
	old = l.replicator
	l.replicator = r
	return old
}

// Close stops serving the partition without deleting data.
func (l *PartitionLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.broadcast()
	r := l.replicator
	l.replicator = nil
	l.mu.Unlock()
	if r != nil {
		return r.Close()
	}
	return nil
}

// Delete removes the partition and its data.
func (l *PartitionLog) Delete() error {
	if err := l.Close(); err != nil {
		return err
	}
	return l.backend.RemovePartition(l.id)
}
