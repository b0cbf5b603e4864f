package brokkr

import (
	"math"

	"github.com/brokkr-mq/brokkr/protocol"
)

// dupWindow is how many accepted batches per producer are retained for
// duplicate detection, matching the producer's max in-flight batches.
const dupWindow = 5

// seqRange is one accepted idempotent batch: its sequence span and the
// base offset it landed at.
type seqRange struct {
	firstSeq   int32
	lastSeq    int32
	baseOffset int64
}

// producerState is one producer's recent history on one partition.
type producerState struct {
	epoch  int16
	ranges []seqRange
}

// producerStates validates producer sequences per partition. Callers
// serialize access under the partition mutex.
type producerStates struct {
	byID map[int64]*producerState
}

func newProducerStates() *producerStates {
	return &producerStates{byID: make(map[int64]*producerState)}
}

func nextSeq(seq int32) int32 {
	if seq == math.MaxInt32 {
		return 0
	}
	return seq + 1
}

// check decides an incoming batch's fate: a retained duplicate answers
// with its original base offset, a stale epoch or a sequence gap is
// rejected, anything else is cleared for append.
func (s *producerStates) check(pid int64, epoch int16, baseSeq, lastSeq int32) (dupOffset int64, dup bool, err protocol.Error) {
	state, ok := s.byID[pid]
	if !ok {
		// Nothing retained: first write since this partition (or its
		// coordinator) started.
		return 0, false, protocol.ErrNone
	}
	if epoch < state.epoch {
		return 0, false, protocol.ErrInvalidProducerEpoch
	}
	if epoch > state.epoch {
		// New epoch restarts sequencing.
		if baseSeq != 0 {
			return 0, false, protocol.ErrOutOfOrderSequenceNumber
		}
		return 0, false, protocol.ErrNone
	}
	for _, r := range state.ranges {
		if r.firstSeq == baseSeq && r.lastSeq == lastSeq {
			return r.baseOffset, true, protocol.ErrNone
		}
	}
	if len(state.ranges) > 0 {
		last := state.ranges[len(state.ranges)-1]
		if baseSeq != nextSeq(last.lastSeq) {
			return 0, false, protocol.ErrOutOfOrderSequenceNumber
		}
	}
	return 0, false, protocol.ErrNone
}

// update records an accepted batch.
func (s *producerStates) update(pid int64, epoch int16, baseSeq, lastSeq int32, baseOffset int64) {
	state, ok := s.byID[pid]
	if !ok {
		state = &producerState{epoch: epoch}
		s.byID[pid] = state
	}
	if epoch > state.epoch {
		state.epoch = epoch
		state.ranges = state.ranges[:0]
	}
	state.ranges = append(state.ranges, seqRange{firstSeq: baseSeq, lastSeq: lastSeq, baseOffset: baseOffset})
	if len(state.ranges) > dupWindow {
		state.ranges = state.ranges[len(state.ranges)-dupWindow:]
	}
}

// bumpEpoch fences a producer without a data write, e.g. when a control
// marker carries a newer epoch.
func (s *producerStates) bumpEpoch(pid int64, epoch int16) {
	state, ok := s.byID[pid]
	if !ok {
		s.byID[pid] = &producerState{epoch: epoch}
		return
	}
	if epoch > state.epoch {
		state.epoch = epoch
		state.ranges = state.ranges[:0]
	}
}

// observe rebuilds state from a batch header during log replay.
func (s *producerStates) observe(hdr *protocol.RecordBatchHeader) {
	if hdr.ProducerID < 0 {
		return
	}
	if hdr.IsControl() {
		s.bumpEpoch(hdr.ProducerID, hdr.ProducerEpoch)
		return
	}
	if hdr.BaseSequence < 0 {
		return
	}
	s.update(hdr.ProducerID, hdr.ProducerEpoch, hdr.BaseSequence, hdr.LastSequence(), hdr.BaseOffset)
}
