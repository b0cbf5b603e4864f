package storage

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Memory keeps partition data in process memory. It backs tests and
// ephemeral brokers; nothing survives a restart.
type Memory struct {
	mu         sync.RWMutex
	partitions map[PartitionID]*memPartition
}

type memPartition struct {
	mu sync.RWMutex
	// frames are whole stamped batch frames in offset order.
	frames [][]byte
	// bases[i] is the stamped base offset of frames[i].
	bases  []int64
	oldest int64
	next   int64
}

func NewMemory() *Memory {
	return &Memory{partitions: make(map[PartitionID]*memPartition)}
}

var _ Backend = (*Memory)(nil)

func (m *Memory) partition(p PartitionID) (*memPartition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.partitions[p]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPartition, "%s", p)
	}
	return mp, nil
}

func (m *Memory) CreatePartition(p PartitionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.partitions[p]; !ok {
		m.partitions[p] = &memPartition{}
	}
	return nil
}

func (m *Memory) RemovePartition(p PartitionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.partitions, p)
	return nil
}

func (m *Memory) Append(ctx context.Context, p PartitionID, batch []byte) error {
	mp, err := m.partition(p)
	if err != nil {
		return err
	}
	base, last, err := frameRange(batch)
	if err != nil {
		return err
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if base != mp.next {
		return errors.Wrapf(ErrNonContiguous, "stamped %d, want %d", base, mp.next)
	}
	frame := make([]byte, len(batch))
	copy(frame, batch)
	mp.frames = append(mp.frames, frame)
	mp.bases = append(mp.bases, base)
	mp.next = last + 1
	return nil
}

func (m *Memory) Read(ctx context.Context, p PartitionID, offset int64, maxBytes int32) ([]byte, error) {
	mp, err := m.partition(p)
	if err != nil {
		return nil, err
	}
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	if offset == mp.next {
		return nil, nil
	}
	if offset < mp.oldest || offset > mp.next {
		return nil, errors.Wrapf(ErrOffsetOutOfRange, "offset %d, log [%d, %d)", offset, mp.oldest, mp.next)
	}
	// First frame whose range reaches the offset.
	i := sort.Search(len(mp.frames), func(i int) bool {
		_, last, _ := frameRange(mp.frames[i])
		return last >= offset
	})
	var out []byte
	for ; i < len(mp.frames); i++ {
		if len(out) > 0 && len(out)+len(mp.frames[i]) > int(maxBytes) {
			break
		}
		out = append(out, mp.frames[i]...)
	}
	return out, nil
}

func (m *Memory) Offsets(p PartitionID) (oldest, next int64, err error) {
	mp, err := m.partition(p)
	if err != nil {
		return 0, 0, err
	}
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.oldest, mp.next, nil
}

func (m *Memory) Flush(p PartitionID) error {
	_, err := m.partition(p)
	return err
}

func (m *Memory) Truncate(p PartitionID, before int64) error {
	mp, err := m.partition(p)
	if err != nil {
		return err
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	var i int
	for i < len(mp.frames) {
		_, last, err := frameRange(mp.frames[i])
		if err != nil || last >= before {
			break
		}
		i++
	}
	if i > 0 {
		mp.frames = append([][]byte(nil), mp.frames[i:]...)
		mp.bases = append([]int64(nil), mp.bases[i:]...)
		if len(mp.bases) > 0 {
			mp.oldest = mp.bases[0]
		} else {
			mp.oldest = mp.next
		}
	}
	return nil
}

func (m *Memory) ListPartitions(ctx context.Context) ([]PartitionID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PartitionID, 0, len(m.partitions))
	for p := range m.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions = make(map[PartitionID]*memPartition)
	return nil
}

// frameRange reads the stamped base offset and last offset out of a batch
// frame header.
func frameRange(frame []byte) (base, last int64, err error) {
	// The frame prefix: base offset, length, leader epoch, magic, crc,
	// attributes, then the last offset delta at byte 23.
	if len(frame) < 27 {
		return 0, 0, errors.New("storage: short batch frame")
	}
	base = int64(binary.BigEndian.Uint64(frame[0:8]))
	delta := int32(binary.BigEndian.Uint32(frame[23:27]))
	return base, base + int64(delta), nil
}
