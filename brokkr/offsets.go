package brokkr

import (
	"context"
	"sync"
	"time"

	"github.com/brokkr-mq/brokkr/brokkr/util"
	"github.com/brokkr-mq/brokkr/protocol"
	"github.com/pkg/errors"
)

// OffsetsTopicName is the internal topic holding committed consumer
// offsets.
const OffsetsTopicName = "__consumer_offsets"

// offsetsKeyVersion and offsetsValueVersion stamp the offsets topic
// record schema so it can evolve.
const (
	offsetsKeyVersion   int16 = 0
	offsetsValueVersion int16 = 0
)

// offsetKey identifies one committed offset inside the offsets topic.
type offsetKey struct {
	Group     string
	Topic     string
	Partition int32
}

func (k offsetKey) Encode(e protocol.PacketEncoder) (err error) {
	e.PutInt16(offsetsKeyVersion)
	if err = e.PutString(k.Group); err != nil {
		return err
	}
	if err = e.PutString(k.Topic); err != nil {
		return err
	}
	e.PutInt32(k.Partition)
	return nil
}

func decodeOffsetKey(raw []byte) (k offsetKey, err error) {
	d := protocol.NewDecoder(raw)
	version, err := d.Int16()
	if err != nil {
		return k, err
	}
	if version != offsetsKeyVersion {
		return k, errors.Errorf("unsupported offsets key version %d", version)
	}
	if k.Group, err = d.String(); err != nil {
		return k, err
	}
	if k.Topic, err = d.String(); err != nil {
		return k, err
	}
	if k.Partition, err = d.Int32(); err != nil {
		return k, err
	}
	return k, nil
}

// offsetValue carries the committed position.
type offsetValue struct {
	Offset          int64
	Metadata        *string
	CommitTimestamp int64
}

func (v offsetValue) Encode(e protocol.PacketEncoder) (err error) {
	e.PutInt16(offsetsValueVersion)
	e.PutInt64(v.Offset)
	if err = e.PutNullableString(v.Metadata); err != nil {
		return err
	}
	e.PutInt64(v.CommitTimestamp)
	return nil
}

func decodeOffsetValue(raw []byte) (v offsetValue, err error) {
	d := protocol.NewDecoder(raw)
	version, err := d.Int16()
	if err != nil {
		return v, err
	}
	if version != offsetsValueVersion {
		return v, errors.Errorf("unsupported offsets value version %d", version)
	}
	if v.Offset, err = d.Int64(); err != nil {
		return v, err
	}
	if v.Metadata, err = d.NullableString(); err != nil {
		return v, err
	}
	if v.CommitTimestamp, err = d.Int64(); err != nil {
		return v, err
	}
	return v, nil
}

// newOffsetsBatch wraps one committed offset as a record batch ready for
// the offsets partition.
func newOffsetsBatch(key offsetKey, value offsetValue) ([]byte, error) {
	k, err := protocol.Encode(key)
	if err != nil {
		return nil, err
	}
	v, err := protocol.Encode(value)
	if err != nil {
		return nil, err
	}
	batch := &protocol.RecordBatch{
		PartitionLeaderEpoch: -1,
		BaseTimestamp:        value.CommitTimestamp,
		MaxTimestamp:         value.CommitTimestamp,
		ProducerID:           -1,
		ProducerEpoch:        -1,
		BaseSequence:         -1,
		Records:              []protocol.Record{{Key: k, Value: v}},
	}
	return batch.Encode()
}

// offsetsPartition maps a group (or transactional id) to its offsets
// topic partition, which also decides its coordinator.
func offsetsPartition(key string, numPartitions int32) int32 {
	return int32(util.Hash(key) % uint64(numPartitions))
}

// committedOffset is one group's position on one partition.
type committedOffset struct {
	offset    int64
	metadata  *string
	timestamp int64
}

// offsetsCache is the in-memory view of the offsets topic, rebuilt by
// replaying the offsets partitions this broker coordinates.
type offsetsCache struct {
	mu sync.RWMutex
	// committed is keyed by group, then topic, then partition.
	committed map[string]map[string]map[int32]committedOffset
	loaded    map[int32]bool
}

func newOffsetsCache() *offsetsCache {
	return &offsetsCache{
		committed: make(map[string]map[string]map[int32]committedOffset),
		loaded:    make(map[int32]bool),
	}
}

func (c *offsetsCache) commit(group, topic string, partition int32, o committedOffset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics, ok := c.committed[group]
	if !ok {
		topics = make(map[string]map[int32]committedOffset)
		c.committed[group] = topics
	}
	parts, ok := topics[topic]
	if !ok {
		parts = make(map[int32]committedOffset)
		topics[topic] = parts
	}
	parts[partition] = o
}

func (c *offsetsCache) fetch(group, topic string, partition int32) (committedOffset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.committed[group][topic][partition]
	return o, ok
}

// topics lists every topic a group has commits for.
func (c *offsetsCache) topics(group string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for topic := range c.committed[group] {
		out = append(out, topic)
	}
	return out
}

func (c *offsetsCache) partitions(group, topic string) []int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []int32
	for p := range c.committed[group][topic] {
		out = append(out, p)
	}
	return out
}

func (c *offsetsCache) isLoaded(partition int32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded[partition]
}

func (c *offsetsCache) markLoaded(partition int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded[partition] = true
}

// replay rebuilds the cache from one offsets partition. Later records
// win, so reading in offset order replays the history correctly.
func (c *offsetsCache) replay(ctx context.Context, l *PartitionLog) error {
	off := l.OldestOffset()
	end := l.NewestOffset()
	for off < end {
		res, perr := l.Fetch(ctx, off, 0, recoverReadBytes, 0, false)
		if perr != protocol.ErrNone {
			return errors.Wrapf(perr, "replay offsets partition %d", l.PartitionID())
		}
		if len(res.RecordSet) == 0 {
			break
		}
		batches, err := protocol.DecodeRecordBatches(res.RecordSet)
		if err != nil {
			return errors.Wrapf(err, "replay offsets partition %d", l.PartitionID())
		}
		if len(batches) == 0 {
			break
		}
		for _, b := range batches {
			off = b.LastOffset() + 1
			if b.IsControl() {
				continue
			}
			for i := range b.Records {
				c.apply(&b.Records[i])
			}
		}
	}
	c.markLoaded(l.PartitionID())
	return nil
}

// apply folds one offsets record into the cache. Records that fail to
// decode are skipped: a replay should never wedge on one bad record.
func (c *offsetsCache) apply(r *protocol.Record) {
	key, err := decodeOffsetKey(r.Key)
	if err != nil {
		return
	}
	if r.Value == nil {
		// Tombstone clears the committed offset.
		c.mu.Lock()
		delete(c.committed[key.Group][key.Topic], key.Partition)
		c.mu.Unlock()
		return
	}
	value, err := decodeOffsetValue(r.Value)
	if err != nil {
		return
	}
	c.commit(key.Group, key.Topic, key.Partition, committedOffset{
		offset:    value.Offset,
		metadata:  value.Metadata,
		timestamp: value.CommitTimestamp,
	})
}

// nowMillis matches the batch timestamp resolution.
func nowMillis() int64 { return time.Now().UnixMilli() }
