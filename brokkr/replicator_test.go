package brokkr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/brokkr-mq/brokkr/protocol"
	"github.com/brokkr-mq/brokkr/storage"
)

// fakeLeader serves canned record sets keyed by fetch offset, standing
// in for the leader's connection. Offsets it has nothing for get an
// empty record set, which sends the replicator into backoff.
type fakeLeader struct {
	mu     sync.Mutex
	frames map[int64][]byte
	hw     int64
	closed bool
}

func (f *fakeLeader) FetchContext(ctx context.Context, req *protocol.FetchRequest) (*protocol.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errors.New("leader connection closed")
	}
	fp := req.Topics[0].Partitions[0]
	return &protocol.FetchResponse{
		Responses: protocol.FetchTopicResponses{{
			Topic: req.Topics[0].Topic,
			PartitionResponses: []*protocol.FetchPartitionResponse{{
				Partition:     fp.Partition,
				ErrorCode:     protocol.ErrNone.Code(),
				HighWatermark: f.hw,
				RecordSet:     f.frames[fp.FetchOffset],
			}},
		}},
	}, nil
}

func (f *fakeLeader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLeader) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// leaderBatch builds a batch frame stamped at the given base offset, the
// way a leader's log would hold it.
func leaderBatch(t *testing.T, base int64, values ...string) []byte {
	t.Helper()
	frame := newTestBatch(t, -1, -1, -1, values...)
	require.NoError(t, protocol.StampBatchBaseOffset(frame, base))
	return frame
}

func followerLog(t *testing.T, topic string) *PartitionLog {
	t.Helper()
	l, err := NewPartitionLog(storage.NewMemory(), PartitionConfig{
		Topic:     topic,
		Partition: 0,
	})
	require.NoError(t, err)
	return l
}

func TestReplicatorCatchUp(t *testing.T) {
	partition := followerLog(t, "replicated")
	defer partition.Close()

	leader := &fakeLeader{
		frames: map[int64][]byte{
			0: leaderBatch(t, 0, "a", "b", "c"),
			3: leaderBatch(t, 3, "d"),
		},
		hw: 4,
	}

	r := NewReplicator(ReplicatorConfig{
		BrokerID:    2,
		MinBytes:    1,
		MaxWaitTime: 50 * time.Millisecond,
	}, partition, leader)
	r.Replicate(context.Background())

	RetryFunc(t, func() error {
		if got := partition.NewestOffset(); got != 4 {
			return errors.Errorf("follower at offset %d, want 4", got)
		}
		return nil
	})

	res, perr := partition.Fetch(context.Background(), 0, 1, 1024*1024, 0, false)
	require.Equal(t, protocol.ErrNone, perr)
	batches, err := protocol.DecodeRecordBatches(res.RecordSet)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, int64(0), batches[0].BaseOffset)
	require.Equal(t, int64(3), batches[1].BaseOffset)
	require.Equal(t, []byte("d"), batches[1].Records[0].Value)

	require.NoError(t, r.Close())
	require.True(t, leader.isClosed())
}

func TestReplicatorSplitsFrames(t *testing.T) {
	partition := followerLog(t, "replicated")
	defer partition.Close()

	// One fetch response can carry several batches back to back.
	frame := append(leaderBatch(t, 0, "a", "b"), leaderBatch(t, 2, "c")...)
	leader := &fakeLeader{
		frames: map[int64][]byte{0: frame},
		hw:     3,
	}

	r := NewReplicator(ReplicatorConfig{BrokerID: 2}, partition, leader)
	r.Replicate(context.Background())
	defer r.Close()

	RetryFunc(t, func() error {
		if got := partition.NewestOffset(); got != 3 {
			return errors.Errorf("follower at offset %d, want 3", got)
		}
		return nil
	})

	res, perr := partition.Fetch(context.Background(), 0, 1, 1024*1024, 0, false)
	require.Equal(t, protocol.ErrNone, perr)
	batches, err := protocol.DecodeRecordBatches(res.RecordSet)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, []byte("c"), batches[1].Records[0].Value)
}

func TestReplicatorResumesFromLocalTail(t *testing.T) {
	partition := followerLog(t, "replicated")
	defer partition.Close()

	require.NoError(t, partition.AppendAsFollower(context.Background(), leaderBatch(t, 0, "a", "b")))

	// The leader only answers for the local tail; a replicator starting
	// from zero would stall on an empty record set.
	leader := &fakeLeader{
		frames: map[int64][]byte{2: leaderBatch(t, 2, "c")},
		hw:     3,
	}

	r := NewReplicator(ReplicatorConfig{BrokerID: 2}, partition, leader)
	r.Replicate(context.Background())
	defer r.Close()

	RetryFunc(t, func() error {
		if got := partition.NewestOffset(); got != 3 {
			return errors.Errorf("follower at offset %d, want 3", got)
		}
		return nil
	})
}

func TestFrameEndOffset(t *testing.T) {
	full := leaderBatch(t, 0, "a", "b", "c")

	end, err := frameEndOffset(full)
	require.NoError(t, err)
	require.Equal(t, int64(3), end)

	// A truncated trailing batch is ignored; the next fetch re-reads it.
	frame := append(append([]byte{}, full...), leaderBatch(t, 3, "d")[:20]...)
	end, err = frameEndOffset(frame)
	require.NoError(t, err)
	require.Equal(t, int64(3), end)

	_, err = frameEndOffset(full[:20])
	require.Error(t, err)
}
