package fsm

import (
	"bytes"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/brokkr-mq/brokkr/brokkr/structs"
)

func TestStoreTopicsAndPartitions(t *testing.T) {
	st, err := NewStore()
	require.NoError(t, err)

	_, topic, err := st.GetTopic("unknown")
	require.NoError(t, err)
	require.Nil(t, topic)

	err = st.EnsureTopic(1, &structs.Topic{
		Topic:      "orders",
		Partitions: map[int32][]int32{0: {1}, 1: {1}},
		Config:     structs.Properties{"cleanup.policy": "delete"},
	})
	require.NoError(t, err)

	for _, id := range []int32{0, 1} {
		err = st.EnsurePartition(2, &structs.Partition{
			ID:     id,
			Topic:  "orders",
			Leader: 1,
			AR:     []int32{1},
			ISR:    []int32{1},
		})
		require.NoError(t, err)
	}

	idx, topic, err := st.GetTopic("orders")
	require.NoError(t, err)
	require.NotNil(t, topic)
	require.Equal(t, uint64(1), idx)
	require.Equal(t, uint64(1), topic.CreateIndex)

	_, p, err := st.GetPartition("orders", 1)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, int32(1), p.Leader)

	_, ps, err := st.PartitionsByTopic("orders")
	require.NoError(t, err)
	require.Len(t, ps, 2)

	// re-registering keeps the create index
	err = st.EnsureTopic(3, &structs.Topic{Topic: "orders", Partitions: topic.Partitions})
	require.NoError(t, err)
	_, topic, err = st.GetTopic("orders")
	require.NoError(t, err)
	require.Equal(t, uint64(1), topic.CreateIndex)
	require.Equal(t, uint64(3), topic.ModifyIndex)

	// deleting the topic drops its partitions too
	require.NoError(t, st.DeleteTopic(4, "orders"))
	_, topic, err = st.GetTopic("orders")
	require.NoError(t, err)
	require.Nil(t, topic)
	_, ps, err = st.PartitionsByTopic("orders")
	require.NoError(t, err)
	require.Empty(t, ps)
}

func TestStoreNodes(t *testing.T) {
	st, err := NewStore()
	require.NoError(t, err)

	require.NoError(t, st.EnsureNode(1, &structs.Node{Node: 1, Address: "127.0.0.1:9092"}))
	require.NoError(t, st.EnsureNode(2, &structs.Node{Node: 2, Address: "127.0.0.1:9093"}))

	_, nodes, err := st.GetNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	require.NoError(t, st.DeleteNode(3, 1))
	_, node, err := st.GetNode(1)
	require.NoError(t, err)
	require.Nil(t, node)
	_, node, err = st.GetNode(2)
	require.NoError(t, err)
	require.NotNil(t, node)
}

func TestStoreAllocProducerIDs(t *testing.T) {
	st, err := NewStore()
	require.NoError(t, err)

	first, err := st.AllocProducerIDs(1, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(0), first)

	first, err = st.AllocProducerIDs(2, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(1000), first)
}

func TestFSMApply(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)

	buf, err := structs.Encode(structs.RegisterTopicRequestType, structs.RegisterTopicRequest{
		Topic: structs.Topic{Topic: "events", Partitions: map[int32][]int32{0: {1}}},
	})
	require.NoError(t, err)
	resp := c.Apply(&raft.Log{Data: buf, Index: 7})
	require.Nil(t, resp)

	_, topic, err := c.State().GetTopic("events")
	require.NoError(t, err)
	require.NotNil(t, topic)
	require.Equal(t, uint64(7), topic.ModifyIndex)

	buf, err = structs.Encode(structs.AllocProducerIDsRequestType, structs.AllocProducerIDsRequest{Count: 10})
	require.NoError(t, err)
	resp = c.Apply(&raft.Log{Data: buf, Index: 8})
	require.Equal(t, int64(0), resp)
	resp = c.Apply(&raft.Log{Data: buf, Index: 9})
	require.Equal(t, int64(10), resp)
}

type mockSink struct {
	bytes.Buffer
	cancelled bool
}

func (m *mockSink) ID() string    { return "mock" }
func (m *mockSink) Cancel() error { m.cancelled = true; return nil }
func (m *mockSink) Close() error  { return nil }

func TestFSMSnapshotRestore(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)

	apply := func(msgType structs.MessageType, msg interface{}, index uint64) {
		buf, err := structs.Encode(msgType, msg)
		require.NoError(t, err)
		resp := c.Apply(&raft.Log{Data: buf, Index: index})
		if err, ok := resp.(error); ok {
			require.NoError(t, err)
		}
	}

	apply(structs.RegisterNodeRequestType, structs.RegisterNodeRequest{Node: structs.Node{Node: 1, Address: "127.0.0.1:9092"}}, 1)
	apply(structs.RegisterTopicRequestType, structs.RegisterTopicRequest{Topic: structs.Topic{Topic: "events", Partitions: map[int32][]int32{0: {1}}}}, 2)
	apply(structs.RegisterPartitionRequestType, structs.RegisterPartitionRequest{Partition: structs.Partition{ID: 0, Topic: "events", Leader: 1, AR: []int32{1}, ISR: []int32{1}}}, 3)
	apply(structs.RegisterGroupRequestType, structs.RegisterGroupRequest{Group: structs.Group{Group: "readers", Coordinator: 1, State: structs.GroupStateStable, Generation: 3}}, 4)
	apply(structs.RegisterTransactionRequestType, structs.RegisterTransactionRequest{Txn: structs.Transaction{ID: "txn-1", ProducerID: 0, State: structs.TxnStateOngoing}}, 5)
	apply(structs.AllocProducerIDsRequestType, structs.AllocProducerIDsRequest{Count: 1000}, 6)

	snap, err := c.Snapshot()
	require.NoError(t, err)
	defer snap.Release()
	sink := &mockSink{}
	require.NoError(t, snap.Persist(sink))
	require.False(t, sink.cancelled)

	restored, err := New(2)
	require.NoError(t, err)
	abandoned := restored.State().AbandonCh()
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	select {
	case <-abandoned:
	default:
		t.Fatal("expected the old store to be abandoned")
	}

	_, node, err := restored.State().GetNode(1)
	require.NoError(t, err)
	require.NotNil(t, node)

	_, topic, err := restored.State().GetTopic("events")
	require.NoError(t, err)
	require.NotNil(t, topic)

	_, p, err := restored.State().GetPartition("events", 0)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, int32(1), p.Leader)

	_, g, err := restored.State().GetGroup("readers")
	require.NoError(t, err)
	require.NotNil(t, g)
	require.Equal(t, int32(3), g.Generation)

	_, txn, err := restored.State().GetTransaction("txn-1")
	require.NoError(t, err)
	require.NotNil(t, txn)
	require.Equal(t, structs.TxnStateOngoing, txn.State)

	// allocator picks up where the snapshot left off
	first, err := restored.State().AllocProducerIDs(10, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1000), first)
}
