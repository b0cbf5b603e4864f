// Package fsm holds the replicated cluster state. Every metadata change
// is a raft log entry; Apply routes it to the store so all brokers
// converge on the same view.
package fsm

import (
	"bufio"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"

	"github.com/brokkr-mq/brokkr/brokkr/structs"
	"github.com/brokkr-mq/brokkr/log"
)

var msgpackHandle = &codec.MsgpackHandle{}

type command func(buf []byte, index uint64) interface{}

// FSM implements raft.FSM over the metadata store.
type FSM struct {
	nodeID int32
	apply  map[structs.MessageType]command

	stateLock sync.RWMutex
	state     *Store
}

func New(nodeID int32) (*FSM, error) {
	store, err := NewStore()
	if err != nil {
		return nil, err
	}
	c := &FSM{
		nodeID: nodeID,
		state:  store,
	}
	c.apply = map[structs.MessageType]command{
		structs.RegisterNodeRequestType:        c.applyRegisterNode,
		structs.DeregisterNodeRequestType:      c.applyDeregisterNode,
		structs.RegisterTopicRequestType:       c.applyRegisterTopic,
		structs.DeregisterTopicRequestType:     c.applyDeregisterTopic,
		structs.RegisterPartitionRequestType:   c.applyRegisterPartition,
		structs.DeregisterPartitionRequestType: c.applyDeregisterPartition,
		structs.RegisterGroupRequestType:       c.applyRegisterGroup,
		structs.DeregisterGroupRequestType:     c.applyDeregisterGroup,
		structs.AllocProducerIDsRequestType:    c.applyAllocProducerIDs,
		structs.RegisterTransactionRequestType: c.applyRegisterTransaction,
		structs.SetCounterRequestType:          c.applySetCounter,
	}
	return c, nil
}

// State returns the current store. Hold the result only briefly: a
// snapshot restore swaps it out.
func (c *FSM) State() *Store {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.state
}

func (c *FSM) Apply(l *raft.Log) interface{} {
	buf := l.Data
	msgType := structs.MessageType(buf[0])
	if fn := c.apply[msgType]; fn != nil {
		return fn(buf[1:], l.Index)
	}
	log.Error.Printf("fsm/%d: unknown message type: %d", c.nodeID, msgType)
	return errors.Errorf("fsm: unknown message type: %d", msgType)
}

func (c *FSM) applyRegisterNode(buf []byte, index uint64) interface{} {
	var req structs.RegisterNodeRequest
	if err := structs.Decode(buf, &req); err != nil {
		return errors.Wrap(err, "fsm: decode register node failed")
	}
	if err := c.State().EnsureNode(index, &req.Node); err != nil {
		return err
	}
	return nil
}

func (c *FSM) applyDeregisterNode(buf []byte, index uint64) interface{} {
	var req structs.DeregisterNodeRequest
	if err := structs.Decode(buf, &req); err != nil {
		return errors.Wrap(err, "fsm: decode deregister node failed")
	}
	if err := c.State().DeleteNode(index, req.Node.Node); err != nil {
		return err
	}
	return nil
}

func (c *FSM) applyRegisterTopic(buf []byte, index uint64) interface{} {
	var req structs.RegisterTopicRequest
	if err := structs.Decode(buf, &req); err != nil {
		return errors.Wrap(err, "fsm: decode register topic failed")
	}
	if err := c.State().EnsureTopic(index, &req.Topic); err != nil {
		return err
	}
	return nil
}

func (c *FSM) applyDeregisterTopic(buf []byte, index uint64) interface{} {
	var req structs.DeregisterTopicRequest
	if err := structs.Decode(buf, &req); err != nil {
		return errors.Wrap(err, "fsm: decode deregister topic failed")
	}
	if err := c.State().DeleteTopic(index, req.Topic.Topic); err != nil {
		return err
	}
	return nil
}

func (c *FSM) applyRegisterPartition(buf []byte, index uint64) interface{} {
	var req structs.RegisterPartitionRequest
	if err := structs.Decode(buf, &req); err != nil {
		return errors.Wrap(err, "fsm: decode register partition failed")
	}
	if err := c.State().EnsurePartition(index, &req.Partition); err != nil {
		return err
	}
	return nil
}

func (c *FSM) applyDeregisterPartition(buf []byte, index uint64) interface{} {
	var req structs.DeregisterPartitionRequest
	if err := structs.Decode(buf, &req); err != nil {
		return errors.Wrap(err, "fsm: decode deregister partition failed")
	}
	if err := c.State().DeletePartition(index, req.Partition.Topic, req.Partition.ID); err != nil {
		return err
	}
	return nil
}

func (c *FSM) applyRegisterGroup(buf []byte, index uint64) interface{} {
	var req structs.RegisterGroupRequest
	if err := structs.Decode(buf, &req); err != nil {
		return errors.Wrap(err, "fsm: decode register group failed")
	}
	if err := c.State().EnsureGroup(index, &req.Group); err != nil {
		return err
	}
	return nil
}

func (c *FSM) applyDeregisterGroup(buf []byte, index uint64) interface{} {
	var req structs.DeregisterGroupRequest
	if err := structs.Decode(buf, &req); err != nil {
		return errors.Wrap(err, "fsm: decode deregister group failed")
	}
	if err := c.State().DeleteGroup(index, req.Group.Group); err != nil {
		return err
	}
	return nil
}

// applyAllocProducerIDs returns the first id of the reserved block so the
// submitting broker can hand it to the producer.
func (c *FSM) applyAllocProducerIDs(buf []byte, index uint64) interface{} {
	var req structs.AllocProducerIDsRequest
	if err := structs.Decode(buf, &req); err != nil {
		return errors.Wrap(err, "fsm: decode alloc producer ids failed")
	}
	first, err := c.State().AllocProducerIDs(index, req.Count)
	if err != nil {
		return err
	}
	return first
}

func (c *FSM) applyRegisterTransaction(buf []byte, index uint64) interface{} {
	var req structs.RegisterTransactionRequest
	if err := structs.Decode(buf, &req); err != nil {
		return errors.Wrap(err, "fsm: decode register transaction failed")
	}
	if err := c.State().EnsureTransaction(index, &req.Txn); err != nil {
		return err
	}
	return nil
}

func (c *FSM) applySetCounter(buf []byte, index uint64) interface{} {
	var req structs.SetCounterRequest
	if err := structs.Decode(buf, &req); err != nil {
		return errors.Wrap(err, "fsm: decode set counter failed")
	}
	if err := c.State().SetCounter(index, &req.Counter); err != nil {
		return err
	}
	return nil
}

func (c *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &snapshot{state: c.State().Snapshot()}, nil
}

// Restore rebuilds the store from a snapshot stream and swaps it in.
func (c *FSM) Restore(old io.ReadCloser) error {
	defer old.Close()

	fresh, err := NewStore()
	if err != nil {
		return err
	}

	in := bufio.NewReader(old)
	dec := codec.NewDecoder(in, msgpackHandle)
	for {
		msgType, err := in.ReadByte()
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, "fsm: restore read failed")
		}
		if err := restoreRecord(fresh, structs.MessageType(msgType), dec); err != nil {
			return err
		}
	}

	c.stateLock.Lock()
	stale := c.state
	c.state = fresh
	c.stateLock.Unlock()
	stale.Abandon()

	log.Debug.Printf("fsm/%d: restored snapshot", c.nodeID)
	return nil
}

func restoreRecord(store *Store, msgType structs.MessageType, dec *codec.Decoder) error {
	switch msgType {
	case structs.RegisterNodeRequestType:
		var req structs.RegisterNodeRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		return store.EnsureNode(req.Node.ModifyIndex, &req.Node)
	case structs.RegisterTopicRequestType:
		var req structs.RegisterTopicRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		return store.EnsureTopic(req.Topic.ModifyIndex, &req.Topic)
	case structs.RegisterPartitionRequestType:
		var req structs.RegisterPartitionRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		return store.EnsurePartition(req.Partition.ModifyIndex, &req.Partition)
	case structs.RegisterGroupRequestType:
		var req structs.RegisterGroupRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		return store.EnsureGroup(req.Group.ModifyIndex, &req.Group)
	case structs.RegisterTransactionRequestType:
		var req structs.RegisterTransactionRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		return store.EnsureTransaction(req.Txn.ModifyIndex, &req.Txn)
	case structs.SetCounterRequestType:
		var req structs.SetCounterRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		return store.SetCounter(req.Counter.ModifyIndex, &req.Counter)
	default:
		return errors.Errorf("fsm: unknown snapshot record type: %d", msgType)
	}
}

type snapshot struct {
	state *StoreSnapshot
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.persist(sink); err != nil {
		sink.Cancel()
		return err
	}
	return nil
}

func (s *snapshot) persist(sink raft.SnapshotSink) error {
	nodes, err := s.state.Nodes()
	if err != nil {
		return err
	}
	for next := nodes.Next(); next != nil; next = nodes.Next() {
		node := next.(*structs.Node)
		if err := writeRecord(sink, structs.RegisterNodeRequestType, &structs.RegisterNodeRequest{Node: *node}); err != nil {
			return err
		}
	}
	topics, err := s.state.Topics()
	if err != nil {
		return err
	}
	for next := topics.Next(); next != nil; next = topics.Next() {
		topic := next.(*structs.Topic)
		if err := writeRecord(sink, structs.RegisterTopicRequestType, &structs.RegisterTopicRequest{Topic: *topic}); err != nil {
			return err
		}
	}
	partitions, err := s.state.Partitions()
	if err != nil {
		return err
	}
	for next := partitions.Next(); next != nil; next = partitions.Next() {
		p := next.(*structs.Partition)
		if err := writeRecord(sink, structs.RegisterPartitionRequestType, &structs.RegisterPartitionRequest{Partition: *p}); err != nil {
			return err
		}
	}
	groups, err := s.state.Groups()
	if err != nil {
		return err
	}
	for next := groups.Next(); next != nil; next = groups.Next() {
		g := next.(*structs.Group)
		if err := writeRecord(sink, structs.RegisterGroupRequestType, &structs.RegisterGroupRequest{Group: *g}); err != nil {
			return err
		}
	}
	txns, err := s.state.Transactions()
	if err != nil {
		return err
	}
	for next := txns.Next(); next != nil; next = txns.Next() {
		t := next.(*structs.Transaction)
		if err := writeRecord(sink, structs.RegisterTransactionRequestType, &structs.RegisterTransactionRequest{Txn: *t}); err != nil {
			return err
		}
	}
	counters, err := s.state.Counters()
	if err != nil {
		return err
	}
	for next := counters.Next(); next != nil; next = counters.Next() {
		counter := next.(*structs.Counter)
		if err := writeRecord(sink, structs.SetCounterRequestType, &structs.SetCounterRequest{Counter: *counter}); err != nil {
			return err
		}
	}
	return nil
}

func writeRecord(sink raft.SnapshotSink, msgType structs.MessageType, msg interface{}) error {
	buf, err := structs.Encode(msgType, msg)
	if err != nil {
		return err
	}
	_, err = sink.Write(buf)
	return err
}

func (s *snapshot) Release() {
	s.state.Close()
}
