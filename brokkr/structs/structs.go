// Package structs defines the rows held in the broker's replicated state
// store and the command envelopes applied through raft to mutate them.
package structs

import (
	"bytes"
	"strconv"
	"time"

	"github.com/ugorji/go/codec"
)

// MessageType tags a raft log entry with the command it carries. The tag is
// the first byte of the entry, ahead of the msgpack body.
type MessageType uint8

const (
	RegisterNodeRequestType MessageType = iota
	DeregisterNodeRequestType
	RegisterTopicRequestType
	DeregisterTopicRequestType
	RegisterPartitionRequestType
	DeregisterPartitionRequestType
	RegisterGroupRequestType
	DeregisterGroupRequestType
	AllocProducerIDsRequestType
	RegisterTransactionRequestType
	SetCounterRequestType
)

var msgpackHandle = &codec.MsgpackHandle{}

// Encode renders a command envelope: one type byte then the msgpack body.
func Encode(t MessageType, msg interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(uint8(t))
	err := codec.NewEncoder(&buf, msgpackHandle).Encode(msg)
	return buf.Bytes(), err
}

// Decode reads a msgpack body; the caller strips the type byte.
func Decode(buf []byte, out interface{}) error {
	return codec.NewDecoder(bytes.NewReader(buf), msgpackHandle).Decode(out)
}

// RaftIndex tracks the raft indexes at which a row was created and last
// modified.
type RaftIndex struct {
	CreateIndex uint64
	ModifyIndex uint64
}

// Node health, mirrored from serf member status.
const (
	HealthUnknown  = "unknown"
	HealthPassing  = "passing"
	HealthCritical = "critical"
)

// Check is a node's health record.
type Check struct {
	Name   string
	Status string
}

// Node is one broker in the cluster.
type Node struct {
	Node    int32
	Name    string
	Address string
	Meta    map[string]string
	Check   Check

	RaftIndex
}

// Properties are per-topic config overrides; reads fall back to broker
// defaults for unset keys.
type Properties map[string]string

var topicDefaults = Properties{
	"cleanup.policy":    "delete",
	"max.message.bytes": "1048588",
	"schema.validation": "false",
}

func (p Properties) GetString(key string) string {
	if p != nil {
		if v, ok := p[key]; ok {
			return v
		}
	}
	return topicDefaults[key]
}

func (p Properties) GetBool(key string) bool {
	return p.GetString(key) == "true"
}

func (p Properties) GetInt64(key string) int64 {
	v, err := strconv.ParseInt(p.GetString(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Topic is a named stream with a static partition to replica assignment.
type Topic struct {
	Topic string
	// Partitions maps partition id to its assigned replicas.
	Partitions map[int32][]int32
	Config     Properties
	// Internal marks broker-owned topics like the offsets topic.
	Internal bool

	RaftIndex
}

// Partition is one partition's replication record.
type Partition struct {
	ID              int32
	Topic           string
	ControllerEpoch int32
	LeaderEpoch     int32
	Leader          int32
	// AR is the assigned replica set; ISR the in-sync subset.
	AR  []int32
	ISR []int32

	RaftIndex
}

// Group states.
type GroupState string

const (
	GroupStateEmpty               GroupState = "Empty"
	GroupStatePreparingRebalance  GroupState = "PreparingRebalance"
	GroupStateCompletingRebalance GroupState = "CompletingRebalance"
	GroupStateStable              GroupState = "Stable"
	GroupStateDead                GroupState = "Dead"
)

// MemberProtocol is one (protocol name, subscription metadata) pair a
// member offered at join.
type MemberProtocol struct {
	Name     string
	Metadata []byte
}

// Member is one consumer in a group.
type Member struct {
	ID               string
	ClientID         string
	ClientHost       string
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
	Protocols        []MemberProtocol
	Assignment       []byte
}

// Metadata returns the member's subscription bytes for the chosen group
// protocol.
func (m Member) Metadata(protocol string) []byte {
	for _, p := range m.Protocols {
		if p.Name == protocol {
			return p.Metadata
		}
	}
	return nil
}

// Group is a consumer group's durable record.
type Group struct {
	Group        string
	Coordinator  int32
	State        GroupState
	Generation   int32
	ProtocolType string
	Protocol     string
	LeaderID     string
	Members      map[string]Member

	RaftIndex
}

// Transaction states.
type TxnState int8

const (
	TxnStateEmpty TxnState = iota
	TxnStateOngoing
	TxnStatePrepareCommit
	TxnStatePrepareAbort
	TxnStateCompleteCommit
	TxnStateCompleteAbort
	TxnStateDead
)

func (s TxnState) String() string {
	switch s {
	case TxnStateEmpty:
		return "Empty"
	case TxnStateOngoing:
		return "Ongoing"
	case TxnStatePrepareCommit:
		return "PrepareCommit"
	case TxnStatePrepareAbort:
		return "PrepareAbort"
	case TxnStateCompleteCommit:
		return "CompleteCommit"
	case TxnStateCompleteAbort:
		return "CompleteAbort"
	case TxnStateDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// StagedOffset is a group offset committed inside a transaction. Staged
// offsets only reach the offsets topic when the transaction commits.
type StagedOffset struct {
	Group     string
	Topic     string
	Partition int32
	Offset    int64
	Metadata  *string
}

// Transaction is a transactional producer's durable record. State
// transitions are applied through raft so a restarted coordinator can
// resume marker writes for transactions caught mid-completion.
type Transaction struct {
	ID            string
	ProducerID    int64
	ProducerEpoch int16
	Timeout       time.Duration
	State         TxnState
	// Partitions touched since the transaction opened, keyed by topic.
	Partitions    map[string][]int32
	StagedOffsets []StagedOffset

	RaftIndex
}

// PartitionTouched reports whether the transaction already covers the
// partition.
func (t *Transaction) PartitionTouched(topic string, partition int32) bool {
	for _, id := range t.Partitions[topic] {
		if id == partition {
			return true
		}
	}
	return false
}

// Raft command envelopes.

type RegisterNodeRequest struct {
	Node Node
}

type DeregisterNodeRequest struct {
	Node Node
}

type RegisterTopicRequest struct {
	Topic Topic
}

type DeregisterTopicRequest struct {
	Topic Topic
}

type RegisterPartitionRequest struct {
	Partition Partition
}

type DeregisterPartitionRequest struct {
	Partition Partition
}

type RegisterGroupRequest struct {
	Group Group
}

type DeregisterGroupRequest struct {
	Group Group
}

// AllocProducerIDsRequest reserves a block of producer ids. The FSM answers
// with the first id of the block.
type AllocProducerIDsRequest struct {
	Count int64
}

type RegisterTransactionRequest struct {
	Txn Transaction
}

// Counter is a named monotonic allocator, e.g. the producer id block
// counter.
type Counter struct {
	Name  string
	Value int64

	RaftIndex
}

// SetCounterRequest force-writes a counter; snapshot restore replays these.
type SetCounterRequest struct {
	Counter Counter
}
