package brokkr

import (
	"bytes"
	"container/ring"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/hashicorp/serf/serf"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/brokkr-mq/brokkr/brokkr/config"
	"github.com/brokkr-mq/brokkr/brokkr/fsm"
	"github.com/brokkr-mq/brokkr/brokkr/metadata"
	"github.com/brokkr-mq/brokkr/brokkr/structs"
	"github.com/brokkr-mq/brokkr/log"
	"github.com/brokkr-mq/brokkr/protocol"
	"github.com/brokkr-mq/brokkr/storage"
)

var brokerVerboseLogs bool

// OffsetsTopicNumPartitions is the fallback partition count for the
// offsets topic when the config leaves it unset.
var OffsetsTopicNumPartitions int32 = 50

var topicNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

func init() {
	spew.Config.Indent = ""

	e := os.Getenv("BROKKRDEBUG")
	if strings.Contains(e, "broker=1") {
		brokerVerboseLogs = true
	}
}

// Broker is a node in the cluster. It takes wire requests from the
// server, applies cluster changes through raft, and serves produce and
// fetch traffic from the partition logs it hosts. Group, transaction
// and offsets coordination run here for the groups and transactional
// ids hashed to this broker's offsets partitions.
type Broker struct {
	sync.RWMutex
	config *config.Config

	ctx    context.Context
	cancel context.CancelFunc

	// readyForConsistentReads flips to 1 once this node establishes
	// raft leadership and its barrier write lands.
	readyForConsistentReads int32

	brokerLookup    *brokerLookup
	partitionLookup *partitionLookup

	backend storage.Backend

	groups  *groupCoordinator
	txns    *txnCoordinator
	offsets *offsetsCache

	// offsetsTopicMu serializes lazy creation of the offsets topic so
	// two racing coordinators don't register conflicting assignments.
	offsetsTopicMu sync.Mutex

	raft          *raft.Raft
	raftStore     *raftboltdb.BoltStore
	raftTransport *raft.NetworkTransport
	raftInmem     *raft.InmemStore
	raftNotifyCh  <-chan bool

	serf        *serf.Serf
	fsm         *fsm.FSM
	eventChLAN  chan serf.Event
	reconcileCh chan serf.Member

	logStateInterval time.Duration

	tracer opentracing.Tracer

	shutdownCh   chan struct{}
	shutdown     bool
	shutdownLock sync.Mutex
}

// NewBroker starts the node: it opens the storage backend, brings up
// raft and serf, and begins watching for leadership changes. Requests
// don't flow until the caller connects Run to a server.
func NewBroker(conf *config.Config, tracer opentracing.Tracer) (*Broker, error) {
	ctx, cancel := context.WithCancel(context.Background())

	var backend storage.Backend
	if conf.DevMode || conf.Storage == config.StorageMemory {
		backend = storage.NewMemory()
	} else {
		var err error
		backend, err = storage.NewDisk(storage.DiskConfig{
			Dir:             filepath.Join(conf.DataDir, "data"),
			MaxSegmentBytes: conf.MaxSegmentBytes,
			MaxLogBytes:     conf.MaxLogBytes,
		})
		if err != nil {
			cancel()
			return nil, errors.Wrap(err, "open storage")
		}
	}

	b := &Broker{
		config:           conf,
		ctx:              ctx,
		cancel:           cancel,
		backend:          backend,
		brokerLookup:     NewBrokerLookup(),
		partitionLookup:  NewPartitionLookup(),
		offsets:          newOffsetsCache(),
		eventChLAN:       make(chan serf.Event, 256),
		reconcileCh:      make(chan serf.Member, 32),
		logStateInterval: 250 * time.Millisecond,
		tracer:           tracer,
		shutdownCh:       make(chan struct{}),
	}

	b.groups = newGroupCoordinator(conf.ID, conf.GroupInitialJoinDelay)
	b.groups.save = b.saveGroup
	b.groups.fetchGroup = b.fetchGroup
	b.groups.topicPartitions = b.topicPartitions

	b.txns = newTxnCoordinator(conf.ID)
	b.txns.save = b.saveTxn
	b.txns.fetchTxn = b.fetchTxn
	b.txns.fetchTxns = b.fetchTxns
	b.txns.allocProducerID = b.allocProducerID
	b.txns.writeMarker = b.writeMarker
	b.txns.commitOffset = b.commitStagedOffset

	if err := b.setupRaft(); err != nil {
		b.Shutdown()
		return nil, errors.Wrap(err, "start raft")
	}

	var err error
	b.serf, err = b.setupSerf(conf.SerfLANConfig, b.eventChLAN, serfLANSnapshot)
	if err != nil {
		b.Shutdown()
		return nil, errors.Wrap(err, "start serf")
	}

	go b.lanEventHandler()
	go b.monitorLeadership()

	if brokerVerboseLogs {
		go b.logState()
	}

	return b, nil
}

// Run dispatches requests off the channel, each in its own goroutine,
// and pushes the responses back. A parked join or a long-poll fetch
// only ever stalls its own connection.
func (b *Broker) Run(ctx context.Context, requests <-chan *Context, responses chan<- *Context) {
	for {
		select {
		case reqCtx := <-requests:
			if reqCtx == nil {
				log.Debug.Printf("broker/%d: request channel closed", b.config.ID)
				return
			}
			log.Debug.Printf("broker/%d: request: %v", b.config.ID, reqCtx)
			go b.dispatch(reqCtx, responses)
		case <-ctx.Done():
			return
		case <-b.shutdownCh:
			return
		}
	}
}

func (b *Broker) dispatch(reqCtx *Context, responses chan<- *Context) {
	if queueSpan, ok := reqCtx.Value(requestQueueSpanKey).(opentracing.Span); ok {
		queueSpan.Finish()
	}

	var res protocol.ResponseBody

	switch req := reqCtx.req.(type) {
	case *protocol.ProduceRequest:
		res = b.handleProduce(reqCtx, req)
		if req.Acks == 0 {
			// fire and forget: ack nothing
			res = nil
		}
	case *protocol.FetchRequest:
		res = b.handleFetch(reqCtx, req)
	case *protocol.OffsetsRequest:
		res = b.handleOffsets(reqCtx, req)
	case *protocol.MetadataRequest:
		res = b.handleMetadata(reqCtx, req)
	case *protocol.LeaderAndISRRequest:
		res = b.handleLeaderAndISR(reqCtx, req)
	case *protocol.StopReplicaRequest:
		res = b.handleStopReplica(reqCtx, req)
	case *protocol.OffsetCommitRequest:
		res = b.handleOffsetCommit(reqCtx, req)
	case *protocol.OffsetFetchRequest:
		res = b.handleOffsetFetch(reqCtx, req)
	case *protocol.FindCoordinatorRequest:
		res = b.handleFindCoordinator(reqCtx, req)
	case *protocol.JoinGroupRequest:
		res = b.handleJoinGroup(reqCtx, req)
	case *protocol.HeartbeatRequest:
		res = b.handleHeartbeat(reqCtx, req)
	case *protocol.LeaveGroupRequest:
		res = b.handleLeaveGroup(reqCtx, req)
	case *protocol.SyncGroupRequest:
		res = b.handleSyncGroup(reqCtx, req)
	case *protocol.DescribeGroupsRequest:
		res = b.handleDescribeGroups(reqCtx, req)
	case *protocol.ListGroupsRequest:
		res = b.handleListGroups(reqCtx, req)
	case *protocol.SaslHandshakeRequest:
		res = b.handleSaslHandshake(reqCtx, req)
	case *protocol.APIVersionsRequest:
		res = b.handleAPIVersions(reqCtx, req)
	case *protocol.CreateTopicRequests:
		res = b.handleCreateTopic(reqCtx, req)
	case *protocol.DeleteTopicsRequest:
		res = b.handleDeleteTopics(reqCtx, req)
	case *protocol.InitProducerIDRequest:
		res = b.handleInitProducerID(reqCtx, req)
	case *protocol.AddPartitionsToTxnRequest:
		res = b.handleAddPartitionsToTxn(reqCtx, req)
	case *protocol.AddOffsetsToTxnRequest:
		res = b.handleAddOffsetsToTxn(reqCtx, req)
	case *protocol.EndTxnRequest:
		res = b.handleEndTxn(reqCtx, req)
	case *protocol.TxnOffsetCommitRequest:
		res = b.handleTxnOffsetCommit(reqCtx, req)
	default:
		log.Error.Printf("broker/%d: unhandled request type: %T", b.config.ID, req)
	}

	queueSpan := span(reqCtx, b.tracer, "queue response")

	responses <- &Context{
		parent: context.WithValue(reqCtx, responseQueueSpanKey, queueSpan),
		conn:   reqCtx.conn,
		header: reqCtx.header,
		res: &protocol.Response{
			CorrelationID: reqCtx.header.CorrelationID,
			Body:          res,
		},
	}
}

// JoinLAN joins the LAN gossip pool given the address of at least one
// existing member.
func (b *Broker) JoinLAN(addrs ...string) protocol.Error {
	if _, err := b.serf.Join(addrs, true); err != nil {
		return protocol.ErrUnknown.WithErr(err)
	}
	return protocol.ErrNone
}

// coordinator wiring
//
// The group and transaction coordinators reach the rest of the broker
// through plain funcs so they can be tested without raft underneath.

func (b *Broker) saveGroup(group structs.Group) error {
	_, err := b.raftApply(structs.RegisterGroupRequestType, structs.RegisterGroupRequest{Group: group})
	return err
}

func (b *Broker) fetchGroup(id string) (*structs.Group, error) {
	_, group, err := b.fsm.State().GetGroup(id)
	return group, err
}

func (b *Broker) topicPartitions(topics []string) (map[string][]int32, error) {
	state := b.fsm.State()
	out := make(map[string][]int32, len(topics))
	for _, topic := range topics {
		_, ps, err := state.PartitionsByTopic(topic)
		if err != nil {
			return nil, err
		}
		ids := make([]int32, 0, len(ps))
		for _, p := range ps {
			ids = append(ids, p.ID)
		}
		out[topic] = ids
	}
	return out, nil
}

func (b *Broker) saveTxn(txn structs.Transaction) error {
	_, err := b.raftApply(structs.RegisterTransactionRequestType, structs.RegisterTransactionRequest{Txn: txn})
	return err
}

func (b *Broker) fetchTxn(id string) (*structs.Transaction, error) {
	_, txn, err := b.fsm.State().GetTransaction(id)
	return txn, err
}

func (b *Broker) fetchTxns() ([]*structs.Transaction, error) {
	_, txns, err := b.fsm.State().GetTransactions()
	return txns, err
}

func (b *Broker) allocProducerID() (int64, error) {
	res, err := b.raftApply(structs.AllocProducerIDsRequestType, structs.AllocProducerIDsRequest{Count: 1})
	if err != nil {
		return 0, err
	}
	pid, ok := res.(int64)
	if !ok {
		return 0, errors.Errorf("unexpected producer id response: %T", res)
	}
	return pid, nil
}

// writeMarker lands a commit/abort marker on one partition. Local
// leaders take the direct path; remote leaders get the marker as a
// produce request carrying the control batch.
func (b *Broker) writeMarker(ctx context.Context, topic string, partition int32, pid int64, epoch int16, commit bool) error {
	_, p, err := b.fsm.State().GetPartition(topic, partition)
	if err != nil {
		return err
	}
	if p == nil {
		return errors.Errorf("marker for unknown partition %s-%d", topic, partition)
	}

	if p.Leader == b.config.ID {
		l, perr := b.partitionLog(topic, partition)
		if perr != protocol.ErrNone {
			return perr
		}
		_, err = l.AppendControl(ctx, pid, epoch, 0, commit)
		return err
	}

	broker := b.brokerLookup.BrokerByID(raft.ServerID(fmt.Sprintf("%d", p.Leader)))
	if broker == nil {
		return errors.Errorf("marker: no broker for leader %d", p.Leader)
	}
	frame, err := protocol.NewControlBatch(pid, epoch, 0, commit, nowMillis()).Encode()
	if err != nil {
		return err
	}
	conn, err := Dial("tcp", broker.BrokerAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	res, err := conn.ProduceContext(ctx, &protocol.ProduceRequest{
		Acks:    -1,
		Timeout: 10 * time.Second,
		TopicData: []*protocol.ProduceTopicData{{
			Topic: topic,
			Data: []*protocol.ProducePartitionData{{
				Partition: partition,
				RecordSet: frame,
			}},
		}},
	})
	if err != nil {
		return err
	}
	for _, tr := range res.Responses {
		for _, pr := range tr.PartitionResponses {
			if pr.ErrorCode != protocol.ErrNone.Code() {
				if e, ok := protocol.Errs[pr.ErrorCode]; ok {
					return e
				}
				return protocol.ErrUnknown
			}
		}
	}
	return nil
}

// commitStagedOffset lands one staged offset once its transaction
// commits. The write goes through the consumer group's coordinator,
// which keeps that broker's offsets cache coherent.
func (b *Broker) commitStagedOffset(ctx context.Context, so structs.StagedOffset) error {
	topic, err := b.offsetsTopic(nil)
	if err != nil {
		return err
	}
	pid := offsetsPartition(so.Group, int32(len(topic.Partitions)))
	_, p, err := b.fsm.State().GetPartition(OffsetsTopicName, pid)
	if err != nil {
		return err
	}
	if p == nil {
		return errors.Errorf("offsets partition %d missing", pid)
	}

	if p.Leader == b.config.ID {
		l, perr := b.partitionLog(OffsetsTopicName, pid)
		if perr != protocol.ErrNone {
			return perr
		}
		ts := nowMillis()
		batch, err := newOffsetsBatch(
			offsetKey{Group: so.Group, Topic: so.Topic, Partition: so.Partition},
			offsetValue{Offset: so.Offset, Metadata: so.Metadata, CommitTimestamp: ts},
		)
		if err != nil {
			return err
		}
		if _, perr := l.Append(ctx, batch); perr != protocol.ErrNone {
			return perr
		}
		b.offsets.commit(so.Group, so.Topic, so.Partition, committedOffset{
			offset:    so.Offset,
			metadata:  so.Metadata,
			timestamp: ts,
		})
		return nil
	}

	broker := b.brokerLookup.BrokerByID(raft.ServerID(fmt.Sprintf("%d", p.Leader)))
	if broker == nil {
		return errors.Errorf("offsets commit: no broker for leader %d", p.Leader)
	}
	conn, err := Dial("tcp", broker.BrokerAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	res, err := conn.OffsetCommit(&protocol.OffsetCommitRequest{
		GroupID: so.Group,
		Topics: []protocol.OffsetCommitTopicRequest{{
			Topic: so.Topic,
			Partitions: []protocol.OffsetCommitPartitionRequest{{
				Partition: so.Partition,
				Offset:    so.Offset,
				Metadata:  so.Metadata,
			}},
		}},
	})
	if err != nil {
		return err
	}
	for _, tr := range res.Responses {
		for _, pr := range tr.PartitionResponses {
			if pr.ErrorCode != protocol.ErrNone.Code() {
				if e, ok := protocol.Errs[pr.ErrorCode]; ok {
					return e
				}
				return protocol.ErrUnknown
			}
		}
	}
	return nil
}

// req handling

func (b *Broker) handleAPIVersions(ctx *Context, req *protocol.APIVersionsRequest) *protocol.APIVersionsResponse {
	sp := span(ctx, b.tracer, "api versions")
	defer sp.Finish()
	res := &protocol.APIVersionsResponse{APIVersions: protocol.APIVersions}
	res.APIVersion = req.Version()
	return res
}

func (b *Broker) handleProduce(ctx *Context, req *protocol.ProduceRequest) *protocol.ProduceResponse {
	sp := span(ctx, b.tracer, "produce")
	defer sp.Finish()

	res := &protocol.ProduceResponse{
		Responses: make([]*protocol.ProduceTopicResponse, len(req.TopicData)),
	}
	res.APIVersion = req.Version()

	state := b.fsm.State()
	for i, td := range req.TopicData {
		presps := make([]*protocol.ProducePartitionResponse, len(td.Data))
		for j, pd := range td.Data {
			pres := &protocol.ProducePartitionResponse{Partition: pd.Partition}
			presps[j] = pres

			_, topic, err := state.GetTopic(td.Topic)
			if err != nil {
				pres.ErrorCode = protocol.ErrUnknown.Code()
				continue
			}
			if topic == nil {
				pres.ErrorCode = protocol.ErrUnknownTopicOrPartition.Code()
				continue
			}
			partition, perr := b.partitionLog(td.Topic, pd.Partition)
			if perr != protocol.ErrNone {
				pres.ErrorCode = perr.Code()
				continue
			}
			if !partition.IsLeader() {
				pres.ErrorCode = protocol.ErrNotLeaderForPartition.Code()
				continue
			}

			hdr, err := protocol.PeekRecordBatchHeader(pd.RecordSet)
			if err != nil {
				pres.ErrorCode = protocol.ErrCorruptMessage.Code()
				continue
			}

			var offset int64
			if hdr.IsControl() {
				offset, err = b.appendMarker(ctx, partition, pd.RecordSet)
				if err != nil {
					log.Error.Printf("broker/%d: append marker error: %s", b.config.ID, err)
					pres.ErrorCode = protocol.ErrUnknown.Code()
					continue
				}
			} else {
				var aerr protocol.Error
				offset, aerr = partition.Append(ctx, pd.RecordSet)
				if aerr != protocol.ErrNone {
					pres.ErrorCode = aerr.Code()
					continue
				}
			}
			// acks=-1 acknowledges only once the backend has durably
			// flushed the partition.
			if req.Acks == -1 {
				if err := partition.Flush(); err != nil {
					log.Error.Printf("broker/%d: flush %s-%d: %s", b.config.ID, td.Topic, pd.Partition, err)
					pres.ErrorCode = protocol.ErrKafkaStorageError.Code()
					continue
				}
			}
			pres.BaseOffset = offset
			pres.LogAppendTime = time.Now()
		}
		res.Responses[i] = &protocol.ProduceTopicResponse{
			Topic:              td.Topic,
			PartitionResponses: presps,
		}
	}
	return res
}

// appendMarker applies a transaction marker forwarded by a remote
// transaction coordinator, keeping the aborted-range bookkeeping on the
// partition leader.
func (b *Broker) appendMarker(ctx context.Context, partition *PartitionLog, frame []byte) (int64, error) {
	batches, err := protocol.DecodeRecordBatches(frame)
	if err != nil {
		return 0, err
	}
	if len(batches) != 1 {
		return 0, errors.Errorf("marker produce carried %d batches", len(batches))
	}
	batch := batches[0]
	kind, err := batch.ControlType()
	if err != nil {
		return 0, err
	}
	var coordinatorEpoch int32
	if v := batch.Records[0].Value; len(v) >= 6 {
		coordinatorEpoch = int32(protocol.Encoding.Uint32(v[2:]))
	}
	return partition.AppendControl(ctx, batch.ProducerID, batch.ProducerEpoch, coordinatorEpoch, kind == protocol.ControlCommit)
}

func (b *Broker) handleFetch(ctx *Context, req *protocol.FetchRequest) *protocol.FetchResponse {
	sp := span(ctx, b.tracer, "fetch")
	defer sp.Finish()

	res := &protocol.FetchResponse{
		Responses: make(protocol.FetchTopicResponses, len(req.Topics)),
	}
	res.APIVersion = req.Version()

	readCommitted := req.IsolationLevel == 1

	// The wait budget and MinBytes are response-wide: a partition blocks
	// only until the response as a whole holds MinBytes, after which the
	// rest are read without blocking.
	maxWait := req.MaxWaitTime
	var gathered int32
	for i, topic := range req.Topics {
		fr := &protocol.FetchTopicResponse{
			Topic:              topic.Topic,
			PartitionResponses: make([]*protocol.FetchPartitionResponse, len(topic.Partitions)),
		}
		res.Responses[i] = fr

		for j, p := range topic.Partitions {
			fpres := &protocol.FetchPartitionResponse{Partition: p.Partition}
			fr.PartitionResponses[j] = fpres

			partition, perr := b.partitionLog(topic.Topic, p.Partition)
			if perr != protocol.ErrNone {
				fpres.ErrorCode = perr.Code()
				continue
			}
			if !partition.IsLeader() && req.ReplicaID == 0 {
				fpres.ErrorCode = protocol.ErrNotLeaderForPartition.Code()
				continue
			}

			minBytes := req.MinBytes - gathered
			if minBytes < 0 {
				minBytes = 0
			}
			result, ferr := partition.Fetch(ctx, p.FetchOffset, minBytes, p.MaxBytes, maxWait, readCommitted)
			if ferr != protocol.ErrNone {
				fpres.ErrorCode = ferr.Code()
				continue
			}
			fpres.HighWatermark = result.HighWatermark
			fpres.LastStableOffset = result.LastStableOffset
			fpres.LogStartOffset = result.LogStartOffset
			fpres.AbortedTransactions = result.AbortedTransactions
			fpres.RecordSet = result.RecordSet
			gathered += int32(len(result.RecordSet))
			if gathered >= req.MinBytes {
				maxWait = 0
			}
		}
	}
	return res
}

func (b *Broker) handleOffsets(ctx *Context, req *protocol.OffsetsRequest) *protocol.OffsetsResponse {
	sp := span(ctx, b.tracer, "offsets")
	defer sp.Finish()

	res := &protocol.OffsetsResponse{
		Responses: make([]*protocol.OffsetResponse, len(req.Topics)),
	}
	res.APIVersion = req.Version()

	for i, t := range req.Topics {
		or := &protocol.OffsetResponse{
			Topic:              t.Topic,
			PartitionResponses: make([]*protocol.PartitionResponse, len(t.Partitions)),
		}
		res.Responses[i] = or

		for j, p := range t.Partitions {
			pres := &protocol.PartitionResponse{Partition: p.Partition, Timestamp: -1}
			or.PartitionResponses[j] = pres

			partition, perr := b.partitionLog(t.Topic, p.Partition)
			if perr != protocol.ErrNone {
				pres.ErrorCode = perr.Code()
				continue
			}
			if !partition.IsLeader() {
				pres.ErrorCode = protocol.ErrNotLeaderForPartition.Code()
				continue
			}

			var offset int64
			var err error
			switch p.Timestamp {
			case -2:
				offset = partition.OldestOffset()
			case -1:
				offset = partition.NewestOffset()
			default:
				offset, err = partition.OffsetForTimestamp(ctx, p.Timestamp)
			}
			if err != nil {
				pres.ErrorCode = protocol.ErrUnknown.Code()
				continue
			}
			pres.Offset = offset
		}
	}
	return res
}

func (b *Broker) handleMetadata(ctx *Context, req *protocol.MetadataRequest) *protocol.MetadataResponse {
	sp := span(ctx, b.tracer, "metadata")
	defer sp.Finish()

	state := b.fsm.State()

	members := b.LANMembers()
	brokers := make([]*protocol.Broker, 0, len(members))
	for _, mem := range members {
		if mem.Status != serf.StatusAlive {
			continue
		}
		m, ok := metadata.IsBroker(mem)
		if !ok {
			continue
		}
		brokers = append(brokers, &protocol.Broker{
			NodeID: m.ID.Int32(),
			Host:   m.Host(),
			Port:   m.Port(),
		})
	}

	controllerID := int32(-1)
	if leaderAddr := b.raft.Leader(); leaderAddr != "" {
		if leader := b.brokerLookup.BrokerByAddr(leaderAddr); leader != nil {
			controllerID = leader.ID.Int32()
		}
	}

	topicMetadata := func(topic *structs.Topic) *protocol.TopicMetadata {
		_, ps, err := state.PartitionsByTopic(topic.Topic)
		if err != nil {
			return &protocol.TopicMetadata{
				TopicErrorCode: protocol.ErrUnknown.Code(),
				Topic:          topic.Topic,
				IsInternal:     topic.Internal,
			}
		}
		pm := make([]*protocol.PartitionMetadata, 0, len(ps))
		for _, p := range ps {
			pm = append(pm, &protocol.PartitionMetadata{
				PartitionID: p.ID,
				Leader:      p.Leader,
				Replicas:    p.AR,
				ISR:         p.ISR,
			})
		}
		return &protocol.TopicMetadata{
			Topic:             topic.Topic,
			IsInternal:        topic.Internal,
			PartitionMetadata: pm,
		}
	}

	var tm []*protocol.TopicMetadata
	if req.Topics == nil || (req.Version() == 0 && len(req.Topics) == 0) {
		_, topics, err := state.GetTopics()
		if err != nil {
			log.Error.Printf("broker/%d: metadata: get topics error: %s", b.config.ID, err)
		}
		tm = make([]*protocol.TopicMetadata, 0, len(topics))
		for _, topic := range topics {
			tm = append(tm, topicMetadata(topic))
		}
	} else {
		tm = make([]*protocol.TopicMetadata, 0, len(req.Topics))
		for _, name := range req.Topics {
			_, topic, err := state.GetTopic(name)
			if err != nil || topic == nil {
				tm = append(tm, &protocol.TopicMetadata{
					TopicErrorCode: protocol.ErrUnknownTopicOrPartition.Code(),
					Topic:          name,
				})
				continue
			}
			tm = append(tm, topicMetadata(topic))
		}
	}

	res := &protocol.MetadataResponse{
		Brokers:       brokers,
		ControllerID:  controllerID,
		TopicMetadata: tm,
	}
	res.APIVersion = req.Version()
	return res
}

func (b *Broker) handleLeaderAndISR(ctx *Context, req *protocol.LeaderAndISRRequest) *protocol.LeaderAndISRResponse {
	sp := span(ctx, b.tracer, "leader and isr")
	defer sp.Finish()

	res := &protocol.LeaderAndISRResponse{
		Partitions: make([]*protocol.LeaderAndISRPartition, len(req.PartitionStates)),
	}
	res.APIVersion = req.Version()

	setErr := func(i int, p *protocol.PartitionState, err protocol.Error) {
		res.Partitions[i] = &protocol.LeaderAndISRPartition{
			Topic:     p.Topic,
			Partition: p.Partition,
			ErrorCode: err.Code(),
		}
	}

	for i, p := range req.PartitionStates {
		// Not every broker hosts every partition; acking without
		// opening a log is fine.
		if p.Leader != b.config.ID && !contains(p.Replicas, b.config.ID) {
			setErr(i, p, protocol.ErrNone)
			continue
		}
		partition, perr := b.startPartition(p)
		if perr != protocol.ErrNone {
			setErr(i, p, perr)
			continue
		}
		if p.Leader == b.config.ID {
			perr = b.becomeLeader(partition, p)
		} else {
			perr = b.becomeFollower(partition, p)
		}
		setErr(i, p, perr)
	}
	return res
}

func (b *Broker) handleStopReplica(ctx *Context, req *protocol.StopReplicaRequest) *protocol.StopReplicaResponse {
	sp := span(ctx, b.tracer, "stop replica")
	defer sp.Finish()

	res := &protocol.StopReplicaResponse{
		Partitions: make([]*protocol.StopReplicaPartitionResponse, len(req.Partitions)),
	}
	res.APIVersion = req.Version()

	for i, p := range req.Partitions {
		perr := protocol.ErrNone
		partition, err := b.partitionLookup.Partition(p.Topic, p.Partition)
		switch {
		case err != nil && req.DeletePartitions:
			// Never opened here; clear whatever the backend has.
			if err := b.backend.RemovePartition(storage.PartitionID{Topic: p.Topic, Partition: p.Partition}); err != nil {
				perr = protocol.ErrUnknown.WithErr(err)
			}
		case err != nil:
			// Nothing to stop.
		case req.DeletePartitions:
			b.partitionLookup.RemovePartition(partition)
			if err := partition.Delete(); err != nil {
				perr = protocol.ErrUnknown.WithErr(err)
			}
		default:
			b.partitionLookup.RemovePartition(partition)
			if err := partition.Close(); err != nil {
				perr = protocol.ErrUnknown.WithErr(err)
			}
		}
		res.Partitions[i] = &protocol.StopReplicaPartitionResponse{
			Topic:     p.Topic,
			Partition: p.Partition,
			ErrorCode: perr.Code(),
		}
	}
	return res
}

func (b *Broker) handleCreateTopic(ctx *Context, reqs *protocol.CreateTopicRequests) *protocol.CreateTopicsResponse {
	sp := span(ctx, b.tracer, "create topic")
	defer sp.Finish()

	res := &protocol.CreateTopicsResponse{
		TopicErrorCodes: make([]*protocol.TopicErrorCode, len(reqs.Requests)),
	}
	res.APIVersion = reqs.Version()

	isController := b.isController()
	sp.LogKV("is controller", isController)

	for i, req := range reqs.Requests {
		if !isController {
			res.TopicErrorCodes[i] = &protocol.TopicErrorCode{
				Topic:     req.Topic,
				ErrorCode: protocol.ErrNotController.Code(),
			}
			continue
		}
		if perr := validTopicName(req.Topic); perr != protocol.ErrNone {
			res.TopicErrorCodes[i] = &protocol.TopicErrorCode{
				Topic:     req.Topic,
				ErrorCode: perr.Code(),
			}
			continue
		}
		req := req
		perr := b.withTimeout(reqs.Timeout, func() protocol.Error {
			return b.createTopic(ctx, req, reqs.ValidateOnly)
		})
		res.TopicErrorCodes[i] = &protocol.TopicErrorCode{
			Topic:     req.Topic,
			ErrorCode: perr.Code(),
		}
	}
	return res
}

func (b *Broker) handleDeleteTopics(ctx *Context, reqs *protocol.DeleteTopicsRequest) *protocol.DeleteTopicsResponse {
	sp := span(ctx, b.tracer, "delete topics")
	defer sp.Finish()

	res := &protocol.DeleteTopicsResponse{
		TopicErrorCodes: make([]*protocol.TopicErrorCode, len(reqs.Topics)),
	}
	res.APIVersion = reqs.Version()

	isController := b.isController()
	for i, topic := range reqs.Topics {
		if !isController {
			res.TopicErrorCodes[i] = &protocol.TopicErrorCode{
				Topic:     topic,
				ErrorCode: protocol.ErrNotController.Code(),
			}
			continue
		}
		topic := topic
		perr := b.withTimeout(reqs.Timeout, func() protocol.Error {
			return b.deleteTopic(ctx, topic)
		})
		res.TopicErrorCodes[i] = &protocol.TopicErrorCode{
			Topic:     topic,
			ErrorCode: perr.Code(),
		}
	}
	return res
}

func (b *Broker) handleFindCoordinator(ctx *Context, req *protocol.FindCoordinatorRequest) *protocol.FindCoordinatorResponse {
	sp := span(ctx, b.tracer, "find coordinator")
	defer sp.Finish()

	res := &protocol.FindCoordinatorResponse{}
	res.APIVersion = req.Version()

	if req.CoordinatorType != protocol.CoordinatorGroup && req.CoordinatorType != protocol.CoordinatorTxn {
		res.ErrorCode = protocol.ErrInvalidRequest.Code()
		return res
	}

	// Group and transactional ids share the offsets-partition hash, so
	// a given id maps to one broker for both roles.
	p, perr := b.coordinatorPartition(ctx, req.CoordinatorKey)
	if perr != protocol.ErrNone {
		res.ErrorCode = perr.Code()
		return res
	}
	broker := b.brokerLookup.BrokerByID(raft.ServerID(fmt.Sprintf("%d", p.Leader)))
	if broker == nil {
		res.ErrorCode = protocol.ErrCoordinatorNotAvailable.Code()
		return res
	}
	res.Coordinator.NodeID = broker.ID.Int32()
	res.Coordinator.Host = broker.Host()
	res.Coordinator.Port = broker.Port()
	return res
}

func (b *Broker) handleJoinGroup(ctx *Context, req *protocol.JoinGroupRequest) *protocol.JoinGroupResponse {
	sp := span(ctx, b.tracer, "join group")
	defer sp.Finish()

	if perr := b.groupCoordinatorCheck(ctx, req.GroupID); perr != protocol.ErrNone {
		res := &protocol.JoinGroupResponse{ErrorCode: perr.Code()}
		res.APIVersion = req.Version()
		return res
	}

	var clientID, clientHost string
	if ctx != nil && ctx.header != nil {
		clientID = ctx.header.ClientID
	}
	if ctx != nil && ctx.conn != nil {
		clientHost = ctx.conn.RemoteAddr().String()
	}
	return b.groups.joinGroup(ctx, clientID, clientHost, req)
}

func (b *Broker) handleSyncGroup(ctx *Context, req *protocol.SyncGroupRequest) *protocol.SyncGroupResponse {
	sp := span(ctx, b.tracer, "sync group")
	defer sp.Finish()

	if perr := b.groupCoordinatorCheck(ctx, req.GroupID); perr != protocol.ErrNone {
		res := &protocol.SyncGroupResponse{ErrorCode: perr.Code()}
		res.APIVersion = req.Version()
		return res
	}
	return b.groups.syncGroup(ctx, req)
}

func (b *Broker) handleHeartbeat(ctx *Context, req *protocol.HeartbeatRequest) *protocol.HeartbeatResponse {
	sp := span(ctx, b.tracer, "heartbeat")
	defer sp.Finish()

	if perr := b.groupCoordinatorCheck(ctx, req.GroupID); perr != protocol.ErrNone {
		res := &protocol.HeartbeatResponse{ErrorCode: perr.Code()}
		res.APIVersion = req.Version()
		return res
	}
	return b.groups.heartbeat(req)
}

func (b *Broker) handleLeaveGroup(ctx *Context, req *protocol.LeaveGroupRequest) *protocol.LeaveGroupResponse {
	sp := span(ctx, b.tracer, "leave group")
	defer sp.Finish()

	if perr := b.groupCoordinatorCheck(ctx, req.GroupID); perr != protocol.ErrNone {
		res := &protocol.LeaveGroupResponse{ErrorCode: perr.Code()}
		res.APIVersion = req.Version()
		return res
	}
	return b.groups.leaveGroup(req)
}

func (b *Broker) handleDescribeGroups(ctx *Context, req *protocol.DescribeGroupsRequest) *protocol.DescribeGroupsResponse {
	sp := span(ctx, b.tracer, "describe groups")
	defer sp.Finish()

	res := &protocol.DescribeGroupsResponse{
		Groups: make([]protocol.Group, 0, len(req.GroupIDs)),
	}
	res.APIVersion = req.Version()
	for _, id := range req.GroupIDs {
		res.Groups = append(res.Groups, b.groups.describeGroup(id))
	}
	return res
}

func (b *Broker) handleListGroups(ctx *Context, req *protocol.ListGroupsRequest) *protocol.ListGroupsResponse {
	sp := span(ctx, b.tracer, "list groups")
	defer sp.Finish()

	res := &protocol.ListGroupsResponse{}
	res.APIVersion = req.Version()

	_, rows, err := b.fsm.State().GetGroups()
	if err != nil {
		res.ErrorCode = protocol.ErrUnknown.Code()
		return res
	}
	res.Groups = b.groups.listGroups(rows)
	return res
}

func (b *Broker) handleOffsetCommit(ctx *Context, req *protocol.OffsetCommitRequest) *protocol.OffsetCommitResponse {
	sp := span(ctx, b.tracer, "offset commit")
	defer sp.Finish()

	res := &protocol.OffsetCommitResponse{
		Responses: make([]protocol.OffsetCommitTopicResponse, len(req.Topics)),
	}
	res.APIVersion = req.Version()

	fail := func(code int16) *protocol.OffsetCommitResponse {
		for i, t := range req.Topics {
			tr := protocol.OffsetCommitTopicResponse{
				Topic:              t.Topic,
				PartitionResponses: make([]protocol.OffsetCommitPartitionResponse, len(t.Partitions)),
			}
			for j, p := range t.Partitions {
				tr.PartitionResponses[j] = protocol.OffsetCommitPartitionResponse{
					Partition: p.Partition,
					ErrorCode: code,
				}
			}
			res.Responses[i] = tr
		}
		return res
	}

	if perr := b.groupCoordinatorCheck(ctx, req.GroupID); perr != protocol.ErrNone {
		return fail(perr.Code())
	}
	if req.Version() >= 1 && req.MemberID != "" {
		if perr := b.groups.validateCommit(req.GroupID, req.MemberID, req.GenerationID); perr != protocol.ErrNone {
			return fail(perr.Code())
		}
	}

	topic, err := b.offsetsTopic(ctx)
	if err != nil {
		return fail(protocol.ErrCoordinatorNotAvailable.Code())
	}
	pid := offsetsPartition(req.GroupID, int32(len(topic.Partitions)))
	l, lerr := b.partitionLog(OffsetsTopicName, pid)
	if lerr != protocol.ErrNone {
		return fail(protocol.ErrCoordinatorLoadInProgress.Code())
	}

	for i, t := range req.Topics {
		tr := protocol.OffsetCommitTopicResponse{
			Topic:              t.Topic,
			PartitionResponses: make([]protocol.OffsetCommitPartitionResponse, len(t.Partitions)),
		}
		for j, p := range t.Partitions {
			pr := protocol.OffsetCommitPartitionResponse{Partition: p.Partition}

			ts := p.Timestamp
			if ts <= 0 {
				ts = nowMillis()
			}
			batch, err := newOffsetsBatch(
				offsetKey{Group: req.GroupID, Topic: t.Topic, Partition: p.Partition},
				offsetValue{Offset: p.Offset, Metadata: p.Metadata, CommitTimestamp: ts},
			)
			if err != nil {
				pr.ErrorCode = protocol.ErrUnknown.Code()
				tr.PartitionResponses[j] = pr
				continue
			}
			if _, perr := l.Append(ctx, batch); perr != protocol.ErrNone {
				pr.ErrorCode = perr.Code()
				tr.PartitionResponses[j] = pr
				continue
			}
			b.offsets.commit(req.GroupID, t.Topic, p.Partition, committedOffset{
				offset:    p.Offset,
				metadata:  p.Metadata,
				timestamp: ts,
			})
			tr.PartitionResponses[j] = pr
		}
		res.Responses[i] = tr
	}
	return res
}

func (b *Broker) handleOffsetFetch(ctx *Context, req *protocol.OffsetFetchRequest) *protocol.OffsetFetchResponse {
	sp := span(ctx, b.tracer, "offset fetch")
	defer sp.Finish()

	res := &protocol.OffsetFetchResponse{}
	res.APIVersion = req.Version()

	if perr := b.groupCoordinatorCheck(ctx, req.GroupID); perr != protocol.ErrNone {
		if req.Version() >= 2 {
			res.ErrorCode = perr.Code()
		}
		res.Responses = make([]protocol.OffsetFetchTopicResponse, len(req.Topics))
		for i, t := range req.Topics {
			tr := protocol.OffsetFetchTopicResponse{
				Topic:      t.Topic,
				Partitions: make([]protocol.OffsetFetchPartition, len(t.Partitions)),
			}
			for j, p := range t.Partitions {
				tr.Partitions[j] = protocol.OffsetFetchPartition{
					Partition: p,
					Offset:    -1,
					ErrorCode: perr.Code(),
				}
			}
			res.Responses[i] = tr
		}
		return res
	}

	fetchOne := func(topic string, p int32) protocol.OffsetFetchPartition {
		o, ok := b.offsets.fetch(req.GroupID, topic, p)
		if !ok {
			return protocol.OffsetFetchPartition{Partition: p, Offset: -1}
		}
		return protocol.OffsetFetchPartition{Partition: p, Offset: o.offset, Metadata: o.metadata}
	}

	if req.Topics == nil {
		// Everything the group has commits for.
		for _, topic := range b.offsets.topics(req.GroupID) {
			tr := protocol.OffsetFetchTopicResponse{Topic: topic}
			for _, p := range b.offsets.partitions(req.GroupID, topic) {
				tr.Partitions = append(tr.Partitions, fetchOne(topic, p))
			}
			res.Responses = append(res.Responses, tr)
		}
		return res
	}

	res.Responses = make([]protocol.OffsetFetchTopicResponse, len(req.Topics))
	for i, t := range req.Topics {
		tr := protocol.OffsetFetchTopicResponse{Topic: t.Topic}
		if len(t.Partitions) == 0 {
			for _, p := range b.offsets.partitions(req.GroupID, t.Topic) {
				tr.Partitions = append(tr.Partitions, fetchOne(t.Topic, p))
			}
		} else {
			tr.Partitions = make([]protocol.OffsetFetchPartition, 0, len(t.Partitions))
			for _, p := range t.Partitions {
				tr.Partitions = append(tr.Partitions, fetchOne(t.Topic, p))
			}
		}
		res.Responses[i] = tr
	}
	return res
}

func (b *Broker) handleSaslHandshake(ctx *Context, req *protocol.SaslHandshakeRequest) *protocol.SaslHandshakeResponse {
	sp := span(ctx, b.tracer, "sasl handshake")
	defer sp.Finish()

	log.Info.Printf("broker/%d: sasl handshake for mechanism %q: no mechanisms enabled", b.config.ID, req.Mechanism)
	res := &protocol.SaslHandshakeResponse{
		ErrorCode:         protocol.ErrUnsupportedSaslMechanism.Code(),
		EnabledMechanisms: []string{},
	}
	res.APIVersion = req.Version()
	return res
}

func (b *Broker) handleInitProducerID(ctx *Context, req *protocol.InitProducerIDRequest) *protocol.InitProducerIDResponse {
	sp := span(ctx, b.tracer, "init producer id")
	defer sp.Finish()

	if req.TransactionalID != nil && *req.TransactionalID != "" {
		if perr := b.txnCoordinatorCheck(ctx, *req.TransactionalID); perr != protocol.ErrNone {
			res := &protocol.InitProducerIDResponse{
				ErrorCode:     perr.Code(),
				ProducerID:    -1,
				ProducerEpoch: -1,
			}
			res.APIVersion = req.Version()
			return res
		}
	}
	return b.txns.initProducerID(ctx, req)
}

func (b *Broker) handleAddPartitionsToTxn(ctx *Context, req *protocol.AddPartitionsToTxnRequest) *protocol.AddPartitionsToTxnResponse {
	sp := span(ctx, b.tracer, "add partitions to txn")
	defer sp.Finish()

	if perr := b.txnCoordinatorCheck(ctx, req.TransactionalID); perr != protocol.ErrNone {
		res := &protocol.AddPartitionsToTxnResponse{
			Results: make([]protocol.AddPartitionsToTxnTopicResult, len(req.Topics)),
		}
		res.APIVersion = req.Version()
		for i, t := range req.Topics {
			result := protocol.AddPartitionsToTxnTopicResult{
				Topic:            t.Topic,
				PartitionResults: make([]protocol.AddPartitionsToTxnPartitionResult, len(t.Partitions)),
			}
			for j, p := range t.Partitions {
				result.PartitionResults[j] = protocol.AddPartitionsToTxnPartitionResult{
					Partition: p,
					ErrorCode: perr.Code(),
				}
			}
			res.Results[i] = result
		}
		return res
	}
	return b.txns.addPartitions(req)
}

func (b *Broker) handleAddOffsetsToTxn(ctx *Context, req *protocol.AddOffsetsToTxnRequest) *protocol.AddOffsetsToTxnResponse {
	sp := span(ctx, b.tracer, "add offsets to txn")
	defer sp.Finish()

	if perr := b.txnCoordinatorCheck(ctx, req.TransactionalID); perr != protocol.ErrNone {
		res := &protocol.AddOffsetsToTxnResponse{ErrorCode: perr.Code()}
		res.APIVersion = req.Version()
		return res
	}
	topic, err := b.offsetsTopic(ctx)
	if err != nil {
		res := &protocol.AddOffsetsToTxnResponse{ErrorCode: protocol.ErrCoordinatorNotAvailable.Code()}
		res.APIVersion = req.Version()
		return res
	}
	return b.txns.addOffsets(req, int32(len(topic.Partitions)))
}

func (b *Broker) handleEndTxn(ctx *Context, req *protocol.EndTxnRequest) *protocol.EndTxnResponse {
	sp := span(ctx, b.tracer, "end txn")
	defer sp.Finish()

	if perr := b.txnCoordinatorCheck(ctx, req.TransactionalID); perr != protocol.ErrNone {
		res := &protocol.EndTxnResponse{ErrorCode: perr.Code()}
		res.APIVersion = req.Version()
		return res
	}
	return b.txns.endTxn(ctx, req)
}

func (b *Broker) handleTxnOffsetCommit(ctx *Context, req *protocol.TxnOffsetCommitRequest) *protocol.TxnOffsetCommitResponse {
	sp := span(ctx, b.tracer, "txn offset commit")
	defer sp.Finish()

	if perr := b.txnCoordinatorCheck(ctx, req.TransactionalID); perr != protocol.ErrNone {
		res := &protocol.TxnOffsetCommitResponse{
			Topics: make([]protocol.TxnOffsetCommitTopicResult, len(req.Topics)),
		}
		res.APIVersion = req.Version()
		for i, t := range req.Topics {
			result := protocol.TxnOffsetCommitTopicResult{
				Topic:      t.Topic,
				Partitions: make([]protocol.TxnOffsetCommitPartitionResult, len(t.Partitions)),
			}
			for j, p := range t.Partitions {
				result.Partitions[j] = protocol.TxnOffsetCommitPartitionResult{
					Partition: p.Partition,
					ErrorCode: perr.Code(),
				}
			}
			res.Topics[i] = result
		}
		return res
	}
	return b.txns.txnOffsetCommit(req)
}

// topic and partition management

// createTopic registers the topic and its partitions through raft, then
// fans the assignments out so every replica opens its log.
func (b *Broker) createTopic(ctx *Context, topic *protocol.CreateTopicRequest, validateOnly bool) protocol.Error {
	state := b.fsm.State()
	_, t, err := state.GetTopic(topic.Topic)
	if err != nil {
		return protocol.ErrUnknown.WithErr(err)
	}
	if t != nil {
		return protocol.ErrTopicAlreadyExists
	}

	var ps []structs.Partition
	var perr protocol.Error
	if len(topic.ReplicaAssignment) > 0 {
		ps, perr = b.assignedPartitions(topic.Topic, topic.ReplicaAssignment)
	} else {
		if topic.NumPartitions < 1 {
			return protocol.ErrInvalidPartitions
		}
		replicationFactor := topic.ReplicationFactor
		if replicationFactor == -1 {
			replicationFactor = 1
		}
		ps, perr = b.buildPartitions(topic.Topic, topic.NumPartitions, replicationFactor)
	}
	if perr != protocol.ErrNone {
		return perr
	}
	if validateOnly {
		return protocol.ErrNone
	}

	config := make(structs.Properties, len(topic.Configs))
	for k, v := range topic.Configs {
		if v != nil {
			config[k] = *v
		}
	}

	tt := structs.Topic{
		Topic:      topic.Topic,
		Partitions: make(map[int32][]int32, len(ps)),
		Config:     config,
	}
	for _, partition := range ps {
		tt.Partitions[partition.ID] = partition.AR
	}
	if _, err := b.raftApply(structs.RegisterTopicRequestType, structs.RegisterTopicRequest{Topic: tt}); err != nil {
		return protocol.ErrUnknown.WithErr(err)
	}
	for _, partition := range ps {
		if err := b.createPartition(partition); err != nil {
			return protocol.ErrUnknown.WithErr(err)
		}
	}
	return b.startTopic(ctx, ps)
}

// deleteTopic tears the topic down cluster-wide: replicas stop and
// delete their logs, then the registry rows go away.
func (b *Broker) deleteTopic(ctx *Context, topic string) protocol.Error {
	state := b.fsm.State()
	_, t, err := state.GetTopic(topic)
	if err != nil {
		return protocol.ErrUnknown.WithErr(err)
	}
	if t == nil {
		return protocol.ErrUnknownTopicOrPartition
	}

	req := &protocol.StopReplicaRequest{
		ControllerID:     b.config.ID,
		DeletePartitions: true,
		Partitions:       make([]*protocol.StopReplicaPartition, 0, len(t.Partitions)),
	}
	for id := range t.Partitions {
		req.Partitions = append(req.Partitions, &protocol.StopReplicaPartition{
			Topic:     topic,
			Partition: id,
		})
	}

	for _, broker := range b.brokerLookup.Brokers() {
		if broker.ID.Int32() == b.config.ID {
			res := b.handleStopReplica(ctx, req)
			for _, p := range res.Partitions {
				if p.ErrorCode != protocol.ErrNone.Code() {
					log.Error.Printf("broker/%d: stop replica error on %s-%d: %d", b.config.ID, p.Topic, p.Partition, p.ErrorCode)
				}
			}
			continue
		}
		conn, err := Dial("tcp", broker.BrokerAddr)
		if err != nil {
			return protocol.ErrUnknown.WithErr(err)
		}
		_, err = conn.StopReplica(req)
		conn.Close()
		if err != nil {
			return protocol.ErrUnknown.WithErr(err)
		}
	}

	if _, err := b.raftApply(structs.DeregisterTopicRequestType, structs.DeregisterTopicRequest{
		Topic: structs.Topic{Topic: topic},
	}); err != nil {
		return protocol.ErrUnknown.WithErr(err)
	}
	return protocol.ErrNone
}

// assignedPartitions honors an explicit replica assignment from a
// create topic request.
func (b *Broker) assignedPartitions(topic string, assignment map[int32][]int32) ([]structs.Partition, protocol.Error) {
	known := make(map[int32]bool)
	for _, broker := range b.brokerLookup.Brokers() {
		known[broker.ID.Int32()] = true
	}

	ps := make([]structs.Partition, 0, len(assignment))
	for id, replicas := range assignment {
		if len(replicas) == 0 {
			return nil, protocol.ErrInvalidReplicaAssignment
		}
		for _, r := range replicas {
			if !known[r] {
				return nil, protocol.ErrInvalidReplicaAssignment
			}
		}
		ps = append(ps, structs.Partition{
			Topic:  topic,
			ID:     id,
			Leader: replicas[0],
			AR:     replicas,
			ISR:    replicas,
		})
	}
	return ps, protocol.ErrNone
}

// buildPartitions spreads numPartitions over the live brokers with
// replicationFactor replicas each. Leaders start from a random broker
// so topics don't pile up on the first node.
func (b *Broker) buildPartitions(topic string, numPartitions int32, replicationFactor int16) ([]structs.Partition, protocol.Error) {
	brokers := b.brokerLookup.Brokers()
	count := len(brokers)

	if count == 0 {
		return nil, protocol.ErrBrokerNotAvailable
	}
	if replicationFactor < 1 {
		return nil, protocol.ErrInvalidReplicationFactor
	}
	if int(replicationFactor) > count {
		return nil, protocol.ErrInvalidReplicationFactor
	}

	r := ring.New(count)
	for i := 0; i < r.Len(); i++ {
		r.Value = brokers[i]
		r = r.Next()
	}
	r = r.Move(rand.Intn(count))

	var partitions []structs.Partition

	for i := int32(0); i < numPartitions; i++ {
		leader := r.Value.(*metadata.Broker)
		replicas := []int32{leader.ID.Int32()}
		follower := r
		for j := int16(0); j < replicationFactor-1; j++ {
			follower = follower.Next()
			replicas = append(replicas, follower.Value.(*metadata.Broker).ID.Int32())
		}
		partitions = append(partitions, structs.Partition{
			Topic:  topic,
			ID:     i,
			Leader: leader.ID.Int32(),
			AR:     replicas,
			ISR:    replicas,
		})
		r = r.Next()
	}

	return partitions, protocol.ErrNone
}

func (b *Broker) createPartition(partition structs.Partition) error {
	_, err := b.raftApply(structs.RegisterPartitionRequestType, structs.RegisterPartitionRequest{
		Partition: partition,
	})
	return err
}

// startTopic fans the leader and ISR assignments out to every broker so
// replicas open their logs.
func (b *Broker) startTopic(ctx *Context, ps []structs.Partition) protocol.Error {
	if len(ps) == 0 {
		return protocol.ErrNone
	}

	req := &protocol.LeaderAndISRRequest{
		ControllerID:    b.config.ID,
		PartitionStates: make([]*protocol.PartitionState, 0, len(ps)),
	}
	for _, partition := range ps {
		req.PartitionStates = append(req.PartitionStates, &protocol.PartitionState{
			Topic:     partition.Topic,
			Partition: partition.ID,
			Leader:    partition.Leader,
			ISR:       partition.ISR,
			Replicas:  partition.AR,
		})
	}

	for _, broker := range b.brokerLookup.Brokers() {
		if broker.ID.Int32() == b.config.ID {
			res := b.handleLeaderAndISR(ctx, req)
			for _, p := range res.Partitions {
				if p.ErrorCode != protocol.ErrNone.Code() {
					log.Error.Printf("broker/%d: leader and isr error on %s-%d: %d", b.config.ID, p.Topic, p.Partition, p.ErrorCode)
				}
			}
			continue
		}
		conn, err := Dial("tcp", broker.BrokerAddr)
		if err != nil {
			return protocol.ErrUnknown.WithErr(err)
		}
		res, err := conn.LeaderAndISR(req)
		conn.Close()
		if err != nil {
			return protocol.ErrUnknown.WithErr(err)
		}
		log.Debug.Printf("broker/%d: leader and isr response: %+v", b.config.ID, res)
	}
	return protocol.ErrNone
}

// startPartition opens the partition's log on this broker, creating it
// in the backend on first touch.
func (b *Broker) startPartition(p *protocol.PartitionState) (*PartitionLog, protocol.Error) {
	b.Lock()
	defer b.Unlock()

	if partition, err := b.partitionLookup.Partition(p.Topic, p.Partition); err == nil {
		return partition, protocol.ErrNone
	}

	_, topic, err := b.fsm.State().GetTopic(p.Topic)
	if err != nil {
		return nil, protocol.ErrUnknown.WithErr(err)
	}
	if topic == nil {
		log.Info.Printf("broker/%d: start partition for unknown topic: %s", b.config.ID, p.Topic)
		return nil, protocol.ErrUnknownTopicOrPartition
	}

	cfg := PartitionConfig{
		Topic:           p.Topic,
		Partition:       p.Partition,
		MaxMessageBytes: int32(topic.Config.GetInt64("max.message.bytes")),
	}
	if topic.Config.GetBool("schema.validation") {
		var fields []string
		for _, f := range strings.Split(topic.Config.GetString("schema.validation.fields"), ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		cfg.Validator = &JSONValidator{RequiredFields: fields}
	}

	partition, err := NewPartitionLog(b.backend, cfg)
	if err != nil {
		return nil, protocol.ErrKafkaStorageError.WithErr(err)
	}
	b.partitionLookup.AddPartition(partition)
	return partition, protocol.ErrNone
}

// partitionLog returns the partition's open log. After a restart the
// registry still assigns us partitions whose logs aren't open yet, so
// a lookup miss falls back to replaying the assignment.
func (b *Broker) partitionLog(topic string, id int32) (*PartitionLog, protocol.Error) {
	if l, err := b.partitionLookup.Partition(topic, id); err == nil {
		return l, protocol.ErrNone
	}
	_, p, err := b.fsm.State().GetPartition(topic, id)
	if err != nil {
		return nil, protocol.ErrUnknown.WithErr(err)
	}
	if p == nil {
		return nil, protocol.ErrUnknownTopicOrPartition
	}
	if !contains(p.AR, b.config.ID) {
		return nil, protocol.ErrNotLeaderForPartition
	}

	res := b.handleLeaderAndISR(nil, &protocol.LeaderAndISRRequest{
		ControllerID: b.config.ID,
		PartitionStates: []*protocol.PartitionState{{
			Topic:     p.Topic,
			Partition: p.ID,
			Leader:    p.Leader,
			ISR:       p.ISR,
			Replicas:  p.AR,
		}},
	})
	for _, pr := range res.Partitions {
		if pr.ErrorCode != protocol.ErrNone.Code() {
			if e, ok := protocol.Errs[pr.ErrorCode]; ok {
				return nil, e
			}
			return nil, protocol.ErrUnknown
		}
	}

	l, lerr := b.partitionLookup.Partition(topic, id)
	if lerr != nil {
		return nil, protocol.ErrUnknownTopicOrPartition
	}
	return l, protocol.ErrNone
}

func (b *Broker) becomeLeader(partition *PartitionLog, cmd *protocol.PartitionState) protocol.Error {
	b.Lock()
	defer b.Unlock()

	if old := partition.setReplicator(nil); old != nil {
		if err := old.Close(); err != nil {
			return protocol.ErrUnknown.WithErr(err)
		}
	}
	partition.SetLeader(cmd.Leader, true)
	return protocol.ErrNone
}

func (b *Broker) becomeFollower(partition *PartitionLog, cmd *protocol.PartitionState) protocol.Error {
	b.Lock()
	defer b.Unlock()

	if old := partition.setReplicator(nil); old != nil {
		if err := old.Close(); err != nil {
			return protocol.ErrUnknown.WithErr(err)
		}
	}
	partition.SetLeader(cmd.Leader, false)

	leader := b.brokerLookup.BrokerByID(raft.ServerID(fmt.Sprintf("%d", cmd.Leader)))
	if leader == nil {
		return protocol.ErrBrokerNotAvailable
	}
	conn, err := NewDialer(fmt.Sprintf("brokkr-replicator-%d", b.config.ID)).Dial("tcp", leader.BrokerAddr)
	if err != nil {
		return protocol.ErrUnknown.WithErr(err)
	}
	r := NewReplicator(ReplicatorConfig{BrokerID: b.config.ID}, partition, conn)
	partition.setReplicator(r)
	if !b.config.DevMode {
		r.Replicate(b.ctx)
	}
	return protocol.ErrNone
}

// offsetsTopic returns the offsets topic, creating and starting it
// cluster-wide on first use. Creation happens on the controller; other
// brokers report the coordinator unavailable until it exists.
func (b *Broker) offsetsTopic(ctx *Context) (*structs.Topic, error) {
	b.offsetsTopicMu.Lock()
	defer b.offsetsTopicMu.Unlock()

	state := b.fsm.State()
	_, topic, err := state.GetTopic(OffsetsTopicName)
	if err != nil || topic != nil {
		return topic, err
	}
	if !b.isController() {
		return nil, errors.New("offsets topic not created yet")
	}

	numPartitions := b.config.OffsetsTopicNumPartitions
	if numPartitions < 1 {
		numPartitions = OffsetsTopicNumPartitions
	}
	replicationFactor := b.config.OffsetsTopicReplicationFactor
	if n := int16(len(b.brokerLookup.Brokers())); replicationFactor > n {
		replicationFactor = n
	}
	if replicationFactor < 1 {
		replicationFactor = 1
	}

	ps, perr := b.buildPartitions(OffsetsTopicName, numPartitions, replicationFactor)
	if perr != protocol.ErrNone {
		return nil, perr
	}

	tt := structs.Topic{
		Topic:      OffsetsTopicName,
		Internal:   true,
		Partitions: make(map[int32][]int32, len(ps)),
	}
	for _, partition := range ps {
		tt.Partitions[partition.ID] = partition.AR
	}
	if _, err := b.raftApply(structs.RegisterTopicRequestType, structs.RegisterTopicRequest{Topic: tt}); err != nil {
		return nil, err
	}
	for _, partition := range ps {
		if err := b.createPartition(partition); err != nil {
			return nil, err
		}
	}
	if perr := b.startTopic(ctx, ps); perr != protocol.ErrNone {
		return nil, perr
	}

	_, topic, err = state.GetTopic(OffsetsTopicName)
	return topic, err
}

// coordinatorPartition maps a group or transactional id to its offsets
// partition row.
func (b *Broker) coordinatorPartition(ctx *Context, key string) (*structs.Partition, protocol.Error) {
	topic, err := b.offsetsTopic(ctx)
	if err != nil {
		log.Debug.Printf("broker/%d: coordinator lookup: %s", b.config.ID, err)
		return nil, protocol.ErrCoordinatorNotAvailable
	}
	pid := offsetsPartition(key, int32(len(topic.Partitions)))
	_, p, err := b.fsm.State().GetPartition(OffsetsTopicName, pid)
	if err != nil || p == nil {
		return nil, protocol.ErrCoordinatorNotAvailable
	}
	return p, protocol.ErrNone
}

// groupCoordinatorCheck verifies this broker coordinates the group and
// has the group's offsets partition replayed into the cache.
func (b *Broker) groupCoordinatorCheck(ctx *Context, groupID string) protocol.Error {
	p, perr := b.coordinatorPartition(ctx, groupID)
	if perr != protocol.ErrNone {
		return perr
	}
	if p.Leader != b.config.ID {
		return protocol.ErrNotCoordinator
	}
	if !b.offsets.isLoaded(p.ID) {
		l, lerr := b.partitionLog(OffsetsTopicName, p.ID)
		if lerr != protocol.ErrNone {
			return protocol.ErrCoordinatorLoadInProgress
		}
		if err := b.offsets.replay(b.ctx, l); err != nil {
			log.Error.Printf("broker/%d: offsets replay error: %s", b.config.ID, err)
			return protocol.ErrCoordinatorLoadInProgress
		}
	}
	return protocol.ErrNone
}

// txnCoordinatorCheck verifies this broker coordinates the
// transactional id.
func (b *Broker) txnCoordinatorCheck(ctx *Context, transactionalID string) protocol.Error {
	p, perr := b.coordinatorPartition(ctx, transactionalID)
	if perr != protocol.ErrNone {
		return perr
	}
	if p.Leader != b.config.ID {
		return protocol.ErrNotCoordinator
	}
	return protocol.ErrNone
}

// cluster membership

// Leave is used to prepare for a graceful shutdown.
func (b *Broker) Leave() error {
	log.Info.Printf("broker/%d: starting leave", b.config.ID)

	numPeers, err := b.numPeers()
	if err != nil {
		log.Error.Printf("broker/%d: check raft peers error: %s", b.config.ID, err)
		return err
	}

	isLeader := b.isLeader()
	if isLeader && numPeers > 1 {
		future := b.raft.RemoveServer(raft.ServerID(fmt.Sprintf("%d", b.config.ID)), 0, 0)
		if err := future.Error(); err != nil {
			log.Error.Printf("broker/%d: remove ourself as raft peer error: %s", b.config.ID, err)
		}
	}

	if b.serf != nil {
		if err := b.serf.Leave(); err != nil {
			log.Error.Printf("broker/%d: leave LAN serf cluster error: %s", b.config.ID, err)
		}
	}

	time.Sleep(b.config.LeaveDrainTime)

	if isLeader {
		return nil
	}

	left := false
	limit := time.Now().Add(5 * time.Second)
	for !left && time.Now().Before(limit) {
		// Sleep a while before we check.
		time.Sleep(50 * time.Millisecond)

		future := b.raft.GetConfiguration()
		if err := future.Error(); err != nil {
			log.Error.Printf("broker/%d: get raft configuration error: %s", b.config.ID, err)
			break
		}

		left = true
		for _, server := range future.Configuration().Servers {
			if server.Address == raft.ServerAddress(b.config.RaftAddr) {
				left = false
				break
			}
		}
	}

	return nil
}

// Shutdown closes the broker: serf leaves the pool, raft stops, and
// every open partition log flushes and closes.
func (b *Broker) Shutdown() error {
	log.Info.Printf("broker/%d: shutting down broker", b.config.ID)
	b.shutdownLock.Lock()
	defer b.shutdownLock.Unlock()

	if b.shutdown {
		return nil
	}
	b.shutdown = true
	close(b.shutdownCh)

	if b.cancel != nil {
		b.cancel()
	}

	if b.serf != nil {
		b.serf.Shutdown()
	}

	if b.raft != nil {
		b.raftTransport.Close()
		future := b.raft.Shutdown()
		if err := future.Error(); err != nil {
			log.Info.Printf("broker/%d: wait for raft to shutdown error: %s", b.config.ID, err)
			return err
		}
		if b.raftStore != nil {
			b.raftStore.Close()
		}
	}

	for _, p := range b.partitionLookup.Partitions() {
		if err := p.Close(); err != nil {
			log.Error.Printf("broker/%d: close partition error: %s", b.config.ID, err)
		}
	}
	if b.backend != nil {
		if err := b.backend.Close(); err != nil {
			log.Error.Printf("broker/%d: close storage error: %s", b.config.ID, err)
		}
	}

	return nil
}

// helpers

func (b *Broker) isController() bool {
	return b.isLeader()
}

func (b *Broker) isLeader() bool {
	return b.raft.State() == raft.Leader
}

// LANMembers returns the members of the LAN gossip pool.
func (b *Broker) LANMembers() []serf.Member {
	return b.serf.Members()
}

func (b *Broker) numPeers() (int, error) {
	future := b.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0, err
	}
	var numPeers int
	for _, server := range future.Configuration().Servers {
		if server.Suffrage == raft.Voter {
			numPeers++
		}
	}
	return numPeers, nil
}

// withTimeout bounds fn. Zero or negative timeouts fire and forget: fn
// keeps running and the caller gets an immediate ack.
func (b *Broker) withTimeout(timeout time.Duration, fn func() protocol.Error) protocol.Error {
	if timeout <= 0 {
		go fn()
		return protocol.ErrNone
	}
	c := make(chan protocol.Error, 1)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	go func() { c <- fn() }()
	select {
	case perr := <-c:
		return perr
	case <-timer.C:
		return protocol.ErrRequestTimedOut
	}
}

// setConsistentReadReady is called on establishing leadership.
func (b *Broker) setConsistentReadReady() {
	atomic.StoreInt32(&b.readyForConsistentReads, 1)
}

// resetConsistentReadReady is called on losing leadership.
func (b *Broker) resetConsistentReadReady() {
	atomic.StoreInt32(&b.readyForConsistentReads, 0)
}

func (b *Broker) isReadyForConsistentReads() bool {
	return atomic.LoadInt32(&b.readyForConsistentReads) == 1
}

func validTopicName(name string) protocol.Error {
	if name == "" || name == "." || name == ".." || len(name) > 249 || !topicNameRe.MatchString(name) {
		return protocol.ErrInvalidTopic
	}
	return protocol.ErrNone
}

func contains(rs []int32, r int32) bool {
	for _, ri := range rs {
		if ri == r {
			return true
		}
	}
	return false
}

func ensurePath(path string, dir bool) error {
	if !dir {
		path = filepath.Dir(path)
	}
	return os.MkdirAll(path, 0755)
}

func span(ctx context.Context, tracer opentracing.Tracer, op string) opentracing.Span {
	if ctx == nil {
		// only done for unit tests
		return tracer.StartSpan("broker: " + op)
	}
	parentSpan := opentracing.SpanFromContext(ctx)
	if parentSpan == nil {
		// only done for unit tests
		return tracer.StartSpan("broker: " + op)
	}
	return tracer.StartSpan("broker: "+op, opentracing.ChildOf(parentSpan.Context()))
}

// logState dumps the registry every tick. Only runs with
// BROKKRDEBUG=broker=1.
func (b *Broker) logState() {
	ticker := time.NewTicker(b.logStateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.shutdownCh:
			return
		case <-ticker.C:
			buf := new(bytes.Buffer)
			fmt.Fprintf(buf, "broker/%d: state: leader: %v\n", b.config.ID, b.isLeader())
			state := b.fsm.State()
			if _, nodes, err := state.GetNodes(); err == nil {
				fmt.Fprintf(buf, "nodes: %s", spew.Sdump(nodes))
			}
			if _, topics, err := state.GetTopics(); err == nil {
				fmt.Fprintf(buf, "topics: %s", spew.Sdump(topics))
			}
			log.Debug.Printf("%s", buf.String())
		}
	}
}
