package brokkr

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/brokkr-mq/brokkr/brokkr/config"
	"github.com/brokkr-mq/brokkr/protocol"
	"github.com/brokkr-mq/brokkr/storage"
)

// setupTest boots a single bootstrapped broker and runs its request
// loop over plain channels, skipping the TCP layer.
func setupTest(t *testing.T) (context.Context, *Server, chan *Context, chan *Context, func()) {
	t.Helper()
	s, dir := NewTestServer(t, func(cfg *config.Config) {
		cfg.Bootstrap = true
		cfg.BootstrapExpect = 1
		cfg.Storage = config.StorageMemory
	}, nil)
	b := s.broker()
	ctx, cancel := context.WithCancel(context.Background())
	reqCh := make(chan *Context, 32)
	resCh := make(chan *Context, 32)
	go b.Run(ctx, reqCh, resCh)
	WaitForBrokerLeader(t, b)
	teardown := func() {
		cancel()
		if err := s.Shutdown(); err != nil {
			t.Errorf("shutdown error: %v", err)
		}
		os.RemoveAll(dir)
	}
	return ctx, s, reqCh, resCh, teardown
}

func testRequest(ctx context.Context, correlationID int32, req protocol.VersionedDecoder) *Context {
	return &Context{
		header: &protocol.RequestHeader{
			CorrelationID: correlationID,
			ClientID:      "test-client",
		},
		req:    req,
		parent: ctx,
	}
}

func createTestTopic(t *testing.T, ctx context.Context, reqCh, resCh chan *Context, topic string, partitions int32) {
	t.Helper()
	reqCh <- testRequest(ctx, 1, &protocol.CreateTopicRequests{
		Timeout: 5 * time.Second,
		Requests: []*protocol.CreateTopicRequest{{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		}},
	})
	act := <-resCh
	res := act.res.Body.(*protocol.CreateTopicsResponse)
	require.Equal(t, protocol.ErrNone.Code(), res.TopicErrorCodes[0].ErrorCode)
}

// newTestBatch builds a single batch frame. Producer id -1 and sequence
// -1 make it non-idempotent.
func newTestBatch(t *testing.T, pid int64, epoch int16, seq int32, values ...string) []byte {
	t.Helper()
	now := time.Now().UnixMilli()
	records := make([]protocol.Record, len(values))
	for i, v := range values {
		records[i] = protocol.Record{
			OffsetDelta: int64(i),
			Value:       []byte(v),
		}
	}
	batch := &protocol.RecordBatch{
		LastOffsetDelta: int32(len(values) - 1),
		BaseTimestamp:   now,
		MaxTimestamp:    now,
		ProducerID:      pid,
		ProducerEpoch:   epoch,
		BaseSequence:    seq,
		Records:         records,
	}
	frame, err := batch.Encode()
	require.NoError(t, err)
	return frame
}

func TestBroker_APIVersions(t *testing.T) {
	ctx, _, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	reqCh <- testRequest(ctx, 1, &protocol.APIVersionsRequest{})
	act := <-resCh
	res := act.res.Body.(*protocol.APIVersionsResponse)
	require.NotEmpty(t, res.APIVersions)

	var produce *protocol.APIVersion
	for i, v := range res.APIVersions {
		if v.APIKey == protocol.ProduceKey {
			produce = &res.APIVersions[i]
		}
	}
	require.NotNil(t, produce)
	require.True(t, produce.MinVersion <= 3 && produce.MaxVersion >= 3)
}

func TestBroker_CreateTopic(t *testing.T) {
	ctx, s, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	createTestTopic(t, ctx, reqCh, resCh, "first-topic", 2)

	// The topic is durable and its partitions are serving.
	b := s.broker()
	_, topic, err := b.fsm.State().GetTopic("first-topic")
	require.NoError(t, err)
	require.NotNil(t, topic)
	require.Len(t, topic.Partitions, 2)

	// Creating it again fails.
	reqCh <- testRequest(ctx, 2, &protocol.CreateTopicRequests{
		Timeout: 5 * time.Second,
		Requests: []*protocol.CreateTopicRequest{{
			Topic:             "first-topic",
			NumPartitions:     2,
			ReplicationFactor: 1,
		}},
	})
	act := <-resCh
	res := act.res.Body.(*protocol.CreateTopicsResponse)
	require.Equal(t, protocol.ErrTopicAlreadyExists.Code(), res.TopicErrorCodes[0].ErrorCode)

	// Bad names and partition counts are rejected.
	reqCh <- testRequest(ctx, 3, &protocol.CreateTopicRequests{
		Timeout: 5 * time.Second,
		Requests: []*protocol.CreateTopicRequest{
			{Topic: "bad name!", NumPartitions: 1, ReplicationFactor: 1},
			{Topic: "no-partitions", NumPartitions: 0, ReplicationFactor: 1},
		},
	})
	act = <-resCh
	res = act.res.Body.(*protocol.CreateTopicsResponse)
	require.Equal(t, protocol.ErrInvalidTopic.Code(), res.TopicErrorCodes[0].ErrorCode)
	require.Equal(t, protocol.ErrInvalidPartitions.Code(), res.TopicErrorCodes[1].ErrorCode)
}

func TestBroker_ProduceFetch(t *testing.T) {
	ctx, _, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	createTestTopic(t, ctx, reqCh, resCh, "orders", 1)

	reqCh <- testRequest(ctx, 2, &protocol.ProduceRequest{
		APIVersion: 3,
		Acks:       -1,
		Timeout:    5 * time.Second,
		TopicData: []*protocol.ProduceTopicData{{
			Topic: "orders",
			Data: []*protocol.ProducePartitionData{{
				Partition: 0,
				RecordSet: newTestBatch(t, -1, -1, -1, "a", "b", "c"),
			}},
		}},
	})
	act := <-resCh
	pres := act.res.Body.(*protocol.ProduceResponse)
	require.Equal(t, protocol.ErrNone.Code(), pres.Responses[0].PartitionResponses[0].ErrorCode)
	require.Equal(t, int64(0), pres.Responses[0].PartitionResponses[0].BaseOffset)

	// Producing with acks=0 acknowledges nothing.
	reqCh <- testRequest(ctx, 3, &protocol.ProduceRequest{
		APIVersion: 3,
		Acks:       0,
		Timeout:    5 * time.Second,
		TopicData: []*protocol.ProduceTopicData{{
			Topic: "orders",
			Data: []*protocol.ProducePartitionData{{
				Partition: 0,
				RecordSet: newTestBatch(t, -1, -1, -1, "d"),
			}},
		}},
	})
	act = <-resCh
	require.Nil(t, act.res.Body)

	reqCh <- testRequest(ctx, 4, &protocol.FetchRequest{
		APIVersion:  4,
		ReplicaID:   0,
		MaxWaitTime: 100 * time.Millisecond,
		MinBytes:    1,
		Topics: []*protocol.FetchTopic{{
			Topic: "orders",
			Partitions: []*protocol.FetchPartition{{
				Partition:   0,
				FetchOffset: 0,
				MaxBytes:    1 << 20,
			}},
		}},
	})
	act = <-resCh
	fres := act.res.Body.(*protocol.FetchResponse)
	fp := fres.Responses[0].PartitionResponses[0]
	require.Equal(t, protocol.ErrNone.Code(), fp.ErrorCode)
	require.Equal(t, int64(4), fp.HighWatermark)

	batches, err := protocol.DecodeRecordBatches(fp.RecordSet)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Len(t, batches[0].Records, 3)
	require.Equal(t, []byte("a"), batches[0].Records[0].Value)
	require.Equal(t, []byte("d"), batches[1].Records[0].Value)
	require.Equal(t, int64(3), batches[1].BaseOffset)

	// Fetching past the log end is an error.
	reqCh <- testRequest(ctx, 5, &protocol.FetchRequest{
		APIVersion:  4,
		ReplicaID:   0,
		MaxWaitTime: 100 * time.Millisecond,
		MinBytes:    1,
		Topics: []*protocol.FetchTopic{{
			Topic: "orders",
			Partitions: []*protocol.FetchPartition{{
				Partition:   0,
				FetchOffset: 99,
				MaxBytes:    1 << 20,
			}},
		}},
	})
	act = <-resCh
	fres = act.res.Body.(*protocol.FetchResponse)
	require.Equal(t, protocol.ErrOffsetOutOfRange.Code(), fres.Responses[0].PartitionResponses[0].ErrorCode)
}

// flushCountBackend counts Flush calls on their way to the real backend.
type flushCountBackend struct {
	storage.Backend
	mu      sync.Mutex
	flushes int
}

func (f *flushCountBackend) Flush(p storage.PartitionID) error {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
	return f.Backend.Flush(p)
}

func (f *flushCountBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}

func TestBroker_ProduceAcksAllFlushes(t *testing.T) {
	ctx, s, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	b := s.broker()
	fb := &flushCountBackend{Backend: b.backend}
	b.backend = fb

	createTestTopic(t, ctx, reqCh, resCh, "ledger", 1)

	produce := func(id int32, acks int16) *protocol.ProduceResponse {
		reqCh <- testRequest(ctx, id, &protocol.ProduceRequest{
			APIVersion: 3,
			Acks:       acks,
			Timeout:    5 * time.Second,
			TopicData: []*protocol.ProduceTopicData{{
				Topic: "ledger",
				Data: []*protocol.ProducePartitionData{{
					Partition: 0,
					RecordSet: newTestBatch(t, -1, -1, -1, "entry"),
				}},
			}},
		})
		act := <-resCh
		return act.res.Body.(*protocol.ProduceResponse)
	}

	// acks=1 acknowledges once stored, without forcing a flush.
	res := produce(2, 1)
	require.Equal(t, protocol.ErrNone.Code(), res.Responses[0].PartitionResponses[0].ErrorCode)
	require.Equal(t, 0, fb.count())

	// acks=-1 flushes the partition before acknowledging.
	res = produce(3, -1)
	require.Equal(t, protocol.ErrNone.Code(), res.Responses[0].PartitionResponses[0].ErrorCode)
	require.Equal(t, 1, fb.count())
}

func TestBroker_FetchWaits(t *testing.T) {
	ctx, _, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	createTestTopic(t, ctx, reqCh, resCh, "events", 1)

	// A fetch at the log end parks until data arrives.
	start := time.Now()
	reqCh <- testRequest(ctx, 2, &protocol.FetchRequest{
		APIVersion:  4,
		ReplicaID:   0,
		MaxWaitTime: 5 * time.Second,
		MinBytes:    1,
		Topics: []*protocol.FetchTopic{{
			Topic: "events",
			Partitions: []*protocol.FetchPartition{{
				Partition:   0,
				FetchOffset: 0,
				MaxBytes:    1 << 20,
			}},
		}},
	})

	time.Sleep(150 * time.Millisecond)
	reqCh <- testRequest(ctx, 3, &protocol.ProduceRequest{
		APIVersion: 3,
		Acks:       -1,
		Timeout:    5 * time.Second,
		TopicData: []*protocol.ProduceTopicData{{
			Topic: "events",
			Data: []*protocol.ProducePartitionData{{
				Partition: 0,
				RecordSet: newTestBatch(t, -1, -1, -1, "wake"),
			}},
		}},
	})

	// Two responses, in either order since handlers run concurrently.
	var fres *protocol.FetchResponse
	for i := 0; i < 2; i++ {
		act := <-resCh
		if f, ok := act.res.Body.(*protocol.FetchResponse); ok {
			fres = f
		}
	}
	require.NotNil(t, fres)
	fp := fres.Responses[0].PartitionResponses[0]
	require.Equal(t, protocol.ErrNone.Code(), fp.ErrorCode)
	require.NotEmpty(t, fp.RecordSet)
	require.True(t, time.Since(start) < 5*time.Second, "fetch should release on produce, not time out")

	batches, err := protocol.DecodeRecordBatches(fp.RecordSet)
	require.NoError(t, err)
	require.Equal(t, []byte("wake"), batches[0].Records[0].Value)

	// MinBytes above what the log holds keeps the fetch parked until the
	// wait expires, then returns what there is.
	start = time.Now()
	reqCh <- testRequest(ctx, 4, &protocol.FetchRequest{
		APIVersion:  4,
		ReplicaID:   0,
		MaxWaitTime: 300 * time.Millisecond,
		MinBytes:    1 << 20,
		Topics: []*protocol.FetchTopic{{
			Topic: "events",
			Partitions: []*protocol.FetchPartition{{
				Partition:   0,
				FetchOffset: 0,
				MaxBytes:    1 << 20,
			}},
		}},
	})
	act := <-resCh
	fres = act.res.Body.(*protocol.FetchResponse)
	fp = fres.Responses[0].PartitionResponses[0]
	require.Equal(t, protocol.ErrNone.Code(), fp.ErrorCode)
	require.NotEmpty(t, fp.RecordSet)
	require.True(t, time.Since(start) >= 250*time.Millisecond, "fetch must hold out for MinBytes")
}

func TestBroker_Offsets(t *testing.T) {
	ctx, _, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	createTestTopic(t, ctx, reqCh, resCh, "audit", 1)

	reqCh <- testRequest(ctx, 2, &protocol.ProduceRequest{
		APIVersion: 3,
		Acks:       -1,
		Timeout:    5 * time.Second,
		TopicData: []*protocol.ProduceTopicData{{
			Topic: "audit",
			Data: []*protocol.ProducePartitionData{{
				Partition: 0,
				RecordSet: newTestBatch(t, -1, -1, -1, "x", "y", "z"),
			}},
		}},
	})
	<-resCh

	reqCh <- testRequest(ctx, 3, &protocol.OffsetsRequest{
		APIVersion: 1,
		ReplicaID:  0,
		Topics: []*protocol.OffsetsTopic{{
			Topic: "audit",
			Partitions: []*protocol.OffsetsPartition{{
				Partition: 0,
				Timestamp: -2,
			}},
		}},
	})
	act := <-resCh
	ores := act.res.Body.(*protocol.OffsetsResponse)
	require.Equal(t, protocol.ErrNone.Code(), ores.Responses[0].PartitionResponses[0].ErrorCode)
	require.Equal(t, int64(0), ores.Responses[0].PartitionResponses[0].Offset)

	reqCh <- testRequest(ctx, 4, &protocol.OffsetsRequest{
		APIVersion: 1,
		ReplicaID:  0,
		Topics: []*protocol.OffsetsTopic{{
			Topic: "audit",
			Partitions: []*protocol.OffsetsPartition{{
				Partition: 0,
				Timestamp: -1,
			}},
		}},
	})
	act = <-resCh
	ores = act.res.Body.(*protocol.OffsetsResponse)
	require.Equal(t, int64(3), ores.Responses[0].PartitionResponses[0].Offset)
}

func TestBroker_Metadata(t *testing.T) {
	ctx, s, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	createTestTopic(t, ctx, reqCh, resCh, "inventory", 2)

	b := s.broker()
	var res *protocol.MetadataResponse
	correlationID := int32(2)
	RetryFunc(t, func() error {
		reqCh <- testRequest(ctx, correlationID, &protocol.MetadataRequest{APIVersion: 1})
		correlationID++
		act := <-resCh
		res = act.res.Body.(*protocol.MetadataResponse)
		if len(res.Brokers) == 0 {
			return errors.New("no brokers in metadata yet")
		}
		if res.ControllerID < 0 {
			return errors.New("controller not resolved yet")
		}
		return nil
	})

	require.Equal(t, b.config.ID, res.Brokers[0].NodeID)
	require.Equal(t, b.config.ID, res.ControllerID)

	var topic *protocol.TopicMetadata
	for _, tm := range res.TopicMetadata {
		if tm.Topic == "inventory" {
			topic = tm
		}
	}
	require.NotNil(t, topic)
	require.Equal(t, protocol.ErrNone.Code(), topic.TopicErrorCode)
	require.Len(t, topic.PartitionMetadata, 2)
	require.Equal(t, b.config.ID, topic.PartitionMetadata[0].Leader)

	// Asking for a topic that does not exist reports it by name.
	reqCh <- testRequest(ctx, correlationID, &protocol.MetadataRequest{
		APIVersion: 1,
		Topics:     []string{"no-such-topic"},
	})
	act := <-resCh
	res = act.res.Body.(*protocol.MetadataResponse)
	require.Len(t, res.TopicMetadata, 1)
	require.Equal(t, protocol.ErrUnknownTopicOrPartition.Code(), res.TopicMetadata[0].TopicErrorCode)
}

func TestBroker_DeleteTopics(t *testing.T) {
	ctx, s, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	createTestTopic(t, ctx, reqCh, resCh, "ephemeral", 1)

	reqCh <- testRequest(ctx, 2, &protocol.DeleteTopicsRequest{
		Topics:  []string{"ephemeral"},
		Timeout: 5 * time.Second,
	})
	act := <-resCh
	res := act.res.Body.(*protocol.DeleteTopicsResponse)
	require.Equal(t, protocol.ErrNone.Code(), res.TopicErrorCodes[0].ErrorCode)

	b := s.broker()
	_, topic, err := b.fsm.State().GetTopic("ephemeral")
	require.NoError(t, err)
	require.Nil(t, topic)

	// The partition no longer serves.
	reqCh <- testRequest(ctx, 3, &protocol.FetchRequest{
		APIVersion:  4,
		ReplicaID:   0,
		MaxWaitTime: 100 * time.Millisecond,
		MinBytes:    1,
		Topics: []*protocol.FetchTopic{{
			Topic: "ephemeral",
			Partitions: []*protocol.FetchPartition{{
				Partition:   0,
				FetchOffset: 0,
				MaxBytes:    1 << 20,
			}},
		}},
	})
	act = <-resCh
	fres := act.res.Body.(*protocol.FetchResponse)
	require.Equal(t, protocol.ErrUnknownTopicOrPartition.Code(), fres.Responses[0].PartitionResponses[0].ErrorCode)
}
